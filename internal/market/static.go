package market

import (
	"context"
	"fmt"
	"sync"

	"tokentrader/internal/types"
)

// StaticOracle 是确定性的内存行情源，用于测试与离线模拟。
// SetPath 预置一串价格，每次 Advance 前进一步。
type StaticOracle struct {
	mu     sync.RWMutex
	prices map[string]float64
	paths  map[string][]float64
	cursor map[string]int
	bars   map[string][]types.Bar
}

func NewStaticOracle(prices map[string]float64) *StaticOracle {
	o := &StaticOracle{
		prices: make(map[string]float64),
		paths:  make(map[string][]float64),
		cursor: make(map[string]int),
		bars:   make(map[string][]types.Bar),
	}
	for tok, p := range prices {
		o.prices[types.NormalizeToken(tok)] = p
	}
	return o
}

func (o *StaticOracle) SetPrice(token string, price float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[types.NormalizeToken(token)] = price
}

// Remove 删除 token 的价格，之后查询返回 ErrDataUnavailable。
func (o *StaticOracle) Remove(token string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tok := types.NormalizeToken(token)
	delete(o.prices, tok)
	delete(o.paths, tok)
}

// SetPath installs a price path; the first element becomes the current price.
func (o *StaticOracle) SetPath(token string, path []float64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	tok := types.NormalizeToken(token)
	o.paths[tok] = append([]float64(nil), path...)
	o.cursor[tok] = 0
	if len(path) > 0 {
		o.prices[tok] = path[0]
	}
}

// Advance moves every path one step; returns false when all paths are exhausted.
func (o *StaticOracle) Advance() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	moved := false
	for tok, path := range o.paths {
		next := o.cursor[tok] + 1
		if next >= len(path) {
			continue
		}
		o.cursor[tok] = next
		o.prices[tok] = path[next]
		moved = true
	}
	return moved
}

func (o *StaticOracle) SetBars(token string, bars []types.Bar) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bars[types.NormalizeToken(token)] = append([]types.Bar(nil), bars...)
}

func (o *StaticOracle) CurrentPrice(_ context.Context, token string) (float64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	p, ok := o.prices[types.NormalizeToken(token)]
	if !ok || p <= 0 {
		return 0, fmt.Errorf("%w: no price for %s", ErrDataUnavailable, token)
	}
	return p, nil
}

func (o *StaticOracle) HistoricalBars(_ context.Context, token string, r types.DateRange) ([]types.Bar, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	bars, ok := o.bars[types.NormalizeToken(token)]
	if !ok || len(bars) == 0 {
		return nil, fmt.Errorf("%w: no bars for %s", ErrDataUnavailable, token)
	}
	return types.FilterBars(bars, r), nil
}
