package market

import (
	"context"
	"errors"

	"tokentrader/internal/types"
)

// ErrDataUnavailable 表示价格/K 线为空、过期或数据源不可用；
// 循环遇到后跳过该 token，不中断整轮。
var ErrDataUnavailable = errors.New("market data unavailable")

// PriceOracle 提供最新价格。
type PriceOracle interface {
	CurrentPrice(ctx context.Context, token string) (float64, error)
}

// BarSource 提供历史 K 线（按时间升序）。
type BarSource interface {
	HistoricalBars(ctx context.Context, token string, r types.DateRange) ([]types.Bar, error)
}

// Feed 同时提供实时价格与历史数据。
type Feed interface {
	PriceOracle
	BarSource
}

// PriceMap 批量取价，失败的 token 不出现在结果里。
func PriceMap(ctx context.Context, oracle PriceOracle, tokens []string) (map[string]float64, map[string]error) {
	prices := make(map[string]float64, len(tokens))
	var failed map[string]error
	for _, tok := range tokens {
		p, err := oracle.CurrentPrice(ctx, tok)
		if err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[tok] = err
			continue
		}
		prices[tok] = p
	}
	return prices, failed
}
