package market

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tokentrader/internal/pkg/circuit"
	"tokentrader/internal/types"
)

// Guarded 给外部行情源加上超时与熔断，所有失败统一映射为 ErrDataUnavailable。
type Guarded struct {
	inner   Feed
	breaker *circuit.Breaker
	timeout time.Duration
}

func NewGuarded(inner Feed, breaker *circuit.Breaker, timeout time.Duration) *Guarded {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Guarded{inner: inner, breaker: breaker, timeout: timeout}
}

func (g *Guarded) CurrentPrice(ctx context.Context, token string) (float64, error) {
	var price float64
	err := g.call(ctx, func(ctx context.Context) error {
		p, err := g.inner.CurrentPrice(ctx, token)
		if err != nil {
			return err
		}
		if p <= 0 {
			return fmt.Errorf("non-positive price %v", p)
		}
		price = p
		return nil
	})
	if err != nil {
		return 0, wrapUnavailable(token, err)
	}
	return price, nil
}

func (g *Guarded) HistoricalBars(ctx context.Context, token string, r types.DateRange) ([]types.Bar, error) {
	var bars []types.Bar
	err := g.call(ctx, func(ctx context.Context) error {
		out, err := g.inner.HistoricalBars(ctx, token, r)
		if err != nil {
			return err
		}
		bars = out
		return nil
	})
	if err != nil {
		return nil, wrapUnavailable(token, err)
	}
	return bars, nil
}

func (g *Guarded) call(ctx context.Context, fn func(context.Context) error) error {
	run := func() error {
		cctx, cancel := context.WithTimeout(ctx, g.timeout)
		defer cancel()
		return fn(cctx)
	}
	if g.breaker == nil {
		return run()
	}
	return g.breaker.Do(run)
}

func wrapUnavailable(token string, err error) error {
	if errors.Is(err, ErrDataUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrDataUnavailable, token, err)
}
