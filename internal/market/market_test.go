package market

import (
	"context"
	"errors"
	"testing"
	"time"

	"tokentrader/internal/pkg/circuit"
	"tokentrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStaticOracleAdvance(t *testing.T) {
	o := NewStaticOracle(nil)
	o.SetPath("x", []float64{100, 97, 94})
	ctx := context.Background()

	var seen []float64
	for {
		p, err := o.CurrentPrice(ctx, "X")
		require.NoError(t, err)
		seen = append(seen, p)
		if !o.Advance() {
			break
		}
	}
	assert.Equal(t, []float64{100, 97, 94}, seen)

	_, err := o.CurrentPrice(ctx, "missing")
	assert.ErrorIs(t, err, ErrDataUnavailable)
}

func TestStaticOracleBarsFiltered(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	o := NewStaticOracle(nil)
	o.SetBars("X", []types.Bar{{Time: t0, Close: 1}, {Time: t0.Add(time.Hour), Close: 2}})

	bars, err := o.HistoricalBars(context.Background(), "X", types.DateRange{Start: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 2.0, bars[0].Close)
}

type failingFeed struct {
	calls int
}

func (f *failingFeed) CurrentPrice(context.Context, string) (float64, error) {
	f.calls++
	return 0, errors.New("timeout")
}

func (f *failingFeed) HistoricalBars(context.Context, string, types.DateRange) ([]types.Bar, error) {
	f.calls++
	return nil, errors.New("timeout")
}

func TestGuardedMapsFailuresAndTrips(t *testing.T) {
	inner := &failingFeed{}
	g := NewGuarded(inner, circuit.New("test", 2, time.Hour), time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := g.CurrentPrice(ctx, "BTC")
		assert.ErrorIs(t, err, ErrDataUnavailable)
	}
	assert.Equal(t, 2, inner.calls, "breaker should stop calls after threshold")
}

func TestPriceMap(t *testing.T) {
	o := NewStaticOracle(map[string]float64{"BTC": 50000})
	prices, failed := PriceMap(context.Background(), o, []string{"BTC", "DOGE"})
	assert.Equal(t, 50000.0, prices["BTC"])
	assert.ErrorIs(t, failed["DOGE"], ErrDataUnavailable)
}

type countingBars struct {
	calls int
	bars  []types.Bar
}

func (c *countingBars) HistoricalBars(_ context.Context, _ string, r types.DateRange) ([]types.Bar, error) {
	c.calls++
	return types.FilterBars(c.bars, r), nil
}

func TestCachedBarsServesCoveredRange(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	inner := &countingBars{}
	for i := 0; i < 10; i++ {
		inner.bars = append(inner.bars, types.Bar{Time: t0.Add(time.Duration(i) * time.Hour), Close: float64(i)})
	}
	c := NewCachedBars(inner)
	ctx := context.Background()

	full, err := c.HistoricalBars(ctx, "eth", types.DateRange{Start: t0, End: t0.Add(9 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, full, 10)

	sub, err := c.HistoricalBars(ctx, "ETH", types.DateRange{Start: t0.Add(2 * time.Hour), End: t0.Add(4 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, sub, 3)
	assert.Equal(t, 1, inner.calls)

	_, err = c.HistoricalBars(ctx, "ETH", types.DateRange{Start: t0, End: t0.Add(20 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 2, inner.calls)
}
