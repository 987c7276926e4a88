package backtest

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"tokentrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func closesToBars(closes ...float64) []types.Bar {
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{Time: t0.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: 100}
	}
	return bars
}

func TestMomentumThresholds(t *testing.T) {
	s := Momentum{}
	p := Params{"lookback_period": 3.0, "min_volume": 0.0, "min_price_change": 0.05}

	t.Run("not enough history", func(t *testing.T) {
		bars := closesToBars(100, 110, 120)
		assert.Nil(t, s.Evaluate(bars, bars[2], nil, p))
	})
	t.Run("below min change", func(t *testing.T) {
		bars := closesToBars(100, 101, 102, 103)
		assert.Nil(t, s.Evaluate(bars, bars[3], nil, p))
	})
	t.Run("falling emits sell", func(t *testing.T) {
		bars := closesToBars(100, 95, 90, 80)
		sig := s.Evaluate(bars, bars[3], nil, p)
		require.NotNil(t, sig)
		assert.Equal(t, types.ActionSell, sig.Action)
		assert.InDelta(t, 0.4, sig.Confidence, 1e-9)
	})
	t.Run("confidence capped", func(t *testing.T) {
		bars := closesToBars(100, 150, 180, 200)
		sig := s.Evaluate(bars, bars[3], nil, p)
		require.NotNil(t, sig)
		assert.Equal(t, maxConfidence, sig.Confidence)
	})
	t.Run("volume gate", func(t *testing.T) {
		bars := closesToBars(100, 110, 120, 130)
		gated := p.clone()
		gated["min_volume"] = 1000.0
		assert.Nil(t, s.Evaluate(bars, bars[3], nil, gated))
	})
}

func TestMeanReversionOversold(t *testing.T) {
	s := MeanReversion{}
	p := s.Defaults()

	closes := make([]float64, 0, 20)
	for i := 0; i < 20; i++ {
		closes = append(closes, 200-float64(i)*5)
	}
	bars := closesToBars(closes...)
	sig := s.Evaluate(bars, bars[len(bars)-1], nil, p)
	require.NotNil(t, sig)
	assert.Equal(t, types.ActionBuy, sig.Action)
	assert.LessOrEqual(t, sig.Confidence, maxConfidence)
	assert.GreaterOrEqual(t, sig.Confidence, 0.5)

	flatBars := closesToBars(make([]float64, 20)...)
	for i := range flatBars {
		flatBars[i].Close = 10
	}
	assert.Nil(t, s.Evaluate(flatBars, flatBars[19], nil, p))
}

func TestSentimentBuysOnlyAboveThreshold(t *testing.T) {
	s := Sentiment{}
	p := s.Defaults()
	bar := types.Bar{Close: 1, Volume: 10, Sentiment: 0.69}
	assert.Nil(t, s.Evaluate(nil, bar, nil, p))

	bar.Sentiment = 0.99
	sig := s.Evaluate(nil, bar, nil, p)
	require.NotNil(t, sig)
	assert.Equal(t, types.ActionBuy, sig.Action)
	assert.Equal(t, maxConfidence, sig.Confidence)
}

func TestFindDoubleBottom(t *testing.T) {
	closes := []float64{110, 105, 100, 104, 108, 112, 108, 104, 100.5, 104, 106}
	db, ok := findDoubleBottom(closesToBars(closes...), 0.02)
	require.True(t, ok)
	assert.Equal(t, 100.0, db.bottom)
	assert.Equal(t, 112.0, db.neckline)

	_, ok = findDoubleBottom(closesToBars(110, 105, 100, 104, 108, 112, 108, 104, 90, 104, 106), 0.02)
	assert.False(t, ok, "second low too deep")

	_, ok = findDoubleBottom(closesToBars(100, 101, 100.5, 101, 100.2), 0.02)
	assert.False(t, ok, "no peak between the lows")
}

func TestFindDoubleBottomCloseOnlyBars(t *testing.T) {
	closes := []float64{110, 105, 100, 104, 108, 112, 108, 104, 100.5, 104, 106}
	bars := make([]types.Bar, len(closes))
	for i, c := range closes {
		bars[i] = types.Bar{Time: t0.Add(time.Duration(i) * time.Hour), Close: c}
	}
	db, ok := findDoubleBottom(bars, 0.02)
	require.True(t, ok)
	assert.Equal(t, 100.0, db.bottom)
	assert.Equal(t, 112.0, db.neckline)
}

func TestPatternTargetsNecklineProjection(t *testing.T) {
	closes := []float64{110, 105, 100, 104, 108, 112, 108, 104, 100.5, 104}
	bars := closesToBars(closes...)
	p := Params{"window": 10.0, "tolerance": 0.02, "min_target_return": 0.05}
	sig := Pattern{}.Evaluate(bars, bars[len(bars)-1], nil, p)
	require.NotNil(t, sig)
	assert.Equal(t, types.ActionBuy, sig.Action)
	assert.Equal(t, 100.0, sig.StopLoss)
	assert.Equal(t, 124.0, sig.TakeProfit)
	assert.Equal(t, patternConfidence, sig.Confidence)
}

func TestRegistryResolveMergesLayers(t *testing.T) {
	r := DefaultRegistry()
	assert.Equal(t, []string{"mean_reversion", "momentum", "pattern", "sentiment"}, r.IDs())

	require.NoError(t, r.SetPreset("momentum", Params{"lookback_period": 5}))
	_, p, err := r.Resolve("momentum", map[string]any{"min_price_change": "0.03"})
	require.NoError(t, err)
	assert.Equal(t, 5.0, p.Float("lookback_period"))
	assert.Equal(t, 0.03, p.Float("min_price_change"))
	assert.Equal(t, 0.0, p.Float("min_volume"))

	err = r.SetPreset("momentum", Params{"lookback_period": -1})
	assert.Error(t, err)
	err = r.SetPreset("unknown", Params{})
	assert.ErrorIs(t, err, ErrUnknownStrategy)

	_, _, err = r.Resolve("mean_reversion", map[string]any{"overbought": 40})
	assert.Error(t, err)

	infos := r.Describe()
	require.Len(t, infos, 4)
	assert.NotEmpty(t, infos[0].Schema)
}

func TestPresets(t *testing.T) {
	raw := []byte(`
strategies:
  pattern:
    window: 30
    tolerance: 0.03
`)
	pf, err := ParsePresets(raw)
	require.NoError(t, err)
	r := DefaultRegistry()
	require.NoError(t, pf.Apply(r))
	_, p, err := r.Resolve("pattern", nil)
	require.NoError(t, err)
	assert.Equal(t, 30.0, p.Float("window"))
	assert.Equal(t, 0.03, p.Float("tolerance"))

	_, err = ParsePresets([]byte("strategy:\n  pattern: {}\n"))
	assert.Error(t, err, "unknown top-level key")

	bad, err := ParsePresets([]byte("strategies:\n  sentiment:\n    sentiment_threshold: 3\n"))
	require.NoError(t, err)
	assert.Error(t, bad.Apply(DefaultRegistry()))
}

func TestComputeMetrics(t *testing.T) {
	st := newState(1000)
	st.Trades = []Trade{{PnL: 30}, {PnL: -10}, {PnL: 10}, {PnL: 0}}
	st.Equity = []EquityPoint{{Equity: 1010}, {Equity: 1000}, {Equity: 1030}}
	st.MaxDrawdown = 0.01

	m := computeMetrics(st, 1000, 1030)
	assert.InDelta(t, 0.03, m.TotalReturn, 1e-12)
	assert.Equal(t, 4, m.TotalTrades)
	assert.Equal(t, 2, m.WinningTrades)
	assert.Equal(t, 1, m.LosingTrades)
	assert.InDelta(t, 0.5, m.WinRate, 1e-12)
	assert.InDelta(t, 20, m.AvgWin, 1e-12)
	assert.InDelta(t, 10, m.AvgLoss, 1e-12)
	assert.InDelta(t, 4, m.ProfitFactor, 1e-12)
	assert.Equal(t, 0.01, m.MaxDrawdown)
	assert.Greater(t, m.Volatility, 0.0)
	assert.InDelta(t, mean([]float64{0.01, -10.0 / 1010, 0.03})/m.Volatility, m.SharpeRatio, 1e-12)

	empty := computeMetrics(newState(1000), 1000, 1000)
	assert.Zero(t, empty.ProfitFactor)
	assert.Zero(t, empty.SharpeRatio)
}

type countingSource struct {
	calls atomic.Int32
	bars  []types.Bar
}

func (c *countingSource) HistoricalBars(_ context.Context, _ string, r types.DateRange) ([]types.Bar, error) {
	c.calls.Add(1)
	return types.FilterBars(c.bars, r), nil
}

func TestBarStoreServesFromDiskAfterFirstFetch(t *testing.T) {
	iv, err := ParseInterval("1h")
	require.NoError(t, err)
	upstream := &countingSource{bars: risingBars(24, 10, 1)}
	bs, err := NewBarStore(BarStoreConfig{Root: t.TempDir(), Interval: iv, Upstream: upstream, RequestsPerSec: 100})
	require.NoError(t, err)
	t.Cleanup(func() { bs.Close() })

	r := types.DateRange{Start: t0, End: t0.Add(23 * time.Hour)}
	assert.Equal(t, 24, iv.Expected(r))

	first, err := bs.HistoricalBars(context.Background(), "btc", r)
	require.NoError(t, err)
	require.Len(t, first, 24)

	second, err := bs.HistoricalBars(context.Background(), "BTC", r)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.EqualValues(t, 1, upstream.calls.Load())

	_, err = ParseInterval("2h")
	assert.Error(t, err)
}
