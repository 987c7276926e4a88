package engine

import (
	"context"
	"testing"
	"time"

	"tokentrader/internal/backtest"
	"tokentrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var btStart = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func backtestRequest() backtest.RunRequest {
	return backtest.RunRequest{
		StrategyID:     "momentum",
		Token:          "BTC",
		Range:          types.DateRange{Start: btStart, End: btStart.Add(48 * time.Hour)},
		InitialCapital: 10000,
	}
}

func TestBacktestRoundTripThroughEngine(t *testing.T) {
	results, err := backtest.NewResultStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = results.Close() })

	h := newHarness(t, nil)
	bars := make([]types.Bar, 49)
	for i := range bars {
		px := 100 + float64(i)
		bars[i] = types.Bar{Time: btStart.Add(time.Duration(i) * time.Hour), Open: px, High: px, Low: px, Close: px, Volume: 1000}
	}
	h.oracle.SetBars("BTC", bars)
	sim, err := backtest.NewSimulator(backtest.SimulatorConfig{Bars: h.oracle, Results: results})
	require.NoError(t, err)
	h.engine.cfg.Backtest, h.engine.cfg.Results = sim, results
	ctx := context.Background()

	res, err := h.engine.RunBacktest(ctx, backtestRequest())
	require.NoError(t, err)
	assert.Equal(t, backtest.StatusCompleted, res.Status)
	assert.Equal(t, 49, res.Bars)

	got, err := h.engine.BacktestResult(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, res.ID, got.ID)
	assert.InDelta(t, res.FinalEquity, got.FinalEquity, 1e-9)

	html, err := h.engine.BacktestChart(ctx, res.ID)
	require.NoError(t, err)
	assert.Contains(t, string(html), "echarts")

	cmp, err := h.engine.CompareStrategies(ctx, "BTC", backtestRequest().Range, 10000)
	require.NoError(t, err)
	assert.Len(t, cmp.Results, len(h.engine.Strategies()))

	list, err := h.engine.ListBacktests(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, list, 1+len(cmp.Results))
}
