package backtest

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tokentrader/internal/market"
	"tokentrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func risingBars(n int, start, step float64) []types.Bar {
	bars := make([]types.Bar, n)
	for i := range bars {
		c := start + float64(i)*step
		bars[i] = types.Bar{Time: t0.Add(time.Duration(i) * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: 1000}
	}
	return bars
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []string
}

func (r *recordingNotifier) SendText(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, text)
	return nil
}

func newTestSimulator(t *testing.T, bars market.BarSource, results ResultSink, reg *Registry) (*Simulator, *recordingNotifier) {
	t.Helper()
	n := &recordingNotifier{}
	sim, err := NewSimulator(SimulatorConfig{
		Bars:          bars,
		Registry:      reg,
		Results:       results,
		Notifier:      n,
		MaxConcurrent: 2,
		Clock:         func() time.Time { return t0 },
	})
	require.NoError(t, err)
	return sim, n
}

func TestMomentumOnRisingSeriesOpensOnce(t *testing.T) {
	oracle := market.NewStaticOracle(nil)
	oracle.SetBars("X", risingBars(30, 100, 2))
	sim, notes := newTestSimulator(t, oracle, nil, nil)

	res, err := sim.Run(context.Background(), RunRequest{
		StrategyID:     "momentum",
		Token:          "x",
		InitialCapital: 10000,
		Params:         map[string]any{"lookback_period": 20, "min_price_change": 0.05},
	})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 30, res.Bars)
	assert.Empty(t, res.Trades, "no opposing signal on a rising series")
	require.NotNil(t, res.OpenAtEnd)
	assert.Equal(t, 140.0, res.OpenAtEnd.EntryPrice)
	assert.Greater(t, res.Metrics.TotalReturn, 0.0)
	assert.Len(t, res.Equity, 30)
	assert.InDelta(t, 9200+800.0/140*158, res.FinalEquity, 1e-9)
	assert.Equal(t, 20.0, res.Params.Float("lookback_period"))
	require.Len(t, notes.msgs, 1)
	assert.Contains(t, notes.msgs[0], "momentum")
}

func TestRunIsDeterministic(t *testing.T) {
	bars := make([]types.Bar, 0, 120)
	for i := 0; i < 120; i++ {
		c := 100 + 3*float64((i%20)-10)*float64((i/20)%2*2-1)
		bars = append(bars, types.Bar{Time: t0.Add(time.Duration(i) * time.Hour), Open: c, High: c + 1, Low: c - 1, Close: c, Volume: 10})
	}
	oracle := market.NewStaticOracle(nil)
	oracle.SetBars("ETH", bars)
	sim, _ := newTestSimulator(t, oracle, nil, nil)

	for _, id := range sim.Registry().IDs() {
		t.Run(id, func(t *testing.T) {
			req := RunRequest{StrategyID: id, Token: "ETH", InitialCapital: 5000}
			a, err := sim.Run(context.Background(), req)
			require.NoError(t, err)
			b, err := sim.Run(context.Background(), req)
			require.NoError(t, err)
			assert.NotEqual(t, a.ID, b.ID)
			assert.Equal(t, a.Trades, b.Trades)
			assert.Equal(t, a.Equity, b.Equity)
			assert.Equal(t, a.Metrics, b.Metrics)
		})
	}
}

func TestBuyThenSellClosesLong(t *testing.T) {
	st := newState(1000)
	buyBar := types.Bar{Time: t0, Close: 10}
	st.apply(&Signal{Action: types.ActionBuy, Confidence: 0.4}, buyBar)
	assert.False(t, st.HasPosition(), "below min confidence is ignored")

	st.apply(&Signal{Action: types.ActionBuy, Confidence: 0.5, Reason: "in"}, buyBar)
	require.True(t, st.HasPosition())
	assert.InDelta(t, 950, st.Cash, 1e-9)
	assert.InDelta(t, 5, st.Position.Quantity, 1e-9)

	st.apply(&Signal{Action: types.ActionBuy, Confidence: 0.9}, buyBar)
	assert.InDelta(t, 950, st.Cash, 1e-9, "second buy ignored while holding")

	st.apply(&Signal{Action: types.ActionSell, Confidence: 0.6, Reason: "out"}, types.Bar{Time: t0.Add(time.Hour), Close: 12})
	assert.False(t, st.HasPosition())
	require.Len(t, st.Trades, 1)
	assert.InDelta(t, 10, st.Trades[0].PnL, 1e-9)
	assert.InDelta(t, 0.2, st.Trades[0].ReturnPct, 1e-9)
	assert.InDelta(t, 1010, st.Cash, 1e-9)
}

func TestTradeKeepsSignalLevels(t *testing.T) {
	st := newState(1000)
	st.apply(&Signal{Action: types.ActionBuy, Confidence: 0.7, StopLoss: 9, TakeProfit: 14, Reason: "double bottom"}, types.Bar{Time: t0, Close: 10})
	require.True(t, st.HasPosition())
	assert.Equal(t, 9.0, st.Position.StopLoss)
	assert.Equal(t, 14.0, st.Position.TakeProfit)

	// 价位只做记录：跌破 StopLoss 也不会自动平仓
	st.markEquity(types.Bar{Time: t0.Add(time.Hour), Close: 8})
	require.True(t, st.HasPosition())

	st.apply(&Signal{Action: types.ActionSell, Confidence: 0.6}, types.Bar{Time: t0.Add(2 * time.Hour), Close: 12})
	require.Len(t, st.Trades, 1)
	assert.Equal(t, 9.0, st.Trades[0].StopLoss)
	assert.Equal(t, 14.0, st.Trades[0].TakeProfit)

	store, err := NewResultStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	res := Result{ID: "levels", StrategyID: "pattern", Token: "X", Status: StatusCompleted, InitialCapital: 1000, Trades: st.Trades, StartedAt: t0, CompletedAt: t0}
	require.NoError(t, store.SaveResult(context.Background(), res))
	saved, err := store.GetResult(context.Background(), "levels")
	require.NoError(t, err)
	require.Len(t, saved.Trades, 1)
	assert.Equal(t, 9.0, saved.Trades[0].StopLoss)
	assert.Equal(t, 14.0, saved.Trades[0].TakeProfit)
}

func TestRunFailsWithoutBars(t *testing.T) {
	store, err := NewResultStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	sim, notes := newTestSimulator(t, market.NewStaticOracle(nil), store, nil)

	res, err := sim.Run(context.Background(), RunRequest{StrategyID: "momentum", Token: "NOPE"})
	require.Error(t, err)
	assert.ErrorIs(t, err, market.ErrDataUnavailable)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Empty(t, notes.msgs)

	saved, err := store.GetResult(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, saved.Status)
	assert.Contains(t, saved.Error, "no bars")
}

func TestRunRejectsBadRequests(t *testing.T) {
	oracle := market.NewStaticOracle(nil)
	oracle.SetBars("X", risingBars(5, 1, 1))
	sim, _ := newTestSimulator(t, oracle, nil, nil)

	cases := []struct {
		name string
		req  RunRequest
		want error
	}{
		{"unknown strategy", RunRequest{StrategyID: "martingale", Token: "X"}, ErrUnknownStrategy},
		{"bad param", RunRequest{StrategyID: "momentum", Token: "X", Params: map[string]any{"lookback_period": 0}}, nil},
		{"extra param", RunRequest{StrategyID: "momentum", Token: "X", Params: map[string]any{"leverage": 3}}, nil},
		{"inverted range", RunRequest{StrategyID: "momentum", Token: "X", Range: types.DateRange{Start: t0.Add(time.Hour), End: t0}}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := sim.Run(context.Background(), tc.req)
			require.Error(t, err)
			if tc.want != nil {
				assert.ErrorIs(t, err, tc.want)
			}
			assert.Equal(t, StatusFailed, res.Status)
		})
	}
}

// driftingDefaults 注册时默认值合法，之后每次返回非法值，用来制造单个策略失败。
type driftingDefaults struct {
	mu    *sync.Mutex
	calls *int
}

func (driftingDefaults) ID() string          { return "drifting" }
func (driftingDefaults) Description() string { return "test" }
func (driftingDefaults) Schema() string {
	return `{"type":"object","properties":{"k":{"type":"number"}},"additionalProperties":false}`
}

func (d driftingDefaults) Defaults() Params {
	d.mu.Lock()
	defer d.mu.Unlock()
	*d.calls++
	if *d.calls > 1 {
		return Params{"k": "not-a-number"}
	}
	return Params{"k": 1.0}
}

func (driftingDefaults) Evaluate([]types.Bar, types.Bar, *State, Params) *Signal { return nil }

func TestCompareStrategiesRanksFailuresLast(t *testing.T) {
	oracle := market.NewStaticOracle(nil)
	oracle.SetBars("X", risingBars(60, 100, 1))
	reg := DefaultRegistry()
	require.NoError(t, reg.Register(driftingDefaults{mu: &sync.Mutex{}, calls: new(int)}))
	sim, notes := newTestSimulator(t, oracle, nil, reg)

	cmp, err := sim.CompareStrategies(context.Background(), "x", types.DateRange{}, 10000)
	require.NoError(t, err)
	require.Len(t, cmp.Results, 5)
	assert.Equal(t, "X", cmp.Token)

	last := cmp.Results[len(cmp.Results)-1]
	assert.Equal(t, "drifting", last.StrategyID)
	assert.Equal(t, StatusFailed, last.Status)
	assert.NotEmpty(t, last.Error)
	for i := 1; i < len(cmp.Results)-1; i++ {
		assert.GreaterOrEqual(t, cmp.Results[i-1].Metrics.TotalReturn, cmp.Results[i].Metrics.TotalReturn)
	}
	require.Len(t, notes.msgs, 1)
	assert.True(t, strings.Contains(notes.msgs[0], "drifting failed"))
}

func TestResultStoreRoundTrip(t *testing.T) {
	store, err := NewResultStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	oracle := market.NewStaticOracle(nil)
	oracle.SetBars("X", risingBars(30, 100, 2))
	sim, _ := newTestSimulator(t, oracle, store, nil)
	res, err := sim.Run(context.Background(), RunRequest{
		StrategyID: "momentum",
		Token:      "X",
		Params:     map[string]any{"lookback_period": 20, "min_price_change": 0.05},
	})
	require.NoError(t, err)

	got, err := store.GetResult(context.Background(), res.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, res.Metrics, got.Metrics)
	assert.Len(t, got.Equity, 30)
	require.NotNil(t, got.OpenAtEnd)
	assert.Equal(t, res.OpenAtEnd.EntryPrice, got.OpenAtEnd.EntryPrice)
	assert.Equal(t, 20.0, got.Params.Float("lookback_period"))

	list, err := store.ListResults(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Equity)

	_, err = store.GetResult(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRenderEquityHTML(t *testing.T) {
	res := Result{
		ID:         "r1",
		StrategyID: "momentum",
		Token:      "X",
		Equity: []EquityPoint{
			{Time: t0, Equity: 1000},
			{Time: t0.Add(time.Hour), Equity: 1010, Drawdown: 0},
			{Time: t0.Add(2 * time.Hour), Equity: 990, Drawdown: 0.0198},
		},
		Trades: []Trade{{ExitTime: t0.Add(time.Hour), PnL: 10}},
	}
	html, err := RenderEquityHTML(res)
	require.NoError(t, err)
	assert.Contains(t, string(html), "Equity")
	assert.Contains(t, string(html), "Drawdown")

	_, err = RenderEquityHTML(Result{ID: "empty"})
	assert.Error(t, err)
}
