package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"tokentrader/internal/market"
	"tokentrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) Execute(ctx context.Context, order Order) (Fill, error) {
	args := m.Called(ctx, order)
	return args.Get(0).(Fill), args.Error(1)
}

func newTestLedger(t *testing.T, oracle market.PriceOracle, store EventStore) *Ledger {
	t.Helper()
	l := New(NewSimulatedExecutor(FixedSlippage(0)), oracle, store, WithExecTimeout(time.Second))
	l.Start()
	t.Cleanup(l.Stop)
	return l
}

func buyReq(token string, price, qty, stop float64) OpenRequest {
	return OpenRequest{
		Signal: types.Signal{
			Token:        token,
			Action:       types.ActionBuy,
			CurrentPrice: price,
			StopLoss:     stop,
			Confidence:   0.8,
			RiskLevel:    types.RiskMedium,
		},
		Quantity: qty,
	}
}

func TestStopLossTriggersOnFirstBreach(t *testing.T) {
	oracle := market.NewStaticOracle(nil)
	oracle.SetPath("X", []float64{100, 97, 94, 90})
	l := newTestLedger(t, oracle, nil)
	ctx := context.Background()

	pos, err := l.Open(ctx, buyReq("X", 100, 1, 95))
	require.NoError(t, err)
	assert.Equal(t, StatusSimulated, pos.Status)
	assert.InDelta(t, 100, pos.EntryPrice, 1e-9)

	closed, err := l.EvaluateExits(ctx)
	require.NoError(t, err)
	assert.Empty(t, closed, "price 100 must not trigger")

	require.True(t, oracle.Advance())
	closed, err = l.EvaluateExits(ctx)
	require.NoError(t, err)
	assert.Empty(t, closed, "price 97 must not trigger")

	require.True(t, oracle.Advance())
	closed, err = l.EvaluateExits(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonStopLoss, closed[0].CloseReason)
	assert.InDelta(t, 94, closed[0].ExitPrice, 1e-9)
	assert.InDelta(t, -6, closed[0].RealizedPnL, 1e-9)
	assert.Equal(t, []Status{StatusPending, StatusSimulated, StatusClosed}, closed[0].Transitions)
	assert.Empty(t, l.OpenPositions())
}

func TestTakeProfitAndShortSide(t *testing.T) {
	oracle := market.NewStaticOracle(map[string]float64{"S": 100})
	l := newTestLedger(t, oracle, nil)
	ctx := context.Background()

	req := OpenRequest{
		Signal:     types.Signal{Token: "S", Action: types.ActionSell, CurrentPrice: 100, Confidence: 0.7},
		Quantity:   2,
		StopLoss:   105,
		TakeProfit: 90,
	}
	_, err := l.Open(ctx, req)
	require.NoError(t, err)

	oracle.SetPrice("S", 89)
	closed, err := l.EvaluateExits(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonTakeProfit, closed[0].CloseReason)
	assert.InDelta(t, 22, closed[0].RealizedPnL, 1e-9)
}

func TestTrailingStopRatchetsOnlyUp(t *testing.T) {
	oracle := market.NewStaticOracle(nil)
	path := []float64{100, 104, 110, 107, 112, 108, 106}
	oracle.SetPath("T", path)
	l := newTestLedger(t, oracle, nil)
	ctx := context.Background()

	req := buyReq("T", 100, 1, 0)
	req.TrailingStopPct = 0.05
	pos, err := l.Open(ctx, req)
	require.NoError(t, err)
	assert.InDelta(t, 95, pos.TrailingStopPrice, 1e-9)

	last := pos.TrailingStopPrice
	var closed []Position
	for {
		out, err := l.EvaluateExits(ctx)
		require.NoError(t, err)
		if p, ok := l.Get(pos.ID); ok {
			assert.GreaterOrEqual(t, p.TrailingStopPrice, last)
			last = p.TrailingStopPrice
		}
		closed = append(closed, out...)
		if len(closed) > 0 || !oracle.Advance() {
			break
		}
	}
	require.Len(t, closed, 1)
	assert.Equal(t, ReasonTrailingStop, closed[0].CloseReason)
	assert.InDelta(t, 112*0.95, closed[0].TrailingStopPrice, 1e-9)
	assert.InDelta(t, 106, closed[0].ExitPrice, 1e-9)
}

func TestOnePositionPerToken(t *testing.T) {
	oracle := market.NewStaticOracle(map[string]float64{"X": 100})
	l := newTestLedger(t, oracle, nil)
	ctx := context.Background()

	_, err := l.Open(ctx, buyReq("x", 100, 1, 0))
	require.NoError(t, err)
	_, err = l.Open(ctx, buyReq("X", 100, 1, 0))
	assert.ErrorIs(t, err, ErrTokenBusy)
}

func TestCloseNonOpenIsInvariantViolation(t *testing.T) {
	oracle := market.NewStaticOracle(map[string]float64{"X": 100})
	l := newTestLedger(t, oracle, nil)
	ctx := context.Background()

	_, err := l.Close(ctx, "nope", ReasonManual)
	assert.ErrorIs(t, err, ErrInvariant)

	pos, err := l.Open(ctx, buyReq("X", 100, 1, 0))
	require.NoError(t, err)
	_, err = l.Close(ctx, pos.ID, ReasonManual)
	require.NoError(t, err)
	_, err = l.Close(ctx, pos.ID, ReasonManual)
	assert.ErrorIs(t, err, ErrInvariant)
}

func TestTransitionGuard(t *testing.T) {
	reachable := map[Status][]Status{
		StatusPending:   {StatusExecuted, StatusSimulated, StatusFailed},
		StatusExecuted:  {StatusClosed},
		StatusSimulated: {StatusClosed},
	}
	all := []Status{StatusPending, StatusExecuted, StatusSimulated, StatusFailed, StatusClosed}
	for _, from := range all {
		for _, to := range all {
			want := false
			for _, ok := range reachable[from] {
				if ok == to {
					want = true
				}
			}
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}

	p := &Position{ID: "p", Status: StatusFailed}
	assert.ErrorIs(t, p.transition(StatusClosed), ErrInvariant)
}

func TestExecutionFailureRecordedNotThrown(t *testing.T) {
	exec := new(MockExecutor)
	exec.On("Execute", mock.Anything, mock.MatchedBy(func(o Order) bool { return o.Token == "X" })).
		Return(Fill{}, errors.New("venue rejected")).Once()
	l := New(exec, market.NewStaticOracle(map[string]float64{"X": 100}), nil)
	l.Start()
	defer l.Stop()

	pos, err := l.Open(context.Background(), buyReq("X", 100, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, pos.Status)
	assert.Equal(t, "venue rejected", pos.FailureReason)
	assert.Equal(t, []Status{StatusPending, StatusFailed}, pos.Transitions)
	assert.Empty(t, l.OpenPositions())
	assert.Equal(t, 1, l.Status().Failed)
	exec.AssertExpectations(t)
}

func TestEmergencyCloseAllIgnoresFailures(t *testing.T) {
	prices := map[string]float64{"A": 10, "B": 20, "C": 30}
	oracle := market.NewStaticOracle(prices)
	l := newTestLedger(t, oracle, nil)
	ctx := context.Background()
	for _, tok := range []string{"A", "B", "C"} {
		_, err := l.Open(ctx, buyReq(tok, prices[tok], 1, 0))
		require.NoError(t, err)
	}
	oracle.Remove("B")

	n, err := l.EmergencyCloseAll(ctx, "test")
	require.NoError(t, err)
	assert.Equal(t, 3, n, "missing price falls back to last mark")
	assert.Empty(t, l.OpenPositions())
	for _, p := range l.History() {
		assert.Equal(t, ReasonEmergency, p.CloseReason)
	}
}

func TestPerformance(t *testing.T) {
	oracle := market.NewStaticOracle(map[string]float64{"A": 100, "B": 100})
	l := newTestLedger(t, oracle, nil)
	ctx := context.Background()

	a, err := l.Open(ctx, buyReq("A", 100, 1, 0))
	require.NoError(t, err)
	b, err := l.Open(ctx, buyReq("B", 100, 1, 0))
	require.NoError(t, err)

	oracle.SetPrice("A", 110)
	oracle.SetPrice("B", 95)
	_, err = l.Close(ctx, a.ID, ReasonSignal)
	require.NoError(t, err)
	_, err = l.Close(ctx, b.ID, ReasonSignal)
	require.NoError(t, err)

	perf := l.Performance()
	assert.Equal(t, 2, perf.TotalTrades)
	assert.Equal(t, 1, perf.WinningTrades)
	assert.InDelta(t, 5, perf.TotalProfit, 1e-9)
	assert.InDelta(t, 0.5, perf.WinRate, 1e-9)
	assert.InDelta(t, 10, perf.AvgWin, 1e-9)
	assert.InDelta(t, 5, perf.AvgLoss, 1e-9)
	assert.InDelta(t, 2, perf.ProfitFactor, 1e-9)
	assert.InDelta(t, 2.5/7.5, perf.SharpeRatio, 1e-9)
}

func TestRecoverReplaysFileEvents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	fs, err := NewFileEventStore(path)
	require.NoError(t, err)
	oracle := market.NewStaticOracle(map[string]float64{"A": 100, "B": 50})
	l := New(NewSimulatedExecutor(nil), oracle, fs)
	l.Start()
	ctx := context.Background()

	a, err := l.Open(ctx, buyReq("A", 100, 1, 90))
	require.NoError(t, err)
	_, err = l.Open(ctx, buyReq("B", 50, 2, 0))
	require.NoError(t, err)
	oracle.SetPrice("A", 120)
	_, err = l.Close(ctx, a.ID, ReasonManual)
	require.NoError(t, err)
	l.Stop()

	fs2, err := NewFileEventStore(path)
	require.NoError(t, err)
	restored := New(NewSimulatedExecutor(nil), oracle, fs2)
	require.NoError(t, restored.Recover())
	restored.Start()
	defer restored.Stop()

	open := restored.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, "B", open[0].Token)
	assert.Len(t, restored.History(), 2)
	perf := restored.Performance()
	assert.Equal(t, 2, perf.TotalTrades)
	assert.InDelta(t, 20, perf.TotalProfit, 1e-9)

	_, err = restored.Open(ctx, buyReq("B", 50, 1, 0))
	assert.ErrorIs(t, err, ErrTokenBusy)
}

func TestRandomSlippageBounded(t *testing.T) {
	s := NewRandomSlippage(0.01, 0.02, 42)
	for i := 0; i < 500; i++ {
		f := s.Fraction()
		mag := f
		if mag < 0 {
			mag = -mag
		}
		assert.GreaterOrEqual(t, mag, 0.01)
		assert.LessOrEqual(t, mag, 0.02)
	}
}
