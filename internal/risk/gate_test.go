package risk

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"tokentrader/internal/config"
	"tokentrader/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type staticView struct{ v PortfolioView }

func (s *staticView) View() PortfolioView { return s.v }

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendText(text string) error {
	args := m.Called(text)
	return args.Error(0)
}

type memSink struct {
	appended []Alert
	acked    []string
}

func (s *memSink) AppendAlert(_ context.Context, a Alert) error {
	s.appended = append(s.appended, a)
	return nil
}

func (s *memSink) AckAlert(_ context.Context, id string) error {
	s.acked = append(s.acked, id)
	return nil
}

type memConfigStore struct {
	data map[string][]byte
	err  error
}

func (s *memConfigStore) PutConfig(_ context.Context, key string, value []byte) error {
	if s.err != nil {
		return s.err
	}
	if s.data == nil {
		s.data = map[string][]byte{}
	}
	s.data[key] = value
	return nil
}

func (s *memConfigStore) GetConfig(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func newTestGate(view PortfolioView, opts ...Option) *Gate {
	opts = append([]Option{WithViewProvider(&staticView{v: view})}, opts...)
	return NewGate(config.Default().Risk, opts...)
}

func buySignal(conf float64, level types.RiskLevel, stop float64) types.Signal {
	return types.Signal{Token: "X", Action: types.ActionBuy, CurrentPrice: 100, StopLoss: stop, Confidence: conf, RiskLevel: level}
}

func TestSuggestSizeHighConfidenceLowRisk(t *testing.T) {
	g := newTestGate(PortfolioView{ValueUSD: 10000})
	sig := buySignal(0.9, types.RiskLow, 95)

	frac := g.SuggestSize(sig, 10000)
	assert.InDelta(t, 0.036, frac, 1e-9)

	value := frac * 10000
	assert.InDelta(t, 360, value, 1e-6)
	d := g.Validate(Candidate{Token: "X", PositionValueUSD: value, Signal: sig})
	assert.True(t, d.Valid)
	assert.Equal(t, "passed all risk checks", d.Reason)
	assert.NoError(t, d.Err())
}

func TestSuggestSizeTiers(t *testing.T) {
	g := newTestGate(PortfolioView{ValueUSD: 10000})
	cases := []struct {
		name string
		sig  types.Signal
		want float64
	}{
		{"medium confidence medium risk", buySignal(0.7, types.RiskMedium, 0), 0.024},
		{"low confidence high risk", buySignal(0.3, types.RiskHigh, 0), 0.007},
		{"neutral band", buySignal(0.5, types.RiskMedium, 0), 0.02},
		{"kelly caps tight edge", buySignal(0.5025, types.RiskMedium, 50), 0.01},
		{"kelly floors at zero", buySignal(0.45, types.RiskMedium, 95), 0},
		{"no portfolio", buySignal(0.9, types.RiskLow, 95), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			value := 10000.0
			if tc.name == "no portfolio" {
				value = 0
			}
			assert.InDelta(t, tc.want, g.SuggestSize(tc.sig, value), 1e-9)
		})
	}
}

func TestSuggestSizeCappedByMaxPosition(t *testing.T) {
	cfg := config.Default().Risk
	cfg.MaxPositionSizePct = 0.01
	g := NewGate(cfg)
	assert.InDelta(t, 0.01, g.SuggestSize(buySignal(0.9, types.RiskLow, 0), 10000), 1e-12)
}

func TestValidateOrderAndReasons(t *testing.T) {
	base := PortfolioView{ValueUSD: 10000, Volatility: 0.1}
	cases := []struct {
		name  string
		view  PortfolioView
		value float64
		code  RejectCode
		word  string
	}{
		{"position too large", base, 1500, RejectPositionSize, "Position size"},
		{"daily loss", PortfolioView{ValueUSD: 10000, DailyPnLPct: -0.06}, 500, RejectDailyLoss, "Daily loss"},
		{"drawdown", PortfolioView{ValueUSD: 10000, DrawdownPct: 0.25}, 500, RejectDrawdown, "Drawdown"},
		{"volatility", PortfolioView{ValueUSD: 10000, Volatility: 0.6}, 500, RejectVolatility, "volatility"},
		{"liquidity", base, 5, RejectLiquidity, "liquidity"},
		{"empty portfolio", PortfolioView{}, 5, RejectNoPortfolio, "Portfolio value"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			g := newTestGate(tc.view)
			d := g.Validate(Candidate{Token: "X", PositionValueUSD: tc.value})
			require.False(t, d.Valid)
			require.NotNil(t, d.Rejection)
			assert.Equal(t, tc.code, d.Rejection.Code)
			assert.Contains(t, d.Reason, tc.word)

			var rej *Rejection
			assert.True(t, errors.As(d.Err(), &rej))
		})
	}
}

func TestValidateDrawdownRejectsAnySize(t *testing.T) {
	g := newTestGate(PortfolioView{ValueUSD: 10000, DrawdownPct: 0.25})
	for _, value := range []float64{20, 100, 900} {
		d := g.Validate(Candidate{Token: "X", PositionValueUSD: value})
		assert.False(t, d.Valid)
		assert.Contains(t, d.Reason, "Drawdown")
	}
}

func TestAcceptedTradesRespectPositionCap(t *testing.T) {
	g := newTestGate(PortfolioView{ValueUSD: 10000})
	limit := g.Limits().MaxPositionSizePct
	for value := 0.0; value <= 2000; value += 37.5 {
		d := g.Validate(Candidate{Token: "X", PositionValueUSD: value})
		if d.Valid {
			assert.LessOrEqual(t, value, 10000*limit)
		}
	}
}

func TestAssessPortfolioRaisesAndDedupes(t *testing.T) {
	view := &staticView{v: PortfolioView{ValueUSD: 10000, DrawdownPct: 0.17, Volatility: 0.2}}
	n := new(MockNotifier)
	sink := &memSink{}
	g := NewGate(config.Default().Risk, WithViewProvider(view), WithNotifier(n), WithAlertSink(sink))

	m, err := g.AssessPortfolio(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 10000*0.2*Z95, m.VaR95, 1e-9)
	assert.InDelta(t, 10000*0.2*Z99, m.VaR99, 1e-9)
	assert.Equal(t, StatusWarning, g.Status())
	require.Len(t, g.Alerts(), 1)
	assert.Equal(t, "drawdown", g.Alerts()[0].Type)

	_, err = g.AssessPortfolio(context.Background())
	require.NoError(t, err)
	assert.Len(t, g.Alerts(), 1, "unacknowledged alert of same kind must not repeat")

	n.On("SendText", mock.MatchedBy(func(s string) bool { return strings.Contains(s, "drawdown") })).Return(nil).Once()
	view.v.DrawdownPct = 0.22
	_, err = g.AssessPortfolio(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusCritical, g.Status())
	assert.Len(t, sink.appended, 2)
	n.AssertExpectations(t)

	for _, a := range g.Alerts() {
		require.NoError(t, g.Acknowledge(context.Background(), a.ID))
	}
	assert.Equal(t, StatusNormal, g.Status())
	assert.Len(t, sink.acked, 2)
	assert.ErrorIs(t, g.Acknowledge(context.Background(), "missing"), ErrAlertNotFound)
}

func TestAlertWindowBounded(t *testing.T) {
	cfg := config.Default().Risk
	cfg.AlertWindow = 3
	view := &staticView{v: PortfolioView{ValueUSD: 10000, DrawdownPct: 0.5}}
	g := NewGate(cfg, WithViewProvider(view))
	for i := 0; i < 5; i++ {
		_, err := g.AssessPortfolio(context.Background())
		require.NoError(t, err)
		for _, a := range g.Alerts() {
			_ = g.Acknowledge(context.Background(), a.ID)
		}
	}
	assert.Len(t, g.Alerts(), 3)
}

func TestUpdateLimitsValidatesAndPersists(t *testing.T) {
	store := &memConfigStore{}
	g := NewGate(config.Default().Risk, WithConfigStore(store), WithClock(func() time.Time { return time.Unix(0, 0) }))

	bad := g.Limits()
	bad.MaxDrawdownPct = 1.5
	err := g.UpdateLimits(context.Background(), bad)
	assert.ErrorIs(t, err, config.ErrConfiguration)
	assert.InDelta(t, 0.20, g.Limits().MaxDrawdownPct, 1e-12)

	good := g.Limits()
	good.MaxPositionSizePct = 0.05
	require.NoError(t, g.UpdateLimits(context.Background(), good))
	assert.InDelta(t, 0.05, g.Limits().MaxPositionSizePct, 1e-12)

	var saved Limits
	require.NoError(t, json.Unmarshal(store.data[LimitsConfigKey], &saved))
	assert.Equal(t, good, saved)

	restored := NewGate(config.Default().Risk, WithConfigStore(store))
	ok, err := restored.LoadPersisted(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, good, restored.Limits())
}

func TestUpdateLimitsStoreFailureKeepsOld(t *testing.T) {
	store := &memConfigStore{err: errors.New("disk full")}
	g := NewGate(config.Default().Risk, WithConfigStore(store))
	l := g.Limits()
	l.MaxPositionSizePct = 0.05
	assert.Error(t, g.UpdateLimits(context.Background(), l))
	assert.InDelta(t, 0.10, g.Limits().MaxPositionSizePct, 1e-12)
}
