package risk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"tokentrader/internal/config"
	"tokentrader/internal/gateway/notifier"
	"tokentrader/internal/logger"
	"tokentrader/internal/types"

	"github.com/google/uuid"
)

// LimitsConfigKey 是风控限额在配置存储中的键。
const LimitsConfigKey = "risk_limits"

var ErrAlertNotFound = errors.New("alert not found")

// AlertSink 持久化告警；实现需要保证 append-only。
type AlertSink interface {
	AppendAlert(ctx context.Context, alert Alert) error
	AckAlert(ctx context.Context, id string) error
}

// ConfigStore is the read-modify-write store for runtime-tunable config.
type ConfigStore interface {
	PutConfig(ctx context.Context, key string, value []byte) error
	GetConfig(ctx context.Context, key string) ([]byte, bool, error)
}

type Option func(*Gate)

func WithViewProvider(p ViewProvider) Option { return func(g *Gate) { g.views = p } }

func WithNotifier(n notifier.TextNotifier) Option {
	return func(g *Gate) {
		if n != nil {
			g.notifier = n
		}
	}
}

func WithAlertSink(s AlertSink) Option { return func(g *Gate) { g.sink = s } }

func WithConfigStore(s ConfigStore) Option { return func(g *Gate) { g.store = s } }

func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		if now != nil {
			g.now = now
		}
	}
}

// Gate 是 RiskGate：单笔交易校验 + 组合级风险评估 + 告警窗口。
type Gate struct {
	mu               sync.RWMutex
	limits           Limits
	warnRatio        float64
	maxConcentration float64
	alertWindow      int
	metrics          Metrics
	alerts           []Alert

	views    ViewProvider
	notifier notifier.TextNotifier
	sink     AlertSink
	store    ConfigStore
	now      func() time.Time
}

func NewGate(cfg config.RiskConfig, opts ...Option) *Gate {
	g := &Gate{
		limits:           LimitsFromConfig(cfg),
		warnRatio:        cfg.WarnRatio,
		maxConcentration: cfg.MaxConcentration,
		alertWindow:      cfg.AlertWindow,
		notifier:         notifier.Nop{},
		now:              time.Now,
	}
	if g.alertWindow <= 0 {
		g.alertWindow = 100
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// SetViewProvider 在组合控制器构建完成后注入（两者互相依赖）。
func (g *Gate) SetViewProvider(p ViewProvider) {
	g.mu.Lock()
	g.views = p
	g.mu.Unlock()
}

func (g *Gate) view() PortfolioView {
	g.mu.RLock()
	p := g.views
	g.mu.RUnlock()
	if p == nil {
		return PortfolioView{}
	}
	return p.View()
}

// Validate 用当前组合快照校验一笔候选交易。
func (g *Gate) Validate(c Candidate) Decision {
	return g.ValidateAgainst(c, g.view())
}

// ValidateAgainst runs the ordered, short-circuiting checks against an explicit view.
func (g *Gate) ValidateAgainst(c Candidate, view PortfolioView) Decision {
	l := g.Limits()
	if view.ValueUSD <= 0 {
		return reject(RejectNoPortfolio, "Portfolio value %.2f is not positive", view.ValueUSD)
	}
	if pct := c.PositionValueUSD / view.ValueUSD; pct > l.MaxPositionSizePct {
		return reject(RejectPositionSize, "Position size %.2f%% exceeds limit %.2f%%", pct*100, l.MaxPositionSizePct*100)
	}
	if view.DailyPnLPct < -l.MaxDailyLossPct {
		return reject(RejectDailyLoss, "Daily loss %.2f%% exceeds limit %.2f%%", -view.DailyPnLPct*100, l.MaxDailyLossPct*100)
	}
	if view.DrawdownPct > l.MaxDrawdownPct {
		return reject(RejectDrawdown, "Drawdown %.2f%% exceeds limit %.2f%%", view.DrawdownPct*100, l.MaxDrawdownPct*100)
	}
	if view.Volatility > l.MaxVolatility {
		return reject(RejectVolatility, "Portfolio volatility %.2f%% exceeds limit %.2f%%", view.Volatility*100, l.MaxVolatility*100)
	}
	if c.PositionValueUSD < l.MinLiquidityUSD {
		return reject(RejectLiquidity, "Position value $%.2f below minimum liquidity $%.2f", c.PositionValueUSD, l.MinLiquidityUSD)
	}
	return accept()
}

type metricCheck struct {
	kind  string
	value float64
	limit float64
}

// AssessPortfolio 重算 RiskMetrics 并按阈值产生告警；CRITICAL 告警会推送通知。
func (g *Gate) AssessPortfolio(ctx context.Context) (Metrics, error) {
	view := g.view()
	now := g.now()

	g.mu.Lock()
	l := g.limits
	m := Metrics{
		CurrentDrawdown:     view.DrawdownPct,
		DailyPnL:            view.DailyPnLPct,
		PortfolioVolatility: view.Volatility,
		VaR95:               ValueAtRisk(view.ValueUSD, view.Volatility, Z95),
		VaR99:               ValueAtRisk(view.ValueUSD, view.Volatility, Z99),
		MaxCorrelation:      view.Correlation,
		ConcentrationRisk:   view.Concentration,
		LiquidityRisk:       view.LiquidityRisk,
		UpdatedAt:           now,
	}
	g.metrics = m

	checks := []metricCheck{
		{"drawdown", view.DrawdownPct, l.MaxDrawdownPct},
		{"daily_loss", -view.DailyPnLPct, l.MaxDailyLossPct},
		{"volatility", view.Volatility, l.MaxVolatility},
		{"correlation", view.Correlation, l.MaxCorrelation},
		{"concentration", view.Concentration, g.maxConcentration},
	}
	var raised []Alert
	for _, chk := range checks {
		level, ok := g.classify(chk)
		if !ok || g.hasOpenAlertLocked(chk.kind, level) {
			continue
		}
		alert := Alert{
			ID:        uuid.NewString(),
			Timestamp: now,
			Level:     level,
			Type:      chk.kind,
			Message:   fmt.Sprintf("%s %.2f%% vs limit %.2f%%", chk.kind, chk.value*100, chk.limit*100),
			Value:     chk.value,
			Limit:     chk.limit,
		}
		g.alerts = append(g.alerts, alert)
		raised = append(raised, alert)
	}
	if over := len(g.alerts) - g.alertWindow; over > 0 {
		g.alerts = append([]Alert(nil), g.alerts[over:]...)
	}
	g.mu.Unlock()

	var errs []error
	for _, alert := range raised {
		logger.Warnf("[risk] %s alert: %s", alert.Level, alert.Message)
		if g.sink != nil {
			if err := g.sink.AppendAlert(ctx, alert); err != nil {
				errs = append(errs, fmt.Errorf("persist alert %s: %w", alert.ID, err))
			}
		}
		if alert.Level == LevelCritical {
			g.notifyCritical(alert, m)
		}
	}
	return m, errors.Join(errs...)
}

func (g *Gate) classify(chk metricCheck) (Level, bool) {
	if chk.limit <= 0 || chk.value <= 0 {
		return "", false
	}
	if chk.value >= chk.limit {
		return LevelCritical, true
	}
	if g.warnRatio > 0 && chk.value >= g.warnRatio*chk.limit {
		return LevelWarning, true
	}
	return "", false
}

func (g *Gate) hasOpenAlertLocked(kind string, level Level) bool {
	for i := len(g.alerts) - 1; i >= 0; i-- {
		a := g.alerts[i]
		if !a.Acknowledged && a.Type == kind && a.Level == level {
			return true
		}
	}
	return false
}

func (g *Gate) notifyCritical(alert Alert, m Metrics) {
	msg := notifier.StructuredMessage{
		Severity: notifier.SeverityCritical,
		Title:    "risk alert: " + alert.Type,
		Sections: []notifier.MessageSection{
			notifier.Section("Alert", alert.Message),
			notifier.Section("Metrics",
				fmt.Sprintf("drawdown: %.2f%%", m.CurrentDrawdown*100),
				fmt.Sprintf("daily pnl: %.2f%%", m.DailyPnL*100),
				fmt.Sprintf("volatility: %.2f%%", m.PortfolioVolatility*100),
				fmt.Sprintf("VaR95: $%.2f", m.VaR95),
			),
		},
		Footer:    "alert " + alert.ID,
		Timestamp: alert.Timestamp,
	}
	if err := g.notifier.SendText(msg.RenderMarkdown()); err != nil {
		logger.Errorf("[risk] critical alert notification failed: %v", err)
	}
}

// Status 按未确认告警聚合：任一 CRITICAL → CRITICAL，否则任一 WARNING → WARNING。
func (g *Gate) Status() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	status := StatusNormal
	for _, a := range g.alerts {
		if a.Acknowledged {
			continue
		}
		if a.Level == LevelCritical {
			return StatusCritical
		}
		status = StatusWarning
	}
	return status
}

func (g *Gate) Acknowledge(ctx context.Context, id string) error {
	g.mu.Lock()
	found := false
	for i := range g.alerts {
		if g.alerts[i].ID == id {
			g.alerts[i].Acknowledged = true
			found = true
			break
		}
	}
	g.mu.Unlock()
	if !found {
		return fmt.Errorf("%w: %s", ErrAlertNotFound, id)
	}
	if g.sink != nil {
		if err := g.sink.AckAlert(ctx, id); err != nil {
			return fmt.Errorf("persist ack %s: %w", id, err)
		}
	}
	return nil
}

// SuggestSize 返回建议仓位占组合的比例（0~maxPositionSizePct）。
func (g *Gate) SuggestSize(sig types.Signal, portfolioValueUSD float64) float64 {
	if portfolioValueUSD <= 0 {
		return 0
	}
	l := g.Limits()
	frac := 0.02
	switch c := sig.Confidence; {
	case c > 0.8:
		frac *= 1.5
	case c > 0.6:
		frac *= 1.2
	case c < 0.4:
		frac *= 0.5
	}
	switch sig.RiskLevel {
	case types.RiskLow:
		frac *= 1.2
	case types.RiskHigh:
		frac *= 0.7
	}
	if frac > l.MaxPositionSizePct {
		frac = l.MaxPositionSizePct
	}
	if dist := sig.StopDistancePct(); dist > 0 {
		if kelly := (2*sig.Confidence - 1) / dist; frac > kelly {
			frac = kelly
		}
	}
	if frac < 0 {
		frac = 0
	}
	return frac
}

// UpdateLimits 是修改限额的唯一入口：先校验、再持久化、最后生效。
func (g *Gate) UpdateLimits(ctx context.Context, l Limits) error {
	if err := l.Validate(); err != nil {
		return err
	}
	if g.store != nil {
		raw, err := json.Marshal(l)
		if err != nil {
			return fmt.Errorf("encode risk limits: %w", err)
		}
		if err := g.store.PutConfig(ctx, LimitsConfigKey, raw); err != nil {
			return fmt.Errorf("persist risk limits: %w", err)
		}
	}
	g.mu.Lock()
	g.limits = l
	g.mu.Unlock()
	logger.Infof("[risk] limits updated: max_pos=%.4f max_dd=%.4f", l.MaxPositionSizePct, l.MaxDrawdownPct)
	return nil
}

// LoadPersisted restores limits previously saved by UpdateLimits, if any.
func (g *Gate) LoadPersisted(ctx context.Context) (bool, error) {
	if g.store == nil {
		return false, nil
	}
	raw, ok, err := g.store.GetConfig(ctx, LimitsConfigKey)
	if err != nil || !ok {
		return false, err
	}
	var l Limits
	if err := json.Unmarshal(raw, &l); err != nil {
		return false, fmt.Errorf("%w: decode persisted risk limits: %v", config.ErrConfiguration, err)
	}
	if err := l.Validate(); err != nil {
		return false, err
	}
	g.mu.Lock()
	g.limits = l
	g.mu.Unlock()
	return true, nil
}

// ApplyConfig 用于配置热更新；配置层已经校验过。
func (g *Gate) ApplyConfig(cfg config.RiskConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = LimitsFromConfig(cfg)
	g.warnRatio = cfg.WarnRatio
	g.maxConcentration = cfg.MaxConcentration
	if cfg.AlertWindow > 0 {
		g.alertWindow = cfg.AlertWindow
	}
}

func (g *Gate) Limits() Limits {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.limits
}

func (g *Gate) Metrics() Metrics {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.metrics
}

// Alerts returns a copy of the alert window, oldest first.
func (g *Gate) Alerts() []Alert {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]Alert(nil), g.alerts...)
}

func (g *Gate) Assessment() Assessment {
	status := g.Status()
	g.mu.RLock()
	defer g.mu.RUnlock()
	return Assessment{
		Status:  status,
		Limits:  g.limits,
		Metrics: g.metrics,
		Alerts:  append([]Alert(nil), g.alerts...),
	}
}
