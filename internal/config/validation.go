package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/robfig/cron/v3"
)

// AllocationTolerance 是目标配置求和允许的误差。
const AllocationTolerance = 1e-6

var cronParser = cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// validate 对配置进行基础校验。
func validate(c *Config) error {
	checks := []func() error{
		c.Trading.validate,
		c.Risk.Validate,
		c.Portfolio.validate,
		c.Backtest.validate,
		c.Store.validate,
		c.Market.validate,
		c.Signals.validate,
		c.Notify.validate,
	}
	for _, check := range checks {
		if err := check(); err != nil {
			return err
		}
	}
	return nil
}

func configErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

func (t *TradingConfig) validate() error {
	if t.InitialCapitalUSD <= 0 {
		return configErr("trading.initial_capital_usd must be > 0")
	}
	if t.TradingIntervalSeconds <= 0 || t.MonitorIntervalSeconds <= 0 {
		return configErr("trading loop intervals must be > 0")
	}
	if t.ExecutionTimeoutSeconds <= 0 {
		return configErr("trading.execution_timeout_seconds must be > 0")
	}
	if t.SlippageMinPct < 0 || t.SlippageMaxPct < t.SlippageMinPct || t.SlippageMaxPct >= 1 {
		return configErr("trading slippage range [%.4f, %.4f] invalid", t.SlippageMinPct, t.SlippageMaxPct)
	}
	for name, spec := range map[string]string{"trading.snapshot_cron": t.SnapshotCron, "trading.health_cron": t.HealthCron} {
		if strings.TrimSpace(spec) == "" {
			continue
		}
		if _, err := cronParser.Parse(spec); err != nil {
			return configErr("%s %q: %v", name, spec, err)
		}
	}
	return nil
}

// Validate 校验风险限额；RiskGate.UpdateLimits 也复用这里的规则。
func (r RiskConfig) Validate() error {
	fractions := []struct {
		name string
		val  float64
	}{
		{"risk.max_position_size_pct", r.MaxPositionSizePct},
		{"risk.max_daily_loss_pct", r.MaxDailyLossPct},
		{"risk.max_drawdown_pct", r.MaxDrawdownPct},
		{"risk.max_correlation", r.MaxCorrelation},
		{"risk.stop_loss_pct", r.StopLossPct},
	}
	for _, f := range fractions {
		if f.val <= 0 || f.val > 1 {
			return configErr("%s must be in (0,1], got %v", f.name, f.val)
		}
	}
	if r.MaxVolatility <= 0 {
		return configErr("risk.max_volatility must be > 0")
	}
	if r.MinLiquidityUSD < 0 {
		return configErr("risk.min_liquidity_usd must be >= 0")
	}
	if r.TakeProfitPct <= 0 {
		return configErr("risk.take_profit_pct must be > 0")
	}
	if r.WarnRatio < 0 || r.WarnRatio >= 1 {
		return configErr("risk.warn_ratio must be in [0,1)")
	}
	if r.MaxConcentration < 0 || r.MaxConcentration > 1 {
		return configErr("risk.max_concentration must be in [0,1]")
	}
	if r.AlertWindow < 0 {
		return configErr("risk.alert_window must be >= 0")
	}
	return nil
}

func (p *PortfolioConfig) validate() error {
	if err := ValidateAllocation(p.TargetAllocation); err != nil {
		return err
	}
	if p.RebalanceThreshold <= 0 || p.RebalanceThreshold >= 1 {
		return configErr("portfolio.rebalance_threshold must be in (0,1)")
	}
	for token, c := range p.Coefficients {
		if c.Volatility < 0 || c.LiquidityScore < 0 || c.LiquidityScore > 1 {
			return configErr("portfolio.coefficients.%s out of range", token)
		}
	}
	return nil
}

// ValidateAllocation 要求每项非负且总和为 1（含 CASH）。
func ValidateAllocation(alloc map[string]float64) error {
	if len(alloc) == 0 {
		return configErr("target allocation is empty")
	}
	sum := 0.0
	for token, frac := range alloc {
		if strings.TrimSpace(token) == "" {
			return configErr("target allocation contains empty token")
		}
		if frac < 0 || math.IsNaN(frac) {
			return configErr("target allocation %s = %v must be >= 0", token, frac)
		}
		sum += frac
	}
	if math.Abs(sum-1) > AllocationTolerance {
		return configErr("target allocation sums to %.8f, want 1", sum)
	}
	return nil
}

func (b *BacktestConfig) validate() error {
	if b.MaxConcurrent <= 0 {
		return configErr("backtest.max_concurrent must be > 0")
	}
	if b.DefaultCapitalUSD <= 0 {
		return configErr("backtest.default_capital_usd must be > 0")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.EventBackend {
	case "sqlite", "file", "none":
	default:
		return configErr("store.event_backend %q must be sqlite|file|none", s.EventBackend)
	}
	if s.EventBackend == "file" && strings.TrimSpace(s.EventLogPath) == "" {
		return configErr("store.event_log_path required for file backend")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	switch m.Provider {
	case "static":
	case "binance":
		if strings.TrimSpace(m.RESTBaseURL) == "" {
			return configErr("market.rest_base_url required for binance provider")
		}
	default:
		return configErr("market.provider %q must be static|binance", m.Provider)
	}
	if m.RequestsPerSecond <= 0 {
		return configErr("market.requests_per_second must be > 0")
	}
	for token, p := range m.StaticPrices {
		if p <= 0 {
			return configErr("market.static_prices.%s must be > 0", token)
		}
	}
	return nil
}

func (s *SignalsConfig) validate() error {
	switch s.Provider {
	case "none", "static":
	case "http":
		if strings.TrimSpace(s.Endpoint) == "" {
			return configErr("signals.endpoint required for http provider")
		}
	default:
		return configErr("signals.provider %q must be none|static|http", s.Provider)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	tg := n.Telegram
	if tg.Enabled && (strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "") {
		return configErr("notify.telegram requires bot_token and chat_id when enabled")
	}
	return nil
}
