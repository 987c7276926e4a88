package config

import (
	"sort"
	"strings"
)

// 默认值常量
const (
	defaultAppEnv             = "dev"
	defaultAppLogLevel        = "info"
	defaultAppLogFormat       = "text"
	defaultAppHTTPAddr        = ":9992"
	defaultAppLogPath         = "data/logs/tokentrader.log"
	defaultTradingCapital     = 10000
	defaultTradingInterval    = 30
	defaultMonitorInterval    = 60
	defaultExecutionTimeout   = 10
	defaultSlippageMinPct     = 0.01
	defaultSlippageMaxPct     = 0.02
	defaultSnapshotCron       = "0 */5 * * * *"
	defaultHealthCron         = "30 * * * * *"
	defaultMaxPositionSizePct = 0.10
	defaultMaxDailyLossPct    = 0.05
	defaultMaxDrawdownPct     = 0.20
	defaultMaxCorrelation     = 0.80
	defaultMaxVolatility      = 0.50
	defaultMinLiquidityUSD    = 10
	defaultStopLossPct        = 0.05
	defaultTakeProfitPct      = 0.15
	defaultWarnRatio          = 0.8
	defaultMaxConcentration   = 0.60
	defaultAlertWindow        = 100
	defaultRebalanceThreshold = 0.05
	defaultTokenVolatility    = 0.80
	defaultBacktestDataDir    = "data/backtest"
	defaultBacktestConcurrent = 4
	defaultBacktestCapital    = 10000
	defaultBacktestInterval   = "1h"
	defaultStorePath          = "data/db/tokentrader.db"
	defaultEventBackend       = "sqlite"
	defaultEventLogPath       = "data/db/ledger-events.jsonl"
	defaultMarketProvider     = "static"
	defaultMarketREST         = "https://api.binance.com"
	defaultQuoteAsset         = "USDT"
	defaultMarketRPS          = 5
	defaultRemoteTimeout      = 10
	defaultBreakerThreshold   = 3
	defaultBreakerCooldown    = 60
	defaultSignalProvider     = "none"
	defaultSignalTimeframe    = "1h"
)

// applyDefaults 为所有子配置应用默认值。
func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Risk.applyDefaults(keys)
	c.Portfolio.applyDefaults(keys)
	c.Backtest.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Signals.applyDefaults(keys)
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		boolFieldDefault("trading.simulation", &t.Simulation, true),
		floatFieldDefault("trading.initial_capital_usd", &t.InitialCapitalUSD, defaultTradingCapital),
		intFieldDefault("trading.trading_interval_seconds", &t.TradingIntervalSeconds, defaultTradingInterval),
		intFieldDefault("trading.monitor_interval_seconds", &t.MonitorIntervalSeconds, defaultMonitorInterval),
		intFieldDefault("trading.execution_timeout_seconds", &t.ExecutionTimeoutSeconds, defaultExecutionTimeout),
		floatFieldDefault("trading.slippage_min_pct", &t.SlippageMinPct, defaultSlippageMinPct),
		floatFieldDefault("trading.slippage_max_pct", &t.SlippageMaxPct, defaultSlippageMaxPct),
		stringFieldDefault("trading.snapshot_cron", &t.SnapshotCron, defaultSnapshotCron),
		stringFieldDefault("trading.health_cron", &t.HealthCron, defaultHealthCron),
	)
	t.Tokens = normalizeTokens(t.Tokens)
}

func (r *RiskConfig) applyDefaults(keys keySet) {
	if r == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("risk.max_position_size_pct", &r.MaxPositionSizePct, defaultMaxPositionSizePct),
		floatFieldDefault("risk.max_daily_loss_pct", &r.MaxDailyLossPct, defaultMaxDailyLossPct),
		floatFieldDefault("risk.max_drawdown_pct", &r.MaxDrawdownPct, defaultMaxDrawdownPct),
		floatFieldDefault("risk.max_correlation", &r.MaxCorrelation, defaultMaxCorrelation),
		floatFieldDefault("risk.max_volatility", &r.MaxVolatility, defaultMaxVolatility),
		floatFieldDefault("risk.min_liquidity_usd", &r.MinLiquidityUSD, defaultMinLiquidityUSD),
		floatFieldDefault("risk.stop_loss_pct", &r.StopLossPct, defaultStopLossPct),
		floatFieldDefault("risk.take_profit_pct", &r.TakeProfitPct, defaultTakeProfitPct),
		floatFieldDefault("risk.warn_ratio", &r.WarnRatio, defaultWarnRatio),
		floatFieldDefault("risk.max_concentration", &r.MaxConcentration, defaultMaxConcentration),
		intFieldDefault("risk.alert_window", &r.AlertWindow, defaultAlertWindow),
	)
}

func (p *PortfolioConfig) applyDefaults(keys keySet) {
	if p == nil {
		return
	}
	applyFieldDefaults(keys,
		floatFieldDefault("portfolio.rebalance_threshold", &p.RebalanceThreshold, defaultRebalanceThreshold),
		floatFieldDefault("portfolio.default_volatility", &p.DefaultVolatility, defaultTokenVolatility),
	)
	// viper 会把 map key 转成小写，这里统一还原成大写 token。
	if len(p.TargetAllocation) == 0 {
		p.TargetAllocation = map[string]float64{CashKey: 1}
	} else {
		p.TargetAllocation = upperKeys(p.TargetAllocation)
	}
	if len(p.Coefficients) > 0 {
		out := make(map[string]TokenCoefficients, len(p.Coefficients))
		for k, v := range p.Coefficients {
			out[strings.ToUpper(strings.TrimSpace(k))] = v
		}
		p.Coefficients = out
	} else {
		p.Coefficients = map[string]TokenCoefficients{}
	}
}

func (b *BacktestConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("backtest.data_dir", &b.DataDir, defaultBacktestDataDir),
		intFieldDefault("backtest.max_concurrent", &b.MaxConcurrent, defaultBacktestConcurrent),
		floatFieldDefault("backtest.default_capital_usd", &b.DefaultCapitalUSD, defaultBacktestCapital),
		stringFieldDefault("backtest.bar_interval", &b.BarInterval, defaultBacktestInterval),
	)
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		stringFieldDefault("store.event_backend", &s.EventBackend, defaultEventBackend),
		stringFieldDefault("store.event_log_path", &s.EventLogPath, defaultEventLogPath),
	)
	s.EventBackend = strings.ToLower(strings.TrimSpace(s.EventBackend))
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.provider", &m.Provider, defaultMarketProvider),
		stringFieldDefault("market.rest_base_url", &m.RESTBaseURL, defaultMarketREST),
		stringFieldDefault("market.quote_asset", &m.QuoteAsset, defaultQuoteAsset),
		floatFieldDefault("market.requests_per_second", &m.RequestsPerSecond, defaultMarketRPS),
		intFieldDefault("market.timeout_seconds", &m.TimeoutSeconds, defaultRemoteTimeout),
		intFieldDefault("market.breaker_threshold", &m.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("market.breaker_cooldown_seconds", &m.BreakerCooldownSeconds, defaultBreakerCooldown),
	)
	m.Provider = strings.ToLower(strings.TrimSpace(m.Provider))
	m.QuoteAsset = strings.ToUpper(strings.TrimSpace(m.QuoteAsset))
	m.StaticPrices = upperKeys(m.StaticPrices)
}

func (s *SignalsConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("signals.provider", &s.Provider, defaultSignalProvider),
		stringFieldDefault("signals.timeframe", &s.Timeframe, defaultSignalTimeframe),
		intFieldDefault("signals.timeout_seconds", &s.TimeoutSeconds, defaultRemoteTimeout),
		intFieldDefault("signals.breaker_threshold", &s.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("signals.breaker_cooldown_seconds", &s.BreakerCooldownSeconds, defaultBreakerCooldown),
	)
	s.Provider = strings.ToLower(strings.TrimSpace(s.Provider))
}

// Helper functions

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && strings.TrimSpace(*target) == "" },
		apply: func() {
			*target = def
		},
	}
}

func boolFieldDefault(key string, target *bool, def bool) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil },
		apply: func() {
			*target = def
		},
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			*target = def
		},
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:  key,
		need: func() bool { return target != nil && *target <= 0 },
		apply: func() {
			*target = def
		},
	}
}

func normalizeTokens(tokens []string) []string {
	if len(tokens) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		tok = strings.ToUpper(strings.TrimSpace(tok))
		if tok == "" || seen[tok] {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}

func upperKeys(in map[string]float64) map[string]float64 {
	if len(in) == 0 {
		return in
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[strings.ToUpper(strings.TrimSpace(k))] = v
	}
	return out
}

// SortedKeys 返回排序后的 map key，便于输出稳定。
func SortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
