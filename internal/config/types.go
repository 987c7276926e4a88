package config

import (
	"errors"
	"strings"
	"time"
)

// ErrConfiguration 标记缺失或非法的配置；启动阶段遇到即退出。
var ErrConfiguration = errors.New("configuration error")

// Config 是 tokentrader 的主配置载体。
type Config struct {
	App       AppConfig       `toml:"app"`
	Trading   TradingConfig   `toml:"trading"`
	Risk      RiskConfig      `toml:"risk"`
	Portfolio PortfolioConfig `toml:"portfolio"`
	Backtest  BacktestConfig  `toml:"backtest"`
	Store     StoreConfig     `toml:"store"`
	Market    MarketConfig    `toml:"market"`
	Signals   SignalsConfig   `toml:"signals"`
	Notify    NotifyConfig    `toml:"notify"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	LogPath   string `toml:"log_path"`
	HTTPAddr  string `toml:"http_addr"`
}

// TradingConfig 控制实时循环与模拟撮合。
type TradingConfig struct {
	Tokens                  []string `toml:"tokens"`
	Simulation              bool     `toml:"simulation"`
	InitialCapitalUSD       float64  `toml:"initial_capital_usd"`
	TradingIntervalSeconds  int      `toml:"trading_interval_seconds"`
	MonitorIntervalSeconds  int      `toml:"monitor_interval_seconds"`
	ExecutionTimeoutSeconds int      `toml:"execution_timeout_seconds"`
	SlippageMinPct          float64  `toml:"slippage_min_pct"`
	SlippageMaxPct          float64  `toml:"slippage_max_pct"`
	SnapshotCron            string   `toml:"snapshot_cron"`
	HealthCron              string   `toml:"health_cron"`
}

func (t TradingConfig) TradingInterval() time.Duration {
	return time.Duration(t.TradingIntervalSeconds) * time.Second
}

func (t TradingConfig) MonitorInterval() time.Duration {
	return time.Duration(t.MonitorIntervalSeconds) * time.Second
}

func (t TradingConfig) ExecutionTimeout() time.Duration {
	return time.Duration(t.ExecutionTimeoutSeconds) * time.Second
}

// RiskConfig 对应 RiskLimits 以及告警阈值。
type RiskConfig struct {
	MaxPositionSizePct float64 `toml:"max_position_size_pct"`
	MaxDailyLossPct    float64 `toml:"max_daily_loss_pct"`
	MaxDrawdownPct     float64 `toml:"max_drawdown_pct"`
	MaxCorrelation     float64 `toml:"max_correlation"`
	MaxVolatility      float64 `toml:"max_volatility"`
	MinLiquidityUSD    float64 `toml:"min_liquidity_usd"`
	StopLossPct        float64 `toml:"stop_loss_pct"`
	TakeProfitPct      float64 `toml:"take_profit_pct"`
	WarnRatio          float64 `toml:"warn_ratio"`
	MaxConcentration   float64 `toml:"max_concentration"`
	AlertWindow        int     `toml:"alert_window"`
}

// TokenCoefficients 是组合风险计算用的静态系数表条目。
type TokenCoefficients struct {
	ExpectedReturn float64 `toml:"expected_return"`
	Volatility     float64 `toml:"volatility"`
	Beta           float64 `toml:"beta"`
	Correlation    float64 `toml:"correlation"`
	LiquidityScore float64 `toml:"liquidity_score"`
}

type PortfolioConfig struct {
	TargetAllocation   map[string]float64           `toml:"target_allocation"`
	RebalanceThreshold float64                      `toml:"rebalance_threshold"`
	Coefficients       map[string]TokenCoefficients `toml:"coefficients"`
	DefaultVolatility  float64                      `toml:"default_volatility"`
}

type BacktestConfig struct {
	DataDir           string  `toml:"data_dir"`
	MaxConcurrent     int     `toml:"max_concurrent"`
	DefaultCapitalUSD float64 `toml:"default_capital_usd"`
	PresetsPath       string  `toml:"presets_path"`
	BarInterval       string  `toml:"bar_interval"`
}

type StoreConfig struct {
	Path         string `toml:"path"`
	EventBackend string `toml:"event_backend"`
	EventLogPath string `toml:"event_log_path"`
}

type MarketConfig struct {
	Provider               string             `toml:"provider"`
	RESTBaseURL            string             `toml:"rest_base_url"`
	APIKey                 string             `toml:"api_key"`
	APISecret              string             `toml:"api_secret"`
	QuoteAsset             string             `toml:"quote_asset"`
	RequestsPerSecond      float64            `toml:"requests_per_second"`
	TimeoutSeconds         int                `toml:"timeout_seconds"`
	BreakerThreshold       int                `toml:"breaker_threshold"`
	BreakerCooldownSeconds int                `toml:"breaker_cooldown_seconds"`
	StaticPrices           map[string]float64 `toml:"static_prices"`
}

type SignalsConfig struct {
	Provider               string `toml:"provider"`
	Endpoint               string `toml:"endpoint"`
	Timeframe              string `toml:"timeframe"`
	TimeoutSeconds         int    `toml:"timeout_seconds"`
	BreakerThreshold       int    `toml:"breaker_threshold"`
	BreakerCooldownSeconds int    `toml:"breaker_cooldown_seconds"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
}

// CashKey 是目标配置中代表现金的合成条目。
const CashKey = "CASH"

// keySet 用于追踪配置文件中显式设置的字段路径。
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

// fieldDefault 描述单个字段的默认值设置规则。
type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
