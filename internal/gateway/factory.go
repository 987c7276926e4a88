package gateway

import (
	"fmt"
	"time"

	"tokentrader/internal/config"
	"tokentrader/internal/gateway/binance"
	"tokentrader/internal/ledger"
	"tokentrader/internal/logger"
	"tokentrader/internal/market"
	"tokentrader/internal/pkg/circuit"
)

// MarketStack 是按 market.provider 组装好的行情依赖。
type MarketStack struct {
	Feed    market.Feed
	Binance *binance.Source // provider=static 时为 nil
	Breaker *circuit.Breaker
	Static  *market.StaticOracle
}

// NewMarketFromConfig 构造行情源；远程数据源统一包一层熔断与超时。
func NewMarketFromConfig(cfg config.MarketConfig, barInterval string) (*MarketStack, error) {
	switch cfg.Provider {
	case "", "static":
		oracle := market.NewStaticOracle(cfg.StaticPrices)
		return &MarketStack{Feed: oracle, Static: oracle}, nil
	case "binance":
		timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
		src := binance.New(binance.Config{
			RESTBaseURL:       cfg.RESTBaseURL,
			APIKey:            cfg.APIKey,
			APISecret:         cfg.APISecret,
			QuoteAsset:        cfg.QuoteAsset,
			Interval:          barInterval,
			HTTPTimeout:       timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
		})
		breaker := circuit.New("market:binance", cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldownSeconds)*time.Second)
		breaker.SetStateChangeHandler(logBreaker)
		return &MarketStack{Feed: market.NewGuarded(src, breaker, timeout), Binance: src, Breaker: breaker}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported market provider %q", config.ErrConfiguration, cfg.Provider)
	}
}

// NewExecutorFromConfig 模拟模式走随机滑点撮合；否则需要 binance 行情源下真实市价单。
func NewExecutorFromConfig(cfg config.TradingConfig, ms *MarketStack) (ledger.Executor, error) {
	if cfg.Simulation {
		slip := ledger.NewRandomSlippage(cfg.SlippageMinPct, cfg.SlippageMaxPct, time.Now().UnixNano())
		return ledger.NewSimulatedExecutor(slip), nil
	}
	if ms == nil || ms.Binance == nil {
		return nil, fmt.Errorf("%w: live execution requires market.provider=binance", config.ErrConfiguration)
	}
	return binance.NewExecutor(ms.Binance), nil
}

func logBreaker(name string, from, to circuit.State) {
	logger.Warnf("[gateway] breaker %s: %s -> %s", name, from, to)
}
