package app

import (
	"context"
	"fmt"
	"io"
	"strings"

	"tokentrader/internal/config"
	"tokentrader/internal/engine"
	"tokentrader/internal/gateway"
	"tokentrader/internal/gateway/notifier"
	"tokentrader/internal/ledger"
	"tokentrader/internal/logger"
	"tokentrader/internal/pkg/circuit"
	"tokentrader/internal/portfolio"
	"tokentrader/internal/risk"
	"tokentrader/internal/scheduler"
	"tokentrader/internal/signal"
	"tokentrader/internal/store"
	apihttp "tokentrader/internal/transport/http/api"
)

type AppBuilder struct {
	cfg     *config.Config
	watcher *config.Watcher

	marketFn   func(config.MarketConfig, string) (*gateway.MarketStack, error)
	executorFn func(config.TradingConfig, *gateway.MarketStack) (ledger.Executor, error)
	notifierFn func(config.NotifyConfig) notifier.TextNotifier
	signalsFn  func(config.SignalsConfig) (signal.Source, error)
}

type AppBuilderOption func(*AppBuilder)

// builderOptions 让 wire 以单个值注入可选项。
type builderOptions []AppBuilderOption

// WithWatcher 把配置热更新接到风控、组合与 token 列表上。
func WithWatcher(w *config.Watcher) AppBuilderOption {
	return func(b *AppBuilder) { b.watcher = w }
}

func WithMarket(fn func(config.MarketConfig, string) (*gateway.MarketStack, error)) AppBuilderOption {
	return func(b *AppBuilder) {
		if fn != nil {
			b.marketFn = fn
		}
	}
}

func WithSignalSource(src signal.Source) AppBuilderOption {
	return func(b *AppBuilder) {
		if src != nil {
			b.signalsFn = func(config.SignalsConfig) (signal.Source, error) { return src, nil }
		}
	}
}

func WithNotifier(n notifier.TextNotifier) AppBuilderOption {
	return func(b *AppBuilder) {
		if n != nil {
			b.notifierFn = func(config.NotifyConfig) notifier.TextNotifier { return n }
		}
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:        cfg,
		marketFn:   gateway.NewMarketFromConfig,
		executorFn: gateway.NewExecutorFromConfig,
		notifierFn: newTelegram,
		signalsFn:  signal.FromConfig,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (app *App, err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	logger.SetLevel(cfg.App.LogLevel)
	logger.SetFormat(cfg.App.LogFormat)

	var closers []io.Closer
	defer func() {
		if err != nil {
			closeAll(closers)
		}
	}()

	db, err := store.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	closers = append(closers, db)

	events, err := buildEventStore(cfg.Store, db)
	if err != nil {
		return nil, err
	}
	closers = append(closers, events)

	ms, err := b.marketFn(cfg.Market, cfg.Backtest.BarInterval)
	if err != nil {
		return nil, err
	}
	exec, err := b.executorFn(cfg.Trading, ms)
	if err != nil {
		return nil, err
	}
	ldg := ledger.New(exec, ms.Feed, events, ledger.WithExecTimeout(cfg.Trading.ExecutionTimeout()))
	if err := ldg.Recover(); err != nil {
		return nil, fmt.Errorf("recover ledger: %w", err)
	}
	logger.Infof("✓ 账本已恢复: open=%d closed=%d", len(ldg.OpenPositions()), len(ldg.History()))

	tn := b.notifierFn(cfg.Notify)
	gate := risk.NewGate(cfg.Risk,
		risk.WithNotifier(tn),
		risk.WithAlertSink(db),
		risk.WithConfigStore(db),
	)
	if restored, err := gate.LoadPersisted(ctx); err != nil {
		logger.Warnf("[app] load persisted risk limits: %v", err)
	} else if restored {
		logger.Infof("✓ 已恢复持久化的风控限额")
	}

	ctrl := portfolio.NewController(cfg.Portfolio, cfg.Trading.InitialCapitalUSD, ldg, ms.Feed,
		portfolio.WithSnapshotSink(db),
		portfolio.WithConfigStore(db),
	)
	if restored, err := ctrl.LoadPersisted(ctx); err != nil {
		logger.Warnf("[app] load persisted allocation: %v", err)
	} else if restored {
		logger.Infof("✓ 已恢复持久化的目标配置")
	}
	gate.SetViewProvider(ctrl)

	signals, err := b.signalsFn(cfg.Signals)
	if err != nil {
		return nil, err
	}

	bt, err := buildBacktestStack(cfg, ms, tn)
	if err != nil {
		return nil, err
	}
	closers = append(closers, bt.closers...)

	breakers := collectBreakers(ms, signals)
	eng, err := engine.New(engine.Config{
		Tokens:          cfg.Trading.Tokens,
		TradingInterval: cfg.Trading.TradingInterval(),
		MonitorInterval: cfg.Trading.MonitorInterval(),
		Signals:         signals,
		Oracle:          ms.Feed,
		Risk:            gate,
		Ledger:          ldg,
		Portfolio:       ctrl,
		Backtest:        bt.simulator,
		Results:         bt.results,
		Notifier:        tn,
		Breakers:        breakers,
	})
	if err != nil {
		return nil, err
	}

	api, err := apihttp.NewServer(apihttp.Config{Addr: cfg.App.HTTPAddr, Service: eng})
	if err != nil {
		return nil, err
	}

	// 事件存储归账本所有，由 ledger.Stop 关闭。
	owned := append([]io.Closer{db}, bt.closers...)
	app = &App{
		cfg:     cfg,
		engine:  eng,
		ledger:  ldg,
		http:    api,
		jobs:    scheduler.NewJobs(),
		closers: owned,
	}
	if err := eng.RegisterJobs(app.jobs, cfg.Trading.SnapshotCron, cfg.Trading.HealthCron, app.jobContext); err != nil {
		return nil, fmt.Errorf("%w: cron: %v", config.ErrConfiguration, err)
	}

	if b.watcher != nil {
		b.watcher.OnChange(func(next *config.Config) {
			gate.ApplyConfig(next.Risk)
			ctrl.ApplyConfig(next.Portfolio)
			eng.SetTokens(next.Trading.Tokens)
			logger.Infof("[app] config hot-reloaded tokens=%v", eng.Tokens())
		})
	}

	app.Summary = &StartupSummary{
		Env:             cfg.App.Env,
		Tokens:          eng.Tokens(),
		Simulation:      cfg.Trading.Simulation,
		CapitalUSD:      cfg.Trading.InitialCapitalUSD,
		TradingInterval: cfg.Trading.TradingInterval(),
		MonitorInterval: cfg.Trading.MonitorInterval(),
		MarketProvider:  cfg.Market.Provider,
		SignalProvider:  cfg.Signals.Provider,
		EventBackend:    cfg.Store.EventBackend,
		HTTPAddr:        api.Addr(),
		Jobs:            app.jobs.Names(),
		Strategies:      eng.Strategies(),
		Limits:          gate.Limits(),
		Recovered:       len(ldg.OpenPositions()),
	}
	return app, nil
}

func buildEventStore(cfg config.StoreConfig, db *store.Store) (ledger.EventStore, error) {
	switch cfg.EventBackend {
	case "", "sqlite", "db":
		return ledger.NewDBEventStore(db), nil
	case "file", "jsonl":
		return ledger.NewFileEventStore(cfg.EventLogPath)
	default:
		return nil, fmt.Errorf("%w: unknown event backend %q", config.ErrConfiguration, cfg.EventBackend)
	}
}

func collectBreakers(ms *gateway.MarketStack, src signal.Source) []*circuit.Breaker {
	var out []*circuit.Breaker
	if ms != nil && ms.Breaker != nil {
		out = append(out, ms.Breaker)
	}
	if hs, ok := src.(*signal.HTTPSource); ok && hs.Breaker() != nil {
		out = append(out, hs.Breaker())
	}
	return out
}

func newTelegram(cfg config.NotifyConfig) notifier.TextNotifier {
	tg := cfg.Telegram
	if !tg.Enabled {
		return notifier.Nop{}
	}
	if strings.TrimSpace(tg.BotToken) == "" || strings.TrimSpace(tg.ChatID) == "" {
		logger.Warnf("[app] telegram enabled but bot_token/chat_id missing, notifications disabled")
		return notifier.Nop{}
	}
	return notifier.NewTelegram(tg.BotToken, tg.ChatID)
}

func closeAll(closers []io.Closer) {
	for i := len(closers) - 1; i >= 0; i-- {
		if closers[i] == nil {
			continue
		}
		if err := closers[i].Close(); err != nil {
			logger.Warnf("[app] close: %v", err)
		}
	}
}
