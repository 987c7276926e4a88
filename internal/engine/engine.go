// Package engine 编排实时路径：交易循环、监控循环、紧急停止与对外读模型。
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"tokentrader/internal/backtest"
	"tokentrader/internal/gateway/notifier"
	"tokentrader/internal/ledger"
	"tokentrader/internal/logger"
	"tokentrader/internal/market"
	"tokentrader/internal/pkg/circuit"
	"tokentrader/internal/portfolio"
	"tokentrader/internal/risk"
	"tokentrader/internal/scheduler"
	"tokentrader/internal/signal"
	"tokentrader/internal/sizing"
	"tokentrader/internal/types"

	"golang.org/x/sync/errgroup"
)

const (
	defaultTradingInterval = 30 * time.Second
	defaultMonitorInterval = 60 * time.Second
)

// Config 汇集引擎依赖；Backtest/Results 为空时回测接口返回错误。
type Config struct {
	Tokens          []string
	TradingInterval time.Duration
	MonitorInterval time.Duration

	Signals   signal.Source
	Oracle    market.PriceOracle
	Risk      *risk.Gate
	Sizer     *sizing.Sizer
	Ledger    *ledger.Ledger
	Portfolio *portfolio.Controller
	Backtest  *backtest.Simulator
	Results   *backtest.ResultStore
	Notifier  notifier.TextNotifier
	Breakers  []*circuit.Breaker
	Clock     func() time.Time
}

type Engine struct {
	cfg     Config
	trading *scheduler.Loop
	monitor *scheduler.Loop
	now     func() time.Time

	tokensMu sync.RWMutex
	tokens   []string

	halted     atomic.Bool
	running    atomic.Bool
	stopReason atomic.Value

	tickMu      sync.Mutex
	lastTrading time.Time
	lastMonitor time.Time
	lastErrors  map[string]string
}

func New(cfg Config) (*Engine, error) {
	switch {
	case cfg.Risk == nil:
		return nil, fmt.Errorf("engine: risk gate is required")
	case cfg.Ledger == nil:
		return nil, fmt.Errorf("engine: ledger is required")
	case cfg.Portfolio == nil:
		return nil, fmt.Errorf("engine: portfolio controller is required")
	}
	if cfg.Signals == nil {
		cfg.Signals = signal.None{}
	}
	if cfg.Sizer == nil {
		cfg.Sizer = sizing.New(cfg.Risk)
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notifier.Nop{}
	}
	if cfg.TradingInterval <= 0 {
		cfg.TradingInterval = defaultTradingInterval
	}
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = defaultMonitorInterval
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	e := &Engine{
		cfg:        cfg,
		trading:    scheduler.NewLoop("trading", cfg.TradingInterval),
		monitor:    scheduler.NewLoop("monitor", cfg.MonitorInterval),
		now:        now,
		lastErrors: make(map[string]string),
	}
	e.SetTokens(cfg.Tokens)
	return e, nil
}

// SetTokens 替换交易循环遍历的 token 列表（热更新用）。
func (e *Engine) SetTokens(tokens []string) {
	out := make([]string, 0, len(tokens))
	seen := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		t = types.NormalizeToken(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	e.tokensMu.Lock()
	e.tokens = out
	e.tokensMu.Unlock()
}

func (e *Engine) Tokens() []string {
	e.tokensMu.RLock()
	defer e.tokensMu.RUnlock()
	return append([]string(nil), e.tokens...)
}

// Run 启动两个循环，直到 ctx 结束。
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	defer e.running.Store(false)

	e.cfg.Ledger.Start()
	if _, err := e.cfg.Portfolio.Reconcile(ctx); err != nil {
		logger.Warnf("[engine] initial reconcile: %v", err)
	}
	logger.Infof("[engine] started tokens=%v trading=%s monitor=%s", e.Tokens(), e.cfg.TradingInterval, e.cfg.MonitorInterval)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error { return ignoreCanceled(e.trading.Run(gctx, e.TradingTick)) })
	group.Go(func() error { return ignoreCanceled(e.monitor.Run(gctx, e.MonitorTick)) })
	err := group.Wait()
	logger.Infof("[engine] stopped")
	return err
}

// EmergencyStop 设置停机标志、抢占下一次循环并平掉所有仓位。
func (e *Engine) EmergencyStop(ctx context.Context, reason string) (int, error) {
	if reason == "" {
		reason = "manual emergency stop"
	}
	e.halted.Store(true)
	e.stopReason.Store(reason)
	e.trading.Halt()
	e.trading.Kick()

	closed, err := e.cfg.Ledger.EmergencyCloseAll(ctx, reason)
	if err != nil {
		logger.Errorf("[engine] emergency close failed: %v", err)
	}
	if _, rerr := e.cfg.Portfolio.Reconcile(ctx); rerr != nil {
		logger.Warnf("[engine] reconcile after emergency stop: %v", rerr)
	}
	logger.Warnf("[engine] EMERGENCY STOP (%s): closed %d positions", reason, closed)
	e.notifyStop(reason, closed)
	return closed, err
}

// Resume 清除停机标志，交易循环在下一次 tick 恢复。
func (e *Engine) Resume() {
	e.halted.Store(false)
	e.stopReason.Store("")
	e.trading.Resume()
	logger.Infof("[engine] trading resumed")
}

func (e *Engine) Halted() bool { return e.halted.Load() }

func (e *Engine) notifyStop(reason string, closed int) {
	msg := notifier.StructuredMessage{
		Severity: notifier.SeverityCritical,
		Icon:     "🛑",
		Title:    "Emergency stop",
		Sections: []notifier.MessageSection{
			notifier.Section("Details", "reason: "+reason, fmt.Sprintf("closed positions: %d", closed)),
		},
		Timestamp: e.now().UTC(),
	}
	if err := e.cfg.Notifier.SendText(msg.RenderMarkdown()); err != nil {
		logger.Warnf("[engine] emergency stop notification failed: %v", err)
	}
}

func (e *Engine) recordTick(loop string, errs map[string]error) {
	e.tickMu.Lock()
	defer e.tickMu.Unlock()
	now := e.now().UTC()
	switch loop {
	case "trading":
		e.lastTrading = now
	case "monitor":
		e.lastMonitor = now
	}
	for k, err := range errs {
		if err == nil {
			delete(e.lastErrors, k)
			continue
		}
		e.lastErrors[k] = err.Error()
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
