package backtest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"tokentrader/internal/gateway/notifier"
	"tokentrader/internal/logger"
	"tokentrader/internal/market"
	"tokentrader/internal/types"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ResultSink persists finished runs; *ResultStore implements it.
type ResultSink interface {
	SaveResult(ctx context.Context, res Result) error
}

type SimulatorConfig struct {
	Bars           market.BarSource
	Registry       *Registry
	Results        ResultSink
	Notifier       notifier.TextNotifier
	MaxConcurrent  int
	DefaultCapital float64
	Clock          func() time.Time
}

// Simulator 将历史 bar 按时间顺序回放给策略，产出权益曲线与绩效。
// 每次 run 持有私有 State，可安全并发。
type Simulator struct {
	bars           market.BarSource
	registry       *Registry
	results        ResultSink
	notifier       notifier.TextNotifier
	maxConcurrent  int
	defaultCapital float64
	now            func() time.Time
}

func NewSimulator(cfg SimulatorConfig) (*Simulator, error) {
	if cfg.Bars == nil {
		return nil, fmt.Errorf("backtest: bar source is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = DefaultRegistry()
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notifier.Nop{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	if cfg.DefaultCapital <= 0 {
		cfg.DefaultCapital = 10000
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Simulator{
		bars:           cfg.Bars,
		registry:       cfg.Registry,
		results:        cfg.Results,
		notifier:       cfg.Notifier,
		maxConcurrent:  cfg.MaxConcurrent,
		defaultCapital: cfg.DefaultCapital,
		now:            cfg.Clock,
	}, nil
}

func (s *Simulator) Registry() *Registry { return s.registry }

// Run 执行一次回测。加载失败时返回 FAILED 结果与错误。
func (s *Simulator) Run(ctx context.Context, req RunRequest) (Result, error) {
	res, err := s.run(ctx, req)
	if err == nil {
		s.notify(res)
	}
	return res, err
}

func (s *Simulator) run(ctx context.Context, req RunRequest) (Result, error) {
	req.Token = types.NormalizeToken(req.Token)
	if req.InitialCapital <= 0 {
		req.InitialCapital = s.defaultCapital
	}
	res := Result{
		ID:             uuid.NewString(),
		StrategyID:     req.StrategyID,
		Token:          req.Token,
		Status:         StatusInitialized,
		Range:          req.Range,
		InitialCapital: req.InitialCapital,
		FinalEquity:    req.InitialCapital,
		StartedAt:      s.now().UTC(),
	}
	if req.Token == "" {
		return s.fail(ctx, res, fmt.Errorf("backtest: token is required"))
	}
	if !req.Range.Valid() {
		return s.fail(ctx, res, fmt.Errorf("backtest: range end before start"))
	}
	strategy, params, err := s.registry.Resolve(req.StrategyID, req.Params)
	if err != nil {
		return s.fail(ctx, res, err)
	}
	res.Params = params

	bars, err := s.bars.HistoricalBars(ctx, req.Token, req.Range)
	if err != nil {
		return s.fail(ctx, res, fmt.Errorf("load bars for %s: %w", req.Token, err))
	}
	bars = types.FilterBars(bars, req.Range)
	sort.SliceStable(bars, func(i, j int) bool { return bars[i].Time.Before(bars[j].Time) })
	if len(bars) == 0 {
		return s.fail(ctx, res, fmt.Errorf("%w: no bars for %s in range", market.ErrDataUnavailable, req.Token))
	}

	res.Status = StatusReplaying
	st := newState(req.InitialCapital)
	for i, bar := range bars {
		if err := ctx.Err(); err != nil {
			return s.fail(ctx, res, err)
		}
		if sig := strategy.Evaluate(bars[:i+1], bar, st, params); sig != nil {
			st.apply(sig, bar)
		}
		st.markEquity(bar)
	}

	last := bars[len(bars)-1]
	final := st.Cash + st.Position.valueAt(last.Close)
	res.Bars = len(bars)
	res.FinalEquity = final
	res.Trades = st.Trades
	res.Equity = st.Equity
	if st.Position != nil {
		open := *st.Position
		res.OpenAtEnd = &open
	}
	res.Metrics = computeMetrics(st, req.InitialCapital, final)
	res.Status = StatusCompleted
	res.CompletedAt = s.now().UTC()
	s.save(ctx, res)
	logger.Infof("[backtest] %s %s completed: bars=%d trades=%d return=%.2f%%",
		res.StrategyID, res.Token, res.Bars, len(res.Trades), res.Metrics.TotalReturn*100)
	return res, nil
}

func (s *Simulator) fail(ctx context.Context, res Result, err error) (Result, error) {
	res.Status = StatusFailed
	res.Error = err.Error()
	res.CompletedAt = s.now().UTC()
	logger.Warnf("[backtest] %s %s failed: %v", res.StrategyID, res.Token, err)
	s.save(ctx, res)
	return res, err
}

func (s *Simulator) save(ctx context.Context, res Result) {
	if s.results == nil {
		return
	}
	if err := s.results.SaveResult(context.WithoutCancel(ctx), res); err != nil {
		logger.Errorf("[backtest] persist run %s failed: %v", res.ID, err)
	}
}

// apply 执行信号：置信度不足忽略；无仓位 buy 开多；有仓位 sell 平多。
func (st *State) apply(sig *Signal, bar types.Bar) {
	if sig.Confidence < minConfidence || bar.Close <= 0 {
		return
	}
	switch sig.Action {
	case types.ActionBuy:
		if st.Position != nil {
			return
		}
		value := buyCashFraction * st.Cash * sig.Confidence
		if value <= 0 {
			return
		}
		st.Cash -= value
		st.Position = &OpenPosition{
			EntryTime:  bar.Time,
			EntryPrice: bar.Close,
			Quantity:   value / bar.Close,
			StopLoss:   sig.StopLoss,
			TakeProfit: sig.TakeProfit,
			Reason:     sig.Reason,
		}
	case types.ActionSell:
		pos := st.Position
		if pos == nil {
			return
		}
		st.Cash += pos.valueAt(bar.Close)
		trade := Trade{
			EntryTime:  pos.EntryTime,
			ExitTime:   bar.Time,
			EntryPrice: pos.EntryPrice,
			ExitPrice:  bar.Close,
			Quantity:   pos.Quantity,
			PnL:        (bar.Close - pos.EntryPrice) * pos.Quantity,
			StopLoss:   pos.StopLoss,
			TakeProfit: pos.TakeProfit,
			Reason:     sig.Reason,
		}
		if pos.EntryPrice > 0 {
			trade.ReturnPct = (bar.Close - pos.EntryPrice) / pos.EntryPrice
		}
		st.Trades = append(st.Trades, trade)
		st.Position = nil
	}
}

func (st *State) markEquity(bar types.Bar) {
	equity := st.Cash + st.Position.valueAt(bar.Close)
	if equity > st.Peak {
		st.Peak = equity
	}
	dd := 0.0
	if st.Peak > 0 {
		dd = (st.Peak - equity) / st.Peak
	}
	if dd > st.MaxDrawdown {
		st.MaxDrawdown = dd
	}
	st.Equity = append(st.Equity, EquityPoint{Time: bar.Time, Equity: equity, Drawdown: dd})
}

// CompareStrategies 并发跑所有已注册策略（errgroup 限流），单个策略失败只标记不中断。
func (s *Simulator) CompareStrategies(ctx context.Context, token string, r types.DateRange, capital float64) (Comparison, error) {
	ids := s.registry.IDs()
	results := make([]Result, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxConcurrent)
	for i, id := range ids {
		g.Go(func() error {
			res, err := s.run(gctx, RunRequest{StrategyID: id, Token: token, Range: r, InitialCapital: capital})
			if err != nil {
				res.Status = StatusFailed
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Comparison{}, err
	}
	rankResults(results)
	cmp := Comparison{Token: types.NormalizeToken(token), Range: r, Results: results}
	if err := ctx.Err(); err != nil {
		return cmp, err
	}
	s.notifyComparison(cmp)
	return cmp, nil
}

func rankResults(results []Result) {
	sort.SliceStable(results, func(i, j int) bool {
		fi, fj := results[i].Status == StatusFailed, results[j].Status == StatusFailed
		if fi != fj {
			return !fi
		}
		if results[i].Metrics.TotalReturn != results[j].Metrics.TotalReturn {
			return results[i].Metrics.TotalReturn > results[j].Metrics.TotalReturn
		}
		return results[i].StrategyID < results[j].StrategyID
	})
}

func (s *Simulator) notify(res Result) {
	m := res.Metrics
	msg := notifier.StructuredMessage{
		Severity: notifier.SeverityInfo,
		Icon:     "📊",
		Title:    fmt.Sprintf("Backtest %s %s completed", res.StrategyID, res.Token),
		Sections: []notifier.MessageSection{
			notifier.Section("Result",
				fmt.Sprintf("return: %.2f%%", m.TotalReturn*100),
				fmt.Sprintf("trades: %d (win rate %.1f%%)", m.TotalTrades, m.WinRate*100),
				fmt.Sprintf("max drawdown: %.2f%%", m.MaxDrawdown*100),
				fmt.Sprintf("sharpe: %.3f", m.SharpeRatio),
			),
		},
		Footer:    "run " + res.ID,
		Timestamp: res.CompletedAt,
	}
	if err := s.notifier.SendText(msg.RenderMarkdown()); err != nil {
		logger.Warnf("[backtest] notify failed: %v", err)
	}
}

func (s *Simulator) notifyComparison(cmp Comparison) {
	lines := make([]string, 0, len(cmp.Results))
	for i, r := range cmp.Results {
		if r.Status == StatusFailed {
			lines = append(lines, fmt.Sprintf("%d. %s failed: %s", i+1, r.StrategyID, r.Error))
			continue
		}
		lines = append(lines, fmt.Sprintf("%d. %s %.2f%%", i+1, r.StrategyID, r.Metrics.TotalReturn*100))
	}
	msg := notifier.StructuredMessage{
		Severity:  notifier.SeverityInfo,
		Icon:      "📊",
		Title:     "Strategy comparison " + cmp.Token,
		Sections:  []notifier.MessageSection{notifier.Section("Ranking", lines...)},
		Timestamp: s.now().UTC(),
	}
	if err := s.notifier.SendText(msg.RenderMarkdown()); err != nil {
		logger.Warnf("[backtest] notify failed: %v", err)
	}
}
