// Package portfolio 维护目标配置与当前持仓估值，是 RiskGate 的组合视图来源。
package portfolio

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"tokentrader/internal/config"
	"tokentrader/internal/ledger"
	"tokentrader/internal/logger"
	"tokentrader/internal/market"
	"tokentrader/internal/risk"
	"tokentrader/internal/store"
	"tokentrader/internal/types"
)

const (
	defaultBeta           = 1.0
	defaultLiquidityScore = 0.5
)

// PositionSource is the ledger surface the controller reads from.
// 持仓、历史与绩效必须取自同一个 Snapshot，否则并发平仓会被重复计算。
type PositionSource interface {
	Snapshot() *ledger.Snapshot
	MarkPrices(ctx context.Context, prices map[string]float64) error
}

// SnapshotSink persists reconcile results.
type SnapshotSink interface {
	AppendSnapshot(ctx context.Context, rec store.SnapshotRecord) error
}

type Option func(*Controller)

func WithSnapshotSink(s SnapshotSink) Option { return func(c *Controller) { c.snapshots = s } }

func WithConfigStore(s risk.ConfigStore) Option { return func(c *Controller) { c.cfgStore = s } }

func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// Controller 是组合聚合根：所有写操作在 mu 下完成，读返回副本。
type Controller struct {
	mu sync.RWMutex
	// reconcileMu 串行化整个 Reconcile，旧快照算出的结果不会覆盖新结果。
	reconcileMu sync.Mutex

	positions      PositionSource
	oracle         market.PriceOracle
	snapshots      SnapshotSink
	cfgStore       risk.ConfigStore
	now            func() time.Time
	initialCapital float64

	threshold    float64
	defaultVol   float64
	coefficients map[string]config.TokenCoefficients
	target       map[string]float64

	summary       Summary
	peak          float64
	maxDrawdown   float64
	day           time.Time
	dayStartValue float64
}

func NewController(cfg config.PortfolioConfig, initialCapital float64, positions PositionSource, oracle market.PriceOracle, opts ...Option) *Controller {
	c := &Controller{
		positions:      positions,
		oracle:         oracle,
		now:            time.Now,
		initialCapital: initialCapital,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.applyConfigLocked(cfg)
	c.peak = initialCapital
	c.summary = Summary{
		TotalValueUSD:     initialCapital,
		CashUSD:           initialCapital,
		CashAllocationPct: 1,
		PeakValueUSD:      initialCapital,
		TargetAllocation:  copyAlloc(c.target),
	}
	return c
}

// ApplyConfig 热更新阈值、系数表和目标配置。
func (c *Controller) ApplyConfig(cfg config.PortfolioConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applyConfigLocked(cfg)
}

func (c *Controller) applyConfigLocked(cfg config.PortfolioConfig) {
	c.threshold = cfg.RebalanceThreshold
	if c.threshold <= 0 {
		c.threshold = 0.05
	}
	c.defaultVol = cfg.DefaultVolatility
	if c.defaultVol <= 0 {
		c.defaultVol = 0.8
	}
	c.coefficients = make(map[string]config.TokenCoefficients, len(cfg.Coefficients))
	for tok, coef := range cfg.Coefficients {
		c.coefficients[types.NormalizeToken(tok)] = coef
	}
	if len(cfg.TargetAllocation) > 0 {
		c.target = normalizeKeys(cfg.TargetAllocation)
	} else if c.target == nil {
		c.target = map[string]float64{config.CashKey: 1}
	}
}

// Reconcile 用最新价格重算持仓、现金、绩效与风险指标，并持久化快照。
func (c *Controller) Reconcile(ctx context.Context) (Summary, error) {
	if c.positions == nil {
		return Summary{}, fmt.Errorf("portfolio: no position source")
	}
	c.reconcileMu.Lock()
	defer c.reconcileMu.Unlock()

	tokens := openTokens(c.snapshot().Open())
	prices := make(map[string]float64, len(tokens))
	if c.oracle != nil && len(tokens) > 0 {
		got, failed := market.PriceMap(ctx, c.oracle, tokens)
		for tok, err := range failed {
			logger.Warnf("[portfolio] price for %s unavailable, using last mark: %v", tok, err)
		}
		prices = got
	}
	if len(prices) > 0 {
		if err := c.positions.MarkPrices(ctx, prices); err != nil {
			logger.Warnf("[portfolio] mark prices failed: %v", err)
		}
	}
	snap := c.snapshot()
	open, history, perf := snap.Open(), snap.Positions, snap.Performance

	c.mu.Lock()
	sum := c.recomputeLocked(open, prices, history, perf)
	c.mu.Unlock()

	if err := CheckAllocationInvariant(sum); err != nil {
		logger.Errorf("[portfolio] %v", err)
		return sum, err
	}
	if err := c.persistSnapshot(ctx, sum); err != nil {
		return sum, err
	}
	return sum, nil
}

func (c *Controller) snapshot() *ledger.Snapshot {
	if snap := c.positions.Snapshot(); snap != nil {
		return snap
	}
	return &ledger.Snapshot{}
}

func openTokens(open []ledger.Position) []string {
	seen := make(map[string]struct{}, len(open))
	out := make([]string, 0, len(open))
	for _, p := range open {
		if _, ok := seen[p.Token]; ok {
			continue
		}
		seen[p.Token] = struct{}{}
		out = append(out, p.Token)
	}
	return out
}

func (c *Controller) recomputeLocked(open []ledger.Position, prices map[string]float64, history []ledger.Position, perf ledger.Performance) Summary {
	now := c.now().UTC()
	var realized float64
	for _, p := range history {
		if p.Status == ledger.StatusClosed {
			realized += p.RealizedPnL
		}
	}

	byToken := make(map[string]*Holding)
	var (
		costBasis  float64
		unrealized float64
	)
	for _, p := range open {
		price := prices[p.Token]
		if price <= 0 {
			price = firstPositive(p.CurrentPrice, p.EntryPrice)
		}
		pnl := pnlOf(p.Side, p.EntryPrice, price, p.Size)
		cost := p.EntryPrice * p.Size
		costBasis += cost
		unrealized += pnl

		h, ok := byToken[p.Token]
		if !ok {
			h = &Holding{Token: p.Token, Side: p.Side}
			byToken[p.Token] = h
		}
		if total := h.Amount + p.Size; total > 0 {
			h.EntryPrice = (h.EntryPrice*h.Amount + p.EntryPrice*p.Size) / total
		}
		h.Amount += p.Size
		h.CurrentPrice = price
		h.ValueUSD += cost + pnl
		h.UnrealizedPnL += pnl
	}

	cash := c.initialCapital + realized - costBasis
	total := cash
	holdings := make([]Holding, 0, len(byToken))
	for _, h := range byToken {
		total += h.ValueUSD
		holdings = append(holdings, *h)
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Token < holdings[j].Token })

	cashPct := 1.0
	if total > 0 {
		cashPct = cash / total
	}
	var rs RiskSummary
	for i := range holdings {
		h := &holdings[i]
		if total > 0 {
			h.AllocationPct = h.ValueUSD / total
		}
		if basis := h.EntryPrice * h.Amount; basis > 0 {
			h.ReturnPct = h.UnrealizedPnL / basis
		}
		coef := c.coefficientsFor(h.Token)
		rs.Volatility += h.AllocationPct * coef.Volatility
		rs.Beta += h.AllocationPct * coef.Beta
		rs.Correlation += h.AllocationPct * coef.Correlation
		rs.LiquidityRisk += h.AllocationPct * (1 - coef.LiquidityScore)
	}
	if total > 0 {
		rs.VaR95 = risk.ValueAtRisk(total, rs.Volatility, risk.Z95)
		rs.VaR99 = risk.ValueAtRisk(total, rs.Volatility, risk.Z99)
	}

	if total > c.peak {
		c.peak = total
	}
	drawdown := 0.0
	if c.peak > 0 && total < c.peak {
		drawdown = (c.peak - total) / c.peak
	}
	if drawdown > c.maxDrawdown {
		c.maxDrawdown = drawdown
	}
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if c.day.IsZero() || day.After(c.day) {
		start := c.summary.TotalValueUSD
		if c.day.IsZero() || start <= 0 {
			start = c.initialCapital
		}
		c.day = day
		c.dayStartValue = start
	}
	daily := 0.0
	if c.dayStartValue > 0 {
		daily = (total - c.dayStartValue) / c.dayStartValue
	}

	totalReturn := 0.0
	if c.initialCapital > 0 {
		totalReturn = unrealized / c.initialCapital
	}
	c.summary = Summary{
		TotalValueUSD:     total,
		CashUSD:           cash,
		CashAllocationPct: cashPct,
		RealizedPnL:       realized,
		UnrealizedPnL:     unrealized,
		PeakValueUSD:      c.peak,
		DrawdownPct:       drawdown,
		DailyPnLPct:       daily,
		Holdings:          holdings,
		Performance: PerformanceMetrics{
			TotalReturn:  totalReturn,
			WinRate:      perf.WinRate,
			AvgWin:       perf.AvgWin,
			AvgLoss:      perf.AvgLoss,
			ProfitFactor: perf.ProfitFactor,
			MaxDrawdown:  c.maxDrawdown,
			SharpeRatio:  perf.SharpeRatio,
			Volatility:   rs.Volatility,
		},
		Risk:             rs,
		TargetAllocation: copyAlloc(c.target),
		UpdatedAt:        now,
	}
	return cloneSummary(c.summary)
}

func (c *Controller) coefficientsFor(token string) config.TokenCoefficients {
	coef, ok := c.coefficients[token]
	if !ok {
		return config.TokenCoefficients{Volatility: c.defaultVol, Beta: defaultBeta, LiquidityScore: defaultLiquidityScore}
	}
	if coef.Volatility <= 0 {
		coef.Volatility = c.defaultVol
	}
	return coef
}

func (c *Controller) persistSnapshot(ctx context.Context, sum Summary) error {
	if c.snapshots == nil {
		return nil
	}
	raw, err := json.Marshal(sum)
	if err != nil {
		return fmt.Errorf("encode portfolio snapshot: %w", err)
	}
	if err := c.snapshots.AppendSnapshot(ctx, store.SnapshotRecord{
		ValueUSD:    sum.TotalValueUSD,
		CashUSD:     sum.CashUSD,
		TotalReturn: sum.Performance.TotalReturn,
		DrawdownPct: sum.DrawdownPct,
		Payload:     raw,
		CreatedAt:   sum.UpdatedAt.UnixMilli(),
	}); err != nil {
		logger.Errorf("[portfolio] persist snapshot failed: %v", err)
		return fmt.Errorf("persist portfolio snapshot: %w", err)
	}
	return nil
}

// Summary returns the latest reconcile result.
func (c *Controller) Summary() Summary {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return cloneSummary(c.summary)
}

// View 实现 risk.ViewProvider。
func (c *Controller) View() risk.PortfolioView {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := c.summary
	return risk.PortfolioView{
		ValueUSD:      s.TotalValueUSD,
		DailyPnLPct:   s.DailyPnLPct,
		DrawdownPct:   s.DrawdownPct,
		Volatility:    s.Risk.Volatility,
		Correlation:   s.Risk.Correlation,
		Concentration: maxAllocation(s.Holdings),
		LiquidityRisk: s.Risk.LiquidityRisk,
		AsOf:          s.UpdatedAt,
	}
}

// ComputeRebalance 对目标配置中的每个 token（CASH 除外）独立比较偏离度。
func (c *Controller) ComputeRebalance() []RebalanceInstruction {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := c.summary.TotalValueUSD
	current := make(map[string]float64, len(c.summary.Holdings))
	for _, h := range c.summary.Holdings {
		current[h.Token] += h.AllocationPct
	}
	tokens := make([]string, 0, len(c.target))
	for tok := range c.target {
		if tok == config.CashKey {
			continue
		}
		tokens = append(tokens, tok)
	}
	sort.Strings(tokens)

	var out []RebalanceInstruction
	for _, tok := range tokens {
		cur, tgt := current[tok], c.target[tok]
		if math.Abs(cur-tgt) <= c.threshold {
			continue
		}
		action := types.ActionBuy
		if cur > tgt {
			action = types.ActionSell
		}
		out = append(out, RebalanceInstruction{
			Token:      tok,
			Action:     action,
			AmountUSD:  math.Abs(tgt*total - cur*total),
			CurrentPct: cur,
			TargetPct:  tgt,
		})
	}
	return out
}

// OptimizeAllocation 按 expectedReturn/volatility 比例分配并替换目标配置；
// 没有正收益 token 时全部放 CASH。
func (c *Controller) OptimizeAllocation(ctx context.Context) (map[string]float64, error) {
	c.mu.Lock()
	ratios := make(map[string]float64, len(c.coefficients))
	var sum float64
	for tok, coef := range c.coefficients {
		if tok == config.CashKey {
			continue
		}
		r := 0.0
		if coef.ExpectedReturn > 0 && coef.Volatility > 0 {
			r = coef.ExpectedReturn / coef.Volatility
		}
		ratios[tok] = r
		sum += r
	}
	alloc := make(map[string]float64, len(ratios)+1)
	if sum > 0 {
		for tok, r := range ratios {
			alloc[tok] = r / sum
		}
		alloc[config.CashKey] = 0
	} else {
		for tok := range ratios {
			alloc[tok] = 0
		}
		alloc[config.CashKey] = 1
	}
	c.target = alloc
	c.summary.TargetAllocation = copyAlloc(alloc)
	c.mu.Unlock()

	if err := c.persistTarget(ctx, alloc); err != nil {
		return copyAlloc(alloc), err
	}
	logger.Infof("[portfolio] optimized target allocation over %d tokens", len(ratios))
	return copyAlloc(alloc), nil
}

// SetTargetAllocation 校验总和为 1（含 CASH）后持久化并生效。
func (c *Controller) SetTargetAllocation(ctx context.Context, alloc map[string]float64) error {
	norm := normalizeKeys(alloc)
	if err := config.ValidateAllocation(norm); err != nil {
		return err
	}
	if err := c.persistTarget(ctx, norm); err != nil {
		return err
	}
	c.mu.Lock()
	c.target = norm
	c.summary.TargetAllocation = copyAlloc(norm)
	c.mu.Unlock()
	return nil
}

// LoadPersisted restores a previously stored target allocation.
func (c *Controller) LoadPersisted(ctx context.Context) (bool, error) {
	if c.cfgStore == nil {
		return false, nil
	}
	raw, ok, err := c.cfgStore.GetConfig(ctx, TargetAllocationKey)
	if err != nil || !ok {
		return false, err
	}
	var alloc map[string]float64
	if err := json.Unmarshal(raw, &alloc); err != nil {
		return false, fmt.Errorf("decode persisted target allocation: %w", err)
	}
	alloc = normalizeKeys(alloc)
	if err := config.ValidateAllocation(alloc); err != nil {
		return false, err
	}
	c.mu.Lock()
	c.target = alloc
	c.summary.TargetAllocation = copyAlloc(alloc)
	c.mu.Unlock()
	return true, nil
}

func (c *Controller) persistTarget(ctx context.Context, alloc map[string]float64) error {
	if c.cfgStore == nil {
		return nil
	}
	raw, err := json.Marshal(alloc)
	if err != nil {
		return err
	}
	if err := c.cfgStore.PutConfig(ctx, TargetAllocationKey, raw); err != nil {
		return fmt.Errorf("persist target allocation: %w", err)
	}
	return nil
}

func (c *Controller) TargetAllocation() map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyAlloc(c.target)
}

// Diversification 返回 1−Σa² 以及最大单一持仓占比。
func (c *Controller) Diversification() Scores {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var hhi float64
	for _, h := range c.summary.Holdings {
		hhi += h.AllocationPct * h.AllocationPct
	}
	return Scores{Herfindahl: 1 - hhi, MaxAllocation: maxAllocation(c.summary.Holdings)}
}

// CheckAllocationInvariant reports a drift of holdings+cash away from 1.
func CheckAllocationInvariant(s Summary) error {
	if s.TotalValueUSD <= 0 {
		return nil
	}
	sum := s.CashAllocationPct
	for _, h := range s.Holdings {
		sum += h.AllocationPct
	}
	if math.Abs(sum-1) > config.AllocationTolerance {
		return fmt.Errorf("%w: allocations sum to %.9f", ledger.ErrInvariant, sum)
	}
	return nil
}

func pnlOf(side types.Action, entry, price, size float64) float64 {
	diff := (price - entry) * size
	if side == types.ActionSell {
		return -diff
	}
	return diff
}

func maxAllocation(hs []Holding) float64 {
	m := 0.0
	for _, h := range hs {
		if h.AllocationPct > m {
			m = h.AllocationPct
		}
	}
	return m
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}

func normalizeKeys(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[types.NormalizeToken(k)] += v
	}
	return out
}

func copyAlloc(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSummary(s Summary) Summary {
	s.Holdings = append([]Holding(nil), s.Holdings...)
	s.TargetAllocation = copyAlloc(s.TargetAllocation)
	return s
}
