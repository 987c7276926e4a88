package engine

import (
	"context"
	"errors"
	"fmt"

	"tokentrader/internal/ledger"
	"tokentrader/internal/logger"
	"tokentrader/internal/market"
	"tokentrader/internal/risk"
	"tokentrader/internal/types"
)

// TokenOutcome 记录单个 token 在一次交易 tick 中的处理结果。
type TokenOutcome struct {
	Token    string           `json:"token"`
	Action   string           `json:"action"`
	Position *ledger.Position `json:"position,omitempty"`
	Decision *risk.Decision   `json:"decision,omitempty"`
	Err      error            `json:"-"`
}

const (
	outcomeNoSignal    = "no_signal"
	outcomeSkipped     = "skipped"
	outcomeRejected    = "rejected"
	outcomeOpened      = "opened"
	outcomeFailed      = "failed"
	outcomeClosed      = "closed"
	outcomeUnavailable = "unavailable"
	outcomeError       = "error"
)

// TradingTick 逐个 token 执行 信号→定仓→风控→开仓，最后 reconcile。
// 单个 token 的失败只记录日志，不影响其他 token。
func (e *Engine) TradingTick(ctx context.Context) {
	e.RunTradingCycle(ctx)
}

// RunTradingCycle is TradingTick with per-token outcomes returned.
func (e *Engine) RunTradingCycle(ctx context.Context) []TokenOutcome {
	if e.halted.Load() {
		logger.Debugf("[engine] trading halted, skip tick")
		return nil
	}
	tokens := e.Tokens()
	outcomes := make([]TokenOutcome, 0, len(tokens))
	errs := make(map[string]error, len(tokens)+1)
	for _, tok := range tokens {
		if ctx.Err() != nil || e.halted.Load() {
			break
		}
		out := e.processToken(ctx, tok)
		switch {
		case out.Err == nil:
		case errors.Is(out.Err, market.ErrDataUnavailable):
			logger.Warnf("[engine] %s skipped: %v", tok, out.Err)
		default:
			logger.Errorf("[engine] %s failed: %v", tok, out.Err)
		}
		errs["token:"+tok] = out.Err
		outcomes = append(outcomes, out)
	}
	_, err := e.cfg.Portfolio.Reconcile(ctx)
	if err != nil {
		logger.Errorf("[engine] reconcile failed: %v", err)
	}
	errs["reconcile"] = err
	e.recordTick("trading", errs)
	return outcomes
}

func (e *Engine) processToken(ctx context.Context, token string) TokenOutcome {
	out := TokenOutcome{Token: token}
	sig, err := e.cfg.Signals.Latest(ctx, token)
	if err != nil {
		out.Action, out.Err = outcomeUnavailable, err
		return out
	}
	if sig == nil {
		out.Action = outcomeNoSignal
		return out
	}

	// 每个 token 最多一个未平仓位：同向信号忽略，反向信号平掉现有仓位。
	if open, ok := e.openFor(token); ok {
		if open.Side == sig.Action {
			out.Action = outcomeSkipped
			return out
		}
		pos, err := e.cfg.Ledger.Close(ctx, open.ID, ledger.ReasonSignal)
		if err != nil {
			out.Action, out.Err = outcomeError, fmt.Errorf("close %s on opposite signal: %w", open.ID, err)
			return out
		}
		logger.Infof("[engine] %s closed on %s signal pnl=%.4f", token, sig.Action, pos.RealizedPnL)
		out.Action, out.Position = outcomeClosed, &pos
		return out
	}

	// 未确认的 CRITICAL 告警期间不开新仓
	if e.cfg.Risk.Status() == risk.StatusCritical {
		out.Action = outcomeRejected
		logger.Infof("[engine] %s %s blocked: risk status CRITICAL", token, sig.Action)
		return out
	}
	portfolioValue := e.cfg.Portfolio.Summary().TotalValueUSD
	sz, err := e.cfg.Sizer.Size(*sig, portfolioValue)
	if err != nil {
		out.Action, out.Err = outcomeUnavailable, err
		return out
	}
	if sz.Quantity <= 0 {
		out.Action = outcomeSkipped
		logger.Debugf("[engine] %s sized to zero (confidence=%.2f)", token, sig.Confidence)
		return out
	}
	decision := e.cfg.Risk.Validate(risk.Candidate{Token: token, PositionValueUSD: sz.ValueUSD, Signal: *sig})
	out.Decision = &decision
	if !decision.Valid {
		out.Action = outcomeRejected
		logger.Infof("[engine] %s %s rejected: %s", token, sig.Action, decision.Reason)
		return out
	}
	pos, err := e.cfg.Ledger.Open(ctx, e.cfg.Sizer.OpenRequest(*sig, sz))
	if err != nil {
		if errors.Is(err, ledger.ErrTokenBusy) {
			out.Action = outcomeSkipped
			return out
		}
		out.Action, out.Err = outcomeError, err
		return out
	}
	out.Position = &pos
	if pos.Status == ledger.StatusFailed {
		out.Action = outcomeFailed
		logger.Warnf("[engine] %s execution failed: %s", token, pos.FailureReason)
		return out
	}
	out.Action = outcomeOpened
	logger.Infof("[engine] opened %s %s size=%.8f @ %.4f (%s)", pos.Side, token, pos.Size, pos.EntryPrice, pos.Status)
	return out
}

func (e *Engine) openFor(token string) (ledger.Position, bool) {
	token = types.NormalizeToken(token)
	for _, p := range e.cfg.Ledger.OpenPositions() {
		if p.Token == token {
			return p, true
		}
	}
	return ledger.Position{}, false
}

// MonitorReport 是一次监控 tick 的结果。
type MonitorReport struct {
	Metrics         risk.Metrics      `json:"metrics"`
	Exits           []ledger.Position `json:"exits"`
	Status          risk.Status       `json:"status"`
	EmergencyClosed int               `json:"emergency_closed"`
}

// MonitorTick 执行 风险评估→出场评估→CRITICAL 时紧急平仓。
func (e *Engine) MonitorTick(ctx context.Context) {
	e.RunMonitorCycle(ctx)
}

func (e *Engine) RunMonitorCycle(ctx context.Context) MonitorReport {
	var rep MonitorReport
	errs := make(map[string]error, 4)

	_, err := e.cfg.Portfolio.Reconcile(ctx)
	if err != nil {
		logger.Errorf("[engine] reconcile before assessment: %v", err)
	}
	errs["reconcile"] = err

	metrics, err := e.cfg.Risk.AssessPortfolio(ctx)
	if err != nil {
		logger.Errorf("[engine] assess portfolio: %v", err)
	}
	errs["assess"] = err
	rep.Metrics = metrics

	exits, err := e.cfg.Ledger.EvaluateExits(ctx)
	if err != nil {
		logger.Errorf("[engine] evaluate exits: %v", err)
	}
	errs["exits"] = err
	rep.Exits = exits
	for _, p := range exits {
		logger.Infof("[engine] exit %s %s reason=%s pnl=%.4f", p.Token, p.ID, p.CloseReason, p.RealizedPnL)
	}

	rep.Status = e.cfg.Risk.Status()
	if rep.Status == risk.StatusCritical && len(e.cfg.Ledger.OpenPositions()) > 0 {
		n, err := e.cfg.Ledger.EmergencyCloseAll(ctx, "risk status CRITICAL")
		if err != nil {
			logger.Errorf("[engine] emergency close on CRITICAL: %v", err)
		}
		errs["emergency"] = err
		rep.EmergencyClosed = n
		logger.Warnf("[engine] risk CRITICAL, emergency closed %d positions", n)
	}
	if len(exits) > 0 || rep.EmergencyClosed > 0 {
		if _, err := e.cfg.Portfolio.Reconcile(ctx); err != nil {
			logger.Errorf("[engine] reconcile after exits: %v", err)
		}
	}
	e.recordTick("monitor", errs)
	return rep
}
