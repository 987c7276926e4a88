package engine

import (
	"context"
	"time"

	"tokentrader/internal/ledger"
	"tokentrader/internal/logger"
	"tokentrader/internal/portfolio"
	"tokentrader/internal/risk"
	"tokentrader/internal/scheduler"
)

// PortfolioView 是 getPortfolioSummary 的返回体。
type PortfolioView struct {
	Summary         portfolio.Summary                `json:"summary"`
	Rebalance       []portfolio.RebalanceInstruction `json:"rebalance"`
	Diversification portfolio.Scores                 `json:"diversification"`
	OpenPositions   []ledger.Position                `json:"open_positions"`
}

func (e *Engine) PortfolioSummary() PortfolioView {
	return PortfolioView{
		Summary:         e.cfg.Portfolio.Summary(),
		Rebalance:       e.cfg.Portfolio.ComputeRebalance(),
		Diversification: e.cfg.Portfolio.Diversification(),
		OpenPositions:   e.cfg.Ledger.OpenPositions(),
	}
}

func (e *Engine) RiskAssessment() risk.Assessment {
	return e.cfg.Risk.Assessment()
}

func (e *Engine) AcknowledgeAlert(ctx context.Context, id string) error {
	return e.cfg.Risk.Acknowledge(ctx, id)
}

// TradingStatus 汇总循环状态、账本状态与外部依赖熔断状态。
type TradingStatus struct {
	Running         bool                `json:"running"`
	Halted          bool                `json:"halted"`
	StopReason      string              `json:"stop_reason,omitempty"`
	Tokens          []string            `json:"tokens"`
	TradingInterval string              `json:"trading_interval"`
	MonitorInterval string              `json:"monitor_interval"`
	LastTradingTick time.Time           `json:"last_trading_tick,omitempty"`
	LastMonitorTick time.Time           `json:"last_monitor_tick,omitempty"`
	TradingRuns     int64               `json:"trading_runs"`
	MonitorRuns     int64               `json:"monitor_runs"`
	Ledger          ledger.LedgerStatus `json:"ledger"`
	Performance     ledger.Performance  `json:"performance"`
	RiskStatus      risk.Status         `json:"risk_status"`
	Breakers        map[string]string   `json:"breakers,omitempty"`
	Errors          map[string]string   `json:"errors,omitempty"`
}

func (e *Engine) TradingStatus() TradingStatus {
	reason, _ := e.stopReason.Load().(string)
	st := TradingStatus{
		Running:         e.running.Load(),
		Halted:          e.halted.Load(),
		StopReason:      reason,
		Tokens:          e.Tokens(),
		TradingInterval: e.cfg.TradingInterval.String(),
		MonitorInterval: e.cfg.MonitorInterval.String(),
		TradingRuns:     e.trading.Runs(),
		MonitorRuns:     e.monitor.Runs(),
		Ledger:          e.cfg.Ledger.Status(),
		Performance:     e.cfg.Ledger.Performance(),
		RiskStatus:      e.cfg.Risk.Status(),
	}
	if len(e.cfg.Breakers) > 0 {
		st.Breakers = make(map[string]string, len(e.cfg.Breakers))
		for _, b := range e.cfg.Breakers {
			if b != nil {
				st.Breakers[b.Name()] = b.State().String()
			}
		}
	}
	e.tickMu.Lock()
	st.LastTradingTick = e.lastTrading
	st.LastMonitorTick = e.lastMonitor
	if len(e.lastErrors) > 0 {
		st.Errors = make(map[string]string, len(e.lastErrors))
		for k, v := range e.lastErrors {
			st.Errors[k] = v
		}
	}
	e.tickMu.Unlock()
	return st
}

// Healthy 用于 /healthz：账本 actor 在运行且循环没有停滞超过三个周期。
func (e *Engine) Healthy() (bool, string) {
	if !e.cfg.Ledger.Status().Running {
		return false, "ledger not running"
	}
	if !e.running.Load() {
		return true, "engine idle"
	}
	now := e.now().UTC()
	e.tickMu.Lock()
	lastMonitor := e.lastMonitor
	e.tickMu.Unlock()
	if !lastMonitor.IsZero() && now.Sub(lastMonitor) > 3*e.cfg.MonitorInterval {
		return false, "monitor loop stalled since " + lastMonitor.Format(time.RFC3339)
	}
	return true, "ok"
}

// RegisterJobs 注册 cron 任务：组合快照（reconcile 持久化）与健康检查。
func (e *Engine) RegisterJobs(jobs *scheduler.Jobs, snapshotCron, healthCron string, ctxFn func() context.Context) error {
	if err := jobs.Add("risk-snapshot", snapshotCron, e.snapshotJob, ctxFn); err != nil {
		return err
	}
	return jobs.Add("health", healthCron, e.healthJob, ctxFn)
}

func (e *Engine) snapshotJob(ctx context.Context) {
	if _, err := e.cfg.Portfolio.Reconcile(ctx); err != nil {
		logger.Warnf("[engine] snapshot reconcile: %v", err)
		return
	}
	if _, err := e.cfg.Risk.AssessPortfolio(ctx); err != nil {
		logger.Warnf("[engine] snapshot assessment: %v", err)
	}
	logger.Debugf("[engine] risk snapshot stored")
}

func (e *Engine) healthJob(ctx context.Context) {
	ok, detail := e.Healthy()
	if !ok {
		logger.Errorf("[engine] health check failed: %s", detail)
	}
	if toks := e.Tokens(); e.cfg.Oracle != nil && len(toks) > 0 {
		if _, err := e.cfg.Oracle.CurrentPrice(ctx, toks[0]); err != nil {
			logger.Warnf("[engine] health: price for %s unavailable: %v", toks[0], err)
		}
	}
	st := e.TradingStatus()
	logger.Debugf("[engine] health ok=%v open=%d risk=%s breakers=%v", ok, st.Ledger.OpenPositions, st.RiskStatus, st.Breakers)
}
