package portfolio

import (
	"time"

	"tokentrader/internal/types"
)

// TargetAllocationKey 是目标配置在 config KV 中的键。
const TargetAllocationKey = "target_allocation"

// Holding 是某个 token 当前持仓的估值视图，按 token 聚合。
type Holding struct {
	Token         string       `json:"token"`
	Side          types.Action `json:"side"`
	Amount        float64      `json:"amount"`
	EntryPrice    float64      `json:"entry_price"`
	CurrentPrice  float64      `json:"current_price"`
	ValueUSD      float64      `json:"value_usd"`
	AllocationPct float64      `json:"allocation_pct"`
	UnrealizedPnL float64      `json:"unrealized_pnl"`
	ReturnPct     float64      `json:"return_pct"`
}

// PerformanceMetrics is recomputed wholesale on every reconcile.
type PerformanceMetrics struct {
	TotalReturn  float64 `json:"total_return"`
	WinRate      float64 `json:"win_rate"`
	AvgWin       float64 `json:"avg_win"`
	AvgLoss      float64 `json:"avg_loss"`
	ProfitFactor float64 `json:"profit_factor"`
	MaxDrawdown  float64 `json:"max_drawdown"`
	SharpeRatio  float64 `json:"sharpe_ratio"`
	Volatility   float64 `json:"volatility"`
}

// RiskSummary 是按配置比例加权的组合风险系数。
type RiskSummary struct {
	Beta          float64 `json:"beta"`
	Volatility    float64 `json:"volatility"`
	Correlation   float64 `json:"correlation"`
	VaR95         float64 `json:"var_95"`
	VaR99         float64 `json:"var_99"`
	LiquidityRisk float64 `json:"liquidity_risk"`
}

type Summary struct {
	TotalValueUSD     float64            `json:"total_value_usd"`
	CashUSD           float64            `json:"cash_usd"`
	CashAllocationPct float64            `json:"cash_allocation_pct"`
	RealizedPnL       float64            `json:"realized_pnl"`
	UnrealizedPnL     float64            `json:"unrealized_pnl"`
	PeakValueUSD      float64            `json:"peak_value_usd"`
	DrawdownPct       float64            `json:"drawdown_pct"`
	DailyPnLPct       float64            `json:"daily_pnl_pct"`
	Holdings          []Holding          `json:"holdings"`
	Performance       PerformanceMetrics `json:"performance"`
	Risk              RiskSummary        `json:"risk"`
	TargetAllocation  map[string]float64 `json:"target_allocation"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// RebalanceInstruction 只是建议，不会自动执行。
type RebalanceInstruction struct {
	Token      string       `json:"token"`
	Action     types.Action `json:"action"`
	AmountUSD  float64      `json:"amount_usd"`
	CurrentPct float64      `json:"current_pct"`
	TargetPct  float64      `json:"target_pct"`
}

// Scores holds the diversification read model.
type Scores struct {
	Herfindahl    float64 `json:"herfindahl"`
	MaxAllocation float64 `json:"max_allocation"`
}
