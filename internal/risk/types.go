package risk

import (
	"fmt"
	"time"

	"tokentrader/internal/config"
	"tokentrader/internal/types"
)

// Z-scores used for the parametric VaR figures.
const (
	Z95 = 1.645
	Z99 = 2.326
)

// Limits 是进程级的静态风控限额，只能通过 Gate.UpdateLimits 修改。
type Limits struct {
	MaxPositionSizePct float64 `json:"max_position_size_pct"`
	MaxDailyLossPct    float64 `json:"max_daily_loss_pct"`
	MaxDrawdownPct     float64 `json:"max_drawdown_pct"`
	MaxCorrelation     float64 `json:"max_correlation"`
	MaxVolatility      float64 `json:"max_volatility"`
	MinLiquidityUSD    float64 `json:"min_liquidity_usd"`
	StopLossPct        float64 `json:"stop_loss_pct"`
	TakeProfitPct      float64 `json:"take_profit_pct"`
}

func DefaultLimits() Limits {
	return LimitsFromConfig(config.Default().Risk)
}

func LimitsFromConfig(c config.RiskConfig) Limits {
	return Limits{
		MaxPositionSizePct: c.MaxPositionSizePct,
		MaxDailyLossPct:    c.MaxDailyLossPct,
		MaxDrawdownPct:     c.MaxDrawdownPct,
		MaxCorrelation:     c.MaxCorrelation,
		MaxVolatility:      c.MaxVolatility,
		MinLiquidityUSD:    c.MinLiquidityUSD,
		StopLossPct:        c.StopLossPct,
		TakeProfitPct:      c.TakeProfitPct,
	}
}

// Validate reuses the config rules; violations wrap config.ErrConfiguration.
func (l Limits) Validate() error {
	c := config.Default().Risk
	c.MaxPositionSizePct = l.MaxPositionSizePct
	c.MaxDailyLossPct = l.MaxDailyLossPct
	c.MaxDrawdownPct = l.MaxDrawdownPct
	c.MaxCorrelation = l.MaxCorrelation
	c.MaxVolatility = l.MaxVolatility
	c.MinLiquidityUSD = l.MinLiquidityUSD
	c.StopLossPct = l.StopLossPct
	c.TakeProfitPct = l.TakeProfitPct
	return c.Validate()
}

// PortfolioView 是 AssessPortfolio / Validate 读取的组合快照，由 PortfolioController 提供。
type PortfolioView struct {
	ValueUSD      float64   `json:"value_usd"`
	DailyPnLPct   float64   `json:"daily_pnl_pct"`
	DrawdownPct   float64   `json:"drawdown_pct"`
	Volatility    float64   `json:"volatility"`
	Correlation   float64   `json:"correlation"`
	Concentration float64   `json:"concentration"`
	LiquidityRisk float64   `json:"liquidity_risk"`
	AsOf          time.Time `json:"as_of"`
}

// ViewProvider is implemented by the portfolio controller.
type ViewProvider interface {
	View() PortfolioView
}

// Candidate 是待校验的单笔交易。
type Candidate struct {
	Token            string       `json:"token"`
	PositionValueUSD float64      `json:"position_value_usd"`
	Signal           types.Signal `json:"signal"`
}

// RejectCode 标识是哪一项检查拒绝了交易。
type RejectCode string

const (
	RejectPositionSize RejectCode = "position_size"
	RejectDailyLoss    RejectCode = "daily_loss"
	RejectDrawdown     RejectCode = "drawdown"
	RejectVolatility   RejectCode = "volatility"
	RejectLiquidity    RejectCode = "liquidity"
	RejectNoPortfolio  RejectCode = "no_portfolio"
)

// Rejection 是预期内的、可恢复的拒绝；作为值返回而不是 panic。
type Rejection struct {
	Code   RejectCode `json:"code"`
	Reason string     `json:"reason"`
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("risk rejected (%s): %s", r.Code, r.Reason)
}

const acceptReason = "passed all risk checks"

// Decision 是 Validate 的结果。
type Decision struct {
	Valid     bool       `json:"valid"`
	Reason    string     `json:"reason"`
	Rejection *Rejection `json:"rejection,omitempty"`
}

// Err returns the rejection as an error, or nil when accepted.
func (d Decision) Err() error {
	if d.Valid || d.Rejection == nil {
		return nil
	}
	return d.Rejection
}

func accept() Decision {
	return Decision{Valid: true, Reason: acceptReason}
}

func reject(code RejectCode, format string, args ...any) Decision {
	rej := &Rejection{Code: code, Reason: fmt.Sprintf(format, args...)}
	return Decision{Valid: false, Reason: rej.Reason, Rejection: rej}
}

// Metrics 每个评估周期整体重算。
type Metrics struct {
	CurrentDrawdown     float64   `json:"current_drawdown"`
	DailyPnL            float64   `json:"daily_pnl"`
	PortfolioVolatility float64   `json:"portfolio_volatility"`
	VaR95               float64   `json:"var_95"`
	VaR99               float64   `json:"var_99"`
	MaxCorrelation      float64   `json:"max_correlation"`
	ConcentrationRisk   float64   `json:"concentration_risk"`
	LiquidityRisk       float64   `json:"liquidity_risk"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// ValueAtRisk 是简化的参数法 VaR：value · volatility · z。
func ValueAtRisk(valueUSD, volatility, z float64) float64 {
	if valueUSD <= 0 || volatility <= 0 {
		return 0
	}
	return valueUSD * volatility * z
}

type Level string

const (
	LevelWarning  Level = "WARNING"
	LevelCritical Level = "CRITICAL"
)

type Status string

const (
	StatusNormal   Status = "NORMAL"
	StatusWarning  Status = "WARNING"
	StatusCritical Status = "CRITICAL"
)

// Alert 只追加；除 Acknowledge 外不修改。
type Alert struct {
	ID           string    `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Level        Level     `json:"level"`
	Type         string    `json:"type"`
	Message      string    `json:"message"`
	Value        float64   `json:"value"`
	Limit        float64   `json:"limit"`
	Acknowledged bool      `json:"acknowledged"`
}

// Assessment 是 getRiskAssessment 暴露的整体视图。
type Assessment struct {
	Status  Status  `json:"status"`
	Limits  Limits  `json:"limits"`
	Metrics Metrics `json:"metrics"`
	Alerts  []Alert `json:"alerts"`
}
