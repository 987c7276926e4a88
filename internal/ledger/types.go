package ledger

import (
	"errors"
	"fmt"
	"time"

	"tokentrader/internal/types"
)

var (
	// ErrInvariant 表示编程错误级别的状态违规（例如平掉一个未持仓的 id）。
	ErrInvariant = errors.New("ledger invariant violation")
	// ErrTokenBusy 表示同一 token 已有未平仓位。
	ErrTokenBusy = errors.New("token already has an open position")
	ErrStopped   = errors.New("ledger is stopped")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusExecuted  Status = "executed"
	StatusSimulated Status = "simulated"
	StatusFailed    Status = "failed"
	StatusClosed    Status = "closed"
)

// 只允许向前迁移：pending→(executed|simulated|failed)→closed。
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusExecuted, StatusSimulated, StatusFailed},
	StatusExecuted:  {StatusClosed},
	StatusSimulated: {StatusClosed},
}

func CanTransition(from, to Status) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type CloseReason string

const (
	ReasonStopLoss     CloseReason = "stop_loss"
	ReasonTakeProfit   CloseReason = "take_profit"
	ReasonTrailingStop CloseReason = "trailing_stop"
	ReasonSignal       CloseReason = "signal"
	ReasonManual       CloseReason = "manual"
	ReasonEmergency    CloseReason = "emergency"
)

// Position 是一笔交易从下单到平仓的完整记录，仅由 Ledger actor 修改。
type Position struct {
	ID                string       `json:"id"`
	Token             string       `json:"token"`
	Side              types.Action `json:"side"`
	Signal            types.Signal `json:"signal"`
	Status            Status       `json:"status"`
	Transitions       []Status     `json:"transitions"`
	Size              float64      `json:"size"`
	EntryPrice        float64      `json:"entry_price"`
	StopLoss          float64      `json:"stop_loss,omitempty"`
	TakeProfit        float64      `json:"take_profit,omitempty"`
	TrailingStopPct   float64      `json:"trailing_stop_pct,omitempty"`
	TrailingStopPrice float64      `json:"trailing_stop_price,omitempty"`
	CurrentPrice      float64      `json:"current_price,omitempty"`
	UnrealizedPnL     float64      `json:"unrealized_pnl"`
	ExitPrice         float64      `json:"exit_price,omitempty"`
	RealizedPnL       float64      `json:"realized_pnl"`
	OrderID           string       `json:"order_id,omitempty"`
	FailureReason     string       `json:"failure_reason,omitempty"`
	CloseReason       CloseReason  `json:"close_reason,omitempty"`
	OpenedAt          time.Time    `json:"opened_at"`
	ClosedAt          *time.Time   `json:"closed_at,omitempty"`
}

func (p Position) IsOpen() bool {
	return p.Status == StatusExecuted || p.Status == StatusSimulated
}

// ValueUSD is the cost basis of the position.
func (p Position) ValueUSD() float64 {
	return p.Size * p.EntryPrice
}

func (p *Position) transition(to Status) error {
	if !CanTransition(p.Status, to) {
		return fmt.Errorf("%w: position %s cannot move %s -> %s", ErrInvariant, p.ID, p.Status, to)
	}
	p.Status = to
	p.Transitions = append(p.Transitions, to)
	return nil
}

func (p *Position) mark(price float64) {
	if price <= 0 {
		return
	}
	p.CurrentPrice = price
	p.UnrealizedPnL = pnlFor(p.Side, p.EntryPrice, price, p.Size)
}

func (p Position) clone() Position {
	cp := p
	cp.Transitions = append([]Status(nil), p.Transitions...)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		cp.ClosedAt = &t
	}
	return cp
}

// OpenRequest 由 PositionSizer 产出；StopLoss/TakeProfit 为 0 时回退到信号上的值。
type OpenRequest struct {
	Signal          types.Signal `json:"signal"`
	Quantity        float64      `json:"quantity"`
	StopLoss        float64      `json:"stop_loss,omitempty"`
	TakeProfit      float64      `json:"take_profit,omitempty"`
	TrailingStopPct float64      `json:"trailing_stop_pct,omitempty"`
}

func (r OpenRequest) validate() error {
	if err := r.Signal.Validate(); err != nil {
		return err
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("open %s: quantity must be > 0", r.Signal.Token)
	}
	return nil
}

// Performance 每次从已平仓记录整体重算。
type Performance struct {
	TotalTrades   int     `json:"total_trades"`
	ClosedTrades  int     `json:"closed_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	TotalProfit   float64 `json:"total_profit"`
	WinRate       float64 `json:"win_rate"`
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"`
	ProfitFactor  float64 `json:"profit_factor"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
}

// LedgerStatus is the summary exposed through getTradingStatus.
type LedgerStatus struct {
	Running       bool      `json:"running"`
	OpenPositions int       `json:"open_positions"`
	Pending       int       `json:"pending"`
	Closed        int       `json:"closed"`
	Failed        int       `json:"failed"`
	LastEvaluated time.Time `json:"last_evaluated,omitempty"`
}
