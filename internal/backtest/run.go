package backtest

import (
	"time"

	"tokentrader/internal/types"
)

// RunStatus 是单次回测的状态机：INITIALIZED → REPLAYING → COMPLETED，加载失败进入 FAILED。
type RunStatus string

const (
	StatusInitialized RunStatus = "INITIALIZED"
	StatusReplaying   RunStatus = "REPLAYING"
	StatusCompleted   RunStatus = "COMPLETED"
	StatusFailed      RunStatus = "FAILED"
)

const (
	minConfidence   = 0.5
	buyCashFraction = 0.10
)

// RunRequest 描述一次回测。Params 覆盖策略默认阈值。
type RunRequest struct {
	StrategyID     string          `json:"strategy_id"`
	Token          string          `json:"token"`
	Range          types.DateRange `json:"range"`
	InitialCapital float64         `json:"initial_capital"`
	Params         map[string]any  `json:"params,omitempty"`
}

// Signal 是策略在单根 bar 上的输出；nil 表示不操作。
type Signal struct {
	Action     types.Action `json:"action"`
	Confidence float64      `json:"confidence"`
	Reason     string       `json:"reason"`
	StopLoss   float64      `json:"stop_loss,omitempty"`
	TakeProfit float64      `json:"take_profit,omitempty"`
}

// OpenPosition is the single long position a run may hold.
// StopLoss/TakeProfit 仅记录开仓信号给出的价位，回放只按 sell 信号或区间结束平仓。
type OpenPosition struct {
	EntryTime  time.Time `json:"entry_time"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	Reason     string    `json:"reason"`
}

func (p *OpenPosition) valueAt(price float64) float64 {
	if p == nil {
		return 0
	}
	return p.Quantity * price
}

type Trade struct {
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Quantity   float64   `json:"quantity"`
	PnL        float64   `json:"pnl"`
	ReturnPct  float64   `json:"return_pct"`
	StopLoss   float64   `json:"stop_loss,omitempty"`
	TakeProfit float64   `json:"take_profit,omitempty"`
	Reason     string    `json:"reason"`
}

type EquityPoint struct {
	Time     time.Time `json:"time"`
	Equity   float64   `json:"equity"`
	Drawdown float64   `json:"drawdown"`
}

// State 是单次回测私有的可变状态，策略可读不应写。
type State struct {
	Cash        float64
	Position    *OpenPosition
	Trades      []Trade
	Equity      []EquityPoint
	Peak        float64
	MaxDrawdown float64
}

func newState(capital float64) *State {
	return &State{Cash: capital, Peak: capital}
}

// HasPosition reports whether a long is currently open.
func (s *State) HasPosition() bool { return s != nil && s.Position != nil }

// Metrics 从成交列表与权益曲线整体重算。
type Metrics struct {
	TotalReturn   float64 `json:"total_return"`
	TotalTrades   int     `json:"total_trades"`
	WinningTrades int     `json:"winning_trades"`
	LosingTrades  int     `json:"losing_trades"`
	WinRate       float64 `json:"win_rate"`
	AvgWin        float64 `json:"avg_win"`
	AvgLoss       float64 `json:"avg_loss"`
	ProfitFactor  float64 `json:"profit_factor"`
	MaxDrawdown   float64 `json:"max_drawdown"`
	SharpeRatio   float64 `json:"sharpe_ratio"`
	Volatility    float64 `json:"volatility"`
}

type Result struct {
	ID             string          `json:"id"`
	StrategyID     string          `json:"strategy_id"`
	Token          string          `json:"token"`
	Status         RunStatus       `json:"status"`
	Range          types.DateRange `json:"range"`
	InitialCapital float64         `json:"initial_capital"`
	FinalEquity    float64         `json:"final_equity"`
	Params         Params          `json:"params,omitempty"`
	Bars           int             `json:"bars"`
	Metrics        Metrics         `json:"metrics"`
	Trades         []Trade         `json:"trades"`
	Equity         []EquityPoint   `json:"equity,omitempty"`
	OpenAtEnd      *OpenPosition   `json:"open_at_end,omitempty"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"started_at"`
	CompletedAt    time.Time       `json:"completed_at"`
}

// Comparison 是多策略对比结果，按 TotalReturn 降序，失败项排在最后。
type Comparison struct {
	Token   string          `json:"token"`
	Range   types.DateRange `json:"range"`
	Results []Result        `json:"results"`
}
