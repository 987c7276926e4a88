package types

import (
	"fmt"
	"strings"
	"time"
)

// Action 是信号方向。
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// ParseAction 解析 buy/sell（大小写不敏感），未知值返回错误。
func ParseAction(raw string) (Action, error) {
	switch Action(strings.ToLower(strings.TrimSpace(raw))) {
	case ActionBuy:
		return ActionBuy, nil
	case ActionSell:
		return ActionSell, nil
	default:
		return "", fmt.Errorf("unknown action %q", raw)
	}
}

// Opposite returns the action that flattens a position opened with a.
func (a Action) Opposite() Action {
	if a == ActionSell {
		return ActionBuy
	}
	return ActionSell
}

func (a Action) Valid() bool {
	return a == ActionBuy || a == ActionSell
}

// RiskLevel 是信号自带的风险档位。
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// ParseRiskLevel falls back to medium for empty or unknown input.
func ParseRiskLevel(raw string) RiskLevel {
	switch RiskLevel(strings.ToLower(strings.TrimSpace(raw))) {
	case RiskLow:
		return RiskLow
	case RiskHigh:
		return RiskHigh
	default:
		return RiskMedium
	}
}

// Signal 由外部预测组件产出，发出后不可修改。
// StopLoss / TargetPrice / TrailingStopPct 为 0 表示未设置。
type Signal struct {
	Token           string    `json:"token"`
	Action          Action    `json:"action"`
	CurrentPrice    float64   `json:"current_price"`
	TargetPrice     float64   `json:"target_price,omitempty"`
	StopLoss        float64   `json:"stop_loss,omitempty"`
	TrailingStopPct float64   `json:"trailing_stop_pct,omitempty"`
	Confidence      float64   `json:"confidence"`
	RiskLevel       RiskLevel `json:"risk_level"`
	Reason          string    `json:"reason,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Validate rejects structurally unusable signals.
func (s Signal) Validate() error {
	if strings.TrimSpace(s.Token) == "" {
		return fmt.Errorf("signal token is required")
	}
	if !s.Action.Valid() {
		return fmt.Errorf("signal %s: unknown action %q", s.Token, s.Action)
	}
	if s.CurrentPrice <= 0 {
		return fmt.Errorf("signal %s: current price must be > 0", s.Token)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("signal %s: confidence %.4f outside [0,1]", s.Token, s.Confidence)
	}
	if s.TrailingStopPct < 0 || s.TrailingStopPct >= 1 {
		return fmt.Errorf("signal %s: trailing stop pct %.4f outside [0,1)", s.Token, s.TrailingStopPct)
	}
	return nil
}

// HasStopLoss reports whether the signal carries an explicit stop.
func (s Signal) HasStopLoss() bool {
	return s.StopLoss > 0
}

// StopDistancePct 返回 |price-stop|/price，无止损时为 0。
func (s Signal) StopDistancePct() float64 {
	if !s.HasStopLoss() || s.CurrentPrice <= 0 {
		return 0
	}
	d := (s.CurrentPrice - s.StopLoss) / s.CurrentPrice
	if d < 0 {
		d = -d
	}
	return d
}

// NormalizeToken 统一 token 写法（去空格、大写）。
func NormalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}
