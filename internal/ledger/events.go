package ledger

import (
	"encoding/json"
	"time"

	"tokentrader/internal/types"

	"github.com/google/uuid"
)

// EventType 定义事件类型
type EventType string

const (
	// Commands，由调用方经 SendSync 投递
	EvtOpen              EventType = "OPEN"
	EvtClose             EventType = "CLOSE"
	EvtEvaluateExits     EventType = "EVALUATE_EXITS"
	EvtEmergencyCloseAll EventType = "EMERGENCY_CLOSE_ALL"
	EvtPriceUpdate       EventType = "PRICE_UPDATE"

	// Domain facts, persisted for replay
	EvtPositionOpened EventType = "POSITION_OPENED"
	EvtPositionFailed EventType = "POSITION_FAILED"
	EvtStopRatcheted  EventType = "STOP_RATCHETED"
	EvtPositionClosed EventType = "POSITION_CLOSED"
)

// IsFact reports whether events of this type are written to the EventStore.
func (t EventType) IsFact() bool {
	switch t {
	case EvtPositionOpened, EvtPositionFailed, EvtStopRatcheted, EvtPositionClosed:
		return true
	}
	return false
}

// Reply 是同步调用的返回值。
type Reply struct {
	Value any
	Err   error
}

// EventEnvelope 是 Actor 接收的标准消息信封
type EventEnvelope struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	Token     string          `json:"token,omitempty"`

	// ReplyCh 用于同步等待处理结果 (可选)
	ReplyCh chan Reply `json:"-"`
}

func newEnvelope(typ EventType, token string, payload any) (EventEnvelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return EventEnvelope{}, err
	}
	return EventEnvelope{
		ID:        uuid.NewString(),
		Type:      typ,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
		Token:     types.NormalizeToken(token),
	}, nil
}

type ClosePayload struct {
	PositionID string      `json:"position_id"`
	Reason     CloseReason `json:"reason"`
}

type EmergencyPayload struct {
	Reason string `json:"reason"`
}

type PriceUpdatePayload struct {
	Prices map[string]float64 `json:"prices"`
}

// EvaluateResult 汇总一次出场评估。
type EvaluateResult struct {
	Closed  []Position `json:"closed"`
	Skipped []string   `json:"skipped,omitempty"`
}
