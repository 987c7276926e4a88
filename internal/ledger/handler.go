package ledger

import (
	"encoding/json"
	"fmt"

	"tokentrader/internal/logger"
)

// EventHandler handles one command type inside the actor goroutine.
type EventHandler interface {
	Type() EventType
	Handle(ctx *HandlerContext, payload []byte, traceID string) error
}

// HandlerContext 让 handler 访问 Ledger 内部状态并回填同步结果。
type HandlerContext struct {
	ledger *Ledger
	result any
}

func newHandlerContext(l *Ledger) *HandlerContext {
	return &HandlerContext{ledger: l}
}

func (c *HandlerContext) Ledger() *Ledger { return c.ledger }

// Reply sets the value returned to a SendSync caller.
func (c *HandlerContext) Reply(v any) { c.result = v }

type HandlerRegistry struct {
	handlers map[EventType]EventHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[EventType]EventHandler)}
}

// Register replaces any handler already bound to the same type.
func (r *HandlerRegistry) Register(h EventHandler) {
	if h == nil {
		return
	}
	r.handlers[h.Type()] = h
}

func (r *HandlerRegistry) Get(t EventType) (EventHandler, bool) {
	h, ok := r.handlers[t]
	return h, ok
}

func (r *HandlerRegistry) RegisterDefaultHandlers() {
	r.Register(&openHandler{})
	r.Register(&closeHandler{})
	r.Register(&evaluateExitsHandler{})
	r.Register(&emergencyCloseHandler{})
	r.Register(&priceUpdateHandler{})
	logger.Debugf("[ledger] registered %d event handlers", len(r.handlers))
}

type openHandler struct{}

func (h *openHandler) Type() EventType { return EvtOpen }

func (h *openHandler) Handle(ctx *HandlerContext, payload []byte, traceID string) error {
	var req OpenRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", EvtOpen, err)
	}
	pos, err := ctx.Ledger().applyOpen(req, traceID)
	if err != nil {
		return err
	}
	ctx.Reply(pos)
	return nil
}

type closeHandler struct{}

func (h *closeHandler) Type() EventType { return EvtClose }

func (h *closeHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p ClosePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", EvtClose, err)
	}
	pos, err := ctx.Ledger().applyClose(p.PositionID, p.Reason)
	if err != nil {
		return err
	}
	ctx.Reply(pos)
	return nil
}

type evaluateExitsHandler struct{}

func (h *evaluateExitsHandler) Type() EventType { return EvtEvaluateExits }

func (h *evaluateExitsHandler) Handle(ctx *HandlerContext, _ []byte, _ string) error {
	res, err := ctx.Ledger().applyEvaluateExits()
	ctx.Reply(res)
	return err
}

type emergencyCloseHandler struct{}

func (h *emergencyCloseHandler) Type() EventType { return EvtEmergencyCloseAll }

func (h *emergencyCloseHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p EmergencyPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", EvtEmergencyCloseAll, err)
	}
	ctx.Reply(ctx.Ledger().applyEmergencyCloseAll(p.Reason))
	return nil
}

type priceUpdateHandler struct{}

func (h *priceUpdateHandler) Type() EventType { return EvtPriceUpdate }

func (h *priceUpdateHandler) Handle(ctx *HandlerContext, payload []byte, _ string) error {
	var p PriceUpdatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid payload for %s: %w", EvtPriceUpdate, err)
	}
	ctx.Ledger().applyPriceUpdate(p.Prices)
	return nil
}
