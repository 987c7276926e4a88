package ledger

import (
	"encoding/json"
	"fmt"

	"tokentrader/internal/logger"
)

// Recover 从 EventStore 回放事实事件重建内存状态，必须在 Start 之前调用。
func (l *Ledger) Recover() error {
	if l.running.Load() {
		return fmt.Errorf("%w: recover called on a running ledger", ErrInvariant)
	}
	l.state = newState()
	defer l.refreshSnapshot()
	if l.store == nil {
		return nil
	}
	events, err := l.store.LoadAll()
	if err != nil {
		return fmt.Errorf("load ledger events: %w", err)
	}
	applied := 0
	for _, evt := range events {
		if !evt.Type.IsFact() {
			continue
		}
		var pos Position
		if err := json.Unmarshal(evt.Payload, &pos); err != nil {
			logger.Warnf("[ledger] skip undecodable event %s: %v", evt.ID, err)
			continue
		}
		if err := l.state.replay(evt.Type, pos); err != nil {
			return err
		}
		applied++
	}
	logger.Infof("[ledger] recovered %d events, %d open positions", applied, len(l.state.openByToken))
	return nil
}

func (s *state) replay(typ EventType, pos Position) error {
	if pos.ID == "" {
		return fmt.Errorf("%w: %s event without position id", ErrInvariant, typ)
	}
	prev, known := s.positions[pos.ID]
	if known && prev.Status == StatusClosed && pos.Status != StatusClosed {
		return fmt.Errorf("%w: replay would reopen closed position %s", ErrInvariant, pos.ID)
	}
	cp := pos.clone()
	s.positions[pos.ID] = &cp
	if !known {
		s.order = append(s.order, pos.ID)
	}
	switch typ {
	case EvtPositionOpened:
		s.openByToken[pos.Token] = pos.ID
		s.opened++
	case EvtPositionClosed:
		delete(s.openByToken, pos.Token)
		s.realized = append(s.realized, pos.RealizedPnL)
	}
	return nil
}
