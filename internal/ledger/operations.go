package ledger

import (
	"context"
	"errors"
	"fmt"

	"tokentrader/internal/logger"
	"tokentrader/internal/market"
	"tokentrader/internal/types"

	"github.com/google/uuid"
)

func (l *Ledger) applyOpen(req OpenRequest, traceID string) (Position, error) {
	if err := req.validate(); err != nil {
		return Position{}, err
	}
	sig := req.Signal
	sig.Token = types.NormalizeToken(sig.Token)
	if id, busy := l.state.openByToken[sig.Token]; busy {
		return Position{}, fmt.Errorf("%w: %s (position %s)", ErrTokenBusy, sig.Token, id)
	}

	pos := &Position{
		ID:              uuid.NewString(),
		Token:           sig.Token,
		Side:            sig.Action,
		Signal:          sig,
		Status:          StatusPending,
		Transitions:     []Status{StatusPending},
		Size:            req.Quantity,
		StopLoss:        firstPositive(req.StopLoss, sig.StopLoss),
		TakeProfit:      firstPositive(req.TakeProfit, sig.TargetPrice),
		TrailingStopPct: firstPositive(req.TrailingStopPct, sig.TrailingStopPct),
		OpenedAt:        l.now().UTC(),
	}
	l.state.positions[pos.ID] = pos
	l.state.order = append(l.state.order, pos.ID)

	ctx, cancel := context.WithTimeout(context.Background(), l.execTimeout)
	defer cancel()
	fill, err := l.executor.Execute(ctx, Order{
		ClientID: traceID,
		Token:    pos.Token,
		Side:     pos.Side,
		Quantity: req.Quantity,
		Price:    sig.CurrentPrice,
	})
	if err != nil {
		pos.FailureReason = err.Error()
		if terr := pos.transition(StatusFailed); terr != nil {
			return pos.clone(), terr
		}
		logger.Warnf("[ledger] open %s %s failed: %v", pos.Side, pos.Token, err)
		l.persist(EvtPositionFailed, pos)
		return pos.clone(), nil
	}

	next := StatusExecuted
	if fill.Simulated {
		next = StatusSimulated
	}
	if err := pos.transition(next); err != nil {
		return pos.clone(), err
	}
	pos.OrderID = fill.OrderID
	pos.EntryPrice = fill.Price
	if fill.Quantity > 0 {
		pos.Size = fill.Quantity
	}
	pos.TrailingStopPrice = trailingStopFor(pos.Side, pos.EntryPrice, pos.TrailingStopPct)
	pos.mark(fill.Price)
	l.state.openByToken[pos.Token] = pos.ID
	l.state.opened++
	logger.Infof("[ledger] opened %s %s size=%.6f entry=%.6f sl=%.6f tp=%.6f (%s)",
		pos.Side, pos.Token, pos.Size, pos.EntryPrice, pos.StopLoss, pos.TakeProfit, pos.Status)
	l.persist(EvtPositionOpened, pos)
	return pos.clone(), nil
}

func (l *Ledger) applyClose(id string, reason CloseReason) (Position, error) {
	pos, ok := l.state.positions[id]
	if !ok || !pos.IsOpen() {
		status := Status("unknown")
		if ok {
			status = pos.Status
		}
		return Position{}, fmt.Errorf("%w: close %s: position is %s, not open", ErrInvariant, id, status)
	}
	price, err := l.fetchPrice(pos.Token)
	if err != nil {
		return pos.clone(), err
	}
	if reason == "" {
		reason = ReasonManual
	}
	if err := l.closeAt(pos, price, reason); err != nil {
		return pos.clone(), err
	}
	return pos.clone(), nil
}

// closeAt 以 market price 发出反向单；执行失败时仓位保持打开。
func (l *Ledger) closeAt(pos *Position, price float64, reason CloseReason) error {
	ctx, cancel := context.WithTimeout(context.Background(), l.execTimeout)
	defer cancel()
	fill, err := l.executor.Execute(ctx, Order{
		ClientID: pos.ID + "-close",
		Token:    pos.Token,
		Side:     pos.Side.Opposite(),
		Quantity: pos.Size,
		Price:    price,
	})
	if err != nil {
		return fmt.Errorf("close %s %s: execution failed: %w", pos.Token, pos.ID, err)
	}
	if err := pos.transition(StatusClosed); err != nil {
		return err
	}
	closedAt := l.now().UTC()
	pos.ExitPrice = fill.Price
	pos.CurrentPrice = fill.Price
	pos.RealizedPnL = pnlFor(pos.Side, pos.EntryPrice, fill.Price, pos.Size)
	pos.UnrealizedPnL = 0
	pos.CloseReason = reason
	pos.ClosedAt = &closedAt
	delete(l.state.openByToken, pos.Token)
	l.state.realized = append(l.state.realized, pos.RealizedPnL)
	logger.Infof("[ledger] closed %s %s reason=%s exit=%.6f pnl=%.4f", pos.Side, pos.Token, reason, pos.ExitPrice, pos.RealizedPnL)
	l.persist(EvtPositionClosed, pos)
	return nil
}

func (l *Ledger) applyEvaluateExits() (EvaluateResult, error) {
	var (
		res  EvaluateResult
		errs []error
	)
	l.state.lastEval = l.now().UTC()
	for _, id := range l.state.openIDs() {
		pos := l.state.positions[id]
		price, err := l.fetchPrice(pos.Token)
		if err != nil {
			logger.Warnf("[ledger] exit check skipped for %s: %v", pos.Token, err)
			res.Skipped = append(res.Skipped, pos.Token)
			continue
		}
		pos.mark(price)
		if ratchetTrailing(pos, price) {
			logger.Debugf("[ledger] trailing stop %s -> %.6f", pos.Token, pos.TrailingStopPrice)
			l.persist(EvtStopRatcheted, pos)
		}
		reason, hit := exitTrigger(*pos, price)
		if !hit {
			continue
		}
		if err := l.closeAt(pos, price, reason); err != nil {
			errs = append(errs, err)
			continue
		}
		res.Closed = append(res.Closed, pos.clone())
	}
	return res, errors.Join(errs...)
}

func (l *Ledger) applyEmergencyCloseAll(reason string) int {
	logger.Warnf("[ledger] emergency close all: %s", reason)
	closed := 0
	for _, id := range l.state.openIDs() {
		pos := l.state.positions[id]
		price, err := l.fetchPrice(pos.Token)
		if err != nil {
			price = firstPositive(pos.CurrentPrice, pos.EntryPrice)
			logger.Warnf("[ledger] emergency close %s uses last mark %.6f: %v", pos.Token, price, err)
		}
		if err := l.closeAt(pos, price, ReasonEmergency); err != nil {
			logger.Errorf("[ledger] emergency close %s failed: %v", pos.Token, err)
			continue
		}
		closed++
	}
	for _, id := range l.state.order {
		pos := l.state.positions[id]
		if pos.Status != StatusPending {
			continue
		}
		pos.FailureReason = "cleared by emergency close: " + reason
		if err := pos.transition(StatusFailed); err == nil {
			l.persist(EvtPositionFailed, pos)
		}
	}
	return closed
}

func (l *Ledger) applyPriceUpdate(prices map[string]float64) {
	for token, price := range prices {
		id, ok := l.state.openByToken[types.NormalizeToken(token)]
		if !ok {
			continue
		}
		l.state.positions[id].mark(price)
	}
}

func (l *Ledger) fetchPrice(token string) (float64, error) {
	if l.oracle == nil {
		return 0, fmt.Errorf("%w: no price oracle configured", market.ErrDataUnavailable)
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.execTimeout)
	defer cancel()
	price, err := l.oracle.CurrentPrice(ctx, token)
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("%w: %s price %.8f", market.ErrDataUnavailable, token, price)
	}
	return price, nil
}

func (l *Ledger) persist(typ EventType, pos *Position) {
	if l.store == nil {
		return
	}
	evt, err := newEnvelope(typ, pos.Token, pos.clone())
	if err != nil {
		logger.Errorf("[ledger] encode %s failed: %v", typ, err)
		return
	}
	evt.CreatedAt = l.now().UTC()
	if err := l.store.Append(evt); err != nil {
		logger.Errorf("[ledger] failed to persist event %s: %v", typ, err)
	}
}

func firstPositive(vals ...float64) float64 {
	for _, v := range vals {
		if v > 0 {
			return v
		}
	}
	return 0
}
