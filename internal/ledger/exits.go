package ledger

import (
	"math"

	"tokentrader/internal/types"

	"github.com/shopspring/decimal"
)

var (
	decOne     = decimal.NewFromInt(1)
	decimalEps = decimal.NewFromFloat(1e-8)
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decimal.Zero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

func decimalLTE(a, b float64) bool { return decFromFloat(a).Cmp(decFromFloat(b)) <= 0 }
func decimalGTE(a, b float64) bool { return decFromFloat(a).Cmp(decFromFloat(b)) >= 0 }

// pnlFor 计算 (exit-entry)·size，空头取反。
func pnlFor(side types.Action, entry, exit, size float64) float64 {
	diff := decFromFloat(exit).Sub(decFromFloat(entry)).Mul(decFromFloat(size))
	if side == types.ActionSell {
		diff = diff.Neg()
	}
	return decToFloat(diff)
}

// hitStopLoss: 多头 price<=stop，空头 price>=stop。
func hitStopLoss(side types.Action, price, stop float64) bool {
	if stop <= 0 || price <= 0 {
		return false
	}
	if side == types.ActionSell {
		return decimalGTE(price, stop)
	}
	return decimalLTE(price, stop)
}

func hitTakeProfit(side types.Action, price, target float64) bool {
	if target <= 0 || price <= 0 {
		return false
	}
	if side == types.ActionSell {
		return decimalLTE(price, target)
	}
	return decimalGTE(price, target)
}

// trailingStopFor returns anchor·(1-pct) for longs and anchor·(1+pct) for shorts.
func trailingStopFor(side types.Action, anchor, pct float64) float64 {
	if anchor <= 0 || pct <= 0 {
		return 0
	}
	factor := decOne.Sub(decFromFloat(pct))
	if side == types.ActionSell {
		factor = decOne.Add(decFromFloat(pct))
	}
	return decToFloat(decFromFloat(anchor).Mul(factor))
}

// shouldRatchet 只允许止损朝有利方向移动。
func shouldRatchet(side types.Action, candidate, current float64) bool {
	if candidate <= 0 {
		return false
	}
	if current <= 0 {
		return true
	}
	cand := decFromFloat(candidate)
	curr := decFromFloat(current)
	if side == types.ActionSell {
		return cand.Cmp(curr.Sub(decimalEps)) < 0
	}
	return cand.Cmp(curr.Add(decimalEps)) > 0
}

// ratchetTrailing moves the trailing stop toward price and reports whether it changed.
func ratchetTrailing(p *Position, price float64) bool {
	if p.TrailingStopPct <= 0 {
		return false
	}
	candidate := trailingStopFor(p.Side, price, p.TrailingStopPct)
	if !shouldRatchet(p.Side, candidate, p.TrailingStopPrice) {
		return false
	}
	p.TrailingStopPrice = candidate
	return true
}

// exitTrigger 按优先级 stop_loss → take_profit → trailing_stop 返回第一个命中的原因。
func exitTrigger(p Position, price float64) (CloseReason, bool) {
	switch {
	case hitStopLoss(p.Side, price, p.StopLoss):
		return ReasonStopLoss, true
	case hitTakeProfit(p.Side, price, p.TakeProfit):
		return ReasonTakeProfit, true
	case p.TrailingStopPct > 0 && hitStopLoss(p.Side, price, p.TrailingStopPrice):
		return ReasonTrailingStop, true
	}
	return "", false
}
