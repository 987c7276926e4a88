// Package sizing 把 RiskGate 的建议比例换算成下单数量，并补齐默认止损止盈。
package sizing

import (
	"fmt"

	"tokentrader/internal/ledger"
	"tokentrader/internal/market"
	"tokentrader/internal/risk"
	"tokentrader/internal/types"

	"github.com/shopspring/decimal"
)

// Advisor is the slice of risk.Gate the sizer depends on.
type Advisor interface {
	SuggestSize(sig types.Signal, portfolioValueUSD float64) float64
	Limits() risk.Limits
}

// Sizing 是一次定仓结果；Fraction 为占组合比例。
type Sizing struct {
	Fraction float64 `json:"fraction"`
	ValueUSD float64 `json:"value_usd"`
	Quantity float64 `json:"quantity"`
}

type Sizer struct {
	advisor Advisor
}

func New(advisor Advisor) *Sizer {
	return &Sizer{advisor: advisor}
}

// Size converts the suggested fraction into a USD value and a token quantity.
func (s *Sizer) Size(sig types.Signal, portfolioValueUSD float64) (Sizing, error) {
	if sig.CurrentPrice <= 0 {
		return Sizing{}, fmt.Errorf("%w: %s price %.8f", market.ErrDataUnavailable, sig.Token, sig.CurrentPrice)
	}
	if portfolioValueUSD <= 0 {
		return Sizing{}, nil
	}
	frac := s.advisor.SuggestSize(sig, portfolioValueUSD)
	if maxFrac := s.advisor.Limits().MaxPositionSizePct; frac > maxFrac {
		frac = maxFrac
	}
	if frac <= 0 {
		return Sizing{}, nil
	}
	value := decimal.NewFromFloat(portfolioValueUSD).Mul(decimal.NewFromFloat(frac))
	qty := value.Div(decimal.NewFromFloat(sig.CurrentPrice))
	v, _ := value.Float64()
	q, _ := qty.Float64()
	return Sizing{Fraction: frac, ValueUSD: v, Quantity: q}, nil
}

// OpenRequest 生成 ledger 下单请求；信号缺少止损/止盈时按 RiskLimits 推导。
func (s *Sizer) OpenRequest(sig types.Signal, sz Sizing) ledger.OpenRequest {
	stop, target := DefaultExits(sig, s.advisor.Limits())
	return ledger.OpenRequest{
		Signal:          sig,
		Quantity:        sz.Quantity,
		StopLoss:        stop,
		TakeProfit:      target,
		TrailingStopPct: sig.TrailingStopPct,
	}
}

// DefaultExits keeps explicit signal levels and fills the missing ones:
// stop = price·(1∓stopLossPct), target = price·(1±takeProfitPct).
func DefaultExits(sig types.Signal, l risk.Limits) (stop, target float64) {
	price := decimal.NewFromFloat(sig.CurrentPrice)
	one := decimal.NewFromInt(1)
	sl := decimal.NewFromFloat(l.StopLossPct)
	tp := decimal.NewFromFloat(l.TakeProfitPct)

	stop, target = sig.StopLoss, sig.TargetPrice
	if stop <= 0 && l.StopLossPct > 0 {
		f := one.Sub(sl)
		if sig.Action == types.ActionSell {
			f = one.Add(sl)
		}
		stop, _ = price.Mul(f).Float64()
	}
	if target <= 0 && l.TakeProfitPct > 0 {
		f := one.Add(tp)
		if sig.Action == types.ActionSell {
			f = one.Sub(tp)
		}
		target, _ = price.Mul(f).Float64()
	}
	return stop, target
}
