package backtest

import (
	talib "github.com/markcheno/go-talib"
)

// computeMetrics 基于成交列表与逐 bar 权益收益率整体重算绩效。
func computeMetrics(st *State, initialCapital, finalEquity float64) Metrics {
	m := Metrics{TotalTrades: len(st.Trades), MaxDrawdown: st.MaxDrawdown}
	if initialCapital > 0 {
		m.TotalReturn = (finalEquity - initialCapital) / initialCapital
	}
	var grossWin, grossLoss float64
	for _, t := range st.Trades {
		switch {
		case t.PnL > 0:
			m.WinningTrades++
			grossWin += t.PnL
		case t.PnL < 0:
			m.LosingTrades++
			grossLoss -= t.PnL
		}
	}
	if m.TotalTrades > 0 {
		m.WinRate = float64(m.WinningTrades) / float64(m.TotalTrades)
	}
	if m.WinningTrades > 0 {
		m.AvgWin = grossWin / float64(m.WinningTrades)
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = grossLoss / float64(m.LosingTrades)
	}
	if denom := m.AvgLoss * float64(m.LosingTrades); denom > 0 {
		m.ProfitFactor = m.AvgWin * float64(m.WinningTrades) / denom
	}

	returns := periodReturns(st.Equity, initialCapital)
	m.Volatility = stdDev(returns)
	if m.Volatility > 0 {
		m.SharpeRatio = mean(returns) / m.Volatility
	}
	return m
}

func periodReturns(curve []EquityPoint, start float64) []float64 {
	out := make([]float64, 0, len(curve))
	prev := start
	for _, p := range curve {
		if prev > 0 {
			out = append(out, (p.Equity-prev)/prev)
		}
		prev = p.Equity
	}
	return out
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var s float64
	for _, x := range xs {
		s += x
	}
	return s / float64(len(xs))
}

// stdDev 是整段序列的总体标准差（talib 以全长为窗口）。
func stdDev(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	out := talib.StdDev(xs, len(xs), 1)
	return out[len(out)-1]
}
