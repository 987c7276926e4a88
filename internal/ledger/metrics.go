package ledger

import "math"

// computePerformance 基于已实现盈亏重算绩效；Sharpe 为简化版 mean/std。
func computePerformance(opened int, realized []float64) Performance {
	perf := Performance{TotalTrades: opened, ClosedTrades: len(realized)}
	var grossWin, grossLoss float64
	for _, pnl := range realized {
		perf.TotalProfit += pnl
		switch {
		case pnl > 0:
			perf.WinningTrades++
			grossWin += pnl
		case pnl < 0:
			perf.LosingTrades++
			grossLoss += -pnl
		}
	}
	if perf.ClosedTrades > 0 {
		perf.WinRate = float64(perf.WinningTrades) / float64(perf.ClosedTrades)
	}
	if perf.WinningTrades > 0 {
		perf.AvgWin = grossWin / float64(perf.WinningTrades)
	}
	if perf.LosingTrades > 0 {
		perf.AvgLoss = grossLoss / float64(perf.LosingTrades)
	}
	if grossLoss > 0 {
		perf.ProfitFactor = grossWin / grossLoss
	}
	perf.SharpeRatio = SharpeRatio(realized)
	return perf
}

// SharpeRatio returns mean/std (population) of xs, or 0 when undefined.
func SharpeRatio(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mean, std := MeanStd(xs)
	if std == 0 {
		return 0
	}
	return mean / std
}

func MeanStd(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	var ss float64
	for _, x := range xs {
		ss += (x - mean) * (x - mean)
	}
	return mean, math.Sqrt(ss / float64(len(xs)))
}
