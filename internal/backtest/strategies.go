package backtest

import (
	"fmt"
	"math"

	"tokentrader/internal/types"

	talib "github.com/markcheno/go-talib"
)

const maxConfidence = 0.95

// Momentum 比较 lookback 根之前的收盘价，方向跟随涨跌。
type Momentum struct{}

func (Momentum) ID() string { return "momentum" }

func (Momentum) Description() string {
	return "price change over a lookback window, gated by volume"
}

func (Momentum) Defaults() Params {
	return Params{"lookback_period": 10.0, "min_volume": 0.0, "min_price_change": 0.02}
}

func (Momentum) Schema() string {
	return `{
  "type": "object",
  "properties": {
    "lookback_period": {"type": "number", "minimum": 1},
    "min_volume": {"type": "number", "minimum": 0},
    "min_price_change": {"type": "number", "minimum": 0, "maximum": 1}
  },
  "required": ["lookback_period", "min_volume", "min_price_change"],
  "additionalProperties": false
}`
}

func (Momentum) Evaluate(history []types.Bar, bar types.Bar, _ *State, p Params) *Signal {
	lookback := p.Int("lookback_period")
	if lookback <= 0 || len(history) <= lookback {
		return nil
	}
	past := history[len(history)-1-lookback].Close
	if past <= 0 || bar.Volume < p.Float("min_volume") {
		return nil
	}
	change := (bar.Close - past) / past
	if math.Abs(change) < p.Float("min_price_change") {
		return nil
	}
	action := types.ActionBuy
	if change < 0 {
		action = types.ActionSell
	}
	return &Signal{
		Action:     action,
		Confidence: math.Min(math.Abs(change)*2, maxConfidence),
		Reason:     fmt.Sprintf("%d-bar change %.2f%%", lookback, change*100),
	}
}

// MeanReversion 用 14 周期 RSI：超卖买入，超买卖出。
type MeanReversion struct{}

func (MeanReversion) ID() string { return "mean_reversion" }

func (MeanReversion) Description() string {
	return "RSI oversold/overbought reversal"
}

func (MeanReversion) Defaults() Params {
	return Params{"rsi_period": 14.0, "oversold": 30.0, "overbought": 70.0}
}

func (MeanReversion) Schema() string {
	return `{
  "type": "object",
  "properties": {
    "rsi_period": {"type": "number", "minimum": 2, "maximum": 100},
    "oversold": {"type": "number", "exclusiveMinimum": 0, "exclusiveMaximum": 50},
    "overbought": {"type": "number", "exclusiveMinimum": 50, "exclusiveMaximum": 100}
  },
  "required": ["rsi_period", "oversold", "overbought"],
  "additionalProperties": false
}`
}

func (MeanReversion) Evaluate(history []types.Bar, _ types.Bar, _ *State, p Params) *Signal {
	period := p.Int("rsi_period")
	if period < 2 || len(history) < period+1 {
		return nil
	}
	closes := types.Closes(history[len(history)-period-1:])
	if flat(closes) {
		return nil
	}
	series := talib.Rsi(closes, period)
	rsi := series[len(series)-1]
	if math.IsNaN(rsi) {
		return nil
	}
	oversold, overbought := p.Float("oversold"), p.Float("overbought")
	switch {
	case rsi < oversold:
		return &Signal{
			Action:     types.ActionBuy,
			Confidence: math.Min(0.5+(oversold-rsi)/oversold, maxConfidence),
			Reason:     fmt.Sprintf("RSI %.1f below %.0f", rsi, oversold),
		}
	case rsi > overbought:
		return &Signal{
			Action:     types.ActionSell,
			Confidence: math.Min(0.5+(rsi-overbought)/(100-overbought), maxConfidence),
			Reason:     fmt.Sprintf("RSI %.1f above %.0f", rsi, overbought),
		}
	}
	return nil
}

func flat(xs []float64) bool {
	for _, x := range xs[1:] {
		if x != xs[0] {
			return false
		}
	}
	return true
}

// Sentiment 只做多：情绪与成交量同时达标。
type Sentiment struct{}

func (Sentiment) ID() string { return "sentiment" }

func (Sentiment) Description() string {
	return "buy on strong bar sentiment with sufficient volume"
}

func (Sentiment) Defaults() Params {
	return Params{"sentiment_threshold": 0.7, "volume_threshold": 0.0}
}

func (Sentiment) Schema() string {
	return `{
  "type": "object",
  "properties": {
    "sentiment_threshold": {"type": "number", "minimum": 0, "maximum": 1},
    "volume_threshold": {"type": "number", "minimum": 0}
  },
  "required": ["sentiment_threshold", "volume_threshold"],
  "additionalProperties": false
}`
}

func (Sentiment) Evaluate(_ []types.Bar, bar types.Bar, _ *State, p Params) *Signal {
	if bar.Sentiment < p.Float("sentiment_threshold") || bar.Volume < p.Float("volume_threshold") {
		return nil
	}
	return &Signal{
		Action:     types.ActionBuy,
		Confidence: math.Min(bar.Sentiment, maxConfidence),
		Reason:     fmt.Sprintf("sentiment %.2f", bar.Sentiment),
	}
}

// Pattern 在最近 window 根 bar 内识别双底。
type Pattern struct{}

const patternConfidence = 0.7

func (Pattern) ID() string { return "pattern" }

func (Pattern) Description() string {
	return "double bottom over the trailing window"
}

func (Pattern) Defaults() Params {
	return Params{"window": 20.0, "tolerance": 0.02, "min_target_return": 0.05}
}

func (Pattern) Schema() string {
	return `{
  "type": "object",
  "properties": {
    "window": {"type": "number", "minimum": 10, "maximum": 500},
    "tolerance": {"type": "number", "exclusiveMinimum": 0, "maximum": 0.2},
    "min_target_return": {"type": "number", "minimum": 0}
  },
  "required": ["window", "tolerance", "min_target_return"],
  "additionalProperties": false
}`
}

func (Pattern) Evaluate(history []types.Bar, bar types.Bar, _ *State, p Params) *Signal {
	window := p.Int("window")
	if window <= 0 || len(history) < window || bar.Close <= 0 {
		return nil
	}
	db, ok := findDoubleBottom(history[len(history)-window:], p.Float("tolerance"))
	if !ok {
		return nil
	}
	target := db.neckline + (db.neckline - db.bottom)
	ret := (target - bar.Close) / bar.Close
	if ret < p.Float("min_target_return") {
		return nil
	}
	return &Signal{
		Action:     types.ActionBuy,
		Confidence: patternConfidence,
		Reason:     fmt.Sprintf("double bottom near %.4f, neckline %.4f", db.bottom, db.neckline),
		StopLoss:   db.bottom,
		TakeProfit: target,
	}
}

type doubleBottom struct {
	bottom   float64
	neckline float64
}

// findDoubleBottom 找两个最低点（相隔至少 3 根、深度差在 tolerance 内），
// 且两者之间存在更高的峰。
func findDoubleBottom(bars []types.Bar, tolerance float64) (doubleBottom, bool) {
	if len(bars) < 5 {
		return doubleBottom{}, false
	}
	lows := make([]float64, len(bars))
	for i, b := range bars {
		lows[i] = b.Low
		if lows[i] <= 0 {
			lows[i] = b.Close
		}
	}
	min1, idx1 := minWithIndex(lows)
	masked := append([]float64(nil), lows...)
	for i := idx1 - 2; i <= idx1+2; i++ {
		if i >= 0 && i < len(masked) {
			masked[i] = math.MaxFloat64
		}
	}
	min2, idx2 := minWithIndex(masked)
	if idx2 < 0 || min1 <= 0 {
		return doubleBottom{}, false
	}
	if math.Abs(min1-min2)/min1 > tolerance {
		return doubleBottom{}, false
	}
	lo, hi := idx1, idx2
	if lo > hi {
		lo, hi = hi, lo
	}
	if hi-lo < 3 {
		return doubleBottom{}, false
	}
	peak := 0.0
	for _, b := range bars[lo+1 : hi] {
		high := b.High
		if high <= 0 {
			high = b.Close
		}
		if high > peak {
			peak = high
		}
	}
	deeper := math.Max(min1, min2)
	if peak <= deeper*(1+tolerance) {
		return doubleBottom{}, false
	}
	return doubleBottom{bottom: math.Min(min1, min2), neckline: peak}, true
}

func minWithIndex(xs []float64) (float64, int) {
	idx := -1
	m := math.MaxFloat64
	for i, x := range xs {
		if x < m {
			m = x
			idx = i
		}
	}
	if m == math.MaxFloat64 {
		return 0, -1
	}
	return m, idx
}
