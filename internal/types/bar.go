package types

import "time"

// Bar 是一根历史 K 线；Sentiment 取值 [0,1]，无数据时为 0。
type Bar struct {
	Time      time.Time `json:"time"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Sentiment float64   `json:"sentiment,omitempty"`
}

// DateRange is inclusive on both ends.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r DateRange) Contains(t time.Time) bool {
	if !r.Start.IsZero() && t.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && t.After(r.End) {
		return false
	}
	return true
}

func (r DateRange) Valid() bool {
	return r.Start.IsZero() || r.End.IsZero() || !r.End.Before(r.Start)
}

// FilterBars 返回落在区间内的 bar，保持原有顺序。
func FilterBars(bars []Bar, r DateRange) []Bar {
	out := make([]Bar, 0, len(bars))
	for _, b := range bars {
		if r.Contains(b.Time) {
			out = append(out, b)
		}
	}
	return out
}

// Closes extracts the close series.
func Closes(bars []Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}
