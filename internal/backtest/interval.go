package backtest

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"tokentrader/internal/types"
)

// Interval 描述回放使用的 bar 周期；Source 为交易所侧 interval 名称。
type Interval struct {
	Key    string
	Step   time.Duration
	Source string
}

var intervals = map[string]Interval{
	"5m":  {Key: "5m", Step: 5 * time.Minute, Source: "5m"},
	"15m": {Key: "15m", Step: 15 * time.Minute, Source: "15m"},
	"1h":  {Key: "1h", Step: time.Hour, Source: "1h"},
	"4h":  {Key: "4h", Step: 4 * time.Hour, Source: "4h"},
	"1d":  {Key: "1d", Step: 24 * time.Hour, Source: "1d"},
	"7d":  {Key: "7d", Step: 7 * 24 * time.Hour, Source: "1w"},
}

func ParseInterval(raw string) (Interval, error) {
	key := strings.ToLower(strings.TrimSpace(raw))
	iv, ok := intervals[key]
	if !ok {
		return Interval{}, fmt.Errorf("不支持的周期: %s (可选 %s)", raw, strings.Join(SupportedIntervals(), ","))
	}
	return iv, nil
}

func SupportedIntervals() []string {
	keys := make([]string, 0, len(intervals))
	for k := range intervals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Align 把区间两端向下对齐到周期网格。
func (iv Interval) Align(r types.DateRange) types.DateRange {
	out := r
	if !r.Start.IsZero() {
		out.Start = r.Start.UTC().Truncate(iv.Step)
	}
	if !r.End.IsZero() {
		out.End = r.End.UTC().Truncate(iv.Step)
	}
	return out
}

// Expected 返回闭区间内应有的 bar 数量；开区间返回 -1。
func (iv Interval) Expected(r types.DateRange) int {
	if r.Start.IsZero() || r.End.IsZero() || iv.Step <= 0 {
		return -1
	}
	a := iv.Align(r)
	if a.End.Before(a.Start) {
		return 0
	}
	return int(a.End.Sub(a.Start)/iv.Step) + 1
}
