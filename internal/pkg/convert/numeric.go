// Package convert 处理外部 JSON / YAML 里类型不固定的数值。
package convert

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Float64 尝试把 v 转成 float64；ok=false 表示类型不支持或解析失败。
func Float64(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case uint64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		s := strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(t), "%"))
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		if strings.HasSuffix(strings.TrimSpace(t), "%") {
			f /= 100
		}
		return f, true
	}
	return 0, false
}

// ToFloat64 is Float64 with failures mapped to 0.
func ToFloat64(v any) float64 {
	f, _ := Float64(v)
	return f
}
