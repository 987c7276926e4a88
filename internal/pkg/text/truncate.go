package text

// Truncate 按 rune 截断，超出部分以 "..." 结尾，用于日志与错误里的响应体摘要。
func Truncate(s string, max int) string {
	if max <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}
