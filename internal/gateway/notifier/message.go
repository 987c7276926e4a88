package notifier

import (
	"strings"
	"time"
	"unicode/utf8"
)

// Telegram 单条上限 4096，留出页脚与截断标记的余量。
const maxStructuredMessageLen = 3800

type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

func (s Severity) icon() string {
	switch s {
	case SeverityCritical:
		return "🚨"
	case SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

// MessageSection 表示通知中的一个段落。
type MessageSection struct {
	Title string
	Lines []string
}

func Section(title string, lines ...string) MessageSection {
	return MessageSection{Title: title, Lines: lines}
}

// StructuredMessage 描述风控告警、紧急停止与回测结果的推送。
// Icon 为空时按 Severity 取默认图标；INFO 不在标题里标注级别。
type StructuredMessage struct {
	Severity  Severity
	Icon      string
	Title     string
	Sections  []MessageSection
	Footer    string
	Timestamp time.Time
}

func (m StructuredMessage) header() string {
	icon := strings.TrimSpace(m.Icon)
	if icon == "" && m.Severity != "" {
		icon = m.Severity.icon()
	}
	parts := make([]string, 0, 3)
	if icon != "" {
		parts = append(parts, icon)
	}
	if m.Severity == SeverityWarning || m.Severity == SeverityCritical {
		parts = append(parts, "*["+string(m.Severity)+"]*")
	}
	if title := strings.TrimSpace(m.Title); title != "" {
		parts = append(parts, escapeMarkdown(title))
	}
	return strings.Join(parts, " ")
}

// RenderMarkdown 输出 Telegram Markdown：段落放进代码块并按 "key: value" 对齐。
func (m StructuredMessage) RenderMarkdown() string {
	var b strings.Builder
	if h := m.header(); h != "" {
		b.WriteString(h)
		b.WriteString("\n\n")
	}
	b.WriteString(renderSections(m.Sections))
	if footer := strings.TrimSpace(m.Footer); footer != "" {
		b.WriteString("_" + escapeMarkdown(footer) + "_\n")
	}
	if !m.Timestamp.IsZero() {
		b.WriteString(m.Timestamp.UTC().Format("2006-01-02 15:04:05") + " UTC")
	}
	return truncateRunes(strings.TrimSpace(b.String()), maxStructuredMessageLen)
}

func renderSections(secs []MessageSection) string {
	var blocks []string
	for _, sec := range secs {
		lines := nonEmpty(sec.Lines)
		if len(lines) == 0 {
			continue
		}
		var b strings.Builder
		if title := strings.TrimSpace(sec.Title); title != "" {
			b.WriteString(strings.ToUpper(unfence(title)))
			b.WriteString("\n")
		}
		for _, line := range alignPairs(lines) {
			b.WriteString("  ")
			b.WriteString(unfence(line))
			b.WriteString("\n")
		}
		blocks = append(blocks, b.String())
	}
	if len(blocks) == 0 {
		return ""
	}
	return "```\n" + strings.Join(blocks, "\n") + "```\n\n"
}

// alignPairs 把同一段里 "key: value" 形式的行按最长 key 补齐。
func alignPairs(lines []string) []string {
	width := 0
	for _, line := range lines {
		if k, _, ok := strings.Cut(line, ": "); ok {
			if n := utf8.RuneCountInString(k); n > width {
				width = n
			}
		}
	}
	out := make([]string, len(lines))
	for i, line := range lines {
		k, v, ok := strings.Cut(line, ": ")
		if !ok {
			out[i] = line
			continue
		}
		out[i] = k + ":" + strings.Repeat(" ", width-utf8.RuneCountInString(k)+1) + v
	}
	return out
}

func nonEmpty(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if text := strings.TrimSpace(line); text != "" {
			out = append(out, text)
		}
	}
	return out
}

func unfence(s string) string {
	return strings.ReplaceAll(s, "```", "'''")
}

var markdownEscaper = strings.NewReplacer("_", "\\_", "*", "\\*", "`", "\\`", "[", "\\[")

func escapeMarkdown(s string) string {
	return markdownEscaper.Replace(s)
}

// truncateRunes 按字符截断，避免把中文切成非法 UTF-8。
func truncateRunes(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit]) + "..."
}
