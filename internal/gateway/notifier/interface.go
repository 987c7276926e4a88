package notifier

// TextNotifier 是最小的文本推送接口，风控告警与回测完成通知都依赖它。
type TextNotifier interface {
	SendText(text string) error
}

// Nop discards every message; used when no channel is configured.
type Nop struct{}

func (Nop) SendText(string) error { return nil }
