package binance

import (
	"strings"
	"time"
)

// Config 对应 market.* 配置段中 binance 相关字段。
type Config struct {
	RESTBaseURL       string
	APIKey            string
	APISecret         string
	QuoteAsset        string
	Interval          string
	HTTPTimeout       time.Duration
	RequestsPerSecond float64
}

func (c *Config) withDefaults() Config {
	out := *c
	out.RESTBaseURL = strings.TrimRight(strings.TrimSpace(out.RESTBaseURL), "/")
	if out.RESTBaseURL == "" {
		out.RESTBaseURL = "https://api.binance.com"
	}
	out.QuoteAsset = strings.ToUpper(strings.TrimSpace(out.QuoteAsset))
	if out.QuoteAsset == "" {
		out.QuoteAsset = "USDT"
	}
	out.Interval = strings.TrimSpace(out.Interval)
	if out.Interval == "" {
		out.Interval = "1h"
	}
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 15 * time.Second
	}
	if out.RequestsPerSecond <= 0 {
		out.RequestsPerSecond = 5
	}
	return out
}
