package signal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tokentrader/internal/logger"
	"tokentrader/internal/pkg/circuit"
	"tokentrader/internal/pkg/text"
	"tokentrader/internal/types"

	"github.com/tidwall/gjson"
)

type HTTPConfig struct {
	Endpoint  string
	Timeframe string
	Timeout   time.Duration
	Breaker   *circuit.Breaker
	Client    *http.Client
	Clock     func() time.Time
}

// HTTPSource 轮询外部预测服务：GET {endpoint}?token=BTC&timeframe=1h。
// 响应可以是信号对象本身，也可以包在 "signal" / "data" 字段里；字段名兼容 camelCase 与 snake_case。
type HTTPSource struct {
	endpoint  *url.URL
	timeframe string
	breaker   *circuit.Breaker
	client    *http.Client
	now       func() time.Time
}

func NewHTTPSource(cfg HTTPConfig) (*HTTPSource, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("signal endpoint is required")
	}
	u, err := url.Parse(cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse signal endpoint: %w", err)
	}
	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &HTTPSource{endpoint: u, timeframe: cfg.Timeframe, breaker: cfg.Breaker, client: client, now: now}, nil
}

// Breaker 返回保护该信号源的熔断器，可能为 nil。
func (s *HTTPSource) Breaker() *circuit.Breaker { return s.breaker }

func (s *HTTPSource) Latest(ctx context.Context, token string) (*types.Signal, error) {
	token = types.NormalizeToken(token)
	var raw []byte
	fetch := func() error {
		body, err := s.fetch(ctx, token)
		if err != nil {
			return err
		}
		raw = body
		return nil
	}
	var err error
	if s.breaker != nil {
		err = s.breaker.Do(fetch)
	} else {
		err = fetch()
	}
	if err != nil {
		return nil, unavailable(token, err)
	}
	sig, ok, err := parseSignal(raw, token, s.now())
	if err != nil {
		logger.Warnf("[signal] discard malformed signal for %s: %v", token, err)
		return nil, unavailable(token, err)
	}
	if !ok {
		return nil, nil
	}
	return &sig, nil
}

func (s *HTTPSource) fetch(ctx context.Context, token string) ([]byte, error) {
	u := *s.endpoint
	q := u.Query()
	q.Set("token", token)
	if s.timeframe != "" {
		q.Set("timeframe", s.timeframe)
	}
	u.RawQuery = q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	switch {
	case resp.StatusCode == http.StatusNoContent || resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode >= 300:
		return nil, fmt.Errorf("status=%d body=%s", resp.StatusCode, text.Truncate(string(body), 200))
	}
	return body, nil
}

// parseSignal 返回 ok=false 表示响应里没有信号（空体、null、hold）。
func parseSignal(raw []byte, token string, now time.Time) (types.Signal, bool, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return types.Signal{}, false, nil
	}
	if !gjson.ValidBytes(raw) {
		return types.Signal{}, false, fmt.Errorf("invalid json: %s", text.Truncate(string(raw), 120))
	}
	root := gjson.ParseBytes(raw)
	for _, wrapper := range []string{"signal", "data"} {
		if inner := root.Get(wrapper); inner.Exists() {
			root = inner
			break
		}
	}
	if root.Type == gjson.Null || !root.IsObject() {
		return types.Signal{}, false, nil
	}
	actionRaw := strings.ToLower(strings.TrimSpace(pick(root, "action", "side").String()))
	switch actionRaw {
	case "", "hold", "none", "wait":
		return types.Signal{}, false, nil
	}
	action, err := types.ParseAction(actionRaw)
	if err != nil {
		return types.Signal{}, false, err
	}
	sig := types.Signal{
		Token:           types.NormalizeToken(pick(root, "token", "symbol").String()),
		Action:          action,
		CurrentPrice:    pick(root, "currentPrice", "current_price", "price").Float(),
		TargetPrice:     pick(root, "targetPrice", "target_price", "takeProfit", "take_profit").Float(),
		StopLoss:        pick(root, "stopLoss", "stop_loss").Float(),
		TrailingStopPct: pick(root, "trailingStopPct", "trailing_stop_pct").Float(),
		Confidence:      pick(root, "confidence").Float(),
		RiskLevel:       types.ParseRiskLevel(pick(root, "riskLevel", "risk_level").String()),
		Reason:          pick(root, "reason", "rationale").String(),
		Timestamp:       now.UTC(),
	}
	if ts := pick(root, "timestamp", "ts"); ts.Exists() {
		if ts.Type == gjson.Number {
			sig.Timestamp = time.UnixMilli(ts.Int()).UTC()
		} else if parsed, err := time.Parse(time.RFC3339, ts.String()); err == nil {
			sig.Timestamp = parsed.UTC()
		}
	}
	if sig.Token == "" {
		sig.Token = token
	}
	if sig.Token != token {
		return types.Signal{}, false, fmt.Errorf("signal token %s does not match request %s", sig.Token, token)
	}
	if err := sig.Validate(); err != nil {
		return types.Signal{}, false, err
	}
	return sig, true, nil
}

func pick(root gjson.Result, paths ...string) gjson.Result {
	for _, p := range paths {
		if v := root.Get(p); v.Exists() {
			return v
		}
	}
	return gjson.Result{}
}
