// Package signal 提供实时循环消费的交易信号来源。
package signal

import (
	"context"
	"fmt"
	"sync"
	"time"

	"tokentrader/internal/config"
	"tokentrader/internal/market"
	"tokentrader/internal/pkg/circuit"
	"tokentrader/internal/types"
)

// Source 按 token 返回最新信号；(nil, nil) 表示当前无信号。
// 上游异常统一包装为 market.ErrDataUnavailable，调用方跳过该 token 即可。
type Source interface {
	Latest(ctx context.Context, token string) (*types.Signal, error)
}

// None never produces a signal.
type None struct{}

func (None) Latest(context.Context, string) (*types.Signal, error) { return nil, nil }

// Static 返回预置信号，每条信号只消费一次。
type Static struct {
	mu      sync.Mutex
	pending map[string]types.Signal
}

func NewStatic() *Static {
	return &Static{pending: make(map[string]types.Signal)}
}

func (s *Static) Push(sig types.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig.Token = types.NormalizeToken(sig.Token)
	s.pending[sig.Token] = sig
}

func (s *Static) Latest(_ context.Context, token string) (*types.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tok := types.NormalizeToken(token)
	sig, ok := s.pending[tok]
	if !ok {
		return nil, nil
	}
	delete(s.pending, tok)
	return &sig, nil
}

// FromConfig 按 signals.provider 构造信号源。
func FromConfig(cfg config.SignalsConfig) (Source, error) {
	switch cfg.Provider {
	case "", "none":
		return None{}, nil
	case "static":
		return NewStatic(), nil
	case "http":
		breaker := circuit.New("signal-http", cfg.BreakerThreshold, time.Duration(cfg.BreakerCooldownSeconds)*time.Second)
		return NewHTTPSource(HTTPConfig{
			Endpoint:  cfg.Endpoint,
			Timeframe: cfg.Timeframe,
			Timeout:   time.Duration(cfg.TimeoutSeconds) * time.Second,
			Breaker:   breaker,
		})
	}
	return nil, fmt.Errorf("%w: unknown signal provider %q", config.ErrConfiguration, cfg.Provider)
}

func unavailable(token string, err error) error {
	return fmt.Errorf("%w: signal for %s: %v", market.ErrDataUnavailable, token, err)
}
