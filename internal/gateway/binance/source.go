package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"tokentrader/internal/logger"
	"tokentrader/internal/market"
	"tokentrader/internal/pkg/symbol"
	"tokentrader/internal/types"

	gobinance "github.com/adshao/go-binance/v2"
	"golang.org/x/time/rate"
)

const maxKlineLimit = 1000

// Stats 是对外暴露的数据源健康度，供 /api/status 展示。
type Stats struct {
	Requests  int64     `json:"requests"`
	Errors    int64     `json:"errors"`
	LastError string    `json:"last_error,omitempty"`
	LastErrAt time.Time `json:"last_error_at,omitempty"`
}

// Source 基于 go-binance 现货 REST 实现 market.Feed（最新价 + 历史 K 线）。
type Source struct {
	cfg     Config
	client  *gobinance.Client
	limiter *rate.Limiter
	now     func() time.Time

	statsMu sync.Mutex
	stats   Stats
}

func New(cfg Config) *Source {
	final := cfg.withDefaults()
	client := gobinance.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Source{
		cfg:     final,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(final.RequestsPerSecond), 1),
		now:     time.Now,
	}
}

func (s *Source) pair(token string) (string, error) {
	p := symbol.Of(token, s.cfg.QuoteAsset).Exchange()
	if p == "" {
		return "", fmt.Errorf("invalid token %q", token)
	}
	return p, nil
}

func (s *Source) CurrentPrice(ctx context.Context, token string) (float64, error) {
	pair, err := s.pair(token)
	if err != nil {
		return 0, err
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return 0, err
	}
	prices, err := s.client.NewListPricesService().Symbol(pair).Do(ctx)
	s.record(err)
	if err != nil {
		return 0, fmt.Errorf("binance price %s: %w", pair, err)
	}
	for _, p := range prices {
		if p != nil && strings.EqualFold(p.Symbol, pair) {
			v := parseFloat(p.Price)
			if v <= 0 {
				return 0, fmt.Errorf("%w: binance returned price %q for %s", market.ErrDataUnavailable, p.Price, pair)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("%w: no binance price for %s", market.ErrDataUnavailable, pair)
}

// HistoricalBars 分页拉取区间内已收盘的 K 线；开放区间时返回最近一页。
func (s *Source) HistoricalBars(ctx context.Context, token string, r types.DateRange) ([]types.Bar, error) {
	pair, err := s.pair(token)
	if err != nil {
		return nil, err
	}
	var out []types.Bar
	cursor := int64(0)
	if !r.Start.IsZero() {
		cursor = r.Start.UnixMilli()
	}
	for {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		svc := s.client.NewKlinesService().Symbol(pair).Interval(s.cfg.Interval).Limit(maxKlineLimit)
		if cursor > 0 {
			svc = svc.StartTime(cursor)
		}
		if !r.End.IsZero() {
			svc = svc.EndTime(r.End.UnixMilli())
		}
		kls, err := svc.Do(ctx)
		s.record(err)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s: %w", pair, err)
		}
		nowMs := s.now().UnixMilli()
		for _, kl := range kls {
			if kl == nil || kl.CloseTime > nowMs {
				continue
			}
			out = append(out, types.Bar{
				Time:   time.UnixMilli(kl.OpenTime).UTC(),
				Open:   parseFloat(kl.Open),
				High:   parseFloat(kl.High),
				Low:    parseFloat(kl.Low),
				Close:  parseFloat(kl.Close),
				Volume: parseFloat(kl.Volume),
			})
		}
		if len(kls) < maxKlineLimit || cursor == 0 {
			break
		}
		next := kls[len(kls)-1].CloseTime + 1
		if next <= cursor || (!r.End.IsZero() && next > r.End.UnixMilli()) {
			break
		}
		cursor = next
	}
	logger.Debugf("[binance] %s %s bars=%d", pair, s.cfg.Interval, len(out))
	return types.FilterBars(out, r), nil
}

func (s *Source) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

func (s *Source) record(err error) {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	s.stats.Requests++
	if err != nil {
		s.stats.Errors++
		s.stats.LastError = err.Error()
		s.stats.LastErrAt = s.now().UTC()
	}
}

func parseFloat(v string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(v), 64)
	return f
}
