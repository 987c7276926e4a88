package market

import (
	"context"
	"sort"
	"sync"

	"tokentrader/internal/types"
)

const defaultShardCount = 16

// CachedBars 缓存 HistoricalBars 的结果，按 token 分片加锁；
// 回测对比会并发请求同一 token 的同一区间，避免重复打到交易所。
type CachedBars struct {
	inner  BarSource
	shards []barShard
}

type barShard struct {
	mu   sync.RWMutex
	data map[string][]types.Bar
}

func NewCachedBars(inner BarSource) *CachedBars {
	c := &CachedBars{inner: inner, shards: make([]barShard, defaultShardCount)}
	for i := range c.shards {
		c.shards[i] = barShard{data: make(map[string][]types.Bar)}
	}
	return c
}

func (c *CachedBars) shardFor(key string) *barShard {
	return &c.shards[hashKey(key)%uint32(len(c.shards))]
}

// HistoricalBars serves from cache when a stored series covers the range.
func (c *CachedBars) HistoricalBars(ctx context.Context, token string, r types.DateRange) ([]types.Bar, error) {
	token = types.NormalizeToken(token)
	sh := c.shardFor(token)
	sh.mu.RLock()
	cur := sh.data[token]
	sh.mu.RUnlock()
	if covers(cur, r) {
		return types.FilterBars(cur, r), nil
	}
	bars, err := c.inner.HistoricalBars(ctx, token, r)
	if err != nil {
		return nil, err
	}
	c.Put(token, bars)
	return types.FilterBars(bars, r), nil
}

// Put merges bars into the cached series, replacing duplicates by time.
func (c *CachedBars) Put(token string, bars []types.Bar) {
	if len(bars) == 0 {
		return
	}
	token = types.NormalizeToken(token)
	sh := c.shardFor(token)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	byTime := make(map[int64]types.Bar, len(sh.data[token])+len(bars))
	for _, b := range sh.data[token] {
		byTime[b.Time.UnixMilli()] = b
	}
	for _, b := range bars {
		byTime[b.Time.UnixMilli()] = b
	}
	merged := make([]types.Bar, 0, len(byTime))
	for _, b := range byTime {
		merged = append(merged, b)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Time.Before(merged[j].Time) })
	sh.data[token] = merged
}

func covers(bars []types.Bar, r types.DateRange) bool {
	if len(bars) == 0 {
		return false
	}
	if !r.Start.IsZero() && bars[0].Time.After(r.Start) {
		return false
	}
	if !r.End.IsZero() && bars[len(bars)-1].Time.Before(r.End) {
		return false
	}
	return true
}

func hashKey(s string) uint32 {
	const (
		offset32 = 2166136261
		prime32  = 16777619
	)
	var h uint32 = offset32
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime32
	}
	return h
}
