package backtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"tokentrader/internal/logger"
	"tokentrader/internal/market"
	"tokentrader/internal/types"

	"golang.org/x/time/rate"
	_ "modernc.org/sqlite"
)

// BarStoreConfig 配置 BarStore。
type BarStoreConfig struct {
	Root           string
	Interval       Interval
	Upstream       market.BarSource
	RequestsPerSec float64
	Burst          int
}

// BarStore 是按 token@interval 分库的本地 K 线缓存；区间不完整时限流回源拉取并写回。
type BarStore struct {
	root     string
	interval Interval
	upstream market.BarSource
	limiter  *rate.Limiter

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewBarStore(cfg BarStoreConfig) (*BarStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("data root 不能为空")
	}
	if cfg.Interval.Step <= 0 {
		return nil, fmt.Errorf("bar interval 不能为空")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, err
	}
	rps := rate.Limit(cfg.RequestsPerSec)
	if cfg.RequestsPerSec <= 0 {
		rps = 2
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &BarStore{
		root:     cfg.Root,
		interval: cfg.Interval,
		upstream: cfg.Upstream,
		limiter:  rate.NewLimiter(rps, burst),
		dbs:      make(map[string]*sql.DB),
	}, nil
}

func (s *BarStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for k, db := range s.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.dbs, k)
	}
	return firstErr
}

// HistoricalBars 优先读本地；本地覆盖不足且配置了上游时回源并落库。
func (s *BarStore) HistoricalBars(ctx context.Context, token string, r types.DateRange) ([]types.Bar, error) {
	token = types.NormalizeToken(token)
	local, err := s.Load(ctx, token, r)
	if err != nil {
		return nil, err
	}
	if s.complete(local, r) || s.upstream == nil {
		if len(local) == 0 {
			return nil, fmt.Errorf("%w: no stored bars for %s", market.ErrDataUnavailable, token)
		}
		return local, nil
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	fetched, err := s.upstream.HistoricalBars(ctx, token, r)
	if err != nil {
		if len(local) > 0 {
			logger.Warnf("[backtest] upstream bars for %s failed, using %d local bars: %v", token, len(local), err)
			return local, nil
		}
		return nil, err
	}
	if _, err := s.Save(ctx, token, fetched); err != nil {
		logger.Warnf("[backtest] persist bars for %s failed: %v", token, err)
	}
	return types.FilterBars(fetched, r), nil
}

func (s *BarStore) complete(bars []types.Bar, r types.DateRange) bool {
	want := s.interval.Expected(r)
	if want < 0 {
		return len(bars) > 0
	}
	return len(bars) >= want
}

// Save 批量写入 bar（重复 open_time 覆盖）。
func (s *BarStore) Save(ctx context.Context, token string, bars []types.Bar) (int, error) {
	if len(bars) == 0 {
		return 0, nil
	}
	db, err := s.db(token)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO bars (open_time, open, high, low, close, volume, sentiment)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
		    open=excluded.open,
		    high=excluded.high,
		    low=excluded.low,
		    close=excluded.close,
		    volume=excluded.volume,
		    sentiment=excluded.sentiment`)
	if err != nil {
		_ = tx.Rollback()
		return 0, err
	}
	defer stmt.Close()
	for _, b := range bars {
		if _, err := stmt.ExecContext(ctx, b.Time.UnixMilli(), b.Open, b.High, b.Low, b.Close, b.Volume, b.Sentiment); err != nil {
			_ = tx.Rollback()
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(bars), nil
}

// Load 读取区间内的本地 bar，按时间升序。
func (s *BarStore) Load(ctx context.Context, token string, r types.DateRange) ([]types.Bar, error) {
	db, err := s.db(token)
	if err != nil {
		return nil, err
	}
	start, end := int64(0), int64(1<<62)
	if !r.Start.IsZero() {
		start = r.Start.UnixMilli()
	}
	if !r.End.IsZero() {
		end = r.End.UnixMilli()
	}
	rows, err := db.QueryContext(ctx, `
		SELECT open_time, open, high, low, close, volume, sentiment
		FROM bars WHERE open_time BETWEEN ? AND ?
		ORDER BY open_time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []types.Bar
	for rows.Next() {
		var b types.Bar
		var ts int64
		if err := rows.Scan(&ts, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.Sentiment); err != nil {
			return nil, err
		}
		b.Time = time.UnixMilli(ts).UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *BarStore) db(token string) (*sql.DB, error) {
	if token == "" {
		return nil, fmt.Errorf("token 不能为空")
	}
	key := strings.ToUpper(token) + "@" + s.interval.Key
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[key]; ok {
		return db, nil
	}
	path := filepath.Join(s.root, strings.ToUpper(token), s.interval.Key+".db")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS bars (
			open_time INTEGER PRIMARY KEY,
			open      REAL NOT NULL,
			high      REAL NOT NULL,
			low       REAL NOT NULL,
			close     REAL NOT NULL,
			volume    REAL NOT NULL,
			sentiment REAL NOT NULL DEFAULT 0,
			inserted_at INTEGER NOT NULL DEFAULT (strftime('%s','now') * 1000)
		);`); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.dbs[key] = db
	return db, nil
}
