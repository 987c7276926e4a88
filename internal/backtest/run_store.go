package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"tokentrader/internal/types"

	_ "modernc.org/sqlite"
)

// ErrRunNotFound 表示 runs.db 中没有该 run。
var ErrRunNotFound = errors.New("backtest run not found")

// ResultStore 管理 backtest_runs/trades/equity 三张表。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

func (s *ResultStore) Path() string { return s.path }

func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			strategy_id TEXT NOT NULL,
			token TEXT NOT NULL,
			status TEXT NOT NULL,
			start_ts INTEGER NOT NULL DEFAULT 0,
			end_ts INTEGER NOT NULL DEFAULT 0,
			initial_capital REAL NOT NULL,
			final_equity REAL NOT NULL DEFAULT 0,
			bars INTEGER NOT NULL DEFAULT 0,
			total_return REAL NOT NULL DEFAULT 0,
			max_drawdown REAL NOT NULL DEFAULT 0,
			params_json TEXT,
			metrics_json TEXT,
			open_json TEXT,
			error TEXT,
			started_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_trades (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			entry_ts INTEGER NOT NULL,
			exit_ts INTEGER NOT NULL,
			entry_price REAL NOT NULL,
			exit_price REAL NOT NULL,
			quantity REAL NOT NULL,
			pnl REAL NOT NULL,
			return_pct REAL NOT NULL,
			stop_loss REAL NOT NULL DEFAULT 0,
			take_profit REAL NOT NULL DEFAULT 0,
			reason TEXT,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_equity (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			drawdown REAL NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trades_run ON backtest_trades(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_equity_run ON backtest_equity(run_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveResult 以单个事务覆盖写入 run 及其成交与权益曲线。
func (s *ResultStore) SaveResult(ctx context.Context, res Result) error {
	if res.ID == "" {
		return fmt.Errorf("run id 不能为空")
	}
	paramsJSON, err := json.Marshal(res.Params)
	if err != nil {
		return err
	}
	metricsJSON, err := json.Marshal(res.Metrics)
	if err != nil {
		return err
	}
	var openJSON interface{}
	if res.OpenAtEnd != nil {
		raw, err := json.Marshal(res.OpenAtEnd)
		if err != nil {
			return err
		}
		openJSON = string(raw)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("result store closed")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, strategy_id, token, status, start_ts, end_ts, initial_capital, final_equity, bars,
			 total_return, max_drawdown, params_json, metrics_json, open_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status, final_equity=excluded.final_equity, bars=excluded.bars,
			total_return=excluded.total_return, max_drawdown=excluded.max_drawdown,
			params_json=excluded.params_json, metrics_json=excluded.metrics_json,
			open_json=excluded.open_json, error=excluded.error, completed_at=excluded.completed_at`,
		res.ID, res.StrategyID, res.Token, string(res.Status), nullableTime(res.Range.Start), nullableTime(res.Range.End),
		res.InitialCapital, res.FinalEquity, res.Bars, res.Metrics.TotalReturn, res.Metrics.MaxDrawdown,
		string(paramsJSON), string(metricsJSON), openJSON, res.Error,
		res.StartedAt.UnixMilli(), nullableTime(res.CompletedAt)); err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM backtest_trades WHERE run_id=?`, res.ID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM backtest_equity WHERE run_id=?`, res.ID); err != nil {
		return err
	}
	for _, t := range res.Trades {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO backtest_trades
				(run_id, entry_ts, exit_ts, entry_price, exit_price, quantity, pnl, return_pct, stop_loss, take_profit, reason)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			res.ID, t.EntryTime.UnixMilli(), t.ExitTime.UnixMilli(), t.EntryPrice, t.ExitPrice,
			t.Quantity, t.PnL, t.ReturnPct, t.StopLoss, t.TakeProfit, t.Reason); err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
	}
	if len(res.Equity) > 0 {
		stmt, err := tx.PrepareContext(ctx, `INSERT INTO backtest_equity (run_id, ts, equity, drawdown) VALUES (?, ?, ?, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, p := range res.Equity {
			if _, err := stmt.ExecContext(ctx, res.ID, p.Time.UnixMilli(), p.Equity, p.Drawdown); err != nil {
				return fmt.Errorf("insert equity: %w", err)
			}
		}
	}
	return tx.Commit()
}

// GetResult 读取完整 run（含成交与权益曲线）。
func (s *ResultStore) GetResult(ctx context.Context, id string) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Result{}, fmt.Errorf("result store closed")
	}
	row := s.db.QueryRowContext(ctx, selectRunSQL+` WHERE id=?`, id)
	res, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Result{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	if err != nil {
		return Result{}, err
	}
	if res.Trades, err = s.listTrades(ctx, id); err != nil {
		return Result{}, err
	}
	if res.Equity, err = s.listEquity(ctx, id); err != nil {
		return Result{}, err
	}
	return res, nil
}

// ListResults 返回最近的 run 摘要，不带成交与曲线。
func (s *ResultStore) ListResults(ctx context.Context, limit int) ([]Result, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("result store closed")
	}
	rows, err := s.db.QueryContext(ctx, selectRunSQL+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Result
	for rows.Next() {
		res, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, res)
	}
	return list, rows.Err()
}

func (s *ResultStore) listTrades(ctx context.Context, runID string) ([]Trade, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_ts, exit_ts, entry_price, exit_price, quantity, pnl, return_pct, stop_loss, take_profit, reason
		FROM backtest_trades WHERE run_id=? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Trade
	for rows.Next() {
		var t Trade
		var entry, exit int64
		var reason sql.NullString
		if err := rows.Scan(&entry, &exit, &t.EntryPrice, &t.ExitPrice, &t.Quantity, &t.PnL, &t.ReturnPct, &t.StopLoss, &t.TakeProfit, &reason); err != nil {
			return nil, err
		}
		t.EntryTime = timeFromMillis(entry)
		t.ExitTime = timeFromMillis(exit)
		t.Reason = reason.String
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *ResultStore) listEquity(ctx context.Context, runID string) ([]EquityPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, equity, drawdown FROM backtest_equity WHERE run_id=? ORDER BY ts ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EquityPoint
	for rows.Next() {
		var p EquityPoint
		var ts int64
		if err := rows.Scan(&ts, &p.Equity, &p.Drawdown); err != nil {
			return nil, err
		}
		p.Time = timeFromMillis(ts)
		out = append(out, p)
	}
	return out, rows.Err()
}

const selectRunSQL = `
	SELECT id, strategy_id, token, status, start_ts, end_ts, initial_capital, final_equity, bars,
	       params_json, metrics_json, open_json, error, started_at, completed_at
	FROM backtest_runs`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(row scanner) (Result, error) {
	var res Result
	var status string
	var startTS, endTS, startedAt int64
	var completedAt sql.NullInt64
	var paramsStr, metricsStr, openStr, errStr sql.NullString
	if err := row.Scan(&res.ID, &res.StrategyID, &res.Token, &status, &startTS, &endTS,
		&res.InitialCapital, &res.FinalEquity, &res.Bars, &paramsStr, &metricsStr, &openStr,
		&errStr, &startedAt, &completedAt); err != nil {
		return Result{}, err
	}
	res.Status = RunStatus(status)
	res.Range = types.DateRange{Start: timeFromMillis(startTS), End: timeFromMillis(endTS)}
	res.Error = errStr.String
	res.StartedAt = timeFromMillis(startedAt)
	if completedAt.Valid {
		res.CompletedAt = timeFromMillis(completedAt.Int64)
	}
	if paramsStr.Valid && paramsStr.String != "" && paramsStr.String != "null" {
		if err := json.Unmarshal([]byte(paramsStr.String), &res.Params); err != nil {
			return Result{}, err
		}
	}
	if metricsStr.Valid && metricsStr.String != "" {
		if err := json.Unmarshal([]byte(metricsStr.String), &res.Metrics); err != nil {
			return Result{}, err
		}
	}
	if openStr.Valid && openStr.String != "" {
		var open OpenPosition
		if err := json.Unmarshal([]byte(openStr.String), &open); err != nil {
			return Result{}, err
		}
		res.OpenAtEnd = &open
	}
	return res, nil
}

func nullableTime(t time.Time) interface{} {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
