package ledger

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tokentrader/internal/store"
)

// EventStore 只追加事实事件，Recover 时整体回放。
type EventStore interface {
	Append(evt EventEnvelope) error
	LoadAll() ([]EventEnvelope, error)
	Close() error
}

// FileEventStore writes one JSON envelope per line.
type FileEventStore struct {
	path string
	file *os.File
	mu   sync.Mutex
}

func NewFileEventStore(path string) (*FileEventStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create event log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return &FileEventStore{path: path, file: f}, nil
}

func (s *FileEventStore) Append(evt EventEnvelope) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	data = append(data, '\n')
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	return nil
}

func (s *FileEventStore) LoadAll() ([]EventEnvelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.file.Seek(0, 0); err != nil {
		return nil, fmt.Errorf("seek event log: %w", err)
	}
	defer s.file.Seek(0, 2) //nolint:errcheck

	var events []EventEnvelope
	scanner := bufio.NewScanner(s.file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var evt EventEnvelope
		if err := json.Unmarshal(raw, &evt); err != nil {
			return nil, fmt.Errorf("event log line %d: %w", line, err)
		}
		events = append(events, evt)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log: %w", err)
	}
	return events, nil
}

func (s *FileEventStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// RecordStore 是 gorm 存储中事件表与成交表的窄接口。
type RecordStore interface {
	AppendEvent(ctx context.Context, rec store.EventRecord) error
	LoadEvents(ctx context.Context, afterSeq int64, limit int) ([]store.EventRecord, error)
	UpsertTrade(ctx context.Context, rec store.TradeRecord) error
}

// DBEventStore 把事实事件写入数据库，同时维护一张 trades 表供查询。
type DBEventStore struct {
	db RecordStore
}

func NewDBEventStore(db RecordStore) *DBEventStore {
	return &DBEventStore{db: db}
}

func (s *DBEventStore) Append(evt EventEnvelope) error {
	if s.db == nil {
		return fmt.Errorf("db event store: database is nil")
	}
	ctx := context.Background()
	if err := s.db.AppendEvent(ctx, store.EventRecord{
		EventUUID: evt.ID,
		Type:      string(evt.Type),
		Token:     evt.Token,
		Payload:   []byte(evt.Payload),
		CreatedAt: evt.CreatedAt.UnixMilli(),
	}); err != nil {
		return err
	}
	var pos Position
	if err := json.Unmarshal(evt.Payload, &pos); err != nil || pos.ID == "" {
		return nil
	}
	return s.db.UpsertTrade(ctx, tradeRecordOf(pos, evt.Payload))
}

func (s *DBEventStore) LoadAll() ([]EventEnvelope, error) {
	if s.db == nil {
		return nil, fmt.Errorf("db event store: database is nil")
	}
	const page = 1000
	ctx := context.Background()
	var (
		out   []EventEnvelope
		after int64
	)
	for {
		recs, err := s.db.LoadEvents(ctx, after, page)
		if err != nil {
			return nil, fmt.Errorf("load events: %w", err)
		}
		for _, r := range recs {
			out = append(out, EventEnvelope{
				ID:        r.EventUUID,
				Type:      EventType(r.Type),
				Payload:   json.RawMessage(r.Payload),
				CreatedAt: store.FromMillis(r.CreatedAt),
				Token:     r.Token,
			})
			after = r.Seq
		}
		if len(recs) < page {
			return out, nil
		}
	}
}

// Close is a no-op; the database handle belongs to the app.
func (s *DBEventStore) Close() error { return nil }

func tradeRecordOf(pos Position, raw []byte) store.TradeRecord {
	rec := store.TradeRecord{
		ID:          pos.ID,
		Token:       pos.Token,
		Side:        string(pos.Side),
		Status:      string(pos.Status),
		Size:        pos.Size,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   pos.ExitPrice,
		RealizedPnL: pos.RealizedPnL,
		CloseReason: string(pos.CloseReason),
		OpenedAt:    pos.OpenedAt.UnixMilli(),
		Payload:     raw,
	}
	if pos.ClosedAt != nil {
		rec.ClosedAt = pos.ClosedAt.UnixMilli()
	}
	return rec
}
