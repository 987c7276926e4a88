package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"tokentrader/internal/risk"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// --------------------- Event Log ----------------------

func (s *Store) AppendEvent(ctx context.Context, evt EventRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	model := eventLogModel{
		EventID:       evt.EventUUID,
		Type:          evt.Type,
		Token:         strings.ToUpper(strings.TrimSpace(evt.Token)),
		Payload:       datatypes.JSON(evt.Payload),
		CreatedAtUnix: evt.CreatedAt,
	}
	return s.db.WithContext(ctx).Create(&model).Error
}

// LoadEvents 按自增序号分页读取，afterSeq 为上一页最后一条的 Seq。
func (s *Store) LoadEvents(ctx context.Context, afterSeq int64, limit int) ([]EventRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	var models []eventLogModel
	err := s.db.WithContext(ctx).
		Where("id > ?", afterSeq).
		Order("id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	out := make([]EventRecord, 0, len(models))
	for _, m := range models {
		out = append(out, EventRecord{
			Seq:       m.ID,
			EventUUID: m.EventID,
			Type:      m.Type,
			Token:     m.Token,
			Payload:   []byte(m.Payload),
			CreatedAt: m.CreatedAtUnix,
		})
	}
	return out, nil
}

// --------------------- Trades ----------------------

func (s *Store) UpsertTrade(ctx context.Context, rec TradeRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	model := tradeModel{
		ID:            rec.ID,
		Token:         rec.Token,
		Side:          rec.Side,
		Status:        rec.Status,
		Size:          rec.Size,
		EntryPrice:    rec.EntryPrice,
		ExitPrice:     rec.ExitPrice,
		RealizedPnL:   rec.RealizedPnL,
		CloseReason:   rec.CloseReason,
		OpenedAtUnix:  rec.OpenedAt,
		ClosedAtUnix:  rec.ClosedAt,
		Payload:       datatypes.JSON(rec.Payload),
		UpdatedAtUnix: time.Now().UnixMilli(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"status", "size", "entry_price", "exit_price", "realized_pnl",
			"close_reason", "closed_at", "payload", "updated_at",
		}),
	}).Create(&model).Error
}

// ListTrades returns the newest trades first; token filters when non-empty.
func (s *Store) ListTrades(ctx context.Context, token string, limit int) ([]TradeRecord, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	q := s.db.WithContext(ctx).Order("opened_at DESC").Limit(limit)
	if token = strings.ToUpper(strings.TrimSpace(token)); token != "" {
		q = q.Where("token = ?", token)
	}
	var models []tradeModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]TradeRecord, 0, len(models))
	for _, m := range models {
		out = append(out, TradeRecord{
			ID:          m.ID,
			Token:       m.Token,
			Side:        m.Side,
			Status:      m.Status,
			Size:        m.Size,
			EntryPrice:  m.EntryPrice,
			ExitPrice:   m.ExitPrice,
			RealizedPnL: m.RealizedPnL,
			CloseReason: m.CloseReason,
			OpenedAt:    m.OpenedAtUnix,
			ClosedAt:    m.ClosedAtUnix,
			Payload:     []byte(m.Payload),
		})
	}
	return out, nil
}

// --------------------- Risk Alerts ----------------------

var _ risk.AlertSink = (*Store)(nil)

func (s *Store) AppendAlert(ctx context.Context, a risk.Alert) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Create(&alertModel{
		ID:            a.ID,
		Level:         string(a.Level),
		Type:          a.Type,
		Message:       a.Message,
		Value:         a.Value,
		Limit:         a.Limit,
		Acknowledged:  a.Acknowledged,
		CreatedAtUnix: a.Timestamp.UnixMilli(),
	}).Error
}

func (s *Store) AckAlert(ctx context.Context, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Model(&alertModel{}).Where("id = ?", id).Update("acknowledged", true)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (s *Store) ListAlerts(ctx context.Context, limit int) ([]risk.Alert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	var models []alertModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]risk.Alert, 0, len(models))
	for _, m := range models {
		out = append(out, risk.Alert{
			ID:           m.ID,
			Timestamp:    FromMillis(m.CreatedAtUnix),
			Level:        risk.Level(m.Level),
			Type:         m.Type,
			Message:      m.Message,
			Value:        m.Value,
			Limit:        m.Limit,
			Acknowledged: m.Acknowledged,
		})
	}
	return out, nil
}

// --------------------- Portfolio Snapshots ----------------------

func (s *Store) AppendSnapshot(ctx context.Context, rec SnapshotRecord) error {
	if err := s.ready(); err != nil {
		return err
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}
	return s.db.WithContext(ctx).Create(&snapshotModel{
		ValueUSD:      rec.ValueUSD,
		CashUSD:       rec.CashUSD,
		TotalReturn:   rec.TotalReturn,
		DrawdownPct:   rec.DrawdownPct,
		Payload:       datatypes.JSON(rec.Payload),
		CreatedAtUnix: rec.CreatedAt,
	}).Error
}

func (s *Store) LatestSnapshot(ctx context.Context) (SnapshotRecord, bool, error) {
	if err := s.ready(); err != nil {
		return SnapshotRecord{}, false, err
	}
	var m snapshotModel
	err := s.db.WithContext(ctx).Order("id DESC").Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return SnapshotRecord{}, false, nil
	}
	if err != nil {
		return SnapshotRecord{}, false, err
	}
	return SnapshotRecord{
		ID:          m.ID,
		ValueUSD:    m.ValueUSD,
		CashUSD:     m.CashUSD,
		TotalReturn: m.TotalReturn,
		DrawdownPct: m.DrawdownPct,
		Payload:     []byte(m.Payload),
		CreatedAt:   m.CreatedAtUnix,
	}, true, nil
}

// --------------------- Config KV ----------------------

var _ risk.ConfigStore = (*Store)(nil)

func (s *Store) PutConfig(ctx context.Context, key string, value []byte) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cfg_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&configModel{
		Key:           key,
		Value:         datatypes.JSON(value),
		UpdatedAtUnix: time.Now().UnixMilli(),
	}).Error
}

func (s *Store) GetConfig(ctx context.Context, key string) ([]byte, bool, error) {
	if err := s.ready(); err != nil {
		return nil, false, err
	}
	var m configModel
	err := s.db.WithContext(ctx).Where("cfg_key = ?", key).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(m.Value), true, nil
}
