package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"tokentrader/internal/risk"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestEventsPageInInsertOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.AppendEvent(ctx, EventRecord{
			EventUUID: id,
			Type:      "POSITION_OPENED",
			Token:     "btc",
			Payload:   []byte(`{"id":"` + id + `"}`),
			CreatedAt: int64(1000 + i),
		}))
	}
	first, err := s.LoadEvents(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, "a", first[0].EventUUID)
	assert.Equal(t, "BTC", first[0].Token)

	rest, err := s.LoadEvents(ctx, first[1].Seq, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "c", rest[0].EventUUID)
	assert.JSONEq(t, `{"id":"c"}`, string(rest[0].Payload))
}

func TestUpsertTrade(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rec := TradeRecord{ID: "p1", Token: "ETH", Side: "buy", Status: "simulated", Size: 2, EntryPrice: 100, OpenedAt: 10}
	require.NoError(t, s.UpsertTrade(ctx, rec))

	rec.Status = "closed"
	rec.ExitPrice = 110
	rec.RealizedPnL = 20
	rec.CloseReason = "take_profit"
	rec.ClosedAt = 20
	require.NoError(t, s.UpsertTrade(ctx, rec))

	trades, err := s.ListTrades(ctx, "eth", 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, "closed", trades[0].Status)
	assert.InDelta(t, 20, trades[0].RealizedPnL, 1e-9)

	none, err := s.ListTrades(ctx, "BTC", 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestAlertsAppendAndAck(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	alert := risk.Alert{ID: "al-1", Timestamp: time.UnixMilli(5000), Level: risk.LevelCritical, Type: "drawdown", Message: "dd", Value: 0.25, Limit: 0.2}
	require.NoError(t, s.AppendAlert(ctx, alert))
	require.NoError(t, s.AckAlert(ctx, "al-1"))
	assert.Error(t, s.AckAlert(ctx, "missing"))

	alerts, err := s.ListAlerts(ctx, 10)
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Acknowledged)
	assert.Equal(t, risk.LevelCritical, alerts[0].Level)
}

func TestConfigKV(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, ok, err := s.GetConfig(ctx, "risk_limits")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.PutConfig(ctx, "risk_limits", []byte(`{"a":1}`)))
	require.NoError(t, s.PutConfig(ctx, "risk_limits", []byte(`{"a":2}`)))
	raw, ok, err := s.GetConfig(ctx, "risk_limits")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, `{"a":2}`, string(raw))
}

func TestSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	_, ok, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.AppendSnapshot(ctx, SnapshotRecord{ValueUSD: 100, Payload: []byte(`{}`)}))
	require.NoError(t, s.AppendSnapshot(ctx, SnapshotRecord{ValueUSD: 120, Payload: []byte(`{}`)}))
	snap, ok, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.InDelta(t, 120, snap.ValueUSD, 1e-9)
}
