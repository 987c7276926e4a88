package store

import "gorm.io/datatypes"

// EventRecord 是 ledger 事实事件的持久化形态。
type EventRecord struct {
	Seq       int64
	EventUUID string
	Type      string
	Token     string
	Payload   []byte
	CreatedAt int64
}

// TradeRecord is the queryable projection of one position.
type TradeRecord struct {
	ID          string
	Token       string
	Side        string
	Status      string
	Size        float64
	EntryPrice  float64
	ExitPrice   float64
	RealizedPnL float64
	CloseReason string
	OpenedAt    int64
	ClosedAt    int64
	Payload     []byte
}

// SnapshotRecord 是一次 reconcile 后的组合快照。
type SnapshotRecord struct {
	ID          int64
	ValueUSD    float64
	CashUSD     float64
	TotalReturn float64
	DrawdownPct float64
	Payload     []byte
	CreatedAt   int64
}

type eventLogModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	EventID       string         `gorm:"column:event_uuid;uniqueIndex"`
	Type          string         `gorm:"column:type"`
	Token         string         `gorm:"column:token;index"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (eventLogModel) TableName() string { return "event_log" }

type tradeModel struct {
	ID            string         `gorm:"column:id;primaryKey"`
	Token         string         `gorm:"column:token;index"`
	Side          string         `gorm:"column:side"`
	Status        string         `gorm:"column:status;index"`
	Size          float64        `gorm:"column:size"`
	EntryPrice    float64        `gorm:"column:entry_price"`
	ExitPrice     float64        `gorm:"column:exit_price"`
	RealizedPnL   float64        `gorm:"column:realized_pnl"`
	CloseReason   string         `gorm:"column:close_reason"`
	OpenedAtUnix  int64          `gorm:"column:opened_at;index"`
	ClosedAtUnix  int64          `gorm:"column:closed_at"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (tradeModel) TableName() string { return "trades" }

type alertModel struct {
	ID            string  `gorm:"column:id;primaryKey"`
	Level         string  `gorm:"column:level;index"`
	Type          string  `gorm:"column:type"`
	Message       string  `gorm:"column:message"`
	Value         float64 `gorm:"column:value"`
	Limit         float64 `gorm:"column:limit_value"`
	Acknowledged  bool    `gorm:"column:acknowledged"`
	CreatedAtUnix int64   `gorm:"column:created_at;index"`
}

func (alertModel) TableName() string { return "risk_alerts" }

type snapshotModel struct {
	ID            int64          `gorm:"column:id;primaryKey"`
	ValueUSD      float64        `gorm:"column:value_usd"`
	CashUSD       float64        `gorm:"column:cash_usd"`
	TotalReturn   float64        `gorm:"column:total_return"`
	DrawdownPct   float64        `gorm:"column:drawdown_pct"`
	Payload       datatypes.JSON `gorm:"column:payload"`
	CreatedAtUnix int64          `gorm:"column:created_at;index"`
}

func (snapshotModel) TableName() string { return "portfolio_snapshots" }

type configModel struct {
	Key           string         `gorm:"column:cfg_key;primaryKey"`
	Value         datatypes.JSON `gorm:"column:value"`
	UpdatedAtUnix int64          `gorm:"column:updated_at"`
}

func (configModel) TableName() string { return "config_kv" }
