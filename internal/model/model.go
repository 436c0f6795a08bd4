// Package model holds the persisted record shapes shared by the signal and
// lifecycle stores. Kept separate from both store packages so detector,
// ingestion, entry, lifecycle, pyramid, hedge and watchdog can all depend on
// the shapes without importing each other's storage packages.
package model

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// SignalStatus is the lifecycle state of a raw ingested signal.
type SignalStatus string

const (
	SignalNew      SignalStatus = "NEW"
	SignalClaimed  SignalStatus = "CLAIMED"
	SignalExpired  SignalStatus = "EXPIRED"
	SignalRejected SignalStatus = "REJECTED"
)

// Side is the trade direction.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// SignalType classifies a signal by the leverage/sizing path that produced it.
type SignalType string

const (
	Swing   SignalType = "SWING"
	Dynamic SignalType = "DYNAMIC"
	Fast    SignalType = "FAST"
)

// PositionState is a node in the position lifecycle state graph.
type PositionState string

const (
	PendingEntry PositionState = "PENDING_ENTRY"
	Partial      PositionState = "PARTIAL"
	Open         PositionState = "OPEN"
	Closing      PositionState = "CLOSING"
	Closed       PositionState = "CLOSED"
	Cancelled    PositionState = "CANCELLED"
	Failed       PositionState = "FAILED"
)

// HedgeState tracks the counter-position lifecycle for a primary position.
type HedgeState string

const (
	HedgeNone   HedgeState = "NONE"
	Hedged      HedgeState = "HEDGED"
	HedgeClosed HedgeState = "HEDGE_CLOSED"
)

// DecimalList is a JSON-encoded ordered list of decimals, for columns like
// targets[] and tp_prices[] that GORM has no native slice support for.
type DecimalList []decimal.Decimal

func (l DecimalList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

func (l *DecimalList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("model: DecimalList.Scan: unsupported type")
	}
	if len(b) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(b, l)
}

// StringList is a JSON-encoded ordered list of strings, used for order id
// slices (tp_order_ids, entry_order_ids).
type StringList []string

func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	return json.Marshal(l)
}

func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("model: StringList.Scan: unsupported type")
	}
	if len(b) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(b, l)
}

// IntSet is a JSON-encoded set of pyramid scale ids that have already fired.
type IntSet map[int]time.Time

func (s IntSet) Value() (driver.Value, error) {
	if s == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(s)
}

func (s *IntSet) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var b []byte
	switch v := value.(type) {
	case []byte:
		b = v
	case string:
		b = []byte(v)
	default:
		return errors.New("model: IntSet.Scan: unsupported type")
	}
	if len(b) == 0 {
		*s = IntSet{}
		return nil
	}
	return json.Unmarshal(b, s)
}

// Signal is the row persisted per accepted chat message.
type Signal struct {
	SignalID         uint64           `gorm:"column:signal_id;primaryKey;autoIncrement"`
	ReceivedAt       time.Time        `gorm:"column:received_at;index"`
	SourceChannel    string           `gorm:"column:source_channel;uniqueIndex:uniq_source"`
	SourceMessageID  string           `gorm:"column:source_message_id;uniqueIndex:uniq_source"`
	NormalizedHash   string           `gorm:"column:normalized_hash;index"`
	Symbol           string           `gorm:"column:symbol;index"`
	Side             Side             `gorm:"column:side"`
	EntryMid         decimal.Decimal  `gorm:"column:entry_mid;type:decimal(24,10)"`
	EntryLow         decimal.Decimal  `gorm:"column:entry_low;type:decimal(24,10)"`
	EntryHigh        decimal.Decimal  `gorm:"column:entry_high;type:decimal(24,10)"`
	Targets          DecimalList      `gorm:"column:targets;type:text"`
	StopLoss         *decimal.Decimal `gorm:"column:stop_loss;type:decimal(24,10)"`
	DeclaredLeverage *decimal.Decimal `gorm:"column:declared_leverage;type:decimal(10,2)"`
	SignalType       SignalType       `gorm:"column:signal_type"`
	Status           SignalStatus     `gorm:"column:status;index"`
	RejectReason     string           `gorm:"column:reject_reason"`
	CreatedAt        time.Time        `gorm:"column:created_at"`
	UpdatedAt        time.Time        `gorm:"column:updated_at"`
}

func (Signal) TableName() string { return "signals" }

// Position is the row persisted per signal that reaches the market.
type Position struct {
	PositionID         uint64          `gorm:"column:position_id;primaryKey;autoIncrement"`
	SignalID           uint64          `gorm:"column:signal_id;index"`
	Symbol             string          `gorm:"column:symbol;index"`
	Side               Side            `gorm:"column:side"`
	PlannedQty         decimal.Decimal `gorm:"column:planned_qty;type:decimal(24,10)"`
	FilledQty          decimal.Decimal `gorm:"column:filled_qty;type:decimal(24,10)"`
	AvgEntryPrice      decimal.Decimal `gorm:"column:avg_entry_price;type:decimal(24,10)"`
	Leverage           decimal.Decimal `gorm:"column:leverage;type:decimal(10,2)"`
	InitialMarginPlan  decimal.Decimal `gorm:"column:initial_margin_plan;type:decimal(24,10)"`
	SLPrice            decimal.Decimal `gorm:"column:sl_price;type:decimal(24,10)"`
	TPPrices           DecimalList     `gorm:"column:tp_prices;type:text"`
	TPOrderIDs         StringList      `gorm:"column:tp_order_ids;type:text"`
	TPFilledIDs        StringList      `gorm:"column:tp_filled_ids;type:text"`
	SLOrderID          string          `gorm:"column:sl_order_id"`
	EntryOrderIDs      StringList      `gorm:"column:entry_order_ids;type:text"`
	ReplacementOrderID string          `gorm:"column:replacement_order_id"`
	State              PositionState   `gorm:"column:state;index"`
	PyramidExecuted    IntSet          `gorm:"column:pyramid_executed;type:text"`
	PyramidAddedQty    decimal.Decimal `gorm:"column:pyramid_added_qty;type:decimal(24,10)"`
	HedgeState         HedgeState      `gorm:"column:hedge_state"`
	HedgePositionID    uint64          `gorm:"column:hedge_position_id"`
	ReentryAttempts    int             `gorm:"column:reentry_attempts"`
	ReentryLockedOut   bool            `gorm:"column:reentry_locked_out"`
	TrailingActive     bool            `gorm:"column:trailing_active"`
	TrailingHighWater  decimal.Decimal `gorm:"column:trailing_high_water;type:decimal(24,10)"`
	LastTrailingUpdate time.Time       `gorm:"column:last_trailing_update"`
	OriginalEntryPrice decimal.Decimal `gorm:"column:original_entry_price;type:decimal(24,10)"`
	OutcomeReason      string          `gorm:"column:outcome_reason"`
	CreatedAt          time.Time       `gorm:"column:created_at"`
	UpdatedAt          time.Time       `gorm:"column:updated_at"`
}

func (Position) TableName() string { return "positions" }

// OrderTracker rows back the Watchdog's maintenance sweeps: one row per
// exchange order the engine placed, independent of which position it
// belongs to, so stale-order reaping doesn't need to load full positions.
type OrderTracker struct {
	OrderID    string    `gorm:"column:order_id;primaryKey"`
	PositionID uint64    `gorm:"column:position_id;index"`
	Symbol     string    `gorm:"column:symbol"`
	Role       string    `gorm:"column:role"` // entry, replacement, tp, sl, pyramid, hedge
	PlacedAt   time.Time `gorm:"column:placed_at;index"`
	FirstFillAt *time.Time `gorm:"column:first_fill_at"`
	Active     bool      `gorm:"column:active;index"`
}

func (OrderTracker) TableName() string { return "order_tracker" }

// IsLong reports whether the side is a long position.
func (s Side) IsLong() bool { return s == Long }
