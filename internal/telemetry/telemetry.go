// Package telemetry is the append-only event log. State-changing events are
// appended here before the state change they report is committed — append
// before transition. signal_accepted and entry_placed are the exceptions:
// they carry an id that the store assigns on insert and are appended just
// after that insert.
//
// A second zerolog logger pointed at its own file writes one JSON object per
// line, which keeps the audit log NDJSON without a bespoke serializer.
package telemetry

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Kind enumerates the telemetry event kinds emitted across the pipeline.
type Kind string

const (
	KindDuplicate       Kind = "duplicate"
	KindNonSignal       Kind = "non_signal"
	KindSignalAccepted  Kind = "signal_accepted"
	KindEntryPlaced     Kind = "entry_placed"
	KindEntryMerged     Kind = "entry_merged"
	KindPositionOpen    Kind = "position_open"
	KindTPAttached      Kind = "tp_attached"
	KindSLAttached      Kind = "sl_attached"
	KindTPFilled        Kind = "tp_filled"
	KindSLFilled        Kind = "sl_filled"
	KindBreakevenMoved  Kind = "breakeven_moved"
	KindTrailingUpdated Kind = "trailing_updated"
	KindPositionClosed  Kind = "position_closed"
	KindPyramidAdd      Kind = "pyramid_add"
	KindHedgeOpened     Kind = "hedge_opened"
	KindHedgeClosed     Kind = "hedge_closed"
	KindReentry         Kind = "reentry"
	KindReentryLockout  Kind = "reentry_lockout"
	KindSignalRejected  Kind = "signal_rejected"
	KindPositionFailed  Kind = "position_failed"
	KindMaintenance     Kind = "maintenance"
	KindCapacityBlocked Kind = "capacity_blocked"
)

// Event is one append-only audit row.
type Event struct {
	Timestamp        time.Time         `json:"timestamp"`
	SignalID         *uint64           `json:"signal_id,omitempty"`
	PositionID       *uint64           `json:"position_id,omitempty"`
	ExchangeOrderIDs []string          `json:"exchange_order_ids,omitempty"`
	Kind             Kind              `json:"kind"`
	Fields           map[string]string `json:"fields,omitempty"`
}

// Sink serializes concurrent appends into one ordered, never-edited stream.
type Sink struct {
	mu     sync.Mutex
	logger zerolog.Logger
	closer io.Closer
}

// Open creates (or appends to) the telemetry file at path.
func Open(path string) (*Sink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Sink{
		logger: zerolog.New(f).With().Timestamp().Logger(),
		closer: f,
	}, nil
}

// Close flushes and closes the underlying file.
func (s *Sink) Close() error {
	return s.closer.Close()
}

// Emit appends one event, serialized against concurrent callers.
func (s *Sink) Emit(evt Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.logger.Log().Str("kind", string(evt.Kind)).Time("event_time", evt.Timestamp)
	if evt.SignalID != nil {
		e = e.Uint64("signal_id", *evt.SignalID)
	}
	if evt.PositionID != nil {
		e = e.Uint64("position_id", *evt.PositionID)
	}
	if len(evt.ExchangeOrderIDs) > 0 {
		e = e.Strs("exchange_order_ids", evt.ExchangeOrderIDs)
	}
	for k, v := range evt.Fields {
		e = e.Str(k, v)
	}
	e.Send()
}

// helper constructors for callers that only ever correlate one id.

func ForSignal(id uint64) *uint64 { return &id }

func ForPosition(id uint64) *uint64 { return &id }
