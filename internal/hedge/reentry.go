package hedge

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ashgrove/signalbridge/internal/model"
	"github.com/ashgrove/signalbridge/internal/telemetry"
)

// pollReentries looks for stop-hit events — either a primary position's own
// SL, or its hedge's TP (which counts as the same event) — and, if the
// signal has no live coverage and hasn't exhausted its attempts, replays the
// original signal through the entry engine.
func (m *Manager) pollReentries(ctx context.Context) error {
	closed, err := m.positions.ByState(model.Closed)
	if err != nil {
		return err
	}

	triggered := make(map[uint64]bool)
	for _, pos := range closed {
		switch pos.OutcomeReason {
		case "stop_hit":
			if _, isHedge := m.hedgeOwner(pos.PositionID); !isHedge {
				triggered[pos.SignalID] = true
			}
		case "targets_filled":
			if primary, isHedge := m.hedgeOwner(pos.PositionID); isHedge {
				triggered[primary.SignalID] = true
			}
		}
	}

	for signalID := range triggered {
		if err := m.tryReentry(ctx, signalID); err != nil {
			log.Error().Err(err).Uint64("signal_id", signalID).Msg("hedge: reentry attempt failed")
		}
	}
	return nil
}

func (m *Manager) hedgeOwner(positionID uint64) (*model.Position, bool) {
	primary, err := m.positions.FindPrimaryByHedge(positionID)
	if err != nil {
		return nil, false
	}
	return primary, true
}

func (m *Manager) tryReentry(ctx context.Context, signalID uint64) error {
	active, err := m.positions.BySignal(signalID)
	if err != nil {
		return err
	}
	for _, p := range active {
		if p.State != model.Closed && p.State != model.Cancelled && p.State != model.Failed {
			return nil // already has a live position from this signal
		}
	}

	origin, err := m.positions.Earliest(signalID)
	if err != nil {
		return err
	}
	if origin.ReentryLockedOut {
		return nil
	}
	if origin.ReentryAttempts >= m.maxAttempts {
		return m.positions.WithLock(origin.PositionID, func(cur *model.Position) (*model.Position, error) {
			if cur.ReentryLockedOut {
				return nil, nil
			}
			cur.ReentryLockedOut = true
			m.sink.Emit(telemetry.Event{Timestamp: time.Now(), SignalID: telemetry.ForSignal(signalID), Kind: telemetry.KindReentryLockout})
			return cur, nil
		})
	}

	sig, err := m.signals.Get(signalID)
	if err != nil {
		return err
	}

	if err := m.entry.PlaceSignal(ctx, sig); err != nil {
		log.Warn().Err(err).Uint64("signal_id", signalID).Msg("hedge: reentry placement failed, will retry next poll")
		return nil
	}

	return m.positions.WithLock(origin.PositionID, func(cur *model.Position) (*model.Position, error) {
		cur.ReentryAttempts++
		m.sink.Emit(telemetry.Event{Timestamp: time.Now(), SignalID: telemetry.ForSignal(signalID), Kind: telemetry.KindReentry, Fields: map[string]string{"attempt": strconv.Itoa(cur.ReentryAttempts)}})
		return cur, nil
	})
}
