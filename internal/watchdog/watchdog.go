// Package watchdog holds the capacity predicate consulted before a signal
// is claimed, plus the periodic maintenance sweep that reaps stale orders
// and reconciles local state against exchange truth.
package watchdog

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/ashgrove/signalbridge/internal/config"
	"github.com/ashgrove/signalbridge/internal/exchange"
	"github.com/ashgrove/signalbridge/internal/lifecyclestore"
	"github.com/ashgrove/signalbridge/internal/model"
	"github.com/ashgrove/signalbridge/internal/signalstore"
	"github.com/ashgrove/signalbridge/internal/telemetry"
)

type Watchdog struct {
	signals   *signalstore.Store
	positions *lifecyclestore.Store
	gw        exchange.Gateway
	sink      *telemetry.Sink
	maxActive int
	staleAge  time.Duration
	purgeAge  time.Duration

	capacityGroup singleflight.Group
}

func New(signals *signalstore.Store, positions *lifecyclestore.Store, gw exchange.Gateway, sink *telemetry.Sink, cfg *config.Config) *Watchdog {
	return &Watchdog{
		signals:   signals,
		positions: positions,
		gw:        gw,
		sink:      sink,
		maxActive: cfg.MaxActivePositions,
		staleAge:  cfg.StaleEntryAge,
		purgeAge:  cfg.PurgeAge,
	}
}

// MayAcceptNewSignal is the capacity predicate every entry worker consults
// before claiming. Concurrent callers collapse onto one store read — the
// count can only move by whole positions, so sharing a result across a burst
// of simultaneous checks loses nothing.
func (w *Watchdog) MayAcceptNewSignal() (bool, error) {
	v, err, _ := w.capacityGroup.Do("capacity", func() (interface{}, error) {
		count, err := w.positions.ActiveCount()
		if err != nil {
			return false, err
		}
		return count < int64(w.maxActive), nil
	})
	if err != nil {
		return false, err
	}
	return v.(bool), nil
}

// Run executes one maintenance sweep every interval until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Sweep(ctx); err != nil {
				log.Error().Err(err).Msg("watchdog: sweep failed")
			}
		}
	}
}

// Sweep runs one idempotent maintenance pass: reap orders unfilled
// past staleAge, purge orders unfilled past purgeAge, and reconcile tracked
// orders against exchange truth.
func (w *Watchdog) Sweep(ctx context.Context) error {
	now := time.Now()

	stale, err := w.positions.StaleUnfilled(w.staleAge, now)
	if err != nil {
		return err
	}
	for _, o := range stale {
		if o.PlacedAt.Before(now.Add(-w.purgeAge)) {
			continue // handled by the purge pass below
		}
		w.cancelAndExpire(ctx, o)
	}

	purge, err := w.positions.StaleUnfilled(w.purgeAge, now)
	if err != nil {
		return err
	}
	for _, o := range purge {
		w.cancelAndExpire(ctx, o)
	}

	if err := w.reconcile(ctx); err != nil {
		log.Error().Err(err).Msg("watchdog: reconcile failed")
	}

	w.sink.Emit(telemetry.Event{Timestamp: now, Kind: telemetry.KindMaintenance, Fields: map[string]string{"stale_reaped": strconv.Itoa(len(stale)), "purged": strconv.Itoa(len(purge))}})
	return nil
}

func (w *Watchdog) cancelAndExpire(ctx context.Context, o model.OrderTracker) {
	if err := w.gw.Cancel(ctx, o.OrderID); err != nil {
		log.Warn().Err(err).Str("order_id", o.OrderID).Msg("watchdog: cancel failed")
	}
	if err := w.positions.DeactivateOrder(o.OrderID); err != nil {
		log.Error().Err(err).Str("order_id", o.OrderID).Msg("watchdog: deactivate order failed")
	}

	pos, err := w.positions.Get(o.PositionID)
	if err != nil {
		return
	}
	if pos.FilledQty.IsZero() {
		_ = w.positions.WithLock(pos.PositionID, func(cur *model.Position) (*model.Position, error) {
			if !cur.FilledQty.IsZero() || cur.State == model.Cancelled {
				return nil, nil
			}
			cur.State = model.Cancelled
			cur.OutcomeReason = "no_fill_timeout"
			return cur, nil
		})
		_ = w.signals.Expire(pos.SignalID)
	}
}

// reconcile looks up every tracked active order on the exchange; orders it
// reports cancelled or rejected are deactivated locally, and failed lookups
// are logged.
func (w *Watchdog) reconcile(ctx context.Context) error {
	orders, err := w.positions.ActiveOrders()
	if err != nil {
		return err
	}
	for _, o := range orders {
		info, err := w.gw.GetOrder(ctx, o.OrderID)
		if err != nil {
			log.Warn().Err(err).Str("order_id", o.OrderID).Msg("watchdog: reconcile lookup failed")
			continue
		}
		if info.Status == exchange.OrderCancelled || info.Status == exchange.OrderRejected {
			_ = w.positions.DeactivateOrder(o.OrderID)
		}
	}
	return nil
}
