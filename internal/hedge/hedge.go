// Package hedge opens a counter-direction hedge once a position moves
// adversely past the configured threshold, and attempts a bounded re-entry
// when the primary stop-loss closes a position with no live coverage left
// from that signal.
package hedge

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ashgrove/signalbridge/internal/config"
	"github.com/ashgrove/signalbridge/internal/entryengine"
	"github.com/ashgrove/signalbridge/internal/exchange"
	"github.com/ashgrove/signalbridge/internal/lifecyclestore"
	"github.com/ashgrove/signalbridge/internal/model"
	"github.com/ashgrove/signalbridge/internal/signalstore"
	"github.com/ashgrove/signalbridge/internal/telemetry"
)

type Manager struct {
	signals     *signalstore.Store
	positions   *lifecyclestore.Store
	gw          exchange.Gateway
	entry       *entryengine.Engine
	sink        *telemetry.Sink
	adversePct  decimal.Decimal
	maxAttempts int
}

func New(signals *signalstore.Store, positions *lifecyclestore.Store, gw exchange.Gateway, entry *entryengine.Engine, sink *telemetry.Sink, cfg *config.Config) *Manager {
	return &Manager{signals: signals, positions: positions, gw: gw, entry: entry, sink: sink, adversePct: cfg.HedgeAdversePct, maxAttempts: cfg.MaxReentryAttempts}
}

func (m *Manager) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.pollHedges(ctx); err != nil {
				log.Error().Err(err).Msg("hedge: poll hedges failed")
			}
			if err := m.pollReentries(ctx); err != nil {
				log.Error().Err(err).Msg("hedge: poll reentries failed")
			}
		}
	}
}

// pollHedges opens a counter-position for any OPEN position that has moved
// adversely past the threshold and has no hedge yet.
func (m *Manager) pollHedges(ctx context.Context) error {
	positions, err := m.positions.ByState(model.Open)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if pos.HedgeState != model.HedgeNone || pos.OriginalEntryPrice.IsZero() {
			continue
		}
		mark, err := m.gw.GetMarkPrice(ctx, pos.Symbol)
		if err != nil {
			log.Error().Err(err).Str("symbol", pos.Symbol).Msg("hedge: get_mark_price failed")
			continue
		}
		adverse := adverseMovePct(pos.OriginalEntryPrice, mark, pos.Side)
		if adverse.LessThan(m.adversePct) {
			continue
		}
		if err := m.openHedge(ctx, pos.PositionID); err != nil {
			log.Error().Err(err).Uint64("position_id", pos.PositionID).Msg("hedge: open failed")
		}
	}
	return nil
}

func (m *Manager) openHedge(ctx context.Context, positionID uint64) error {
	pos, err := m.positions.Get(positionID)
	if err != nil {
		return err
	}
	if pos.HedgeState != model.HedgeNone {
		return nil
	}

	counterSide := opposite(pos.Side)
	orderID, err := m.gw.PlaceMarket(ctx, pos.Symbol, exchangeSide(counterSide), pos.FilledQty, false)
	if err != nil {
		return err
	}

	hedgePos := &model.Position{
		SignalID:           pos.SignalID,
		Symbol:             pos.Symbol,
		Side:               counterSide,
		PlannedQty:         pos.FilledQty,
		FilledQty:          pos.FilledQty,
		Leverage:           pos.Leverage,
		SLPrice:            pos.SLPrice, // role-reversed: same price level, now stops the hedge out.
		TPPrices:           model.DecimalList{pos.OriginalEntryPrice},
		EntryOrderIDs:      model.StringList{orderID},
		State:              model.Open,
		OriginalEntryPrice: pos.OriginalEntryPrice,
		HedgeState:         model.HedgeNone,
	}
	if err := m.positions.Create(hedgePos); err != nil {
		return err
	}
	_ = m.positions.TrackOrder(&model.OrderTracker{OrderID: orderID, PositionID: hedgePos.PositionID, Symbol: pos.Symbol, Role: "hedge"})

	return m.positions.WithLock(positionID, func(cur *model.Position) (*model.Position, error) {
		cur.HedgeState = model.Hedged
		cur.HedgePositionID = hedgePos.PositionID
		m.sink.Emit(telemetry.Event{
			Timestamp:        time.Now(),
			PositionID:       telemetry.ForPosition(positionID),
			ExchangeOrderIDs: []string{orderID},
			Kind:             telemetry.KindHedgeOpened,
			Fields:           map[string]string{"hedge_position_id": strconv.FormatUint(hedgePos.PositionID, 10)},
		})
		return cur, nil
	})
}

func adverseMovePct(entry, mark decimal.Decimal, side model.Side) decimal.Decimal {
	move := entry.Sub(mark).Div(entry).Mul(decimal.NewFromInt(100))
	if side == model.Short {
		move = move.Neg()
	}
	return move
}

func opposite(side model.Side) model.Side {
	if side == model.Long {
		return model.Short
	}
	return model.Long
}

func exchangeSide(side model.Side) exchange.Side {
	if side == model.Long {
		return exchange.Buy
	}
	return exchange.Sell
}
