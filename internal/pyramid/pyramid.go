// Package pyramid polls OPEN positions and adds to winners at configured
// profit thresholds, each scale firing exactly once per position.
package pyramid

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ashgrove/signalbridge/internal/config"
	"github.com/ashgrove/signalbridge/internal/exchange"
	"github.com/ashgrove/signalbridge/internal/lifecyclestore"
	"github.com/ashgrove/signalbridge/internal/model"
	"github.com/ashgrove/signalbridge/internal/quant"
	"github.com/ashgrove/signalbridge/internal/telemetry"
)

type Manager struct {
	positions *lifecyclestore.Store
	gw        exchange.Gateway
	sink      *telemetry.Sink
	ladder    []config.PyramidScale
	maxMult   decimal.Decimal
}

func New(positions *lifecyclestore.Store, gw exchange.Gateway, sink *telemetry.Sink, cfg *config.Config) *Manager {
	return &Manager{positions: positions, gw: gw, sink: sink, ladder: cfg.PyramidLadder, maxMult: cfg.PyramidMaxMultiplier}
}

func (m *Manager) Run(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.pollOnce(ctx); err != nil {
				log.Error().Err(err).Msg("pyramid: poll failed")
			}
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context) error {
	positions, err := m.positions.ByState(model.Open)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if err := m.evaluate(ctx, pos.PositionID); err != nil {
			log.Error().Err(err).Uint64("position_id", pos.PositionID).Msg("pyramid: evaluate failed")
		}
	}
	return nil
}

func (m *Manager) evaluate(ctx context.Context, positionID uint64) error {
	pos, err := m.positions.Get(positionID)
	if err != nil {
		return err
	}
	if pos.OriginalEntryPrice.IsZero() {
		return nil
	}

	mark, err := m.gw.GetMarkPrice(ctx, pos.Symbol)
	if err != nil {
		return err
	}
	profitPct := profitPercent(pos.OriginalEntryPrice, mark, pos.Side)

	maxTotal := pos.PlannedQty.Mul(m.maxMult)

	for idx, scale := range m.ladder {
		if profitPct.LessThan(scale.ThresholdPct) {
			continue
		}
		if _, fired := pos.PyramidExecuted[idx]; fired {
			continue
		}

		addQty := pos.PlannedQty.Mul(scale.AddFraction)
		if pos.PyramidAddedQty.Add(addQty).GreaterThan(maxTotal.Sub(pos.PlannedQty)) {
			addQty = maxTotal.Sub(pos.PlannedQty).Sub(pos.PyramidAddedQty)
		}
		if !addQty.IsPositive() {
			continue
		}

		info, err := m.gw.GetSymbolInfo(ctx, pos.Symbol)
		if err != nil {
			return err
		}
		addQty = quant.QuantizeDown(addQty, info.QtyStep)
		if addQty.LessThan(info.MinQty) {
			continue
		}

		orderID, err := m.gw.PlaceMarket(ctx, pos.Symbol, entrySide(pos.Side), addQty, false)
		if err != nil {
			// Leave the scale unmarked; next poll retries.
			log.Warn().Err(err).Int("scale", idx).Uint64("position_id", positionID).Msg("pyramid: add order failed")
			return nil
		}

		if err := m.positions.WithLock(positionID, func(cur *model.Position) (*model.Position, error) {
			if cur.PyramidExecuted == nil {
				cur.PyramidExecuted = model.IntSet{}
			}
			if _, already := cur.PyramidExecuted[idx]; already {
				return nil, nil
			}
			cur.PyramidExecuted[idx] = time.Now()
			cur.PyramidAddedQty = cur.PyramidAddedQty.Add(addQty)
			pos.PyramidAddedQty = cur.PyramidAddedQty // later scales in this pass see the new total
			cur.FilledQty = cur.FilledQty.Add(addQty)
			m.sink.Emit(telemetry.Event{
				Timestamp:        time.Now(),
				PositionID:       telemetry.ForPosition(positionID),
				ExchangeOrderIDs: []string{orderID},
				Kind:             telemetry.KindPyramidAdd,
				Fields:           map[string]string{"scale": strconv.Itoa(idx), "add_qty": addQty.String()},
			})
			return cur, nil
		}); err != nil {
			return err
		}
		_ = m.positions.TrackOrder(&model.OrderTracker{OrderID: orderID, PositionID: positionID, Symbol: pos.Symbol, Role: "pyramid"})
	}
	return nil
}

func profitPercent(entry, mark decimal.Decimal, side model.Side) decimal.Decimal {
	move := mark.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	if side == model.Short {
		move = move.Neg()
	}
	return move
}

func entrySide(side model.Side) exchange.Side {
	if side == model.Long {
		return exchange.Buy
	}
	return exchange.Sell
}
