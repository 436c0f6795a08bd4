package entryengine

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ashgrove/signalbridge/internal/exchange"
	"github.com/ashgrove/signalbridge/internal/model"
	"github.com/ashgrove/signalbridge/internal/quant"
	"github.com/ashgrove/signalbridge/internal/telemetry"
)

// RunFillWatcher polls PENDING_ENTRY/PARTIAL positions and merges fills
// into one average entry.
func (e *Engine) RunFillWatcher(ctx context.Context, pollInterval time.Duration) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.pollFills(ctx); err != nil {
				log.Error().Err(err).Msg("entryengine: poll fills failed")
			}
		}
	}
}

func (e *Engine) pollFills(ctx context.Context) error {
	positions, err := e.positions.ByState(model.PendingEntry, model.Partial)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if err := e.mergeFills(ctx, pos.PositionID); err != nil {
			log.Error().Err(err).Uint64("position_id", pos.PositionID).Msg("entryengine: merge fills failed")
		}
	}
	return nil
}

func (e *Engine) mergeFills(ctx context.Context, positionID uint64) error {
	pos, err := e.positions.Get(positionID)
	if err != nil {
		return err
	}

	orderIDs := append([]string{}, pos.EntryOrderIDs...)
	if pos.ReplacementOrderID != "" {
		orderIDs = append(orderIDs, pos.ReplacementOrderID)
	}

	var filled, weighted decimal.Decimal
	infos := make(map[string]exchange.OrderInfo, len(orderIDs))
	for _, id := range orderIDs {
		info, err := e.gw.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		infos[id] = info
		if info.FilledQty.IsZero() {
			continue
		}
		_ = e.positions.MarkOrderFilled(id, time.Now())
		filled = filled.Add(info.FilledQty)
		weighted = weighted.Add(info.FilledQty.Mul(info.AvgFillPrice))
	}

	if filled.IsZero() {
		return nil
	}

	sig, err := e.signals.Get(pos.SignalID)
	if err != nil {
		return err
	}

	return e.positions.WithLock(positionID, func(cur *model.Position) (*model.Position, error) {
		if !filled.GreaterThan(cur.FilledQty) {
			return nil, nil // nothing new since last poll — idempotent re-read
		}

		needsReplacement := cur.ReplacementOrderID == "" && filled.LessThan(cur.PlannedQty)
		if needsReplacement {
			info, err := e.gw.GetSymbolInfo(ctx, cur.Symbol)
			if err != nil {
				return nil, err
			}
			qRem := cur.PlannedQty.Sub(filled)
			pr := quant.QuantizeNearest(
				sig.EntryMid.Mul(cur.PlannedQty).Sub(weighted).Div(qRem),
				info.TickSize,
			)

			// Cancel whatever is still resting from the originals — fully filled
			// legs are done, everything else (untouched or partially filled) is
			// superseded by the replacement. The filled part of a partial leg is
			// already counted in `filled`.
			for _, id := range cur.EntryOrderIDs {
				if o := infos[id]; o.Status != exchange.OrderFilled {
					_ = e.gw.Cancel(ctx, id)
					_ = e.positions.DeactivateOrder(id)
				}
			}

			replacementID, err := e.gw.PlaceLimit(ctx, cur.Symbol, exchangeSide(cur.Side), qRem, pr, true, false)
			if err != nil {
				return nil, err
			}
			cur.ReplacementOrderID = replacementID
			_ = e.positions.TrackOrder(&model.OrderTracker{OrderID: replacementID, PositionID: cur.PositionID, Symbol: cur.Symbol, Role: "replacement"})
		}

		cur.FilledQty = filled
		cur.AvgEntryPrice = weighted.Div(filled)
		if cur.OriginalEntryPrice.IsZero() {
			cur.OriginalEntryPrice = cur.AvgEntryPrice
		}

		wasOpen := cur.State == model.Open
		if filled.GreaterThanOrEqual(cur.PlannedQty) {
			cur.State = model.Open
		} else {
			cur.State = model.Partial
		}

		kind := telemetry.KindEntryMerged
		if !wasOpen && cur.State == model.Open {
			kind = telemetry.KindPositionOpen
		}
		e.sink.Emit(telemetry.Event{
			Timestamp:  time.Now(),
			PositionID: telemetry.ForPosition(cur.PositionID),
			Kind:       kind,
			Fields: map[string]string{
				"filled_qty":      cur.FilledQty.String(),
				"avg_entry_price": cur.AvgEntryPrice.String(),
			},
		})

		return cur, nil
	})
}
