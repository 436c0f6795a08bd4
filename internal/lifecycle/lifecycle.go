// Package lifecycle owns the position state machine: it attaches TP/SL on
// the OPEN transition, then polls exchange truth to drive OPEN → CLOSING →
// CLOSED, breakeven-plus-epsilon on TP2, and profit-gated trailing stops.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/ashgrove/signalbridge/internal/config"
	"github.com/ashgrove/signalbridge/internal/exchange"
	"github.com/ashgrove/signalbridge/internal/lifecyclestore"
	"github.com/ashgrove/signalbridge/internal/model"
	"github.com/ashgrove/signalbridge/internal/publisher"
	"github.com/ashgrove/signalbridge/internal/quant"
	"github.com/ashgrove/signalbridge/internal/telemetry"
)

// Notifier forwards exactly one operator-visible message per terminal
// non-happy state. Declared locally so lifecycle never imports the bot
// package; main wires a concrete implementation in.
type Notifier interface {
	NotifyFailed(positionID uint64, reason string)
}

type Manager struct {
	positions *lifecyclestore.Store
	gw        exchange.Gateway
	sink      *telemetry.Sink
	cfg       *config.Config
	notifier  Notifier
	publisher *publisher.Publisher
}

func New(positions *lifecyclestore.Store, gw exchange.Gateway, sink *telemetry.Sink, cfg *config.Config) *Manager {
	return &Manager{positions: positions, gw: gw, sink: sink, cfg: cfg}
}

// SetNotifier wires the operator notification channel in after construction.
func (m *Manager) SetNotifier(n Notifier) { m.notifier = n }

// SetPublisher wires the confirmation-message channel. Publishing only
// ever happens from here, once TP/SL are exchange-confirmed and the position
// is OPEN — the one moment every flag in the template is true.
func (m *Manager) SetPublisher(p *publisher.Publisher) { m.publisher = p }

// Run polls OPEN/CLOSING positions at pollInterval and everything else
// (attachment-pending OPEN transitions) at idlePoll.
func (m *Manager) Run(ctx context.Context, pollInterval, idlePoll time.Duration) {
	ticker := time.NewTicker(pollInterval)
	idleTicker := time.NewTicker(idlePoll)
	defer ticker.Stop()
	defer idleTicker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.pollActive(ctx); err != nil {
				log.Error().Err(err).Msg("lifecycle: poll active failed")
			}
		case <-idleTicker.C:
			if err := m.pollAttachmentPending(ctx); err != nil {
				log.Error().Err(err).Msg("lifecycle: poll attachment-pending failed")
			}
		}
	}
}

func (m *Manager) pollAttachmentPending(ctx context.Context) error {
	positions, err := m.positions.ByState(model.Open)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if pos.SLOrderID != "" {
			continue // already attached — the SL is always the last leg placed
		}
		if err := m.attach(ctx, pos.PositionID); err != nil {
			log.Error().Err(err).Uint64("position_id", pos.PositionID).Msg("lifecycle: attach failed")
		}
	}
	return nil
}

// attach places reduce-only TP and SL orders on a freshly-OPEN position.
// Failure to attach any leg fails the whole position — partial protection
// is worse than none.
func (m *Manager) attach(ctx context.Context, positionID uint64) error {
	return m.positions.WithLock(positionID, func(cur *model.Position) (*model.Position, error) {
		if cur.State != model.Open || cur.SLOrderID != "" {
			return nil, nil
		}

		info, err := m.gw.GetSymbolInfo(ctx, cur.Symbol)
		if err != nil {
			return m.fail(cur, fmt.Sprintf("attach_symbol_info_failed:%v", err)), nil
		}

		exitSide := oppositeSide(cur.Side)
		tpOrderIDs := make(model.StringList, 0, len(cur.TPPrices))
		if len(cur.TPPrices) > 0 {
			// Entry/stop-only signal has no targets to split
			// across; the whole filled quantity then rides on the stop alone.
			share := quant.QuantizeDown(cur.FilledQty.Div(decimal.NewFromInt(int64(len(cur.TPPrices)))), info.QtyStep)
			for _, tp := range cur.TPPrices {
				id, err := m.gw.PlaceLimit(ctx, cur.Symbol, exitSide, share, quant.QuantizeNearest(tp, info.TickSize), true, true)
				if err != nil {
					return m.fail(cur, fmt.Sprintf("tp_attach_failed:%v", err)), nil
				}
				tpOrderIDs = append(tpOrderIDs, id)
				_ = m.positions.TrackOrder(&model.OrderTracker{OrderID: id, PositionID: cur.PositionID, Symbol: cur.Symbol, Role: "tp"})
			}
		}

		slID, err := m.gw.PlaceLimit(ctx, cur.Symbol, exitSide, cur.FilledQty, quant.QuantizeNearest(cur.SLPrice, info.TickSize), true, true)
		if err != nil {
			return m.fail(cur, fmt.Sprintf("sl_attach_failed:%v", err)), nil
		}
		_ = m.positions.TrackOrder(&model.OrderTracker{OrderID: slID, PositionID: cur.PositionID, Symbol: cur.Symbol, Role: "sl"})

		cur.TPOrderIDs = tpOrderIDs
		cur.SLOrderID = slID

		m.sink.Emit(telemetry.Event{Timestamp: time.Now(), PositionID: telemetry.ForPosition(cur.PositionID), ExchangeOrderIDs: tpOrderIDs, Kind: telemetry.KindTPAttached})
		m.sink.Emit(telemetry.Event{Timestamp: time.Now(), PositionID: telemetry.ForPosition(cur.PositionID), ExchangeOrderIDs: []string{slID}, Kind: telemetry.KindSLAttached})

		if m.publisher != nil {
			m.publish(ctx, cur, tpOrderIDs, slID)
		}
		return cur, nil
	})
}

// publish sends the confirmation block. By the time attach reaches this
// point order_accepted, tp_sl_set, and position_opened are all true — the
// only moment all three hold at once.
func (m *Manager) publish(ctx context.Context, cur *model.Position, tpOrderIDs model.StringList, slID string) {
	allIDs := append(append(model.StringList{}, cur.EntryOrderIDs...), tpOrderIDs...)
	allIDs = append(allIDs, slID)

	tpList := make([]publisher.TPLine, 0, len(cur.TPPrices))
	for _, tp := range cur.TPPrices {
		var share decimal.Decimal
		if len(cur.TPPrices) > 0 {
			share = decimal.NewFromInt(100).Div(decimal.NewFromInt(int64(len(cur.TPPrices))))
		}
		pct := tp.Sub(cur.OriginalEntryPrice).Div(cur.OriginalEntryPrice).Mul(decimal.NewFromInt(100))
		if cur.Side == model.Short {
			pct = pct.Neg()
		}
		tpList = append(tpList, publisher.TPLine{Price: tp, PctFromEntry: pct, Share: share})
	}

	if err := m.publisher.PublishEntry(ctx, publisher.Confirmation{
		BotOrderID:       cur.PositionID,
		ExchangeOrderIDs: allIDs,
		Symbol:           cur.Symbol,
		Side:             cur.Side,
		EntryPrice:       cur.AvgEntryPrice,
		SLPrice:          cur.SLPrice,
		Leverage:         cur.Leverage,
		Quantity:         cur.FilledQty,
		TPList:           tpList,
		OrderAccepted:    true,
		TPSLSet:          true,
		PositionOpened:   true,
	}); err != nil {
		log.Error().Err(err).Uint64("position_id", cur.PositionID).Msg("lifecycle: publish confirmation failed")
	}
}

func (m *Manager) fail(pos *model.Position, reason string) *model.Position {
	pos.State = model.Failed
	pos.OutcomeReason = reason
	m.sink.Emit(telemetry.Event{Timestamp: time.Now(), PositionID: telemetry.ForPosition(pos.PositionID), Kind: telemetry.KindPositionFailed, Fields: map[string]string{"reason": reason}})
	if m.notifier != nil {
		m.notifier.NotifyFailed(pos.PositionID, reason)
	}
	return pos
}

func (m *Manager) pollActive(ctx context.Context) error {
	positions, err := m.positions.ByState(model.Open, model.Closing)
	if err != nil {
		return err
	}
	for _, pos := range positions {
		if err := m.evaluate(ctx, pos.PositionID); err != nil {
			log.Error().Err(err).Uint64("position_id", pos.PositionID).Msg("lifecycle: evaluate failed")
		}
	}
	return nil
}

// evaluate re-reads exchange truth for one position and drives every state
// transition from it. All branches are idempotent: re-running against
// unchanged exchange state makes no further change.
func (m *Manager) evaluate(ctx context.Context, positionID uint64) error {
	pos, err := m.positions.Get(positionID)
	if err != nil {
		return err
	}
	if pos.SLOrderID == "" {
		return nil // not attached yet
	}

	mark, err := m.gw.GetMarkPrice(ctx, pos.Symbol)
	if err != nil {
		return err
	}

	tpFilled := make([]bool, len(pos.TPOrderIDs))
	for i, id := range pos.TPOrderIDs {
		info, err := m.gw.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		tpFilled[i] = info.Status == exchange.OrderFilled
	}
	slInfo, err := m.gw.GetOrder(ctx, pos.SLOrderID)
	if err != nil {
		return err
	}

	return m.positions.WithLock(positionID, func(cur *model.Position) (*model.Position, error) {
		if slInfo.Status == exchange.OrderFilled && cur.State != model.Closed {
			cur.State = model.Closed
			cur.OutcomeReason = "stop_hit"
			m.sink.Emit(telemetry.Event{Timestamp: time.Now(), PositionID: telemetry.ForPosition(cur.PositionID), ExchangeOrderIDs: []string{cur.SLOrderID}, Kind: telemetry.KindSLFilled})
			m.sink.Emit(telemetry.Event{Timestamp: time.Now(), PositionID: telemetry.ForPosition(cur.PositionID), Kind: telemetry.KindPositionClosed, Fields: map[string]string{"outcome": "stop_hit"}})
			return cur, nil
		}

		allTPFilled := len(tpFilled) > 0
		for i, filled := range tpFilled {
			if !filled {
				allTPFilled = false
				continue
			}
			id := cur.TPOrderIDs[i]
			if !contains(cur.TPFilledIDs, id) {
				cur.TPFilledIDs = append(cur.TPFilledIDs, id)
				m.sink.Emit(telemetry.Event{Timestamp: time.Now(), PositionID: telemetry.ForPosition(cur.PositionID), ExchangeOrderIDs: []string{id}, Kind: telemetry.KindTPFilled, Fields: map[string]string{"index": fmt.Sprint(i)}})
			}
		}

		if allTPFilled {
			cur.State = model.Closing
		}

		// TP2 (index 1) filled → breakeven plus epsilon. Only ratchets forward,
		// so re-evaluating unchanged state is a no-op.
		if len(tpFilled) > 1 && tpFilled[1] {
			newSL := breakeven(cur.OriginalEntryPrice, cur.Side, m.cfg.BreakevenEpsilonPct)
			improves := (cur.Side == model.Long && newSL.GreaterThan(cur.SLPrice)) || (cur.Side == model.Short && newSL.LessThan(cur.SLPrice))
			if improves {
				if err := m.moveSL(ctx, cur, newSL); err != nil {
					log.Error().Err(err).Uint64("position_id", cur.PositionID).Msg("lifecycle: breakeven move failed")
				} else {
					m.sink.Emit(telemetry.Event{Timestamp: time.Now(), PositionID: telemetry.ForPosition(cur.PositionID), Kind: telemetry.KindBreakevenMoved, Fields: map[string]string{"sl_price": cur.SLPrice.String()}})
				}
			}
		}

		profitPct := unrealizedProfitPct(cur.OriginalEntryPrice, mark, cur.Side)
		if profitPct.GreaterThanOrEqual(m.cfg.TrailingStartPct.Mul(decimal.NewFromInt(100))) {
			if newSL, moved := nextTrailingStop(cur, mark, m.cfg.TrailingDistancePct, m.cfg.TrailingMinInterval); moved {
				if err := m.moveSL(ctx, cur, newSL); err != nil {
					log.Error().Err(err).Uint64("position_id", cur.PositionID).Msg("lifecycle: trailing move failed")
				} else {
					cur.LastTrailingUpdate = time.Now()
					m.sink.Emit(telemetry.Event{Timestamp: time.Now(), PositionID: telemetry.ForPosition(cur.PositionID), Kind: telemetry.KindTrailingUpdated, Fields: map[string]string{"sl_price": cur.SLPrice.String()}})
				}
			}
		}

		if cur.State == model.Closing {
			positions, err := m.gw.GetPositions(ctx, cur.Symbol)
			if err == nil && remainingSize(positions, cur.Symbol, cur.Side).IsZero() {
				cur.State = model.Closed
				cur.OutcomeReason = "targets_filled"
				m.sink.Emit(telemetry.Event{Timestamp: time.Now(), PositionID: telemetry.ForPosition(cur.PositionID), Kind: telemetry.KindPositionClosed, Fields: map[string]string{"outcome": "targets_filled"}})
			}
		}

		return cur, nil
	})
}

func breakeven(entry decimal.Decimal, side model.Side, epsilonPct decimal.Decimal) decimal.Decimal {
	eps := entry.Mul(epsilonPct)
	if side == model.Long {
		return entry.Add(eps)
	}
	return entry.Sub(eps)
}

func unrealizedProfitPct(entry, mark decimal.Decimal, side model.Side) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	move := mark.Sub(entry).Div(entry).Mul(decimal.NewFromInt(100))
	if side == model.Short {
		move = move.Neg()
	}
	return move
}

// nextTrailingStop maintains SL trailingDistancePct behind the best
// favorable price seen, rate-limited by minInterval. Mutates the
// position's high-water mark as a side effect even when it returns
// moved=false, since the high-water mark itself isn't rate-limited.
func nextTrailingStop(pos *model.Position, mark, distancePct decimal.Decimal, minInterval time.Duration) (decimal.Decimal, bool) {
	pos.TrailingActive = true
	if pos.Side == model.Long {
		if pos.TrailingHighWater.IsZero() || mark.GreaterThan(pos.TrailingHighWater) {
			pos.TrailingHighWater = mark
		}
	} else {
		if pos.TrailingHighWater.IsZero() || mark.LessThan(pos.TrailingHighWater) {
			pos.TrailingHighWater = mark
		}
	}

	if !pos.LastTrailingUpdate.IsZero() && time.Since(pos.LastTrailingUpdate) < minInterval {
		return decimal.Zero, false
	}

	dist := pos.TrailingHighWater.Mul(distancePct)
	if pos.Side == model.Long {
		candidate := pos.TrailingHighWater.Sub(dist)
		if !candidate.GreaterThan(pos.SLPrice) {
			return decimal.Zero, false
		}
		return candidate, true
	}
	candidate := pos.TrailingHighWater.Add(dist)
	if !candidate.LessThan(pos.SLPrice) {
		return decimal.Zero, false
	}
	return candidate, true
}

// moveSL cancels the resting SL order and replaces it at newPrice, updating
// cur in place. Exchange-first: cur.SLPrice/SLOrderID only change once the
// replacement is confirmed.
func (m *Manager) moveSL(ctx context.Context, cur *model.Position, newPrice decimal.Decimal) error {
	info, err := m.gw.GetSymbolInfo(ctx, cur.Symbol)
	if err != nil {
		return err
	}
	quantized := quant.QuantizeNearest(newPrice, info.TickSize)

	id, err := m.gw.PlaceLimit(ctx, cur.Symbol, oppositeSide(cur.Side), cur.FilledQty, quantized, true, true)
	if err != nil {
		return err
	}
	if cur.SLOrderID != "" {
		_ = m.gw.Cancel(ctx, cur.SLOrderID)
		_ = m.positions.DeactivateOrder(cur.SLOrderID)
	}
	_ = m.positions.TrackOrder(&model.OrderTracker{OrderID: id, PositionID: cur.PositionID, Symbol: cur.Symbol, Role: "sl"})
	cur.SLOrderID = id
	cur.SLPrice = quantized
	return nil
}

// remainingSize matches on side as well as symbol so a live hedge on the
// same symbol doesn't keep the primary from reading as flat.
func remainingSize(positions []exchange.PositionInfo, symbol string, side model.Side) decimal.Decimal {
	want := exchange.Buy
	if side == model.Short {
		want = exchange.Sell
	}
	for _, p := range positions {
		if p.Symbol == symbol && (p.Side == "" || p.Side == want) {
			return p.Qty
		}
	}
	return decimal.Zero
}

func contains(ids model.StringList, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func oppositeSide(side model.Side) exchange.Side {
	if side == model.Long {
		return exchange.Sell
	}
	return exchange.Buy
}
