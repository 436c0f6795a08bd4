// Package entryengine claims NEW signals, sizes and classifies them, places
// the dual-limit entry, and (in fill.go) merges fills into one
// avg_entry_price as they arrive.
package entryengine

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
	"github.com/ashgrove/signalbridge/internal/quant"
	"github.com/ashgrove/signalbridge/internal/signalstore"
	"github.com/ashgrove/signalbridge/internal/telemetry"
)

// Capacity reports whether a new position may be opened. Passed in rather
// than imported to keep entryengine independent of the watchdog package.
type Capacity func() (bool, error)

// Notifier forwards exactly one operator-visible message per terminal
// non-happy state. Declared locally so entryengine never imports the bot
// package; main wires a concrete implementation in.
type Notifier interface {
	NotifyRejected(signalID uint64, reason string)
}

type Engine struct {
	signals   *signalstore.Store
	positions *lifecyclestore.Store
	gw        exchange.Gateway
	sink      *telemetry.Sink
	cfg       *config.Config
	capacity  Capacity
	notifier  Notifier

	wasBlocked bool
}

func New(signals *signalstore.Store, positions *lifecyclestore.Store, gw exchange.Gateway, sink *telemetry.Sink, cfg *config.Config, capacity Capacity) *Engine {
	return &Engine{signals: signals, positions: positions, gw: gw, sink: sink, cfg: cfg, capacity: capacity}
}

// SetNotifier wires the operator notification channel in after construction.
func (e *Engine) SetNotifier(n Notifier) { e.notifier = n }

// Run drains claimable signals until ctx is cancelled, sleeping pollInterval
// between empty polls.
func (e *Engine) Run(ctx context.Context, pollInterval time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		did, err := e.step(ctx)
		if err != nil {
			log.Error().Err(err).Msg("entryengine: step failed")
		}
		if !did {
			select {
			case <-ctx.Done():
				return
			case <-time.After(pollInterval):
			}
		}
	}
}

// step claims at most one signal and tries to place it. Returns true if a
// signal was claimed and then placed or rejected, so Run can avoid sleeping
// while there's a backlog; a placement error reverts the claim and returns
// false.
func (e *Engine) step(ctx context.Context) (bool, error) {
	ok, err := e.capacity()
	if err != nil {
		return false, err
	}
	if !ok {
		// Edge-triggered: one event per transition into the blocked state, not
		// one per poll, so replaying the loop adds no telemetry rows.
		if !e.wasBlocked {
			e.wasBlocked = true
			e.sink.Emit(telemetry.Event{Timestamp: time.Now(), Kind: telemetry.KindCapacityBlocked})
		}
		return false, nil
	}
	e.wasBlocked = false

	sig, err := e.signals.ClaimNew()
	if err != nil {
		return false, err
	}
	if sig == nil {
		return false, nil
	}

	if err := e.PlaceSignal(ctx, sig); err != nil {
		log.Error().Err(err).Uint64("signal_id", sig.SignalID).Msg("entryengine: place failed, reverting claim")
		if revertErr := e.signals.RevertClaimed(sig.SignalID); revertErr != nil {
			log.Error().Err(revertErr).Msg("entryengine: revert failed")
		}
		// Sleep before the next claim so a transient exchange outage doesn't
		// spin claim/revert on the same signal.
		return false, nil
	}
	return true, nil
}

// PlaceSignal sizes, classifies and places a dual-limit entry for sig. It is
// the shared path for a fresh NEW-claim and for hedge re-entry, which
// replays the same signal through the same sizing/placement logic.
func (e *Engine) PlaceSignal(ctx context.Context, sig *model.Signal) error {
	balance, err := e.gw.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("entryengine: get_balance: %w", err)
	}

	info, err := e.gw.GetSymbolInfo(ctx, sig.Symbol)
	if err != nil {
		return e.reject(sig, fmt.Sprintf("bad_symbol:%v", err))
	}

	stopLoss, hasStop := stopOf(sig)
	leverage, stop, sigType := sizeAndClassify(balance, sig.EntryMid, stopLoss, hasStop, sig.Side, e.cfg)

	qtyRaw := e.cfg.PlannedMargin.Mul(leverage).Div(sig.EntryMid)
	qty := quant.QuantizeDown(qtyRaw, info.QtyStep)
	if qty.LessThan(info.MinQty) {
		return e.reject(sig, "below_min_qty")
	}

	if err := e.gw.SetLeverage(ctx, sig.Symbol, leverage); err != nil {
		return e.reject(sig, fmt.Sprintf("set_leverage_failed:%v", err))
	}

	mark, err := e.gw.GetMarkPrice(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("entryengine: get_mark_price: %w", err)
	}

	p1, p2, err := dualLimitPrices(sig.EntryMid, e.cfg.HalfSpreadPct, info.TickSize, sig.Side, mark)
	if err != nil {
		return e.reject(sig, err.Error())
	}

	q1 := quant.QuantizeDown(qty.Div(decimal.NewFromInt(2)), info.QtyStep)
	q2 := qty.Sub(q1)

	exSide := exchangeSide(sig.Side)
	order1, err := e.gw.PlaceLimit(ctx, sig.Symbol, exSide, q1, p1, true, false)
	if err != nil {
		return e.reject(sig, fmt.Sprintf("place_failed:%v", err))
	}
	order2, err := e.gw.PlaceLimit(ctx, sig.Symbol, exSide, q2, p2, true, false)
	if err != nil {
		_ = e.gw.Cancel(ctx, order1)
		return e.reject(sig, fmt.Sprintf("place_failed:%v", err))
	}

	pos := &model.Position{
		SignalID:          sig.SignalID,
		Symbol:            sig.Symbol,
		Side:              sig.Side,
		PlannedQty:        qty,
		Leverage:          leverage,
		InitialMarginPlan: e.cfg.PlannedMargin,
		SLPrice:           stop,
		TPPrices:          sig.Targets,
		EntryOrderIDs:     model.StringList{order1, order2},
		State:             model.PendingEntry,
		HedgeState:        model.HedgeNone,
	}
	if err := e.positions.Create(pos); err != nil {
		return fmt.Errorf("entryengine: persist position: %w", err)
	}
	_ = e.positions.TrackOrder(&model.OrderTracker{OrderID: order1, PositionID: pos.PositionID, Symbol: sig.Symbol, Role: "entry"})
	_ = e.positions.TrackOrder(&model.OrderTracker{OrderID: order2, PositionID: pos.PositionID, Symbol: sig.Symbol, Role: "entry"})

	if err := e.signals.SetType(sig.SignalID, sigType); err != nil {
		log.Error().Err(err).Uint64("signal_id", sig.SignalID).Msg("entryengine: record signal_type failed")
	}

	e.sink.Emit(telemetry.Event{
		Timestamp:        time.Now(),
		SignalID:         telemetry.ForSignal(sig.SignalID),
		PositionID:       telemetry.ForPosition(pos.PositionID),
		ExchangeOrderIDs: []string{order1, order2},
		Kind:             telemetry.KindEntryPlaced,
		Fields: map[string]string{
			"symbol":   sig.Symbol,
			"leverage": leverage.StringFixed(2),
			"type":     string(sigType),
		},
	})
	return nil
}

func (e *Engine) reject(sig *model.Signal, reason string) error {
	// Event before the status change it reports, so a crash between the two
	// under-reports rather than leaving an unexplained REJECTED row.
	e.sink.Emit(telemetry.Event{
		Timestamp: time.Now(),
		SignalID:  telemetry.ForSignal(sig.SignalID),
		Kind:      telemetry.KindSignalRejected,
		Fields:    map[string]string{"reason": reason},
	})
	if err := e.signals.Reject(sig.SignalID, reason); err != nil {
		return err
	}
	if e.notifier != nil {
		e.notifier.NotifyRejected(sig.SignalID, reason)
	}
	return nil
}

func stopOf(sig *model.Signal) (decimal.Decimal, bool) {
	if sig.StopLoss == nil {
		return decimal.Zero, false
	}
	return *sig.StopLoss, true
}

// sizeAndClassify derives leverage from balance, entry and stop distance,
// and picks the SWING/DYNAMIC/FAST classification.
func sizeAndClassify(balance, entry, stop decimal.Decimal, hasStop bool, side model.Side, cfg *config.Config) (leverage, resolvedStop decimal.Decimal, sigType model.SignalType) {
	if !hasStop {
		frac := cfg.FastFallbackPct
		if side == model.Long {
			resolvedStop = entry.Mul(decimal.NewFromInt(1).Sub(frac))
		} else {
			resolvedStop = entry.Mul(decimal.NewFromInt(1).Add(frac))
		}
		return cfg.FastLeverage, resolvedStop, model.Fast
	}

	delta := entry.Sub(stop).Abs().Div(entry)
	if delta.IsZero() {
		return cfg.LeverageMin, stop, model.Swing
	}
	notional := cfg.RiskPerTrade.Mul(balance).Div(delta)
	leverageRaw := notional.Div(cfg.PlannedMargin)
	leverage = quant.ClampLeverage(quant.RoundLeverageHalfUp(leverageRaw), cfg.LeverageMin, cfg.LeverageMax)

	midpoint := decimal.NewFromFloat(6.75)
	switch {
	case leverage.LessThanOrEqual(decimal.NewFromFloat(6.00)):
		sigType = model.Swing
	case leverage.GreaterThanOrEqual(decimal.NewFromFloat(7.50)):
		sigType = model.Dynamic
	case leverage.GreaterThanOrEqual(midpoint):
		sigType = model.Dynamic
	default:
		sigType = model.Swing
	}
	return leverage, stop, sigType
}

// dualLimitPrices straddles the mid with two limit legs: both must rest on
// the maker side of the book, nudged outward by one tick at a time until
// post-only is safe.
func dualLimitPrices(mid, halfSpreadPct decimal.Decimal, tick decimal.Decimal, side model.Side, markPrice decimal.Decimal) (decimal.Decimal, decimal.Decimal, error) {
	deltaPx := mid.Mul(halfSpreadPct)
	p1 := quant.QuantizeNearest(mid.Sub(deltaPx), tick)
	p2 := quant.QuantizeNearest(mid.Add(deltaPx), tick)

	const maxNudges = 50
	for i := 0; i < maxNudges; i++ {
		if safeMaker(p1, markPrice, side) && safeMaker(p2, markPrice, side) {
			return p1, p2, nil
		}
		if side == model.Long {
			p1 = p1.Sub(tick)
			p2 = p2.Sub(tick)
		} else {
			p1 = p1.Add(tick)
			p2 = p2.Add(tick)
		}
	}
	return decimal.Zero, decimal.Zero, fmt.Errorf("would_cross_book")
}

func safeMaker(price, markPrice decimal.Decimal, side model.Side) bool {
	if side == model.Long {
		return price.LessThan(markPrice)
	}
	return price.GreaterThan(markPrice)
}

func exchangeSide(side model.Side) exchange.Side {
	if side == model.Long {
		return exchange.Buy
	}
	return exchange.Sell
}
