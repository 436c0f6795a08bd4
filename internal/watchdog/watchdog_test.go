package watchdog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ashgrove/signalbridge/internal/config"
	"github.com/ashgrove/signalbridge/internal/exchange"
	"github.com/ashgrove/signalbridge/internal/lifecyclestore"
	"github.com/ashgrove/signalbridge/internal/model"
	"github.com/ashgrove/signalbridge/internal/signalstore"
	"github.com/ashgrove/signalbridge/internal/telemetry"
)

type fakeGateway struct {
	orderStatus map[string]exchange.OrderStatus
	cancelled   []string
}

func (f *fakeGateway) GetBalance(context.Context) (decimal.Decimal, error) { return decimal.Zero, nil }
func (f *fakeGateway) GetSymbolInfo(context.Context, string) (exchange.SymbolInfo, error) {
	return exchange.SymbolInfo{}, nil
}
func (f *fakeGateway) GetMarkPrice(context.Context, string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeGateway) PlaceLimit(context.Context, string, exchange.Side, decimal.Decimal, decimal.Decimal, bool, bool) (string, error) {
	return "", nil
}
func (f *fakeGateway) PlaceMarket(context.Context, string, exchange.Side, decimal.Decimal, bool) (string, error) {
	return "", nil
}
func (f *fakeGateway) Cancel(ctx context.Context, orderID string) error {
	f.cancelled = append(f.cancelled, orderID)
	return nil
}
func (f *fakeGateway) GetOrder(ctx context.Context, orderID string) (exchange.OrderInfo, error) {
	return exchange.OrderInfo{OrderID: orderID, Status: f.orderStatus[orderID]}, nil
}
func (f *fakeGateway) GetPositions(context.Context, string) ([]exchange.PositionInfo, error) {
	return nil, nil
}
func (f *fakeGateway) SetLeverage(context.Context, string, decimal.Decimal) error { return nil }

func testStores(t *testing.T) (*signalstore.Store, *lifecyclestore.Store) {
	t.Helper()
	dir := t.TempDir()
	signals, err := signalstore.Open(filepath.Join(dir, "signals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = signals.Close() })
	positions, err := lifecyclestore.Open(filepath.Join(dir, "lifecycle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = positions.Close() })
	return signals, positions
}

func testSink(t *testing.T) *telemetry.Sink {
	t.Helper()
	s, err := telemetry.Open(filepath.Join(t.TempDir(), "telemetry.ndjson"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestMayAcceptNewSignal_UnderCapacity(t *testing.T) {
	signals, positions := testStores(t)
	wd := New(signals, positions, &fakeGateway{}, testSink(t), &config.Config{MaxActivePositions: 2})

	ok, err := wd.MayAcceptNewSignal()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMayAcceptNewSignal_AtCapacity(t *testing.T) {
	signals, positions := testStores(t)
	for i := 0; i < 2; i++ {
		require.NoError(t, positions.Create(&model.Position{Symbol: "BTCUSDT", Side: model.Long, State: model.Open}))
	}
	wd := New(signals, positions, &fakeGateway{}, testSink(t), &config.Config{MaxActivePositions: 2})

	ok, err := wd.MayAcceptNewSignal()
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMayAcceptNewSignal_TerminalPositionsDontCountAgainstCapacity(t *testing.T) {
	signals, positions := testStores(t)
	require.NoError(t, positions.Create(&model.Position{Symbol: "BTCUSDT", Side: model.Long, State: model.Closed}))
	require.NoError(t, positions.Create(&model.Position{Symbol: "BTCUSDT", Side: model.Long, State: model.Cancelled}))
	wd := New(signals, positions, &fakeGateway{}, testSink(t), &config.Config{MaxActivePositions: 1})

	ok, err := wd.MayAcceptNewSignal()
	require.NoError(t, err)
	require.True(t, ok)
}

func TestSweep_ReapsStaleUnfilledOrderAndCancelsPosition(t *testing.T) {
	signals, positions := testStores(t)
	sig := &model.Signal{SourceChannel: "1", SourceMessageID: "1", Symbol: "BTCUSDT", Side: model.Long, EntryMid: decimal.NewFromInt(100), Status: model.SignalClaimed}
	require.NoError(t, signals.Insert(sig))

	pos := &model.Position{SignalID: sig.SignalID, Symbol: "BTCUSDT", Side: model.Long, State: model.PendingEntry}
	require.NoError(t, positions.Create(pos))

	order := &model.OrderTracker{OrderID: "stale-1", PositionID: pos.PositionID, Symbol: "BTCUSDT", Role: "entry"}
	require.NoError(t, positions.TrackOrder(order))

	gw := &fakeGateway{}
	cfg := &config.Config{MaxActivePositions: 10, StaleEntryAge: 0, PurgeAge: 24 * time.Hour}
	wd := New(signals, positions, gw, testSink(t), cfg)

	require.NoError(t, wd.Sweep(context.Background()))

	gotPos, err := positions.Get(pos.PositionID)
	require.NoError(t, err)
	require.Equal(t, model.Cancelled, gotPos.State)
	require.Equal(t, "no_fill_timeout", gotPos.OutcomeReason)

	gotSig, err := signals.Get(sig.SignalID)
	require.NoError(t, err)
	require.Equal(t, model.SignalExpired, gotSig.Status)

	require.Contains(t, gw.cancelled, "stale-1")
}

func TestSweep_SkipsFilledPosition(t *testing.T) {
	signals, positions := testStores(t)
	sig := &model.Signal{SourceChannel: "1", SourceMessageID: "1", Symbol: "BTCUSDT", Side: model.Long, EntryMid: decimal.NewFromInt(100), Status: model.SignalClaimed}
	require.NoError(t, signals.Insert(sig))

	pos := &model.Position{SignalID: sig.SignalID, Symbol: "BTCUSDT", Side: model.Long, State: model.Open, FilledQty: decimal.NewFromInt(1)}
	require.NoError(t, positions.Create(pos))

	order := &model.OrderTracker{OrderID: "entry-1", PositionID: pos.PositionID, Symbol: "BTCUSDT", Role: "entry"}
	require.NoError(t, positions.TrackOrder(order))

	gw := &fakeGateway{}
	cfg := &config.Config{MaxActivePositions: 10, StaleEntryAge: 0, PurgeAge: 24 * time.Hour}
	wd := New(signals, positions, gw, testSink(t), cfg)

	require.NoError(t, wd.Sweep(context.Background()))

	gotPos, err := positions.Get(pos.PositionID)
	require.NoError(t, err)
	require.Equal(t, model.Open, gotPos.State, "filled position must survive the reap even though its order is 'stale'")
}

func TestReconcile_DeactivatesCancelledExchangeOrder(t *testing.T) {
	signals, positions := testStores(t)
	pos := &model.Position{Symbol: "BTCUSDT", Side: model.Long, State: model.Open}
	require.NoError(t, positions.Create(pos))

	order := &model.OrderTracker{OrderID: "order-x", PositionID: pos.PositionID, Symbol: "BTCUSDT", Role: "tp"}
	require.NoError(t, positions.TrackOrder(order))

	gw := &fakeGateway{orderStatus: map[string]exchange.OrderStatus{"order-x": exchange.OrderCancelled}}
	cfg := &config.Config{MaxActivePositions: 10, StaleEntryAge: 24 * time.Hour, PurgeAge: 6 * 24 * time.Hour}
	wd := New(signals, positions, gw, testSink(t), cfg)

	require.NoError(t, wd.reconcile(context.Background()))

	active, err := positions.ActiveOrders()
	require.NoError(t, err)
	require.Len(t, active, 0)
}
