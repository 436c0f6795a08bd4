package signalstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/ashgrove/signalbridge/internal/model"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "signals.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newSignal(channel int64, msgID string) *model.Signal {
	return &model.Signal{
		ReceivedAt:      time.Now(),
		SourceChannel:   "101",
		SourceMessageID: msgID,
		NormalizedHash:  "hash-" + msgID,
		Symbol:          "BTCUSDT",
		Side:            model.Long,
		EntryMid:        decimal.NewFromFloat(100),
		Targets:         model.DecimalList{decimal.NewFromFloat(105)},
		Status:          model.SignalNew,
	}
}

func TestInsertAndGet(t *testing.T) {
	s := openTestStore(t)
	sig := newSignal(101, "m1")
	require.NoError(t, s.Insert(sig))
	require.NotZero(t, sig.SignalID)

	got, err := s.Get(sig.SignalID)
	require.NoError(t, err)
	require.Equal(t, "BTCUSDT", got.Symbol)
}

func TestInsert_DuplicateChannelMessageID(t *testing.T) {
	s := openTestStore(t)
	sig1 := newSignal(101, "dup-1")
	require.NoError(t, s.Insert(sig1))

	sig2 := newSignal(101, "dup-1")
	sig2.NormalizedHash = "different-hash"
	err := s.Insert(sig2)
	require.ErrorIs(t, err, ErrDuplicate)
}

func TestHasRecentHash(t *testing.T) {
	s := openTestStore(t)
	sig := newSignal(101, "m2")
	require.NoError(t, s.Insert(sig))

	dup, err := s.HasRecentHash(sig.NormalizedHash, time.Hour, time.Now())
	require.NoError(t, err)
	require.True(t, dup)

	dup, err = s.HasRecentHash("no-such-hash", time.Hour, time.Now())
	require.NoError(t, err)
	require.False(t, dup)
}

func TestHasRecentHash_OutsideTTL(t *testing.T) {
	s := openTestStore(t)
	sig := newSignal(101, "m3")
	sig.ReceivedAt = time.Now().Add(-2 * time.Hour)
	require.NoError(t, s.Insert(sig))

	dup, err := s.HasRecentHash(sig.NormalizedHash, time.Hour, time.Now())
	require.NoError(t, err)
	require.False(t, dup)
}

func TestClaimNew_AtomicAndSingleOwner(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Insert(newSignal(101, "c1")))
	require.NoError(t, s.Insert(newSignal(101, "c2")))

	first, err := s.ClaimNew()
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, model.SignalClaimed, first.Status)

	second, err := s.ClaimNew()
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotEqual(t, first.SignalID, second.SignalID)

	third, err := s.ClaimNew()
	require.NoError(t, err)
	require.Nil(t, third)
}

func TestRevertClaimed(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Insert(newSignal(101, "r1")))
	claimed, err := s.ClaimNew()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	require.NoError(t, s.RevertClaimed(claimed.SignalID))

	got, err := s.Get(claimed.SignalID)
	require.NoError(t, err)
	require.Equal(t, model.SignalNew, got.Status)

	// The reverted row is claimable again.
	reclaimed, err := s.ClaimNew()
	require.NoError(t, err)
	require.NotNil(t, reclaimed)
	require.Equal(t, claimed.SignalID, reclaimed.SignalID)
}

func TestRejectAndExpire(t *testing.T) {
	s := openTestStore(t)
	sig := newSignal(101, "re1")
	require.NoError(t, s.Insert(sig))

	require.NoError(t, s.Reject(sig.SignalID, "bad_symbol"))
	got, err := s.Get(sig.SignalID)
	require.NoError(t, err)
	require.Equal(t, model.SignalRejected, got.Status)
	require.Equal(t, "bad_symbol", got.RejectReason)

	sig2 := newSignal(101, "re2")
	require.NoError(t, s.Insert(sig2))
	require.NoError(t, s.Expire(sig2.SignalID))
	got2, err := s.Get(sig2.SignalID)
	require.NoError(t, err)
	require.Equal(t, model.SignalExpired, got2.Status)
}

func TestStaleClaimed(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Insert(newSignal(101, "s1")))
	claimed, err := s.ClaimNew()
	require.NoError(t, err)
	require.NotNil(t, claimed)

	stale, err := s.StaleClaimed(0, time.Now().Add(time.Second))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	require.Equal(t, claimed.SignalID, stale[0].SignalID)
}

func TestCountNew(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.Insert(newSignal(101, "n1")))
	require.NoError(t, s.Insert(newSignal(101, "n2")))

	count, err := s.CountNew()
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	_, err = s.ClaimNew()
	require.NoError(t, err)

	count, err = s.CountNew()
	require.NoError(t, err)
	require.Equal(t, int64(1), count)
}
