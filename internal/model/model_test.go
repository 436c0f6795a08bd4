package model

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecimalList_ValueScanRoundTrip(t *testing.T) {
	orig := DecimalList{decimal.NewFromFloat(100.5), decimal.NewFromFloat(110)}

	v, err := orig.Value()
	require.NoError(t, err)

	var got DecimalList
	require.NoError(t, got.Scan(v))
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(decimal.NewFromFloat(100.5)))
	assert.True(t, got[1].Equal(decimal.NewFromFloat(110)))
}

func TestDecimalList_NilValueEncodesEmptyArray(t *testing.T) {
	var l DecimalList
	v, err := l.Value()
	require.NoError(t, err)
	assert.Equal(t, "[]", string(v.([]byte)))
}

func TestDecimalList_ScanNilClears(t *testing.T) {
	l := DecimalList{decimal.NewFromInt(1)}
	require.NoError(t, l.Scan(nil))
	assert.Nil(t, l)
}

func TestDecimalList_ScanEmptyStringClears(t *testing.T) {
	l := DecimalList{decimal.NewFromInt(1)}
	require.NoError(t, l.Scan(""))
	assert.Nil(t, l)
}

func TestDecimalList_ScanRejectsUnsupportedType(t *testing.T) {
	var l DecimalList
	err := l.Scan(42)
	assert.Error(t, err)
}

func TestStringList_ValueScanRoundTrip(t *testing.T) {
	orig := StringList{"order-1", "order-2"}

	v, err := orig.Value()
	require.NoError(t, err)

	var got StringList
	require.NoError(t, got.Scan(v))
	assert.Equal(t, orig, got)
}

func TestStringList_ScanFromStringColumn(t *testing.T) {
	var got StringList
	require.NoError(t, got.Scan(`["a","b"]`))
	assert.Equal(t, StringList{"a", "b"}, got)
}

func TestIntSet_ValueScanRoundTrip(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	orig := IntSet{0: now, 1: now}

	v, err := orig.Value()
	require.NoError(t, err)

	var got IntSet
	require.NoError(t, got.Scan(v))
	require.Len(t, got, 2)
	assert.True(t, got[0].Equal(now))
}

func TestIntSet_NilValueEncodesEmptyObject(t *testing.T) {
	var s IntSet
	v, err := s.Value()
	require.NoError(t, err)
	assert.Equal(t, "{}", string(v.([]byte)))
}

func TestIntSet_ScanEmptyBytesYieldsEmptySetNotNil(t *testing.T) {
	s := IntSet{0: time.Now()}
	require.NoError(t, s.Scan([]byte{}))
	assert.NotNil(t, s)
	assert.Len(t, s, 0)
}

func TestSide_IsLong(t *testing.T) {
	assert.True(t, Long.IsLong())
	assert.False(t, Short.IsLong())
}

func TestTableNames(t *testing.T) {
	assert.Equal(t, "signals", Signal{}.TableName())
	assert.Equal(t, "positions", Position{}.TableName())
	assert.Equal(t, "order_tracker", OrderTracker{}.TableName())
}
