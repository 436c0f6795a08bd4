package exchange

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTif_PostOnlyVsGTC(t *testing.T) {
	assert.Equal(t, "PostOnly", tif(true))
	assert.Equal(t, "GTC", tif(false))
}

func TestNormalizeStatus_MapsKnownBybitStates(t *testing.T) {
	cases := map[string]OrderStatus{
		"New":             OrderNew,
		"Untriggered":     OrderNew,
		"PartiallyFilled": OrderPartiallyFilled,
		"Filled":          OrderFilled,
		"Cancelled":       OrderCancelled,
		"Deactivated":     OrderCancelled,
		"Rejected":        OrderRejected,
	}
	for raw, want := range cases {
		assert.Equal(t, want, normalizeStatus(raw), "raw=%s", raw)
	}
}

func TestNormalizeStatus_UnknownPassesThroughVerbatim(t *testing.T) {
	assert.Equal(t, OrderStatus("SomeNewBybitState"), normalizeStatus("SomeNewBybitState"))
}

func TestIsRetryableCode(t *testing.T) {
	for _, c := range []int{10002, 10006, 10016, 130021} {
		assert.True(t, isRetryableCode(c), "code=%d", c)
	}
	for _, c := range []int{10001, 110007, 0} {
		assert.False(t, isRetryableCode(c), "code=%d", c)
	}
}

func TestError_FormatsCodeRetryableAndMessage(t *testing.T) {
	err := &Error{Code: 110007, Message: "ab not enough for new order", Retryable: false}
	assert.Equal(t, "exchange: code=110007 retryable=false: ab not enough for new order", err.Error())
}

func TestSign_SetsExpectedHeadersWithHexSignature(t *testing.T) {
	c := NewClient("https://api.bybit.com", "key123", "secret456", 5*time.Second)
	req, err := http.NewRequest(http.MethodGet, "https://api.bybit.com/v5/market/tickers", nil)
	assert.NoError(t, err)

	c.sign(req, "category=linear&symbol=BTCUSDT")

	assert.Equal(t, "key123", req.Header.Get("X-BAPI-API-KEY"))
	assert.Equal(t, "5000", req.Header.Get("X-BAPI-RECV-WINDOW"))
	assert.NotEmpty(t, req.Header.Get("X-BAPI-TIMESTAMP"))
	sig := req.Header.Get("X-BAPI-SIGN")
	assert.Len(t, sig, 64, "hex-encoded HMAC-SHA256 is 64 hex chars")
}

func TestSign_DifferentPayloadsProduceDifferentSignatures(t *testing.T) {
	c := NewClient("https://api.bybit.com", "key123", "secret456", 5*time.Second)
	req1, _ := http.NewRequest(http.MethodGet, "https://api.bybit.com/x", nil)
	req2, _ := http.NewRequest(http.MethodGet, "https://api.bybit.com/x", nil)

	c.sign(req1, "payload-a")
	c.sign(req2, "payload-b")

	assert.NotEqual(t, req1.Header.Get("X-BAPI-SIGN"), req2.Header.Get("X-BAPI-SIGN"))
}
