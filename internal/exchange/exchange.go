// Package exchange is the exchange gateway: signed REST calls,
// symbol/price/quantity quantization inputs, and idempotent order ops
// against Bybit's v5 unified-account API (see DESIGN.md for the venue
// decision).
package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// OrderStatus mirrors the exchange's own order lifecycle vocabulary.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Side is the exchange-facing order side.
type Side string

const (
	Buy  Side = "Buy"
	Sell Side = "Sell"
)

// SymbolInfo is the quantization contract for one trading pair.
type SymbolInfo struct {
	TickSize decimal.Decimal
	QtyStep  decimal.Decimal
	MinQty   decimal.Decimal
}

// OrderInfo is the normalized shape GetOrder returns.
type OrderInfo struct {
	OrderID      string
	Status       OrderStatus
	FilledQty    decimal.Decimal
	AvgFillPrice decimal.Decimal
}

// PositionInfo is the normalized shape GetPositions returns.
type PositionInfo struct {
	Symbol     string
	Side       Side
	Qty        decimal.Decimal
	EntryPrice decimal.Decimal
}

// Error distinguishes transient/rate-limit errors (retried by the caller)
// from exchange business errors (insufficient balance, bad symbol, price
// out of range — terminal).
type Error struct {
	Code      int
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("exchange: code=%d retryable=%v: %s", e.Code, e.Retryable, e.Message)
}

// Gateway is the interface every consumer (entry engine, lifecycle manager,
// pyramid/hedge managers, watchdog) programs against.
type Gateway interface {
	GetBalance(ctx context.Context) (decimal.Decimal, error)
	GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error)
	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	PlaceLimit(ctx context.Context, symbol string, side Side, qty, price decimal.Decimal, postOnly, reduceOnly bool) (string, error)
	PlaceMarket(ctx context.Context, symbol string, side Side, qty decimal.Decimal, reduceOnly bool) (string, error)
	Cancel(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (OrderInfo, error)
	GetPositions(ctx context.Context, symbol string) ([]PositionInfo, error)
	SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error
}

// envelope is the {code, data, message} shape every response normalizes to.
// Bybit's own field names are retCode/retMsg/result; we translate at the
// edge so every other component only ever sees the normalized shape.
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

// Client is the Bybit-flavored REST implementation of Gateway.
type Client struct {
	baseURL    string
	apiKey     string
	apiSecret  string
	recvWindow time.Duration
	httpClient *http.Client
	maxRetries int
}

// Option configures a Client at construction.
type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// NewClient builds a Gateway talking to the given base URL, signing every
// private request with apiKey/apiSecret.
func NewClient(baseURL, apiKey, apiSecret string, recvWindow time.Duration, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		apiSecret:  apiSecret,
		recvWindow: recvWindow,
		httpClient: &http.Client{Timeout: 5 * time.Second},
		maxRetries: 5,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) GetBalance(ctx context.Context) (decimal.Decimal, error) {
	var out struct {
		List []struct {
			Coin []struct {
				WalletBalance string `json:"walletBalance"`
			} `json:"coin"`
		} `json:"list"`
	}
	if err := c.signedGet(ctx, "/v5/account/wallet-balance", url.Values{"accountType": {"UNIFIED"}}, &out); err != nil {
		return decimal.Zero, err
	}
	if len(out.List) == 0 || len(out.List[0].Coin) == 0 {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(out.List[0].Coin[0].WalletBalance)
}

func (c *Client) GetSymbolInfo(ctx context.Context, symbol string) (SymbolInfo, error) {
	var out struct {
		List []struct {
			LotSizeFilter struct {
				QtyStep string `json:"qtyStep"`
				MinQty  string `json:"minOrderQty"`
			} `json:"lotSizeFilter"`
			PriceFilter struct {
				TickSize string `json:"tickSize"`
			} `json:"priceFilter"`
		} `json:"list"`
	}
	q := url.Values{"category": {"linear"}, "symbol": {symbol}}
	if err := c.publicGet(ctx, "/v5/market/instruments-info", q, &out); err != nil {
		return SymbolInfo{}, err
	}
	if len(out.List) == 0 {
		return SymbolInfo{}, &Error{Code: -1, Message: "unknown symbol", Retryable: false}
	}
	tick, _ := decimal.NewFromString(out.List[0].PriceFilter.TickSize)
	step, _ := decimal.NewFromString(out.List[0].LotSizeFilter.QtyStep)
	minQty, _ := decimal.NewFromString(out.List[0].LotSizeFilter.MinQty)
	return SymbolInfo{TickSize: tick, QtyStep: step, MinQty: minQty}, nil
}

func (c *Client) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var out struct {
		List []struct {
			MarkPrice string `json:"markPrice"`
		} `json:"list"`
	}
	q := url.Values{"category": {"linear"}, "symbol": {symbol}}
	if err := c.publicGet(ctx, "/v5/market/tickers", q, &out); err != nil {
		return decimal.Zero, err
	}
	if len(out.List) == 0 {
		return decimal.Zero, &Error{Code: -1, Message: "unknown symbol", Retryable: false}
	}
	return decimal.NewFromString(out.List[0].MarkPrice)
}

func (c *Client) PlaceLimit(ctx context.Context, symbol string, side Side, qty, price decimal.Decimal, postOnly, reduceOnly bool) (string, error) {
	body := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        string(side),
		"orderType":   "Limit",
		"qty":         qty.String(),
		"price":       price.String(),
		"timeInForce": tif(postOnly),
		"reduceOnly":  reduceOnly,
	}
	return c.placeOrder(ctx, body)
}

func (c *Client) PlaceMarket(ctx context.Context, symbol string, side Side, qty decimal.Decimal, reduceOnly bool) (string, error) {
	body := map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"side":        string(side),
		"orderType":   "Market",
		"qty":         qty.String(),
		"timeInForce": "IOC",
		"reduceOnly":  reduceOnly,
	}
	return c.placeOrder(ctx, body)
}

func (c *Client) placeOrder(ctx context.Context, body map[string]interface{}) (string, error) {
	var out struct {
		OrderID string `json:"orderId"`
	}
	if err := c.signedPost(ctx, "/v5/order/create", body, &out); err != nil {
		return "", err
	}
	return out.OrderID, nil
}

func (c *Client) Cancel(ctx context.Context, orderID string) error {
	body := map[string]interface{}{"category": "linear", "orderId": orderID}
	var out struct{}
	return c.signedPost(ctx, "/v5/order/cancel", body, &out)
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (OrderInfo, error) {
	var out struct {
		List []struct {
			OrderID     string `json:"orderId"`
			OrderStatus string `json:"orderStatus"`
			CumExecQty  string `json:"cumExecQty"`
			AvgPrice    string `json:"avgPrice"`
		} `json:"list"`
	}
	q := url.Values{"category": {"linear"}, "orderId": {orderID}}
	if err := c.signedGet(ctx, "/v5/order/realtime", q, &out); err != nil {
		return OrderInfo{}, err
	}
	if len(out.List) == 0 {
		return OrderInfo{}, &Error{Code: -1, Message: "order not found", Retryable: true}
	}
	o := out.List[0]
	filled, _ := decimal.NewFromString(o.CumExecQty)
	avg, _ := decimal.NewFromString(o.AvgPrice)
	return OrderInfo{
		OrderID:      o.OrderID,
		Status:       normalizeStatus(o.OrderStatus),
		FilledQty:    filled,
		AvgFillPrice: avg,
	}, nil
}

func (c *Client) GetPositions(ctx context.Context, symbol string) ([]PositionInfo, error) {
	var out struct {
		List []struct {
			Symbol     string `json:"symbol"`
			Side       string `json:"side"`
			Size       string `json:"size"`
			AvgPrice   string `json:"avgPrice"`
		} `json:"list"`
	}
	q := url.Values{"category": {"linear"}}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	if err := c.signedGet(ctx, "/v5/position/list", q, &out); err != nil {
		return nil, err
	}
	positions := make([]PositionInfo, 0, len(out.List))
	for _, p := range out.List {
		qty, _ := decimal.NewFromString(p.Size)
		entry, _ := decimal.NewFromString(p.AvgPrice)
		positions = append(positions, PositionInfo{
			Symbol:     p.Symbol,
			Side:       Side(p.Side),
			Qty:        qty,
			EntryPrice: entry,
		})
	}
	return positions, nil
}

func (c *Client) SetLeverage(ctx context.Context, symbol string, leverage decimal.Decimal) error {
	body := map[string]interface{}{
		"category":     "linear",
		"symbol":       symbol,
		"buyLeverage":  leverage.StringFixed(2),
		"sellLeverage": leverage.StringFixed(2),
	}
	var out struct{}
	return c.signedPost(ctx, "/v5/position/set-leverage", body, &out)
}

func tif(postOnly bool) string {
	if postOnly {
		return "PostOnly"
	}
	return "GTC"
}

func normalizeStatus(raw string) OrderStatus {
	switch raw {
	case "New", "Untriggered":
		return OrderNew
	case "PartiallyFilled":
		return OrderPartiallyFilled
	case "Filled":
		return OrderFilled
	case "Cancelled", "Deactivated":
		return OrderCancelled
	case "Rejected":
		return OrderRejected
	default:
		return OrderStatus(raw)
	}
}

// ═══════════════════════════════════════════════════════════════════════════
// SIGNING & TRANSPORT
// ═══════════════════════════════════════════════════════════════════════════

func (c *Client) publicGet(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		u := c.baseURL + path + "?" + query.Encode()
		return http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	}, out)
}

func (c *Client) signedGet(ctx context.Context, path string, query url.Values, out interface{}) error {
	return c.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		qs := query.Encode()
		u := c.baseURL + path + "?" + qs
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		c.sign(req, qs)
		return req, nil
	}, out)
}

func (c *Client) signedPost(ctx context.Context, path string, body map[string]interface{}, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	return c.doWithRetry(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(payload)))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		c.sign(req, string(payload))
		return req, nil
	}, out)
}

// sign implements Bybit v5's signing scheme: HMAC-SHA256 over
// timestamp + apiKey + recvWindow + (sorted query string | json body),
// hex-encoded.
func (c *Client) sign(req *http.Request, payload string) {
	ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
	recv := strconv.FormatInt(c.recvWindow.Milliseconds(), 10)

	message := ts + c.apiKey + recv + payload
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(message))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-TIMESTAMP", ts)
	req.Header.Set("X-BAPI-RECV-WINDOW", recv)
	req.Header.Set("X-BAPI-SIGN", signature)
}

// doWithRetry executes the request, retrying transient/rate-limit errors
// with capped exponential backoff and jitter. Business errors
// (retryable=false) return immediately.
func (c *Client) doWithRetry(ctx context.Context, build func(context.Context) (*http.Request, error), out interface{}) error {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		req, err := build(ctx)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.backoff(attempt)
			continue
		}

		data, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if readErr != nil {
			lastErr = readErr
			c.backoff(attempt)
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			lastErr = &Error{Code: resp.StatusCode, Message: "rate limited", Retryable: true}
			log.Warn().Int("attempt", attempt).Msg("exchange rate limited, backing off")
			c.backoff(attempt)
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			return fmt.Errorf("exchange: decode envelope: %w", err)
		}
		if env.RetCode != 0 {
			exErr := &Error{Code: env.RetCode, Message: env.RetMsg, Retryable: isRetryableCode(env.RetCode)}
			if exErr.Retryable && attempt < c.maxRetries {
				lastErr = exErr
				c.backoff(attempt)
				continue
			}
			return exErr
		}

		if out == nil || len(env.Result) == 0 {
			return nil
		}
		return json.Unmarshal(env.Result, out)
	}
	return lastErr
}

// backoff sleeps for a capped exponential delay with jitter.
func (c *Client) backoff(attempt int) {
	base := time.Duration(1<<uint(attempt)) * 200 * time.Millisecond
	if base > 5*time.Second {
		base = 5 * time.Second
	}
	jitter := time.Duration(rand.Int63n(int64(base / 2)))
	time.Sleep(base + jitter)
}

// isRetryableCode flags Bybit codes known to be transient (rate limiting,
// internal errors) versus business errors (bad params, insufficient
// balance) that should surface immediately.
func isRetryableCode(code int) bool {
	switch code {
	case 10002, 10006, 10016, 130021:
		return true
	default:
		return false
	}
}
