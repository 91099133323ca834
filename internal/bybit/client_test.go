package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"traderelay/internal/signer"
	"traderelay/models"
)

func marketIntent(t *testing.T) *models.OrderIntent {
	t.Helper()
	qty, err := decimal.NewFromString("0.01")
	if err != nil {
		t.Fatalf("parse qty: %v", err)
	}
	intent, err := models.NewOrderIntent(models.CategoryLinear, "BTCUSDT", models.SideBuy, models.OrderTypeMarket, qty, nil)
	if err != nil {
		t.Fatalf("build intent: %v", err)
	}
	return intent
}

func testClient(t *testing.T, srv *httptest.Server, opts ...ClientOption) *Client {
	t.Helper()
	base := []ClientOption{
		WithBaseURL(srv.URL),
		WithRetryPolicy(3, 0),
		WithTimeout(2 * time.Second),
	}
	return NewClient("test-key", "test-secret", append(base, opts...)...)
}

func TestPlaceOrderRetriesOn5xxThenSucceeds(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts <= 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"abc-123"}}`)
	}))
	defer srv.Close()

	result, err := testClient(t, srv).PlaceOrder(context.Background(), marketIntent(t))
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected exactly 3 attempts, got %d", attempts)
	}
	if result.OrderID != "abc-123" {
		t.Errorf("unexpected order id: %s", result.OrderID)
	}
}

func TestPlaceOrderExhaustsRetries(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "server melted", http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).PlaceOrder(context.Background(), marketIntent(t))
	var httpErr *UpstreamHTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected UpstreamHTTPError, got %v", err)
	}
	if httpErr.Status != http.StatusBadGateway {
		t.Errorf("unexpected status: %d", httpErr.Status)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestPlaceOrderDoesNotRetry4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		http.Error(w, "no such route", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).PlaceOrder(context.Background(), marketIntent(t))
	var httpErr *UpstreamHTTPError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected UpstreamHTTPError, got %v", err)
	}
	if attempts != 1 {
		t.Errorf("4xx was retried: %d attempts", attempts)
	}
}

func TestPlaceOrderRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"retCode":10001,"retMsg":"invalid symbol","result":{}}`)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).PlaceOrder(context.Background(), marketIntent(t))
	var rejected *OrderRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected OrderRejected, got %v", err)
	}
	if rejected.Code != 10001 || rejected.Message != "invalid symbol" {
		t.Errorf("unexpected rejection: %+v", rejected)
	}
}

func TestPlaceOrderLegacyEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"ret_code":130021,"ret_msg":"insufficient balance","result":null}`)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).PlaceOrder(context.Background(), marketIntent(t))
	var rejected *OrderRejected
	if !errors.As(err, &rejected) {
		t.Fatalf("expected OrderRejected, got %v", err)
	}
	if rejected.Code != 130021 || rejected.Message != "insufficient balance" {
		t.Errorf("unexpected rejection: %+v", rejected)
	}
}

func TestPlaceOrderMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `<html>gateway error</html>`)
	}))
	defer srv.Close()

	_, err := testClient(t, srv).PlaceOrder(context.Background(), marketIntent(t))
	var malformed *MalformedResponse
	if !errors.As(err, &malformed) {
		t.Fatalf("expected MalformedResponse, got %v", err)
	}
}

func TestPlaceOrderCompactJSONHeaders(t *testing.T) {
	var got *http.Request
	var body []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		body, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"orderId":"x"}}`)
	}))
	defer srv.Close()

	if _, err := testClient(t, srv).PlaceOrder(context.Background(), marketIntent(t)); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if got.URL.Path != "/v5/order/create" {
		t.Errorf("unexpected path: %s", got.URL.Path)
	}
	if got.Header.Get("X-BAPI-API-KEY") != "test-key" {
		t.Error("missing api key header")
	}
	for _, h := range []string{"X-BAPI-SIGN", "X-BAPI-TIMESTAMP", "X-BAPI-RECV-WINDOW"} {
		if got.Header.Get(h) == "" {
			t.Errorf("missing header %s", h)
		}
	}

	// The signature must verify against the exact body bytes received.
	prehash := got.Header.Get("X-BAPI-TIMESTAMP") + "test-key" + got.Header.Get("X-BAPI-RECV-WINDOW") + string(body)
	mac := hmac.New(sha256.New, []byte("test-secret"))
	mac.Write([]byte(prehash))
	if want := hex.EncodeToString(mac.Sum(nil)); got.Header.Get("X-BAPI-SIGN") != want {
		t.Error("header signature does not verify against the request body")
	}

	var params map[string]string
	if err := json.Unmarshal(body, &params); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if _, ok := params["price"]; ok {
		t.Error("market order body contains a price key")
	}
	if params["api_key"] != "" || params["sign"] != "" {
		t.Error("v5 body must not embed credentials")
	}
}

func TestPlaceOrderQueryStringEmbedsCredentials(t *testing.T) {
	var body []byte
	var path string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		body, _ = io.ReadAll(r.Body)
		io.WriteString(w, `{"ret_code":0,"ret_msg":"OK","result":{"order_id":"y"}}`)
	}))
	defer srv.Close()

	client := testClient(t, srv, WithScheme(signer.SchemeQueryString))
	if _, err := client.PlaceOrder(context.Background(), marketIntent(t)); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}

	if path != "/v2/private/order/create" {
		t.Errorf("unexpected path: %s", path)
	}
	var params map[string]string
	if err := json.Unmarshal(body, &params); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	for _, key := range []string{"api_key", "sign", "timestamp"} {
		if params[key] == "" {
			t.Errorf("v2 body missing %s", key)
		}
	}
}

func TestGetTickers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v5/market/tickers" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("symbol") != "BTCUSDT" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		io.WriteString(w, `{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"BTCUSDT","lastPrice":"65000"}]}}`)
	}))
	defer srv.Close()

	result, err := testClient(t, srv).GetTickers(context.Background(), models.CategoryLinear, "BTCUSDT")
	if err != nil {
		t.Fatalf("GetTickers: %v", err)
	}
	var parsed struct {
		List []map[string]string `json:"list"`
	}
	if err := json.Unmarshal(result, &parsed); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	if len(parsed.List) != 1 || parsed.List[0]["lastPrice"] != "65000" {
		t.Errorf("unexpected ticker payload: %s", result)
	}
}
