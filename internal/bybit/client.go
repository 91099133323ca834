package bybit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"traderelay/internal/signer"
	"traderelay/logger"
	"traderelay/models"
)

const (
	defaultBaseURL    = "https://api.bybit.com"
	defaultRecvWindow = 5000
	defaultTimeout    = 10 * time.Second

	createOrderPathV5 = "/v5/order/create"
	createOrderPathV2 = "/v2/private/order/create"
	tickersPathV5     = "/v5/market/tickers"

	defaultMaxAttempts  = 3
	defaultRetryBackoff = 2 * time.Second
)

// Client submits signed order requests to the Bybit REST API. It holds no
// mutable state and is safe for concurrent use.
type Client struct {
	signer       *signer.Signer
	baseURL      string
	scheme       signer.Scheme
	recvWindow   int64
	httpClient   *http.Client
	maxAttempts  int
	retryBackoff time.Duration
	log          *logger.Entry
	now          func() time.Time
}

// ClientOption configures a Client at construction time.
type ClientOption func(*Client)

// WithBaseURL overrides the REST endpoint, typically for the testnet.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) { c.baseURL = baseURL }
}

// WithTimeout bounds every HTTP call to the exchange.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithScheme selects the signing scheme for order submission. The default is
// the compact-JSON scheme of the v5 generation.
func WithScheme(scheme signer.Scheme) ClientOption {
	return func(c *Client) { c.scheme = scheme }
}

// WithRecvWindow sets the clock-skew tolerance in milliseconds.
func WithRecvWindow(ms int64) ClientOption {
	return func(c *Client) { c.recvWindow = ms }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithRetryPolicy overrides the bounded retry applied to 5xx responses.
func WithRetryPolicy(attempts int, backoff time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.maxAttempts = attempts
		}
		if backoff >= 0 {
			c.retryBackoff = backoff
		}
	}
}

// NewClient creates a Bybit REST client signing with the given credentials.
func NewClient(apiKey, apiSecret string, opts ...ClientOption) *Client {
	c := &Client{
		signer:       signer.New(apiKey, apiSecret),
		baseURL:      defaultBaseURL,
		scheme:       signer.SchemeCompactJSON,
		recvWindow:   defaultRecvWindow,
		httpClient:   &http.Client{Timeout: defaultTimeout},
		maxAttempts:  defaultMaxAttempts,
		retryBackoff: defaultRetryBackoff,
		log:          logger.GetLogger().WithComponent("bybit_client"),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OrderResult is the normalized outcome of a successful order submission.
type OrderResult struct {
	OrderID     string
	OrderLinkID string
	Result      json.RawMessage
}

// PlaceOrder signs and submits one order intent. On an HTTP 5xx response the
// request is re-signed with a fresh timestamp and retried, up to 3 total
// attempts with a fixed 2s backoff. Any other failure surfaces immediately.
func (c *Client) PlaceOrder(ctx context.Context, intent *models.OrderIntent) (*OrderResult, error) {
	params := make(map[string]interface{}, 12)
	for k, v := range intent.Params() {
		params[k] = v
	}
	linkID := uuid.NewString()
	params["orderLinkId"] = linkID

	log := c.log.WithFields(logger.Fields{
		"symbol":        intent.Symbol,
		"side":          intent.Side,
		"order_type":    intent.OrderType,
		"order_link_id": linkID,
		"scheme":        c.scheme.String(),
	})

	var lastStatus int
	var lastBody string
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		req, err := c.buildOrderRequest(ctx, params)
		if err != nil {
			return nil, err
		}

		status, body, err := c.do(req)
		if err != nil {
			return nil, fmt.Errorf("order request failed: %w", err)
		}

		if status >= 500 {
			lastStatus, lastBody = status, string(body)
			log.WithFields(logger.Fields{"status": status, "attempt": attempt}).Warn("bybit server error, retrying")
			if attempt < c.maxAttempts {
				if err := sleepCtx(ctx, c.retryBackoff); err != nil {
					return nil, err
				}
			}
			continue
		}

		if status < 200 || status >= 300 {
			return nil, &UpstreamHTTPError{Status: status, Body: string(body)}
		}

		result, err := parseEnvelope(body)
		if err != nil {
			return nil, err
		}
		result.OrderLinkID = linkID
		log.WithField("order_id", result.OrderID).Info("order accepted by bybit")
		return result, nil
	}

	return nil, &UpstreamHTTPError{Status: lastStatus, Body: lastBody}
}

// GetTickers fetches the public ticker snapshot for a symbol. The call is
// unsigned; the response envelope is interpreted the same way as for orders.
func (c *Client) GetTickers(ctx context.Context, category models.Category, symbol string) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("category", string(category))
	q.Set("symbol", symbol)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+tickersPathV5+"?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("build ticker request: %w", err)
	}

	status, body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("ticker request failed: %w", err)
	}
	if status < 200 || status >= 300 {
		return nil, &UpstreamHTTPError{Status: status, Body: string(body)}
	}

	result, err := parseEnvelope(body)
	if err != nil {
		return nil, err
	}
	return result.Result, nil
}

func (c *Client) buildOrderRequest(ctx context.Context, params map[string]interface{}) (*http.Request, error) {
	timestamp := c.now().UnixMilli()

	switch c.scheme {
	case signer.SchemeQueryString:
		// v2 generation: api_key, sign and timestamp travel in the body.
		signed, err := c.signer.SignQuery(params, timestamp)
		if err != nil {
			return nil, err
		}
		body, err := json.Marshal(signed)
		if err != nil {
			return nil, fmt.Errorf("encode order body: %w", err)
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+createOrderPathV2, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build order request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil

	default:
		// v5 generation: credentials travel in headers, never in the body.
		body, sig, err := c.signer.SignJSON(params, timestamp, c.recvWindow)
		if err != nil {
			return nil, err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+createOrderPathV5, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build order request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-BAPI-API-KEY", c.signer.APIKey())
		req.Header.Set("X-BAPI-SIGN", sig)
		req.Header.Set("X-BAPI-TIMESTAMP", strconv.FormatInt(timestamp, 10))
		req.Header.Set("X-BAPI-RECV-WINDOW", strconv.FormatInt(c.recvWindow, 10))
		return req, nil
	}
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// envelope accepts both field namings the API generations use.
type envelope struct {
	RetCode   *int            `json:"retCode"`
	RetCodeV2 *int            `json:"ret_code"`
	RetMsg    string          `json:"retMsg"`
	RetMsgV2  string          `json:"ret_msg"`
	Result    json.RawMessage `json:"result"`
}

func parseEnvelope(body []byte) (*OrderResult, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &MalformedResponse{RawBody: string(body)}
	}

	code := env.RetCode
	msg := env.RetMsg
	if code == nil {
		code = env.RetCodeV2
		msg = env.RetMsgV2
	}
	if code == nil {
		return nil, &MalformedResponse{RawBody: string(body)}
	}
	if *code != 0 {
		return nil, &OrderRejected{Code: *code, Message: msg}
	}

	result := &OrderResult{Result: env.Result}
	if len(env.Result) > 0 {
		var ids struct {
			OrderID string `json:"orderId"`
		}
		// Best effort: not every endpoint returns an order ID.
		_ = json.Unmarshal(env.Result, &ids)
		result.OrderID = ids.OrderID
	}
	return result, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
