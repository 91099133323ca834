package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"traderelay/internal/signer"
	"traderelay/logger"
)

const (
	defaultKeepAlive = 20 * time.Second

	marketForwardPacing = time.Second
	marketReconnectWait = time.Second

	ordersForwardPacing = 5 * time.Second
	ordersReconnectWait = 2 * time.Second
	ordersAuthWindow    = 10 * time.Second
)

// Kind names the upstream channel a session relays.
type Kind string

const (
	KindMarket Kind = "market"
	KindOrders Kind = "orders"
)

// Downstream is the client-facing half of a session. *websocket.Conn
// satisfies it.
type Downstream interface {
	WriteMessage(messageType int, data []byte) error
}

// errDownstream marks the downstream connection as gone; it terminates the
// session instead of driving a reconnect.
type errDownstream struct{ err error }

func (e errDownstream) Error() string { return fmt.Sprintf("downstream write failed: %v", e.err) }

// Session is one supervised upstream-to-downstream relay pairing. Upstream
// drops are recoverable and drive the reconnect loop; only downstream loss or
// context cancellation ends the session.
type Session struct {
	kind          Kind
	upstreamURL   string
	topics        []string
	downstream    Downstream
	signer        *signer.Signer
	forwardPacing time.Duration
	reconnectWait time.Duration
	authWindow    time.Duration
	dialer        *websocket.Dialer
	log           *logger.Entry
	now           func() time.Time
}

// SessionOption adjusts pacing and reconnect behaviour, typically from
// configuration.
type SessionOption func(*Session)

// WithForwardPacing overrides the delay applied between forwarded messages.
func WithForwardPacing(d time.Duration) SessionOption {
	return func(s *Session) {
		if d >= 0 {
			s.forwardPacing = d
		}
	}
}

// WithReconnectWait overrides the delay before an upstream redial.
func WithReconnectWait(d time.Duration) SessionOption {
	return func(s *Session) {
		if d >= 0 {
			s.reconnectWait = d
		}
	}
}

// WithDialer replaces the websocket dialer.
func WithDialer(d *websocket.Dialer) SessionOption {
	return func(s *Session) { s.dialer = d }
}

// NewMarketSession relays the public ticker channel for one symbol.
func NewMarketSession(upstreamURL, symbol string, downstream Downstream, opts ...SessionOption) *Session {
	s := &Session{
		kind:          KindMarket,
		upstreamURL:   upstreamURL,
		topics:        []string{"tickers." + symbol},
		downstream:    downstream,
		forwardPacing: marketForwardPacing,
		reconnectWait: marketReconnectWait,
		dialer:        websocket.DefaultDialer,
		log:           logger.GetLogger().WithComponent("market_relay").WithFields(logger.Fields{"symbol": symbol}),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewOrderSession relays the private order-update channel. The signer
// produces a fresh auth signature on every connect attempt; expired
// credentials are never reused.
func NewOrderSession(upstreamURL string, sg *signer.Signer, downstream Downstream, opts ...SessionOption) *Session {
	s := &Session{
		kind:          KindOrders,
		upstreamURL:   upstreamURL,
		topics:        []string{"order"},
		downstream:    downstream,
		signer:        sg,
		forwardPacing: ordersForwardPacing,
		reconnectWait: ordersReconnectWait,
		authWindow:    ordersAuthWindow,
		dialer:        websocket.DefaultDialer,
		log:           logger.GetLogger().WithComponent("order_relay"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run drives the session until the context is cancelled or the downstream
// connection is lost. Upstream failures are logged and retried indefinitely.
func (s *Session) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := s.dialer.DialContext(ctx, s.upstreamURL, nil)
		if err != nil {
			s.log.WithError(err).WithField("url", s.upstreamURL).Warn("failed to connect upstream")
			if waitForReconnect(ctx, s.reconnectWait) {
				return
			}
			continue
		}

		if err := s.handshake(conn); err != nil {
			s.log.WithError(err).Warn("upstream handshake failed")
			conn.Close()
			if waitForReconnect(ctx, s.reconnectWait) {
				return
			}
			continue
		}

		s.log.WithField("topics", s.topics).Info("subscribed upstream")
		logger.GetLogger().LogMetric(string(s.kind)+"_relay", "upstream_connects", 1, "counter", nil)

		// Closing the connection is the only way to unblock a read
		// pending on a quiet upstream once the context is cancelled.
		connCtx, closeConn := context.WithCancel(ctx)
		go func() {
			<-connCtx.Done()
			conn.Close()
		}()
		startPingLoop(connCtx, conn, defaultKeepAlive, s.log)
		err = s.forward(ctx, conn)
		closeConn()

		if ctx.Err() != nil {
			return
		}
		if _, ok := err.(errDownstream); ok {
			s.log.WithError(err).Info("downstream closed, ending session")
			return
		}
		if err != nil {
			s.log.WithError(err).Warn("upstream read loop ended, reconnecting")
			logger.GetLogger().LogMetric(string(s.kind)+"_relay", "upstream_reconnects", 1, "counter", nil)
		}

		if waitForReconnect(ctx, s.reconnectWait) {
			return
		}
	}
}

// handshake authenticates (orders channel only) and subscribes. The auth
// frame must precede the subscribe frame and carries an expiry a short
// interval in the future.
func (s *Session) handshake(conn *websocket.Conn) error {
	if s.signer != nil {
		expiry := s.now().Add(s.authWindow).UnixMilli()
		auth := struct {
			Op   string        `json:"op"`
			Args []interface{} `json:"args"`
		}{
			Op:   "auth",
			Args: []interface{}{s.signer.APIKey(), expiry, s.signer.WSAuth(expiry)},
		}
		if err := conn.WriteJSON(auth); err != nil {
			return fmt.Errorf("send auth: %w", err)
		}
	}

	sub := struct {
		Op    string   `json:"op"`
		Args  []string `json:"args"`
		ReqID string   `json:"req_id"`
	}{
		Op:    "subscribe",
		Args:  s.topics,
		ReqID: uuid.NewString(),
	}
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("send subscribe: %w", err)
	}
	return nil
}

// forward copies upstream frames downstream verbatim, in order, pacing each
// write. A nil or plain error return drives a reconnect; errDownstream ends
// the session.
func (s *Session) forward(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if !json.Valid(msg) {
			s.log.WithField("frame", string(msg)).Debug("skipping non-JSON upstream frame")
			continue
		}
		if err := s.downstream.WriteMessage(websocket.TextMessage, msg); err != nil {
			return errDownstream{err: err}
		}
		if s.forwardPacing > 0 {
			if stop := waitForReconnect(ctx, s.forwardPacing); stop {
				return nil
			}
		}
	}
}

// waitForReconnect sleeps for the given delay and reports whether the
// context was cancelled while waiting.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}

func startPingLoop(ctx context.Context, conn *websocket.Conn, interval time.Duration, log *logger.Entry) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// A ping failure means the connection is broken; the
				// read loop will observe the same error and redial.
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					log.WithError(err).Warn("failed to send websocket ping")
					return
				}
			}
		}
	}()
}
