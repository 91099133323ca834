package relay

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"traderelay/internal/signer"
)

// fakeDownstream records everything the session forwards. With failAfter set
// it rejects writes past that count, standing in for a disconnected client.
type fakeDownstream struct {
	mu        sync.Mutex
	messages  []string
	notify    chan struct{}
	failAfter int
}

func newFakeDownstream() *fakeDownstream {
	return &fakeDownstream{notify: make(chan struct{}, 64)}
}

func (f *fakeDownstream) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	if f.failAfter > 0 && len(f.messages) >= f.failAfter {
		f.mu.Unlock()
		return errors.New("client gone")
	}
	f.messages = append(f.messages, string(data))
	f.mu.Unlock()
	select {
	case f.notify <- struct{}{}:
	default:
	}
	return nil
}

func (f *fakeDownstream) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func (f *fakeDownstream) waitFor(t *testing.T, n int, timeout time.Duration) []string {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if msgs := f.snapshot(); len(msgs) >= n {
			return msgs
		}
		select {
		case <-f.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d forwarded messages, have %d", n, len(f.snapshot()))
		}
	}
}

type frame struct {
	Op    string            `json:"op"`
	Args  []json.RawMessage `json:"args"`
	ReqID string            `json:"req_id"`
}

// upstreamStub is a local websocket server standing in for the exchange.
type upstreamStub struct {
	srv      *httptest.Server
	mu       sync.Mutex
	conns    int
	frames   []frame
	onAccept func(conn *websocket.Conn, connIndex int)
}

func newUpstreamStub(t *testing.T, onAccept func(conn *websocket.Conn, connIndex int)) *upstreamStub {
	t.Helper()
	stub := &upstreamStub{onAccept: onAccept}
	upgrader := websocket.Upgrader{}
	stub.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		stub.mu.Lock()
		stub.conns++
		index := stub.conns
		stub.mu.Unlock()

		// Drain control frames sent by the session before payload flows.
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var fr frame
			if err := json.Unmarshal(msg, &fr); err != nil {
				continue
			}
			stub.mu.Lock()
			stub.frames = append(stub.frames, fr)
			stub.mu.Unlock()
			if fr.Op == "subscribe" {
				break
			}
		}

		stub.onAccept(conn, index)
	}))
	t.Cleanup(stub.srv.Close)
	return stub
}

func (s *upstreamStub) url() string {
	return "ws" + strings.TrimPrefix(s.srv.URL, "http")
}

func (s *upstreamStub) recordedFrames() []frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]frame(nil), s.frames...)
}

func (s *upstreamStub) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns
}

func (s *upstreamStub) waitForFrames(t *testing.T, n int, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if len(s.recordedFrames()) >= n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d control frames, have %d", n, len(s.recordedFrames()))
}

func TestMarketSessionForwardsInOrder(t *testing.T) {
	stub := newUpstreamStub(t, func(conn *websocket.Conn, _ int) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"tickers.BTCUSDT","seq":1}`))
		conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"tickers.BTCUSDT","seq":2}`))
		// Hold the connection open until the session is cancelled.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	down := newFakeDownstream()
	session := NewMarketSession(stub.url(), "BTCUSDT", down, WithForwardPacing(0), WithReconnectWait(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		session.Run(ctx)
		close(done)
	}()

	msgs := down.waitFor(t, 2, 5*time.Second)
	if !strings.Contains(msgs[0], `"seq":1`) || !strings.Contains(msgs[1], `"seq":2`) {
		t.Errorf("messages out of order: %v", msgs)
	}

	frames := stub.recordedFrames()
	if len(frames) == 0 || frames[0].Op != "subscribe" {
		t.Fatalf("expected a subscribe frame, got %+v", frames)
	}
	var topic string
	if err := json.Unmarshal(frames[0].Args[0], &topic); err != nil || topic != "tickers.BTCUSDT" {
		t.Errorf("unexpected subscribe args: %s", frames[0].Args)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session did not stop on context cancellation")
	}
}

func TestMarketSessionReconnectsAndResubscribes(t *testing.T) {
	stub := newUpstreamStub(t, func(conn *websocket.Conn, connIndex int) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"conn":`+strconv.Itoa(connIndex)+`}`))
		if connIndex == 1 {
			// Simulate an upstream drop after the first message.
			conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	down := newFakeDownstream()
	session := NewMarketSession(stub.url(), "ETHUSDT", down, WithForwardPacing(0), WithReconnectWait(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	msgs := down.waitFor(t, 2, 5*time.Second)
	if !strings.Contains(msgs[0], `"conn":1`) || !strings.Contains(msgs[1], `"conn":2`) {
		t.Errorf("expected frames from both connections, got %v", msgs)
	}
	if stub.connCount() < 2 {
		t.Errorf("expected a reconnect, got %d connections", stub.connCount())
	}

	subs := 0
	for _, fr := range stub.recordedFrames() {
		if fr.Op == "subscribe" {
			subs++
		}
	}
	if subs < 2 {
		t.Errorf("expected a resubscribe after reconnect, saw %d subscribe frames", subs)
	}
}

func TestSessionClosesQuietUpstreamOnCancel(t *testing.T) {
	upstreamClosed := make(chan struct{})
	stub := newUpstreamStub(t, func(conn *websocket.Conn, _ int) {
		// Quiet upstream: sends nothing, waits for the socket to die.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				close(upstreamClosed)
				return
			}
		}
	})

	down := newFakeDownstream()
	session := NewMarketSession(stub.url(), "BTCUSDT", down, WithForwardPacing(0), WithReconnectWait(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		session.Run(ctx)
		close(done)
	}()

	// Cancel only once the session is subscribed and blocked reading.
	stub.waitForFrames(t, 1, 5*time.Second)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("session still running after cancellation against a quiet upstream")
	}
	select {
	case <-upstreamClosed:
	case <-time.After(2 * time.Second):
		t.Fatal("upstream connection left open after cancellation")
	}
}

func TestSessionEndsWhenDownstreamIsLost(t *testing.T) {
	stub := newUpstreamStub(t, func(conn *websocket.Conn, _ int) {
		for i := 0; ; i++ {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"seq":`+strconv.Itoa(i)+`}`)); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	})

	down := newFakeDownstream()
	down.failAfter = 1
	session := NewMarketSession(stub.url(), "BTCUSDT", down, WithForwardPacing(0), WithReconnectWait(10*time.Millisecond))

	done := make(chan struct{})
	go func() {
		session.Run(context.Background())
		close(done)
	}()

	// A failed downstream write must end the session, not drive a redial.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("session kept running after the downstream was lost")
	}
	if stub.connCount() != 1 {
		t.Errorf("downstream loss triggered a reconnect: %d connections", stub.connCount())
	}
}

func TestOrderSessionAuthenticatesBeforeSubscribe(t *testing.T) {
	stub := newUpstreamStub(t, func(conn *websocket.Conn, _ int) {
		conn.WriteMessage(websocket.TextMessage, []byte(`{"topic":"order","data":[]}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	sg := signer.New("ws-key", "ws-secret")
	down := newFakeDownstream()
	session := NewOrderSession(stub.url(), sg, down, WithForwardPacing(0), WithReconnectWait(10*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go session.Run(ctx)

	down.waitFor(t, 1, 5*time.Second)

	frames := stub.recordedFrames()
	if len(frames) < 2 {
		t.Fatalf("expected auth and subscribe frames, got %+v", frames)
	}
	if frames[0].Op != "auth" || frames[1].Op != "subscribe" {
		t.Fatalf("auth must precede subscribe, got ops %s, %s", frames[0].Op, frames[1].Op)
	}

	var apiKey, sig string
	var expiry int64
	if err := json.Unmarshal(frames[0].Args[0], &apiKey); err != nil {
		t.Fatalf("auth api key: %v", err)
	}
	if err := json.Unmarshal(frames[0].Args[1], &expiry); err != nil {
		t.Fatalf("auth expiry: %v", err)
	}
	if err := json.Unmarshal(frames[0].Args[2], &sig); err != nil {
		t.Fatalf("auth signature: %v", err)
	}
	if apiKey != "ws-key" {
		t.Errorf("unexpected api key: %s", apiKey)
	}
	if remaining := expiry - time.Now().UnixMilli(); remaining <= 0 || remaining > 11_000 {
		t.Errorf("auth expiry outside expected window: %d ms", remaining)
	}

	mac := hmac.New(sha256.New, []byte("ws-secret"))
	mac.Write([]byte("GET/realtime" + strconv.FormatInt(expiry, 10)))
	if want := hex.EncodeToString(mac.Sum(nil)); sig != want {
		t.Error("auth signature does not verify")
	}

	var topic string
	if err := json.Unmarshal(frames[1].Args[0], &topic); err != nil || topic != "order" {
		t.Errorf("unexpected subscribe topic: %s", frames[1].Args)
	}
}
