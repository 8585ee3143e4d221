package server_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/wirebound/relay/internal/config"
	"github.com/wirebound/relay/internal/observability"
	"github.com/wirebound/relay/internal/relay"
	"github.com/wirebound/relay/internal/server"
	"github.com/wirebound/relay/internal/wire"
)

const testTimeout = 2 * time.Second

func newTestServer(t *testing.T, customize func(cfg *config.Config)) (*httptest.Server, *relay.Engine) {
	t.Helper()

	cfg := config.Default()
	if customize != nil {
		customize(cfg)
	}

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)
	logger := zap.NewNop()

	engine := relay.NewEngine(metrics, logger, relay.Options{
		MaxMessageSize:          cfg.MaxMessageSize,
		WriteTimeout:            cfg.WriteTimeout,
		RateLimitBurst:          cfg.RateLimit.Burst,
		RateLimitRefillInterval: cfg.RateLimit.RefillInterval,
	})

	srv := server.New(cfg, engine, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}), logger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, engine
}

func wsURL(ts *httptest.Server, peerID, displayName string) string {
	u := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	q := url.Values{}
	if peerID != "" {
		q.Set("peerId", peerID)
	}
	if displayName != "" {
		q.Set("displayName", displayName)
	}
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// dialPeer connects and consumes the welcome envelope, which also
// guarantees the peer is registered before the function returns.
func dialPeer(t *testing.T, ts *httptest.Server, peerID, displayName string) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, peerID, displayName), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	welcome := readEnvelope(t, conn)
	if welcome.Event != wire.EventSystem || welcome.Method() != wire.MethodWelcome {
		t.Fatalf("first envelope = %s/%s, want system/welcome", welcome.Event, welcome.Method())
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) *wire.Envelope {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(testTimeout)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	msgType, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if msgType != websocket.BinaryMessage {
		t.Fatalf("frame type = %d, want binary", msgType)
	}
	env, err := wire.Unmarshal(data)
	if err != nil {
		t.Fatalf("received undecodable frame: %v", err)
	}
	return env
}

func expectNoEnvelope(t *testing.T, conn *websocket.Conn) {
	t.Helper()

	if err := conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond)); err != nil {
		t.Fatalf("set read deadline: %v", err)
	}
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected no message, but received one")
	}
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return
	}
	t.Fatalf("unexpected error while expecting silence: %v", err)
}

func sendChat(t *testing.T, conn *websocket.Conn, displayName, text string) {
	t.Helper()

	data := map[string]string{}
	if displayName != "" {
		data[wire.KeyDisplayName] = displayName
	}
	if text != "" {
		data[wire.KeyText] = text
	}
	env := &wire.Envelope{
		Event:     wire.EventRequest,
		EventData: &wire.EventData{Method: wire.MethodChatMessage, Data: data},
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, wire.Marshal(env)); err != nil {
		t.Fatalf("send chat failed: %v", err)
	}
}

func TestWelcomeEnvelope(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "p1", "Alice"), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	env := readEnvelope(t, conn)
	if env.Event != wire.EventSystem || env.Method() != wire.MethodWelcome {
		t.Fatalf("got %s/%s, want system/welcome", env.Event, env.Method())
	}
	if env.Get(wire.KeyPeerID) != "p1" {
		t.Errorf("welcome peerId = %q, want %q", env.Get(wire.KeyPeerID), "p1")
	}
	if env.Get(wire.KeyDisplayName) != "Alice" {
		t.Errorf("welcome displayName = %q, want %q", env.Get(wire.KeyDisplayName), "Alice")
	}
}

// A client that supplies no identity gets a generated peer id and the
// default display name.
func TestWelcomeGeneratedIdentity(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "", ""), nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	defer conn.Close()

	env := readEnvelope(t, conn)
	if env.Get(wire.KeyPeerID) == "" {
		t.Error("welcome should carry a generated peerId")
	}
	if env.Get(wire.KeyDisplayName) != "Anonymous" {
		t.Errorf("displayName = %q, want Anonymous", env.Get(wire.KeyDisplayName))
	}
}

func TestPeerJoinedNotification(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	connA := dialPeer(t, ts, "p1", "Alice")
	connB := dialPeer(t, ts, "p2", "Bob")

	env := readEnvelope(t, connA)
	if env.Event != wire.EventNotification || env.Method() != wire.MethodPeerJoined {
		t.Fatalf("got %s/%s, want notification/peer_joined", env.Event, env.Method())
	}
	if env.Get(wire.KeyPeerID) != "p2" || env.Get(wire.KeyDisplayName) != "Bob" {
		t.Errorf("peer_joined payload = %v", env.EventData.Data)
	}

	// The joining peer gets no notification about itself.
	expectNoEnvelope(t, connB)
	expectNoEnvelope(t, connA)
}

func TestChatMessageRelayed(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	connA := dialPeer(t, ts, "p1", "Alice")
	connB := dialPeer(t, ts, "p2", "Bob")
	readEnvelope(t, connA) // peer_joined for B

	sendChat(t, connA, "Alice", "hi")

	env := readEnvelope(t, connB)
	if env.Event != wire.EventNotification || env.Method() != wire.MethodChatMessage {
		t.Fatalf("got %s/%s, want notification/chat_message", env.Event, env.Method())
	}
	if env.Get(wire.KeyFromPeerID) != "p1" {
		t.Errorf("fromPeerId = %q, want p1", env.Get(wire.KeyFromPeerID))
	}
	if env.Get(wire.KeyFromDisplayName) != "Alice" {
		t.Errorf("fromDisplayName = %q, want Alice", env.Get(wire.KeyFromDisplayName))
	}
	if env.Get(wire.KeyText) != "hi" {
		t.Errorf("text = %q, want hi", env.Get(wire.KeyText))
	}

	// The sender receives nothing back.
	expectNoEnvelope(t, connA)
}

// A chat message carrying a new display name updates the sender's identity
// for subsequent notifications.
func TestChatMessageUpdatesDisplayName(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	connA := dialPeer(t, ts, "p1", "Alice")
	connB := dialPeer(t, ts, "p2", "Bob")
	readEnvelope(t, connA) // peer_joined for B

	sendChat(t, connA, "Alicia", "renamed myself")

	env := readEnvelope(t, connB)
	if env.Get(wire.KeyFromDisplayName) != "Alicia" {
		t.Errorf("fromDisplayName = %q, want Alicia", env.Get(wire.KeyFromDisplayName))
	}

	// A name-less chat afterwards falls back to the updated name.
	sendChat(t, connA, "", "still me")
	env = readEnvelope(t, connB)
	if env.Get(wire.KeyFromDisplayName) != "Alicia" {
		t.Errorf("fallback fromDisplayName = %q, want Alicia", env.Get(wire.KeyFromDisplayName))
	}
}

func TestPeerLeftNotification(t *testing.T) {
	ts, engine := newTestServer(t, nil)

	connA := dialPeer(t, ts, "p1", "Alice")
	connB := dialPeer(t, ts, "p2", "Bob")
	readEnvelope(t, connA) // peer_joined for B

	if err := connA.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	env := readEnvelope(t, connB)
	if env.Event != wire.EventNotification || env.Method() != wire.MethodPeerLeft {
		t.Fatalf("got %s/%s, want notification/peer_left", env.Event, env.Method())
	}
	if env.Get(wire.KeyPeerID) != "p1" {
		t.Errorf("peer_left peerId = %q, want p1", env.Get(wire.KeyPeerID))
	}

	deadline := time.Now().Add(testTimeout)
	for engine.Registry().Len() != 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := engine.Registry().Len(); got != 1 {
		t.Errorf("registry has %d peers after disconnect, want 1", got)
	}
}

// A malformed binary frame is dropped without disconnecting the sender or
// reaching other peers; later valid frames still relay.
func TestMalformedFrameRecovered(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	connA := dialPeer(t, ts, "p1", "Alice")
	connB := dialPeer(t, ts, "p2", "Bob")
	readEnvelope(t, connA) // peer_joined for B

	if err := connA.WriteMessage(websocket.BinaryMessage, []byte{0xff, 0xff, 0xff}); err != nil {
		t.Fatalf("send malformed frame failed: %v", err)
	}

	// Per-connection writes are ordered, so if the malformed frame had
	// produced a broadcast it would arrive at B before this sentinel.
	sendChat(t, connA, "Alice", "still here")
	env := readEnvelope(t, connB)
	if env.Get(wire.KeyText) != "still here" {
		t.Errorf("next text = %q, want %q (and no broadcast for the bad frame)", env.Get(wire.KeyText), "still here")
	}
}

// Text frames are not part of the binary protocol; they are ignored without
// disconnecting the peer.
func TestTextFrameIgnored(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	connA := dialPeer(t, ts, "p1", "Alice")
	connB := dialPeer(t, ts, "p2", "Bob")
	readEnvelope(t, connA) // peer_joined for B

	if err := connA.WriteMessage(websocket.TextMessage, []byte("hello?")); err != nil {
		t.Fatalf("send text frame failed: %v", err)
	}

	sendChat(t, connA, "Alice", "binary works")
	env := readEnvelope(t, connB)
	if env.Get(wire.KeyText) != "binary works" {
		t.Errorf("next text = %q, want %q (and no broadcast for the text frame)", env.Get(wire.KeyText), "binary works")
	}
}

// A ping is answered with a pong carrying the identical payload, and no
// broadcast occurs.
func TestPingPong(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	connA := dialPeer(t, ts, "p1", "Alice")

	pongCh := make(chan string, 1)
	connA.SetPongHandler(func(payload string) error {
		pongCh <- payload
		return nil
	})

	const payload = "liveness-probe"
	deadline := time.Now().Add(testTimeout)
	if err := connA.WriteControl(websocket.PingMessage, []byte(payload), deadline); err != nil {
		t.Fatalf("send ping failed: %v", err)
	}

	// ReadMessage pumps control frames; it times out once the pong arrived.
	_ = connA.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, _, _ = connA.ReadMessage()

	select {
	case got := <-pongCh:
		if got != payload {
			t.Errorf("pong payload = %q, want %q", got, payload)
		}
	default:
		t.Fatal("no pong received")
	}
}

// A duplicate peerId evicts the previous connection: last connect wins, the
// old connection is closed, and its cleanup emits no peer_left.
func TestDuplicatePeerIDEvictsPrevious(t *testing.T) {
	ts, engine := newTestServer(t, nil)

	connObserver := dialPeer(t, ts, "watcher", "Watcher")
	connOld := dialPeer(t, ts, "p1", "First")
	readEnvelope(t, connObserver) // peer_joined for p1

	connNew := dialPeer(t, ts, "p1", "Second")
	readEnvelope(t, connObserver) // peer_joined for the reconnect

	// The displaced connection gets closed by the server.
	_ = connOld.SetReadDeadline(time.Now().Add(testTimeout))
	if _, _, err := connOld.ReadMessage(); err == nil {
		t.Fatal("displaced connection should be closed")
	}

	if got := engine.Registry().Len(); got != 2 {
		t.Errorf("registry has %d peers, want 2", got)
	}

	// Eviction must not announce a departure: the next envelope the
	// observer sees is the replacement's chat, not a peer_left.
	sendChat(t, connNew, "Second", "took over")
	env := readEnvelope(t, connObserver)
	if env.Method() != wire.MethodChatMessage {
		t.Fatalf("observer got %s after eviction, want chat_message (no peer_left)", env.Method())
	}
	if env.Get(wire.KeyFromPeerID) != "p1" || env.Get(wire.KeyText) != "took over" {
		t.Errorf("unexpected relay payload: %v", env.EventData.Data)
	}

	// And when the replacement leaves, exactly one peer_left arrives.
	_ = connNew.Close()
	env = readEnvelope(t, connObserver)
	if env.Method() != wire.MethodPeerLeft || env.Get(wire.KeyPeerID) != "p1" {
		t.Errorf("got %s for %s, want peer_left for p1", env.Method(), env.Get(wire.KeyPeerID))
	}
	expectNoEnvelope(t, connObserver)
}

// Envelopes whose event is not "request", and requests with unknown
// methods, are ignored without a broadcast or a disconnect.
func TestNonRequestAndUnknownMethodIgnored(t *testing.T) {
	ts, _ := newTestServer(t, nil)

	connA := dialPeer(t, ts, "p1", "Alice")
	connB := dialPeer(t, ts, "p2", "Bob")
	readEnvelope(t, connA) // peer_joined for B

	spoofed := &wire.Envelope{
		Event:     wire.EventNotification,
		EventData: &wire.EventData{Method: wire.MethodChatMessage, Data: map[string]string{wire.KeyText: "fake"}},
	}
	if err := connA.WriteMessage(websocket.BinaryMessage, wire.Marshal(spoofed)); err != nil {
		t.Fatalf("send spoofed envelope failed: %v", err)
	}

	unknown := &wire.Envelope{
		Event:     wire.EventRequest,
		EventData: &wire.EventData{Method: "teleport", Data: map[string]string{"to": "moon"}},
	}
	if err := connA.WriteMessage(websocket.BinaryMessage, wire.Marshal(unknown)); err != nil {
		t.Fatalf("send unknown method failed: %v", err)
	}

	expectNoEnvelope(t, connB)

	sendChat(t, connA, "Alice", "real one")
	env := readEnvelope(t, connB)
	if env.Get(wire.KeyText) != "real one" {
		t.Errorf("text = %q, want %q", env.Get(wire.KeyText), "real one")
	}
}

// Over-limit frames are dropped while the connection stays open.
func TestRateLimitDropsFrames(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.RateLimit.Burst = 2
		cfg.RateLimit.RefillInterval = time.Hour
	})

	connA := dialPeer(t, ts, "p1", "Alice")
	connB := dialPeer(t, ts, "p2", "Bob")
	readEnvelope(t, connA) // peer_joined for B

	sendChat(t, connA, "Alice", "one")
	sendChat(t, connA, "Alice", "two")
	sendChat(t, connA, "Alice", "three")

	if got := readEnvelope(t, connB).Get(wire.KeyText); got != "one" {
		t.Errorf("first relayed text = %q, want one", got)
	}
	if got := readEnvelope(t, connB).Get(wire.KeyText); got != "two" {
		t.Errorf("second relayed text = %q, want two", got)
	}
	expectNoEnvelope(t, connB)

	// The over-limit sender is still connected.
	deadline := time.Now().Add(testTimeout)
	if err := connA.WriteControl(websocket.PingMessage, []byte("alive"), deadline); err != nil {
		t.Errorf("rate-limited connection should still accept pings: %v", err)
	}
}

// Frames above the configured size limit terminate the connection.
func TestOversizeFrameDisconnects(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.MaxMessageSize = 64
	})

	connA := dialPeer(t, ts, "p1", "Alice")
	connB := dialPeer(t, ts, "p2", "Bob")
	readEnvelope(t, connA) // peer_joined for B

	huge := &wire.Envelope{
		Event: wire.EventRequest,
		EventData: &wire.EventData{
			Method: wire.MethodChatMessage,
			Data:   map[string]string{wire.KeyText: strings.Repeat("x", 256)},
		},
	}
	if err := connA.WriteMessage(websocket.BinaryMessage, wire.Marshal(huge)); err != nil {
		t.Fatalf("send oversize frame failed: %v", err)
	}

	env := readEnvelope(t, connB)
	if env.Method() != wire.MethodPeerLeft || env.Get(wire.KeyPeerID) != "p1" {
		t.Errorf("got %s/%s, want peer_left for p1", env.Method(), env.Get(wire.KeyPeerID))
	}
}

func TestOriginRejected(t *testing.T) {
	ts, _ := newTestServer(t, func(cfg *config.Config) {
		cfg.AllowedOrigins = []string{"http://allowed.example"}
	})

	header := http.Header{"Origin": []string{"http://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "p1", "Alice"), header)
	if err == nil {
		t.Fatal("dial from disallowed origin should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 handshake response, got %+v", resp)
	}

	// The allowed origin connects fine.
	header = http.Header{"Origin": []string{"http://allowed.example"}}
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "p1", "Alice"), header)
	if err != nil {
		t.Fatalf("dial from allowed origin failed: %v", err)
	}
	if resp != nil {
		_ = resp.Body.Close()
	}
	_ = conn.Close()
}
