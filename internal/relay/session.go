package relay

import (
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wirebound/relay/internal/observability"
	"github.com/wirebound/relay/internal/wire"
)

// Identity is a peer's self-asserted identity, negotiated at connect time.
type Identity struct {
	PeerID      string
	DisplayName string
}

// Options tunes per-session behavior.
type Options struct {
	// MaxMessageSize caps inbound frames; a peer exceeding it is
	// disconnected.
	MaxMessageSize int64
	// WriteTimeout bounds each physical write to the peer.
	WriteTimeout time.Duration
	// RateLimitBurst and RateLimitRefillInterval parameterize the
	// per-connection token bucket. Over-limit frames are dropped, the
	// connection stays open.
	RateLimitBurst          int
	RateLimitRefillInterval time.Duration
}

// Engine owns the registry and broadcaster and drives one Session per
// connection. It is the entry point the transport layer hands upgraded
// connections to.
type Engine struct {
	registry    *Registry
	broadcaster *Broadcaster
	metrics     *observability.Metrics
	log         *zap.Logger
	opts        Options
}

// NewEngine assembles a relay engine with a fresh registry.
func NewEngine(metrics *observability.Metrics, log *zap.Logger, opts Options) *Engine {
	registry := NewRegistry()
	return &Engine{
		registry:    registry,
		broadcaster: NewBroadcaster(registry, metrics, log),
		metrics:     metrics,
		log:         log.Named("session"),
		opts:        opts,
	}
}

// Registry exposes the engine's peer registry for health reporting and
// shutdown.
func (e *Engine) Registry() *Registry { return e.registry }

// HandleConn runs the full session lifecycle for one upgraded connection
// and blocks until the peer disconnects. Intended to be called from the
// HTTP handler goroutine that performed the upgrade.
func (e *Engine) HandleConn(conn *websocket.Conn, identity Identity) {
	s := &Session{
		conn:        conn,
		peer:        NewPeer(identity.PeerID, identity.DisplayName, conn, e.opts.WriteTimeout),
		registry:    e.registry,
		broadcaster: e.broadcaster,
		limiter:     newRateLimiter(e.opts.RateLimitBurst, e.opts.RateLimitRefillInterval),
		metrics:     e.metrics,
		log: e.log.With(
			zap.String("peer_id", identity.PeerID),
			zap.String("remote_addr", conn.RemoteAddr().String()),
		),
		maxMessageSize: e.opts.MaxMessageSize,
		writeTimeout:   e.opts.WriteTimeout,
	}
	s.run()
}

// Session owns one peer's lifecycle: it registers the peer, announces it,
// runs the receive loop, dispatches decoded envelopes, and deregisters the
// peer when the loop exits by any path.
type Session struct {
	conn        *websocket.Conn
	peer        *Peer
	registry    *Registry
	broadcaster *Broadcaster
	limiter     *rateLimiter
	metrics     *observability.Metrics
	log         *zap.Logger

	maxMessageSize int64
	writeTimeout   time.Duration
}

func (s *Session) run() {
	defer s.leave()

	s.conn.SetReadLimit(s.maxMessageSize)
	s.conn.SetPingHandler(func(payload string) error {
		return s.pong(payload)
	})

	s.join()
	s.readLoop()
}

// join inserts the peer, closes any connection it displaced, welcomes the
// peer with its negotiated identity, and announces it to everyone else.
func (s *Session) join() {
	count, displaced := s.registry.Insert(s.peer)
	if displaced != nil {
		// Last connect wins for a duplicate id. The displaced session's
		// cleanup is identity-checked, so it will neither remove our entry
		// nor announce a departure.
		s.log.Warn("peer id already registered, closing previous connection")
		_ = displaced.Close()
	}

	s.metrics.ConnectsTotal.Inc()
	s.metrics.ActivePeers.Set(float64(count))
	s.log.Info("peer joined",
		zap.String("display_name", s.peer.DisplayName()),
		zap.Int("peers", count))

	welcome := wire.NewWelcome(s.peer.ID(), s.peer.DisplayName())
	if err := s.peer.Send(wire.Marshal(welcome)); err != nil {
		s.log.Warn("welcome send failed", zap.Error(err))
	}

	s.broadcaster.Broadcast(wire.NewPeerJoined(s.peer.ID(), s.peer.DisplayName()), s.peer.ID())
}

func (s *Session) readLoop() {
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadEnd(err)
			return
		}

		if !s.limiter.allow() {
			s.metrics.FramesDropped.Inc()
			s.log.Warn("rate limit exceeded, dropping frame")
			continue
		}

		switch msgType {
		case websocket.BinaryMessage:
			s.handleFrame(data)
		case websocket.TextMessage:
			// The protocol is binary only. Never a reason to disconnect.
			s.log.Warn("ignoring unsupported text frame")
		}
	}
}

// handleFrame decodes one binary frame and dispatches it by method. No
// failure here terminates the session.
func (s *Session) handleFrame(data []byte) {
	env, err := wire.Unmarshal(data)
	if err != nil {
		s.metrics.DecodeErrors.Inc()
		s.log.Warn("dropping malformed frame", zap.Error(err))
		return
	}

	if env.Event != wire.EventRequest {
		s.log.Warn("ignoring envelope with unexpected event", zap.String("event", env.Event))
		return
	}

	switch env.Method() {
	case wire.MethodChatMessage:
		s.handleChatMessage(env)
	default:
		s.log.Warn("ignoring unknown method", zap.String("method", env.Method()))
	}
}

func (s *Session) handleChatMessage(env *wire.Envelope) {
	name := env.Get(wire.KeyDisplayName)
	if name == "" {
		name = s.peer.DisplayName()
	} else if name != s.peer.DisplayName() {
		s.registry.UpdateDisplayName(s.peer.ID(), name)
		s.log.Info("display name updated", zap.String("display_name", name))
	}
	text := env.Get(wire.KeyText)

	sent := s.broadcaster.Broadcast(wire.NewChatMessage(s.peer.ID(), name, text), s.peer.ID())
	s.metrics.MessagesRelayed.Inc()
	s.log.Debug("chat message relayed", zap.Int("recipients", sent))
}

// leave tears the session down exactly once. Only the session whose peer is
// still the registered entry announces the departure; a session displaced
// by a duplicate-id connect exits silently.
func (s *Session) leave() {
	_ = s.peer.Close()

	if !s.registry.Remove(s.peer) {
		return
	}

	count := s.registry.Len()
	s.metrics.DisconnectsTotal.Inc()
	s.metrics.ActivePeers.Set(float64(count))
	s.log.Info("peer left", zap.Int("peers", count))

	// The leaving peer is already removed, so every remaining entry is a
	// target; the exclusion is vacuous but keeps the call uniform.
	s.broadcaster.Broadcast(wire.NewPeerLeft(s.peer.ID(), s.peer.DisplayName()), s.peer.ID())
}

// pong answers a transport-level ping with the identical payload.
func (s *Session) pong(payload string) error {
	deadline := time.Now().Add(s.writeTimeout)
	err := s.conn.WriteControl(websocket.PongMessage, []byte(payload), deadline)
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		s.log.Warn("pong failed", zap.Error(err))
	}
	return nil
}

func (s *Session) logReadEnd(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.log.Warn("frame exceeded maximum size, disconnecting",
			zap.Int64("max_message_size", s.maxMessageSize))
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		s.log.Info("peer disconnected", zap.Error(err))
	case errors.Is(err, io.EOF), IsExpectedCloseError(err):
		s.log.Info("connection closed", zap.Error(err))
	default:
		s.log.Warn("read error", zap.Error(err))
	}
}

// IsExpectedCloseError reports whether err is part of a normal connection
// teardown rather than a genuine failure.
func IsExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "websocket: close sent") ||
		strings.Contains(msg, "broken pipe")
}
