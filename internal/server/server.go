// Package server wires the relay engine to its HTTP/WebSocket transport:
// route setup, the upgrade handshake, origin policy, and the lifecycle of
// the http.Server itself.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/wirebound/relay/internal/config"
	"github.com/wirebound/relay/internal/relay"
)

// Server hosts the HTTP API and the WebSocket endpoint in front of the
// relay engine.
type Server struct {
	cfg      *config.Config
	engine   *relay.Engine
	origin   *OriginPolicy
	upgrader websocket.Upgrader
	metrics  http.Handler
	log      *zap.Logger
	http     *http.Server

	ready chan struct{}
	addr  string
}

// New assembles a server. metricsHandler serves GET /metrics; pass a
// promhttp handler bound to the same registry the engine's metrics were
// registered with.
func New(cfg *config.Config, engine *relay.Engine, metricsHandler http.Handler, log *zap.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		origin:  NewOriginPolicy(cfg.AllowedOrigins, log),
		metrics: metricsHandler,
		log:     log.Named("server"),
		ready:   make(chan struct{}),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origin.Check,
	}
	return s
}

// Handler returns the full route tree. Exposed for tests that mount it on
// an httptest server.
func (s *Server) Handler() http.Handler {
	return s.routes()
}

// Ready is closed once the listener is bound; Addr is valid after that.
func (s *Server) Ready() <-chan struct{} { return s.ready }

// Addr returns the bound listen address. Only valid after Ready.
func (s *Server) Addr() string { return s.addr }

// Run serves HTTP until ctx is canceled, then shuts down gracefully: the
// listener stops accepting, in-flight HTTP requests drain, and all live
// WebSocket connections are closed so their sessions unwind.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.Listen, err)
	}
	s.addr = ln.Addr().String()
	close(s.ready)

	s.http = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()
	s.log.Info("listening", zap.String("addr", s.addr))

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	err = s.http.Shutdown(shutdownCtx)
	if err != nil && !errors.Is(err, context.DeadlineExceeded) {
		s.log.Warn("http shutdown error", zap.Error(err))
	}

	// Shutdown does not touch hijacked connections; close the live peers so
	// their session goroutines observe the close and clean up.
	closed := s.engine.Registry().CloseAll()
	s.log.Info("shutdown complete", zap.Int("connections_closed", closed))
	return err
}
