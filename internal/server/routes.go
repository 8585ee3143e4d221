package server

import (
	"bytes"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// routes builds the route tree. Request logging applies to /api/* only; the
// WebSocket endpoint and the plain routes stay out of the middleware chain.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/", s.handleRoot)
	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)
	r.Post("/echo", s.handleEcho)
	r.Handle("/metrics", s.metrics)

	r.Route("/api", func(api chi.Router) {
		api.Use(requestLogger(s.log))
		api.Get("/ping", s.handlePing)
		api.Get("/time", s.handleTime)
		api.Post("/echo-json", s.handleEchoJSON)
	})

	return r
}

// requestLogger logs method, path, query, and body size for API requests.
// The body is buffered and restored so handlers can still read it.
func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.Named("api")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var bodySize int
			if r.Body != nil {
				body, err := io.ReadAll(r.Body)
				if err == nil {
					bodySize = len(body)
					r.Body = io.NopCloser(bytes.NewReader(body))
				}
			}

			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("query", r.URL.RawQuery),
				zap.Int("body_bytes", bodySize))

			next.ServeHTTP(w, r)
		})
	}
}
