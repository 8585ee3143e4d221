package server

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const usageText = `Relay server is running.
Try:
- GET /health
- GET /api/ping
- GET /api/time
- POST /api/echo-json
- POST /echo
- GET /metrics
- WS /ws?peerId=<id>&displayName=<name>
`

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = fmt.Fprint(w, usageText)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.log, map[string]any{
		"status": "ok",
		"peers":  s.engine.Registry().Len(),
	})
}

func (s *Server) handlePing(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.log, map[string]any{"message": "pong"})
}

func (s *Server) handleTime(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.log, map[string]any{"unix": time.Now().Unix()})
}

// handleEchoJSON validates that the body is JSON and echoes it back.
func (s *Server) handleEchoJSON(w http.ResponseWriter, r *http.Request) {
	var payload any
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}
	writeJSON(w, s.log, payload)
}

// handleEcho echoes the raw request body.
func (s *Server) handleEcho(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	if _, err := io.Copy(w, r.Body); err != nil {
		s.log.Warn("echo copy failed", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("write json response failed", zap.Error(err))
	}
}
