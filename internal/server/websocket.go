package server

import (
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wirebound/relay/internal/relay"
)

const defaultDisplayName = "Anonymous"

// handleWebSocket negotiates a peer's identity from the query string,
// upgrades the connection, and hands it to the relay engine. Identity is
// self-asserted: peerId defaults to a fresh random token, displayName to
// "Anonymous". The handler blocks for the lifetime of the session.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity := relay.Identity{
		PeerID:      r.URL.Query().Get("peerId"),
		DisplayName: r.URL.Query().Get("displayName"),
	}
	if identity.PeerID == "" {
		identity.PeerID = uuid.NewString()
	}
	if identity.DisplayName == "" {
		identity.DisplayName = defaultDisplayName
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error response.
		s.log.Warn("websocket upgrade failed",
			zap.String("remote_addr", r.RemoteAddr),
			zap.Error(err))
		return
	}

	s.engine.HandleConn(conn, identity)
}
