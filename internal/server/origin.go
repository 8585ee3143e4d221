package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// OriginPolicy decides which browser origins may open WebSocket connections.
// Origins are normalized to lowercase scheme://host; "*" in the configured
// list allows all. Requests without an Origin header are non-browser clients
// and are always accepted, since the header is only a browser-enforced
// cross-site signal.
type OriginPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	log      *zap.Logger
}

// NewOriginPolicy builds a policy from the configured origin list. Invalid
// entries are logged and ignored.
func NewOriginPolicy(origins []string, log *zap.Logger) *OriginPolicy {
	p := &OriginPolicy{
		allowed: make(map[string]struct{}, len(origins)),
		log:     log.Named("origin"),
	}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}
		if trimmed == "*" {
			p.allowAll = true
			continue
		}
		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			p.log.Warn("ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}
		p.allowed[normalized] = struct{}{}
	}

	return p
}

// Check reports whether the request's origin is acceptable and logs blocked
// attempts. It has the signature websocket.Upgrader.CheckOrigin expects.
func (p *OriginPolicy) Check(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return true
	}

	if p.allowAll {
		return true
	}

	normalized, ok := normalizeOrigin(originHeader)
	if ok {
		if _, exists := p.allowed[normalized]; exists {
			return true
		}
	}

	p.log.Warn("blocked WebSocket connection from disallowed origin",
		zap.String("origin", originHeader))
	return false
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
