package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
)

func requestWithOrigin(origin string) *http.Request {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	return r
}

func TestOriginPolicyCheck(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		want    bool
	}{
		{"exact match", []string{"http://example.com"}, "http://example.com", true},
		{"case insensitive", []string{"http://Example.COM"}, "HTTP://example.com", true},
		{"different host", []string{"http://example.com"}, "http://other.com", false},
		{"different scheme", []string{"https://example.com"}, "http://example.com", false},
		{"different port", []string{"http://example.com:8080"}, "http://example.com:9090", false},
		{"wildcard allows anything", []string{"*"}, "http://anywhere.example", true},
		{"no origin header is a non-browser client", []string{"http://example.com"}, "", true},
		{"unparseable origin", []string{"http://example.com"}, "://bad", false},
		{"empty allow list blocks browsers", nil, "http://example.com", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewOriginPolicy(tt.allowed, zap.NewNop())
			if got := p.Check(requestWithOrigin(tt.origin)); got != tt.want {
				t.Errorf("Check(%q) with allowed %v = %v, want %v", tt.origin, tt.allowed, got, tt.want)
			}
		})
	}
}

func TestOriginPolicyIgnoresInvalidConfig(t *testing.T) {
	p := NewOriginPolicy([]string{"", "   ", "not a url", "http://good.example"}, zap.NewNop())

	if !p.Check(requestWithOrigin("http://good.example")) {
		t.Error("valid configured origin should be allowed")
	}
	if p.Check(requestWithOrigin("not a url")) {
		t.Error("invalid configured entries should not become allowed origins")
	}
}
