package server

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/cors"
)

// originPolicy decides which browser origins may open a WebSocket or read
// the HTTP API.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	log      *slog.Logger
}

func newOriginPolicy(origins []string, log *slog.Logger) *originPolicy {
	p := &originPolicy{allowed: make(map[string]struct{}, len(origins)), log: log}
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
			log.Warn("Ignoring invalid origin in configuration", "origin", origin)
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
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

// check is the websocket.Upgrader CheckOrigin hook. Requests without an Origin
// header come from non-browser clients and are only admitted under allowAll.
func (p *originPolicy) check(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if p.allows(header) {
		return true
	}

	p.log.Warn("Blocked WebSocket connection from disallowed origin", "origin", header)
	return false
}

func (p *originPolicy) allows(origin string) bool {
	if p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, exists := p.allowed[normalized]
	return exists
}

// corsOptions applies the same allow-list to cross-origin HTTP requests.
func (p *originPolicy) corsOptions() cors.Options {
	opts := cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}
	if p.allowAll {
		opts.AllowedOrigins = []string{"*"}
		return opts
	}
	opts.AllowOriginFunc = func(_ *http.Request, origin string) bool {
		return p.allows(origin)
	}
	return opts
}
