// Package server validates the Origin of realtime upgrade requests against
// the configured allow-list.
package server

import (
	"net/http"
	"strings"

	"github.com/Tyrowin/twis/internal/config"
	"github.com/Tyrowin/twis/internal/logging"
)

// originPolicy decides which browser origins may open a realtime
// connection. With an empty allow-list only same-origin requests pass.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
}

func newOriginPolicy(cfg config.Config) originPolicy {
	allowed := make(map[string]struct{}, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		allowed[origin] = struct{}{}
	}
	return originPolicy{allowAll: cfg.AllowAllOrigins, allowed: allowed}
}

func (p originPolicy) isAllowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		// Non-browser clients do not send Origin.
		return true
	}

	normalizedOrigin, ok := config.NormalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	if _, exists := p.allowed[normalizedOrigin]; exists {
		return true
	}

	return strings.EqualFold(strings.TrimPrefix(strings.TrimPrefix(normalizedOrigin, "https://"), "http://"), r.Host)
}

func (p originPolicy) checkOrigin(r *http.Request) bool {
	if p.isAllowed(r) {
		return true
	}

	logging.Warn().Str("origin", r.Header.Get("Origin")).Msg("Blocked realtime connection from disallowed origin")
	return false
}
