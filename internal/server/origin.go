// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
)

// OriginPolicy is the process-wide origin allow-list. It is built once from
// the configuration and never mutated afterwards, so it is safe to share.
type OriginPolicy struct {
	allowed  map[string]struct{}
	allowAll bool
	logger   *zap.Logger
}

// NewOriginPolicy normalizes the configured origins. Invalid entries are
// skipped with a warning; "*" allows every well-formed origin.
func NewOriginPolicy(origins []string, logger *zap.Logger) *OriginPolicy {
	if logger == nil {
		logger = zap.NewNop()
	}

	normalized, allowAll := normalizeOrigins(origins, logger)
	policy := &OriginPolicy{
		allowed:  make(map[string]struct{}, len(normalized)),
		allowAll: allowAll,
		logger:   logger,
	}
	for _, origin := range normalized {
		policy.allowed[origin] = struct{}{}
	}
	return policy
}

func normalizeOrigins(origins []string, logger *zap.Logger) ([]string, bool) {
	if len(origins) == 0 {
		return nil, false
	}

	normalized := make([]string, 0, len(origins))
	allowAll := false

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			allowAll = true
			continue
		}

		normalizedOrigin, ok := normalizeOrigin(trimmed)
		if !ok {
			logger.Warn("Ignoring invalid origin in configuration", zap.String("origin", origin))
			continue
		}

		normalized = append(normalized, normalizedOrigin)
	}

	return normalized, allowAll
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

// Allows reports whether the given Origin header value is allow-listed.
// Matching is exact: the header must already be in canonical
// scheme://host[:port] form, so an empty, malformed, mixed-case or
// path-carrying origin is never allowed.
func (p *OriginPolicy) Allows(origin string) bool {
	if origin == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(origin)
	if !ok || normalizedOrigin != origin {
		return false
	}

	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

// Origins returns the normalized allow-list, without the wildcard.
func (p *OriginPolicy) Origins() []string {
	origins := make([]string, 0, len(p.allowed))
	for origin := range p.allowed {
		origins = append(origins, origin)
	}
	return origins
}

// CheckOrigin is the websocket.Upgrader hook. Rejected requests never reach
// the hub.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	if p.Allows(r.Header.Get("Origin")) {
		return true
	}

	p.logger.Warn("Blocked WebSocket connection from disallowed origin",
		zap.String("origin", r.Header.Get("Origin")),
		zap.String("addr", r.RemoteAddr))
	return false
}
