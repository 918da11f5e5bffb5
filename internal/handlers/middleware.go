package handlers

import (
	"log/slog"
	"net"
	"net/http"
)

// Limiter decides whether a request for a key may proceed.
type Limiter interface {
	Allow(key string) bool
}

// RateLimit rejects requests with 429 once the caller exceeds its budget. Callers are keyed by identity when
// one resolves, by remote address otherwise.
func (m Main) RateLimit(limiter Limiter, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := m.auth.Identify(r)
		if err != nil {
			key = remoteHost(r)
		}
		if !limiter.Allow(key) {
			m.logger.Warn("Rate limit exceeded", slog.String("key", key), slog.String("path", r.URL.Path))
			writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "Too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
