// Package policy gates export requests before the pipeline starts.
package policy

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/terrain-export/internal/telemetry"
)

// Policy decides whether a client may start another export now.
type Policy interface {
	Allow(client string) bool
}

// ClientKey identifies the caller: the first X-Forwarded-For hop when
// present, otherwise the remote host.
func ClientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware answers 429 when p refuses the client. The refusal happens
// before any response body is written.
func Middleware(p Policy, retryAfterSeconds int, logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ClientKey(r)
			if !p.Allow(key) {
				telemetry.ObserveRateLimited()
				logger.Info("export request rate limited", zap.String("client", key))
				if retryAfterSeconds > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
				}
				http.Error(w, "too many export requests, try again later", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
