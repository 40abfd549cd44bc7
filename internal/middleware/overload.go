package middleware

import (
	"encoding/json"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/talentmesh/gateway/internal/observability"
)

// Overload is a process-wide token bucket guarding the gateway against
// aggregate overload. It is independent of the per-client sliding window
// applied by the dispatcher.
func Overload(requestsPerSecond, burst int, logger observability.Logger) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				logger.Warn("overload guard rejected request",
					observability.String("path", r.URL.Path))
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "rate_limited",
					"message": "gateway is overloaded, try again later",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
