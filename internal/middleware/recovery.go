package middleware

import (
	"encoding/json"
	"net/http"
	"runtime/debug"

	"github.com/talentmesh/gateway/internal/observability"
)

// Recovery converts panics anywhere below it into a JSON 500 response.
func Recovery(logger observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.WithContext(r.Context()).Error("panic recovered",
						observability.Any("panic", rec),
						observability.String("path", r.URL.Path),
						observability.String("stack", string(debug.Stack())))
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					_ = json.NewEncoder(w).Encode(map[string]string{
						"error":          "internal_error",
						"message":        "internal server error",
						"correlation_id": observability.CorrelationIDFromContext(r.Context()),
					})
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
