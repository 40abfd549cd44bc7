// Package middleware provides the HTTP middleware chain wrapped around the
// gateway's dispatcher.
package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/talentmesh/gateway/internal/observability"
)

// HeaderCorrelationID carries the request correlation id end to end.
const HeaderCorrelationID = "X-Correlation-ID"

// Correlation echoes an inbound correlation id or generates one, stores it
// in the request context and sets it on the response.
func Correlation(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(HeaderCorrelationID)
		if id == "" {
			id = uuid.NewString()
		}
		ctx := observability.ContextWithCorrelationID(r.Context(), id)
		w.Header().Set(HeaderCorrelationID, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
