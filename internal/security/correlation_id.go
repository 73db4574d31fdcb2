// Package security carries the cross-cutting HTTP protections: correlation
// IDs, redis-backed rate limiting, and the vault boundary's IP allowlist.
package security

import (
	"context"
	"net/http"

	"github.com/google/uuid"
)

const CorrelationIDHeader = "X-Correlation-ID"

// maxCorrelationIDLen caps inbound IDs so a hostile client cannot stuff the
// logs through the echo header.
const maxCorrelationIDLen = 64

type correlationIDKey struct{}

// CorrelationID attaches a correlation ID to the request context and echoes
// it on the response. Inbound IDs are honored when present and sane;
// otherwise a fresh UUID is assigned.
func CorrelationID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cid := r.Header.Get(CorrelationIDHeader)
		if cid == "" || len(cid) > maxCorrelationIDLen {
			cid = uuid.NewString()
		}

		ctx := context.WithValue(r.Context(), correlationIDKey{}, cid)
		w.Header().Set(CorrelationIDHeader, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// CorrelationIDFromContext returns the request's correlation ID, or "".
func CorrelationIDFromContext(ctx context.Context) string {
	if v := ctx.Value(correlationIDKey{}); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
