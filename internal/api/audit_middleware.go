package api

import (
	"fmt"
	"net/http"

	"github.com/example/payments-core/internal/auth"
	"github.com/example/payments-core/internal/security"
	"github.com/example/payments-core/pkg/audit"
)

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AuditMiddleware records every request into the tamper-evident trail.
// The actor is the authenticated service when a token is present.
func AuditMiddleware(trail *audit.ChainLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)

			actor := "anonymous"
			if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
				actor = claims.Subject
			}

			trail.Append(audit.Record{
				Operation: "http." + r.Method,
				Actor:     actor,
				Entity:    r.URL.Path,
				Result:    fmt.Sprintf("%d", sw.status),
				Detail:    "cid=" + security.CorrelationIDFromContext(r.Context()),
			})
		})
	}
}
