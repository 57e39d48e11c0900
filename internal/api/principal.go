package api

import (
	"context"
	"net/http"

	"github.com/keelhq/keel-assist/internal/directory"
)

// PrincipalHeader carries the authenticated user id set by the
// platform gateway. Session authentication happens upstream; by the
// time a request reaches this service the header is trusted.
const PrincipalHeader = "X-Keel-User-ID"

type contextKey int

const principalKey contextKey = iota

// principalFrom extracts the principal materialized by the middleware.
func principalFrom(ctx context.Context) (directory.Principal, bool) {
	p, ok := ctx.Value(principalKey).(directory.Principal)
	return p, ok
}

// principalMiddleware resolves the identity header against the firm
// directory. Requests without a resolvable principal never reach a
// handler.
func (s *Server) principalMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(PrincipalHeader)
		if userID == "" {
			s.writeError(w, http.StatusUnauthorized, "validation_error", "missing "+PrincipalHeader+" header")
			return
		}

		p, err := s.dir.GetUser(r.Context(), userID)
		if err != nil {
			s.logger.Debug("principal lookup failed", "user", userID, "error", err)
			s.writeError(w, http.StatusUnauthorized, "validation_error", "unknown principal")
			return
		}

		ctx := context.WithValue(r.Context(), principalKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
