package httpserver

import (
	"net/http"

	"github.com/fairyhunter13/crawl-orchestrator/internal/usecase"
)

// Identity headers set by the authenticating front door. The orchestrator
// trusts them; actual authentication happens upstream.
const (
	HeaderUserID   = "X-User-Id"
	HeaderUserRole = "X-User-Role"
	HeaderUserTier = "X-User-Tier"
)

// identityFrom extracts the caller's identity from the trusted headers.
func identityFrom(r *http.Request) usecase.Identity {
	return usecase.Identity{
		UserID: r.Header.Get(HeaderUserID),
		Role:   r.Header.Get(HeaderUserRole),
		Tier:   r.Header.Get(HeaderUserTier),
	}
}

// RequireIdentity rejects requests without an asserted user id.
func RequireIdentity() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get(HeaderUserID) == "" {
				writeJSON(w, http.StatusUnauthorized, errorEnvelope{Error: apiError{
					Code:      "UNAUTHENTICATED",
					Message:   "missing identity",
					RequestID: r.Header.Get("X-Request-Id"),
				}})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
