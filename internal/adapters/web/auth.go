package web

import (
	"net/http"

	"inventory-core/internal/auth"
)

// RequireAuth is chi middleware that validates the bearer token (Authorization header
// or auth_token cookie) and injects its claims into the request context. Returns 401
// if the token is absent or invalid.
func (h *Handler) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.issuer.Parse(auth.TokenFromRequest(r))
		if err != nil {
			writeError(w, r, "invalid or expired token", "UNAUTHORIZED", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	})
}

// RequireRole rejects callers ranked below min with 403. It must run after RequireAuth.
func RequireRole(min auth.Role) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := auth.FromContext(r.Context())
			if claims == nil {
				writeError(w, r, "authentication required", "UNAUTHORIZED", http.StatusUnauthorized)
				return
			}
			if !claims.Role.AtLeast(min) {
				writeError(w, r, "requires role "+string(min), "FORBIDDEN", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// actor returns the authenticated user id recorded on ledger entries.
func actor(r *http.Request) string {
	if c := auth.FromContext(r.Context()); c != nil {
		return c.UserID()
	}
	return ""
}
