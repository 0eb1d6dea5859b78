package middleware

import (
	"net/http"

	"github.com/technosupport/ts-vod/internal/data"
)

// RequireRole gates a route on the caller's role claim. It must run after
// Require; an anonymous request here is a wiring bug and gets a 401.
func RequireRole(roles ...data.Role) func(http.Handler) http.Handler {
	allowed := make(map[data.Role]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ac := GetAuthContext(r.Context())
			if ac == nil {
				writeError(w, http.StatusUnauthorized, "authentication required")
				return
			}
			if _, ok := allowed[ac.Role]; !ok {
				writeError(w, http.StatusForbidden, "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
