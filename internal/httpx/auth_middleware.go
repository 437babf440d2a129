package httpx

import (
	"net/http"
	"strings"

	"oaiharvest/internal/auth"
	"oaiharvest/internal/authz"
)

// AuthMiddleware accepts bearer tokens carrying one of roles and exposes
// the caller to handlers and to the authz layer.
func AuthMiddleware(secret string, roles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]bool, len(roles))
	for _, r := range roles {
		allowed[r] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(authHeader, "Bearer ") {
				JSONError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "missing bearer token", nil)
				return
			}

			claims, err := auth.ParseToken(secret, strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				JSONError(w, r, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token", nil)
				return
			}
			if len(allowed) > 0 && !allowed[claims.Role] {
				JSONError(w, r, http.StatusForbidden, "FORBIDDEN", "role not allowed", nil)
				return
			}

			ctx := ContextWithUser(r.Context(), claims.Sub, claims.Role)
			ctx = authz.WithPrincipal(ctx, authz.Principal{ID: claims.Sub, Admin: claims.Role == auth.RoleAdmin})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
