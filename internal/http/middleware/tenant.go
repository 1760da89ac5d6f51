package middleware

import (
	"net/http"

	"github.com/davidbz/quillgate/internal/observability"
)

const (
	WorkspaceHeader = "X-Workspace-ID"
	UserHeader      = "X-User-ID"
)

// Tenant copies the tenant headers into the request context so every log
// line of the request carries them.
func Tenant() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			workspaceID := r.Header.Get(WorkspaceHeader)
			userID := r.Header.Get(UserHeader)
			if workspaceID == "" && userID == "" {
				next.ServeHTTP(w, r)
				return
			}

			ctx := observability.WithTenant(r.Context(), workspaceID, userID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
