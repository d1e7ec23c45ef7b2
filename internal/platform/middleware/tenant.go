package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/telemetry"
)

// TenantContext tags the request-scoped logger with the authenticated
// principal's user and tenant. It runs after authentication and never
// changes who the caller is.
func TenantContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p := guard.PrincipalFrom(r.Context())
		if p == nil {
			next.ServeHTTP(w, r)
			return
		}

		attrs := []any{"user_id", p.UserID}
		if p.HasTenant() {
			attrs = append(attrs, "tenant_id", p.TenantID)
		}
		logger := telemetry.FromContext(r.Context()).With(attrs...)
		next.ServeHTTP(w, r.WithContext(telemetry.WithLogger(r.Context(), logger)))
	})
}

// GetTenantID returns the authenticated principal's tenant, or uuid.Nil.
func GetTenantID(ctx context.Context) uuid.UUID {
	if p := guard.PrincipalFrom(ctx); p.HasTenant() {
		return p.TenantID
	}
	return uuid.Nil
}
