package guard

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// AuditLogger records denied decisions.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent)
}

// AuditEvent describes a denied request for the audit trail.
type AuditEvent struct {
	TenantID     uuid.UUID
	UserID       *uuid.UUID
	Action       string
	ResourceType string
	ResourceID   *uuid.UUID
	Metadata     map[string]any
	Source       string
}

// ActionAccessDenied is the audit action recorded for every denial.
const ActionAccessDenied = "access.denied"

// MiddlewareOption configures Require.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	audit AuditLogger
}

// WithAuditLogger records denials made by the middleware.
func WithAuditLogger(logger AuditLogger) MiddlewareOption {
	return func(c *middlewareConfig) {
		c.audit = logger
	}
}

type decisionContextKey struct{}

// DecisionFrom returns the Allow decision stored by Require, or nil.
func DecisionFrom(ctx context.Context) *Decision {
	d, _ := ctx.Value(decisionContextKey{}).(*Decision)
	return d
}

// Require returns middleware that authorizes op on rt for the principal in
// the request context. The Allow decision is passed on in the context so
// handlers can reuse its scope.
func Require(g *Guard, op Operation, rt ResourceType, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var mc middlewareConfig
	for _, opt := range opts {
		opt(&mc)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p := PrincipalFrom(r.Context())
			d := g.Authorize(p, op, rt)
			if !d.Allowed() {
				if mc.audit != nil && p.HasTenant() {
					mc.audit.Log(r.Context(), DenialEvent(p, d, nil))
				}
				WriteDenied(w, d)
				return
			}

			ctx := context.WithValue(r.Context(), decisionContextKey{}, d)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// DenialEvent builds the audit event for a denied decision. Denials without
// a tenant cannot be attributed to a tenant's trail and are not recorded.
func DenialEvent(p *Principal, d *Decision, resourceID *uuid.UUID) AuditEvent {
	evt := AuditEvent{
		Action:       ActionAccessDenied,
		ResourceType: string(d.ResourceType),
		ResourceID:   resourceID,
		Metadata: map[string]any{
			"outcome":   string(d.Outcome),
			"operation": string(d.Operation),
			"reason":    d.Reason,
		},
		Source: "api",
	}
	if p != nil {
		evt.TenantID = p.TenantID
		uid := p.UserID
		evt.UserID = &uid
	}
	return evt
}

// StatusCode maps a decision outcome to an HTTP status.
func StatusCode(o Outcome) int {
	switch o {
	case Allow:
		return http.StatusOK
	case Unauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusForbidden
	}
}

// WriteDenied writes the JSON error body for a denied decision.
func WriteDenied(w http.ResponseWriter, d *Decision) {
	body := map[string]string{"error": string(d.Outcome)}
	if d.Outcome == Unauthenticated {
		body["error"] = "authentication required"
	}
	if d.Reason != "" {
		body["reason"] = d.Reason
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(StatusCode(d.Outcome))
	_ = json.NewEncoder(w).Encode(body)
}
