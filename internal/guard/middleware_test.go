package guard_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingAudit struct {
	events []guard.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, e guard.AuditEvent) {
	r.events = append(r.events, e)
}

func serve(t *testing.T, h http.Handler, p *guard.Principal) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	if p != nil {
		req = req.WithContext(guard.WithPrincipal(req.Context(), p))
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestRequire_Allowed(t *testing.T) {
	g := guard.New(defaultPolicy)
	tenant := uuid.New()

	var got *guard.Decision
	h := guard.Require(g, guard.OpRead, guard.ResourceProduct)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = guard.DecisionFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	w := serve(t, h, principal(tenant, guard.RoleViewer))

	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, got)
	assert.Equal(t, tenant, got.Scope.TenantID)
}

func TestRequire_Denials(t *testing.T) {
	g := guard.New(defaultPolicy)

	tests := []struct {
		name      string
		principal *guard.Principal
		op        guard.Operation
		status    int
		errBody   string
	}{
		{"unauthenticated", nil, guard.OpRead, http.StatusUnauthorized, "authentication required"},
		{"no tenant", principal(uuid.Nil, guard.RoleAdmin), guard.OpRead, http.StatusForbidden, "no_tenant"},
		{"forbidden", principal(uuid.New(), guard.RoleViewer), guard.OpDelete, http.StatusForbidden, "forbidden"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := guard.Require(g, tt.op, guard.ResourceProduct)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("should not reach handler")
			}))

			w := serve(t, h, tt.principal)

			assert.Equal(t, tt.status, w.Code)
			var body map[string]string
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.errBody, body["error"])
		})
	}
}

func TestRequire_AuditsTenantDenials(t *testing.T) {
	g := guard.New(defaultPolicy)
	audit := &recordingAudit{}
	p := principal(uuid.New(), guard.RoleViewer)

	h := guard.Require(g, guard.OpDelete, guard.ResourceCategory, guard.WithAuditLogger(audit))(http.NotFoundHandler())

	serve(t, h, p)
	serve(t, h, principal(uuid.Nil, guard.RoleViewer))

	require.Len(t, audit.events, 1)
	evt := audit.events[0]
	assert.Equal(t, guard.ActionAccessDenied, evt.Action)
	assert.Equal(t, p.TenantID, evt.TenantID)
	require.NotNil(t, evt.UserID)
	assert.Equal(t, p.UserID, *evt.UserID)
	assert.Equal(t, "category", evt.ResourceType)
	assert.Equal(t, "forbidden", evt.Metadata["outcome"])
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusOK, guard.StatusCode(guard.Allow))
	assert.Equal(t, http.StatusUnauthorized, guard.StatusCode(guard.Unauthenticated))
	assert.Equal(t, http.StatusForbidden, guard.StatusCode(guard.NoTenant))
	assert.Equal(t, http.StatusForbidden, guard.StatusCode(guard.Forbidden))
	assert.Equal(t, http.StatusForbidden, guard.StatusCode(guard.CrossTenantAccess))
}
