package middleware_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/middleware"
	"github.com/progestock/progestock/internal/platform/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantContext_TagsLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := telemetry.NewLogger("info", "json", &buf)
	p := &guard.Principal{UserID: uuid.New(), TenantID: uuid.New(), Role: guard.RoleAdmin}

	var gotTenant uuid.UUID
	handler := middleware.TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTenant = middleware.GetTenantID(r.Context())
		telemetry.FromContext(r.Context()).Info("scoped")
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := telemetry.WithLogger(guard.WithPrincipal(req.Context(), p), logger)
	handler.ServeHTTP(httptest.NewRecorder(), req.WithContext(ctx))

	assert.Equal(t, p.TenantID, gotTenant)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, p.TenantID.String(), entry["tenant_id"])
	assert.Equal(t, p.UserID.String(), entry["user_id"])
}

func TestTenantContext_NoPrincipal(t *testing.T) {
	called := false
	handler := middleware.TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, uuid.Nil, middleware.GetTenantID(r.Context()))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	assert.True(t, called)
}

func TestTenantContext_PrincipalWithoutTenant(t *testing.T) {
	p := &guard.Principal{UserID: uuid.New(), Role: guard.RoleAdmin}
	handler := middleware.TenantContext(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, uuid.Nil, middleware.GetTenantID(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	handler.ServeHTTP(httptest.NewRecorder(), req.WithContext(guard.WithPrincipal(req.Context(), p)))
}
