package server_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/audit"
	"github.com/progestock/progestock/internal/auth"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/inventory"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/progestock/progestock/internal/platform/server"
	"github.com/progestock/progestock/internal/platform/telemetry"
	"github.com/progestock/progestock/internal/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_HealthCheck(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	err := json.Unmarshal(w.Body.Bytes(), &body)
	require.NoError(t, err)
	assert.Equal(t, "ok", body["status"])
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
}

func TestServer_ReadinessCheck_NoDB(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestServer_NotFound(t *testing.T) {
	srv := server.New(":0", server.Dependencies{})

	req := httptest.NewRequest(http.MethodGet, "/nonexistent", nil)
	w := httptest.NewRecorder()

	srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_StartStop(t *testing.T) {
	srv := server.New("127.0.0.1:0", server.Dependencies{})

	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	cancel()

	err := <-errCh
	assert.NoError(t, err)
}

var errStubRunner = errors.New("stub runner")

// stubRunner records the tenant it was asked for and fails, which proves a
// request got past authentication and the guard.
type stubRunner struct {
	tenants []uuid.UUID
}

func (s *stubRunner) WithTenant(_ context.Context, tenantID uuid.UUID, _ database.Func) error {
	s.tenants = append(s.tenants, tenantID)
	return errStubRunner
}

func (s *stubRunner) WithTenantTx(ctx context.Context, tenantID uuid.UUID, fn database.Func) error {
	return s.WithTenant(ctx, tenantID, fn)
}

func (s *stubRunner) WithTx(context.Context, database.Func) error { return errStubRunner }

type captureAudit struct {
	events []guard.AuditEvent
}

func (c *captureAudit) Log(_ context.Context, e guard.AuditEvent) { c.events = append(c.events, e) }

type testEnv struct {
	srv     *server.Server
	tokens  *auth.TokenService
	runner  *stubRunner
	audit   *captureAudit
	metrics *telemetry.Metrics
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	tokens := auth.NewTokenService("test-signing-key-must-be-32-chars!!", "progestock", 24, 168)
	eval, err := rbac.NewEvaluator(rbac.WithRoles(rbac.DefaultRoles()))
	require.NoError(t, err)
	g := guard.New(eval)

	env := &testEnv{
		tokens:  tokens,
		runner:  &stubRunner{},
		audit:   &captureAudit{},
		metrics: telemetry.NewMetrics("test"),
	}
	env.srv = server.New(":0", server.Dependencies{
		Auth:             tokens,
		Guard:            g,
		InventoryHandler: inventory.NewHandler(inventory.Deps{Runner: env.runner, Guard: g}),
		AuditHandler:     audit.NewHandler(nil, audit.NewStore()),
		GuardAuditLogger: env.audit,
		Metrics:          env.metrics,
		Languages:        []string{"en", "fr"},
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, identity *auth.Identity) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	if identity != nil {
		token, err := e.tokens.CreateAccessToken(identity)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestServer_Inventory_NoToken(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/products", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, env.runner.tenants)
}

func TestServer_Inventory_Allowed(t *testing.T) {
	env := newTestEnv(t)
	tenant := uuid.New()

	w := env.do(t, http.MethodGet, "/api/v1/products", &auth.Identity{
		UserID:   uuid.NewString(),
		TenantID: tenant.String(),
		Role:     "viewer",
	})

	// The stub runner fails after the guard let the request through.
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, []uuid.UUID{tenant}, env.runner.tenants)
}

func TestServer_Inventory_RoleForbidden(t *testing.T) {
	env := newTestEnv(t)
	tenant := uuid.New()

	w := env.do(t, http.MethodDelete, "/api/v1/locations/"+uuid.NewString(), &auth.Identity{
		UserID:   uuid.NewString(),
		TenantID: tenant.String(),
		Role:     "member",
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), string(guard.Forbidden))
	require.Len(t, env.audit.events, 1)
	assert.Equal(t, tenant, env.audit.events[0].TenantID)
	assert.Empty(t, env.runner.tenants)
}

func TestServer_Inventory_NoTenant(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/stock", &auth.Identity{
		UserID: uuid.NewString(),
		Role:   "admin",
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), string(guard.NoTenant))
}

func TestServer_Audit_AdminOnly(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/api/v1/audit/events", &auth.Identity{
		UserID:   uuid.NewString(),
		TenantID: uuid.NewString(),
		Role:     "member",
	})

	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_RefreshTokenRejectedOnAPI(t *testing.T) {
	env := newTestEnv(t)
	refresh, err := env.tokens.CreateRefreshToken(&auth.Identity{
		UserID:   uuid.NewString(),
		TenantID: uuid.NewString(),
		Role:     "admin",
	})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/products", nil)
	req.Header.Set("Authorization", "Bearer "+refresh)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	env := newTestEnv(t)
	env.do(t, http.MethodGet, "/healthz", nil)

	w := env.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)

	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `test_http_requests_total{method="GET",path="GET /healthz",status="200"} 1`)
}

func TestServer_ContentLanguage(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("Accept-Language", "fr-CA,fr;q=0.9")
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, "fr", w.Header().Get("Content-Language"))
}
