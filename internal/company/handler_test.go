package company_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/audit"
	"github.com/progestock/progestock/internal/company"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/progestock/progestock/internal/platform/database/dbtest"
	"github.com/progestock/progestock/internal/rbac"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLogger is a test helper that captures audit events.
type captureLogger struct {
	mu     sync.Mutex
	events []audit.Event
}

func (l *captureLogger) Log(_ context.Context, e audit.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *captureLogger) Close() error { return nil }

func (l *captureLogger) Actions() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.events {
		out = append(out, e.Action)
	}
	return out
}

func as(req *http.Request, p *guard.Principal) *http.Request {
	return req.WithContext(guard.WithPrincipal(req.Context(), p))
}

func newHandler(t *testing.T, pool *database.Pool, logger audit.Logger) *company.Handler {
	t.Helper()
	eval, err := rbac.NewEvaluator(rbac.WithRoles(rbac.DefaultRoles()))
	require.NoError(t, err)
	g := guard.New(eval)
	return company.NewHandler(database.NewRunner(pool), company.NewStore(), company.NewTeamStore(g), logger, []string{"en", "fr"})
}

func TestHandleOnboard_RejectsPrincipalWithTenant(t *testing.T) {
	h := company.NewHandler(nil, company.NewStore(), nil, nil, []string{"en"})
	p := &guard.Principal{UserID: uuid.New(), TenantID: uuid.New(), Role: guard.RoleAdmin}

	req := as(httptest.NewRequest(http.MethodPost, "/api/v1/company/onboarding", strings.NewReader(`{"name":"Acme"}`)), p)
	w := httptest.NewRecorder()
	h.HandleOnboard(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandleOnboard_Unauthenticated(t *testing.T) {
	h := company.NewHandler(nil, company.NewStore(), nil, nil, []string{"en"})

	w := httptest.NewRecorder()
	h.HandleOnboard(w, httptest.NewRequest(http.MethodPost, "/api/v1/company/onboarding", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleOnboard_InvalidBody(t *testing.T) {
	h := company.NewHandler(nil, company.NewStore(), nil, nil, []string{"en"})
	p := &guard.Principal{UserID: uuid.New(), Role: guard.RoleAdmin}

	w := httptest.NewRecorder()
	h.HandleOnboard(w, as(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":""}`)), p))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "name is required")
}

func TestCompanyLifecycle(t *testing.T) {
	pool := dbtest.Setup(t)
	logger := &captureLogger{}
	h := newHandler(t, pool, logger)

	ownerID := dbtest.User(t, pool, uuid.Nil, "owner@acme.test", "admin")
	owner := &guard.Principal{UserID: ownerID, Role: guard.RoleAdmin}

	var acme company.Company
	t.Run("Onboard", func(t *testing.T) {
		body := `{"name":"Acme","currency":"cad","language":"fr","sales_tax_rate":"14.975"}`
		w := httptest.NewRecorder()
		h.HandleOnboard(w, as(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), owner))

		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &acme))
		assert.Equal(t, "CAD", acme.Currency)
		assert.Equal(t, "14.98", acme.SalesTaxRate.StringFixed(2))
		assert.False(t, acme.OnboardingComplete)
	})

	t.Run("Onboard_Twice", func(t *testing.T) {
		// A stale token still lacks the tenant; the database refuses anyway.
		w := httptest.NewRecorder()
		h.HandleOnboard(w, as(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name":"Acme 2"}`)), owner))
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	owner = &guard.Principal{UserID: ownerID, TenantID: acme.ID, Role: guard.RoleAdmin}

	t.Run("Get", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleGet(w, as(httptest.NewRequest(http.MethodGet, "/", nil), owner))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"name":"Acme"`)
	})

	t.Run("Update", func(t *testing.T) {
		body := `{"name":"Acme Supplies","currency":"USD","brand_color":"#112233"}`
		w := httptest.NewRecorder()
		h.HandleUpdate(w, as(httptest.NewRequest(http.MethodPut, "/", strings.NewReader(body)), owner))
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"brand_color":"#112233"`)
	})

	t.Run("CompleteOnboarding", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleCompleteOnboarding(w, as(httptest.NewRequest(http.MethodPost, "/", nil), owner))
		require.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `"onboarding_complete":true`)
	})

	viewerID := dbtest.User(t, pool, acme.ID, "viewer@acme.test", "viewer")
	globex := dbtest.Company(t, pool, "Globex")
	strangerID := dbtest.User(t, pool, globex, "someone@globex.test", "viewer")

	t.Run("ListTeam", func(t *testing.T) {
		w := httptest.NewRecorder()
		h.HandleListTeam(w, as(httptest.NewRequest(http.MethodGet, "/", nil), owner))
		require.Equal(t, http.StatusOK, w.Code)

		var members []company.Member
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &members))
		require.Len(t, members, 2)
		for _, m := range members {
			assert.Equal(t, acme.ID, m.TenantID)
		}
	})

	updateRole := func(p *guard.Principal, id uuid.UUID, role string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/team/"+id.String()+"/role", strings.NewReader(`{"role":"`+role+`"}`))
		req.SetPathValue("id", id.String())
		w := httptest.NewRecorder()
		h.HandleUpdateRole(w, as(req, p))
		return w
	}

	t.Run("UpdateRole", func(t *testing.T) {
		w := updateRole(owner, viewerID, "member")
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), `"role":"member"`)
	})

	t.Run("UpdateRole_Self", func(t *testing.T) {
		assert.Equal(t, http.StatusBadRequest, updateRole(owner, ownerID, "viewer").Code)
	})

	t.Run("UpdateRole_NotAdmin", func(t *testing.T) {
		member := &guard.Principal{UserID: viewerID, TenantID: acme.ID, Role: guard.RoleMember}
		assert.Equal(t, http.StatusForbidden, updateRole(member, ownerID, "viewer").Code)
	})

	t.Run("UpdateRole_CrossTenant", func(t *testing.T) {
		w := updateRole(owner, strangerID, "admin")
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), string(guard.CrossTenantAccess))

		var role string
		require.NoError(t, pool.QueryRow(context.Background(), "SELECT role FROM users WHERE id = $1", strangerID).Scan(&role))
		assert.Equal(t, "viewer", role)
	})

	removeMember := func(p *guard.Principal, id uuid.UUID) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodDelete, "/api/v1/team/"+id.String(), nil)
		req.SetPathValue("id", id.String())
		w := httptest.NewRecorder()
		h.HandleRemoveMember(w, as(req, p))
		return w
	}

	t.Run("RemoveMember_Self", func(t *testing.T) {
		w := removeMember(owner, ownerID)
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Contains(t, w.Body.String(), company.ErrSelfRemoval.Error())
	})

	t.Run("RemoveMember_CrossTenant", func(t *testing.T) {
		w := removeMember(owner, strangerID)
		assert.Equal(t, http.StatusForbidden, w.Code)
		assert.Contains(t, w.Body.String(), string(guard.CrossTenantAccess))
	})

	t.Run("RemoveMember", func(t *testing.T) {
		w := removeMember(owner, viewerID)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Contains(t, w.Body.String(), "viewer@acme.test has been removed from the team.")

		var active bool
		require.NoError(t, pool.QueryRow(context.Background(), "SELECT is_active FROM users WHERE id = $1", viewerID).Scan(&active))
		assert.False(t, active)
	})

	assert.Equal(t, []string{
		audit.ActionCompanyCreated,
		audit.ActionCompanyUpdated,
		audit.ActionCompanyUpdated,
		audit.ActionUserRoleUpdated,
		audit.ActionAccessDenied,
		audit.ActionAccessDenied,
		audit.ActionUserDeactivated,
	}, logger.Actions())
}
