package auth_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeUserStore struct {
	users    map[string]*auth.Identity // by user id
	inactive map[string]bool
}

func newFakeUserStore(users ...*auth.Identity) *fakeUserStore {
	s := &fakeUserStore{users: map[string]*auth.Identity{}}
	for _, u := range users {
		s.users[u.UserID] = u
	}
	return s
}

func (s *fakeUserStore) GetIdentity(_ context.Context, userID string) (*auth.Identity, error) {
	u, ok := s.users[userID]
	if !ok {
		return nil, auth.ErrUserNotFound
	}
	if s.inactive[userID] {
		return nil, auth.ErrUserInactive
	}
	cp := *u
	return &cp, nil
}

func (s *fakeUserStore) FindOrCreateByEmail(_ context.Context, email, displayName string) (*auth.Identity, bool, error) {
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, false, nil
		}
	}
	u := &auth.Identity{UserID: uuid.NewString(), Email: email, DisplayName: displayName, Role: "admin"}
	s.users[u.UserID] = u
	cp := *u
	return &cp, true, nil
}

func postJSON(t *testing.T, h http.HandlerFunc, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(b))
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

func decodeTokens(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var out map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&out))
	return out
}

func TestHandleRefresh_PicksUpOnboardedTenant(t *testing.T) {
	tokenSvc := newTestTokenService()
	user := &auth.Identity{UserID: uuid.NewString(), Email: "owner@acme.test", Role: "admin"}
	store := newFakeUserStore(user)
	h := auth.NewHandler(tokenSvc, store)

	refresh, err := tokenSvc.CreateRefreshToken(user)
	require.NoError(t, err)

	// Onboarding assigns the tenant after the first token pair was issued.
	tenantID := uuid.NewString()
	store.users[user.UserID].TenantID = tenantID

	w := postJSON(t, h.HandleRefresh, map[string]string{"refresh_token": refresh})
	require.Equal(t, http.StatusOK, w.Code)

	tokens := decodeTokens(t, w)
	assert.Equal(t, "Bearer", tokens["token_type"])
	got, err := tokenSvc.ValidateAccessToken(tokens["access_token"])
	require.NoError(t, err)
	assert.Equal(t, tenantID, got.TenantID)
}

func TestHandleRefresh_Rejections(t *testing.T) {
	tokenSvc := newTestTokenService()
	user := &auth.Identity{UserID: uuid.NewString(), Role: "admin"}
	h := auth.NewHandler(tokenSvc, newFakeUserStore(user))

	access, err := tokenSvc.CreateAccessToken(user)
	require.NoError(t, err)
	ghost, err := tokenSvc.CreateRefreshToken(&auth.Identity{UserID: uuid.NewString()})
	require.NoError(t, err)

	tests := []struct {
		name    string
		token   string
		wantMsg string
	}{
		{"garbage", "nope", "invalid refresh token"},
		{"access token", access, "refresh token required"},
		{"deleted user", ghost, "user no longer exists"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postJSON(t, h.HandleRefresh, map[string]string{"refresh_token": tt.token})
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Equal(t, tt.wantMsg, decodeTokens(t, w)["error"])
		})
	}
}

func TestHandleRefresh_BadBody(t *testing.T) {
	h := auth.NewHandler(newTestTokenService(), newFakeUserStore())

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString("{"))
	w := httptest.NewRecorder()
	h.HandleRefresh(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleDevLogin(t *testing.T) {
	tokenSvc := newTestTokenService()
	store := newFakeUserStore()
	h := auth.NewHandler(tokenSvc, store)

	w := postJSON(t, h.HandleDevLogin, map[string]string{"email": " Owner@Acme.test ", "display_name": "Owner"})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := tokenSvc.ValidateAccessToken(decodeTokens(t, w)["access_token"])
	require.NoError(t, err)
	assert.Equal(t, "owner@acme.test", got.Email)
	assert.Empty(t, got.TenantID)
	assert.Len(t, store.users, 1)

	// Second login reuses the account.
	w = postJSON(t, h.HandleDevLogin, map[string]string{"email": "owner@acme.test"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, store.users, 1)
}

func TestHandleDevLogin_InvalidEmail(t *testing.T) {
	h := auth.NewHandler(newTestTokenService(), newFakeUserStore())

	w := postJSON(t, h.HandleDevLogin, map[string]string{"email": "not-an-email"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestRegisterRoutes(t *testing.T) {
	h := auth.NewHandler(newTestTokenService(), newFakeUserStore())
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)

	req := httptest.NewRequest(http.MethodPost, "/auth/dev/login", bytes.NewBufferString(`{"email":"a@b.test"}`))
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code, "dev login is only mounted in dev mode")

	h.RegisterDevRoutes(mux)
	w = httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/auth/dev/login", bytes.NewBufferString(`{"email":"a@b.test"}`)))
	assert.Equal(t, http.StatusOK, w.Code)
}
