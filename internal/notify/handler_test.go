package notify_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/auth"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const signingKey = "test-signing-key-must-be-32-chars!!"

func newStreamServer(t *testing.T, hub *notify.Hub) (*httptest.Server, *auth.TokenService) {
	t.Helper()
	tokens := auth.NewTokenService(signingKey, "progestock", 1, 1)
	h := notify.NewHandler(hub, tokens, guard.New(guard.AllowAll{}), nil)
	srv := httptest.NewServer(http.HandlerFunc(h.HandleStream))
	t.Cleanup(srv.Close)
	return srv, tokens
}

func wsURL(srv *httptest.Server, token string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/notifications/ws?access_token=" + token
}

func TestHandleStream_DeliversTenantNotifications(t *testing.T) {
	hub := notify.NewHub(4)
	srv, tokens := newStreamServer(t, hub)
	tenant := uuid.New()

	token, err := tokens.CreateAccessToken(&auth.Identity{UserID: uuid.NewString(), TenantID: tenant.String(), Role: "viewer"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL(srv, token), nil)
	require.NoError(t, err)
	defer func() { _ = conn.CloseNow() }()

	require.Eventually(t, func() bool { return hub.Subscribers(tenant) == 1 }, time.Second, 10*time.Millisecond)

	hub.Publish(uuid.New(), notify.Notification{Type: notify.TypeLowStock, Title: "other tenant"})
	hub.Publish(tenant, notify.Notification{Type: notify.TypeOutOfStock, Title: "Out of Stock Alert"})

	var got notify.Notification
	require.NoError(t, wsjson.Read(ctx, conn, &got))
	assert.Equal(t, "Out of Stock Alert", got.Title)

	require.NoError(t, conn.Close(websocket.StatusNormalClosure, ""))
	assert.Eventually(t, func() bool { return hub.Subscribers(tenant) == 0 }, time.Second, 10*time.Millisecond)
}

func TestHandleStream_Rejections(t *testing.T) {
	hub := notify.NewHub(1)
	srv, tokens := newStreamServer(t, hub)

	noTenant, err := tokens.CreateAccessToken(&auth.Identity{UserID: uuid.NewString(), Role: "admin"})
	require.NoError(t, err)
	refresh, err := tokens.CreateRefreshToken(&auth.Identity{UserID: uuid.NewString(), TenantID: uuid.NewString()})
	require.NoError(t, err)

	tests := []struct {
		name     string
		token    string
		wantCode int
	}{
		{"missing token", "", http.StatusUnauthorized},
		{"garbage token", "nope", http.StatusUnauthorized},
		{"refresh token", refresh, http.StatusUnauthorized},
		{"no tenant", noTenant, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			_, resp, err := websocket.Dial(ctx, wsURL(srv, tt.token), nil)
			require.Error(t, err)
			require.NotNil(t, resp)
			assert.Equal(t, tt.wantCode, resp.StatusCode)
		})
	}
}
