package notify_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/notify"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/progestock/progestock/internal/platform/database/dbtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func as(req *http.Request, p *guard.Principal) *http.Request {
	return req.WithContext(guard.WithPrincipal(req.Context(), p))
}

func TestInboxHandler_RejectsBadInput(t *testing.T) {
	h := notify.NewInboxHandler(nil, nil, guard.New(guard.AllowAll{}))
	p := &guard.Principal{UserID: uuid.New(), TenantID: uuid.New(), Role: guard.RoleAdmin}

	w := httptest.NewRecorder()
	h.HandleMarkRead(w, as(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"notification_ids":[]}`)), p))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "notification_ids is required")

	w = httptest.NewRecorder()
	h.HandleList(w, as(httptest.NewRequest(http.MethodGet, "/?status=archived", nil), p))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	h.HandleList(w, as(httptest.NewRequest(http.MethodGet, "/", nil), &guard.Principal{UserID: uuid.New()}))
	assert.Equal(t, http.StatusForbidden, w.Code)
}

type inboxFixture struct {
	pool    *database.Pool
	h       *notify.InboxHandler
	store   *notify.Store
	tenantA uuid.UUID
	tenantB uuid.UUID
	adminA  *guard.Principal
	memberA *guard.Principal
	adminB  *guard.Principal
}

func setupInbox(t *testing.T) *inboxFixture {
	t.Helper()
	pool := dbtest.Setup(t)
	f := &inboxFixture{pool: pool, store: notify.NewStore()}
	f.tenantA = dbtest.Company(t, pool, "Acme")
	f.tenantB = dbtest.Company(t, pool, "Globex")
	f.adminA = &guard.Principal{UserID: dbtest.User(t, pool, f.tenantA, "admin@acme.test", "admin"), TenantID: f.tenantA, Role: guard.RoleAdmin}
	f.memberA = &guard.Principal{UserID: dbtest.User(t, pool, f.tenantA, "member@acme.test", "member"), TenantID: f.tenantA, Role: guard.RoleMember}
	f.adminB = &guard.Principal{UserID: dbtest.User(t, pool, f.tenantB, "admin@globex.test", "admin"), TenantID: f.tenantB, Role: guard.RoleAdmin}
	g := guard.New(guard.AllowAll{}, guard.WithOwnerLookup(database.NewOwners(pool)))
	f.h = notify.NewInboxHandler(database.NewRunner(pool), f.store, g)
	return f
}

func (f *inboxFixture) record(t *testing.T, tenantID uuid.UUID, n notify.Notification) int {
	t.Helper()
	var got int
	err := database.WithTenantTx(context.Background(), f.pool, tenantID, func(ctx context.Context, q database.Querier) error {
		var err error
		got, err = f.store.Record(ctx, q, tenantID, n)
		return err
	})
	require.NoError(t, err)
	return got
}

func (f *inboxFixture) list(t *testing.T, p *guard.Principal, query string) []notify.Stored {
	t.Helper()
	w := httptest.NewRecorder()
	f.h.HandleList(w, as(httptest.NewRequest(http.MethodGet, "/"+query, nil), p))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out []notify.Stored
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestInbox_AdminsReceiveAndMarkRead(t *testing.T) {
	f := setupInbox(t)

	assert.Equal(t, 1, f.record(t, f.tenantA, notify.Notification{Type: notify.TypeLowStock, Title: "Low Stock Warning", Message: "Bolt is low"}))
	assert.Equal(t, 1, f.record(t, f.tenantA, notify.Notification{Type: notify.TypeInvoicePaid, Title: "Invoice Paid", Message: "INV-00001 paid"}))
	f.record(t, f.tenantB, notify.Notification{Type: notify.TypeGeneral, Title: "Globex only", Message: "x"})

	assert.Empty(t, f.list(t, f.memberA, ""), "only admins receive notifications")

	inbox := f.list(t, f.adminA, "")
	require.Len(t, inbox, 2)
	for _, n := range inbox {
		assert.NotEqual(t, "Globex only", n.Title)
		assert.False(t, n.IsRead)
	}
	assert.Len(t, f.list(t, f.adminA, "?type=invoice_paid"), 1)

	w := httptest.NewRecorder()
	f.h.HandleUnreadCount(w, as(httptest.NewRequest(http.MethodGet, "/", nil), f.adminA))
	assert.JSONEq(t, `{"unread_count":2}`, w.Body.String())

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.SetPathValue("id", inbox[0].ID.String())
	w = httptest.NewRecorder()
	f.h.HandleMarkOneRead(w, as(req, f.adminA))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var marked notify.Stored
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &marked))
	assert.True(t, marked.IsRead)
	assert.NotNil(t, marked.ReadAt)

	assert.Len(t, f.list(t, f.adminA, "?status=read"), 1)
	assert.Len(t, f.list(t, f.adminA, "?status=unread"), 1)

	w = httptest.NewRecorder()
	f.h.HandleMarkAllRead(w, as(httptest.NewRequest(http.MethodPost, "/", nil), f.adminA))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "1 notification(s) marked as read")
	assert.Empty(t, f.list(t, f.adminA, "?status=unread"))
}

func TestInbox_OtherTenantNotificationIsCrossTenant(t *testing.T) {
	f := setupInbox(t)
	f.record(t, f.tenantB, notify.Notification{Type: notify.TypeGeneral, Title: "Globex", Message: "x"})
	theirs := f.list(t, f.adminB, "")
	require.Len(t, theirs, 1)

	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.SetPathValue("id", theirs[0].ID.String())
	w := httptest.NewRecorder()
	f.h.HandleMarkOneRead(w, as(req, f.adminA))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), string(guard.CrossTenantAccess))

	body := `{"notification_ids":["` + theirs[0].ID.String() + `"]}`
	w = httptest.NewRecorder()
	f.h.HandleMarkRead(w, as(httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body)), f.adminA))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)
	assert.Len(t, f.list(t, f.adminB, "?status=unread"), 1)
}
