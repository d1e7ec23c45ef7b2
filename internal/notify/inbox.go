package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
)

// InboxHandler serves the caller's stored notifications.
type InboxHandler struct {
	runner database.Runner
	store  *Store
	guard  *guard.Guard
}

func NewInboxHandler(runner database.Runner, store *Store, g *guard.Guard) *InboxHandler {
	if store == nil {
		store = NewStore()
	}
	return &InboxHandler{runner: runner, store: store, guard: g}
}

func (h *InboxHandler) read(ctx context.Context, p *guard.Principal, fn database.Func) error {
	if !p.HasTenant() {
		return guard.ErrNoTenant
	}
	return h.runner.WithTenant(ctx, p.TenantID, fn)
}

// HandleList lists the caller's notifications.
// GET /api/v1/notifications?status=read|unread&type=<type>&limit=<n>
func (h *InboxHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	query := r.URL.Query()

	f := Filter{Status: query.Get("status"), Type: query.Get("type")}
	if f.Status != "" && f.Status != StatusRead && f.Status != StatusUnread {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": `status must be "read" or "unread"`})
		return
	}
	if v := query.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		f.Limit = n
	}

	var items []Stored
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var listErr error
		items, listErr = h.store.List(ctx, q, p, f)
		return listErr
	})
	if err != nil {
		writeError(w, "listing notifications failed", err)
		return
	}
	if items == nil {
		items = []Stored{}
	}
	writeJSON(w, http.StatusOK, items)
}

// HandleUnreadCount returns the number of unread notifications.
// GET /api/v1/notifications/unread-count
func (h *InboxHandler) HandleUnreadCount(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var n int
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var countErr error
		n, countErr = h.store.UnreadCount(ctx, q, p)
		return countErr
	})
	if err != nil {
		writeError(w, "counting notifications failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"unread_count": n})
}

type markReadRequest struct {
	IDs []uuid.UUID `json:"notification_ids"`
}

// HandleMarkRead marks the listed notifications as read.
// POST /api/v1/notifications/mark-read
func (h *InboxHandler) HandleMarkRead(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var req markReadRequest
	r.Body = http.MaxBytesReader(w, r.Body, 64<<10)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if len(req.IDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "notification_ids is required"})
		return
	}

	var n int
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var markErr error
		n, markErr = h.store.MarkRead(ctx, q, p, req.IDs)
		return markErr
	})
	if err != nil {
		writeError(w, "marking notifications failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("%d notification(s) marked as read", n),
		"count":   n,
	})
}

// HandleMarkAllRead marks every unread notification as read.
// POST /api/v1/notifications/mark-all-read
func (h *InboxHandler) HandleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var n int
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var markErr error
		n, markErr = h.store.MarkAllRead(ctx, q, p)
		return markErr
	})
	if err != nil {
		writeError(w, "marking notifications failed", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("%d notification(s) marked as read", n),
		"count":   n,
	})
}

// HandleMarkOneRead marks a single notification as read and returns it.
// POST /api/v1/notifications/{id}/read
func (h *InboxHandler) HandleMarkOneRead(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return
	}
	d, err := h.guard.AuthorizeResource(r.Context(), p, guard.OpUpdate, guard.ResourceNotification, id)
	if err != nil {
		writeError(w, "authorizing request failed", err)
		return
	}
	if !d.Allowed() {
		guard.WriteDenied(w, d)
		return
	}

	var n *Stored
	err = h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		if _, markErr := h.store.MarkRead(ctx, q, p, []uuid.UUID{id}); markErr != nil {
			return markErr
		}
		var getErr error
		n, getErr = h.store.Get(ctx, q, p, id)
		return getErr
	})
	if err != nil {
		writeError(w, "marking notification failed", err)
		return
	}
	writeJSON(w, http.StatusOK, n)
}

func writeError(w http.ResponseWriter, fallback string, err error) {
	var denied *guard.DeniedError
	switch {
	case errors.As(err, &denied):
		guard.WriteDenied(w, denied.Decision)
	case guard.OutcomeOf(err) != "":
		guard.WriteDenied(w, &guard.Decision{Outcome: guard.OutcomeOf(err)})
	case errors.Is(err, ErrNotFound), errors.Is(err, guard.ErrResourceNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "notification not found"})
	default:
		slog.Error(fallback, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fallback})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
