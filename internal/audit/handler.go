package audit

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
)

// Handler serves audit query endpoints.
type Handler struct {
	db    database.Querier
	store *Store
}

// NewHandler creates an audit query handler.
func NewHandler(db database.Querier, store *Store) *Handler {
	return &Handler{db: db, store: store}
}

// HandleListEvents returns audit events for the current tenant.
// GET /api/v1/audit/events?limit=50&after=<timestamp>&action=stock.added
func (h *Handler) HandleListEvents(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	if !p.HasTenant() {
		writeAuditJSON(w, http.StatusForbidden, map[string]string{"error": string(guard.NoTenant)})
		return
	}

	params, err := parseListParams(r.URL.Query())
	if err != nil {
		writeAuditJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if h.db == nil {
		writeAuditJSON(w, http.StatusOK, map[string]any{"events": []any{}, "count": 0})
		return
	}

	events, err := h.store.List(r.Context(), h.db, p, params)
	if err != nil {
		slog.Error("listing audit events", "tenant_id", p.TenantID, "error", err)
		writeAuditJSON(w, http.StatusInternalServerError, map[string]string{"error": "query failed"})
		return
	}
	if events == nil {
		events = []Entry{}
	}

	writeAuditJSON(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

func parseListParams(q url.Values) (ListEventsParams, error) {
	var params ListEventsParams

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return params, errors.New("limit must be a positive integer")
		}
		params.Limit = n
	}
	params.Limit = ClampLimit(params.Limit)

	for key, dst := range map[string]**string{
		"action":        &params.Action,
		"resource_type": &params.ResourceType,
		"source":        &params.Source,
	} {
		if v := q.Get(key); v != "" {
			*dst = &v
		}
	}

	for key, dst := range map[string]**uuid.UUID{
		"user_id":     &params.UserID,
		"product_id":  &params.ProductID,
		"location_id": &params.LocationID,
	} {
		if raw := q.Get(key); raw != "" {
			id, err := uuid.Parse(raw)
			if err != nil {
				return params, errors.New("invalid " + key)
			}
			*dst = &id
		}
	}

	for key, dst := range map[string]**time.Time{
		"after":  &params.After,
		"before": &params.Before,
	} {
		if raw := q.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return params, errors.New(key + " must be an RFC 3339 timestamp")
			}
			*dst = &t
		}
	}

	return params, nil
}

func writeAuditJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
