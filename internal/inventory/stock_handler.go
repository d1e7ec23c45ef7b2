package inventory

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/audit"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
)

// stockActions are the audit actions that make up a product's stock history.
var stockActions = []string{
	audit.ActionStockAdded,
	audit.ActionStockRemoved,
	audit.ActionStockSet,
	audit.ActionStockTransferred,
	audit.ActionStockUpdated,
}

var actionLabels = map[string]string{
	audit.ActionStockAdded:       "Stock Added",
	audit.ActionStockRemoved:     "Stock Removed",
	audit.ActionStockSet:         "Stock Set",
	audit.ActionStockTransferred: "Stock Transferred",
	audit.ActionStockUpdated:     "Stock Level Adjusted",
}

var adjustActions = map[AdjustAction]string{
	AdjustAdd:    audit.ActionStockAdded,
	AdjustRemove: audit.ActionStockRemoved,
	AdjustSet:    audit.ActionStockSet,
}

// authorizeRecords checks op on each referenced record in order and stops
// at the first refusal.
func (h *Handler) authorizeRecords(w http.ResponseWriter, r *http.Request, p *guard.Principal, refs ...recordRef) bool {
	for _, ref := range refs {
		if !h.authorizeRecord(w, r, p, guard.OpRead, ref.rt, ref.id) {
			return false
		}
	}
	return true
}

type recordRef struct {
	rt guard.ResourceType
	id uuid.UUID
}

// recordMovements writes stock history events with q, the transaction of
// the movements, so the history never lags or loses a committed movement.
func (h *Handler) recordMovements(ctx context.Context, q database.Querier, events ...audit.Event) error {
	if err := h.events.Append(ctx, q, events...); err != nil {
		return fmt.Errorf("recording stock history: %w", err)
	}
	return nil
}

// movementEvent describes a change at one location. extra is merged into
// the metadata.
func movementEvent(action string, m *Movement, extra map[string]any) audit.Event {
	meta := map[string]any{
		audit.MetadataProductID:   m.Product.ID.String(),
		"product_name":            m.Product.Name,
		"product_sku":             m.Product.SKU,
		audit.MetadataLocationID:  m.Location.ID.String(),
		"location_name":           m.Location.Name,
		audit.MetadataOldQuantity: m.OldQuantity,
		audit.MetadataNewQuantity: m.NewQuantity,
	}
	maps.Copy(meta, extra)
	return audit.Event{
		Action:       action,
		ResourceType: string(guard.ResourceStock),
		ResourceID:   &m.Stock.ID,
		Metadata:     meta,
	}
}

func transferEvent(t *Transfer, reason string) audit.Event {
	return audit.Event{
		Action:       audit.ActionStockTransferred,
		ResourceType: string(guard.ResourceStock),
		ResourceID:   &t.Source.Stock.ID,
		Metadata: map[string]any{
			audit.MetadataProductID:      t.Source.Product.ID.String(),
			"product_name":               t.Source.Product.Name,
			"product_sku":                t.Source.Product.SKU,
			audit.MetadataFromLocationID: t.Source.Location.ID.String(),
			"from_location_name":         t.Source.Location.Name,
			audit.MetadataToLocationID:   t.Destination.Location.ID.String(),
			"to_location_name":           t.Destination.Location.Name,
			"quantity_transferred":       t.Quantity,
			"from_old_quantity":          t.Source.OldQuantity,
			"from_new_quantity":          t.Source.NewQuantity,
			"to_old_quantity":            t.Destination.OldQuantity,
			"to_new_quantity":            t.Destination.NewQuantity,
			audit.MetadataReason:         reason,
		},
	}
}

func (h *Handler) movement(kind string) {
	if h.metrics != nil {
		h.metrics.StockMovements.WithLabelValues(kind).Inc()
	}
}

// HandleSetStock sets the quantity of a product at a location.
// PUT /api/v1/stock
func (h *Handler) HandleSetStock(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var req SetStockRequest
	if !decode(w, r, &req) {
		return
	}
	if !h.authorizeRecords(w, r, p,
		recordRef{guard.ResourceProduct, req.ProductID},
		recordRef{guard.ResourceLocation, req.LocationID},
	) {
		return
	}

	var (
		m     *Movement
		level *StockLevel
	)
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var err error
		if m, err = h.store.SetStock(ctx, q, p, req); err != nil {
			return err
		}
		if err = h.recordMovements(ctx, q, movementEvent(audit.ActionStockUpdated, m, nil)); err != nil {
			return err
		}
		if err = h.storeAlerts(ctx, q, p.TenantID, m); err != nil {
			return err
		}
		level, err = h.store.StockLevel(ctx, q, p, m.Stock.ID)
		return err
	})
	if err != nil {
		writeError(w, "updating stock failed", err)
		return
	}

	h.movement("set")
	publishAlerts(h.alerts, p.TenantID, m)

	status := http.StatusOK
	if m.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, level)
}

// HandleAdjustStock adds to, removes from or sets the stock at a location.
// POST /api/v1/stock/adjust
func (h *Handler) HandleAdjustStock(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var req AdjustStockRequest
	if !decode(w, r, &req) {
		return
	}
	if !h.authorizeRecords(w, r, p,
		recordRef{guard.ResourceProduct, req.ProductID},
		recordRef{guard.ResourceLocation, req.LocationID},
	) {
		return
	}

	var (
		m     *Movement
		level *StockLevel
	)
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var err error
		if m, err = h.store.AdjustStock(ctx, q, p, req); err != nil {
			return err
		}
		event := movementEvent(adjustActions[req.Action], m, map[string]any{
			"quantity_changed":   req.Quantity,
			"action":             string(req.Action),
			audit.MetadataReason: req.Reason,
		})
		if err = h.recordMovements(ctx, q, event); err != nil {
			return err
		}
		if err = h.storeAlerts(ctx, q, p.TenantID, m); err != nil {
			return err
		}
		level, err = h.store.StockLevel(ctx, q, p, m.Stock.ID)
		return err
	})
	if err != nil {
		writeError(w, "adjusting stock failed", err)
		return
	}

	h.movement(string(req.Action))
	publishAlerts(h.alerts, p.TenantID, m)

	writeJSON(w, http.StatusOK, level)
}

// HandleTransferStock moves stock between two locations.
// POST /api/v1/stock/transfer
func (h *Handler) HandleTransferStock(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var req TransferStockRequest
	if !decode(w, r, &req) {
		return
	}
	if !h.authorizeRecords(w, r, p,
		recordRef{guard.ResourceProduct, req.ProductID},
		recordRef{guard.ResourceLocation, req.FromLocationID},
		recordRef{guard.ResourceLocation, req.ToLocationID},
	) {
		return
	}

	var (
		t        *Transfer
		src, dst *StockLevel
	)
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var err error
		if t, err = h.store.TransferStock(ctx, q, p, req); err != nil {
			return err
		}
		if err = h.recordMovements(ctx, q, transferEvent(t, req.Reason)); err != nil {
			return err
		}
		if err = h.storeAlerts(ctx, q, p.TenantID, t.Source); err != nil {
			return err
		}
		if src, err = h.store.StockLevel(ctx, q, p, t.Source.Stock.ID); err != nil {
			return err
		}
		dst, err = h.store.StockLevel(ctx, q, p, t.Destination.Stock.ID)
		return err
	})
	if err != nil {
		writeError(w, "transferring stock failed", err)
		return
	}

	h.movement("transfer")
	publishAlerts(h.alerts, p.TenantID, t.Source)

	writeJSON(w, http.StatusOK, map[string]any{
		"source_stock":      src,
		"destination_stock": dst,
		"message": fmt.Sprintf("Successfully transferred %d units from %s to %s",
			t.Quantity, t.Source.Location.Name, t.Destination.Location.Name),
	})
}

// HandleStockOverview lists stock levels.
// GET /api/v1/stock?location=<id>&category=<id>&search=<text>
func (h *Handler) HandleStockOverview(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	query := r.URL.Query()

	f := OverviewFilter{Search: query.Get("search")}
	var err error
	if f.LocationID, err = optionalID(query.Get("location")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid location filter"})
		return
	}
	if f.CategoryID, err = optionalID(query.Get("category")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid category filter"})
		return
	}

	var levels []StockLevel
	err = h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var listErr error
		levels, listErr = h.store.Overview(ctx, q, p, f)
		return listErr
	})
	if err != nil {
		writeError(w, "listing stock failed", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(levels))
}

func optionalID(v string) (*uuid.UUID, error) {
	if v == "" {
		return nil, nil
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// HistoryEntry is one stock movement of a product.
type HistoryEntry struct {
	ID             uuid.UUID      `json:"id"`
	Timestamp      time.Time      `json:"timestamp"`
	User           string         `json:"user"`
	ActionType     string         `json:"action_type"`
	ActionTypeCode string         `json:"action_type_code"`
	Details        map[string]any `json:"details"`
}

// HandleStockHistory returns the stock movements of a product, newest first.
// GET /api/v1/stock/history?product=<id>&location=<id>
func (h *Handler) HandleStockHistory(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	query := r.URL.Query()

	if query.Get("product") == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Product ID is required."})
		return
	}
	productID, err := uuid.Parse(query.Get("product"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid product id"})
		return
	}
	locationID, err := optionalID(query.Get("location"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid location filter"})
		return
	}
	if !h.authorizeRecord(w, r, p, guard.OpRead, guard.ResourceProduct, productID) {
		return
	}

	var (
		product productRef
		history []HistoryEntry
	)
	err = h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var err error
		if product, err = h.store.productRef(ctx, q, p, productID); err != nil {
			return err
		}
		entries, err := h.events.List(ctx, q, p, audit.ListEventsParams{
			Actions:    stockActions,
			ProductID:  &productID,
			LocationID: locationID,
			Limit:      audit.MaxListLimit,
		})
		if err != nil {
			return err
		}
		history, err = h.historyEntries(ctx, q, p, entries)
		return err
	})
	if err != nil {
		writeError(w, "fetching stock history failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"product_id":   product.ID,
		"product_name": product.Name,
		"product_sku":  product.SKU,
		"history":      nonNil(history),
	})
}

func (h *Handler) historyEntries(ctx context.Context, q database.Querier, p *guard.Principal, entries []audit.Entry) ([]HistoryEntry, error) {
	emails, err := h.store.UserEmails(ctx, q, p, actorIDs(entries))
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(entries))
	for _, e := range entries {
		user := "System"
		if e.UserID != nil {
			if email, ok := emails[*e.UserID]; ok {
				user = email
			}
		}
		label := actionLabels[e.Action]
		if label == "" {
			label = e.Action
		}
		out = append(out, HistoryEntry{
			ID:             e.ID,
			Timestamp:      e.CreatedAt,
			User:           user,
			ActionType:     label,
			ActionTypeCode: e.Action,
			Details:        e.Metadata,
		})
	}
	return out, nil
}

func actorIDs(entries []audit.Entry) []uuid.UUID {
	seen := make(map[uuid.UUID]bool)
	var ids []uuid.UUID
	for _, e := range entries {
		if e.UserID != nil && !seen[*e.UserID] {
			seen[*e.UserID] = true
			ids = append(ids, *e.UserID)
		}
	}
	return ids
}

// recentActivityLimit is the number of audit events shown on the dashboard.
const recentActivityLimit = 10

// ActivityEntry is a recent audit event shown on the dashboard.
type ActivityEntry struct {
	ID           uuid.UUID      `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	User         string         `json:"user"`
	Action       string         `json:"action"`
	ResourceType *string        `json:"resource_type"`
	Details      map[string]any `json:"details"`
}

// HandleDashboard returns the dashboard statistics.
// GET /api/v1/dashboard/stats
func (h *Handler) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())

	var (
		kpis     *KPIs
		low      []LowStockItem
		activity []ActivityEntry
	)
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var err error
		if kpis, err = h.store.KPIs(ctx, q, p); err != nil {
			return err
		}
		if low, err = h.store.LowStock(ctx, q, p); err != nil {
			return err
		}
		entries, err := h.events.List(ctx, q, p, audit.ListEventsParams{Limit: recentActivityLimit})
		if err != nil {
			return err
		}
		emails, err := h.store.UserEmails(ctx, q, p, actorIDs(entries))
		if err != nil {
			return err
		}
		for _, e := range entries {
			user := "System"
			if e.UserID != nil && emails[*e.UserID] != "" {
				user = emails[*e.UserID]
			}
			activity = append(activity, ActivityEntry{
				ID:           e.ID,
				Timestamp:    e.CreatedAt,
				User:         user,
				Action:       e.Action,
				ResourceType: e.ResourceType,
				Details:      e.Metadata,
			})
		}
		return nil
	})
	if err != nil {
		writeError(w, "fetching dashboard failed", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"kpis":            kpis,
		"low_stock_items": nonNil(low),
		"recent_activity": nonNil(activity),
	})
}

// HandleImportProducts accepts a product CSV upload and queues it.
// POST /api/v1/products/import (multipart/form-data, field csv_file)
func (h *Handler) HandleImportProducts(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	if h.imports == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "imports are disabled"})
		return
	}
	if err := requireTenant(p); err != nil {
		writeError(w, "importing products failed", err)
		return
	}

	// Leave room for the multipart envelope around the file.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxImportBytes+(1<<20))
	if err := r.ParseMultipartForm(h.maxImportBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "upload is too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No CSV file provided."})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("csv_file")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "No CSV file provided."})
		return
	}
	defer file.Close()

	if !strings.EqualFold(filepath.Ext(header.Filename), ".csv") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "Please upload a valid .csv file."})
		return
	}
	if header.Size > h.maxImportBytes {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
			"error": fmt.Sprintf("CSV file must be at most %d bytes.", h.maxImportBytes),
		})
		return
	}

	rows, err := ParseProductCSV(file, h.maxImportRows)
	if err != nil {
		writeError(w, "reading CSV failed", err)
		return
	}

	job := ImportJob{ID: uuid.New(), Principal: *p, Filename: header.Filename, Rows: rows}
	if err := h.imports.Enqueue(job); err != nil {
		writeError(w, "queueing import failed", err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "Your file is being processed. The new products will appear in your inventory shortly.",
		"job_id": job.ID,
		"rows":   len(rows),
	})
}
