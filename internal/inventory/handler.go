package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/audit"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/notify"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/progestock/progestock/internal/platform/telemetry"
)

const maxBodyBytes = 64 << 10

// Deps are the collaborators of the inventory handlers.
type Deps struct {
	Runner   database.Runner
	Guard    *guard.Guard
	Store    *Store
	Events   *audit.Store
	AuditLog audit.Logger
	Alerts   notify.Publisher
	Inbox    *notify.Store
	Imports  *ImportQueue
	Metrics  *telemetry.Metrics
	// MaxImportBytes limits the size of an uploaded CSV file.
	MaxImportBytes int64
	// MaxImportRows limits the number of data rows of an uploaded CSV file.
	MaxImportRows int
}

// Handler serves the inventory API.
type Handler struct {
	runner         database.Runner
	guard          *guard.Guard
	store          *Store
	events         *audit.Store
	auditLog       audit.Logger
	alerts         notify.Publisher
	inbox          *notify.Store
	imports        *ImportQueue
	metrics        *telemetry.Metrics
	maxImportBytes int64
	maxImportRows  int
}

func NewHandler(d Deps) *Handler {
	h := &Handler{
		runner:         d.Runner,
		guard:          d.Guard,
		store:          d.Store,
		events:         d.Events,
		auditLog:       d.AuditLog,
		alerts:         d.Alerts,
		inbox:          d.Inbox,
		imports:        d.Imports,
		metrics:        d.Metrics,
		maxImportBytes: d.MaxImportBytes,
		maxImportRows:  d.MaxImportRows,
	}
	if h.auditLog == nil {
		h.auditLog = audit.NopLogger{}
	}
	if h.store == nil {
		h.store = NewStore()
	}
	if h.events == nil {
		h.events = audit.NewStore()
	}
	if h.inbox == nil {
		h.inbox = notify.NewStore()
	}
	if h.maxImportBytes <= 0 {
		h.maxImportBytes = 5 << 20
	}
	return h
}

// authorizeID parses the {id} path value and authorizes op on that record.
// On failure the response has been written.
func (h *Handler) authorizeID(w http.ResponseWriter, r *http.Request, op guard.Operation, rt guard.ResourceType) (*guard.Principal, uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid id"})
		return nil, uuid.Nil, false
	}
	p := guard.PrincipalFrom(r.Context())
	if !h.authorizeRecord(w, r, p, op, rt, id) {
		return nil, uuid.Nil, false
	}
	return p, id, true
}

// authorizeRecord checks op on record rt/id. A record of another tenant is
// answered with cross_tenant_access and recorded in the caller's audit trail.
func (h *Handler) authorizeRecord(w http.ResponseWriter, r *http.Request, p *guard.Principal, op guard.Operation, rt guard.ResourceType, id uuid.UUID) bool {
	d, err := h.guard.AuthorizeResource(r.Context(), p, op, rt, id)
	if err != nil {
		writeError(w, "authorizing request failed", err)
		return false
	}
	if !d.Allowed() {
		if p.HasTenant() {
			audit.ForGuard(h.auditLog).Log(r.Context(), guard.DenialEvent(p, d, &id))
		}
		guard.WriteDenied(w, d)
		return false
	}
	return true
}

type validator interface {
	Validate() error
}

// decode reads a JSON body into v and validates it. On failure the response
// has been written.
func decode(w http.ResponseWriter, r *http.Request, v validator) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return false
	}
	if err := v.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

func (h *Handler) read(ctx context.Context, p *guard.Principal, fn database.Func) error {
	if err := requireTenant(p); err != nil {
		return err
	}
	return h.runner.WithTenant(ctx, p.TenantID, fn)
}

func (h *Handler) write(ctx context.Context, p *guard.Principal, fn database.Func) error {
	if err := requireTenant(p); err != nil {
		return err
	}
	return h.runner.WithTenantTx(ctx, p.TenantID, fn)
}

func (h *Handler) record(ctx context.Context, action string, rt guard.ResourceType, id uuid.UUID, metadata map[string]any) {
	audit.Record(ctx, h.auditLog, audit.Event{
		Action:       action,
		ResourceType: string(rt),
		ResourceID:   &id,
		Metadata:     metadata,
	})
}

// --- locations ---

func (h *Handler) HandleListLocations(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var locs []Location
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var listErr error
		locs, listErr = h.store.ListLocations(ctx, q, p)
		return listErr
	})
	if err != nil {
		writeError(w, "listing locations failed", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(locs))
}

func (h *Handler) HandleGetLocation(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpRead, guard.ResourceLocation)
	if !ok {
		return
	}
	var loc *Location
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var getErr error
		loc, getErr = h.store.GetLocation(ctx, q, p, id)
		return getErr
	})
	if err != nil {
		writeError(w, "fetching location failed", err)
		return
	}
	writeJSON(w, http.StatusOK, loc)
}

func (h *Handler) HandleCreateLocation(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var req NameRequest
	if !decode(w, r, &req) {
		return
	}
	var loc *Location
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var createErr error
		loc, createErr = h.store.CreateLocation(ctx, q, p, req)
		return createErr
	})
	if err != nil {
		writeError(w, "creating location failed", err)
		return
	}
	h.record(r.Context(), audit.ActionLocationCreated, guard.ResourceLocation, loc.ID, map[string]any{"name": loc.Name})
	writeJSON(w, http.StatusCreated, loc)
}

func (h *Handler) HandleUpdateLocation(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourceLocation)
	if !ok {
		return
	}
	var req NameRequest
	if !decode(w, r, &req) {
		return
	}
	var loc *Location
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var updateErr error
		loc, updateErr = h.store.UpdateLocation(ctx, q, p, id, req)
		return updateErr
	})
	if err != nil {
		writeError(w, "updating location failed", err)
		return
	}
	h.record(r.Context(), audit.ActionLocationUpdated, guard.ResourceLocation, loc.ID, map[string]any{"name": loc.Name})
	writeJSON(w, http.StatusOK, loc)
}

func (h *Handler) HandleDeleteLocation(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpDelete, guard.ResourceLocation)
	if !ok {
		return
	}
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		return h.store.DeleteLocation(ctx, q, p, id)
	})
	if err != nil {
		writeError(w, "deleting location failed", err)
		return
	}
	h.record(r.Context(), audit.ActionLocationDeleted, guard.ResourceLocation, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- categories ---

func (h *Handler) HandleListCategories(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var cats []Category
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var listErr error
		cats, listErr = h.store.ListCategories(ctx, q, p)
		return listErr
	})
	if err != nil {
		writeError(w, "listing categories failed", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(cats))
}

func (h *Handler) HandleGetCategory(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpRead, guard.ResourceCategory)
	if !ok {
		return
	}
	var cat *Category
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var getErr error
		cat, getErr = h.store.GetCategory(ctx, q, p, id)
		return getErr
	})
	if err != nil {
		writeError(w, "fetching category failed", err)
		return
	}
	writeJSON(w, http.StatusOK, cat)
}

func (h *Handler) HandleCreateCategory(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var req NameRequest
	if !decode(w, r, &req) {
		return
	}
	var cat *Category
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var createErr error
		cat, createErr = h.store.CreateCategory(ctx, q, p, req)
		return createErr
	})
	if err != nil {
		writeError(w, "creating category failed", err)
		return
	}
	h.record(r.Context(), audit.ActionCategoryCreated, guard.ResourceCategory, cat.ID, map[string]any{"name": cat.Name})
	writeJSON(w, http.StatusCreated, cat)
}

func (h *Handler) HandleUpdateCategory(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourceCategory)
	if !ok {
		return
	}
	var req NameRequest
	if !decode(w, r, &req) {
		return
	}
	var cat *Category
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var updateErr error
		cat, updateErr = h.store.UpdateCategory(ctx, q, p, id, req)
		return updateErr
	})
	if err != nil {
		writeError(w, "updating category failed", err)
		return
	}
	h.record(r.Context(), audit.ActionCategoryUpdated, guard.ResourceCategory, cat.ID, map[string]any{"name": cat.Name})
	writeJSON(w, http.StatusOK, cat)
}

func (h *Handler) HandleDeleteCategory(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpDelete, guard.ResourceCategory)
	if !ok {
		return
	}
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		return h.store.DeleteCategory(ctx, q, p, id)
	})
	if err != nil {
		writeError(w, "deleting category failed", err)
		return
	}
	h.record(r.Context(), audit.ActionCategoryDeleted, guard.ResourceCategory, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- products ---

func (h *Handler) HandleListProducts(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	f := ProductFilter{Search: r.URL.Query().Get("search")}
	if v := r.URL.Query().Get("category"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid category filter"})
			return
		}
		f.CategoryID = &id
	}

	var products []Product
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var listErr error
		products, listErr = h.store.ListProducts(ctx, q, p, f)
		return listErr
	})
	if err != nil {
		writeError(w, "listing products failed", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(products))
}

func (h *Handler) HandleGetProduct(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpRead, guard.ResourceProduct)
	if !ok {
		return
	}
	var prod *Product
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var getErr error
		prod, getErr = h.store.GetProduct(ctx, q, p, id)
		return getErr
	})
	if err != nil {
		writeError(w, "fetching product failed", err)
		return
	}
	writeJSON(w, http.StatusOK, prod)
}

func (h *Handler) HandleCreateProduct(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var req ProductRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CategoryID != nil && !h.authorizeRecord(w, r, p, guard.OpRead, guard.ResourceCategory, *req.CategoryID) {
		return
	}
	var prod *Product
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var createErr error
		prod, createErr = h.store.CreateProduct(ctx, q, p, req)
		return createErr
	})
	if err != nil {
		writeError(w, "creating product failed", err)
		return
	}
	h.record(r.Context(), audit.ActionProductCreated, guard.ResourceProduct, prod.ID,
		map[string]any{"name": prod.Name, "sku": prod.SKU})
	writeJSON(w, http.StatusCreated, prod)
}

func (h *Handler) HandleUpdateProduct(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourceProduct)
	if !ok {
		return
	}
	var req ProductRequest
	if !decode(w, r, &req) {
		return
	}
	if req.CategoryID != nil && !h.authorizeRecord(w, r, p, guard.OpRead, guard.ResourceCategory, *req.CategoryID) {
		return
	}
	var prod *Product
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var updateErr error
		prod, updateErr = h.store.UpdateProduct(ctx, q, p, id, req)
		return updateErr
	})
	if err != nil {
		writeError(w, "updating product failed", err)
		return
	}
	h.record(r.Context(), audit.ActionProductUpdated, guard.ResourceProduct, prod.ID,
		map[string]any{"name": prod.Name, "sku": prod.SKU})
	writeJSON(w, http.StatusOK, prod)
}

func (h *Handler) HandleDeleteProduct(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpDelete, guard.ResourceProduct)
	if !ok {
		return
	}
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		return h.store.DeleteProduct(ctx, q, p, id)
	})
	if err != nil {
		writeError(w, "deleting product failed", err)
		return
	}
	h.record(r.Context(), audit.ActionProductDeleted, guard.ResourceProduct, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- clients ---

func (h *Handler) HandleListClients(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var clients []Client
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var listErr error
		clients, listErr = h.store.ListClients(ctx, q, p)
		return listErr
	})
	if err != nil {
		writeError(w, "listing clients failed", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(clients))
}

func (h *Handler) HandleGetClient(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpRead, guard.ResourceClient)
	if !ok {
		return
	}
	var c *Client
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var getErr error
		c, getErr = h.store.GetClient(ctx, q, p, id)
		return getErr
	})
	if err != nil {
		writeError(w, "fetching client failed", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) HandleCreateClient(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var req ClientRequest
	if !decode(w, r, &req) {
		return
	}
	var c *Client
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var createErr error
		c, createErr = h.store.CreateClient(ctx, q, p, req)
		return createErr
	})
	if err != nil {
		writeError(w, "creating client failed", err)
		return
	}
	h.record(r.Context(), audit.ActionClientCreated, guard.ResourceClient, c.ID, map[string]any{"name": c.Name})
	writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) HandleUpdateClient(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourceClient)
	if !ok {
		return
	}
	var req ClientRequest
	if !decode(w, r, &req) {
		return
	}
	var c *Client
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var updateErr error
		c, updateErr = h.store.UpdateClient(ctx, q, p, id, req)
		return updateErr
	})
	if err != nil {
		writeError(w, "updating client failed", err)
		return
	}
	h.record(r.Context(), audit.ActionClientUpdated, guard.ResourceClient, c.ID, map[string]any{"name": c.Name})
	writeJSON(w, http.StatusOK, c)
}

func (h *Handler) HandleDeleteClient(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpDelete, guard.ResourceClient)
	if !ok {
		return
	}
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		return h.store.DeleteClient(ctx, q, p, id)
	})
	if err != nil {
		writeError(w, "deleting client failed", err)
		return
	}
	h.record(r.Context(), audit.ActionClientDeleted, guard.ResourceClient, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps store and guard errors to responses. Unknown errors are
// logged and reported as fallback.
func writeError(w http.ResponseWriter, fallback string, err error) {
	var (
		denied  *guard.DeniedError
		inUse   *InUseError
		lacking *InsufficientStockError
	)
	switch {
	case errors.As(err, &denied):
		guard.WriteDenied(w, denied.Decision)
	case guard.OutcomeOf(err) != "":
		guard.WriteDenied(w, &guard.Decision{Outcome: guard.OutcomeOf(err)})
	case errors.As(err, &inUse):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": inUse.Error(), "usage_count": inUse.Count})
	case errors.As(err, &lacking):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": lacking.Error(), "available": lacking.Available})
	case errors.Is(err, ErrInvalidInput), errors.Is(err, ErrInvalidCSV), errors.Is(err, ErrTooManyRows):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrDuplicateCategory):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, guard.ErrResourceNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, ErrLocationNotFound), errors.Is(err, ErrCategoryNotFound), errors.Is(err, ErrProductNotFound),
		errors.Is(err, ErrClientNotFound), errors.Is(err, ErrStockNotFound), errors.Is(err, ErrSupplierNotFound),
		errors.Is(err, ErrPurchaseOrderNotFound), errors.Is(err, ErrQuoteNotFound), errors.Is(err, ErrInvoiceNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrImportQueueFull), errors.Is(err, ErrImportQueueClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
	default:
		slog.Error(fallback, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fallback})
	}
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
