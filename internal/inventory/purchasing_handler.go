package inventory

import (
	"context"
	"net/http"
	"strconv"

	"github.com/progestock/progestock/internal/audit"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
)

// lineRefs lists the products of lines for authorization.
func lineRefs(lines []LineRequest) []recordRef {
	refs := make([]recordRef, len(lines))
	for i, l := range lines {
		refs[i] = recordRef{guard.ResourceProduct, l.ProductID}
	}
	return refs
}

// --- suppliers ---

// HandleListSuppliers lists suppliers by name.
// GET /api/v1/suppliers?search=<text>&is_active=true|false
func (h *Handler) HandleListSuppliers(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	query := r.URL.Query()
	f := SupplierFilter{Search: query.Get("search")}
	if v := query.Get("is_active"); v != "" {
		active, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid is_active"})
			return
		}
		f.Active = &active
	}
	var out []Supplier
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var listErr error
		out, listErr = h.store.ListSuppliers(ctx, q, p, f)
		return listErr
	})
	if err != nil {
		writeError(w, "listing suppliers failed", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (h *Handler) HandleGetSupplier(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpRead, guard.ResourceSupplier)
	if !ok {
		return
	}
	var sup *Supplier
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var getErr error
		sup, getErr = h.store.GetSupplier(ctx, q, p, id)
		return getErr
	})
	if err != nil {
		writeError(w, "fetching supplier failed", err)
		return
	}
	writeJSON(w, http.StatusOK, sup)
}

func (h *Handler) HandleCreateSupplier(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var req SupplierRequest
	if !decode(w, r, &req) {
		return
	}
	var sup *Supplier
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var createErr error
		sup, createErr = h.store.CreateSupplier(ctx, q, p, req)
		return createErr
	})
	if err != nil {
		writeError(w, "creating supplier failed", err)
		return
	}
	h.record(r.Context(), audit.ActionSupplierCreated, guard.ResourceSupplier, sup.ID, map[string]any{"name": sup.Name})
	writeJSON(w, http.StatusCreated, sup)
}

func (h *Handler) HandleUpdateSupplier(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourceSupplier)
	if !ok {
		return
	}
	var req SupplierRequest
	if !decode(w, r, &req) {
		return
	}
	var sup *Supplier
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var updateErr error
		sup, updateErr = h.store.UpdateSupplier(ctx, q, p, id, req)
		return updateErr
	})
	if err != nil {
		writeError(w, "updating supplier failed", err)
		return
	}
	h.record(r.Context(), audit.ActionSupplierUpdated, guard.ResourceSupplier, sup.ID, map[string]any{"name": sup.Name})
	writeJSON(w, http.StatusOK, sup)
}

func (h *Handler) HandleDeleteSupplier(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpDelete, guard.ResourceSupplier)
	if !ok {
		return
	}
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		return h.store.DeleteSupplier(ctx, q, p, id)
	})
	if err != nil {
		writeError(w, "deleting supplier failed", err)
		return
	}
	h.record(r.Context(), audit.ActionSupplierDeleted, guard.ResourceSupplier, id, nil)
	w.WriteHeader(http.StatusNoContent)
}

// --- purchase orders ---

// HandleListPurchaseOrders lists purchase orders, newest first.
// GET /api/v1/purchase-orders?supplier=<id>&status=<status>&search=<text>&start_date=<date>&end_date=<date>
func (h *Handler) HandleListPurchaseOrders(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	query := r.URL.Query()
	f := POFilter{Status: POStatus(query.Get("status")), Search: query.Get("search")}
	var err error
	if f.SupplierID, err = optionalID(query.Get("supplier")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid supplier id"})
		return
	}
	if f.From, err = parseDate("start_date", query.Get("start_date")); err != nil {
		writeError(w, "", err)
		return
	}
	if f.To, err = parseDate("end_date", query.Get("end_date")); err != nil {
		writeError(w, "", err)
		return
	}
	var out []PurchaseOrder
	err = h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var listErr error
		out, listErr = h.store.ListPurchaseOrders(ctx, q, p, f)
		return listErr
	})
	if err != nil {
		writeError(w, "listing purchase orders failed", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (h *Handler) HandleGetPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpRead, guard.ResourcePurchaseOrder)
	if !ok {
		return
	}
	var o *PurchaseOrder
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var getErr error
		o, getErr = h.store.GetPurchaseOrder(ctx, q, p, id)
		return getErr
	})
	if err != nil {
		writeError(w, "fetching purchase order failed", err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// authorizePORefs checks read access to everything the order refers to.
func (h *Handler) authorizePORefs(w http.ResponseWriter, r *http.Request, p *guard.Principal, req *PurchaseOrderRequest) bool {
	refs := append([]recordRef{{guard.ResourceSupplier, req.SupplierID}}, lineRefs(req.Items)...)
	if req.ReceivingLocationID != nil {
		refs = append(refs, recordRef{guard.ResourceLocation, *req.ReceivingLocationID})
	}
	return h.authorizeRecords(w, r, p, refs...)
}

func (h *Handler) HandleCreatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var req PurchaseOrderRequest
	if !decode(w, r, &req) || !h.authorizePORefs(w, r, p, &req) {
		return
	}
	var o *PurchaseOrder
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var createErr error
		o, createErr = h.store.CreatePurchaseOrder(ctx, q, p, req)
		return createErr
	})
	if err != nil {
		writeError(w, "creating purchase order failed", err)
		return
	}
	h.record(r.Context(), audit.ActionPurchaseOrderCreated, guard.ResourcePurchaseOrder, o.ID,
		map[string]any{audit.MetadataReference: o.Number, "total_amount": o.TotalAmount.String()})
	writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) HandleUpdatePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourcePurchaseOrder)
	if !ok {
		return
	}
	var req PurchaseOrderRequest
	if !decode(w, r, &req) || !h.authorizePORefs(w, r, p, &req) {
		return
	}
	var o *PurchaseOrder
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var updateErr error
		o, updateErr = h.store.UpdatePurchaseOrder(ctx, q, p, id, req)
		return updateErr
	})
	if err != nil {
		writeError(w, "updating purchase order failed", err)
		return
	}
	h.record(r.Context(), audit.ActionPurchaseOrderUpdated, guard.ResourcePurchaseOrder, o.ID,
		map[string]any{audit.MetadataReference: o.Number, "status": o.Status})
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) HandleDeletePurchaseOrder(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpDelete, guard.ResourcePurchaseOrder)
	if !ok {
		return
	}
	var o *PurchaseOrder
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var deleteErr error
		o, deleteErr = h.store.DeletePurchaseOrder(ctx, q, p, id)
		return deleteErr
	})
	if err != nil {
		writeError(w, "deleting purchase order failed", err)
		return
	}
	h.record(r.Context(), audit.ActionPurchaseOrderDeleted, guard.ResourcePurchaseOrder, id,
		map[string]any{audit.MetadataReference: o.Number})
	w.WriteHeader(http.StatusNoContent)
}

// HandleReceiveItems records received quantities.
// POST /api/v1/purchase-orders/{id}/receive
func (h *Handler) HandleReceiveItems(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourcePurchaseOrder)
	if !ok {
		return
	}
	var req ReceiveRequest
	if !decode(w, r, &req) {
		return
	}
	var o *PurchaseOrder
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var receiveErr error
		o, receiveErr = h.store.ReceiveItems(ctx, q, p, id, req)
		return receiveErr
	})
	if err != nil {
		writeError(w, "receiving items failed", err)
		return
	}
	h.record(r.Context(), audit.ActionPurchaseOrderReceived, guard.ResourcePurchaseOrder, o.ID,
		map[string]any{audit.MetadataReference: o.Number, "status": o.Status})
	writeJSON(w, http.StatusOK, o)
}

// HandleAddToInventory adds a received order to stock at its receiving
// location. The stock history is written with the movements.
// POST /api/v1/purchase-orders/{id}/add-to-inventory
func (h *Handler) HandleAddToInventory(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourcePurchaseOrder)
	if !ok {
		return
	}
	var (
		o         *PurchaseOrder
		movements []*Movement
	)
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var err error
		if o, movements, err = h.store.AddToInventory(ctx, q, p, id); err != nil {
			return err
		}
		events := make([]audit.Event, len(movements))
		for i, m := range movements {
			events[i] = movementEvent(audit.ActionStockAdded, m, map[string]any{
				audit.MetadataQuantity:  m.NewQuantity - m.OldQuantity,
				audit.MetadataReason:    "Purchase order received",
				audit.MetadataReference: o.Number,
			})
		}
		return h.recordMovements(ctx, q, events...)
	})
	if err != nil {
		writeError(w, "adding stock failed", err)
		return
	}
	for range movements {
		h.movement("purchase_order")
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message":        "Stock added to inventory successfully",
		"purchase_order": o,
		"items_added":    len(movements),
	})
}

// HandleCancelPurchaseOrder cancels an order that received nothing.
// POST /api/v1/purchase-orders/{id}/cancel
func (h *Handler) HandleCancelPurchaseOrder(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourcePurchaseOrder)
	if !ok {
		return
	}
	var o *PurchaseOrder
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var cancelErr error
		o, cancelErr = h.store.CancelPurchaseOrder(ctx, q, p, id)
		return cancelErr
	})
	if err != nil {
		writeError(w, "cancelling purchase order failed", err)
		return
	}
	h.record(r.Context(), audit.ActionPurchaseOrderCancelled, guard.ResourcePurchaseOrder, o.ID,
		map[string]any{audit.MetadataReference: o.Number})
	writeJSON(w, http.StatusOK, o)
}

// HandlePurchaseOrderStatistics returns order counts and values.
// GET /api/v1/purchase-orders/statistics
func (h *Handler) HandlePurchaseOrderStatistics(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var st *POStatistics
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var statErr error
		st, statErr = h.store.PurchaseOrderStatistics(ctx, q, p)
		return statErr
	})
	if err != nil {
		writeError(w, "summarising purchase orders failed", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
