package inventory

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/audit"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/notify"
	"github.com/progestock/progestock/internal/platform/database"
)

// documentFilter reads the listing filters shared by quotes and invoices.
// On failure the response has been written.
func documentFilter(w http.ResponseWriter, r *http.Request) (DocumentFilter, bool) {
	query := r.URL.Query()
	f := DocumentFilter{Status: query.Get("status"), Search: query.Get("search")}
	var err error
	if f.ClientID, err = optionalID(query.Get("client")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid client id"})
		return f, false
	}
	if f.From, err = parseDate("start_date", query.Get("start_date")); err == nil {
		f.To, err = parseDate("end_date", query.Get("end_date"))
	}
	if err != nil {
		writeError(w, "", err)
		return f, false
	}
	return f, true
}

// notifyAdmins stores n in the inbox of the tenant's admins with q, the
// transaction of the change it reports.
func (h *Handler) notifyAdmins(ctx context.Context, q database.Querier, tenantID uuid.UUID, n notify.Notification) error {
	if _, err := h.inbox.Record(ctx, q, tenantID, n); err != nil {
		return fmt.Errorf("storing notification: %w", err)
	}
	return nil
}

func (h *Handler) publish(tenantID uuid.UUID, n notify.Notification) {
	if h.alerts != nil {
		h.alerts.Publish(tenantID, n)
	}
}

// reductionEvents are the stock history entries of an invoice's stock
// reduction: one removal per location and one entry per shortage.
func reductionEvents(red *StockReduction) []audit.Event {
	number := red.Invoice.Number
	events := make([]audit.Event, 0, len(red.Movements)+len(red.Shortages))
	for _, m := range red.Movements {
		events = append(events, movementEvent(audit.ActionStockRemoved, m, map[string]any{
			audit.MetadataQuantity:  m.OldQuantity - m.NewQuantity,
			audit.MetadataReason:    "Invoice " + number,
			audit.MetadataReference: number,
		}))
	}
	for _, sh := range red.Shortages {
		events = append(events, audit.Event{
			Action:       audit.ActionStockUpdated,
			ResourceType: string(guard.ResourceInvoice),
			ResourceID:   &red.Invoice.ID,
			Metadata: map[string]any{
				audit.MetadataProductID: sh.ProductID.String(),
				"product_name":          sh.ProductName,
				"quantity_needed":       sh.Needed,
				audit.MetadataShortage:  sh.Short,
				audit.MetadataReference: number,
				audit.MetadataReason: fmt.Sprintf("Insufficient stock for %s: needed %d, short by %d",
					sh.ProductName, sh.Needed, sh.Short),
			},
		})
	}
	return events
}

// applyReduction records the history and low stock alerts of a reduction in
// the transaction that made it.
func (h *Handler) applyReduction(ctx context.Context, q database.Querier, tenantID uuid.UUID, red *StockReduction) error {
	if red == nil {
		return nil
	}
	if err := h.recordMovements(ctx, q, reductionEvents(red)...); err != nil {
		return err
	}
	return h.storeAlerts(ctx, q, tenantID, red.Movements...)
}

func (h *Handler) reductionDone(tenantID uuid.UUID, red *StockReduction) {
	if red == nil {
		return
	}
	for range red.Movements {
		h.movement("invoice")
	}
	publishAlerts(h.alerts, tenantID, red.Movements...)
}

func quoteNotification(q *Quote) (notify.Notification, bool) {
	n := notify.Notification{Link: "/sales/quotes/" + q.ID.String()}
	switch q.Status {
	case QuoteAccepted:
		n.Type, n.Title = notify.TypeQuoteAccepted, "Quote Accepted"
		n.Message = fmt.Sprintf("Quote %s for %s was accepted.", q.Number, q.ClientName)
	case QuoteRejected:
		n.Type, n.Title = notify.TypeQuoteRejected, "Quote Rejected"
		n.Message = fmt.Sprintf("Quote %s for %s was rejected.", q.Number, q.ClientName)
	default:
		return n, false
	}
	return n, true
}

func invoicePaidNotification(inv *Invoice) notify.Notification {
	return notify.Notification{
		Type:    notify.TypeInvoicePaid,
		Title:   "Invoice Paid",
		Message: fmt.Sprintf("Invoice %s from %s has been paid in full (%s).", inv.Number, inv.ClientName, inv.TotalAmount.StringFixed(2)),
		Link:    "/sales/invoices/" + inv.ID.String(),
	}
}

func (h *Handler) authorizeDocRefs(w http.ResponseWriter, r *http.Request, p *guard.Principal, clientID uuid.UUID, lines []LineRequest) bool {
	return h.authorizeRecords(w, r, p, append([]recordRef{{guard.ResourceClient, clientID}}, lineRefs(lines)...)...)
}

// --- quotes ---

// HandleListQuotes lists quotes, newest first.
// GET /api/v1/quotes?client=<id>&status=<status>&search=<text>&start_date=<date>&end_date=<date>
func (h *Handler) HandleListQuotes(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	f, ok := documentFilter(w, r)
	if !ok {
		return
	}
	var out []Quote
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var listErr error
		out, listErr = h.store.ListQuotes(ctx, q, p, f)
		return listErr
	})
	if err != nil {
		writeError(w, "listing quotes failed", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (h *Handler) HandleGetQuote(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpRead, guard.ResourceQuote)
	if !ok {
		return
	}
	var quote *Quote
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var getErr error
		quote, getErr = h.store.GetQuote(ctx, q, p, id)
		return getErr
	})
	if err != nil {
		writeError(w, "fetching quote failed", err)
		return
	}
	writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) HandleCreateQuote(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var req QuoteRequest
	if !decode(w, r, &req) || !h.authorizeDocRefs(w, r, p, req.ClientID, req.Items) {
		return
	}
	var quote *Quote
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var createErr error
		quote, createErr = h.store.CreateQuote(ctx, q, p, req)
		return createErr
	})
	if err != nil {
		writeError(w, "creating quote failed", err)
		return
	}
	h.record(r.Context(), audit.ActionQuoteCreated, guard.ResourceQuote, quote.ID,
		map[string]any{audit.MetadataReference: quote.Number, "total_amount": quote.TotalAmount.String()})
	writeJSON(w, http.StatusCreated, quote)
}

func (h *Handler) HandleUpdateQuote(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourceQuote)
	if !ok {
		return
	}
	var req QuoteRequest
	if !decode(w, r, &req) || !h.authorizeDocRefs(w, r, p, req.ClientID, req.Items) {
		return
	}
	var quote *Quote
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var updateErr error
		quote, updateErr = h.store.UpdateQuote(ctx, q, p, id, req)
		return updateErr
	})
	if err != nil {
		writeError(w, "updating quote failed", err)
		return
	}
	h.record(r.Context(), audit.ActionQuoteUpdated, guard.ResourceQuote, quote.ID,
		map[string]any{audit.MetadataReference: quote.Number})
	writeJSON(w, http.StatusOK, quote)
}

func (h *Handler) HandleDeleteQuote(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpDelete, guard.ResourceQuote)
	if !ok {
		return
	}
	var quote *Quote
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var deleteErr error
		quote, deleteErr = h.store.DeleteQuote(ctx, q, p, id)
		return deleteErr
	})
	if err != nil {
		writeError(w, "deleting quote failed", err)
		return
	}
	h.record(r.Context(), audit.ActionQuoteDeleted, guard.ResourceQuote, id,
		map[string]any{audit.MetadataReference: quote.Number})
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetQuoteStatus moves a quote between DRAFT, SENT, ACCEPTED and
// REJECTED. Accepting or rejecting notifies the tenant's admins.
// POST /api/v1/quotes/{id}/status
func (h *Handler) HandleSetQuoteStatus(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourceQuote)
	if !ok {
		return
	}
	var req QuoteStatusRequest
	if !decode(w, r, &req) {
		return
	}
	var (
		quote  *Quote
		n      notify.Notification
		notice bool
	)
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var err error
		if quote, err = h.store.SetQuoteStatus(ctx, q, p, id, req.Status); err != nil {
			return err
		}
		if n, notice = quoteNotification(quote); notice {
			return h.notifyAdmins(ctx, q, p.TenantID, n)
		}
		return nil
	})
	if err != nil {
		writeError(w, "updating quote status failed", err)
		return
	}
	if notice {
		h.publish(p.TenantID, n)
	}
	h.record(r.Context(), audit.ActionQuoteUpdated, guard.ResourceQuote, quote.ID,
		map[string]any{audit.MetadataReference: quote.Number, "status": quote.Status})
	writeJSON(w, http.StatusOK, quote)
}

// HandleDuplicateQuote copies a quote into a new draft.
// POST /api/v1/quotes/{id}/duplicate
func (h *Handler) HandleDuplicateQuote(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpRead, guard.ResourceQuote)
	if !ok {
		return
	}
	if d := h.guard.Authorize(p, guard.OpCreate, guard.ResourceQuote); !d.Allowed() {
		guard.WriteDenied(w, d)
		return
	}
	var quote *Quote
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var dupErr error
		quote, dupErr = h.store.DuplicateQuote(ctx, q, p, id)
		return dupErr
	})
	if err != nil {
		writeError(w, "duplicating quote failed", err)
		return
	}
	h.record(r.Context(), audit.ActionQuoteCreated, guard.ResourceQuote, quote.ID,
		map[string]any{audit.MetadataReference: quote.Number, "duplicated_from": id.String()})
	writeJSON(w, http.StatusCreated, quote)
}

// HandleConvertQuote turns an accepted quote into an invoice and takes the
// invoiced quantities out of stock.
// POST /api/v1/quotes/{id}/convert
func (h *Handler) HandleConvertQuote(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourceQuote)
	if !ok {
		return
	}
	if d := h.guard.Authorize(p, guard.OpCreate, guard.ResourceInvoice); !d.Allowed() {
		guard.WriteDenied(w, d)
		return
	}
	var (
		inv *Invoice
		red *StockReduction
	)
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var err error
		if inv, red, err = h.store.ConvertQuote(ctx, q, p, id); err != nil {
			return err
		}
		return h.applyReduction(ctx, q, p.TenantID, red)
	})
	if err != nil {
		writeError(w, "converting quote failed", err)
		return
	}
	h.reductionDone(p.TenantID, red)
	h.record(r.Context(), audit.ActionQuoteConverted, guard.ResourceQuote, id,
		map[string]any{audit.MetadataReference: inv.Number, "invoice_id": inv.ID.String()})
	writeJSON(w, http.StatusCreated, inv)
}

// HandleQuoteKPIs returns the quote dashboard figures.
// GET /api/v1/quotes/kpis
func (h *Handler) HandleQuoteKPIs(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var k *QuoteKPIs
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var kpiErr error
		k, kpiErr = h.store.QuoteKPIs(ctx, q, p)
		return kpiErr
	})
	if err != nil {
		writeError(w, "summarising quotes failed", err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}

// --- invoices ---

// HandleListInvoices lists invoices, newest first.
// GET /api/v1/invoices?client=<id>&status=<status>&search=<text>&start_date=<date>&end_date=<date>
func (h *Handler) HandleListInvoices(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	f, ok := documentFilter(w, r)
	if !ok {
		return
	}
	var out []Invoice
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var listErr error
		out, listErr = h.store.ListInvoices(ctx, q, p, f)
		return listErr
	})
	if err != nil {
		writeError(w, "listing invoices failed", err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(out))
}

func (h *Handler) HandleGetInvoice(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpRead, guard.ResourceInvoice)
	if !ok {
		return
	}
	var inv *Invoice
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var getErr error
		inv, getErr = h.store.GetInvoice(ctx, q, p, id)
		return getErr
	})
	if err != nil {
		writeError(w, "fetching invoice failed", err)
		return
	}
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) HandleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var req InvoiceRequest
	if !decode(w, r, &req) || !h.authorizeDocRefs(w, r, p, req.ClientID, req.Items) {
		return
	}
	var inv *Invoice
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var createErr error
		inv, createErr = h.store.CreateInvoice(ctx, q, p, req)
		return createErr
	})
	if err != nil {
		writeError(w, "creating invoice failed", err)
		return
	}
	h.record(r.Context(), audit.ActionInvoiceCreated, guard.ResourceInvoice, inv.ID,
		map[string]any{audit.MetadataReference: inv.Number, "total_amount": inv.TotalAmount.String()})
	writeJSON(w, http.StatusCreated, inv)
}

func (h *Handler) HandleUpdateInvoice(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourceInvoice)
	if !ok {
		return
	}
	var req InvoiceRequest
	if !decode(w, r, &req) || !h.authorizeDocRefs(w, r, p, req.ClientID, req.Items) {
		return
	}
	var inv *Invoice
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var updateErr error
		inv, updateErr = h.store.UpdateInvoice(ctx, q, p, id, req)
		return updateErr
	})
	if err != nil {
		writeError(w, "updating invoice failed", err)
		return
	}
	h.record(r.Context(), audit.ActionInvoiceUpdated, guard.ResourceInvoice, inv.ID,
		map[string]any{audit.MetadataReference: inv.Number})
	writeJSON(w, http.StatusOK, inv)
}

func (h *Handler) HandleDeleteInvoice(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpDelete, guard.ResourceInvoice)
	if !ok {
		return
	}
	var inv *Invoice
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var deleteErr error
		inv, deleteErr = h.store.DeleteInvoice(ctx, q, p, id)
		return deleteErr
	})
	if err != nil {
		writeError(w, "deleting invoice failed", err)
		return
	}
	h.record(r.Context(), audit.ActionInvoiceDeleted, guard.ResourceInvoice, id,
		map[string]any{audit.MetadataReference: inv.Number})
	w.WriteHeader(http.StatusNoContent)
}

// HandleRecordPayment records a payment against an invoice. The payment
// that settles it takes the stock and notifies the tenant's admins.
// POST /api/v1/invoices/{id}/payments
func (h *Handler) HandleRecordPayment(w http.ResponseWriter, r *http.Request) {
	p, id, ok := h.authorizeID(w, r, guard.OpUpdate, guard.ResourceInvoice)
	if !ok {
		return
	}
	var req PaymentRequest
	if !decode(w, r, &req) {
		return
	}
	var res *PaymentResult
	err := h.write(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var err error
		if res, err = h.store.RecordPayment(ctx, q, p, id, req); err != nil {
			return err
		}
		if err = h.applyReduction(ctx, q, p.TenantID, res.Reduction); err != nil {
			return err
		}
		if res.Settled {
			return h.notifyAdmins(ctx, q, p.TenantID, invoicePaidNotification(res.Invoice))
		}
		return nil
	})
	if err != nil {
		writeError(w, "recording payment failed", err)
		return
	}
	h.reductionDone(p.TenantID, res.Reduction)
	if res.Settled {
		h.publish(p.TenantID, invoicePaidNotification(res.Invoice))
	}
	h.record(r.Context(), audit.ActionPaymentRecorded, guard.ResourceInvoice, id, map[string]any{
		audit.MetadataReference: res.Invoice.Number,
		"amount":                res.Payment.Amount.String(),
		"payment_method":        res.Payment.Method,
		"status":                res.Invoice.Status,
	})
	writeJSON(w, http.StatusOK, res.Invoice)
}

// HandleInvoiceKPIs returns the invoice dashboard figures.
// GET /api/v1/invoices/kpis
func (h *Handler) HandleInvoiceKPIs(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	var k *InvoiceKPIs
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var kpiErr error
		k, kpiErr = h.store.InvoiceKPIs(ctx, q, p)
		return kpiErr
	})
	if err != nil {
		writeError(w, "summarising invoices failed", err)
		return
	}
	writeJSON(w, http.StatusOK, k)
}
