package inventory

import (
	"context"
	"net/http"
	"time"

	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
)

// authorizeReport checks read access to reports. On failure the response
// has been written.
func (h *Handler) authorizeReport(w http.ResponseWriter, r *http.Request) (*guard.Principal, bool) {
	p := guard.PrincipalFrom(r.Context())
	if d := h.guard.Authorize(p, guard.OpRead, guard.ResourceReport); !d.Allowed() {
		guard.WriteDenied(w, d)
		return nil, false
	}
	return p, true
}

// reportPeriod reads start_date and end_date, each defaulting to the
// DefaultPeriod bound. On failure the response has been written.
func reportPeriod(w http.ResponseWriter, r *http.Request, now time.Time) (ReportPeriod, bool) {
	rp := DefaultPeriod(now)
	query := r.URL.Query()
	from, err := parseDate("start_date", query.Get("start_date"))
	if err != nil {
		writeError(w, "", err)
		return rp, false
	}
	to, err := parseDate("end_date", query.Get("end_date"))
	if err != nil {
		writeError(w, "", err)
		return rp, false
	}
	if from != nil {
		rp.From = *from
	}
	if to != nil {
		rp.To = *to
	}
	if rp.From.After(rp.To) {
		writeError(w, "", invalid("start_date must not be after end_date"))
		return rp, false
	}
	return rp, true
}

func (h *Handler) HandleInventoryValuation(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorizeReport(w, r)
	if !ok {
		return
	}
	var (
		f   ValuationFilter
		err error
	)
	if f.LocationID, err = optionalID(r.URL.Query().Get("location")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid location id"})
		return
	}
	if f.CategoryID, err = optionalID(r.URL.Query().Get("category")); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid category id"})
		return
	}
	var v *Valuation
	err = h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var err error
		v, err = h.store.InventoryValuation(ctx, q, p, f)
		return err
	})
	if err != nil {
		writeError(w, "building inventory valuation failed", err)
		return
	}
	v.Items = nonNil(v.Items)
	writeJSON(w, http.StatusOK, v)
}

func (h *Handler) HandleSalesReport(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorizeReport(w, r)
	if !ok {
		return
	}
	rp, ok := reportPeriod(w, r, time.Now())
	if !ok {
		return
	}
	var rep *SalesReport
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var err error
		rep, err = h.store.Sales(ctx, q, p, rp)
		return err
	})
	if err != nil {
		writeError(w, "building sales report failed", err)
		return
	}
	rep.RevenueOverTime = nonNil(rep.RevenueOverTime)
	rep.TopProducts = nonNil(rep.TopProducts)
	rep.TopClients = nonNil(rep.TopClients)
	writeJSON(w, http.StatusOK, rep)
}

func (h *Handler) HandleQuoteConversionReport(w http.ResponseWriter, r *http.Request) {
	p, ok := h.authorizeReport(w, r)
	if !ok {
		return
	}
	rp, ok := reportPeriod(w, r, time.Now())
	if !ok {
		return
	}
	var c *QuoteConversion
	err := h.read(r.Context(), p, func(ctx context.Context, q database.Querier) error {
		var err error
		c, err = h.store.QuoteConversion(ctx, q, p, rp)
		return err
	})
	if err != nil {
		writeError(w, "building quote conversion report failed", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
