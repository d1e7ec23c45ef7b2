package inventory

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/shopspring/decimal"
)

const (
	// DefaultReportDays is the period of a report requested without dates.
	DefaultReportDays = 30
	// Longer periods are charted by month instead of by day.
	dailyChartMaxDays = 90
	topReportRows     = 10
)

// --- inventory valuation ---

type ValuationFilter struct {
	LocationID *uuid.UUID
	CategoryID *uuid.UUID
}

// ValuationItem is the stock of one product valued at its purchase price.
type ValuationItem struct {
	ProductID     uuid.UUID       `json:"product_id"`
	ProductName   string          `json:"product_name"`
	SKU           string          `json:"sku"`
	Category      string          `json:"category"`
	Quantity      int             `json:"quantity"`
	PurchasePrice decimal.Decimal `json:"purchase_price"`
	Value         decimal.Decimal `json:"value"`
}

type Valuation struct {
	TotalQuantity       int             `json:"total_quantity"`
	TotalInventoryValue decimal.Decimal `json:"total_inventory_value"`
	UniqueProducts      int             `json:"unique_products"`
	Items               []ValuationItem `json:"items"`
}

// InventoryValuation values the stock on hand per product, most valuable
// first. With a location filter only the stock held there counts.
func (s *Store) InventoryValuation(ctx context.Context, db database.Querier, p *guard.Principal, f ValuationFilter) (*Valuation, error) {
	q := guard.Select("stock s JOIN products p ON p.id = s.product_id LEFT JOIN categories c ON c.id = p.category_id",
		"p.id", "p.name", "p.sku", "COALESCE(c.name, '')", "SUM(s.quantity)", "p.purchase_price",
		"SUM(s.quantity * p.purchase_price)").
		TenantColumn("s.tenant_id").
		Where("s.quantity > 0").
		GroupBy("p.id, p.name, p.sku, c.name, p.purchase_price").
		OrderBy("7 DESC, p.name")
	if f.LocationID != nil {
		q = q.Where("s.location_id = ?", *f.LocationID)
	}
	if f.CategoryID != nil {
		q = q.Where("p.category_id = ?", *f.CategoryID)
	}
	items, err := collect(ctx, db, p, q, pgx.RowToStructByPos[ValuationItem])
	if err != nil {
		return nil, fmt.Errorf("valuing inventory: %w", err)
	}
	v := &Valuation{Items: items, UniqueProducts: len(items), TotalInventoryValue: decimal.Zero}
	for _, it := range items {
		v.TotalQuantity += it.Quantity
		v.TotalInventoryValue = v.TotalInventoryValue.Add(it.Value)
	}
	return v, nil
}

// --- sales ---

// ReportPeriod is an inclusive range of days.
type ReportPeriod struct {
	From time.Time
	To   time.Time
}

// DefaultPeriod is the DefaultReportDays days up to and including today.
func DefaultPeriod(now time.Time) ReportPeriod {
	to := now.UTC().Truncate(24 * time.Hour)
	return ReportPeriod{From: to.AddDate(0, 0, -DefaultReportDays), To: to}
}

// Days is the number of days the period covers.
func (rp ReportPeriod) Days() int {
	return int(rp.To.Sub(rp.From).Hours()/24) + 1
}

// granularity is the date_trunc unit a chart of the period uses.
func (rp ReportPeriod) granularity() string {
	if rp.Days() <= dailyChartMaxDays {
		return "day"
	}
	return "month"
}

type RevenuePoint struct {
	Period  string          `json:"period"`
	Revenue decimal.Decimal `json:"revenue"`
}

type ProductSales struct {
	ProductID   uuid.UUID       `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	Revenue     decimal.Decimal `json:"revenue"`
	Profit      decimal.Decimal `json:"profit"`
}

type ClientSales struct {
	ClientID     uuid.UUID       `json:"client_id"`
	ClientName   string          `json:"client_name"`
	InvoiceCount int             `json:"invoice_count"`
	Revenue      decimal.Decimal `json:"revenue"`
}

// SalesReport covers the paid invoices issued within a period.
type SalesReport struct {
	StartDate       string          `json:"start_date"`
	EndDate         string          `json:"end_date"`
	TotalRevenue    decimal.Decimal `json:"total_revenue"`
	TotalProfit     decimal.Decimal `json:"total_profit"`
	InvoiceCount    int             `json:"invoice_count"`
	AvgInvoiceValue decimal.Decimal `json:"avg_invoice_value"`
	Granularity     string          `json:"granularity"`
	RevenueOverTime []RevenuePoint  `json:"revenue_over_time"`
	TopProducts     []ProductSales  `json:"top_products"`
	TopClients      []ClientSales   `json:"top_clients"`
}

func paidInvoices(q guard.Query, rp ReportPeriod) guard.Query {
	return q.TenantColumn("i.tenant_id").
		Where("i.status = ?", string(InvoicePaid)).
		Where("i.issue_date BETWEEN ? AND ?", rp.From, rp.To)
}

// Sales summarises revenue and profit of the paid invoices issued in rp.
// Profit is taken per line as (unit price - purchase price) * quantity,
// using the product's current purchase price.
func (s *Store) Sales(ctx context.Context, db database.Querier, p *guard.Principal, rp ReportPeriod) (*SalesReport, error) {
	rep := &SalesReport{
		StartDate:   rp.From.Format(dateLayout),
		EndDate:     rp.To.Format(dateLayout),
		Granularity: rp.granularity(),
	}

	sql, args, err := scopedSQL(p, paidInvoices(guard.Select("invoices i",
		"COUNT(*)", "COALESCE(SUM(i.total_amount), 0)"), rp))
	if err != nil {
		return nil, err
	}
	if err := db.QueryRow(ctx, sql, args...).Scan(&rep.InvoiceCount, &rep.TotalRevenue); err != nil {
		return nil, fmt.Errorf("summing sales: %w", err)
	}
	if rep.InvoiceCount > 0 {
		rep.AvgInvoiceValue = rep.TotalRevenue.Div(decimal.NewFromInt(int64(rep.InvoiceCount))).Round(2)
	}

	// The unit is one of two constants, never caller input.
	period := fmt.Sprintf("to_char(date_trunc('%s', i.issue_date), 'YYYY-MM-DD')", rep.Granularity)
	if rep.RevenueOverTime, err = collect(ctx, db, p,
		paidInvoices(guard.Select("invoices i", period, "SUM(i.total_amount)"), rp).
			GroupBy("1").
			OrderBy("1"),
		pgx.RowToStructByPos[RevenuePoint]); err != nil {
		return nil, fmt.Errorf("charting revenue: %w", err)
	}

	if rep.TopProducts, err = collect(ctx, db, p,
		paidInvoices(guard.Select("invoice_items ii JOIN invoices i ON i.id = ii.invoice_id JOIN products p ON p.id = ii.product_id",
			"ii.product_id", "p.name", "SUM(ii.quantity)", "SUM(ii.line_total)",
			"SUM((ii.unit_price - p.purchase_price) * ii.quantity)"), rp).
			GroupBy("ii.product_id, p.name").
			OrderBy("4 DESC, p.name"),
		pgx.RowToStructByPos[ProductSales]); err != nil {
		return nil, fmt.Errorf("ranking products: %w", err)
	}
	rep.TotalProfit = decimal.Zero
	for _, ps := range rep.TopProducts {
		rep.TotalProfit = rep.TotalProfit.Add(ps.Profit)
	}
	if len(rep.TopProducts) > topReportRows {
		rep.TopProducts = rep.TopProducts[:topReportRows]
	}

	if rep.TopClients, err = collect(ctx, db, p,
		paidInvoices(guard.Select("invoices i JOIN clients c ON c.id = i.client_id",
			"i.client_id", "c.name", "COUNT(*)", "SUM(i.total_amount)"), rp).
			GroupBy("i.client_id, c.name").
			OrderBy("4 DESC, c.name").
			Limit(topReportRows),
		pgx.RowToStructByPos[ClientSales]); err != nil {
		return nil, fmt.Errorf("ranking clients: %w", err)
	}
	return rep, nil
}

// --- quote conversion ---

type QuoteConversion struct {
	StartDate      string          `json:"start_date"`
	EndDate        string          `json:"end_date"`
	TotalQuotes    int             `json:"total_quotes"`
	Pending        int             `json:"pending"`
	Accepted       int             `json:"accepted"`
	Rejected       int             `json:"rejected"`
	Converted      int             `json:"converted"`
	ConversionRate float64         `json:"conversion_rate"`
	TotalValue     decimal.Decimal `json:"total_value"`
	ConvertedValue decimal.Decimal `json:"converted_value"`
}

// QuoteConversion reports how the quotes issued in rp were decided. The
// conversion rate is the share of quotes that became invoices.
func (s *Store) QuoteConversion(ctx context.Context, db database.Querier, p *guard.Principal, rp ReportPeriod) (*QuoteConversion, error) {
	rows, err := collect(ctx, db, p,
		guard.Select("quotes", "status", "COUNT(*)", "COALESCE(SUM(total_amount), 0)").
			Where("date_issued BETWEEN ? AND ?", rp.From, rp.To).
			GroupBy("status"),
		func(row pgx.CollectableRow) (statusTotal, error) {
			var st statusTotal
			err := row.Scan(&st.status, &st.n, &st.total)
			return st, err
		})
	if err != nil {
		return nil, fmt.Errorf("summarising quote conversion: %w", err)
	}
	c := &QuoteConversion{
		StartDate:      rp.From.Format(dateLayout),
		EndDate:        rp.To.Format(dateLayout),
		TotalValue:     decimal.Zero,
		ConvertedValue: decimal.Zero,
	}
	for _, r := range rows {
		c.TotalQuotes += r.n
		c.TotalValue = c.TotalValue.Add(r.total)
		switch QuoteStatus(r.status) {
		case QuoteDraft, QuoteSent:
			c.Pending += r.n
		case QuoteAccepted:
			c.Accepted += r.n
		case QuoteRejected:
			c.Rejected += r.n
		case QuoteInvoiced:
			c.Converted += r.n
			c.ConvertedValue = c.ConvertedValue.Add(r.total)
		}
	}
	c.ConversionRate = percent(c.Converted, c.TotalQuotes)
	return c, nil
}
