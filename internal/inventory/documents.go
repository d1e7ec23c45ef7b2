package inventory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/shopspring/decimal"
)

// DiscountType says how a line's discount value applies.
type DiscountType string

const (
	DiscountPercentage DiscountType = "PERCENTAGE"
	DiscountFixed      DiscountType = "FIXED"
)

var hundred = decimal.NewFromInt(100)

// LineTotal is quantity times unit price less the discount, rounded to cents.
// A percentage discount is taken from the undiscounted amount.
func LineTotal(quantity int, unitPrice decimal.Decimal, dt DiscountType, discount decimal.Decimal) decimal.Decimal {
	base := unitPrice.Mul(decimal.NewFromInt(int64(quantity)))
	off := discount
	if dt == DiscountPercentage {
		off = base.Mul(discount).Div(hundred)
	}
	return base.Sub(off).Round(2)
}

// Totals are the amounts of a quote, invoice or purchase order.
type Totals struct {
	Subtotal  decimal.Decimal
	TaxAmount decimal.Decimal
	Total     decimal.Decimal
}

// ComputeTotals sums the line totals and applies taxRate, a percentage.
// extra (shipping on purchase orders) is added after tax.
func ComputeTotals(lineTotals []decimal.Decimal, taxRate, extra decimal.Decimal) Totals {
	subtotal := decimal.Zero
	for _, t := range lineTotals {
		subtotal = subtotal.Add(t)
	}
	tax := subtotal.Mul(taxRate).Div(hundred).Round(2)
	return Totals{Subtotal: subtotal, TaxAmount: tax, Total: subtotal.Add(tax).Add(extra)}
}

// LineRequest is one product line of a quote, invoice or purchase order.
// Without a unit price the product's current price applies: the selling
// price on sales documents and the purchase price on purchase orders.
type LineRequest struct {
	ProductID     uuid.UUID        `json:"product_id"`
	Quantity      int              `json:"quantity"`
	UnitPrice     *decimal.Decimal `json:"unit_price"`
	DiscountType  DiscountType     `json:"discount_type"`
	DiscountValue decimal.Decimal  `json:"discount_value"`
}

func (l *LineRequest) validate() error {
	if l.DiscountType == "" {
		l.DiscountType = DiscountPercentage
	}
	switch {
	case l.ProductID == uuid.Nil:
		return invalid("each line needs a product_id")
	case l.Quantity < 1:
		return invalid("line quantity must be at least 1")
	case l.UnitPrice != nil && (l.UnitPrice.IsNegative() || l.UnitPrice.GreaterThanOrEqual(maxPrice)):
		return invalid("line unit_price is out of range")
	case l.DiscountType != DiscountPercentage && l.DiscountType != DiscountFixed:
		return invalid(`discount_type must be "PERCENTAGE" or "FIXED"`)
	case l.DiscountValue.IsNegative():
		return invalid("discount_value must not be negative")
	case l.DiscountType == DiscountPercentage && l.DiscountValue.GreaterThan(hundred):
		return invalid("a percentage discount cannot exceed 100")
	}
	l.DiscountValue = l.DiscountValue.Round(2)
	return nil
}

func validateLines(lines []LineRequest) error {
	if len(lines) == 0 {
		return invalid("at least one line item is required")
	}
	for i := range lines {
		if err := lines[i].validate(); err != nil {
			return err
		}
	}
	return nil
}

// LineItem is a priced product line. Product name and SKU are copied when
// the line is written so the document keeps them if the product changes.
type LineItem struct {
	ID            uuid.UUID       `json:"id"`
	ProductID     uuid.UUID       `json:"product_id"`
	ProductName   string          `json:"product_name"`
	ProductSKU    string          `json:"product_sku"`
	Quantity      int             `json:"quantity"`
	UnitPrice     decimal.Decimal `json:"unit_price"`
	DiscountType  DiscountType    `json:"discount_type"`
	DiscountValue decimal.Decimal `json:"discount_value"`
	LineTotal     decimal.Decimal `json:"line_total"`
}

func lineTotals(lines []LineItem) []decimal.Decimal {
	out := make([]decimal.Decimal, len(lines))
	for i, l := range lines {
		out[i] = l.LineTotal
	}
	return out
}

type pricedProduct struct {
	ID            uuid.UUID
	Name          string
	SKU           string
	Price         decimal.Decimal
	PurchasePrice decimal.Decimal
}

// priceLines resolves the products of reqs within the principal's tenant and
// prices each line. purchase selects the purchase price as the default.
func (s *Store) priceLines(ctx context.Context, db database.Querier, p *guard.Principal, reqs []LineRequest, purchase bool) ([]LineItem, error) {
	ids := make([]uuid.UUID, len(reqs))
	for i, r := range reqs {
		ids[i] = r.ProductID
	}
	products, err := collect(ctx, db, p,
		guard.Select("products", "id", "name", "sku", "price", "purchase_price").Where("id = ANY(?)", ids),
		func(row pgx.CollectableRow) (pricedProduct, error) {
			var pp pricedProduct
			err := row.Scan(&pp.ID, &pp.Name, &pp.SKU, &pp.Price, &pp.PurchasePrice)
			return pp, err
		})
	if err != nil {
		return nil, fmt.Errorf("loading line products: %w", err)
	}
	byID := make(map[uuid.UUID]pricedProduct, len(products))
	for _, pp := range products {
		byID[pp.ID] = pp
	}

	out := make([]LineItem, len(reqs))
	for i, r := range reqs {
		pp, ok := byID[r.ProductID]
		if !ok {
			return nil, ErrProductNotFound
		}
		price := pp.Price
		if purchase {
			price = pp.PurchasePrice
		}
		if r.UnitPrice != nil {
			price = r.UnitPrice.Round(2)
		}
		out[i] = LineItem{
			ProductID:     pp.ID,
			ProductName:   pp.Name,
			ProductSKU:    pp.SKU,
			Quantity:      r.Quantity,
			UnitPrice:     price,
			DiscountType:  r.DiscountType,
			DiscountValue: r.DiscountValue,
			LineTotal:     LineTotal(r.Quantity, price, r.DiscountType, r.DiscountValue),
		}
	}
	return out, nil
}

// Document number prefixes, one counter per tenant each.
const (
	numberPurchaseOrder = "PO"
	numberQuote         = "QT"
	numberInvoice       = "INV"
)

// nextNumber allocates the next document number of kind for the tenant. The
// counter row stays locked until the caller's transaction ends, so numbers
// are never handed out twice.
func nextNumber(ctx context.Context, db database.Querier, p *guard.Principal, kind string) (string, error) {
	if err := requireTenant(p); err != nil {
		return "", err
	}
	var n int
	err := db.QueryRow(ctx,
		`INSERT INTO document_counters (tenant_id, kind, value) VALUES ($1, $2, 1)
		 ON CONFLICT (tenant_id, kind) DO UPDATE SET value = document_counters.value + 1
		 RETURNING value`,
		p.TenantID, kind,
	).Scan(&n)
	if err != nil {
		return "", fmt.Errorf("allocating %s number: %w", kind, err)
	}
	return FormatNumber(kind, n), nil
}

// FormatNumber renders a document number such as "INV-00042".
func FormatNumber(kind string, n int) string {
	return fmt.Sprintf("%s-%05d", kind, n)
}

// companyTerms returns the sales tax rate and default payment terms of the
// principal's company.
func companyTerms(ctx context.Context, db database.Querier, p *guard.Principal) (decimal.Decimal, string, error) {
	var (
		rate  decimal.Decimal
		terms string
	)
	err := db.QueryRow(ctx, "SELECT sales_tax_rate, payment_terms FROM companies WHERE id = $1", p.TenantID).Scan(&rate, &terms)
	if err != nil {
		return decimal.Zero, "", fmt.Errorf("loading company terms: %w", err)
	}
	return rate, terms, nil
}

const dateLayout = time.DateOnly

// parseDate reads an optional YYYY-MM-DD value.
func parseDate(field, v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	d, err := time.Parse(dateLayout, v)
	if err != nil {
		return nil, invalid(field + " must be a date (YYYY-MM-DD)")
	}
	return &d, nil
}

// today is the current date in UTC, without a time of day.
func today() time.Time {
	return time.Now().UTC().Truncate(24 * time.Hour)
}

// insertLines writes priced lines for a quote or invoice.
func insertLines(ctx context.Context, db database.Querier, p *guard.Principal, table, parentColumn string, parentID uuid.UUID, lines []LineItem) error {
	for i := range lines {
		l := &lines[i]
		err := db.QueryRow(ctx,
			`INSERT INTO `+table+` (tenant_id, `+parentColumn+`, product_id, product_name, product_sku,
			     quantity, unit_price, discount_type, discount_value, line_total)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
			p.TenantID, parentID, l.ProductID, l.ProductName, l.ProductSKU,
			l.Quantity, l.UnitPrice, l.DiscountType, l.DiscountValue, l.LineTotal,
		).Scan(&l.ID)
		if err != nil {
			return fmt.Errorf("writing %s: %w", table, err)
		}
	}
	return nil
}

func listLines(ctx context.Context, db database.Querier, p *guard.Principal, table, parentColumn string, parentID uuid.UUID) ([]LineItem, error) {
	lines, err := collect(ctx, db, p,
		guard.Select(table, "id", "product_id", "product_name", "product_sku", "quantity",
			"unit_price", "discount_type", "discount_value", "line_total").
			Where(parentColumn+" = ?", parentID).
			OrderBy("product_name, id"),
		func(row pgx.CollectableRow) (LineItem, error) {
			var l LineItem
			err := row.Scan(&l.ID, &l.ProductID, &l.ProductName, &l.ProductSKU, &l.Quantity,
				&l.UnitPrice, &l.DiscountType, &l.DiscountValue, &l.LineTotal)
			return l, err
		})
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", table, err)
	}
	return lines, nil
}
