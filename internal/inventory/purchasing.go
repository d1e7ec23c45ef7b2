package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/shopspring/decimal"
)

var (
	ErrSupplierNotFound      = errors.New("supplier not found")
	ErrPurchaseOrderNotFound = errors.New("purchase order not found")
)

type Supplier struct {
	ID            uuid.UUID `json:"id"`
	TenantID      uuid.UUID `json:"-"`
	Name          string    `json:"name"`
	ContactPerson string    `json:"contact_person"`
	Email         string    `json:"email"`
	Phone         string    `json:"phone"`
	Address       string    `json:"address"`
	PaymentTerms  string    `json:"payment_terms"`
	LeadTimeDays  int       `json:"lead_time_days"`
	Notes         string    `json:"notes"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (s *Supplier) ResourceType() guard.ResourceType { return guard.ResourceSupplier }
func (s *Supplier) Tenant() uuid.UUID                { return s.TenantID }
func (s *Supplier) SetTenant(id uuid.UUID)           { s.TenantID = id }

type SupplierRequest struct {
	Name          string `json:"name"`
	ContactPerson string `json:"contact_person"`
	Email         string `json:"email"`
	Phone         string `json:"phone"`
	Address       string `json:"address"`
	PaymentTerms  string `json:"payment_terms"`
	LeadTimeDays  int    `json:"lead_time_days"`
	Notes         string `json:"notes"`
	IsActive      *bool  `json:"is_active"`
}

func (r *SupplierRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.TrimSpace(r.Email)
	switch {
	case r.Name == "":
		return invalid("name is required")
	case len(r.Name) > 255:
		return invalid("name must be at most 255 characters")
	case r.Email != "" && !validEmail(r.Email):
		return invalid("email is not valid")
	case len(r.Phone) > 50:
		return invalid("phone must be at most 50 characters")
	case r.LeadTimeDays < 0:
		return invalid("lead_time_days must not be negative")
	}
	if r.IsActive == nil {
		active := true
		r.IsActive = &active
	}
	return nil
}

// SupplierFilter narrows a supplier listing.
type SupplierFilter struct {
	Search string
	Active *bool
}

const supplierColumns = "id, tenant_id, name, contact_person, email, phone, address, payment_terms, lead_time_days, notes, is_active, created_at, updated_at"

func scanSupplier(row pgx.CollectableRow) (Supplier, error) {
	var s Supplier
	err := row.Scan(&s.ID, &s.TenantID, &s.Name, &s.ContactPerson, &s.Email, &s.Phone, &s.Address,
		&s.PaymentTerms, &s.LeadTimeDays, &s.Notes, &s.IsActive, &s.CreatedAt, &s.UpdatedAt)
	return s, err
}

func (s *Store) ListSuppliers(ctx context.Context, db database.Querier, p *guard.Principal, f SupplierFilter) ([]Supplier, error) {
	q := guard.Select("suppliers", supplierColumns).OrderBy("name")
	if f.Active != nil {
		q = q.Where("is_active = ?", *f.Active)
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		q = q.Where("(name ILIKE ? OR contact_person ILIKE ? OR email ILIKE ?)", like, like, like)
	}
	out, err := collect(ctx, db, p, q, scanSupplier)
	if err != nil {
		return nil, fmt.Errorf("listing suppliers: %w", err)
	}
	return out, nil
}

func (s *Store) GetSupplier(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Supplier, error) {
	sup, err := one(ctx, db, p, guard.Select("suppliers", supplierColumns).Where("id = ?", id), scanSupplier, ErrSupplierNotFound)
	if err != nil {
		return nil, err
	}
	return &sup, nil
}

func (s *Store) CreateSupplier(ctx context.Context, db database.Querier, p *guard.Principal, req SupplierRequest) (*Supplier, error) {
	sup := &Supplier{}
	if err := guard.StampOnCreate(p, sup); err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx,
		`INSERT INTO suppliers (tenant_id, name, contact_person, email, phone, address, payment_terms, lead_time_days, notes, is_active)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING `+supplierColumns,
		sup.TenantID, req.Name, req.ContactPerson, req.Email, req.Phone, req.Address,
		req.PaymentTerms, req.LeadTimeDays, req.Notes, *req.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("creating supplier: %w", err)
	}
	*sup, err = pgx.CollectExactlyOneRow(rows, scanSupplier)
	if err != nil {
		return nil, fmt.Errorf("creating supplier: %w", err)
	}
	return sup, nil
}

func (s *Store) UpdateSupplier(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID, req SupplierRequest) (*Supplier, error) {
	if err := requireTenant(p); err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx,
		`UPDATE suppliers SET name = $3, contact_person = $4, email = $5, phone = $6, address = $7,
		     payment_terms = $8, lead_time_days = $9, notes = $10, is_active = $11, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2
		 RETURNING `+supplierColumns,
		id, p.TenantID, req.Name, req.ContactPerson, req.Email, req.Phone, req.Address,
		req.PaymentTerms, req.LeadTimeDays, req.Notes, *req.IsActive,
	)
	if err != nil {
		return nil, fmt.Errorf("updating supplier: %w", err)
	}
	sup, err := pgx.CollectExactlyOneRow(rows, scanSupplier)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrSupplierNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("updating supplier: %w", err)
	}
	return &sup, nil
}

// DeleteSupplier removes a supplier no purchase order refers to. It must run
// in a transaction.
func (s *Store) DeleteSupplier(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) error {
	if err := lockOwned(ctx, db, p, "suppliers", id, ErrSupplierNotFound); err != nil {
		return err
	}
	n, err := count(ctx, db, p, guard.Select("purchase_orders", "COUNT(*)").Where("supplier_id = ?", id))
	if err != nil {
		return fmt.Errorf("counting supplier usage: %w", err)
	}
	if n > 0 {
		return &InUseError{ResourceType: guard.ResourceSupplier, Count: n}
	}
	if _, err := db.Exec(ctx, "DELETE FROM suppliers WHERE id = $1 AND tenant_id = $2", id, p.TenantID); err != nil {
		return fmt.Errorf("deleting supplier: %w", err)
	}
	return nil
}

// --- purchase orders ---

type POStatus string

const (
	PODraft             POStatus = "DRAFT"
	POSent              POStatus = "SENT"
	POConfirmed         POStatus = "CONFIRMED"
	POPartiallyReceived POStatus = "PARTIALLY_RECEIVED"
	POReceived          POStatus = "RECEIVED"
	POCancelled         POStatus = "CANCELLED"
)

var poStatuses = []POStatus{PODraft, POSent, POConfirmed, POPartiallyReceived, POReceived, POCancelled}

// editable reports whether the order's lines and terms may still change.
func (s POStatus) editable() bool {
	return s == PODraft || s == POSent || s == POConfirmed
}

type PurchaseOrder struct {
	ID                  uuid.UUID       `json:"id"`
	TenantID            uuid.UUID       `json:"-"`
	SupplierID          uuid.UUID       `json:"supplier_id"`
	SupplierName        string          `json:"supplier_name"`
	Number              string          `json:"po_number"`
	Status              POStatus        `json:"status"`
	OrderDate           time.Time       `json:"order_date"`
	ExpectedDate        *time.Time      `json:"expected_delivery_date"`
	ReceivedDate        *time.Time      `json:"received_date"`
	ReceivingLocationID *uuid.UUID      `json:"receiving_location_id"`
	Subtotal            decimal.Decimal `json:"subtotal"`
	TaxRate             decimal.Decimal `json:"tax_rate"`
	TaxAmount           decimal.Decimal `json:"tax_amount"`
	ShippingCost        decimal.Decimal `json:"shipping_cost"`
	TotalAmount         decimal.Decimal `json:"total_amount"`
	Notes               string          `json:"notes"`
	Terms               string          `json:"terms"`
	StockAdded          bool            `json:"stock_added"`
	CreatedBy           *uuid.UUID      `json:"created_by"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
	Items               []POItem        `json:"line_items,omitempty"`
}

func (o *PurchaseOrder) ResourceType() guard.ResourceType { return guard.ResourcePurchaseOrder }
func (o *PurchaseOrder) Tenant() uuid.UUID                { return o.TenantID }
func (o *PurchaseOrder) SetTenant(id uuid.UUID)           { o.TenantID = id }

// POItem is an ordered product with the quantity received so far.
type POItem struct {
	ID               uuid.UUID       `json:"id"`
	ProductID        uuid.UUID       `json:"product_id"`
	ProductName      string          `json:"product_name"`
	ProductSKU       string          `json:"product_sku"`
	QuantityOrdered  int             `json:"quantity_ordered"`
	QuantityReceived int             `json:"quantity_received"`
	UnitPrice        decimal.Decimal `json:"unit_price"`
	DiscountType     DiscountType    `json:"discount_type"`
	DiscountValue    decimal.Decimal `json:"discount_value"`
	LineTotal        decimal.Decimal `json:"line_total"`
}

type PurchaseOrderRequest struct {
	SupplierID          uuid.UUID       `json:"supplier_id"`
	Status              POStatus        `json:"status"`
	OrderDate           string          `json:"order_date"`
	ExpectedDate        string          `json:"expected_delivery_date"`
	ReceivingLocationID *uuid.UUID      `json:"receiving_location_id"`
	TaxRate             decimal.Decimal `json:"tax_rate"`
	ShippingCost        decimal.Decimal `json:"shipping_cost"`
	Notes               string          `json:"notes"`
	Terms               string          `json:"terms"`
	Items               []LineRequest   `json:"line_items"`

	orderDate    *time.Time
	expectedDate *time.Time
}

func (r *PurchaseOrderRequest) Validate() error {
	if r.Status == "" {
		r.Status = PODraft
	}
	switch {
	case r.SupplierID == uuid.Nil:
		return invalid("supplier_id is required")
	case !r.Status.editable():
		return invalid(`status must be one of "DRAFT", "SENT", "CONFIRMED"`)
	case r.TaxRate.IsNegative() || r.TaxRate.GreaterThan(hundred):
		return invalid("tax_rate must be between 0 and 100")
	case r.ShippingCost.IsNegative():
		return invalid("shipping_cost must not be negative")
	}
	var err error
	if r.orderDate, err = parseDate("order_date", r.OrderDate); err != nil {
		return err
	}
	if r.expectedDate, err = parseDate("expected_delivery_date", r.ExpectedDate); err != nil {
		return err
	}
	r.TaxRate = r.TaxRate.Round(2)
	r.ShippingCost = r.ShippingCost.Round(2)
	return validateLines(r.Items)
}

// POFilter narrows a purchase order listing.
type POFilter struct {
	SupplierID *uuid.UUID
	Status     POStatus
	Search     string
	From, To   *time.Time
}

func purchaseOrderQuery() guard.Query {
	return guard.Select("purchase_orders po JOIN suppliers s ON s.id = po.supplier_id",
		"po.id", "po.tenant_id", "po.supplier_id", "s.name", "po.number", "po.status",
		"po.order_date", "po.expected_date", "po.received_date", "po.receiving_location_id",
		"po.subtotal", "po.tax_rate", "po.tax_amount", "po.shipping_cost", "po.total_amount",
		"po.notes", "po.terms", "po.stock_added", "po.created_by", "po.created_at", "po.updated_at",
	).TenantColumn("po.tenant_id")
}

func scanPurchaseOrder(row pgx.CollectableRow) (PurchaseOrder, error) {
	var o PurchaseOrder
	err := row.Scan(&o.ID, &o.TenantID, &o.SupplierID, &o.SupplierName, &o.Number, &o.Status,
		&o.OrderDate, &o.ExpectedDate, &o.ReceivedDate, &o.ReceivingLocationID,
		&o.Subtotal, &o.TaxRate, &o.TaxAmount, &o.ShippingCost, &o.TotalAmount,
		&o.Notes, &o.Terms, &o.StockAdded, &o.CreatedBy, &o.CreatedAt, &o.UpdatedAt)
	return o, err
}

// ListPurchaseOrders returns the tenant's orders, newest first, without
// their lines.
func (s *Store) ListPurchaseOrders(ctx context.Context, db database.Querier, p *guard.Principal, f POFilter) ([]PurchaseOrder, error) {
	q := purchaseOrderQuery().OrderBy("po.created_at DESC")
	if f.SupplierID != nil {
		q = q.Where("po.supplier_id = ?", *f.SupplierID)
	}
	if f.Status != "" {
		q = q.Where("po.status = ?", f.Status)
	}
	if f.Search != "" {
		like := "%" + f.Search + "%"
		q = q.Where("(po.number ILIKE ? OR s.name ILIKE ?)", like, like)
	}
	if f.From != nil {
		q = q.Where("po.order_date >= ?", *f.From)
	}
	if f.To != nil {
		q = q.Where("po.order_date <= ?", *f.To)
	}
	out, err := collect(ctx, db, p, q, scanPurchaseOrder)
	if err != nil {
		return nil, fmt.Errorf("listing purchase orders: %w", err)
	}
	return out, nil
}

func (s *Store) GetPurchaseOrder(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*PurchaseOrder, error) {
	o, err := one(ctx, db, p, purchaseOrderQuery().Where("po.id = ?", id), scanPurchaseOrder, ErrPurchaseOrderNotFound)
	if err != nil {
		return nil, err
	}
	o.Items, err = collect(ctx, db, p,
		guard.Select("purchase_order_items", "id", "product_id", "product_name", "product_sku",
			"quantity_ordered", "quantity_received", "unit_price", "discount_type", "discount_value", "line_total").
			Where("purchase_order_id = ?", id).
			OrderBy("product_name, id"),
		func(row pgx.CollectableRow) (POItem, error) {
			var it POItem
			err := row.Scan(&it.ID, &it.ProductID, &it.ProductName, &it.ProductSKU, &it.QuantityOrdered,
				&it.QuantityReceived, &it.UnitPrice, &it.DiscountType, &it.DiscountValue, &it.LineTotal)
			return it, err
		})
	if err != nil {
		return nil, fmt.Errorf("listing purchase order items: %w", err)
	}
	return &o, nil
}

// lockPurchaseOrder locks the order row and returns its current state.
func (s *Store) lockPurchaseOrder(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*PurchaseOrder, error) {
	if err := lockOwned(ctx, db, p, "purchase_orders", id, ErrPurchaseOrderNotFound); err != nil {
		return nil, err
	}
	return s.GetPurchaseOrder(ctx, db, p, id)
}

// checkPORefs verifies the supplier and receiving location belong to the
// principal's tenant.
func (s *Store) checkPORefs(ctx context.Context, db database.Querier, p *guard.Principal, req *PurchaseOrderRequest) error {
	if _, err := s.GetSupplier(ctx, db, p, req.SupplierID); err != nil {
		return err
	}
	if req.ReceivingLocationID != nil {
		if _, err := s.locationRef(ctx, db, p, *req.ReceivingLocationID); err != nil {
			return err
		}
	}
	return nil
}

func insertPOItems(ctx context.Context, db database.Querier, p *guard.Principal, orderID uuid.UUID, lines []LineItem) error {
	for _, l := range lines {
		_, err := db.Exec(ctx,
			`INSERT INTO purchase_order_items (tenant_id, purchase_order_id, product_id, product_name, product_sku,
			     quantity_ordered, unit_price, discount_type, discount_value, line_total)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			p.TenantID, orderID, l.ProductID, l.ProductName, l.ProductSKU,
			l.Quantity, l.UnitPrice, l.DiscountType, l.DiscountValue, l.LineTotal,
		)
		if err != nil {
			return fmt.Errorf("writing purchase order item: %w", err)
		}
	}
	return nil
}

// CreatePurchaseOrder numbers and prices a new order. Lines without a unit
// price use the product's purchase price. It must run in a transaction.
func (s *Store) CreatePurchaseOrder(ctx context.Context, db database.Querier, p *guard.Principal, req PurchaseOrderRequest) (*PurchaseOrder, error) {
	o := &PurchaseOrder{}
	if err := guard.StampOnCreate(p, o); err != nil {
		return nil, err
	}
	if err := s.checkPORefs(ctx, db, p, &req); err != nil {
		return nil, err
	}
	lines, err := s.priceLines(ctx, db, p, req.Items, true)
	if err != nil {
		return nil, err
	}
	number, err := nextNumber(ctx, db, p, numberPurchaseOrder)
	if err != nil {
		return nil, err
	}
	orderDate := today()
	if req.orderDate != nil {
		orderDate = *req.orderDate
	}
	t := ComputeTotals(lineTotals(lines), req.TaxRate, req.ShippingCost)

	err = db.QueryRow(ctx,
		`INSERT INTO purchase_orders (tenant_id, supplier_id, number, status, order_date, expected_date,
		     receiving_location_id, subtotal, tax_rate, tax_amount, shipping_cost, total_amount, notes, terms, created_by)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 RETURNING id`,
		o.TenantID, req.SupplierID, number, req.Status, orderDate, req.expectedDate,
		req.ReceivingLocationID, t.Subtotal, req.TaxRate, t.TaxAmount, req.ShippingCost, t.Total,
		req.Notes, req.Terms, p.UserID,
	).Scan(&o.ID)
	if err != nil {
		return nil, fmt.Errorf("creating purchase order: %w", err)
	}
	if err := insertPOItems(ctx, db, p, o.ID, lines); err != nil {
		return nil, err
	}
	return s.GetPurchaseOrder(ctx, db, p, o.ID)
}

// UpdatePurchaseOrder replaces the terms and lines of an order that has not
// started receiving. It must run in a transaction.
func (s *Store) UpdatePurchaseOrder(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID, req PurchaseOrderRequest) (*PurchaseOrder, error) {
	cur, err := s.lockPurchaseOrder(ctx, db, p, id)
	if err != nil {
		return nil, err
	}
	if !cur.Status.editable() {
		return nil, invalid("Only draft, sent or confirmed purchase orders can be edited")
	}
	if err := s.checkPORefs(ctx, db, p, &req); err != nil {
		return nil, err
	}
	lines, err := s.priceLines(ctx, db, p, req.Items, true)
	if err != nil {
		return nil, err
	}
	orderDate := cur.OrderDate
	if req.orderDate != nil {
		orderDate = *req.orderDate
	}
	t := ComputeTotals(lineTotals(lines), req.TaxRate, req.ShippingCost)

	if _, err := db.Exec(ctx, "DELETE FROM purchase_order_items WHERE purchase_order_id = $1 AND tenant_id = $2", id, p.TenantID); err != nil {
		return nil, fmt.Errorf("replacing purchase order items: %w", err)
	}
	if err := insertPOItems(ctx, db, p, id, lines); err != nil {
		return nil, err
	}
	_, err = db.Exec(ctx,
		`UPDATE purchase_orders SET supplier_id = $3, status = $4, order_date = $5, expected_date = $6,
		     receiving_location_id = $7, subtotal = $8, tax_rate = $9, tax_amount = $10, shipping_cost = $11,
		     total_amount = $12, notes = $13, terms = $14, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2`,
		id, p.TenantID, req.SupplierID, req.Status, orderDate, req.expectedDate,
		req.ReceivingLocationID, t.Subtotal, req.TaxRate, t.TaxAmount, req.ShippingCost, t.Total,
		req.Notes, req.Terms,
	)
	if err != nil {
		return nil, fmt.Errorf("updating purchase order: %w", err)
	}
	return s.GetPurchaseOrder(ctx, db, p, id)
}

// DeletePurchaseOrder removes an order that never received anything. It
// must run in a transaction.
func (s *Store) DeletePurchaseOrder(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*PurchaseOrder, error) {
	cur, err := s.lockPurchaseOrder(ctx, db, p, id)
	if err != nil {
		return nil, err
	}
	if cur.StockAdded || cur.Status == POReceived || cur.Status == POPartiallyReceived {
		return nil, invalid("Cannot delete a purchase order that has items received")
	}
	if _, err := db.Exec(ctx, "DELETE FROM purchase_orders WHERE id = $1 AND tenant_id = $2", id, p.TenantID); err != nil {
		return nil, fmt.Errorf("deleting purchase order: %w", err)
	}
	return cur, nil
}

// Receipt records the quantity received so far for one line.
type Receipt struct {
	ItemID           uuid.UUID `json:"id"`
	QuantityReceived int       `json:"quantity_received"`
}

type ReceiveRequest struct {
	Items []Receipt `json:"line_items"`
}

func (r *ReceiveRequest) Validate() error {
	if len(r.Items) == 0 {
		return invalid("No line items provided")
	}
	for _, it := range r.Items {
		if it.QuantityReceived < 0 {
			return invalid("quantity_received must not be negative")
		}
	}
	return nil
}

// receiptStatus derives an order's status from its lines.
func receiptStatus(items []POItem) POStatus {
	all, some := len(items) > 0, false
	for _, it := range items {
		if it.QuantityReceived < it.QuantityOrdered {
			all = false
		}
		if it.QuantityReceived > 0 {
			some = true
		}
	}
	switch {
	case all:
		return POReceived
	case some:
		return POPartiallyReceived
	}
	return POConfirmed
}

// ReceiveItems sets the received quantities of an order's lines and moves
// the order to RECEIVED, PARTIALLY_RECEIVED or CONFIRMED accordingly. Ids
// that are not lines of the order are ignored. It must run in a transaction.
func (s *Store) ReceiveItems(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID, req ReceiveRequest) (*PurchaseOrder, error) {
	cur, err := s.lockPurchaseOrder(ctx, db, p, id)
	if err != nil {
		return nil, err
	}
	switch {
	case cur.Status == POReceived:
		return nil, invalid("This purchase order has already been fully received")
	case cur.Status == POCancelled:
		return nil, invalid("Cannot receive items for a cancelled purchase order")
	case cur.StockAdded:
		return nil, invalid("Stock already added for this purchase order")
	}

	ordered := make(map[uuid.UUID]int, len(cur.Items))
	for _, it := range cur.Items {
		ordered[it.ID] = it.QuantityOrdered
	}
	for _, rc := range req.Items {
		limit, ok := ordered[rc.ItemID]
		if !ok {
			continue
		}
		if rc.QuantityReceived > limit {
			return nil, invalid(fmt.Sprintf("quantity_received cannot exceed the %d units ordered", limit))
		}
		_, err := db.Exec(ctx,
			"UPDATE purchase_order_items SET quantity_received = $3 WHERE id = $1 AND tenant_id = $2",
			rc.ItemID, p.TenantID, rc.QuantityReceived)
		if err != nil {
			return nil, fmt.Errorf("updating received quantity: %w", err)
		}
	}

	o, err := s.GetPurchaseOrder(ctx, db, p, id)
	if err != nil {
		return nil, err
	}
	status := receiptStatus(o.Items)
	var received *time.Time
	if status == POReceived {
		d := today()
		received = &d
	}
	_, err = db.Exec(ctx,
		"UPDATE purchase_orders SET status = $3, received_date = $4, updated_at = now() WHERE id = $1 AND tenant_id = $2",
		id, p.TenantID, status, received)
	if err != nil {
		return nil, fmt.Errorf("updating purchase order status: %w", err)
	}
	o.Status, o.ReceivedDate = status, received
	return o, nil
}

// AddToInventory adds the received quantities of a fully received order to
// the stock at its receiving location, once. The movements are returned so
// the caller can record them. It must run in a transaction.
func (s *Store) AddToInventory(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*PurchaseOrder, []*Movement, error) {
	o, err := s.lockPurchaseOrder(ctx, db, p, id)
	if err != nil {
		return nil, nil, err
	}
	switch {
	case o.StockAdded:
		return nil, nil, invalid("Stock already added for this purchase order")
	case o.Status != POReceived:
		return nil, nil, invalid("Can only add stock for fully received orders")
	case o.ReceivingLocationID == nil:
		return nil, nil, invalid("A receiving location is required to add stock")
	}
	loc := *o.ReceivingLocationID

	var movements []*Movement
	for _, it := range o.Items {
		if it.QuantityReceived == 0 {
			continue
		}
		m, err := s.movementRefs(ctx, db, p, it.ProductID, loc)
		if err != nil {
			return nil, nil, err
		}
		rows, err := s.lockStock(ctx, db, p, it.ProductID, loc)
		if err != nil {
			return nil, nil, err
		}
		st := rows[loc]
		m.OldQuantity = st.Quantity
		if err := s.setQuantity(ctx, db, p, st, st.Quantity+it.QuantityReceived); err != nil {
			return nil, nil, err
		}
		m.NewQuantity, m.Stock = st.Quantity, st
		movements = append(movements, m)
	}

	if _, err := db.Exec(ctx,
		"UPDATE purchase_orders SET stock_added = true, updated_at = now() WHERE id = $1 AND tenant_id = $2",
		id, p.TenantID); err != nil {
		return nil, nil, fmt.Errorf("marking stock added: %w", err)
	}
	o.StockAdded = true
	return o, movements, nil
}

// CancelPurchaseOrder cancels an order that has received nothing. It must
// run in a transaction.
func (s *Store) CancelPurchaseOrder(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*PurchaseOrder, error) {
	o, err := s.lockPurchaseOrder(ctx, db, p, id)
	if err != nil {
		return nil, err
	}
	switch {
	case o.Status == POReceived || o.Status == POPartiallyReceived:
		return nil, invalid("Cannot cancel a purchase order that has items received")
	case o.StockAdded:
		return nil, invalid("Cannot cancel a purchase order with stock already added")
	}
	if _, err := db.Exec(ctx,
		"UPDATE purchase_orders SET status = $3, updated_at = now() WHERE id = $1 AND tenant_id = $2",
		id, p.TenantID, POCancelled); err != nil {
		return nil, fmt.Errorf("cancelling purchase order: %w", err)
	}
	o.Status = POCancelled
	return o, nil
}

// POStatistics summarises the tenant's purchase orders. Committed orders
// (sent onwards, not cancelled) count towards TotalValue; those not yet
// received are pending.
type POStatistics struct {
	Total        int              `json:"total_pos"`
	ByStatus     map[POStatus]int `json:"by_status"`
	TotalValue   decimal.Decimal  `json:"total_value"`
	PendingCount int              `json:"pending_pos_count"`
	PendingValue decimal.Decimal  `json:"pending_pos_value"`
}

func (s *Store) PurchaseOrderStatistics(ctx context.Context, db database.Querier, p *guard.Principal) (*POStatistics, error) {
	type row struct {
		status POStatus
		n      int
		total  decimal.Decimal
	}
	rows, err := collect(ctx, db, p,
		guard.Select("purchase_orders", "status", "COUNT(*)", "COALESCE(SUM(total_amount), 0)").GroupBy("status"),
		func(r pgx.CollectableRow) (row, error) {
			var x row
			err := r.Scan(&x.status, &x.n, &x.total)
			return x, err
		})
	if err != nil {
		return nil, fmt.Errorf("summarising purchase orders: %w", err)
	}

	st := &POStatistics{ByStatus: make(map[POStatus]int, len(poStatuses))}
	for _, status := range poStatuses {
		st.ByStatus[status] = 0
	}
	for _, r := range rows {
		st.Total += r.n
		st.ByStatus[r.status] = r.n
		switch r.status {
		case POSent, POConfirmed, POPartiallyReceived:
			st.PendingCount += r.n
			st.PendingValue = st.PendingValue.Add(r.total)
			st.TotalValue = st.TotalValue.Add(r.total)
		case POReceived:
			st.TotalValue = st.TotalValue.Add(r.total)
		}
	}
	return st, nil
}
