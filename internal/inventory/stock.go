package inventory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
)

// OverviewFilter narrows the stock overview.
type OverviewFilter struct {
	LocationID *uuid.UUID
	CategoryID *uuid.UUID
	Search     string
}

func stockLevelQuery() guard.Query {
	return guard.Select(
		"stock s JOIN products p ON p.id = s.product_id JOIN locations l ON l.id = s.location_id",
		"s.id", "p.id", "p.name", "p.sku", "p.price", "p.reorder_threshold",
		"l.id", "l.name", "s.quantity", "s.updated_at",
	).TenantColumn("s.tenant_id").OrderBy("p.name, l.name")
}

func scanStockLevel(row pgx.CollectableRow) (StockLevel, error) {
	var l StockLevel
	err := row.Scan(&l.ID, &l.ProductID, &l.ProductName, &l.ProductSKU, &l.ProductPrice, &l.ReorderThreshold,
		&l.LocationID, &l.LocationName, &l.Quantity, &l.UpdatedAt)
	l.compute()
	return l, err
}

// Overview lists the tenant's stock levels with their value and status.
func (s *Store) Overview(ctx context.Context, db database.Querier, p *guard.Principal, f OverviewFilter) ([]StockLevel, error) {
	q := stockLevelQuery()
	if f.LocationID != nil {
		q = q.Where("s.location_id = ?", *f.LocationID)
	}
	if f.CategoryID != nil {
		q = q.Where("p.category_id = ?", *f.CategoryID)
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		pattern := likePattern(search)
		q = q.Where("p.name ILIKE ? OR p.sku ILIKE ?", pattern, pattern)
	}
	levels, err := collect(ctx, db, p, q, scanStockLevel)
	if err != nil {
		return nil, fmt.Errorf("listing stock levels: %w", err)
	}
	return levels, nil
}

func (s *Store) StockLevel(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*StockLevel, error) {
	l, err := one(ctx, db, p, stockLevelQuery().Where("s.id = ?", id), scanStockLevel, ErrStockNotFound)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func scanStock(row pgx.CollectableRow) (Stock, error) {
	var st Stock
	err := row.Scan(&st.ID, &st.TenantID, &st.ProductID, &st.LocationID, &st.Quantity, &st.UpdatedAt)
	return st, err
}

const stockColumns = "id, tenant_id, product_id, location_id, quantity, updated_at"

// lockStock ensures a stock row exists for each location and locks them in
// id order, so concurrent movements on the same rows cannot deadlock.
func (s *Store) lockStock(ctx context.Context, db database.Querier, p *guard.Principal, productID uuid.UUID, locationIDs ...uuid.UUID) (map[uuid.UUID]*Stock, error) {
	for _, loc := range locationIDs {
		row := &Stock{ProductID: productID, LocationID: loc}
		if err := guard.StampOnCreate(p, row); err != nil {
			return nil, err
		}
		_, err := db.Exec(ctx,
			`INSERT INTO stock (tenant_id, product_id, location_id, quantity)
			 VALUES ($1, $2, $3, 0)
			 ON CONFLICT (product_id, location_id) DO NOTHING`,
			row.TenantID, row.ProductID, row.LocationID,
		)
		if err != nil {
			return nil, fmt.Errorf("creating stock record: %w", err)
		}
	}

	rows, err := collect(ctx, db, p,
		guard.Select("stock", stockColumns).
			Where("product_id = ?", productID).
			Where("location_id = ANY(?)", locationIDs).
			OrderBy("id").
			ForUpdate(),
		scanStock)
	if err != nil {
		return nil, fmt.Errorf("locking stock: %w", err)
	}

	out := make(map[uuid.UUID]*Stock, len(rows))
	for i := range rows {
		out[rows[i].LocationID] = &rows[i]
	}
	for _, loc := range locationIDs {
		if out[loc] == nil {
			return nil, ErrStockNotFound
		}
	}
	return out, nil
}

func (s *Store) setQuantity(ctx context.Context, db database.Querier, p *guard.Principal, st *Stock, quantity int) error {
	err := db.QueryRow(ctx,
		"UPDATE stock SET quantity = $3, updated_at = now() WHERE id = $1 AND tenant_id = $2 RETURNING updated_at",
		st.ID, p.TenantID, quantity,
	).Scan(&st.UpdatedAt)
	if err != nil {
		return fmt.Errorf("updating stock: %w", err)
	}
	st.Quantity = quantity
	return nil
}

// Movement is the outcome of a stock change at one location.
type Movement struct {
	Product     productRef
	Location    locationRef
	OldQuantity int
	NewQuantity int
	Created     bool
	Stock       *Stock
}

// Low reports whether the new quantity is at or below the reorder threshold.
func (m *Movement) Low() bool {
	return m.NewQuantity <= m.Product.ReorderThreshold
}

// SetStock sets the quantity of a product at a location, creating the stock
// record when needed. Both must belong to the principal's tenant. It must run
// in a transaction.
func (s *Store) SetStock(ctx context.Context, db database.Querier, p *guard.Principal, req SetStockRequest) (*Movement, error) {
	m, err := s.movementRefs(ctx, db, p, req.ProductID, req.LocationID)
	if err != nil {
		return nil, err
	}

	existing, err := count(ctx, db, p, guard.Select("stock", "COUNT(*)").
		Where("product_id = ?", req.ProductID).
		Where("location_id = ?", req.LocationID))
	if err != nil {
		return nil, fmt.Errorf("checking stock: %w", err)
	}

	rows, err := s.lockStock(ctx, db, p, req.ProductID, req.LocationID)
	if err != nil {
		return nil, err
	}
	st := rows[req.LocationID]
	m.OldQuantity = st.Quantity
	if err := s.setQuantity(ctx, db, p, st, req.Quantity); err != nil {
		return nil, err
	}
	m.NewQuantity = st.Quantity
	m.Created = existing == 0
	m.Stock = st
	return m, nil
}

// AdjustStock adds to, removes from or sets the quantity at one location.
// Removing more than is available fails with *InsufficientStockError. It must
// run in a transaction.
func (s *Store) AdjustStock(ctx context.Context, db database.Querier, p *guard.Principal, req AdjustStockRequest) (*Movement, error) {
	m, err := s.movementRefs(ctx, db, p, req.ProductID, req.LocationID)
	if err != nil {
		return nil, err
	}
	rows, err := s.lockStock(ctx, db, p, req.ProductID, req.LocationID)
	if err != nil {
		return nil, err
	}
	st := rows[req.LocationID]
	m.OldQuantity = st.Quantity

	next := st.Quantity
	switch req.Action {
	case AdjustAdd:
		next += req.Quantity
	case AdjustRemove:
		if st.Quantity < req.Quantity {
			return nil, &InsufficientStockError{Available: st.Quantity}
		}
		next -= req.Quantity
	case AdjustSet:
		next = req.Quantity
	default:
		return nil, invalid("unknown adjustment action")
	}

	if err := s.setQuantity(ctx, db, p, st, next); err != nil {
		return nil, err
	}
	m.NewQuantity = next
	m.Stock = st
	return m, nil
}

func (s *Store) movementRefs(ctx context.Context, db database.Querier, p *guard.Principal, productID, locationID uuid.UUID) (*Movement, error) {
	prod, err := s.productRef(ctx, db, p, productID)
	if err != nil {
		return nil, err
	}
	loc, err := s.locationRef(ctx, db, p, locationID)
	if err != nil {
		return nil, err
	}
	return &Movement{Product: prod, Location: loc}, nil
}

// Transfer is the outcome of moving stock between two locations.
type Transfer struct {
	Source      *Movement
	Destination *Movement
	Quantity    int
}

// TransferStock moves quantity units of a product between two locations of
// the tenant. Both rows change in the caller's transaction or neither does.
func (s *Store) TransferStock(ctx context.Context, db database.Querier, p *guard.Principal, req TransferStockRequest) (*Transfer, error) {
	src, err := s.movementRefs(ctx, db, p, req.ProductID, req.FromLocationID)
	if err != nil {
		return nil, err
	}
	dst, err := s.locationRef(ctx, db, p, req.ToLocationID)
	if err != nil {
		return nil, err
	}

	rows, err := s.lockStock(ctx, db, p, req.ProductID, req.FromLocationID, req.ToLocationID)
	if err != nil {
		return nil, err
	}
	from, to := rows[req.FromLocationID], rows[req.ToLocationID]
	if from.Quantity < req.Quantity {
		return nil, &InsufficientStockError{Available: from.Quantity}
	}

	t := &Transfer{
		Source:      src,
		Destination: &Movement{Product: src.Product, Location: dst},
		Quantity:    req.Quantity,
	}
	t.Source.OldQuantity = from.Quantity
	t.Destination.OldQuantity = to.Quantity

	if err := s.setQuantity(ctx, db, p, from, from.Quantity-req.Quantity); err != nil {
		return nil, err
	}
	if err := s.setQuantity(ctx, db, p, to, to.Quantity+req.Quantity); err != nil {
		return nil, err
	}
	t.Source.NewQuantity, t.Source.Stock = from.Quantity, from
	t.Destination.NewQuantity, t.Destination.Stock = to.Quantity, to
	return t, nil
}
