package inventory

import (
	"context"
	"fmt"
	"slices"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/shopspring/decimal"
)

// ProductFilter narrows a product listing.
type ProductFilter struct {
	CategoryID *uuid.UUID
	Search     string // name or sku, case-insensitive
}

func productQuery() guard.Query {
	return guard.Select(
		"products p LEFT JOIN categories c ON c.id = p.category_id LEFT JOIN stock s ON s.product_id = p.id",
		"p.id", "p.tenant_id", "p.category_id", "c.name", "p.name", "p.sku",
		"p.description_en", "p.description_fr", "p.price", "p.purchase_price", "p.reorder_threshold",
		"COALESCE(SUM(s.quantity), 0)", "p.created_at", "p.updated_at",
	).TenantColumn("p.tenant_id").GroupBy("p.id, c.name").OrderBy("p.name")
}

func scanProduct(row pgx.CollectableRow) (Product, error) {
	var p Product
	err := row.Scan(&p.ID, &p.TenantID, &p.CategoryID, &p.CategoryName, &p.Name, &p.SKU,
		&p.DescriptionEN, &p.DescriptionFR, &p.Price, &p.PurchasePrice, &p.ReorderThreshold,
		&p.TotalQuantity, &p.CreatedAt, &p.UpdatedAt)
	p.StockStatus = StockStatus(p.TotalQuantity, p.ReorderThreshold)
	return p, err
}

// likePattern builds an ILIKE pattern matching s anywhere.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

// ListProducts returns the tenant's products with their total stock and
// stock status, ordered by name.
func (s *Store) ListProducts(ctx context.Context, db database.Querier, p *guard.Principal, f ProductFilter) ([]Product, error) {
	q := productQuery()
	if f.CategoryID != nil {
		q = q.Where("p.category_id = ?", *f.CategoryID)
	}
	if search := strings.TrimSpace(f.Search); search != "" {
		pattern := likePattern(search)
		q = q.Where("p.name ILIKE ? OR p.sku ILIKE ?", pattern, pattern)
	}
	products, err := collect(ctx, db, p, q, scanProduct)
	if err != nil {
		return nil, fmt.Errorf("listing products: %w", err)
	}
	return products, nil
}

func (s *Store) GetProduct(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Product, error) {
	prod, err := one(ctx, db, p, productQuery().Where("p.id = ?", id), scanProduct, ErrProductNotFound)
	if err != nil {
		return nil, err
	}
	return &prod, nil
}

// ensureCategory checks that a referenced category belongs to the tenant.
func (s *Store) ensureCategory(ctx context.Context, db database.Querier, p *guard.Principal, id *uuid.UUID) error {
	if id == nil {
		return nil
	}
	_, err := one(ctx, db, p, guard.Select("categories", "id").Where("id = ?", *id), pgx.RowTo[uuid.UUID], ErrCategoryNotFound)
	return err
}

func (s *Store) CreateProduct(ctx context.Context, db database.Querier, p *guard.Principal, req ProductRequest) (*Product, error) {
	prod := &Product{
		CategoryID:       req.CategoryID,
		Name:             req.Name,
		SKU:              req.SKU,
		DescriptionEN:    req.DescriptionEN,
		DescriptionFR:    req.DescriptionFR,
		Price:            req.Price,
		PurchasePrice:    req.PurchasePrice,
		ReorderThreshold: DefaultReorderThreshold,
	}
	if req.ReorderThreshold != nil {
		prod.ReorderThreshold = *req.ReorderThreshold
	}
	if err := guard.StampOnCreate(p, prod); err != nil {
		return nil, err
	}
	if err := s.ensureCategory(ctx, db, p, prod.CategoryID); err != nil {
		return nil, err
	}

	var id uuid.UUID
	err := db.QueryRow(ctx,
		`INSERT INTO products (tenant_id, category_id, name, sku, description_en, description_fr, price, purchase_price, reorder_threshold)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING id`,
		prod.TenantID, prod.CategoryID, prod.Name, prod.SKU, prod.DescriptionEN, prod.DescriptionFR,
		prod.Price, prod.PurchasePrice, prod.ReorderThreshold,
	).Scan(&id)
	if err != nil {
		return nil, fmt.Errorf("creating product: %w", err)
	}
	return s.GetProduct(ctx, db, p, id)
}

func (s *Store) UpdateProduct(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID, req ProductRequest) (*Product, error) {
	if err := requireTenant(p); err != nil {
		return nil, err
	}
	if err := s.ensureCategory(ctx, db, p, req.CategoryID); err != nil {
		return nil, err
	}
	threshold := DefaultReorderThreshold
	if req.ReorderThreshold != nil {
		threshold = *req.ReorderThreshold
	}

	tag, err := db.Exec(ctx,
		`UPDATE products
		 SET category_id = $3, name = $4, sku = $5, description_en = $6, description_fr = $7,
		     price = $8, purchase_price = $9, reorder_threshold = $10, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2`,
		id, p.TenantID, req.CategoryID, req.Name, req.SKU, req.DescriptionEN, req.DescriptionFR,
		req.Price, req.PurchasePrice, threshold,
	)
	if err != nil {
		return nil, fmt.Errorf("updating product: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrProductNotFound
	}
	return s.GetProduct(ctx, db, p, id)
}

// DeleteProduct removes a product and its stock records. A product that
// appears on a purchase order, quote or invoice is kept. It must run in a
// transaction.
func (s *Store) DeleteProduct(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) error {
	if err := lockOwned(ctx, db, p, "products", id, ErrProductNotFound); err != nil {
		return err
	}
	n, err := references(ctx, db, p, "product_id", id, "purchase_order_items", "quote_items", "invoice_items")
	if err != nil {
		return fmt.Errorf("counting product usage: %w", err)
	}
	if n > 0 {
		return &InUseError{ResourceType: guard.ResourceProduct, Count: n}
	}
	if _, err := db.Exec(ctx, "DELETE FROM products WHERE id = $1 AND tenant_id = $2", id, p.TenantID); err != nil {
		return fmt.Errorf("deleting product: %w", err)
	}
	return nil
}

// ImportProduct is one product row of a bulk import.
type ImportProduct struct {
	Name       string
	SKU        string
	Price      decimal.Decimal
	CategoryID *uuid.UUID
}

// insertChunkRows bounds the rows of one INSERT statement. Each row binds
// six parameters and Postgres accepts at most 65535 per statement.
const insertChunkRows = 1000

// InsertProducts creates products in bulk with the default reorder
// threshold. It returns the number of rows inserted.
func (s *Store) InsertProducts(ctx context.Context, db database.Querier, p *guard.Principal, rows []ImportProduct) (int, error) {
	if err := requireTenant(p); err != nil {
		return 0, err
	}
	inserted := 0
	for chunk := range slices.Chunk(rows, insertChunkRows) {
		sql, args, err := productInsert(p.TenantID, chunk)
		if err != nil {
			return inserted, err
		}
		tag, err := db.Exec(ctx, sql, args...)
		if err != nil {
			return inserted, fmt.Errorf("inserting products: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func productInsert(tenantID uuid.UUID, rows []ImportProduct) (string, []any, error) {
	b := sq.Insert("products").
		Columns("tenant_id", "category_id", "name", "sku", "price", "reorder_threshold").
		PlaceholderFormat(sq.Dollar)
	for _, r := range rows {
		b = b.Values(tenantID, r.CategoryID, r.Name, r.SKU, r.Price, DefaultReorderThreshold)
	}
	sql, args, err := b.ToSql()
	if err != nil {
		return "", nil, fmt.Errorf("building product insert: %w", err)
	}
	return sql, args, nil
}

// productRef is the identifying subset of a product recorded with stock
// movements.
type productRef struct {
	ID               uuid.UUID
	Name             string
	SKU              string
	ReorderThreshold int
}

func (s *Store) productRef(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (productRef, error) {
	return one(ctx, db, p,
		guard.Select("products", "id", "name", "sku", "reorder_threshold").Where("id = ?", id),
		func(row pgx.CollectableRow) (productRef, error) {
			var r productRef
			err := row.Scan(&r.ID, &r.Name, &r.SKU, &r.ReorderThreshold)
			return r, err
		}, ErrProductNotFound)
}

type locationRef struct {
	ID   uuid.UUID
	Name string
}

func (s *Store) locationRef(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (locationRef, error) {
	return one(ctx, db, p,
		guard.Select("locations", "id", "name").Where("id = ?", id),
		func(row pgx.CollectableRow) (locationRef, error) {
			var r locationRef
			err := row.Scan(&r.ID, &r.Name)
			return r, err
		}, ErrLocationNotFound)
}

// UserEmails maps user ids of the tenant to their email addresses.
func (s *Store) UserEmails(ctx context.Context, db database.Querier, p *guard.Principal, ids []uuid.UUID) (map[uuid.UUID]string, error) {
	out := make(map[uuid.UUID]string, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	type userEmail struct {
		ID    uuid.UUID
		Email string
	}
	rows, err := collect(ctx, db, p,
		guard.Select("users", "id", "email").Where("id = ANY(?)", ids),
		pgx.RowToStructByPos[userEmail])
	if err != nil {
		return nil, fmt.Errorf("looking up users: %w", err)
	}
	for _, r := range rows {
		out[r.ID] = r.Email
	}
	return out, nil
}
