package inventory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
)

// Store handles inventory persistence. Every method takes the acting
// principal: reads are scoped with guard.ScopeQuery and writes filter on the
// principal's tenant.
type Store struct{}

// NewStore creates an inventory store.
func NewStore() *Store {
	return &Store{}
}

func requireTenant(p *guard.Principal) error {
	if p == nil {
		return guard.ErrUnauthenticated
	}
	if !p.HasTenant() {
		return guard.ErrNoTenant
	}
	return nil
}

func scopedSQL(p *guard.Principal, q guard.Query) (string, []any, error) {
	scoped, err := guard.ScopeQuery(p, q)
	if err != nil {
		return "", nil, err
	}
	return scoped.SQL()
}

func collect[T any](ctx context.Context, db database.Querier, p *guard.Principal, q guard.Query, scan pgx.RowToFunc[T]) ([]T, error) {
	sql, args, err := scopedSQL(p, q)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scan)
}

// one runs a scoped query expected to match a single row. No match is
// reported as notFound.
func one[T any](ctx context.Context, db database.Querier, p *guard.Principal, q guard.Query, scan pgx.RowToFunc[T], notFound error) (T, error) {
	var zero T
	sql, args, err := scopedSQL(p, q)
	if err != nil {
		return zero, err
	}
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return zero, err
	}
	v, err := pgx.CollectExactlyOneRow(rows, scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return zero, notFound
	}
	return v, err
}

func count(ctx context.Context, db database.Querier, p *guard.Principal, q guard.Query) (int, error) {
	sql, args, err := scopedSQL(p, q)
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// lockOwned locks row id of table for the rest of the transaction, provided
// it belongs to the principal's tenant.
func lockOwned(ctx context.Context, db database.Querier, p *guard.Principal, table string, id uuid.UUID, notFound error) error {
	_, err := one(ctx, db, p,
		guard.Select(table, "id").Where("id = ?", id).ForUpdate(),
		pgx.RowTo[uuid.UUID], notFound)
	return err
}

// --- locations ---

func locationQuery() guard.Query {
	return guard.Select("locations l",
		"l.id", "l.tenant_id", "l.name",
		"(SELECT COUNT(*) FROM stock s WHERE s.location_id = l.id)",
		"l.created_at",
	).TenantColumn("l.tenant_id").OrderBy("l.name")
}

func scanLocation(row pgx.CollectableRow) (Location, error) {
	var l Location
	err := row.Scan(&l.ID, &l.TenantID, &l.Name, &l.UsageCount, &l.CreatedAt)
	return l, err
}

// ListLocations returns the tenant's locations with the number of stock
// records at each.
func (s *Store) ListLocations(ctx context.Context, db database.Querier, p *guard.Principal) ([]Location, error) {
	locs, err := collect(ctx, db, p, locationQuery(), scanLocation)
	if err != nil {
		return nil, fmt.Errorf("listing locations: %w", err)
	}
	return locs, nil
}

func (s *Store) GetLocation(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Location, error) {
	l, err := one(ctx, db, p, locationQuery().Where("l.id = ?", id), scanLocation, ErrLocationNotFound)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *Store) CreateLocation(ctx context.Context, db database.Querier, p *guard.Principal, req NameRequest) (*Location, error) {
	l := &Location{Name: req.Name}
	if err := guard.StampOnCreate(p, l); err != nil {
		return nil, err
	}
	err := db.QueryRow(ctx,
		"INSERT INTO locations (tenant_id, name) VALUES ($1, $2) RETURNING id, created_at",
		l.TenantID, l.Name,
	).Scan(&l.ID, &l.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating location: %w", err)
	}
	return l, nil
}

func (s *Store) UpdateLocation(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID, req NameRequest) (*Location, error) {
	if err := requireTenant(p); err != nil {
		return nil, err
	}
	tag, err := db.Exec(ctx, "UPDATE locations SET name = $3 WHERE id = $1 AND tenant_id = $2", id, p.TenantID, req.Name)
	if err != nil {
		return nil, fmt.Errorf("updating location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrLocationNotFound
	}
	return s.GetLocation(ctx, db, p, id)
}

// DeleteLocation removes a location that holds no stock records. It must run
// in a transaction: the location row is locked so no stock can reference it
// between the usage check and the delete.
func (s *Store) DeleteLocation(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) error {
	if err := lockOwned(ctx, db, p, "locations", id, ErrLocationNotFound); err != nil {
		return err
	}
	n, err := count(ctx, db, p, guard.Select("stock", "COUNT(*)").Where("location_id = ?", id))
	if err != nil {
		return fmt.Errorf("counting location usage: %w", err)
	}
	if n > 0 {
		return &InUseError{ResourceType: guard.ResourceLocation, Count: n}
	}
	if _, err := db.Exec(ctx, "DELETE FROM locations WHERE id = $1 AND tenant_id = $2", id, p.TenantID); err != nil {
		return fmt.Errorf("deleting location: %w", err)
	}
	return nil
}

// --- categories ---

func categoryQuery() guard.Query {
	return guard.Select("categories c",
		"c.id", "c.tenant_id", "c.name",
		"(SELECT COUNT(*) FROM products pr WHERE pr.category_id = c.id)",
		"c.created_at",
	).TenantColumn("c.tenant_id").OrderBy("c.name")
}

func scanCategory(row pgx.CollectableRow) (Category, error) {
	var c Category
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.UsageCount, &c.CreatedAt)
	return c, err
}

func (s *Store) ListCategories(ctx context.Context, db database.Querier, p *guard.Principal) ([]Category, error) {
	cats, err := collect(ctx, db, p, categoryQuery(), scanCategory)
	if err != nil {
		return nil, fmt.Errorf("listing categories: %w", err)
	}
	return cats, nil
}

func (s *Store) GetCategory(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Category, error) {
	c, err := one(ctx, db, p, categoryQuery().Where("c.id = ?", id), scanCategory, ErrCategoryNotFound)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// CreateCategory adds a category. Names are unique per tenant, ignoring case.
func (s *Store) CreateCategory(ctx context.Context, db database.Querier, p *guard.Principal, req NameRequest) (*Category, error) {
	c := &Category{Name: req.Name}
	if err := guard.StampOnCreate(p, c); err != nil {
		return nil, err
	}
	err := db.QueryRow(ctx,
		"INSERT INTO categories (tenant_id, name) VALUES ($1, $2) RETURNING id, created_at",
		c.TenantID, c.Name,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateCategory
		}
		return nil, fmt.Errorf("creating category: %w", err)
	}
	return c, nil
}

// FindOrCreateCategory returns the tenant's category called name, creating
// it when missing.
func (s *Store) FindOrCreateCategory(ctx context.Context, db database.Querier, p *guard.Principal, name string) (uuid.UUID, error) {
	c := &Category{Name: strings.TrimSpace(name)}
	if err := guard.StampOnCreate(p, c); err != nil {
		return uuid.Nil, err
	}
	_, err := db.Exec(ctx,
		"INSERT INTO categories (tenant_id, name) VALUES ($1, $2) ON CONFLICT (tenant_id, lower(name)) DO NOTHING",
		c.TenantID, c.Name,
	)
	if err != nil {
		return uuid.Nil, fmt.Errorf("creating category: %w", err)
	}
	id, err := one(ctx, db, p,
		guard.Select("categories", "id").Where("lower(name) = lower(?)", c.Name),
		pgx.RowTo[uuid.UUID], ErrCategoryNotFound)
	if err != nil {
		return uuid.Nil, fmt.Errorf("finding category: %w", err)
	}
	return id, nil
}

func (s *Store) UpdateCategory(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID, req NameRequest) (*Category, error) {
	if err := requireTenant(p); err != nil {
		return nil, err
	}
	tag, err := db.Exec(ctx, "UPDATE categories SET name = $3 WHERE id = $1 AND tenant_id = $2", id, p.TenantID, req.Name)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateCategory
		}
		return nil, fmt.Errorf("updating category: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrCategoryNotFound
	}
	return s.GetCategory(ctx, db, p, id)
}

// DeleteCategory removes a category no product is assigned to. Like
// DeleteLocation it must run in a transaction.
func (s *Store) DeleteCategory(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) error {
	if err := lockOwned(ctx, db, p, "categories", id, ErrCategoryNotFound); err != nil {
		return err
	}
	n, err := count(ctx, db, p, guard.Select("products", "COUNT(*)").Where("category_id = ?", id))
	if err != nil {
		return fmt.Errorf("counting category usage: %w", err)
	}
	if n > 0 {
		return &InUseError{ResourceType: guard.ResourceCategory, Count: n}
	}
	if _, err := db.Exec(ctx, "DELETE FROM categories WHERE id = $1 AND tenant_id = $2", id, p.TenantID); err != nil {
		return fmt.Errorf("deleting category: %w", err)
	}
	return nil
}

// --- clients ---

func clientQuery() guard.Query {
	return guard.Select("clients", "id", "tenant_id", "name", "email", "phone", "address", "created_at").OrderBy("name")
}

func scanClient(row pgx.CollectableRow) (Client, error) {
	var c Client
	err := row.Scan(&c.ID, &c.TenantID, &c.Name, &c.Email, &c.Phone, &c.Address, &c.CreatedAt)
	return c, err
}

func (s *Store) ListClients(ctx context.Context, db database.Querier, p *guard.Principal) ([]Client, error) {
	clients, err := collect(ctx, db, p, clientQuery(), scanClient)
	if err != nil {
		return nil, fmt.Errorf("listing clients: %w", err)
	}
	return clients, nil
}

func (s *Store) GetClient(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Client, error) {
	c, err := one(ctx, db, p, clientQuery().Where("id = ?", id), scanClient, ErrClientNotFound)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) CreateClient(ctx context.Context, db database.Querier, p *guard.Principal, req ClientRequest) (*Client, error) {
	c := &Client{Name: req.Name, Email: req.Email, Phone: req.Phone, Address: req.Address}
	if err := guard.StampOnCreate(p, c); err != nil {
		return nil, err
	}
	err := db.QueryRow(ctx,
		`INSERT INTO clients (tenant_id, name, email, phone, address)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at`,
		c.TenantID, c.Name, c.Email, c.Phone, c.Address,
	).Scan(&c.ID, &c.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating client: %w", err)
	}
	return c, nil
}

func (s *Store) UpdateClient(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID, req ClientRequest) (*Client, error) {
	if err := requireTenant(p); err != nil {
		return nil, err
	}
	c := Client{ID: id, TenantID: p.TenantID, Name: req.Name, Email: req.Email, Phone: req.Phone, Address: req.Address}
	err := db.QueryRow(ctx,
		`UPDATE clients SET name = $3, email = $4, phone = $5, address = $6
		 WHERE id = $1 AND tenant_id = $2
		 RETURNING created_at`,
		id, p.TenantID, req.Name, req.Email, req.Phone, req.Address,
	).Scan(&c.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("updating client: %w", err)
	}
	return &c, nil
}

// DeleteClient removes a client no quote or invoice refers to. It must run
// in a transaction.
func (s *Store) DeleteClient(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) error {
	if err := lockOwned(ctx, db, p, "clients", id, ErrClientNotFound); err != nil {
		return err
	}
	n, err := references(ctx, db, p, "client_id", id, "quotes", "invoices")
	if err != nil {
		return fmt.Errorf("counting client usage: %w", err)
	}
	if n > 0 {
		return &InUseError{ResourceType: guard.ResourceClient, Count: n}
	}
	if _, err := db.Exec(ctx, "DELETE FROM clients WHERE id = $1 AND tenant_id = $2", id, p.TenantID); err != nil {
		return fmt.Errorf("deleting client: %w", err)
	}
	return nil
}

// references counts the rows of tables whose column refers to id.
func references(ctx context.Context, db database.Querier, p *guard.Principal, column string, id uuid.UUID, tables ...string) (int, error) {
	total := 0
	for _, t := range tables {
		n, err := count(ctx, db, p, guard.Select(t, "COUNT(*)").Where(column+" = ?", id))
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}
