package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
)

var ErrNotFound = errors.New("notification not found")

// Read-state filters for List.
const (
	StatusRead   = "read"
	StatusUnread = "unread"
)

// Stored is a notification in one user's inbox.
type Stored struct {
	ID          uuid.UUID `json:"id"`
	TenantID    uuid.UUID `json:"-"`
	RecipientID uuid.UUID `json:"-"`
	Notification
	IsRead bool       `json:"is_read"`
	ReadAt *time.Time `json:"read_at"`
}

func (s *Stored) ResourceType() guard.ResourceType { return guard.ResourceNotification }
func (s *Stored) Tenant() uuid.UUID                { return s.TenantID }

// Filter narrows an inbox listing.
type Filter struct {
	Status string // StatusRead, StatusUnread or empty for all
	Type   string
	Limit  int
}

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Store keeps notification inboxes. Reads and updates only ever touch the
// principal's own notifications.
type Store struct{}

func NewStore() *Store {
	return &Store{}
}

// Record puts n in the inbox of every active admin of tenantID and reports
// how many inboxes received it.
func (s *Store) Record(ctx context.Context, db database.Querier, tenantID uuid.UUID, n Notification) (int, error) {
	if tenantID == uuid.Nil {
		return 0, ErrNoTenant
	}
	tag, err := db.Exec(ctx,
		`INSERT INTO notifications (tenant_id, recipient_id, type, title, message, link, product_id, location_id)
		 SELECT $1, u.id, $2, $3, $4, $5, $6, $7
		 FROM users u
		 WHERE u.tenant_id = $1 AND u.role = 'admin' AND u.is_active`,
		tenantID, n.Type, n.Title, n.Message, n.Link, n.ProductID, n.LocationID,
	)
	if err != nil {
		return 0, fmt.Errorf("storing %s notification: %w", n.Type, err)
	}
	return int(tag.RowsAffected()), nil
}

const storedColumns = "id, tenant_id, recipient_id, type, title, message, link, product_id, location_id, is_read, read_at, created_at"

func scanStored(row pgx.CollectableRow) (Stored, error) {
	var n Stored
	err := row.Scan(&n.ID, &n.TenantID, &n.RecipientID, &n.Type, &n.Title, &n.Message, &n.Link,
		&n.ProductID, &n.LocationID, &n.IsRead, &n.ReadAt, &n.CreatedAt)
	return n, err
}

func inbox(p *guard.Principal, q guard.Query) (string, []any, error) {
	scoped, err := guard.ScopeQuery(p, q.Where("recipient_id = ?", p.UserID))
	if err != nil {
		return "", nil, err
	}
	return scoped.SQL()
}

// List returns the principal's notifications, newest first.
func (s *Store) List(ctx context.Context, db database.Querier, p *guard.Principal, f Filter) ([]Stored, error) {
	if p == nil {
		return nil, guard.ErrUnauthenticated
	}
	q := guard.Select("notifications", storedColumns).OrderBy("created_at DESC, id")
	switch f.Status {
	case StatusRead:
		q = q.Where("is_read")
	case StatusUnread:
		q = q.Where("NOT is_read")
	}
	if f.Type != "" {
		q = q.Where("type = ?", f.Type)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q = q.Limit(min(limit, MaxListLimit))

	sql, args, err := inbox(p, q)
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing notifications: %w", err)
	}
	return pgx.CollectRows(rows, scanStored)
}

// Get returns one notification of the principal's inbox.
func (s *Store) Get(ctx context.Context, db database.Querier, p *guard.Principal, id uuid.UUID) (*Stored, error) {
	if p == nil {
		return nil, guard.ErrUnauthenticated
	}
	sql, args, err := inbox(p, guard.Select("notifications", storedColumns).Where("id = ?", id))
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching notification: %w", err)
	}
	n, err := pgx.CollectExactlyOneRow(rows, scanStored)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// UnreadCount returns how many of the principal's notifications are unread.
func (s *Store) UnreadCount(ctx context.Context, db database.Querier, p *guard.Principal) (int, error) {
	if p == nil {
		return 0, guard.ErrUnauthenticated
	}
	sql, args, err := inbox(p, guard.Select("notifications", "COUNT(*)").Where("NOT is_read"))
	if err != nil {
		return 0, err
	}
	var n int
	if err := db.QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting unread notifications: %w", err)
	}
	return n, nil
}

// MarkRead marks the listed notifications of the principal as read. Ids of
// other inboxes are ignored. It returns how many changed state.
func (s *Store) MarkRead(ctx context.Context, db database.Querier, p *guard.Principal, ids []uuid.UUID) (int, error) {
	if !p.HasTenant() {
		return 0, guard.ErrNoTenant
	}
	tag, err := db.Exec(ctx,
		`UPDATE notifications SET is_read = true, read_at = now()
		 WHERE tenant_id = $1 AND recipient_id = $2 AND id = ANY($3) AND NOT is_read`,
		p.TenantID, p.UserID, ids,
	)
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkAllRead marks every unread notification of the principal as read.
func (s *Store) MarkAllRead(ctx context.Context, db database.Querier, p *guard.Principal) (int, error) {
	if !p.HasTenant() {
		return 0, guard.ErrNoTenant
	}
	tag, err := db.Exec(ctx,
		`UPDATE notifications SET is_read = true, read_at = now()
		 WHERE tenant_id = $1 AND recipient_id = $2 AND NOT is_read`,
		p.TenantID, p.UserID,
	)
	if err != nil {
		return 0, fmt.Errorf("marking notifications read: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
