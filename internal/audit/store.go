package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// Store handles audit event persistence.
type Store struct{}

// NewStore creates an audit Store.
func NewStore() *Store {
	return &Store{}
}

// InsertBatch writes a batch of events to the database. Events without a
// tenant cannot belong to any trail and are discarded.
func (s *Store) InsertBatch(ctx context.Context, db database.Querier, events []Event) error {
	events = withTenant(events)
	if len(events) == 0 {
		return nil
	}
	sql, args, err := buildBatchInsert(events)
	if err != nil {
		return fmt.Errorf("building batch insert: %w", err)
	}
	_, err = db.Exec(ctx, sql, args...)
	if err != nil {
		return fmt.Errorf("inserting audit events: %w", err)
	}
	return nil
}

// Append stamps events with the request principal and writes them with db.
// Called with the transaction of the change the events describe, they commit
// or roll back together with it.
func (s *Store) Append(ctx context.Context, db database.Querier, events ...Event) error {
	stamped := make([]Event, len(events))
	for i, e := range events {
		stamped[i] = Stamp(ctx, e)
	}
	return s.InsertBatch(ctx, db, stamped)
}

func withTenant(events []Event) []Event {
	out := events[:0:0]
	for _, e := range events {
		if e.TenantID == uuid.Nil {
			slog.Warn("discarding audit event without tenant", "action", e.Action)
			continue
		}
		out = append(out, e)
	}
	return out
}

// buildBatchInsert constructs a multi-row INSERT statement.
func buildBatchInsert(events []Event) (string, []any, error) {
	ins := sq.Insert("audit_events").
		Columns("tenant_id", "user_id", "action", "resource_type", "resource_id", "metadata", "source").
		PlaceholderFormat(sq.Dollar)

	for _, e := range events {
		var metaJSON []byte
		if e.Metadata != nil {
			var err error
			if metaJSON, err = json.Marshal(e.Metadata); err != nil {
				return "", nil, fmt.Errorf("marshaling metadata: %w", err)
			}
		}
		ins = ins.Values(e.TenantID, e.UserID, e.Action, e.ResourceType, e.ResourceID, metaJSON, e.Source)
	}
	return ins.ToSql()
}

// Entry is a stored audit event.
type Entry struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	UserID       *uuid.UUID     `json:"user_id"`
	Action       string         `json:"action"`
	ResourceType *string        `json:"resource_type"`
	ResourceID   *uuid.UUID     `json:"resource_id"`
	Metadata     map[string]any `json:"metadata"`
	Source       string         `json:"source"`
	CreatedAt    time.Time      `json:"created_at"`
}

// ListEventsParams defines filters for querying audit events. The tenant is
// never a filter: it always comes from the principal.
type ListEventsParams struct {
	Action       *string
	Actions      []string
	ResourceType *string
	UserID       *uuid.UUID
	Source       *string
	After        *time.Time
	Before       *time.Time
	ProductID    *uuid.UUID // metadata product_id
	LocationID   *uuid.UUID // metadata location_id, or either end of a transfer
	Limit        int
}

// List returns the principal's tenant events, newest first.
func (s *Store) List(ctx context.Context, db database.Querier, p *guard.Principal, params ListEventsParams) ([]Entry, error) {
	q, err := guard.ScopeQuery(p, buildListQuery(params))
	if err != nil {
		return nil, err
	}
	sql, args, err := q.SQL()
	if err != nil {
		return nil, fmt.Errorf("building audit query: %w", err)
	}

	rows, err := db.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit events: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.ID, &e.TenantID, &e.UserID, &e.Action, &e.ResourceType, &e.ResourceID, &e.Metadata, &e.Source, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scanning audit events: %w", err)
	}
	return entries, nil
}

// ClampLimit applies the default and maximum page size.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultListLimit
	case n > MaxListLimit:
		return MaxListLimit
	}
	return n
}

// buildListQuery describes the SELECT for params. It is not yet scoped.
func buildListQuery(p ListEventsParams) guard.Query {
	q := guard.Select("audit_events",
		"id", "tenant_id", "user_id", "action", "resource_type", "resource_id", "metadata", "source", "created_at")

	if p.Action != nil {
		q = q.Where("action = ?", *p.Action)
	}
	if len(p.Actions) > 0 {
		q = q.Where("action = ANY(?)", p.Actions)
	}
	if p.ResourceType != nil {
		q = q.Where("resource_type = ?", *p.ResourceType)
	}
	if p.UserID != nil {
		q = q.Where("user_id = ?", *p.UserID)
	}
	if p.Source != nil {
		q = q.Where("source = ?", *p.Source)
	}
	if p.After != nil {
		q = q.Where("created_at > ?", *p.After)
	}
	if p.Before != nil {
		q = q.Where("created_at < ?", *p.Before)
	}
	if p.ProductID != nil {
		q = q.Where("metadata ->> 'product_id' = ?", p.ProductID.String())
	}
	if p.LocationID != nil {
		loc := p.LocationID.String()
		q = q.Where("(metadata ->> 'location_id' = ? OR metadata ->> 'from_location_id' = ? OR metadata ->> 'to_location_id' = ?)",
			loc, loc, loc)
	}

	return q.OrderBy("created_at DESC").Limit(ClampLimit(p.Limit))
}
