package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Querier abstracts pgx query methods so callers can work with both
// pool connections and transactions.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Func is a unit of work executed against a Querier.
type Func func(ctx context.Context, q Querier) error

// Runner executes units of work with the right connection setup. Handlers
// depend on it instead of a pool so they can be tested without Postgres.
type Runner interface {
	// WithTenant runs fn on a connection whose RLS tenant is tenantID.
	WithTenant(ctx context.Context, tenantID uuid.UUID, fn Func) error
	// WithTenantTx is WithTenant inside a transaction.
	WithTenantTx(ctx context.Context, tenantID uuid.UUID, fn Func) error
	// WithTx runs fn in a transaction without a tenant.
	WithTx(ctx context.Context, fn Func) error
}

// PoolRunner is the Runner backed by a pgx pool.
type PoolRunner struct {
	Pool *pgxpool.Pool
}

func NewRunner(pool *pgxpool.Pool) *PoolRunner {
	return &PoolRunner{Pool: pool}
}

func (r *PoolRunner) WithTenant(ctx context.Context, tenantID uuid.UUID, fn Func) error {
	return WithTenantConnection(ctx, r.Pool, tenantID, fn)
}

func (r *PoolRunner) WithTenantTx(ctx context.Context, tenantID uuid.UUID, fn Func) error {
	return WithTenantTx(ctx, r.Pool, tenantID, fn)
}

func (r *PoolRunner) WithTx(ctx context.Context, fn Func) error {
	return pgx.BeginFunc(ctx, r.Pool, func(tx pgx.Tx) error {
		return fn(ctx, tx)
	})
}

// WithTenantConnection acquires a dedicated connection from the pool,
// sets the Postgres session variable for RLS, then calls fn.
// The tenant context is reset before the connection is released back
// to the pool, preventing cross-tenant data leaks via connection reuse.
func WithTenantConnection(ctx context.Context, pool *pgxpool.Pool, tenantID uuid.UUID, fn Func) error {
	if tenantID == uuid.Nil {
		return fmt.Errorf("tenant connection without tenant")
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection: %w", err)
	}
	defer func() {
		// Use background context since the request context may be canceled.
		_, _ = conn.Exec(context.Background(), "SELECT set_config('app.current_tenant_id', '', false)")
		conn.Release()
	}()

	_, err = conn.Exec(ctx, "SELECT set_config('app.current_tenant_id', $1, false)", tenantID.String())
	if err != nil {
		return fmt.Errorf("setting tenant context: %w", err)
	}

	return fn(ctx, conn)
}

// WithTenantTx runs fn in a transaction whose RLS tenant is tenantID. The
// setting is transaction-local, so nothing survives on the connection.
func WithTenantTx(ctx context.Context, pool *pgxpool.Pool, tenantID uuid.UUID, fn Func) error {
	if tenantID == uuid.Nil {
		return fmt.Errorf("tenant transaction without tenant")
	}

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, "SELECT set_config('app.current_tenant_id', $1, true)", tenantID.String()); err != nil {
			return fmt.Errorf("setting tenant context: %w", err)
		}
		return fn(ctx, tx)
	})
}
