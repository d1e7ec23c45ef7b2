// Package dbtest starts a throwaway Postgres with the schema applied, for
// integration tests of packages that own SQL.
package dbtest

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Setup skips under -short. Otherwise it returns a migrated pool that is
// closed, together with its container, when the test ends.
func Setup(t *testing.T) *database.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("progestock_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, database.RunMigrations(ctx, connStr))

	pool, err := database.Connect(ctx, connStr, 5)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return pool
}

// Company inserts a company and returns its id.
func Company(t *testing.T, pool *database.Pool, name string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		"INSERT INTO companies (name) VALUES ($1) RETURNING id", name).Scan(&id)
	require.NoError(t, err)
	return id
}

// User inserts a user, optionally bound to tenantID, and returns its id.
func User(t *testing.T, pool *database.Pool, tenantID uuid.UUID, email, role string) uuid.UUID {
	t.Helper()
	var tid *uuid.UUID
	if tenantID != uuid.Nil {
		tid = &tenantID
	}
	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		"INSERT INTO users (tenant_id, email, role) VALUES ($1, $2, $3) RETURNING id",
		tid, email, role).Scan(&id)
	require.NoError(t, err)
	return id
}
