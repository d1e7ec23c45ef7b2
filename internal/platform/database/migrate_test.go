package database_test

import (
	"context"
	"testing"

	"github.com/progestock/progestock/internal/platform/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunMigrations(t *testing.T) {
	connStr := setupPostgres(t)
	ctx := context.Background()

	require.NoError(t, database.RunMigrations(ctx, connStr))
	// A second run is a no-op.
	require.NoError(t, database.RunMigrations(ctx, connStr))

	pool, err := database.Connect(ctx, connStr, 5)
	require.NoError(t, err)
	defer pool.Close()

	for _, table := range []string{"companies", "users", "locations", "categories", "products", "clients", "stock", "audit_events", "role_permissions",
		"suppliers", "purchase_orders", "purchase_order_items", "quotes", "quote_items",
		"invoices", "invoice_items", "payments", "notifications", "document_counters"} {
		var name string
		err = pool.QueryRow(ctx,
			"SELECT table_name FROM information_schema.tables WHERE table_name = $1", table).
			Scan(&name)
		require.NoError(t, err, table)
	}

	for _, table := range rlsTables {
		var rlsEnabled bool
		err = pool.QueryRow(ctx,
			"SELECT relrowsecurity FROM pg_class WHERE relname = $1", table).
			Scan(&rlsEnabled)
		require.NoError(t, err)
		assert.True(t, rlsEnabled, "RLS should be enabled on %s", table)
	}

	var perms int
	err = pool.QueryRow(ctx, "SELECT COUNT(*) FROM role_permissions WHERE role = 'admin'").Scan(&perms)
	require.NoError(t, err)
	assert.Equal(t, 1, perms)
}
