package database_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsolationProof_CrossTenantProductReadDenied(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	rlsPool, superConnStr, cleanup := setupRLSTestDB(t)
	defer cleanup()

	tenantA, tenantB := seedTwoTenants(t, superConnStr)
	ctx := context.Background()

	err := database.WithTenantConnection(ctx, rlsPool, tenantA.ID, func(ctx context.Context, q database.Querier) error {
		var gotID uuid.UUID
		scanErr := q.QueryRow(ctx, "SELECT id FROM products WHERE id = $1", tenantB.ProductID).Scan(&gotID)
		assert.ErrorIs(t, scanErr, pgx.ErrNoRows)
		return nil
	})
	require.NoError(t, err)
}

func TestIsolationProof_OwnerLookupSeesThroughRLS(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	rlsPool, superConnStr, cleanup := setupRLSTestDB(t)
	defer cleanup()

	tenantA, tenantB := seedTwoTenants(t, superConnStr)
	ctx := context.Background()

	g := guard.New(guard.AllowAll{}, guard.WithOwnerLookup(database.NewOwners(rlsPool)))
	principalA := &guard.Principal{UserID: tenantA.UserID, TenantID: tenantA.ID, Role: guard.RoleAdmin}

	cases := map[guard.ResourceType][2]uuid.UUID{
		guard.ResourceProduct:  {tenantA.ProductID, tenantB.ProductID},
		guard.ResourceLocation: {tenantA.LocationID, tenantB.LocationID},
		guard.ResourceCategory: {tenantA.CategoryID, tenantB.CategoryID},
		guard.ResourceClient:   {tenantA.ClientID, tenantB.ClientID},
		guard.ResourceStock:    {tenantA.StockID, tenantB.StockID},
		guard.ResourceUser:     {tenantA.UserID, tenantB.UserID},
		guard.ResourceCompany:  {tenantA.ID, tenantB.ID},

		guard.ResourceSupplier:      {tenantA.SupplierID, tenantB.SupplierID},
		guard.ResourcePurchaseOrder: {tenantA.OrderID, tenantB.OrderID},
		guard.ResourceQuote:         {tenantA.QuoteID, tenantB.QuoteID},
		guard.ResourceInvoice:       {tenantA.InvoiceID, tenantB.InvoiceID},
	}
	for rt, ids := range cases {
		d, err := g.AuthorizeResource(ctx, principalA, guard.OpRead, rt, ids[0])
		require.NoError(t, err, rt)
		assert.True(t, d.Allowed(), rt)

		d, err = g.AuthorizeResource(ctx, principalA, guard.OpRead, rt, ids[1])
		require.NoError(t, err, rt)
		assert.Equal(t, guard.CrossTenantAccess, d.Outcome, rt)
	}

	_, err := g.AuthorizeResource(ctx, principalA, guard.OpRead, guard.ResourceProduct, uuid.New())
	assert.ErrorIs(t, err, guard.ErrResourceNotFound)
}

func TestIsolationProof_ScopedQueryAgainstSuperuser(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}

	_, superConnStr, cleanup := setupRLSTestDB(t)
	defer cleanup()

	tenantA, _ := seedTwoTenants(t, superConnStr)
	ctx := context.Background()

	// The superuser bypasses RLS, so only the guard predicate separates tenants.
	pool, err := database.Connect(ctx, superConnStr, 2)
	require.NoError(t, err)
	defer pool.Close()

	q, err := guard.ScopeQuery(&guard.Principal{TenantID: tenantA.ID, Role: guard.RoleViewer},
		guard.Select("products", "tenant_id"))
	require.NoError(t, err)
	sql, args, err := q.SQL()
	require.NoError(t, err)

	rows, err := pool.Query(ctx, sql, args...)
	require.NoError(t, err)
	tenants, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	require.NoError(t, err)

	require.Len(t, tenants, 1)
	assert.Equal(t, tenantA.ID, tenants[0])
}

func TestResourceTenant_RejectsTablesOutsideWhitelist(t *testing.T) {
	rlsPool, superConnStr, cleanup := setupRLSTestDB(t)
	defer cleanup()

	tenantA, _ := seedTwoTenants(t, superConnStr)
	ctx := context.Background()

	var owner uuid.UUID
	err := rlsPool.QueryRow(ctx, "SELECT tenant_id FROM resource_tenant('products'::regclass, $1)", tenantA.ProductID).Scan(&owner)
	require.NoError(t, err)
	assert.Equal(t, tenantA.ID, owner)

	for _, table := range []string{"audit_events", "role_permissions", "payments", "companies"} {
		err := rlsPool.QueryRow(ctx, "SELECT tenant_id FROM resource_tenant($1::regclass, $2)", table, uuid.New()).Scan(&owner)
		require.Error(t, err, table)
		assert.Contains(t, err.Error(), "is not an owner table", table)
	}
}

func TestResourceTenant_NotExecutableWithoutAppRole(t *testing.T) {
	_, superConnStr, cleanup := setupRLSTestDB(t)
	defer cleanup()

	tenantA, _ := seedTwoTenants(t, superConnStr)
	ctx := context.Background()

	super, err := database.Connect(ctx, superConnStr, 1)
	require.NoError(t, err)
	_, err = super.Exec(ctx, `
		CREATE ROLE reporting LOGIN PASSWORD 'reporting';
		GRANT USAGE ON SCHEMA public TO reporting;
		GRANT SELECT ON ALL TABLES IN SCHEMA public TO reporting;
	`)
	super.Close()
	require.NoError(t, err)

	pool, err := database.Connect(ctx, replaceUserInConnStr(t, superConnStr, "reporting", "reporting"), 1)
	require.NoError(t, err)
	defer pool.Close()

	var owner uuid.UUID
	err = pool.QueryRow(ctx, "SELECT tenant_id FROM resource_tenant('products'::regclass, $1)", tenantA.ProductID).Scan(&owner)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "permission denied")

	_, err = database.NewOwners(pool).TenantOf(ctx, guard.ResourceProduct, tenantA.ProductID)
	assert.Error(t, err)
}
