package guard_test

import (
	"context"
	"math/rand/v2"
	"testing"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var allResourceTypes = []guard.ResourceType{
	guard.ResourceProduct, guard.ResourceStock, guard.ResourceLocation,
	guard.ResourceCategory, guard.ResourceClient, guard.ResourceCompany,
	guard.ResourceUser, guard.ResourceAudit,
}

var allOperations = []guard.Operation{guard.OpRead, guard.OpCreate, guard.OpUpdate, guard.OpDelete}

func TestIsolation_NoTenantNeverAllowed(t *testing.T) {
	g := guard.New(guard.AllowAll{})
	for _, role := range []guard.Role{guard.RoleAdmin, guard.RoleMember, guard.RoleViewer} {
		p := principal(uuid.Nil, role)
		for _, rt := range allResourceTypes {
			for _, op := range allOperations {
				d := g.Authorize(p, op, rt)
				assert.Equal(t, guard.NoTenant, d.Outcome, "%s %s %s", role, op, rt)
			}
		}
	}
}

// memTable evaluates a guard.Predicate against rows the way the storage
// layer evaluates the rendered tenant predicate.
type memTable []*product

func (m memTable) list(t *testing.T, p *guard.Principal) []*product {
	t.Helper()
	q, err := guard.ScopeQuery(p, guard.Select("products"))
	require.NoError(t, err)
	var out []*product
	for _, row := range m {
		keep := true
		for _, tid := range q.Scopes() {
			if row.TenantID != tid {
				keep = false
			}
		}
		if keep {
			out = append(out, row)
		}
	}
	return out
}

func TestIsolation_ScopedListNeverLeaks(t *testing.T) {
	tenants := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	var table memTable
	r := rand.New(rand.NewPCG(1, 2))
	for range 200 {
		table = append(table, &product{ID: uuid.New(), TenantID: tenants[r.IntN(len(tenants))]})
	}

	for _, tid := range tenants {
		p := principal(tid, guard.RoleViewer)
		for _, row := range table.list(t, p) {
			assert.Equal(t, tid, row.TenantID)
		}
	}
}

func TestIsolation_ScenarioTwoTenants(t *testing.T) {
	tenant1, tenant2 := uuid.New(), uuid.New()
	a := principal(tenant1, guard.RoleMember)
	b := principal(tenant2, guard.RoleAdmin)

	owners := ownerMap{}
	g := guard.New(defaultPolicy, guard.WithOwnerLookup(owners))

	// A creates a product, trying to plant it in B's tenant.
	require.True(t, g.Authorize(a, guard.OpCreate, guard.ResourceProduct).Allowed())
	widget := &product{ID: uuid.New(), Name: "Widget", TenantID: tenant2}
	require.NoError(t, g.StampOnCreate(a, widget))
	assert.Equal(t, tenant1, widget.TenantID)
	owners[widget.ID] = widget.TenantID

	table := memTable{widget, {ID: uuid.New(), Name: "Gadget", TenantID: tenant2}}

	// B lists products and sees only its own.
	listed := table.list(t, b)
	require.Len(t, listed, 1)
	assert.Equal(t, "Gadget", listed[0].Name)

	// B requests A's product directly.
	d, err := g.AuthorizeResource(context.Background(), b, guard.OpRead, guard.ResourceProduct, widget.ID)
	require.NoError(t, err)
	assert.Equal(t, guard.CrossTenantAccess, d.Outcome)
	assert.Equal(t, guard.CrossTenantAccess, g.CheckResource(b, guard.OpRead, widget).Outcome)
}

func TestIsolation_ScenarioNoTenantPrincipal(t *testing.T) {
	g := guard.New(guard.AllowAll{})
	c := principal(uuid.Nil, guard.RoleAdmin)

	for _, rt := range allResourceTypes {
		d := g.Authorize(c, guard.OpRead, rt)
		assert.False(t, d.Allowed())
		assert.Equal(t, guard.NoTenant, d.Outcome)
	}
}
