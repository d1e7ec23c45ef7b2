package guard_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type product struct {
	ID       uuid.UUID
	TenantID uuid.UUID
	Name     string
}

func (p *product) ResourceType() guard.ResourceType { return guard.ResourceProduct }
func (p *product) Tenant() uuid.UUID                { return p.TenantID }
func (p *product) SetTenant(id uuid.UUID)           { p.TenantID = id }

type rolePolicy map[string][]guard.Operation

func (rp rolePolicy) Allowed(role, _, op string) (bool, error) {
	for _, allowed := range rp[role] {
		if string(allowed) == op {
			return true, nil
		}
	}
	return false, nil
}

type failingPolicy struct{}

func (failingPolicy) Allowed(string, string, string) (bool, error) {
	return true, errors.New("policy backend down")
}

type ownerMap map[uuid.UUID]uuid.UUID

func (m ownerMap) TenantOf(_ context.Context, rt guard.ResourceType, id uuid.UUID) (uuid.UUID, error) {
	tid, ok := m[id]
	if !ok {
		return uuid.Nil, fmt.Errorf("%s %s: %w", rt, id, guard.ErrResourceNotFound)
	}
	return tid, nil
}

var defaultPolicy = rolePolicy{
	"admin":  {guard.OpRead, guard.OpCreate, guard.OpUpdate, guard.OpDelete},
	"member": {guard.OpRead, guard.OpCreate, guard.OpUpdate},
	"viewer": {guard.OpRead},
}

func principal(tenant uuid.UUID, role guard.Role) *guard.Principal {
	return &guard.Principal{UserID: uuid.New(), TenantID: tenant, Role: role}
}

func TestAuthorize_Unauthenticated(t *testing.T) {
	g := guard.New(defaultPolicy)

	d := g.Authorize(nil, guard.OpRead, guard.ResourceProduct)

	assert.Equal(t, guard.Unauthenticated, d.Outcome)
	assert.False(t, d.Allowed())
	assert.ErrorIs(t, d.Err(), guard.ErrUnauthenticated)
	assert.True(t, d.Scope.IsZero())
}

func TestAuthorize_NoTenant(t *testing.T) {
	g := guard.New(guard.AllowAll{})
	p := principal(uuid.Nil, guard.RoleAdmin)

	d := g.Authorize(p, guard.OpRead, guard.ResourceProduct)

	assert.Equal(t, guard.NoTenant, d.Outcome)
	assert.ErrorIs(t, d.Err(), guard.ErrNoTenant)
	assert.True(t, d.Scope.IsZero())
}

func TestAuthorize_AllowCarriesScope(t *testing.T) {
	g := guard.New(defaultPolicy)
	tenant := uuid.New()
	p := principal(tenant, guard.RoleViewer)

	d := g.Authorize(p, guard.OpRead, guard.ResourceStock)

	require.True(t, d.Allowed())
	assert.NoError(t, d.Err())
	assert.Equal(t, tenant, d.Scope.TenantID)
	assert.Equal(t, tenant, d.TenantID)
}

func TestAuthorize_RoleGatesOperation(t *testing.T) {
	g := guard.New(defaultPolicy)
	tenant := uuid.New()

	tests := []struct {
		role guard.Role
		op   guard.Operation
		want guard.Outcome
	}{
		{guard.RoleAdmin, guard.OpDelete, guard.Allow},
		{guard.RoleMember, guard.OpUpdate, guard.Allow},
		{guard.RoleMember, guard.OpDelete, guard.Forbidden},
		{guard.RoleViewer, guard.OpRead, guard.Allow},
		{guard.RoleViewer, guard.OpCreate, guard.Forbidden},
		{guard.Role("intern"), guard.OpRead, guard.Forbidden},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%s", tt.role, tt.op), func(t *testing.T) {
			d := g.Authorize(principal(tenant, tt.role), tt.op, guard.ResourceProduct)
			assert.Equal(t, tt.want, d.Outcome)
			if tt.want == guard.Forbidden {
				assert.ErrorIs(t, d.Err(), guard.ErrForbidden)
				assert.True(t, d.Scope.IsZero())
			}
		})
	}
}

func TestAuthorize_TenantCheckPrecedesRole(t *testing.T) {
	g := guard.New(rolePolicy{})
	p := principal(uuid.Nil, guard.RoleViewer)

	d := g.Authorize(p, guard.OpDelete, guard.ResourceProduct)

	assert.Equal(t, guard.NoTenant, d.Outcome)
}

func TestAuthorize_PolicyErrorFailsClosed(t *testing.T) {
	g := guard.New(failingPolicy{})

	d := g.Authorize(principal(uuid.New(), guard.RoleAdmin), guard.OpRead, guard.ResourceProduct)

	assert.Equal(t, guard.Forbidden, d.Outcome)
	assert.Contains(t, d.Reason, "policy backend down")
}

func TestNew_NilPolicyDenies(t *testing.T) {
	g := guard.New(nil)

	d := g.Authorize(principal(uuid.New(), guard.RoleAdmin), guard.OpRead, guard.ResourceProduct)

	assert.Equal(t, guard.Forbidden, d.Outcome)
}

func TestStampOnCreate_OverwritesCallerTenant(t *testing.T) {
	g := guard.New(defaultPolicy)
	mine, theirs := uuid.New(), uuid.New()
	p := principal(mine, guard.RoleMember)

	item := &product{Name: "Widget", TenantID: theirs}
	require.NoError(t, g.StampOnCreate(p, item))

	assert.Equal(t, mine, item.TenantID)
}

func TestStampOnCreate_NoTenant(t *testing.T) {
	item := &product{Name: "Widget"}

	err := guard.StampOnCreate(principal(uuid.Nil, guard.RoleAdmin), item)
	assert.ErrorIs(t, err, guard.ErrNoTenant)
	assert.Equal(t, uuid.Nil, item.TenantID)

	err = guard.StampOnCreate(nil, item)
	assert.ErrorIs(t, err, guard.ErrUnauthenticated)
}

func TestCheckResource_CrossTenant(t *testing.T) {
	g := guard.New(defaultPolicy)
	p := principal(uuid.New(), guard.RoleAdmin)
	other := &product{TenantID: uuid.New()}

	d := g.CheckResource(p, guard.OpRead, other)

	assert.Equal(t, guard.CrossTenantAccess, d.Outcome)
	assert.ErrorIs(t, d.Err(), guard.ErrCrossTenantAccess)
	assert.True(t, d.Scope.IsZero())
}

func TestCheckResource_SameTenant(t *testing.T) {
	g := guard.New(defaultPolicy)
	tenant := uuid.New()
	p := principal(tenant, guard.RoleMember)

	d := g.CheckResource(p, guard.OpUpdate, &product{TenantID: tenant})

	assert.True(t, d.Allowed())
}

func TestCheckResource_RoleDeniedBeforeOwnerCompared(t *testing.T) {
	g := guard.New(defaultPolicy)
	p := principal(uuid.New(), guard.RoleViewer)

	d := g.CheckResource(p, guard.OpDelete, &product{TenantID: uuid.New()})

	assert.Equal(t, guard.Forbidden, d.Outcome)
}

func TestAuthorizeResource(t *testing.T) {
	tenantA, tenantB := uuid.New(), uuid.New()
	ownA, ownB := uuid.New(), uuid.New()
	g := guard.New(defaultPolicy, guard.WithOwnerLookup(ownerMap{ownA: tenantA, ownB: tenantB}))
	p := principal(tenantA, guard.RoleMember)
	ctx := context.Background()

	d, err := g.AuthorizeResource(ctx, p, guard.OpRead, guard.ResourceProduct, ownA)
	require.NoError(t, err)
	assert.True(t, d.Allowed())

	d, err = g.AuthorizeResource(ctx, p, guard.OpRead, guard.ResourceProduct, ownB)
	require.NoError(t, err)
	assert.Equal(t, guard.CrossTenantAccess, d.Outcome)

	_, err = g.AuthorizeResource(ctx, p, guard.OpRead, guard.ResourceProduct, uuid.New())
	assert.ErrorIs(t, err, guard.ErrResourceNotFound)
}

func TestAuthorizeResource_DeniedSkipsLookup(t *testing.T) {
	g := guard.New(defaultPolicy)

	d, err := g.AuthorizeResource(context.Background(), principal(uuid.Nil, guard.RoleAdmin), guard.OpRead, guard.ResourceProduct, uuid.New())

	require.NoError(t, err)
	assert.Equal(t, guard.NoTenant, d.Outcome)
}

func TestAuthorizeResource_NoLookupConfigured(t *testing.T) {
	g := guard.New(defaultPolicy)

	_, err := g.AuthorizeResource(context.Background(), principal(uuid.New(), guard.RoleAdmin), guard.OpRead, guard.ResourceProduct, uuid.New())

	assert.Error(t, err)
}

func TestGuard_RecordsMetrics(t *testing.T) {
	m := telemetry.NewMetrics("test")
	g := guard.New(defaultPolicy, guard.WithMetrics(m))
	tenant := uuid.New()

	g.Authorize(principal(tenant, guard.RoleAdmin), guard.OpRead, guard.ResourceProduct)
	g.Authorize(principal(uuid.Nil, guard.RoleAdmin), guard.OpRead, guard.ResourceProduct)
	g.CheckResource(principal(tenant, guard.RoleAdmin), guard.OpRead, &product{TenantID: uuid.New()})

	assert.Equal(t, float64(1), testutil.ToFloat64(m.GuardDecisions.WithLabelValues("allow", "product", "read")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GuardDecisions.WithLabelValues("no_tenant", "product", "read")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GuardDecisions.WithLabelValues("cross_tenant_access", "product", "read")))
}

func TestAuthorizeResource_CountsFinalDecisionOnly(t *testing.T) {
	m := telemetry.NewMetrics("test")
	tenantA, tenantB := uuid.New(), uuid.New()
	own, foreign := uuid.New(), uuid.New()
	g := guard.New(defaultPolicy, guard.WithMetrics(m), guard.WithOwnerLookup(ownerMap{own: tenantA, foreign: tenantB}))
	p := principal(tenantA, guard.RoleMember)

	_, err := g.AuthorizeResource(context.Background(), p, guard.OpUpdate, guard.ResourceProduct, foreign)
	require.NoError(t, err)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.GuardDecisions.WithLabelValues("allow", "product", "update")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GuardDecisions.WithLabelValues("cross_tenant_access", "product", "update")))

	_, err = g.AuthorizeResource(context.Background(), p, guard.OpUpdate, guard.ResourceProduct, own)
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.GuardDecisions.WithLabelValues("allow", "product", "update")))
}

func TestDeniedError_Message(t *testing.T) {
	d := &guard.Decision{
		Outcome:      guard.CrossTenantAccess,
		Operation:    guard.OpUpdate,
		ResourceType: guard.ResourceStock,
		Reason:       "resource belongs to another tenant",
	}

	err := d.Err()

	assert.EqualError(t, err, "update stock: cross-tenant access (resource belongs to another tenant)")
	assert.Equal(t, guard.CrossTenantAccess, guard.OutcomeOf(fmt.Errorf("wrapped: %w", err)))
	assert.Equal(t, guard.Outcome(""), guard.OutcomeOf(errors.New("other")))
	assert.Equal(t, guard.Allow, guard.OutcomeOf(nil))
}

func TestPrincipalContext(t *testing.T) {
	p := principal(uuid.New(), guard.RoleMember)
	ctx := guard.WithPrincipal(context.Background(), p)

	assert.Same(t, p, guard.PrincipalFrom(ctx))
	assert.Nil(t, guard.PrincipalFrom(context.Background()))
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, guard.RoleAdmin.Valid())
	assert.True(t, guard.RoleViewer.Valid())
	assert.False(t, guard.Role("owner").Valid())
}
