package guard

import (
	"context"

	"github.com/google/uuid"
)

// Role is a principal's intra-tenant role. It never affects tenant scoping.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleMember, RoleViewer:
		return true
	}
	return false
}

// Operation is the kind of data access being requested.
type Operation string

const (
	OpRead   Operation = "read"
	OpCreate Operation = "create"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ResourceType names a tenant-scoped collection.
type ResourceType string

const (
	ResourceProduct  ResourceType = "product"
	ResourceStock    ResourceType = "stock"
	ResourceLocation ResourceType = "location"
	ResourceCategory ResourceType = "category"
	ResourceClient   ResourceType = "client"
	ResourceCompany  ResourceType = "company"
	ResourceUser     ResourceType = "user"
	ResourceAudit    ResourceType = "audit"

	ResourceSupplier      ResourceType = "supplier"
	ResourcePurchaseOrder ResourceType = "purchase_order"
	ResourceQuote         ResourceType = "quote"
	ResourceInvoice       ResourceType = "invoice"
	ResourceNotification  ResourceType = "notification"
	ResourceReport        ResourceType = "report"
)

// Principal is the authenticated actor of a request.
type Principal struct {
	UserID   uuid.UUID `json:"user_id"`
	TenantID uuid.UUID `json:"tenant_id"` // uuid.Nil until onboarding completes
	Role     Role      `json:"role"`
}

// HasTenant reports whether the principal is bound to a tenant.
func (p *Principal) HasTenant() bool {
	return p != nil && p.TenantID != uuid.Nil
}

// Resource is a tenant-owned record.
type Resource interface {
	ResourceType() ResourceType
	Tenant() uuid.UUID
}

// Stampable is a Resource whose tenant can be set once, at creation.
type Stampable interface {
	Resource
	SetTenant(tenantID uuid.UUID)
}

type principalContextKey struct{}

// WithPrincipal returns a copy of ctx carrying p.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalContextKey{}).(*Principal)
	return p
}
