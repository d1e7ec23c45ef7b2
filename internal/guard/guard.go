// Package guard enforces tenant isolation. Every read or write of a
// tenant-scoped record is first evaluated here: the guard decides whether the
// principal may act at all, and produces the predicate that confines the
// subsequent query to the principal's own tenant.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/platform/telemetry"
)

// Policy answers intra-tenant permission questions for a role.
type Policy interface {
	Allowed(role, resourceType, operation string) (bool, error)
}

// OwnerLookup resolves the tenant that owns a record. It returns an error
// wrapping ErrResourceNotFound when no such record exists.
type OwnerLookup interface {
	TenantOf(ctx context.Context, resourceType ResourceType, id uuid.UUID) (uuid.UUID, error)
}

// Option configures a Guard.
type Option func(*Guard)

// WithOwnerLookup enables AuthorizeResource.
func WithOwnerLookup(owners OwnerLookup) Option {
	return func(g *Guard) {
		g.owners = owners
	}
}

// WithMetrics records every decision in m.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(g *Guard) {
		g.metrics = m
	}
}

// WithLogger overrides the default slog logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Guard) {
		g.logger = l
	}
}

// Guard evaluates tenant isolation decisions. It holds no per-request state
// and is safe for concurrent use.
type Guard struct {
	policy  Policy
	owners  OwnerLookup
	metrics *telemetry.Metrics
	logger  *slog.Logger
}

// New creates a Guard. A nil policy denies every role-gated operation.
func New(policy Policy, opts ...Option) *Guard {
	if policy == nil {
		policy = denyAll{}
	}
	g := &Guard{policy: policy}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Authorize decides whether p may perform op on the collection rt.
// Tenant checks come first; the role is consulted only once the principal is
// known to belong to a tenant, and an Allow always carries the principal's
// own tenant as scope.
func (g *Guard) Authorize(p *Principal, op Operation, rt ResourceType) *Decision {
	d := g.decide(p, op, rt)
	g.observe(p, d)
	return d
}

// decide is Authorize without observation, so point checks record only their
// final decision.
func (g *Guard) decide(p *Principal, op Operation, rt ResourceType) *Decision {
	d := &Decision{Operation: op, ResourceType: rt}

	switch {
	case p == nil:
		d.Outcome = Unauthenticated
		d.Reason = "no principal"
	case !p.HasTenant():
		d.Outcome = NoTenant
		d.Reason = "principal is not associated with a company"
	default:
		d.TenantID = p.TenantID
		allowed, err := g.policy.Allowed(string(p.Role), string(rt), string(op))
		switch {
		case err != nil:
			d.Outcome = Forbidden
			d.Reason = fmt.Sprintf("policy evaluation failed: %v", err)
		case !allowed:
			d.Outcome = Forbidden
			d.Reason = fmt.Sprintf("role %q may not %s %s", p.Role, op, rt)
		default:
			d.Outcome = Allow
			d.Scope = TenantPredicate(p.TenantID)
		}
	}
	return d
}

// ScopeQuery restricts q to p's tenant. It is idempotent and never removes an
// existing tenant predicate.
func (g *Guard) ScopeQuery(p *Principal, q Query) (Query, error) {
	return ScopeQuery(p, q)
}

// ScopeQuery restricts q to p's tenant without consulting any role policy.
func ScopeQuery(p *Principal, q Query) (Query, error) {
	if p == nil {
		return Query{}, &DeniedError{Decision: &Decision{Outcome: Unauthenticated, Operation: OpRead}}
	}
	if !p.HasTenant() {
		return Query{}, &DeniedError{Decision: &Decision{Outcome: NoTenant, Operation: OpRead}}
	}
	return q.withScope(p.TenantID), nil
}

// StampOnCreate sets the tenant of a new resource from the acting principal.
// Any tenant the caller put on the resource beforehand is overwritten.
func (g *Guard) StampOnCreate(p *Principal, r Stampable) error {
	return StampOnCreate(p, r)
}

// StampOnCreate is the policy-free form of Guard.StampOnCreate.
func StampOnCreate(p *Principal, r Stampable) error {
	d := &Decision{Operation: OpCreate}
	if r != nil {
		d.ResourceType = r.ResourceType()
	}
	switch {
	case p == nil:
		d.Outcome = Unauthenticated
		return d.Err()
	case !p.HasTenant():
		d.Outcome = NoTenant
		return d.Err()
	case r == nil:
		return errors.New("stamping nil resource")
	}
	r.SetTenant(p.TenantID)
	return nil
}

// CheckResource authorizes op on an already loaded resource. A resource owned
// by another tenant yields CrossTenantAccess; it is never treated as missing
// or silently re-scoped.
func (g *Guard) CheckResource(p *Principal, op Operation, r Resource) *Decision {
	d := g.decide(p, op, r.ResourceType())
	if d.Allowed() {
		d = checkOwner(p, d, r.Tenant())
	}
	g.observe(p, d)
	return d
}

// AuthorizeResource authorizes op on the record rt/id, resolving its owner in
// the same step. The returned error is non-nil only when the owner could not
// be resolved (including ErrResourceNotFound); denials are reported through
// the decision.
func (g *Guard) AuthorizeResource(ctx context.Context, p *Principal, op Operation, rt ResourceType, id uuid.UUID) (*Decision, error) {
	d := g.decide(p, op, rt)
	if !d.Allowed() {
		g.observe(p, d)
		return d, nil
	}
	if g.owners == nil {
		return nil, errors.New("guard: no owner lookup configured")
	}
	owner, err := g.owners.TenantOf(ctx, rt, id)
	if err != nil {
		return nil, err
	}
	d = checkOwner(p, d, owner)
	g.observe(p, d)
	return d, nil
}

func checkOwner(p *Principal, d *Decision, owner uuid.UUID) *Decision {
	if owner == p.TenantID {
		return d
	}
	denied := &Decision{
		Outcome:      CrossTenantAccess,
		Operation:    d.Operation,
		ResourceType: d.ResourceType,
		TenantID:     p.TenantID,
		Reason:       "resource belongs to another tenant",
	}
	return denied
}

func (g *Guard) observe(p *Principal, d *Decision) {
	if g.metrics != nil {
		g.metrics.GuardDecisions.WithLabelValues(string(d.Outcome), string(d.ResourceType), string(d.Operation)).Inc()
	}
	if d.Allowed() {
		return
	}

	attrs := []any{
		"outcome", d.Outcome,
		"operation", d.Operation,
		"resource_type", d.ResourceType,
		"reason", d.Reason,
	}
	if p != nil {
		attrs = append(attrs, "user_id", p.UserID, "tenant_id", p.TenantID)
	}
	if d.Outcome == CrossTenantAccess {
		g.logger.Warn("tenant guard denied request", attrs...)
		return
	}
	g.logger.Debug("tenant guard denied request", attrs...)
}

type denyAll struct{}

func (denyAll) Allowed(string, string, string) (bool, error) { return false, nil }

// AllowAll is a Policy that grants every role every operation. Tenant
// isolation is still enforced.
type AllowAll struct{}

func (AllowAll) Allowed(string, string, string) (bool, error) { return true, nil }
