package guard

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

var (
	ErrUnauthenticated   = errors.New("unauthenticated")
	ErrNoTenant          = errors.New("principal has no tenant")
	ErrForbidden         = errors.New("forbidden")
	ErrCrossTenantAccess = errors.New("cross-tenant access")
	ErrResourceNotFound  = errors.New("resource not found")
)

// Outcome is the result class of an authorization decision.
type Outcome string

const (
	Allow             Outcome = "allow"
	Unauthenticated   Outcome = "unauthenticated"
	NoTenant          Outcome = "no_tenant"
	Forbidden         Outcome = "forbidden"
	CrossTenantAccess Outcome = "cross_tenant_access"
)

// Decision is the outcome of evaluating a principal against an operation.
// Only an Allow decision carries a usable Scope.
type Decision struct {
	Outcome      Outcome      `json:"outcome"`
	Operation    Operation    `json:"operation"`
	ResourceType ResourceType `json:"resource_type"`
	TenantID     uuid.UUID    `json:"tenant_id,omitempty"`
	Scope        Predicate    `json:"-"`
	Reason       string       `json:"reason,omitempty"`
}

// Allowed reports whether the decision permits the operation.
func (d *Decision) Allowed() bool {
	return d != nil && d.Outcome == Allow
}

// Err returns nil for an Allow decision and a *DeniedError otherwise.
func (d *Decision) Err() error {
	if d.Allowed() {
		return nil
	}
	return &DeniedError{Decision: d}
}

// DeniedError reports a denied decision. It unwraps to one of the
// package sentinels so callers can use errors.Is.
type DeniedError struct {
	Decision *Decision
}

func (e *DeniedError) Error() string {
	if e.Decision == nil {
		return ErrUnauthenticated.Error()
	}
	msg := fmt.Sprintf("%s %s: %s", e.Decision.Operation, e.Decision.ResourceType, e.Unwrap())
	if e.Decision.Reason != "" {
		msg += " (" + e.Decision.Reason + ")"
	}
	return msg
}

func (e *DeniedError) Unwrap() error {
	if e.Decision == nil {
		return ErrUnauthenticated
	}
	switch e.Decision.Outcome {
	case NoTenant:
		return ErrNoTenant
	case Forbidden:
		return ErrForbidden
	case CrossTenantAccess:
		return ErrCrossTenantAccess
	default:
		return ErrUnauthenticated
	}
}

// OutcomeOf maps an error produced by this package back to its outcome.
// Errors that did not originate from a decision map to the empty outcome.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Allow
	case errors.Is(err, ErrCrossTenantAccess):
		return CrossTenantAccess
	case errors.Is(err, ErrNoTenant):
		return NoTenant
	case errors.Is(err, ErrForbidden):
		return Forbidden
	case errors.Is(err, ErrUnauthenticated):
		return Unauthenticated
	}
	return ""
}
