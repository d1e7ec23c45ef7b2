package rbac

import (
	"context"
	"fmt"
	"sync"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
)

const casbinModel = `
[request_definition]
r = sub, obj, act

[policy_definition]
p = sub, obj, act

[policy_effect]
e = some(where (p.eft == allow))

[matchers]
m = r.sub == p.sub && (p.obj == "*" || r.obj == p.obj) && (p.act == "*" || r.act == p.act)
`

// EvaluatorOption configures the Evaluator.
type EvaluatorOption func(*Evaluator)

// WithRoleLoader sets a RoleLoader for DB-backed role loading.
func WithRoleLoader(loader RoleLoader) EvaluatorOption {
	return func(e *Evaluator) {
		e.loader = loader
	}
}

// WithRoles seeds the evaluator with role definitions.
func WithRoles(defs []RoleDef) EvaluatorOption {
	return func(e *Evaluator) {
		e.seed = defs
	}
}

// Evaluator is a casbin-backed role policy. The enforcer is rebuilt on
// reload and swapped under the lock, so readers never see a partial policy.
type Evaluator struct {
	loader   RoleLoader
	seed     []RoleDef
	enforcer *casbin.Enforcer
	mu       sync.RWMutex
}

// NewEvaluator creates an evaluator. Without WithRoles it starts empty and
// denies everything.
func NewEvaluator(opts ...EvaluatorOption) (*Evaluator, error) {
	e := &Evaluator{}
	for _, opt := range opts {
		opt(e)
	}
	enforcer, err := buildEnforcer(e.seed)
	if err != nil {
		return nil, err
	}
	e.enforcer = enforcer
	e.seed = nil
	return e, nil
}

func buildEnforcer(defs []RoleDef) (*casbin.Enforcer, error) {
	m, err := model.NewModelFromString(casbinModel)
	if err != nil {
		return nil, fmt.Errorf("parsing casbin model: %w", err)
	}
	enforcer, err := casbin.NewEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("creating enforcer: %w", err)
	}
	for _, d := range defs {
		if err := addRole(enforcer, d.Name, d.Permissions); err != nil {
			return nil, err
		}
	}
	return enforcer, nil
}

func addRole(enforcer *casbin.Enforcer, name string, permissions []string) error {
	for _, perm := range permissions {
		res, op, err := ParsePermission(perm)
		if err != nil {
			return fmt.Errorf("role %s: %w", name, err)
		}
		if _, err := enforcer.AddPolicy(subject(name), res, op); err != nil {
			return fmt.Errorf("adding policy for role %s: %w", name, err)
		}
	}
	return nil
}

func subject(role string) string {
	return "role:" + role
}

// ReloadRoles loads roles from the RoleLoader and replaces the policy.
// If loading fails, the existing policy is preserved.
func (e *Evaluator) ReloadRoles(ctx context.Context) error {
	if e.loader == nil {
		return fmt.Errorf("no role loader configured")
	}

	defs, err := e.loader.LoadRoles(ctx)
	if err != nil {
		return fmt.Errorf("loading roles: %w", err)
	}

	enforcer, err := buildEnforcer(defs)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.enforcer = enforcer
	e.mu.Unlock()

	return nil
}

// RegisterRole adds permissions to a role, keeping any it already has.
func (e *Evaluator) RegisterRole(name string, permissions []string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return addRole(e.enforcer, name, permissions)
}

// Allowed reports whether role may perform operation on resourceType.
func (e *Evaluator) Allowed(role, resourceType, operation string) (bool, error) {
	if role == "" {
		return false, nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	ok, err := e.enforcer.Enforce(subject(role), resourceType, operation)
	if err != nil {
		return false, fmt.Errorf("enforcing %s %s:%s: %w", role, resourceType, operation, err)
	}
	return ok, nil
}
