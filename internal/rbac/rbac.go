// Package rbac answers intra-tenant permission questions: which role may
// perform which operation on which resource type. It never looks at tenants;
// tenant isolation belongs to the guard package.
package rbac

import (
	"context"
	"fmt"
	"strings"
)

// RoleDef is a role name with its permission strings, used by RoleLoader.
// A permission has the form "<resource>:<operation>"; either half may be "*".
type RoleDef struct {
	Name        string
	Permissions []string
}

// RoleLoader loads role definitions from a backing store.
type RoleLoader interface {
	LoadRoles(ctx context.Context) ([]RoleDef, error)
}

var inventoryResources = []string{
	"product", "stock", "location", "category", "client",
	"supplier", "purchase_order", "quote", "invoice",
}

// DefaultRoles returns the built-in role set. Admins may do anything,
// members manage inventory and sales without deleting, viewers only read.
// Everyone reads reports and manages their own notifications.
func DefaultRoles() []RoleDef {
	var member, viewer []string
	for _, res := range inventoryResources {
		member = append(member, res+":read", res+":create", res+":update")
		viewer = append(viewer, res+":read")
	}
	member = append(member, "company:read", "user:read", "report:read", "notification:read", "notification:update")
	viewer = append(viewer, "company:read", "report:read", "notification:read", "notification:update")

	return []RoleDef{
		{Name: "admin", Permissions: []string{"*:*"}},
		{Name: "member", Permissions: member},
		{Name: "viewer", Permissions: viewer},
	}
}

// ParsePermission splits "product:read" into its resource and operation.
func ParsePermission(perm string) (resource, operation string, err error) {
	resource, operation, ok := strings.Cut(strings.TrimSpace(perm), ":")
	if !ok || resource == "" || operation == "" {
		return "", "", fmt.Errorf("invalid permission %q: want <resource>:<operation>", perm)
	}
	return resource, operation, nil
}
