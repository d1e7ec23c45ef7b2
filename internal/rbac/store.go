package rbac

import (
	"context"
	"fmt"

	"github.com/progestock/progestock/internal/platform/database"
)

// Store loads role permissions from the role_permissions table.
type Store struct {
	db database.Querier
}

func NewStore(db database.Querier) *Store {
	return &Store{db: db}
}

// LoadRoles implements RoleLoader.
func (s *Store) LoadRoles(ctx context.Context) ([]RoleDef, error) {
	rows, err := s.db.Query(ctx,
		`SELECT role, permission FROM role_permissions ORDER BY role, permission`)
	if err != nil {
		return nil, fmt.Errorf("querying role permissions: %w", err)
	}
	defer rows.Close()

	var defs []RoleDef
	index := make(map[string]int)
	for rows.Next() {
		var role, perm string
		if err := rows.Scan(&role, &perm); err != nil {
			return nil, fmt.Errorf("scanning role permission: %w", err)
		}
		i, ok := index[role]
		if !ok {
			i = len(defs)
			index[role] = i
			defs = append(defs, RoleDef{Name: role})
		}
		defs[i].Permissions = append(defs[i].Permissions, perm)
	}
	return defs, rows.Err()
}
