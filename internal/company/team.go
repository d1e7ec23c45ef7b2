package company

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
)

const memberColumns = "id, tenant_id, email, display_name, role, is_active, created_at"

// TeamStore handles the users of a company.
type TeamStore struct {
	guard *guard.Guard
}

// NewTeamStore creates a team store that authorizes role changes with g.
func NewTeamStore(g *guard.Guard) *TeamStore {
	return &TeamStore{guard: g}
}

// List returns the members of the principal's company, oldest first.
func (s *TeamStore) List(ctx context.Context, q database.Querier, p *guard.Principal) ([]Member, error) {
	sel, err := guard.ScopeQuery(p, guard.Select("users", memberColumns).OrderBy("created_at"))
	if err != nil {
		return nil, err
	}
	sql, args, err := sel.SQL()
	if err != nil {
		return nil, err
	}
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("listing team: %w", err)
	}
	members, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Member, error) {
		m, err := scanMember(row)
		if err != nil {
			return Member{}, err
		}
		return *m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning team: %w", err)
	}
	return members, nil
}

// RoleChange is the result of a successful UpdateRole.
type RoleChange struct {
	Member  *Member
	OldRole guard.Role
}

// UpdateRole sets the role of another member of the principal's company.
// Only principals allowed to update users may do it, nobody may change their
// own role, and a member of another company is reported as cross-tenant
// access rather than as missing.
func (s *TeamStore) UpdateRole(ctx context.Context, q database.Querier, p *guard.Principal, memberID uuid.UUID, role guard.Role) (*RoleChange, error) {
	if !role.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if d := s.guard.Authorize(p, guard.OpUpdate, guard.ResourceUser); !d.Allowed() {
		return nil, d.Err()
	}
	if memberID == p.UserID {
		return nil, ErrSelfRoleChange
	}

	target, err := scanMember(q.QueryRow(ctx, "SELECT "+memberColumns+" FROM users WHERE id = $1", memberID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("getting member: %w", err)
	}
	if d := s.guard.CheckResource(p, guard.OpUpdate, target); !d.Allowed() {
		return nil, d.Err()
	}

	updated, err := scanMember(q.QueryRow(ctx,
		`UPDATE users SET role = $1, updated_at = now()
		 WHERE id = $2 AND tenant_id = $3
		 RETURNING `+memberColumns,
		role, memberID, p.TenantID,
	))
	if err != nil {
		return nil, fmt.Errorf("updating role: %w", err)
	}
	return &RoleChange{Member: updated, OldRole: target.Role}, nil
}

// Deactivate removes another member from the principal's company. The
// account is kept, so the member's history stays attributed, but it can no
// longer sign in or use a token it still holds.
func (s *TeamStore) Deactivate(ctx context.Context, q database.Querier, p *guard.Principal, memberID uuid.UUID) (*Member, error) {
	if d := s.guard.Authorize(p, guard.OpDelete, guard.ResourceUser); !d.Allowed() {
		return nil, d.Err()
	}
	if memberID == p.UserID {
		return nil, ErrSelfRemoval
	}

	target, err := scanMember(q.QueryRow(ctx, "SELECT "+memberColumns+" FROM users WHERE id = $1", memberID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("getting member: %w", err)
	}
	if d := s.guard.CheckResource(p, guard.OpDelete, target); !d.Allowed() {
		return nil, d.Err()
	}

	updated, err := scanMember(q.QueryRow(ctx,
		`UPDATE users SET is_active = false, updated_at = now()
		 WHERE id = $1 AND tenant_id = $2
		 RETURNING `+memberColumns,
		memberID, p.TenantID,
	))
	if err != nil {
		return nil, fmt.Errorf("deactivating member: %w", err)
	}
	return updated, nil
}

func scanMember(row pgx.Row) (*Member, error) {
	var (
		m        Member
		tenantID *uuid.UUID
	)
	if err := row.Scan(&m.ID, &tenantID, &m.Email, &m.DisplayName, &m.Role, &m.IsActive, &m.CreatedAt); err != nil {
		return nil, err
	}
	if tenantID != nil {
		m.TenantID = *tenantID
	}
	return &m, nil
}
