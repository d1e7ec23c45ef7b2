package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/platform/database"
)

// Store handles user-related database operations for authentication.
// Users are global accounts, so queries here are keyed by user, not tenant.
type Store struct {
	db database.Querier
}

func NewStore(db database.Querier) *Store {
	return &Store{db: db}
}

// FindOrCreateByEmail atomically finds or creates a user by email.
// Uses INSERT ... ON CONFLICT to avoid TOCTOU race conditions.
// Returns the identity, whether the user was created, and any error.
func (s *Store) FindOrCreateByEmail(ctx context.Context, email, displayName string) (*Identity, bool, error) {
	var userID string
	created := false
	err := s.db.QueryRow(ctx,
		`INSERT INTO users (email, display_name)
		 VALUES ($1, $2)
		 ON CONFLICT (email) DO NOTHING
		 RETURNING id`,
		email, displayName,
	).Scan(&userID)

	switch {
	case err == nil:
		created = true
	case errors.Is(err, pgx.ErrNoRows):
		// Conflict fired, the user already exists.
		identity, err := s.GetIdentityByEmail(ctx, email)
		return identity, false, err
	default:
		return nil, false, fmt.Errorf("upserting user: %w", err)
	}

	identity, err := s.GetIdentity(ctx, userID)
	if err != nil {
		return nil, false, fmt.Errorf("getting identity: %w", err)
	}
	return identity, created, nil
}

// GetIdentity loads the current identity of a user, including the tenant
// assigned during onboarding. A deactivated user yields ErrUserInactive.
func (s *Store) GetIdentity(ctx context.Context, userID string) (*Identity, error) {
	return s.scanIdentity(s.db.QueryRow(ctx,
		`SELECT id::text, COALESCE(tenant_id::text, ''), email, display_name, role, is_active
		 FROM users WHERE id = $1`,
		userID,
	))
}

// GetIdentityByEmail loads a user by email.
func (s *Store) GetIdentityByEmail(ctx context.Context, email string) (*Identity, error) {
	return s.scanIdentity(s.db.QueryRow(ctx,
		`SELECT id::text, COALESCE(tenant_id::text, ''), email, display_name, role, is_active
		 FROM users WHERE email = $1`,
		email,
	))
}

func (s *Store) scanIdentity(row pgx.Row) (*Identity, error) {
	var (
		identity Identity
		active   bool
	)
	err := row.Scan(&identity.UserID, &identity.TenantID, &identity.Email, &identity.DisplayName, &identity.Role, &active)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("querying user: %w", err)
	}
	if !active {
		return nil, ErrUserInactive
	}
	identity.TokenType = TokenTypeAccess
	return &identity, nil
}
