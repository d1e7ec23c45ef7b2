package auth

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
)

var (
	ErrTokenExpired = errors.New("token expired")
	ErrTokenInvalid = errors.New("token invalid")
	ErrUserNotFound = errors.New("user not found")
	ErrUserInactive = errors.New("user is deactivated")
)

const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// Identity represents an authenticated user's claims.
type Identity struct {
	UserID      string `json:"user_id"`
	TenantID    string `json:"tenant_id"` // empty until the user has onboarded a company
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	TokenType   string `json:"token_type"` // "access" or "refresh"
}

// Principal converts the identity into the actor the guard evaluates.
// It returns nil when the identity does not name a valid user, which the
// guard treats as unauthenticated. An unparsable tenant is no tenant.
func (i *Identity) Principal() *guard.Principal {
	if i == nil {
		return nil
	}
	uid, err := uuid.Parse(i.UserID)
	if err != nil {
		return nil
	}
	p := &guard.Principal{UserID: uid, Role: guard.Role(i.Role)}
	if tid, err := uuid.Parse(i.TenantID); err == nil {
		p.TenantID = tid
	}
	return p
}

type identityContextKey struct{}

// WithIdentity returns a copy of ctx carrying the identity and the guard
// principal derived from it.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	ctx = context.WithValue(ctx, identityContextKey{}, identity)
	return guard.WithPrincipal(ctx, identity.Principal())
}

// GetIdentity retrieves the authenticated identity from the request context.
func GetIdentity(ctx context.Context) *Identity {
	identity, _ := ctx.Value(identityContextKey{}).(*Identity)
	return identity
}
