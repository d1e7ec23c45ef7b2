package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// IdentityLoader loads the current identity of a user. Store implements it.
type IdentityLoader interface {
	GetIdentity(ctx context.Context, userID string) (*Identity, error)
}

// MiddlewareOption configures the auth middleware.
type MiddlewareOption func(*middlewareConfig)

type middlewareConfig struct {
	loader IdentityLoader
}

// WithIdentityLoader makes the middleware reload the caller's tenant and
// role on every request instead of trusting the token claims. Role changes
// and deactivations then apply to the next request, not to the next token.
func WithIdentityLoader(l IdentityLoader) MiddlewareOption {
	return func(c *middlewareConfig) { c.loader = l }
}

// Middleware returns HTTP middleware that validates JWT access tokens and
// puts the caller's identity and guard principal in the request context.
func Middleware(tokenSvc *TokenService, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	return MiddlewareWithDevMode(tokenSvc, nil, opts...)
}

// MiddlewareWithDevMode returns auth middleware that also accepts "Bearer dev" in dev mode.
func MiddlewareWithDevMode(tokenSvc *TokenService, devIdentity *Identity, opts ...MiddlewareOption) func(http.Handler) http.Handler {
	var cfg middlewareConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, err := extractBearerToken(r)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, err.Error())
				return
			}

			// Dev mode: accept "dev" as token
			if token == "dev" && devIdentity != nil {
				next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), devIdentity)))
				return
			}

			identity, err := tokenSvc.ValidateToken(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "invalid token")
				return
			}

			// Reject refresh tokens on non-refresh endpoints
			if identity.TokenType != TokenTypeAccess {
				writeAuthError(w, http.StatusUnauthorized, "access token required")
				return
			}

			if cfg.loader != nil {
				current, err := cfg.loader.GetIdentity(r.Context(), identity.UserID)
				switch {
				case errors.Is(err, ErrUserNotFound):
					writeAuthError(w, http.StatusUnauthorized, "user no longer exists")
					return
				case errors.Is(err, ErrUserInactive):
					writeAuthError(w, http.StatusUnauthorized, "user is deactivated")
					return
				case err != nil:
					slog.Error("loading identity failed", "user_id", identity.UserID, "error", err)
					writeAuthError(w, http.StatusInternalServerError, "identity loading failed")
					return
				}
				identity = current
			}

			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func extractBearerToken(r *http.Request) (string, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return "", fmt.Errorf("missing authorization header")
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", fmt.Errorf("invalid authorization header format")
	}

	return parts[1], nil
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
