package auth

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/mail"
	"strings"
)

// UserStore is the subset of Store the handler needs.
type UserStore interface {
	GetIdentity(ctx context.Context, userID string) (*Identity, error)
	FindOrCreateByEmail(ctx context.Context, email, displayName string) (*Identity, bool, error)
}

// Handler handles authentication HTTP endpoints.
type Handler struct {
	tokenSvc *TokenService
	store    UserStore
}

func NewHandler(tokenSvc *TokenService, store UserStore) *Handler {
	return &Handler{
		tokenSvc: tokenSvc,
		store:    store,
	}
}

// RegisterRoutes registers auth routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/token/refresh", h.HandleRefresh)
}

// RegisterDevRoutes registers the passwordless dev login. Only call it in dev mode.
func (h *Handler) RegisterDevRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /auth/dev/login", h.HandleDevLogin)
}

// HandleRefresh exchanges a refresh token for new access + refresh tokens.
// The user row is read again so a tenant or role assigned since the last
// token was issued is reflected in the new pair.
func (h *Handler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}

	claimed, err := h.tokenSvc.ValidateToken(req.RefreshToken)
	if err != nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "invalid refresh token",
		})
		return
	}

	if claimed.TokenType != TokenTypeRefresh {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"error": "refresh token required",
		})
		return
	}

	identity, err := h.store.GetIdentity(r.Context(), claimed.UserID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "user no longer exists",
			})
			return
		}
		if errors.Is(err, ErrUserInactive) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "user is deactivated",
			})
			return
		}
		slog.Error("refresh identity lookup failed", "user_id", claimed.UserID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "identity loading failed",
		})
		return
	}

	h.writeTokens(w, identity)
}

// HandleDevLogin issues tokens for an email address, creating the user on
// first use.
func (h *Handler) HandleDevLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email       string `json:"email"`
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid request body",
		})
		return
	}
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "a valid email is required",
		})
		return
	}

	identity, created, err := h.store.FindOrCreateByEmail(r.Context(), strings.ToLower(addr.Address), req.DisplayName)
	if errors.Is(err, ErrUserInactive) {
		writeJSON(w, http.StatusForbidden, map[string]string{
			"error": "user is deactivated",
		})
		return
	}
	if err != nil {
		slog.Error("dev login failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "user lookup failed",
		})
		return
	}
	if created {
		slog.Info("dev user created", "user_id", identity.UserID)
	}

	h.writeTokens(w, identity)
}

func (h *Handler) writeTokens(w http.ResponseWriter, identity *Identity) {
	accessToken, err := h.tokenSvc.CreateAccessToken(identity)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "token creation failed",
		})
		return
	}

	refreshToken, err := h.tokenSvc.CreateRefreshToken(identity)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "token creation failed",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"token_type":    "Bearer",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
