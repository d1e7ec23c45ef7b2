package company

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/audit"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/progestock/progestock/internal/platform/middleware"
)

// Handler serves company onboarding, settings and team endpoints.
type Handler struct {
	runner    database.Runner
	store     *Store
	team      *TeamStore
	auditLog  audit.Logger
	languages []string
}

// NewHandler creates a company handler. languages are the accepted company
// languages, default first.
func NewHandler(runner database.Runner, store *Store, team *TeamStore, auditLog audit.Logger, languages []string) *Handler {
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &Handler{runner: runner, store: store, team: team, auditLog: auditLog, languages: languages}
}

// HandleOnboard creates the caller's company. Only authenticated users that
// do not belong to a company yet may call it.
func (h *Handler) HandleOnboard(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)

	p := guard.PrincipalFrom(r.Context())
	if p == nil {
		guard.WriteDenied(w, &guard.Decision{Outcome: guard.Unauthenticated})
		return
	}
	if p.HasTenant() {
		writeJSON(w, http.StatusConflict, map[string]string{"error": ErrAlreadyOnboarded.Error()})
		return
	}

	var req CreateCompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Language == "" {
		req.Language = middleware.GetLocale(r.Context())
	}
	if err := req.Validate(h.languages); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var c *Company
	err := h.runner.WithTx(r.Context(), func(ctx context.Context, q database.Querier) error {
		var onboardErr error
		c, onboardErr = h.store.Onboard(ctx, q, p.UserID, req)
		return onboardErr
	})
	if err != nil {
		writeError(w, "onboarding failed", err)
		return
	}

	audit.Record(r.Context(), h.auditLog, audit.Event{
		TenantID:     c.ID,
		Action:       audit.ActionCompanyCreated,
		ResourceType: string(guard.ResourceCompany),
		ResourceID:   &c.ID,
		Metadata:     map[string]any{"name": c.Name},
	})
	slog.Info("company onboarded", "tenant_id", c.ID, "user_id", p.UserID)

	writeJSON(w, http.StatusCreated, c)
}

// HandleGet returns the caller's company.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())

	var c *Company
	err := h.runner.WithTenant(r.Context(), p.TenantID, func(ctx context.Context, q database.Querier) error {
		var getErr error
		c, getErr = h.store.Get(ctx, q, p)
		return getErr
	})
	if err != nil {
		writeError(w, "fetching company failed", err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// HandleUpdate replaces the caller's company settings.
func (h *Handler) HandleUpdate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)
	p := guard.PrincipalFrom(r.Context())

	var req CreateCompanyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if err := req.Validate(h.languages); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	var c *Company
	err := h.runner.WithTenant(r.Context(), p.TenantID, func(ctx context.Context, q database.Querier) error {
		var updateErr error
		c, updateErr = h.store.UpdateSettings(ctx, q, p, req)
		return updateErr
	})
	if err != nil {
		writeError(w, "updating company failed", err)
		return
	}

	audit.Record(r.Context(), h.auditLog, audit.Event{
		Action:       audit.ActionCompanyUpdated,
		ResourceType: string(guard.ResourceCompany),
		ResourceID:   &c.ID,
	})
	writeJSON(w, http.StatusOK, c)
}

// HandleCompleteOnboarding marks the caller's company as fully set up.
func (h *Handler) HandleCompleteOnboarding(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())

	var c *Company
	err := h.runner.WithTenant(r.Context(), p.TenantID, func(ctx context.Context, q database.Querier) error {
		var completeErr error
		c, completeErr = h.store.CompleteOnboarding(ctx, q, p)
		return completeErr
	})
	if err != nil {
		writeError(w, "completing onboarding failed", err)
		return
	}

	audit.Record(r.Context(), h.auditLog, audit.Event{
		Action:       audit.ActionCompanyUpdated,
		ResourceType: string(guard.ResourceCompany),
		ResourceID:   &c.ID,
		Metadata:     map[string]any{"onboarding_complete": true},
	})
	writeJSON(w, http.StatusOK, c)
}

// HandleListTeam returns the members of the caller's company.
func (h *Handler) HandleListTeam(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())

	var members []Member
	err := h.runner.WithTenant(r.Context(), p.TenantID, func(ctx context.Context, q database.Querier) error {
		var listErr error
		members, listErr = h.team.List(ctx, q, p)
		return listErr
	})
	if err != nil {
		writeError(w, "listing team failed", err)
		return
	}
	if members == nil {
		members = []Member{}
	}
	writeJSON(w, http.StatusOK, members)
}

// HandleUpdateRole changes the role of a team member.
func (h *Handler) HandleUpdateRole(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<10)
	p := guard.PrincipalFrom(r.Context())

	memberID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}

	var req struct {
		Role guard.Role `json:"role"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	var change *RoleChange
	err = h.runner.WithTenantTx(r.Context(), p.TenantID, func(ctx context.Context, q database.Querier) error {
		var updateErr error
		change, updateErr = h.team.UpdateRole(ctx, q, p, memberID, req.Role)
		return updateErr
	})
	if err != nil {
		if outcome := guard.OutcomeOf(err); outcome == guard.CrossTenantAccess {
			audit.Record(r.Context(), h.auditLog, audit.Event{
				Action:       audit.ActionAccessDenied,
				ResourceType: string(guard.ResourceUser),
				ResourceID:   &memberID,
				Metadata:     map[string]any{"outcome": string(outcome), "operation": string(guard.OpUpdate)},
			})
		}
		writeError(w, "updating role failed", err)
		return
	}

	audit.Record(r.Context(), h.auditLog, audit.Event{
		Action:       audit.ActionUserRoleUpdated,
		ResourceType: string(guard.ResourceUser),
		ResourceID:   &change.Member.ID,
		Metadata:     map[string]any{"old_role": string(change.OldRole), "new_role": string(change.Member.Role)},
	})
	writeJSON(w, http.StatusOK, change.Member)
}

// HandleRemoveMember deactivates a team member.
func (h *Handler) HandleRemoveMember(w http.ResponseWriter, r *http.Request) {
	p := guard.PrincipalFrom(r.Context())
	memberID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid user id"})
		return
	}

	var removed *Member
	err = h.runner.WithTenantTx(r.Context(), p.TenantID, func(ctx context.Context, q database.Querier) error {
		var removeErr error
		removed, removeErr = h.team.Deactivate(ctx, q, p, memberID)
		return removeErr
	})
	if err != nil {
		if outcome := guard.OutcomeOf(err); outcome == guard.CrossTenantAccess {
			audit.Record(r.Context(), h.auditLog, audit.Event{
				Action:       audit.ActionAccessDenied,
				ResourceType: string(guard.ResourceUser),
				ResourceID:   &memberID,
				Metadata:     map[string]any{"outcome": string(outcome), "operation": string(guard.OpDelete)},
			})
		}
		writeError(w, "removing member failed", err)
		return
	}

	audit.Record(r.Context(), h.auditLog, audit.Event{
		Action:       audit.ActionUserDeactivated,
		ResourceType: string(guard.ResourceUser),
		ResourceID:   &removed.ID,
		Metadata:     map[string]any{"email": removed.Email},
	})
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("%s has been removed from the team.", removed.Email),
	})
}

// writeError maps store and guard errors to responses. Unknown errors are
// logged and reported as fallback.
func writeError(w http.ResponseWriter, fallback string, err error) {
	var denied *guard.DeniedError
	switch {
	case errors.As(err, &denied):
		guard.WriteDenied(w, denied.Decision)
	case guard.OutcomeOf(err) != "":
		guard.WriteDenied(w, &guard.Decision{Outcome: guard.OutcomeOf(err)})
	case errors.Is(err, ErrInvalidCompany), errors.Is(err, ErrInvalidRole), errors.Is(err, ErrSelfRoleChange),
		errors.Is(err, ErrSelfRemoval):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrCompanyNotFound), errors.Is(err, ErrUserNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, ErrAlreadyOnboarded):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		slog.Error(fallback, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": fallback})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
