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

const companyColumns = `id, name, industry, currency, language, sales_tax_name, sales_tax_rate,
	payment_terms, brand_color, onboarding_complete, created_at`

// Store handles company database operations.
type Store struct{}

// NewStore creates a company store.
func NewStore() *Store {
	return &Store{}
}

// Onboard creates a company and makes userID its first admin. It must run in
// a transaction: the user row is locked so two concurrent onboardings of the
// same user cannot both succeed. A user's tenant is assigned exactly once.
func (s *Store) Onboard(ctx context.Context, q database.Querier, userID uuid.UUID, req CreateCompanyRequest) (*Company, error) {
	var current *uuid.UUID
	err := q.QueryRow(ctx, "SELECT tenant_id FROM users WHERE id = $1 FOR UPDATE", userID).Scan(&current)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("locking user: %w", err)
	}
	if current != nil {
		return nil, ErrAlreadyOnboarded
	}

	c, err := scanCompany(q.QueryRow(ctx,
		`INSERT INTO companies (name, industry, currency, language, sales_tax_name, sales_tax_rate, payment_terms, brand_color)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING `+companyColumns,
		req.Name, req.Industry, req.Currency, req.Language, req.SalesTaxName, req.SalesTaxRate, req.PaymentTerms, req.BrandColor,
	))
	if err != nil {
		return nil, fmt.Errorf("creating company: %w", err)
	}

	tag, err := q.Exec(ctx,
		"UPDATE users SET tenant_id = $1, role = $2, updated_at = now() WHERE id = $3 AND tenant_id IS NULL",
		c.ID, guard.RoleAdmin, userID,
	)
	if err != nil {
		return nil, fmt.Errorf("assigning company: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, ErrAlreadyOnboarded
	}
	return c, nil
}

// Get returns the principal's company.
func (s *Store) Get(ctx context.Context, q database.Querier, p *guard.Principal) (*Company, error) {
	sel, err := guard.ScopeQuery(p, guard.Select("companies", companyColumns).TenantColumn("id"))
	if err != nil {
		return nil, err
	}
	sql, args, err := sel.SQL()
	if err != nil {
		return nil, err
	}
	c, err := scanCompany(q.QueryRow(ctx, sql, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCompanyNotFound
		}
		return nil, fmt.Errorf("getting company: %w", err)
	}
	return c, nil
}

// UpdateSettings replaces the settings of the principal's company.
func (s *Store) UpdateSettings(ctx context.Context, q database.Querier, p *guard.Principal, req CreateCompanyRequest) (*Company, error) {
	if !p.HasTenant() {
		return nil, guard.ErrNoTenant
	}
	c, err := scanCompany(q.QueryRow(ctx,
		`UPDATE companies
		 SET name = $2, industry = $3, currency = $4, language = $5, sales_tax_name = $6,
		     sales_tax_rate = $7, payment_terms = $8, brand_color = $9, updated_at = now()
		 WHERE id = $1
		 RETURNING `+companyColumns,
		p.TenantID, req.Name, req.Industry, req.Currency, req.Language, req.SalesTaxName, req.SalesTaxRate, req.PaymentTerms, req.BrandColor,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCompanyNotFound
		}
		return nil, fmt.Errorf("updating company: %w", err)
	}
	return c, nil
}

// CompleteOnboarding marks the principal's company as set up.
func (s *Store) CompleteOnboarding(ctx context.Context, q database.Querier, p *guard.Principal) (*Company, error) {
	if !p.HasTenant() {
		return nil, guard.ErrNoTenant
	}
	c, err := scanCompany(q.QueryRow(ctx,
		`UPDATE companies SET onboarding_complete = true, updated_at = now()
		 WHERE id = $1
		 RETURNING `+companyColumns,
		p.TenantID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCompanyNotFound
		}
		return nil, fmt.Errorf("completing onboarding: %w", err)
	}
	return c, nil
}

func scanCompany(row pgx.Row) (*Company, error) {
	var c Company
	err := row.Scan(&c.ID, &c.Name, &c.Industry, &c.Currency, &c.Language, &c.SalesTaxName, &c.SalesTaxRate,
		&c.PaymentTerms, &c.BrandColor, &c.OnboardingComplete, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}
