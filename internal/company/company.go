// Package company manages tenants (companies), their onboarding and the
// team of users that belong to them.
package company

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
	"github.com/shopspring/decimal"
)

var (
	ErrCompanyNotFound  = errors.New("company not found")
	ErrAlreadyOnboarded = errors.New("user already belongs to a company")
	ErrInvalidCompany   = errors.New("invalid company")
	ErrUserNotFound     = errors.New("user not found")
	ErrSelfRoleChange   = errors.New("you cannot change your own role")
	ErrSelfRemoval      = errors.New("you cannot remove yourself from the team")
	ErrInvalidRole      = errors.New("invalid role")
)

// Company is a tenant. Its id is the tenant id of everything it owns.
type Company struct {
	ID                 uuid.UUID       `json:"id"`
	Name               string          `json:"name"`
	Industry           string          `json:"industry"`
	Currency           string          `json:"currency"`
	Language           string          `json:"language"`
	SalesTaxName       string          `json:"sales_tax_name"`
	SalesTaxRate       decimal.Decimal `json:"sales_tax_rate"`
	PaymentTerms       string          `json:"payment_terms"`
	BrandColor         string          `json:"brand_color"`
	OnboardingComplete bool            `json:"onboarding_complete"`
	CreatedAt          time.Time       `json:"created_at"`
}

func (c *Company) ResourceType() guard.ResourceType { return guard.ResourceCompany }
func (c *Company) Tenant() uuid.UUID                { return c.ID }

// CreateCompanyRequest carries the company settings chosen at onboarding.
// The same shape updates the settings later.
type CreateCompanyRequest struct {
	Name         string          `json:"name"`
	Industry     string          `json:"industry"`
	Currency     string          `json:"currency"`
	Language     string          `json:"language"`
	SalesTaxName string          `json:"sales_tax_name"`
	SalesTaxRate decimal.Decimal `json:"sales_tax_rate"`
	PaymentTerms string          `json:"payment_terms"`
	BrandColor   string          `json:"brand_color"`
}

var (
	currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)
	colorPattern    = regexp.MustCompile(`^#[0-9A-Fa-f]{6}$`)
)

// Validate normalizes the request, applies defaults for omitted optional
// fields and checks the rest. languages lists the accepted language codes;
// the first one is the default.
func (r *CreateCompanyRequest) Validate(languages []string) error {
	r.Name = strings.TrimSpace(r.Name)
	r.Currency = strings.ToUpper(strings.TrimSpace(r.Currency))
	r.Language = strings.ToLower(strings.TrimSpace(r.Language))

	if r.Currency == "" {
		r.Currency = "USD"
	}
	if r.Language == "" && len(languages) > 0 {
		r.Language = languages[0]
	}
	if r.SalesTaxName == "" {
		r.SalesTaxName = "Tax"
	}
	if r.PaymentTerms == "" {
		r.PaymentTerms = "Due on receipt"
	}
	if r.BrandColor == "" {
		r.BrandColor = "#3B82F6"
	}

	switch {
	case r.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidCompany)
	case len(r.Name) > 255:
		return fmt.Errorf("%w: name must be at most 255 characters", ErrInvalidCompany)
	case !currencyPattern.MatchString(r.Currency):
		return fmt.Errorf("%w: currency must be a 3-letter ISO code", ErrInvalidCompany)
	case !slices.Contains(languages, r.Language):
		return fmt.Errorf("%w: language must be one of %s", ErrInvalidCompany, strings.Join(languages, ", "))
	case !colorPattern.MatchString(r.BrandColor):
		return fmt.Errorf("%w: brand_color must look like #RRGGBB", ErrInvalidCompany)
	case r.SalesTaxRate.IsNegative() || r.SalesTaxRate.GreaterThan(decimal.NewFromInt(100)):
		return fmt.Errorf("%w: sales_tax_rate must be between 0 and 100", ErrInvalidCompany)
	}
	return nil
}

// Member is a user seen from the company's team page.
type Member struct {
	ID          uuid.UUID  `json:"id"`
	TenantID    uuid.UUID  `json:"tenant_id"`
	Email       string     `json:"email"`
	DisplayName string     `json:"display_name"`
	Role        guard.Role `json:"role"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
}

func (m *Member) ResourceType() guard.ResourceType { return guard.ResourceUser }
func (m *Member) Tenant() uuid.UUID                { return m.TenantID }
