package company_test

import (
	"testing"

	"github.com/progestock/progestock/internal/company"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var languages = []string{"en", "fr"}

func TestCreateCompanyRequest_Defaults(t *testing.T) {
	req := company.CreateCompanyRequest{Name: "  Acme Hardware  ", Currency: "cad"}
	require.NoError(t, req.Validate(languages))

	assert.Equal(t, "Acme Hardware", req.Name)
	assert.Equal(t, "CAD", req.Currency)
	assert.Equal(t, "en", req.Language)
	assert.Equal(t, "Tax", req.SalesTaxName)
	assert.Equal(t, "Due on receipt", req.PaymentTerms)
	assert.Equal(t, "#3B82F6", req.BrandColor)
}

func TestCreateCompanyRequest_Invalid(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}

	tests := []struct {
		name    string
		req     company.CreateCompanyRequest
		wantMsg string
	}{
		{"missing name", company.CreateCompanyRequest{Name: "   "}, "name is required"},
		{"long name", company.CreateCompanyRequest{Name: string(long)}, "at most 255"},
		{"currency", company.CreateCompanyRequest{Name: "Acme", Currency: "EURO"}, "currency"},
		{"language", company.CreateCompanyRequest{Name: "Acme", Language: "de"}, "language must be one of en, fr"},
		{"brand color", company.CreateCompanyRequest{Name: "Acme", BrandColor: "blue"}, "brand_color"},
		{"negative tax", company.CreateCompanyRequest{Name: "Acme", SalesTaxRate: decimal.NewFromInt(-1)}, "sales_tax_rate"},
		{"tax over 100", company.CreateCompanyRequest{Name: "Acme", SalesTaxRate: decimal.RequireFromString("100.01")}, "sales_tax_rate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate(languages)
			require.ErrorIs(t, err, company.ErrInvalidCompany)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}

func TestCreateCompanyRequest_FrenchCompany(t *testing.T) {
	req := company.CreateCompanyRequest{
		Name:         "Quincaillerie Tremblay",
		Currency:     "CAD",
		Language:     "FR",
		SalesTaxName: "TPS/TVQ",
		SalesTaxRate: decimal.RequireFromString("14.975"),
		BrandColor:   "#aa00FF",
	}
	require.NoError(t, req.Validate(languages))
	assert.Equal(t, "fr", req.Language)
}
