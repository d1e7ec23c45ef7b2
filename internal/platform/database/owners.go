package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/guard"
)

var ownerTables = map[guard.ResourceType]string{
	guard.ResourceProduct:  "products",
	guard.ResourceStock:    "stock",
	guard.ResourceLocation: "locations",
	guard.ResourceCategory: "categories",
	guard.ResourceClient:   "clients",
	guard.ResourceUser:     "users",

	guard.ResourceSupplier:      "suppliers",
	guard.ResourcePurchaseOrder: "purchase_orders",
	guard.ResourceQuote:         "quotes",
	guard.ResourceInvoice:       "invoices",
	guard.ResourceNotification:  "notifications",
}

// Owners resolves record owners for guard.AuthorizeResource. It goes
// through the resource_tenant SQL function, which sees rows of every tenant
// but only of the tables listed here, and is executable only by the owner
// and members of progestock_app.
type Owners struct {
	db Querier
}

func NewOwners(db Querier) *Owners {
	return &Owners{db: db}
}

// TenantOf implements guard.OwnerLookup. A user without a company reports
// uuid.Nil, which never equals a principal's tenant.
func (o *Owners) TenantOf(ctx context.Context, rt guard.ResourceType, id uuid.UUID) (uuid.UUID, error) {
	if rt == guard.ResourceCompany {
		var found uuid.UUID
		err := o.db.QueryRow(ctx, "SELECT id FROM companies WHERE id = $1", id).Scan(&found)
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, fmt.Errorf("company %s: %w", id, guard.ErrResourceNotFound)
		}
		if err != nil {
			return uuid.Nil, fmt.Errorf("resolving company: %w", err)
		}
		return found, nil
	}

	table, ok := ownerTables[rt]
	if !ok {
		return uuid.Nil, fmt.Errorf("no owner table for resource type %q", rt)
	}

	var tenant *uuid.UUID
	err := o.db.QueryRow(ctx, "SELECT tenant_id FROM resource_tenant($1::regclass, $2)", table, id).Scan(&tenant)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, fmt.Errorf("%s %s: %w", rt, id, guard.ErrResourceNotFound)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("resolving owner of %s: %w", rt, err)
	}
	if tenant == nil {
		return uuid.Nil, nil
	}
	return *tenant, nil
}
