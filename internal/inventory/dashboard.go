package inventory

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/shopspring/decimal"
)

// KPIs are the headline numbers of the dashboard.
type KPIs struct {
	TotalProducts      int             `json:"total_products"`
	TotalClients       int             `json:"total_clients"`
	TotalStockQuantity int             `json:"total_stock_quantity"`
	TotalStockValue    decimal.Decimal `json:"total_stock_value"`
}

// LowStockItem is a stock record at or below its product's reorder threshold.
type LowStockItem struct {
	ProductName  string `json:"product_name"`
	LocationName string `json:"location_name"`
	Quantity     int    `json:"quantity"`
	SKU          string `json:"sku"`
}

// maxLowStockItems bounds the dashboard's low-stock list.
const maxLowStockItems = 50

func (s *Store) KPIs(ctx context.Context, db database.Querier, p *guard.Principal) (*KPIs, error) {
	var k KPIs
	var err error
	if k.TotalProducts, err = count(ctx, db, p, guard.Select("products", "COUNT(*)")); err != nil {
		return nil, fmt.Errorf("counting products: %w", err)
	}
	if k.TotalClients, err = count(ctx, db, p, guard.Select("clients", "COUNT(*)")); err != nil {
		return nil, fmt.Errorf("counting clients: %w", err)
	}

	sql, args, err := scopedSQL(p, guard.Select("stock s JOIN products p ON p.id = s.product_id",
		"COALESCE(SUM(s.quantity), 0)", "COALESCE(SUM(s.quantity * p.price), 0)").TenantColumn("s.tenant_id"))
	if err != nil {
		return nil, err
	}
	if err := db.QueryRow(ctx, sql, args...).Scan(&k.TotalStockQuantity, &k.TotalStockValue); err != nil {
		return nil, fmt.Errorf("summing stock: %w", err)
	}
	return &k, nil
}

func (s *Store) LowStock(ctx context.Context, db database.Querier, p *guard.Principal) ([]LowStockItem, error) {
	items, err := collect(ctx, db, p,
		guard.Select("stock s JOIN products p ON p.id = s.product_id JOIN locations l ON l.id = s.location_id",
			"p.name", "l.name", "s.quantity", "p.sku").
			TenantColumn("s.tenant_id").
			Where("s.quantity <= p.reorder_threshold").
			OrderBy("s.quantity, p.name").
			Limit(maxLowStockItems),
		pgx.RowToStructByPos[LowStockItem])
	if err != nil {
		return nil, fmt.Errorf("listing low stock: %w", err)
	}
	return items, nil
}
