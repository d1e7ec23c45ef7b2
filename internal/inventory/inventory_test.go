package inventory

import (
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/notify"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStockStatus(t *testing.T) {
	tests := []struct {
		qty, threshold int
		want           string
	}{
		{0, 10, StatusOutOfStock},
		{-1, 10, StatusOutOfStock},
		{1, 10, StatusLowStock},
		{10, 10, StatusLowStock},
		{11, 10, StatusInStock},
		{0, 0, StatusOutOfStock},
		{1, 0, StatusInStock},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StockStatus(tt.qty, tt.threshold), "qty=%d threshold=%d", tt.qty, tt.threshold)
	}
}

func TestStockLevel_Compute(t *testing.T) {
	l := StockLevel{ProductPrice: decimal.RequireFromString("2.50"), Quantity: 4, ReorderThreshold: 5}
	l.compute()
	assert.Equal(t, "10.00", l.TotalValue.StringFixed(2))
	assert.Equal(t, StatusLowStock, l.StockStatus)
}

func TestInUseError(t *testing.T) {
	loc := &InUseError{ResourceType: guard.ResourceLocation, Count: 3}
	assert.Equal(t, "Cannot delete location. It is currently used by 3 stock records.", loc.Error())
	assert.ErrorIs(t, loc, ErrInUse)

	cat := &InUseError{ResourceType: guard.ResourceCategory, Count: 1}
	assert.Equal(t, "Cannot delete category. It is currently assigned to 1 products.", cat.Error())

	var target *InUseError
	require.True(t, errors.As(error(cat), &target))
	assert.Equal(t, 1, target.Count)
}

func TestInsufficientStockError(t *testing.T) {
	err := &InsufficientStockError{Available: 7}
	assert.Equal(t, "Insufficient stock. Available: 7", err.Error())
	assert.ErrorIs(t, err, ErrInsufficientStock)
}

func TestNameRequest_Validate(t *testing.T) {
	r := NameRequest{Name: "  Warehouse  "}
	require.NoError(t, r.Validate())
	assert.Equal(t, "Warehouse", r.Name)

	r = NameRequest{Name: "   "}
	assert.ErrorIs(t, r.Validate(), ErrInvalidInput)

	r = NameRequest{Name: strings.Repeat("x", 256)}
	assert.ErrorIs(t, r.Validate(), ErrInvalidInput)
}

func TestProductRequest_Validate(t *testing.T) {
	t.Run("defaults and rounding", func(t *testing.T) {
		r := ProductRequest{Name: " Widget ", Price: decimal.RequireFromString("1.005")}
		require.NoError(t, r.Validate())
		assert.Equal(t, "Widget", r.Name)
		require.NotNil(t, r.ReorderThreshold)
		assert.Equal(t, DefaultReorderThreshold, *r.ReorderThreshold)
		assert.Equal(t, "1.01", r.Price.StringFixed(2))
	})

	t.Run("explicit zero threshold kept", func(t *testing.T) {
		zero := 0
		r := ProductRequest{Name: "Widget", ReorderThreshold: &zero}
		require.NoError(t, r.Validate())
		assert.Equal(t, 0, *r.ReorderThreshold)
	})

	negative := -1
	bad := map[string]ProductRequest{
		"missing name":       {},
		"negative price":     {Name: "w", Price: decimal.NewFromInt(-1)},
		"negative purchase":  {Name: "w", PurchasePrice: decimal.NewFromInt(-1)},
		"price too large":    {Name: "w", Price: decimal.New(1, 8)},
		"negative threshold": {Name: "w", ReorderThreshold: &negative},
		"long sku":           {Name: "w", SKU: strings.Repeat("s", 101)},
	}
	for name, r := range bad {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, r.Validate(), ErrInvalidInput)
		})
	}
}

func TestClientRequest_Validate(t *testing.T) {
	r := ClientRequest{Name: "Bob", Email: "bob@example.com"}
	require.NoError(t, r.Validate())

	r = ClientRequest{Name: "Bob", Email: "not-an-email"}
	assert.ErrorIs(t, r.Validate(), ErrInvalidInput)
}

func TestStockRequests_Validate(t *testing.T) {
	prod, a, b := uuid.New(), uuid.New(), uuid.New()

	set := SetStockRequest{ProductID: prod, LocationID: a, Quantity: 0}
	assert.NoError(t, set.Validate())
	set.Quantity = -1
	assert.ErrorIs(t, set.Validate(), ErrInvalidInput)
	set = SetStockRequest{LocationID: a}
	assert.ErrorIs(t, set.Validate(), ErrInvalidInput)

	adj := AdjustStockRequest{ProductID: prod, LocationID: a, Action: AdjustRemove, Quantity: 2, Reason: " sold "}
	require.NoError(t, adj.Validate())
	assert.Equal(t, "sold", adj.Reason)
	adj.Action = "steal"
	assert.ErrorIs(t, adj.Validate(), ErrInvalidInput)
	adj = AdjustStockRequest{ProductID: prod, LocationID: a, Action: AdjustAdd, Quantity: 1}
	assert.ErrorIs(t, adj.Validate(), ErrInvalidInput, "reason is required")

	tr := TransferStockRequest{ProductID: prod, FromLocationID: a, ToLocationID: b, Quantity: 1, Reason: "rebalance"}
	require.NoError(t, tr.Validate())
	tr.ToLocationID = a
	assert.ErrorIs(t, tr.Validate(), ErrInvalidInput)
	tr = TransferStockRequest{ProductID: prod, FromLocationID: a, ToLocationID: b, Quantity: 0, Reason: "x"}
	assert.ErrorIs(t, tr.Validate(), ErrInvalidInput)
}

func TestLikePattern(t *testing.T) {
	assert.Equal(t, `%50\%\_off\\%`, likePattern(`50%_off\`))
}

func TestStockAlert(t *testing.T) {
	m := &Movement{
		Product:     productRef{ID: uuid.New(), Name: "Widget", ReorderThreshold: 5},
		Location:    locationRef{ID: uuid.New(), Name: "Main"},
		OldQuantity: 8,
		NewQuantity: 3,
	}
	n, ok := stockAlert(m)
	require.True(t, ok)
	assert.Equal(t, notify.TypeLowStock, n.Type)
	assert.Equal(t, "Low Stock Warning", n.Title)
	assert.Equal(t, "Product 'Widget' is low on stock (3 units remaining) at 'Main'.", n.Message)
	assert.Equal(t, 3, n.Quantity)

	m.NewQuantity = 0
	n, ok = stockAlert(m)
	require.True(t, ok)
	assert.Equal(t, notify.TypeOutOfStock, n.Type)
	assert.Equal(t, "Product 'Widget' is now out of stock at 'Main'.", n.Message)

	m.NewQuantity = 6
	_, ok = stockAlert(m)
	assert.False(t, ok)

	_, ok = stockAlert(nil)
	assert.False(t, ok)
}

type recordingPublisher struct {
	tenants []uuid.UUID
	sent    []notify.Notification
}

func (p *recordingPublisher) Publish(tenantID uuid.UUID, n notify.Notification) int {
	p.tenants = append(p.tenants, tenantID)
	p.sent = append(p.sent, n)
	return 1
}

func TestPublishAlerts(t *testing.T) {
	tenant := uuid.New()
	low := &Movement{Product: productRef{Name: "A", ReorderThreshold: 10}, NewQuantity: 2}
	fine := &Movement{Product: productRef{Name: "B", ReorderThreshold: 10}, NewQuantity: 50}

	pub := &recordingPublisher{}
	publishAlerts(pub, tenant, low, fine)

	require.Len(t, pub.sent, 1)
	assert.Equal(t, tenant, pub.tenants[0])
	assert.Contains(t, pub.sent[0].Message, "'A'")

	publishAlerts(nil, tenant, low)
}

func TestProductInsert(t *testing.T) {
	tenantID := uuid.New()
	rows := make([]ImportProduct, 3)
	for i := range rows {
		rows[i] = ImportProduct{Name: "p", SKU: "s", Price: decimal.NewFromInt(1)}
	}
	sql, args, err := productInsert(tenantID, rows)
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO products (tenant_id,category_id,name,sku,price,reorder_threshold) "+
		"VALUES ($1,$2,$3,$4,$5,$6),($7,$8,$9,$10,$11,$12),($13,$14,$15,$16,$17,$18)", sql)
	assert.Len(t, args, 18)
	assert.Equal(t, tenantID, args[12])
	assert.Less(t, insertChunkRows*6, 65535, "a full chunk stays under the bind parameter limit")
}
