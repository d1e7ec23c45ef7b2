// Package inventory manages the tenant-owned catalogue (locations,
// categories, products, clients) and the stock held at each location.
//
// Every read goes through guard.ScopeQuery and every create through
// guard.StampOnCreate, so a record is only ever visible to and written by the
// tenant that owns it.
package inventory

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
	"github.com/shopspring/decimal"
)

var (
	ErrLocationNotFound  = errors.New("location not found")
	ErrCategoryNotFound  = errors.New("category not found")
	ErrProductNotFound   = errors.New("product not found")
	ErrClientNotFound    = errors.New("client not found")
	ErrStockNotFound     = errors.New("stock record not found")
	ErrInvalidInput      = errors.New("invalid input")
	ErrDuplicateCategory = errors.New("a category with this name already exists")
	ErrInUse             = errors.New("resource is in use")
	ErrInsufficientStock = errors.New("insufficient stock")
)

// InUseError is returned when deleting a record that is still referenced.
type InUseError struct {
	ResourceType guard.ResourceType
	Count        int
}

func (e *InUseError) Error() string {
	switch e.ResourceType {
	case guard.ResourceLocation:
		return fmt.Sprintf("Cannot delete location. It is currently used by %d stock records.", e.Count)
	case guard.ResourceCategory:
		return fmt.Sprintf("Cannot delete category. It is currently assigned to %d products.", e.Count)
	case guard.ResourceSupplier:
		return fmt.Sprintf("Cannot delete supplier. It has %d purchase orders.", e.Count)
	case guard.ResourceProduct, guard.ResourceClient:
		return fmt.Sprintf("Cannot delete %s. It appears on %d documents.", e.ResourceType, e.Count)
	}
	return fmt.Sprintf("Cannot delete %s. It is referenced by %d records.", e.ResourceType, e.Count)
}

func (e *InUseError) Unwrap() error { return ErrInUse }

// InsufficientStockError reports how much was available when a removal or
// transfer asked for more.
type InsufficientStockError struct {
	Available int
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("Insufficient stock. Available: %d", e.Available)
}

func (e *InsufficientStockError) Unwrap() error { return ErrInsufficientStock }

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, msg)
}

// Stock status labels.
const (
	StatusOutOfStock = "Out of Stock"
	StatusLowStock   = "Low Stock"
	StatusInStock    = "In Stock"
)

// StockStatus classifies a quantity against a reorder threshold.
func StockStatus(quantity, reorderThreshold int) string {
	switch {
	case quantity <= 0:
		return StatusOutOfStock
	case quantity <= reorderThreshold:
		return StatusLowStock
	}
	return StatusInStock
}

type Location struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"-"`
	Name       string    `json:"name"`
	UsageCount int       `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

func (l *Location) ResourceType() guard.ResourceType { return guard.ResourceLocation }
func (l *Location) Tenant() uuid.UUID                { return l.TenantID }
func (l *Location) SetTenant(id uuid.UUID)           { l.TenantID = id }

type Category struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"-"`
	Name       string    `json:"name"`
	UsageCount int       `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

func (c *Category) ResourceType() guard.ResourceType { return guard.ResourceCategory }
func (c *Category) Tenant() uuid.UUID                { return c.TenantID }
func (c *Category) SetTenant(id uuid.UUID)           { c.TenantID = id }

// Product is a catalogue item. TotalQuantity and StockStatus are computed
// from the stock held across all locations.
type Product struct {
	ID               uuid.UUID       `json:"id"`
	TenantID         uuid.UUID       `json:"-"`
	CategoryID       *uuid.UUID      `json:"category_id"`
	CategoryName     *string         `json:"category_name"`
	Name             string          `json:"name"`
	SKU              string          `json:"sku"`
	DescriptionEN    string          `json:"description_en"`
	DescriptionFR    string          `json:"description_fr"`
	Price            decimal.Decimal `json:"price"`
	PurchasePrice    decimal.Decimal `json:"purchase_price"`
	ReorderThreshold int             `json:"reorder_threshold"`
	TotalQuantity    int             `json:"total_quantity"`
	StockStatus      string          `json:"stock_status"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (p *Product) ResourceType() guard.ResourceType { return guard.ResourceProduct }
func (p *Product) Tenant() uuid.UUID                { return p.TenantID }
func (p *Product) SetTenant(id uuid.UUID)           { p.TenantID = id }

type Client struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"-"`
	Name      string    `json:"name"`
	Email     string    `json:"email"`
	Phone     string    `json:"phone"`
	Address   string    `json:"address"`
	CreatedAt time.Time `json:"created_at"`
}

func (c *Client) ResourceType() guard.ResourceType { return guard.ResourceClient }
func (c *Client) Tenant() uuid.UUID                { return c.TenantID }
func (c *Client) SetTenant(id uuid.UUID)           { c.TenantID = id }

// Stock is the quantity of one product at one location.
type Stock struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"-"`
	ProductID  uuid.UUID `json:"product_id"`
	LocationID uuid.UUID `json:"location_id"`
	Quantity   int       `json:"quantity"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (s *Stock) ResourceType() guard.ResourceType { return guard.ResourceStock }
func (s *Stock) Tenant() uuid.UUID                { return s.TenantID }
func (s *Stock) SetTenant(id uuid.UUID)           { s.TenantID = id }

// StockLevel is a stock row joined with its product and location, as shown
// in the stock overview.
type StockLevel struct {
	ID               uuid.UUID       `json:"id"`
	ProductID        uuid.UUID       `json:"product_id"`
	ProductName      string          `json:"product_name"`
	ProductSKU       string          `json:"product_sku"`
	ProductPrice     decimal.Decimal `json:"product_price"`
	ReorderThreshold int             `json:"reorder_threshold"`
	LocationID       uuid.UUID       `json:"location_id"`
	LocationName     string          `json:"location_name"`
	Quantity         int             `json:"quantity"`
	TotalValue       decimal.Decimal `json:"total_value"`
	StockStatus      string          `json:"stock_status"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (l *StockLevel) compute() {
	l.TotalValue = l.ProductPrice.Mul(decimal.NewFromInt(int64(l.Quantity)))
	l.StockStatus = StockStatus(l.Quantity, l.ReorderThreshold)
}

// NameRequest creates or renames a location or category.
type NameRequest struct {
	Name string `json:"name"`
}

func (r *NameRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	switch {
	case r.Name == "":
		return invalid("name is required")
	case len(r.Name) > 255:
		return invalid("name must be at most 255 characters")
	}
	return nil
}

type ProductRequest struct {
	CategoryID       *uuid.UUID      `json:"category_id"`
	Name             string          `json:"name"`
	SKU              string          `json:"sku"`
	DescriptionEN    string          `json:"description_en"`
	DescriptionFR    string          `json:"description_fr"`
	Price            decimal.Decimal `json:"price"`
	PurchasePrice    decimal.Decimal `json:"purchase_price"`
	ReorderThreshold *int            `json:"reorder_threshold"`
}

// DefaultReorderThreshold applies when a product is created without one.
const DefaultReorderThreshold = 10

var maxPrice = decimal.New(1, 8) // NUMERIC(10,2)

func (r *ProductRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.SKU = strings.TrimSpace(r.SKU)
	switch {
	case r.Name == "":
		return invalid("name is required")
	case len(r.Name) > 255:
		return invalid("name must be at most 255 characters")
	case len(r.SKU) > 100:
		return invalid("sku must be at most 100 characters")
	case r.Price.IsNegative() || r.PurchasePrice.IsNegative():
		return invalid("prices must not be negative")
	case r.Price.GreaterThanOrEqual(maxPrice) || r.PurchasePrice.GreaterThanOrEqual(maxPrice):
		return invalid("price is too large")
	case r.ReorderThreshold != nil && *r.ReorderThreshold < 0:
		return invalid("reorder_threshold must not be negative")
	}
	if r.ReorderThreshold == nil {
		t := DefaultReorderThreshold
		r.ReorderThreshold = &t
	}
	r.Price = r.Price.Round(2)
	r.PurchasePrice = r.PurchasePrice.Round(2)
	return nil
}

type ClientRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Phone   string `json:"phone"`
	Address string `json:"address"`
}

func (r *ClientRequest) Validate() error {
	r.Name = strings.TrimSpace(r.Name)
	r.Email = strings.TrimSpace(r.Email)
	switch {
	case r.Name == "":
		return invalid("name is required")
	case len(r.Name) > 255:
		return invalid("name must be at most 255 characters")
	case r.Email != "" && !validEmail(r.Email):
		return invalid("email is not valid")
	case len(r.Phone) > 50:
		return invalid("phone must be at most 50 characters")
	}
	return nil
}

func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	return err == nil && addr.Address == s
}

// SetStockRequest sets the quantity of a product at a location, creating the
// stock row when needed.
type SetStockRequest struct {
	ProductID  uuid.UUID `json:"product_id"`
	LocationID uuid.UUID `json:"location_id"`
	Quantity   int       `json:"quantity"`
}

func (r *SetStockRequest) Validate() error {
	switch {
	case r.ProductID == uuid.Nil || r.LocationID == uuid.Nil:
		return invalid("product_id and location_id are required")
	case r.Quantity < 0:
		return invalid("quantity must not be negative")
	}
	return nil
}

type AdjustAction string

const (
	AdjustAdd    AdjustAction = "add"
	AdjustRemove AdjustAction = "remove"
	AdjustSet    AdjustAction = "set"
)

type AdjustStockRequest struct {
	ProductID  uuid.UUID    `json:"product_id"`
	LocationID uuid.UUID    `json:"location_id"`
	Action     AdjustAction `json:"action"`
	Quantity   int          `json:"quantity"`
	Reason     string       `json:"reason"`
}

func (r *AdjustStockRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	switch {
	case r.ProductID == uuid.Nil || r.LocationID == uuid.Nil:
		return invalid("product_id and location_id are required")
	case r.Action != AdjustAdd && r.Action != AdjustRemove && r.Action != AdjustSet:
		return invalid(`action must be one of "add", "remove", "set"`)
	case r.Quantity < 0:
		return invalid("quantity must not be negative")
	case r.Reason == "":
		return invalid("reason is required")
	case len(r.Reason) > 255:
		return invalid("reason must be at most 255 characters")
	}
	return nil
}

type TransferStockRequest struct {
	ProductID      uuid.UUID `json:"product_id"`
	FromLocationID uuid.UUID `json:"from_location_id"`
	ToLocationID   uuid.UUID `json:"to_location_id"`
	Quantity       int       `json:"quantity"`
	Reason         string    `json:"reason"`
}

func (r *TransferStockRequest) Validate() error {
	r.Reason = strings.TrimSpace(r.Reason)
	switch {
	case r.ProductID == uuid.Nil || r.FromLocationID == uuid.Nil || r.ToLocationID == uuid.Nil:
		return invalid("product_id, from_location_id and to_location_id are required")
	case r.FromLocationID == r.ToLocationID:
		return invalid("source and destination locations must be different")
	case r.Quantity < 1:
		return invalid("quantity must be at least 1")
	case r.Reason == "":
		return invalid("reason is required")
	case len(r.Reason) > 255:
		return invalid("reason must be at most 255 characters")
	}
	return nil
}
