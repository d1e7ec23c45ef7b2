package inventory

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/notify"
	"github.com/progestock/progestock/internal/platform/database"
)

// stockAlert builds the notification for a movement that left a location at
// or below the product's reorder threshold.
func stockAlert(m *Movement) (notify.Notification, bool) {
	if m == nil || !m.Low() {
		return notify.Notification{}, false
	}
	productID, locationID := m.Product.ID, m.Location.ID
	n := notify.Notification{
		Link:       "/inventory/products/" + productID.String(),
		ProductID:  &productID,
		LocationID: &locationID,
		Quantity:   m.NewQuantity,
	}
	if m.NewQuantity == 0 {
		n.Type = notify.TypeOutOfStock
		n.Title = "Out of Stock Alert"
		n.Message = fmt.Sprintf("Product '%s' is now out of stock at '%s'.", m.Product.Name, m.Location.Name)
	} else {
		n.Type = notify.TypeLowStock
		n.Title = "Low Stock Warning"
		n.Message = fmt.Sprintf("Product '%s' is low on stock (%d units remaining) at '%s'.",
			m.Product.Name, m.NewQuantity, m.Location.Name)
	}
	return n, true
}

// storeAlerts puts an alert for every movement that ended low in the inboxes
// of the tenant's admins. It runs in the transaction of the movement.
func (h *Handler) storeAlerts(ctx context.Context, q database.Querier, tenantID uuid.UUID, movements ...*Movement) error {
	for _, m := range movements {
		n, ok := stockAlert(m)
		if !ok {
			continue
		}
		if _, err := h.inbox.Record(ctx, q, tenantID, n); err != nil {
			return err
		}
	}
	return nil
}

// publishAlerts sends a notification for every movement that ended low.
func publishAlerts(pub notify.Publisher, tenantID uuid.UUID, movements ...*Movement) {
	if pub == nil {
		return
	}
	for _, m := range movements {
		if n, ok := stockAlert(m); ok {
			pub.Publish(tenantID, n)
		}
	}
}
