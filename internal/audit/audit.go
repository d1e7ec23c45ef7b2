package audit

import (
	"context"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/guard"
)

// Event represents a single auditable action in the system.
type Event struct {
	TenantID     uuid.UUID
	UserID       *uuid.UUID // nil for system events
	Action       string     // e.g. "product.created", "stock.transferred", "access.denied"
	ResourceType string     // e.g. "product", "stock", "company"
	ResourceID   *uuid.UUID
	Metadata     map[string]any
	Source       string // "api", "import", "system"
}

const (
	ActionCompanyCreated  = "company.created"
	ActionCompanyUpdated  = "company.updated"
	ActionUserRoleUpdated = "user_role.updated"

	ActionProductCreated  = "product.created"
	ActionProductUpdated  = "product.updated"
	ActionProductDeleted  = "product.deleted"
	ActionProductImported = "product.imported"

	ActionLocationCreated = "location.created"
	ActionLocationUpdated = "location.updated"
	ActionLocationDeleted = "location.deleted"

	ActionCategoryCreated = "category.created"
	ActionCategoryUpdated = "category.updated"
	ActionCategoryDeleted = "category.deleted"

	ActionClientCreated = "client.created"
	ActionClientUpdated = "client.updated"
	ActionClientDeleted = "client.deleted"

	ActionStockUpdated     = "stock.updated"
	ActionStockAdded       = "stock.added"
	ActionStockRemoved     = "stock.removed"
	ActionStockSet         = "stock.set"
	ActionStockTransferred = "stock.transferred"

	ActionSupplierCreated = "supplier.created"
	ActionSupplierUpdated = "supplier.updated"
	ActionSupplierDeleted = "supplier.deleted"

	ActionPurchaseOrderCreated   = "purchase_order.created"
	ActionPurchaseOrderUpdated   = "purchase_order.updated"
	ActionPurchaseOrderReceived  = "purchase_order.received"
	ActionPurchaseOrderCancelled = "purchase_order.cancelled"
	ActionPurchaseOrderDeleted   = "purchase_order.deleted"

	ActionQuoteCreated   = "quote.created"
	ActionQuoteUpdated   = "quote.updated"
	ActionQuoteDeleted   = "quote.deleted"
	ActionQuoteConverted = "quote.converted"

	ActionInvoiceCreated  = "invoice.created"
	ActionInvoiceUpdated  = "invoice.updated"
	ActionInvoiceDeleted  = "invoice.deleted"
	ActionPaymentRecorded = "invoice.payment_recorded"
	ActionUserDeactivated = "user.deactivated"

	ActionAccessDenied = guard.ActionAccessDenied
)

// Metadata keys shared by writers and readers of the trail.
const (
	MetadataProductID      = "product_id"
	MetadataLocationID     = "location_id"
	MetadataFromLocationID = "from_location_id"
	MetadataToLocationID   = "to_location_id"
	MetadataOldQuantity    = "old_quantity"
	MetadataNewQuantity    = "new_quantity"
	MetadataQuantity       = "quantity"
	MetadataReason         = "reason"
	MetadataShortage       = "shortage"
	MetadataReference      = "reference"
)

const (
	SourceAPI    = "api"
	SourceImport = "import"
	SourceSystem = "system"
)

// Logger is the audit logging interface. Log is fire-and-forget.
type Logger interface {
	Log(ctx context.Context, event Event)
	Close() error
}

// NopLogger is a no-op audit logger for testing and when audit is disabled.
type NopLogger struct{}

func (NopLogger) Log(context.Context, Event) {}
func (NopLogger) Close() error               { return nil }

// Stamp fills in the actor and tenant from the request principal when the
// caller left them empty, and defaults the source to the API.
func Stamp(ctx context.Context, event Event) Event {
	if p := guard.PrincipalFrom(ctx); p != nil {
		if event.TenantID == uuid.Nil {
			event.TenantID = p.TenantID
		}
		if event.UserID == nil {
			event.UserID = ActorIDFromContext(ctx)
		}
	}
	if event.Source == "" {
		event.Source = SourceAPI
	}
	return event
}

// Record stamps event, hands it to logger and returns exactly what was
// logged. Mutating operations call it once the write has succeeded.
func Record(ctx context.Context, logger Logger, event Event) Event {
	event = Stamp(ctx, event)
	if logger != nil {
		logger.Log(ctx, event)
	}
	return event
}

// ActorIDFromContext extracts the authenticated user's UUID from the
// request context, returning nil if no principal is present.
func ActorIDFromContext(ctx context.Context) *uuid.UUID {
	p := guard.PrincipalFrom(ctx)
	if p == nil || p.UserID == uuid.Nil {
		return nil
	}
	uid := p.UserID
	return &uid
}

// ForGuard adapts logger to record the denials made by guard middleware.
func ForGuard(logger Logger) guard.AuditLogger {
	return guardAudit{logger: logger}
}

type guardAudit struct {
	logger Logger
}

func (g guardAudit) Log(ctx context.Context, e guard.AuditEvent) {
	g.logger.Log(ctx, Event{
		TenantID:     e.TenantID,
		UserID:       e.UserID,
		Action:       e.Action,
		ResourceType: e.ResourceType,
		ResourceID:   e.ResourceID,
		Metadata:     e.Metadata,
		Source:       e.Source,
	})
}
