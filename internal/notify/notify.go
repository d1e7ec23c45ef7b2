// Package notify keeps each user's notification inbox and fans new
// notifications out to the connected users of the tenant they concern.
package notify

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/platform/telemetry"
)

var ErrNoTenant = errors.New("subscription requires a tenant")

const (
	TypeLowStock       = "low_stock"
	TypeOutOfStock     = "out_of_stock"
	TypeQuoteAccepted  = "quote_accepted"
	TypeQuoteRejected  = "quote_rejected"
	TypeInvoicePaid    = "invoice_paid"
	TypeInvoiceOverdue = "invoice_overdue"
	TypeTeamJoined     = "team_joined"
	TypeGeneral        = "general"
)

// Notification is a message for the users of one tenant. Stock alerts carry
// the product and location they concern.
type Notification struct {
	Type       string     `json:"type"`
	Title      string     `json:"title"`
	Message    string     `json:"message"`
	Link       string     `json:"link,omitempty"`
	ProductID  *uuid.UUID `json:"product_id,omitempty"`
	LocationID *uuid.UUID `json:"location_id,omitempty"`
	Quantity   int        `json:"quantity,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Publisher delivers notifications to a tenant's subscribers.
type Publisher interface {
	Publish(tenantID uuid.UUID, n Notification) int
}

// Hub keeps the live subscriptions of every tenant.
type Hub struct {
	mu      sync.RWMutex
	subs    map[uuid.UUID]map[*Subscription]struct{}
	buffer  int
	metrics *telemetry.Metrics
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithMetrics counts published and dropped notifications.
func WithMetrics(m *telemetry.Metrics) HubOption {
	return func(h *Hub) {
		h.metrics = m
	}
}

// NewHub creates a hub whose subscriptions buffer up to buffer notifications.
func NewHub(buffer int, opts ...HubOption) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	h := &Hub{
		subs:   make(map[uuid.UUID]map[*Subscription]struct{}),
		buffer: buffer,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscription receives the notifications of one tenant until closed.
type Subscription struct {
	C        <-chan Notification
	ch       chan Notification
	tenantID uuid.UUID
	hub      *Hub
	once     sync.Once
}

// Subscribe registers a subscriber for tenantID.
func (h *Hub) Subscribe(tenantID uuid.UUID) (*Subscription, error) {
	if tenantID == uuid.Nil {
		return nil, ErrNoTenant
	}
	ch := make(chan Notification, h.buffer)
	s := &Subscription{C: ch, ch: ch, tenantID: tenantID, hub: h}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[tenantID] == nil {
		h.subs[tenantID] = make(map[*Subscription]struct{})
	}
	h.subs[tenantID][s] = struct{}{}
	return s, nil
}

// Close unregisters the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs[s.tenantID], s)
		if len(h.subs[s.tenantID]) == 0 {
			delete(h.subs, s.tenantID)
		}
		close(s.ch)
	})
}

// Publish delivers n to every subscriber of tenantID and returns how many
// received it. A subscriber whose buffer is full misses the notification;
// publishers never block.
func (h *Hub) Publish(tenantID uuid.UUID, n Notification) int {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for s := range h.subs[tenantID] {
		select {
		case s.ch <- n:
			delivered++
		default:
			if h.metrics != nil {
				h.metrics.NotificationsDropped.Inc()
			}
		}
	}
	if h.metrics != nil {
		h.metrics.NotificationsPublished.WithLabelValues(n.Type).Inc()
	}
	return delivered
}

// Subscribers returns the number of live subscriptions of tenantID.
func (h *Hub) Subscribers(tenantID uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}
