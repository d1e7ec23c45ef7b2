package notify_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/notify"
	"github.com/progestock/progestock/internal/platform/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHub_DeliversOnlyToOwnTenant(t *testing.T) {
	hub := notify.NewHub(4)
	tenantA, tenantB := uuid.New(), uuid.New()

	subA, err := hub.Subscribe(tenantA)
	require.NoError(t, err)
	defer subA.Close()
	subB, err := hub.Subscribe(tenantB)
	require.NoError(t, err)
	defer subB.Close()

	n := notify.Notification{Type: notify.TypeLowStock, Title: "Low Stock Warning", Quantity: 2}
	assert.Equal(t, 1, hub.Publish(tenantA, n))

	got := <-subA.C
	assert.Equal(t, notify.TypeLowStock, got.Type)
	assert.False(t, got.CreatedAt.IsZero())

	select {
	case leaked := <-subB.C:
		t.Fatalf("tenant B received tenant A notification: %+v", leaked)
	default:
	}
}

func TestHub_SubscribeRequiresTenant(t *testing.T) {
	_, err := notify.NewHub(1).Subscribe(uuid.Nil)
	assert.ErrorIs(t, err, notify.ErrNoTenant)
}

func TestHub_SlowSubscriberDrops(t *testing.T) {
	m := telemetry.NewMetrics("test")
	hub := notify.NewHub(1, notify.WithMetrics(m))
	tenant := uuid.New()

	sub, err := hub.Subscribe(tenant)
	require.NoError(t, err)
	defer sub.Close()

	assert.Equal(t, 1, hub.Publish(tenant, notify.Notification{Type: notify.TypeOutOfStock}))
	assert.Equal(t, 0, hub.Publish(tenant, notify.Notification{Type: notify.TypeOutOfStock}))

	assert.Equal(t, float64(1), testutil.ToFloat64(m.NotificationsDropped))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.NotificationsPublished.WithLabelValues(notify.TypeOutOfStock)))
}

func TestSubscription_Close(t *testing.T) {
	hub := notify.NewHub(1)
	tenant := uuid.New()

	sub, err := hub.Subscribe(tenant)
	require.NoError(t, err)
	assert.Equal(t, 1, hub.Subscribers(tenant))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Subscribers(tenant))

	_, ok := <-sub.C
	assert.False(t, ok)
	assert.Equal(t, 0, hub.Publish(tenant, notify.Notification{}))
}
