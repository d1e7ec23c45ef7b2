package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDB implements database.Querier for testing. Inserts whose first
// argument is failTenant fail.
type mockDB struct {
	mu         sync.Mutex
	count      int
	rows       int
	tenants    map[uuid.UUID]int
	failTenant uuid.UUID
}

func (m *mockDB) Exec(_ context.Context, _ string, args ...any) (pgconn.CommandTag, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(args) > 0 && args[0] == m.failTenant {
		return pgconn.CommandTag{}, errors.New("insert failed")
	}
	m.count++
	m.rows += len(args) / 7
	if m.tenants == nil {
		m.tenants = make(map[uuid.UUID]int)
	}
	for i := 0; i < len(args); i += 7 {
		if id, ok := args[i].(uuid.UUID); ok {
			m.tenants[id]++
		}
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (m *mockDB) Query(_ context.Context, _ string, _ ...any) (pgx.Rows, error) {
	return nil, nil
}

func (m *mockDB) QueryRow(_ context.Context, _ string, _ ...any) pgx.Row {
	return nil
}

func (m *mockDB) insertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.count
}

func (m *mockDB) rowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows
}

func TestAsyncLogger_FlushesOnInterval(t *testing.T) {
	db := &mockDB{}
	cfg := LoggerConfig{
		BufferSize:    100,
		BatchSize:     10,
		FlushInterval: 50 * time.Millisecond,
	}

	logger := NewAsyncLogger(db, NewStore(), cfg)

	tenantID := uuid.New()
	logger.Log(context.Background(), Event{
		TenantID: tenantID,
		Action:   ActionProductCreated,
		Source:   SourceSystem,
	})

	// Wait for flush interval
	time.Sleep(150 * time.Millisecond)

	require.NoError(t, logger.Close())
	assert.GreaterOrEqual(t, db.insertCount(), 1)
}

func TestAsyncLogger_FlushesOnBatchSize(t *testing.T) {
	db := &mockDB{}
	cfg := LoggerConfig{
		BufferSize:    100,
		BatchSize:     3,
		FlushInterval: 10 * time.Second,
	}

	logger := NewAsyncLogger(db, NewStore(), cfg)

	tenantID := uuid.New()
	for i := 0; i < 3; i++ {
		logger.Log(context.Background(), Event{
			TenantID: tenantID,
			Action:   ActionProductCreated,
			Source:   SourceSystem,
		})
	}

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, logger.Close())
	assert.GreaterOrEqual(t, db.insertCount(), 1)
}

func TestAsyncLogger_DropsWhenBufferFull(t *testing.T) {
	db := &mockDB{}
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "dropped_total"})
	cfg := LoggerConfig{
		BufferSize:    2,
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
		Dropped:       dropped,
	}

	logger := NewAsyncLogger(db, NewStore(), cfg)

	tenantID := uuid.New()
	for i := 0; i < 10; i++ {
		logger.Log(context.Background(), Event{
			TenantID: tenantID,
			Action:   ActionStockAdded,
			Source:   SourceAPI,
		})
	}

	require.NoError(t, logger.Close())
	// Every event is either persisted or counted as dropped.
	assert.Equal(t, 10, db.rowCount()+int(testutil.ToFloat64(dropped)))
	assert.Positive(t, testutil.ToFloat64(dropped))
}

func TestAsyncLogger_FlushesEachTenantSeparately(t *testing.T) {
	good, bad := uuid.New(), uuid.New()
	db := &mockDB{failTenant: bad}
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "dropped_total"})
	logger := NewAsyncLogger(db, NewStore(), LoggerConfig{
		BufferSize:    100,
		BatchSize:     100,
		FlushInterval: 10 * time.Second,
		Dropped:       dropped,
	})

	ctx := context.Background()
	logger.Log(ctx, Event{TenantID: good, Action: ActionProductCreated, Source: SourceAPI})
	logger.Log(ctx, Event{TenantID: bad, Action: ActionProductCreated, Source: SourceAPI})
	logger.Log(ctx, Event{TenantID: good, Action: ActionProductUpdated, Source: SourceAPI})
	logger.Log(ctx, Event{TenantID: bad, Action: ActionProductDeleted, Source: SourceAPI})
	require.NoError(t, logger.Close())

	assert.Equal(t, 1, db.insertCount(), "one insert per tenant, the failing one excluded")
	assert.Equal(t, 2, db.tenants[good])
	assert.Zero(t, db.tenants[bad])
	assert.Equal(t, 2.0, testutil.ToFloat64(dropped), "the failed tenant batch is counted as dropped")
}

func TestAsyncLogger_DiscardsEventsWithoutTenant(t *testing.T) {
	db := &mockDB{}
	dropped := prometheus.NewCounter(prometheus.CounterOpts{Name: "dropped_total"})
	logger := NewAsyncLogger(db, NewStore(), LoggerConfig{BufferSize: 1, Dropped: dropped})

	for i := 0; i < 5; i++ {
		logger.Log(context.Background(), Event{Action: ActionAccessDenied})
	}
	require.NoError(t, logger.Close())

	assert.Zero(t, db.insertCount())
	assert.Zero(t, testutil.ToFloat64(dropped), "events without a tenant never occupy the buffer")
}
