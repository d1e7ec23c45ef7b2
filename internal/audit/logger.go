package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/prometheus/client_golang/prometheus"
)

// LoggerConfig configures the async audit logger.
type LoggerConfig struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
	// Dropped, when set, counts events that never reached the trail: those
	// refused by a full buffer and those of a tenant batch that failed to
	// insert.
	Dropped prometheus.Counter
}

// AsyncLogger is the Logger for events that may be written after the request
// has been answered: access denials and record changes. Stock movements
// belong to the product history and are written in the transaction of the
// movement with Store.Append instead.
//
// Pending events are batched per tenant, so a tenant whose batch fails to
// insert never costs another tenant its trail.
type AsyncLogger struct {
	ch     chan Event
	store  *Store
	db     database.Querier
	cfg    LoggerConfig
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewAsyncLogger creates and starts an async audit logger.
func NewAsyncLogger(db database.Querier, store *Store, cfg LoggerConfig) *AsyncLogger {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &AsyncLogger{
		ch:     make(chan Event, cfg.BufferSize),
		store:  store,
		db:     db,
		cfg:    cfg,
		cancel: cancel,
	}

	l.wg.Add(1)
	go l.worker(ctx)

	return l
}

// Log enqueues an audit event. It never blocks the caller. Events without a
// tenant belong to no trail and are discarded here; events that find the
// buffer full are dropped and counted.
func (l *AsyncLogger) Log(_ context.Context, event Event) {
	if event.TenantID == uuid.Nil {
		slog.Warn("discarding audit event without tenant", "action", event.Action)
		return
	}
	select {
	case l.ch <- event:
	default:
		l.dropped(1)
		slog.Warn("audit buffer full, dropping event", "action", event.Action, "tenant_id", event.TenantID)
	}
}

// Close flushes remaining events and stops the worker.
func (l *AsyncLogger) Close() error {
	l.cancel()
	l.wg.Wait()

	var rest pending
	l.drainInto(&rest)
	l.flush(&rest)
	return nil
}

// pending holds the events waiting for the next flush, grouped by tenant.
type pending struct {
	byTenant map[uuid.UUID][]Event
	n        int
}

func (p *pending) add(e Event) {
	if p.byTenant == nil {
		p.byTenant = make(map[uuid.UUID][]Event)
	}
	p.byTenant[e.TenantID] = append(p.byTenant[e.TenantID], e)
	p.n++
}

func (l *AsyncLogger) worker(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.FlushInterval)
	defer ticker.Stop()

	var batch pending
	for {
		select {
		case <-ctx.Done():
			l.drainInto(&batch)
			l.flush(&batch)
			return

		case e := <-l.ch:
			batch.add(e)
			if batch.n >= l.cfg.BatchSize {
				l.flush(&batch)
			}

		case <-ticker.C:
			l.flush(&batch)
		}
	}
}

// flush writes each tenant's events as one insert and empties p.
func (l *AsyncLogger) flush(p *pending) {
	if p.n == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for tenantID, events := range p.byTenant {
		if err := l.store.InsertBatch(ctx, l.db, events); err != nil {
			l.dropped(len(events))
			slog.Error("audit flush failed", "error", err, "tenant_id", tenantID, "count", len(events))
		}
	}
	*p = pending{}
}

func (l *AsyncLogger) drainInto(p *pending) {
	for {
		select {
		case e := <-l.ch:
			p.add(e)
		default:
			return
		}
	}
}

func (l *AsyncLogger) dropped(n int) {
	if l.cfg.Dropped != nil {
		l.cfg.Dropped.Add(float64(n))
	}
}
