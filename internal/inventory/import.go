package inventory

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/progestock/progestock/internal/audit"
	"github.com/progestock/progestock/internal/guard"
	"github.com/progestock/progestock/internal/platform/database"
	"github.com/progestock/progestock/internal/platform/telemetry"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidCSV        = errors.New("invalid CSV file")
	ErrTooManyRows       = errors.New("CSV file has too many rows")
	ErrImportQueueFull   = errors.New("import queue is full, try again later")
	ErrImportQueueClosed = errors.New("import queue is shut down")
)

// ImportRow is one data row of a product CSV. Line is the 1-based line of
// the file, so the first data row is line 2.
type ImportRow struct {
	Line     int
	Name     string
	SKU      string
	Price    string
	Category string
}

// ParseProductCSV reads a product CSV whose header names the columns. Only
// name is required; sku, price and category are optional and unknown
// columns are ignored.
func ParseProductCSV(r io.Reader, maxRows int) ([]ImportRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: file is empty", ErrInvalidCSV)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCSV, err)
	}

	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")))
		if _, dup := cols[h]; !dup {
			cols[h] = i
		}
	}
	if _, ok := cols["name"]; !ok {
		return nil, fmt.Errorf("%w: header must contain a 'name' column", ErrInvalidCSV)
	}
	field := func(rec []string, col string) string {
		i, ok := cols[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []ImportRow
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidCSV, err)
		}
		if maxRows > 0 && len(rows) >= maxRows {
			return nil, fmt.Errorf("%w: limit is %d", ErrTooManyRows, maxRows)
		}
		rows = append(rows, ImportRow{
			Line:     line,
			Name:     field(rec, "name"),
			SKU:      field(rec, "sku"),
			Price:    field(rec, "price"),
			Category: field(rec, "category"),
		})
	}
	return rows, nil
}

// ImportJob is a parsed upload waiting to be written. It carries a copy of
// the uploader's principal; the worker authorizes it again before writing.
type ImportJob struct {
	ID        uuid.UUID
	Principal guard.Principal
	Filename  string
	Rows      []ImportRow
}

// ImportResult summarises a processed job.
type ImportResult struct {
	JobID    uuid.UUID
	TenantID uuid.UUID
	Created  int
	Errors   []string
	Err      error
}

// ImportQueueConfig configures the import workers.
type ImportQueueConfig struct {
	QueueSize int
	Workers   int
	Metrics   *telemetry.Metrics
	// OnResult, when set, is called after every job.
	OnResult func(ImportResult)
}

// ImportQueue runs product imports in the background on a fixed number of
// workers fed by a bounded channel.
type ImportQueue struct {
	jobs     chan ImportJob
	runner   database.Runner
	store    *Store
	guard    *guard.Guard
	auditLog audit.Logger
	cfg      ImportQueueConfig
	stopped  atomic.Bool
}

func NewImportQueue(runner database.Runner, store *Store, g *guard.Guard, auditLog audit.Logger, cfg ImportQueueConfig) *ImportQueue {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if auditLog == nil {
		auditLog = audit.NopLogger{}
	}
	return &ImportQueue{
		jobs:     make(chan ImportJob, cfg.QueueSize),
		runner:   runner,
		store:    store,
		guard:    g,
		auditLog: auditLog,
		cfg:      cfg,
	}
}

// Enqueue hands a job to the workers without blocking.
func (q *ImportQueue) Enqueue(job ImportJob) error {
	if q.stopped.Load() {
		return ErrImportQueueClosed
	}
	select {
	case q.jobs <- job:
		return nil
	default:
		q.count("rejected")
		return ErrImportQueueFull
	}
}

// Run processes jobs until ctx is cancelled. The job in progress on each
// worker is finished; jobs still queued are abandoned and logged.
func (q *ImportQueue) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for range q.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job := <-q.jobs:
					q.process(context.WithoutCancel(ctx), job)
				}
			}
		}()
	}
	<-ctx.Done()
	q.stopped.Store(true)
	wg.Wait()

	if n := len(q.jobs); n > 0 {
		slog.Warn("import queue stopped with pending jobs", "pending", n)
	}
	return nil
}

func (q *ImportQueue) process(ctx context.Context, job ImportJob) {
	start := time.Now()
	p := &job.Principal
	res := ImportResult{JobID: job.ID, TenantID: p.TenantID}

	if d := q.guard.Authorize(p, guard.OpCreate, guard.ResourceProduct); !d.Allowed() {
		res.Err = d.Err()
	} else {
		res.Err = q.runner.WithTenantTx(ctx, p.TenantID, func(ctx context.Context, db database.Querier) error {
			products, rowErrors, err := q.prepare(ctx, db, p, job.Rows)
			if err != nil {
				return err
			}
			res.Errors = rowErrors
			n, err := q.store.InsertProducts(ctx, db, p, products)
			res.Created = n
			return err
		})
	}

	if res.Err != nil {
		res.Created = 0
		q.count("failed")
		slog.Error("product import failed", "job_id", job.ID, "tenant_id", p.TenantID, "error", res.Err)
	} else {
		q.count("succeeded")
		if q.cfg.Metrics != nil {
			q.cfg.Metrics.ImportRows.WithLabelValues("created").Add(float64(res.Created))
			q.cfg.Metrics.ImportRows.WithLabelValues("invalid").Add(float64(len(res.Errors)))
		}
		audit.Record(guard.WithPrincipal(ctx, p), q.auditLog, audit.Event{
			Action:       audit.ActionProductImported,
			ResourceType: string(guard.ResourceProduct),
			Source:       audit.SourceImport,
			Metadata: map[string]any{
				"job_id":   job.ID.String(),
				"filename": job.Filename,
				"created":  res.Created,
				"errors":   res.Errors,
			},
		})
		slog.Info("product import complete",
			"job_id", job.ID,
			"tenant_id", p.TenantID,
			"created", res.Created,
			"errors", len(res.Errors),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}

	if q.cfg.OnResult != nil {
		q.cfg.OnResult(res)
	}
}

// prepare validates rows and resolves category names, creating missing
// categories. Invalid rows are reported and skipped; a database error fails
// the whole job.
func (q *ImportQueue) prepare(ctx context.Context, db database.Querier, p *guard.Principal, rows []ImportRow) ([]ImportProduct, []string, error) {
	var (
		products   []ImportProduct
		rowErrors  []string
		categories = map[string]uuid.UUID{}
	)
	for _, row := range rows {
		if row.Name == "" {
			rowErrors = append(rowErrors, fmt.Sprintf("Row %d: 'name' is a required field.", row.Line))
			continue
		}
		if len(row.Name) > 255 {
			rowErrors = append(rowErrors, fmt.Sprintf("Row %d: 'name' must be at most 255 characters.", row.Line))
			continue
		}

		price := decimal.Zero
		if row.Price != "" {
			v, err := decimal.NewFromString(row.Price)
			if err != nil || v.IsNegative() || v.GreaterThanOrEqual(maxPrice) {
				rowErrors = append(rowErrors, fmt.Sprintf("Row %d: 'price' must be a non-negative number.", row.Line))
				continue
			}
			price = v.Round(2)
		}

		prod := ImportProduct{Name: row.Name, SKU: row.SKU, Price: price}
		if row.Category != "" {
			key := strings.ToLower(row.Category)
			id, ok := categories[key]
			if !ok {
				var err error
				id, err = q.store.FindOrCreateCategory(ctx, db, p, row.Category)
				if err != nil {
					return nil, nil, fmt.Errorf("row %d: %w", row.Line, err)
				}
				categories[key] = id
			}
			prod.CategoryID = &id
		}
		products = append(products, prod)
	}
	return products, rowErrors, nil
}

func (q *ImportQueue) count(result string) {
	if q.cfg.Metrics != nil {
		q.cfg.Metrics.ImportJobs.WithLabelValues(result).Inc()
	}
}
