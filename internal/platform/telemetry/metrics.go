package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of one process. Each instance owns
// its registry so tests can create as many as they like.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	GuardDecisions *prometheus.CounterVec

	AuditDropped prometheus.Counter

	ImportJobs *prometheus.CounterVec
	ImportRows *prometheus.CounterVec

	StockMovements *prometheus.CounterVec

	NotificationsPublished *prometheus.CounterVec
	NotificationsDropped   prometheus.Counter
}

// NewMetrics registers all collectors under the given name prefix.
func NewMetrics(prefix string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    prefix + "_http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		GuardDecisions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_guard_decisions_total",
				Help: "Tenant guard decisions by outcome",
			},
			[]string{"outcome", "resource_type", "operation"},
		),

		AuditDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_audit_events_dropped_total",
			Help: "Audit events dropped because the buffer was full",
		}),

		ImportJobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_import_jobs_total",
				Help: "Product import jobs by result",
			},
			[]string{"result"},
		),
		ImportRows: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_import_rows_total",
				Help: "Product import rows by result",
			},
			[]string{"result"},
		),

		StockMovements: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_stock_movements_total",
				Help: "Stock adjustments and transfers by kind",
			},
			[]string{"kind"},
		),

		NotificationsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: prefix + "_notifications_published_total",
				Help: "Notifications published by type",
			},
			[]string{"type"},
		),
		NotificationsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_notifications_dropped_total",
			Help: "Notifications dropped for slow subscribers",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
