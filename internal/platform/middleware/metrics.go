package middleware

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/progestock/progestock/internal/platform/telemetry"
)

type routeKey struct{}

// route is filled in by RecordRoute once a mux has matched the request.
type route struct {
	pattern string
}

// Metrics records request counts and latencies labelled by route pattern.
// Requests that reach no RecordRoute wrapper are labelled "unmatched" so
// arbitrary paths cannot blow up label cardinality.
func Metrics(m *telemetry.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rt := &route{}
			rec := &statusRecorder{ResponseWriter: w}

			next.ServeHTTP(rec, r.WithContext(context.WithValue(r.Context(), routeKey{}, rt)))

			path := rt.pattern
			if path == "" {
				path = "unmatched"
			}
			status := strconv.Itoa(rec.Status())
			m.HTTPRequestsTotal.WithLabelValues(r.Method, path, status).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, path, status).Observe(time.Since(start).Seconds())
		})
	}
}

// RecordRoute wraps a handler registered on a ServeMux and reports the
// matched pattern to Metrics.
func RecordRoute(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rt, ok := r.Context().Value(routeKey{}).(*route); ok {
			rt.pattern = r.Pattern
		}
		next.ServeHTTP(w, r)
	})
}
