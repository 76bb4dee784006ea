// Package metrics exposes the gateway's Prometheus collectors and the
// metrics HTTP listener.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the gateway reports.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	backendOperations *prometheus.CounterVec
	backendDuration   *prometheus.HistogramVec
	backendBytes      *prometheus.CounterVec

	dbQueryDuration *prometheus.HistogramVec

	activeUploads *prometheus.GaugeVec
	eventsDropped prometheus.Counter
}

// New creates the registry with the gateway collectors plus the standard Go
// and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return &Metrics{
		registry: reg,
		requestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_http_requests_total",
				Help: "HTTP requests by surface, method and status code",
			},
			[]string{"surface", "method", "status"},
		),
		requestDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_http_request_duration_seconds",
				Help:    "HTTP request duration by surface and method",
				Buckets: []float64{0.005, 0.025, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"surface", "method"},
		),
		backendOperations: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_backend_operations_total",
				Help: "Blob backend operations by operation and status",
			},
			[]string{"operation", "status"},
		),
		backendDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_backend_operation_duration_seconds",
				Help:    "Blob backend operation duration",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"operation"},
		),
		backendBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "keel_backend_bytes_total",
				Help: "Bytes moved through the blob backend by direction",
			},
			[]string{"direction"},
		),
		dbQueryDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keel_db_query_duration_seconds",
				Help:    "Metadata query duration by operation",
				Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.5, 1, 5},
			},
			[]string{"operation"},
		),
		activeUploads: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "keel_active_uploads",
				Help: "In-flight uploads by kind (multipart, tus)",
			},
			[]string{"kind"},
		),
		eventsDropped: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Name: "keel_events_dropped_total",
				Help: "Lifecycle events dropped because the queue was full",
			},
		),
	}
}

// Handler returns the scrape endpoint handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRequest records one finished HTTP request.
func (m *Metrics) ObserveRequest(surface, method string, status int, duration time.Duration) {
	m.requestsTotal.WithLabelValues(surface, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(surface, method).Observe(duration.Seconds())
}

// ObserveBackendOp records one blob backend operation.
func (m *Metrics) ObserveBackendOp(operation, status string, duration time.Duration) {
	m.backendOperations.WithLabelValues(operation, status).Inc()
	m.backendDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// AddBackendBytes accumulates transferred bytes; direction is "in" or "out".
func (m *Metrics) AddBackendBytes(direction string, n int64) {
	if n > 0 {
		m.backendBytes.WithLabelValues(direction).Add(float64(n))
	}
}

// ObserveQuery records one metadata store query.
func (m *Metrics) ObserveQuery(operation string, duration time.Duration) {
	m.dbQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// UploadStarted and UploadFinished track in-flight uploads.
func (m *Metrics) UploadStarted(kind string)  { m.activeUploads.WithLabelValues(kind).Inc() }
func (m *Metrics) UploadFinished(kind string) { m.activeUploads.WithLabelValues(kind).Dec() }

// EventDropped counts one dropped lifecycle event.
func (m *Metrics) EventDropped() { m.eventsDropped.Inc() }
