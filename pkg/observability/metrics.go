package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the piwheels master.
type Metrics struct {
	// HTTP metrics, for the admin and status endpoints.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestSize     *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Build metrics, one label set per ABI (§4.6, §4.9).
	BuildsTotal    *prometheus.CounterVec
	BuildDuration  *prometheus.HistogramVec
	QueueDepth     *prometheus.GaugeVec
	WorkersActive  *prometheus.GaugeVec

	// File transfer metrics (§4.7).
	FileTransferBytesTotal *prometheus.CounterVec
	FileTransferFailures   *prometheus.CounterVec

	// Catalog ingestion metrics (§4.4).
	IndexEventsTotal *prometheus.CounterVec
	PyPISerial       prometheus.Gauge

	// Page rendering metrics (§4.8).
	RewritesTotal  *prometheus.CounterVec
	RewriteLatency *prometheus.HistogramVec

	// Download/search access metrics (§4.9).
	DownloadsTotal prometheus.Counter
	SearchesTotal  prometheus.Counter

	// Database connection metrics, each one gauge counted across all
	// DbWorkers (§4.2).
	DBConnectionsActive prometheus.Gauge
	DBConnectionsIdle   prometheus.Gauge
	DBWaitingRequests   prometheus.Gauge

	// Output tree disk usage (§4.9's "disk free" status field).
	DiskFreeBytes  prometheus.Gauge
	DiskTotalBytes prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "piwheels_http_requests_total",
				Help: "Total number of HTTP requests served by the admin and status endpoints",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "piwheels_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "piwheels_http_request_size_bytes",
				Help:    "HTTP request size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "piwheels_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "path"},
		),

		BuildsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "piwheels_builds_total",
				Help: "Total number of BUILT reports processed, by ABI and outcome",
			},
			[]string{"abi", "status"},
		),
		BuildDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "piwheels_build_duration_seconds",
				Help:    "Reported build duration in seconds",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"abi"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "piwheels_queue_depth",
				Help: "Pending build queue depth, by ABI",
			},
			[]string{"abi"},
		),
		WorkersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "piwheels_workers_active",
				Help: "Connected build workers, by state",
			},
			[]string{"state"},
		),

		FileTransferBytesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "piwheels_file_transfer_bytes_total",
				Help: "Total bytes pulled from workers and published",
			},
			[]string{"abi"},
		),
		FileTransferFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "piwheels_file_transfer_failures_total",
				Help: "Total file transfers that failed verification or I/O",
			},
			[]string{"reason"},
		),

		IndexEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "piwheels_index_events_total",
				Help: "Total PyPI changelog events ingested, by action",
			},
			[]string{"action"},
		),
		PyPISerial: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "piwheels_pypi_serial",
				Help: "Last PyPI changelog serial successfully processed",
			},
		),

		RewritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "piwheels_rewrites_total",
				Help: "Total page rewrites performed, by kind",
			},
			[]string{"kind"},
		),
		RewriteLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "piwheels_rewrite_latency_seconds",
				Help:    "Time from catalog change notification to rewrite completion",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),

		DownloadsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "piwheels_downloads_total",
				Help: "Total wheel file downloads logged",
			},
		),
		SearchesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "piwheels_searches_total",
				Help: "Total search queries logged",
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "piwheels_db_connections_active",
				Help: "Number of DbWorker connections currently handling a request",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "piwheels_db_connections_idle",
				Help: "Number of DbWorker connections currently idle and ready",
			},
		),
		DBWaitingRequests: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "piwheels_db_waiting_requests",
				Help: "Number of requests queued waiting for a free DbWorker",
			},
		),

		DiskFreeBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "piwheels_disk_free_bytes",
				Help: "Free space on the output tree's filesystem",
			},
		),
		DiskTotalBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "piwheels_disk_total_bytes",
				Help: "Total space on the output tree's filesystem",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSize,
		m.HTTPResponseSize,
		m.BuildsTotal,
		m.BuildDuration,
		m.QueueDepth,
		m.WorkersActive,
		m.FileTransferBytesTotal,
		m.FileTransferFailures,
		m.IndexEventsTotal,
		m.PyPISerial,
		m.RewritesTotal,
		m.RewriteLatency,
		m.DownloadsTotal,
		m.SearchesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBWaitingRequests,
		m.DiskFreeBytes,
		m.DiskTotalBytes,
	)

	return m
}

// responseWriter wraps http.ResponseWriter to capture status code and size.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			if r.ContentLength > 0 {
				metrics.HTTPRequestSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(r.ContentLength))
			}

			next.ServeHTTP(rw, r)

			duration := time.Since(start).Seconds()
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path).Observe(duration)
			metrics.HTTPResponseSize.WithLabelValues(r.Method, r.URL.Path).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint.
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
