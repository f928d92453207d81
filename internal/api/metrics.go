package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/tidyimg/internal/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	responseBytes     *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	editsTotal        *prometheus.CounterVec
	exportsEnqueued   *prometheus.CounterVec
}

func newMetrics(sessions *store.MemorySessionStore) *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidyimg_api_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tidyimg_api_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		responseBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tidyimg_api_response_bytes",
			Help:    "API response body size in bytes; image and export routes dominate.",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		}, []string{"route"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidyimg_api_rate_limit_rejections_total",
			Help: "Total API requests rejected by rate limiting.",
		}, []string{"route"}),
		editsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidyimg_api_edits_total",
			Help: "Total session operations by operation and outcome.",
		}, []string{"op", "outcome"}),
		exportsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidyimg_queue_exports_enqueued_total",
			Help: "Total exports enqueued for the worker.",
		}, []string{"queue"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.responseBytes,
		m.rateLimitRejected,
		m.editsTotal,
		m.exportsEnqueued,
	)
	if sessions != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "tidyimg_api_sessions",
			Help: "Editing sessions currently held in memory.",
		}, func() float64 { return float64(sessions.Len()) }))
	}
	return m
}

func (m *metrics) metricsHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *metrics) observeEdit(op string, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.editsTotal.WithLabelValues(op, outcome).Inc()
}

func (m *metrics) withHTTPMetrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := newStatusRecorder(w)
		next.ServeHTTP(recorder, r)

		route := routeLabel(r.URL.Path)
		status := strconv.Itoa(recorder.status)

		m.requestTotal.WithLabelValues(r.Method, route, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.responseBytes.WithLabelValues(route).Observe(float64(recorder.bytes))
	})
}

// routeLabel collapses ids out of a request path so labels stay bounded.
func routeLabel(path string) string {
	switch {
	case path == "/healthz", path == "/metrics", path == "/v1/sessions", path == "/v1/sessions/import":
		return path
	case strings.HasPrefix(path, "/v1/sessions/"):
		parts := strings.Split(strings.Trim(strings.TrimPrefix(path, "/v1/sessions/"), "/"), "/")
		switch len(parts) {
		case 1:
			return "/v1/sessions/{id}"
		case 2:
			return "/v1/sessions/{id}/" + parts[1]
		}
	case strings.HasPrefix(path, "/v1/exports/"):
		return "/v1/exports/{id}"
	}
	return "other"
}

// statusRecorder remembers the first status written and counts body bytes.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	if !r.wroteHeader {
		r.status = statusCode
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
