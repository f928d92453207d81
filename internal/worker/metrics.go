package worker

import (
	"errors"
	"net/http"

	"github.com/dunamismax/tidyimg/internal/domain"
	"github.com/dunamismax/tidyimg/internal/webhook"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	exportsTotal     *prometheus.CounterVec
	exportDuration   *prometheus.HistogramVec
	activeExports    prometheus.Gauge
	outputBytesTotal *prometheus.CounterVec
	bytesSavedTotal  prometheus.Counter
	sizeRatio        *prometheus.HistogramVec
	webhooksTotal    *prometheus.CounterVec
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		exportsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidyimg_worker_exports_total",
			Help: "Total asynchronous exports by target format and final status.",
		}, []string{"format", "status"}),
		exportDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tidyimg_worker_export_duration_seconds",
			Help:    "Total processing duration for each export task.",
			Buckets: prometheus.DefBuckets,
		}, []string{"format", "status"}),
		activeExports: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tidyimg_worker_active_exports",
			Help: "Current number of exports being encoded by the worker.",
		}),
		outputBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidyimg_worker_output_bytes_total",
			Help: "Total bytes written for successful exports.",
		}, []string{"format"}),
		bytesSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tidyimg_worker_bytes_saved_total",
			Help: "Total bytes saved relative to the staged source across successful exports.",
		}),
		sizeRatio: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tidyimg_worker_export_size_ratio",
			Help:    "Output size divided by staged source size for successful exports.",
			Buckets: []float64{0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 4},
		}, []string{"format"}),
		webhooksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tidyimg_worker_webhooks_total",
			Help: "Webhook deliveries by event and outcome.",
		}, []string{"event", "outcome"}),
	}

	registry.MustRegister(
		m.exportsTotal,
		m.exportDuration,
		m.activeExports,
		m.outputBytesTotal,
		m.bytesSavedTotal,
		m.sizeRatio,
		m.webhooksTotal,
	)
	return m
}

func (m *metrics) observeSuccess(format string, rec domain.ExportRecord) {
	m.outputBytesTotal.WithLabelValues(format).Add(float64(rec.OutputSize))
	m.bytesSavedTotal.Add(float64(rec.BytesSaved()))
	if rec.SourceSize > 0 {
		m.sizeRatio.WithLabelValues(format).Observe(float64(rec.OutputSize) / float64(rec.SourceSize))
	}
}

func (m *metrics) observeWebhook(event string, err error) {
	outcome := "delivered"
	switch {
	case errors.Is(err, webhook.ErrRejected):
		outcome = "rejected"
	case err != nil:
		outcome = "failed"
	}
	m.webhooksTotal.WithLabelValues(event, outcome).Inc()
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
