package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry             *prometheus.Registry
	jobsTotal            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	activeJobs           prometheus.Gauge
	itemsTotal           *prometheus.CounterVec
	archivesTotal        *prometheus.CounterVec
	webhookFailuresTotal *prometheus.CounterVec
	pixelsProcessedTotal prometheus.Counter
	bytesSavedTotal      prometheus.Counter
	computeTimeMSTotal   prometheus.Counter
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softframe_worker_jobs_total",
			Help: "Total worker jobs by source type and final status.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "softframe_worker_job_duration_seconds",
			Help:    "Total processing duration for each worker job.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "softframe_worker_active_jobs",
			Help: "Current number of active framing jobs in the worker.",
		}),
		itemsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softframe_worker_items_total",
			Help: "Total framed items by outcome.",
		}, []string{"outcome"}),
		archivesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softframe_worker_archives_total",
			Help: "Total zip archives built by outcome.",
		}, []string{"outcome"}),
		webhookFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "softframe_worker_webhook_failures_total",
			Help: "Webhook deliveries that exhausted their retries.",
		}, []string{"event"}),
		pixelsProcessedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "softframe_usage_pixels_processed_total",
			Help: "Total output pixels produced across all jobs.",
		}),
		bytesSavedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "softframe_usage_bytes_saved_total",
			Help: "Total bytes saved across all jobs.",
		}),
		computeTimeMSTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "softframe_usage_compute_time_ms_total",
			Help: "Total compute time in milliseconds across jobs.",
		}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.itemsTotal,
		m.archivesTotal,
		m.webhookFailuresTotal,
		m.pixelsProcessedTotal,
		m.bytesSavedTotal,
		m.computeTimeMSTotal,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
