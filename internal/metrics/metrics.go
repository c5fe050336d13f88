// Package metrics exports sync and HTTP metrics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"catalog_syncer/internal/domain"
)

const namespace = "catalog_syncer"

type Metrics struct {
	registry *prometheus.Registry

	items        *prometheus.CounterVec
	runs         *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	itemsRemoved *prometheus.CounterVec
	requests     *prometheus.CounterVec
	reqDuration  *prometheus.HistogramVec
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		items: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_total",
				Help:      "Product records processed, by platform and result.",
			},
			[]string{"platform", "result"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finalized sync runs, by platform, mode and status.",
			},
			[]string{"platform", "mode", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of finalized sync runs.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"platform", "mode"},
		),
		itemsRemoved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "items_removed_total",
				Help:      "Products marked unavailable by reconciliation.",
			},
			[]string{"platform"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests.",
			},
			[]string{"method", "endpoint", "status"},
		),
		reqDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Histogram of HTTP request durations.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "endpoint", "status"},
		),
	}

	registry.MustRegister(m.items, m.runs, m.runDuration, m.itemsRemoved, m.requests, m.reqDuration)
	return m
}

func (m *Metrics) ObserveItem(platform domain.Platform, result string) {
	m.items.WithLabelValues(platform.String(), result).Inc()
}

func (m *Metrics) ObserveRun(platform domain.Platform, run *domain.SyncRun) {
	m.runs.WithLabelValues(platform.String(), string(run.Mode), string(run.Status)).Inc()
	if run.CompletedAt != nil {
		m.runDuration.WithLabelValues(platform.String(), string(run.Mode)).
			Observe(run.CompletedAt.Sub(run.StartedAt).Seconds())
	}
	if run.ItemsRemoved > 0 {
		m.itemsRemoved.WithLabelValues(platform.String()).Add(float64(run.ItemsRemoved))
	}
}

// RecordRequest records one served HTTP request.
func (m *Metrics) RecordRequest(method, endpoint string, statusCode int, duration time.Duration) {
	status := classifyStatus(statusCode)
	m.requests.WithLabelValues(method, endpoint, status).Inc()
	m.reqDuration.WithLabelValues(method, endpoint, status).Observe(duration.Seconds())
}

func classifyStatus(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "2xx"
	case statusCode >= 300 && statusCode < 400:
		return "3xx"
	case statusCode >= 400 && statusCode < 500:
		return "4xx"
	case statusCode >= 500 && statusCode < 600:
		return "5xx"
	default:
		return "unknown"
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
