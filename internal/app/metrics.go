package app

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Rewrite outcomes recorded by quill_rewrites_total.
const (
	outcomeSuccess   = "success"
	outcomeProvider  = "provider_error"
	outcomeNotSaved  = "not_saved"
	outcomePartial   = "partial"
	outcomeCancelled = "cancelled"
)

// Metrics holds the collectors of one Service on a private registry.
type Metrics struct {
	registry         *prometheus.Registry
	rewrites         *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	revisions        *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		rewrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_rewrites_total",
			Help: "Rewrite requests by provider and outcome",
		}, []string{"provider", "outcome"}),
		providerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quill_provider_request_duration_seconds",
			Help:    "Duration of text-generation provider calls",
			Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"provider"}),
		revisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "quill_revisions_appended_total",
			Help: "Revisions appended to the store by kind",
		}, []string{"kind"}),
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) rewrite(providerName, outcome string) {
	m.rewrites.WithLabelValues(providerName, outcome).Inc()
}

func (m *Metrics) observeProvider(providerName string, started time.Time) {
	m.providerDuration.WithLabelValues(providerName).Observe(time.Since(started).Seconds())
}

func (m *Metrics) appended(kind string) {
	m.revisions.WithLabelValues(kind).Inc()
}
