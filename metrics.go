package reqcache

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is an Observer that exports cache events to Prometheus
type Metrics struct {
	registry      *prometheus.Registry
	events        *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
}

var _ Observer = &Metrics{}

// NewMetrics creates metrics on a private registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "reqcache_events_total",
		Help: "Total request cache events",
	}, []string{"cache", "event"})

	fetchDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "reqcache_fetch_duration_seconds",
		Help:    "Duration of backend fetches issued by the request cache",
		Buckets: prometheus.DefBuckets,
	}, []string{"cache", "result"})

	registry.MustRegister(events, fetchDuration)

	return &Metrics{
		registry:      registry,
		events:        events,
		fetchDuration: fetchDuration,
	}
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Observe(_ context.Context, ev Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(ev.Cache, ev.Kind.String()).Inc()

	switch ev.Kind {
	case EventFetchSuccess:
		m.fetchDuration.WithLabelValues(ev.Cache, "success").Observe(ev.Duration.Seconds())
	case EventFetchFailure:
		m.fetchDuration.WithLabelValues(ev.Cache, "failure").Observe(ev.Duration.Seconds())
	case EventFetchTimeout:
		m.fetchDuration.WithLabelValues(ev.Cache, "timeout").Observe(ev.Duration.Seconds())
	}
}
