// Package telemetry exposes the agent's own process metrics in Prometheus
// format. These are separate from the self metrics forwarded to the backend.
package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chouette"

// Metrics is safe to use through a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	ticks        *prometheus.CounterVec
	tickDuration *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec
	dispatched   *prometheus.CounterVec
	purged       *prometheus.CounterVec
	aggregated   *prometheus.CounterVec
	pluginErrors *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		ticks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_ticks_total",
			Help:      "Ticks processed per worker, by outcome.",
		}, []string{"worker", "outcome"}),
		tickDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_tick_duration_seconds",
			Help:      "Wall time spent handling one tick.",
			Buckets:   []float64{.005, .01, .05, .1, .5, 1, 5, 15, 30, 60},
		}, []string{"worker"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_records",
			Help:      "Records currently held per queue category.",
		}, []string{"category"}),
		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Records and bytes confirmed by the backend, per queue category.",
		}, []string{"category", "unit"}),
		purged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "purged_records_total",
			Help:      "Records dropped by TTL purge.",
		}, []string{"category"}),
		aggregated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "aggregated_total",
			Help:      "Raw records consumed and points produced by the aggregator.",
		}, []string{"kind"}),
		pluginErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plugin_failures_total",
			Help:      "Collector plugin calls that failed, panicked or timed out.",
		}, []string{"plugin"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ticks, m.tickDuration, m.queueDepth, m.dispatched, m.purged, m.aggregated, m.pluginErrors,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveTick(worker string, took time.Duration, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.ticks.WithLabelValues(worker, outcome).Inc()
	m.tickDuration.WithLabelValues(worker).Observe(took.Seconds())
}

func (m *Metrics) SetQueueDepth(category string, n int64) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(category).Set(float64(n))
}

func (m *Metrics) AddDispatched(category string, records, bytes int) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(category, "records").Add(float64(records))
	m.dispatched.WithLabelValues(category, "bytes").Add(float64(bytes))
}

func (m *Metrics) AddPurged(category string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.purged.WithLabelValues(category).Add(float64(n))
}

func (m *Metrics) AddAggregated(consumed, produced int) {
	if m == nil {
		return
	}
	m.aggregated.WithLabelValues("consumed").Add(float64(consumed))
	m.aggregated.WithLabelValues("produced").Add(float64(produced))
}

func (m *Metrics) IncPluginFailure(plugin string) {
	if m == nil {
		return
	}
	m.pluginErrors.WithLabelValues(plugin).Inc()
}
