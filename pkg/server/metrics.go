package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// metrics collects cycle and action counters for the optional Prometheus
// endpoint.
type metrics struct {
	registry      *prometheus.Registry
	cyclesTotal   *prometheus.CounterVec
	cycleSkips    prometheus.Counter
	actionsTotal  *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	unresolved    prometheus.Gauge
}

func newMetrics() *metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	factory := promauto.With(registry)
	return &metrics{
		registry: registry,
		cyclesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pterosync_cycles_total",
			Help: "Reconcile cycles run, by result.",
		}, []string{"result"}),
		cycleSkips: factory.NewCounter(prometheus.CounterOpts{
			Name: "pterosync_cycle_skips_total",
			Help: "Ticks skipped because the previous cycle was still running.",
		}),
		actionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "pterosync_actions_total",
			Help: "Rule mutations applied, by action.",
		}, []string{"action"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pterosync_cycle_duration_seconds",
			Help:    "Duration of reconcile cycles.",
			Buckets: prometheus.DefBuckets,
		}),
		unresolved: factory.NewGauge(prometheus.GaugeOpts{
			Name: "pterosync_unresolved_allocations",
			Help: "Allocations skipped in the last cycle for lack of a target IP.",
		}),
	}
}

// observeCycle records the outcome of one cycle.
func (m *metrics) observeCycle(deleted, updated, created, skipped int, duration time.Duration, failed bool) {
	result := "success"
	if failed {
		result = "error"
	}
	m.cyclesTotal.WithLabelValues(result).Inc()
	m.cycleDuration.Observe(duration.Seconds())
	m.actionsTotal.WithLabelValues("delete").Add(float64(deleted))
	m.actionsTotal.WithLabelValues("update").Add(float64(updated))
	m.actionsTotal.WithLabelValues("create").Add(float64(created))
	m.unresolved.Set(float64(skipped))
}

// handler returns the scrape handler for this registry.
func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
