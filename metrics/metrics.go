// Package metrics exposes the Runtime Orchestrator's tick, traffic and
// population gauges to Prometheus, the way ghjramos-aistore's subsystems
// register per-concern collectors rather than reaching for a global default
// registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector the orchestrator updates once per tick
// (spec.md §4.7). A nil *Metrics is safe to call methods on — every method
// is a no-op — so callers that didn't build one (e.g. unit tests) don't need
// to special-case it.
type Metrics struct {
	reg *prometheus.Registry

	tickDuration    prometheus.Histogram
	entityCount     prometheus.Gauge
	cellCount       prometheus.Gauge
	workerCount     *prometheus.GaugeVec
	bytesSent       *prometheus.CounterVec
	bytesReceived   *prometheus.CounterVec
	spawnRequests   *prometheus.CounterVec
	queryDeliveries prometheus.Counter
	rebalanceMoves  prometheus.Counter
	workerTimeouts  *prometheus.CounterVec
}

// New builds a Metrics bound to a fresh registry, so a process embedding
// jani alongside other Prometheus-instrumented subsystems never collides
// with the default global registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "jani",
			Subsystem: "runtime",
			Name:      "tick_duration_seconds",
			Help:      "Wall-clock duration of one orchestrator tick.",
			Buckets:   prometheus.DefBuckets,
		}),
		entityCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jani", Subsystem: "store", Name: "entities",
			Help: "Number of live entities in the authoritative store.",
		}),
		cellCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "jani", Subsystem: "world", Name: "cells",
			Help: "Number of world cells ever created.",
		}),
		workerCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "jani", Subsystem: "world", Name: "workers",
			Help: "Number of connected workers per layer.",
		}, []string{"layer"}),
		bytesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jani", Subsystem: "transport", Name: "bytes_sent_total",
			Help: "Bytes sent per transport role.",
		}, []string{"role"}),
		bytesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jani", Subsystem: "transport", Name: "bytes_received_total",
			Help: "Bytes received per transport role.",
		}, []string{"role"}),
		spawnRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jani", Subsystem: "spawner", Name: "requests_total",
			Help: "Worker spawn requests issued per layer.",
		}, []string{"layer"}),
		queryDeliveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jani", Subsystem: "query", Name: "deliveries_total",
			Help: "Interest-query result datagrams produced.",
		}),
		rebalanceMoves: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "jani", Subsystem: "world", Name: "rebalance_moves_total",
			Help: "Cell handoffs performed by the spatial rebalancer.",
		}),
		workerTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "jani", Subsystem: "transport", Name: "worker_timeouts_total",
			Help: "Workers dropped for inactivity per layer.",
		}, []string{"layer"}),
	}
	reg.MustRegister(
		m.tickDuration, m.entityCount, m.cellCount, m.workerCount,
		m.bytesSent, m.bytesReceived, m.spawnRequests, m.queryDeliveries,
		m.rebalanceMoves, m.workerTimeouts,
	)
	return m
}

// Handler returns the /metrics HTTP handler for this Metrics' registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveTick(seconds float64) {
	if m == nil {
		return
	}
	m.tickDuration.Observe(seconds)
}

func (m *Metrics) SetEntityCount(n int) {
	if m == nil {
		return
	}
	m.entityCount.Set(float64(n))
}

func (m *Metrics) SetCellCount(n int) {
	if m == nil {
		return
	}
	m.cellCount.Set(float64(n))
}

func (m *Metrics) SetWorkerCount(layer string, n int) {
	if m == nil {
		return
	}
	m.workerCount.WithLabelValues(layer).Set(float64(n))
}

func (m *Metrics) AddBytesSent(role string, n uint64) {
	if m == nil {
		return
	}
	m.bytesSent.WithLabelValues(role).Add(float64(n))
}

func (m *Metrics) AddBytesReceived(role string, n uint64) {
	if m == nil {
		return
	}
	m.bytesReceived.WithLabelValues(role).Add(float64(n))
}

func (m *Metrics) IncSpawnRequest(layer string) {
	if m == nil {
		return
	}
	m.spawnRequests.WithLabelValues(layer).Inc()
}

func (m *Metrics) AddQueryDeliveries(n int) {
	if m == nil || n == 0 {
		return
	}
	m.queryDeliveries.Add(float64(n))
}

func (m *Metrics) AddRebalanceMoves(n int) {
	if m == nil || n == 0 {
		return
	}
	m.rebalanceMoves.Add(float64(n))
}

func (m *Metrics) IncWorkerTimeout(layer string) {
	if m == nil {
		return
	}
	m.workerTimeouts.WithLabelValues(layer).Inc()
}
