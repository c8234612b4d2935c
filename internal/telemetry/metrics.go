// Package telemetry exposes prometheus instrumentation for the
// decomposition engine and the oracle gateway.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the collectors shared across components. A nil *Metrics is
// safe to call; every method no-ops.
type Metrics struct {
	oracleCalls     *prometheus.CounterVec
	oracleLatency   *prometheus.HistogramVec
	nodeTransitions *prometheus.CounterVec
	generations     prometheus.Counter
	cacheHits       prometheus.Counter
	prdsEmitted     prometheus.Counter
}

// New registers the atomize collectors on the given registerer (the
// default prometheus registry when nil) and returns them.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		oracleCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atomize_oracle_calls_total",
			Help: "Oracle calls by operation and outcome.",
		}, []string{"operation", "outcome"}),
		oracleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "atomize_oracle_latency_seconds",
			Help:    "Oracle call latency by operation.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"operation"}),
		nodeTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "atomize_node_transitions_total",
			Help: "Node status transitions by resulting status.",
		}, []string{"status"}),
		generations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomize_generations_total",
			Help: "Frontier generations processed.",
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomize_verdict_cache_hits_total",
			Help: "Atomicity verdicts served from the redis cache.",
		}),
		prdsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "atomize_prds_emitted_total",
			Help: "PRD documents written.",
		}),
	}
	reg.MustRegister(m.oracleCalls, m.oracleLatency, m.nodeTransitions, m.generations, m.cacheHits, m.prdsEmitted)
	return m
}

// ObserveOracleCall records one oracle call.
func (m *Metrics) ObserveOracleCall(operation, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.oracleCalls.WithLabelValues(operation, outcome).Inc()
	m.oracleLatency.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// NodeTransition records a node entering a terminal or split status.
func (m *Metrics) NodeTransition(status string) {
	if m == nil {
		return
	}
	m.nodeTransitions.WithLabelValues(status).Inc()
}

// GenerationProcessed records one completed frontier pass.
func (m *Metrics) GenerationProcessed() {
	if m == nil {
		return
	}
	m.generations.Inc()
}

// CacheHit records a verdict served from the cache.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// PRDEmitted records one written document.
func (m *Metrics) PRDEmitted() {
	if m == nil {
		return
	}
	m.prdsEmitted.Inc()
}
