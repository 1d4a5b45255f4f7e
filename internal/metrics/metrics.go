// Package metrics holds the Prometheus registry for the policy engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once     sync.Once
	registry *Registry
)

// Registry holds all engine metrics.
type Registry struct {
	// Evaluation
	Decisions         *prometheus.CounterVec // by egress point and rule
	DecisionFallbacks prometheus.Counter

	// Change pipeline
	Validations     *prometheus.CounterVec // by result
	Applies         *prometheus.CounterVec // by result
	Rollbacks       *prometheus.CounterVec // by result
	AdapterFailures *prometheus.CounterVec // by adapter

	// Egress health
	EgressReachable *prometheus.GaugeVec
	EgressLatency   *prometheus.GaugeVec

	// API
	APIRequests *prometheus.CounterVec
	APILatency  *prometheus.HistogramVec
}

// Get returns the global metrics registry, creating it if necessary.
func Get() *Registry {
	once.Do(func() {
		registry = newRegistry()
	})
	return registry
}

func newRegistry() *Registry {
	r := &Registry{}

	r.Decisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wayout_decisions_total",
		Help: "Traffic decisions by egress point and matched rule",
	}, []string{"egress", "rule"})

	r.DecisionFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "wayout_decision_fallbacks_total",
		Help: "Decisions that fell through to the default egress",
	})

	r.Validations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wayout_validations_total",
		Help: "Change-set validations by result",
	}, []string{"result"})

	r.Applies = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wayout_applies_total",
		Help: "Change-set apply attempts by result",
	}, []string{"result"})

	r.Rollbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wayout_rollbacks_total",
		Help: "Rollback attempts by result",
	}, []string{"result"})

	r.AdapterFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wayout_adapter_failures_total",
		Help: "Failed adapter calls by adapter name",
	}, []string{"adapter"})

	r.EgressReachable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wayout_egress_reachable",
		Help: "Whether an egress point is reachable (1/0)",
	}, []string{"egress"})

	r.EgressLatency = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "wayout_egress_latency_ms",
		Help: "Last measured egress probe latency in milliseconds",
	}, []string{"egress"})

	r.APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "wayout_api_requests_total",
		Help: "API requests by path and status code",
	}, []string{"path", "code"})

	r.APILatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "wayout_api_latency_seconds",
		Help:    "API request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"path"})

	return r
}
