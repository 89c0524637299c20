// File: internal/observability/metrics.go
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "scalpel_resolver"

// Metrics groups every collector the resolver updates. A nil *Metrics is valid
// and records nothing, so components can be built without a registry.
type Metrics struct {
	SelectorLookups  *prometheus.CounterVec
	DiscoveryCalls   *prometheus.CounterVec
	PoolAcquire      *prometheus.HistogramVec
	PoolExhausted    *prometheus.CounterVec
	PoolSessions     *prometheus.GaugeVec
	Classifications  *prometheus.CounterVec
	FallbackAttempts *prometheus.CounterVec
	Resolutions      *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		SelectorLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "selector_lookups_total",
			Help:      "Selector cache lookups by result (hit, absent, expired, degraded).",
		}, []string{"target", "result"}),
		DiscoveryCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "discovery_calls_total",
			Help:      "Calls to the discovery collaborator by outcome.",
		}, []string{"target", "outcome"}),
		PoolAcquire: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "pool_acquire_seconds",
			Help:      "Time spent acquiring a session.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"target"}),
		PoolExhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "pool_exhausted_total",
			Help:      "Acquire calls that failed with pool exhaustion.",
		}, []string{"target"}),
		PoolSessions: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "pool_sessions",
			Help:      "Live sessions per target and state.",
		}, []string{"target", "state"}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "stream_classifications_total",
			Help:      "Stream method classifications by method.",
		}, []string{"target", "method"}),
		FallbackAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "fallback_attempts_total",
			Help:      "Fallback chain step attempts by category, step and result.",
		}, []string{"category", "step", "result"}),
		Resolutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "resolutions_total",
			Help:      "Finished resolutions by outcome.",
		}, []string{"target", "outcome"}),
	}

	collectors := []prometheus.Collector{
		m.SelectorLookups, m.DiscoveryCalls, m.PoolAcquire, m.PoolExhausted,
		m.PoolSessions, m.Classifications, m.FallbackAttempts, m.Resolutions,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// SelectorLookup records one cache lookup.
func (m *Metrics) SelectorLookup(target, result string) {
	if m == nil {
		return
	}
	m.SelectorLookups.WithLabelValues(target, result).Inc()
}

// DiscoveryCall records one discovery call.
func (m *Metrics) DiscoveryCall(target string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	m.DiscoveryCalls.WithLabelValues(target, outcome).Inc()
}

// AcquireObserved records acquire latency in seconds.
func (m *Metrics) AcquireObserved(target string, seconds float64) {
	if m == nil {
		return
	}
	m.PoolAcquire.WithLabelValues(target).Observe(seconds)
}

// Exhausted records one pool exhaustion.
func (m *Metrics) Exhausted(target string) {
	if m == nil {
		return
	}
	m.PoolExhausted.WithLabelValues(target).Inc()
}

// SessionsGauge sets the live session count for a target and state.
func (m *Metrics) SessionsGauge(target, state string, n int) {
	if m == nil {
		return
	}
	m.PoolSessions.WithLabelValues(target, state).Set(float64(n))
}

// Classified records one stream classification.
func (m *Metrics) Classified(target, method string) {
	if m == nil {
		return
	}
	m.Classifications.WithLabelValues(target, method).Inc()
}

// FallbackAttempt records one chain step attempt.
func (m *Metrics) FallbackAttempt(category, step string, recovered bool) {
	if m == nil {
		return
	}
	result := "failed"
	if recovered {
		result = "recovered"
	}
	m.FallbackAttempts.WithLabelValues(category, step, result).Inc()
}

// Resolved records a finished resolution.
func (m *Metrics) Resolved(target, outcome string) {
	if m == nil {
		return
	}
	m.Resolutions.WithLabelValues(target, outcome).Inc()
}
