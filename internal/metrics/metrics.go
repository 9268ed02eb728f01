// Package metrics exposes Prometheus collectors for the harvesting pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "vinskraper"

// Fetch outcomes.
const (
	OutcomeOK          = "ok"
	OutcomeRateLimited = "rate_limited"
	OutcomeStatus      = "status"
	OutcomeTransport   = "transport"
	OutcomeMalformed   = "malformed"
)

// Metrics groups the pipeline collectors. A nil *Metrics records nothing.
type Metrics struct {
	fetchAttempts  *prometheus.CounterVec
	proxyRotations prometheus.Counter
	recordsSynced  *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_attempts_total",
			Help:      "Upstream HTTP attempts by outcome.",
		}, []string{"outcome"}),
		proxyRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "proxy_rotations_total",
			Help:      "Proxy rotations after failed attempts.",
		}),
		recordsSynced: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_synced_total",
			Help:      "Records written to the store by collection and operation.",
		}, []string{"collection", "op"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_transitions_total",
			Help:      "Product lifecycle transitions by kind.",
		}, []string{"kind"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Job invocations by job and result.",
		}, []string{"job", "result"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Job wall-clock duration.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}, []string{"job"}),
	}
	if reg != nil {
		reg.MustRegister(m.fetchAttempts, m.proxyRotations, m.recordsSynced, m.transitions, m.jobRuns, m.jobDuration)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// ObserveFetch counts one upstream attempt.
func (m *Metrics) ObserveFetch(outcome string) {
	if m == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(outcome).Inc()
}

// ObserveRotation counts one proxy rotation.
func (m *Metrics) ObserveRotation() {
	if m == nil {
		return
	}
	m.proxyRotations.Inc()
}

// ObserveSync counts n records written.
func (m *Metrics) ObserveSync(collection, op string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.recordsSynced.WithLabelValues(collection, op).Add(float64(n))
}

// ObserveTransition counts one lifecycle transition.
func (m *Metrics) ObserveTransition(kind string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind).Inc()
}

// ObserveJob records one job invocation.
func (m *Metrics) ObserveJob(job string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	m.jobRuns.WithLabelValues(job, result).Inc()
	m.jobDuration.WithLabelValues(job).Observe(elapsed.Seconds())
}
