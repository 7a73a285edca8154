// Package metrics holds the Prometheus collectors for the portal core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "portal"

// Metrics holds all collectors. A nil *Metrics is valid and records nothing,
// so components can be built without a registry.
type Metrics struct {
	AuthTransitions    *prometheus.CounterVec
	StateListeners     prometheus.Gauge
	FetchAttempts      *prometheus.CounterVec
	FetchDuration      *prometheus.HistogramVec
	ProfileLoads       *prometheus.CounterVec
	AssignmentFetches  *prometheus.CounterVec
	AvailabilityChecks *prometheus.CounterVec
}

// NewMetrics creates and registers all metrics with the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		AuthTransitions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_transitions_total",
				Help:      "Auth state transitions",
			},
			[]string{"from", "to"},
		),
		StateListeners: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "auth_state_listeners",
				Help:      "Registered auth state listeners",
			},
		),
		FetchAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fetch_attempts_total",
				Help:      "Individual attempts made by resilient fetches",
			},
			[]string{"operation", "outcome"}, // outcome=ok/error
		),
		FetchDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "fetch_duration_seconds",
				Help:      "Duration of a logical fetch including retries",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		ProfileLoads: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "client_profile_loads_total",
				Help:      "Client profile loads by resulting status",
			},
			[]string{"status"},
		),
		AssignmentFetches: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "assignment_fetches_total",
				Help:      "Assignment fetches by result",
			},
			[]string{"result"}, // result=success/error/rejected
		),
		AvailabilityChecks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "availability_checks_total",
				Help:      "Availability checks by result",
			},
			[]string{"result"}, // result=available/unavailable/skipped/error
		),
	}
}

func (m *Metrics) RecordTransition(from, to string) {
	if m == nil {
		return
	}
	m.AuthTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.StateListeners.Set(float64(n))
}

func (m *Metrics) RecordFetchAttempt(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.FetchAttempts.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) ObserveFetch(operation string, seconds float64) {
	if m == nil {
		return
	}
	m.FetchDuration.WithLabelValues(operation).Observe(seconds)
}

func (m *Metrics) RecordProfileLoad(status string) {
	if m == nil {
		return
	}
	m.ProfileLoads.WithLabelValues(status).Inc()
}

func (m *Metrics) RecordAssignmentFetch(result string) {
	if m == nil {
		return
	}
	m.AssignmentFetches.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordAvailabilityCheck(result string) {
	if m == nil {
		return
	}
	m.AvailabilityChecks.WithLabelValues(result).Inc()
}
