// Package metrics exposes run metrics in Prometheus form.
//
// Runs are short-lived, so nothing is served over HTTP; the registry is
// written to a node-exporter textfile at the end of a run instead.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "bulwark"

// Registry holds all run metrics. A nil *Registry is valid and records
// nothing, so components can take one unconditionally.
type Registry struct {
	reg *prometheus.Registry

	UnitOutcomes  *prometheus.CounterVec
	UnitDuration  *prometheus.HistogramVec
	Rollbacks     *prometheus.CounterVec
	ProbeAttempts *prometheus.CounterVec
	LeasesOpen    *prometheus.GaugeVec
	LeaseLifetime *prometheus.HistogramVec
	RunDuration   *prometheus.GaugeVec
	LastRun       *prometheus.GaugeVec
	RunStatus     *prometheus.GaugeVec
}

// New creates a registry with every collector registered.
func New() *Registry {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	r := &Registry{reg: reg}

	r.UnitOutcomes = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "unit_outcomes_total",
		Help:      "Change unit outcomes by result",
	}, []string{"host", "result"})

	r.UnitDuration = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "unit_duration_seconds",
		Help:      "Time spent in one change unit transaction",
		Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
	}, []string{"host"})

	r.Rollbacks = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rollbacks_total",
		Help:      "Rollbacks by kind (transaction, compensating, fatal)",
	}, []string{"host", "kind"})

	r.ProbeAttempts = f.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "probe_attempts_total",
		Help:      "Primary access probe attempts by result",
	}, []string{"host", "result"})

	r.LeasesOpen = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "emergency_leases_open",
		Help:      "Emergency access leases currently open",
	}, []string{"host"})

	r.LeaseLifetime = f.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "emergency_lease_lifetime_seconds",
		Help:      "Time from lease open to teardown",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
	}, []string{"host", "state"})

	r.RunDuration = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "run_duration_seconds",
		Help:      "Duration of the last run",
	}, []string{"host"})

	r.LastRun = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_timestamp_seconds",
		Help:      "Unix timestamp of the last run",
	}, []string{"host"})

	r.RunStatus = f.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "last_run_success",
		Help:      "1 if the last run succeeded, 0 otherwise",
	}, []string{"host"})

	return r
}

// Gatherer returns the underlying registry.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

// UnitOutcome counts one finished unit.
func (r *Registry) UnitOutcome(host, result string, d time.Duration) {
	if r == nil {
		return
	}
	r.UnitOutcomes.WithLabelValues(host, result).Inc()
	r.UnitDuration.WithLabelValues(host).Observe(d.Seconds())
}

// Rollback counts one rollback of the given kind.
func (r *Registry) Rollback(host, kind string) {
	if r == nil {
		return
	}
	r.Rollbacks.WithLabelValues(host, kind).Inc()
}

// ProbeAttempt counts one probe attempt.
func (r *Registry) ProbeAttempt(host string, err error) {
	if r == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	r.ProbeAttempts.WithLabelValues(host, result).Inc()
}

// LeaseOpened marks a lease as open.
func (r *Registry) LeaseOpened(host string) {
	if r == nil {
		return
	}
	r.LeasesOpen.WithLabelValues(host).Inc()
}

// LeaseClosed records a torn-down lease and its lifetime.
func (r *Registry) LeaseClosed(host, state string, lifetime time.Duration) {
	if r == nil {
		return
	}
	r.LeasesOpen.WithLabelValues(host).Dec()
	r.LeaseLifetime.WithLabelValues(host, state).Observe(lifetime.Seconds())
}

// RunFinished records the end of a host run.
func (r *Registry) RunFinished(host string, at time.Time, d time.Duration, ok bool) {
	if r == nil {
		return
	}
	r.RunDuration.WithLabelValues(host).Set(d.Seconds())
	r.LastRun.WithLabelValues(host).Set(float64(at.Unix()))
	status := 0.0
	if ok {
		status = 1
	}
	r.RunStatus.WithLabelValues(host).Set(status)
}
