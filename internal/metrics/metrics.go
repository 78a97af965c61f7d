// Package metrics provides Prometheus instrumentation for the canaryz server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only canaryz metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the canaryz server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	EvaluationsTotal      *prometheus.CounterVec
	EvaluationErrorsTotal prometheus.Counter

	CacheLoadsTotal    prometheus.Counter
	CacheInvalidations prometheus.Counter

	EventsTrackedTotal prometheus.Counter
	EventsDroppedTotal prometheus.Counter

	RolloutStageAdvances prometheus.Counter
	RolloutRollbacks     prometheus.Counter
	RolloutCompletions   prometheus.Counter
	SweepChecksTotal     *prometheus.CounterVec
	HealthDegradedTotal  prometheus.Counter

	AuthFailuresTotal prometheus.Counter

	health *healthSampler
}

// New creates and registers all canaryz metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		health:   newHealthSampler(),

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canaryz_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "canaryz_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canaryz_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"result"}),

		EvaluationErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaryz_flag_evaluation_errors_total",
			Help: "Total number of evaluations that failed safe due to a registry error.",
		}),

		CacheLoadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaryz_cache_loads_total",
			Help: "Total number of full flag cache reloads from the database.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaryz_cache_invalidations_total",
			Help: "Total number of NOTIFY-triggered cache invalidations.",
		}),

		EventsTrackedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaryz_experiment_events_tracked_total",
			Help: "Total number of experiment events accepted for persistence.",
		}),

		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaryz_experiment_events_dropped_total",
			Help: "Total number of experiment events dropped on a full buffer.",
		}),

		RolloutStageAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaryz_rollout_stage_advances_total",
			Help: "Total number of rollout stage advances.",
		}),

		RolloutRollbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaryz_rollout_rollbacks_total",
			Help: "Total number of rollout rollbacks.",
		}),

		RolloutCompletions: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaryz_rollout_completions_total",
			Help: "Total number of completed rollouts.",
		}),

		SweepChecksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "canaryz_rollout_sweep_checks_total",
			Help: "Total number of rollback trigger sweeps by outcome.",
		}, []string{"outcome"}),

		HealthDegradedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaryz_health_samples_degraded_total",
			Help: "Total number of health samples abandoned after retries.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canaryz_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.EvaluationsTotal,
		m.EvaluationErrorsTotal,
		m.CacheLoadsTotal,
		m.CacheInvalidations,
		m.EventsTrackedTotal,
		m.EventsDroppedTotal,
		m.RolloutStageAdvances,
		m.RolloutRollbacks,
		m.RolloutCompletions,
		m.SweepChecksTotal,
		m.HealthDegradedTotal,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// RecordHTTPRequest records one request for both the Prometheus collectors and
// the self-observed health sample window.
func (m *Metrics) RecordHTTPRequest(method, route string, status int, seconds float64) {
	code := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, route, code).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route, code).Observe(seconds)
	m.health.observe(status, seconds)
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(result bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(result)).Inc()
}

// RecordSweep increments the sweep counter with the check outcome.
func (m *Metrics) RecordSweep(passed bool) {
	outcome := "passed"
	if !passed {
		outcome = "failed"
	}
	m.SweepChecksTotal.WithLabelValues(outcome).Inc()
}
