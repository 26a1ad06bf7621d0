package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runSubmissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querystudio_run_submissions_total",
			Help: "Total number of run submissions by outcome.",
		},
		[]string{"outcome"},
	)
	runTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querystudio_run_transitions_total",
			Help: "Total number of applied run state transitions by target status.",
		},
		[]string{"status"},
	)
	lintDiagnosticsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querystudio_lint_diagnostics_total",
			Help: "Total number of lint diagnostics produced by severity.",
		},
		[]string{"severity"},
	)
	jobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querystudio_jobs_processed_total",
			Help: "Total number of queue jobs handled by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
	jobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querystudio_job_duration_seconds",
			Help:    "Queue job handling latency by kind.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	platformRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querystudio_platform_requests_total",
			Help: "Total number of remote platform requests by operation and status class.",
		},
		[]string{"operation", "status"},
	)
	platformRequestDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querystudio_platform_request_duration_seconds",
			Help:    "Remote platform request latency by operation.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"operation"},
	)
	tenantBindingsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querystudio_tenant_bindings_active",
			Help: "Current number of connections reserved by tenant bindings.",
		},
	)
	tenantBindingResetFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querystudio_tenant_binding_reset_failures_total",
			Help: "Total number of session resets that failed and discarded the connection.",
		},
	)
	streamSubscribers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "querystudio_stream_subscribers",
			Help: "Current number of live run status subscriptions.",
		},
	)
	streamEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querystudio_stream_events_dropped_total",
			Help: "Total number of status events dropped for slow subscribers.",
		},
	)
	sweeperRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querystudio_sweeper_runs_total",
			Help: "Total number of sweeper passes by status.",
		},
		[]string{"status"},
	)
	sweeperObjectsDeletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querystudio_sweeper_objects_deleted_total",
			Help: "Total number of orphaned remote objects deleted.",
		},
	)
	sweeperFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "querystudio_sweeper_failures_total",
			Help: "Total number of remote list or delete failures during sweeping.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		runSubmissionsTotal,
		runTransitionsTotal,
		lintDiagnosticsTotal,
		jobsProcessedTotal,
		jobDurationSeconds,
		platformRequestsTotal,
		platformRequestDurationSeconds,
		tenantBindingsActive,
		tenantBindingResetFailuresTotal,
		streamSubscribers,
		streamEventsDroppedTotal,
		sweeperRunsTotal,
		sweeperObjectsDeletedTotal,
		sweeperFailuresTotal,
	)
}

func IncrementRunSubmission(outcome string) {
	runSubmissionsTotal.WithLabelValues(outcome).Inc()
}

func IncrementRunTransition(status string) {
	runTransitionsTotal.WithLabelValues(status).Inc()
}

func ObserveLintDiagnostics(counts map[string]int) {
	for severity, n := range counts {
		if n > 0 {
			lintDiagnosticsTotal.WithLabelValues(severity).Add(float64(n))
		}
	}
}

func ObserveJob(kind, outcome string, elapsed time.Duration) {
	jobsProcessedTotal.WithLabelValues(kind, outcome).Inc()
	jobDurationSeconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// ObservePlatformRequest records one remote call. status is an HTTP status
// class such as "2xx", or "error" when no response arrived.
func ObservePlatformRequest(operation, status string, elapsed time.Duration) {
	platformRequestsTotal.WithLabelValues(operation, status).Inc()
	platformRequestDurationSeconds.WithLabelValues(operation).Observe(elapsed.Seconds())
}

func SetTenantBindingsActive(n int64) {
	if n < 0 {
		n = 0
	}
	tenantBindingsActive.Set(float64(n))
}

func IncrementTenantBindingResetFailure() {
	tenantBindingResetFailuresTotal.Inc()
}

func AddStreamSubscribers(delta int) {
	streamSubscribers.Add(float64(delta))
}

func IncrementStreamEventDropped() {
	streamEventsDroppedTotal.Inc()
}

func ObserveSweep(status string, deleted, failures int) {
	sweeperRunsTotal.WithLabelValues(status).Inc()
	if deleted > 0 {
		sweeperObjectsDeletedTotal.Add(float64(deleted))
	}
	if failures > 0 {
		sweeperFailuresTotal.Add(float64(failures))
	}
}
