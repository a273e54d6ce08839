package telemetry

import "github.com/prometheus/client_golang/prometheus"

var JobsEnqueuedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "jobs",
		Name:      "enqueued_total",
		Help:      "Total number of jobs enqueued, by tenant schema.",
	},
	[]string{"tenant_schema"},
)

var JobsClaimedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "jobs",
		Name:      "claimed_total",
		Help:      "Total number of jobs claimed by the per-tenant scheduler.",
	},
	[]string{"tenant_schema"},
)

var JobsCompletedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "jobs",
		Name:      "completed_total",
		Help:      "Total number of jobs reaching a terminal status.",
	},
	[]string{"tenant_schema", "status"},
)

var LeaseExpirationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "jobs",
		Name:      "lease_expirations_total",
		Help:      "Total number of job leases reaped as stale.",
	},
	[]string{"tenant_schema"},
)

var SamplingIterationsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "sampling",
		Name:      "iterations_total",
		Help:      "Total number of sampling loop iterations executed.",
	},
	[]string{"tenant_schema", "provider"},
)

var SamplingTokensTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "sampling",
		Name:      "tokens_total",
		Help:      "Total number of tokens accounted for, by kind.",
	},
	[]string{"tenant_schema", "provider", "kind"},
)

var SessionStateTransitionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "sessions",
		Name:      "state_transitions_total",
		Help:      "Total number of session state transitions, by target state.",
	},
	[]string{"tenant_schema", "state"},
)

var ContainerOperationsDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "orchestrator",
		Subsystem: "container",
		Name:      "operation_duration_seconds",
		Help:      "Container manager operation duration in seconds.",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	},
	[]string{"operation"},
)

var MaintenanceRunsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "orchestrator",
		Subsystem: "maintenance",
		Name:      "runs_total",
		Help:      "Total number of maintenance sweep passes, by task.",
	},
	[]string{"task"},
)

// All returns all orchestrator-specific metrics for registration.
func All() []prometheus.Collector {
	return []prometheus.Collector{
		JobsEnqueuedTotal,
		JobsClaimedTotal,
		JobsCompletedTotal,
		LeaseExpirationsTotal,
		SamplingIterationsTotal,
		SamplingTokensTotal,
		SessionStateTransitionsTotal,
		ContainerOperationsDuration,
		MaintenanceRunsTotal,
	}
}
