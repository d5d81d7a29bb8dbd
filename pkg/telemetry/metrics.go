package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── API Gateway ─────────────────────────────────────────────────────────────

	APITasksSubmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmanager",
		Subsystem: "api",
		Name:      "tasks_submitted_total",
		Help:      "Total tasks submitted through the API gateway.",
	}, []string{"draft"})

	APICallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmanager",
		Subsystem: "api",
		Name:      "callbacks_total",
		Help:      "Total agent callbacks received, labelled by kind and auth outcome.",
	}, []string{"kind", "outcome"})

	APIHeartbeatsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentmanager",
		Subsystem: "api",
		Name:      "node_heartbeats_total",
		Help:      "Total node stats heartbeats received.",
	})

	// ─── Orchestrator ────────────────────────────────────────────────────────────

	OrchestratorStepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmanager",
		Subsystem: "orchestrator",
		Name:      "steps_total",
		Help:      "Total execution step entries, labelled by step.",
	}, []string{"step"})

	OrchestratorTasksFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmanager",
		Subsystem: "orchestrator",
		Name:      "tasks_finished_total",
		Help:      "Total tasks reaching a terminal status.",
	}, []string{"status"})

	OrchestratorRaceLostTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmanager",
		Subsystem: "orchestrator",
		Name:      "race_lost_total",
		Help:      "Conditional updates that found the row already moved.",
	}, []string{"operation"})

	OrchestratorStepDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "agentmanager",
		Subsystem: "orchestrator",
		Name:      "step_duration_seconds",
		Help:      "Wall time spent handling one task message.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"kind"})

	// ─── Node pool ───────────────────────────────────────────────────────────────

	NodesProvisionedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "agentmanager",
		Subsystem: "nodepool",
		Name:      "nodes_provisioned_total",
		Help:      "Total VMs provisioned.",
	})

	NodesDestroyedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmanager",
		Subsystem: "nodepool",
		Name:      "nodes_destroyed_total",
		Help:      "Total VMs destroyed, labelled by reason.",
	}, []string{"reason"})

	WarmClaimsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmanager",
		Subsystem: "nodepool",
		Name:      "warm_claims_total",
		Help:      "Warm-node claim attempts, labelled won or lost.",
	}, []string{"outcome"})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulerTimersFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmanager",
		Subsystem: "scheduler",
		Name:      "timers_fired_total",
		Help:      "Durable timers popped and published, labelled by topic.",
	}, []string{"topic"})

	SchedulerSweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmanager",
		Subsystem: "scheduler",
		Name:      "sweeps_total",
		Help:      "Recovery sweep runs, labelled by sweep kind.",
	}, []string{"kind"})

	SchedulerStaleTasksFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "agentmanager",
		Subsystem: "scheduler",
		Name:      "stale_tasks_failed_total",
		Help:      "Tasks the recovery sweep moved to FAILED, labelled by prior status.",
	}, []string{"status"})

	SchedulerIsLeader = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "agentmanager",
		Subsystem: "scheduler",
		Name:      "is_leader",
		Help:      "1 when this instance holds the scheduler lease.",
	})
)
