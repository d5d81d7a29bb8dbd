package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/nodepool"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/postgres"
	"github.com/raphaeltm/simple-agent-manager-sub001/pkg/telemetry"
)

// SweeperConfig holds the per-status staleness thresholds.
type SweeperConfig struct {
	QueuedThreshold     time.Duration
	DelegatedThreshold  time.Duration
	InProgressThreshold time.Duration
	WarmTimeout         time.Duration
	BatchSize           int
}

// DefaultSweeperConfig returns the default thresholds.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		QueuedThreshold:     5 * time.Minute,
		DelegatedThreshold:  5 * time.Minute,
		InProgressThreshold: 2 * time.Hour,
		WarmTimeout:         30 * time.Minute,
		BatchSize:           50,
	}
}

// Sweeper is the recovery safety net: it fails tasks whose owner died
// mid-step and reclaims nodes whose destroy timers were lost. It uses the
// same conditional updates as the orchestrator, so when both act on a task
// at once exactly one of them wins.
type Sweeper struct {
	tasks      postgres.TaskRepository
	nodes      postgres.NodeRepository
	workspaces postgres.WorkspaceRepository
	pool       *nodepool.Manager
	cfg        SweeperConfig
	logger     *slog.Logger
}

// NewSweeper constructs a Sweeper.
func NewSweeper(
	tasks postgres.TaskRepository,
	nodes postgres.NodeRepository,
	workspaces postgres.WorkspaceRepository,
	pool *nodepool.Manager,
	cfg SweeperConfig,
	logger *slog.Logger,
) *Sweeper {
	return &Sweeper{
		tasks:      tasks,
		nodes:      nodes,
		workspaces: workspaces,
		pool:       pool,
		cfg:        cfg,
		logger:     logger,
	}
}

// Sweep runs every recovery pass once. Errors are logged, never fatal: the
// next scheduled run retries whatever this one missed.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.SweepStaleTasks(ctx)
	s.SweepWarmNodes(ctx)
	s.SweepExpiredNodes(ctx)
	s.SweepDestroyingNodes(ctx)
}

// SweepStaleTasks fails tasks stuck past their per-status threshold,
// capturing a failure snapshot first so the stuck state stays inspectable
// after cleanup tears it down.
func (s *Sweeper) SweepStaleTasks(ctx context.Context) {
	telemetry.SchedulerSweepsTotal.WithLabelValues("stale_tasks").Inc()
	now := time.Now().UTC()
	for _, pass := range []struct {
		status    domain.Status
		threshold time.Duration
	}{
		{domain.StatusQueued, s.cfg.QueuedThreshold},
		{domain.StatusDelegated, s.cfg.DelegatedThreshold},
		{domain.StatusInProgress, s.cfg.InProgressThreshold},
	} {
		stale, err := s.tasks.ListStale(ctx, pass.status, now.Add(-pass.threshold), s.cfg.BatchSize)
		if err != nil {
			s.logger.Error("list stale tasks",
				slog.String("status", string(pass.status)),
				slog.String("error", err.Error()),
			)
			continue
		}
		for _, task := range stale {
			s.failStaleTask(ctx, task, pass.threshold)
		}
	}
}

func (s *Sweeper) failStaleTask(ctx context.Context, task *domain.Task, threshold time.Duration) {
	snap := &domain.FailureSnapshot{
		ID:            uuid.New().String(),
		TaskID:        task.ID,
		TaskStatus:    task.Status,
		ExecutionStep: task.ExecutionStep,
		ElapsedMs:     time.Since(task.UpdatedAt).Milliseconds(),
		CreatedAt:     time.Now().UTC(),
	}
	reason := fmt.Sprintf("stuck in %s at step %s for over %s", task.Status, task.ExecutionStep, threshold)
	if task.WorkspaceID != "" {
		if ws, err := s.workspaces.GetByID(ctx, task.WorkspaceID); err == nil {
			snap.WorkspaceStatus = string(ws.Status)
			reason += fmt.Sprintf(" (workspace %s)", ws.Status)
		}
	}
	if task.NodeID != "" {
		if node, err := s.nodes.GetByID(ctx, task.NodeID); err == nil {
			snap.NodeStatus = string(node.Status)
		}
	}
	snap.Reason = reason

	if err := s.tasks.RecordFailureSnapshot(ctx, snap); err != nil {
		s.logger.Error("record failure snapshot",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}

	moved, err := s.tasks.Fail(ctx, task.ID, task.Status, reason, domain.ActorSweeper)
	if err != nil {
		s.logger.Error("fail stale task",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if !moved {
		// The orchestrator advanced the task between our read and the
		// update: it is not stuck after all.
		s.logger.Info("stale task moved on its own, skipping", slog.String("task_id", task.ID))
		return
	}

	telemetry.SchedulerStaleTasksFailed.WithLabelValues(string(task.Status)).Inc()
	telemetry.OrchestratorTasksFinished.WithLabelValues(string(domain.StatusFailed)).Inc()
	s.logger.Warn("stale task failed",
		slog.String("task_id", task.ID),
		slog.String("step", string(task.ExecutionStep)),
		slog.String("reason", reason),
	)
	if err := s.pool.ReleaseTaskResources(ctx, task); err != nil {
		s.logger.Error("stale task cleanup",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}

// SweepWarmNodes destroys warm nodes whose destroy timer never fired.
func (s *Sweeper) SweepWarmNodes(ctx context.Context) {
	telemetry.SchedulerSweepsTotal.WithLabelValues("warm_nodes").Inc()
	cutoff := time.Now().UTC().Add(-s.cfg.WarmTimeout)
	stale, err := s.nodes.ListStaleWarm(ctx, cutoff)
	if err != nil {
		s.logger.Error("list stale warm nodes", slog.String("error", err.Error()))
		return
	}
	for _, node := range stale {
		if err := s.pool.ForceDestroy(ctx, node.ID, "warm timeout sweep"); err != nil {
			s.logger.Error("destroy stale warm node",
				slog.String("node_id", node.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// SweepExpiredNodes destroys running nodes past their absolute lifetime,
// covering a lost max-lifetime timer.
func (s *Sweeper) SweepExpiredNodes(ctx context.Context) {
	telemetry.SchedulerSweepsTotal.WithLabelValues("expired_nodes").Inc()
	running, err := s.nodes.ListRunning(ctx)
	if err != nil {
		s.logger.Error("list running nodes", slog.String("error", err.Error()))
		return
	}
	now := time.Now().UTC()
	for _, node := range running {
		if node.MaxLifetimeAt.IsZero() || node.MaxLifetimeAt.After(now) {
			continue
		}
		if err := s.pool.ForceDestroy(ctx, node.ID, "max lifetime sweep"); err != nil {
			s.logger.Error("destroy expired node",
				slog.String("node_id", node.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// SweepDestroyingNodes retries teardowns that failed against the provider
// and left the row parked in DESTROYING.
func (s *Sweeper) SweepDestroyingNodes(ctx context.Context) {
	telemetry.SchedulerSweepsTotal.WithLabelValues("destroying_nodes").Inc()
	if err := s.pool.RetryStuckTeardowns(ctx); err != nil {
		s.logger.Error("retry stuck teardowns", slog.String("error", err.Error()))
	}
}
