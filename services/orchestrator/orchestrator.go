// Package orchestrator drives every task through its execution steps. It is
// the single writer for task state: all commands, callbacks, and timers
// arrive as messages on one topic keyed by task id, so each task has
// exactly one owning consumer at a time and handlers never contend with
// each other for the same task.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/auth"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/kafka"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/nodepool"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/postgres"
	redisstore "github.com/raphaeltm/simple-agent-manager-sub001/internal/redis"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/remote"
	"github.com/raphaeltm/simple-agent-manager-sub001/pkg/retry"
	"github.com/raphaeltm/simple-agent-manager-sub001/pkg/telemetry"
)

// Timer id conventions. Deterministic per task so arming replaces the
// previous timer and cancelling needs no bookkeeping.
func StepTimerID(taskID string) string     { return "task:step:" + taskID }
func ProbeTimerID(taskID string) string    { return "task:probe:" + taskID }
func DepsTimerID(taskID string) string     { return "task:deps:" + taskID }
func FollowupTimerID(taskID string) string { return "task:followup:" + taskID }
func DeferTimerID(taskID string) string    { return "task:defer:" + taskID }

// Config holds the orchestrator's timing knobs.
type Config struct {
	ProbeInterval       time.Duration
	ProbeDeadline       time.Duration
	StepTimeout         time.Duration
	CallbackGrace       time.Duration
	DepsRecheckInterval time.Duration
	FollowupTimeout     time.Duration
	CallbackBaseURL     string
	RetryAttempts       int
	RetryBaseDelay      time.Duration
	Selector            nodepool.SelectorConfig
}

// DefaultConfig returns the default timings.
func DefaultConfig() Config {
	return Config{
		ProbeInterval:       5 * time.Second,
		ProbeDeadline:       120 * time.Second,
		StepTimeout:         10 * time.Minute,
		CallbackGrace:       30 * time.Second,
		DepsRecheckInterval: 30 * time.Second,
		FollowupTimeout:     24 * time.Hour,
		CallbackBaseURL:     "http://localhost:8080",
		RetryAttempts:       3,
		RetryBaseDelay:      time.Second,
		Selector:            nodepool.DefaultSelectorConfig(),
	}
}

// Orchestrator consumes the task topic and advances tasks step by step.
type Orchestrator struct {
	consumer   kafka.Consumer
	producer   kafka.Producer
	tasks      postgres.TaskRepository
	nodes      postgres.NodeRepository
	workspaces postgres.WorkspaceRepository
	store      redisstore.StateStore
	timers     redisstore.TimerQueue
	pool       *nodepool.Manager
	agent      remote.AgentClient
	probe      remote.HealthProbe
	signer     *auth.Signer
	cfg        Config
	logger     *slog.Logger
}

// New constructs an Orchestrator.
func New(
	consumer kafka.Consumer,
	producer kafka.Producer,
	tasks postgres.TaskRepository,
	nodes postgres.NodeRepository,
	workspaces postgres.WorkspaceRepository,
	store redisstore.StateStore,
	timers redisstore.TimerQueue,
	pool *nodepool.Manager,
	agent remote.AgentClient,
	probe remote.HealthProbe,
	signer *auth.Signer,
	cfg Config,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		consumer:   consumer,
		producer:   producer,
		tasks:      tasks,
		nodes:      nodes,
		workspaces: workspaces,
		store:      store,
		timers:     timers,
		pool:       pool,
		agent:      agent,
		probe:      probe,
		signer:     signer,
		cfg:        cfg,
		logger:     logger,
	}
}

// Run starts consuming the task topic. Blocks until ctx is cancelled.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.consumer.Subscribe(ctx, o.processMessage)
}

// processMessage is the Kafka HandlerFunc. Returning nil commits the
// offset; handlers are idempotent so replays after a crash are safe.
func (o *Orchestrator) processMessage(consumerCtx context.Context, raw kafka.Message) error {
	var msg domain.TaskMessage
	if err := json.Unmarshal(raw.Value, &msg); err != nil {
		o.logger.Error("malformed task message, discarding",
			slog.String("error", err.Error()),
			slog.String("raw", string(raw.Value)),
		)
		return nil
	}

	ctx, span := otel.Tracer("orchestrator").Start(consumerCtx, "orchestrator.handle")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", msg.TaskID),
		attribute.String("message.kind", msg.Kind),
	)

	start := time.Now()
	err := o.HandleMessage(ctx, msg)
	telemetry.OrchestratorStepDurationSeconds.WithLabelValues(msg.Kind).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// HandleMessage dispatches one task message. Exported for tests.
func (o *Orchestrator) HandleMessage(ctx context.Context, msg domain.TaskMessage) error {
	if msg.Kind == domain.MsgDeferredCallback {
		// Unwrap: the grace timer re-delivers the original callback with
		// the deferred marker set, so a second early arrival is dropped.
		msg.Kind = msg.Reason
		msg.Reason = ""
		msg.Deferred = true
	}

	task, err := o.tasks.GetByID(ctx, msg.TaskID)
	if err != nil {
		// Only a message for a task that does not exist is dropped. Any
		// other failure returns an error so the offset stays uncommitted
		// and the message is redelivered once the store recovers.
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			o.logger.Error("message for unknown task, dropping",
				slog.String("task_id", msg.TaskID),
				slog.String("kind", msg.Kind),
			)
			return nil
		}
		return fmt.Errorf("load task %s: %w", msg.TaskID, err)
	}
	log := o.logger.With(slog.String("task_id", task.ID), slog.String("kind", msg.Kind))

	switch msg.Kind {
	case domain.MsgContinue, domain.MsgDepsRecheck:
		if task.Status.IsTerminal() || task.Status == domain.StatusDraft {
			return nil
		}
		return o.Continue(ctx, task)

	case domain.MsgWorkspaceReady:
		return o.handleWorkspaceReady(ctx, task, msg, log)

	case domain.MsgProvisioningFailed:
		if task.Status.IsTerminal() {
			log.Info("provisioning failure for terminal task, ignoring")
			return nil
		}
		if msg.WorkspaceID != "" && msg.WorkspaceID != task.WorkspaceID {
			// A replayed failure for a previous attempt's workspace must not
			// touch the current one.
			log.Info("provisioning failure for stale workspace, ignoring", slog.String("workspace_id", msg.WorkspaceID))
			return nil
		}
		return o.failTask(ctx, task, "node provisioning failed: "+msg.Reason)

	case domain.MsgSessionCompleted:
		return o.handleSessionCompleted(ctx, task, msg, log)

	case domain.MsgSessionFailed:
		if task.Status.IsTerminal() {
			log.Info("session failure for terminal task, ignoring")
			return nil
		}
		if msg.WorkspaceID != "" && msg.WorkspaceID != task.WorkspaceID {
			log.Info("session failure for stale workspace, ignoring", slog.String("workspace_id", msg.WorkspaceID))
			return nil
		}
		return o.failTask(ctx, task, "agent session failed: "+msg.Reason)

	case domain.MsgCancel:
		return o.cancelTask(ctx, task, log)

	case domain.MsgRetry:
		return o.retryTask(ctx, task, log)

	case domain.MsgFollowup:
		return o.handleFollowup(ctx, task, msg, log)

	case domain.MsgComplete:
		return o.completeTask(ctx, task, log)

	case domain.MsgStepTimeout:
		return o.handleStepTimeout(ctx, task, msg, log)

	case domain.MsgProbe:
		return o.handleProbe(ctx, task, msg, log)

	default:
		log.Error("unknown message kind, discarding")
		return nil
	}
}

// Continue runs the action of the task's current step. Steps that wait on
// a callback or timer return immediately; nothing here blocks on remote
// completion.
func (o *Orchestrator) Continue(ctx context.Context, task *domain.Task) error {
	switch task.ExecutionStep {
	case domain.StepNodeSelection:
		return o.stepNodeSelection(ctx, task)
	case domain.StepNodeProvisioning:
		return o.stepNodeProvisioning(ctx, task)
	case domain.StepNodeAgentReady:
		return o.stepNodeAgentReady(ctx, task)
	case domain.StepWorkspaceCreation:
		return o.stepWorkspaceCreation(ctx, task)
	case domain.StepAgentSession:
		return o.stepAgentSession(ctx, task)
	case domain.StepWorkspaceReady, domain.StepRunning, domain.StepAwaitingFollowup:
		// Suspended: a callback or timer owns the next move.
		return nil
	default:
		return fmt.Errorf("task %s: unknown execution step %q", task.ID, task.ExecutionStep)
	}
}

// advance moves the step breadcrumb and refreshes the in-memory copy. The
// conditional update makes concurrent replays collapse to one winner.
func (o *Orchestrator) advance(ctx context.Context, task *domain.Task, to domain.Step) (bool, error) {
	moved, err := o.tasks.AdvanceStep(ctx, task.ID, task.ExecutionStep, to)
	if err != nil {
		return false, err
	}
	if !moved {
		telemetry.OrchestratorRaceLostTotal.WithLabelValues("advance_step").Inc()
		o.logger.Info("step advance lost race, aborting",
			slog.String("task_id", task.ID),
			slog.String("from", string(task.ExecutionStep)),
			slog.String("to", string(to)),
		)
		return false, nil
	}
	task.ExecutionStep = to
	telemetry.OrchestratorStepsTotal.WithLabelValues(string(to)).Inc()
	return true, nil
}

// ─── Step actions ────────────────────────────────────────────────────────────

func (o *Orchestrator) stepNodeSelection(ctx context.Context, task *domain.Task) error {
	ready, err := o.checkDependencies(ctx, task)
	if err != nil || !ready {
		return err
	}

	warm, err := o.warmCandidates(ctx, task)
	if err != nil {
		return err
	}
	running, err := o.runningCandidates(ctx)
	if err != nil {
		return err
	}
	userNodes, err := o.nodes.CountActiveByUser(ctx, task.UserID)
	if err != nil {
		return err
	}

	decision, err := nodepool.Select(nodepool.Request{
		UserID:        task.UserID,
		Size:          task.RequestedSize,
		Location:      task.RequestedLocation,
		UserNodeCount: userNodes,
	}, warm, running, o.cfg.Selector)
	if err != nil {
		// User at the node cap: the task fails before ever being delegated.
		return o.failTask(ctx, task, err.Error())
	}

	switch decision.Kind {
	case nodepool.DecisionClaimWarm:
		for _, nodeID := range decision.WarmCandidates {
			won, err := o.pool.TryClaim(ctx, nodeID)
			if err != nil {
				return err
			}
			if won {
				return o.bindAndGo(ctx, task, nodeID, false)
			}
		}
		// Every claim lost to a concurrent task. Re-enqueue and pick again
		// from a fresh snapshot.
		return kafka.PublishTask(ctx, o.producer, domain.TaskMessage{TaskID: task.ID, Kind: domain.MsgContinue})

	case nodepool.DecisionReuse:
		return o.bindAndGo(ctx, task, decision.ReuseNodeID, false)

	default:
		moved, err := o.advance(ctx, task, domain.StepNodeProvisioning)
		if err != nil || !moved {
			return err
		}
		return o.Continue(ctx, task)
	}
}

// bindAndGo attaches an existing node and skips provisioning.
func (o *Orchestrator) bindAndGo(ctx context.Context, task *domain.Task, nodeID string, autoProvisioned bool) error {
	if err := o.tasks.BindNode(ctx, task.ID, nodeID, autoProvisioned); err != nil {
		return err
	}
	task.NodeID = nodeID
	moved, err := o.advance(ctx, task, domain.StepNodeAgentReady)
	if err != nil || !moved {
		return err
	}
	return o.Continue(ctx, task)
}

func (o *Orchestrator) stepNodeProvisioning(ctx context.Context, task *domain.Task) error {
	node, err := o.pool.Provision(ctx, task.RequestedSize, task.RequestedLocation, task.UserID)
	if err != nil {
		return o.failTask(ctx, task, fmt.Sprintf("node provisioning failed: %v", err))
	}
	if err := o.tasks.BindNode(ctx, task.ID, node.ID, true); err != nil {
		return err
	}
	task.NodeID = node.ID
	task.AutoProvisionedNode = node.ID
	moved, err := o.advance(ctx, task, domain.StepNodeAgentReady)
	if err != nil || !moved {
		return err
	}
	return o.Continue(ctx, task)
}

// stepNodeAgentReady probes once immediately, then hands polling to a
// durable timer so the wait survives a restart.
func (o *Orchestrator) stepNodeAgentReady(ctx context.Context, task *domain.Task) error {
	node, err := o.nodes.GetByID(ctx, task.NodeID)
	if err != nil {
		return err
	}
	if o.probe.Reachable(ctx, node.AgentAddr) {
		moved, err := o.advance(ctx, task, domain.StepWorkspaceCreation)
		if err != nil || !moved {
			return err
		}
		return o.Continue(ctx, task)
	}
	deadline := time.Now().UTC().Add(o.cfg.ProbeDeadline)
	return o.armTaskTimer(ctx, ProbeTimerID(task.ID), domain.TaskMessage{
		TaskID:   task.ID,
		Kind:     domain.MsgProbe,
		Deadline: deadline,
	}, time.Now().UTC().Add(o.cfg.ProbeInterval))
}

func (o *Orchestrator) handleProbe(ctx context.Context, task *domain.Task, msg domain.TaskMessage, log *slog.Logger) error {
	if task.Status.IsTerminal() || task.ExecutionStep != domain.StepNodeAgentReady {
		log.Info("probe timer fired off-step, ignoring", slog.String("step", string(task.ExecutionStep)))
		return nil
	}
	node, err := o.nodes.GetByID(ctx, task.NodeID)
	if err != nil {
		return err
	}
	if o.probe.Reachable(ctx, node.AgentAddr) {
		moved, err := o.advance(ctx, task, domain.StepWorkspaceCreation)
		if err != nil || !moved {
			return err
		}
		return o.Continue(ctx, task)
	}
	if time.Now().UTC().After(msg.Deadline) {
		return o.failTask(ctx, task, fmt.Sprintf("node agent %s unreachable after %s", node.AgentAddr, o.cfg.ProbeDeadline))
	}
	// Carry the original deadline so replays never extend the window.
	msg.TaskID = task.ID
	return o.armTaskTimer(ctx, ProbeTimerID(task.ID), msg, time.Now().UTC().Add(o.cfg.ProbeInterval))
}

func (o *Orchestrator) stepWorkspaceCreation(ctx context.Context, task *domain.Task) error {
	// Entering this step is the delegation point.
	moved, err := o.tasks.TransitionStatus(ctx, task.ID, domain.StatusQueued, domain.StatusDelegated, domain.ActorOrchestrator)
	if err != nil {
		return err
	}
	if moved {
		task.Status = domain.StatusDelegated
		o.cacheStatus(ctx, task)
	} else {
		// Zero rows is either another writer (cancel, sweeper) getting there
		// first, or our own redelivered message after a crash between the
		// delegation and the workspace insert. The fresh row tells them
		// apart: delegated with no workspace bound means resume, anything
		// else lost the race and aborts with no side effects.
		fresh, err := o.tasks.GetByID(ctx, task.ID)
		if err != nil {
			return err
		}
		if fresh.Status != domain.StatusDelegated || fresh.WorkspaceID != "" || fresh.ExecutionStep != domain.StepWorkspaceCreation {
			telemetry.OrchestratorRaceLostTotal.WithLabelValues("delegate").Inc()
			o.logger.Info("delegation lost race, aborting", slog.String("task_id", task.ID))
			return nil
		}
		o.logger.Info("resuming interrupted workspace creation", slog.String("task_id", task.ID))
		*task = *fresh
	}

	node, err := o.nodes.GetByID(ctx, task.NodeID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	ws := &domain.Workspace{
		ID:        uuid.New().String(),
		NodeID:    node.ID,
		TaskID:    task.ID,
		Status:    domain.WorkspaceCreating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.workspaces.Create(ctx, ws); err != nil {
		return err
	}
	if err := o.nodes.AdjustWorkspaceCount(ctx, node.ID, 1); err != nil {
		return err
	}
	if err := o.tasks.BindWorkspace(ctx, task.ID, ws.ID); err != nil {
		return err
	}
	task.WorkspaceID = ws.ID

	err = o.callAgent(ctx, task.ID, "create workspace", func() error {
		return o.agent.CreateWorkspace(ctx, node.AgentAddr, remote.WorkspaceSpec{
			WorkspaceID:   ws.ID,
			TaskID:        task.ID,
			RepoURL:       task.RepoURL,
			CallbackURL:   o.cfg.CallbackBaseURL + "/v1/callbacks/workspaces/" + ws.ID,
			CallbackToken: o.signer.Token(auth.ScopeWorkspace, ws.ID),
		})
	})
	if err != nil {
		return o.failTask(ctx, task, fmt.Sprintf("workspace creation rejected: %v", err))
	}

	moved, err = o.advance(ctx, task, domain.StepWorkspaceReady)
	if err != nil || !moved {
		return err
	}
	// The agent reports readiness via callback; the step timeout is the
	// backstop if it never does.
	return o.armTaskTimer(ctx, StepTimerID(task.ID), domain.TaskMessage{
		TaskID: task.ID,
		Kind:   domain.MsgStepTimeout,
		Step:   domain.StepWorkspaceReady,
	}, time.Now().UTC().Add(o.cfg.StepTimeout))
}

func (o *Orchestrator) handleWorkspaceReady(ctx context.Context, task *domain.Task, msg domain.TaskMessage, log *slog.Logger) error {
	if task.Status.IsTerminal() {
		log.Info("workspace ready for terminal task, ignoring")
		telemetry.APICallbacksTotal.WithLabelValues(domain.MsgWorkspaceReady, "late").Inc()
		return nil
	}
	if msg.WorkspaceID != "" && msg.WorkspaceID != task.WorkspaceID {
		log.Info("workspace ready for stale workspace, ignoring", slog.String("workspace_id", msg.WorkspaceID))
		return nil
	}

	switch {
	case task.ExecutionStep == domain.StepWorkspaceReady:
		if _, err := o.workspaces.UpdateStatusIf(ctx, task.WorkspaceID, domain.WorkspaceCreating, domain.WorkspaceRunning); err != nil {
			return err
		}
		_ = o.timers.Cancel(ctx, StepTimerID(task.ID))
		moved, err := o.advance(ctx, task, domain.StepAgentSession)
		if err != nil || !moved {
			return err
		}
		return o.Continue(ctx, task)

	case task.ExecutionStep.Index() < domain.StepWorkspaceReady.Index():
		return o.deferCallback(ctx, task, msg, log)

	default:
		if task.ExecutionStep == domain.StepAgentSession && task.SessionID == "" {
			// Redelivery after a crash between advancing the step and
			// starting the session: run the step again.
			return o.Continue(ctx, task)
		}
		// Duplicate delivery after the step already advanced.
		log.Info("duplicate workspace ready, ignoring", slog.String("step", string(task.ExecutionStep)))
		return nil
	}
}

// stepAgentSession starts the coding session. The status moves to
// IN_PROGRESS before the agent is called: a writer that lost this update
// (cancel, sweeper) must never start a remote session.
func (o *Orchestrator) stepAgentSession(ctx context.Context, task *domain.Task) error {
	moved, err := o.tasks.TransitionStatus(ctx, task.ID, domain.StatusDelegated, domain.StatusInProgress, domain.ActorOrchestrator)
	if err != nil {
		return err
	}
	if moved {
		task.Status = domain.StatusInProgress
		o.cacheStatus(ctx, task)
	} else {
		// Same replay window as delegation: in progress with no session
		// bound means a crash interrupted this step, so resume the call.
		fresh, err := o.tasks.GetByID(ctx, task.ID)
		if err != nil {
			return err
		}
		if fresh.Status != domain.StatusInProgress || fresh.SessionID != "" || fresh.ExecutionStep != domain.StepAgentSession {
			telemetry.OrchestratorRaceLostTotal.WithLabelValues("start").Inc()
			o.logger.Info("start lost race, aborting", slog.String("task_id", task.ID))
			return nil
		}
		o.logger.Info("resuming interrupted session start", slog.String("task_id", task.ID))
		*task = *fresh
	}

	node, err := o.nodes.GetByID(ctx, task.NodeID)
	if err != nil {
		return err
	}
	var sessionID string
	err = o.callAgent(ctx, task.ID, "create agent session", func() error {
		var aerr error
		sessionID, aerr = o.agent.CreateAgentSession(ctx, node.AgentAddr, remote.SessionSpec{
			WorkspaceID: task.WorkspaceID,
			Prompt:      task.Prompt,
		})
		return aerr
	})
	if err != nil {
		return o.failTask(ctx, task, fmt.Sprintf("agent session rejected: %v", err))
	}

	if err := o.tasks.BindSession(ctx, task.ID, sessionID); err != nil {
		return err
	}
	if err := o.workspaces.SetChatSession(ctx, task.WorkspaceID, sessionID); err != nil {
		return err
	}
	task.SessionID = sessionID
	_, err = o.advance(ctx, task, domain.StepRunning)
	return err
}

func (o *Orchestrator) handleSessionCompleted(ctx context.Context, task *domain.Task, msg domain.TaskMessage, log *slog.Logger) error {
	if task.Status.IsTerminal() {
		log.Info("session completion for terminal task, ignoring")
		telemetry.APICallbacksTotal.WithLabelValues(domain.MsgSessionCompleted, "late").Inc()
		return nil
	}

	switch task.ExecutionStep {
	case domain.StepRunning:
		if err := o.tasks.RecordOutputs(ctx, task.ID, msg.Branch, msg.PRURL); err != nil {
			return err
		}
		moved, err := o.advance(ctx, task, domain.StepAwaitingFollowup)
		if err != nil || !moved {
			return err
		}
		return o.armFollowupTimeout(ctx, task.ID)

	case domain.StepAwaitingFollowup:
		// A follow-up round finished: refresh the outputs and restart the
		// followup window.
		if err := o.tasks.RecordOutputs(ctx, task.ID, msg.Branch, msg.PRURL); err != nil {
			return err
		}
		return o.armFollowupTimeout(ctx, task.ID)

	default:
		if task.ExecutionStep.Index() < domain.StepRunning.Index() {
			return o.deferCallback(ctx, task, msg, log)
		}
		log.Info("duplicate session completion, ignoring")
		return nil
	}
}

func (o *Orchestrator) handleFollowup(ctx context.Context, task *domain.Task, msg domain.TaskMessage, log *slog.Logger) error {
	if task.Status.IsTerminal() || task.ExecutionStep != domain.StepAwaitingFollowup {
		log.Info("followup outside awaiting_followup, ignoring", slog.String("step", string(task.ExecutionStep)))
		return nil
	}
	node, err := o.nodes.GetByID(ctx, task.NodeID)
	if err != nil {
		return err
	}
	err = o.callAgent(ctx, task.ID, "send followup", func() error {
		return o.agent.SendFollowup(ctx, node.AgentAddr, remote.SessionSpec{
			WorkspaceID: task.WorkspaceID,
			SessionID:   task.SessionID,
			Prompt:      msg.Prompt,
		})
	})
	if err != nil {
		return o.failTask(ctx, task, fmt.Sprintf("followup rejected: %v", err))
	}
	if err := o.tasks.IncFollowups(ctx, task.ID); err != nil {
		return err
	}
	log.Info("followup sent", slog.String("session_id", task.SessionID))
	return o.armFollowupTimeout(ctx, task.ID)
}

func (o *Orchestrator) completeTask(ctx context.Context, task *domain.Task, log *slog.Logger) error {
	if task.Status != domain.StatusInProgress {
		log.Info("complete outside in_progress, ignoring", slog.String("status", string(task.Status)))
		return nil
	}
	moved, err := o.tasks.TransitionStatus(ctx, task.ID, task.Status, domain.StatusCompleted, domain.ActorOrchestrator)
	if err != nil {
		return err
	}
	if !moved {
		telemetry.OrchestratorRaceLostTotal.WithLabelValues("complete").Inc()
		return nil
	}
	task.Status = domain.StatusCompleted
	o.cacheStatus(ctx, task)
	telemetry.OrchestratorTasksFinished.WithLabelValues(string(domain.StatusCompleted)).Inc()

	o.cancelTaskTimers(ctx, task.ID)
	if err := o.pool.ReleaseTaskResources(ctx, task); err != nil {
		log.Error("resource cleanup failed", slog.String("error", err.Error()))
	}
	return o.notifyDependents(ctx, task.ID)
}

func (o *Orchestrator) cancelTask(ctx context.Context, task *domain.Task, log *slog.Logger) error {
	if task.Status.IsTerminal() {
		log.Info("cancel for terminal task, ignoring")
		return nil
	}
	moved, err := o.tasks.TransitionStatus(ctx, task.ID, task.Status, domain.StatusCancelled, domain.ActorAPI)
	if err != nil {
		return err
	}
	if !moved {
		// The task moved under us; the re-delivered cancel will see the
		// fresh status.
		telemetry.OrchestratorRaceLostTotal.WithLabelValues("cancel").Inc()
		return fmt.Errorf("cancel task %s: status moved, retrying", task.ID)
	}
	task.Status = domain.StatusCancelled
	o.cacheStatus(ctx, task)
	telemetry.OrchestratorTasksFinished.WithLabelValues(string(domain.StatusCancelled)).Inc()

	o.cancelTaskTimers(ctx, task.ID)
	if err := o.pool.ReleaseTaskResources(ctx, task); err != nil {
		log.Error("resource cleanup failed", slog.String("error", err.Error()))
	}
	log.Info("task cancelled", slog.String("step", string(task.ExecutionStep)))
	return o.notifyDependents(ctx, task.ID)
}

func (o *Orchestrator) retryTask(ctx context.Context, task *domain.Task, log *slog.Logger) error {
	if task.Status != domain.StatusFailed && task.Status != domain.StatusCancelled {
		log.Info("retry for non-terminal task, ignoring", slog.String("status", string(task.Status)))
		return nil
	}
	moved, err := o.tasks.ResetForRetry(ctx, task.ID, task.Status, domain.ActorAPI)
	if err != nil {
		return err
	}
	if !moved {
		telemetry.OrchestratorRaceLostTotal.WithLabelValues("retry").Inc()
		return nil
	}
	fresh, err := o.tasks.GetByID(ctx, task.ID)
	if err != nil {
		return err
	}
	o.cacheStatus(ctx, fresh)
	log.Info("task reset for retry")
	return o.Continue(ctx, fresh)
}

func (o *Orchestrator) handleStepTimeout(ctx context.Context, task *domain.Task, msg domain.TaskMessage, log *slog.Logger) error {
	if task.Status.IsTerminal() || task.ExecutionStep != msg.Step {
		// The task moved on before the timer fired: the timer is inert.
		log.Info("step timeout off-step, ignoring",
			slog.String("armed_for", string(msg.Step)),
			slog.String("current", string(task.ExecutionStep)),
		)
		return nil
	}
	if msg.Step == domain.StepAwaitingFollowup {
		// Followup window closed without further instructions: that is a
		// successful end, not a failure.
		return o.completeTask(ctx, task, log)
	}
	return o.failTask(ctx, task, fmt.Sprintf("timed out waiting at step %s", msg.Step))
}

// deferCallback grants one grace delay to a callback that arrived before
// the task reached the step that consumes it. A deferred callback that is
// still early is dropped; the step timeout will surface the real problem.
func (o *Orchestrator) deferCallback(ctx context.Context, task *domain.Task, msg domain.TaskMessage, log *slog.Logger) error {
	if msg.Deferred {
		log.Info("deferred callback still early, dropping",
			slog.String("step", string(task.ExecutionStep)),
		)
		telemetry.APICallbacksTotal.WithLabelValues(msg.Kind, "dropped").Inc()
		return nil
	}
	log.Info("callback arrived early, deferring",
		slog.String("step", string(task.ExecutionStep)),
		slog.Duration("grace", o.cfg.CallbackGrace),
	)
	telemetry.APICallbacksTotal.WithLabelValues(msg.Kind, "deferred").Inc()
	wrapped := msg
	wrapped.Kind = domain.MsgDeferredCallback
	wrapped.Reason = msg.Kind
	return o.armTaskTimer(ctx, DeferTimerID(task.ID), wrapped, time.Now().UTC().Add(o.cfg.CallbackGrace))
}

// failTask moves the task to FAILED from whatever non-terminal status it
// holds, then releases its resources. Idempotent: a task already terminal
// is left untouched, and the cleanup tolerates repetition.
func (o *Orchestrator) failTask(ctx context.Context, task *domain.Task, reason string) error {
	for {
		if task.Status.IsTerminal() {
			return nil
		}
		moved, err := o.tasks.Fail(ctx, task.ID, task.Status, reason, domain.ActorOrchestrator)
		if err != nil {
			return err
		}
		if moved {
			break
		}
		telemetry.OrchestratorRaceLostTotal.WithLabelValues("fail").Inc()
		task, err = o.tasks.GetByID(ctx, task.ID)
		if err != nil {
			return err
		}
	}
	task.Status = domain.StatusFailed
	o.cacheStatus(ctx, task)
	telemetry.OrchestratorTasksFinished.WithLabelValues(string(domain.StatusFailed)).Inc()
	o.logger.Warn("task failed",
		slog.String("task_id", task.ID),
		slog.String("step", string(task.ExecutionStep)),
		slog.String("reason", reason),
	)

	o.cancelTaskTimers(ctx, task.ID)
	if err := o.pool.ReleaseTaskResources(ctx, task); err != nil {
		o.logger.Error("resource cleanup failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
	return o.notifyDependents(ctx, task.ID)
}

// ─── Dependencies ────────────────────────────────────────────────────────────

// checkDependencies returns true when every dependency is completed. A
// failed or cancelled dependency fails this task; anything still running
// re-arms the recheck timer.
func (o *Orchestrator) checkDependencies(ctx context.Context, task *domain.Task) (bool, error) {
	if len(task.DependsOn) == 0 {
		return true, nil
	}
	statuses, err := o.tasks.DependencyStatuses(ctx, task.ID)
	if err != nil {
		return false, err
	}
	pending := 0
	for depID, status := range statuses {
		switch status {
		case domain.StatusCompleted:
		case domain.StatusFailed, domain.StatusCancelled:
			return false, o.failTask(ctx, task, fmt.Sprintf("dependency %s ended %s", depID, status))
		default:
			pending++
		}
	}
	if pending == 0 {
		return true, nil
	}
	err = o.armTaskTimer(ctx, DepsTimerID(task.ID), domain.TaskMessage{
		TaskID: task.ID,
		Kind:   domain.MsgDepsRecheck,
	}, time.Now().UTC().Add(o.cfg.DepsRecheckInterval))
	return false, err
}

// notifyDependents wakes every task waiting on this one. Dependents
// re-evaluate their dependency set themselves.
func (o *Orchestrator) notifyDependents(ctx context.Context, taskID string) error {
	dependents, err := o.tasks.ListDependents(ctx, taskID)
	if err != nil {
		return err
	}
	for _, depID := range dependents {
		if err := kafka.PublishTask(ctx, o.producer, domain.TaskMessage{TaskID: depID, Kind: domain.MsgContinue}); err != nil {
			return err
		}
	}
	return nil
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func (o *Orchestrator) warmCandidates(ctx context.Context, task *domain.Task) ([]nodepool.Candidate, error) {
	nodes, err := o.nodes.ListWarm(ctx, task.RequestedSize, task.RequestedLocation)
	if err != nil {
		return nil, err
	}
	out := make([]nodepool.Candidate, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, nodepool.Candidate{Node: n})
	}
	return out, nil
}

func (o *Orchestrator) runningCandidates(ctx context.Context) ([]nodepool.Candidate, error) {
	nodes, err := o.nodes.ListRunning(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]nodepool.Candidate, 0, len(nodes))
	for _, n := range nodes {
		c := nodepool.Candidate{Node: n}
		if stats, err := o.store.GetNodeStats(ctx, n.ID); err == nil && stats != nil {
			c.CPU = stats.CPUPercent
			c.Memory = stats.MemoryPercent
			c.HasStats = true
		}
		out = append(out, c)
	}
	return out, nil
}

// callAgent applies the remote retry policy to one agent call, so a
// transient network blip does not fail the task.
func (o *Orchestrator) callAgent(ctx context.Context, taskID, what string, fn func() error) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts: o.cfg.RetryAttempts,
		BaseDelay:   o.cfg.RetryBaseDelay,
		OnRetry: func(attempt int, err error) {
			o.logger.Warn("agent call failed, retrying",
				slog.String("task_id", taskID),
				slog.String("call", what),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, fn)
}

func (o *Orchestrator) armFollowupTimeout(ctx context.Context, taskID string) error {
	return o.armTaskTimer(ctx, FollowupTimerID(taskID), domain.TaskMessage{
		TaskID: taskID,
		Kind:   domain.MsgStepTimeout,
		Step:   domain.StepAwaitingFollowup,
	}, time.Now().UTC().Add(o.cfg.FollowupTimeout))
}

func (o *Orchestrator) armTaskTimer(ctx context.Context, timerID string, msg domain.TaskMessage, due time.Time) error {
	payload, err := redisstore.MarshalTaskMessage(msg)
	if err != nil {
		return err
	}
	return o.timers.Arm(ctx, redisstore.Timer{
		ID:      timerID,
		Topic:   domain.TopicTasks,
		Key:     msg.TaskID,
		Payload: payload,
		Due:     due,
	})
}

func (o *Orchestrator) cancelTaskTimers(ctx context.Context, taskID string) {
	for _, id := range []string{
		StepTimerID(taskID), ProbeTimerID(taskID), DepsTimerID(taskID),
		FollowupTimerID(taskID), DeferTimerID(taskID),
	} {
		_ = o.timers.Cancel(ctx, id)
	}
}

// cacheStatus mirrors the authoritative status into Redis for cheap reads.
func (o *Orchestrator) cacheStatus(ctx context.Context, task *domain.Task) {
	if err := o.store.SetStatus(ctx, task.ID, task.Status); err != nil {
		o.logger.Warn("status cache write failed",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()),
		)
	}
}
