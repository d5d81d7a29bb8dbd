package orchestrator_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/auth"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/fakes"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/nodepool"
	"github.com/raphaeltm/simple-agent-manager-sub001/services/orchestrator"
)

type fixture struct {
	tasks       *fakes.TaskRepo
	nodes       *fakes.NodeRepo
	workspaces  *fakes.WorkspaceRepo
	store       *fakes.StateStore
	timers      *fakes.TimerQueue
	producer    *fakes.Producer
	provisioner *fakes.Provisioner
	agent       *fakes.AgentClient
	probe       *fakes.Probe
	orch        *orchestrator.Orchestrator
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tasks:       fakes.NewTaskRepo(),
		nodes:       fakes.NewNodeRepo(),
		workspaces:  fakes.NewWorkspaceRepo(),
		store:       fakes.NewStateStore(),
		timers:      fakes.NewTimerQueue(),
		producer:    fakes.NewProducer(),
		provisioner: fakes.NewProvisioner(),
		agent:       fakes.NewAgentClient(),
		probe:       fakes.NewProbe(),
	}
	f.probe.SetReachable("10.0.0.1:7070", true)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	signer := auth.NewSigner("test-secret")
	mgrCfg := nodepool.DefaultManagerConfig()
	mgrCfg.RetryBaseDelay = time.Millisecond
	pool := nodepool.NewManager(f.nodes, f.workspaces, f.timers, f.provisioner, f.agent, signer, mgrCfg, logger)

	cfg := orchestrator.DefaultConfig()
	cfg.RetryBaseDelay = time.Millisecond
	f.orch = orchestrator.New(nil, f.producer, f.tasks, f.nodes, f.workspaces,
		f.store, f.timers, pool, f.agent, f.probe, signer, cfg, logger)
	return f
}

func (f *fixture) submitTask(t *testing.T, id string, deps ...string) *domain.Task {
	t.Helper()
	now := time.Now()
	task := &domain.Task{
		ID:            id,
		UserID:        "u1",
		Description:   "fix flaky test",
		RepoURL:       "https://github.com/acme/app",
		Prompt:        "make the suite green",
		Status:        domain.StatusQueued,
		ExecutionStep: domain.StepNodeSelection,
		RequestedSize: "medium",
		DependsOn:     deps,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	require.NoError(t, f.tasks.Create(context.Background(), task))
	return task
}

func (f *fixture) handle(t *testing.T, msg domain.TaskMessage) {
	t.Helper()
	require.NoError(t, f.orch.HandleMessage(context.Background(), msg))
}

func (f *fixture) get(t *testing.T, id string) *domain.Task {
	t.Helper()
	task, err := f.tasks.GetByID(context.Background(), id)
	require.NoError(t, err)
	return task
}

// drainTimers fires every armed timer that targets the tasks topic,
// standing in for the scheduler pump.
func (f *fixture) drainTimers(t *testing.T) {
	t.Helper()
	due, err := f.timers.PopDue(context.Background(), time.Now().Add(48*time.Hour), 100)
	require.NoError(t, err)
	for _, timer := range due {
		if timer.Topic != domain.TopicTasks {
			continue
		}
		var msg domain.TaskMessage
		require.NoError(t, json.Unmarshal(timer.Payload, &msg))
		f.handle(t, msg)
	}
}

func TestHappyPathProvisionedNode(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})

	task := f.get(t, "t1")
	assert.Equal(t, domain.StatusDelegated, task.Status)
	assert.Equal(t, domain.StepWorkspaceReady, task.ExecutionStep)
	assert.NotEmpty(t, task.NodeID)
	assert.Equal(t, task.NodeID, task.AutoProvisionedNode)
	assert.NotEmpty(t, task.WorkspaceID)
	assert.Equal(t, 1, f.provisioner.Provisioned)
	assert.Len(t, f.agent.CallsTo("CreateWorkspace"), 1)

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgWorkspaceReady, WorkspaceID: task.WorkspaceID})

	task = f.get(t, "t1")
	assert.Equal(t, domain.StatusInProgress, task.Status)
	assert.Equal(t, domain.StepRunning, task.ExecutionStep)
	assert.Equal(t, "sess-1", task.SessionID)
	require.NotNil(t, task.StartedAt)

	f.handle(t, domain.TaskMessage{
		TaskID: "t1", Kind: domain.MsgSessionCompleted,
		Branch: "agent/fix-flaky-test", PRURL: "https://github.com/acme/app/pull/42",
	})

	task = f.get(t, "t1")
	assert.Equal(t, domain.StepAwaitingFollowup, task.ExecutionStep)
	assert.Equal(t, "agent/fix-flaky-test", task.OutputBranch)

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgComplete})

	task = f.get(t, "t1")
	assert.Equal(t, domain.StatusCompleted, task.Status)
	require.NotNil(t, task.CompletedAt)

	// Cleanup: workspace stopped, auto-provisioned node parked warm.
	ws, err := f.workspaces.GetByID(context.Background(), task.WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkspaceStopped, ws.Status)
	assert.Equal(t, "sess-1", ws.ChatSessionID)
	node, err := f.nodes.GetByID(context.Background(), task.NodeID)
	require.NoError(t, err)
	assert.Equal(t, domain.NodeWarm, node.Status)
}

func TestHappyPathClaimsWarmNode(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.nodes.Put(&domain.Node{
		ID: "warm1", UserID: "u1", Status: domain.NodeWarm, Size: "medium",
		AgentAddr: "10.0.0.1:7070", WarmSince: &now, HealthScore: 100,
	})
	f.submitTask(t, "t1")

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})

	task := f.get(t, "t1")
	assert.Equal(t, "warm1", task.NodeID)
	assert.Empty(t, task.AutoProvisionedNode, "claimed nodes are not auto-provisioned")
	assert.Equal(t, 0, f.provisioner.Provisioned)
	assert.Equal(t, domain.StepWorkspaceReady, task.ExecutionStep)

	node, err := f.nodes.GetByID(context.Background(), "warm1")
	require.NoError(t, err)
	assert.Equal(t, domain.NodeRunning, node.Status)
}

func TestDuplicateWorkspaceReadyIsNoOp(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	wsID := f.get(t, "t1").WorkspaceID

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgWorkspaceReady, WorkspaceID: wsID})
	after := f.get(t, "t1")
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgWorkspaceReady, WorkspaceID: wsID})

	again := f.get(t, "t1")
	assert.Equal(t, after.ExecutionStep, again.ExecutionStep)
	assert.Equal(t, after.Status, again.Status)
	assert.Len(t, f.agent.CallsTo("CreateAgentSession"), 1, "no second session")
}

func TestEarlyCallbackDeferredOnceThenDropped(t *testing.T) {
	f := newFixture(t)
	task := f.submitTask(t, "t1")

	// Session completion before the task even selected a node.
	f.handle(t, domain.TaskMessage{TaskID: task.ID, Kind: domain.MsgSessionCompleted, Branch: "b"})
	assert.True(t, f.timers.Has(orchestrator.DeferTimerID(task.ID)), "first early arrival armed the grace timer")

	// The grace timer fires while the task is still early: dropped.
	f.drainTimers(t)
	assert.False(t, f.timers.Has(orchestrator.DeferTimerID(task.ID)))
	got := f.get(t, task.ID)
	assert.Equal(t, domain.StepNodeSelection, got.ExecutionStep)
	assert.Empty(t, got.OutputBranch)
}

func TestSweeperRaceAtStartNoSecondSessionEffect(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	task := f.get(t, "t1")

	// A sweeper fails the task between workspace readiness and session
	// start. The orchestrator's delegated→in_progress update finds zero
	// rows and aborts silently.
	moved, err := f.tasks.Fail(context.Background(), "t1", domain.StatusDelegated, "stuck", domain.ActorSweeper)
	require.NoError(t, err)
	require.True(t, moved)

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgWorkspaceReady, WorkspaceID: task.WorkspaceID})

	got := f.get(t, "t1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Empty(t, got.SessionID, "losing the race leaves no session binding")
}

func TestCancelReleasesResources(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	task := f.get(t, "t1")
	require.Equal(t, domain.StatusDelegated, task.Status)

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgCancel})

	got := f.get(t, "t1")
	assert.Equal(t, domain.StatusCancelled, got.Status)
	ws, err := f.workspaces.GetByID(context.Background(), task.WorkspaceID)
	require.NoError(t, err)
	assert.Equal(t, domain.WorkspaceStopped, ws.Status)

	// Cancelling again is a no-op.
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgCancel})
	assert.Equal(t, domain.StatusCancelled, f.get(t, "t1").Status)
}

func TestRetryResetsAndReruns(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")
	f.provisioner.ProvisionErr = assert.AnError

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	require.Equal(t, domain.StatusFailed, f.get(t, "t1").Status)

	f.provisioner.ProvisionErr = nil
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgRetry})

	got := f.get(t, "t1")
	assert.Equal(t, domain.StatusDelegated, got.Status, "retry re-ran selection through delegation")
	assert.Equal(t, domain.StepWorkspaceReady, got.ExecutionStep)
	assert.Empty(t, got.ErrorMessage)
}

func TestStepTimeoutOffStepIsInert(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgWorkspaceReady, WorkspaceID: f.get(t, "t1").WorkspaceID})
	require.Equal(t, domain.StepRunning, f.get(t, "t1").ExecutionStep)

	// A stale workspace_ready timeout fires after the task moved on.
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgStepTimeout, Step: domain.StepWorkspaceReady})

	assert.Equal(t, domain.StatusInProgress, f.get(t, "t1").Status)
}

func TestProbeDeadlineFailsTask(t *testing.T) {
	f := newFixture(t)
	f.probe.SetReachable("10.0.0.1:7070", false)
	f.submitTask(t, "t1")

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	task := f.get(t, "t1")
	require.Equal(t, domain.StepNodeAgentReady, task.ExecutionStep)
	require.True(t, f.timers.Has(orchestrator.ProbeTimerID("t1")))

	// The probe timer fires past its deadline.
	f.handle(t, domain.TaskMessage{
		TaskID: "t1", Kind: domain.MsgProbe,
		Deadline: time.Now().Add(-time.Second),
	})

	got := f.get(t, "t1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "unreachable")
}

func TestSessionFailurePropagatesReason(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgWorkspaceReady, WorkspaceID: f.get(t, "t1").WorkspaceID})

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgSessionFailed, Reason: "repository clone denied"})

	got := f.get(t, "t1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "repository clone denied")
}

func TestFollowupRepromptsSession(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgWorkspaceReady, WorkspaceID: f.get(t, "t1").WorkspaceID})
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgSessionCompleted, Branch: "b1"})

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgFollowup, Prompt: "also update the changelog"})

	got := f.get(t, "t1")
	assert.Equal(t, 1, got.FollowupCount)
	calls := f.agent.CallsTo("SendFollowup")
	require.Len(t, calls, 1)
	assert.Equal(t, "also update the changelog", calls[0].Prompt)

	// The next completion refreshes outputs in place.
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgSessionCompleted, Branch: "b2"})
	assert.Equal(t, "b2", f.get(t, "t1").OutputBranch)
}

func TestFollowupTimeoutCompletesTask(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgWorkspaceReady, WorkspaceID: f.get(t, "t1").WorkspaceID})
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgSessionCompleted, Branch: "b1"})

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgStepTimeout, Step: domain.StepAwaitingFollowup})

	assert.Equal(t, domain.StatusCompleted, f.get(t, "t1").Status)
}

func TestDependenciesGateSelection(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "dep")
	f.submitTask(t, "t1", "dep")

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})

	got := f.get(t, "t1")
	assert.Equal(t, domain.StepNodeSelection, got.ExecutionStep, "waits for the dependency")
	assert.True(t, f.timers.Has(orchestrator.DepsTimerID("t1")))

	// Run the dependency to completion; its completion wakes t1.
	f.handle(t, domain.TaskMessage{TaskID: "dep", Kind: domain.MsgContinue})
	f.handle(t, domain.TaskMessage{TaskID: "dep", Kind: domain.MsgWorkspaceReady, WorkspaceID: f.get(t, "dep").WorkspaceID})
	f.handle(t, domain.TaskMessage{TaskID: "dep", Kind: domain.MsgSessionCompleted, Branch: "b"})
	f.handle(t, domain.TaskMessage{TaskID: "dep", Kind: domain.MsgComplete})

	wakeups := f.producer.ByTopic(domain.TopicTasks)
	require.NotEmpty(t, wakeups)
	assert.Equal(t, "t1", wakeups[len(wakeups)-1].Key)

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	assert.Equal(t, domain.StatusDelegated, f.get(t, "t1").Status)
}

func TestFailedDependencyFailsDependent(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "dep")
	f.submitTask(t, "t1", "dep")
	_, err := f.tasks.Fail(context.Background(), "dep", domain.StatusQueued, "boom", domain.ActorSweeper)
	require.NoError(t, err)

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})

	got := f.get(t, "t1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "dependency dep")
}

func TestUserAtNodeCapFailsBeforeDelegation(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"n1", "n2", "n3"} {
		f.nodes.Put(&domain.Node{ID: id, UserID: "u1", Status: domain.NodeRunning, HealthScore: 0, WorkspaceCount: 4})
	}
	f.submitTask(t, "t1")

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})

	got := f.get(t, "t1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.ErrorMessage, "node limit")
	assert.Equal(t, 0, f.provisioner.Provisioned)
}

func TestRaceLoserStartsNoRemoteSession(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	task := f.get(t, "t1")
	ctx := context.Background()

	// A sweeper fails the task after the step advanced to agent_session
	// but before the status update committed. The losing handler holds a
	// stale copy and must not reach the remote agent.
	moved, err := f.tasks.AdvanceStep(ctx, "t1", domain.StepWorkspaceReady, domain.StepAgentSession)
	require.NoError(t, err)
	require.True(t, moved)
	moved, err = f.tasks.Fail(ctx, "t1", domain.StatusDelegated, "stuck", domain.ActorSweeper)
	require.NoError(t, err)
	require.True(t, moved)

	stale := *task
	stale.ExecutionStep = domain.StepAgentSession
	require.NoError(t, f.orch.Continue(ctx, &stale))

	assert.Empty(t, f.agent.CallsTo("CreateAgentSession"), "race loser made no remote call")
	got := f.get(t, "t1")
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Empty(t, got.SessionID)
}

func TestInterruptedDelegationResumes(t *testing.T) {
	f := newFixture(t)
	f.nodes.Put(&domain.Node{
		ID: "n1", UserID: "u1", Status: domain.NodeRunning,
		Size: "medium", AgentAddr: "10.0.0.1:7070",
	})

	// A crash landed between the delegation update and the workspace
	// insert: the row is already delegated with a node bound but no
	// workspace. The redelivered message must pick the step back up.
	now := time.Now()
	task := &domain.Task{
		ID: "t1", UserID: "u1", RepoURL: "r", Prompt: "p",
		Status: domain.StatusDelegated, ExecutionStep: domain.StepWorkspaceCreation,
		NodeID: "n1", CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, f.tasks.Create(context.Background(), task))

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})

	got := f.get(t, "t1")
	assert.Equal(t, domain.StatusDelegated, got.Status)
	assert.Equal(t, domain.StepWorkspaceReady, got.ExecutionStep)
	assert.NotEmpty(t, got.WorkspaceID)
	assert.Len(t, f.agent.CallsTo("CreateWorkspace"), 1)
}

func TestInterruptedSessionStartResumes(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	wsID := f.get(t, "t1").WorkspaceID
	ctx := context.Background()

	// A crash landed after the status moved to in_progress but before the
	// session was created. The redelivered workspace_ready must finish
	// the step instead of treating it as a duplicate.
	moved, err := f.tasks.AdvanceStep(ctx, "t1", domain.StepWorkspaceReady, domain.StepAgentSession)
	require.NoError(t, err)
	require.True(t, moved)
	moved, err = f.tasks.TransitionStatus(ctx, "t1", domain.StatusDelegated, domain.StatusInProgress, domain.ActorOrchestrator)
	require.NoError(t, err)
	require.True(t, moved)

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgWorkspaceReady, WorkspaceID: wsID})

	got := f.get(t, "t1")
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, domain.StepRunning, got.ExecutionStep)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Len(t, f.agent.CallsTo("CreateAgentSession"), 1)
}

func TestTransientAgentErrorsAreRetried(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")

	f.agent.TransientFailures = 1
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})

	task := f.get(t, "t1")
	assert.Equal(t, domain.StatusDelegated, task.Status, "one blip does not fail the task")
	assert.Equal(t, domain.StepWorkspaceReady, task.ExecutionStep)
	assert.Len(t, f.agent.CallsTo("CreateWorkspace"), 1)

	f.agent.TransientFailures = 1
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgWorkspaceReady, WorkspaceID: task.WorkspaceID})

	task = f.get(t, "t1")
	assert.Equal(t, domain.StatusInProgress, task.Status)
	assert.Equal(t, "sess-1", task.SessionID)
}

func TestStaleWorkspaceFailureIgnoredAfterRetry(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	oldWS := f.get(t, "t1").WorkspaceID

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgSessionFailed, WorkspaceID: oldWS, Reason: "agent crashed"})
	require.Equal(t, domain.StatusFailed, f.get(t, "t1").Status)

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgRetry})
	task := f.get(t, "t1")
	require.Equal(t, domain.StatusDelegated, task.Status)
	require.NotEqual(t, oldWS, task.WorkspaceID)

	// Replayed failures for the first attempt's workspace must not touch
	// the fresh attempt.
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgProvisioningFailed, WorkspaceID: oldWS, Reason: "node lost"})
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgSessionFailed, WorkspaceID: oldWS, Reason: "agent crashed"})

	got := f.get(t, "t1")
	assert.Equal(t, domain.StatusDelegated, got.Status)
	assert.Empty(t, got.ErrorMessage)
}

func TestStoreOutageKeepsMessageUncommitted(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")

	// A database outage must surface as an error so the offset stays
	// uncommitted and the message is redelivered.
	f.tasks.GetErr = errors.New("connection refused")
	err := f.orch.HandleMessage(context.Background(), domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	require.Error(t, err)

	f.tasks.GetErr = nil
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	assert.Equal(t, domain.StatusDelegated, f.get(t, "t1").Status)

	// A message for a task that genuinely does not exist is still dropped.
	require.NoError(t, f.orch.HandleMessage(context.Background(), domain.TaskMessage{TaskID: "ghost", Kind: domain.MsgContinue}))
}

func TestCleanupTwiceConverges(t *testing.T) {
	f := newFixture(t)
	f.submitTask(t, "t1")
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgContinue})
	task := f.get(t, "t1")

	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgCancel})
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgCancel})
	f.handle(t, domain.TaskMessage{TaskID: "t1", Kind: domain.MsgSessionFailed, Reason: "late failure"})

	node, err := f.nodes.GetByID(context.Background(), task.NodeID)
	require.NoError(t, err)
	assert.Equal(t, 0, node.WorkspaceCount)
	assert.Equal(t, domain.NodeWarm, node.Status)
	assert.Equal(t, domain.StatusCancelled, f.get(t, "t1").Status)
}
