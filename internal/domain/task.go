package domain

import "time"

// Status represents the lifecycle states of a task.
type Status string

const (
	StatusDraft      Status = "DRAFT"
	StatusQueued     Status = "QUEUED"
	StatusDelegated  Status = "DELEGATED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible,
// short of an explicit retry.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// validTransitions is the fixed edge set of the status machine. Any update
// outside this set is a bug, not a race.
var validTransitions = map[Status][]Status{
	StatusDraft:      {StatusQueued, StatusCancelled},
	StatusQueued:     {StatusDelegated, StatusFailed, StatusCancelled},
	StatusDelegated:  {StatusInProgress, StatusFailed, StatusCancelled},
	StatusInProgress: {StatusCompleted, StatusFailed, StatusCancelled},
	// Retry re-queues a terminal task.
	StatusFailed:    {StatusQueued},
	StatusCancelled: {StatusQueued},
}

// CanTransition reports whether from → to is an allowed status edge.
func CanTransition(from, to Status) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Step is the orchestrator's persisted breadcrumb: the last declared point
// of progress within the task's current status.
type Step string

const (
	StepNodeSelection     Step = "node_selection"
	StepNodeProvisioning  Step = "node_provisioning"
	StepNodeAgentReady    Step = "node_agent_ready"
	StepWorkspaceCreation Step = "workspace_creation"
	StepWorkspaceReady    Step = "workspace_ready"
	StepAgentSession      Step = "agent_session"
	StepRunning           Step = "running"
	StepAwaitingFollowup  Step = "awaiting_followup"
)

// stepOrder defines the forward-only sequence. node_provisioning is
// optional at runtime (skipped when a node is reused) but still occupies a
// slot so the monotonicity check stays a simple index compare.
var stepOrder = []Step{
	StepNodeSelection,
	StepNodeProvisioning,
	StepNodeAgentReady,
	StepWorkspaceCreation,
	StepWorkspaceReady,
	StepAgentSession,
	StepRunning,
	StepAwaitingFollowup,
}

// Index returns the position of s in the step sequence, or -1.
func (s Step) Index() int {
	for i, step := range stepOrder {
		if step == s {
			return i
		}
	}
	return -1
}

// CanAdvance reports whether from → to is a legal forward step move.
// Skipping node_provisioning is the single allowed two-slot hop, taken when
// the selector reuses an existing node.
func CanAdvance(from, to Step) bool {
	fi, ti := from.Index(), to.Index()
	if fi < 0 || ti < 0 {
		return false
	}
	if ti == fi+1 {
		return true
	}
	return from == StepNodeSelection && to == StepNodeAgentReady
}

// Task is a unit of work executed autonomously by a remote coding agent.
type Task struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"user_id"`
	Description         string     `json:"description"`
	RepoURL             string     `json:"repo_url"`
	Prompt              string     `json:"prompt"`
	Status              Status     `json:"status"`
	ExecutionStep       Step       `json:"execution_step"`
	Priority            int        `json:"priority"`
	RequestedSize       string     `json:"requested_size"`
	RequestedLocation   string     `json:"requested_location"`
	NodeID              string     `json:"node_id,omitempty"`
	WorkspaceID         string     `json:"workspace_id,omitempty"`
	SessionID           string     `json:"session_id,omitempty"`
	AutoProvisionedNode string     `json:"auto_provisioned_node_id,omitempty"`
	OutputBranch        string     `json:"output_branch,omitempty"`
	OutputPRURL         string     `json:"output_pr_url,omitempty"`
	ErrorMessage        string     `json:"error_message,omitempty"`
	FollowupCount       int        `json:"followup_count"`
	DependsOn           []string   `json:"depends_on,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	StartedAt           *time.Time `json:"started_at,omitempty"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
}

// StatusEvent is one row of the append-only task status audit log.
type StatusEvent struct {
	ID         string    `json:"id"`
	TaskID     string    `json:"task_id"`
	FromStatus Status    `json:"from_status"`
	ToStatus   Status    `json:"to_status"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}

// Actors recorded on status events.
const (
	ActorAPI          = "api"
	ActorOrchestrator = "orchestrator"
	ActorSweeper      = "sweeper"
)

// FailureSnapshot is the diagnostic record the sweeper persists before
// force-failing a stalled task.
type FailureSnapshot struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	TaskStatus      Status    `json:"task_status"`
	ExecutionStep   Step      `json:"execution_step"`
	WorkspaceStatus string    `json:"workspace_status,omitempty"`
	NodeStatus      string    `json:"node_status,omitempty"`
	ElapsedMs       int64     `json:"elapsed_ms"`
	Reason          string    `json:"reason"`
	CreatedAt       time.Time `json:"created_at"`
}
