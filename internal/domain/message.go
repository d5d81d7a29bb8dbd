package domain

import "time"

// Kafka topics. Task messages are keyed by task ID and node messages by
// node ID, so the hash balancer gives each entity a single ordered stream.
const (
	TopicTasks = "tasks.orchestrate"
	TopicNodes = "nodes.lifecycle"
)

// Kinds of task messages.
const (
	MsgContinue           = "continue"
	MsgWorkspaceReady     = "workspace_ready"
	MsgProvisioningFailed = "provisioning_failed"
	MsgSessionCompleted   = "session_completed"
	MsgSessionFailed      = "session_failed"
	MsgCancel             = "cancel"
	MsgRetry              = "retry"
	MsgFollowup           = "followup"
	MsgComplete           = "complete"
	MsgStepTimeout        = "step_timeout"
	MsgProbe              = "probe"
	MsgDepsRecheck        = "deps_recheck"
	MsgDeferredCallback   = "deferred_callback"
)

// TaskMessage is the envelope for everything the orchestrator consumes on
// the tasks topic: commands, callbacks, and fired timers.
type TaskMessage struct {
	TaskID      string    `json:"task_id"`
	Kind        string    `json:"kind"`
	WorkspaceID string    `json:"workspace_id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Branch      string    `json:"branch,omitempty"`
	PRURL       string    `json:"pr_url,omitempty"`
	Prompt      string    `json:"prompt,omitempty"`
	// Step scopes a timer to the step it was armed for; a timer that fires
	// after the task moved on is inert.
	Step Step `json:"step,omitempty"`
	// Deadline bounds probe polling; a replayed probe past its deadline is
	// a failure, not another attempt.
	Deadline time.Time `json:"deadline,omitempty"`
	// Deferred marks a callback that already went through one grace delay.
	Deferred bool `json:"deferred,omitempty"`
}

// Kinds of node messages.
const (
	MsgNodeDestroyWarm  = "destroy_warm"
	MsgNodeMaxLifetime  = "max_lifetime"
	MsgNodeForceDestroy = "force_destroy"
)

// NodeMessage is the envelope for node lifecycle timers and sweeps.
type NodeMessage struct {
	NodeID string `json:"node_id"`
	Kind   string `json:"kind"`
	Reason string `json:"reason,omitempty"`
}
