package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// NodeNotFoundError is returned when a node ID does not exist.
type NodeNotFoundError struct {
	NodeID string
}

func (e *NodeNotFoundError) Error() string {
	return fmt.Sprintf("node not found: %s", e.NodeID)
}

// WorkspaceNotFoundError is returned when a workspace ID does not exist.
type WorkspaceNotFoundError struct {
	WorkspaceID string
}

func (e *WorkspaceNotFoundError) Error() string {
	return fmt.Sprintf("workspace not found: %s", e.WorkspaceID)
}

// NodeLimitExceededError is returned when a user is at their node cap.
// It surfaces to the caller instead of silently provisioning another VM.
type NodeLimitExceededError struct {
	UserID string
	Limit  int
}

func (e *NodeLimitExceededError) Error() string {
	return fmt.Sprintf("user %s is at the node limit of %d", e.UserID, e.Limit)
}

// InvalidTransitionError is returned when a status change is outside the
// fixed edge set. Distinct from a lost race, which is signalled by a
// zero-row conditional update, not an error.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s → %s", e.TaskID, e.From, e.To)
}

// TaskAlreadyTerminalError is returned when an operation requires a
// non-terminal task.
type TaskAlreadyTerminalError struct {
	TaskID string
	Status Status
}

func (e *TaskAlreadyTerminalError) Error() string {
	return fmt.Sprintf("task %s is already terminal with status %s", e.TaskID, e.Status)
}

// DependencyCycleError is returned at submission when the requested
// dependencies would introduce a cycle.
type DependencyCycleError struct {
	TaskID string
	Cycle  []string
}

func (e *DependencyCycleError) Error() string {
	return fmt.Sprintf("task %s: dependency cycle %v", e.TaskID, e.Cycle)
}
