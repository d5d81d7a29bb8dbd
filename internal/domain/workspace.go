package domain

import "time"

// WorkspaceStatus represents the lifecycle states of a workspace.
type WorkspaceStatus string

const (
	WorkspaceCreating WorkspaceStatus = "CREATING"
	WorkspaceRunning  WorkspaceStatus = "RUNNING"
	WorkspaceError    WorkspaceStatus = "ERROR"
	WorkspaceStopped  WorkspaceStatus = "STOPPED"
)

// Workspace is an isolated devcontainer on a node, bound to one task.
type Workspace struct {
	ID            string          `json:"id"`
	NodeID        string          `json:"node_id"`
	TaskID        string          `json:"task_id"`
	Status        WorkspaceStatus `json:"status"`
	ChatSessionID string          `json:"chat_session_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}
