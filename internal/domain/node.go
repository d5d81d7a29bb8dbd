package domain

import "time"

// NodeStatus represents the lifecycle states of a provisioned VM.
type NodeStatus string

const (
	NodeProvisioning NodeStatus = "PROVISIONING"
	NodeRunning      NodeStatus = "RUNNING"
	NodeWarm         NodeStatus = "WARM"
	NodeDestroying   NodeStatus = "DESTROYING"
	NodeStopped      NodeStatus = "STOPPED"
)

// Node is a provisioned virtual machine capable of hosting workspaces.
type Node struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Status         NodeStatus `json:"status"`
	Size           string     `json:"size"`
	Location       string     `json:"location"`
	Handle         string     `json:"handle"`     // provider-side identifier
	AgentAddr      string     `json:"agent_addr"` // execution agent host:port
	WarmSince      *time.Time `json:"warm_since,omitempty"`
	HealthScore    int        `json:"health_score"`
	WorkspaceCount int        `json:"workspace_count"`
	MaxLifetimeAt  time.Time  `json:"max_lifetime_at"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// NodeStats are the live load figures a node reports via heartbeat.
// They expire with the heartbeat TTL; a node without fresh stats is treated
// as fully loaded by the selector.
type NodeStats struct {
	CPUPercent    float64   `json:"cpu_percent"`
	MemoryPercent float64   `json:"memory_percent"`
	HealthScore   int       `json:"health_score"`
	ReportedAt    time.Time `json:"reported_at"`
}
