// Package nodepool owns node placement and lifecycle: the pure selection
// logic and the per-node lifecycle manager.
package nodepool

import (
	"time"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
)

// SelectorConfig holds the placement thresholds and score weights.
type SelectorConfig struct {
	MaxWorkspacesPerNode int
	MaxCPUPercent        float64
	MaxMemoryPercent     float64
	MinHealthScore       int
	CPUWeight            float64
	MemoryWeight         float64
	MaxNodesPerUser      int
}

// DefaultSelectorConfig returns the observed defaults. The 0.4/0.6 weights
// are a tuning default, not a contract.
func DefaultSelectorConfig() SelectorConfig {
	return SelectorConfig{
		MaxWorkspacesPerNode: 4,
		MaxCPUPercent:        80,
		MaxMemoryPercent:     80,
		MinHealthScore:       50,
		CPUWeight:            0.4,
		MemoryWeight:         0.6,
		MaxNodesPerUser:      3,
	}
}

// Candidate is one node plus its live load figures. Nodes without a fresh
// heartbeat carry HasStats=false and are treated as fully loaded.
type Candidate struct {
	Node     *domain.Node
	CPU      float64
	Memory   float64
	HasStats bool
}

// Request describes what the task needs from placement.
type Request struct {
	UserID        string
	Size          string
	Location      string
	UserNodeCount int
}

// DecisionKind is the selector's verdict.
type DecisionKind int

const (
	// DecisionClaimWarm lists warm nodes to claim, best match first.
	DecisionClaimWarm DecisionKind = iota
	// DecisionReuse binds the task to a running node with spare capacity.
	DecisionReuse
	// DecisionProvision signals that a new node must be created.
	DecisionProvision
)

// Decision is the selector output. WarmCandidates is ordered; the caller
// attempts atomic claims in order and stops at the first success, falling
// through to Reuse/Provision if every claim loses.
type Decision struct {
	Kind           DecisionKind
	WarmCandidates []string
	ReuseNodeID    string
}

// Select is a pure decision over a snapshot of candidate nodes. It never
// claims or writes anything.
//
// Order of preference: a warm node matching the request, then the
// least-loaded running node under every threshold, then a fresh provision.
// A user at the node cap gets an explicit error instead of a silent
// provision.
func Select(req Request, warm, running []Candidate, cfg SelectorConfig) (Decision, error) {
	if len(warm) > 0 {
		ids := make([]string, 0, len(warm))
		for _, c := range warm {
			if c.Node.Status == domain.NodeWarm {
				ids = append(ids, c.Node.ID)
			}
		}
		if len(ids) > 0 {
			return Decision{Kind: DecisionClaimWarm, WarmCandidates: ids}, nil
		}
	}

	if best := pickRunning(req, running, cfg); best != "" {
		return Decision{Kind: DecisionReuse, ReuseNodeID: best}, nil
	}

	if cfg.MaxNodesPerUser > 0 && req.UserNodeCount >= cfg.MaxNodesPerUser {
		return Decision{}, &domain.NodeLimitExceededError{UserID: req.UserID, Limit: cfg.MaxNodesPerUser}
	}
	return Decision{Kind: DecisionProvision}, nil
}

// pickRunning scores running nodes and returns the best reuse target, or ""
// when none qualifies.
func pickRunning(req Request, running []Candidate, cfg SelectorConfig) string {
	var (
		bestID    string
		bestScore float64
		bestLoc   bool
		bestAge   time.Time
	)
	for _, c := range running {
		n := c.Node
		if n.Status != domain.NodeRunning {
			continue
		}
		if n.HealthScore < cfg.MinHealthScore {
			continue
		}
		if n.WorkspaceCount >= cfg.MaxWorkspacesPerNode {
			continue
		}
		if !c.HasStats {
			continue
		}
		if c.CPU > cfg.MaxCPUPercent || c.Memory > cfg.MaxMemoryPercent {
			continue
		}

		score := cfg.CPUWeight*c.CPU + cfg.MemoryWeight*c.Memory
		locMatch := req.Location == "" || n.Location == req.Location

		better := bestID == "" || score < bestScore
		if !better && score == bestScore {
			// Tie-break: location match first, then oldest node.
			if locMatch && !bestLoc {
				better = true
			} else if locMatch == bestLoc && n.CreatedAt.Before(bestAge) {
				better = true
			}
		}
		if better {
			bestID, bestScore, bestLoc, bestAge = n.ID, score, locMatch, n.CreatedAt
		}
	}
	return bestID
}
