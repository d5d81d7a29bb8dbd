package nodepool

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/auth"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/postgres"
	redisstore "github.com/raphaeltm/simple-agent-manager-sub001/internal/redis"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/remote"
	"github.com/raphaeltm/simple-agent-manager-sub001/pkg/retry"
	"github.com/raphaeltm/simple-agent-manager-sub001/pkg/telemetry"
)

// ManagerConfig holds node lifecycle timing and remote-call retry policy.
// CallbackBaseURL is where provisioned nodes send their heartbeats.
type ManagerConfig struct {
	WarmTimeout     time.Duration
	MaxLifetime     time.Duration
	RetryAttempts   int
	RetryBaseDelay  time.Duration
	CallbackBaseURL string
}

// DefaultManagerConfig returns the default lifecycle timings.
func DefaultManagerConfig() ManagerConfig {
	return ManagerConfig{
		WarmTimeout:     30 * time.Minute,
		MaxLifetime:     8 * time.Hour,
		RetryAttempts:   3,
		RetryBaseDelay:  time.Second,
		CallbackBaseURL: "http://localhost:8080",
	}
}

// DestroyTimerID and LifetimeTimerID are deterministic so a claim can
// cancel the pending destroy without knowing when it was armed.
func DestroyTimerID(nodeID string) string  { return "node:destroy:" + nodeID }
func LifetimeTimerID(nodeID string) string { return "node:lifetime:" + nodeID }

// Manager owns every node lifecycle mutation. All other components request
// state changes through it (or through the node message topic), never by
// writing node rows directly.
type Manager struct {
	nodes       postgres.NodeRepository
	workspaces  postgres.WorkspaceRepository
	timers      redisstore.TimerQueue
	provisioner remote.Provisioner
	agent       remote.AgentClient
	signer      *auth.Signer
	cfg         ManagerConfig
	logger      *slog.Logger
}

// NewManager constructs a Manager.
func NewManager(
	nodes postgres.NodeRepository,
	workspaces postgres.WorkspaceRepository,
	timers redisstore.TimerQueue,
	provisioner remote.Provisioner,
	agent remote.AgentClient,
	signer *auth.Signer,
	cfg ManagerConfig,
	logger *slog.Logger,
) *Manager {
	return &Manager{
		nodes:       nodes,
		workspaces:  workspaces,
		timers:      timers,
		provisioner: provisioner,
		agent:       agent,
		signer:      signer,
		cfg:         cfg,
		logger:      logger,
	}
}

// Provision creates a node row, asks the provider for a VM, and arms the
// absolute max-lifetime timer — leak-defense layer c, counting from birth
// regardless of warm/active state.
func (m *Manager) Provision(ctx context.Context, size, location, userID string) (*domain.Node, error) {
	now := time.Now().UTC()
	node := &domain.Node{
		ID:            uuid.New().String(),
		UserID:        userID,
		Status:        domain.NodeProvisioning,
		Size:          size,
		Location:      location,
		HealthScore:   100,
		MaxLifetimeAt: now.Add(m.cfg.MaxLifetime),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.nodes.Create(ctx, node); err != nil {
		return nil, err
	}

	// The provider injects the heartbeat credential into the machine, so
	// the node can report stats from its first boot.
	spec := remote.ProvisionSpec{
		Size:          size,
		Location:      location,
		CallbackURL:   m.cfg.CallbackBaseURL + "/v1/callbacks/nodes/" + node.ID + "/heartbeat",
		CallbackToken: m.signer.Token(auth.ScopeNode, node.ID),
	}
	var handle remote.NodeHandle
	err := retry.Do(ctx, retry.Config{
		MaxAttempts: m.cfg.RetryAttempts,
		BaseDelay:   m.cfg.RetryBaseDelay,
		OnRetry: func(attempt int, err error) {
			m.logger.Warn("provision attempt failed, retrying",
				slog.String("node_id", node.ID),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
		},
	}, func() error {
		var perr error
		handle, perr = m.provisioner.Provision(ctx, spec)
		return perr
	})
	if err != nil {
		// The row stays in PROVISIONING; the max-lifetime timer below is
		// never armed for it, so mark it stopped right away.
		if _, serr := m.nodes.UpdateStatusIf(ctx, node.ID, domain.NodeProvisioning, domain.NodeStopped); serr != nil {
			m.logger.Error("mark failed provision stopped", slog.String("node_id", node.ID), slog.String("error", serr.Error()))
		}
		return nil, fmt.Errorf("provision node %s: %w", node.ID, err)
	}

	node.Handle = handle.ProviderID
	node.AgentAddr = handle.AgentAddr
	if err := m.nodes.SetHandle(ctx, node.ID, handle.ProviderID, handle.AgentAddr); err != nil {
		return nil, err
	}
	if _, err := m.nodes.UpdateStatusIf(ctx, node.ID, domain.NodeProvisioning, domain.NodeRunning); err != nil {
		return nil, err
	}
	node.Status = domain.NodeRunning

	if err := m.armNodeTimer(ctx, LifetimeTimerID(node.ID), node.ID, domain.MsgNodeMaxLifetime, node.MaxLifetimeAt); err != nil {
		m.logger.Error("arm max-lifetime timer", slog.String("node_id", node.ID), slog.String("error", err.Error()))
	}

	telemetry.NodesProvisionedTotal.Inc()
	m.logger.Info("node provisioned",
		slog.String("node_id", node.ID),
		slog.String("size", size),
		slog.String("location", location),
	)
	return node, nil
}

// TryClaim atomically takes a warm node. Exactly one of N concurrent
// claimers wins; the winner's destroy timer is cancelled.
func (m *Manager) TryClaim(ctx context.Context, nodeID string) (bool, error) {
	claimed, err := m.nodes.TryClaim(ctx, nodeID)
	if err != nil {
		return false, err
	}
	if !claimed {
		telemetry.WarmClaimsTotal.WithLabelValues("lost").Inc()
		return false, nil
	}
	if err := m.timers.Cancel(ctx, DestroyTimerID(nodeID)); err != nil {
		// The timer handler re-checks node status, so a missed cancel
		// cannot destroy a claimed node.
		m.logger.Warn("cancel destroy timer", slog.String("node_id", nodeID), slog.String("error", err.Error()))
	}
	telemetry.WarmClaimsTotal.WithLabelValues("won").Inc()
	return true, nil
}

// MarkIdle parks a running node in the warm pool and arms its destroy
// timer — leak-defense layer a.
func (m *Manager) MarkIdle(ctx context.Context, nodeID string) error {
	warmed, err := m.nodes.MarkWarm(ctx, nodeID)
	if err != nil {
		return err
	}
	if !warmed {
		// Still hosting workspaces, or already warm/destroying.
		return nil
	}
	due := time.Now().UTC().Add(m.cfg.WarmTimeout)
	if err := m.armNodeTimer(ctx, DestroyTimerID(nodeID), nodeID, domain.MsgNodeDestroyWarm, due); err != nil {
		return err
	}
	m.logger.Info("node parked warm", slog.String("node_id", nodeID), slog.Time("destroy_at", due))
	return nil
}

// HandleMessage processes one node lifecycle message. Idempotent: every
// branch re-validates current node status with a conditional update.
func (m *Manager) HandleMessage(ctx context.Context, msg domain.NodeMessage) error {
	switch msg.Kind {
	case domain.MsgNodeDestroyWarm:
		// Only an unclaimed warm node dies here. A claim that raced the
		// timer wins: the conditional update sees RUNNING and no-ops.
		started, err := m.nodes.UpdateStatusIf(ctx, msg.NodeID, domain.NodeWarm, domain.NodeDestroying)
		if err != nil {
			return err
		}
		if !started {
			m.logger.Info("destroy timer fired for non-warm node, ignoring", slog.String("node_id", msg.NodeID))
			return nil
		}
		return m.teardown(ctx, msg.NodeID, "warm timeout")

	case domain.MsgNodeMaxLifetime, domain.MsgNodeForceDestroy:
		reason := msg.Reason
		if reason == "" {
			reason = "max lifetime reached"
		}
		return m.ForceDestroy(ctx, msg.NodeID, reason)

	default:
		m.logger.Error("unknown node message kind, discarding", slog.String("kind", msg.Kind))
		return nil
	}
}

// ForceDestroy tears the node down from whatever non-terminal state it is
// in. Used by leak-defense layers b and c.
func (m *Manager) ForceDestroy(ctx context.Context, nodeID, reason string) error {
	node, err := m.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return err
	}
	switch node.Status {
	case domain.NodeStopped, domain.NodeDestroying:
		return nil
	}
	started, err := m.nodes.UpdateStatusIf(ctx, nodeID, node.Status, domain.NodeDestroying)
	if err != nil {
		return err
	}
	if !started {
		// Another writer moved the node first; it owns the teardown.
		return nil
	}
	return m.teardown(ctx, nodeID, reason)
}

// teardown runs the provider destroy and finalizes the row. The node is
// already in DESTROYING, which this process owns exclusively.
func (m *Manager) teardown(ctx context.Context, nodeID, reason string) error {
	node, err := m.nodes.GetByID(ctx, nodeID)
	if err != nil {
		return err
	}

	err = retry.Do(ctx, retry.Config{
		MaxAttempts: m.cfg.RetryAttempts,
		BaseDelay:   m.cfg.RetryBaseDelay,
	}, func() error {
		return m.provisioner.Destroy(ctx, remote.NodeHandle{ProviderID: node.Handle, AgentAddr: node.AgentAddr})
	})
	if err != nil {
		// Leave the row in DESTROYING; the max-lifetime timer or the node
		// sweep will retry the teardown.
		return fmt.Errorf("destroy node %s: %w", nodeID, err)
	}

	if _, err := m.nodes.UpdateStatusIf(ctx, nodeID, domain.NodeDestroying, domain.NodeStopped); err != nil {
		return err
	}
	_ = m.timers.Cancel(ctx, DestroyTimerID(nodeID))
	_ = m.timers.Cancel(ctx, LifetimeTimerID(nodeID))

	telemetry.NodesDestroyedTotal.WithLabelValues(reason).Inc()
	m.logger.Info("node destroyed", slog.String("node_id", nodeID), slog.String("reason", reason))
	return nil
}

// RetryStuckTeardowns finishes teardowns that previously failed against
// the provider and left their rows in DESTROYING.
func (m *Manager) RetryStuckTeardowns(ctx context.Context) error {
	stuck, err := m.nodes.ListDestroying(ctx)
	if err != nil {
		return err
	}
	for _, node := range stuck {
		if err := m.teardown(ctx, node.ID, "teardown retry"); err != nil {
			m.logger.Error("teardown retry failed",
				slog.String("node_id", node.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// ReleaseTaskResources is the shared cleanup for task failure, cancel, and
// completion. Safe to invoke any number of times: the workspace stop is a
// conditional update, and only the invocation that actually stopped the
// workspace decrements the node's count.
func (m *Manager) ReleaseTaskResources(ctx context.Context, task *domain.Task) error {
	if task.WorkspaceID != "" {
		stopped, err := m.workspaces.Stop(ctx, task.WorkspaceID)
		if err != nil {
			return err
		}
		if stopped {
			ws, err := m.workspaces.GetByID(ctx, task.WorkspaceID)
			if err != nil {
				return err
			}
			if err := m.nodes.AdjustWorkspaceCount(ctx, ws.NodeID, -1); err != nil {
				return err
			}
			// Best effort: the node agent reaps abandoned workspaces on
			// its own, so a failed stop call is not fatal.
			if node, err := m.nodes.GetByID(ctx, ws.NodeID); err == nil && node.AgentAddr != "" {
				if err := m.agent.StopWorkspace(ctx, node.AgentAddr, task.WorkspaceID); err != nil {
					m.logger.Warn("remote workspace stop failed",
						slog.String("workspace_id", task.WorkspaceID),
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}

	// Return the node to the warm pool only when this task caused it to
	// exist and nothing else runs there. MarkIdle re-checks the workspace
	// count conditionally, so a sibling created in between keeps the node.
	if task.AutoProvisionedNode != "" {
		active, err := m.workspaces.CountActiveOnNode(ctx, task.AutoProvisionedNode)
		if err != nil {
			return err
		}
		if active == 0 {
			if err := m.MarkIdle(ctx, task.AutoProvisionedNode); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Manager) armNodeTimer(ctx context.Context, timerID, nodeID, kind string, due time.Time) error {
	payload, err := redisstore.MarshalNodeMessage(domain.NodeMessage{NodeID: nodeID, Kind: kind})
	if err != nil {
		return err
	}
	return m.timers.Arm(ctx, redisstore.Timer{
		ID:      timerID,
		Topic:   domain.TopicNodes,
		Key:     nodeID,
		Payload: payload,
		Due:     due,
	})
}
