package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
)

// NodeRepository abstracts database access for nodes. Lifecycle mutations
// are conditional updates so that concurrent claims and destroys resolve to
// exactly one winner.
type NodeRepository interface {
	Create(ctx context.Context, node *domain.Node) error
	GetByID(ctx context.Context, id string) (*domain.Node, error)
	UpdateStatusIf(ctx context.Context, id string, from, to domain.NodeStatus) (bool, error)
	SetHandle(ctx context.Context, id, handle, agentAddr string) error
	TryClaim(ctx context.Context, id string) (bool, error)
	MarkWarm(ctx context.Context, id string) (bool, error)
	ListWarm(ctx context.Context, size, location string) ([]*domain.Node, error)
	ListRunning(ctx context.Context) ([]*domain.Node, error)
	ListStaleWarm(ctx context.Context, olderThan time.Time) ([]*domain.Node, error)
	ListDestroying(ctx context.Context) ([]*domain.Node, error)
	CountActiveByUser(ctx context.Context, userID string) (int, error)
	AdjustWorkspaceCount(ctx context.Context, id string, delta int) error
	SetHealth(ctx context.Context, id string, score int) error
}

type nodeRepository struct {
	pool *pgxpool.Pool
}

// NewNodeRepository wraps a pgxpool with the NodeRepository interface.
func NewNodeRepository(pool *pgxpool.Pool) NodeRepository {
	return &nodeRepository{pool: pool}
}

func (r *nodeRepository) Create(ctx context.Context, node *domain.Node) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO nodes
			(id, user_id, status, size, location, handle, agent_addr, health_score,
			 workspace_count, max_lifetime_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		node.ID, node.UserID, string(node.Status), node.Size, node.Location,
		node.Handle, node.AgentAddr, node.HealthScore, node.WorkspaceCount,
		node.MaxLifetimeAt, node.CreatedAt, node.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create node %s: %w", node.ID, err)
	}
	return nil
}

func (r *nodeRepository) GetByID(ctx context.Context, id string) (*domain.Node, error) {
	row := r.pool.QueryRow(ctx, nodeSelect+` WHERE id = $1`, id)
	node, err := scanNode(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.NodeNotFoundError{NodeID: id}
		}
		return nil, err
	}
	return node, nil
}

func (r *nodeRepository) UpdateStatusIf(ctx context.Context, id string, from, to domain.NodeStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nodes SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
	`, string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("node %s status %s → %s: %w", id, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetHandle records the provider identity once the VM exists.
func (r *nodeRepository) SetHandle(ctx context.Context, id, handle, agentAddr string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE nodes SET handle = $1, agent_addr = $2, updated_at = $3 WHERE id = $4
	`, handle, agentAddr, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set node %s handle: %w", id, err)
	}
	return nil
}

// TryClaim atomically takes a warm node. Under N concurrent claims exactly
// one caller sees true; warm_since is cleared in the same statement.
func (r *nodeRepository) TryClaim(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE nodes
		SET status = 'RUNNING', warm_since = NULL, updated_at = $1
		WHERE id = $2 AND status = 'WARM'
	`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("claim node %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkWarm parks a running node in the warm pool. Guarded on a zero
// workspace count so a node that picked up a workspace between the caller's
// read and this write stays active.
func (r *nodeRepository) MarkWarm(ctx context.Context, id string) (bool, error) {
	now := time.Now().UTC()
	tag, err := r.pool.Exec(ctx, `
		UPDATE nodes
		SET status = 'WARM', warm_since = $1, updated_at = $1
		WHERE id = $2 AND status = 'RUNNING' AND workspace_count = 0
	`, now, id)
	if err != nil {
		return false, fmt.Errorf("mark node %s warm: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListWarm returns warm nodes ordered best match first: exact size, then
// location, then freshest warm_since.
func (r *nodeRepository) ListWarm(ctx context.Context, size, location string) ([]*domain.Node, error) {
	rows, err := r.pool.Query(ctx, nodeSelect+`
		WHERE status = 'WARM'
		ORDER BY (size = $1) DESC, (location = $2) DESC, warm_since DESC
	`, size, location)
	if err != nil {
		return nil, fmt.Errorf("list warm nodes: %w", err)
	}
	return collectNodes(rows)
}

func (r *nodeRepository) ListRunning(ctx context.Context) ([]*domain.Node, error) {
	rows, err := r.pool.Query(ctx, nodeSelect+`
		WHERE status = 'RUNNING'
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list running nodes: %w", err)
	}
	return collectNodes(rows)
}

// ListStaleWarm finds warm nodes whose destroy timer should have fired
// already. This is leak-defense layer b: it catches timers that were lost.
func (r *nodeRepository) ListStaleWarm(ctx context.Context, olderThan time.Time) ([]*domain.Node, error) {
	rows, err := r.pool.Query(ctx, nodeSelect+`
		WHERE status = 'WARM' AND warm_since < $1
	`, olderThan)
	if err != nil {
		return nil, fmt.Errorf("list stale warm nodes: %w", err)
	}
	return collectNodes(rows)
}

// ListDestroying finds nodes whose teardown stalled against the provider.
func (r *nodeRepository) ListDestroying(ctx context.Context) ([]*domain.Node, error) {
	rows, err := r.pool.Query(ctx, nodeSelect+`
		WHERE status = 'DESTROYING'
	`)
	if err != nil {
		return nil, fmt.Errorf("list destroying nodes: %w", err)
	}
	return collectNodes(rows)
}

func (r *nodeRepository) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM nodes
		WHERE user_id = $1 AND status NOT IN ('STOPPED', 'DESTROYING')
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count nodes for user %s: %w", userID, err)
	}
	return n, nil
}

func (r *nodeRepository) AdjustWorkspaceCount(ctx context.Context, id string, delta int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE nodes
		SET workspace_count = GREATEST(workspace_count + $1, 0), updated_at = $2
		WHERE id = $3
	`, delta, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("adjust workspace count for node %s: %w", id, err)
	}
	return nil
}

func (r *nodeRepository) SetHealth(ctx context.Context, id string, score int) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE nodes SET health_score = $1, updated_at = $2 WHERE id = $3
	`, score, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set health for node %s: %w", id, err)
	}
	return nil
}

const nodeSelect = `
	SELECT id, user_id, status, size, location, handle, agent_addr, warm_since,
	       health_score, workspace_count, max_lifetime_at, created_at, updated_at
	FROM nodes`

func scanNode(row interface {
	Scan(...any) error
}) (*domain.Node, error) {
	var node domain.Node
	var status string
	err := row.Scan(
		&node.ID, &node.UserID, &status, &node.Size, &node.Location,
		&node.Handle, &node.AgentAddr, &node.WarmSince, &node.HealthScore,
		&node.WorkspaceCount, &node.MaxLifetimeAt, &node.CreatedAt, &node.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	node.Status = domain.NodeStatus(status)
	return &node, nil
}

func collectNodes(rows pgx.Rows) ([]*domain.Node, error) {
	defer rows.Close()
	var nodes []*domain.Node
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, node)
	}
	return nodes, rows.Err()
}
