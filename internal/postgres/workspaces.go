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

// WorkspaceRepository abstracts database access for workspaces.
type WorkspaceRepository interface {
	Create(ctx context.Context, ws *domain.Workspace) error
	GetByID(ctx context.Context, id string) (*domain.Workspace, error)
	UpdateStatusIf(ctx context.Context, id string, from, to domain.WorkspaceStatus) (bool, error)
	Stop(ctx context.Context, id string) (bool, error)
	SetChatSession(ctx context.Context, id, chatSessionID string) error
	CountActiveOnNode(ctx context.Context, nodeID string) (int, error)
}

type workspaceRepository struct {
	pool *pgxpool.Pool
}

// NewWorkspaceRepository wraps a pgxpool with the WorkspaceRepository interface.
func NewWorkspaceRepository(pool *pgxpool.Pool) WorkspaceRepository {
	return &workspaceRepository{pool: pool}
}

func (r *workspaceRepository) Create(ctx context.Context, ws *domain.Workspace) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO workspaces (id, node_id, task_id, status, chat_session_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ws.ID, ws.NodeID, ws.TaskID, string(ws.Status), ws.ChatSessionID, ws.CreatedAt, ws.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create workspace %s: %w", ws.ID, err)
	}
	return nil
}

func (r *workspaceRepository) GetByID(ctx context.Context, id string) (*domain.Workspace, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, node_id, task_id, status, chat_session_id, created_at, updated_at
		FROM workspaces WHERE id = $1
	`, id)

	var ws domain.Workspace
	var status string
	var chat *string
	err := row.Scan(&ws.ID, &ws.NodeID, &ws.TaskID, &status, &chat, &ws.CreatedAt, &ws.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.WorkspaceNotFoundError{WorkspaceID: id}
		}
		return nil, fmt.Errorf("scan workspace %s: %w", id, err)
	}
	ws.Status = domain.WorkspaceStatus(status)
	if chat != nil {
		ws.ChatSessionID = *chat
	}
	return &ws, nil
}

func (r *workspaceRepository) UpdateStatusIf(ctx context.Context, id string, from, to domain.WorkspaceStatus) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE workspaces SET status = $1, updated_at = $2 WHERE id = $3 AND status = $4
	`, string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("workspace %s status %s → %s: %w", id, from, to, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Stop moves a live workspace to STOPPED. Returns false when the workspace
// was already stopped or errored, which makes double cleanup a no-op.
func (r *workspaceRepository) Stop(ctx context.Context, id string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE workspaces SET status = 'STOPPED', updated_at = $1
		WHERE id = $2 AND status IN ('CREATING', 'RUNNING')
	`, time.Now().UTC(), id)
	if err != nil {
		return false, fmt.Errorf("stop workspace %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *workspaceRepository) SetChatSession(ctx context.Context, id, chatSessionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE workspaces SET chat_session_id = $1, updated_at = $2 WHERE id = $3
	`, chatSessionID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("set chat session for workspace %s: %w", id, err)
	}
	return nil
}

func (r *workspaceRepository) CountActiveOnNode(ctx context.Context, nodeID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM workspaces
		WHERE node_id = $1 AND status IN ('CREATING', 'RUNNING')
	`, nodeID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count workspaces on node %s: %w", nodeID, err)
	}
	return n, nil
}
