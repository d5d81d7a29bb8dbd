package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
)

// TaskRepository abstracts all database access for tasks. Every status
// mutation is a conditional update keyed on the expected prior status; the
// returned bool is false when zero rows matched, which is the designed
// race-lost signal, not an error.
type TaskRepository interface {
	Create(ctx context.Context, task *domain.Task) error
	GetByID(ctx context.Context, id string) (*domain.Task, error)
	TransitionStatus(ctx context.Context, id string, from, to domain.Status, actor string) (bool, error)
	Fail(ctx context.Context, id string, from domain.Status, reason, actor string) (bool, error)
	AdvanceStep(ctx context.Context, id string, from, to domain.Step) (bool, error)
	ResetForRetry(ctx context.Context, id string, from domain.Status, actor string) (bool, error)
	BindNode(ctx context.Context, id, nodeID string, autoProvisioned bool) error
	BindWorkspace(ctx context.Context, id, workspaceID string) error
	BindSession(ctx context.Context, id, sessionID string) error
	RecordOutputs(ctx context.Context, id, branch, prURL string) error
	IncFollowups(ctx context.Context, id string) error
	ListStale(ctx context.Context, status domain.Status, olderThan time.Time, limit int) ([]*domain.Task, error)
	ListDependents(ctx context.Context, id string) ([]string, error)
	DependencyStatuses(ctx context.Context, id string) (map[string]domain.Status, error)
	DependencyClosure(ctx context.Context, roots []string) ([]domain.DependencyEdge, error)
	ListEvents(ctx context.Context, taskID string) ([]*domain.StatusEvent, error)
	RecordFailureSnapshot(ctx context.Context, snap *domain.FailureSnapshot) error
}

type taskRepository struct {
	pool *pgxpool.Pool
}

// NewTaskRepository wraps a pgxpool with the TaskRepository interface.
func NewTaskRepository(pool *pgxpool.Pool) TaskRepository {
	return &taskRepository{pool: pool}
}

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

func (r *taskRepository) Create(ctx context.Context, task *domain.Task) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create task: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO tasks
			(id, user_id, description, repo_url, prompt, status, execution_step,
			 priority, requested_size, requested_location, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`,
		task.ID, task.UserID, task.Description, task.RepoURL, task.Prompt,
		string(task.Status), string(task.ExecutionStep),
		task.Priority, task.RequestedSize, task.RequestedLocation,
		task.CreatedAt, task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}

	for _, dep := range task.DependsOn {
		if _, err := tx.Exec(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on) VALUES ($1, $2)
		`, task.ID, dep); err != nil {
			return fmt.Errorf("create dependency %s → %s: %w", task.ID, dep, err)
		}
	}

	if err := appendEvent(ctx, tx, task.ID, "", task.Status, domain.ActorAPI); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// TransitionStatus performs the optimistic-lock update. Exactly one writer
// can win a given from → to edge; the loser sees (false, nil) and must abort
// without side effects. The audit event commits atomically with the update.
func (r *taskRepository) TransitionStatus(ctx context.Context, id string, from, to domain.Status, actor string) (bool, error) {
	if !domain.CanTransition(from, to) {
		return false, &domain.InvalidTransitionError{TaskID: id, From: from, To: to}
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin transition: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = $1,
		    updated_at = $2,
		    started_at = CASE WHEN $1 = 'IN_PROGRESS' THEN COALESCE(started_at, $2) ELSE started_at END,
		    completed_at = CASE WHEN $1 IN ('COMPLETED', 'FAILED', 'CANCELLED') THEN $2 ELSE NULL END
		WHERE id = $3 AND status = $4
	`, string(to), now, id, string(from))
	if err != nil {
		return false, fmt.Errorf("transition task %s %s → %s: %w", id, from, to, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := appendEvent(ctx, tx, id, from, to, actor); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// Fail is TransitionStatus to FAILED plus the human-readable reason.
func (r *taskRepository) Fail(ctx context.Context, id string, from domain.Status, reason, actor string) (bool, error) {
	if !domain.CanTransition(from, domain.StatusFailed) {
		return false, &domain.InvalidTransitionError{TaskID: id, From: from, To: domain.StatusFailed}
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin fail: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = 'FAILED', error_message = $1, updated_at = $2, completed_at = $2
		WHERE id = $3 AND status = $4
	`, reason, now, id, string(from))
	if err != nil {
		return false, fmt.Errorf("fail task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := appendEvent(ctx, tx, id, from, domain.StatusFailed, actor); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

// AdvanceStep moves the execution-step breadcrumb forward. Conditional on
// the current step and a non-terminal status, so a replayed message or a
// resolved task cannot move the marker.
func (r *taskRepository) AdvanceStep(ctx context.Context, id string, from, to domain.Step) (bool, error) {
	if !domain.CanAdvance(from, to) {
		return false, fmt.Errorf("task %s: step %s cannot advance to %s", id, from, to)
	}
	tag, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET execution_step = $1, updated_at = $2
		WHERE id = $3 AND execution_step = $4
		  AND status NOT IN ('COMPLETED', 'FAILED', 'CANCELLED')
	`, string(to), time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("advance step for task %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ResetForRetry re-queues a failed or cancelled task from the top of the
// step sequence. Node, workspace, session, outputs, and error are cleared;
// the audit log keeps the history.
func (r *taskRepository) ResetForRetry(ctx context.Context, id string, from domain.Status, actor string) (bool, error) {
	if !domain.CanTransition(from, domain.StatusQueued) {
		return false, &domain.InvalidTransitionError{TaskID: id, From: from, To: domain.StatusQueued}
	}
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin retry: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = 'QUEUED', execution_step = 'node_selection',
		    node_id = NULL, workspace_id = NULL, session_id = NULL,
		    auto_provisioned_node_id = NULL, output_branch = NULL,
		    output_pr_url = NULL, error_message = NULL,
		    started_at = NULL, completed_at = NULL, updated_at = $1
		WHERE id = $2 AND status = $3
	`, time.Now().UTC(), id, string(from))
	if err != nil {
		return false, fmt.Errorf("retry task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}
	if err := appendEvent(ctx, tx, id, from, domain.StatusQueued, actor); err != nil {
		return false, err
	}
	return true, tx.Commit(ctx)
}

func (r *taskRepository) BindNode(ctx context.Context, id, nodeID string, autoProvisioned bool) error {
	var auto *string
	if autoProvisioned {
		auto = &nodeID
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks
		SET node_id = $1, auto_provisioned_node_id = $2, updated_at = $3
		WHERE id = $4
	`, nodeID, auto, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("bind node for task %s: %w", id, err)
	}
	return nil
}

func (r *taskRepository) BindWorkspace(ctx context.Context, id, workspaceID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET workspace_id = $1, updated_at = $2 WHERE id = $3
	`, workspaceID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("bind workspace for task %s: %w", id, err)
	}
	return nil
}

func (r *taskRepository) BindSession(ctx context.Context, id, sessionID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET session_id = $1, updated_at = $2 WHERE id = $3
	`, sessionID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("bind session for task %s: %w", id, err)
	}
	return nil
}

func (r *taskRepository) RecordOutputs(ctx context.Context, id, branch, prURL string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET output_branch = $1, output_pr_url = $2, updated_at = $3 WHERE id = $4
	`, branch, prURL, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("record outputs for task %s: %w", id, err)
	}
	return nil
}

func (r *taskRepository) IncFollowups(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE tasks SET followup_count = followup_count + 1, updated_at = $1 WHERE id = $2
	`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("increment followups for task %s: %w", id, err)
	}
	return nil
}

func (r *taskRepository) GetByID(ctx context.Context, id string) (*domain.Task, error) {
	row := r.pool.QueryRow(ctx, taskSelect+` WHERE id = $1`, id)
	task, err := scanTask(row)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			return nil, &domain.TaskNotFoundError{TaskID: id}
		}
		return nil, err
	}

	rows, err := r.pool.Query(ctx, `
		SELECT depends_on FROM task_dependencies WHERE task_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("load dependencies for task %s: %w", id, err)
	}
	defer rows.Close()
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependency: %w", err)
		}
		task.DependsOn = append(task.DependsOn, dep)
	}
	return task, rows.Err()
}

// ListStale returns non-terminal tasks in the given status whose updated_at
// is older than the cutoff. updated_at is the sole staleness input.
func (r *taskRepository) ListStale(ctx context.Context, status domain.Status, olderThan time.Time, limit int) ([]*domain.Task, error) {
	rows, err := r.pool.Query(ctx, taskSelect+`
		WHERE status = $1 AND updated_at < $2
		ORDER BY updated_at ASC
		LIMIT $3
	`, string(status), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale %s tasks: %w", status, err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (r *taskRepository) ListDependents(ctx context.Context, id string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT task_id FROM task_dependencies WHERE depends_on = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list dependents of %s: %w", id, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, fmt.Errorf("scan dependent: %w", err)
		}
		ids = append(ids, dep)
	}
	return ids, rows.Err()
}

func (r *taskRepository) DependencyStatuses(ctx context.Context, id string) (map[string]domain.Status, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT t.id, t.status
		FROM task_dependencies d
		JOIN tasks t ON t.id = d.depends_on
		WHERE d.task_id = $1
	`, id)
	if err != nil {
		return nil, fmt.Errorf("dependency statuses for %s: %w", id, err)
	}
	defer rows.Close()

	statuses := make(map[string]domain.Status)
	for rows.Next() {
		var depID, status string
		if err := rows.Scan(&depID, &status); err != nil {
			return nil, fmt.Errorf("scan dependency status: %w", err)
		}
		statuses[depID] = domain.Status(status)
	}
	return statuses, rows.Err()
}

// DependencyClosure walks the dependency graph downward from the given
// roots and returns every reachable edge, for submission-time cycle checks.
func (r *taskRepository) DependencyClosure(ctx context.Context, roots []string) ([]domain.DependencyEdge, error) {
	if len(roots) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx, `
		WITH RECURSIVE closure AS (
			SELECT task_id, depends_on
			FROM task_dependencies
			WHERE task_id = ANY($1)
			UNION
			SELECT d.task_id, d.depends_on
			FROM task_dependencies d
			JOIN closure c ON d.task_id = c.depends_on
		)
		SELECT task_id, depends_on FROM closure
	`, roots)
	if err != nil {
		return nil, fmt.Errorf("dependency closure: %w", err)
	}
	defer rows.Close()

	var edges []domain.DependencyEdge
	for rows.Next() {
		var e domain.DependencyEdge
		if err := rows.Scan(&e.TaskID, &e.DependsOn); err != nil {
			return nil, fmt.Errorf("scan closure edge: %w", err)
		}
		edges = append(edges, e)
	}
	return edges, rows.Err()
}

func (r *taskRepository) ListEvents(ctx context.Context, taskID string) ([]*domain.StatusEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task_id, from_status, to_status, actor, created_at
		FROM task_status_events
		WHERE task_id = $1
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list events for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var events []*domain.StatusEvent
	for rows.Next() {
		var ev domain.StatusEvent
		var from, to string
		if err := rows.Scan(&ev.ID, &ev.TaskID, &from, &to, &ev.Actor, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan status event: %w", err)
		}
		ev.FromStatus = domain.Status(from)
		ev.ToStatus = domain.Status(to)
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (r *taskRepository) RecordFailureSnapshot(ctx context.Context, snap *domain.FailureSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	if snap.CreatedAt.IsZero() {
		snap.CreatedAt = time.Now().UTC()
	}
	_, err := r.pool.Exec(ctx, `
		INSERT INTO task_failure_snapshots
			(id, task_id, task_status, execution_step, workspace_status,
			 node_status, elapsed_ms, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		snap.ID, snap.TaskID, string(snap.TaskStatus), string(snap.ExecutionStep),
		snap.WorkspaceStatus, snap.NodeStatus, snap.ElapsedMs, snap.Reason, snap.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("record failure snapshot for task %s: %w", snap.TaskID, err)
	}
	return nil
}

func appendEvent(ctx context.Context, tx pgx.Tx, taskID string, from, to domain.Status, actor string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO task_status_events (id, task_id, from_status, to_status, actor, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), taskID, string(from), string(to), actor, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append status event for task %s: %w", taskID, err)
	}
	return nil
}

const taskSelect = `
	SELECT id, user_id, description, repo_url, prompt, status, execution_step,
	       priority, requested_size, requested_location,
	       node_id, workspace_id, session_id, auto_provisioned_node_id,
	       output_branch, output_pr_url, error_message, followup_count,
	       created_at, updated_at, started_at, completed_at
	FROM tasks`

// scanTask reads a task row from any pgx row type.
func scanTask(row interface {
	Scan(...any) error
}) (*domain.Task, error) {
	var task domain.Task
	var status, step string
	var nodeID, workspaceID, sessionID, autoNode, branch, prURL, errMsg *string
	err := row.Scan(
		&task.ID, &task.UserID, &task.Description, &task.RepoURL, &task.Prompt,
		&status, &step,
		&task.Priority, &task.RequestedSize, &task.RequestedLocation,
		&nodeID, &workspaceID, &sessionID, &autoNode,
		&branch, &prURL, &errMsg, &task.FollowupCount,
		&task.CreatedAt, &task.UpdatedAt, &task.StartedAt, &task.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, &domain.TaskNotFoundError{TaskID: "unknown"}
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task.Status = domain.Status(status)
	task.ExecutionStep = domain.Step(step)
	task.NodeID = deref(nodeID)
	task.WorkspaceID = deref(workspaceID)
	task.SessionID = deref(sessionID)
	task.AutoProvisionedNode = deref(autoNode)
	task.OutputBranch = deref(branch)
	task.OutputPRURL = deref(prURL)
	task.ErrorMessage = deref(errMsg)
	return &task, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
