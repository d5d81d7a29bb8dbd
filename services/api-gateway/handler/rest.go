// Package handler implements the HTTP surface of the API gateway. The
// gateway never mutates task state beyond the initial insert: every command
// becomes a message on the task topic, where the owning consumer applies it
// in order with everything else happening to that task.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/kafka"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/postgres"
	redisstore "github.com/raphaeltm/simple-agent-manager-sub001/internal/redis"
	"github.com/raphaeltm/simple-agent-manager-sub001/pkg/telemetry"
)

// REST handles HTTP requests for the API gateway.
type REST struct {
	producer        kafka.Producer
	store           redisstore.StateStore
	tasks           postgres.TaskRepository
	nodes           postgres.NodeRepository
	workspaces      postgres.WorkspaceRepository
	maxNodesPerUser int
	logger          *slog.Logger
}

// NewREST creates a new REST handler. maxNodesPerUser rejects submissions
// up front when the user already holds that many active nodes; zero
// disables the check.
func NewREST(
	producer kafka.Producer,
	store redisstore.StateStore,
	tasks postgres.TaskRepository,
	nodes postgres.NodeRepository,
	workspaces postgres.WorkspaceRepository,
	maxNodesPerUser int,
	logger *slog.Logger,
) *REST {
	return &REST{
		producer:        producer,
		store:           store,
		tasks:           tasks,
		nodes:           nodes,
		workspaces:      workspaces,
		maxNodesPerUser: maxNodesPerUser,
		logger:          logger,
	}
}

// SubmitTaskRequest is the JSON body for POST /api/v1/tasks.
type SubmitTaskRequest struct {
	Description string   `json:"description"`
	RepoURL     string   `json:"repo_url"`
	Prompt      string   `json:"prompt"`
	Priority    int      `json:"priority"`
	Size        string   `json:"size,omitempty"`
	Location    string   `json:"location,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Draft       bool     `json:"draft,omitempty"`
}

// SubmitTaskResponse is the 202 response body.
type SubmitTaskResponse struct {
	TaskID    string    `json:"task_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// SubmitTask handles POST /api/v1/tasks.
func (h *REST) SubmitTask(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.submit_task")
	defer span.End()

	var req SubmitTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.RepoURL) == "" {
		writeError(w, http.StatusBadRequest, "field 'repo_url' is required")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "field 'prompt' is required")
		return
	}
	userID := r.Header.Get("X-User-ID")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "header 'X-User-ID' is required")
		return
	}

	// A user at the node cap learns it now, synchronously, instead of the
	// task queueing and failing minutes later inside placement. Drafts are
	// checked again when they are enqueued.
	if !req.Draft {
		if ok := h.checkNodeCap(ctx, w, userID); !ok {
			return
		}
	}

	taskID := uuid.New().String()
	span.SetAttributes(attribute.String("task.id", taskID))

	// Reject dependency cycles before anything is persisted. The closure
	// walk covers indirect cycles through already-stored tasks.
	for _, depID := range req.DependsOn {
		if _, err := h.tasks.GetByID(ctx, depID); err != nil {
			var notFound *domain.TaskNotFoundError
			if errors.As(err, &notFound) {
				writeError(w, http.StatusBadRequest, "unknown dependency: "+depID)
				return
			}
			h.logger.Error("dependency lookup", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to create task")
			return
		}
	}
	existing, err := h.tasks.DependencyClosure(ctx, req.DependsOn)
	if err != nil {
		h.logger.Error("dependency closure", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}
	if err := domain.ValidateAcyclic(taskID, req.DependsOn, existing); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := domain.StatusQueued
	if req.Draft {
		status = domain.StatusDraft
	}
	now := time.Now().UTC()
	task := &domain.Task{
		ID:                taskID,
		UserID:            userID,
		Description:       req.Description,
		RepoURL:           req.RepoURL,
		Prompt:            req.Prompt,
		Status:            status,
		ExecutionStep:     domain.StepNodeSelection,
		Priority:          req.Priority,
		RequestedSize:     req.Size,
		RequestedLocation: req.Location,
		DependsOn:         req.DependsOn,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if err := h.tasks.Create(ctx, task); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "task insert failed")
		h.logger.Error("failed to persist task", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return
	}

	// Cache for fast reads; the database row stays authoritative.
	if err := h.store.SetTaskMeta(ctx, task); err != nil {
		h.logger.Warn("task meta cache write failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}
	if err := h.store.SetStatus(ctx, taskID, status); err != nil {
		h.logger.Warn("status cache write failed", slog.String("task_id", taskID), slog.String("error", err.Error()))
	}

	if !req.Draft {
		if err := kafka.PublishTask(ctx, h.producer, domain.TaskMessage{TaskID: taskID, Kind: domain.MsgContinue}); err != nil {
			span.RecordError(err)
			h.logger.Error("failed to publish task", slog.String("task_id", taskID), slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "failed to enqueue task")
			return
		}
	}

	telemetry.APITasksSubmitted.WithLabelValues(boolLabel(req.Draft)).Inc()
	h.logger.Info("task submitted",
		slog.String("task_id", taskID),
		slog.String("user_id", userID),
		slog.Bool("draft", req.Draft),
	)

	writeJSON(w, http.StatusAccepted, SubmitTaskResponse{
		TaskID:    taskID,
		Status:    string(status),
		CreatedAt: now,
	})
}

// Enqueue handles POST /api/v1/tasks/{id}/enqueue: promotes a draft.
func (h *REST) Enqueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	if ok := h.checkNodeCap(ctx, w, task.UserID); !ok {
		return
	}
	moved, err := h.tasks.TransitionStatus(ctx, task.ID, domain.StatusDraft, domain.StatusQueued, domain.ActorAPI)
	if err != nil {
		var invalid *domain.InvalidTransitionError
		if errors.As(err, &invalid) {
			writeError(w, http.StatusConflict, "task is not a draft")
			return
		}
		h.logger.Error("enqueue", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	if !moved {
		writeError(w, http.StatusConflict, "task is not a draft")
		return
	}
	if err := h.store.SetStatus(ctx, task.ID, domain.StatusQueued); err != nil {
		h.logger.Warn("status cache write failed", slog.String("task_id", task.ID), slog.String("error", err.Error()))
	}
	if err := kafka.PublishTask(ctx, h.producer, domain.TaskMessage{TaskID: task.ID, Kind: domain.MsgContinue}); err != nil {
		h.logger.Error("failed to publish task", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to enqueue task")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID, "status": string(domain.StatusQueued)})
}

// TaskResponse is the GET /api/v1/tasks/{id} response body.
type TaskResponse struct {
	TaskID        string     `json:"task_id"`
	UserID        string     `json:"user_id"`
	Description   string     `json:"description,omitempty"`
	RepoURL       string     `json:"repo_url"`
	Status        string     `json:"status"`
	ExecutionStep string     `json:"execution_step"`
	NodeID        string     `json:"node_id,omitempty"`
	WorkspaceID   string     `json:"workspace_id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	OutputBranch  string     `json:"output_branch,omitempty"`
	OutputPRURL   string     `json:"output_pr_url,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	FollowupCount int        `json:"followup_count"`
	DependsOn     []string   `json:"depends_on,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	DurationMs    int64      `json:"duration_ms,omitempty"`
}

// GetTask handles GET /api/v1/tasks/{id}. Reads survive a database outage:
// when the row is unreachable the cached submission snapshot is served,
// with the cached live status applied on top.
func (h *REST) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return
	}
	task, err := h.tasks.GetByID(r.Context(), taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return
		}
		h.logger.Warn("task row unreachable, serving cached meta",
			slog.String("task_id", taskID), slog.String("error", err.Error()))
		cached, cerr := h.store.GetTaskMeta(r.Context(), taskID)
		if cerr != nil {
			writeError(w, http.StatusInternalServerError, "failed to retrieve task")
			return
		}
		task = cached
	}
	// The status cache may be fresher than the row we just read.
	if status, err := h.store.GetStatus(r.Context(), task.ID); err == nil && status != "" {
		task.Status = status
	}

	resp := TaskResponse{
		TaskID:        task.ID,
		UserID:        task.UserID,
		Description:   task.Description,
		RepoURL:       task.RepoURL,
		Status:        string(task.Status),
		ExecutionStep: string(task.ExecutionStep),
		NodeID:        task.NodeID,
		WorkspaceID:   task.WorkspaceID,
		SessionID:     task.SessionID,
		OutputBranch:  task.OutputBranch,
		OutputPRURL:   task.OutputPRURL,
		ErrorMessage:  task.ErrorMessage,
		FollowupCount: task.FollowupCount,
		DependsOn:     task.DependsOn,
		CreatedAt:     task.CreatedAt,
		StartedAt:     task.StartedAt,
		CompletedAt:   task.CompletedAt,
	}
	if task.CompletedAt != nil {
		resp.DurationMs = task.CompletedAt.Sub(task.CreatedAt).Milliseconds()
	}
	writeJSON(w, http.StatusOK, resp)
}

// TaskEventResponse is one audit log entry.
type TaskEventResponse struct {
	FromStatus string    `json:"from_status"`
	ToStatus   string    `json:"to_status"`
	Actor      string    `json:"actor"`
	CreatedAt  time.Time `json:"created_at"`
}

// GetTaskEvents handles GET /api/v1/tasks/{id}/events.
func (h *REST) GetTaskEvents(w http.ResponseWriter, r *http.Request) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	events, err := h.tasks.ListEvents(r.Context(), task.ID)
	if err != nil {
		h.logger.Error("list events", slog.String("task_id", task.ID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	out := make([]TaskEventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, TaskEventResponse{
			FromStatus: string(e.FromStatus),
			ToStatus:   string(e.ToStatus),
			Actor:      e.Actor,
			CreatedAt:  e.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// Cancel handles POST /api/v1/tasks/{id}/cancel.
func (h *REST) Cancel(w http.ResponseWriter, r *http.Request) {
	h.publishCommand(w, r, domain.MsgCancel, func(task *domain.Task) (int, string) {
		if task.Status.IsTerminal() {
			return http.StatusConflict, "task is already " + strings.ToLower(string(task.Status))
		}
		return 0, ""
	}, nil)
}

// Retry handles POST /api/v1/tasks/{id}/retry.
func (h *REST) Retry(w http.ResponseWriter, r *http.Request) {
	h.publishCommand(w, r, domain.MsgRetry, func(task *domain.Task) (int, string) {
		if task.Status != domain.StatusFailed && task.Status != domain.StatusCancelled {
			return http.StatusConflict, "only failed or cancelled tasks can be retried"
		}
		return 0, ""
	}, nil)
}

// FollowupRequest is the JSON body for POST /api/v1/tasks/{id}/followup.
type FollowupRequest struct {
	Prompt string `json:"prompt"`
}

// Followup handles POST /api/v1/tasks/{id}/followup.
func (h *REST) Followup(w http.ResponseWriter, r *http.Request) {
	var req FollowupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "field 'prompt' is required")
		return
	}
	h.publishCommand(w, r, domain.MsgFollowup, func(task *domain.Task) (int, string) {
		if task.ExecutionStep != domain.StepAwaitingFollowup || task.Status.IsTerminal() {
			return http.StatusConflict, "task is not awaiting followup"
		}
		return 0, ""
	}, func(msg *domain.TaskMessage) { msg.Prompt = req.Prompt })
}

// Complete handles POST /api/v1/tasks/{id}/complete.
func (h *REST) Complete(w http.ResponseWriter, r *http.Request) {
	h.publishCommand(w, r, domain.MsgComplete, func(task *domain.Task) (int, string) {
		if task.Status != domain.StatusInProgress {
			return http.StatusConflict, "task is not in progress"
		}
		return 0, ""
	}, nil)
}

// publishCommand validates the command against the current (possibly
// already stale) task state for a fast 409, then hands it to the owning
// consumer. The authoritative validation happens there.
func (h *REST) publishCommand(
	w http.ResponseWriter,
	r *http.Request,
	kind string,
	check func(*domain.Task) (int, string),
	mutate func(*domain.TaskMessage),
) {
	task, ok := h.loadTask(w, r)
	if !ok {
		return
	}
	if code, msg := check(task); code != 0 {
		writeError(w, code, msg)
		return
	}
	msg := domain.TaskMessage{TaskID: task.ID, Kind: kind}
	if mutate != nil {
		mutate(&msg)
	}
	if err := kafka.PublishTask(r.Context(), h.producer, msg); err != nil {
		h.logger.Error("command publish failed",
			slog.String("task_id", task.ID),
			slog.String("kind", kind),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to enqueue command")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": task.ID, "command": kind})
}

// checkNodeCap writes a 429 and returns false when the user is already at
// the active-node limit. The selector re-checks at placement time, so a
// race past this check still cannot over-provision.
func (h *REST) checkNodeCap(ctx context.Context, w http.ResponseWriter, userID string) bool {
	if h.maxNodesPerUser <= 0 {
		return true
	}
	count, err := h.nodes.CountActiveByUser(ctx, userID)
	if err != nil {
		h.logger.Error("node count lookup", slog.String("user_id", userID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to create task")
		return false
	}
	if count >= h.maxNodesPerUser {
		limitErr := &domain.NodeLimitExceededError{UserID: userID, Limit: h.maxNodesPerUser}
		writeError(w, http.StatusTooManyRequests, limitErr.Error())
		return false
	}
	return true
}

func (h *REST) loadTask(w http.ResponseWriter, r *http.Request) (*domain.Task, bool) {
	taskID := chi.URLParam(r, "id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task ID is required")
		return nil, false
	}
	task, err := h.tasks.GetByID(r.Context(), taskID)
	if err != nil {
		var notFound *domain.TaskNotFoundError
		if errors.As(err, &notFound) {
			writeError(w, http.StatusNotFound, "task not found")
			return nil, false
		}
		h.logger.Error("task lookup", slog.String("task_id", taskID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to retrieve task")
		return nil, false
	}
	return task, true
}

// Healthz handles GET /healthz.
func (h *REST) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

// Readyz handles GET /readyz — checks Redis connectivity.
func (h *REST) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	// A cache miss is fine here; only a transport failure means not ready.
	if _, err := h.store.GetStatus(ctx, "__readyz__"); err != nil {
		var notFound *domain.TaskNotFoundError
		if !errors.As(err, &notFound) {
			writeError(w, http.StatusServiceUnavailable, "redis not ready")
			return
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
