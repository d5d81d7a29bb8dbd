package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/kafka"
	"github.com/raphaeltm/simple-agent-manager-sub001/pkg/telemetry"
)

// WorkspaceCallbackRequest is the body agents and the provisioner POST to
// /v1/callbacks/workspaces/{id}.
type WorkspaceCallbackRequest struct {
	Event  string `json:"event"`
	Reason string `json:"reason,omitempty"`
	Branch string `json:"branch,omitempty"`
	PRURL  string `json:"pr_url,omitempty"`
}

// Events accepted on the workspace callback endpoint.
const (
	EventReady            = "ready"
	EventFailed           = "failed"
	EventSessionCompleted = "session_completed"
	EventSessionFailed    = "session_failed"
)

// WorkspaceCallback handles POST /v1/callbacks/workspaces/{id}. The
// callback is acknowledged as soon as it is on the task topic; ordering
// against everything else happening to the task is settled there, not here.
func (h *REST) WorkspaceCallback(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("api-gateway").Start(r.Context(), "api_gateway.workspace_callback")
	defer span.End()

	workspaceID := chi.URLParam(r, "id")
	span.SetAttributes(attribute.String("workspace.id", workspaceID))

	var req WorkspaceCallbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var kind string
	switch req.Event {
	case EventReady:
		kind = domain.MsgWorkspaceReady
	case EventFailed:
		kind = domain.MsgProvisioningFailed
	case EventSessionCompleted:
		kind = domain.MsgSessionCompleted
	case EventSessionFailed:
		kind = domain.MsgSessionFailed
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown event %q", req.Event))
		return
	}

	ws, err := h.workspaces.GetByID(ctx, workspaceID)
	if err != nil {
		var notFound *domain.WorkspaceNotFoundError
		if errors.As(err, &notFound) {
			telemetry.APICallbacksTotal.WithLabelValues(req.Event, "unknown_workspace").Inc()
			writeError(w, http.StatusNotFound, "workspace not found")
			return
		}
		h.logger.Error("workspace lookup", slog.String("workspace_id", workspaceID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to process callback")
		return
	}

	msg := domain.TaskMessage{
		TaskID:      ws.TaskID,
		Kind:        kind,
		WorkspaceID: workspaceID,
		Reason:      req.Reason,
		Branch:      req.Branch,
		PRURL:       req.PRURL,
	}
	if err := kafka.PublishTask(ctx, h.producer, msg); err != nil {
		span.RecordError(err)
		telemetry.APICallbacksTotal.WithLabelValues(req.Event, "publish_failed").Inc()
		h.logger.Error("callback publish failed",
			slog.String("task_id", ws.TaskID),
			slog.String("workspace_id", workspaceID),
			slog.String("event", req.Event),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to process callback")
		return
	}

	telemetry.APICallbacksTotal.WithLabelValues(req.Event, "accepted").Inc()
	h.logger.Info("workspace callback accepted",
		slog.String("task_id", ws.TaskID),
		slog.String("workspace_id", workspaceID),
		slog.String("event", req.Event),
	)
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": ws.TaskID, "event": req.Event})
}

// HeartbeatRequest is the body agents POST to /v1/callbacks/nodes/{id}/heartbeat.
type HeartbeatRequest struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	HealthScore   int     `json:"health_score"`
}

// NodeHeartbeat handles POST /v1/callbacks/nodes/{id}/heartbeat. Stats go
// to Redis for placement decisions; the health score also lands on the row
// so a sick node stays out of selection even after a cache wipe.
func (h *REST) NodeHeartbeat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	nodeID := chi.URLParam(r, "id")

	var req HeartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.HealthScore < 0 || req.HealthScore > 100 {
		writeError(w, http.StatusBadRequest, "health_score must be between 0 and 100")
		return
	}

	stats := &domain.NodeStats{
		CPUPercent:    req.CPUPercent,
		MemoryPercent: req.MemoryPercent,
		HealthScore:   req.HealthScore,
		ReportedAt:    time.Now().UTC(),
	}
	if err := h.store.SetNodeStats(ctx, nodeID, stats); err != nil {
		h.logger.Error("heartbeat cache write failed", slog.String("node_id", nodeID), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to record heartbeat")
		return
	}
	if err := h.nodes.SetHealth(ctx, nodeID, req.HealthScore); err != nil {
		h.logger.Warn("health score row update failed", slog.String("node_id", nodeID), slog.String("error", err.Error()))
	}

	telemetry.APIHeartbeatsTotal.Inc()
	w.WriteHeader(http.StatusNoContent)
}
