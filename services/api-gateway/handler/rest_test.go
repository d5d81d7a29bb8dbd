package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/auth"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/fakes"
	"github.com/raphaeltm/simple-agent-manager-sub001/services/api-gateway/handler"
	"github.com/raphaeltm/simple-agent-manager-sub001/services/api-gateway/middleware"
)

type fixture struct {
	tasks      *fakes.TaskRepo
	nodes      *fakes.NodeRepo
	workspaces *fakes.WorkspaceRepo
	producer   *fakes.Producer
	store      *fakes.StateStore
	signer     *auth.Signer
	router     chi.Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		tasks:      fakes.NewTaskRepo(),
		nodes:      fakes.NewNodeRepo(),
		workspaces: fakes.NewWorkspaceRepo(),
		producer:   fakes.NewProducer(),
		store:      fakes.NewStateStore(),
		signer:     auth.NewSigner("test-secret"),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := handler.NewREST(f.producer, f.store, f.tasks, f.nodes, f.workspaces, 3, logger)

	r := chi.NewRouter()
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/tasks", h.SubmitTask)
		r.Get("/tasks/{id}", h.GetTask)
		r.Get("/tasks/{id}/events", h.GetTaskEvents)
		r.Post("/tasks/{id}/enqueue", h.Enqueue)
		r.Post("/tasks/{id}/cancel", h.Cancel)
		r.Post("/tasks/{id}/retry", h.Retry)
		r.Post("/tasks/{id}/followup", h.Followup)
		r.Post("/tasks/{id}/complete", h.Complete)
	})
	r.Route("/v1/callbacks", func(r chi.Router) {
		r.With(middleware.CallbackAuth(f.signer, auth.ScopeWorkspace, "id")).
			Post("/workspaces/{id}", h.WorkspaceCallback)
		r.With(middleware.CallbackAuth(f.signer, auth.ScopeNode, "id")).
			Post("/nodes/{id}/heartbeat", h.NodeHeartbeat)
	})
	f.router = r
	return f
}

func (f *fixture) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func userHeaders() map[string]string {
	return map[string]string{"X-User-ID": "user-1"}
}

func submittedTaskID(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp handler.SubmitTaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.TaskID)
	return resp.TaskID
}

func TestSubmitTaskPersistsAndPublishes(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", handler.SubmitTaskRequest{
		RepoURL: "https://example.com/repo.git",
		Prompt:  "fix the login flow",
	}, userHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID := submittedTaskID(t, rec)

	task, err := f.tasks.GetByID(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, task.Status)
	assert.Equal(t, domain.StepNodeSelection, task.ExecutionStep)
	assert.Equal(t, "user-1", task.UserID)

	msgs := f.producer.ByTopic(domain.TopicTasks)
	require.Len(t, msgs, 1)
	var msg domain.TaskMessage
	require.NoError(t, json.Unmarshal(msgs[0].Value, &msg))
	assert.Equal(t, domain.MsgContinue, msg.Kind)
	assert.Equal(t, taskID, msgs[0].Key)
}

func TestSubmitTaskValidation(t *testing.T) {
	f := newFixture(t)

	cases := []struct {
		name    string
		req     handler.SubmitTaskRequest
		headers map[string]string
	}{
		{"missing repo_url", handler.SubmitTaskRequest{Prompt: "p"}, userHeaders()},
		{"missing prompt", handler.SubmitTaskRequest{RepoURL: "r"}, userHeaders()},
		{"missing user header", handler.SubmitTaskRequest{RepoURL: "r", Prompt: "p"}, nil},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/api/v1/tasks", tc.req, tc.headers)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
	assert.Empty(t, f.producer.Messages)
}

func TestSubmitDraftDoesNotPublish(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", handler.SubmitTaskRequest{
		RepoURL: "r", Prompt: "p", Draft: true,
	}, userHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID := submittedTaskID(t, rec)

	task, err := f.tasks.GetByID(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, task.Status)
	assert.Empty(t, f.producer.Messages)

	rec = f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/enqueue", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	task, err = f.tasks.GetByID(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, task.Status)
	assert.Len(t, f.producer.ByTopic(domain.TopicTasks), 1)

	// A second enqueue finds the task already queued.
	rec = f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/enqueue", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSubmitTaskRejectsUnknownDependency(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", handler.SubmitTaskRequest{
		RepoURL: "r", Prompt: "p", DependsOn: []string{"no-such-task"},
	}, userHeaders())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "unknown dependency")
}

func TestSubmitTaskAcceptsDependencyChain(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", handler.SubmitTaskRequest{
		RepoURL: "r", Prompt: "first",
	}, userHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)
	first := submittedTaskID(t, rec)

	rec = f.do(t, http.MethodPost, "/api/v1/tasks", handler.SubmitTaskRequest{
		RepoURL: "r", Prompt: "second", DependsOn: []string{first},
	}, userHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)
	second := submittedTaskID(t, rec)

	task, err := f.tasks.GetByID(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, []string{first}, task.DependsOn)
}

func TestGetTaskReturnsRow(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", handler.SubmitTaskRequest{
		RepoURL: "https://example.com/repo.git", Prompt: "p",
	}, userHeaders())
	taskID := submittedTaskID(t, rec)

	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handler.TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, taskID, resp.TaskID)
	assert.Equal(t, string(domain.StatusQueued), resp.Status)
	assert.Equal(t, "https://example.com/repo.git", resp.RepoURL)
}

func TestGetTaskNotFound(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, http.MethodGet, "/api/v1/tasks/unknown", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelPublishesCommand(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", handler.SubmitTaskRequest{
		RepoURL: "r", Prompt: "p",
	}, userHeaders())
	taskID := submittedTaskID(t, rec)
	f.producer.Messages = nil

	rec = f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/cancel", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	msgs := f.producer.ByTopic(domain.TopicTasks)
	require.Len(t, msgs, 1)
	var msg domain.TaskMessage
	require.NoError(t, json.Unmarshal(msgs[0].Value, &msg))
	assert.Equal(t, domain.MsgCancel, msg.Kind)
}

func TestCancelTerminalTaskConflicts(t *testing.T) {
	f := newFixture(t)

	task := &domain.Task{
		ID: "t1", UserID: "user-1", RepoURL: "r", Prompt: "p",
		Status: domain.StatusFailed, ExecutionStep: domain.StepNodeSelection,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.tasks.Create(context.Background(), task))

	rec := f.do(t, http.MethodPost, "/api/v1/tasks/t1/cancel", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Empty(t, f.producer.Messages)
}

func TestRetryOnlyForFinishedTasks(t *testing.T) {
	f := newFixture(t)

	task := &domain.Task{
		ID: "t1", UserID: "user-1", RepoURL: "r", Prompt: "p",
		Status: domain.StatusFailed, ExecutionStep: domain.StepNodeSelection,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.tasks.Create(context.Background(), task))

	rec := f.do(t, http.MethodPost, "/api/v1/tasks/t1/retry", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	msgs := f.producer.ByTopic(domain.TopicTasks)
	require.Len(t, msgs, 1)
	var msg domain.TaskMessage
	require.NoError(t, json.Unmarshal(msgs[0].Value, &msg))
	assert.Equal(t, domain.MsgRetry, msg.Kind)

	// A queued task has nothing to retry.
	queued := &domain.Task{
		ID: "t2", UserID: "user-1", RepoURL: "r", Prompt: "p",
		Status: domain.StatusQueued, ExecutionStep: domain.StepNodeSelection,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.tasks.Create(context.Background(), queued))
	rec = f.do(t, http.MethodPost, "/api/v1/tasks/t2/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestFollowupRequiresPromptAndStep(t *testing.T) {
	f := newFixture(t)

	task := &domain.Task{
		ID: "t1", UserID: "user-1", RepoURL: "r", Prompt: "p",
		Status: domain.StatusInProgress, ExecutionStep: domain.StepAwaitingFollowup,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.tasks.Create(context.Background(), task))

	rec := f.do(t, http.MethodPost, "/api/v1/tasks/t1/followup", handler.FollowupRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/tasks/t1/followup", handler.FollowupRequest{Prompt: "also fix logout"}, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	msgs := f.producer.ByTopic(domain.TopicTasks)
	require.Len(t, msgs, 1)
	var msg domain.TaskMessage
	require.NoError(t, json.Unmarshal(msgs[0].Value, &msg))
	assert.Equal(t, domain.MsgFollowup, msg.Kind)
	assert.Equal(t, "also fix logout", msg.Prompt)
}

func TestSubmitTaskRejectsUserAtNodeCap(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		f.nodes.Put(&domain.Node{
			ID: uuid.New().String(), UserID: "user-1",
			Status: domain.NodeRunning, Size: "small", Location: "fra",
		})
	}

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", handler.SubmitTaskRequest{
		RepoURL: "r", Prompt: "p",
	}, userHeaders())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "node limit")
	assert.Empty(t, f.tasks.Tasks, "nothing persisted for a rejected submission")
	assert.Empty(t, f.producer.Messages)

	// Another user is unaffected by this user's cap.
	rec = f.do(t, http.MethodPost, "/api/v1/tasks", handler.SubmitTaskRequest{
		RepoURL: "r", Prompt: "p",
	}, map[string]string{"X-User-ID": "user-2"})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestEnqueueRejectsUserAtNodeCap(t *testing.T) {
	f := newFixture(t)

	// Drafts are accepted at the cap but cannot be enqueued past it.
	rec := f.do(t, http.MethodPost, "/api/v1/tasks", handler.SubmitTaskRequest{
		RepoURL: "r", Prompt: "p", Draft: true,
	}, userHeaders())
	require.Equal(t, http.StatusAccepted, rec.Code)
	taskID := submittedTaskID(t, rec)

	for i := 0; i < 3; i++ {
		f.nodes.Put(&domain.Node{
			ID: uuid.New().String(), UserID: "user-1",
			Status: domain.NodeRunning, Size: "small", Location: "fra",
		})
	}

	rec = f.do(t, http.MethodPost, "/api/v1/tasks/"+taskID+"/enqueue", nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Empty(t, f.producer.Messages)

	task, err := f.tasks.GetByID(context.Background(), taskID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDraft, task.Status)
}

func TestGetTaskServesCachedMetaWhenRowUnreachable(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/tasks", handler.SubmitTaskRequest{
		RepoURL: "https://example.com/repo.git", Prompt: "p",
	}, userHeaders())
	taskID := submittedTaskID(t, rec)

	f.tasks.GetErr = errors.New("connection refused")

	rec = f.do(t, http.MethodGet, "/api/v1/tasks/"+taskID, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp handler.TaskResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, taskID, resp.TaskID)
	assert.Equal(t, "https://example.com/repo.git", resp.RepoURL)
	assert.Equal(t, string(domain.StatusQueued), resp.Status)

	// A task missing from the cache too is a hard failure, not a 404.
	rec = f.do(t, http.MethodGet, "/api/v1/tasks/other", nil, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestGetTaskEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := &domain.Task{
		ID: "t1", UserID: "user-1", RepoURL: "r", Prompt: "p",
		Status: domain.StatusQueued, ExecutionStep: domain.StepNodeSelection,
		CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.tasks.Create(ctx, task))
	moved, err := f.tasks.TransitionStatus(ctx, "t1", domain.StatusQueued, domain.StatusDelegated, domain.ActorOrchestrator)
	require.NoError(t, err)
	require.True(t, moved)

	rec := f.do(t, http.MethodGet, "/api/v1/tasks/t1/events", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var events []handler.TaskEventResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	require.Len(t, events, 2, "creation event plus one transition")
	last := events[len(events)-1]
	assert.Equal(t, string(domain.StatusQueued), last.FromStatus)
	assert.Equal(t, string(domain.StatusDelegated), last.ToStatus)
	assert.Equal(t, domain.ActorOrchestrator, last.Actor)
}
