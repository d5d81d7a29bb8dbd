// Package fakes provides in-memory implementations of the storage, timer,
// messaging, and remote interfaces for unit tests. The conditional-update
// semantics mirror the SQL implementations, including the race-lost false
// return, so concurrency tests exercise the same contract.
package fakes

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/raphaeltm/simple-agent-manager-sub001/internal/domain"
	redisstore "github.com/raphaeltm/simple-agent-manager-sub001/internal/redis"
	"github.com/raphaeltm/simple-agent-manager-sub001/internal/remote"
)

// TaskRepo is an in-memory postgres.TaskRepository. GetErr, when set, makes
// GetByID fail, standing in for a database outage.
type TaskRepo struct {
	mu        sync.Mutex
	Tasks     map[string]*domain.Task
	Events    []*domain.StatusEvent
	Snapshots []*domain.FailureSnapshot
	GetErr    error
}

func NewTaskRepo() *TaskRepo {
	return &TaskRepo{Tasks: make(map[string]*domain.Task)}
}

func (r *TaskRepo) Create(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *task
	r.Tasks[task.ID] = &cp
	r.Events = append(r.Events, &domain.StatusEvent{
		ID: uuid.New().String(), TaskID: task.ID,
		FromStatus: "", ToStatus: task.Status,
		Actor: domain.ActorAPI, CreatedAt: time.Now(),
	})
	return nil
}

func (r *TaskRepo) GetByID(_ context.Context, id string) (*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.GetErr != nil {
		return nil, r.GetErr
	}
	t, ok := r.Tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	cp := *t
	return &cp, nil
}

func (r *TaskRepo) TransitionStatus(_ context.Context, id string, from, to domain.Status, actor string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !domain.CanTransition(from, to) {
		return false, &domain.InvalidTransitionError{TaskID: id, From: from, To: to}
	}
	t, ok := r.Tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = to
	now := time.Now()
	t.UpdatedAt = now
	if to == domain.StatusInProgress && t.StartedAt == nil {
		t.StartedAt = &now
	}
	if to.IsTerminal() {
		t.CompletedAt = &now
	}
	r.Events = append(r.Events, &domain.StatusEvent{
		ID: uuid.New().String(), TaskID: id,
		FromStatus: from, ToStatus: to, Actor: actor, CreatedAt: now,
	})
	return true, nil
}

func (r *TaskRepo) Fail(ctx context.Context, id string, from domain.Status, reason, actor string) (bool, error) {
	moved, err := r.TransitionStatus(ctx, id, from, domain.StatusFailed, actor)
	if err != nil || !moved {
		return moved, err
	}
	r.mu.Lock()
	r.Tasks[id].ErrorMessage = reason
	r.mu.Unlock()
	return true, nil
}

func (r *TaskRepo) AdvanceStep(_ context.Context, id string, from, to domain.Step) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tasks[id]
	if !ok || t.ExecutionStep != from || t.Status.IsTerminal() {
		return false, nil
	}
	t.ExecutionStep = to
	t.UpdatedAt = time.Now()
	return true, nil
}

func (r *TaskRepo) ResetForRetry(_ context.Context, id string, from domain.Status, actor string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tasks[id]
	if !ok || t.Status != from {
		return false, nil
	}
	t.Status = domain.StatusQueued
	t.ExecutionStep = domain.StepNodeSelection
	t.NodeID, t.WorkspaceID, t.SessionID = "", "", ""
	t.AutoProvisionedNode = ""
	t.ErrorMessage = ""
	t.StartedAt, t.CompletedAt = nil, nil
	now := time.Now()
	t.UpdatedAt = now
	r.Events = append(r.Events, &domain.StatusEvent{
		ID: uuid.New().String(), TaskID: id,
		FromStatus: from, ToStatus: domain.StatusQueued, Actor: actor, CreatedAt: now,
	})
	return true, nil
}

func (r *TaskRepo) BindNode(_ context.Context, id, nodeID string, autoProvisioned bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.Tasks[id]
	t.NodeID = nodeID
	if autoProvisioned {
		t.AutoProvisionedNode = nodeID
	}
	return nil
}

func (r *TaskRepo) BindWorkspace(_ context.Context, id, workspaceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tasks[id].WorkspaceID = workspaceID
	return nil
}

func (r *TaskRepo) BindSession(_ context.Context, id, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tasks[id].SessionID = sessionID
	return nil
}

func (r *TaskRepo) RecordOutputs(_ context.Context, id, branch, prURL string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.Tasks[id]
	t.OutputBranch, t.OutputPRURL = branch, prURL
	return nil
}

func (r *TaskRepo) IncFollowups(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Tasks[id].FollowupCount++
	return nil
}

func (r *TaskRepo) ListStale(_ context.Context, status domain.Status, olderThan time.Time, limit int) ([]*domain.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Task
	for _, t := range r.Tasks {
		if t.Status == status && t.UpdatedAt.Before(olderThan) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *TaskRepo) ListDependents(_ context.Context, id string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, t := range r.Tasks {
		for _, dep := range t.DependsOn {
			if dep == id {
				out = append(out, t.ID)
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (r *TaskRepo) DependencyStatuses(_ context.Context, id string) (map[string]domain.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.Tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	out := make(map[string]domain.Status, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		d, ok := r.Tasks[dep]
		if !ok {
			return nil, &domain.TaskNotFoundError{TaskID: dep}
		}
		out[dep] = d.Status
	}
	return out, nil
}

func (r *TaskRepo) DependencyClosure(_ context.Context, roots []string) ([]domain.DependencyEdge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seen := make(map[string]bool)
	var edges []domain.DependencyEdge
	queue := append([]string(nil), roots...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if seen[id] {
			continue
		}
		seen[id] = true
		t, ok := r.Tasks[id]
		if !ok {
			continue
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, domain.DependencyEdge{TaskID: id, DependsOn: dep})
			queue = append(queue, dep)
		}
	}
	return edges, nil
}

func (r *TaskRepo) ListEvents(_ context.Context, taskID string) ([]*domain.StatusEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.StatusEvent
	for _, e := range r.Events {
		if e.TaskID == taskID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *TaskRepo) RecordFailureSnapshot(_ context.Context, snap *domain.FailureSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *snap
	r.Snapshots = append(r.Snapshots, &cp)
	return nil
}

// NodeRepo is an in-memory postgres.NodeRepository.
type NodeRepo struct {
	mu    sync.Mutex
	Nodes map[string]*domain.Node
}

func NewNodeRepo() *NodeRepo {
	return &NodeRepo{Nodes: make(map[string]*domain.Node)}
}

func (r *NodeRepo) Put(node *domain.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *node
	r.Nodes[node.ID] = &cp
}

func (r *NodeRepo) Create(_ context.Context, node *domain.Node) error {
	r.Put(node)
	return nil
}

func (r *NodeRepo) GetByID(_ context.Context, id string) (*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.Nodes[id]
	if !ok {
		return nil, &domain.NodeNotFoundError{NodeID: id}
	}
	cp := *n
	return &cp, nil
}

func (r *NodeRepo) UpdateStatusIf(_ context.Context, id string, from, to domain.NodeStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.Nodes[id]
	if !ok || n.Status != from {
		return false, nil
	}
	n.Status = to
	n.UpdatedAt = time.Now()
	return true, nil
}

func (r *NodeRepo) SetHandle(_ context.Context, id, handle, agentAddr string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.Nodes[id]
	if !ok {
		return &domain.NodeNotFoundError{NodeID: id}
	}
	n.Handle, n.AgentAddr = handle, agentAddr
	return nil
}

func (r *NodeRepo) TryClaim(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.Nodes[id]
	if !ok || n.Status != domain.NodeWarm {
		return false, nil
	}
	n.Status = domain.NodeRunning
	n.WarmSince = nil
	n.UpdatedAt = time.Now()
	return true, nil
}

func (r *NodeRepo) MarkWarm(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.Nodes[id]
	if !ok || n.Status != domain.NodeRunning || n.WorkspaceCount != 0 {
		return false, nil
	}
	now := time.Now()
	n.Status = domain.NodeWarm
	n.WarmSince = &now
	n.UpdatedAt = now
	return true, nil
}

func (r *NodeRepo) ListWarm(_ context.Context, size, location string) ([]*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Node
	for _, n := range r.Nodes {
		if n.Status == domain.NodeWarm {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		si, sj := out[i].Size == size, out[j].Size == size
		if si != sj {
			return si
		}
		li, lj := out[i].Location == location, out[j].Location == location
		if li != lj {
			return li
		}
		wi, wj := out[i].WarmSince, out[j].WarmSince
		if wi != nil && wj != nil {
			return wi.After(*wj)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r *NodeRepo) ListRunning(_ context.Context) ([]*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Node
	for _, n := range r.Nodes {
		if n.Status == domain.NodeRunning {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *NodeRepo) ListStaleWarm(_ context.Context, olderThan time.Time) ([]*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Node
	for _, n := range r.Nodes {
		if n.Status == domain.NodeWarm && n.WarmSince != nil && n.WarmSince.Before(olderThan) {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *NodeRepo) ListDestroying(_ context.Context) ([]*domain.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Node
	for _, n := range r.Nodes {
		if n.Status == domain.NodeDestroying {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *NodeRepo) CountActiveByUser(_ context.Context, userID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, n := range r.Nodes {
		if n.UserID != userID {
			continue
		}
		switch n.Status {
		case domain.NodeStopped, domain.NodeDestroying:
		default:
			count++
		}
	}
	return count, nil
}

func (r *NodeRepo) AdjustWorkspaceCount(_ context.Context, id string, delta int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.Nodes[id]
	if !ok {
		return &domain.NodeNotFoundError{NodeID: id}
	}
	n.WorkspaceCount += delta
	if n.WorkspaceCount < 0 {
		n.WorkspaceCount = 0
	}
	return nil
}

func (r *NodeRepo) SetHealth(_ context.Context, id string, score int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.Nodes[id]
	if !ok {
		return &domain.NodeNotFoundError{NodeID: id}
	}
	n.HealthScore = score
	return nil
}

// WorkspaceRepo is an in-memory postgres.WorkspaceRepository.
type WorkspaceRepo struct {
	mu         sync.Mutex
	Workspaces map[string]*domain.Workspace
}

func NewWorkspaceRepo() *WorkspaceRepo {
	return &WorkspaceRepo{Workspaces: make(map[string]*domain.Workspace)}
}

func (r *WorkspaceRepo) Create(_ context.Context, ws *domain.Workspace) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *ws
	r.Workspaces[ws.ID] = &cp
	return nil
}

func (r *WorkspaceRepo) GetByID(_ context.Context, id string) (*domain.Workspace, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.Workspaces[id]
	if !ok {
		return nil, &domain.WorkspaceNotFoundError{WorkspaceID: id}
	}
	cp := *ws
	return &cp, nil
}

func (r *WorkspaceRepo) UpdateStatusIf(_ context.Context, id string, from, to domain.WorkspaceStatus) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.Workspaces[id]
	if !ok || ws.Status != from {
		return false, nil
	}
	ws.Status = to
	ws.UpdatedAt = time.Now()
	return true, nil
}

func (r *WorkspaceRepo) Stop(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.Workspaces[id]
	if !ok {
		return false, nil
	}
	switch ws.Status {
	case domain.WorkspaceCreating, domain.WorkspaceRunning:
		ws.Status = domain.WorkspaceStopped
		ws.UpdatedAt = time.Now()
		return true, nil
	}
	return false, nil
}

func (r *WorkspaceRepo) SetChatSession(_ context.Context, id, chatSessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws, ok := r.Workspaces[id]
	if !ok {
		return &domain.WorkspaceNotFoundError{WorkspaceID: id}
	}
	ws.ChatSessionID = chatSessionID
	return nil
}

func (r *WorkspaceRepo) CountActiveOnNode(_ context.Context, nodeID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, ws := range r.Workspaces {
		if ws.NodeID != nodeID {
			continue
		}
		switch ws.Status {
		case domain.WorkspaceCreating, domain.WorkspaceRunning:
			count++
		}
	}
	return count, nil
}

// TimerQueue is an in-memory redis TimerQueue.
type TimerQueue struct {
	mu     sync.Mutex
	Timers map[string]redisstore.Timer
}

func NewTimerQueue() *TimerQueue {
	return &TimerQueue{Timers: make(map[string]redisstore.Timer)}
}

func (q *TimerQueue) Arm(_ context.Context, t redisstore.Timer) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.Timers[t.ID] = t
	return nil
}

func (q *TimerQueue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.Timers, id)
	return nil
}

func (q *TimerQueue) PopDue(_ context.Context, now time.Time, limit int) ([]redisstore.Timer, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []redisstore.Timer
	for _, t := range q.Timers {
		if !t.Due.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Due.Before(due[j].Due) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	for _, t := range due {
		delete(q.Timers, t.ID)
	}
	return due, nil
}

// Has reports whether a timer with the given id is armed.
func (q *TimerQueue) Has(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.Timers[id]
	return ok
}

// Published is one message captured by the fake Producer.
type Published struct {
	Topic string
	Key   string
	Value []byte
}

// Producer is an in-memory kafka.Producer.
type Producer struct {
	mu         sync.Mutex
	Messages   []Published
	PublishErr error
}

func NewProducer() *Producer {
	return &Producer{}
}

func (p *Producer) Publish(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.PublishErr != nil {
		return p.PublishErr
	}
	p.Messages = append(p.Messages, Published{Topic: topic, Key: key, Value: append([]byte(nil), value...)})
	return nil
}

func (p *Producer) Close() error { return nil }

// ByTopic returns captured messages for one topic.
func (p *Producer) ByTopic(topic string) []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []Published
	for _, m := range p.Messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// StateStore is an in-memory redis.StateStore.
type StateStore struct {
	mu       sync.Mutex
	Statuses map[string]domain.Status
	Meta     map[string]*domain.Task
	Stats    map[string]*domain.NodeStats
}

func NewStateStore() *StateStore {
	return &StateStore{
		Statuses: make(map[string]domain.Status),
		Meta:     make(map[string]*domain.Task),
		Stats:    make(map[string]*domain.NodeStats),
	}
}

func (s *StateStore) SetStatus(_ context.Context, taskID string, status domain.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Statuses[taskID] = status
	return nil
}

func (s *StateStore) GetStatus(_ context.Context, taskID string) (domain.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Statuses[taskID], nil
}

func (s *StateStore) SetTaskMeta(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *task
	s.Meta[task.ID] = &cp
	return nil
}

func (s *StateStore) GetTaskMeta(_ context.Context, taskID string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.Meta[taskID]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: taskID}
	}
	cp := *t
	return &cp, nil
}

func (s *StateStore) SetNodeStats(_ context.Context, nodeID string, stats *domain.NodeStats) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *stats
	s.Stats[nodeID] = &cp
	return nil
}

func (s *StateStore) GetNodeStats(_ context.Context, nodeID string) (*domain.NodeStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.Stats[nodeID]
	if !ok {
		return nil, nil
	}
	cp := *st
	return &cp, nil
}

// Provisioner is a scriptable remote.Provisioner.
type Provisioner struct {
	mu            sync.Mutex
	ProvisionErr  error
	DestroyErr    error
	Provisioned   int
	Specs         []remote.ProvisionSpec
	Destroyed     []string
	NextAgentAddr string
}

func NewProvisioner() *Provisioner {
	return &Provisioner{NextAgentAddr: "10.0.0.1:7070"}
}

func (p *Provisioner) Provision(_ context.Context, spec remote.ProvisionSpec) (remote.NodeHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProvisionErr != nil {
		return remote.NodeHandle{}, p.ProvisionErr
	}
	p.Provisioned++
	p.Specs = append(p.Specs, spec)
	return remote.NodeHandle{
		ProviderID: fmt.Sprintf("vm-%s-%s-%d", spec.Size, spec.Location, p.Provisioned),
		AgentAddr:  p.NextAgentAddr,
	}, nil
}

func (p *Provisioner) Destroy(_ context.Context, handle remote.NodeHandle) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.DestroyErr != nil {
		return p.DestroyErr
	}
	p.Destroyed = append(p.Destroyed, handle.ProviderID)
	return nil
}

// AgentCall is one recorded AgentClient invocation.
type AgentCall struct {
	Method      string
	AgentAddr   string
	WorkspaceID string
	SessionID   string
	Prompt      string
}

// AgentClient is a scriptable remote.AgentClient. TransientFailures fails
// that many calls (any method) before succeeding, for retry tests.
type AgentClient struct {
	mu                 sync.Mutex
	Calls              []AgentCall
	CreateWorkspaceErr error
	CreateSessionErr   error
	FollowupErr        error
	StopErr            error
	TransientFailures  int
	NextSessionID      string
}

func NewAgentClient() *AgentClient {
	return &AgentClient{NextSessionID: "sess-1"}
}

// transient consumes one scripted transient failure. Caller holds the lock.
func (a *AgentClient) transient() error {
	if a.TransientFailures > 0 {
		a.TransientFailures--
		return errors.New("agent temporarily unreachable")
	}
	return nil
}

func (a *AgentClient) CreateWorkspace(_ context.Context, agentAddr string, spec remote.WorkspaceSpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.transient(); err != nil {
		return err
	}
	if a.CreateWorkspaceErr != nil {
		return a.CreateWorkspaceErr
	}
	a.Calls = append(a.Calls, AgentCall{Method: "CreateWorkspace", AgentAddr: agentAddr, WorkspaceID: spec.WorkspaceID})
	return nil
}

func (a *AgentClient) CreateAgentSession(_ context.Context, agentAddr string, spec remote.SessionSpec) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.transient(); err != nil {
		return "", err
	}
	if a.CreateSessionErr != nil {
		return "", a.CreateSessionErr
	}
	a.Calls = append(a.Calls, AgentCall{Method: "CreateAgentSession", AgentAddr: agentAddr, WorkspaceID: spec.WorkspaceID, SessionID: spec.SessionID, Prompt: spec.Prompt})
	return a.NextSessionID, nil
}

func (a *AgentClient) SendFollowup(_ context.Context, agentAddr string, spec remote.SessionSpec) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.transient(); err != nil {
		return err
	}
	if a.FollowupErr != nil {
		return a.FollowupErr
	}
	a.Calls = append(a.Calls, AgentCall{Method: "SendFollowup", AgentAddr: agentAddr, WorkspaceID: spec.WorkspaceID, SessionID: spec.SessionID, Prompt: spec.Prompt})
	return nil
}

func (a *AgentClient) StopWorkspace(_ context.Context, agentAddr, workspaceID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.StopErr != nil {
		return a.StopErr
	}
	a.Calls = append(a.Calls, AgentCall{Method: "StopWorkspace", AgentAddr: agentAddr, WorkspaceID: workspaceID})
	return nil
}

// CallsTo returns the recorded calls for one method.
func (a *AgentClient) CallsTo(method string) []AgentCall {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []AgentCall
	for _, c := range a.Calls {
		if c.Method == method {
			out = append(out, c)
		}
	}
	return out
}

// Probe is a scriptable remote.HealthProbe.
type Probe struct {
	mu    sync.Mutex
	alive map[string]bool
}

func NewProbe() *Probe {
	return &Probe{alive: make(map[string]bool)}
}

func (p *Probe) SetReachable(agentAddr string, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive[agentAddr] = ok
}

func (p *Probe) Reachable(_ context.Context, agentAddr string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive[agentAddr]
}
