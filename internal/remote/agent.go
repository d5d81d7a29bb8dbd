package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// WorkspaceSpec is the task context the node agent needs to build a
// workspace. CallbackToken is the task-scoped credential the agent presents
// when it calls back.
type WorkspaceSpec struct {
	WorkspaceID   string `json:"workspace_id"`
	TaskID        string `json:"task_id"`
	RepoURL       string `json:"repo_url"`
	CallbackURL   string `json:"callback_url"`
	CallbackToken string `json:"callback_token"`
}

// SessionSpec starts (or re-prompts) a coding agent session in a workspace.
type SessionSpec struct {
	WorkspaceID string `json:"workspace_id"`
	SessionID   string `json:"session_id,omitempty"`
	Prompt      string `json:"prompt"`
}

// AgentClient is the boundary to the execution agent on a node. Both calls
// are asynchronous accepts: completion arrives later as a callback.
type AgentClient interface {
	CreateWorkspace(ctx context.Context, agentAddr string, spec WorkspaceSpec) error
	CreateAgentSession(ctx context.Context, agentAddr string, spec SessionSpec) (sessionID string, err error)
	SendFollowup(ctx context.Context, agentAddr string, spec SessionSpec) error
	StopWorkspace(ctx context.Context, agentAddr, workspaceID string) error
}

type httpAgentClient struct {
	client *http.Client
}

// NewHTTPAgentClient creates the HTTP implementation of AgentClient.
func NewHTTPAgentClient() AgentClient {
	return &httpAgentClient{client: &http.Client{Timeout: 15 * time.Second}}
}

func (c *httpAgentClient) CreateWorkspace(ctx context.Context, agentAddr string, spec WorkspaceSpec) error {
	return c.post(ctx, agentAddr, "/v1/workspaces", spec, nil)
}

func (c *httpAgentClient) CreateAgentSession(ctx context.Context, agentAddr string, spec SessionSpec) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.post(ctx, agentAddr, "/v1/workspaces/"+spec.WorkspaceID+"/sessions", spec, &out); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

func (c *httpAgentClient) SendFollowup(ctx context.Context, agentAddr string, spec SessionSpec) error {
	path := "/v1/workspaces/" + spec.WorkspaceID + "/sessions/" + spec.SessionID + "/messages"
	return c.post(ctx, agentAddr, path, spec, nil)
}

func (c *httpAgentClient) StopWorkspace(ctx context.Context, agentAddr, workspaceID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, "http://"+agentAddr+"/v1/workspaces/"+workspaceID, nil)
	if err != nil {
		return fmt.Errorf("build stop workspace request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("stop workspace %s: %w", workspaceID, err)
	}
	defer resp.Body.Close()
	// Stopping an absent workspace succeeds, same contract as Destroy.
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("stop workspace %s: agent returned status %d", workspaceID, resp.StatusCode)
	}
	return nil
}

func (c *httpAgentClient) post(ctx context.Context, agentAddr, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal agent request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+agentAddr+path, strings.NewReader(string(body)))
	if err != nil {
		return fmt.Errorf("build agent request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent call %s%s: %w", agentAddr, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("agent call %s%s: status %d", agentAddr, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode agent response: %w", err)
		}
	}
	return nil
}
