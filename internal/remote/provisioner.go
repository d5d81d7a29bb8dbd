// Package remote holds the boundary interfaces to the systems this service
// orchestrates but does not own: the cloud VM provider and the execution
// agent running on each node.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// NodeHandle identifies a VM on the provider side, plus the address the
// node's execution agent listens on.
type NodeHandle struct {
	ProviderID string `json:"provider_id"`
	AgentAddr  string `json:"agent_addr"`
}

// ProvisionSpec is the request for a new VM. CallbackURL and CallbackToken
// are the node-scoped heartbeat credential the provider injects into the
// machine, mirroring the workspace callback contract.
type ProvisionSpec struct {
	Size          string `json:"size"`
	Location      string `json:"location"`
	CallbackURL   string `json:"callback_url"`
	CallbackToken string `json:"callback_token"`
}

// Provisioner is the cloud VM lifecycle boundary. Destroy is idempotent:
// destroying an already-absent node succeeds.
type Provisioner interface {
	Provision(ctx context.Context, spec ProvisionSpec) (NodeHandle, error)
	Destroy(ctx context.Context, handle NodeHandle) error
}

type httpProvisioner struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPProvisioner talks to the fleet provider's REST API.
func NewHTTPProvisioner(baseURL, token string) Provisioner {
	return &httpProvisioner{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *httpProvisioner) Provision(ctx context.Context, spec ProvisionSpec) (NodeHandle, error) {
	body, err := json.Marshal(spec)
	if err != nil {
		return NodeHandle{}, fmt.Errorf("marshal provision request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/machines", strings.NewReader(string(body)))
	if err != nil {
		return NodeHandle{}, fmt.Errorf("build provision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return NodeHandle{}, fmt.Errorf("provision %s/%s: %w", spec.Size, spec.Location, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return NodeHandle{}, fmt.Errorf("provision %s/%s: provider returned status %d", spec.Size, spec.Location, resp.StatusCode)
	}

	var handle NodeHandle
	if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
		return NodeHandle{}, fmt.Errorf("decode provision response: %w", err)
	}
	if handle.ProviderID == "" {
		return NodeHandle{}, errors.New("provider returned an empty machine id")
	}
	return handle, nil
}

func (p *httpProvisioner) Destroy(ctx context.Context, handle NodeHandle) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, p.baseURL+"/v1/machines/"+handle.ProviderID, nil)
	if err != nil {
		return fmt.Errorf("build destroy request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.token)

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("destroy machine %s: %w", handle.ProviderID, err)
	}
	defer resp.Body.Close()

	// 404 counts as success: the machine is already gone.
	if resp.StatusCode >= http.StatusBadRequest && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("destroy machine %s: provider returned status %d", handle.ProviderID, resp.StatusCode)
	}
	return nil
}
