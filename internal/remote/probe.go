package remote

import (
	"context"
	"net/http"
	"time"
)

// HealthProbe answers whether a node's execution agent is reachable.
// Polled only during the node_agent_ready step, one probe per timer fire.
type HealthProbe interface {
	Reachable(ctx context.Context, agentAddr string) bool
}

type httpProbe struct {
	client *http.Client
}

// NewHTTPProbe creates an HTTP health probe against the agent's /healthz.
func NewHTTPProbe(timeout time.Duration) HealthProbe {
	return &httpProbe{client: &http.Client{Timeout: timeout}}
}

func (p *httpProbe) Reachable(ctx context.Context, agentAddr string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+agentAddr+"/healthz", nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
