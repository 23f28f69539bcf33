// Package guest talks to the nimbus agent running inside each VM. The agent
// reports the guest's observed network identity back to the host and exposes
// a small control API used during snapshot builds.
package guest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const agentPort = 8611

var ErrAgentUnreachable = errors.New("guest agent unreachable")

// AgentClient is the control surface of the in-guest agent. Builds use it to
// bring the guest into a snapshot-safe state.
type AgentClient interface {
	// EngineAutoRestart reports whether the guest supervisor is configured
	// to bring the engine back up if it dies.
	EngineAutoRestart(ctx context.Context, guestIP string) (bool, error)

	// QuiesceNetwork flushes addresses from the guest's primary interface
	// while leaving it administratively up, so no stale IP is captured.
	QuiesceNetwork(ctx context.Context, guestIP string) error

	// StopReporting shuts the agent's host-report loop down so the capture
	// holds no pending report state. The agent restarts the loop on its own
	// after a restore.
	StopReporting(ctx context.Context, guestIP string) error
}

type HTTPAgentClient struct {
	client *http.Client
	logger *slog.Logger
}

func NewHTTPAgentClient(logger *slog.Logger) *HTTPAgentClient {
	return &HTTPAgentClient{
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (a *HTTPAgentClient) EngineAutoRestart(ctx context.Context, guestIP string) (bool, error) {
	body, err := a.call(ctx, http.MethodGet, guestIP, "/v1/engine/supervision")
	if err != nil {
		return false, err
	}

	var status struct {
		AutoRestart bool `json:"auto_restart"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return false, fmt.Errorf("decode supervision status: %w", err)
	}
	return status.AutoRestart, nil
}

func (a *HTTPAgentClient) QuiesceNetwork(ctx context.Context, guestIP string) error {
	a.logger.DebugContext(ctx, "quiescing guest network", "guest_ip", guestIP)
	_, err := a.call(ctx, http.MethodPost, guestIP, "/v1/network/quiesce")
	return err
}

func (a *HTTPAgentClient) StopReporting(ctx context.Context, guestIP string) error {
	_, err := a.call(ctx, http.MethodPost, guestIP, "/v1/reporting/stop")
	return err
}

func (a *HTTPAgentClient) call(ctx context.Context, method, guestIP, path string) ([]byte, error) {
	url := fmt.Sprintf("http://%s:%d%s", guestIP, agentPort, path)
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return nil, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s %s: %v", ErrAgentUnreachable, method, path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("agent %s %s: status %d: %s", method, path, resp.StatusCode, body)
	}
	return body, nil
}
