// Package engine probes the container engine running inside a guest. The
// engine listens on tcp 2375 and answers GET /_ping with "OK" once it can
// schedule workloads.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nexusquantum/nimbus/pkg/utils"
)

const enginePort = 2375

var ErrNotResponding = errors.New("engine is not responding")

type Probe struct {
	client *http.Client
	logger *slog.Logger
}

func NewProbe(logger *slog.Logger) *Probe {
	return &Probe{
		client: &http.Client{Timeout: 2 * time.Second},
		logger: logger,
	}
}

// Ping makes a single health check against the engine at the given guest IP.
func (p *Probe) Ping(ctx context.Context, guestIP string) error {
	url := fmt.Sprintf("http://%s:%d/_ping", guestIP, enginePort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotResponding, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", ErrNotResponding, resp.StatusCode)
	}
	return nil
}

// WaitReady polls until the engine answers or the timeout passes. Cold boots
// use a long timeout since the engine starts from nothing; restores use a
// short one since the engine was already running when the image was taken.
func (p *Probe) WaitReady(ctx context.Context, guestIP string, timeout time.Duration) error {
	start := time.Now()
	err := utils.PollUntil(ctx, timeout, func(ctx context.Context) (bool, error) {
		if err := p.Ping(ctx, guestIP); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("engine not ready within %v: %w", timeout, err)
	}

	p.logger.DebugContext(ctx, "engine responding",
		"guest_ip", guestIP,
		"waited", time.Since(start))
	return nil
}

// CheckLiveness verifies the engine can actually serve its API, not just
// answer a ping. A restored engine occasionally accepts connections while
// its internal state is still thawing.
func (p *Probe) CheckLiveness(ctx context.Context, guestIP string, timeout time.Duration) error {
	err := utils.PollUntil(ctx, timeout, func(ctx context.Context) (bool, error) {
		url := fmt.Sprintf("http://%s:%d/containers/json", guestIP, enginePort)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return false, err
		}

		resp, err := p.client.Do(req)
		if err != nil {
			return false, fmt.Errorf("%w: %v", ErrNotResponding, err)
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode != http.StatusOK {
			return false, fmt.Errorf("%w: status %d", ErrNotResponding, resp.StatusCode)
		}
		return true, nil
	})
	if err != nil {
		return fmt.Errorf("engine liveness not confirmed within %v: %w", timeout, err)
	}
	return nil
}
