package utils

import (
	"context"
	"fmt"
	"time"
)

const (
	pollInitialWait = 50 * time.Millisecond
	pollMaxWait     = 3 * time.Second
)

// PollUntil repeatedly invokes check until it reports done, the timeout
// elapses, or the context is cancelled. Wait time doubles between attempts
// up to a 3s cap so fast conditions return fast without hammering slow ones.
// Errors from check are treated as "not yet" and only surface if the
// deadline is hit.
func PollUntil(ctx context.Context, timeout time.Duration, check func(ctx context.Context) (bool, error)) error {
	deadline := time.Now().Add(timeout)
	wait := pollInitialWait

	var lastErr error
	for {
		done, err := check(ctx)
		if done {
			return nil
		}
		if err != nil {
			lastErr = err
		}

		if time.Now().After(deadline) {
			if lastErr != nil {
				return fmt.Errorf("timed out after %v: %w", timeout, lastErr)
			}
			return fmt.Errorf("timed out after %v", timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}

		wait *= 2
		if wait > pollMaxWait {
			wait = pollMaxWait
		}
	}
}
