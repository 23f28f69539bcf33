package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestPollUntil_ImmediateSuccess(t *testing.T) {
	calls := 0
	err := PollUntil(context.Background(), time.Second, func(context.Context) (bool, error) {
		calls++
		return true, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestPollUntil_EventualSuccess(t *testing.T) {
	calls := 0
	err := PollUntil(context.Background(), 5*time.Second, func(context.Context) (bool, error) {
		calls++
		return calls >= 3, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestPollUntil_TimeoutWrapsLastError(t *testing.T) {
	sentinel := errors.New("still down")
	err := PollUntil(context.Background(), 100*time.Millisecond, func(context.Context) (bool, error) {
		return false, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected wrapped sentinel, got %v", err)
	}
}

func TestPollUntil_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := PollUntil(ctx, 10*time.Second, func(context.Context) (bool, error) {
		return false, nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
