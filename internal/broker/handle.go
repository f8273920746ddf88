package broker

import (
	"context"
	"encoding/json"
	"time"
)

// pollInterval is how often a waiting handle re-reads the result backend.
const pollInterval = 200 * time.Millisecond

// Handle tracks one submitted task. Handles are returned by Client.Submit
// and hold the task's result until consumed with Get.
type Handle struct {
	id     string
	client *Client
}

// ID is the broker-side task id.
func (h *Handle) ID() string { return h.id }

// State reads the task's current state.
func (h *Handle) State(ctx context.Context) (State, error) {
	return h.client.TaskState(ctx, h.id)
}

// Revoke flags the task for cancellation.
func (h *Handle) Revoke(ctx context.Context) error {
	return h.client.Revoke(ctx, h.id)
}

// Get blocks until the task reaches a terminal state and returns its result
// payload. A failed task yields a *TaskError; a revoked one yields
// ErrRevoked. Cancellation of ctx aborts the wait without touching the task.
func (h *Handle) Get(ctx context.Context) (json.RawMessage, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		state, err := h.client.TaskState(ctx, h.id)
		if err != nil {
			return nil, err
		}
		switch state {
		case StateSuccess:
			return h.client.TaskResult(ctx, h.id)
		case StateFailure:
			reason, err := h.client.TaskFailure(ctx, h.id)
			if err != nil {
				return nil, err
			}
			return nil, &TaskError{ID: h.id, Reason: reason}
		}

		revoked, err := h.client.IsRevoked(ctx, h.id)
		if err != nil {
			return nil, err
		}
		if revoked {
			return nil, ErrRevoked
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
