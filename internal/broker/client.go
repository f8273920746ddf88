package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	taskKeyPrefix  = "vox:task:"
	queueKeyPrefix = "vox:queue:"

	// taskTTL bounds how long a finished task's record survives in the
	// result backend.
	taskTTL = 24 * time.Hour
)

// ErrRevoked is returned by waiters when the awaited task was revoked.
var ErrRevoked = errors.New("broker: task revoked")

func taskKey(id string) string     { return taskKeyPrefix + id }
func queueKey(queue string) string { return queueKeyPrefix + queue }

// RequestQueue is the queue a service of the given name consumes.
func RequestQueue(serviceName string) string { return serviceName + "_requests" }

// Client talks to the Redis broker: task submission, the result backend, and
// the service registry. A single Client is safe for concurrent use.
type Client struct {
	rdb *redis.Client
	log *slog.Logger
}

// NewClient connects to the broker at the given redis URL. password, when
// non-empty, overrides any credential embedded in the URL.
func NewClient(brokerURL, password string) (*Client, error) {
	opt, err := redis.ParseURL(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse url: %w", err)
	}
	if password != "" {
		opt.Password = password
	}
	return &Client{
		rdb: redis.NewClient(opt),
		log: slog.With("component", "broker"),
	}, nil
}

// Ping verifies broker connectivity.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("broker: ping: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error { return c.rdb.Close() }

// Submit enqueues a named task on a queue and returns a handle for awaiting
// it. The Sent sentinel is written to the result backend in the same
// transaction as the enqueue, so a successfully submitted id can never be
// mistaken for an unknown one.
func (c *Client) Submit(ctx context.Context, task, queue string, args any) (*Handle, error) {
	payload, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("broker: marshal args for %s: %w", task, err)
	}
	id := uuid.NewString()
	body, err := json.Marshal(Envelope{ID: id, Task: task, Args: payload})
	if err != nil {
		return nil, fmt.Errorf("broker: marshal envelope: %w", err)
	}

	pipe := c.rdb.TxPipeline()
	pipe.HSet(ctx, taskKey(id), "state", string(StateSent))
	pipe.Expire(ctx, taskKey(id), taskTTL)
	pipe.LPush(ctx, queueKey(queue), body)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("broker: submit %s to %s: %w", task, queue, err)
	}

	c.log.Debug("task submitted", "task", task, "queue", queue, "id", id)
	return &Handle{id: id, client: c}, nil
}

// TaskState reads the current state of a task id. Ids the backend has never
// seen report StatePending.
func (c *Client) TaskState(ctx context.Context, id string) (State, error) {
	raw, err := c.rdb.HGet(ctx, taskKey(id), "state").Result()
	if errors.Is(err, redis.Nil) {
		return StatePending, nil
	}
	if err != nil {
		return "", fmt.Errorf("broker: read state of %s: %w", id, err)
	}
	return ParseState(raw)
}

// SetStarted transitions a task to the started state.
func (c *Client) SetStarted(ctx context.Context, id string) error {
	if err := c.rdb.HSet(ctx, taskKey(id), "state", string(StateStarted)).Err(); err != nil {
		return fmt.Errorf("broker: mark %s started: %w", id, err)
	}
	return nil
}

// Succeed stores the task result and transitions to success.
func (c *Client) Succeed(ctx context.Context, id string, result any) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("broker: marshal result of %s: %w", id, err)
	}
	err = c.rdb.HSet(ctx, taskKey(id),
		"state", string(StateSuccess),
		"result", payload,
	).Err()
	if err != nil {
		return fmt.Errorf("broker: store result of %s: %w", id, err)
	}
	return nil
}

// Fail records a terminal failure with its reason.
func (c *Client) Fail(ctx context.Context, id, reason string) error {
	err := c.rdb.HSet(ctx, taskKey(id),
		"state", string(StateFailure),
		"error", reason,
	).Err()
	if err != nil {
		return fmt.Errorf("broker: store failure of %s: %w", id, err)
	}
	return nil
}

// SetSteps publishes the job's progress metadata.
func (c *Client) SetSteps(ctx context.Context, id string, steps Steps) error {
	payload, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("broker: marshal steps of %s: %w", id, err)
	}
	if err := c.rdb.HSet(ctx, taskKey(id), "meta", payload).Err(); err != nil {
		return fmt.Errorf("broker: store steps of %s: %w", id, err)
	}
	return nil
}

// TaskSteps reads back the job's progress metadata. Missing metadata yields
// an empty map.
func (c *Client) TaskSteps(ctx context.Context, id string) (Steps, error) {
	raw, err := c.rdb.HGet(ctx, taskKey(id), "meta").Bytes()
	if errors.Is(err, redis.Nil) {
		return Steps{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("broker: read steps of %s: %w", id, err)
	}
	var steps Steps
	if err := json.Unmarshal(raw, &steps); err != nil {
		return nil, fmt.Errorf("broker: decode steps of %s: %w", id, err)
	}
	return steps, nil
}

// TaskResult returns the stored result payload of a successful task.
func (c *Client) TaskResult(ctx context.Context, id string) (json.RawMessage, error) {
	raw, err := c.rdb.HGet(ctx, taskKey(id), "result").Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("broker: no result stored for %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("broker: read result of %s: %w", id, err)
	}
	return raw, nil
}

// TaskFailure returns the stored failure reason of a failed task.
func (c *Client) TaskFailure(ctx context.Context, id string) (string, error) {
	raw, err := c.rdb.HGet(ctx, taskKey(id), "error").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("broker: read failure of %s: %w", id, err)
	}
	return raw, nil
}

// Revoke flags a task for cancellation. Waiters and the worker loop observe
// the flag; a task revoked before pickup is never executed.
func (c *Client) Revoke(ctx context.Context, id string) error {
	if err := c.rdb.HSet(ctx, taskKey(id), "revoked", "1").Err(); err != nil {
		return fmt.Errorf("broker: revoke %s: %w", id, err)
	}
	return nil
}

// IsRevoked reports whether a task id carries the revocation flag.
func (c *Client) IsRevoked(ctx context.Context, id string) (bool, error) {
	raw, err := c.rdb.HGet(ctx, taskKey(id), "revoked").Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("broker: read revocation of %s: %w", id, err)
	}
	return raw == "1", nil
}
