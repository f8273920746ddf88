package broker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
)

// popTimeout bounds each blocking pop so shutdown is observed promptly.
const popTimeout = time.Second

// revokeCheckInterval is how often a running job re-checks its revocation
// flag.
const revokeCheckInterval = time.Second

// HandlerFunc executes one dequeued task. The returned value is stored as
// the task result; a returned error fails the task with its message.
type HandlerFunc func(ctx context.Context, env Envelope) (any, error)

// Worker consumes a request queue with a fixed-size goroutine pool. Each
// dequeued task runs under a context that is cancelled when the task is
// revoked mid-flight.
type Worker struct {
	client      *Client
	queue       string
	concurrency int
	handler     HandlerFunc
	log         *slog.Logger
}

// NewWorker builds a worker pool over queue. concurrency values below 1 are
// raised to 1.
func NewWorker(client *Client, queue string, concurrency int, handler HandlerFunc) *Worker {
	if concurrency < 1 {
		concurrency = 1
	}
	return &Worker{
		client:      client,
		queue:       queue,
		concurrency: concurrency,
		handler:     handler,
		log:         slog.With("component", "worker", "queue", queue),
	}
}

// Run consumes the queue until ctx is cancelled. It returns ctx's error on
// shutdown; broker errors inside the loop are logged and retried.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker pool starting", "concurrency", w.concurrency)
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.concurrency; i++ {
		g.Go(func() error { return w.loop(ctx) })
	}
	return g.Wait()
}

func (w *Worker) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := w.client.rdb.BRPop(ctx, popTimeout, queueKey(w.queue)).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.log.Error("queue pop failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(popTimeout):
			}
			continue
		}
		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}

		var env Envelope
		if err := json.Unmarshal([]byte(res[1]), &env); err != nil {
			w.log.Error("dropping undecodable task envelope", "error", err)
			continue
		}
		w.execute(ctx, env)
	}
}

// execute runs one task through its lifecycle. A revocation observed before
// pickup skips execution entirely; one observed mid-flight cancels the
// task's context.
func (w *Worker) execute(ctx context.Context, env Envelope) {
	log := w.log.With("task", env.Task, "id", env.ID)

	revoked, err := w.client.IsRevoked(ctx, env.ID)
	if err != nil {
		log.Error("revocation check failed", "error", err)
	}
	if revoked {
		log.Info("skipping revoked task")
		if err := w.client.Fail(ctx, env.ID, "revoked before execution"); err != nil {
			log.Error("recording revocation failed", "error", err)
		}
		return
	}

	if err := w.client.SetStarted(ctx, env.ID); err != nil {
		log.Error("marking task started failed", "error", err)
	}

	jobCtx, cancel := context.WithCancel(ctx)
	watcherDone := make(chan struct{})
	go func() {
		defer close(watcherDone)
		w.watchRevocation(jobCtx, env.ID, cancel)
	}()

	started := time.Now()
	result, handlerErr := w.handler(jobCtx, env)
	cancel()
	<-watcherDone

	switch {
	case handlerErr != nil && jobCtx.Err() != nil && ctx.Err() == nil:
		log.Info("task revoked mid-flight", "after", time.Since(started))
		if err := w.client.Fail(ctx, env.ID, "revoked"); err != nil {
			log.Error("recording revocation failed", "error", err)
		}
	case handlerErr != nil:
		log.Error("task failed", "after", time.Since(started), "error", handlerErr)
		if err := w.client.Fail(ctx, env.ID, handlerErr.Error()); err != nil {
			log.Error("recording failure failed", "error", err)
		}
	default:
		log.Info("task succeeded", "after", time.Since(started))
		if err := w.client.Succeed(ctx, env.ID, result); err != nil {
			log.Error("storing result failed", "error", err)
		}
	}
}

// watchRevocation polls the revocation flag until the job context ends,
// cancelling the job when the flag appears.
func (w *Worker) watchRevocation(ctx context.Context, id string, cancel context.CancelFunc) {
	ticker := time.NewTicker(revokeCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			revoked, err := w.client.IsRevoked(ctx, id)
			if err != nil {
				continue
			}
			if revoked {
				cancel()
				return
			}
		}
	}
}
