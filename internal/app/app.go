// Package app wires all voxfarm subsystems into a running service.
//
// The App struct owns the full lifecycle: New connects the broker and the
// result store and assembles the orchestrator, worker pool, and HTTP ingress;
// Run drives them until the context is cancelled; Shutdown tears everything
// down in reverse-init order.
//
// For testing, inject pre-built dependencies via functional options
// (WithBroker, WithStore, WithMetrics). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/voxfarm/voxfarm/internal/broker"
	"github.com/voxfarm/voxfarm/internal/config"
	"github.com/voxfarm/voxfarm/internal/health"
	"github.com/voxfarm/voxfarm/internal/observe"
	"github.com/voxfarm/voxfarm/internal/orchestrator"
	"github.com/voxfarm/voxfarm/internal/resolver"
	"github.com/voxfarm/voxfarm/internal/server"
	"github.com/voxfarm/voxfarm/internal/store"
)

// serviceType is what this service advertises in the broker registry.
// Auxiliary workers pin their jobs to it via the config's service name.
const serviceType = "stt"

// httpShutdownTimeout bounds the drain of in-flight HTTP requests once the
// run context is cancelled.
const httpShutdownTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	// Subsystems — initialised in New, torn down in Shutdown.
	broker  *broker.Client
	store   *store.Store
	metrics *observe.Metrics
	orch    *orchestrator.Orchestrator
	worker  *broker.Worker
	ingress *server.Server
	httpSrv *http.Server

	// closers are called in reverse order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject pre-built
// dependencies (already-dialled clients in integration tests).
type Option func(*App)

// WithBroker injects a broker client instead of dialling one from config.
// The App does not close an injected client.
func WithBroker(c *broker.Client) Option {
	return func(a *App) { a.broker = c }
}

// WithStore injects a result store instead of connecting one from config.
// The App does not close an injected store.
func WithStore(s *store.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics injects a metrics set instead of using the global default.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It performs all
// initialisation synchronously: broker dial + ping, Mongo connection,
// directory creation, and the orchestrator/worker/ingress assembly. A non-nil
// error means nothing is left running; partially-initialised resources are
// closed before returning.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Broker ────────────────────────────────────────────────────────
	if err := a.initBroker(ctx); err != nil {
		return nil, fmt.Errorf("app: init broker: %w", err)
	}

	// ── 2. Result store ──────────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 3. Working directories ───────────────────────────────────────────
	if err := a.initDirs(); err != nil {
		a.closeAll(ctx)
		return nil, fmt.Errorf("app: init dirs: %w", err)
	}

	// ── 4. Orchestrator + worker pool ────────────────────────────────────
	a.orch = orchestrator.New(orchestrator.Config{
		Tasks:       orchestrator.BrokerTasks{Client: a.broker},
		Cache:       a.store,
		Resolver:    resolver.New(a.broker),
		Segments:    orchestrator.FileSegmenter{},
		Progress:    a.broker,
		Metrics:     a.metrics,
		ServiceName: cfg.Service.Name,
		Language:    cfg.Service.Language,
		KeepAudio:   cfg.Service.KeepAudio,
		LogDir:      cfg.Service.LogDir,
	})
	a.worker = broker.NewWorker(
		a.broker,
		broker.RequestQueue(cfg.Service.Name),
		cfg.Service.Concurrency,
		a.orch.HandleTask,
	)

	// ── 5. HTTP ingress ──────────────────────────────────────────────────
	a.ingress = server.New(server.Config{
		Broker:      server.BrokerAdapter{Client: a.broker},
		Results:     a.store,
		ServiceName: cfg.Service.Name,
		AudioDir:    cfg.Audio.Dir,
		LogDir:      cfg.Service.LogDir,
		Language:    cfg.Service.Language,
	})
	a.httpSrv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.buildHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initBroker dials the broker (unless injected) and verifies connectivity.
func (a *App) initBroker(ctx context.Context) error {
	if a.broker == nil {
		c, err := broker.NewClient(a.cfg.Broker.URL, a.cfg.Broker.Password)
		if err != nil {
			return err
		}
		a.broker = c
		a.closers = append(a.closers, func(context.Context) error { return c.Close() })
	}
	if err := a.broker.Ping(ctx); err != nil {
		return fmt.Errorf("ping: %w", err)
	}
	return nil
}

// initStore connects the Mongo result store unless one was injected.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	s, err := store.New(ctx, a.cfg.Mongo.Host, a.cfg.Mongo.Port, a.cfg.Mongo.Database)
	if err != nil {
		return err
	}
	a.store = s
	a.closers = append(a.closers, s.Close)
	return nil
}

// initDirs ensures the upload and job-log directories exist.
func (a *App) initDirs() error {
	if err := os.MkdirAll(a.cfg.Audio.Dir, 0o755); err != nil {
		return fmt.Errorf("audio dir: %w", err)
	}
	if dir := a.cfg.Service.LogDir; dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("log dir: %w", err)
		}
	}
	return nil
}

// buildHandler assembles the full HTTP surface: ingress routes, health
// endpoints, Prometheus scrape endpoint, and the observability middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()
	a.ingress.Register(mux)
	health.New(
		health.Checker{Name: "broker", Check: a.broker.Ping},
		health.Checker{Name: "store", Check: a.store.Ping},
	).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())
	return observe.Middleware(a.metrics)(mux)
}

// Handler exposes the composed HTTP handler for tests.
func (a *App) Handler() http.Handler { return a.httpSrv.Handler }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP server, the worker pool, and the registry heartbeat,
// then blocks until ctx is cancelled or one of them fails. A clean
// cancellation returns nil.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("http server listening", "addr", a.httpSrv.Addr)
		if err := a.httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		// Drain in-flight requests when the run context ends; this also
		// unblocks the ListenAndServe goroutine above.
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		return a.httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		return a.worker.Run(ctx)
	})
	g.Go(func() error {
		info := broker.ServiceInfo{
			Name:        a.cfg.Service.Name,
			ServiceType: serviceType,
			Queue:       broker.RequestQueue(a.cfg.Service.Name),
			Language:    a.cfg.Service.Language,
		}
		return a.broker.HeartbeatLoop(ctx, info, broker.HeartbeatInterval)
	})

	slog.Info("app running",
		"service", a.cfg.Service.Name,
		"queue", broker.RequestQueue(a.cfg.Service.Name),
		"concurrency", a.cfg.Service.Concurrency,
	)

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in reverse-init order. It respects the
// context deadline: if ctx expires before all closers finish, remaining
// closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		shutdownErr = a.closeAll(ctx)
		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// closeAll runs the closers newest-first, logging individual failures.
func (a *App) closeAll(ctx context.Context) error {
	for i := len(a.closers) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", i+1)
			return ctx.Err()
		default:
		}
		if err := a.closers[i](ctx); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}
