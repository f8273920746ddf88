// Package resolver binds each enabled sub-task of a job to a live worker
// queue discovered from the broker's service registry. Resolution happens
// once per job, before any audio work, so an unsatisfiable job fails early.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/voxfarm/voxfarm/internal/broker"
	"github.com/voxfarm/voxfarm/internal/transcribe"
)

// ErrUnresolvable marks a required sub-task with no live worker.
var ErrUnresolvable = errors.New("no live service for task")

// Task is the resolver's view of a sub-task configuration. A disabled task
// resolves trivially; an enabled one is bound to a worker name and queue.
type Task interface {
	ServiceType() string
	TaskName() string
	IsEnabled() bool
	PinnedName() string
	Bind(name, queue string)
}

var (
	_ Task = (*transcribe.DiarizationConfig)(nil)
	_ Task = (*transcribe.PunctuationConfig)(nil)
)

// ServiceLister yields the current live service registry.
type ServiceLister interface {
	ListServices(ctx context.Context) ([]broker.ServiceInfo, error)
}

// Resolver matches tasks against the registry.
type Resolver struct {
	lister ServiceLister
	log    *slog.Logger
}

// New builds a Resolver over the given registry view.
func New(lister ServiceLister) *Resolver {
	return &Resolver{lister: lister, log: slog.With("component", "resolver")}
}

// Resolve binds every enabled task to a worker. A pinned service name must
// match exactly (and advertise the right service type); otherwise the first
// live service of the required type wins. The registry is consulted once for
// all tasks. Any unbindable task aborts with an ErrUnresolvable-wrapped
// error before any binding side effects are visible to the caller's job.
func (r *Resolver) Resolve(ctx context.Context, tasks ...Task) error {
	var enabled []Task
	for _, t := range tasks {
		if t.IsEnabled() {
			enabled = append(enabled, t)
		}
	}
	if len(enabled) == 0 {
		return nil
	}

	services, err := r.lister.ListServices(ctx)
	if err != nil {
		return fmt.Errorf("resolver: list services: %w", err)
	}

	for _, t := range enabled {
		service, ok := match(services, t)
		if !ok {
			if pinned := t.PinnedName(); pinned != "" {
				return fmt.Errorf("resolver: %s service %q: %w", t.ServiceType(), pinned, ErrUnresolvable)
			}
			return fmt.Errorf("resolver: %s: %w", t.ServiceType(), ErrUnresolvable)
		}
		t.Bind(service.Name, service.Queue)
		r.log.Debug("task bound",
			"task", t.TaskName(),
			"service", service.Name,
			"queue", service.Queue,
		)
	}
	return nil
}

func match(services []broker.ServiceInfo, t Task) (broker.ServiceInfo, bool) {
	pinned := t.PinnedName()
	for _, s := range services {
		if s.ServiceType != t.ServiceType() {
			continue
		}
		if pinned == "" || s.Name == pinned {
			return s, true
		}
	}
	return broker.ServiceInfo{}, false
}
