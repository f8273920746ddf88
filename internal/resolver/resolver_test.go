package resolver_test

import (
	"context"
	"errors"
	"testing"

	"github.com/voxfarm/voxfarm/internal/broker"
	"github.com/voxfarm/voxfarm/internal/resolver"
	"github.com/voxfarm/voxfarm/internal/transcribe"
)

type staticLister []broker.ServiceInfo

func (l staticLister) ListServices(context.Context) ([]broker.ServiceInfo, error) {
	return l, nil
}

var registry = staticLister{
	{Name: "diar-1", ServiceType: "diarization", Queue: "diar-1_requests"},
	{Name: "diar-2", ServiceType: "diarization", Queue: "diar-2_requests"},
	{Name: "punct-1", ServiceType: "punctuation", Queue: "punct-1_requests"},
}

func TestResolve_AnyServiceOfType(t *testing.T) {
	t.Parallel()
	task := &transcribe.DiarizationConfig{Enable: true}
	if err := resolver.New(registry).Resolve(context.Background(), task); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if task.ServiceName != "diar-1" || task.ServiceQueue != "diar-1_requests" {
		t.Errorf("bound to %q/%q, want the first diarization service", task.ServiceName, task.ServiceQueue)
	}
}

func TestResolve_PinnedName(t *testing.T) {
	t.Parallel()
	task := &transcribe.DiarizationConfig{Enable: true, ServiceName: "diar-2"}
	if err := resolver.New(registry).Resolve(context.Background(), task); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if task.ServiceQueue != "diar-2_requests" {
		t.Errorf("queue = %q, want diar-2_requests", task.ServiceQueue)
	}
}

func TestResolve_PinnedNameMissing(t *testing.T) {
	t.Parallel()
	task := &transcribe.PunctuationConfig{Enable: true, ServiceName: "punct-9"}
	err := resolver.New(registry).Resolve(context.Background(), task)
	if !errors.Is(err, resolver.ErrUnresolvable) {
		t.Fatalf("got %v, want ErrUnresolvable", err)
	}
}

func TestResolve_NoServiceOfType(t *testing.T) {
	t.Parallel()
	task := &transcribe.PunctuationConfig{Enable: true}
	err := resolver.New(staticLister{}).Resolve(context.Background(), task)
	if !errors.Is(err, resolver.ErrUnresolvable) {
		t.Fatalf("got %v, want ErrUnresolvable", err)
	}
}

func TestResolve_DisabledTaskIsNoop(t *testing.T) {
	t.Parallel()
	task := &transcribe.DiarizationConfig{Enable: false}
	// An empty registry must not matter for disabled tasks.
	if err := resolver.New(staticLister{}).Resolve(context.Background(), task); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if task.ServiceQueue != "" {
		t.Errorf("disabled task was bound to %q", task.ServiceQueue)
	}
}

func TestResolve_MixedEnabledAndDisabled(t *testing.T) {
	t.Parallel()
	diar := &transcribe.DiarizationConfig{Enable: true}
	punct := &transcribe.PunctuationConfig{Enable: false}
	if err := resolver.New(registry).Resolve(context.Background(), diar, punct); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if diar.ServiceQueue == "" {
		t.Error("enabled diarization task left unbound")
	}
	if punct.ServiceQueue != "" {
		t.Error("disabled punctuation task was bound")
	}
}
