// Package broker implements the task protocol the service speaks over Redis:
// submitting named tasks to worker queues, tracking their state in a result
// backend, revocation, per-job progress metadata, and the registry of live
// auxiliary services. Both sides live here: the client used by the ingress
// and orchestrator, and the worker loop that consumes the service's own
// request queue.
package broker

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of a submitted task.
type State string

const (
	// StatePending means the result backend has no record of the id. Because
	// an unknown id and a not-yet-submitted task look identical to the
	// backend, submission immediately writes StateSent; a genuine
	// StatePending therefore means "unknown id" to status consumers.
	StatePending State = "PENDING"
	StateSent    State = "SENT"
	StateStarted State = "STARTED"
	StateSuccess State = "SUCCESS"
	StateFailure State = "FAILURE"
)

// Terminal reports whether no further transitions can occur.
func (s State) Terminal() bool { return s == StateSuccess || s == StateFailure }

// ParseState validates a state string read back from the backend.
func ParseState(raw string) (State, error) {
	switch s := State(raw); s {
	case StatePending, StateSent, StateStarted, StateSuccess, StateFailure:
		return s, nil
	default:
		return "", fmt.Errorf("broker: unknown task state %q", raw)
	}
}

// StepProgress is the advancement of one named processing step.
type StepProgress struct {
	State    string  `json:"state"`
	Progress float64 `json:"progress"`
}

// Step states published in job metadata.
const (
	StepStarted = "started"
	StepDone    = "done"
)

// Steps is the per-job progress map keyed by step name, published alongside
// the task state so the status endpoint can report fine-grained progress.
type Steps map[string]StepProgress

// Start marks a step as begun.
func (s Steps) Start(name string) { s[name] = StepProgress{State: StepStarted} }

// Advance sets a step's fractional progress, keeping it in the started state.
func (s Steps) Advance(name string, progress float64) {
	s[name] = StepProgress{State: StepStarted, Progress: progress}
}

// Done marks a step complete.
func (s Steps) Done(name string) { s[name] = StepProgress{State: StepDone, Progress: 1} }

// Envelope is the wire form of a submitted task.
type Envelope struct {
	ID   string          `json:"id"`
	Task string          `json:"task"`
	Args json.RawMessage `json:"args"`
}

// TaskError is the terminal failure of a remote task.
type TaskError struct {
	ID     string
	Reason string
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("broker: task %s failed: %s", e.ID, e.Reason)
}
