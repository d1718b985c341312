package pipeline

import (
	"context"
	"fmt"
	"time"
)

// State is a stage of the run state machine. Runs only move forward.
type State string

const (
	StateCreated      State = "Created"
	StateExtracting   State = "Extracting"
	StateGenerating   State = "Generating"
	StateSegmenting   State = "Segmenting"
	StateSynthesizing State = "Synthesizing"
	StateAssembling   State = "Assembling"
	StateDone         State = "Done"
	StateFailed       State = "Failed"
)

// Terminal reports whether no transition can follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// Event describes one transition of a run.
type Event struct {
	RunID string    `json:"run_id"`
	Seq   int       `json:"seq"`
	State State     `json:"state"`
	Stage State     `json:"stage,omitempty"`
	Kind  string    `json:"kind,omitempty"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Observer receives every transition in order. Implementations must not block for long.
type Observer interface {
	Observe(ctx context.Context, evt Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, evt Event)

func (f ObserverFunc) Observe(ctx context.Context, evt Event) { f(ctx, evt) }

// MultiObserver fans each event out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) Observe(ctx context.Context, evt Event) {
	for _, o := range m {
		if o != nil {
			o.Observe(ctx, evt)
		}
	}
}

// RunError is the terminal error of a failed run. Stage is the state the run
// was in when it failed; Err keeps the stage error so callers can errors.As into it.
type RunError struct {
	RunID string
	Stage State
	Err   error
}

func (e *RunError) Error() string {
	return fmt.Sprintf("run %s failed during %s: %v", e.RunID, e.Stage, e.Err)
}

func (e *RunError) Unwrap() error { return e.Err }
