package registry

import (
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/process"
	"github.com/hochfrequenz/agent-supervisor/internal/specstore"
)

// Outcome describes a session that just reached a terminal state.
type Outcome struct {
	TaskID   string
	State    domain.SessionState
	Reason   string
	ExitCode *int
	Changes  int
	Duration time.Duration
	Session  *process.Session
	Layout   specstore.Layout
	// Payload holds extra event fields; the finalizer may add to it.
	Payload map[string]any
	// DispatchErr is the error returned by the dispatcher for the terminal event.
	DispatchErr error
}

// Finalizer enriches an outcome before it is frozen. It may change the state
// to another terminal state, the reason, the exit code and the payload.
type Finalizer interface {
	Finalize(o *Outcome)
}

// FinalizerFunc adapts a function to Finalizer
type FinalizerFunc func(o *Outcome)

// Finalize calls f(o)
func (f FinalizerFunc) Finalize(o *Outcome) { f(o) }

// event builds the terminal lifecycle event of o.
func (o *Outcome) event() events.Event {
	p := make(map[string]any, len(o.Payload)+5)
	for k, v := range o.Payload {
		p[k] = v
	}
	p["task_id"] = o.TaskID
	p["duration_seconds"] = o.Duration.Seconds()
	if o.ExitCode != nil {
		p["exit_code"] = *o.ExitCode
	}

	var t events.Type
	switch o.State {
	case domain.StateCompleted:
		t = events.TypeCompleted
		p["completion_reason"] = o.Reason
		p["changes_made"] = o.Changes
	case domain.StateFailed:
		t = events.TypeFailed
		if _, ok := p["failure_reason"]; !ok {
			p["failure_reason"] = o.Reason
		}
		p["changes_made"] = o.Changes
	case domain.StateTimeout:
		t = events.TypeTimeout
	case domain.StateAborted:
		t = events.TypeAborted
	}
	return events.New(t, p)
}
