// Package events defines the lifecycle events emitted for supervised sessions
// and the dispatch boundary that delivers them to the host.
package events

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// Type identifies a lifecycle event
type Type string

const (
	TypeStarted        Type = "started"
	TypeProgress       Type = "progress"
	TypeCompleted      Type = "completed"
	TypeFailed         Type = "failed"
	TypeTimeout        Type = "timeout"
	TypeAborted        Type = "aborted"
	TypeOutputReceived Type = "output_received"
)

// IsTerminal reports whether the event ends a session
func (t Type) IsTerminal() bool {
	switch t {
	case TypeCompleted, TypeFailed, TypeTimeout, TypeAborted:
		return true
	}
	return false
}

// Event is a fire-and-forget lifecycle notification.
type Event struct {
	Type    Type           `json:"event_type"`
	Payload map[string]any `json:"payload"`
	Time    time.Time      `json:"time"`
}

// New builds an event stamped with the current time
func New(t Type, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{Type: t, Payload: payload, Time: time.Now()}
}

// TaskID returns the task_id payload field, if any
func (e Event) TaskID() string {
	s, _ := e.Payload["task_id"].(string)
	return s
}

// String returns a short description for logs
func (e Event) String() string {
	return fmt.Sprintf("%s(%s)", e.Type, e.TaskID())
}

// Dispatcher delivers events to the host. A returned error means at least one
// consumer did not receive the event; callers log it and carry on.
type Dispatcher interface {
	Dispatch(Event) error
}

// DispatcherFunc adapts a function to Dispatcher
type DispatcherFunc func(Event) error

// Dispatch calls f(e)
func (f DispatcherFunc) Dispatch(e Event) error { return f(e) }

// Discard drops every event
var Discard Dispatcher = DispatcherFunc(func(Event) error { return nil })

// Bus fans each event out to all subscribers in subscription order.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscription
}

type subscription struct {
	id   int
	name string
	fn   func(Event) error
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(name string, fn func(Event) error) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, name: name, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Dispatch delivers e to every subscriber. All subscribers are called even
// when some fail; their errors are joined. A panicking subscriber is reported
// as an error rather than unwinding into the caller.
func (b *Bus) Dispatch(e Event) error {
	b.mu.RLock()
	subs := make([]subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := deliver(s, e); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
	}
	return errors.Join(errs...)
}

func deliver(s subscription, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return s.fn(e)
}

// Recorder keeps every event it receives. Safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Dispatch records e
func (r *Recorder) Dispatch(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// OfType returns the recorded events of type t
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// ForTask returns the recorded events for one task, in emission order
func (r *Recorder) ForTask(taskID string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.TaskID() == taskID {
			out = append(out, e)
		}
	}
	return out
}
