package sessionstore

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/logging"
)

// ErrWriterClosed is returned by Append after Close
var ErrWriterClosed = errors.New("event writer closed")

const defaultEventQueue = 1024

// EventWriter appends lifecycle events from a single background goroutine so
// that dispatching an event never waits on the database.
type EventWriter struct {
	store  *Store
	logger *slog.Logger
	queue  chan events.Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewEventWriter starts a writer for store. size <= 0 uses 1024.
func NewEventWriter(store *Store, size int, logger *slog.Logger) *EventWriter {
	if size <= 0 {
		size = defaultEventQueue
	}
	w := &EventWriter{
		store:  store,
		logger: logging.OrDiscard(logger),
		queue:  make(chan events.Event, size),
		done:   make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *EventWriter) run() {
	defer close(w.done)
	for e := range w.queue {
		w.write(e)
	}
}

func (w *EventWriter) write(e events.Event) {
	if err := w.store.AppendEvent(e); err != nil {
		w.logger.Warn("storing event", "task_id", e.TaskID(), "event", e.Type, "error", err)
	}
}

// Append queues e. When the queue is full the event is written synchronously.
func (w *EventWriter) Append(e events.Event) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return ErrWriterClosed
	}
	select {
	case w.queue <- e:
	default:
		w.write(e)
	}
	return nil
}

// Close writes every queued event and stops the writer. Safe to call twice.
func (w *EventWriter) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.queue)
	w.mu.Unlock()
	<-w.done
}
