// Package notify tells the operator when a supervised session ends.
package notify

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/logging"
)

// NotificationType represents the severity of a notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
)

// Notification represents a notification to be sent
type Notification struct {
	Title   string
	Message string
	Type    NotificationType
	TaskID  string
	Project string
}

// Notifier is the interface for sending notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send sends the notification to all notifiers and joins their errors
func (m *MultiNotifier) Send(n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NoopNotifier does nothing (for testing or disabled notifications)
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }

// FromEvent builds the notification for a session-ending event. Other events
// yield false.
func FromEvent(e events.Event, project string) (Notification, bool) {
	if !e.Type.IsTerminal() {
		return Notification{}, false
	}
	n := Notification{TaskID: e.TaskID(), Project: project}
	label := n.TaskID
	if project != "" {
		label = project + "/" + n.TaskID
	}

	switch e.Type {
	case events.TypeCompleted:
		n.Type = NotifySuccess
		n.Title = "Session completed: " + label
		n.Message = str(e.Payload, "completion_reason")
	case events.TypeFailed:
		n.Type = NotifyError
		n.Title = "Session failed: " + label
		n.Message = str(e.Payload, "failure_reason")
		if msg := str(e.Payload, "error_message"); msg != "" {
			n.Message = msg
		}
	case events.TypeTimeout:
		n.Type = NotifyWarning
		n.Title = "Session timed out: " + label
		n.Message = "Session exceeded its time limit"
	case events.TypeAborted:
		n.Type = NotifyWarning
		n.Title = "Session aborted: " + label
		n.Message = "Aborted by " + str(e.Payload, "aborted_by")
	}

	if secs, ok := number(e.Payload, "duration_seconds"); ok {
		n.Message = appendDetail(n.Message, "ran "+humanDuration(secs))
	}
	if changes, ok := number(e.Payload, "changes_made"); ok && changes > 0 {
		n.Message = appendDetail(n.Message, humanize.Comma(int64(changes))+" file changes")
	}
	return n, true
}

// Subscriber returns a bus handler that notifies about every session that
// ends. It remembers project names from started events.
func Subscriber(n Notifier, logger *slog.Logger) func(events.Event) error {
	logger = logging.OrDiscard(logger)
	var mu sync.Mutex
	projects := make(map[string]string)

	return func(e events.Event) error {
		taskID := e.TaskID()
		if e.Type == events.TypeStarted {
			mu.Lock()
			projects[taskID] = str(e.Payload, "project_name")
			mu.Unlock()
			return nil
		}
		if !e.Type.IsTerminal() {
			return nil
		}
		mu.Lock()
		project := projects[taskID]
		delete(projects, taskID)
		mu.Unlock()

		note, _ := FromEvent(e, project)
		if err := n.Send(note); err != nil {
			logger.Warn("notification failed", "task_id", taskID, "error", err)
			return fmt.Errorf("notifying %s: %w", taskID, err)
		}
		return nil
	}
}

func str(payload map[string]any, key string) string {
	if v, ok := payload[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

func number(payload map[string]any, key string) (float64, bool) {
	switch v := payload[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

func humanDuration(secs float64) string {
	if secs < 60 {
		return fmt.Sprintf("%.0fs", secs)
	}
	return fmt.Sprintf("%dm%02ds", int(secs)/60, int(secs)%60)
}

func appendDetail(msg, detail string) string {
	if msg == "" {
		return detail
	}
	return msg + " (" + detail + ")"
}
