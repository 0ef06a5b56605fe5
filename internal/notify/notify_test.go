package notify

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hochfrequenz/agent-supervisor/internal/events"
)

func TestSlackNotifier_Send(t *testing.T) {
	var got SlackMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" {
			t.Errorf("Expected POST, got %s", r.Method)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decoding body: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	notifier := NewSlackNotifier(server.URL)
	err := notifier.Send(Notification{
		Title:   "Session completed: web/abc",
		Message: "Process exited successfully",
		Type:    NotifySuccess,
		TaskID:  "abc",
		Project: "web",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if got.Text != "Session completed: web/abc" {
		t.Errorf("Text = %q", got.Text)
	}
	if len(got.Attachments) != 1 || got.Attachments[0].Color != "good" {
		t.Fatalf("Attachments = %+v", got.Attachments)
	}
	fields := got.Attachments[0].Fields
	if len(fields) != 2 || fields[0].Value != "web" || fields[1].Value != "`abc`" {
		t.Errorf("Fields = %+v, want project and task", fields)
	}
}

func TestSlackNotifier_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte("invalid_token"))
	}))
	defer server.Close()

	err := NewSlackNotifier(server.URL).Send(Notification{Title: "x"})
	if err == nil || !strings.Contains(err.Error(), "invalid_token") {
		t.Errorf("Send() error = %v, want 403 with body", err)
	}
	if err := NewSlackNotifier("").Send(Notification{Title: "x"}); err != nil {
		t.Errorf("disabled notifier returned %v", err)
	}
}

func TestNotificationTypeColors(t *testing.T) {
	tests := []struct {
		typ  NotificationType
		want string
	}{
		{NotifySuccess, "good"},
		{NotifyWarning, "warning"},
		{NotifyError, "danger"},
		{NotifyInfo, "#439FE0"},
	}

	for _, tt := range tests {
		got := SlackColor(tt.typ)
		if got != tt.want {
			t.Errorf("SlackColor(%v) = %s, want %s", tt.typ, got, tt.want)
		}
	}
}

func TestMultiNotifier(t *testing.T) {
	var called []string

	mock1 := &mockNotifier{name: "mock1", calls: &called, err: errors.New("boom")}
	mock2 := &mockNotifier{name: "mock2", calls: &called}

	err := NewMultiNotifier(mock1, mock2).Send(Notification{Title: "Test"})
	if len(called) != 2 {
		t.Errorf("Expected 2 calls, got %d", len(called))
	}
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("error = %v, want boom", err)
	}
}

func TestFromEvent(t *testing.T) {
	tests := []struct {
		name        string
		event       events.Event
		wantType    NotificationType
		wantTitle   string
		wantMessage string
	}{
		{
			name: "completed",
			event: events.New(events.TypeCompleted, map[string]any{
				"task_id": "abc", "completion_reason": "Process exited successfully",
				"duration_seconds": 125.0, "changes_made": 1200,
			}),
			wantType:    NotifySuccess,
			wantTitle:   "Session completed: web/abc",
			wantMessage: "Process exited successfully (ran 2m05s) (1,200 file changes)",
		},
		{
			name: "spawn failure uses error message",
			event: events.New(events.TypeFailed, map[string]any{
				"task_id": "abc", "failure_reason": "spawn_failed", "error_message": "no such file",
			}),
			wantType:    NotifyError,
			wantTitle:   "Session failed: web/abc",
			wantMessage: "no such file",
		},
		{
			name:        "aborted",
			event:       events.New(events.TypeAborted, map[string]any{"task_id": "abc", "aborted_by": "user", "duration_seconds": 4.0}),
			wantType:    NotifyWarning,
			wantTitle:   "Session aborted: web/abc",
			wantMessage: "Aborted by user (ran 4s)",
		},
		{
			name:      "timeout",
			event:     events.New(events.TypeTimeout, map[string]any{"task_id": "abc"}),
			wantType:  NotifyWarning,
			wantTitle: "Session timed out: web/abc",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := FromEvent(tt.event, "web")
			if !ok {
				t.Fatal("FromEvent() ok = false")
			}
			if n.Type != tt.wantType {
				t.Errorf("Type = %v, want %v", n.Type, tt.wantType)
			}
			if n.Title != tt.wantTitle {
				t.Errorf("Title = %q, want %q", n.Title, tt.wantTitle)
			}
			if tt.wantMessage != "" && n.Message != tt.wantMessage {
				t.Errorf("Message = %q, want %q", n.Message, tt.wantMessage)
			}
		})
	}

	if _, ok := FromEvent(events.New(events.TypeProgress, map[string]any{"task_id": "abc"}), ""); ok {
		t.Error("progress event produced a notification")
	}
}

func TestSubscriber(t *testing.T) {
	var called []string
	mock := &mockNotifier{name: "desk", calls: &called}
	handle := Subscriber(mock, nil)

	handle(events.New(events.TypeStarted, map[string]any{"task_id": "t1", "project_name": "api"}))
	handle(events.New(events.TypeProgress, map[string]any{"task_id": "t1"}))
	if len(called) != 0 {
		t.Fatalf("notified %d times before the session ended", len(called))
	}

	if err := handle(events.New(events.TypeCompleted, map[string]any{"task_id": "t1"})); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if len(called) != 1 {
		t.Fatalf("calls = %d, want 1", len(called))
	}
	if mock.last.Project != "api" || mock.last.Title != "Session completed: api/t1" {
		t.Errorf("notification = %+v", mock.last)
	}

	mock.err = errors.New("offline")
	if err := handle(events.New(events.TypeFailed, map[string]any{"task_id": "t2"})); err == nil {
		t.Error("handler error = nil, want notifier error")
	}
}

func TestDesktopNotifier_Commands(t *testing.T) {
	n := Notification{Title: "Session failed: web/abc", Message: `exit "2"`, Type: NotifyError, Project: "web"}

	name, args := desktopCommand("linux", n)
	if name != "notify-send" {
		t.Fatalf("linux command = %s, want notify-send", name)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "--urgency=critical") || !strings.Contains(joined, "--icon=dialog-error") {
		t.Errorf("notify-send args = %v", args)
	}

	name, args = desktopCommand("darwin", n)
	if name != "osascript" || !strings.Contains(args[1], `exit \"2\"`) || !strings.Contains(args[1], `subtitle "web"`) {
		t.Errorf("darwin command = %s %v", name, args)
	}

	if name, _ := desktopCommand("plan9", n); name != "" {
		t.Errorf("plan9 command = %q, want none", name)
	}
}

func TestDesktopNotifier_Send(t *testing.T) {
	var ran []string
	d := NewDesktopNotifier(true)
	d.goos = "linux"
	d.run = func(name string, args ...string) error {
		ran = append(ran, name)
		return nil
	}
	if err := d.Send(Notification{Title: "t"}); err != nil {
		t.Fatal(err)
	}
	if len(ran) != 1 || ran[0] != "notify-send" {
		t.Errorf("ran = %v, want notify-send", ran)
	}

	d.enabled = false
	d.Send(Notification{Title: "t"})
	if len(ran) != 1 {
		t.Errorf("disabled notifier ran %v", ran)
	}
}

func TestAppleScriptQuote(t *testing.T) {
	if got := appleScriptQuote(`say "hi" \o/`); got != `say \"hi\" \\o/` {
		t.Errorf("appleScriptQuote() = %s", got)
	}
}

type mockNotifier struct {
	name  string
	calls *[]string
	err   error
	last  Notification
}

func (m *mockNotifier) Send(n Notification) error {
	*m.calls = append(*m.calls, m.name)
	m.last = n
	return m.err
}
