package main

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/config"
	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/llm"
	"github.com/hochfrequenz/agent-supervisor/internal/notify"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
)

func TestReadMessage(t *testing.T) {
	got, err := readMessage([]string{"add", "a", "login", "page"}, strings.NewReader("ignored"))
	if err != nil || got != "add a login page" {
		t.Errorf("readMessage(args) = %q, %v", got, err)
	}

	got, err = readMessage([]string{"-"}, strings.NewReader("from\nstdin\n"))
	if err != nil || got != "from\nstdin\n" {
		t.Errorf("readMessage(-) = %q, %v", got, err)
	}
}

func TestWaitForEnd_IgnoresOtherTasks(t *testing.T) {
	terminal := make(chan events.Event, 2)
	terminal <- events.New(events.TypeCompleted, map[string]any{"task_id": "other"})
	terminal <- events.New(events.TypeFailed, map[string]any{"task_id": "mine"})

	e, err := waitForEnd(context.Background(), terminal, "mine", func() { t.Error("abort called") })
	if err != nil {
		t.Fatal(err)
	}
	if e.Type != events.TypeFailed {
		t.Errorf("Type = %s, want failed", e.Type)
	}
}

func TestWaitForEnd_AbortsOnCancel(t *testing.T) {
	terminal := make(chan events.Event, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	aborted := false
	e, err := waitForEnd(ctx, terminal, "mine", func() {
		aborted = true
		terminal <- events.New(events.TypeAborted, map[string]any{"task_id": "mine", "aborted_by": "user"})
	})
	if err != nil {
		t.Fatal(err)
	}
	if !aborted || e.Type != events.TypeAborted {
		t.Errorf("aborted = %v, event = %s", aborted, e.Type)
	}
}

func TestWaitForEnd_GivesUpAfterAbortWait(t *testing.T) {
	old := abortWait
	abortWait = 50 * time.Millisecond
	defer func() { abortWait = old }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := waitForEnd(ctx, make(chan events.Event), "mine", func() {}); err == nil {
		t.Error("waitForEnd() error = nil, want timeout")
	}
}

func TestHistorySubscriber_SkipsOutput(t *testing.T) {
	store, err := sessionstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	w := sessionstore.NewEventWriter(store, 0, nil)
	handle := historySubscriber(w)
	handle(events.New(events.TypeOutputReceived, map[string]any{"task_id": "t1", "text": "hi"}))
	handle(events.New(events.TypeStarted, map[string]any{"task_id": "t1"}))
	w.Close()

	evts, err := store.ListEvents("t1")
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 1 || evts[0].Type != events.TypeStarted {
		t.Errorf("stored events = %v, want only started", evts)
	}
}

func TestAcquireLock(t *testing.T) {
	db := filepath.Join(t.TempDir(), "nested", "sessions.db")
	lock, err := acquireLock(db)
	if err != nil {
		t.Fatalf("first acquireLock() error = %v", err)
	}
	if _, err := acquireLock(db); err == nil {
		t.Error("second acquireLock() error = nil, want already in use")
	}
	lock.Unlock()

	again, err := acquireLock(db)
	if err != nil {
		t.Fatalf("acquireLock() after unlock error = %v", err)
	}
	again.Unlock()
}

func TestNotifierFor(t *testing.T) {
	cfg := config.Default()
	if _, ok := notifierFor(cfg).(notify.NoopNotifier); !ok {
		t.Errorf("notifierFor(defaults) = %T, want NoopNotifier", notifierFor(cfg))
	}
	cfg.Notifications.SlackWebhook = "http://127.0.0.1:1/hook"
	if _, ok := notifierFor(cfg).(*notify.MultiNotifier); !ok {
		t.Errorf("notifierFor(slack) = %T, want *MultiNotifier", notifierFor(cfg))
	}
}

func TestNewLLM(t *testing.T) {
	logger := newLogger(config.Default(), "test")

	cfg := config.Default()
	cfg.LLM.Provider = "none"
	if c, err := newLLM(cfg, logger); err != nil || c != (llm.Disabled{}) {
		t.Errorf("provider none = %T, %v", c, err)
	}

	cfg.LLM.Provider = "openai"
	cfg.LLM.APIKeyEnv = "AGENT_SUPERVISOR_TEST_UNSET_KEY"
	if c, _ := newLLM(cfg, logger); c != (llm.Disabled{}) {
		t.Errorf("openai without key = %T, want Disabled", c)
	}

	t.Setenv("AGENT_SUPERVISOR_TEST_KEY", "sk-test")
	cfg.LLM.APIKeyEnv = "AGENT_SUPERVISOR_TEST_KEY"
	if c, _ := newLLM(cfg, logger); c == (llm.Disabled{}) {
		t.Error("openai with key = Disabled")
	}

	cfg.LLM.Provider = "mystery"
	if _, err := newLLM(cfg, logger); err == nil {
		t.Error("unknown provider error = nil")
	}
}

func TestEventSummary(t *testing.T) {
	tests := []struct {
		event events.Event
		want  string
	}{
		{events.New(events.TypeCompleted, map[string]any{"completion_reason": "Completion marker file found"}), "Completion marker file found"},
		{events.New(events.TypeFailed, map[string]any{"failure_reason": "spawn_failed", "error_message": "no such file"}), "spawn_failed: no such file"},
		{events.New(events.TypeAborted, map[string]any{"aborted_by": "user"}), "aborted by user"},
		{events.New(events.TypeTimeout, map[string]any{"timeout_seconds": 600.0}), "timed out after 600s"},
		{events.New(events.TypeProgress, map[string]any{"changes_detected": 2, "total_changes": 5}), "2 new changes (5 total)"},
	}
	for _, tt := range tests {
		if got := eventSummary(tt.event); got != tt.want {
			t.Errorf("eventSummary(%s) = %q, want %q", tt.event.Type, got, tt.want)
		}
	}
}
