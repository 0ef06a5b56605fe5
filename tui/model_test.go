package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
)

type mockSource struct {
	sessions []*SessionView
	err      error
	aborted  []string
}

func (m *mockSource) Sessions(ctx context.Context) ([]*SessionView, error) {
	return m.sessions, m.err
}

func (m *mockSource) Abort(ctx context.Context, taskID string) error {
	m.aborted = append(m.aborted, taskID)
	return m.err
}

func sampleSessions() []*SessionView {
	return []*SessionView{
		{TaskID: "aaa", Project: "web", State: domain.StateRunning, PID: 10, Duration: 90 * time.Second, Changes: 1500},
		{TaskID: "bbb", Project: "api", State: domain.StateRunning, PID: 11},
		{TaskID: "ccc", Project: "web", State: domain.StateFailed, Reason: "Process exited with code 2"},
	}
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

func TestNewModel(t *testing.T) {
	model := NewModel(ModelConfig{})
	if model.refresh != 2*time.Second {
		t.Errorf("refresh = %v, want 2s", model.refresh)
	}
	if model.activeTab != TabActive {
		t.Errorf("activeTab = %d, want %d", model.activeTab, TabActive)
	}
}

func TestModel_SetSessionsSplitsByState(t *testing.T) {
	model := NewModel(ModelConfig{})
	model, _ = update(t, model, SessionsMsg{Sessions: sampleSessions()})

	if len(model.active) != 2 {
		t.Errorf("active count = %d, want 2", len(model.active))
	}
	if len(model.history) != 1 || model.history[0].TaskID != "ccc" {
		t.Errorf("history = %v, want [ccc]", model.history)
	}
	if model.lastRefresh.IsZero() {
		t.Error("lastRefresh not set")
	}

	model, _ = update(t, model, SessionsMsg{Err: errors.New("connection refused")})
	if len(model.active) != 2 {
		t.Error("failed refresh dropped sessions")
	}
	if model.lastErr == nil {
		t.Error("lastErr not set")
	}
}

func TestModel_TabSwitching(t *testing.T) {
	model := NewModel(ModelConfig{})
	model.width = 100
	model.height = 40

	for i, want := range []int{TabHistory, TabEvents, TabActive} {
		model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyTab})
		if model.activeTab != want {
			t.Errorf("after tab %d: activeTab = %d, want %d", i+1, model.activeTab, want)
		}
	}

	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("3")})
	if model.activeTab != TabEvents {
		t.Errorf("activeTab = %d after '3', want %d", model.activeTab, TabEvents)
	}
}

func TestModel_SelectionIsBounded(t *testing.T) {
	model := NewModel(ModelConfig{})
	model, _ = update(t, model, SessionsMsg{Sessions: sampleSessions()})

	for i := 0; i < 5; i++ {
		model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	}
	if model.selectedRow != 1 {
		t.Errorf("selectedRow = %d, want 1", model.selectedRow)
	}

	model, _ = update(t, model, SessionsMsg{Sessions: sampleSessions()[2:]})
	if model.selectedRow != 0 {
		t.Errorf("selectedRow = %d after list shrank, want 0", model.selectedRow)
	}
}

func TestModel_AbortSelected(t *testing.T) {
	src := &mockSource{sessions: sampleSessions()}
	model := NewModel(ModelConfig{Source: src})
	model, _ = update(t, model, SessionsMsg{Sessions: src.sessions})
	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})

	model, cmd := update(t, model, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")})
	if cmd == nil {
		t.Fatal("abort returned no command")
	}
	msg := cmd()
	if len(src.aborted) != 1 || src.aborted[0] != "bbb" {
		t.Errorf("aborted = %v, want [bbb]", src.aborted)
	}

	model, _ = update(t, model, msg)
	if model.statusMsg != "Aborted bbb" {
		t.Errorf("statusMsg = %q", model.statusMsg)
	}

	// abort only applies to the active tab
	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyTab})
	if _, cmd := update(t, model, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("a")}); cmd != nil {
		t.Error("abort on history tab returned a command")
	}
}

func TestModel_FeedEvents(t *testing.T) {
	feed := make(chan FeedEvent, 1)
	model := NewModel(ModelConfig{Feed: feed, Source: &mockSource{}})

	model, cmd := update(t, model, FeedMsg{Event: FeedEvent{Type: "progress", TaskID: "aaa"}, OK: true})
	if len(model.events) != 1 {
		t.Fatalf("events = %d, want 1", len(model.events))
	}
	if cmd == nil {
		t.Fatal("feed message did not re-arm the listener")
	}

	for i := 0; i < maxFeed+10; i++ {
		model.addEvent(FeedEvent{Type: "output_received"})
	}
	if len(model.events) != maxFeed {
		t.Errorf("events = %d, want cap %d", len(model.events), maxFeed)
	}

	model, _ = update(t, model, FeedMsg{OK: false})
	if model.feed != nil || model.statusMsg != "Event stream closed" {
		t.Errorf("closed feed not handled: %q", model.statusMsg)
	}
}

func TestModel_View(t *testing.T) {
	model := NewModel(ModelConfig{})
	if got := model.View(); got != "Loading..." {
		t.Errorf("View() before size = %q", got)
	}

	model, _ = update(t, model, tea.WindowSizeMsg{Width: 120, Height: 40})
	model, _ = update(t, model, SessionsMsg{Sessions: sampleSessions()})

	view := model.View()
	for _, want := range []string{"Active: 2", "aaa", "1,500 changes", "1m30s", "[a]bort"} {
		if !strings.Contains(view, want) {
			t.Errorf("active view missing %q", want)
		}
	}

	model, _ = update(t, model, tea.KeyMsg{Type: tea.KeyTab})
	view = model.View()
	if !strings.Contains(view, "Process exited with code 2") {
		t.Error("history view missing failure reason")
	}
}

func TestToFeedEvent(t *testing.T) {
	tests := []struct {
		typ     string
		payload map[string]any
		want    string
	}{
		{"started", map[string]any{"task_id": "t", "project_name": "web", "process_id": 4242.0}, "web (pid 4242)"},
		{"failed", map[string]any{"task_id": "t", "failure_reason": "spawn_failed", "error_message": "not found"}, "not found"},
		{"aborted", map[string]any{"task_id": "t", "aborted_by": "user"}, "by user"},
		{"output_received", map[string]any{"task_id": "t", "text": "hello\r\n  world\n"}, "hello world"},
	}
	for _, tt := range tests {
		e := toFeedEvent(tt.typ, tt.payload)
		if e.Summary != tt.want || e.TaskID != "t" {
			t.Errorf("toFeedEvent(%s) = %q/%q, want %q", tt.typ, e.TaskID, e.Summary, tt.want)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := map[time.Duration]string{
		5 * time.Second:             "5s",
		90 * time.Second:            "1m30s",
		2*time.Hour + 5*time.Minute: "2h05m",
	}
	for d, want := range tests {
		if got := formatDuration(d); got != want {
			t.Errorf("formatDuration(%v) = %q, want %q", d, got, want)
		}
	}
}
