package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
	"github.com/hochfrequenz/agent-supervisor/internal/supervisor"
)

type mockLive struct {
	active []*domain.SessionRecord
}

func (m *mockLive) Active() []*domain.SessionRecord { return m.active }

func (m *mockLive) Lookup(taskID string) (*domain.SessionRecord, bool) {
	for _, rec := range m.active {
		if rec.TaskID == taskID {
			return rec, true
		}
	}
	return nil, false
}

type mockTasks struct {
	mu       sync.Mutex
	messages []string
	aborted  []string
	err      error
	active   map[string]bool
}

func (m *mockTasks) ProcessMessage(ctx context.Context, message, project string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", m.err
	}
	m.messages = append(m.messages, project+":"+message)
	return "newtask12345", nil
}

func (m *mockTasks) Abort(taskID, by string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.active[taskID] {
		return false
	}
	m.aborted = append(m.aborted, taskID+" by "+by)
	return true
}

func newTestStore(t *testing.T) *sessionstore.Store {
	t.Helper()
	store, err := sessionstore.New(":memory:")
	if err != nil {
		t.Fatalf("sessionstore.New() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func record(id, project string, state domain.SessionState, started time.Time) *domain.SessionRecord {
	rec := &domain.SessionRecord{
		TaskID:      id,
		ProjectName: project,
		Command:     []string{"agent", "run"},
		SpecPath:    "/ws/" + project + "/" + id + ".md",
		State:       state,
		StartedAt:   started,
	}
	if state.IsTerminal() {
		end := started.Add(time.Minute)
		rec.FinishedAt = &end
	}
	return rec
}

func fixture(t *testing.T) (*Server, *sessionstore.Store, *mockLive, *mockTasks) {
	t.Helper()
	store := newTestStore(t)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	for _, rec := range []*domain.SessionRecord{
		record("done1", "web", domain.StateCompleted, base),
		record("fail1", "api", domain.StateFailed, base.Add(time.Hour)),
		// still marked running in the database; the live registry knows better
		record("run1", "web", domain.StateRunning, base.Add(2*time.Hour)),
	} {
		if err := store.UpsertSession(rec); err != nil {
			t.Fatal(err)
		}
	}
	live := &mockLive{active: []*domain.SessionRecord{record("run1", "web", domain.StateRunning, base.Add(2*time.Hour))}}
	live.active[0].PID = 4242
	tasks := &mockTasks{active: map[string]bool{"run1": true}}
	return NewServer(store, live, tasks, ":0", nil), store, live, tasks
}

func do(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestListSessionsHandler(t *testing.T) {
	s, _, _, _ := fixture(t)

	w := do(t, s, "GET", "/api/sessions", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var sessions []SessionResponse
	json.NewDecoder(w.Body).Decode(&sessions)

	if len(sessions) != 3 {
		t.Fatalf("Session count = %d, want 3", len(sessions))
	}
	if sessions[0].TaskID != "run1" || sessions[0].PID != 4242 {
		t.Errorf("first session = %s pid %d, want live run1 pid 4242", sessions[0].TaskID, sessions[0].PID)
	}
	if sessions[2].TaskID != "done1" || sessions[2].DurationSeconds != 60 {
		t.Errorf("last session = %s (%v s), want done1 (60 s)", sessions[2].TaskID, sessions[2].DurationSeconds)
	}
}

func TestListSessionsHandler_Filters(t *testing.T) {
	s, _, _, _ := fixture(t)

	tests := []struct {
		query string
		want  []string
	}{
		{"?project=web", []string{"run1", "done1"}},
		{"?state=failed", []string{"fail1"}},
		{"?state=running", []string{"run1"}},
		{"?limit=1", []string{"run1"}},
	}
	for _, tt := range tests {
		w := do(t, s, "GET", "/api/sessions"+tt.query, "")
		var sessions []SessionResponse
		json.NewDecoder(w.Body).Decode(&sessions)
		var got []string
		for _, rec := range sessions {
			got = append(got, rec.TaskID)
		}
		if fmt.Sprint(got) != fmt.Sprint(tt.want) {
			t.Errorf("GET %s = %v, want %v", tt.query, got, tt.want)
		}
	}

	if w := do(t, s, "GET", "/api/sessions?state=bogus", ""); w.Code != http.StatusBadRequest {
		t.Errorf("unknown state Status = %d, want 400", w.Code)
	}
	if w := do(t, s, "GET", "/api/sessions?limit=-2", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit Status = %d, want 400", w.Code)
	}
}

func TestStatusHandler(t *testing.T) {
	s, _, _, _ := fixture(t)

	w := do(t, s, "GET", "/api/status", "")
	var status StatusResponse
	json.NewDecoder(w.Body).Decode(&status)

	want := StatusResponse{Active: 1, Completed: 1, Failed: 1, Total: 3}
	if status != want {
		t.Errorf("status = %+v, want %+v", status, want)
	}
}

func TestGetSessionHandler(t *testing.T) {
	s, _, _, _ := fixture(t)

	w := do(t, s, "GET", "/api/sessions/fail1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200", w.Code)
	}
	var rec SessionResponse
	json.NewDecoder(w.Body).Decode(&rec)
	if rec.State != domain.StateFailed || rec.ProjectName != "api" {
		t.Errorf("session = %+v", rec.SessionRecord)
	}

	if w := do(t, s, "GET", "/api/sessions/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing session Status = %d, want 404", w.Code)
	}
	if w := do(t, s, "DELETE", "/api/sessions/fail1", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE Status = %d, want 405", w.Code)
	}
}

func TestAbortSessionHandler(t *testing.T) {
	s, _, _, tasks := fixture(t)

	w := do(t, s, "POST", "/api/sessions/run1/abort", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d, want 200: %s", w.Code, w.Body)
	}
	if len(tasks.aborted) != 1 || tasks.aborted[0] != "run1 by api" {
		t.Errorf("aborted = %v", tasks.aborted)
	}

	if w := do(t, s, "POST", "/api/sessions/done1/abort", ""); w.Code != http.StatusConflict {
		t.Errorf("finished session Status = %d, want 409", w.Code)
	}
	if w := do(t, s, "POST", "/api/sessions/nope/abort", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown session Status = %d, want 404", w.Code)
	}
	if w := do(t, s, "GET", "/api/sessions/run1/abort", ""); w.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET abort Status = %d, want 405", w.Code)
	}
}

func TestSessionEventsHandler(t *testing.T) {
	s, store, _, _ := fixture(t)
	store.AppendEvent(events.New(events.TypeStarted, map[string]any{"task_id": "done1", "process_id": 12}))
	store.AppendEvent(events.New(events.TypeCompleted, map[string]any{"task_id": "done1", "completion_reason": "Process exited successfully"}))

	w := do(t, s, "GET", "/api/sessions/done1/events", "")
	var evts []EventResponse
	json.NewDecoder(w.Body).Decode(&evts)
	if len(evts) != 2 || evts[0].Type != "started" || evts[1].Type != "completed" {
		t.Fatalf("events = %+v", evts)
	}
	if evts[1].Payload["completion_reason"] != "Process exited successfully" {
		t.Errorf("payload = %v", evts[1].Payload)
	}
}

func TestSessionLogHandler(t *testing.T) {
	s, store, _, _ := fixture(t)
	logPath := filepath.Join(t.TempDir(), "done1.log")
	os.WriteFile(logPath, []byte("one\r\ntwo\nthree\n"), 0644)
	rec, _ := store.GetSession("done1")
	rec.LogPath = logPath
	store.UpsertSession(rec)

	w := do(t, s, "GET", "/api/sessions/done1/log?lines=2", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Status = %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Lines []string `json:"lines"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if fmt.Sprint(resp.Lines) != "[two three]" {
		t.Errorf("lines = %q, want [two three]", resp.Lines)
	}

	if w := do(t, s, "GET", "/api/sessions/fail1/log", ""); w.Code != http.StatusNotFound {
		t.Errorf("no log Status = %d, want 404", w.Code)
	}
}

func TestCreateTaskHandler(t *testing.T) {
	s, _, _, tasks := fixture(t)

	w := do(t, s, "POST", "/api/tasks", `{"message":"add a login page","project":"web"}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("Status = %d, want 202: %s", w.Code, w.Body)
	}
	var resp map[string]string
	json.NewDecoder(w.Body).Decode(&resp)
	if resp["task_id"] != "newtask12345" {
		t.Errorf("task_id = %q", resp["task_id"])
	}
	if len(tasks.messages) != 1 || tasks.messages[0] != "web:add a login page" {
		t.Errorf("messages = %v", tasks.messages)
	}

	if w := do(t, s, "POST", "/api/tasks", `{not json`); w.Code != http.StatusBadRequest {
		t.Errorf("bad body Status = %d, want 400", w.Code)
	}

	tasks.err = fmt.Errorf("wrapped: %w", supervisor.ErrEmptyMessage)
	if w := do(t, s, "POST", "/api/tasks", `{"project":"web"}`); w.Code != http.StatusBadRequest {
		t.Errorf("empty message Status = %d, want 400", w.Code)
	}
	tasks.err = supervisor.ErrClosed
	if w := do(t, s, "POST", "/api/tasks", `{"message":"x","project":"web"}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("closed Status = %d, want 503", w.Code)
	}
}

func TestNilBackends(t *testing.T) {
	s := NewServer(nil, nil, nil, ":0", nil)
	if w := do(t, s, "POST", "/api/tasks", `{}`); w.Code != http.StatusServiceUnavailable {
		t.Errorf("tasks Status = %d, want 503", w.Code)
	}
	if w := do(t, s, "GET", "/api/sessions", ""); w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != "[]" {
		t.Errorf("sessions = %d %s, want 200 []", w.Code, w.Body)
	}
}

func TestSSE_StreamsPublishedEvents(t *testing.T) {
	s := NewServer(nil, nil, nil, ":0", nil)
	go s.sseHub.Run()
	defer s.sseHub.Stop()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/events?types=completed")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(3 * time.Second)
	for s.sseHub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	s.Publish(events.New(events.TypeProgress, map[string]any{"task_id": "t1"}))
	s.Publish(events.New(events.TypeCompleted, map[string]any{"task_id": "t1", "changes_made": 3}))

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "data:") {
			lines = append(lines, line)
		}
		if len(lines) == 2 {
			break
		}
	}
	if len(lines) != 2 || lines[0] != "event: completed" {
		t.Fatalf("stream = %v, want the completed event only", lines)
	}
	var ev SSEEvent
	if err := json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev); err != nil {
		t.Fatal(err)
	}
	if data := ev.Data.(map[string]any); data["task_id"] != "t1" {
		t.Errorf("data = %v", ev.Data)
	}
}

func TestServe_StopsOnCancel(t *testing.T) {
	s := NewServer(nil, nil, nil, "127.0.0.1:0", nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(6 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	// broadcasting after stop must not block
	s.Broadcast(SSEEvent{Type: "late"})
}

// readEvents collects n "event:" lines from an SSE stream
func readEvents(t *testing.T, body io.Reader, n int) []string {
	t.Helper()
	sc := bufio.NewScanner(body)
	var got []string
	for len(got) < n && sc.Scan() {
		if name, ok := strings.CutPrefix(sc.Text(), "event: "); ok {
			got = append(got, name)
		}
	}
	return got
}

func TestSSE_ResumesFromLastEventID(t *testing.T) {
	s := NewServer(nil, nil, nil, ":0", nil)
	go s.sseHub.Run()
	defer s.sseHub.Stop()

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	first, err := http.Get(ts.URL + "/api/events")
	if err != nil {
		t.Fatal(err)
	}
	defer first.Body.Close()
	deadline := time.Now().Add(3 * time.Second)
	for s.sseHub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	s.Publish(events.New(events.TypeStarted, map[string]any{"task_id": "t1"}))
	s.Publish(events.New(events.TypeStarted, map[string]any{"task_id": "t2"}))
	s.Publish(events.New(events.TypeCompleted, map[string]any{"task_id": "t1"}))
	if got := readEvents(t, first.Body, 3); len(got) != 3 {
		t.Fatalf("first client events = %v", got)
	}

	req, _ := http.NewRequest("GET", ts.URL+"/api/events?task_id=t1", nil)
	req.Header.Set("Last-Event-ID", "1")
	resumed, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resumed.Body.Close()

	got := readEvents(t, resumed.Body, 1)
	if len(got) != 1 || got[0] != "completed" {
		t.Errorf("resumed events = %v, want [completed]", got)
	}
}
