package tui

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/web/api"
)

type staticLive struct{ recs []*domain.SessionRecord }

func (s staticLive) Active() []*domain.SessionRecord { return s.recs }
func (s staticLive) Lookup(id string) (*domain.SessionRecord, bool) {
	for _, r := range s.recs {
		if r.TaskID == id {
			return r, true
		}
	}
	return nil, false
}

type staticTasks struct{}

func (staticTasks) ProcessMessage(ctx context.Context, message, project string) (string, error) {
	return "", nil
}
func (staticTasks) Abort(taskID, by string) bool { return taskID == "run1" }

func TestClient_AgainstAPI(t *testing.T) {
	live := staticLive{recs: []*domain.SessionRecord{{
		TaskID: "run1", ProjectName: "web", State: domain.StateRunning, PID: 99,
		StartedAt: time.Now().Add(-time.Minute),
	}}}
	server := api.NewServer(nil, live, staticTasks{}, "127.0.0.1:0", nil)

	ctx := context.Background()
	mux := httptest.NewServer(server.Handler())
	defer mux.Close()
	client := NewClient(mux.URL + "/")

	sessions, err := client.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions() error = %v", err)
	}
	if len(sessions) != 1 || sessions[0].PID != 99 || sessions[0].Project != "web" {
		t.Fatalf("sessions = %+v", sessions)
	}
	if sessions[0].Duration < 59*time.Second {
		t.Errorf("Duration = %v, want about 1m", sessions[0].Duration)
	}

	if err := client.Abort(ctx, "run1"); err != nil {
		t.Errorf("Abort(run1) error = %v", err)
	}
	if err := client.Abort(ctx, "gone"); err == nil {
		t.Error("Abort(gone) error = nil, want 404")
	}
}

func TestClient_Stream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(": connected\n\n"))
		w.Write([]byte("event: completed\ndata: {\"type\":\"completed\",\"data\":{\"task_id\":\"t1\",\"completion_reason\":\"Completion marker file found\"}}\n\n"))
	}))
	defer ts.Close()

	out := make(chan FeedEvent, 4)
	if err := NewClient(ts.URL).Stream(context.Background(), out); err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	var got []FeedEvent
	for e := range out {
		got = append(got, e)
	}
	if len(got) != 1 || got[0].TaskID != "t1" || got[0].Summary != "Completion marker file found" {
		t.Errorf("events = %+v", got)
	}
}
