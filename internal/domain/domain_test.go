package domain

import (
	"testing"
	"time"
)

func TestSessionState_IsTerminal(t *testing.T) {
	tests := []struct {
		state SessionState
		want  bool
	}{
		{StateRunning, false},
		{StateCompleted, true},
		{StateFailed, true},
		{StateTimeout, true},
		{StateAborted, true},
	}
	for _, tt := range tests {
		if got := tt.state.IsTerminal(); got != tt.want {
			t.Errorf("%s.IsTerminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
	if SessionState("paused").Valid() {
		t.Error("paused should not be a valid state")
	}
}

func TestParseSummary(t *testing.T) {
	data := []byte(`{"status":"partial","files_created":["a.go","b.go"],"files_modified":["c.go"],"execution_time_seconds":12.5}`)
	s, err := ParseSummary(data)
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != SummaryPartial {
		t.Errorf("Status = %q, want partial", s.Status)
	}
	if s.FileChanges() != 3 {
		t.Errorf("FileChanges() = %d, want 3", s.FileChanges())
	}
	if s.ExecutionTimeSeconds == nil || *s.ExecutionTimeSeconds != 12.5 {
		t.Errorf("ExecutionTimeSeconds = %v, want 12.5", s.ExecutionTimeSeconds)
	}
}

func TestParseSummary_UnknownStatus(t *testing.T) {
	s, err := ParseSummary([]byte(`{"status":"great"}`))
	if err != nil {
		t.Fatal(err)
	}
	if s.Status != SummaryUnknown {
		t.Errorf("Status = %q, want unknown", s.Status)
	}
	if _, err := ParseSummary([]byte("not json")); err == nil {
		t.Error("expected error for malformed summary")
	}
}

func TestSessionRecord_Duration(t *testing.T) {
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	end := start.Add(90 * time.Second)
	r := SessionRecord{StartedAt: start, FinishedAt: &end}
	if r.Duration() != 90*time.Second {
		t.Errorf("Duration() = %v, want 1m30s", r.Duration())
	}
}
