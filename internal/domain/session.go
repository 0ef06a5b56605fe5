package domain

import "time"

// SessionState is the lifecycle state of a supervised session
type SessionState string

const (
	StateRunning   SessionState = "running"
	StateCompleted SessionState = "completed"
	StateFailed    SessionState = "failed"
	StateTimeout   SessionState = "timeout"
	StateAborted   SessionState = "aborted"
)

// IsTerminal reports whether the state can no longer change
func (s SessionState) IsTerminal() bool {
	return s != StateRunning && s != ""
}

// Valid reports whether s is one of the known states
func (s SessionState) Valid() bool {
	switch s {
	case StateRunning, StateCompleted, StateFailed, StateTimeout, StateAborted:
		return true
	}
	return false
}

// SessionRecord is the persisted view of a session, as stored in history
// and served by the API.
type SessionRecord struct {
	TaskID           string       `json:"task_id"`
	ProjectName      string       `json:"project_name,omitempty"`
	Command          []string     `json:"command"`
	SpecPath         string       `json:"spec_path"`
	LogPath          string       `json:"log_path,omitempty"`
	PID              int          `json:"pid"`
	State            SessionState `json:"state"`
	CompletionReason string       `json:"completion_reason,omitempty"`
	ExitCode         *int         `json:"exit_code,omitempty"`
	ChangesObserved  int          `json:"changes_observed"`
	StartedAt        time.Time    `json:"started_at"`
	FinishedAt       *time.Time   `json:"finished_at,omitempty"`
}

// Duration returns the elapsed run time, up to now for running sessions
func (r *SessionRecord) Duration() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}
