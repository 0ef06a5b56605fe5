package domain

import (
	"time"
)

// TaskSpecification is the persisted set of instructions handed to an agent.
// It is immutable once written by the specification store.
type TaskSpecification struct {
	TaskID       string
	Request      string
	ProjectName  string
	Instructions string
	FilesToWatch []string
	Metadata     map[string]string
	CreatedAt    time.Time
}

// Meta returns a metadata value or the empty string
func (s *TaskSpecification) Meta(key string) string {
	if s.Metadata == nil {
		return ""
	}
	return s.Metadata[key]
}
