package domain

import (
	"encoding/json"
	"fmt"
)

// SummaryStatus is the outcome the agent reports for itself
type SummaryStatus string

const (
	SummaryCompleted SummaryStatus = "completed"
	SummaryFailed    SummaryStatus = "failed"
	SummaryPartial   SummaryStatus = "partial"
	SummaryUnknown   SummaryStatus = "unknown"
)

// TaskSummary is the structured report an agent writes to <task_id>.summary.json.
type TaskSummary struct {
	Status               SummaryStatus `json:"status"`
	FilesCreated         []string      `json:"files_created"`
	FilesModified        []string      `json:"files_modified"`
	FilesDeleted         []string      `json:"files_deleted"`
	Errors               []string      `json:"errors"`
	Warnings             []string      `json:"warnings"`
	Suggestions          []string      `json:"suggestions"`
	ExecutionTimeSeconds *float64      `json:"execution_time_seconds,omitempty"`
}

// UnknownSummary is used when the agent wrote no summary or it was unreadable
func UnknownSummary() *TaskSummary {
	return &TaskSummary{Status: SummaryUnknown}
}

// ParseSummary decodes a summary file. Unrecognized statuses become unknown.
func ParseSummary(data []byte) (*TaskSummary, error) {
	var s TaskSummary
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decoding summary: %w", err)
	}
	switch s.Status {
	case SummaryCompleted, SummaryFailed, SummaryPartial:
	default:
		s.Status = SummaryUnknown
	}
	return &s, nil
}

// FileChanges returns the number of created, modified and deleted files
func (s *TaskSummary) FileChanges() int {
	return len(s.FilesCreated) + len(s.FilesModified) + len(s.FilesDeleted)
}
