package supervisor

import (
	"errors"
	"os"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/registry"
)

const summaryPollInterval = 250 * time.Millisecond

// finalize runs once per session, right before its terminal event: it settles
// the exit code, attaches the agent's summary and CLI stats, and releases the
// process handle.
func (s *Supervisor) finalize(o *registry.Outcome) {
	logger := s.logger.With("task_id", o.TaskID)

	if o.Session != nil && o.ExitCode == nil && o.State != domain.StateTimeout && o.State != domain.StateAborted {
		if code, err := o.Session.Handle.Wait(s.opts.ExitWait); err == nil {
			o.ExitCode = &code
		}
	}

	wait := time.Duration(0)
	if o.State == domain.StateCompleted {
		wait = s.opts.SummaryWait
	}
	summary, err := LoadSummary(o.Layout.SummaryPath, wait)
	if err != nil {
		logger.Warn("could not load task summary", "path", o.Layout.SummaryPath, "error", err)
	}
	if summary.ExecutionTimeSeconds == nil {
		secs := o.Duration.Seconds()
		summary.ExecutionTimeSeconds = &secs
	}
	o.Payload["summary_data"] = summary
	o.Payload["files_created"] = summary.FilesCreated
	o.Payload["files_modified"] = summary.FilesModified
	o.Payload["files_deleted"] = summary.FilesDeleted
	o.Payload["file_changes"] = summary.FileChanges()

	if o.Layout.LogPath != "" {
		if stats, ok := ParseCLIStatsFile(o.Layout.LogPath); ok {
			o.Payload["cli_stats"] = stats
			if stats.FilesCreatedCount != nil {
				o.Payload["files_created_count"] = *stats.FilesCreatedCount
			}
		}
	}

	if o.State == domain.StateCompleted && summary.Status == domain.SummaryFailed {
		o.State = domain.StateFailed
		o.Reason = "Agent reported failure in its summary"
		o.Payload["failure_reason"] = ReasonSummaryFailed
	}

	if o.Session != nil {
		if err := o.Session.Release(); err != nil {
			logger.Debug("releasing session", "error", err)
		}
	}
	if s.opts.Answerer != nil {
		s.opts.Answerer.Forget(o.TaskID)
	}
	s.unbindTerminal(o.TaskID)
}

// LoadSummary reads the agent's summary file, polling up to wait for it to
// appear. A missing or invalid file yields an "unknown" summary together with
// the reason.
func LoadSummary(path string, wait time.Duration) (*domain.TaskSummary, error) {
	if path == "" {
		return domain.UnknownSummary(), errors.New("no summary path")
	}
	deadline := time.Now().Add(wait)
	for {
		data, err := os.ReadFile(path)
		if err == nil {
			summary, perr := domain.ParseSummary(data)
			if perr != nil {
				return domain.UnknownSummary(), perr
			}
			return summary, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return domain.UnknownSummary(), err
		}
		if !time.Now().Before(deadline) {
			return domain.UnknownSummary(), err
		}
		time.Sleep(summaryPollInterval)
	}
}
