package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/logging"
	"github.com/hochfrequenz/agent-supervisor/internal/specstore"
)

// Environment variables every agent receives.
const (
	EnvTaskID   = "TASK_ID"
	EnvSpecPath = "SPEC_PATH"
)

// Session is a launched agent process. It owns the process handle; other
// components only hold references to it.
type Session struct {
	TaskID    string
	Command   []string
	SpecPath  string
	LogPath   string
	Dir       string
	Handle    Handle
	StartedAt time.Time

	term     Terminal
	logFile  *os.File
	pumpDone chan struct{}
	release  sync.Once
}

// PID returns the OS process id
func (s *Session) PID() int { return s.Handle.PID() }

// OutputDone is closed once all process output has been copied to the log.
func (s *Session) OutputDone() <-chan struct{} { return s.pumpDone }

// Resize changes the terminal size of the agent process.
func (s *Session) Resize(rows, cols uint16) error {
	if s.term == nil {
		return nil
	}
	return s.term.Resize(rows, cols)
}

// Release waits briefly for buffered output, then closes the terminal and the
// log file. It does not terminate a process that is still running.
func (s *Session) Release() error {
	var err error
	s.release.Do(func() {
		if s.pumpDone != nil && !s.Handle.IsAlive() {
			select {
			case <-s.pumpDone:
			case <-time.After(time.Second):
			}
		}
		if s.term != nil {
			err = s.term.Close()
		}
		if s.pumpDone != nil {
			<-s.pumpDone
		}
		if s.logFile != nil {
			if cerr := s.logFile.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

// Launcher starts agent processes.
type Launcher struct {
	resolve func(*domain.TaskSpecification) (specstore.Layout, error)
	start   func(TerminalOptions) (Terminal, error)
	logger  *slog.Logger
	now     func() time.Time
}

// LayoutResolver maps a specification onto its on-disk layout.
type LayoutResolver interface {
	Layout(spec *domain.TaskSpecification) (specstore.Layout, error)
}

// NewLauncher returns a launcher that starts processes on the host platform.
func NewLauncher(layouts LayoutResolver, logger *slog.Logger) *Launcher {
	return &Launcher{
		resolve: layouts.Layout,
		start:   StartTerminal,
		logger:  logging.OrDiscard(logger),
		now:     time.Now,
	}
}

// Spawn starts argv for spec in cwd. The environment is the supervisor's own
// plus env, plus TASK_ID and SPEC_PATH. Terminal output is appended to the
// task's log file. Spawning is never retried.
func (l *Launcher) Spawn(spec *domain.TaskSpecification, argv []string, env map[string]string, cwd string) (*Session, error) {
	if len(argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawnFailed)
	}
	layout, err := l.resolve(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	if cwd == "" {
		cwd = layout.ProjectDir
	}

	if err := os.MkdirAll(filepath.Dir(layout.LogPath), 0755); err != nil {
		return nil, fmt.Errorf("%w: creating log directory: %w", ErrSpawnFailed, err)
	}
	logFile, err := os.OpenFile(layout.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening log: %w", ErrSpawnFailed, err)
	}

	term, err := l.start(TerminalOptions{
		Argv:       argv,
		Env:        BuildEnv(os.Environ(), env, spec.TaskID, layout.SpecPath),
		Dir:        cwd,
		Rows:       DefaultRows,
		Cols:       DefaultCols,
		NewConsole: true,
		Logger:     l.logger.With("task_id", spec.TaskID),
	})
	if err != nil {
		logFile.Close()
		if !errors.Is(err, ErrSpawnFailed) {
			err = fmt.Errorf("%w: %w", ErrSpawnFailed, err)
		}
		l.logger.Error("spawn failed", "task_id", spec.TaskID, "command", argv, "error", err)
		return nil, err
	}

	s := &Session{
		TaskID:    spec.TaskID,
		Command:   append([]string(nil), argv...),
		SpecPath:  layout.SpecPath,
		LogPath:   layout.LogPath,
		Dir:       cwd,
		Handle:    term,
		StartedAt: l.now(),
		term:      term,
		logFile:   logFile,
		pumpDone:  make(chan struct{}),
	}
	go l.pump(s)

	l.logger.Info("agent spawned", "task_id", spec.TaskID, "pid", term.PID(), "command", argv, "dir", cwd)
	return s, nil
}

// pump copies terminal output into the session log until the terminal closes.
func (l *Launcher) pump(s *Session) {
	defer close(s.pumpDone)
	buf := make([]byte, 32*1024)
	for {
		n, err := s.term.Read(buf)
		if n > 0 {
			if _, werr := s.logFile.Write(buf[:n]); werr != nil {
				l.logger.Warn("writing session log", "task_id", s.TaskID, "error", werr)
			}
		}
		if err != nil {
			if err != io.EOF && !isClosedPTY(err) {
				l.logger.Warn("reading agent output", "task_id", s.TaskID, "error", err)
			}
			return
		}
	}
}

// BuildEnv merges base with extra and the task variables. Later entries win;
// the result is sorted for stable output.
func BuildEnv(base []string, extra map[string]string, taskID, specPath string) []string {
	merged := make(map[string]string, len(extra)+2)
	for k, v := range extra {
		merged[k] = v
	}
	merged[EnvTaskID] = taskID
	merged[EnvSpecPath] = specPath
	return mergeEnv(base, merged)
}

// ShellEnv returns base plus the terminal settings of the host platform, for
// interactive shells that belong to no task.
func ShellEnv(base []string) []string {
	return mergeEnv(base, nil)
}

func mergeEnv(base []string, extra map[string]string) []string {
	merged := make(map[string]string, len(base)+len(extra)+2)
	for _, kv := range base {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		merged[k] = v
	}
	for _, kv := range platformEnv() {
		k, v, _ := strings.Cut(kv, "=")
		merged[k] = v
	}
	for k, v := range extra {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
