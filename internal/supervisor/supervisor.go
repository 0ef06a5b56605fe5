// Package supervisor turns a request into a running, monitored agent session
// and reports how it ended.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/agent-supervisor/internal/answerer"
	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/llm"
	"github.com/hochfrequenz/agent-supervisor/internal/logging"
	"github.com/hochfrequenz/agent-supervisor/internal/monitor"
	"github.com/hochfrequenz/agent-supervisor/internal/process"
	"github.com/hochfrequenz/agent-supervisor/internal/prompts"
	"github.com/hochfrequenz/agent-supervisor/internal/registry"
	"github.com/hochfrequenz/agent-supervisor/internal/specstore"
)

// Failure reasons reported by the supervisor itself.
const (
	ReasonSpawnFailed   = "spawn_failed"
	ReasonMonitorError  = "monitor_error"
	ReasonSummaryFailed = "summary-status-failed"
)

var (
	// ErrEmptyMessage is returned for a blank request.
	ErrEmptyMessage = errors.New("message must not be empty")
	// ErrEmptyProject is returned for a blank project name.
	ErrEmptyProject = errors.New("project name must not be empty")
	// ErrClosed is returned once the supervisor has shut down.
	ErrClosed = errors.New("supervisor closed")
)

// CommandBuilder builds the agent command line for a specification.
type CommandBuilder interface {
	Build(spec *domain.TaskSpecification, override []string) ([]string, error)
}

// Spawner starts agent processes.
type Spawner interface {
	Spawn(spec *domain.TaskSpecification, argv []string, env map[string]string, cwd string) (*process.Session, error)
}

// TerminalBinder captures the shared terminal's output for one task at a time.
type TerminalBinder interface {
	StartSession(taskID, logPath string) error
	EndSession()
}

// outputSource yields newly written session output.
type outputSource interface {
	ReadNew() (string, error)
}

// Options configures a Supervisor.
type Options struct {
	Specs    *specstore.Store
	Composer CommandBuilder
	Launcher Spawner
	LLM      llm.Client
	Prompts  *prompts.Loader
	// Answerer replies to agent questions; nil disables answering.
	Answerer *answerer.Answerer
	// Terminal is bound to each new session when set.
	Terminal   TerminalBinder
	Dispatcher events.Dispatcher
	Registry   registry.Options

	CommandOverride []string
	Env             map[string]string

	PollInterval    time.Duration
	SummaryWait     time.Duration
	ExitWait        time.Duration
	CondenseTimeout time.Duration
	Logger          *slog.Logger
}

// Supervisor is the orchestration entry point.
type Supervisor struct {
	opts     Options
	specs    *specstore.Store
	registry *registry.Registry
	logger   *slog.Logger
	dispatch events.Dispatcher

	newTaskID func() string
	newSource func(path string) outputSource

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	bound  string
}

// New creates a Supervisor and the session registry it owns.
func New(opts Options) *Supervisor {
	if opts.LLM == nil {
		opts.LLM = llm.Disabled{}
	}
	if opts.Prompts == nil {
		opts.Prompts = prompts.NewLoader()
	}
	if opts.Dispatcher == nil {
		opts.Dispatcher = events.Discard
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.SummaryWait < 0 {
		opts.SummaryWait = 0
	}
	if opts.ExitWait < 0 {
		opts.ExitWait = 0
	}
	if opts.CondenseTimeout <= 0 {
		opts.CondenseTimeout = 2 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		opts:      opts,
		specs:     opts.Specs,
		logger:    logging.OrDiscard(opts.Logger),
		dispatch:  opts.Dispatcher,
		newTaskID: newTaskID,
		newSource: func(path string) outputSource { return monitor.NewTailer(path) },
		ctx:       ctx,
		cancel:    cancel,
	}

	ropts := opts.Registry
	ropts.Dispatcher = opts.Dispatcher
	ropts.Finalizer = registry.FinalizerFunc(s.finalize)
	if ropts.Logger == nil {
		ropts.Logger = opts.Logger
	}
	s.registry = registry.New(ropts)
	return s
}

// Registry returns the session registry
func (s *Supervisor) Registry() *registry.Registry { return s.registry }

// newTaskID returns twelve hex characters of a random UUID.
func newTaskID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// ProcessMessage condenses message into a task, starts an agent for it in
// project and returns the task id. Monitoring continues in the background
// until the session reaches a terminal state.
func (s *Supervisor) ProcessMessage(ctx context.Context, message, project string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}
	project = strings.TrimSpace(project)
	if project == "" {
		return "", ErrEmptyProject
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return "", ErrClosed
	}

	taskID := s.newTaskID()
	logger := s.logger.With("task_id", taskID, "project", project)

	if _, err := s.specs.EnsureProjectDirectory(project); err != nil {
		return "", err
	}

	plan := s.condense(ctx, taskID, message)
	spec := buildSpecification(taskID, project, message, plan)
	logger.Info("task planned", "generated_by", plan.GeneratedBy, "files", len(spec.FilesToWatch))
	logger.Debug("detailed plan", "plan", plan.DetailedPlan)

	if _, err := s.specs.Persist(spec); err != nil {
		return "", fmt.Errorf("persisting specification: %w", err)
	}
	if _, err := s.specs.WriteInstructions(spec); err != nil {
		return "", err
	}
	layout, err := s.specs.Layout(spec)
	if err != nil {
		return "", err
	}

	argv, err := s.opts.Composer.Build(spec, s.opts.CommandOverride)
	if err != nil {
		return "", fmt.Errorf("building command: %w", err)
	}

	sess, err := s.opts.Launcher.Spawn(spec, argv, s.opts.Env, layout.ProjectDir)
	if err != nil {
		s.emit(events.New(events.TypeFailed, map[string]any{
			"task_id":        taskID,
			"failure_reason": ReasonSpawnFailed,
			"error_message":  err.Error(),
		}))
		return "", err
	}

	if err := s.registry.Register(sess, project, layout); err != nil {
		if terr := sess.Handle.Terminate(time.Second); terr != nil {
			logger.Warn("stopping unregistered session", "error", terr)
		}
		sess.Release()
		return "", err
	}
	s.bindTerminal(taskID, layout.LogPath)

	s.wg.Add(1)
	go s.monitorLoop(taskID, sess, layout)
	return taskID, nil
}

// Abort stops an active session. It returns false when taskID is not active.
func (s *Supervisor) Abort(taskID, by string) bool {
	return s.registry.Abort(taskID, by)
}

// Close aborts every active session, waits for the monitor loops and stops
// the registry. It is safe to call more than once.
func (s *Supervisor) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if n := s.registry.CleanupAll("shutdown"); n > 0 {
		s.logger.Info("aborted active sessions on shutdown", "count", n)
	}
	s.cancel()
	s.wg.Wait()
	s.registry.Close()
}

func (s *Supervisor) bindTerminal(taskID, logPath string) {
	if s.opts.Terminal == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.opts.Terminal.StartSession(taskID, logPath); err != nil {
		s.logger.Warn("binding terminal", "task_id", taskID, "error", err)
		return
	}
	s.bound = taskID
}

func (s *Supervisor) unbindTerminal(taskID string) {
	if s.opts.Terminal == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bound != taskID {
		return
	}
	s.opts.Terminal.EndSession()
	s.bound = ""
}

// monitorLoop polls the session until the registry reports it finished.
func (s *Supervisor) monitorLoop(taskID string, sess *process.Session, layout specstore.Layout) {
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("monitor panicked", "task_id", taskID, "panic", r)
			s.registry.Fail(taskID, ReasonMonitorError, fmt.Errorf("panic: %v", r))
		}
	}()

	src := s.newSource(layout.LogPath)
	mon := monitor.New(layout)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.step(taskID, sess, src, mon); err != nil {
			s.logger.Error("monitor failed", "task_id", taskID, "error", err)
			s.registry.Fail(taskID, ReasonMonitorError, err)
			return
		}
		if !s.registry.IsActive(taskID) {
			return
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// step runs one poll: read new output, answer questions, analyze, check.
func (s *Supervisor) step(taskID string, sess *process.Session, src outputSource, mon *monitor.Monitor) error {
	text, err := src.ReadNew()
	if err != nil {
		return fmt.Errorf("reading output: %w", err)
	}
	if text != "" && s.opts.Answerer != nil && sess.Handle.IsAlive() {
		s.opts.Answerer.Handle(s.ctx, taskID, text, sess.Handle)
	}
	res := mon.Analyze(text, sess.Handle.IsAlive())
	if res.Complete {
		s.logger.Debug("output signals completion", "task_id", taskID, "reason", res.Reason)
	}
	s.registry.ReportOutput(taskID, res)
	s.registry.Check(taskID)
	return nil
}

func (s *Supervisor) emit(e events.Event) {
	if err := s.dispatch.Dispatch(e); err != nil {
		s.logger.Warn("dispatching event", "event", e.String(), "error", err)
	}
}
