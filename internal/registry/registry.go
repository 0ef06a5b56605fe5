// Package registry is the authoritative table of supervised sessions. It is
// the only place a session's state changes and the only emitter of terminal
// lifecycle events.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/logging"
	"github.com/hochfrequenz/agent-supervisor/internal/monitor"
	"github.com/hochfrequenz/agent-supervisor/internal/process"
	"github.com/hochfrequenz/agent-supervisor/internal/specstore"
	"github.com/hochfrequenz/agent-supervisor/internal/workspace"
)

// ErrDuplicateSession is returned when a task id is already active.
var ErrDuplicateSession = errors.New("session already active")

const (
	defaultCompletedLimit = 50
	maxCompleted          = 500
)

// Store persists session records. Writes are queued and never block a check.
type Store interface {
	UpsertSession(rec *domain.SessionRecord) error
}

// Options configures a Registry.
type Options struct {
	// Timeout is the wall-clock ceiling of a session. Zero disables it.
	Timeout time.Duration
	// Stabilization is how long the workspace must stay quiet after activity
	// before the session counts as finished.
	Stabilization time.Duration
	// TerminateGrace bounds how long abort and timeout wait for a process to stop.
	TerminateGrace time.Duration

	Dispatcher events.Dispatcher
	Store      Store
	Workspace  workspace.Factory
	Finalizer  Finalizer
	Logger     *slog.Logger
	Now        func() time.Time
}

// entry is the mutable status record of one session. Its fields are only
// read or written with Registry.mu held.
type entry struct {
	session     *process.Session
	project     string
	layout      specstore.Layout
	monitor     workspace.Monitor
	status      domain.SessionState
	startedAt   time.Time
	lastChange  *time.Time
	sinceCheck  int
	totalChange int
	hint        string
	reason      string
	exitCode    *int
}

// Registry tracks active and recently completed sessions.
type Registry struct {
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	active    map[string]*entry
	finishing map[string]*entry
	completed map[string]*domain.SessionRecord
	order     []string // completed task ids, oldest first

	persistChan chan *domain.SessionRecord
	persistDone chan struct{}
	closeOnce   sync.Once
}

// New creates a registry and starts its persistence writer.
func New(opts Options) *Registry {
	if opts.Dispatcher == nil {
		opts.Dispatcher = events.Discard
	}
	if opts.Workspace == nil {
		opts.Workspace = workspace.NewMonitor
	}
	if opts.Finalizer == nil {
		opts.Finalizer = FinalizerFunc(func(*Outcome) {})
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	r := &Registry{
		opts:        opts,
		logger:      logging.OrDiscard(opts.Logger),
		now:         opts.Now,
		active:      make(map[string]*entry),
		finishing:   make(map[string]*entry),
		completed:   make(map[string]*domain.SessionRecord),
		persistChan: make(chan *domain.SessionRecord, 100),
		persistDone: make(chan struct{}),
	}
	go r.persistWriter()
	return r
}

// persistWriter applies store writes sequentially
func (r *Registry) persistWriter() {
	for rec := range r.persistChan {
		r.persist(rec)
	}
	close(r.persistDone)
}

func (r *Registry) persist(rec *domain.SessionRecord) {
	if r.opts.Store == nil {
		return
	}
	if err := r.opts.Store.UpsertSession(rec); err != nil {
		r.logger.Warn("persisting session", "task_id", rec.TaskID, "state", rec.State, "error", err)
	}
}

// queuePersist queues a write, falling back to a synchronous write when the
// queue is full.
func (r *Registry) queuePersist(rec *domain.SessionRecord) {
	if r.opts.Store == nil {
		return
	}
	select {
	case r.persistChan <- rec:
	default:
		r.persist(rec)
	}
}

// Close stops the persistence writer after flushing queued writes. It does not
// touch running sessions; call CleanupAll first on shutdown.
func (r *Registry) Close() {
	r.closeOnce.Do(func() {
		close(r.persistChan)
		<-r.persistDone
	})
}

// Register adds a freshly spawned session and emits started. The registry
// keeps a reference to the session but never releases it.
func (r *Registry) Register(sess *process.Session, project string, layout specstore.Layout) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.active[sess.TaskID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, sess.TaskID)
	}
	if _, ok := r.finishing[sess.TaskID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, sess.TaskID)
	}

	started := sess.StartedAt
	if started.IsZero() {
		started = r.now()
	}
	e := &entry{
		session:   sess,
		project:   project,
		layout:    layout,
		status:    domain.StateRunning,
		startedAt: started,
	}
	if layout.ProjectDir != "" {
		m, err := r.opts.Workspace(layout.ProjectDir)
		if err != nil {
			r.logger.Warn("workspace monitor unavailable, stabilization disabled", "task_id", sess.TaskID, "error", err)
		} else {
			e.monitor = m
		}
	}
	r.active[sess.TaskID] = e
	// a task id reused after completion starts a fresh history entry
	delete(r.completed, sess.TaskID)
	r.removeOrder(sess.TaskID)

	r.queuePersist(e.record(sess.TaskID, nil))
	r.logger.Info("session registered", "task_id", sess.TaskID, "pid", sess.PID(), "project", project)

	// emitted under the lock so that no progress or terminal event can precede it
	r.emit(events.New(events.TypeStarted, map[string]any{
		"task_id":      sess.TaskID,
		"process_id":   sess.PID(),
		"command":      append([]string(nil), sess.Command...),
		"started_at":   started.UTC().Format(time.RFC3339),
		"spec_path":    sess.SpecPath,
		"project_name": project,
	}))
	return nil
}

// ReportOutput passes an output analysis for taskID to the next check. Only
// the summary-file and completion-phrase signals are kept; the registry
// observes the marker file and process exit itself.
func (r *Registry) ReportOutput(taskID string, res monitor.Result) {
	if !res.Complete {
		return
	}
	var hint string
	switch res.Reason {
	case monitor.ReasonSummaryFile:
		hint = "Summary file found"
	case monitor.ReasonPhrase:
		hint = fmt.Sprintf("Completion phrase detected: %q", res.Phrase)
	default:
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.active[taskID]; ok && e.hint == "" {
		e.hint = hint
	}
}

// CheckAll evaluates every active session and returns the transitions made.
func (r *Registry) CheckAll() []Outcome {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	sort.Strings(ids)

	var out []Outcome
	for _, id := range ids {
		if o, ok := r.Check(id); ok {
			out = append(out, o)
		}
	}
	return out
}

// Check evaluates one active session against the completion signals, in
// order: timeout, process exit, marker file, reported output, workspace
// stabilization. It returns the outcome when the session reached a terminal
// state during this call.
func (r *Registry) Check(taskID string) (Outcome, bool) {
	r.mu.Lock()
	e, ok := r.active[taskID]
	if !ok {
		r.mu.Unlock()
		return Outcome{}, false
	}
	now := r.now()
	state, reason, payload := r.evaluate(taskID, e, now)
	if state == domain.StateRunning {
		r.mu.Unlock()
		return Outcome{}, false
	}
	r.detach(taskID, e, state, reason)
	r.mu.Unlock()

	if state == domain.StateTimeout {
		r.terminate(taskID, e)
	}
	return r.finish(taskID, e, now, payload), true
}

// evaluate decides the state of e at now. Called with r.mu held.
func (r *Registry) evaluate(taskID string, e *entry, now time.Time) (domain.SessionState, string, map[string]any) {
	elapsed := now.Sub(e.startedAt)

	if r.opts.Timeout > 0 && elapsed > r.opts.Timeout {
		return domain.StateTimeout, fmt.Sprintf("Session exceeded timeout of %s", r.opts.Timeout), map[string]any{
			"timeout_seconds": r.opts.Timeout.Seconds(),
		}
	}

	if code, exited := e.session.Handle.Poll(); exited {
		code = agentExitCode(e.layout.ExitPath, code)
		c := code
		e.exitCode = &c
		if code == 0 {
			return domain.StateCompleted, "Process exited successfully", nil
		}
		return domain.StateFailed, fmt.Sprintf("Process exited with code %d", code), nil
	}

	if e.layout.DonePath != "" {
		if _, err := os.Stat(e.layout.DonePath); err == nil {
			return domain.StateCompleted, "Completion marker file found", nil
		}
	}

	if e.hint != "" {
		return domain.StateCompleted, e.hint, nil
	}

	e.sinceCheck = 0
	if e.monitor != nil {
		changes, err := e.monitor.Changes()
		if err != nil {
			r.logger.Debug("reading workspace changes", "task_id", taskID, "error", err)
		}
		if n := changes.Count(); n > 0 {
			e.sinceCheck = n
			e.totalChange += n
			t := now
			e.lastChange = &t
			r.emit(events.New(events.TypeProgress, map[string]any{
				"task_id":          taskID,
				"changes_detected": n,
				"total_changes":    e.totalChange,
				"files_created":    changes.Created,
				"files_modified":   changes.Modified,
				"status":           string(domain.StateRunning),
			}))
		}
	}

	if e.totalChange > 0 && e.lastChange != nil && r.opts.Stabilization > 0 {
		if quiet := now.Sub(*e.lastChange); quiet >= r.opts.Stabilization {
			return domain.StateCompleted, fmt.Sprintf("Workspace stable for %s after %d changes", r.opts.Stabilization, e.totalChange), nil
		}
	}
	return domain.StateRunning, "", nil
}

// agentExitCode returns the status a terminal wrapper recorded for the agent
// at path, or code when there is none.
func agentExitCode(path string, code int) int {
	if path == "" {
		return code
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return code
	}
	recorded, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return code
	}
	return recorded
}

// detach moves e from active to finishing. Called with r.mu held; after it
// returns no other caller can observe e as active.
func (r *Registry) detach(taskID string, e *entry, state domain.SessionState, reason string) {
	delete(r.active, taskID)
	r.finishing[taskID] = e
	e.status = state
	e.reason = reason
	if e.monitor != nil {
		if err := e.monitor.Close(); err != nil {
			r.logger.Debug("closing workspace monitor", "task_id", taskID, "error", err)
		}
		e.monitor = nil
	}
}

func (r *Registry) terminate(taskID string, e *entry) error {
	if !e.session.Handle.IsAlive() {
		return nil
	}
	err := e.session.Handle.Terminate(r.opts.TerminateGrace)
	if err != nil {
		r.logger.Warn("terminating process", "task_id", taskID, "pid", e.session.PID(), "error", err)
	}
	return err
}

// finish runs the finalizer, freezes the record and emits the single terminal
// event of the session.
func (r *Registry) finish(taskID string, e *entry, now time.Time, extra map[string]any) Outcome {
	r.mu.Lock()
	detached := e.status
	o := Outcome{
		TaskID:   taskID,
		State:    e.status,
		Reason:   e.reason,
		ExitCode: e.exitCode,
		Changes:  e.totalChange,
		Duration: now.Sub(e.startedAt),
		Session:  e.session,
		Layout:   e.layout,
		Payload:  map[string]any{},
	}
	r.mu.Unlock()
	for k, v := range extra {
		o.Payload[k] = v
	}

	// the entry stays visible to Lookup in finishing while the finalizer runs
	r.opts.Finalizer.Finalize(&o)
	if !o.State.IsTerminal() {
		o.State = detached
	}

	finished := now
	r.mu.Lock()
	e.status = o.State
	e.reason = o.Reason
	e.exitCode = o.ExitCode
	rec := e.record(taskID, &finished)
	delete(r.finishing, taskID)
	r.removeOrder(taskID)
	r.completed[taskID] = rec
	r.order = append(r.order, taskID)
	r.trimCompleted()
	r.mu.Unlock()

	r.queuePersist(rec)
	r.logger.Info("session finished", "task_id", taskID, "state", o.State, "reason", o.Reason, "duration", o.Duration.Round(time.Second))

	o.DispatchErr = r.emit(o.event())
	return o
}

// trimCompleted drops the oldest completed records. Called with r.mu held.
func (r *Registry) trimCompleted() {
	for len(r.order) > maxCompleted {
		delete(r.completed, r.order[0])
		r.order = r.order[1:]
	}
}

// removeOrder drops id from the completion order. Called with r.mu held.
func (r *Registry) removeOrder(id string) {
	for i, o := range r.order {
		if o == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

// Abort terminates the process of an active session and marks it aborted.
// It returns false, emitting nothing, when taskID is not active. A process
// that refuses to stop is logged; the session is aborted regardless.
func (r *Registry) Abort(taskID, by string) bool {
	r.mu.Lock()
	e, ok := r.active[taskID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if by == "" {
		by = "user"
	}
	r.detach(taskID, e, domain.StateAborted, "Aborted by "+by)
	r.mu.Unlock()

	r.terminate(taskID, e)
	if code, exited := e.session.Handle.Poll(); exited {
		r.mu.Lock()
		e.exitCode = &code
		r.mu.Unlock()
	}
	r.finish(taskID, e, r.now(), map[string]any{"aborted_by": by})
	return true
}

// Fail marks an active session failed without touching its process. The
// supervisor uses it when it can no longer monitor a session.
func (r *Registry) Fail(taskID, reason string, cause error) bool {
	r.mu.Lock()
	e, ok := r.active[taskID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	r.detach(taskID, e, domain.StateFailed, reason)
	r.mu.Unlock()

	extra := map[string]any{}
	if cause != nil {
		extra["error_message"] = cause.Error()
	}
	r.finish(taskID, e, r.now(), extra)
	return true
}

// CleanupAll aborts every active session and returns how many were aborted.
func (r *Registry) CleanupAll(by string) int {
	r.mu.Lock()
	ids := make([]string, 0, len(r.active))
	for id := range r.active {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.Abort(id, by) {
			n++
		}
	}
	return n
}

// IsActive reports whether taskID is still running
func (r *Registry) IsActive(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[taskID]
	return ok
}

// Session returns the process session of an active task
func (r *Registry) Session(taskID string) (*process.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.active[taskID]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// Lookup returns a snapshot of taskID, active or completed.
func (r *Registry) Lookup(taskID string) (*domain.SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.active[taskID]; ok {
		return e.record(taskID, nil), true
	}
	if e, ok := r.finishing[taskID]; ok {
		return e.record(taskID, nil), true
	}
	if rec, ok := r.completed[taskID]; ok {
		cp := *rec
		return &cp, true
	}
	return nil, false
}

// Active returns snapshots of the running sessions, oldest first.
func (r *Registry) Active() []*domain.SessionRecord {
	r.mu.Lock()
	out := make([]*domain.SessionRecord, 0, len(r.active))
	for id, e := range r.active {
		out = append(out, e.record(id, nil))
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].TaskID < out[j].TaskID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Completed returns up to limit finished sessions, most recent first. A
// non-positive limit returns the default of 50.
func (r *Registry) Completed(limit int) []*domain.SessionRecord {
	if limit <= 0 {
		limit = defaultCompletedLimit
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.SessionRecord
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *r.completed[r.order[i]]
		out = append(out, &cp)
	}
	return out
}

func (r *Registry) emit(e events.Event) error {
	err := r.opts.Dispatcher.Dispatch(e)
	if err != nil {
		r.logger.Warn("dispatching event", "event", e.String(), "error", err)
	}
	return err
}

func (e *entry) record(taskID string, finished *time.Time) *domain.SessionRecord {
	rec := &domain.SessionRecord{
		TaskID:           taskID,
		ProjectName:      e.project,
		Command:          append([]string(nil), e.session.Command...),
		SpecPath:         e.session.SpecPath,
		LogPath:          e.session.LogPath,
		PID:              e.session.PID(),
		State:            e.status,
		CompletionReason: e.reason,
		ChangesObserved:  e.totalChange,
		StartedAt:        e.startedAt,
	}
	if e.exitCode != nil {
		code := *e.exitCode
		rec.ExitCode = &code
	}
	if finished != nil {
		t := *finished
		rec.FinishedAt = &t
	}
	return rec
}
