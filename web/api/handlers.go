package api

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
	"github.com/hochfrequenz/agent-supervisor/internal/supervisor"
)

const (
	defaultListLimit = 100
	defaultLogLines  = 200
	maxLogLines      = 5000
)

// SessionResponse is the API response for a session
type SessionResponse struct {
	*domain.SessionRecord
	Duration        string  `json:"duration"`
	DurationSeconds float64 `json:"duration_seconds"`
}

// StatusResponse is the API response for overall status
type StatusResponse struct {
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Timeout   int `json:"timeout"`
	Aborted   int `json:"aborted"`
	Total     int `json:"total"`
}

// CreateTaskRequest is the body of POST /api/tasks
type CreateTaskRequest struct {
	Message string `json:"message"`
	Project string `json:"project"`
}

// EventResponse is one stored lifecycle event
type EventResponse struct {
	Type    string         `json:"type"`
	Time    string         `json:"time"`
	Payload map[string]any `json:"payload"`
}

func sessionToResponse(rec *domain.SessionRecord) SessionResponse {
	d := rec.Duration().Round(time.Second)
	return SessionResponse{
		SessionRecord:   rec,
		Duration:        d.String(),
		DurationSeconds: d.Seconds(),
	}
}

func (s *Server) statusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		sessions, err := s.allSessions(sessionstore.ListOptions{})
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		var status StatusResponse
		status.Total = len(sessions)
		for _, rec := range sessions {
			switch rec.State {
			case domain.StateRunning:
				status.Active++
			case domain.StateCompleted:
				status.Completed++
			case domain.StateFailed:
				status.Failed++
			case domain.StateTimeout:
				status.Timeout++
			case domain.StateAborted:
				status.Aborted++
			}
		}

		writeJSON(w, status)
	}
}

// allSessions merges live sessions with history. Live records win for ids
// present in both.
func (s *Server) allSessions(opts sessionstore.ListOptions) ([]*domain.SessionRecord, error) {
	seen := make(map[string]bool)
	var out []*domain.SessionRecord

	if s.live != nil && (opts.State == "" || opts.State == domain.StateRunning) {
		for _, rec := range s.live.Active() {
			if opts.Project != "" && rec.ProjectName != opts.Project {
				continue
			}
			seen[rec.TaskID] = true
			out = append(out, rec)
		}
	}

	if s.history != nil {
		stored, err := s.history.ListSessions(opts)
		if err != nil {
			return nil, err
		}
		for _, rec := range stored {
			if seen[rec.TaskID] {
				continue
			}
			if rec.State == domain.StateRunning && s.live != nil {
				if live, ok := s.live.Lookup(rec.TaskID); ok {
					rec = live
					if opts.State != "" && rec.State != opts.State {
						continue
					}
				}
			}
			seen[rec.TaskID] = true
			out = append(out, rec)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (s *Server) listSessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		q := r.URL.Query()
		opts := sessionstore.ListOptions{
			State:   domain.SessionState(q.Get("state")),
			Project: q.Get("project"),
			Limit:   defaultListLimit,
		}
		if opts.State != "" && !opts.State.Valid() {
			writeError(w, http.StatusBadRequest, "unknown state "+string(opts.State))
			return
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "limit must be a positive integer")
				return
			}
			opts.Limit = n
		}

		sessions, err := s.allSessions(opts)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := make([]SessionResponse, len(sessions))
		for i, rec := range sessions {
			resp[i] = sessionToResponse(rec)
		}
		writeJSON(w, resp)
	}
}

// sessionRoutes dispatches /api/sessions/{id}[/abort|/events|/log]
func (s *Server) sessionRoutes() http.HandlerFunc {
	get := s.getSessionHandler()
	abort := s.abortSessionHandler()
	evts := s.sessionEventsHandler()
	logs := s.sessionLogHandler()

	return func(w http.ResponseWriter, r *http.Request) {
		path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/sessions/"), "/")
		if path == "" {
			writeError(w, http.StatusBadRequest, "session ID required")
			return
		}

		taskID, action, _ := strings.Cut(path, "/")
		switch action {
		case "":
			get(w, r, taskID)
		case "abort":
			abort(w, r, taskID)
		case "events":
			evts(w, r, taskID)
		case "log":
			logs(w, r, taskID)
		default:
			writeError(w, http.StatusNotFound, "unknown session action "+action)
		}
	}
}

type sessionHandler func(w http.ResponseWriter, r *http.Request, taskID string)

// lookup finds a session in the live registry, then in history
func (s *Server) lookup(taskID string) (*domain.SessionRecord, error) {
	if s.live != nil {
		if rec, ok := s.live.Lookup(taskID); ok {
			return rec, nil
		}
	}
	if s.history == nil {
		return nil, sessionstore.ErrNotFound
	}
	return s.history.GetSession(taskID)
}

func (s *Server) getSessionHandler() sessionHandler {
	return func(w http.ResponseWriter, r *http.Request, taskID string) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		rec, err := s.lookup(taskID)
		if errors.Is(err, sessionstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, sessionToResponse(rec))
	}
}

func (s *Server) abortSessionHandler() sessionHandler {
	return func(w http.ResponseWriter, r *http.Request, taskID string) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.tasks == nil {
			writeError(w, http.StatusServiceUnavailable, "supervisor not available")
			return
		}

		by := r.URL.Query().Get("by")
		if by == "" {
			by = "api"
		}
		if !s.tasks.Abort(taskID, by) {
			if rec, err := s.lookup(taskID); err == nil && rec.State.IsTerminal() {
				writeError(w, http.StatusConflict, "session already "+string(rec.State))
				return
			}
			writeError(w, http.StatusNotFound, "session not active")
			return
		}

		s.logger.Info("session aborted via API", "task_id", taskID, "by", by)
		writeJSON(w, map[string]string{"status": "aborted", "task_id": taskID})
	}
}

func (s *Server) sessionEventsHandler() sessionHandler {
	return func(w http.ResponseWriter, r *http.Request, taskID string) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.history == nil {
			writeError(w, http.StatusServiceUnavailable, "history not available")
			return
		}

		evts, err := s.history.ListEvents(taskID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]EventResponse, len(evts))
		for i, e := range evts {
			resp[i] = EventResponse{Type: string(e.Type), Time: e.Time.UTC().Format(time.RFC3339), Payload: e.Payload}
		}
		writeJSON(w, resp)
	}
}

// sessionLogHandler returns the last ?lines= lines of the session's output log
func (s *Server) sessionLogHandler() sessionHandler {
	return func(w http.ResponseWriter, r *http.Request, taskID string) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}

		n := defaultLogLines
		if v := r.URL.Query().Get("lines"); v != "" {
			parsed, err := strconv.Atoi(v)
			if err != nil || parsed <= 0 {
				writeError(w, http.StatusBadRequest, "lines must be a positive integer")
				return
			}
			n = min(parsed, maxLogLines)
		}

		rec, err := s.lookup(taskID)
		if errors.Is(err, sessionstore.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if rec.LogPath == "" {
			writeError(w, http.StatusNotFound, "session has no log")
			return
		}

		lines, err := tailLines(rec.LogPath, n)
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "log not written yet")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]interface{}{
			"task_id": taskID,
			"lines":   lines,
		})
	}
}

func tailLines(path string, n int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	ring := make([]string, 0, n)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = append(ring[:0], ring[1:]...)
		}
		ring = append(ring, strings.TrimRight(sc.Text(), "\r"))
	}
	return ring, sc.Err()
}

func (s *Server) createTaskHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		if s.tasks == nil {
			writeError(w, http.StatusServiceUnavailable, "supervisor not available")
			return
		}

		var req CreateTaskRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}

		taskID, err := s.tasks.ProcessMessage(r.Context(), req.Message, req.Project)
		switch {
		case errors.Is(err, supervisor.ErrEmptyMessage), errors.Is(err, supervisor.ErrEmptyProject):
			writeError(w, http.StatusBadRequest, err.Error())
			return
		case errors.Is(err, supervisor.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		case err != nil:
			s.logger.Error("starting session", "project", req.Project, "error", err)
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		writeJSONStatus(w, http.StatusAccepted, map[string]string{"task_id": taskID, "status": "started"})
	}
}
