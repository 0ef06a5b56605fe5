package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/logging"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
)

// History is the persisted session history
type History interface {
	ListSessions(opts sessionstore.ListOptions) ([]*domain.SessionRecord, error)
	GetSession(taskID string) (*domain.SessionRecord, error)
	ListEvents(taskID string) ([]events.Event, error)
}

// Live exposes the sessions of the running supervisor
type Live interface {
	Active() []*domain.SessionRecord
	Lookup(taskID string) (*domain.SessionRecord, bool)
}

// Tasks starts and aborts sessions
type Tasks interface {
	ProcessMessage(ctx context.Context, message, project string) (string, error)
	Abort(taskID, by string) bool
}

// Server is the HTTP API server
type Server struct {
	history History
	live    Live
	tasks   Tasks
	addr    string
	mux     *http.ServeMux
	sseHub  *SSEHub
	logger  *slog.Logger
}

// NewServer creates a new API server. history and tasks may be nil, in
// which case the routes that need them answer 503.
func NewServer(history History, live Live, tasks Tasks, addr string, logger *slog.Logger) *Server {
	s := &Server{
		history: history,
		live:    live,
		tasks:   tasks,
		addr:    addr,
		mux:     http.NewServeMux(),
		sseHub:  NewSSEHub(),
		logger:  logging.OrDiscard(logger),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/status", s.statusHandler())
	s.mux.HandleFunc("/api/sessions", s.listSessionsHandler())
	s.mux.HandleFunc("/api/sessions/", s.sessionRoutes())
	s.mux.HandleFunc("/api/tasks", s.createTaskHandler())
	s.mux.HandleFunc("/api/events", s.sseHandler())
}

// Handler returns the HTTP handler of the API
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Run serves the API until ctx is cancelled
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves the API on ln until ctx is cancelled
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go s.sseHub.Run()
	srv := &http.Server{Handler: s.mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.logger.Info("API listening", "addr", ln.Addr().String())

	select {
	case err := <-errc:
		s.sseHub.Stop()
		return err
	case <-ctx.Done():
	}

	// SSE streams end when the hub stops, so stop it before waiting on them
	s.sseHub.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Broadcast sends an event to all SSE clients
func (s *Server) Broadcast(event SSEEvent) {
	s.sseHub.Broadcast(event)
}

// Publish forwards a lifecycle event to SSE clients. It has the signature of
// an events.Bus subscriber.
func (s *Server) Publish(e events.Event) error {
	s.Broadcast(SSEEvent{Type: string(e.Type), Data: e.Payload})
	return nil
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSONStatus(w, code, map[string]string{"error": message})
}
