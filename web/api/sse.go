package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	clientBuffer   = 64
	replaySize     = 128
	heartbeatEvery = 20 * time.Second
)

// SSEEvent represents a server-sent event. ID is assigned by the hub.
type SSEEvent struct {
	ID   uint64      `json:"-"`
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (e SSEEvent) taskID() string {
	if m, ok := e.Data.(map[string]any); ok {
		if id, ok := m["task_id"].(string); ok {
			return id
		}
	}
	return ""
}

// sseFilter limits a stream to some event types and one task
type sseFilter struct {
	types  map[string]bool
	taskID string
}

func (f sseFilter) match(e SSEEvent) bool {
	if f.types != nil && !f.types[e.Type] {
		return false
	}
	return f.taskID == "" || e.taskID() == f.taskID
}

type sseClient struct {
	events chan SSEEvent
	filter sseFilter
	// lastID replays buffered events newer than it on registration
	lastID uint64
}

// SSEHub fans lifecycle events out to SSE clients. It keeps the most recent
// events so a reconnecting client can resume from Last-Event-ID. Slow
// clients that fill their buffer are dropped.
type SSEHub struct {
	clients    map[*sseClient]bool
	broadcast  chan SSEEvent
	register   chan *sseClient
	unregister chan *sseClient
	done       chan struct{}
	stopOnce   sync.Once
	mu         sync.RWMutex

	nextID uint64
	recent []SSEEvent
}

// NewSSEHub creates a new SSE hub
func NewSSEHub() *SSEHub {
	return &SSEHub{
		clients:    make(map[*sseClient]bool),
		broadcast:  make(chan SSEEvent, 256),
		register:   make(chan *sseClient),
		unregister: make(chan *sseClient),
		done:       make(chan struct{}),
	}
}

// Run owns the client set until Stop is called
func (h *SSEHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				close(c.events)
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.replay(c)

		case c := <-h.unregister:
			h.drop(c)

		case event := <-h.broadcast:
			h.nextID++
			event.ID = h.nextID
			h.recent = append(h.recent, event)
			if len(h.recent) > replaySize {
				h.recent = h.recent[len(h.recent)-replaySize:]
			}
			h.mu.RLock()
			var slow []*sseClient
			for c := range h.clients {
				if !c.filter.match(event) {
					continue
				}
				select {
				case c.events <- event:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				h.drop(c)
			}
		}
	}
}

func (h *SSEHub) replay(c *sseClient) {
	if c.lastID == 0 {
		return
	}
	for _, e := range h.recent {
		if e.ID <= c.lastID || !c.filter.match(e) {
			continue
		}
		select {
		case c.events <- e:
		default:
			h.drop(c)
			return
		}
	}
}

func (h *SSEHub) drop(c *sseClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[c] {
		delete(h.clients, c)
		close(c.events)
	}
}

// Stop disconnects all clients and ends Run
func (h *SSEHub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// ClientCount returns the number of connected clients
func (h *SSEHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues an event for all clients. It does nothing once the hub
// has stopped.
func (h *SSEHub) Broadcast(event SSEEvent) {
	select {
	case h.broadcast <- event:
	case <-h.done:
	}
}

func parseFilter(r *http.Request) sseFilter {
	var f sseFilter
	if types := r.URL.Query().Get("types"); types != "" {
		f.types = make(map[string]bool)
		for _, t := range strings.Split(types, ",") {
			f.types[strings.TrimSpace(t)] = true
		}
	}
	f.taskID = r.URL.Query().Get("task_id")
	return f
}

// sseHandler streams lifecycle events. ?types=a,b and ?task_id=x narrow the
// stream; a Last-Event-ID header resumes after that event.
func (s *Server) sseHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming not supported", http.StatusInternalServerError)
			return
		}

		c := &sseClient{events: make(chan SSEEvent, clientBuffer), filter: parseFilter(r)}
		if last := r.Header.Get("Last-Event-ID"); last != "" {
			c.lastID, _ = strconv.ParseUint(last, 10, 64)
		}
		select {
		case s.sseHub.register <- c:
		case <-s.sseHub.done:
			writeError(w, http.StatusServiceUnavailable, "server shutting down")
			return
		}
		defer func() {
			select {
			case s.sseHub.unregister <- c:
			case <-s.sseHub.done:
			}
		}()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("Access-Control-Allow-Origin", "*")
		fmt.Fprint(w, ": connected\n\n")
		flusher.Flush()

		heartbeat := time.NewTicker(heartbeatEvery)
		defer heartbeat.Stop()
		for {
			select {
			case <-r.Context().Done():
				return
			case <-heartbeat.C:
				fmt.Fprint(w, ": ping\n\n")
				flusher.Flush()
			case event, ok := <-c.events:
				if !ok {
					return
				}
				data, err := json.Marshal(event)
				if err != nil {
					s.logger.Warn("encoding SSE event", "type", event.Type, "error", err)
					continue
				}
				fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", event.ID, event.Type, data)
				flusher.Flush()
			}
		}
	}
}
