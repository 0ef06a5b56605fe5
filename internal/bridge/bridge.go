// Package bridge exposes one interactive shell over a websocket so a remote
// viewer can watch and type into it, and captures its output for the task
// currently bound to it.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/logging"
	"github.com/hochfrequenz/agent-supervisor/internal/process"
)

// ErrNotRunning is returned by operations that need a started bridge.
var ErrNotRunning = errors.New("terminal bridge not running")

// Close frame sent to a client that is replaced by a newer one.
const (
	ClosePreempted       = websocket.CloseServiceRestart
	ClosePreemptedReason = "New terminal client connected"
)

const (
	defaultStopTimeout = 5 * time.Second
	writeWait          = 10 * time.Second
	pongWait           = 60 * time.Second
	pingPeriod         = pongWait * 9 / 10
)

// Options configures a Bridge.
type Options struct {
	// Addr is the listen address, e.g. 127.0.0.1:8765. Port 0 picks a free port.
	Addr string
	// Shell is the argv of the shared shell; empty uses the platform default.
	Shell []string
	Dir   string

	Dispatcher  events.Dispatcher
	Logger      *slog.Logger
	StopTimeout time.Duration

	// StartShell starts the shell. Defaults to process.StartTerminal.
	StartShell func(process.TerminalOptions) (process.Terminal, error)
}

// Bridge owns a single shared terminal. All terminal I/O happens on one
// goroutine; other goroutines talk to it through channels.
type Bridge struct {
	opts     Options
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu  sync.Mutex
	cur *run
}

// run is one Start..Stop cycle.
type run struct {
	listener net.Listener
	server   *http.Server

	connect    chan *client
	disconnect chan *client
	input      chan []byte
	resize     chan size
	bind       chan bindRequest
	unbind     chan chan struct{}
	stop       chan struct{}
	done       chan struct{}
}

type size struct{ rows, cols uint16 }

type bindRequest struct {
	taskID  string
	logPath string
	reply   chan error
}

// New creates a stopped bridge.
func New(opts Options) *Bridge {
	if opts.Dispatcher == nil {
		opts.Dispatcher = events.Discard
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = defaultStopTimeout
	}
	if opts.StartShell == nil {
		opts.StartShell = process.StartTerminal
	}
	if len(opts.Shell) == 0 {
		opts.Shell = process.DefaultShell()
	}
	return &Bridge{
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Start listens on the configured address and starts the terminal loop.
// Calling it while running does nothing.
func (b *Bridge) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur != nil {
		return nil
	}

	ln, err := net.Listen("tcp", b.opts.Addr)
	if err != nil {
		return fmt.Errorf("terminal bridge listen on %s: %w", b.opts.Addr, err)
	}
	r := &run{
		listener:   ln,
		connect:    make(chan *client),
		disconnect: make(chan *client),
		input:      make(chan []byte, 64),
		resize:     make(chan size, 8),
		bind:       make(chan bindRequest),
		unbind:     make(chan chan struct{}),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, req *http.Request) {
		b.handleWebSocket(r, w, req)
	})
	r.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go newLoop(b, r).run()
	go func() {
		if err := r.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			b.logger.Error("terminal bridge server stopped", "error", err)
		}
	}()

	b.cur = r
	b.logger.Info("terminal bridge listening", "addr", ln.Addr().String())
	return nil
}

// Addr returns the listen address, or "" when stopped.
func (b *Bridge) Addr() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return ""
	}
	return b.cur.listener.Addr().String()
}

// Running reports whether the bridge is started
func (b *Bridge) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cur != nil
}

// Stop closes the listener, ends the shell and waits for the terminal loop,
// at most StopTimeout. Calling it while stopped does nothing.
func (b *Bridge) Stop() error {
	b.mu.Lock()
	r := b.cur
	b.cur = nil
	b.mu.Unlock()
	if r == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.StopTimeout)
	defer cancel()
	err := r.server.Shutdown(ctx)
	close(r.stop)

	select {
	case <-r.done:
	case <-ctx.Done():
		b.logger.Warn("terminal loop did not stop in time", "timeout", b.opts.StopTimeout)
	}
	b.logger.Info("terminal bridge stopped")
	if errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (b *Bridge) running() (*run, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return nil, ErrNotRunning
	}
	return b.cur, nil
}

// StartSession captures terminal output for taskID into logPath, appending.
// A previous binding is closed first.
func (b *Bridge) StartSession(taskID, logPath string) error {
	r, err := b.running()
	if err != nil {
		return err
	}
	req := bindRequest{taskID: taskID, logPath: logPath, reply: make(chan error, 1)}
	select {
	case r.bind <- req:
	case <-r.done:
		return ErrNotRunning
	}
	return <-req.reply
}

// EndSession stops capturing and closes the capture file.
func (b *Bridge) EndSession() {
	r, err := b.running()
	if err != nil {
		return
	}
	ack := make(chan struct{})
	select {
	case r.unbind <- ack:
		<-ack
	case <-r.done:
	}
}

// SendInput writes text to the shell, starting it if needed.
func (b *Bridge) SendInput(text string) error {
	r, err := b.running()
	if err != nil {
		return err
	}
	select {
	case r.input <- []byte(text):
		return nil
	case <-r.done:
		return ErrNotRunning
	}
}

// Resize changes the shell's window size.
func (b *Bridge) Resize(rows, cols uint16) error {
	r, err := b.running()
	if err != nil {
		return err
	}
	select {
	case r.resize <- size{rows: rows, cols: cols}:
		return nil
	case <-r.done:
		return ErrNotRunning
	}
}
