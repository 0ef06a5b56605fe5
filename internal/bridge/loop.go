package bridge

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/process"
)

const shellGrace = 2 * time.Second

// loop is the only goroutine that touches the shell, the client connection
// (for writes) and the capture file.
type loop struct {
	b *Bridge
	r *run

	term    process.Terminal
	output  chan []byte
	exited  chan struct{}
	client  *client
	capture *capture
	decoder decoder
	size    size
}

type capture struct {
	taskID string
	file   *os.File
}

func newLoop(b *Bridge, r *run) *loop {
	return &loop{b: b, r: r, size: size{rows: process.DefaultRows, cols: process.DefaultCols}}
}

func (l *loop) run() {
	defer close(l.r.done)
	defer l.shutdown()

	for {
		select {
		case <-l.r.stop:
			return

		case c := <-l.r.connect:
			l.attach(c)

		case c := <-l.r.disconnect:
			if l.client == c {
				l.client = nil
				l.b.logger.Info("terminal client disconnected")
			}

		case data := <-l.r.input:
			if err := l.ensureShell(); err != nil {
				l.b.logger.Error("starting shell", "error", err)
				continue
			}
			if _, err := l.term.Write(data); err != nil {
				l.b.logger.Warn("writing to shell", "error", err)
			}

		case sz := <-l.r.resize:
			l.size = sz
			if l.term != nil {
				if err := l.term.Resize(sz.rows, sz.cols); err != nil {
					l.b.logger.Debug("resizing shell", "rows", sz.rows, "cols", sz.cols, "error", err)
				}
			}

		case req := <-l.r.bind:
			req.reply <- l.bindCapture(req.taskID, req.logPath)

		case ack := <-l.r.unbind:
			l.closeCapture()
			close(ack)

		case data := <-l.output:
			l.relay(data)

		case <-l.exited:
			l.drainOutput()
			l.b.logger.Info("shell exited")
			l.term.Close()
			l.term, l.output, l.exited = nil, nil, nil
		}
	}
}

// attach makes c the only client, closing the previous one.
func (l *loop) attach(c *client) {
	if l.client != nil {
		l.b.logger.Info("replacing terminal client")
		l.client.closeWith(ClosePreempted, ClosePreemptedReason)
	}
	l.client = c
	if err := l.ensureShell(); err != nil {
		l.b.logger.Error("starting shell", "error", err)
		c.writeText(fmt.Sprintf("failed to start shell: %v\r\n", err))
		c.closeWith(websocket.CloseInternalServerErr, "shell unavailable")
		l.client = nil
		return
	}
	l.b.logger.Info("terminal client connected")
}

// ensureShell starts the shared shell unless it is already running.
func (l *loop) ensureShell() error {
	if l.term != nil {
		return nil
	}
	term, err := l.b.opts.StartShell(process.TerminalOptions{
		Argv: l.b.opts.Shell,
		Env:  process.ShellEnv(os.Environ()),
		Dir:  l.b.opts.Dir,
		Rows: l.size.rows,
		Cols: l.size.cols,
	})
	if err != nil {
		return err
	}
	l.term = term
	l.output = make(chan []byte, 64)
	l.exited = make(chan struct{})
	go readShell(term, l.output, l.exited, l.r.done)
	l.b.logger.Info("shell started", "pid", term.PID(), "shell", l.b.opts.Shell)
	return nil
}

// readShell forwards shell output until the terminal returns an error.
func readShell(term process.Terminal, out chan<- []byte, exited chan<- struct{}, done <-chan struct{}) {
	defer close(exited)
	buf := make([]byte, 16*1024)
	for {
		n, err := term.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			select {
			case out <- chunk:
			case <-done:
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func (l *loop) drainOutput() {
	for {
		select {
		case data := <-l.output:
			l.relay(data)
		default:
			return
		}
	}
}

// relay sends output to the client and the bound capture.
func (l *loop) relay(data []byte) {
	text := l.decoder.decode(data)

	if l.client != nil && text != "" {
		if err := l.client.writeText(text); err != nil {
			l.b.logger.Debug("writing to terminal client", "error", err)
			l.client.closeWith(websocket.CloseGoingAway, "")
			l.client = nil
		}
	}

	if l.capture == nil {
		return
	}
	if _, err := l.capture.file.Write(data); err != nil {
		l.b.logger.Warn("writing capture", "task_id", l.capture.taskID, "error", err)
	}
	if text == "" {
		return
	}
	e := events.New(events.TypeOutputReceived, map[string]any{
		"task_id":     l.capture.taskID,
		"text":        text,
		"stream_type": "stdout",
		"timestamp":   time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err := l.b.opts.Dispatcher.Dispatch(e); err != nil {
		l.b.logger.Debug("dispatching output", "task_id", l.capture.taskID, "error", err)
	}
}

func (l *loop) bindCapture(taskID, logPath string) error {
	l.closeCapture()
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return fmt.Errorf("creating capture directory: %w", err)
	}
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("opening capture: %w", err)
	}
	l.capture = &capture{taskID: taskID, file: f}
	l.b.logger.Info("terminal capture bound", "task_id", taskID, "path", logPath)
	return nil
}

func (l *loop) closeCapture() {
	if l.capture == nil {
		return
	}
	if err := l.capture.file.Sync(); err != nil {
		l.b.logger.Debug("flushing capture", "task_id", l.capture.taskID, "error", err)
	}
	if err := l.capture.file.Close(); err != nil {
		l.b.logger.Warn("closing capture", "task_id", l.capture.taskID, "error", err)
	}
	l.b.logger.Info("terminal capture closed", "task_id", l.capture.taskID)
	l.capture = nil
}

func (l *loop) shutdown() {
	if l.client != nil {
		l.client.closeWith(websocket.CloseGoingAway, "terminal bridge stopped")
		l.client = nil
	}
	if l.term != nil {
		if err := l.term.Terminate(shellGrace); err != nil {
			l.b.logger.Warn("terminating shell", "error", err)
		}
		l.term.Close()
		l.term = nil
	}
	l.closeCapture()
}
