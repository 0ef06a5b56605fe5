// Package process launches agent processes and exposes them through a small
// platform-neutral capability interface.
package process

import (
	"errors"
	"io"
	"log/slog"
	"time"
)

var (
	// ErrSpawnFailed wraps the OS error of a process that could not be started.
	ErrSpawnFailed = errors.New("spawn failed")
	// ErrWaitTimeout is returned by Wait when the process outlives the timeout.
	ErrWaitTimeout = errors.New("wait timed out")
)

// Handle is the capability set the supervisor needs from a running process.
type Handle interface {
	PID() int
	IsAlive() bool
	// Poll reports the exit code once the process has exited.
	Poll() (code int, exited bool)
	// Wait blocks until exit or timeout. A negative timeout waits forever.
	Wait(timeout time.Duration) (int, error)
	Write(p []byte) (int, error)
	// Terminate asks the process to stop and kills it after grace.
	Terminate(grace time.Duration) error
}

// Terminal is a Handle whose output can be read and whose window can be resized.
type Terminal interface {
	Handle
	io.Reader
	Resize(rows, cols uint16) error
	// Close releases the terminal's file descriptors. It does not stop the process.
	Close() error
}

// TerminalOptions describes a process to start inside a terminal.
type TerminalOptions struct {
	Argv []string
	Env  []string
	Dir  string
	Rows uint16
	Cols uint16
	// NewConsole opens a visible console window where the platform has one.
	NewConsole bool
	// Logger receives diagnostics from the terminal; nil discards them.
	Logger *slog.Logger
}

// Default terminal size for new processes.
const (
	DefaultRows uint16 = 24
	DefaultCols uint16 = 120
)

// exitState is the shared bookkeeping of both platform handles.
type exitState struct {
	done chan struct{}
	code int
}

func newExitState() *exitState {
	return &exitState{done: make(chan struct{})}
}

// finish records the exit code. Must be called exactly once.
func (s *exitState) finish(code int) {
	s.code = code
	close(s.done)
}

func (s *exitState) IsAlive() bool {
	select {
	case <-s.done:
		return false
	default:
		return true
	}
}

func (s *exitState) Poll() (int, bool) {
	select {
	case <-s.done:
		return s.code, true
	default:
		return 0, false
	}
}

func (s *exitState) Wait(timeout time.Duration) (int, error) {
	if timeout < 0 {
		<-s.done
		return s.code, nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-s.done:
		return s.code, nil
	case <-timer.C:
		return 0, ErrWaitTimeout
	}
}
