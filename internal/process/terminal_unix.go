//go:build !windows

package process

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/sys/unix"
)

// ptyTerminal runs a process in its own session on a pseudo-terminal.
type ptyTerminal struct {
	*exitState
	cmd  *exec.Cmd
	ptmx *os.File

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// StartTerminal starts opts.Argv attached to a new PTY. The child leads its
// own process group so Terminate reaches everything it spawned.
func StartTerminal(opts TerminalOptions) (Terminal, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawnFailed)
	}
	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env

	rows, cols := opts.Rows, opts.Cols
	if rows == 0 || cols == 0 {
		rows, cols = DefaultRows, DefaultCols
	}
	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: rows, Cols: cols})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	t := &ptyTerminal{exitState: newExitState(), cmd: cmd, ptmx: ptmx}
	go t.reap()
	return t, nil
}

func (t *ptyTerminal) reap() {
	err := t.cmd.Wait()
	code := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	t.finish(code)
}

func (t *ptyTerminal) PID() int { return t.cmd.Process.Pid }

// Read returns terminal output. Once the child exits and the PTY drains,
// Linux reports EIO; that is translated to io.EOF by the caller via isClosedPTY.
func (t *ptyTerminal) Read(p []byte) (int, error) {
	return t.ptmx.Read(p)
}

func (t *ptyTerminal) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.ptmx.Write(p)
}

func (t *ptyTerminal) Resize(rows, cols uint16) error {
	return pty.Setsize(t.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

func (t *ptyTerminal) Terminate(grace time.Duration) error {
	if !t.IsAlive() {
		return nil
	}
	pgid := t.cmd.Process.Pid
	if err := unix.Kill(-pgid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("signalling process group %d: %w", pgid, err)
	}
	if _, err := t.Wait(grace); err == nil {
		return nil
	}
	if err := unix.Kill(-pgid, unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("killing process group %d: %w", pgid, err)
	}
	if _, err := t.Wait(grace); err != nil {
		return fmt.Errorf("process %d still alive after SIGKILL: %w", pgid, err)
	}
	return nil
}

func (t *ptyTerminal) Close() error {
	var err error
	t.closeOnce.Do(func() { err = t.ptmx.Close() })
	return err
}

// isClosedPTY reports whether err means the PTY has no more output.
func isClosedPTY(err error) bool {
	return errors.Is(err, syscall.EIO) || errors.Is(err, os.ErrClosed)
}

func platformEnv() []string {
	return []string{"TERM=xterm-256color"}
}

// DefaultShell is the interactive shell started by the terminal bridge.
func DefaultShell() []string {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash"
	}
	return []string{shell, "-l"}
}
