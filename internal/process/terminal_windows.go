//go:build windows

package process

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/windows"

	"github.com/hochfrequenz/agent-supervisor/internal/logging"
)

// consoleTerminal runs a process with piped stdio, optionally in a new console window.
type consoleTerminal struct {
	*exitState
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	output *io.PipeReader
	logger *slog.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// StartTerminal starts opts.Argv with piped stdio. Windows has no PTY here,
// so Resize is accepted and ignored.
func StartTerminal(opts TerminalOptions) (Terminal, error) {
	if len(opts.Argv) == 0 {
		return nil, fmt.Errorf("%w: empty command", ErrSpawnFailed)
	}
	cmd := exec.Command(opts.Argv[0], opts.Argv[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	if opts.NewConsole {
		cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_CONSOLE}
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailed, err)
	}

	t := &consoleTerminal{
		exitState: newExitState(),
		cmd:       cmd,
		stdin:     stdin,
		output:    pr,
		logger:    logging.OrDiscard(opts.Logger),
	}
	go func() {
		err := cmd.Wait()
		pw.Close()
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
	}()
	return t, nil
}

func (t *consoleTerminal) PID() int { return t.cmd.Process.Pid }

func (t *consoleTerminal) Read(p []byte) (int, error) { return t.output.Read(p) }

func (t *consoleTerminal) Write(p []byte) (int, error) {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.stdin.Write(p)
}

// Resize is a no-op until native console resizing is supported.
func (t *consoleTerminal) Resize(rows, cols uint16) error { return nil }

func (t *consoleTerminal) Terminate(grace time.Duration) error {
	if !t.IsAlive() {
		return nil
	}
	// taskkill without /F lets console apps close; /T covers the whole tree.
	pid := strconv.Itoa(t.cmd.Process.Pid)
	if err := exec.Command("taskkill", "/T", "/PID", pid).Run(); err != nil {
		t.logger.Debug("graceful taskkill", "pid", pid, "error", err)
	}
	if _, err := t.Wait(grace); err == nil {
		return nil
	}
	if err := exec.Command("taskkill", "/T", "/F", "/PID", pid).Run(); err != nil {
		if kerr := t.cmd.Process.Kill(); kerr != nil && !errors.Is(kerr, os.ErrProcessDone) {
			return fmt.Errorf("killing process %s: %w", pid, kerr)
		}
	}
	if _, err := t.Wait(grace); err != nil {
		return fmt.Errorf("process %s still alive after kill: %w", pid, err)
	}
	return nil
}

func (t *consoleTerminal) Close() error {
	var err error
	t.closeOnce.Do(func() {
		t.stdin.Close()
		err = t.output.Close()
	})
	return err
}

func isClosedPTY(err error) bool {
	return errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}

func platformEnv() []string { return nil }

// DefaultShell is the interactive shell started by the terminal bridge.
func DefaultShell() []string {
	return []string{"powershell.exe", "-NoLogo", "-NoProfile"}
}
