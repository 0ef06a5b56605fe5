package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/shlex"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
)

var (
	runProject string
	runCommand string
	runTimeout time.Duration
	runBridge  bool
	runOutput  bool
	abortWait  = 15 * time.Second
	errNotDone = errors.New("session did not complete")
)

func init() {
	runCmd := &cobra.Command{
		Use:   "run MESSAGE...",
		Short: "Run one agent session in the foreground",
		Long: `Run condenses MESSAGE into a task specification, launches the agent in the
project directory and waits until the session ends. Use "-" to read the
message from stdin. Ctrl-C aborts the session.`,
		Args: cobra.MinimumNArgs(1),
		RunE: runRun,
	}
	runCmd.Flags().StringVarP(&runProject, "project", "p", "", "project directory name below the workspace root (required)")
	runCmd.Flags().StringVar(&runCommand, "command", "", "agent command line, replacing agent.command_template")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 0, "session timeout, overriding agent.timeout")
	runCmd.Flags().BoolVar(&runBridge, "bridge", false, "also serve the terminal bridge while the session runs")
	runCmd.Flags().BoolVar(&runOutput, "output", false, "echo agent output captured by the terminal bridge")
	runCmd.MarkFlagRequired("project")
	rootCmd.AddCommand(runCmd)
}

func readMessage(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("reading message from stdin: %w", err)
		}
		return string(data), nil
	}
	return strings.Join(args, " "), nil
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg, "run")

	message, err := readMessage(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	var override []string
	if runCommand != "" {
		if override, err = shlex.Split(runCommand); err != nil {
			return fmt.Errorf("parsing --command: %w", err)
		}
	}

	// History is best effort here; a run works without a database.
	var history *sessionstore.EventWriter
	store, err := sessionstore.New(cfg.General.DatabasePath)
	if err != nil {
		logger.Warn("session history unavailable", "path", cfg.General.DatabasePath, "error", err)
		store = nil
	} else {
		defer store.Close()
		history = sessionstore.NewEventWriter(store, 0, logger.With("component", "history"))
		defer history.Close()
	}

	a, err := newApp(cfg, logger, appOptions{History: store, Bridge: runBridge, CommandOverride: override, Timeout: runTimeout})
	if err != nil {
		return err
	}
	if history != nil {
		a.bus.Subscribe("history", historySubscriber(history))
	}
	if a.bridge != nil {
		if err := a.bridge.Start(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Terminal bridge at ws://%s/\n", a.bridge.Addr())
	}
	defer a.close()

	out := cmd.OutOrStdout()
	terminal := make(chan events.Event, 16)
	a.bus.Subscribe("cli", func(e events.Event) error {
		switch {
		case e.Type == events.TypeOutputReceived:
			if runOutput {
				fmt.Fprint(out, e.Payload["text"])
			}
		case e.Type.IsTerminal():
			fmt.Fprintf(out, "%s  %-9s %s\n", time.Now().Format("15:04:05"), e.Type, eventSummary(e))
			select {
			case terminal <- e:
			default:
			}
		default:
			fmt.Fprintf(out, "%s  %-9s %s\n", time.Now().Format("15:04:05"), e.Type, eventSummary(e))
		}
		return nil
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	taskID, err := a.supervisor.ProcessMessage(ctx, message, runProject)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %s started in project %s\n", taskID, runProject)

	final, err := waitForEnd(ctx, terminal, taskID, func() {
		fmt.Fprintf(out, "Aborting session %s...\n", taskID)
		a.supervisor.Abort(taskID, "user")
	})
	if err != nil {
		return err
	}
	if final.Type != events.TypeCompleted {
		return fmt.Errorf("%w: %s %s", errNotDone, final.Type, eventSummary(final))
	}
	return nil
}

// waitForEnd returns the terminal event of taskID. When ctx ends first it
// calls abort and waits a little longer for the aborted event.
func waitForEnd(ctx context.Context, terminal <-chan events.Event, taskID string, abort func()) (events.Event, error) {
	for {
		select {
		case e := <-terminal:
			if e.TaskID() == taskID {
				return e, nil
			}
		case <-ctx.Done():
			abort()
			deadline := time.After(abortWait)
			for {
				select {
				case e := <-terminal:
					if e.TaskID() == taskID {
						return e, nil
					}
				case <-deadline:
					return events.Event{}, fmt.Errorf("session %s did not stop within %s", taskID, abortWait)
				}
			}
		}
	}
}
