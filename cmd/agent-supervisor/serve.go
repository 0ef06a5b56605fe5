package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/agent-supervisor/internal/config"
	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/notify"
	"github.com/hochfrequenz/agent-supervisor/internal/retention"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
	"github.com/hochfrequenz/agent-supervisor/web/api"
)

var (
	servePort   int
	serveNoTerm bool
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the supervisor with its HTTP API and terminal bridge",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "API port (default web.port)")
	serveCmd.Flags().BoolVar(&serveNoTerm, "no-bridge", false, "do not start the terminal bridge")
	rootCmd.AddCommand(serveCmd)
}

// acquireLock makes sure only one supervisor owns the database
func acquireLock(dbPath string) (*flock.Flock, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, err
	}
	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("another supervisor is already using %s", dbPath)
	}
	return lock, nil
}

func notifierFor(cfg *config.Config) notify.Notifier {
	var notifiers []notify.Notifier
	if cfg.Notifications.Desktop {
		notifiers = append(notifiers, notify.NewDesktopNotifier(true))
	}
	if cfg.Notifications.SlackWebhook != "" {
		notifiers = append(notifiers, notify.NewSlackNotifier(cfg.Notifications.SlackWebhook))
	}
	if len(notifiers) == 0 {
		return notify.NoopNotifier{}
	}
	return notify.NewMultiNotifier(notifiers...)
}

// historySubscriber queues lifecycle events for the database. Terminal output
// is left to the session log files.
func historySubscriber(w *sessionstore.EventWriter) func(events.Event) error {
	return func(e events.Event) error {
		if e.Type == events.TypeOutputReceived {
			return nil
		}
		return w.Append(e)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != 0 {
		cfg.Web.Port = servePort
	}
	logger := newLogger(cfg, "serve")

	lock, err := acquireLock(cfg.General.DatabasePath)
	if err != nil {
		return err
	}
	defer lock.Unlock()

	store, err := sessionstore.New(cfg.General.DatabasePath)
	if err != nil {
		return fmt.Errorf("opening history: %w", err)
	}
	defer store.Close()
	history := sessionstore.NewEventWriter(store, 0, logger.With("component", "history"))
	defer history.Close()

	if n, err := store.MarkInterrupted("Supervisor restarted while session was running", time.Now()); err != nil {
		logger.Warn("marking interrupted sessions", "error", err)
	} else if n > 0 {
		logger.Info("marked interrupted sessions as aborted", "count", n)
	}

	pruner, err := retention.New(store, cfg.History.PruneSchedule, cfg.History.Retention.Duration, logger.With("component", "retention"))
	if err != nil {
		return err
	}

	a, err := newApp(cfg, logger, appOptions{History: store, Bridge: !serveNoTerm})
	if err != nil {
		return err
	}
	defer a.close()

	server := api.NewServer(store, a.supervisor.Registry(), a.supervisor, cfg.Web.Addr(), logger.With("component", "api"))
	a.bus.Subscribe("history", historySubscriber(history))
	a.bus.Subscribe("sse", server.Publish)
	a.bus.Subscribe("notify", notify.Subscriber(notifierFor(cfg), logger.With("component", "notify")))

	if a.bridge != nil {
		if err := a.bridge.Start(); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		if _, err := pruner.RunOnce(); err != nil {
			logger.Warn("initial history prune failed", "error", err)
		}
		return pruner.Run(gctx)
	})
	if a.bridge != nil {
		g.Go(func() error {
			<-gctx.Done()
			return a.bridge.Stop()
		})
	}

	fmt.Fprintf(cmd.OutOrStdout(), "API at http://%s\n", cfg.Web.Addr())
	if a.bridge != nil {
		fmt.Fprintf(cmd.OutOrStdout(), "Terminal bridge at ws://%s/\n", a.bridge.Addr())
	}

	err = g.Wait()
	logger.Info("shutting down")
	return err
}
