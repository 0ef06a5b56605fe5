package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
)

var (
	sessionsState   string
	sessionsProject string
	sessionsLimit   int
)

func init() {
	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "List session history",
		RunE:  runSessions,
	}
	sessionsCmd.Flags().StringVar(&sessionsState, "state", "", "filter by state (running, completed, failed, timeout, aborted)")
	sessionsCmd.Flags().StringVar(&sessionsProject, "project", "", "filter by project")
	sessionsCmd.Flags().IntVar(&sessionsLimit, "limit", 20, "maximum number of sessions")

	showCmd := &cobra.Command{
		Use:   "show TASK_ID",
		Short: "Show one session and its events",
		Args:  cobra.ExactArgs(1),
		RunE:  runSessionShow,
	}
	sessionsCmd.AddCommand(showCmd)
	rootCmd.AddCommand(sessionsCmd)
}

func openHistory() (*sessionstore.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return sessionstore.New(cfg.General.DatabasePath)
}

func runSessions(cmd *cobra.Command, args []string) error {
	state := domain.SessionState(sessionsState)
	if state != "" && !state.Valid() {
		return fmt.Errorf("unknown state %q", sessionsState)
	}

	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	sessions, err := store.ListSessions(sessionstore.ListOptions{
		State:   state,
		Project: sessionsProject,
		Limit:   sessionsLimit,
	})
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TASK\tPROJECT\tSTATE\tSTARTED\tDURATION\tCHANGES\tREASON")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.TaskID, orDash(s.ProjectName), s.State,
			humanize.Time(s.StartedAt), s.Duration().Round(time.Second),
			humanize.Comma(int64(s.ChangesObserved)), truncate(orDash(s.CompletionReason), 60))
	}
	return w.Flush()
}

func runSessionShow(cmd *cobra.Command, args []string) error {
	store, err := openHistory()
	if err != nil {
		return err
	}
	defer store.Close()

	s, err := store.GetSession(args[0])
	if err != nil {
		return fmt.Errorf("session %s: %w", args[0], err)
	}

	fmt.Printf("Task:     %s\n", s.TaskID)
	fmt.Printf("Project:  %s\n", orDash(s.ProjectName))
	fmt.Printf("State:    %s\n", s.State)
	if s.CompletionReason != "" {
		fmt.Printf("Reason:   %s\n", s.CompletionReason)
	}
	if s.ExitCode != nil {
		fmt.Printf("Exit:     %d\n", *s.ExitCode)
	}
	fmt.Printf("PID:      %d\n", s.PID)
	fmt.Printf("Command:  %s\n", strings.Join(s.Command, " "))
	fmt.Printf("Spec:     %s\n", s.SpecPath)
	if s.LogPath != "" {
		fmt.Printf("Log:      %s\n", s.LogPath)
	}
	fmt.Printf("Started:  %s (%s)\n", s.StartedAt.Local().Format(time.DateTime), humanize.Time(s.StartedAt))
	fmt.Printf("Duration: %s\n", s.Duration().Round(time.Second))

	evts, err := store.ListEvents(s.TaskID)
	if err != nil {
		return err
	}
	if len(evts) > 0 {
		fmt.Println("\nEvents:")
		for _, e := range evts {
			fmt.Printf("  %s  %-9s %s\n", e.Time.Local().Format("15:04:05"), e.Type, eventSummary(e))
		}
	}
	return nil
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
