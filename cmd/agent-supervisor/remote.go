package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/hochfrequenz/agent-supervisor/tui"
)

var serverURL string

func init() {
	abortCmd := &cobra.Command{
		Use:   "abort TASK_ID",
		Short: "Abort a session of a running serve",
		Args:  cobra.ExactArgs(1),
		RunE:  runAbort,
	}
	watchCmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of a running serve",
		RunE:  runWatch,
	}
	for _, c := range []*cobra.Command{abortCmd, watchCmd} {
		c.Flags().StringVar(&serverURL, "server", "", "API base URL (default http://web.host:web.port)")
		rootCmd.AddCommand(c)
	}
}

func apiClient() (*tui.Client, error) {
	if serverURL != "" {
		return tui.NewClient(serverURL), nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return tui.NewClient("http://" + cfg.Web.Addr()), nil
}

func runAbort(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	if err := client.Abort(ctx, args[0]); err != nil {
		return err
	}
	fmt.Printf("Aborted %s\n", args[0])
	return nil
}

func runWatch(cmd *cobra.Command, args []string) error {
	client, err := apiClient()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	feed := make(chan tui.FeedEvent, 64)
	streamErr := make(chan error, 1)
	go func() { streamErr <- client.Stream(ctx, feed) }()

	// Without a terminal, print the event stream instead of the dashboard.
	if !term.IsTerminal(int(os.Stdout.Fd())) {
		for e := range feed {
			fmt.Printf("%s  %-15s %-12s %s\n", e.Time.Format("15:04:05"), e.Type, e.TaskID, e.Summary)
		}
		return <-streamErr
	}

	model := tui.NewModel(tui.ModelConfig{Source: client, Feed: feed})
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err = p.Run()
	return err
}
