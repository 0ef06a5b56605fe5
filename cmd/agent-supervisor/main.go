package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	rootCmd    = &cobra.Command{
		Use:   "agent-supervisor",
		Short: "Agent Supervisor - run and watch coding agents",
		Long: `Agent Supervisor turns a request into a task specification, launches a
coding agent on it in a terminal, answers the agent's questions, and decides
when the session has completed, failed, timed out or been aborted.`,
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override general.log_level (debug|info|warn|error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
