package main

import (
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/agent-supervisor/internal/config"
)

var configForce bool

func init() {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Show or create the configuration file",
	}
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE:  runConfigShow,
	}
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default configuration",
		RunE:  runConfigInit,
	}
	initCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(showCmd, initCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Printf("# %s\n%s", resolvedConfigPath(), data)
	return nil
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := resolvedConfigPath()
	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}
