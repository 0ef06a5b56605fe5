package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	General       GeneralConfig       `toml:"general"`
	Agent         AgentConfig         `toml:"agent"`
	Bridge        BridgeConfig        `toml:"bridge"`
	LLM           LLMConfig           `toml:"llm"`
	Notifications NotificationsConfig `toml:"notifications"`
	Web           WebConfig           `toml:"web"`
	History       HistoryConfig       `toml:"history"`
}

// GeneralConfig holds general settings
type GeneralConfig struct {
	WorkspaceRoot string `toml:"workspace_root"`
	DatabasePath  string `toml:"database_path"`
	LogLevel      string `toml:"log_level"`
}

// AgentConfig controls how the external coding agent is launched and supervised
type AgentConfig struct {
	CommandTemplate   string   `toml:"command_template"`
	InstructionFile   string   `toml:"instruction_file"`
	TerminalEmulators []string `toml:"terminal_emulators"`
	Timeout           Duration `toml:"timeout"`
	Stabilization     Duration `toml:"stabilization"`
	PollInterval      Duration `toml:"poll_interval"`
	SummaryWait       Duration `toml:"summary_wait"`
	ExitWait          Duration `toml:"exit_wait"`
	AnswerQuestions   bool     `toml:"answer_questions"`
}

// BridgeConfig holds terminal bridge settings
type BridgeConfig struct {
	Enabled bool     `toml:"enabled"`
	Host    string   `toml:"host"`
	Port    int      `toml:"port"`
	Shell   []string `toml:"shell"`
}

// Addr returns the listen address of the bridge
func (b BridgeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// LLMConfig selects the language model used for condensing requests and answering questions
type LLMConfig struct {
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	BaseURL   string `toml:"base_url"`
	APIKeyEnv string `toml:"api_key_env"`
}

// APIKey resolves the key from the configured environment variable
func (l LLMConfig) APIKey() string {
	if l.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(l.APIKeyEnv)
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	Desktop      bool   `toml:"desktop"`
	SlackWebhook string `toml:"slack_webhook"`
}

// WebConfig holds HTTP API settings
type WebConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

// Addr returns the listen address of the HTTP API
func (w WebConfig) Addr() string {
	return fmt.Sprintf("%s:%d", w.Host, w.Port)
}

// HistoryConfig controls retention of finished sessions in the database
type HistoryConfig struct {
	Retention     Duration `toml:"retention"`
	PruneSchedule string   `toml:"prune_schedule"`
}

// Duration is a time.Duration that reads and writes as a string like "10m"
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		General: GeneralConfig{
			WorkspaceRoot: filepath.Join(home, ".agent-supervisor", "workspace"),
			DatabasePath:  filepath.Join(home, ".agent-supervisor", "sessions.db"),
			LogLevel:      "info",
		},
		Agent: AgentConfig{
			CommandTemplate: defaultCommandTemplate(),
			InstructionFile: "CLAUDE.md",
			TerminalEmulators: []string{
				"gnome-terminal", "konsole", "xfce4-terminal", "alacritty", "kitty", "xterm",
			},
			Timeout:         Duration{10 * time.Minute},
			Stabilization:   Duration{10 * time.Second},
			PollInterval:    Duration{2 * time.Second},
			SummaryWait:     Duration{5 * time.Second},
			ExitWait:        Duration{5 * time.Second},
			AnswerQuestions: true,
		},
		Bridge: BridgeConfig{
			Enabled: true,
			Host:    "127.0.0.1",
			Port:    8765,
		},
		LLM: LLMConfig{
			Provider:  "openai",
			Model:     "gpt-4o-mini",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Web: WebConfig{
			Port: 8080,
			Host: "127.0.0.1",
		},
		History: HistoryConfig{
			Retention:     Duration{30 * 24 * time.Hour},
			PruneSchedule: "0 3 * * *",
		},
	}
}

func defaultCommandTemplate() string {
	if runtime.GOOS == "windows" {
		return `claude --dangerously-skip-permissions (Get-Content -Raw {spec_path})`
	}
	return `claude --dangerously-skip-permissions "$(cat {spec_path})"`
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.General.WorkspaceRoot = ExpandPath(cfg.General.WorkspaceRoot)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings the supervisor cannot run with
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Agent.CommandTemplate) == "" {
		errs = append(errs, errors.New("agent.command_template must not be empty"))
	}
	if c.Agent.Timeout.Duration <= 0 {
		errs = append(errs, errors.New("agent.timeout must be positive"))
	}
	if c.Agent.PollInterval.Duration <= 0 {
		errs = append(errs, errors.New("agent.poll_interval must be positive"))
	}
	if c.Agent.Stabilization.Duration <= 0 {
		errs = append(errs, errors.New("agent.stabilization must be positive"))
	}
	if c.Bridge.Port < 0 || c.Bridge.Port > 65535 {
		errs = append(errs, fmt.Errorf("bridge.port %d out of range", c.Bridge.Port))
	}
	return errors.Join(errs...)
}

// Save writes the configuration as TOML, creating parent directories
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "agent-supervisor", "config.toml")
}
