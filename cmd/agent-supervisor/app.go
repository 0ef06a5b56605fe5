package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hochfrequenz/agent-supervisor/internal/answerer"
	"github.com/hochfrequenz/agent-supervisor/internal/bridge"
	"github.com/hochfrequenz/agent-supervisor/internal/command"
	"github.com/hochfrequenz/agent-supervisor/internal/config"
	"github.com/hochfrequenz/agent-supervisor/internal/events"
	"github.com/hochfrequenz/agent-supervisor/internal/llm"
	"github.com/hochfrequenz/agent-supervisor/internal/logging"
	"github.com/hochfrequenz/agent-supervisor/internal/process"
	"github.com/hochfrequenz/agent-supervisor/internal/prompts"
	"github.com/hochfrequenz/agent-supervisor/internal/registry"
	"github.com/hochfrequenz/agent-supervisor/internal/sessionstore"
	"github.com/hochfrequenz/agent-supervisor/internal/specstore"
	"github.com/hochfrequenz/agent-supervisor/internal/supervisor"
)

func resolvedConfigPath() string {
	if configPath == "" {
		return config.DefaultConfigPath()
	}
	return configPath
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolvedConfigPath())
}

func newLogger(cfg *config.Config, component string) *slog.Logger {
	level := cfg.General.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	return logging.New(logging.Options{Level: level, Component: component})
}

// newLLM picks the model client from config. Without credentials the
// supervisor still runs; requests are passed through uncondensed.
func newLLM(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.LLM.Provider)) {
	case "", "none":
		return llm.Disabled{}, nil
	case "openai":
		key := cfg.LLM.APIKey()
		if key == "" && cfg.LLM.BaseURL == "" {
			logger.Warn("no API key for language model, condensing and answering disabled", "env", cfg.LLM.APIKeyEnv)
			return llm.Disabled{}, nil
		}
		return llm.NewOpenAI(llm.OpenAIConfig{
			BaseURL: cfg.LLM.BaseURL,
			Model:   cfg.LLM.Model,
			APIKey:  key,
		}, &http.Client{Timeout: 3 * time.Minute}), nil
	default:
		return nil, fmt.Errorf("unknown llm.provider %q", cfg.LLM.Provider)
	}
}

// app holds the components shared by run and serve
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	bus        *events.Bus
	specs      *specstore.Store
	bridge     *bridge.Bridge
	supervisor *supervisor.Supervisor
}

type appOptions struct {
	// History persists session records when set.
	History *sessionstore.Store
	// Bridge starts the terminal bridge when the config enables it.
	Bridge          bool
	CommandOverride []string
	Timeout         time.Duration
}

func newApp(cfg *config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	client, err := newLLM(cfg, logger)
	if err != nil {
		return nil, err
	}

	loader := prompts.DefaultLoader(cfg.General.WorkspaceRoot)
	specs := specstore.New(specstore.Options{
		Root:            cfg.General.WorkspaceRoot,
		InstructionFile: cfg.Agent.InstructionFile,
		Prompts:         loader,
		Logger:          logger.With("component", "specstore"),
	})

	a := &app{cfg: cfg, logger: logger, bus: events.NewBus(), specs: specs}

	ropts := registry.Options{
		Timeout:       cfg.Agent.Timeout.Duration,
		Stabilization: cfg.Agent.Stabilization.Duration,
		Logger:        logger.With("component", "registry"),
	}
	if opts.Timeout > 0 {
		ropts.Timeout = opts.Timeout
	}
	if opts.History != nil {
		ropts.Store = opts.History
	}

	sopts := supervisor.Options{
		Specs:           specs,
		Composer:        command.New(cfg.Agent.CommandTemplate, cfg.Agent.TerminalEmulators, specs),
		Launcher:        process.NewLauncher(specs, logger.With("component", "launcher")),
		LLM:             client,
		Prompts:         loader,
		Dispatcher:      a.bus,
		Registry:        ropts,
		CommandOverride: opts.CommandOverride,
		PollInterval:    cfg.Agent.PollInterval.Duration,
		SummaryWait:     cfg.Agent.SummaryWait.Duration,
		ExitWait:        cfg.Agent.ExitWait.Duration,
		Logger:          logger.With("component", "supervisor"),
	}
	if cfg.Agent.AnswerQuestions {
		sopts.Answerer = answerer.New(answerer.Options{
			Client:  client,
			Prompts: loader,
			Logger:  logger.With("component", "answerer"),
		})
	}
	if opts.Bridge && cfg.Bridge.Enabled {
		a.bridge = bridge.New(bridge.Options{
			Addr:       cfg.Bridge.Addr(),
			Shell:      cfg.Bridge.Shell,
			Dir:        cfg.General.WorkspaceRoot,
			Dispatcher: a.bus,
			Logger:     logger.With("component", "bridge"),
		})
		sopts.Terminal = a.bridge
	}

	a.supervisor = supervisor.New(sopts)
	return a, nil
}

// close stops the supervisor (aborting live sessions) and the bridge
func (a *app) close() {
	a.supervisor.Close()
	if a.bridge != nil {
		if err := a.bridge.Stop(); err != nil {
			a.logger.Warn("stopping terminal bridge", "error", err)
		}
	}
}

// eventSummary renders the interesting payload fields of an event on one line
func eventSummary(e events.Event) string {
	get := func(key string) string {
		if v, ok := e.Payload[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	switch e.Type {
	case events.TypeStarted:
		return fmt.Sprintf("pid %s, spec %s", get("process_id"), get("spec_path"))
	case events.TypeProgress:
		return fmt.Sprintf("%s new changes (%s total)", get("changes_detected"), get("total_changes"))
	case events.TypeCompleted:
		return get("completion_reason")
	case events.TypeFailed:
		if msg := get("error_message"); msg != "" {
			return get("failure_reason") + ": " + msg
		}
		return get("failure_reason")
	case events.TypeAborted:
		return "aborted by " + get("aborted_by")
	case events.TypeTimeout:
		return "timed out after " + get("timeout_seconds") + "s"
	}
	return ""
}
