package tui

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
)

// Tabs of the dashboard
const (
	TabActive = iota
	TabHistory
	TabEvents
	tabCount
)

const maxFeed = 200

// Source provides session data to the dashboard
type Source interface {
	Sessions(ctx context.Context) ([]*SessionView, error)
	Abort(ctx context.Context, taskID string) error
}

// SessionView is a session as shown in the TUI
type SessionView struct {
	TaskID    string
	Project   string
	State     domain.SessionState
	Reason    string
	PID       int
	Changes   int
	StartedAt time.Time
	Duration  time.Duration
}

// FeedEvent is one line of the live event feed
type FeedEvent struct {
	Type    string
	TaskID  string
	Summary string
	Time    time.Time
}

// Model is the TUI application model
type Model struct {
	source Source
	feed   <-chan FeedEvent

	// Data
	active  []*SessionView
	history []*SessionView
	events  []FeedEvent

	// UI state
	width       int
	height      int
	activeTab   int
	selectedRow int
	statusMsg   string
	lastErr     error

	lastRefresh time.Time
	refresh     time.Duration
}

// ModelConfig holds the data sources of the TUI model
type ModelConfig struct {
	Source Source
	// Feed delivers live events; nil disables the event tab's stream.
	Feed    <-chan FeedEvent
	Refresh time.Duration
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Refresh <= 0 {
		cfg.Refresh = 2 * time.Second
	}
	return Model{
		source:  cfg.Source,
		feed:    cfg.Feed,
		refresh: cfg.Refresh,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.fetchCmd(),
		tickCmd(m.refresh),
		waitForEvent(m.feed),
	)
}

// TickMsg triggers a refresh
type TickMsg time.Time

func tickCmd(every time.Duration) tea.Cmd {
	return tea.Tick(every, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// SessionsMsg carries freshly fetched sessions
type SessionsMsg struct {
	Sessions []*SessionView
	Err      error
}

// AbortedMsg reports the result of an abort request
type AbortedMsg struct {
	TaskID string
	Err    error
}

// FeedMsg carries one live event; a closed feed sends ok=false
type FeedMsg struct {
	Event FeedEvent
	OK    bool
}

func (m Model) fetchCmd() tea.Cmd {
	if m.source == nil {
		return nil
	}
	src := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sessions, err := src.Sessions(ctx)
		return SessionsMsg{Sessions: sessions, Err: err}
	}
}

func (m Model) abortCmd(taskID string) tea.Cmd {
	src := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return AbortedMsg{TaskID: taskID, Err: src.Abort(ctx, taskID)}
	}
}

func waitForEvent(feed <-chan FeedEvent) tea.Cmd {
	if feed == nil {
		return nil
	}
	return func() tea.Msg {
		e, ok := <-feed
		return FeedMsg{Event: e, OK: ok}
	}
}
