package tui

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
)

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, m.fetchCmd()
		case "j", "down":
			if m.selectedRow < m.rowCount()-1 {
				m.selectedRow++
			}
		case "k", "up":
			if m.selectedRow > 0 {
				m.selectedRow--
			}
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.selectedRow = 0
		case "1":
			m.activeTab, m.selectedRow = TabActive, 0
		case "2":
			m.activeTab, m.selectedRow = TabHistory, 0
		case "3":
			m.activeTab, m.selectedRow = TabEvents, 0
		case "a":
			if m.activeTab != TabActive || m.source == nil || m.selectedRow >= len(m.active) {
				return m, nil
			}
			taskID := m.active[m.selectedRow].TaskID
			m.statusMsg = "Aborting " + taskID + "..."
			return m, m.abortCmd(taskID)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.fetchCmd(), tickCmd(m.refresh))

	case SessionsMsg:
		m.lastErr = msg.Err
		if msg.Err == nil {
			m.SetSessions(msg.Sessions)
			m.lastRefresh = time.Now()
		}

	case AbortedMsg:
		if msg.Err != nil {
			m.statusMsg = fmt.Sprintf("Abort %s failed: %v", msg.TaskID, msg.Err)
		} else {
			m.statusMsg = "Aborted " + msg.TaskID
		}
		return m, m.fetchCmd()

	case FeedMsg:
		if !msg.OK {
			m.statusMsg = "Event stream closed"
			m.feed = nil
			return m, nil
		}
		m.addEvent(msg.Event)
		cmd := waitForEvent(m.feed)
		if isTerminalType(msg.Event.Type) || msg.Event.Type == "started" {
			cmd = tea.Batch(cmd, m.fetchCmd())
		}
		return m, cmd
	}

	return m, nil
}

// SetSessions splits sessions into active and finished ones
func (m *Model) SetSessions(sessions []*SessionView) {
	m.active, m.history = nil, nil
	for _, s := range sessions {
		if s.State == domain.StateRunning {
			m.active = append(m.active, s)
		} else {
			m.history = append(m.history, s)
		}
	}
	if n := m.rowCount(); m.selectedRow >= n {
		m.selectedRow = max(n-1, 0)
	}
}

// addEvent prepends to the feed, keeping the newest maxFeed events
func (m *Model) addEvent(e FeedEvent) {
	m.events = append([]FeedEvent{e}, m.events...)
	if len(m.events) > maxFeed {
		m.events = m.events[:maxFeed]
	}
}

func (m Model) rowCount() int {
	switch m.activeTab {
	case TabActive:
		return len(m.active)
	case TabHistory:
		return len(m.history)
	default:
		return len(m.events)
	}
}

func isTerminalType(t string) bool {
	return domain.SessionState(t).IsTerminal() && domain.SessionState(t).Valid()
}
