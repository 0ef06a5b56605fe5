package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255")).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	selectedStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("238"))

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("236")).
			Foreground(lipgloss.Color("255"))

	tabActiveStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			Underline(true)

	tabInactiveStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("244"))
)

// View renders the TUI
func (m Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	var b strings.Builder

	header := fmt.Sprintf(" Agent Supervisor │ Active: %d │ Finished: %d │ Events: %d ",
		len(m.active), len(m.history), len(m.events))
	b.WriteString(headerStyle.Width(m.width).Render(header))
	b.WriteString("\n")

	b.WriteString(m.renderTabs())
	b.WriteString("\n")

	var section string
	switch m.activeTab {
	case TabActive:
		section = m.renderActive()
	case TabHistory:
		section = m.renderHistory()
	case TabEvents:
		section = m.renderEvents()
	}
	b.WriteString(sectionStyle.Width(m.width - 2).Render(section))
	b.WriteString("\n")

	if m.lastErr != nil {
		b.WriteString(errorStyle.Width(m.width).Render(" Refresh failed: " + m.lastErr.Error()))
		b.WriteString("\n")
	} else if m.statusMsg != "" {
		b.WriteString(warningStyle.Width(m.width).Render(" " + m.statusMsg))
		b.WriteString("\n")
	}

	hints := " [tab]switch [j/k]select [r]efresh [q]uit "
	if m.activeTab == TabActive {
		hints = " [tab]switch [j/k]select [a]bort [r]efresh [q]uit "
	}
	if !m.lastRefresh.IsZero() {
		hints += "│ updated " + humanize.Time(m.lastRefresh) + " "
	}
	b.WriteString(statusBarStyle.Width(m.width).Render(hints))

	return b.String()
}

func (m Model) renderTabs() string {
	tabs := []string{"1 Active", "2 History", "3 Events"}
	var parts []string

	for i, tab := range tabs {
		if i == m.activeTab {
			parts = append(parts, tabActiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		} else {
			parts = append(parts, tabInactiveStyle.Render(fmt.Sprintf(" %s ", tab)))
		}
	}

	return strings.Join(parts, "│")
}

func (m Model) renderActive() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("RUNNING"))
	b.WriteString("\n")

	if len(m.active) == 0 {
		b.WriteString(dimmedStyle.Render("  No sessions running"))
		return b.String()
	}

	for i, s := range m.active {
		line := fmt.Sprintf("  ● %-12s %-16s pid %-7d %6s  %s changes",
			s.TaskID, truncate(s.Project, 16), s.PID, formatDuration(s.Duration), humanize.Comma(int64(s.Changes)))
		b.WriteString(m.row(i, runningStyle.Render(line)))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderHistory() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("FINISHED"))
	b.WriteString("\n")

	if len(m.history) == 0 {
		b.WriteString(dimmedStyle.Render("  No finished sessions"))
		return b.String()
	}

	reasonWidth := max(m.width-60, 20)
	for i, s := range m.history {
		symbol, style := stateSymbol(s.State)
		line := fmt.Sprintf("  %s %-12s %-16s %-9s %6s  %s",
			symbol, s.TaskID, truncate(s.Project, 16), s.State, formatDuration(s.Duration), truncate(s.Reason, reasonWidth))
		b.WriteString(m.row(i, style.Render(line)))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) renderEvents() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("EVENTS"))
	b.WriteString("\n")

	if len(m.events) == 0 {
		if m.feed == nil {
			b.WriteString(dimmedStyle.Render("  Event stream not connected"))
		} else {
			b.WriteString(dimmedStyle.Render("  Waiting for events..."))
		}
		return b.String()
	}

	limit := len(m.events)
	if m.height > 8 && limit > m.height-8 {
		limit = m.height - 8
	}
	for i, e := range m.events[:limit] {
		_, style := stateSymbol(domain.SessionState(e.Type))
		line := fmt.Sprintf("  %s %-15s %-12s %s", e.Time.Local().Format("15:04:05"), e.Type, e.TaskID, truncate(e.Summary, max(m.width-50, 20)))
		b.WriteString(m.row(i, style.Render(line)))
		b.WriteString("\n")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m Model) row(i int, line string) string {
	if i == m.selectedRow {
		return selectedStyle.Render(line)
	}
	return line
}

func stateSymbol(s domain.SessionState) (string, lipgloss.Style) {
	switch s {
	case domain.StateRunning:
		return "●", runningStyle
	case domain.StateCompleted:
		return "✓", runningStyle
	case domain.StateFailed:
		return "✗", errorStyle
	case domain.StateTimeout, domain.StateAborted:
		return "■", warningStyle
	}
	return "·", dimmedStyle
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%02ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
