// Package monitor classifies agent output against the completion signals.
package monitor

import (
	"os"
	"strings"
	"sync"

	"github.com/hochfrequenz/agent-supervisor/internal/specstore"
)

// Reasons reported by Analyze.
const (
	ReasonDoneFile      = "done-file-detected"
	ReasonSummaryFile   = "summary-file-detected"
	ReasonPhrase        = "completion-phrase-detected"
	ReasonProcessExited = "process-exited"
)

// DefaultPhrases is the fixed vocabulary of completion phrases. Matching
// free-form agent prose is the weakest signal and always loses to the marker
// files.
var DefaultPhrases = []string{
	"task complete",
	"task completed",
	"task finished",
	"implementation complete",
}

// Result is the outcome of one analysis.
type Result struct {
	Complete bool
	Reason   string
	// Phrase is the matched phrase for ReasonPhrase.
	Phrase string
}

// Monitor checks one session's signals. Analyze keeps a short tail of the
// previous text so a phrase split across two reads still matches.
type Monitor struct {
	layout  specstore.Layout
	phrases []string
	maxLen  int

	mu   sync.Mutex
	tail string
}

// New returns a monitor for the files in layout using DefaultPhrases.
func New(layout specstore.Layout) *Monitor {
	return NewWithPhrases(layout, DefaultPhrases)
}

// NewWithPhrases returns a monitor with a custom vocabulary.
func NewWithPhrases(layout specstore.Layout, phrases []string) *Monitor {
	m := &Monitor{layout: layout}
	for _, p := range phrases {
		p = strings.ToLower(strings.TrimSpace(p))
		if p == "" {
			continue
		}
		m.phrases = append(m.phrases, p)
		if len(p) > m.maxLen {
			m.maxLen = len(p)
		}
	}
	return m
}

// Analyze checks, in order: the done marker, the summary file, a completion
// phrase in newText, and whether the process is still running.
func (m *Monitor) Analyze(newText string, running bool) Result {
	if fileExists(m.layout.DonePath) {
		return Result{Complete: true, Reason: ReasonDoneFile}
	}
	if fileExists(m.layout.SummaryPath) {
		return Result{Complete: true, Reason: ReasonSummaryFile}
	}
	if phrase := m.matchPhrase(newText); phrase != "" {
		return Result{Complete: true, Reason: ReasonPhrase, Phrase: phrase}
	}
	if !running {
		return Result{Complete: true, Reason: ReasonProcessExited}
	}
	return Result{}
}

func (m *Monitor) matchPhrase(newText string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	window := strings.ToLower(m.tail + newText)
	if m.maxLen > 1 && len(window) > m.maxLen-1 {
		m.tail = window[len(window)-(m.maxLen-1):]
	} else {
		m.tail = window
	}
	for _, p := range m.phrases {
		if strings.Contains(window, p) {
			return p
		}
	}
	return ""
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
