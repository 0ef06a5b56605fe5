package prompts

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Template paths inside the embedded filesystem.
const (
	InstructionsTemplate = "templates/instructions.md"
	CondenseTemplate     = "templates/condense.md"
	AnswerTemplate       = "templates/answer.md"
)

// Loader manages prompt templates with override support.
type Loader struct {
	overrideDirs []string // checked in priority order before the embedded copy
	cache        map[string]*template.Template
	metaCache    map[string]*TemplateMeta
	mu           sync.RWMutex
}

// TemplateMeta holds frontmatter metadata.
type TemplateMeta struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	System      string `yaml:"system"`
}

// NewLoader creates a loader with the given override directories.
// Directories are checked in order; first match wins.
func NewLoader(overrideDirs ...string) *Loader {
	return &Loader{
		overrideDirs: overrideDirs,
		cache:        make(map[string]*template.Template),
		metaCache:    make(map[string]*TemplateMeta),
	}
}

// DefaultLoader creates a loader with standard override paths:
// 1. Workspace-local: <workspace>/.agent-supervisor/prompts/
// 2. User config: ~/.config/agent-supervisor/prompts/
func DefaultLoader(workspaceRoot string) *Loader {
	home, _ := os.UserHomeDir()
	dirs := []string{}

	if workspaceRoot != "" {
		dirs = append(dirs, filepath.Join(workspaceRoot, ".agent-supervisor", "prompts"))
	}
	dirs = append(dirs, filepath.Join(home, ".config", "agent-supervisor", "prompts"))

	return NewLoader(dirs...)
}

// loadContent loads raw content from override dirs or the embedded FS.
// Overrides are looked up by base name so users can drop "answer.md" in place.
func (l *Loader) loadContent(name string) ([]byte, error) {
	for _, dir := range l.overrideDirs {
		if data, err := os.ReadFile(filepath.Join(dir, path.Base(name))); err == nil {
			return data, nil
		}
	}
	return fs.ReadFile(embeddedFS, name)
}

// parseFrontmatter splits content into frontmatter and body.
func parseFrontmatter(content []byte) (*TemplateMeta, string, error) {
	str := strings.ReplaceAll(string(content), "\r\n", "\n")

	if !strings.HasPrefix(str, "---\n") {
		return nil, str, nil
	}

	end := strings.Index(str[4:], "\n---\n")
	if end == -1 {
		return nil, str, nil // malformed, treat as no frontmatter
	}

	frontmatter := str[4 : 4+end]
	body := str[4+end+5:]

	var meta TemplateMeta
	if err := yaml.Unmarshal([]byte(frontmatter), &meta); err != nil {
		return nil, "", fmt.Errorf("parse frontmatter: %w", err)
	}

	return &meta, body, nil
}

// LoadTemplate loads and parses a template by path (e.g., "templates/answer.md").
func (l *Loader) LoadTemplate(name string) (*template.Template, *TemplateMeta, error) {
	l.mu.RLock()
	if tmpl, ok := l.cache[name]; ok {
		meta := l.metaCache[name]
		l.mu.RUnlock()
		return tmpl, meta, nil
	}
	l.mu.RUnlock()

	content, err := l.loadContent(name)
	if err != nil {
		return nil, nil, fmt.Errorf("load %s: %w", name, err)
	}

	meta, body, err := parseFrontmatter(content)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", name, err)
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(body)
	if err != nil {
		return nil, nil, fmt.Errorf("compile template %s: %w", name, err)
	}

	l.mu.Lock()
	l.cache[name] = tmpl
	l.metaCache[name] = meta
	l.mu.Unlock()

	return tmpl, meta, nil
}

// Execute loads and executes a template with the given data.
func (l *Loader) Execute(name string, data any) (string, error) {
	tmpl, _, err := l.LoadTemplate(name)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute %s: %w", name, err)
	}

	return buf.String(), nil
}

// System returns the system prompt declared in a template's frontmatter.
func (l *Loader) System(name string) string {
	_, meta, err := l.LoadTemplate(name)
	if err != nil || meta == nil {
		return ""
	}
	return meta.System
}

// InstructionData holds template variables for the agent instruction file.
type InstructionData struct {
	TaskID       string
	ProjectName  string
	Request      string
	Description  string
	FilesToWatch []string
	LogPath      string
	DonePath     string
	SummaryPath  string
}

// CondenseData holds template variables for the condensation prompt.
type CondenseData struct {
	TaskID  string
	Request string
}

// AnswerData holds template variables for the question answering prompt.
type AnswerData struct {
	TaskID   string
	Question string
	Context  string
}

// BuildInstructions renders the instruction file written for the agent.
func (l *Loader) BuildInstructions(data InstructionData) (string, error) {
	if strings.TrimSpace(data.Description) == "" {
		data.Description = "(no task description provided)"
	}
	out, err := l.Execute(InstructionsTemplate, data)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out) + "\n", nil
}

// BuildCondensePrompt renders the prompt asking the model to condense a request.
func (l *Loader) BuildCondensePrompt(data CondenseData) (string, error) {
	return l.Execute(CondenseTemplate, data)
}

// BuildAnswerPrompt renders the prompt used to answer an agent's question.
func (l *Loader) BuildAnswerPrompt(data AnswerData) (string, error) {
	return l.Execute(AnswerTemplate, data)
}

// ClearCache clears the template cache (useful for development/testing).
func (l *Loader) ClearCache() {
	l.mu.Lock()
	l.cache = make(map[string]*template.Template)
	l.metaCache = make(map[string]*TemplateMeta)
	l.mu.Unlock()
}
