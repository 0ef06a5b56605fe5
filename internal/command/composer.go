// Package command composes the OS-level command line that launches a coding agent.
package command

import (
	"errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/google/shlex"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/specstore"
)

var (
	// ErrUnknownPlaceholder is returned when the template names a token the composer does not know.
	ErrUnknownPlaceholder = errors.New("unknown placeholder")
	// ErrEmptyTemplate is returned when no command template is configured.
	ErrEmptyTemplate = errors.New("empty command template")
)

var placeholderRe = regexp.MustCompile(`\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// autonomyFlags are added when the agent binary is recognized and the flag is missing.
var autonomyFlags = map[string]string{
	"claude":      "--dangerously-skip-permissions",
	"claude-code": "--dangerously-skip-permissions",
	"codex":       "--full-auto",
}

// LayoutResolver maps a specification onto its on-disk layout.
type LayoutResolver interface {
	Layout(spec *domain.TaskSpecification) (specstore.Layout, error)
}

// Composer builds agent command lines from a template.
//
// Placeholders are written as {name}; the supported names are spec_path,
// task_id, project_dir and log_path. Each expands to a single word already
// quoted for the host shell, so templates must not quote them again.
type Composer struct {
	Template  string
	Emulators []string
	Layouts   LayoutResolver

	// GOOS and LookPath default to the host; tests override them.
	GOOS     string
	LookPath func(file string) (string, error)
}

// New returns a composer for the host platform.
func New(template string, emulators []string, layouts LayoutResolver) *Composer {
	return &Composer{
		Template:  template,
		Emulators: emulators,
		Layouts:   layouts,
		GOOS:      runtime.GOOS,
		LookPath:  exec.LookPath,
	}
}

// Build returns the argv that launches the agent for spec. A non-empty
// override is returned verbatim.
func (c *Composer) Build(spec *domain.TaskSpecification, override []string) ([]string, error) {
	if len(override) > 0 {
		return append([]string(nil), override...), nil
	}

	tmpl := strings.TrimSpace(c.Template)
	if tmpl == "" {
		return nil, ErrEmptyTemplate
	}

	layout, err := c.Layouts.Layout(spec)
	if err != nil {
		return nil, err
	}

	tmpl, err = withAutonomyFlag(tmpl)
	if err != nil {
		return nil, err
	}

	script, err := c.expand(tmpl, map[string]string{
		"spec_path":   layout.SpecPath,
		"task_id":     spec.TaskID,
		"project_dir": layout.ProjectDir,
		"log_path":    layout.LogPath,
	})
	if err != nil {
		return nil, err
	}

	return c.wrap(script, layout), nil
}

func (c *Composer) goos() string {
	if c.GOOS == "" {
		return runtime.GOOS
	}
	return c.GOOS
}

func (c *Composer) expand(tmpl string, values map[string]string) (string, error) {
	var (
		b       strings.Builder
		unknown []string
		last    int
	)
	for _, m := range placeholderRe.FindAllStringSubmatchIndex(tmpl, -1) {
		start, end := m[0], m[1]
		// ${VAR} belongs to the shell
		if start > 0 && tmpl[start-1] == '$' {
			continue
		}
		name := tmpl[m[2]:m[3]]
		v, ok := values[name]
		if !ok {
			unknown = append(unknown, name)
			continue
		}
		b.WriteString(tmpl[last:start])
		b.WriteString(Quote(c.goos(), v))
		last = end
	}
	if len(unknown) > 0 {
		return "", fmt.Errorf("%w: {%s}", ErrUnknownPlaceholder, strings.Join(unknown, "}, {"))
	}
	b.WriteString(tmpl[last:])
	return b.String(), nil
}

// withAutonomyFlag inserts the non-interactive flag of known agents after
// the executable when the template does not already carry it.
func withAutonomyFlag(tmpl string) (string, error) {
	words, err := shlex.Split(tmpl)
	if err != nil {
		return "", fmt.Errorf("parsing command template: %w", err)
	}
	if len(words) == 0 {
		return "", ErrEmptyTemplate
	}
	exe := strings.TrimSuffix(filepath.Base(words[0]), ".exe")
	flag, ok := autonomyFlags[exe]
	if !ok {
		return tmpl, nil
	}
	for _, w := range words[1:] {
		if w == flag {
			return tmpl, nil
		}
	}
	end := firstWordEnd(tmpl)
	return tmpl[:end] + " " + flag + tmpl[end:], nil
}

// firstWordEnd returns the offset just past the first shell word of s,
// including any quotes around it.
func firstWordEnd(s string) int {
	i := 0
	for i < len(s) && isBlank(s[i]) {
		i++
	}
	var quote byte
	for ; i < len(s); i++ {
		ch := s[i]
		switch {
		case quote == '\'':
			if ch == '\'' {
				quote = 0
			}
		case quote == '"':
			if ch == '\\' && i+1 < len(s) {
				i++
			} else if ch == '"' {
				quote = 0
			}
		case ch == '\\' && i+1 < len(s):
			i++
		case ch == '\'' || ch == '"':
			quote = ch
		case isBlank(ch):
			return i
		}
	}
	return len(s)
}

func isBlank(ch byte) bool {
	return ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r'
}

func (c *Composer) wrap(script string, layout specstore.Layout) []string {
	if c.goos() == "windows" {
		return []string{"powershell.exe", "-NoLogo", "-NoExit", "-Command", script}
	}

	lookPath := c.LookPath
	if lookPath == nil {
		lookPath = exec.LookPath
	}
	for _, name := range c.Emulators {
		if _, err := lookPath(name); err != nil {
			continue
		}
		// The emulator owns the agent's terminal, so output reaches the log
		// through tee. The pipeline exits with tee's status, so the agent's
		// own status goes to the exit file.
		teed := "{ " + script + "\necho $? > " + Quote(c.goos(), layout.ExitPath) +
			"; } 2>&1 | tee -a " + Quote(c.goos(), layout.LogPath)
		return emulatorArgv(name, teed)
	}
	return []string{"sh", "-c", script}
}

func emulatorArgv(name, script string) []string {
	switch filepath.Base(name) {
	case "gnome-terminal":
		return []string{name, "--wait", "--", "sh", "-c", script}
	case "xfce4-terminal":
		return []string{name, "--disable-server", "-x", "sh", "-c", script}
	case "kitty", "wezterm":
		return []string{name, "sh", "-c", script}
	default:
		// konsole, alacritty, xterm, urxvt and most others accept -e
		return []string{name, "-e", "sh", "-c", script}
	}
}

// Quote returns s as a single word for the shell used on goos.
func Quote(goos, s string) string {
	if goos == "windows" {
		return "'" + strings.ReplaceAll(s, "'", "''") + "'"
	}
	if s != "" && !strings.ContainsAny(s, " \t\n'\"\\$`!*?[]{}()<>|&;#~") {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
