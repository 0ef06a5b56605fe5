// Package specstore persists task specifications where the agent can read them
// and owns the on-disk layout every completion signal relies on.
package specstore

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/hochfrequenz/agent-supervisor/internal/domain"
	"github.com/hochfrequenz/agent-supervisor/internal/logging"
	"github.com/hochfrequenz/agent-supervisor/internal/prompts"
)

var (
	// ErrInvalidProject is returned for project names that would escape the workspace.
	ErrInvalidProject = errors.New("invalid project name")
	// ErrAlreadyPersisted is returned when a specification was already written.
	ErrAlreadyPersisted = errors.New("specification already persisted")
)

// Store writes specifications and instruction files below a workspace root.
type Store struct {
	root            string
	instructionFile string
	prompts         *prompts.Loader
	logger          *slog.Logger
}

// Options configures a Store.
type Options struct {
	Root            string
	InstructionFile string // e.g. CLAUDE.md, AGENTS.md
	Prompts         *prompts.Loader
	Logger          *slog.Logger
}

// New creates a Store.
func New(opts Options) *Store {
	if opts.InstructionFile == "" {
		opts.InstructionFile = "CLAUDE.md"
	}
	if opts.Prompts == nil {
		opts.Prompts = prompts.NewLoader()
	}
	return &Store{
		root:            opts.Root,
		instructionFile: opts.InstructionFile,
		prompts:         opts.Prompts,
		logger:          logging.OrDiscard(opts.Logger),
	}
}

// Root returns the workspace root
func (s *Store) Root() string { return s.root }

// ProjectDir returns the directory for a project. An empty name maps to the root.
func (s *Store) ProjectDir(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return s.root, nil
	}
	if filepath.IsAbs(name) || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %q", ErrInvalidProject, name)
	}
	return filepath.Join(s.root, name), nil
}

// EnsureProjectDirectory creates the project directory and its hidden state
// directory. Calling it again is harmless.
func (s *Store) EnsureProjectDirectory(name string) (string, error) {
	dir, err := s.ProjectDir(name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(dir, StateDirName), 0755); err != nil {
		return "", fmt.Errorf("creating project directory %s: %w", dir, err)
	}
	return dir, nil
}

// Layout returns the file layout of spec's task.
func (s *Store) Layout(spec *domain.TaskSpecification) (Layout, error) {
	dir, err := s.ProjectDir(spec.ProjectName)
	if err != nil {
		return Layout{}, err
	}
	return LayoutFor(dir, spec.TaskID), nil
}

// Persist writes spec's instruction body to <project>/.aura/<task_id>.md and
// returns the path. A specification is written once; a second Persist for the
// same task fails with ErrAlreadyPersisted.
func (s *Store) Persist(spec *domain.TaskSpecification) (string, error) {
	if strings.TrimSpace(spec.TaskID) == "" {
		return "", errors.New("specification has no task id")
	}
	layout, err := s.Layout(spec)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(layout.StateDir, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", layout.StateDir, err)
	}

	f, err := os.OpenFile(layout.SpecPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if errors.Is(err, os.ErrExist) {
			return "", fmt.Errorf("%w: %s", ErrAlreadyPersisted, spec.TaskID)
		}
		return "", fmt.Errorf("writing specification: %w", err)
	}
	if _, err := f.WriteString(spec.Instructions); err != nil {
		f.Close()
		return "", fmt.Errorf("writing specification: %w", err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("writing specification: %w", err)
	}

	s.logger.Info("specification persisted", "task_id", spec.TaskID, "path", layout.SpecPath)
	return layout.SpecPath, nil
}

// Read returns the persisted instruction body for spec.
func (s *Store) Read(spec *domain.TaskSpecification) (string, error) {
	layout, err := s.Layout(spec)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(layout.SpecPath)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// WriteInstructions renders the agent's instruction file into the project root,
// replacing any previous one, and returns its path.
func (s *Store) WriteInstructions(spec *domain.TaskSpecification) (string, error) {
	layout, err := s.Layout(spec)
	if err != nil {
		return "", err
	}
	rel := layout.Relative()
	description := spec.Meta("task_spec")
	if description == "" {
		description = spec.Instructions
	}
	content, err := s.prompts.BuildInstructions(prompts.InstructionData{
		TaskID:       spec.TaskID,
		ProjectName:  spec.ProjectName,
		Request:      strings.TrimSpace(spec.Request),
		Description:  description,
		FilesToWatch: spec.FilesToWatch,
		LogPath:      rel.LogPath,
		DonePath:     rel.DonePath,
		SummaryPath:  rel.SummaryPath,
	})
	if err != nil {
		return "", fmt.Errorf("rendering instructions: %w", err)
	}

	if err := os.MkdirAll(layout.ProjectDir, 0755); err != nil {
		return "", fmt.Errorf("creating %s: %w", layout.ProjectDir, err)
	}
	path := filepath.Join(layout.ProjectDir, s.instructionFile)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("writing %s: %w", path, err)
	}
	s.logger.Info("instruction file written", "task_id", spec.TaskID, "path", path)
	return path, nil
}
