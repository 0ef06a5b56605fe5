package specstore

import "path/filepath"

// StateDirName is the hidden per-project directory holding every signal file.
const StateDirName = ".aura"

// Layout names the files that belong to one task inside a project workspace.
type Layout struct {
	ProjectDir  string
	StateDir    string
	SpecPath    string
	LogPath     string
	DonePath    string
	SummaryPath string
	// ExitPath receives the agent's exit status when a wrapper hides it.
	ExitPath string
}

// LayoutFor returns the file layout for taskID under projectDir.
func LayoutFor(projectDir, taskID string) Layout {
	state := filepath.Join(projectDir, StateDirName)
	return Layout{
		ProjectDir:  projectDir,
		StateDir:    state,
		SpecPath:    filepath.Join(state, taskID+".md"),
		LogPath:     filepath.Join(state, taskID+".output.log"),
		DonePath:    filepath.Join(state, taskID+".done"),
		SummaryPath: filepath.Join(state, taskID+".summary.json"),
		ExitPath:    filepath.Join(state, taskID+".exit"),
	}
}

// Relative returns the same layout with paths relative to the project directory,
// which is how the agent sees them from its working directory.
func (l Layout) Relative() Layout {
	rel := func(p string) string {
		r, err := filepath.Rel(l.ProjectDir, p)
		if err != nil {
			return p
		}
		return filepath.ToSlash(r)
	}
	return Layout{
		ProjectDir:  ".",
		StateDir:    rel(l.StateDir),
		SpecPath:    rel(l.SpecPath),
		LogPath:     rel(l.LogPath),
		DonePath:    rel(l.DonePath),
		SummaryPath: rel(l.SummaryPath),
		ExitPath:    rel(l.ExitPath),
	}
}
