// Package workspace reports file changes inside a project directory. The
// session registry uses it to tell an idle agent from one that is still working.
package workspace

import (
	"io/fs"
	"path/filepath"
	"sort"
)

// Changes lists files touched since the previous call to Monitor.Changes.
type Changes struct {
	Created  []string
	Modified []string
	Deleted  []string
}

// Count is the number of created and modified files. Deletions do not count
// as activity.
func (c Changes) Count() int {
	return len(c.Created) + len(c.Modified)
}

// Monitor tracks changes below a directory.
type Monitor interface {
	Changes() (Changes, error)
	Close() error
}

// Factory creates a monitor rooted at dir.
type Factory func(dir string) (Monitor, error)

// ignoredDirs are never reported; .aura holds the supervisor's own files.
var ignoredDirs = map[string]bool{
	".aura":        true,
	".git":         true,
	"__pycache__":  true,
	"node_modules": true,
}

func ignored(name string) bool {
	return ignoredDirs[name]
}

// NewMonitor prefers an fsnotify watcher and falls back to polling when the
// platform refuses more watches.
func NewMonitor(dir string) (Monitor, error) {
	w, err := NewWatcher(dir)
	if err == nil {
		return w, nil
	}
	return NewScanner(dir)
}

// walkFiles calls fn for every regular file below root, skipping ignored dirs.
func walkFiles(root string, fn func(path string, info fs.FileInfo)) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if d.IsDir() {
			if path != root && ignored(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		fn(path, info)
		return nil
	})
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
