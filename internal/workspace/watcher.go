package workspace

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// Watcher accumulates fsnotify events for a directory tree until Changes drains them.
type Watcher struct {
	root    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	created  map[string]struct{}
	modified map[string]struct{}
	deleted  map[string]struct{}
	lastErr  error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher watches dir and all of its non-ignored subdirectories.
func NewWatcher(dir string) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:     dir,
		watcher:  fw,
		created:  make(map[string]struct{}),
		modified: make(map[string]struct{}),
		deleted:  make(map[string]struct{}),
		done:     make(chan struct{}),
	}
	if err := w.addTree(dir); err != nil {
		fw.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
	return w, nil
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && ignored(d.Name()) {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.mu.Lock()
			w.lastErr = err
			w.mu.Unlock()
		}
	}
}

func (w *Watcher) inIgnoredDir(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if ignored(part) {
			return true
		}
	}
	return false
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if w.inIgnoredDir(event.Name) {
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			// New directories are watched; files created inside before the
			// watch was added are picked up by the walk.
			_ = w.addTree(event.Name)
			w.mu.Lock()
			_ = walkFiles(event.Name, func(path string, _ fs.FileInfo) {
				w.created[path] = struct{}{}
			})
			w.mu.Unlock()
			return
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	switch {
	case event.Has(fsnotify.Create):
		w.created[event.Name] = struct{}{}
		delete(w.deleted, event.Name)
	case event.Has(fsnotify.Write):
		if _, isNew := w.created[event.Name]; !isNew {
			w.modified[event.Name] = struct{}{}
		}
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(w.created, event.Name)
		delete(w.modified, event.Name)
		w.deleted[event.Name] = struct{}{}
	}
}

// Changes returns and clears everything observed since the previous call.
func (w *Watcher) Changes() (Changes, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	c := Changes{
		Created:  sortedKeys(w.created),
		Modified: sortedKeys(w.modified),
		Deleted:  sortedKeys(w.deleted),
	}
	w.created = make(map[string]struct{})
	w.modified = make(map[string]struct{})
	w.deleted = make(map[string]struct{})

	err := w.lastErr
	w.lastErr = nil
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		// Events were dropped; report it as activity rather than failing.
		err = nil
		if c.Count() == 0 {
			c.Modified = []string{w.root}
		}
	}
	return c, err
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	return err
}
