package workspace

import (
	"io/fs"
	"sync"
	"time"
)

type fileStamp struct {
	mtime time.Time
	size  int64
}

// Scanner detects changes by comparing successive mtime snapshots.
type Scanner struct {
	root string
	mu   sync.Mutex
	last map[string]fileStamp
}

// NewScanner takes the baseline snapshot of dir.
func NewScanner(dir string) (*Scanner, error) {
	s := &Scanner{root: dir}
	snap, err := s.snapshot()
	if err != nil {
		return nil, err
	}
	s.last = snap
	return s, nil
}

func (s *Scanner) snapshot() (map[string]fileStamp, error) {
	snap := make(map[string]fileStamp)
	err := walkFiles(s.root, func(path string, info fs.FileInfo) {
		snap[path] = fileStamp{mtime: info.ModTime(), size: info.Size()}
	})
	return snap, err
}

// Changes rescans and diffs against the previous snapshot.
func (s *Scanner) Changes() (Changes, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.snapshot()
	if err != nil {
		return Changes{}, err
	}

	created := map[string]struct{}{}
	modified := map[string]struct{}{}
	deleted := map[string]struct{}{}
	for path, stamp := range current {
		prev, ok := s.last[path]
		switch {
		case !ok:
			created[path] = struct{}{}
		case !prev.mtime.Equal(stamp.mtime) || prev.size != stamp.size:
			modified[path] = struct{}{}
		}
	}
	for path := range s.last {
		if _, ok := current[path]; !ok {
			deleted[path] = struct{}{}
		}
	}
	s.last = current

	return Changes{
		Created:  sortedKeys(created),
		Modified: sortedKeys(modified),
		Deleted:  sortedKeys(deleted),
	}, nil
}

// Close is a no-op.
func (s *Scanner) Close() error { return nil }
