package monitor

import (
	"errors"
	"io"
	"os"
)

// Tailer returns the text appended to a file since the previous read.
type Tailer struct {
	path   string
	offset int64
	limit  int64
}

// NewTailer starts at the beginning of path. Each read returns at most 1 MiB.
func NewTailer(path string) *Tailer {
	return &Tailer{path: path, limit: 1 << 20}
}

// Offset returns the number of bytes consumed so far
func (t *Tailer) Offset() int64 { return t.offset }

// ReadNew returns bytes appended since the last call. A missing file yields
// no text. A file that shrank was truncated or replaced and is re-read from the start.
func (t *Tailer) ReadNew() (string, error) {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}
		return "", err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", err
	}
	if info.Size() < t.offset {
		t.offset = 0
	}
	if info.Size() == t.offset {
		return "", nil
	}

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return "", err
	}
	data, err := io.ReadAll(io.LimitReader(f, t.limit))
	if err != nil {
		return "", err
	}
	t.offset += int64(len(data))
	return string(data), nil
}
