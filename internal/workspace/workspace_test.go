package workspace

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func write(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestScanner_DetectsCreateModifyDelete(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "a.go")
	doomed := filepath.Join(dir, "b.go")
	write(t, existing, "package a")
	write(t, doomed, "package b")

	s, err := NewScanner(dir)
	if err != nil {
		t.Fatal(err)
	}

	c, _ := s.Changes()
	if c.Count() != 0 || len(c.Deleted) != 0 {
		t.Fatalf("no-op scan reported changes: %+v", c)
	}

	write(t, filepath.Join(dir, "pkg", "new.go"), "package pkg")
	write(t, existing, "package a // changed")
	os.Remove(doomed)

	c, err = s.Changes()
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Created) != 1 || c.Created[0] != filepath.Join(dir, "pkg", "new.go") {
		t.Errorf("Created = %v", c.Created)
	}
	if len(c.Modified) != 1 || c.Modified[0] != existing {
		t.Errorf("Modified = %v", c.Modified)
	}
	if len(c.Deleted) != 1 || c.Deleted[0] != doomed {
		t.Errorf("Deleted = %v", c.Deleted)
	}
	if c.Count() != 2 {
		t.Errorf("Count() = %d, want 2 (deletions excluded)", c.Count())
	}

	c, _ = s.Changes()
	if c.Count() != 0 {
		t.Errorf("changes reported twice: %+v", c)
	}
}

func TestScanner_IgnoresStateDirectory(t *testing.T) {
	dir := t.TempDir()
	s, err := NewScanner(dir)
	if err != nil {
		t.Fatal(err)
	}
	write(t, filepath.Join(dir, ".aura", "t1.output.log"), "noise")
	write(t, filepath.Join(dir, "__pycache__", "x.pyc"), "noise")

	c, _ := s.Changes()
	if c.Count() != 0 {
		t.Errorf("ignored directories reported: %+v", c)
	}
}

func TestScanner_MissingRoot(t *testing.T) {
	if _, err := NewScanner(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing root")
	}
}

func waitForChanges(t *testing.T, w *Watcher, want int) Changes {
	t.Helper()
	var total Changes
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		c, err := w.Changes()
		if err != nil {
			t.Fatal(err)
		}
		total.Created = append(total.Created, c.Created...)
		total.Modified = append(total.Modified, c.Modified...)
		total.Deleted = append(total.Deleted, c.Deleted...)
		if total.Count() >= want {
			return total
		}
		time.Sleep(20 * time.Millisecond)
	}
	return total
}

func TestWatcher_AccumulatesChanges(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	write(t, filepath.Join(dir, "main.go"), "package main")
	write(t, filepath.Join(dir, "sub", "util.go"), "package sub")

	c := waitForChanges(t, w, 2)
	if c.Count() < 2 {
		t.Fatalf("Count() = %d, want at least 2 (%+v)", c.Count(), c)
	}
}

func TestWatcher_IgnoresStateDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, ".aura"), 0755); err != nil {
		t.Fatal(err)
	}
	w, err := NewWatcher(dir)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	write(t, filepath.Join(dir, ".aura", "t1.done"), "ok")
	time.Sleep(100 * time.Millisecond)
	c, _ := w.Changes()
	if c.Count() != 0 {
		t.Errorf("state directory reported: %+v", c)
	}
}

func TestNewMonitor(t *testing.T) {
	m, err := NewMonitor(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()
	if _, err := m.Changes(); err != nil {
		t.Errorf("Changes() = %v", err)
	}
}
