package retention

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeStore struct {
	mu      sync.Mutex
	cutoffs []time.Time
	err     error
}

func (f *fakeStore) Prune(before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return 2, f.err
}

func (f *fakeStore) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"0 3 * * *", false},
		{"*/15 * * * *", false},
		{"@daily", false},
		{"0 0 3 * * *", true}, // seconds field not accepted
		{"not a schedule", true},
		{"", true},
	}
	for _, tt := range tests {
		_, err := ParseSchedule(tt.expr)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
		}
	}
}

func TestNew_RejectsBadInput(t *testing.T) {
	if _, err := New(nil, "@daily", time.Hour, nil); err == nil {
		t.Error("New(nil store) error = nil")
	}
	if _, err := New(&fakeStore{}, "bogus", time.Hour, nil); err == nil {
		t.Error("New(bad schedule) error = nil")
	}
}

func TestNextRun(t *testing.T) {
	p, err := New(&fakeStore{}, "0 3 * * *", time.Hour, nil)
	if err != nil {
		t.Fatal(err)
	}
	p.now = func() time.Time { return time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC) }

	want := time.Date(2026, 5, 2, 3, 0, 0, 0, time.UTC)
	if got := p.NextRun(); !got.Equal(want) {
		t.Errorf("NextRun() = %v, want %v", got, want)
	}
}

func TestRunOnce_UsesRetentionCutoff(t *testing.T) {
	store := &fakeStore{}
	p, _ := New(store, "@daily", 48*time.Hour, nil)
	now := time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return now }

	n, err := p.RunOnce()
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if n != 2 {
		t.Errorf("RunOnce() = %d, want 2", n)
	}
	if want := now.Add(-48 * time.Hour); !store.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %v, want %v", store.cutoffs[0], want)
	}
	if !p.LastRun().Equal(now) {
		t.Errorf("LastRun() = %v, want %v", p.LastRun(), now)
	}
}

func TestRunOnce_ZeroRetentionKeepsEverything(t *testing.T) {
	store := &fakeStore{}
	p, _ := New(store, "@daily", 0, nil)
	if _, err := p.RunOnce(); err != nil {
		t.Fatal(err)
	}
	if store.calls() != 0 {
		t.Errorf("Prune called %d times, want 0", store.calls())
	}
}

func TestRunOnce_WrapsStoreError(t *testing.T) {
	boom := errors.New("disk full")
	p, _ := New(&fakeStore{err: boom}, "@daily", time.Hour, nil)
	if _, err := p.RunOnce(); !errors.Is(err, boom) {
		t.Errorf("RunOnce() error = %v, want wrapped %v", err, boom)
	}
}

func TestRun_PrunesOnScheduleUntilCancelled(t *testing.T) {
	store := &fakeStore{}
	p, _ := New(store, "@hourly", time.Hour, nil)

	fire := make(chan time.Time)
	p.after = func(time.Duration) <-chan time.Time { return fire }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	fire <- time.Now()
	fire <- time.Now()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
	if store.calls() != 2 {
		t.Errorf("Prune called %d times, want 2", store.calls())
	}
}
