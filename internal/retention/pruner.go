// Package retention deletes old session history on a cron schedule.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/agent-supervisor/internal/logging"
)

// Store is the history that gets pruned
type Store interface {
	Prune(before time.Time) (int64, error)
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a 5-field cron expression or a descriptor like @daily
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid prune schedule %q: %w", expr, err)
	}
	return sched, nil
}

// Pruner removes finished sessions older than the retention period
type Pruner struct {
	store     Store
	schedule  cron.Schedule
	retention time.Duration
	logger    *slog.Logger

	now   func() time.Time
	after func(time.Duration) <-chan time.Time

	mu      sync.Mutex
	lastRun time.Time
	running bool
}

// New creates a pruner. A non-positive retention keeps history forever.
func New(store Store, schedule string, retention time.Duration, logger *slog.Logger) (*Pruner, error) {
	if store == nil {
		return nil, errors.New("retention: nil store")
	}
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return nil, err
	}
	return &Pruner{
		store:     store,
		schedule:  sched,
		retention: retention,
		logger:    logging.OrDiscard(logger),
		now:       time.Now,
		after:     time.After,
	}, nil
}

// NextRun returns when the pruner fires next
func (p *Pruner) NextRun() time.Time {
	return p.schedule.Next(p.now())
}

// LastRun returns when the last prune finished, zero if never
func (p *Pruner) LastRun() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastRun
}

// RunOnce prunes now. Overlapping calls are skipped.
func (p *Pruner) RunOnce() (int64, error) {
	if p.retention <= 0 {
		return 0, nil
	}

	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return 0, nil
	}
	p.running = true
	p.mu.Unlock()

	cutoff := p.now().Add(-p.retention)
	n, err := p.store.Prune(cutoff)

	p.mu.Lock()
	p.running = false
	p.lastRun = p.now()
	p.mu.Unlock()

	if err != nil {
		return 0, fmt.Errorf("pruning history before %s: %w", cutoff.Format(time.RFC3339), err)
	}
	if n > 0 {
		p.logger.Info("pruned session history", "sessions", n, "cutoff", cutoff)
	}
	return n, nil
}

// Run prunes on schedule until ctx is cancelled
func (p *Pruner) Run(ctx context.Context) error {
	for {
		next := p.NextRun()
		wait := next.Sub(p.now())
		if wait < 0 {
			wait = 0
		}
		p.logger.Debug("next history prune", "at", next)

		select {
		case <-ctx.Done():
			return nil
		case <-p.after(wait):
			if _, err := p.RunOnce(); err != nil {
				p.logger.Error("history prune failed", "error", err)
			}
		}
	}
}
