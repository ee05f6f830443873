// Package reaper snapshots and stops sandboxes that sat idle past their
// timeout, on a cron schedule.
package reaper

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/sandbox"
)

// Sessions is the part of the session manager the reaper drives
type Sessions interface {
	Idle(now time.Time) []string
	Lookup(projectID string) (sandbox.Handle, bool)
	ReleaseIf(ctx context.Context, projectID string, h sandbox.Handle) (bool, error)
}

// Snapshotter captures a project's files before its sandbox goes away
type Snapshotter interface {
	Snapshot(ctx context.Context, projectID string, h sandbox.Handle) (*domain.TransferResult, error)
}

// Runs reports whether a project has a run in progress
type Runs interface {
	IsRunning(projectID string) bool
}

// Result summarizes one sweep
type Result struct {
	Reaped  []string
	Skipped []string
	Failed  map[string]error
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// ParseSchedule parses a five-field cron expression
func ParseSchedule(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// Reaper sweeps idle sandboxes
type Reaper struct {
	expr      string
	schedule  cron.Schedule
	sessions  Sessions
	snapshots Snapshotter
	runs      Runs

	mu       sync.Mutex
	lastRun  time.Time
	running  bool
	stopChan chan struct{}
	stopOnce sync.Once
}

// New creates a reaper for the given cron expression
func New(expr string, sessions Sessions, snapshots Snapshotter, runs Runs) (*Reaper, error) {
	if expr == "" {
		return nil, fmt.Errorf("reap schedule is required")
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid reap schedule: %w", err)
	}
	return &Reaper{
		expr:      expr,
		schedule:  sched,
		sessions:  sessions,
		snapshots: snapshots,
		runs:      runs,
		lastRun:   time.Now(),
		stopChan:  make(chan struct{}),
	}, nil
}

// NextRun returns when the next sweep is due
func (r *Reaper) NextRun() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.schedule.Next(r.lastRun)
}

// ShouldRun returns true if a sweep is due at now and none is in progress
func (r *Reaper) ShouldRun(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return false
	}
	return !now.Before(r.schedule.Next(r.lastRun))
}

// Sweep snapshots and releases every idle sandbox whose project is not running
func (r *Reaper) Sweep(ctx context.Context, now time.Time) Result {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.lastRun = now
		r.mu.Unlock()
	}()

	res := Result{Failed: make(map[string]error)}
	for _, id := range r.sessions.Idle(now) {
		if r.runs != nil && r.runs.IsRunning(id) {
			res.Skipped = append(res.Skipped, id)
			continue
		}
		released, err := r.reap(ctx, id)
		switch {
		case err != nil:
			log.Printf("reaper: %s: %v", id, err)
			res.Failed[id] = err
		case released:
			res.Reaped = append(res.Reaped, id)
		default:
			res.Skipped = append(res.Skipped, id)
		}
	}
	if len(res.Reaped) > 0 {
		log.Printf("reaper: released %d idle sandboxes", len(res.Reaped))
	}
	return res
}

// reap snapshots the sandbox and releases it unless it was used or replaced
// in the meantime. A project that is already gone counts as reaped.
func (r *Reaper) reap(ctx context.Context, projectID string) (bool, error) {
	h, ok := r.sessions.Lookup(projectID)
	if !ok {
		return true, nil
	}
	if r.snapshots != nil {
		out, err := r.snapshots.Snapshot(ctx, projectID, h)
		if err != nil {
			// keep the sandbox; its files exist nowhere else
			return false, fmt.Errorf("snapshot before release: %w", err)
		}
		if len(out.Failed) > 0 {
			log.Printf("reaper: %s: %d files not captured", projectID, len(out.Failed))
		}
	}
	released, err := r.sessions.ReleaseIf(ctx, projectID, h)
	if err == nil && !released {
		log.Printf("reaper: %s was picked up again, keeping %s", projectID, h.ID())
	}
	return released, err
}

// Start runs the sweep loop until Stop is called or ctx is done
func (r *Reaper) Start(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopChan:
			return
		case now := <-ticker.C:
			if r.ShouldRun(now) {
				r.Sweep(ctx, now)
			}
		}
	}
}

// Stop stops the sweep loop
func (r *Reaper) Stop() {
	r.stopOnce.Do(func() { close(r.stopChan) })
}
