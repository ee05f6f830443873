// Package supervisor admits at most one pipeline run per project, runs it in
// the background and relays its progress events to the project's client.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/notify"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/observer"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/sandbox"
)

// DefaultBufferSize bounds the events kept per project while no sink is attached
const DefaultBufferSize = 256

// finishTimeout bounds the snapshot and bookkeeping after a run
const finishTimeout = 2 * time.Minute

// Pipeline executes one run
type Pipeline interface {
	Run(ctx context.Context, projectID, prompt string, em events.Emitter) (*domain.PipelineState, error)
}

// Sessions looks up a project's live sandbox without creating one
type Sessions interface {
	Lookup(projectID string) (sandbox.Handle, bool)
}

// Snapshotter captures a project's files from its sandbox
type Snapshotter interface {
	Snapshot(ctx context.Context, projectID string, h sandbox.Handle) (*domain.TransferResult, error)
}

// History records finished requests in project context
type History interface {
	AppendHistory(projectID, prompt string, success bool) error
	RecordFiles(projectID string, files []string) error
}

// RunStore persists runs and their execution logs
type RunStore interface {
	CreateRun(run *domain.Run) error
	FinishRun(run *domain.Run) error
	AppendLogs(runID string, entries []domain.LogEntry) error
}

// Options wires the optional collaborators of a Supervisor
type Options struct {
	Snapshots   Snapshotter
	History     History
	Runs        RunStore
	Observer    *observer.Observer
	Notifier    notify.Notifier
	PreviewPort int
	BufferSize  int
}

type activeRun struct {
	id        string
	projectID string
	prompt    string
	started   time.Time
	cancel    context.CancelFunc
	done      chan struct{}
	release   sync.Once
}

// Supervisor owns the active-run registry and the per-project event relay
type Supervisor struct {
	pipeline Pipeline
	sessions Sessions
	opts     Options

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu     sync.Mutex
	active map[string]*activeRun
	relays map[string]*relay
	closed bool
}

// New creates a Supervisor
func New(p Pipeline, sessions Sessions, opts Options) *Supervisor {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NoopNotifier{}
	}
	if opts.PreviewPort == 0 {
		opts.PreviewPort = 5173
	}
	ctx, stop := context.WithCancel(context.Background())
	return &Supervisor{
		pipeline: p,
		sessions: sessions,
		opts:     opts,
		ctx:      ctx,
		stop:     stop,
		active:   make(map[string]*activeRun),
		relays:   make(map[string]*relay),
	}
}

// Submit registers a run for projectID and starts it in the background
func (s *Supervisor) Submit(projectID, prompt string) (string, error) {
	if strings.TrimSpace(projectID) == "" {
		return "", fmt.Errorf("project id is required")
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("prompt is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", fmt.Errorf("supervisor is shut down")
	}
	if _, ok := s.active[projectID]; ok {
		s.mu.Unlock()
		return "", fmt.Errorf("project %s: %w", projectID, domain.ErrAlreadyRunning)
	}
	ctx, cancel := context.WithCancel(s.ctx)
	run := &activeRun{
		id:        uuid.NewString(),
		projectID: projectID,
		prompt:    prompt,
		started:   time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.active[projectID] = run
	s.relayFor(projectID).reset()
	s.wg.Add(1)
	s.mu.Unlock()

	go s.execute(ctx, run)
	return run.id, nil
}

// IsRunning reports whether projectID has an active run
func (s *Supervisor) IsRunning(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[projectID]
	return ok
}

// ActiveRun returns the id of the run in progress for projectID
func (s *Supervisor) ActiveRun(projectID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.active[projectID]; ok {
		return r.id, true
	}
	return "", false
}

// ActiveRuns returns the runs in progress, sorted by project
func (s *Supervisor) ActiveRuns() []*domain.Run {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*domain.Run, 0, len(s.active))
	for _, r := range s.active {
		out = append(out, &domain.Run{
			ID:        r.id,
			ProjectID: r.projectID,
			Prompt:    r.prompt,
			Status:    domain.RunRunning,
			StartedAt: r.started,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Cancel stops the active run of projectID. The sandbox stays up.
func (s *Supervisor) Cancel(projectID string) bool {
	s.mu.Lock()
	r, ok := s.active[projectID]
	s.mu.Unlock()
	if ok {
		r.cancel()
	}
	return ok
}

// Wait blocks until the active run of projectID has finished or ctx is done
func (s *Supervisor) Wait(ctx context.Context, projectID string) error {
	s.mu.Lock()
	r, ok := s.active[projectID]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels all runs and waits for them to wind down
func (s *Supervisor) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Attach makes sink the event consumer of projectID. Buffered events are
// flushed to it first, in order.
func (s *Supervisor) Attach(projectID string, sink events.Sink) (func(), error) {
	s.mu.Lock()
	r := s.relayFor(projectID)
	s.mu.Unlock()
	return r.attach(sink)
}

// Emit relays ev to the project's sink. It never blocks.
func (s *Supervisor) Emit(projectID string, ev events.Event) {
	s.mu.Lock()
	if ev.RunID == "" {
		if r, ok := s.active[projectID]; ok {
			ev.RunID = r.id
		}
	}
	r := s.relayFor(projectID)
	s.mu.Unlock()

	ev.ProjectID = projectID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	r.push(ev)
}

// Dropped reports how many events of projectID were discarded for lack of room
func (s *Supervisor) Dropped(projectID string) int {
	s.mu.Lock()
	r := s.relayFor(projectID)
	s.mu.Unlock()
	return r.droppedCount()
}

// relayFor must be called with s.mu held
func (s *Supervisor) relayFor(projectID string) *relay {
	r, ok := s.relays[projectID]
	if !ok {
		r = newRelay(projectID, s.opts.BufferSize)
		s.relays[projectID] = r
	}
	return r
}

func (s *Supervisor) unregister(r *activeRun) {
	r.release.Do(func() {
		s.mu.Lock()
		if s.active[r.projectID] == r {
			delete(s.active, r.projectID)
		}
		s.mu.Unlock()
		r.cancel()
		close(r.done)
	})
}

func (s *Supervisor) execute(ctx context.Context, ar *activeRun) {
	defer s.wg.Done()
	defer s.unregister(ar)

	run := &domain.Run{
		ID:        ar.id,
		ProjectID: ar.projectID,
		Prompt:    ar.prompt,
		Status:    domain.RunRunning,
		StartedAt: ar.started,
	}

	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("supervisor: run %s panicked: %v", run.ID, rec)
			run.Status = domain.RunAborted
			run.ErrorMessage = fmt.Sprintf("internal error: %v", rec)
			s.persist(run, nil)
			s.unregister(ar)
			ev := events.New(events.RunError, run.ErrorMessage)
			ev.RunID = run.ID
			ev.Success = events.Bool(false)
			s.Emit(run.ProjectID, ev)
		}
	}()

	if s.opts.Runs != nil {
		if err := s.opts.Runs.CreateRun(run); err != nil {
			log.Printf("supervisor: recording run %s: %v", run.ID, err)
		}
	}
	started := events.New(events.RunStarted, ar.prompt)
	started.RunID = run.ID
	s.Emit(run.ProjectID, started)

	state, err := s.pipeline.Run(ctx, ar.projectID, ar.prompt, s)
	s.finish(ctx, ar, run, state, err)
}

func (s *Supervisor) finish(ctx context.Context, ar *activeRun, run *domain.Run, state *domain.PipelineState, runErr error) {
	finished := time.Now()
	run.FinishedAt = &finished

	switch {
	case runErr == nil && state != nil && state.Success:
		run.Status = domain.RunSucceeded
		run.Success = true
	case errors.Is(runErr, context.Canceled):
		run.Status = domain.RunCancelled
		run.ErrorMessage = "run cancelled"
	case errors.Is(runErr, domain.ErrSandboxUnavailable):
		run.Status = domain.RunAborted
		run.ErrorMessage = runErr.Error()
	case runErr != nil:
		run.Status = domain.RunFailed
		run.ErrorMessage = runErr.Error()
	default:
		run.Status = domain.RunFailed
	}

	var logEntries []domain.LogEntry
	if state != nil {
		run.RetryCount = state.RetryCount
		run.FilesCreated = state.FilesCreated
		if run.ErrorMessage == "" {
			run.ErrorMessage = state.ErrorMessage
		}
		logEntries = state.ExecutionLog
	}

	// bookkeeping outlives a cancelled run
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer cancel()

	var url string
	if h, ok := s.sessions.Lookup(run.ProjectID); ok {
		url = previewURL(h.Host(s.opts.PreviewPort))
		if s.opts.Snapshots != nil {
			res, err := s.opts.Snapshots.Snapshot(fctx, run.ProjectID, h)
			switch {
			case err != nil:
				log.Printf("supervisor: snapshot of %s failed: %v", run.ProjectID, err)
			case len(res.Failed) > 0:
				log.Printf("supervisor: snapshot of %s saved %d files, %d failed", run.ProjectID, len(res.Succeeded), len(res.Failed))
			}
		}
	}

	if s.opts.History != nil {
		if err := s.opts.History.AppendHistory(run.ProjectID, run.Prompt, run.Success); err != nil {
			log.Printf("supervisor: appending history for %s: %v", run.ProjectID, err)
		}
		if len(run.FilesCreated) > 0 {
			if err := s.opts.History.RecordFiles(run.ProjectID, run.FilesCreated); err != nil {
				log.Printf("supervisor: recording files for %s: %v", run.ProjectID, err)
			}
		}
	}

	s.persist(run, logEntries)
	if s.opts.Observer != nil {
		s.opts.Observer.RecordRun(run, logEntries)
	}
	if err := s.opts.Notifier.Send(notify.ForRun(run, logEntries, url)); err != nil {
		log.Printf("supervisor: notification for run %s failed: %v", run.ID, err)
	}

	// a client reacting to run_completed may submit again right away
	s.unregister(ar)

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		ev := events.New(events.RunError, run.ErrorMessage)
		ev.RunID = run.ID
		ev.Success = events.Bool(false)
		ev.ExecutionLog = logEntries
		s.Emit(run.ProjectID, ev)
		return
	}
	ev := events.New(events.RunCompleted, run.ErrorMessage)
	ev.RunID = run.ID
	ev.Success = events.Bool(run.Success)
	ev.URL = url
	ev.Files = run.FilesCreated
	ev.ExecutionLog = logEntries
	s.Emit(run.ProjectID, ev)
}

func (s *Supervisor) persist(run *domain.Run, entries []domain.LogEntry) {
	if s.opts.Runs == nil {
		return
	}
	if run.FinishedAt == nil {
		now := time.Now()
		run.FinishedAt = &now
	}
	if err := s.opts.Runs.FinishRun(run); err != nil {
		log.Printf("supervisor: finishing run %s: %v", run.ID, err)
	}
	if err := s.opts.Runs.AppendLogs(run.ID, entries); err != nil {
		log.Printf("supervisor: storing log of run %s: %v", run.ID, err)
	}
}

func previewURL(host string) string {
	if host == "" || strings.Contains(host, "://") {
		return host
	}
	return "http://" + host
}
