package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/observer"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/runstore"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/sandbox"
)

type pipelineFunc func(ctx context.Context, projectID, prompt string, em events.Emitter) (*domain.PipelineState, error)

func (f pipelineFunc) Run(ctx context.Context, projectID, prompt string, em events.Emitter) (*domain.PipelineState, error) {
	return f(ctx, projectID, prompt, em)
}

type fakeSessions struct {
	handles map[string]sandbox.Handle
}

func (f *fakeSessions) Lookup(projectID string) (sandbox.Handle, bool) {
	h, ok := f.handles[projectID]
	return h, ok
}

type fakeSnapshots struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeSnapshots) Snapshot(ctx context.Context, projectID string, h sandbox.Handle) (*domain.TransferResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, projectID)
	return &domain.TransferResult{Succeeded: []string{"src/App.jsx"}}, nil
}

type fakeHistory struct {
	mu      sync.Mutex
	prompts []string
	success []bool
	files   []string
}

func (f *fakeHistory) AppendHistory(projectID, prompt string, success bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.success = append(f.success, success)
	return nil
}

func (f *fakeHistory) RecordFiles(projectID string, files []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files = append(f.files, files...)
	return nil
}

func succeed(ctx context.Context, projectID, prompt string, em events.Emitter) (*domain.PipelineState, error) {
	em.Emit(projectID, events.Event{Type: events.StageStarted, Stage: domain.StagePlan})
	em.Emit(projectID, events.Event{Type: events.StageCompleted, Stage: domain.StagePlan})
	s := domain.NewPipelineState(projectID, prompt)
	s.AddFiles([]string{"src/App.jsx"}, nil)
	s.Log(domain.StagePlan, domain.LogCompleted, nil)
	s.CurrentNode = domain.StageCheck
	s.Success = true
	return s, nil
}

type harness struct {
	sup       *Supervisor
	runs      *runstore.Store
	snapshots *fakeSnapshots
	history   *fakeHistory
	obs       *observer.Observer
}

func newHarness(t *testing.T, p Pipeline) *harness {
	t.Helper()
	runs, err := runstore.New(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { runs.Close() })

	h := &harness{
		runs:      runs,
		snapshots: &fakeSnapshots{},
		history:   &fakeHistory{},
		obs:       observer.New(time.Hour),
	}
	sessions := &fakeSessions{handles: map[string]sandbox.Handle{"p1": sandbox.NewMockHandle("sbx-1")}}
	h.sup = New(p, sessions, Options{
		Snapshots:   h.snapshots,
		History:     h.history,
		Runs:        runs,
		Observer:    h.obs,
		PreviewPort: 5173,
	})
	t.Cleanup(func() { h.sup.Close(context.Background()) })
	return h
}

func wait(t *testing.T, s *Supervisor, projectID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx, projectID); err != nil {
		t.Fatalf("Wait(%s) = %v", projectID, err)
	}
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSubmit_RejectsSecondRun(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, pipelineFunc(func(ctx context.Context, projectID, prompt string, em events.Emitter) (*domain.PipelineState, error) {
		<-release
		return succeed(ctx, projectID, prompt, em)
	}))

	first, err := h.sup.Submit("p1", "a todo app")
	if err != nil {
		t.Fatal(err)
	}
	if !h.sup.IsRunning("p1") {
		t.Error("IsRunning(p1) = false during run")
	}
	if id, ok := h.sup.ActiveRun("p1"); !ok || id != first {
		t.Errorf("ActiveRun(p1) = %q, %v, want %q", id, ok, first)
	}

	if _, err := h.sup.Submit("p1", "again"); !errors.Is(err, domain.ErrAlreadyRunning) {
		t.Errorf("second Submit() error = %v, want ErrAlreadyRunning", err)
	}
	// other projects are independent
	if _, err := h.sup.Submit("p2", "other"); err != nil {
		t.Errorf("Submit(p2) error = %v", err)
	}

	close(release)
	wait(t, h.sup, "p1")
	wait(t, h.sup, "p2")
	if h.sup.IsRunning("p1") {
		t.Error("registry entry not released after run")
	}

	second, err := h.sup.Submit("p1", "next")
	if err != nil {
		t.Fatalf("Submit after completion error = %v", err)
	}
	if second == first {
		t.Error("run ids should be unique")
	}
	wait(t, h.sup, "p1")
}

func TestSubmit_Validates(t *testing.T) {
	h := newHarness(t, pipelineFunc(succeed))
	if _, err := h.sup.Submit("", "x"); err == nil {
		t.Error("Submit with empty project should fail")
	}
	if _, err := h.sup.Submit("p1", "  "); err == nil {
		t.Error("Submit with empty prompt should fail")
	}
}

func TestEvents_BufferedUntilAttach(t *testing.T) {
	h := newHarness(t, pipelineFunc(succeed))

	runID, err := h.sup.Submit("p1", "a todo app")
	if err != nil {
		t.Fatal(err)
	}
	wait(t, h.sup, "p1")

	rec := &events.Recorder{}
	detach, err := h.sup.Attach("p1", rec)
	if err != nil {
		t.Fatal(err)
	}
	defer detach()

	want := []events.Type{events.RunStarted, events.StageStarted, events.StageCompleted, events.RunCompleted}
	eventually(t, func() bool { return len(rec.Events()) == len(want) }, "buffered events")

	got := rec.Types()
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event types = %v, want %v", got, want)
		}
	}
	for _, ev := range rec.Events() {
		if ev.RunID != runID || ev.ProjectID != "p1" {
			t.Errorf("%s event has run %q project %q", ev.Type, ev.RunID, ev.ProjectID)
		}
	}

	done := rec.Events()[3]
	if done.Success == nil || !*done.Success {
		t.Errorf("run_completed success = %v, want true", done.Success)
	}
	if done.URL != "http://sbx-1-5173.sandbox.local" {
		t.Errorf("run_completed url = %q", done.URL)
	}
	if len(done.Files) != 1 || len(done.ExecutionLog) != 1 {
		t.Errorf("run_completed files = %v, log = %v", done.Files, done.ExecutionLog)
	}
}

func TestAttach_OneSinkPerProject(t *testing.T) {
	h := newHarness(t, pipelineFunc(succeed))

	detach, err := h.sup.Attach("p1", &events.Recorder{})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.sup.Attach("p1", &events.Recorder{}); !errors.Is(err, domain.ErrSinkAttached) {
		t.Errorf("second Attach() error = %v, want ErrSinkAttached", err)
	}
	if _, err := h.sup.Attach("p2", &events.Recorder{}); err != nil {
		t.Errorf("Attach(p2) error = %v", err)
	}

	detach()
	detach()
	again, err := h.sup.Attach("p1", &events.Recorder{})
	if err != nil {
		t.Fatalf("Attach after detach error = %v", err)
	}
	again()
}

func TestEmit_NeverBlocks(t *testing.T) {
	h := newHarness(t, pipelineFunc(succeed))
	h.sup.opts.BufferSize = 8

	unblock := make(chan struct{})
	defer close(unblock)
	stuck := events.SinkFunc(func(ev events.Event) error {
		<-unblock
		return nil
	})
	detach, err := h.sup.Attach("p9", stuck)
	if err != nil {
		t.Fatal(err)
	}
	defer detach()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			h.sup.Emit("p9", events.New(events.CommandExecuted, fmt.Sprintf("cmd %d", i)))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stuck sink")
	}
	if h.sup.Dropped("p9") == 0 {
		t.Error("expected dropped events with a stuck sink")
	}
}

func TestEmit_SinkErrorsIgnored(t *testing.T) {
	h := newHarness(t, pipelineFunc(succeed))
	var mu sync.Mutex
	var seen int
	failing := events.SinkFunc(func(ev events.Event) error {
		mu.Lock()
		seen++
		mu.Unlock()
		return errors.New("socket closed")
	})
	detach, err := h.sup.Attach("p1", failing)
	if err != nil {
		t.Fatal(err)
	}
	defer detach()

	if _, err := h.sup.Submit("p1", "x"); err != nil {
		t.Fatal(err)
	}
	wait(t, h.sup, "p1")
	eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seen == 4
	}, "all events attempted")

	run, err := h.runs.ListRuns("p1", 1)
	if err != nil || len(run) != 1 || run[0].Status != domain.RunSucceeded {
		t.Errorf("run after sink errors = %v, %v", run, err)
	}
}

func TestCancel(t *testing.T) {
	started := make(chan struct{})
	h := newHarness(t, pipelineFunc(func(ctx context.Context, projectID, prompt string, em events.Emitter) (*domain.PipelineState, error) {
		close(started)
		<-ctx.Done()
		s := domain.NewPipelineState(projectID, prompt)
		s.ErrorMessage = "run cancelled"
		return s, ctx.Err()
	}))

	runID, err := h.sup.Submit("p1", "x")
	if err != nil {
		t.Fatal(err)
	}
	<-started
	if !h.sup.Cancel("p1") {
		t.Fatal("Cancel(p1) = false with an active run")
	}
	wait(t, h.sup, "p1")

	if h.sup.IsRunning("p1") {
		t.Error("registry not released after cancel")
	}
	run, err := h.runs.GetRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunCancelled {
		t.Errorf("Status = %q, want cancelled", run.Status)
	}
	if len(h.snapshots.calls) != 1 {
		t.Errorf("snapshot calls = %v, want one after cancel", h.snapshots.calls)
	}
	if h.sup.Cancel("p1") {
		t.Error("Cancel with no active run should report false")
	}
}

func TestPanicReleasesRegistry(t *testing.T) {
	h := newHarness(t, pipelineFunc(func(ctx context.Context, projectID, prompt string, em events.Emitter) (*domain.PipelineState, error) {
		panic("executor exploded")
	}))

	runID, err := h.sup.Submit("p1", "x")
	if err != nil {
		t.Fatal(err)
	}
	wait(t, h.sup, "p1")

	if h.sup.IsRunning("p1") {
		t.Error("registry not released after panic")
	}
	run, err := h.runs.GetRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunAborted {
		t.Errorf("Status = %q, want aborted", run.Status)
	}

	rec := &events.Recorder{}
	detach, _ := h.sup.Attach("p1", rec)
	defer detach()
	eventually(t, func() bool {
		types := rec.Types()
		return len(types) > 0 && types[len(types)-1] == events.RunError
	}, "run_error event")
}

func TestSandboxUnavailable(t *testing.T) {
	h := newHarness(t, pipelineFunc(func(ctx context.Context, projectID, prompt string, em events.Emitter) (*domain.PipelineState, error) {
		s := domain.NewPipelineState(projectID, prompt)
		s.Log(domain.StagePlan, domain.LogCompleted, nil)
		return s, fmt.Errorf("build: %w", domain.ErrSandboxUnavailable)
	}))

	runID, _ := h.sup.Submit("p1", "x")
	wait(t, h.sup, "p1")

	rec := &events.Recorder{}
	detach, _ := h.sup.Attach("p1", rec)
	defer detach()
	eventually(t, func() bool {
		types := rec.Types()
		return len(types) > 0 && types[len(types)-1] == events.RunError
	}, "run_error event")
	evs := rec.Events()
	last := evs[len(evs)-1]
	if last.Success == nil || *last.Success {
		t.Errorf("run_error success = %v, want false", last.Success)
	}
	if last.Message == "" || len(last.ExecutionLog) != 1 {
		t.Errorf("run_error message = %q, log = %v, want message and the plan entry", last.Message, last.ExecutionLog)
	}

	run, err := h.runs.GetRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunAborted || run.ErrorMessage == "" {
		t.Errorf("run = %+v, want aborted with message", run)
	}
}

func TestFinish_Bookkeeping(t *testing.T) {
	h := newHarness(t, pipelineFunc(succeed))

	runID, err := h.sup.Submit("p1", "a bakery site")
	if err != nil {
		t.Fatal(err)
	}
	wait(t, h.sup, "p1")

	if len(h.snapshots.calls) != 1 || h.snapshots.calls[0] != "p1" {
		t.Errorf("snapshot calls = %v", h.snapshots.calls)
	}
	if len(h.history.prompts) != 1 || h.history.prompts[0] != "a bakery site" || !h.history.success[0] {
		t.Errorf("history = %v %v", h.history.prompts, h.history.success)
	}
	if len(h.history.files) != 1 || h.history.files[0] != "src/App.jsx" {
		t.Errorf("recorded files = %v", h.history.files)
	}

	run, err := h.runs.GetRun(runID)
	if err != nil {
		t.Fatal(err)
	}
	if run.Status != domain.RunSucceeded || !run.Success || run.FinishedAt == nil {
		t.Errorf("run = %+v", run)
	}
	logs, err := h.runs.GetLogs(runID)
	if err != nil || len(logs) != 1 {
		t.Errorf("logs = %v, %v", logs, err)
	}

	m := h.obs.GetMetrics()
	if m.TotalRuns != 1 || m.Succeeded != 1 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestFinish_NoSandboxSkipsSnapshot(t *testing.T) {
	h := newHarness(t, pipelineFunc(succeed))
	if _, err := h.sup.Submit("p2", "x"); err != nil {
		t.Fatal(err)
	}
	wait(t, h.sup, "p2")
	if len(h.snapshots.calls) != 0 {
		t.Errorf("snapshot calls = %v, want none without a live sandbox", h.snapshots.calls)
	}
}
