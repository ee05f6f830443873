package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/sandbox"
)

// scriptedExecutor answers each stage call with fn, which sees how many times
// that stage has been visited so far (starting at 1).
type scriptedExecutor struct {
	mu     sync.Mutex
	calls  []domain.Stage
	states []*domain.PipelineState
	hints  []string
	visits map[domain.Stage]int
	fn     func(ctx context.Context, stage domain.Stage, visit int, s *domain.PipelineState) (*domain.StageOutcome, error)
}

func newScripted(fn func(ctx context.Context, stage domain.Stage, visit int, s *domain.PipelineState) (*domain.StageOutcome, error)) *scriptedExecutor {
	return &scriptedExecutor{visits: map[domain.Stage]int{}, fn: fn}
}

func (e *scriptedExecutor) RunStage(ctx context.Context, stage domain.Stage, s *domain.PipelineState, h sandbox.Handle, hint string) (*domain.StageOutcome, error) {
	e.mu.Lock()
	e.calls = append(e.calls, stage)
	e.states = append(e.states, s)
	e.hints = append(e.hints, hint)
	e.visits[stage]++
	visit := e.visits[stage]
	e.mu.Unlock()
	if e.fn == nil {
		return &domain.StageOutcome{}, nil
	}
	return e.fn(ctx, stage, visit, s)
}

func (e *scriptedExecutor) count(stage domain.Stage) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.visits[stage]
}

type fakeSessions struct {
	err   error
	calls int
}

func (f *fakeSessions) Acquire(ctx context.Context, projectID string) (sandbox.Handle, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return sandbox.NewMockHandle("sbx-" + projectID), nil
}

type fakeMemory struct {
	ctx *domain.ProjectContext
}

func (f *fakeMemory) Load(string) *domain.ProjectContext {
	if f.ctx == nil {
		return &domain.ProjectContext{}
	}
	return f.ctx
}

func typed(n int, kind string) []domain.TypedError {
	out := make([]domain.TypedError, n)
	for i := range out {
		out[i] = domain.TypedError{Type: kind, Message: fmt.Sprintf("%s %d", kind, i)}
	}
	return out
}

func newTestOrchestrator(exec StageExecutor, cfg Config) (*Orchestrator, *fakeSessions) {
	sessions := &fakeSessions{}
	return New(exec, sessions, &fakeMemory{}, cfg), sessions
}

func TestRun_HappyPath(t *testing.T) {
	exec := newScripted(func(ctx context.Context, stage domain.Stage, visit int, s *domain.PipelineState) (*domain.StageOutcome, error) {
		switch stage {
		case domain.StagePlan:
			return &domain.StageOutcome{Plan: map[string]any{"files": []string{"src/App.jsx"}}}, nil
		case domain.StageBuild:
			return &domain.StageOutcome{FilesCreated: []string{"src/App.jsx", "src/main.jsx"}}, nil
		}
		return &domain.StageOutcome{}, nil
	})
	o, sessions := newTestOrchestrator(exec, Config{})
	rec := &events.Recorder{}

	state, err := o.Run(context.Background(), "p1", "build a todo app", rec)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !state.Success {
		t.Errorf("Success = false, ErrorMessage = %q", state.ErrorMessage)
	}
	if state.CurrentNode != domain.StageCheck {
		t.Errorf("CurrentNode = %q, want check", state.CurrentNode)
	}
	if state.TotalRetries() != 0 {
		t.Errorf("RetryCount = %v, want zeros", state.RetryCount)
	}
	if state.Plan == nil {
		t.Error("Plan not merged into state")
	}
	if len(state.FilesCreated) != 2 {
		t.Errorf("FilesCreated = %v", state.FilesCreated)
	}

	want := []domain.Stage{domain.StagePlan, domain.StageBuild, domain.StageValidate, domain.StageCheck}
	if fmt.Sprint(exec.calls) != fmt.Sprint(want) {
		t.Errorf("calls = %v, want %v", exec.calls, want)
	}
	if sessions.calls != 4 {
		t.Errorf("Acquire called %d times, want once per stage", sessions.calls)
	}
	if len(state.ExecutionLog) != 4 {
		t.Fatalf("ExecutionLog has %d entries, want 4", len(state.ExecutionLog))
	}
	for _, entry := range state.ExecutionLog {
		if entry.Status != domain.LogCompleted {
			t.Errorf("%s status = %q, want completed", entry.Stage, entry.Status)
		}
	}

	created := 0
	for _, ev := range rec.Events() {
		if ev.ProjectID != "p1" {
			t.Errorf("event %s has ProjectID %q", ev.Type, ev.ProjectID)
		}
		if ev.Type == events.FileCreated {
			created++
		}
	}
	if created != 2 {
		t.Errorf("file_created events = %d, want 2", created)
	}
}

func TestRun_BoundedValidationRepair(t *testing.T) {
	exec := newScripted(func(ctx context.Context, stage domain.Stage, visit int, s *domain.PipelineState) (*domain.StageOutcome, error) {
		if stage == domain.StageValidate {
			return &domain.StageOutcome{Errors: typed(2, "syntax_error")}, nil
		}
		return &domain.StageOutcome{}, nil
	})
	o, _ := newTestOrchestrator(exec, Config{})

	state, err := o.Run(context.Background(), "p1", "x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := exec.count(domain.StageBuild); got != 4 {
		t.Errorf("build visits = %d, want 4", got)
	}
	if got := state.RetryCount[domain.ValidationErrors]; got != 3 {
		t.Errorf("validation_errors = %d, want 3", got)
	}
	if got := exec.count(domain.StageCheck); got != 1 {
		t.Errorf("check visits = %d, want 1 after retries are exhausted", got)
	}
	if !state.Success {
		t.Errorf("Success = false, want true when check is clean")
	}

	// the first build is a fresh build, the rest repair
	builds := 0
	for i, stage := range exec.calls {
		if stage != domain.StageBuild {
			continue
		}
		repair := exec.states[i].RepairMode()
		if builds == 0 && repair {
			t.Error("first build ran in repair mode")
		}
		if builds > 0 && len(exec.states[i].CurrentErrors[domain.ValidationErrors]) != 2 {
			t.Errorf("build %d CurrentErrors = %v, want validation errors", builds, exec.states[i].CurrentErrors)
		}
		builds++
	}
}

func TestRun_RuntimeRetriesExhausted(t *testing.T) {
	exec := newScripted(func(ctx context.Context, stage domain.Stage, visit int, s *domain.PipelineState) (*domain.StageOutcome, error) {
		if stage == domain.StageCheck {
			return &domain.StageOutcome{Errors: typed(1, "missing_files")}, nil
		}
		return &domain.StageOutcome{}, nil
	})
	o, _ := newTestOrchestrator(exec, Config{})
	rec := &events.Recorder{}

	state, err := o.Run(context.Background(), "p1", "x", rec)
	if err != nil {
		t.Fatal(err)
	}
	if state.Success {
		t.Error("Success = true, want false")
	}
	retries := 0
	for _, ev := range rec.Events() {
		if ev.Type != events.Retry {
			continue
		}
		retries++
		if ev.Category != domain.RuntimeErrors || ev.Attempt != retries {
			t.Errorf("retry %d = %s attempt %d", retries, ev.Category, ev.Attempt)
		}
	}
	if retries != 3 {
		t.Errorf("retry events = %d, want 3", retries)
	}
	if want := "failed after 3 retries for runtime errors"; state.ErrorMessage != want {
		t.Errorf("ErrorMessage = %q, want %q", state.ErrorMessage, want)
	}
	if got := state.RetryCount[domain.RuntimeErrors]; got != 3 {
		t.Errorf("runtime_errors = %d, want 3", got)
	}
	if got := exec.count(domain.StageBuild); got != 4 {
		t.Errorf("build visits = %d, want 4", got)
	}
}

func TestRun_CircuitBreaker(t *testing.T) {
	exec := newScripted(func(ctx context.Context, stage domain.Stage, visit int, s *domain.PipelineState) (*domain.StageOutcome, error) {
		if stage == domain.StageValidate || stage == domain.StageCheck {
			return &domain.StageOutcome{Errors: typed(1, "boom")}, nil
		}
		return &domain.StageOutcome{}, nil
	})
	o, _ := newTestOrchestrator(exec, Config{MaxRetries: 50, GlobalRetryCeiling: 10})

	state, err := o.Run(context.Background(), "p1", "x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if state.Success {
		t.Error("Success = true, want false")
	}
	if !strings.Contains(state.ErrorMessage, "retry ceiling") {
		t.Errorf("ErrorMessage = %q, want retry ceiling", state.ErrorMessage)
	}
	if got := state.TotalRetries(); got != 11 {
		t.Errorf("TotalRetries = %d, want 11", got)
	}
	if got := exec.count(domain.StageCheck); got != 1 {
		t.Errorf("check visits = %d, want 1 forced visit", got)
	}
}

func TestRun_FailedStageCountsAsEmptyOutcome(t *testing.T) {
	tests := []struct {
		name string
		fail func() (*domain.StageOutcome, error)
	}{
		{"error", func() (*domain.StageOutcome, error) { return nil, errors.New("agent exited with status 1") }},
		{"panic", func() (*domain.StageOutcome, error) { panic("nil map") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exec := newScripted(func(ctx context.Context, stage domain.Stage, visit int, s *domain.PipelineState) (*domain.StageOutcome, error) {
				if stage == domain.StageValidate {
					return tt.fail()
				}
				return &domain.StageOutcome{}, nil
			})
			o, _ := newTestOrchestrator(exec, Config{})
			rec := &events.Recorder{}

			state, err := o.Run(context.Background(), "p1", "x", rec)
			if err != nil {
				t.Fatalf("Run() error = %v, want stage failure absorbed", err)
			}
			if exec.count(domain.StageCheck) != 1 {
				t.Error("run did not proceed to check")
			}

			var entry *domain.LogEntry
			for i := range state.ExecutionLog {
				if state.ExecutionLog[i].Stage == domain.StageValidate {
					entry = &state.ExecutionLog[i]
				}
			}
			if entry == nil {
				t.Fatal("no log entry for validate")
			}
			if entry.Status != domain.LogError {
				t.Errorf("validate status = %q, want error", entry.Status)
			}

			failed := false
			for _, ev := range rec.Events() {
				if ev.Type == events.StageFailed && ev.Stage == domain.StageValidate {
					failed = true
				}
			}
			if !failed {
				t.Error("no stage_failed event for validate")
			}
		})
	}
}

func TestRun_StageTimeout(t *testing.T) {
	exec := newScripted(func(ctx context.Context, stage domain.Stage, visit int, s *domain.PipelineState) (*domain.StageOutcome, error) {
		if stage == domain.StageBuild {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &domain.StageOutcome{}, nil
	})
	o, _ := newTestOrchestrator(exec, Config{StageTimeout: 20 * time.Millisecond})

	state, err := o.Run(context.Background(), "p1", "x", nil)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if state.ExecutionLog[1].Stage != domain.StageBuild || state.ExecutionLog[1].Status != domain.LogTimeout {
		t.Errorf("log[1] = %+v, want build timeout", state.ExecutionLog[1])
	}
	if exec.count(domain.StageValidate) != 1 {
		t.Error("run did not continue after the timeout")
	}
}

func TestRun_StageIgnoringContextStillTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	exec := newScripted(func(ctx context.Context, stage domain.Stage, visit int, s *domain.PipelineState) (*domain.StageOutcome, error) {
		if stage == domain.StagePlan {
			<-release
		}
		return &domain.StageOutcome{}, nil
	})
	o, _ := newTestOrchestrator(exec, Config{StageTimeout: 20 * time.Millisecond})

	done := make(chan *domain.PipelineState, 1)
	go func() {
		state, _ := o.Run(context.Background(), "p1", "x", nil)
		done <- state
	}()

	select {
	case state := <-done:
		if state.ExecutionLog[0].Status != domain.LogTimeout {
			t.Errorf("plan status = %q, want timeout", state.ExecutionLog[0].Status)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() blocked on a stage that ignores its context")
	}
}

func TestRun_SandboxUnavailable(t *testing.T) {
	exec := newScripted(nil)
	sessions := &fakeSessions{err: fmt.Errorf("creating sandbox: %w: %w", domain.ErrSandboxUnavailable, errors.New("quota"))}
	o := New(exec, sessions, nil, Config{})

	state, err := o.Run(context.Background(), "p1", "x", nil)
	if !errors.Is(err, domain.ErrSandboxUnavailable) {
		t.Fatalf("Run() error = %v, want ErrSandboxUnavailable", err)
	}
	if len(exec.calls) != 0 {
		t.Errorf("executor called %v, want no stages", exec.calls)
	}
	if state.Success || state.ErrorMessage == "" {
		t.Errorf("state = success %v, message %q", state.Success, state.ErrorMessage)
	}
}

func TestRun_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec := newScripted(func(c context.Context, stage domain.Stage, visit int, s *domain.PipelineState) (*domain.StageOutcome, error) {
		if stage == domain.StageBuild {
			cancel()
			<-c.Done()
			return nil, c.Err()
		}
		return &domain.StageOutcome{}, nil
	})
	o, _ := newTestOrchestrator(exec, Config{})

	state, err := o.Run(ctx, "p1", "x", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want context.Canceled", err)
	}
	if exec.count(domain.StageValidate) != 0 {
		t.Error("validate ran after cancellation")
	}
	if state.Success {
		t.Error("cancelled run reported success")
	}
}

func TestRun_PassesContextHint(t *testing.T) {
	exec := newScripted(nil)
	mem := &fakeMemory{ctx: &domain.ProjectContext{Semantic: "a recipe site"}}
	o := New(exec, &fakeSessions{}, mem, Config{})

	if _, err := o.Run(context.Background(), "p1", "add search", nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(exec.hints[0], "a recipe site") {
		t.Errorf("plan hint = %q, want project context", exec.hints[0])
	}
}

func TestRun_StageSeesCopyOfState(t *testing.T) {
	exec := newScripted(func(ctx context.Context, stage domain.Stage, visit int, s *domain.PipelineState) (*domain.StageOutcome, error) {
		s.RetryCount[domain.RuntimeErrors] = 99
		s.FilesCreated = append(s.FilesCreated, "sneaky.js")
		return &domain.StageOutcome{}, nil
	})
	o, _ := newTestOrchestrator(exec, Config{})

	state, err := o.Run(context.Background(), "p1", "x", nil)
	if err != nil {
		t.Fatal(err)
	}
	if state.RetryCount[domain.RuntimeErrors] != 0 || len(state.FilesCreated) != 0 {
		t.Errorf("stage mutated run state: retries %v files %v", state.RetryCount, state.FilesCreated)
	}
}

func TestRun_PanickingEmitterDoesNotFailRun(t *testing.T) {
	o, _ := newTestOrchestrator(newScripted(nil), Config{})
	em := events.EmitterFunc(func(string, events.Event) { panic("socket closed") })

	state, err := o.Run(context.Background(), "p1", "x", em)
	if err != nil || !state.Success {
		t.Errorf("Run() = success %v, err %v; want success", state.Success, err)
	}
}
