// Package pipeline runs the plan, build, validate and check stages of a build
// request under bounded retry budgets.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/memory"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/sandbox"
)

// StageExecutor does the work of one stage. It receives a copy of the state
// and reports errors and touched files; it has no say over transitions.
type StageExecutor interface {
	RunStage(ctx context.Context, stage domain.Stage, state *domain.PipelineState, h sandbox.Handle, hint string) (*domain.StageOutcome, error)
}

// Sessions hands out the live sandbox of a project
type Sessions interface {
	Acquire(ctx context.Context, projectID string) (sandbox.Handle, error)
}

// ContextLoader reads project memory
type ContextLoader interface {
	Load(projectID string) *domain.ProjectContext
}

// Config holds retry budgets and stage limits
type Config struct {
	MaxRetries         int
	GlobalRetryCeiling int
	StageTimeout       time.Duration
}

// Orchestrator sequences stages and owns all retry and transition logic
type Orchestrator struct {
	exec     StageExecutor
	sessions Sessions
	memory   ContextLoader
	cfg      Config
}

// New creates an orchestrator
func New(exec StageExecutor, sessions Sessions, mem ContextLoader, cfg Config) *Orchestrator {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = domain.DefaultMaxRetries
	}
	if cfg.GlobalRetryCeiling <= 0 {
		cfg.GlobalRetryCeiling = domain.DefaultGlobalRetryCeiling
	}
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 10 * time.Minute
	}
	return &Orchestrator{exec: exec, sessions: sessions, memory: mem, cfg: cfg}
}

// Run executes the pipeline for one request. It returns an error only when no
// sandbox could be obtained or ctx was cancelled; every stage failure is
// absorbed into the returned state.
func (o *Orchestrator) Run(ctx context.Context, projectID, prompt string, em events.Emitter) (*domain.PipelineState, error) {
	if em == nil {
		em = events.Discard
	}
	state := domain.NewPipelineState(projectID, prompt)
	state.MaxRetriesPerCategory = o.cfg.MaxRetries
	state.GlobalRetryCeiling = o.cfg.GlobalRetryCeiling

	hint := ""
	if o.memory != nil {
		hint = memory.Hint(o.memory.Load(projectID))
	}

	builds := 0
	stage := domain.StagePlan
	for stage != domain.StageDone {
		if err := ctx.Err(); err != nil {
			state.ErrorMessage = "run cancelled"
			return state, err
		}

		h, err := o.sessions.Acquire(ctx, projectID)
		if err != nil {
			state.CurrentNode = stage
			state.ErrorMessage = fmt.Sprintf("sandbox unavailable: %v", err)
			state.Log(stage, domain.LogError, map[string]any{"error": err.Error()})
			if !errors.Is(err, domain.ErrSandboxUnavailable) {
				err = fmt.Errorf("%w: %w", domain.ErrSandboxUnavailable, err)
			}
			return state, err
		}

		if stage == domain.StageBuild {
			builds++
		}
		state.CurrentNode = stage
		o.emit(em, projectID, events.Event{
			Type:    events.StageStarted,
			Stage:   stage,
			Attempt: builds,
			Message: stageMessage(stage, state),
		})

		res := o.invokeStage(ctx, stage, state, h, hint)
		o.record(em, state, stage, res)
		if !res.OK() && ctx.Err() != nil {
			state.ErrorMessage = "run cancelled"
			return state, ctx.Err()
		}
		stage = o.next(em, state, stage, res.Outcome)
	}

	log.Printf("pipeline: project %s finished success=%v retries=%v", projectID, state.Success, state.RetryCount)
	return state, nil
}

func stageMessage(stage domain.Stage, s *domain.PipelineState) string {
	switch stage {
	case domain.StagePlan:
		return "creating implementation plan"
	case domain.StageBuild:
		if s.RepairMode() {
			return "repairing reported errors"
		}
		return "building from plan"
	case domain.StageValidate:
		return "validating build"
	case domain.StageCheck:
		return "checking application"
	}
	return string(stage)
}

// invokeStage runs one stage with a timeout and converts every way it can end
// into a StageResult. The outcome is never nil.
func (o *Orchestrator) invokeStage(ctx context.Context, stage domain.Stage, state *domain.PipelineState, h sandbox.Handle, hint string) *domain.StageResult {
	sctx, cancel := context.WithTimeout(ctx, o.cfg.StageTimeout)
	defer cancel()

	type reply struct {
		out *domain.StageOutcome
		err error
	}
	done := make(chan reply, 1)
	snapshot := state.Clone()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		out, err := o.exec.RunStage(sctx, stage, snapshot, h, hint)
		done <- reply{out: out, err: err}
	}()

	timedOut := func() bool {
		return ctx.Err() == nil && errors.Is(sctx.Err(), context.DeadlineExceeded)
	}

	select {
	case r := <-done:
		if r.err == nil {
			if r.out == nil {
				r.out = &domain.StageOutcome{}
			}
			return &domain.StageResult{Outcome: r.out}
		}
		if timedOut() {
			return timeoutResult(stage)
		}
		return &domain.StageResult{
			Outcome: &domain.StageOutcome{},
			Failure: domain.FailureError,
			Err:     &domain.StageError{Stage: stage, Kind: domain.FailureError, Err: r.err},
		}
	case <-sctx.Done():
		if timedOut() {
			return timeoutResult(stage)
		}
		return &domain.StageResult{
			Outcome: &domain.StageOutcome{},
			Failure: domain.FailureError,
			Err:     &domain.StageError{Stage: stage, Kind: domain.FailureError, Err: ctx.Err()},
		}
	}
}

func timeoutResult(stage domain.Stage) *domain.StageResult {
	return &domain.StageResult{
		Outcome: &domain.StageOutcome{},
		Failure: domain.FailureTimeout,
		Err:     &domain.StageError{Stage: stage, Kind: domain.FailureTimeout, Err: domain.ErrStageTimeout},
	}
}

// record appends the execution log entry and progress events for a stage
func (o *Orchestrator) record(em events.Emitter, state *domain.PipelineState, stage domain.Stage, res *domain.StageResult) {
	switch res.Failure {
	case domain.FailureTimeout:
		log.Printf("pipeline: %s stage for %s timed out after %s", stage, state.ProjectID, o.cfg.StageTimeout)
		state.Log(stage, domain.LogTimeout, map[string]any{"error": res.Err.Error()})
		o.emit(em, state.ProjectID, events.Event{Type: events.StageFailed, Stage: stage, Message: res.Err.Error()})
		return
	case domain.FailureError:
		log.Printf("pipeline: %v", res.Err)
		state.Log(stage, domain.LogError, map[string]any{"error": res.Err.Error()})
		o.emit(em, state.ProjectID, events.Event{Type: events.StageFailed, Stage: stage, Message: res.Err.Error()})
		return
	}

	out := res.Outcome
	payload := map[string]any{}
	if len(out.Errors) > 0 {
		payload["errors"] = out.Errors
	}
	if len(out.FilesCreated) > 0 {
		payload["files_created"] = out.FilesCreated
	}
	if len(out.FilesModified) > 0 {
		payload["files_modified"] = out.FilesModified
	}
	state.Log(stage, domain.LogCompleted, payload)

	if len(out.Errors) > 0 {
		o.emit(em, state.ProjectID, events.Event{
			Type:    events.ErrorFound,
			Stage:   stage,
			Errors:  out.Errors,
			Message: fmt.Sprintf("found %d errors", len(out.Errors)),
		})
	}
	o.emit(em, state.ProjectID, events.Event{
		Type:    events.StageCompleted,
		Stage:   stage,
		Files:   append(append([]string{}, out.FilesCreated...), out.FilesModified...),
		Message: fmt.Sprintf("%s completed", stage),
	})
}

// next merges a stage outcome into the state and decides the transition
func (o *Orchestrator) next(em events.Emitter, state *domain.PipelineState, stage domain.Stage, out *domain.StageOutcome) domain.Stage {
	switch stage {
	case domain.StagePlan:
		if out.Plan != nil {
			state.Plan = out.Plan
		}
		return domain.StageBuild

	case domain.StageBuild:
		known := len(state.FilesCreated)
		state.AddFiles(out.FilesCreated, out.FilesModified)
		for _, f := range state.FilesCreated[known:] {
			o.emit(em, state.ProjectID, events.Event{Type: events.FileCreated, Stage: stage, Path: f})
		}
		state.CurrentErrors = map[domain.ErrorCategory][]domain.TypedError{}
		return domain.StageValidate

	case domain.StageValidate:
		next := AfterValidate(state, out.Errors)
		if next == domain.StageBuild {
			o.retried(em, state, domain.ValidationErrors)
		}
		return next

	case domain.StageCheck:
		next := AfterCheck(state, out.Errors)
		if next == domain.StageBuild {
			o.retried(em, state, domain.RuntimeErrors)
		}
		return next
	}
	return domain.StageDone
}

func (o *Orchestrator) retried(em events.Emitter, state *domain.PipelineState, cat domain.ErrorCategory) {
	n := state.RetryCount[cat]
	log.Printf("pipeline: retrying build for %s (attempt %d/%d)", cat, n, state.MaxRetriesPerCategory)
	o.emit(em, state.ProjectID, events.Event{
		Type:     events.Retry,
		Attempt:  n,
		Category: cat,
		Errors:   state.CurrentErrors[cat],
		Message:  fmt.Sprintf("retrying build for %s (attempt %d/%d)", cat, n, state.MaxRetriesPerCategory),
	})
}

// emit stamps and forwards an event. Emission never fails the run.
func (o *Orchestrator) emit(em events.Emitter, projectID string, ev events.Event) {
	ev.ProjectID = projectID
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("pipeline: event emitter panicked: %v", r)
		}
	}()
	em.Emit(projectID, ev)
}
