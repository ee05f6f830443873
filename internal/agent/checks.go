package agent

import (
	"context"
	"fmt"
	"log"
	"path"
	"strings"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/sandbox"
)

// Error types reported by the local checks
const (
	ErrBuildFailed     = "build_failed"
	ErrMissingFiles    = "missing_files"
	ErrFileCheckFailed = "file_check_failed"
)

// ValidateExecutor runs the project build inside the sandbox. An optional
// reviewer adds findings the build itself does not catch.
type ValidateExecutor struct {
	Command  string
	WorkDir  string
	Reviewer *CLIExecutor
}

func (v *ValidateExecutor) RunStage(ctx context.Context, stage domain.Stage, state *domain.PipelineState, h sandbox.Handle, hint string) (*domain.StageOutcome, error) {
	if h == nil {
		return nil, fmt.Errorf("no sandbox for validation")
	}

	res, err := h.RunCommand(ctx, v.Command+" 2>&1", v.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("running %q: %w", v.Command, err)
	}

	out := &domain.StageOutcome{}
	if res.ExitCode != 0 {
		output := res.Combined()
		out.Errors = append(out.Errors, domain.TypedError{
			Type:    ErrBuildFailed,
			Message: firstErrorLine(output, fmt.Sprintf("%s exited with status %d", v.Command, res.ExitCode)),
			Details: tail(output, 40),
		})
	}

	if v.Reviewer != nil {
		review, err := v.Reviewer.RunStage(ctx, stage, state, h, hint)
		if err != nil {
			log.Printf("[agent] review for %s failed: %v", state.ProjectID, err)
		} else {
			out.Errors = append(out.Errors, review.Errors...)
		}
	}
	return out, nil
}

func firstErrorLine(output, fallback string) string {
	for _, line := range strings.Split(output, "\n") {
		l := strings.TrimSpace(line)
		if strings.Contains(strings.ToLower(l), "error") {
			return l
		}
	}
	return fallback
}

// CheckExecutor verifies that the essential application files exist
type CheckExecutor struct {
	WorkDir        string
	EssentialFiles []string
}

func (c *CheckExecutor) RunStage(ctx context.Context, stage domain.Stage, state *domain.PipelineState, h sandbox.Handle, hint string) (*domain.StageOutcome, error) {
	if h == nil {
		return nil, fmt.Errorf("no sandbox for application check")
	}

	var missing []string
	for _, f := range c.EssentialFiles {
		kind, err := h.Stat(ctx, path.Join(c.WorkDir, f))
		if err != nil {
			return &domain.StageOutcome{Errors: []domain.TypedError{{
				Type:    ErrFileCheckFailed,
				Message: fmt.Sprintf("Failed to check application files: %v", err),
			}}}, nil
		}
		if kind != domain.KindFile {
			missing = append(missing, f)
		}
	}

	if len(missing) == 0 {
		return &domain.StageOutcome{}, nil
	}
	return &domain.StageOutcome{Errors: []domain.TypedError{{
		Type:    ErrMissingFiles,
		Message: fmt.Sprintf("Missing essential files: %s", strings.Join(missing, ", ")),
	}}}, nil
}

// Executor is the shape of a single stage implementation
type Executor interface {
	RunStage(ctx context.Context, stage domain.Stage, state *domain.PipelineState, h sandbox.Handle, hint string) (*domain.StageOutcome, error)
}

// Stages dispatches each pipeline stage to its executor
type Stages struct {
	Plan     Executor
	Build    Executor
	Validate Executor
	Check    Executor
}

func (s *Stages) RunStage(ctx context.Context, stage domain.Stage, state *domain.PipelineState, h sandbox.Handle, hint string) (*domain.StageOutcome, error) {
	var e Executor
	switch stage {
	case domain.StagePlan:
		e = s.Plan
	case domain.StageBuild:
		e = s.Build
	case domain.StageValidate:
		e = s.Validate
	case domain.StageCheck:
		e = s.Check
	}
	if e == nil {
		return &domain.StageOutcome{}, nil
	}
	return e.RunStage(ctx, stage, state, h, hint)
}
