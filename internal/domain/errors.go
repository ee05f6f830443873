package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrSandboxUnavailable means no sandbox handle could be obtained. Fatal to a run.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
	// ErrAlreadyRunning rejects a submission while the project has an active run.
	ErrAlreadyRunning = errors.New("run already in progress for project")
	// ErrStageTimeout marks a stage that exceeded its wall clock budget.
	ErrStageTimeout = errors.New("stage timed out")
	// ErrSinkAttached rejects a second live event sink for a project.
	ErrSinkAttached = errors.New("event sink already attached")
	// ErrNotFound is returned when a stored object does not exist.
	ErrNotFound = errors.New("not found")
)

// StageError wraps a failure caught at a stage boundary
type StageError struct {
	Stage Stage
	Kind  FailureKind
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s stage %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// TransferFailure records one file that could not be restored or snapshotted
type TransferFailure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

func (f TransferFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Path, f.Reason)
}
