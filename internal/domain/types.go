package domain

// Stage names a node of the build pipeline
type Stage string

const (
	StagePlan     Stage = "plan"
	StageBuild    Stage = "build"
	StageValidate Stage = "validate"
	StageCheck    Stage = "check"
	StageDone     Stage = "done"
)

// ErrorCategory groups typed errors that drive a repair attempt
type ErrorCategory string

const (
	ValidationErrors ErrorCategory = "validation_errors"
	RuntimeErrors    ErrorCategory = "runtime_errors"
)

// LogStatus is the status of an execution log entry
type LogStatus string

const (
	LogStarted   LogStatus = "started"
	LogCompleted LogStatus = "completed"
	LogError     LogStatus = "error"
	LogTimeout   LogStatus = "timeout"
)

// FailureKind tells how a stage invocation ended at its boundary
type FailureKind string

const (
	FailureNone    FailureKind = ""
	FailureError   FailureKind = "error"
	FailureTimeout FailureKind = "timeout"
)

// RunStatus represents the execution state of a run
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
	RunAborted   RunStatus = "aborted"
)

// FileKind is what a sandbox path points at
type FileKind int

const (
	KindMissing FileKind = iota
	KindFile
	KindDir
)
