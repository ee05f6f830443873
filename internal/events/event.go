// Package events defines the progress events a run emits and the sinks that
// deliver them to clients.
package events

import (
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// Type discriminates progress events
type Type string

const (
	RunStarted      Type = "run_started"
	RunCompleted    Type = "run_completed"
	RunError        Type = "run_error"
	StageStarted    Type = "stage_started"
	StageCompleted  Type = "stage_completed"
	StageFailed     Type = "stage_failed"
	Retry           Type = "retry"
	FileCreated     Type = "file_created"
	FileDeleted     Type = "file_deleted"
	ErrorFound      Type = "error_found"
	CommandExecuted Type = "command_executed"
	SandboxCreated  Type = "sandbox_created"
	SandboxRestored Type = "sandbox_restored"
)

// Event is a single progress notification
type Event struct {
	Type         Type                 `json:"e"`
	ProjectID    string               `json:"project_id,omitempty"`
	RunID        string               `json:"run_id,omitempty"`
	Stage        domain.Stage         `json:"stage,omitempty"`
	Message      string               `json:"message,omitempty"`
	Path         string               `json:"path,omitempty"`
	Attempt      int                  `json:"attempt,omitempty"`
	Category     domain.ErrorCategory `json:"category,omitempty"`
	Errors       []domain.TypedError  `json:"errors,omitempty"`
	Files        []string             `json:"files,omitempty"`
	Success      *bool                `json:"success,omitempty"`
	URL          string               `json:"url,omitempty"`
	ExecutionLog []domain.LogEntry    `json:"execution_log,omitempty"`
	Time         time.Time            `json:"time"`
}

// New creates an event stamped with the current time
func New(t Type, message string) Event {
	return Event{Type: t, Message: message, Time: time.Now()}
}

// Bool returns a pointer for Event.Success
func Bool(b bool) *bool {
	return &b
}
