package domain

import "time"

// Run is the persisted record of one pipeline execution
type Run struct {
	ID           string
	ProjectID    string
	Prompt       string
	Status       RunStatus
	Success      bool
	ErrorMessage string
	RetryCount   map[ErrorCategory]int
	FilesCreated []string
	StartedAt    time.Time
	FinishedAt   *time.Time
}

// Duration returns how long the run took, or zero while it is running
func (r *Run) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
