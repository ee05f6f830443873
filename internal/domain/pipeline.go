package domain

import (
	"maps"
	"slices"
	"time"
)

const (
	DefaultMaxRetries         = 3
	DefaultGlobalRetryCeiling = 10
)

// TypedError is a category-tagged business error reported by a stage
type TypedError struct {
	Type    string `json:"type" yaml:"type"`
	Message string `json:"message" yaml:"message"`
	Details string `json:"details,omitempty" yaml:"details,omitempty"`
}

// LogEntry is one record of the execution log
type LogEntry struct {
	Stage   Stage          `json:"stage"`
	Status  LogStatus      `json:"status"`
	Payload map[string]any `json:"payload,omitempty"`
	Time    time.Time      `json:"time"`
}

// StageOutcome is everything a stage reports back to the orchestrator
type StageOutcome struct {
	Errors        []TypedError
	FilesCreated  []string
	FilesModified []string
	Plan          map[string]any
	Raw           any
}

// StageResult is the outcome of a stage invocation plus how it ended
type StageResult struct {
	Outcome *StageOutcome
	Failure FailureKind
	Err     error
}

// OK reports whether the stage ran to completion
func (r *StageResult) OK() bool {
	return r.Failure == FailureNone
}

// PipelineState is owned by exactly one in-flight run
type PipelineState struct {
	ProjectID             string
	InputPrompt           string
	EnhancedPrompt        string
	Plan                  map[string]any
	FilesCreated          []string
	FilesModified         []string
	CurrentErrors         map[ErrorCategory][]TypedError
	RetryCount            map[ErrorCategory]int
	MaxRetriesPerCategory int
	GlobalRetryCeiling    int
	CurrentNode           Stage
	ExecutionLog          []LogEntry
	Success               bool
	ErrorMessage          string
}

// NewPipelineState creates the admission state for a run
func NewPipelineState(projectID, prompt string) *PipelineState {
	return &PipelineState{
		ProjectID:      projectID,
		InputPrompt:    prompt,
		EnhancedPrompt: prompt,
		FilesCreated:   []string{},
		FilesModified:  []string{},
		CurrentErrors:  map[ErrorCategory][]TypedError{},
		RetryCount: map[ErrorCategory]int{
			ValidationErrors: 0,
			RuntimeErrors:    0,
		},
		MaxRetriesPerCategory: DefaultMaxRetries,
		GlobalRetryCeiling:    DefaultGlobalRetryCeiling,
		ExecutionLog:          []LogEntry{},
	}
}

// TotalRetries sums all category counters
func (s *PipelineState) TotalRetries() int {
	total := 0
	for _, n := range s.RetryCount {
		total += n
	}
	return total
}

// RepairMode reports whether the next build should repair current errors
func (s *PipelineState) RepairMode() bool {
	for _, errs := range s.CurrentErrors {
		if len(errs) > 0 {
			return true
		}
	}
	return false
}

// Log appends an execution log entry
func (s *PipelineState) Log(stage Stage, status LogStatus, payload map[string]any) {
	s.ExecutionLog = append(s.ExecutionLog, LogEntry{
		Stage:   stage,
		Status:  status,
		Payload: payload,
		Time:    time.Now(),
	})
}

// AddFiles records created and modified paths, keeping first-seen order
func (s *PipelineState) AddFiles(created, modified []string) {
	s.FilesCreated = appendUnique(s.FilesCreated, created)
	s.FilesModified = appendUnique(s.FilesModified, modified)
}

// Clone returns a deep copy that a stage may read without affecting the run
func (s *PipelineState) Clone() *PipelineState {
	c := *s
	c.Plan = maps.Clone(s.Plan)
	c.FilesCreated = slices.Clone(s.FilesCreated)
	c.FilesModified = slices.Clone(s.FilesModified)
	c.RetryCount = maps.Clone(s.RetryCount)
	c.CurrentErrors = make(map[ErrorCategory][]TypedError, len(s.CurrentErrors))
	for k, v := range s.CurrentErrors {
		c.CurrentErrors[k] = slices.Clone(v)
	}
	c.ExecutionLog = slices.Clone(s.ExecutionLog)
	return &c
}

func appendUnique(dst, add []string) []string {
	for _, p := range add {
		if p != "" && !slices.Contains(dst, p) {
			dst = append(dst, p)
		}
	}
	return dst
}
