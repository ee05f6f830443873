// Package observer collects metrics about pipeline runs.
package observer

import (
	"sync"
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// Observer monitors run execution and collects metrics
type Observer struct {
	stuckThreshold time.Duration

	completions   []completion
	stageFailures map[domain.Stage]int
	mu            sync.RWMutex
}

type completion struct {
	RunID       string
	ProjectID   string
	Status      domain.RunStatus
	Duration    time.Duration
	Retries     int
	CompletedAt time.Time
}

// Metrics holds aggregated metrics
type Metrics struct {
	TotalRuns     int                  `json:"total_runs"`
	Succeeded     int                  `json:"succeeded"`
	Failed        int                  `json:"failed"`
	Cancelled     int                  `json:"cancelled"`
	AvgDuration   time.Duration        `json:"avg_duration"`
	AvgRetries    float64              `json:"avg_retries"`
	StageFailures map[domain.Stage]int `json:"stage_failures"`
}

// New creates a new Observer
func New(stuckThreshold time.Duration) *Observer {
	return &Observer{
		stuckThreshold: stuckThreshold,
		stageFailures:  make(map[domain.Stage]int),
	}
}

// IsStuck returns true if a run has been going for longer than the threshold
func (o *Observer) IsStuck(run *domain.Run) bool {
	if run.Status != domain.RunRunning {
		return false
	}
	if run.StartedAt.IsZero() {
		return false
	}
	return time.Since(run.StartedAt) > o.stuckThreshold
}

// RecordRun records a finished run and the stage failures of its log
func (o *Observer) RecordRun(run *domain.Run, log []domain.LogEntry) {
	o.mu.Lock()
	defer o.mu.Unlock()

	retries := 0
	for _, n := range run.RetryCount {
		retries += n
	}
	o.completions = append(o.completions, completion{
		RunID:       run.ID,
		ProjectID:   run.ProjectID,
		Status:      run.Status,
		Duration:    run.Duration(),
		Retries:     retries,
		CompletedAt: time.Now(),
	})
	for _, e := range log {
		if e.Status == domain.LogError || e.Status == domain.LogTimeout {
			o.stageFailures[e.Stage]++
		}
	}
}

// GetMetrics returns aggregated metrics
func (o *Observer) GetMetrics() Metrics {
	o.mu.RLock()
	defer o.mu.RUnlock()

	metrics := Metrics{StageFailures: make(map[domain.Stage]int, len(o.stageFailures))}
	var totalDuration time.Duration
	var totalRetries int

	for _, c := range o.completions {
		metrics.TotalRuns++
		switch c.Status {
		case domain.RunSucceeded:
			metrics.Succeeded++
		case domain.RunCancelled:
			metrics.Cancelled++
		default:
			metrics.Failed++
		}
		totalDuration += c.Duration
		totalRetries += c.Retries
	}
	for stage, n := range o.stageFailures {
		metrics.StageFailures[stage] = n
	}

	if metrics.TotalRuns > 0 {
		metrics.AvgDuration = totalDuration / time.Duration(metrics.TotalRuns)
		metrics.AvgRetries = float64(totalRetries) / float64(metrics.TotalRuns)
	}

	return metrics
}

// GetRecentRuns returns IDs of runs finished within the last duration
func (o *Observer) GetRecentRuns(since time.Duration) []string {
	o.mu.RLock()
	defer o.mu.RUnlock()

	cutoff := time.Now().Add(-since)
	var result []string

	for _, c := range o.completions {
		if c.CompletedAt.After(cutoff) {
			result = append(result, c.RunID)
		}
	}

	return result
}
