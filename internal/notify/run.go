package notify

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// maxListedFiles caps the file names spelled out in a notification
const maxListedFiles = 5

// ForRun builds the notification for a finished run from its record and
// execution log
func ForRun(run *domain.Run, log []domain.LogEntry, url string) Notification {
	n := Notification{
		Status:    run.Status,
		ProjectID: run.ProjectID,
		RunID:     run.ID,
		URL:       url,
		Summary:   fmt.Sprintf("%q", run.Prompt),
	}

	switch run.Status {
	case domain.RunSucceeded:
		n.Title = fmt.Sprintf("%s is ready", run.ProjectID)
	case domain.RunCancelled:
		n.Title = fmt.Sprintf("Run for %s was cancelled", run.ProjectID)
	case domain.RunAborted:
		n.Title = fmt.Sprintf("Run for %s was aborted", run.ProjectID)
	default:
		n.Title = fmt.Sprintf("Run for %s failed", run.ProjectID)
	}
	if run.ErrorMessage != "" && run.Status != domain.RunSucceeded {
		n.Summary += "\n" + run.ErrorMessage
	}

	took := strings.TrimSpace(humanize.RelTime(run.StartedAt, run.StartedAt.Add(run.Duration()), "", ""))
	n.Fields = append(n.Fields,
		Field{Title: "Duration", Value: took, Short: true},
		Field{Title: "Repairs", Value: retries(run.RetryCount), Short: true},
	)
	if stage, status, ok := lastFailure(log); ok {
		n.Fields = append(n.Fields, Field{Title: "Failing stage", Value: fmt.Sprintf("%s (%s)", stage, status), Short: true})
	}
	if len(run.FilesCreated) > 0 {
		n.Fields = append(n.Fields, Field{Title: fmt.Sprintf("Files (%d)", len(run.FilesCreated)), Value: fileList(run.FilesCreated)})
	}
	return n
}

func retries(counts map[domain.ErrorCategory]int) string {
	v, r := counts[domain.ValidationErrors], counts[domain.RuntimeErrors]
	if v+r == 0 {
		return "none"
	}
	return fmt.Sprintf("%d build, %d runtime", v, r)
}

// lastFailure finds the most recent stage that crashed or timed out
func lastFailure(log []domain.LogEntry) (domain.Stage, domain.LogStatus, bool) {
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Status == domain.LogError || log[i].Status == domain.LogTimeout {
			return log[i].Stage, log[i].Status, true
		}
	}
	return "", "", false
}

func fileList(files []string) string {
	if len(files) <= maxListedFiles {
		return strings.Join(files, "\n")
	}
	return strings.Join(files[:maxListedFiles], "\n") + fmt.Sprintf("\nand %d more", len(files)-maxListedFiles)
}
