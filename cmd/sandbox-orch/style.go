package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errorStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("196"))

	dimmedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

func statusStyle(status string) lipgloss.Style {
	switch status {
	case "succeeded":
		return successStyle
	case "cancelled", "running":
		return warningStyle
	default:
		return errorStyle
	}
}

// formatEvent renders one progress event as a single line
func formatEvent(ev events.Event) string {
	ts := dimmedStyle.Render(ev.Time.Format("15:04:05"))
	switch ev.Type {
	case events.RunStarted:
		return fmt.Sprintf("%s %s %s", ts, titleStyle.Render("▶ run started"), ev.Message)
	case events.StageStarted:
		return fmt.Sprintf("%s %s %s", ts, headerStyle.Render(string(ev.Stage)), ev.Message)
	case events.StageCompleted:
		return fmt.Sprintf("%s %s %s", ts, successStyle.Render("✓ "+string(ev.Stage)), dimmedStyle.Render(ev.Message))
	case events.StageFailed, events.RunError:
		return fmt.Sprintf("%s %s %s", ts, errorStyle.Render("✗ "+string(ev.Type)), ev.Message)
	case events.ErrorFound:
		var lines []string
		for _, e := range ev.Errors {
			lines = append(lines, "    "+warningStyle.Render(e.Type)+" "+e.Message)
		}
		return fmt.Sprintf("%s %s\n%s", ts, warningStyle.Render(fmt.Sprintf("%d errors in %s", len(ev.Errors), ev.Stage)), strings.Join(lines, "\n"))
	case events.Retry:
		return fmt.Sprintf("%s %s %s", ts, warningStyle.Render("↻ retry"), ev.Message)
	case events.FileCreated, events.FileDeleted:
		return fmt.Sprintf("%s   %s %s", ts, dimmedStyle.Render(string(ev.Type)), ev.Path)
	case events.RunCompleted:
		if ev.Success != nil && *ev.Success {
			return fmt.Sprintf("%s %s %s", ts, successStyle.Render("✓ run completed"), ev.URL)
		}
		return fmt.Sprintf("%s %s %s", ts, errorStyle.Render("✗ run failed"), ev.Message)
	default:
		return fmt.Sprintf("%s %s %s", ts, dimmedStyle.Render(string(ev.Type)), ev.Message)
	}
}
