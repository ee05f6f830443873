package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
)

const maxLogLines = 12

// EventMsg carries one run event into the view
type EventMsg events.Event

// TickMsg refreshes the elapsed time
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}

// RunView follows a single run until it completes or fails
type RunView struct {
	projectID string
	prompt    string
	cancel    func()

	stage      domain.Stage
	retries    map[domain.ErrorCategory]int
	maxRetries int
	files      []string
	log        []string
	final      *events.Event

	started time.Time
	now     time.Time
	width   int
}

// NewRunView creates the view. cancel is called once when the user aborts.
func NewRunView(projectID, prompt string, maxRetries int, cancel func()) RunView {
	return RunView{
		projectID:  projectID,
		prompt:     prompt,
		cancel:     cancel,
		retries:    map[domain.ErrorCategory]int{},
		maxRetries: maxRetries,
		started:    time.Now(),
		now:        time.Now(),
	}
}

// Init starts the clock
func (m RunView) Init() tea.Cmd {
	return tickCmd()
}

// Final returns the run_completed or run_error event, if one arrived
func (m RunView) Final() (events.Event, bool) {
	if m.final == nil {
		return events.Event{}, false
	}
	return *m.final, true
}

// Update handles messages
func (m RunView) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			if m.cancel != nil {
				m.cancel()
				m.cancel = nil
				m.log = appendLog(m.log, warningStyle.Render("cancelling..."))
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case TickMsg:
		m.now = time.Time(msg)
		if m.final != nil {
			return m, nil
		}
		return m, tickCmd()

	case EventMsg:
		ev := events.Event(msg)
		m.apply(ev)
		if m.final != nil {
			return m, tea.Quit
		}
	}

	return m, nil
}

func (m *RunView) apply(ev events.Event) {
	switch ev.Type {
	case events.StageStarted:
		m.stage = ev.Stage
	case events.Retry:
		if ev.Category != "" {
			m.retries[ev.Category] = ev.Attempt
		}
	case events.FileCreated:
		m.files = appendUnique(m.files, ev.Path)
	case events.FileDeleted:
		m.files = removePath(m.files, ev.Path)
	case events.RunCompleted, events.RunError:
		m.stage = domain.StageDone
		m.final = &ev
	}
	m.log = appendLog(m.log, formatEvent(ev))
}

// View renders the run status
func (m RunView) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Run "+m.projectID) + " " + dimmedStyle.Render(truncate(m.prompt, 60)) + "\n\n")

	stage := "waiting"
	if m.stage != "" {
		stage = string(m.stage)
	}
	elapsed := m.now.Sub(m.started).Truncate(time.Second)
	status := fmt.Sprintf("%s %s   %s %s",
		headerStyle.Render("Stage:"), stage,
		headerStyle.Render("Elapsed:"), elapsed)
	status += fmt.Sprintf("\n%s build %s  runtime %s",
		headerStyle.Render("Repairs:"),
		m.retryCount(domain.ValidationErrors),
		m.retryCount(domain.RuntimeErrors))
	status += fmt.Sprintf("\n%s %d", headerStyle.Render("Files:"), len(m.files))
	for _, f := range lastN(m.files, 5) {
		status += "\n  " + dimmedStyle.Render(f)
	}
	b.WriteString(boxStyle.Render(status) + "\n\n")

	for _, line := range m.log {
		b.WriteString(line + "\n")
	}

	if m.final == nil {
		b.WriteString("\n" + dimmedStyle.Render("q: cancel run"))
	}
	return b.String()
}

func (m RunView) retryCount(cat domain.ErrorCategory) string {
	s := fmt.Sprintf("%d/%d", m.retries[cat], m.maxRetries)
	if m.retries[cat] > 0 {
		return warningStyle.Render(s)
	}
	return s
}

func appendLog(log []string, line string) []string {
	log = append(log, line)
	if len(log) > maxLogLines {
		log = log[len(log)-maxLogLines:]
	}
	return log
}

func appendUnique(files []string, path string) []string {
	for _, f := range files {
		if f == path {
			return files
		}
	}
	return append(files, path)
}

func removePath(files []string, path string) []string {
	out := make([]string, 0, len(files))
	for _, f := range files {
		if f != path {
			out = append(out, f)
		}
	}
	return out
}

func lastN(s []string, n int) []string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
