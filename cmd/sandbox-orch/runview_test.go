package main

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
)

func send(t *testing.T, m RunView, msg tea.Msg) (RunView, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	return next.(RunView), cmd
}

func TestRunView_TracksStageRetriesAndFiles(t *testing.T) {
	m := NewRunView("p1", "a todo app", 3, nil)

	msgs := []events.Event{
		{Type: events.StageStarted, Stage: domain.StagePlan},
		{Type: events.StageStarted, Stage: domain.StageBuild},
		{Type: events.FileCreated, Path: "src/App.jsx"},
		{Type: events.FileCreated, Path: "src/Nav.jsx"},
		{Type: events.FileCreated, Path: "src/App.jsx"},
		{Type: events.StageStarted, Stage: domain.StageValidate},
		{Type: events.Retry, Category: domain.ValidationErrors, Attempt: 1},
		{Type: events.Retry, Category: domain.ValidationErrors, Attempt: 2},
		{Type: events.FileDeleted, Path: "src/Nav.jsx"},
		{Type: events.StageStarted, Stage: domain.StageCheck},
		{Type: events.Retry, Category: domain.RuntimeErrors, Attempt: 1},
	}
	for _, ev := range msgs {
		var cmd tea.Cmd
		m, cmd = send(t, m, EventMsg(ev))
		if cmd != nil {
			t.Fatalf("%s returned a command before the run finished", ev.Type)
		}
	}

	if m.stage != domain.StageCheck {
		t.Errorf("stage = %s, want check", m.stage)
	}
	if m.retries[domain.ValidationErrors] != 2 || m.retries[domain.RuntimeErrors] != 1 {
		t.Errorf("retries = %v", m.retries)
	}
	if len(m.files) != 1 || m.files[0] != "src/App.jsx" {
		t.Errorf("files = %v, want [src/App.jsx]", m.files)
	}
	if _, ok := m.Final(); ok {
		t.Error("Final() reported a result before the run finished")
	}

	view := m.View()
	for _, want := range []string{"check", "2/3", "1/3", "src/App.jsx", "q: cancel run"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
}

func TestRunView_QuitsOnFinalEvent(t *testing.T) {
	tests := []struct {
		name string
		ev   events.Event
	}{
		{"completed", events.Event{Type: events.RunCompleted, Success: events.Bool(true), URL: "http://preview"}},
		{"error", events.Event{Type: events.RunError, Success: events.Bool(false), Message: "sandbox unavailable"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewRunView("p1", "x", 3, nil)
			m, cmd := send(t, m, EventMsg(tt.ev))
			if cmd == nil {
				t.Fatal("expected a quit command")
			}
			if _, ok := cmd().(tea.QuitMsg); !ok {
				t.Errorf("command did not quit")
			}

			final, ok := m.Final()
			if !ok || final.Type != tt.ev.Type {
				t.Errorf("Final() = %+v, %v", final, ok)
			}
			if m.stage != domain.StageDone {
				t.Errorf("stage = %s, want done", m.stage)
			}
			if strings.Contains(m.View(), "q: cancel run") {
				t.Error("finished view still offers to cancel")
			}

			// the clock stops once the run is over
			if _, cmd := send(t, m, TickMsg(time.Now())); cmd != nil {
				t.Error("tick after the run kept ticking")
			}
		})
	}
}

func TestRunView_CancelOnce(t *testing.T) {
	cancels := 0
	m := NewRunView("p1", "x", 3, func() { cancels++ })

	m, _ = send(t, m, tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	m, _ = send(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})

	if cancels != 1 {
		t.Errorf("cancel called %d times, want 1", cancels)
	}
	if !strings.Contains(m.View(), "cancelling") {
		t.Error("view does not show the cancellation")
	}
}

func TestRunView_LogIsBounded(t *testing.T) {
	m := NewRunView("p1", "x", 3, nil)
	for i := 0; i < maxLogLines+5; i++ {
		m, _ = send(t, m, EventMsg(events.Event{Type: events.CommandExecuted, Message: "npm install"}))
	}
	if len(m.log) != maxLogLines {
		t.Errorf("log lines = %d, want %d", len(m.log), maxLogLines)
	}
}

func TestRunView_Tick(t *testing.T) {
	m := NewRunView("p1", "x", 3, nil)
	now := m.started.Add(90 * time.Second)

	m, cmd := send(t, m, TickMsg(now))
	if cmd == nil {
		t.Error("tick while running should schedule the next tick")
	}
	if !strings.Contains(m.View(), "1m30s") {
		t.Errorf("view does not show elapsed time:\n%s", m.View())
	}
}
