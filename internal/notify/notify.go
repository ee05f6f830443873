// Package notify reports finished runs to chat webhooks.
package notify

import "github.com/hochfrequenz/sandbox-orchestrator/internal/domain"

// Field is one labelled fact about a run, rendered side by side when Short
type Field struct {
	Title string
	Value string
	Short bool
}

// Notification is the outcome of one run
type Notification struct {
	Status    domain.RunStatus
	Title     string
	Summary   string
	ProjectID string
	RunID     string
	URL       string // preview of the sandbox, empty when it is gone
	Fields    []Field
}

// Notifier delivers run notifications
type Notifier interface {
	Send(n Notification) error
}

// MultiNotifier sends to multiple notifiers
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to all provided notifiers
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Send delivers to every notifier and returns the last failure
func (m *MultiNotifier) Send(n Notification) error {
	var lastErr error
	for _, notifier := range m.notifiers {
		if err := notifier.Send(n); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// NoopNotifier drops every notification
type NoopNotifier struct{}

func (NoopNotifier) Send(n Notification) error { return nil }
