package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
)

// SlackNotifier posts run notifications to an incoming webhook
type SlackNotifier struct {
	webhookURL string
	client     *http.Client
}

// SlackMessage is an incoming webhook payload
type SlackMessage struct {
	Text        string            `json:"text"`
	Attachments []SlackAttachment `json:"attachments,omitempty"`
}

// SlackAttachment carries the run details
type SlackAttachment struct {
	Fallback  string       `json:"fallback"`
	Color     string       `json:"color"`
	Title     string       `json:"title"`
	TitleLink string       `json:"title_link,omitempty"`
	Text      string       `json:"text"`
	Fields    []SlackField `json:"fields,omitempty"`
	Footer    string       `json:"footer,omitempty"`
	Ts        int64        `json:"ts,omitempty"`
}

// SlackField is one attachment field
type SlackField struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// NewSlackNotifier creates a Slack notifier. An empty URL disables it.
func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

// SlackColor maps a run status to an attachment color
func SlackColor(status domain.RunStatus) string {
	switch status {
	case domain.RunSucceeded:
		return "good"
	case domain.RunCancelled:
		return "warning"
	case domain.RunFailed, domain.RunAborted:
		return "danger"
	default:
		return "#439FE0"
	}
}

// SlackMessageFor lays out a run notification as a single attachment
func SlackMessageFor(n Notification) SlackMessage {
	a := SlackAttachment{
		Fallback:  n.Title,
		Color:     SlackColor(n.Status),
		Title:     "Open preview",
		TitleLink: n.URL,
		Text:      n.Summary,
		Footer:    "sandbox-orch · run " + n.RunID,
		Ts:        time.Now().Unix(),
	}
	if n.URL == "" {
		a.Title = n.ProjectID
	}
	for _, f := range n.Fields {
		a.Fields = append(a.Fields, SlackField{Title: f.Title, Value: f.Value, Short: f.Short})
	}
	return SlackMessage{Text: n.Title, Attachments: []SlackAttachment{a}}
}

// Send posts the notification
func (s *SlackNotifier) Send(n Notification) error {
	if s.webhookURL == "" {
		return nil
	}

	payload, err := json.Marshal(SlackMessageFor(n))
	if err != nil {
		return fmt.Errorf("encoding slack message: %w", err)
	}
	resp, err := s.client.Post(s.webhookURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("posting to slack: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned %d", resp.StatusCode)
	}
	return nil
}
