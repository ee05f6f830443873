package domain

import "time"

// MaxHistory bounds ProjectContext.ConversationHistory
const MaxHistory = 10

// ProjectSnapshot is the metadata of the files captured for a project
type ProjectSnapshot struct {
	ProjectID string   `json:"project_id"`
	Files     []string `json:"files"`
	Timestamp float64  `json:"timestamp"`
}

// Time returns the snapshot timestamp
func (s *ProjectSnapshot) Time() time.Time {
	sec := int64(s.Timestamp)
	return time.Unix(sec, int64((s.Timestamp-float64(sec))*1e9))
}

// HistoryEntry is one past request against a project
type HistoryEntry struct {
	Timestamp  float64 `json:"timestamp"`
	UserPrompt string  `json:"user_prompt"`
	Success    bool    `json:"success"`
}

// ProjectContext is the accumulated memory of a project
type ProjectContext struct {
	Semantic            string         `json:"semantic,omitempty"`
	Procedural          string         `json:"procedural,omitempty"`
	Episodic            string         `json:"episodic,omitempty"`
	LastUpdated         float64        `json:"last_updated,omitempty"`
	FilesCreated        []string       `json:"files_created,omitempty"`
	ConversationHistory []HistoryEntry `json:"conversation_history"`
}

// Empty reports whether nothing has been recorded for the project yet
func (c *ProjectContext) Empty() bool {
	return c.Semantic == "" && c.Procedural == "" && c.Episodic == "" &&
		len(c.FilesCreated) == 0 && len(c.ConversationHistory) == 0
}

// TransferResult is the partial-success result of a restore or snapshot
type TransferResult struct {
	Succeeded []string          `json:"succeeded"`
	Failed    []TransferFailure `json:"failed"`
}

// SandboxSession is a read-only view of a live sandbox
type SandboxSession struct {
	ProjectID   string        `json:"project_id"`
	SandboxID   string        `json:"sandbox_id"`
	CreatedAt   time.Time     `json:"created_at"`
	LastAccess  time.Time     `json:"last_access"`
	IdleTimeout time.Duration `json:"idle_timeout"`
}

// Expired reports whether the session is past its idle timeout at now
func (s SandboxSession) Expired(now time.Time) bool {
	return now.Sub(s.LastAccess) > s.IdleTimeout
}

// UnixTime converts t to the fractional seconds used in persisted JSON
func UnixTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
