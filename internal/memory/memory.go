// Package memory keeps per-project notes and request history that inform
// later planning.
package memory

import (
	"errors"
	"fmt"
	"log"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/store"
)

// ContextFile is the name of the context document in the durable store
const ContextFile = "context.json"

// Store reads and writes project context
type Store struct {
	store *store.Store

	// serializes read-modify-write cycles
	mu  sync.Mutex
	now func() time.Time
}

// New creates a context store on top of the durable store
func New(s *store.Store) *Store {
	return &Store{store: s, now: time.Now}
}

// Load returns the project's context. A missing or unreadable document yields
// an empty context.
func (s *Store) Load(projectID string) *domain.ProjectContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(projectID)
}

func (s *Store) load(projectID string) *domain.ProjectContext {
	var c domain.ProjectContext
	if err := s.store.ReadJSON(projectID, ContextFile, &c); err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			log.Printf("memory: loading context for %s: %v", projectID, err)
		}
		return &domain.ProjectContext{ConversationHistory: []domain.HistoryEntry{}}
	}
	if c.ConversationHistory == nil {
		c.ConversationHistory = []domain.HistoryEntry{}
	}
	return &c
}

func (s *Store) update(projectID string, fn func(c *domain.ProjectContext)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.load(projectID)
	fn(c)
	if err := s.store.WriteJSON(projectID, ContextFile, c); err != nil {
		return fmt.Errorf("saving context for %s: %w", projectID, err)
	}
	return nil
}

// Save merges notes into the project's context. Empty values keep what was
// stored before.
func (s *Store) Save(projectID, semantic, procedural, episodic string) error {
	return s.update(projectID, func(c *domain.ProjectContext) {
		if semantic != "" {
			c.Semantic = semantic
		}
		if procedural != "" {
			c.Procedural = procedural
		}
		if episodic != "" {
			c.Episodic = episodic
		}
		c.LastUpdated = domain.UnixTime(s.now())
	})
}

// AppendHistory records a request and keeps only the most recent entries
func (s *Store) AppendHistory(projectID, prompt string, success bool) error {
	return s.update(projectID, func(c *domain.ProjectContext) {
		c.ConversationHistory = append(c.ConversationHistory, domain.HistoryEntry{
			Timestamp:  domain.UnixTime(s.now()),
			UserPrompt: prompt,
			Success:    success,
		})
		if n := len(c.ConversationHistory); n > domain.MaxHistory {
			c.ConversationHistory = slices.Clone(c.ConversationHistory[n-domain.MaxHistory:])
		}
	})
}

// RecordFiles adds paths to the files known to exist in the project
func (s *Store) RecordFiles(projectID string, files []string) error {
	if len(files) == 0 {
		return nil
	}
	return s.update(projectID, func(c *domain.ProjectContext) {
		for _, f := range files {
			if !slices.Contains(c.FilesCreated, f) {
				c.FilesCreated = append(c.FilesCreated, f)
			}
		}
	})
}

// Hint formats a context for inclusion in a planning request. An empty
// context yields an empty hint.
func Hint(c *domain.ProjectContext) string {
	if c == nil || c.Empty() {
		return ""
	}

	var b strings.Builder
	b.WriteString("## Project context\n\n")
	if c.Semantic != "" {
		fmt.Fprintf(&b, "What this project is:\n%s\n\n", c.Semantic)
	}
	if c.Procedural != "" {
		fmt.Fprintf(&b, "How it is built:\n%s\n\n", c.Procedural)
	}
	if c.Episodic != "" {
		fmt.Fprintf(&b, "What happened so far:\n%s\n\n", c.Episodic)
	}
	if len(c.FilesCreated) > 0 {
		fmt.Fprintf(&b, "Existing files:\n")
		for _, f := range c.FilesCreated {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}
	if len(c.ConversationHistory) > 0 {
		b.WriteString("Previous requests:\n")
		for _, h := range c.ConversationHistory {
			status := "succeeded"
			if !h.Success {
				status = "failed"
			}
			ts := time.Unix(int64(h.Timestamp), 0)
			fmt.Fprintf(&b, "- %s (%s, %s)\n", h.UserPrompt, status, humanize.Time(ts))
		}
		b.WriteString("\n")
	}
	b.WriteString("Build on the existing project instead of starting over.\n")
	return b.String()
}
