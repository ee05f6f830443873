// Package toolserver exposes a project's sandbox to the coding agent as MCP
// tools.
package toolserver

import (
	"context"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/sandbox"
)

// Sessions hands out the live sandbox of a project
type Sessions interface {
	Acquire(ctx context.Context, projectID string) (sandbox.Handle, error)
}

// ContextStore reads and merges project context
type ContextStore interface {
	Load(projectID string) *domain.ProjectContext
	Save(projectID, semantic, procedural, episodic string) error
}

// Options configures the tool server
type Options struct {
	Name         string
	Version      string
	WorkDir      string
	BuildCommand string
	// ExcludeDirs are hidden from list_files
	ExcludeDirs []string
	Emitter     events.Emitter
}

// Server builds one MCP server per project
type Server struct {
	sessions Sessions
	memory   ContextStore
	opts     Options

	mu       sync.Mutex
	handlers map[string]*server.StreamableHTTPServer
}

// New creates a tool server
func New(sessions Sessions, memory ContextStore, opts Options) *Server {
	if opts.Name == "" {
		opts.Name = "sandbox"
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	if opts.BuildCommand == "" {
		opts.BuildCommand = "npm run build"
	}
	opts.WorkDir = strings.TrimSuffix(opts.WorkDir, "/")
	if opts.Emitter == nil {
		opts.Emitter = events.Discard
	}
	return &Server{
		sessions: sessions,
		memory:   memory,
		opts:     opts,
		handlers: make(map[string]*server.StreamableHTTPServer),
	}
}

// MCPServer returns a new MCP server whose tools act on projectID
func (s *Server) MCPServer(projectID string) *server.MCPServer {
	svr := server.NewMCPServer(s.opts.Name, s.opts.Version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	p := &projectTools{srv: s, projectID: projectID}
	svr.AddTools(p.tools()...)
	return svr
}

// HTTPHandler returns the streamable HTTP endpoint for a project
func (s *Server) HTTPHandler(projectID string) http.Handler {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handlers[projectID]; ok {
		return h
	}
	h := server.NewStreamableHTTPServer(s.MCPServer(projectID))
	s.handlers[projectID] = h
	return h
}

// SetEmitter routes tool events, e.g. to the run supervisor
func (s *Server) SetEmitter(em events.Emitter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opts.Emitter = em
}

func (s *Server) emit(projectID string, ev events.Event) {
	s.mu.Lock()
	em := s.opts.Emitter
	s.mu.Unlock()

	ev.ProjectID = projectID
	defer func() {
		if r := recover(); r != nil {
			log.Printf("toolserver: emitter panicked: %v", r)
		}
	}()
	em.Emit(projectID, ev)
}

func (s *Server) excluded(rel string) bool {
	for _, part := range strings.Split(rel, "/") {
		for _, ex := range s.opts.ExcludeDirs {
			if part == ex {
				return true
			}
		}
	}
	return false
}
