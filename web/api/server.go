package api

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/observer"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/sandbox"
)

// Runs admits runs and relays their events
type Runs interface {
	Submit(projectID, prompt string) (string, error)
	Cancel(projectID string) bool
	ActiveRun(projectID string) (string, bool)
	ActiveRuns() []*domain.Run
	Attach(projectID string, sink events.Sink) (func(), error)
	Dropped(projectID string) int
}

// Sessions exposes the live sandboxes
type Sessions interface {
	Lookup(projectID string) (sandbox.Handle, bool)
	Release(ctx context.Context, projectID string) error
	Sessions() []domain.SandboxSession
}

// ContextStore reads and merges project context
type ContextStore interface {
	Load(projectID string) *domain.ProjectContext
	Save(projectID, semantic, procedural, episodic string) error
}

// History reads persisted runs
type History interface {
	ListRuns(projectID string, limit int) ([]*domain.Run, error)
	GetRun(id string) (*domain.Run, error)
	GetLogs(runID string) ([]domain.LogEntry, error)
}

// Snapshots reads stored project files
type Snapshots interface {
	Metadata(projectID string) (*domain.ProjectSnapshot, error)
	ReadFile(projectID, rel string) ([]byte, error)
}

// Metrics reports aggregated run metrics
type Metrics interface {
	GetMetrics() observer.Metrics
	IsStuck(run *domain.Run) bool
}

// Projects removes everything stored for a project
type Projects interface {
	Cleanup(projectID string) error
}

// Tools serves the MCP tool endpoint of a project
type Tools interface {
	HTTPHandler(projectID string) http.Handler
}

// Deps are the services the API fronts. Nil History, Snapshots, Metrics,
// Tools or Projects disable the routes that need them.
type Deps struct {
	Runs      Runs
	Sessions  Sessions
	Context   ContextStore
	History   History
	Snapshots Snapshots
	Metrics   Metrics
	Tools     Tools
	Projects  Projects
}

// Options tunes the API
type Options struct {
	WorkDir     string
	ExcludeDirs []string
	PreviewPort int
	Version     string
}

// Server is the HTTP API server
type Server struct {
	deps     Deps
	opts     Options
	addr     string
	mux      *http.ServeMux
	upgrader websocket.Upgrader
	httpSrv  *http.Server
}

var projectIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// NewServer creates a new API server
func NewServer(deps Deps, opts Options, addr string) *Server {
	if opts.PreviewPort == 0 {
		opts.PreviewPort = 5173
	}
	s := &Server{
		deps: deps,
		opts: opts,
		addr: addr,
		mux:  http.NewServeMux(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("GET /api/health", s.healthHandler())
	s.mux.HandleFunc("GET /api/sessions", s.sessionsHandler())
	s.mux.HandleFunc("GET /api/metrics", s.metricsHandler())

	s.mux.HandleFunc("POST /api/projects/{id}/runs", s.project(s.submitRunHandler()))
	s.mux.HandleFunc("GET /api/projects/{id}/runs", s.project(s.listRunsHandler()))
	s.mux.HandleFunc("DELETE /api/projects/{id}/runs/active", s.project(s.cancelRunHandler()))
	s.mux.HandleFunc("GET /api/projects/{id}/runs/{run}", s.project(s.getRunHandler()))
	s.mux.HandleFunc("GET /api/projects/{id}/files", s.project(s.listFilesHandler()))
	s.mux.HandleFunc("GET /api/projects/{id}/files/{path...}", s.project(s.readFileHandler()))
	s.mux.HandleFunc("GET /api/projects/{id}/download", s.project(s.downloadHandler()))
	s.mux.HandleFunc("GET /api/projects/{id}/context", s.project(s.getContextHandler()))
	s.mux.HandleFunc("PUT /api/projects/{id}/context", s.project(s.saveContextHandler()))
	s.mux.HandleFunc("DELETE /api/projects/{id}/sandbox", s.project(s.releaseSandboxHandler()))
	s.mux.HandleFunc("GET /api/projects/{id}/events", s.project(s.sseHandler()))
	if s.deps.Projects != nil {
		s.mux.HandleFunc("DELETE /api/projects/{id}", s.project(s.deleteProjectHandler()))
	}

	s.mux.HandleFunc("GET /ws/{id}", s.project(s.wsHandler()))

	if s.deps.Tools != nil {
		mcp := s.project(func(w http.ResponseWriter, r *http.Request) {
			s.deps.Tools.HTTPHandler(r.PathValue("id")).ServeHTTP(w, r)
		})
		s.mux.HandleFunc("/mcp/{id}", mcp)
		s.mux.HandleFunc("/mcp/{id}/", mcp)
	}
}

// project rejects malformed project ids before h runs
func (s *Server) project(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !projectIDPattern.MatchString(r.PathValue("id")) {
			writeError(w, http.StatusBadRequest, "invalid project id")
			return
		}
		h(w, r)
	}
}

// Handler returns the root handler, e.g. for httptest
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers to return
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func writeJSONStatus(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
