package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/observer"
)

// RunResponse is the API response for a run
type RunResponse struct {
	ID           string                       `json:"id"`
	ProjectID    string                       `json:"project_id"`
	Prompt       string                       `json:"prompt"`
	Status       string                       `json:"status"`
	Success      bool                         `json:"success"`
	ErrorMessage string                       `json:"error_message,omitempty"`
	RetryCount   map[domain.ErrorCategory]int `json:"retry_count,omitempty"`
	FilesCreated []string                     `json:"files_created,omitempty"`
	StartedAt    string                       `json:"started_at"`
	FinishedAt   *string                      `json:"finished_at,omitempty"`
	Duration     string                       `json:"duration"`
	Log          []domain.LogEntry            `json:"execution_log,omitempty"`
}

// SessionResponse is the API response for a live sandbox
type SessionResponse struct {
	ProjectID  string `json:"project_id"`
	SandboxID  string `json:"sandbox_id"`
	CreatedAt  string `json:"created_at"`
	LastAccess string `json:"last_access"`
	IdleFor    string `json:"idle_for"`
	Running    bool   `json:"running"`
}

// ActiveRunResponse describes a run in progress
type ActiveRunResponse struct {
	RunID         string `json:"run_id"`
	ProjectID     string `json:"project_id"`
	Prompt        string `json:"prompt"`
	StartedAt     string `json:"started_at"`
	Elapsed       string `json:"elapsed"`
	Stuck         bool   `json:"stuck"`
	DroppedEvents int    `json:"dropped_events"`
}

// MetricsResponse is the run metrics plus the runs still in progress
type MetricsResponse struct {
	observer.Metrics
	ActiveRuns []ActiveRunResponse `json:"active_runs"`
}

// SubmitRequest is the body of POST /api/projects/{id}/runs
type SubmitRequest struct {
	Prompt string `json:"prompt"`
}

// ContextRequest is the body of PUT /api/projects/{id}/context
type ContextRequest struct {
	Semantic   string `json:"semantic"`
	Procedural string `json:"procedural"`
	Episodic   string `json:"episodic"`
}

func runToResponse(r *domain.Run) RunResponse {
	resp := RunResponse{
		ID:           r.ID,
		ProjectID:    r.ProjectID,
		Prompt:       r.Prompt,
		Status:       string(r.Status),
		Success:      r.Success,
		ErrorMessage: r.ErrorMessage,
		RetryCount:   r.RetryCount,
		FilesCreated: r.FilesCreated,
		StartedAt:    r.StartedAt.Format(time.RFC3339),
		Duration:     r.Duration().Round(time.Second).String(),
	}
	if r.FinishedAt != nil {
		t := r.FinishedAt.Format(time.RFC3339)
		resp.FinishedAt = &t
	}
	return resp
}

func runSummary(r *domain.Run) events.RunSummary {
	return events.RunSummary{
		ID:           r.ID,
		Prompt:       r.Prompt,
		Status:       string(r.Status),
		Success:      r.Success,
		ErrorMessage: r.ErrorMessage,
		StartedAt:    r.StartedAt.Format(time.RFC3339),
	}
}

func (s *Server) healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]interface{}{
			"status":   "ok",
			"version":  s.opts.Version,
			"sessions": len(s.deps.Sessions.Sessions()),
		})
	}
}

func (s *Server) sessionsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := s.deps.Sessions.Sessions()
		resp := make([]SessionResponse, 0, len(sessions))
		for _, sess := range sessions {
			_, running := s.deps.Runs.ActiveRun(sess.ProjectID)
			resp = append(resp, SessionResponse{
				ProjectID:  sess.ProjectID,
				SandboxID:  sess.SandboxID,
				CreatedAt:  sess.CreatedAt.Format(time.RFC3339),
				LastAccess: sess.LastAccess.Format(time.RFC3339),
				IdleFor:    strings.TrimSpace(humanize.RelTime(sess.LastAccess, time.Now(), "", "")),
				Running:    running,
			})
		}
		writeJSON(w, resp)
	}
}

func (s *Server) metricsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Metrics == nil {
			writeError(w, http.StatusServiceUnavailable, "metrics not available")
			return
		}
		resp := MetricsResponse{
			Metrics:    s.deps.Metrics.GetMetrics(),
			ActiveRuns: []ActiveRunResponse{},
		}
		for _, run := range s.deps.Runs.ActiveRuns() {
			resp.ActiveRuns = append(resp.ActiveRuns, ActiveRunResponse{
				RunID:         run.ID,
				ProjectID:     run.ProjectID,
				Prompt:        run.Prompt,
				StartedAt:     run.StartedAt.Format(time.RFC3339),
				Elapsed:       strings.TrimSpace(humanize.RelTime(run.StartedAt, time.Now(), "", "")),
				Stuck:         s.deps.Metrics.IsStuck(run),
				DroppedEvents: s.deps.Runs.Dropped(run.ProjectID),
			})
		}
		writeJSON(w, resp)
	}
}

func (s *Server) submitRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req SubmitRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			writeError(w, http.StatusBadRequest, "prompt is required")
			return
		}

		runID, err := s.deps.Runs.Submit(r.PathValue("id"), req.Prompt)
		if errors.Is(err, domain.ErrAlreadyRunning) {
			writeError(w, http.StatusConflict, "a run is already in progress for this project")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSONStatus(w, http.StatusAccepted, map[string]string{"run_id": runID})
	}
}

func (s *Server) listRunsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.History == nil {
			writeJSON(w, []RunResponse{})
			return
		}
		limit := 20
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "invalid limit")
				return
			}
			limit = n
		}

		runs, err := s.deps.History.ListRuns(r.PathValue("id"), limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		resp := make([]RunResponse, len(runs))
		for i, run := range runs {
			resp[i] = runToResponse(run)
		}
		writeJSON(w, resp)
	}
}

func (s *Server) getRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.History == nil {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		run, err := s.deps.History.GetRun(r.PathValue("run"))
		if errors.Is(err, domain.ErrNotFound) || (err == nil && run.ProjectID != r.PathValue("id")) {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}

		resp := runToResponse(run)
		if resp.Log, err = s.deps.History.GetLogs(run.ID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, resp)
	}
}

func (s *Server) cancelRunHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.deps.Runs.Cancel(r.PathValue("id")) {
			writeError(w, http.StatusNotFound, "no active run")
			return
		}
		writeJSON(w, map[string]string{"status": "cancelling"})
	}
}

// excluded reports whether rel lies below an excluded directory
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

func (s *Server) listFilesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h, ok := s.deps.Sessions.Lookup(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "no active sandbox for project")
			return
		}
		files, err := h.ListFiles(r.Context(), s.opts.WorkDir)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		kept := make([]string, 0, len(files))
		for _, f := range files {
			if !s.excluded(f) {
				kept = append(kept, f)
			}
		}
		writeJSON(w, map[string]interface{}{"files": kept})
	}
}

func (s *Server) readFileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rel := path.Clean("/" + r.PathValue("path"))[1:]
		if rel == "" {
			writeError(w, http.StatusBadRequest, "file path required")
			return
		}
		h, ok := s.deps.Sessions.Lookup(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "no active sandbox for project")
			return
		}
		data, err := h.ReadFile(r.Context(), path.Join(s.opts.WorkDir, rel))
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, map[string]string{"path": rel, "content": string(data)})
	}
}

func (s *Server) getContextHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, s.deps.Context.Load(r.PathValue("id")))
	}
}

func (s *Server) saveContextHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ContextRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		id := r.PathValue("id")
		if err := s.deps.Context.Save(id, req.Semantic, req.Procedural, req.Episodic); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, s.deps.Context.Load(id))
	}
}

func (s *Server) releaseSandboxHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, running := s.deps.Runs.ActiveRun(id); running {
			writeError(w, http.StatusConflict, "a run is in progress for this project")
			return
		}
		if _, ok := s.deps.Sessions.Lookup(id); !ok {
			writeError(w, http.StatusNotFound, "no active sandbox for project")
			return
		}
		if err := s.deps.Sessions.Release(r.Context(), id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "released"})
	}
}

// deleteProjectHandler drops the project's sandbox and everything stored for
// it. Run history stays in the run store.
func (s *Server) deleteProjectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if _, running := s.deps.Runs.ActiveRun(id); running {
			writeError(w, http.StatusConflict, "a run is in progress for this project")
			return
		}
		if _, ok := s.deps.Sessions.Lookup(id); ok {
			if err := s.deps.Sessions.Release(r.Context(), id); err != nil {
				writeError(w, http.StatusInternalServerError, err.Error())
				return
			}
		}
		if err := s.deps.Projects.Cleanup(id); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, map[string]string{"status": "deleted"})
	}
}
