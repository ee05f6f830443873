package sandbox

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hochfrequenz/sandbox-orchestrator/internal/domain"
	"github.com/hochfrequenz/sandbox-orchestrator/internal/events"
)

// Restorer copies persisted project files into a fresh sandbox
type Restorer interface {
	Restore(ctx context.Context, projectID string, h Handle) (*domain.TransferResult, error)
}

// ManagerConfig configures sandbox lifecycle
type ManagerConfig struct {
	Template          string
	WorkDir           string
	CacheCleanCommand string
	IdleTimeout       time.Duration
	// CreateTimeout bounds creating, restoring and cleaning a new sandbox
	CreateTimeout time.Duration
}

type session struct {
	handle     Handle
	createdAt  time.Time
	lastAccess time.Time
}

// Manager owns the registry of live sandboxes, one per project
type Manager struct {
	provider Provider
	restorer Restorer
	cfg      ManagerConfig
	emitter  events.Emitter

	mu       sync.Mutex
	sessions map[string]*session
	creating singleflight.Group

	now func() time.Time
}

// NewManager creates a session manager
func NewManager(provider Provider, restorer Restorer, cfg ManagerConfig) *Manager {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Minute
	}
	if cfg.CreateTimeout <= 0 {
		cfg.CreateTimeout = 5 * time.Minute
	}
	return &Manager{
		provider: provider,
		restorer: restorer,
		cfg:      cfg,
		emitter:  events.Discard,
		sessions: make(map[string]*session),
		now:      time.Now,
	}
}

// SetEmitter sets where sandbox lifecycle events are sent
func (m *Manager) SetEmitter(e events.Emitter) {
	if e == nil {
		e = events.Discard
	}
	m.emitter = e
}

// WorkDir returns the application directory inside sandboxes
func (m *Manager) WorkDir() string {
	return m.cfg.WorkDir
}

// Acquire returns the live sandbox for a project, creating and restoring one
// when none exists or the existing one has been idle too long.
func (m *Manager) Acquire(ctx context.Context, projectID string) (Handle, error) {
	if h := m.fresh(projectID); h != nil {
		err := h.SetTimeout(ctx, m.cfg.IdleTimeout)
		if err == nil {
			return h, nil
		}
		log.Printf("sandbox: extending timeout for %s failed, recreating: %v", projectID, err)
		m.expire(projectID, h)
	}

	v, err, _ := m.creating.Do(projectID, func() (interface{}, error) {
		// Another caller may have finished creating while we waited
		if h := m.fresh(projectID); h != nil {
			return h, nil
		}
		// creation outlives the caller so waiters never see a half-built sandbox
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CreateTimeout)
		defer cancel()
		return m.create(cctx, projectID)
	})
	if err != nil {
		return nil, err
	}
	return v.(Handle), nil
}

// fresh returns the live handle and refreshes its access time, or nil when
// there is none or it has expired
func (m *Manager) fresh(projectID string) Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[projectID]
	if !ok {
		return nil
	}
	now := m.now()
	if now.Sub(s.lastAccess) > m.cfg.IdleTimeout {
		return nil
	}
	s.lastAccess = now
	return s.handle
}

// expire marks the session as stale so the next creation replaces it
func (m *Manager) expire(projectID string, h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[projectID]; ok && s.handle == h {
		s.lastAccess = time.Time{}
	}
}

func (m *Manager) create(ctx context.Context, projectID string) (Handle, error) {
	m.mu.Lock()
	stale := m.sessions[projectID]
	delete(m.sessions, projectID)
	m.mu.Unlock()

	if stale != nil {
		log.Printf("sandbox: %s for project %s expired, recreating", stale.handle.ID(), projectID)
		if err := stale.handle.Destroy(ctx); err != nil {
			log.Printf("sandbox: destroying stale sandbox %s: %v", stale.handle.ID(), err)
		}
	}

	log.Printf("sandbox: creating %s sandbox for project %s", m.provider.Name(), projectID)
	h, err := m.provider.Create(ctx, m.cfg.Template)
	if err != nil {
		return nil, fmt.Errorf("creating sandbox for %s: %w: %w", projectID, domain.ErrSandboxUnavailable, err)
	}
	if err := h.SetTimeout(ctx, m.cfg.IdleTimeout); err != nil {
		log.Printf("sandbox: setting timeout on %s: %v", h.ID(), err)
	}
	m.emitter.Emit(projectID, events.Event{
		Type:      events.SandboxCreated,
		ProjectID: projectID,
		Message:   fmt.Sprintf("sandbox %s created", h.ID()),
		Time:      m.now(),
	})

	if m.restorer != nil {
		res, err := m.restorer.Restore(ctx, projectID, h)
		switch {
		case err != nil:
			log.Printf("sandbox: restoring project %s: %v", projectID, err)
		case len(res.Succeeded)+len(res.Failed) > 0:
			log.Printf("sandbox: restored %d files for project %s (%d failed)", len(res.Succeeded), projectID, len(res.Failed))
			m.emitter.Emit(projectID, events.Event{
				Type:      events.SandboxRestored,
				ProjectID: projectID,
				Files:     res.Succeeded,
				Message:   fmt.Sprintf("restored %d files", len(res.Succeeded)),
				Time:      m.now(),
			})
		}
	}

	if m.cfg.CacheCleanCommand != "" {
		res, err := h.RunCommand(ctx, m.cfg.CacheCleanCommand, m.cfg.WorkDir)
		if err != nil {
			log.Printf("sandbox: cache clean for %s failed: %v", projectID, err)
		} else if res.ExitCode != 0 {
			log.Printf("sandbox: cache clean for %s exited %d: %s", projectID, res.ExitCode, res.Combined())
		}
	}

	now := m.now()
	m.mu.Lock()
	m.sessions[projectID] = &session{handle: h, createdAt: now, lastAccess: now}
	m.mu.Unlock()

	return h, nil
}

// Release destroys the project's sandbox immediately
func (m *Manager) Release(ctx context.Context, projectID string) error {
	m.mu.Lock()
	s, ok := m.sessions[projectID]
	delete(m.sessions, projectID)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	log.Printf("sandbox: closing %s for project %s", s.handle.ID(), projectID)
	if err := s.handle.Destroy(ctx); err != nil {
		return fmt.Errorf("destroying sandbox %s: %w", s.handle.ID(), err)
	}
	return nil
}

// ReleaseIf destroys the project's sandbox only when h is still the registered
// handle and it is still idle past the timeout. It reports whether it did.
func (m *Manager) ReleaseIf(ctx context.Context, projectID string, h Handle) (bool, error) {
	m.mu.Lock()
	s, ok := m.sessions[projectID]
	if !ok || s.handle != h || m.now().Sub(s.lastAccess) <= m.cfg.IdleTimeout {
		m.mu.Unlock()
		return false, nil
	}
	delete(m.sessions, projectID)
	m.mu.Unlock()

	log.Printf("sandbox: closing idle %s for project %s", h.ID(), projectID)
	if err := h.Destroy(ctx); err != nil {
		return true, fmt.Errorf("destroying sandbox %s: %w", h.ID(), err)
	}
	return true, nil
}

// Lookup returns the registered sandbox without refreshing its access time
func (m *Manager) Lookup(projectID string) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[projectID]
	if !ok {
		return nil, false
	}
	return s.handle, true
}

// Sessions returns a view of every registered sandbox, sorted by project
func (m *Manager) Sessions() []domain.SandboxSession {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]domain.SandboxSession, 0, len(m.sessions))
	for id, s := range m.sessions {
		out = append(out, domain.SandboxSession{
			ProjectID:   id,
			SandboxID:   s.handle.ID(),
			CreatedAt:   s.createdAt,
			LastAccess:  s.lastAccess,
			IdleTimeout: m.cfg.IdleTimeout,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectID < out[j].ProjectID })
	return out
}

// Idle returns the projects whose sandbox has been idle past the timeout at now
func (m *Manager) Idle(now time.Time) []string {
	var ids []string
	for _, s := range m.Sessions() {
		if s.Expired(now) {
			ids = append(ids, s.ProjectID)
		}
	}
	return ids
}

// Close destroys every sandbox
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*session)
	m.mu.Unlock()

	for id, s := range sessions {
		if err := s.handle.Destroy(ctx); err != nil {
			log.Printf("sandbox: destroying %s for project %s: %v", s.handle.ID(), id, err)
		}
	}
}
