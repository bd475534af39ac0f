package session

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/prefbridge/prefbridge/internal/core"
)

// Manager owns the single active session. Starting a session ends the
// previous one first, so two sets of loops never run against the same store.
type Manager struct {
	deps Deps

	mu     sync.Mutex
	active *Session
	closed bool
}

// NewManager creates a manager that builds sessions from deps.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps}
}

// Deps returns the dependencies sessions are built from.
func (m *Manager) Deps() Deps {
	return m.deps
}

// Start ends the active session, if any, and starts a new one.
func (m *Manager) Start(ctx context.Context) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, core.ErrState(core.CodeSessionEnded, "session manager is closed")
	}

	if m.active != nil {
		if err := m.active.End(ctx, "replaced"); err != nil && m.deps.Logger != nil {
			m.deps.Logger.Warn("ending replaced session", "session_id", m.active.ID(), "error", err)
		}
		m.active = nil
	}

	s, err := Start(ctx, uuid.NewString(), m.deps)
	if err != nil {
		return nil, err
	}
	m.active = s
	return s, nil
}

// Get returns the active session if its id matches.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.ID() != id {
		return nil, core.ErrNotFound("session", id)
	}
	return m.active, nil
}

// Active returns the active session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// End ends the session with id.
func (m *Manager) End(ctx context.Context, id string) error {
	m.mu.Lock()
	s := m.active
	if s == nil || s.ID() != id {
		m.mu.Unlock()
		return core.ErrNotFound("session", id)
	}
	m.active = nil
	m.mu.Unlock()
	return s.End(ctx, "ended")
}

// Close ends the active session and refuses new ones.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	s := m.active
	m.active = nil
	m.closed = true
	m.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.End(ctx, "shutdown")
}
