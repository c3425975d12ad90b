package console

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/opensource-finance/claimdesk/internal/domain"
)

// Manager holds the open operator sessions.
type Manager struct {
	deps        Deps
	idleTimeout time.Duration
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager. An idleTimeout of zero keeps
// sessions until they are closed.
func NewManager(deps Deps, idleTimeout time.Duration) *Manager {
	return &Manager{
		deps:        deps,
		idleTimeout: idleTimeout,
		now:         time.Now,
		sessions:    make(map[string]*Session),
	}
}

// Open starts a session that calls the scoring service as token.
func (m *Manager) Open(ctx context.Context, token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: token is required", domain.ErrInvalidInput)
	}

	s := newSession(token, m.deps, m.now())

	m.mu.Lock()
	m.sessions[s.id] = s
	m.mu.Unlock()

	m.deps.Metrics.SessionOpened()
	s.audit(ctx, &domain.AuditEvent{
		Action:     domain.ActionSessionOpened,
		Resource:   "session",
		ResourceID: s.id,
		Result:     domain.AuditSuccess,
	})

	slog.Info("session opened", "session_id", s.id)
	return s, nil
}

// Get returns an open session and marks it as used.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	s.touch(m.now())
	return s, nil
}

// Close ends a session.
func (m *Manager) Close(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	m.closeSession(ctx, s, "closed")
	return nil
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes sessions idle for longer than the idle timeout and returns
// how many it closed.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.idleTimeout <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTimeout)

	var expired []*Session
	m.mu.Lock()
	for id, s := range m.sessions {
		if s.LastSeen().Before(cutoff) {
			expired = append(expired, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range expired {
		m.closeSession(ctx, s, "expired")
	}
	return len(expired)
}

// Run sweeps idle sessions until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	if m.idleTimeout <= 0 {
		return
	}
	interval := m.idleTimeout / 4
	if interval < time.Second {
		interval = time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(ctx); n > 0 {
				slog.Info("idle sessions expired", "count", n)
			}
		}
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		m.closeSession(ctx, s, "shutdown")
	}
}

func (m *Manager) closeSession(ctx context.Context, s *Session, reason string) {
	s.Close()
	m.deps.Metrics.SessionClosed()
	s.audit(ctx, &domain.AuditEvent{
		Action:     domain.ActionSessionClosed,
		Resource:   "session",
		ResourceID: s.id,
		Result:     domain.AuditSuccess,
		Message:    reason,
	})
	slog.Info("session closed", "session_id", s.id, "reason", reason)
}
