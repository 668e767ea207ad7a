package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/snapclassify/internal/classifier"
)

var (
	// ErrNotFound is returned for unknown sessions and for sessions owned by
	// someone else.
	ErrNotFound        = errors.New("session not found")
	ErrTooManySessions = errors.New("too many active sessions")
)

// DefaultMaxSessions caps concurrently open sessions.
const DefaultMaxSessions = 1000

// closeConcurrency bounds how many sessions are closed at once.
const closeConcurrency = 16

// Manager keeps the open sessions of every owner.
type Manager struct {
	provider    classifier.Provider
	previews    PreviewStore
	logger      *zap.Logger
	sessionOpts []Option
	maxSessions int
	now         func() time.Time

	mu       sync.RWMutex
	sessions map[string]*entry
}

type entry struct {
	session      *Session
	owner        string
	lastAccessed time.Time
}

// ManagerOption customises a Manager.
type ManagerOption func(*Manager)

// WithMaxSessions sets the open-session cap.
func WithMaxSessions(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxSessions = n
		}
	}
}

// WithSessionOptions applies opts to every session the manager creates.
func WithSessionOptions(opts ...Option) ManagerOption {
	return func(m *Manager) {
		m.sessionOpts = append(m.sessionOpts, opts...)
	}
}

// NewManager builds a manager whose sessions share provider and previews.
func NewManager(provider classifier.Provider, previews PreviewStore, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		provider:    provider,
		previews:    previews,
		logger:      logger,
		maxSessions: DefaultMaxSessions,
		now:         time.Now,
		sessions:    make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create opens a new session owned by owner.
func (m *Manager) Create(owner string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.sessions) >= m.maxSessions {
		return nil, ErrTooManySessions
	}

	id := uuid.NewString()
	s := New(id, m.provider, m.previews, m.logger, m.sessionOpts...)
	m.sessions[id] = &entry{session: s, owner: owner, lastAccessed: m.now()}
	m.logger.Info("session created", zap.String("session_id", id), zap.String("owner", owner))
	return s, nil
}

// Get returns owner's session id and marks it as recently used.
func (m *Manager) Get(id, owner string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.sessions[id]
	if !ok || e.owner != owner {
		return nil, ErrNotFound
	}
	e.lastAccessed = m.now()
	return e.session, nil
}

// Delete closes owner's session id and forgets it.
func (m *Manager) Delete(ctx context.Context, id, owner string) error {
	m.mu.Lock()
	e, ok := m.sessions[id]
	if !ok || e.owner != owner {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.sessions, id)
	m.mu.Unlock()

	m.logger.Info("session deleted", zap.String("session_id", id))
	return e.session.Close(ctx)
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep closes sessions unused for longer than maxIdle and returns how many
// were closed.
func (m *Manager) Sweep(ctx context.Context, maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	var expired []*Session
	for id, e := range m.sessions {
		if e.lastAccessed.Before(cutoff) {
			expired = append(expired, e.session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	if err := closeAll(ctx, expired); err != nil {
		m.logger.Warn("failed to close idle sessions", zap.Error(err))
	}
	if len(expired) > 0 {
		m.logger.Info("swept idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps idle sessions every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval, maxIdle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx, maxIdle)
		}
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, e := range m.sessions {
		all = append(all, e.session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	return closeAll(ctx, all)
}

func closeAll(ctx context.Context, sessions []*Session) error {
	var g errgroup.Group
	g.SetLimit(closeConcurrency)
	for _, s := range sessions {
		s := s
		g.Go(func() error {
			if err := s.Close(ctx); err != nil {
				return fmt.Errorf("close session %s: %w", s.ID(), err)
			}
			return nil
		})
	}
	return g.Wait()
}
