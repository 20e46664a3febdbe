package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/larder/internal/buffer"
	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/pkg/inventory"
)

// ErrNotFound is returned for unknown or ended sessions.
var ErrNotFound = fmt.Errorf("session: %w", inventory.ErrNotFound)

// ErrExists is returned by Start when the id is already in use.
var ErrExists = fmt.Errorf("session: %w", inventory.ErrDuplicate)

// Config configures a [Manager].
type Config struct {
	Limits

	// IdleTimeout is how long a session may go without input before
	// EvictIdle ends it. Zero disables eviction.
	IdleTimeout time.Duration
}

// ManagerOption configures a [Manager].
type ManagerOption func(*Manager)

// WithBufferFactory sets the constructor for each session's transcription
// buffer. It runs once per Start, before the session is visible to Get.
func WithBufferFactory(fn func(*Session) *buffer.Buffer) ManagerOption {
	return func(m *Manager) { m.newBuffer = fn }
}

// WithEndHook registers fn to run after a session ends.
func WithEndHook(fn func(*Session)) ManagerOption {
	return func(m *Manager) { m.onEnd = append(m.onEnd, fn) }
}

// WithMetrics tracks active sessions on m.
func WithMetrics(m *observe.Metrics) ManagerOption {
	return func(mgr *Manager) { mgr.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// Manager owns the live sessions. It is safe for concurrent use.
type Manager struct {
	cfg       Config
	store     Store
	newBuffer func(*Session) *buffer.Buffer
	onEnd     []func(*Session)
	metrics   *observe.Metrics
	now       func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a [Manager]. store is wrapped in a [StoreGuard]; a nil
// store selects a [MemoryStore].
func NewManager(cfg Config, store Store, opts ...ManagerOption) *Manager {
	if store == nil {
		store = NewMemoryStore()
	}
	m := &Manager{
		cfg:      cfg,
		store:    NewStoreGuard(store),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Start creates a session for actor. An empty id gets a generated one. A
// known id restores that session's recent commands from the store.
func (m *Manager) Start(ctx context.Context, id string, actor inventory.Actor) (*Session, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := m.now()
	s := &Session{
		ID:         id,
		Actor:      actor,
		Started:    now,
		limits:     m.cfg.Limits,
		store:      m.store,
		now:        m.now,
		lastActive: now,
	}
	if recent, _ := m.store.Recent(ctx, id); len(recent) > 0 {
		s.recent = recent
		for _, rc := range recent {
			s.mentionLocked(rc.Item)
		}
	}
	if m.newBuffer != nil {
		s.buf = m.newBuffer(s)
	}

	m.mu.Lock()
	if _, ok := m.sessions[id]; ok {
		m.mu.Unlock()
		if s.buf != nil {
			s.buf.Close()
		}
		return nil, fmt.Errorf("%w: %s", ErrExists, id)
	}
	m.sessions[id] = s
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, 1)
	}
	observe.Logger(ctx).Info("session started",
		slog.String("session_id", id),
		slog.String("user_id", actor.UserID),
		slog.String("role", string(actor.Role)),
		slog.Int("restored_commands", len(s.recent)),
	)
	return s, nil
}

// Get returns the live session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return s, nil
}

// End tears the session down: its buffer is closed without side effects,
// its persisted recent commands are deleted and the end hooks run.
func (m *Manager) End(ctx context.Context, id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	m.teardown(ctx, s, "ended", true)
	return nil
}

// EvictIdle ends every session idle since before now minus the idle
// timeout and returns how many were ended.
func (m *Manager) EvictIdle(ctx context.Context, now time.Time) int {
	if m.cfg.IdleTimeout <= 0 {
		return 0
	}
	cutoff := now.Add(-m.cfg.IdleTimeout)

	m.mu.Lock()
	var idle []*Session
	for id, s := range m.sessions {
		if s.LastActive().Before(cutoff) {
			idle = append(idle, s)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, s := range idle {
		m.teardown(ctx, s, "idle", true)
	}
	return len(idle)
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// IsDegraded reports whether the session store is currently failing.
func (m *Manager) IsDegraded() bool {
	if g, ok := m.store.(*StoreGuard); ok {
		return g.IsDegraded()
	}
	return false
}

// Shutdown ends every live session but keeps their persisted recent
// commands, so sessions resumed after a restart get them back.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()
	for _, s := range all {
		m.teardown(ctx, s, "shutdown", false)
	}
}

func (m *Manager) teardown(ctx context.Context, s *Session, reason string, purge bool) {
	s.close()
	if purge {
		_ = m.store.DeleteRecent(ctx, s.ID)
	}
	for _, fn := range m.onEnd {
		fn(s)
	}
	if m.metrics != nil {
		m.metrics.ActiveSessions.Add(ctx, -1)
	}
	observe.Logger(ctx).Info("session ended",
		slog.String("session_id", s.ID),
		slog.String("reason", reason),
	)
}
