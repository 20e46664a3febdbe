package session

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/larder/internal/confirm"
	"github.com/MrWong99/larder/pkg/inventory"
)

// Store persists the parts of session state that must outlive a process:
// each session's recent commands and each user's confirmation accuracy.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// AppendRecent pushes rc to the front of the session's list, keeps at
	// most limit entries and refreshes the list's expiry to ttl.
	AppendRecent(ctx context.Context, sessionID string, rc inventory.RecentCommand, limit int, ttl time.Duration) error

	// Recent returns the session's recent commands, newest first.
	Recent(ctx context.Context, sessionID string) ([]inventory.RecentCommand, error)

	// DeleteRecent drops the session's list.
	DeleteRecent(ctx context.Context, sessionID string) error

	// RecordOutcome counts one confirmation reply for userID. A correct
	// reply increments the correct count; otherwise mistakeField, when set,
	// is counted as the corrected field.
	RecordOutcome(ctx context.Context, userID string, correct bool, mistakeField string) error

	// Accuracy returns userID's confirmation record.
	Accuracy(ctx context.Context, userID string) (confirm.Accuracy, error)
}

// MemoryStore is an in-process [Store]. Recent lists expire lazily on read.
type MemoryStore struct {
	mu       sync.Mutex
	recent   map[string]recentList
	accuracy map[string]confirm.Accuracy
	now      func() time.Time
}

type recentList struct {
	items   []inventory.RecentCommand
	expires time.Time
}

// NewMemoryStore returns an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		recent:   make(map[string]recentList),
		accuracy: make(map[string]confirm.Accuracy),
		now:      time.Now,
	}
}

// AppendRecent implements [Store].
func (m *MemoryStore) AppendRecent(_ context.Context, sessionID string, rc inventory.RecentCommand, limit int, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.live(sessionID)
	l.items = append([]inventory.RecentCommand{rc}, l.items...)
	if limit > 0 && len(l.items) > limit {
		l.items = l.items[:limit]
	}
	l.expires = time.Time{}
	if ttl > 0 {
		l.expires = m.now().Add(ttl)
	}
	m.recent[sessionID] = l
	return nil
}

// Recent implements [Store].
func (m *MemoryStore) Recent(_ context.Context, sessionID string) ([]inventory.RecentCommand, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]inventory.RecentCommand(nil), m.live(sessionID).items...), nil
}

// DeleteRecent implements [Store].
func (m *MemoryStore) DeleteRecent(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.recent, sessionID)
	return nil
}

// RecordOutcome implements [Store].
func (m *MemoryStore) RecordOutcome(_ context.Context, userID string, correct bool, mistakeField string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a := m.accuracy[userID]
	a.Total++
	switch {
	case correct:
		a.Correct++
	case mistakeField != "":
		mistakes := make(map[string]int, len(a.Mistakes)+1)
		for k, v := range a.Mistakes {
			mistakes[k] = v
		}
		mistakes[mistakeField]++
		a.Mistakes = mistakes
	}
	m.accuracy[userID] = a
	return nil
}

// Accuracy implements [Store].
func (m *MemoryStore) Accuracy(_ context.Context, userID string) (confirm.Accuracy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accuracy[userID], nil
}

// live returns the unexpired list for id. Caller holds m.mu.
func (m *MemoryStore) live(id string) recentList {
	l, ok := m.recent[id]
	if ok && !l.expires.IsZero() && !m.now().Before(l.expires) {
		delete(m.recent, id)
		return recentList{}
	}
	return l
}

var _ Store = (*MemoryStore)(nil)
