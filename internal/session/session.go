// Package session implements the per-session arena of the voice pipeline.
//
// A [Manager] owns one [Session] per session id. Each session holds its
// conversation history, its recent commands (newest first), the item names
// mentioned so far and its transcription buffer. Sessions share no mutable
// state; processing within one session is serialized through [Session.Do].
//
// Recent commands and per-user confirmation accuracy are written through to
// a [Store] so they survive a restart. Redis and in-memory stores are
// provided.
package session

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/larder/internal/buffer"
	"github.com/MrWong99/larder/internal/confirm"
	"github.com/MrWong99/larder/internal/lexical"
	"github.com/MrWong99/larder/pkg/inventory"
)

// Limits bound the context a session keeps.
type Limits struct {
	HistoryTurns   int
	HistoryMaxAge  time.Duration
	RecentCommands int
	RecentTTL      time.Duration
}

// Session is one voice or text session.
type Session struct {
	ID      string
	Actor   inventory.Actor
	Started time.Time

	limits Limits
	store  Store
	now    func() time.Time

	// exec serializes command processing.
	exec sync.Mutex

	mu         sync.Mutex
	history    []inventory.Turn
	recent     []inventory.RecentCommand
	items      []string
	lastActive time.Time
	buf        *buffer.Buffer
	closed     bool
}

// Do runs fn with the session's processing lock held. fn must not feed the
// session's buffer: buffer observers take the same lock.
func (s *Session) Do(fn func()) {
	s.exec.Lock()
	defer s.exec.Unlock()
	fn()
}

// Buffer returns the session's transcription buffer.
func (s *Session) Buffer() *buffer.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf
}

// Context returns copies of the conversation history, oldest first, and the
// recent commands, newest first. Turns older than the age bound are dropped.
// It has the shape of a [buffer.ContextSource].
func (s *Session) Context() ([]inventory.Turn, []inventory.RecentCommand) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pruneLocked()
	return slices.Clone(s.history), slices.Clone(s.recent)
}

// AddTurn appends a turn to the history.
func (s *Session) AddTurn(t inventory.Turn) {
	if t.At.IsZero() {
		t.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, t)
	s.lastActive = t.At
	s.pruneLocked()
}

// RecordCommand pushes an applied or accepted command onto the recent list
// and marks its item as mentioned.
func (s *Session) RecordCommand(ctx context.Context, rc inventory.RecentCommand) {
	if rc.Timestamp.IsZero() {
		rc.Timestamp = s.now()
	}
	s.mu.Lock()
	s.recent = slices.Insert(s.recent, 0, rc)
	if n := s.limits.RecentCommands; n > 0 && len(s.recent) > n {
		s.recent = s.recent[:n]
	}
	s.mentionLocked(rc.Item)
	s.lastActive = rc.Timestamp
	s.mu.Unlock()

	_ = s.store.AppendRecent(ctx, s.ID, rc, s.limits.RecentCommands, s.limits.RecentTTL)
}

// Mention adds name to the session's item set.
func (s *Session) Mention(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mentionLocked(name)
}

// Items returns the item names mentioned so far, in first-mention order.
func (s *Session) Items() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.items)
}

// Accuracy returns the actor's confirmation record.
func (s *Session) Accuracy(ctx context.Context) confirm.Accuracy {
	a, _ := s.store.Accuracy(ctx, s.Actor.UserID)
	return a
}

// RecordOutcome counts a confirmation reply for the actor.
func (s *Session) RecordOutcome(ctx context.Context, correct bool, mistakeField string) {
	_ = s.store.RecordOutcome(ctx, s.Actor.UserID, correct, mistakeField)
}

// Touch marks the session active.
func (s *Session) Touch() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = now
}

// LastActive returns when the session last saw input.
func (s *Session) LastActive() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}

// Closed reports whether the session has ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// close ends the session: the buffer is closed, which cancels its silence
// timer and discards unconsumed text, and the context is dropped.
func (s *Session) close() {
	s.mu.Lock()
	buf := s.buf
	s.closed = true
	s.history = nil
	s.recent = nil
	s.items = nil
	s.mu.Unlock()
	if buf != nil {
		buf.Close()
	}
}

func (s *Session) mentionLocked(name string) {
	key := lexical.Normalize(name)
	if key == "" {
		return
	}
	for _, it := range s.items {
		if lexical.Normalize(it) == key {
			return
		}
	}
	s.items = append(s.items, name)
}

// pruneLocked enforces the history bounds. Caller holds s.mu.
func (s *Session) pruneLocked() {
	if n := s.limits.HistoryTurns; n > 0 && len(s.history) > n {
		s.history = slices.Delete(s.history, 0, len(s.history)-n)
	}
	if age := s.limits.HistoryMaxAge; age > 0 {
		cutoff := s.now().Add(-age)
		drop := 0
		for drop < len(s.history) && s.history[drop].At.Before(cutoff) {
			drop++
		}
		s.history = slices.Delete(s.history, 0, drop)
	}
}
