package session

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/MrWong99/larder/internal/confirm"
	"github.com/MrWong99/larder/pkg/inventory"
)

// StoreGuard wraps a [Store] and makes every operation non-fatal. When the
// underlying store fails, operations log a warning and return empty
// defaults, so a Redis outage degrades context and accuracy tracking
// instead of failing voice commands.
//
// StoreGuard implements [Store]. All methods are safe for concurrent use.
type StoreGuard struct {
	store    Store
	degraded atomic.Bool
}

// NewStoreGuard wraps store.
func NewStoreGuard(store Store) *StoreGuard {
	return &StoreGuard{store: store}
}

// AppendRecent writes through to the store. Failures are swallowed.
func (g *StoreGuard) AppendRecent(ctx context.Context, sessionID string, rc inventory.RecentCommand, limit int, ttl time.Duration) error {
	if err := g.store.AppendRecent(ctx, sessionID, rc, limit, ttl); err != nil {
		g.fail("AppendRecent", err, "session_id", sessionID)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Recent returns an empty list when the store fails.
func (g *StoreGuard) Recent(ctx context.Context, sessionID string) ([]inventory.RecentCommand, error) {
	out, err := g.store.Recent(ctx, sessionID)
	if err != nil {
		g.fail("Recent", err, "session_id", sessionID)
		return []inventory.RecentCommand{}, nil
	}
	g.degraded.Store(false)
	return out, nil
}

// DeleteRecent swallows failures; the list expires on its own.
func (g *StoreGuard) DeleteRecent(ctx context.Context, sessionID string) error {
	if err := g.store.DeleteRecent(ctx, sessionID); err != nil {
		g.fail("DeleteRecent", err, "session_id", sessionID)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// RecordOutcome swallows failures.
func (g *StoreGuard) RecordOutcome(ctx context.Context, userID string, correct bool, mistakeField string) error {
	if err := g.store.RecordOutcome(ctx, userID, correct, mistakeField); err != nil {
		g.fail("RecordOutcome", err, "user_id", userID)
		return nil
	}
	g.degraded.Store(false)
	return nil
}

// Accuracy returns an empty record when the store fails, which the
// confirmation engine treats as no history.
func (g *StoreGuard) Accuracy(ctx context.Context, userID string) (confirm.Accuracy, error) {
	a, err := g.store.Accuracy(ctx, userID)
	if err != nil {
		g.fail("Accuracy", err, "user_id", userID)
		return confirm.Accuracy{}, nil
	}
	g.degraded.Store(false)
	return a, nil
}

// IsDegraded reports whether the most recent store operation failed.
func (g *StoreGuard) IsDegraded() bool {
	return g.degraded.Load()
}

func (g *StoreGuard) fail(op string, err error, args ...any) {
	g.degraded.Store(true)
	slog.Warn("session store: "+op+" failed, continuing without it", append(args, "err", err)...)
}

var _ Store = (*StoreGuard)(nil)
