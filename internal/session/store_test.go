package session

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/larder/internal/confirm"
	"github.com/MrWong99/larder/pkg/inventory"
)

func rc(item string, q float64) inventory.RecentCommand {
	return inventory.RecentCommand{Action: inventory.ActionAdd, Item: item, Quantity: q, Unit: "pound", Timestamp: time.Unix(1700000000, 0).UTC()}
}

// exerciseStore runs the shared Store contract against s.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	sid, user := uuid.NewString(), uuid.NewString()

	for i, item := range []string{"coffee", "milk", "flour", "sugar"} {
		if err := s.AppendRecent(ctx, sid, rc(item, float64(i)), 3, time.Hour); err != nil {
			t.Fatalf("AppendRecent: %v", err)
		}
	}
	got, err := s.Recent(ctx, sid)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 || got[0].Item != "sugar" || got[2].Item != "milk" {
		t.Errorf("Recent = %+v, want sugar, flour, milk", got)
	}

	if err := s.DeleteRecent(ctx, sid); err != nil {
		t.Fatalf("DeleteRecent: %v", err)
	}
	if got, _ := s.Recent(ctx, sid); len(got) != 0 {
		t.Errorf("Recent after delete = %+v", got)
	}

	for _, o := range []struct {
		correct bool
		field   string
	}{{true, ""}, {true, ""}, {false, "quantity"}, {false, "quantity"}, {false, ""}} {
		if err := s.RecordOutcome(ctx, user, o.correct, o.field); err != nil {
			t.Fatalf("RecordOutcome: %v", err)
		}
	}
	a, err := s.Accuracy(ctx, user)
	if err != nil {
		t.Fatalf("Accuracy: %v", err)
	}
	if a.Total != 5 || a.Correct != 2 || a.Mistakes["quantity"] != 2 {
		t.Errorf("Accuracy = %+v", a)
	}
	if a, _ := s.Accuracy(ctx, "nobody-"+user); a.Total != 0 {
		t.Errorf("unknown user Accuracy = %+v", a)
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	exerciseStore(t, NewMemoryStore())
}

func TestMemoryStore_RecentExpires(t *testing.T) {
	t.Parallel()
	now := time.Unix(1700000000, 0)
	s := NewMemoryStore()
	s.now = func() time.Time { return now }
	ctx := context.Background()

	_ = s.AppendRecent(ctx, "s1", rc("coffee", 1), 10, time.Minute)
	now = now.Add(59 * time.Second)
	if got, _ := s.Recent(ctx, "s1"); len(got) != 1 {
		t.Fatalf("Recent before expiry = %d entries", len(got))
	}
	now = now.Add(time.Second)
	if got, _ := s.Recent(ctx, "s1"); len(got) != 0 {
		t.Errorf("Recent after expiry = %+v", got)
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("LARDER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("LARDER_TEST_REDIS_ADDR not set")
	}
	s, err := DialRedis(context.Background(), addr, "", 0, WithKeyPrefix("larder-test:"))
	if err != nil {
		t.Fatalf("DialRedis: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	if err := s.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	exerciseStore(t, s)
}

// failingStore fails every call while err is set.
type failingStore struct {
	err error
	*MemoryStore
}

func (f *failingStore) AppendRecent(ctx context.Context, id string, r inventory.RecentCommand, limit int, ttl time.Duration) error {
	if f.err != nil {
		return f.err
	}
	return f.MemoryStore.AppendRecent(ctx, id, r, limit, ttl)
}

func (f *failingStore) Recent(ctx context.Context, id string) ([]inventory.RecentCommand, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.MemoryStore.Recent(ctx, id)
}

func (f *failingStore) Accuracy(ctx context.Context, user string) (confirm.Accuracy, error) {
	if f.err != nil {
		return confirm.Accuracy{}, f.err
	}
	return f.MemoryStore.Accuracy(ctx, user)
}

func TestStoreGuard(t *testing.T) {
	t.Parallel()
	inner := &failingStore{err: errors.New("connection refused"), MemoryStore: NewMemoryStore()}
	g := NewStoreGuard(inner)
	ctx := context.Background()

	if err := g.AppendRecent(ctx, "s1", rc("coffee", 1), 10, 0); err != nil {
		t.Fatalf("AppendRecent returned %v, want swallowed", err)
	}
	if !g.IsDegraded() {
		t.Error("expected degraded after failure")
	}
	got, err := g.Recent(ctx, "s1")
	if err != nil || got == nil || len(got) != 0 {
		t.Errorf("Recent = %v, %v; want empty non-nil slice", got, err)
	}
	if a, err := g.Accuracy(ctx, "u"); err != nil || a.Total != 0 {
		t.Errorf("Accuracy = %+v, %v", a, err)
	}

	inner.err = nil
	if err := g.AppendRecent(ctx, "s1", rc("coffee", 1), 10, 0); err != nil {
		t.Fatal(err)
	}
	if g.IsDegraded() {
		t.Error("expected recovery after success")
	}
	if got, _ := g.Recent(ctx, "s1"); len(got) != 1 {
		t.Errorf("Recent = %+v", got)
	}
}
