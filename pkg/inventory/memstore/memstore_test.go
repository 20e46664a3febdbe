package memstore_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/larder/pkg/inventory"
	"github.com/MrWong99/larder/pkg/inventory/memstore"
)

func seed(t *testing.T, s *memstore.Store, it inventory.Item) inventory.Item {
	t.Helper()
	out, err := s.Create(context.Background(), it)
	if err != nil {
		t.Fatalf("Create(%q): %v", it.Name, err)
	}
	return out
}

func TestStore_CreateAndFind(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	ctx := context.Background()

	milk := seed(t, s, inventory.Item{Name: "Whole Milk", Quantity: 3, Unit: "gallon"})
	if milk.ID == "" {
		t.Fatal("expected a generated id")
	}
	got, err := s.FindByID(ctx, milk.ID)
	if err != nil {
		t.Fatalf("FindByID: %v", err)
	}
	if got.Name != "Whole Milk" || got.Quantity != 3 {
		t.Errorf("got %+v", got)
	}

	if _, err := s.Create(ctx, inventory.Item{Name: "whole milk"}); !errors.Is(err, inventory.ErrDuplicate) {
		t.Errorf("case-insensitive duplicate: got %v, want ErrDuplicate", err)
	}
	if _, err := s.Create(ctx, inventory.Item{Name: "  "}); !errors.Is(err, inventory.ErrValidation) {
		t.Errorf("empty name: got %v, want ErrValidation", err)
	}
	if _, err := s.FindByID(ctx, "missing"); !errors.Is(err, inventory.ErrNotFound) {
		t.Errorf("missing id: got %v, want ErrNotFound", err)
	}
}

func TestStore_FindSimilar(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	ctx := context.Background()

	seed(t, s, inventory.Item{Name: "coffee", Embedding: []float32{1, 0, 0}})
	seed(t, s, inventory.Item{Name: "tea", Embedding: []float32{0.6, 0.8, 0}})
	seed(t, s, inventory.Item{Name: "napkins", Embedding: []float32{0, 0, 1}})
	seed(t, s, inventory.Item{Name: "unindexed"})

	matches, err := s.FindSimilar(ctx, []float32{1, 0, 0}, 2)
	if err != nil {
		t.Fatalf("FindSimilar: %v", err)
	}
	if len(matches) != 2 {
		t.Fatalf("got %d matches, want 2", len(matches))
	}
	if matches[0].Item.Name != "coffee" || matches[1].Item.Name != "tea" {
		t.Errorf("order: got %q, %q", matches[0].Item.Name, matches[1].Item.Name)
	}
	if matches[0].Similarity < 0.999 {
		t.Errorf("exact match similarity: got %v", matches[0].Similarity)
	}
	if d := matches[1].Similarity - 0.6; d > 1e-6 || d < -1e-6 {
		t.Errorf("tea similarity: got %v, want 0.6", matches[1].Similarity)
	}

	none, err := s.FindSimilar(ctx, []float32{1, 0, 0}, 0)
	if err != nil || len(none) != 0 {
		t.Errorf("k=0: got %v, %v", none, err)
	}
}

func TestStore_MutateRecordsUndo(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	coffee := seed(t, s, inventory.Item{Name: "coffee", Unit: "pound"})
	res, err := s.Mutate(ctx, inventory.Mutation{
		ItemID: coffee.ID, UserID: "u1", Action: inventory.ActionAdd, Amount: 5,
		Method: inventory.MethodVoice, At: now, UndoID: "r1", UndoTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if res.Item.Quantity != 5 {
		t.Errorf("quantity: got %v, want 5", res.Item.Quantity)
	}
	if res.Undo == nil || res.Undo.Previous.Quantity != 0 || res.Undo.Current.Quantity != 5 {
		t.Fatalf("undo: got %+v", res.Undo)
	}
	if n := s.UndoCount(); n != 1 {
		t.Errorf("undo count: got %d, want 1", n)
	}

	// A second add by the same user supersedes the first record.
	if _, err := s.Mutate(ctx, inventory.Mutation{
		ItemID: coffee.ID, UserID: "u1", Action: inventory.ActionAdd, Amount: 1,
		Method: inventory.MethodVoice, At: now, UndoID: "r2", UndoTTL: time.Hour,
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if _, err := s.FindUndo(ctx, "r1", now); !errors.Is(err, inventory.ErrNotFound) {
		t.Errorf("superseded record: got %v, want ErrNotFound", err)
	}
	// A different action keeps its own record.
	if _, err := s.Mutate(ctx, inventory.Mutation{
		ItemID: coffee.ID, UserID: "u1", Action: inventory.ActionRemove, Amount: 1,
		Method: inventory.MethodVoice, At: now, UndoID: "r3", UndoTTL: time.Hour,
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if n := s.UndoCount(); n != 2 {
		t.Errorf("undo count: got %d, want 2", n)
	}
}

func TestStore_RevertConsumesRecordOnce(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	flour := seed(t, s, inventory.Item{Name: "flour", Quantity: 10, Unit: "pound"})
	if _, err := s.Mutate(ctx, inventory.Mutation{
		ItemID: flour.ID, UserID: "u1", Action: inventory.ActionRemove, Amount: 4,
		At: now, UndoID: "r1", UndoTTL: time.Minute,
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	revert := inventory.Mutation{
		ItemID: flour.ID, UserID: "u1", Action: inventory.ActionSet, Amount: 10,
		Method: inventory.MethodUndo, At: now, Reverts: "r1",
	}
	res, err := s.Mutate(ctx, revert)
	if err != nil {
		t.Fatalf("revert: %v", err)
	}
	if res.Item.Quantity != 10 {
		t.Errorf("after revert: got %v, want 10", res.Item.Quantity)
	}
	if _, err := s.Mutate(ctx, revert); !errors.Is(err, inventory.ErrNotFound) {
		t.Errorf("second revert: got %v, want ErrNotFound", err)
	}
}

func TestStore_ExpiredUndoIsInvisibleAndSwept(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	rice := seed(t, s, inventory.Item{Name: "rice", Quantity: 2, Unit: "kilogram"})
	if _, err := s.Mutate(ctx, inventory.Mutation{
		ItemID: rice.ID, UserID: "u1", Action: inventory.ActionSet, Amount: 7,
		At: now, UndoID: "r1", UndoTTL: time.Minute,
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}

	later := now.Add(2 * time.Minute)
	if _, err := s.FindUndo(ctx, "r1", later); !errors.Is(err, inventory.ErrNotFound) {
		t.Errorf("expired lookup: got %v, want ErrNotFound", err)
	}
	_, err := s.Mutate(ctx, inventory.Mutation{
		ItemID: rice.ID, UserID: "u1", Action: inventory.ActionSet, Amount: 2,
		Method: inventory.MethodUndo, At: later, Reverts: "r1",
	})
	if !errors.Is(err, inventory.ErrNotFound) {
		t.Errorf("revert after expiry: got %v, want ErrNotFound", err)
	}
	got, _ := s.FindByID(ctx, rice.ID)
	if got.Quantity != 7 {
		t.Errorf("failed revert changed quantity to %v", got.Quantity)
	}

	n, err := s.SweepUndo(ctx, later)
	if err != nil || n != 1 {
		t.Errorf("SweepUndo: got %d, %v; want 1, nil", n, err)
	}
	if s.UndoCount() != 0 {
		t.Errorf("undo count after sweep: %d", s.UndoCount())
	}
}

func TestStore_RemoveClampsAtZero(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	eggs := seed(t, s, inventory.Item{Name: "eggs", Quantity: 3, Unit: "dozen"})

	res, err := s.Mutate(context.Background(), inventory.Mutation{
		ItemID: eggs.ID, UserID: "u1", Action: inventory.ActionRemove, Amount: 5, At: time.Now(),
	})
	if err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if res.Item.Quantity != 0 {
		t.Errorf("got %v, want 0", res.Item.Quantity)
	}
	if res.Undo != nil {
		t.Errorf("no undo id given, got record %+v", res.Undo)
	}
}

func TestStore_DeleteDropsUndo(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	ctx := context.Background()
	now := time.Now()

	salt := seed(t, s, inventory.Item{Name: "salt", Quantity: 1, Unit: "box"})
	if _, err := s.Mutate(ctx, inventory.Mutation{
		ItemID: salt.ID, UserID: "u1", Action: inventory.ActionAdd, Amount: 1,
		At: now, UndoID: "r1", UndoTTL: time.Hour,
	}); err != nil {
		t.Fatalf("Mutate: %v", err)
	}
	if err := s.Delete(ctx, salt.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.UndoCount() != 0 {
		t.Errorf("undo records survived item delete")
	}
}

func TestStore_ConcurrentMutations(t *testing.T) {
	t.Parallel()
	s := memstore.New()
	cups := seed(t, s, inventory.Item{Name: "cups", Unit: "sleeve"})

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Mutate(context.Background(), inventory.Mutation{
				ItemID: cups.ID, UserID: "u1", Action: inventory.ActionAdd, Amount: 2, At: time.Now(),
			}); err != nil {
				t.Errorf("Mutate: %v", err)
			}
		}()
	}
	wg.Wait()

	got, _ := s.FindByID(context.Background(), cups.ID)
	if got.Quantity != 100 {
		t.Errorf("got %v, want 100", got.Quantity)
	}
}
