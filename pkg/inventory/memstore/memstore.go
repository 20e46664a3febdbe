// Package memstore provides a thread-safe, in-memory implementation of
// [inventory.Catalog] and [inventory.Ledger].
//
// It mirrors the PostgreSQL store's semantics (case-insensitive unique names,
// cosine similarity search, one live undo record per user/item/action) and is
// used by tests and the dev run mode.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/larder/pkg/inventory"
)

// Compile-time interface assertions.
var (
	_ inventory.Catalog = (*Store)(nil)
	_ inventory.Ledger  = (*Store)(nil)
)

type undoKey struct {
	userID string
	itemID string
	action inventory.Action
}

// Store is an in-memory catalog and undo ledger. The zero value is not ready
// to use; call [New].
type Store struct {
	mu    sync.RWMutex
	items map[string]inventory.Item
	undo  map[string]inventory.UndoRecord
	live  map[undoKey]string

	// now is overridable in tests.
	now func() time.Time
}

// New returns an empty [Store].
func New() *Store {
	return &Store{
		items: make(map[string]inventory.Item),
		undo:  make(map[string]inventory.UndoRecord),
		live:  make(map[undoKey]string),
		now:   time.Now,
	}
}

// FindByID implements [inventory.Catalog].
func (s *Store) FindByID(_ context.Context, id string) (inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	it, ok := s.items[id]
	if !ok {
		return inventory.Item{}, fmt.Errorf("memstore: item %q: %w", id, inventory.ErrNotFound)
	}
	return cloneItem(it), nil
}

// FindSimilar implements [inventory.Catalog].
func (s *Store) FindSimilar(_ context.Context, vec []float32, k int) ([]inventory.Match, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	matches := make([]inventory.Match, 0, len(s.items))
	for _, it := range s.items {
		if len(it.Embedding) == 0 || len(it.Embedding) != len(vec) {
			continue
		}
		matches = append(matches, inventory.Match{
			Item:       cloneItem(it),
			Similarity: cosine(vec, it.Embedding),
		})
	}
	slices.SortFunc(matches, func(a, b inventory.Match) int {
		if c := cmp.Compare(b.Similarity, a.Similarity); c != 0 {
			return c
		}
		return cmp.Compare(a.Item.Name, b.Item.Name)
	})
	if len(matches) > k {
		matches = matches[:k]
	}
	return matches, nil
}

// UpdateQuantity implements [inventory.Catalog].
func (s *Store) UpdateQuantity(_ context.Context, id string, quantity float64) (inventory.Item, error) {
	if quantity < 0 || math.IsNaN(quantity) {
		return inventory.Item{}, &inventory.ValidationError{Field: "quantity", Reason: "must be non-negative"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return inventory.Item{}, fmt.Errorf("memstore: item %q: %w", id, inventory.ErrNotFound)
	}
	it.Quantity = quantity
	it.LastUpdated = s.now().UTC()
	s.items[id] = it
	return cloneItem(it), nil
}

// Create implements [inventory.Catalog].
func (s *Store) Create(_ context.Context, item inventory.Item) (inventory.Item, error) {
	if strings.TrimSpace(item.Name) == "" {
		return inventory.Item{}, &inventory.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.LastUpdated.IsZero() {
		item.LastUpdated = s.now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.items[item.ID]; exists {
		return inventory.Item{}, fmt.Errorf("memstore: item %q: %w", item.ID, inventory.ErrDuplicate)
	}
	for _, it := range s.items {
		if strings.EqualFold(it.Name, item.Name) {
			return inventory.Item{}, fmt.Errorf("memstore: item name %q: %w", item.Name, inventory.ErrDuplicate)
		}
	}
	item = cloneItem(item)
	s.items[item.ID] = item
	return cloneItem(item), nil
}

// Delete implements [inventory.Catalog].
func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("memstore: item %q: %w", id, inventory.ErrNotFound)
	}
	delete(s.items, id)
	for rid, rec := range s.undo {
		if rec.ItemID == id {
			s.dropUndoLocked(rid)
		}
	}
	return nil
}

// List implements [inventory.Catalog].
func (s *Store) List(_ context.Context) ([]inventory.Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]inventory.Item, 0, len(s.items))
	for _, it := range s.items {
		out = append(out, cloneItem(it))
	}
	slices.SortFunc(out, func(a, b inventory.Item) int {
		return cmp.Compare(strings.ToLower(a.Name), strings.ToLower(b.Name))
	})
	return out, nil
}

// SetEmbedding implements [inventory.Catalog].
func (s *Store) SetEmbedding(_ context.Context, id string, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.items[id]
	if !ok {
		return fmt.Errorf("memstore: item %q: %w", id, inventory.ErrNotFound)
	}
	it.Embedding = slices.Clone(vec)
	s.items[id] = it
	return nil
}

// Mutate implements [inventory.Ledger]. The whole mutation happens under the
// store's write lock, so the read and write of an item's quantity can never
// interleave with another mutation.
func (s *Store) Mutate(_ context.Context, m inventory.Mutation) (inventory.MutationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if m.Reverts != "" {
		rec, ok := s.undo[m.Reverts]
		if !ok || rec.Expired(m.At) {
			return inventory.MutationResult{}, fmt.Errorf("memstore: undo %q: %w", m.Reverts, inventory.ErrNotFound)
		}
	}

	it, ok := s.items[m.ItemID]
	if !ok {
		return inventory.MutationResult{}, fmt.Errorf("memstore: item %q: %w", m.ItemID, inventory.ErrNotFound)
	}
	next, err := inventory.NextQuantity(m.Action, it.Quantity, m.Amount)
	if err != nil {
		return inventory.MutationResult{}, err
	}

	// Nothing below can fail, so state changes start here.
	if m.Reverts != "" {
		s.dropUndoLocked(m.Reverts)
	}

	prev := inventory.ItemState{Quantity: it.Quantity, Unit: it.Unit}
	it.Quantity = next
	it.LastUpdated = m.At
	s.items[it.ID] = it

	res := inventory.MutationResult{Item: cloneItem(it), Previous: prev}
	if m.UndoID != "" {
		key := undoKey{userID: m.UserID, itemID: it.ID, action: m.Action}
		if old, ok := s.live[key]; ok {
			s.dropUndoLocked(old)
		}
		rec := inventory.UndoRecord{
			ID:        m.UndoID,
			UserID:    m.UserID,
			Action:    m.Action,
			ItemID:    it.ID,
			Previous:  prev,
			Current:   inventory.ItemState{Quantity: next, Unit: it.Unit},
			Method:    m.Method,
			CreatedAt: m.At,
			ExpiresAt: m.At.Add(m.UndoTTL),
		}
		s.undo[rec.ID] = rec
		s.live[key] = rec.ID
		res.Undo = &rec
	}
	return res, nil
}

// FindUndo implements [inventory.Ledger].
func (s *Store) FindUndo(_ context.Context, id string, now time.Time) (inventory.UndoRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.undo[id]
	if !ok || rec.Expired(now) {
		return inventory.UndoRecord{}, fmt.Errorf("memstore: undo %q: %w", id, inventory.ErrNotFound)
	}
	return rec, nil
}

// SweepUndo implements [inventory.Ledger].
func (s *Store) SweepUndo(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, rec := range s.undo {
		if rec.Expired(now) {
			s.dropUndoLocked(id)
			n++
		}
	}
	return n, nil
}

// UndoCount returns the number of stored undo records, expired or not.
func (s *Store) UndoCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.undo)
}

func (s *Store) dropUndoLocked(id string) {
	rec, ok := s.undo[id]
	if !ok {
		return
	}
	delete(s.undo, id)
	key := undoKey{userID: rec.UserID, itemID: rec.ItemID, action: rec.Action}
	if s.live[key] == id {
		delete(s.live, key)
	}
}

func cloneItem(it inventory.Item) inventory.Item {
	it.Embedding = slices.Clone(it.Embedding)
	return it
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
