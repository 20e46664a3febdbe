package inventory

import (
	"context"
	"time"
)

// Match is a catalog item returned by a similarity search together with its
// cosine similarity to the query vector, in [0, 1] for normalised embeddings.
type Match struct {
	Item       Item
	Similarity float64
}

// Catalog is the persistence collaborator for catalog items.
//
// All implementations must be safe for concurrent use.
type Catalog interface {
	// FindByID returns the item with the given id or an error wrapping
	// [ErrNotFound].
	FindByID(ctx context.Context, id string) (Item, error)

	// FindSimilar returns up to k items ordered by descending cosine
	// similarity to vec. Items without an embedding are never returned.
	FindSimilar(ctx context.Context, vec []float32, k int) ([]Match, error)

	// UpdateQuantity overwrites the stored quantity of the item. It does not
	// record an undo snapshot; the mutation path goes through [Ledger].
	UpdateQuantity(ctx context.Context, id string, quantity float64) (Item, error)

	// Create inserts item. An empty ID is replaced with a generated one.
	Create(ctx context.Context, item Item) (Item, error)

	// Delete removes the item and any undo records that reference it.
	Delete(ctx context.Context, id string) error

	// List returns every catalog item ordered by name.
	List(ctx context.Context) ([]Item, error)

	// SetEmbedding replaces the item's embedding vector.
	SetEmbedding(ctx context.Context, id string, vec []float32) error
}

// Mutation describes one quantity change to be applied atomically together
// with its undo bookkeeping.
type Mutation struct {
	ItemID string
	UserID string
	Action Action

	// Amount is expressed in the item's own unit.
	Amount float64
	Method Method
	At     time.Time

	// UndoID, when non-empty, creates an undo record with this id that
	// expires UndoTTL after At. Any live record for the same
	// (UserID, ItemID, Action) is deleted first.
	UndoID  string
	UndoTTL time.Duration

	// Reverts names the undo record this mutation consumes. The mutation
	// fails with [ErrNotFound] and changes nothing when that record does not
	// exist or has expired.
	Reverts string
}

// MutationResult reports the outcome of a successful [Ledger.Mutate].
type MutationResult struct {
	Item     Item
	Previous ItemState
	Undo     *UndoRecord
}

// Ledger applies quantity mutations and manages undo records. The read of
// the current quantity and the write of the new one happen in a single
// transaction per item row.
type Ledger interface {
	Mutate(ctx context.Context, m Mutation) (MutationResult, error)

	// FindUndo returns a live undo record. Expired records are reported as
	// [ErrNotFound].
	FindUndo(ctx context.Context, id string, now time.Time) (UndoRecord, error)

	// SweepUndo deletes every record expired at now and returns the count.
	SweepUndo(ctx context.Context, now time.Time) (int, error)
}
