package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/MrWong99/larder/pkg/inventory"
)

var (
	_ inventory.Catalog = (*Store)(nil)
	_ inventory.Ledger  = (*Store)(nil)
)

// Store implements [inventory.Catalog] and [inventory.Ledger] over a single
// connection pool. It is safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to dsn, registers pgvector types on every connection
// and runs [Migrate].
func NewStore(ctx context.Context, dsn string, embeddingDimensions int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}
	if err := Migrate(ctx, pool, embeddingDimensions); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Ping checks connectivity. It backs the readiness probe.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

// ─────────────────────────────────────────────────────────────────────────────
// Catalog
// ─────────────────────────────────────────────────────────────────────────────

const itemColumns = `id, name, quantity, unit, category, threshold, last_updated`

func scanItem(row pgx.Row) (inventory.Item, error) {
	var it inventory.Item
	err := row.Scan(&it.ID, &it.Name, &it.Quantity, &it.Unit, &it.Category, &it.Threshold, &it.LastUpdated)
	return it, err
}

// FindByID implements [inventory.Catalog].
func (s *Store) FindByID(ctx context.Context, id string) (inventory.Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx, `SELECT `+itemColumns+` FROM catalog_items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.Item{}, fmt.Errorf("postgres store: item %q: %w", id, inventory.ErrNotFound)
		}
		return inventory.Item{}, fmt.Errorf("postgres store: find by id: %w", err)
	}
	return it, nil
}

// FindSimilar implements [inventory.Catalog]. Similarity is 1 minus the
// cosine distance.
func (s *Store) FindSimilar(ctx context.Context, vec []float32, k int) ([]inventory.Match, error) {
	if k <= 0 {
		return []inventory.Match{}, nil
	}
	const q = `
		SELECT ` + itemColumns + `, embedding <=> $1 AS distance
		FROM   catalog_items
		WHERE  embedding IS NOT NULL
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(vec), k)
	if err != nil {
		return nil, fmt.Errorf("postgres store: find similar: %w", err)
	}
	matches, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.Match, error) {
		var (
			m        inventory.Match
			distance float64
		)
		if err := row.Scan(&m.Item.ID, &m.Item.Name, &m.Item.Quantity, &m.Item.Unit,
			&m.Item.Category, &m.Item.Threshold, &m.Item.LastUpdated, &distance); err != nil {
			return inventory.Match{}, err
		}
		m.Similarity = 1 - distance
		return m, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan similar: %w", err)
	}
	if matches == nil {
		matches = []inventory.Match{}
	}
	return matches, nil
}

// UpdateQuantity implements [inventory.Catalog].
func (s *Store) UpdateQuantity(ctx context.Context, id string, quantity float64) (inventory.Item, error) {
	const q = `
		UPDATE catalog_items SET quantity = $2, last_updated = now()
		WHERE  id = $1
		RETURNING ` + itemColumns
	it, err := scanItem(s.pool.QueryRow(ctx, q, id, quantity))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.Item{}, fmt.Errorf("postgres store: item %q: %w", id, inventory.ErrNotFound)
		}
		return inventory.Item{}, fmt.Errorf("postgres store: update quantity: %w", err)
	}
	return it, nil
}

// Create implements [inventory.Catalog].
func (s *Store) Create(ctx context.Context, item inventory.Item) (inventory.Item, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	var emb any
	if len(item.Embedding) > 0 {
		emb = pgvector.NewVector(item.Embedding)
	}
	const q = `
		INSERT INTO catalog_items (id, name, quantity, unit, category, threshold, embedding, last_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, now())
		RETURNING last_updated`
	err := s.pool.QueryRow(ctx, q, item.ID, item.Name, item.Quantity, item.Unit, item.Category, item.Threshold, emb).
		Scan(&item.LastUpdated)
	if err != nil {
		if isDuplicateKeyError(err) {
			return inventory.Item{}, fmt.Errorf("postgres store: item %q: %w", item.Name, inventory.ErrDuplicate)
		}
		return inventory.Item{}, fmt.Errorf("postgres store: create: %w", err)
	}
	return item, nil
}

// Delete implements [inventory.Catalog]. Undo records cascade.
func (s *Store) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM catalog_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres store: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: item %q: %w", id, inventory.ErrNotFound)
	}
	return nil
}

// List implements [inventory.Catalog].
func (s *Store) List(ctx context.Context) ([]inventory.Item, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` FROM catalog_items ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("postgres store: list: %w", err)
	}
	items, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (inventory.Item, error) {
		return scanItem(row)
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan list: %w", err)
	}
	return items, nil
}

// SetEmbedding implements [inventory.Catalog].
func (s *Store) SetEmbedding(ctx context.Context, id string, vec []float32) error {
	tag, err := s.pool.Exec(ctx, `UPDATE catalog_items SET embedding = $2 WHERE id = $1`, id, pgvector.NewVector(vec))
	if err != nil {
		return fmt.Errorf("postgres store: set embedding: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres store: item %q: %w", id, inventory.ErrNotFound)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Ledger
// ─────────────────────────────────────────────────────────────────────────────

// Mutate implements [inventory.Ledger]. The item row is locked for the
// duration of the transaction.
func (s *Store) Mutate(ctx context.Context, m inventory.Mutation) (inventory.MutationResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return inventory.MutationResult{}, fmt.Errorf("postgres store: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if m.Reverts != "" {
		tag, err := tx.Exec(ctx, `DELETE FROM undo_records WHERE id = $1 AND expires_at > $2`, m.Reverts, m.At)
		if err != nil {
			return inventory.MutationResult{}, fmt.Errorf("postgres store: consume undo: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return inventory.MutationResult{}, fmt.Errorf("postgres store: undo %q: %w", m.Reverts, inventory.ErrNotFound)
		}
	}

	item, err := scanItem(tx.QueryRow(ctx, `SELECT `+itemColumns+` FROM catalog_items WHERE id = $1 FOR UPDATE`, m.ItemID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.MutationResult{}, fmt.Errorf("postgres store: item %q: %w", m.ItemID, inventory.ErrNotFound)
		}
		return inventory.MutationResult{}, fmt.Errorf("postgres store: lock item: %w", err)
	}

	next, err := inventory.NextQuantity(m.Action, item.Quantity, m.Amount)
	if err != nil {
		return inventory.MutationResult{}, err
	}
	prev := inventory.ItemState{Quantity: item.Quantity, Unit: item.Unit}

	if err := tx.QueryRow(ctx,
		`UPDATE catalog_items SET quantity = $2, last_updated = $3 WHERE id = $1 RETURNING last_updated`,
		item.ID, next, m.At,
	).Scan(&item.LastUpdated); err != nil {
		return inventory.MutationResult{}, fmt.Errorf("postgres store: update item: %w", err)
	}
	item.Quantity = next

	res := inventory.MutationResult{Item: item, Previous: prev}

	if m.UndoID != "" {
		rec := inventory.UndoRecord{
			ID:        m.UndoID,
			UserID:    m.UserID,
			Action:    m.Action,
			ItemID:    item.ID,
			Previous:  prev,
			Current:   inventory.ItemState{Quantity: next, Unit: item.Unit},
			Method:    m.Method,
			CreatedAt: m.At,
			ExpiresAt: m.At.Add(m.UndoTTL),
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM undo_records WHERE user_id = $1 AND item_id = $2 AND action = $3`,
			rec.UserID, rec.ItemID, string(rec.Action),
		); err != nil {
			return inventory.MutationResult{}, fmt.Errorf("postgres store: supersede undo: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO undo_records
			    (id, user_id, action, item_id, previous_quantity, previous_unit,
			     current_quantity, current_unit, method, created_at, expires_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			rec.ID, rec.UserID, string(rec.Action), rec.ItemID,
			rec.Previous.Quantity, rec.Previous.Unit,
			rec.Current.Quantity, rec.Current.Unit,
			string(rec.Method), rec.CreatedAt, rec.ExpiresAt,
		); err != nil {
			return inventory.MutationResult{}, fmt.Errorf("postgres store: insert undo: %w", err)
		}
		res.Undo = &rec
	}

	if err := tx.Commit(ctx); err != nil {
		return inventory.MutationResult{}, fmt.Errorf("postgres store: commit: %w", err)
	}
	return res, nil
}

// FindUndo implements [inventory.Ledger].
func (s *Store) FindUndo(ctx context.Context, id string, now time.Time) (inventory.UndoRecord, error) {
	const q = `
		SELECT id, user_id, action, item_id, previous_quantity, previous_unit,
		       current_quantity, current_unit, method, created_at, expires_at
		FROM   undo_records
		WHERE  id = $1 AND expires_at > $2`
	var (
		rec            inventory.UndoRecord
		action, method string
	)
	err := s.pool.QueryRow(ctx, q, id, now).Scan(
		&rec.ID, &rec.UserID, &action, &rec.ItemID,
		&rec.Previous.Quantity, &rec.Previous.Unit,
		&rec.Current.Quantity, &rec.Current.Unit,
		&method, &rec.CreatedAt, &rec.ExpiresAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return inventory.UndoRecord{}, fmt.Errorf("postgres store: undo %q: %w", id, inventory.ErrNotFound)
		}
		return inventory.UndoRecord{}, fmt.Errorf("postgres store: find undo: %w", err)
	}
	rec.Action = inventory.Action(action)
	rec.Method = inventory.Method(method)
	return rec, nil
}

// SweepUndo implements [inventory.Ledger].
func (s *Store) SweepUndo(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM undo_records WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("postgres store: sweep undo: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// isDuplicateKeyError reports a unique violation (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
