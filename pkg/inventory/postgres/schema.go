// Package postgres provides the PostgreSQL-backed catalog and undo ledger.
//
// Catalog items carry a pgvector embedding column searched by cosine
// distance through an HNSW index. Quantity mutations lock the item row with
// SELECT ... FOR UPDATE so concurrent sessions never lose updates, and undo
// records are written in the same transaction as the quantity change.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn, 1536)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ddlCatalog returns the catalog DDL with the embedding dimension
// substituted. The dimension is fixed at schema creation time.
func ddlCatalog(embeddingDimensions int) string {
	return fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS catalog_items (
    id            TEXT              PRIMARY KEY,
    name          TEXT              NOT NULL,
    quantity      DOUBLE PRECISION  NOT NULL DEFAULT 0 CHECK (quantity >= 0),
    unit          TEXT              NOT NULL,
    category      TEXT              NOT NULL DEFAULT '',
    threshold     DOUBLE PRECISION  NOT NULL DEFAULT 0,
    embedding     vector(%d),
    last_updated  TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_catalog_items_name
    ON catalog_items (lower(name));

CREATE INDEX IF NOT EXISTS idx_catalog_items_embedding
    ON catalog_items USING hnsw (embedding vector_cosine_ops);
`, embeddingDimensions)
}

const ddlUndo = `
CREATE TABLE IF NOT EXISTS undo_records (
    id                 TEXT              PRIMARY KEY,
    user_id            TEXT              NOT NULL,
    action             TEXT              NOT NULL,
    item_id            TEXT              NOT NULL REFERENCES catalog_items (id) ON DELETE CASCADE,
    previous_quantity  DOUBLE PRECISION  NOT NULL,
    previous_unit      TEXT              NOT NULL,
    current_quantity   DOUBLE PRECISION  NOT NULL,
    current_unit       TEXT              NOT NULL,
    method             TEXT              NOT NULL,
    created_at         TIMESTAMPTZ       NOT NULL DEFAULT now(),
    expires_at         TIMESTAMPTZ       NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_undo_records_key
    ON undo_records (user_id, item_id, action);

CREATE INDEX IF NOT EXISTS idx_undo_records_expires_at
    ON undo_records (expires_at);
`

// Migrate creates the extension, tables and indexes if they do not exist.
// It is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, embeddingDimensions int) error {
	if embeddingDimensions <= 0 {
		return fmt.Errorf("postgres: migrate: embedding dimensions must be positive, got %d", embeddingDimensions)
	}
	for _, stmt := range []string{ddlCatalog(embeddingDimensions), ddlUndo} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: migrate: %w", err)
		}
	}
	return nil
}
