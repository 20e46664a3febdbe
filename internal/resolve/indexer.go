package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/pkg/inventory"
	"github.com/MrWong99/larder/pkg/provider/embeddings"
	"github.com/MrWong99/larder/pkg/units"
)

const (
	defaultBatchSize = 32
	defaultWorkers   = 4
)

// IndexerOption configures an [Indexer].
type IndexerOption func(*Indexer)

// WithBatchSize sets how many names go into one EmbedBatch call.
func WithBatchSize(n int) IndexerOption {
	return func(ix *Indexer) {
		if n > 0 {
			ix.batch = n
		}
	}
}

// WithWorkers bounds the number of concurrent EmbedBatch calls.
func WithWorkers(n int) IndexerOption {
	return func(ix *Indexer) {
		if n > 0 {
			ix.workers = n
		}
	}
}

// WithIndexerMetrics records embedding latency on m.
func WithIndexerMetrics(m *observe.Metrics) IndexerOption {
	return func(ix *Indexer) { ix.metrics = m }
}

// Indexer keeps catalog embeddings in the space the [Resolver] queries:
// every item is indexed by the vector of its name.
type Indexer struct {
	catalog  inventory.Catalog
	embedder embeddings.Provider
	metrics  *observe.Metrics
	batch    int
	workers  int
}

// NewIndexer creates an [Indexer].
func NewIndexer(catalog inventory.Catalog, embedder embeddings.Provider, opts ...IndexerOption) *Indexer {
	ix := &Indexer{
		catalog:  catalog,
		embedder: embedder,
		batch:    defaultBatchSize,
		workers:  defaultWorkers,
	}
	for _, o := range opts {
		o(ix)
	}
	return ix
}

// Reindex re-embeds every catalog item and returns how many were updated.
// The first failing batch cancels the rest; items already written keep
// their new vectors.
func (ix *Indexer) Reindex(ctx context.Context) (int, error) {
	ctx, span := observe.StartSpan(ctx, "resolve.Reindex")
	defer span.End()

	items, err := ix.catalog.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve: reindex: list: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(ix.workers)
	for start := 0; start < len(items); start += ix.batch {
		chunk := items[start:min(start+ix.batch, len(items))]
		g.Go(func() error {
			texts := make([]string, len(chunk))
			for i, it := range chunk {
				texts[i] = it.Name
			}
			vecs, err := ix.embedBatch(gctx, texts)
			if err != nil {
				return err
			}
			for i, it := range chunk {
				if err := ix.catalog.SetEmbedding(gctx, it.ID, vecs[i]); err != nil {
					return fmt.Errorf("resolve: reindex %q: %w", it.Name, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}

	observe.Logger(ctx).Info("catalog reindexed",
		slog.Int("items", len(items)),
		slog.String("model", ix.embedder.ModelID()),
	)
	return len(items), nil
}

// Create validates item, embeds its name and inserts it.
func (ix *Indexer) Create(ctx context.Context, item inventory.Item) (inventory.Item, error) {
	item.Name = strings.TrimSpace(item.Name)
	if item.Name == "" {
		return inventory.Item{}, &inventory.ValidationError{Field: "name", Reason: "must not be empty"}
	}
	if item.Quantity < 0 {
		return inventory.Item{}, &inventory.ValidationError{Field: "quantity", Reason: "must not be negative"}
	}
	if item.Unit != "" {
		canon := units.Canonical(item.Unit)
		if canon == "" {
			return inventory.Item{}, &inventory.ValidationError{Field: "unit", Reason: fmt.Sprintf("%q is not a known unit", item.Unit), Err: units.ErrUnknownUnit}
		}
		item.Unit = canon
	}

	vecs, err := ix.embedBatch(ctx, []string{item.Name})
	if err != nil {
		return inventory.Item{}, err
	}
	item.Embedding = vecs[0]

	created, err := ix.catalog.Create(ctx, item)
	if err != nil {
		return inventory.Item{}, fmt.Errorf("resolve: create %q: %w", item.Name, err)
	}
	return created, nil
}

func (ix *Indexer) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := ix.embedder.EmbedBatch(ctx, texts)
	if ix.metrics != nil {
		ix.metrics.EmbedDuration.Record(ctx, time.Since(start).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("resolve: embed batch: %w", err)
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("resolve: embed batch: got %d vectors for %d texts", len(vecs), len(texts))
	}
	if dim := ix.embedder.Dimensions(); dim > 0 {
		for i, v := range vecs {
			if len(v) != dim {
				return nil, fmt.Errorf("resolve: embed %q: vector has %d dimensions, want %d", texts[i], len(v), dim)
			}
		}
	}
	return vecs, nil
}
