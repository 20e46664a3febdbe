// Package resolve maps a free-text item name to the catalog item it most
// likely refers to.
//
// Resolution embeds the name, asks the catalog for the top-K nearest items
// by cosine similarity, and re-ranks them with a blended score:
//
//	score = w·embeddingSimilarity + (1-w)·tokenSimilarity
//
// where tokenSimilarity is the filler-stripped token overlap from package
// lexical and w defaults to 0.7. The best candidate is accepted when its
// score reaches the accept threshold (default 0.6); otherwise resolution
// fails with an [*inventory.AmbiguousError] listing every candidate name.
package resolve

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/MrWong99/larder/internal/lexical"
	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/pkg/inventory"
	"github.com/MrWong99/larder/pkg/provider/embeddings"
)

// Defaults for the resolver tunables.
const (
	DefaultTopK            = 5
	DefaultAcceptThreshold = 0.6
	DefaultEmbeddingWeight = 0.7
)

// Lookup is the subset of [inventory.Catalog] the resolver reads.
type Lookup interface {
	FindByID(ctx context.Context, id string) (inventory.Item, error)
	FindSimilar(ctx context.Context, vec []float32, k int) ([]inventory.Match, error)
}

// Candidate is one scored catalog item.
type Candidate struct {
	Item      inventory.Item
	Embedding float64
	Token     float64
	Score     float64
}

// Resolver resolves item names against the catalog. It holds no mutable
// state and is safe for concurrent use.
type Resolver struct {
	catalog  Lookup
	embedder embeddings.Provider
	metrics  *observe.Metrics

	topK   int
	accept float64
	weight float64
}

// Option configures a [Resolver].
type Option func(*Resolver)

// WithTopK sets how many nearest neighbours are scored.
func WithTopK(k int) Option {
	return func(r *Resolver) {
		if k > 0 {
			r.topK = k
		}
	}
}

// WithAcceptThreshold sets the minimum blended score for a match.
func WithAcceptThreshold(t float64) Option {
	return func(r *Resolver) { r.accept = t }
}

// WithEmbeddingWeight sets the weight of the embedding similarity in the
// blended score. The token overlap gets the remainder.
func WithEmbeddingWeight(w float64) Option {
	return func(r *Resolver) {
		if w >= 0 && w <= 1 {
			r.weight = w
		}
	}
}

// WithMetrics records resolve latency on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Resolver) { r.metrics = m }
}

// New creates a [Resolver].
func New(catalog Lookup, embedder embeddings.Provider, opts ...Option) *Resolver {
	r := &Resolver{
		catalog:  catalog,
		embedder: embedder,
		topK:     DefaultTopK,
		accept:   DefaultAcceptThreshold,
		weight:   DefaultEmbeddingWeight,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Resolve returns the freshest stored record of the catalog item name refers
// to.
//
// Errors:
//   - [*inventory.ValidationError] when name is blank.
//   - [*inventory.NotFoundError] when the vector search returns nothing.
//   - [*inventory.AmbiguousError] when no candidate clears the threshold.
//   - a wrapped provider or catalog error otherwise.
func (r *Resolver) Resolve(ctx context.Context, name string) (inventory.Item, error) {
	ctx, span := observe.StartSpan(ctx, "resolve.Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("item.query", name))

	start := time.Now()
	defer func() {
		if r.metrics != nil {
			r.metrics.ResolveDuration.Record(ctx, time.Since(start).Seconds())
		}
	}()

	cands, err := r.Candidates(ctx, name)
	if err != nil {
		return inventory.Item{}, err
	}
	if len(cands) == 0 {
		return inventory.Item{}, &inventory.NotFoundError{Query: name}
	}

	best := cands[0]
	span.SetAttributes(
		attribute.String("item.best", best.Item.Name),
		attribute.Float64("item.score", best.Score),
	)
	if best.Score < r.accept {
		names := make([]string, len(cands))
		for i, c := range cands {
			names[i] = c.Item.Name
		}
		observe.Logger(ctx).Debug("resolve: ambiguous",
			"query", name, "best", best.Item.Name, "score", best.Score)
		return inventory.Item{}, &inventory.AmbiguousError{Query: name, Suggestions: names}
	}

	// The vector index may lag the row; re-read for current quantity.
	item, err := r.catalog.FindByID(ctx, best.Item.ID)
	if err != nil {
		return inventory.Item{}, fmt.Errorf("resolve: refresh %q: %w", best.Item.ID, err)
	}
	return item, nil
}

// Candidates returns the scored nearest neighbours of name, best first.
// Candidates with equal scores keep the catalog's similarity order.
func (r *Resolver) Candidates(ctx context.Context, name string) ([]Candidate, error) {
	if strings.TrimSpace(name) == "" {
		return nil, &inventory.ValidationError{Field: "item", Reason: "item name is empty"}
	}

	embStart := time.Now()
	vec, err := r.embedder.Embed(ctx, name)
	if r.metrics != nil {
		r.metrics.EmbedDuration.Record(ctx, time.Since(embStart).Seconds())
	}
	if err != nil {
		return nil, fmt.Errorf("resolve: embed %q: %w", name, err)
	}

	matches, err := r.catalog.FindSimilar(ctx, vec, r.topK)
	if err != nil {
		return nil, fmt.Errorf("resolve: find similar: %w", err)
	}

	cands := make([]Candidate, len(matches))
	for i, m := range matches {
		tok := lexical.TokenSimilarity(name, m.Item.Name)
		cands[i] = Candidate{
			Item:      m.Item,
			Embedding: m.Similarity,
			Token:     tok,
			Score:     r.weight*m.Similarity + (1-r.weight)*tok,
		}
	}
	slices.SortStableFunc(cands, func(a, b Candidate) int {
		return cmp.Compare(b.Score, a.Score)
	})
	return cands, nil
}
