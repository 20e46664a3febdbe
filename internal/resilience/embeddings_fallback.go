package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/larder/pkg/provider/embeddings"
)

// EmbeddingsFallback implements [embeddings.Provider] with failover across
// several embedding backends.
//
// Vectors from different models are not comparable, so every entry must
// report the same [embeddings.Provider.Dimensions] and should embed into the
// same space. [EmbeddingsFallback.AddFallback] rejects a dimension mismatch.
type EmbeddingsFallback struct {
	group *FallbackGroup[embeddings.Provider]
}

var _ embeddings.Provider = (*EmbeddingsFallback)(nil)

// NewEmbeddingsFallback creates an [EmbeddingsFallback] with primary as the
// preferred backend.
func NewEmbeddingsFallback(primary embeddings.Provider, primaryName string, cfg FallbackConfig) *EmbeddingsFallback {
	if cfg.Kind == "" {
		cfg.Kind = "embeddings"
	}
	return &EmbeddingsFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional embeddings provider.
func (f *EmbeddingsFallback) AddFallback(name string, provider embeddings.Provider) error {
	want := f.group.Primary().Dimensions()
	if got := provider.Dimensions(); got != want {
		return fmt.Errorf("resilience: embeddings fallback %q has %d dimensions, primary has %d", name, got, want)
	}
	f.group.AddFallback(name, provider)
	return nil
}

// Embed embeds text with the first healthy provider.
func (f *EmbeddingsFallback) Embed(ctx context.Context, text string) ([]float32, error) {
	return ExecuteWithResult(ctx, f.group, func(p embeddings.Provider) ([]float32, error) {
		return p.Embed(ctx, text)
	})
}

// EmbedBatch embeds texts with the first healthy provider. A batch is never
// split across providers.
func (f *EmbeddingsFallback) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return ExecuteWithResult(ctx, f.group, func(p embeddings.Provider) ([][]float32, error) {
		return p.EmbedBatch(ctx, texts)
	})
}

// Dimensions returns the shared vector dimensionality.
func (f *EmbeddingsFallback) Dimensions() int { return f.group.Primary().Dimensions() }

// ModelID returns the primary's model identifier.
func (f *EmbeddingsFallback) ModelID() string { return f.group.Primary().ModelID() }
