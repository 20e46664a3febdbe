// Package embeddings defines the Provider interface for text embedding
// backends. Vectors are used to index catalog item names and to embed the
// item name extracted from an utterance before similarity search.
//
// Implementations must be safe for concurrent use.
package embeddings

import "context"

// Provider maps text to dense float32 vectors.
//
// All vectors from one Provider share the length returned by Dimensions.
// Vectors from different providers must not be compared.
type Provider interface {
	// Embed computes the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch computes vectors for texts in one call. result[i]
	// corresponds to texts[i]. On error no partial result is returned.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimensions returns the fixed vector length.
	Dimensions() int

	// ModelID returns the backend model identifier.
	ModelID() string
}
