// Package mock provides a test double for the embeddings.Provider interface.
//
// Vectors maps exact input texts to canned vectors; texts not in the map get
// EmbedResult. This lets resolver tests control the similarity between a
// query and each catalog item.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/larder/pkg/provider/embeddings"
)

// Provider is a mock implementation of embeddings.Provider.
type Provider struct {
	mu sync.Mutex

	// Vectors holds per-text results.
	Vectors map[string][]float32

	// EmbedResult is returned for texts missing from Vectors.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned by Embed and EmbedBatch.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID.
	ModelIDValue string

	// EmbedCalls records every text passed to Embed or EmbedBatch in order.
	EmbedCalls []string
}

// Embed records the call and returns the vector for text.
func (p *Provider) Embed(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, text)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.lookup(text), nil
}

// EmbedBatch records the call and returns one vector per text.
func (p *Provider) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.EmbedCalls = append(p.EmbedCalls, texts...)
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = p.lookup(t)
	}
	return out, nil
}

func (p *Provider) lookup(text string) []float32 {
	if v, ok := p.Vectors[text]; ok {
		return v
	}
	return p.EmbedResult
}

// Dimensions returns DimensionsValue.
func (p *Provider) Dimensions() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.DimensionsValue
}

// ModelID returns ModelIDValue.
func (p *Provider) ModelID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ModelIDValue
}

// Calls returns a copy of the recorded texts.
func (p *Provider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.EmbedCalls))
	copy(out, p.EmbedCalls)
	return out
}

var _ embeddings.Provider = (*Provider)(nil)
