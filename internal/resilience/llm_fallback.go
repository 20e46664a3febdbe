package resilience

import (
	"context"

	"github.com/MrWong99/larder/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across several LLM
// backends, each behind its own circuit breaker.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	if cfg.Kind == "" {
		cfg.Kind = "llm"
	}
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete sends the request to the first healthy provider.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(ctx, f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens uses the primary's counter. Token counting is local and never
// trips a breaker.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.group.Primary().CountTokens(messages)
}

// Capabilities returns the smallest context window across all entries, so
// history trimmed against it fits whichever backend ends up serving.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	caps := f.group.Primary().Capabilities()
	for _, e := range f.group.entries[1:] {
		c := e.value.Capabilities()
		if c.ContextWindow > 0 && (caps.ContextWindow == 0 || c.ContextWindow < caps.ContextWindow) {
			caps.ContextWindow = c.ContextWindow
		}
		if c.MaxOutputTokens > 0 && (caps.MaxOutputTokens == 0 || c.MaxOutputTokens < caps.MaxOutputTokens) {
			caps.MaxOutputTokens = c.MaxOutputTokens
		}
	}
	return caps
}
