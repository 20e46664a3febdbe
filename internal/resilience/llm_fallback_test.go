package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/larder/pkg/provider/llm"
	llmmock "github.com/MrWong99/larder/pkg/provider/llm/mock"
)

func TestLLMFallback_Complete_PrimarySuccess(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from primary"},
	}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from primary" {
		t.Fatalf("content = %q, want 'hello from primary'", resp.Content)
	}
	if len(primary.Calls()) != 1 {
		t.Fatalf("primary called %d times, want 1", len(primary.Calls()))
	}
	if len(secondary.Calls()) != 0 {
		t.Fatalf("secondary called %d times, want 0", len(secondary.Calls()))
	}
}

func TestLLMFallback_Complete_Failover(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{
		CompleteResponse: &llm.CompletionResponse{Content: "hello from secondary"},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello from secondary" {
		t.Fatalf("content = %q, want 'hello from secondary'", resp.Content)
	}
}

func TestLLMFallback_Complete_AllFail(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{CompleteErr: errors.New("primary down")}
	secondary := &llmmock.Provider{CompleteErr: errors.New("secondary down")}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_CountTokensUsesPrimary(t *testing.T) {
	t.Parallel()
	fb := NewLLMFallback(&llmmock.Provider{TokenCount: 42}, "primary", FallbackConfig{})
	fb.AddFallback("secondary", &llmmock.Provider{TokenCount: 7})

	count, err := fb.CountTokens([]llm.Message{{Role: "user", Content: "test"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 42 {
		t.Fatalf("count = %d, want 42", count)
	}
}

func TestLLMFallback_CapabilitiesUseSmallestWindow(t *testing.T) {
	t.Parallel()
	primary := &llmmock.Provider{
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 128000, MaxOutputTokens: 16384},
	}
	secondary := &llmmock.Provider{
		ModelCapabilities: llm.ModelCapabilities{ContextWindow: 32000},
	}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{})
	fb.AddFallback("secondary", secondary)

	caps := fb.Capabilities()
	if caps.ContextWindow != 32000 {
		t.Errorf("ContextWindow = %d, want 32000", caps.ContextWindow)
	}
	if caps.MaxOutputTokens != 16384 {
		t.Errorf("MaxOutputTokens = %d, want 16384", caps.MaxOutputTokens)
	}
}
