// Package llm defines the Provider interface for the language-model backends
// that turn utterances into structured inventory commands.
//
// A provider wraps a remote or local model API (OpenAI, Anthropic through
// any-llm-go, a local Ollama instance) behind one blocking Complete call so
// the interpreter never couples to a specific SDK.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// Message is one entry of the prompt conversation.
type Message struct {
	// Role is one of "system", "user" or "assistant".
	Role string

	// Content is the text of the message.
	Content string

	// Name optionally identifies the speaker.
	Name string
}

// Usage holds token accounting returned by the backend.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation. The last message drives the reply.
	Messages []Message

	// SystemPrompt is injected before Messages. Providers without a native
	// system slot prepend it as a "system" message.
	SystemPrompt string

	// Temperature in [0, 2]. Zero requests the provider default.
	Temperature float64

	// MaxTokens caps the reply length. Zero means provider default.
	MaxTokens int
}

// CompletionResponse is the full reply of a completion.
type CompletionResponse struct {
	Content string
	Usage   Usage
}

// ModelCapabilities describes the limits of the underlying model.
type ModelCapabilities struct {
	// ContextWindow is the maximum token count for input plus output.
	ContextWindow int

	// MaxOutputTokens is the most tokens one completion may generate.
	MaxOutputTokens int
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Complete sends req and waits for the full reply. It returns promptly
	// with ctx.Err() when ctx is cancelled.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	// CountTokens estimates the prompt size of messages. It may approximate
	// but should not undercount.
	CountTokens(messages []Message) (int, error)

	// Capabilities returns static limits of the model.
	Capabilities() ModelCapabilities
}

// EstimateTokens is the shared ~4 characters per token approximation used
// by providers that have no tokenizer endpoint.
func EstimateTokens(messages []Message) int {
	total := 0
	for _, m := range messages {
		total += (len(m.Content)+3)/4 + 4
	}
	return total
}
