package anyllm

import (
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/larder/pkg/provider/llm"
)

func TestConvertMessage(t *testing.T) {
	got := convertMessage(llm.Message{Role: "assistant", Content: `{"commands":[]}`, Name: "interpreter"})
	if got.Role != "assistant" {
		t.Errorf("role: got %q, want assistant", got.Role)
	}
	if got.ContentString() != `{"commands":[]}` {
		t.Errorf("content: got %q", got.ContentString())
	}
	if got.Name != "interpreter" {
		t.Errorf("name: got %q, want interpreter", got.Name)
	}
}

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "claude-3-5-haiku-latest"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Return JSON only.",
		Messages:     []llm.Message{{Role: "user", Content: "add 2 cases of limes"}},
		Temperature:  0.1,
		MaxTokens:    256,
	})
	if len(params.Messages) != 2 {
		t.Fatalf("messages: got %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem {
		t.Errorf("first role: got %q, want system", params.Messages[0].Role)
	}
	if params.Temperature == nil || *params.Temperature != 0.1 {
		t.Errorf("temperature not forwarded: %v", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 256 {
		t.Errorf("max tokens not forwarded: %v", params.MaxTokens)
	}
	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("model: got %q", params.Model)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	params := p.buildParams(llm.CompletionRequest{Messages: []llm.Message{{Role: "user", Content: "hi"}}})
	if params.Temperature != nil {
		t.Error("temperature should be nil when zero")
	}
	if params.MaxTokens != nil {
		t.Error("max tokens should be nil when zero")
	}
	if len(params.Messages) != 1 {
		t.Errorf("messages: got %d, want 1", len(params.Messages))
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model         string
		contextWindow int
		maxOut        int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"claude-3-opus-20240229", 200_000, 4_096},
		{"claude-3-5-sonnet-latest", 200_000, 8_192},
		{"CLAUDE-future", 200_000, 8_192},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"mystery", 128_000, 4_096},
	}
	for _, tt := range tests {
		caps := modelCapabilities(tt.model)
		if caps.ContextWindow != tt.contextWindow || caps.MaxOutputTokens != tt.maxOut {
			t.Errorf("%s: got %+v, want window %d, max out %d", tt.model, caps, tt.contextWindow, tt.maxOut)
		}
	}
}

func TestNew(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty backend name")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported backend")
	}

	p, err := New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-test"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.model != "claude-3-5-haiku-latest" {
		t.Errorf("model: got %q", p.model)
	}
	if _, err := New("ollama", "llama3"); err != nil {
		t.Errorf("ollama without key: unexpected error: %v", err)
	}
}

func TestCountTokens(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	n, err := p.CountTokens([]llm.Message{{Role: "user", Content: "Hello world"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 7 {
		t.Errorf("got %d, want 7", n)
	}
	n, _ = p.CountTokens(nil)
	if n != 0 {
		t.Errorf("empty: got %d, want 0", n)
	}
}
