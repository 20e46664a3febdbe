package openai

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/MrWong99/larder/pkg/provider/llm"
)

func TestConvertMessage_Roles(t *testing.T) {
	for _, role := range []string{"system", "user", "assistant"} {
		param, err := convertMessage(llm.Message{Role: role, Content: "add 5 pounds of coffee"})
		if err != nil {
			t.Fatalf("role %q: unexpected error: %v", role, err)
		}
		switch role {
		case "system":
			if param.OfSystem == nil {
				t.Error("expected OfSystem to be set")
			}
		case "user":
			if param.OfUser == nil {
				t.Error("expected OfUser to be set")
			}
		case "assistant":
			if param.OfAssistant == nil {
				t.Error("expected OfAssistant to be set")
			}
		}
	}
}

func TestConvertMessage_UnknownRole(t *testing.T) {
	_, err := convertMessage(llm.Message{Role: "tool", Content: "x"})
	if err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model         string
		contextWindow int
	}{
		{"gpt-4o-mini", 128_000},
		{"gpt-4", 8_192},
		{"gpt-3.5-turbo", 16_385},
		{"o3-mini", 200_000},
		{"my-custom-model", 128_000},
	}
	for _, tt := range tests {
		caps := modelCapabilities(tt.model)
		if caps.ContextWindow != tt.contextWindow {
			t.Errorf("%s: context window got %d, want %d", tt.model, caps.ContextWindow, tt.contextWindow)
		}
		if caps.MaxOutputTokens <= 0 {
			t.Errorf("%s: expected positive MaxOutputTokens", tt.model)
		}
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("sk-test", "gpt-4o", WithBaseURL("https://custom.example.com"), WithOrganization("org-123")); err != nil {
		t.Errorf("unexpected error with valid options: %v", err)
	}
}

func TestComplete_AgainstFakeServer(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "chatcmpl-1",
			"object": "chat.completion",
			"created": 1,
			"model": "gpt-4o-mini",
			"choices": [{"index": 0, "finish_reason": "stop",
				"message": {"role": "assistant", "content": "{\"commands\":[]}"}}],
			"usage": {"prompt_tokens": 12, "completion_tokens": 4, "total_tokens": 16}
		}`)
	}))
	defer srv.Close()

	p, err := New("sk-test", "gpt-4o-mini", WithBaseURL(srv.URL+"/v1/"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	resp, err := p.Complete(context.Background(), llm.CompletionRequest{
		SystemPrompt: "Return JSON.",
		Messages:     []llm.Message{{Role: "user", Content: "add 5 pounds of coffee"}},
	})
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != `{"commands":[]}` {
		t.Errorf("content: got %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 16 {
		t.Errorf("total tokens: got %d, want 16", resp.Usage.TotalTokens)
	}
	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Errorf("expected system + user messages, got %d", len(msgs))
	}
}
