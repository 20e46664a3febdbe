package app

import (
	"fmt"
	"log/slog"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/larder/internal/config"
	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/internal/resilience"
	"github.com/MrWong99/larder/pkg/provider/embeddings"
	ollamaembed "github.com/MrWong99/larder/pkg/provider/embeddings/ollama"
	oaembed "github.com/MrWong99/larder/pkg/provider/embeddings/openai"
	"github.com/MrWong99/larder/pkg/provider/llm"
	"github.com/MrWong99/larder/pkg/provider/llm/anyllm"
	oallm "github.com/MrWong99/larder/pkg/provider/llm/openai"
)

// Providers holds the model providers the pipeline talks to. A nil field
// means the slot is not configured.
type Providers struct {
	LLM        llm.Provider
	Embeddings embeddings.Provider
}

// anyllmBackends share the same construction: optional APIKey + optional
// BaseURL passed through to any-llm-go.
var anyllmBackends = []string{
	"anthropic", "gemini", "ollama",
	"deepseek", "mistral", "groq", "llamacpp", "llamafile",
}

// RegisterBuiltinProviders wires every provider factory that ships with
// larder into reg.
func RegisterBuiltinProviders(reg *config.Registry) {
	// ── LLM ─────────────────────────────────────────────────────────────────
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []oallm.Option
		if entry.BaseURL != "" {
			opts = append(opts, oallm.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, oallm.WithOrganization(org))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oallm.WithTimeout(entry.Timeout))
		}
		return oallm.New(entry.APIKey, entry.Model, opts...)
	})

	for _, backend := range anyllmBackends {
		reg.RegisterLLM(backend, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(backend, entry.Model, opts...)
		})
	}

	// ── Embeddings ──────────────────────────────────────────────────────────
	reg.RegisterEmbeddings("openai", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []oaembed.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaembed.WithBaseURL(entry.BaseURL))
		}
		if entry.Timeout > 0 {
			opts = append(opts, oaembed.WithTimeout(entry.Timeout))
		}
		return oaembed.New(entry.APIKey, entry.Model, opts...)
	})

	reg.RegisterEmbeddings("ollama", func(entry config.ProviderEntry) (embeddings.Provider, error) {
		var opts []ollamaembed.Option
		if entry.Timeout > 0 {
			opts = append(opts, ollamaembed.WithTimeout(entry.Timeout))
		}
		if dims := optInt(entry.Options, "dimensions"); dims > 0 {
			opts = append(opts, ollamaembed.WithDimensions(dims))
		}
		return ollamaembed.New(entry.BaseURL, entry.Model, opts...)
	})

	for kind, names := range map[string][]string{"llm": reg.Names("llm"), "embeddings": reg.Names("embeddings")} {
		for _, name := range names {
			slog.Debug("registered provider", "kind", kind, "name", name)
		}
	}
}

// BuildProviders instantiates every configured provider through reg. When a
// slot lists more than one entry, the first is the primary and the rest are
// chained behind it as circuit-broken fallbacks.
func BuildProviders(cfg *config.Config, reg *config.Registry, metrics *observe.Metrics) (*Providers, error) {
	ps := &Providers{}

	if entries := cfg.Providers.LLM; len(entries) > 0 {
		primary, err := reg.CreateLLM(entries[0])
		if err != nil {
			return nil, fmt.Errorf("app: create llm provider %q: %w", entries[0].Name, err)
		}
		ps.LLM = primary
		if len(entries) > 1 {
			fb := resilience.NewLLMFallback(primary, entryLabel(entries[0]), fallbackConfig("llm", metrics))
			for _, e := range entries[1:] {
				p, err := reg.CreateLLM(e)
				if err != nil {
					return nil, fmt.Errorf("app: create llm fallback %q: %w", e.Name, err)
				}
				fb.AddFallback(entryLabel(e), p)
			}
			ps.LLM = fb
		}
		slog.Info("provider created", "kind", "llm", "name", entries[0].Name, "fallbacks", len(entries)-1)
	}

	if entries := cfg.Providers.Embeddings; len(entries) > 0 {
		primary, err := reg.CreateEmbeddings(entries[0])
		if err != nil {
			return nil, fmt.Errorf("app: create embeddings provider %q: %w", entries[0].Name, err)
		}
		ps.Embeddings = primary
		if len(entries) > 1 {
			fb := resilience.NewEmbeddingsFallback(primary, entryLabel(entries[0]), fallbackConfig("embeddings", metrics))
			for _, e := range entries[1:] {
				p, err := reg.CreateEmbeddings(e)
				if err != nil {
					return nil, fmt.Errorf("app: create embeddings fallback %q: %w", e.Name, err)
				}
				if err := fb.AddFallback(entryLabel(e), p); err != nil {
					return nil, fmt.Errorf("app: embeddings fallback %q: %w", e.Name, err)
				}
			}
			ps.Embeddings = fb
		}
		switch dims := ps.Embeddings.Dimensions(); {
		case dims == 0:
			slog.Warn("embeddings provider did not report its dimensions", "model", ps.Embeddings.ModelID())
		case dims != cfg.Storage.EmbeddingDimensions:
			return nil, fmt.Errorf("app: embeddings model %s produces %d dimensions, storage.embedding_dimensions is %d",
				ps.Embeddings.ModelID(), dims, cfg.Storage.EmbeddingDimensions)
		}
		slog.Info("provider created", "kind", "embeddings", "name", entries[0].Name, "fallbacks", len(entries)-1)
	}

	return ps, nil
}

func fallbackConfig(kind string, metrics *observe.Metrics) resilience.FallbackConfig {
	return resilience.FallbackConfig{Kind: kind, Metrics: metrics}
}

func entryLabel(e config.ProviderEntry) string {
	if e.Model == "" {
		return e.Name
	}
	return e.Name + "/" + e.Model
}

// optString extracts a string value from a provider options map.
func optString(opts map[string]any, key string) string {
	if opts == nil {
		return ""
	}
	v, ok := opts[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// optInt extracts an integer value from a provider options map. YAML decodes
// bare numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}
