package app_test

import (
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/MrWong99/larder/internal/app"
	"github.com/MrWong99/larder/internal/config"
	"github.com/MrWong99/larder/internal/resilience"
	"github.com/MrWong99/larder/pkg/provider/embeddings"
	embmock "github.com/MrWong99/larder/pkg/provider/embeddings/mock"
	"github.com/MrWong99/larder/pkg/provider/llm"
	llmmock "github.com/MrWong99/larder/pkg/provider/llm/mock"
)

func TestRegisterBuiltinProviders(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)

	for _, name := range config.ValidProviderNames["llm"] {
		if !slices.Contains(reg.Names("llm"), name) {
			t.Errorf("llm provider %q not registered", name)
		}
	}
	for _, name := range config.ValidProviderNames["embeddings"] {
		if !slices.Contains(reg.Names("embeddings"), name) {
			t.Errorf("embeddings provider %q not registered", name)
		}
	}
}

// fakeRegistry registers mock factories under "primary", "backup" and
// "broken".
func fakeRegistry(dims map[string]int) *config.Registry {
	reg := config.NewRegistry()
	for _, name := range []string{"primary", "backup"} {
		reg.RegisterLLM(name, func(config.ProviderEntry) (llm.Provider, error) {
			return &llmmock.Provider{Responses: []string{name}}, nil
		})
		reg.RegisterEmbeddings(name, func(config.ProviderEntry) (embeddings.Provider, error) {
			return &embmock.Provider{DimensionsValue: dims[name], ModelIDValue: name}, nil
		})
	}
	reg.RegisterLLM("broken", func(config.ProviderEntry) (llm.Provider, error) {
		return nil, errors.New("no api key")
	})
	return reg
}

func TestBuildProviders_Single(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()
	cfg.Storage.EmbeddingDimensions = 8
	cfg.Providers.LLM = []config.ProviderEntry{{Name: "primary"}}
	cfg.Providers.Embeddings = []config.ProviderEntry{{Name: "primary"}}

	ps, err := app.BuildProviders(&cfg, fakeRegistry(map[string]int{"primary": 8}), testMetrics(t))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if _, ok := ps.LLM.(*llmmock.Provider); !ok {
		t.Errorf("LLM = %T, want the primary itself", ps.LLM)
	}
	if _, ok := ps.Embeddings.(*embmock.Provider); !ok {
		t.Errorf("Embeddings = %T, want the primary itself", ps.Embeddings)
	}
}

func TestBuildProviders_FallbackChain(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()
	cfg.Storage.EmbeddingDimensions = 8
	cfg.Providers.LLM = []config.ProviderEntry{{Name: "primary", Model: "a"}, {Name: "backup", Model: "b"}}
	cfg.Providers.Embeddings = []config.ProviderEntry{{Name: "primary"}, {Name: "backup"}}

	ps, err := app.BuildProviders(&cfg, fakeRegistry(map[string]int{"primary": 8, "backup": 8}), testMetrics(t))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	fb, ok := ps.LLM.(*resilience.LLMFallback)
	if !ok {
		t.Fatalf("LLM = %T, want *resilience.LLMFallback", ps.LLM)
	}
	resp, err := fb.Complete(context.Background(), llm.CompletionRequest{})
	if err != nil || resp.Content != "primary" {
		t.Errorf("Complete = %+v, %v; want the primary's reply", resp, err)
	}
	if _, ok := ps.Embeddings.(*resilience.EmbeddingsFallback); !ok {
		t.Errorf("Embeddings = %T, want *resilience.EmbeddingsFallback", ps.Embeddings)
	}
}

func TestBuildProviders_Errors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		edit func(*config.Config)
	}{
		{"unregistered", func(c *config.Config) {
			c.Providers.LLM = []config.ProviderEntry{{Name: "nope"}}
		}},
		{"factory error", func(c *config.Config) {
			c.Providers.LLM = []config.ProviderEntry{{Name: "broken"}}
		}},
		{"broken fallback", func(c *config.Config) {
			c.Providers.LLM = []config.ProviderEntry{{Name: "primary"}, {Name: "broken"}}
		}},
		{"dimension mismatch with storage", func(c *config.Config) {
			c.Providers.Embeddings = []config.ProviderEntry{{Name: "backup"}}
		}},
		{"dimension mismatch between fallbacks", func(c *config.Config) {
			c.Providers.Embeddings = []config.ProviderEntry{{Name: "primary"}, {Name: "backup"}}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Defaults()
			cfg.Storage.EmbeddingDimensions = 8
			tt.edit(&cfg)
			if _, err := app.BuildProviders(&cfg, fakeRegistry(map[string]int{"primary": 8, "backup": 4}), testMetrics(t)); err == nil {
				t.Error("want error")
			}
		})
	}
}

func TestBuildProviders_NothingConfigured(t *testing.T) {
	t.Parallel()
	cfg := config.Defaults()
	ps, err := app.BuildProviders(&cfg, config.NewRegistry(), testMetrics(t))
	if err != nil {
		t.Fatalf("BuildProviders: %v", err)
	}
	if ps.LLM != nil || ps.Embeddings != nil {
		t.Errorf("providers = %+v, want empty", ps)
	}
}
