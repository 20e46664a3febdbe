package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/larder/internal/config"
	"github.com/MrWong99/larder/pkg/provider/embeddings"
	embmock "github.com/MrWong99/larder/pkg/provider/embeddings/mock"
	"github.com/MrWong99/larder/pkg/provider/llm"
	llmmock "github.com/MrWong99/larder/pkg/provider/llm/mock"
)

const fullYAML = `
server:
  listen_addr: ":9090"
  log_level: debug
  jwt_secret: s3cret
  log_file:
    path: /var/log/larder.log
    max_size_mb: 50
providers:
  llm:
    - name: openai
      model: gpt-4o-mini
      api_key: sk-test
      timeout: 10s
    - name: anthropic
      model: claude-3-5-haiku-latest
  embeddings:
    - name: openai
      model: text-embedding-3-small
storage:
  postgres_dsn: "postgres://localhost/larder"
  redis_addr: "localhost:6379"
  embedding_dimensions: 1536
buffer:
  silence_timeout: 2s
session:
  history_turns: 12
confirm:
  large_change_ratio: 0.5
  pending_timeout: 45s
undo:
  ttl: 1h
telemetry:
  environment: production
  instance_id: pantry-1
  trace_sample_ratio: 0.25
`

func TestLoadFromReader_FullConfig(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.ListenAddr != ":9090" || cfg.Server.LogLevel != config.LogDebug {
		t.Errorf("server: got %+v", cfg.Server)
	}
	if cfg.Server.LogFile == nil || cfg.Server.LogFile.MaxSizeMB != 50 {
		t.Errorf("log_file: got %+v", cfg.Server.LogFile)
	}
	if len(cfg.Providers.LLM) != 2 || cfg.Providers.LLM[1].Name != "anthropic" {
		t.Errorf("providers.llm: got %+v", cfg.Providers.LLM)
	}
	if cfg.Providers.LLM[0].Timeout != 10*time.Second {
		t.Errorf("providers.llm[0].timeout: got %v", cfg.Providers.LLM[0].Timeout)
	}
	if cfg.Buffer.SilenceTimeout != 2*time.Second {
		t.Errorf("buffer.silence_timeout: got %v", cfg.Buffer.SilenceTimeout)
	}
	if cfg.Session.HistoryTurns != 12 {
		t.Errorf("session.history_turns: got %d", cfg.Session.HistoryTurns)
	}
	if cfg.Confirm.LargeChangeRatio != 0.5 || cfg.Confirm.PendingTimeout != 45*time.Second {
		t.Errorf("confirm: got %+v", cfg.Confirm)
	}
	if cfg.Undo.TTL != time.Hour {
		t.Errorf("undo.ttl: got %v", cfg.Undo.TTL)
	}
	want := config.TelemetryConfig{ServiceName: "larder", Environment: "production", InstanceID: "pantry-1", TraceSampleRatio: 0.25}
	if cfg.Telemetry != want {
		t.Errorf("telemetry: got %+v, want %+v", cfg.Telemetry, want)
	}
}

func TestLoadFromReader_DefaultsFillOmittedFields(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(fullYAML))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := config.Defaults()

	if cfg.Session.RecentCommands != def.Session.RecentCommands {
		t.Errorf("session.recent_commands: got %d, want default %d", cfg.Session.RecentCommands, def.Session.RecentCommands)
	}
	if cfg.Resolver != def.Resolver {
		t.Errorf("resolver: got %+v, want defaults %+v", cfg.Resolver, def.Resolver)
	}
	if cfg.Confirm.LowConfidence != 0.5 || cfg.Confirm.LexicalThreshold != 0.75 || cfg.Confirm.ProgressiveFloor != 0.65 {
		t.Errorf("confirm defaults lost: %+v", cfg.Confirm)
	}
	if cfg.Undo.SweepInterval != time.Minute {
		t.Errorf("undo.sweep_interval: got %v", cfg.Undo.SweepInterval)
	}
}

func TestLoadFromReader_EmptyDocumentIsDefaults(t *testing.T) {
	t.Parallel()
	cfg, err := config.LoadFromReader(strings.NewReader(""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	def := config.Defaults()
	if d := config.Diff(&def, cfg); !d.Empty() {
		t.Errorf("empty document differs from defaults: %+v", d)
	}
}

func TestLoadFromReader_UnknownFieldRejected(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  listen_adr: \":1\"\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad log level", "server:\n  log_level: loud\n", "server.log_level"},
		{"log file without path", "server:\n  log_file:\n    max_size_mb: 5\n", "server.log_file.path"},
		{"tls without key", "server:\n  tls:\n    cert_file: a.pem\n", "server.tls"},
		{"provider without name", "providers:\n  llm:\n    - model: gpt-4o\n", "providers.llm[0].name"},
		{"duplicate provider", "providers:\n  embeddings:\n    - name: ollama\n      model: m\n    - name: ollama\n      model: m\n", "duplicates"},
		{"zero dimensions", "storage:\n  embedding_dimensions: 0\n", "storage.embedding_dimensions"},
		{"negative silence", "buffer:\n  silence_timeout: -1s\n", "buffer.silence_timeout"},
		{"threshold above one", "resolver:\n  accept_threshold: 1.5\n", "resolver.accept_threshold"},
		{"inverted confidence band", "confirm:\n  low_confidence: 0.9\n  high_confidence: 0.8\n", "exceeds"},
		{"floor below low", "confirm:\n  progressive_floor: 0.3\n", "progressive_floor"},
		{"zero undo ttl", "undo:\n  ttl: 0s\n", "undo.ttl"},
		{"empty service name", "telemetry:\n  service_name: \"\"\n", "telemetry.service_name"},
		{"sample ratio above one", "telemetry:\n  trace_sample_ratio: 2\n", "telemetry.trace_sample_ratio"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_JoinsAllErrors(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: loud\nundo:\n  ttl: 0s\n"))
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"server.log_level", "undo.ttl"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("joined error %q missing %q", err, want)
		}
	}
}

func TestLoad_FileErrors(t *testing.T) {
	t.Parallel()
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(fullYAML), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.ListenAddr != ":9090" {
		t.Errorf("listen_addr: got %q", cfg.Server.ListenAddr)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace" should be invalid`)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterLLM("fake", func(e config.ProviderEntry) (llm.Provider, error) {
		return &llmmock.Provider{ModelCapabilities: llm.ModelCapabilities{ContextWindow: 1000}}, nil
	})
	reg.RegisterEmbeddings("fake", func(e config.ProviderEntry) (embeddings.Provider, error) {
		return &embmock.Provider{ModelIDValue: e.Model}, nil
	})

	p, err := reg.CreateLLM(config.ProviderEntry{Name: "fake"})
	if err != nil {
		t.Fatalf("CreateLLM: %v", err)
	}
	if p.Capabilities().ContextWindow != 1000 {
		t.Errorf("wrong provider returned")
	}
	e, err := reg.CreateEmbeddings(config.ProviderEntry{Name: "fake", Model: "m1"})
	if err != nil {
		t.Fatalf("CreateEmbeddings: %v", err)
	}
	if e.ModelID() != "m1" {
		t.Errorf("entry not passed to factory")
	}

	if _, err := reg.CreateLLM(config.ProviderEntry{Name: "nope"}); !errors.Is(err, config.ErrProviderNotRegistered) {
		t.Errorf("got %v, want ErrProviderNotRegistered", err)
	}
	if got := reg.Names("llm"); len(got) != 1 || got[0] != "fake" {
		t.Errorf("Names(llm) = %v", got)
	}
}
