package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm":        {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"embeddings": {"openai", "ollama"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied to every omitted field.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over [Defaults] and validates
// the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Defaults()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if lf := cfg.Server.LogFile; lf != nil && lf.Path == "" {
		errs = append(errs, errors.New("server.log_file.path is required when server.log_file is set"))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}
	if cfg.Server.JWTSecret == "" {
		slog.Warn("server.jwt_secret is empty; the API will treat every request as the local dev owner")
	}

	// Providers
	errs = append(errs, validateEntries("llm", cfg.Providers.LLM)...)
	errs = append(errs, validateEntries("embeddings", cfg.Providers.Embeddings)...)
	if len(cfg.Providers.LLM) == 0 {
		slog.Warn("no LLM provider configured; voice and text commands cannot be interpreted")
	}
	if len(cfg.Providers.Embeddings) == 0 {
		slog.Warn("no embeddings provider configured; items cannot be resolved")
	}

	// Storage
	if cfg.Storage.EmbeddingDimensions <= 0 {
		errs = append(errs, fmt.Errorf("storage.embedding_dimensions must be positive, got %d", cfg.Storage.EmbeddingDimensions))
	}
	if cfg.Storage.PostgresDSN == "" {
		slog.Warn("storage.postgres_dsn is empty; the catalog is kept in memory and lost on restart")
	}
	if cfg.Storage.PostgresDSN != "" && cfg.Storage.SeedFile != "" {
		slog.Warn("storage.seed_file is ignored when storage.postgres_dsn is set; use 'larder reindex --seed' instead")
	}

	// Buffer and session
	errs = appendPositive(errs, "buffer.silence_timeout", cfg.Buffer.SilenceTimeout.Seconds())
	errs = appendPositive(errs, "session.history_turns", float64(cfg.Session.HistoryTurns))
	errs = appendPositive(errs, "session.history_max_age", cfg.Session.HistoryMaxAge.Seconds())
	errs = appendPositive(errs, "session.recent_commands", float64(cfg.Session.RecentCommands))
	errs = appendPositive(errs, "session.idle_timeout", cfg.Session.IdleTimeout.Seconds())
	errs = appendPositive(errs, "session.recent_ttl", cfg.Session.RecentTTL.Seconds())

	// Resolver
	errs = appendPositive(errs, "resolver.top_k", float64(cfg.Resolver.TopK))
	errs = appendUnit(errs, "resolver.accept_threshold", cfg.Resolver.AcceptThreshold)
	errs = appendUnit(errs, "resolver.embedding_weight", cfg.Resolver.EmbeddingWeight)

	// Confirm
	c := cfg.Confirm
	errs = appendUnit(errs, "confirm.low_confidence", c.LowConfidence)
	errs = appendUnit(errs, "confirm.high_confidence", c.HighConfidence)
	errs = appendUnit(errs, "confirm.lexical_threshold", c.LexicalThreshold)
	errs = appendUnit(errs, "confirm.accuracy_threshold", c.AccuracyThreshold)
	errs = appendUnit(errs, "confirm.progressive_floor", c.ProgressiveFloor)
	errs = appendPositive(errs, "confirm.large_change_ratio", c.LargeChangeRatio)
	errs = appendPositive(errs, "confirm.large_change_absolute", c.LargeChangeAbsolute)
	errs = appendPositive(errs, "confirm.pending_timeout", c.PendingTimeout.Seconds())
	if c.AccuracyMinSamples < 0 {
		errs = append(errs, fmt.Errorf("confirm.accuracy_min_samples must not be negative, got %d", c.AccuracyMinSamples))
	}
	if c.LowConfidence > c.HighConfidence {
		errs = append(errs, fmt.Errorf("confirm.low_confidence %.2f exceeds confirm.high_confidence %.2f", c.LowConfidence, c.HighConfidence))
	}
	if c.ProgressiveFloor < c.LowConfidence {
		errs = append(errs, fmt.Errorf("confirm.progressive_floor %.2f is below confirm.low_confidence %.2f", c.ProgressiveFloor, c.LowConfidence))
	}

	// Undo
	errs = appendPositive(errs, "undo.ttl", cfg.Undo.TTL.Seconds())
	errs = appendPositive(errs, "undo.sweep_interval", cfg.Undo.SweepInterval.Seconds())

	// Telemetry
	if cfg.Telemetry.ServiceName == "" {
		errs = append(errs, errors.New("telemetry.service_name is required"))
	}
	errs = appendUnit(errs, "telemetry.trace_sample_ratio", cfg.Telemetry.TraceSampleRatio)

	return errors.Join(errs...)
}

func validateEntries(kind string, entries []ProviderEntry) []error {
	var errs []error
	seen := make(map[string]int, len(entries))
	for i, e := range entries {
		prefix := fmt.Sprintf("providers.%s[%d]", kind, i)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("%s.name is required", prefix))
			continue
		}
		key := e.Name + "/" + e.Model
		if prev, ok := seen[key]; ok {
			errs = append(errs, fmt.Errorf("%s duplicates providers.%s[%d] (%s)", prefix, kind, prev, key))
		}
		seen[key] = i
		if e.Timeout < 0 {
			errs = append(errs, fmt.Errorf("%s.timeout must not be negative", prefix))
		}
		validateProviderName(kind, e.Name)
	}
	return errs
}

func appendPositive(errs []error, field string, v float64) []error {
	if v <= 0 {
		return append(errs, fmt.Errorf("%s must be positive, got %v", field, v))
	}
	return errs
}

func appendUnit(errs []error, field string, v float64) []error {
	if v < 0 || v > 1 {
		return append(errs, fmt.Errorf("%s %.2f is out of range [0, 1]", field, v))
	}
	return errs
}

// validateProviderName logs a warning if name is not a known provider for
// the given kind.
func validateProviderName(kind, name string) {
	known, ok := ValidProviderNames[kind]
	if !ok || slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
