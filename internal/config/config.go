// Package config provides the configuration schema, loader, file watcher and
// provider registry for the larder voice inventory service.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Providers ProvidersConfig `yaml:"providers"`
	Storage   StorageConfig   `yaml:"storage"`
	Buffer    BufferConfig    `yaml:"buffer"`
	Session   SessionConfig   `yaml:"session"`
	Resolver  ResolverConfig  `yaml:"resolver"`
	Confirm   ConfirmConfig   `yaml:"confirm"`
	Undo      UndoConfig      `yaml:"undo"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds network, auth and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the HTTP API listens on (e.g., ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// LogFile, when set, sends logs to a rotating file instead of stderr.
	LogFile *LogFileConfig `yaml:"log_file"`

	// JWTSecret is the HS256 key used to verify bearer tokens.
	JWTSecret string `yaml:"jwt_secret"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// LogFileConfig configures log rotation.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	// CertFile is the path to the PEM-encoded TLS certificate.
	CertFile string `yaml:"cert_file"`

	// KeyFile is the path to the PEM-encoded TLS private key.
	KeyFile string `yaml:"key_file"`
}

// ProvidersConfig lists the LLM and embedding providers in failover order.
// The first entry of each list is the primary.
type ProvidersConfig struct {
	LLM        []ProviderEntry `yaml:"llm"`
	Embeddings []ProviderEntry `yaml:"embeddings"`
}

// ProviderEntry is the common configuration block shared by all provider
// types. The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "openai",
	// "anthropic", "ollama").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Timeout bounds a single provider request. Zero uses the provider
	// default.
	Timeout time.Duration `yaml:"timeout"`

	// Options holds provider-specific values not covered above.
	Options map[string]any `yaml:"options"`
}

// StorageConfig selects the catalog and session stores.
type StorageConfig struct {
	// PostgresDSN enables the pgvector catalog store. When empty, an
	// in-memory catalog is used.
	PostgresDSN string `yaml:"postgres_dsn"`

	// RedisAddr enables the Redis session store. When empty, session data
	// lives in process memory.
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	// EmbeddingDimensions is the vector size of the catalog embedding column.
	// Must match the configured embeddings model.
	EmbeddingDimensions int `yaml:"embedding_dimensions"`

	// SeedFile optionally names a YAML catalog to import into an empty
	// in-memory catalog at startup.
	SeedFile string `yaml:"seed_file"`
}

// BufferConfig tunes the transcription buffer.
type BufferConfig struct {
	// SilenceTimeout is how long the buffer waits after the last fragment
	// before attempting interpretation.
	SilenceTimeout time.Duration `yaml:"silence_timeout"`
}

// SessionConfig bounds the per-session context.
type SessionConfig struct {
	HistoryTurns   int           `yaml:"history_turns"`
	HistoryMaxAge  time.Duration `yaml:"history_max_age"`
	RecentCommands int           `yaml:"recent_commands"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`

	// RecentTTL is how long persisted recent commands and accuracy counters
	// survive in the session store.
	RecentTTL time.Duration `yaml:"recent_ttl"`
}

// ResolverConfig tunes item resolution.
type ResolverConfig struct {
	TopK            int     `yaml:"top_k"`
	AcceptThreshold float64 `yaml:"accept_threshold"`
	EmbeddingWeight float64 `yaml:"embedding_weight"`
}

// ConfirmConfig holds the confirmation policy thresholds. Hot-reloadable.
type ConfirmConfig struct {
	LowConfidence       float64       `yaml:"low_confidence"`
	HighConfidence      float64       `yaml:"high_confidence"`
	LargeChangeRatio    float64       `yaml:"large_change_ratio"`
	LargeChangeAbsolute float64       `yaml:"large_change_absolute"`
	LexicalThreshold    float64       `yaml:"lexical_threshold"`
	AccuracyThreshold   float64       `yaml:"accuracy_threshold"`
	AccuracyMinSamples  int           `yaml:"accuracy_min_samples"`
	ProgressiveFloor    float64       `yaml:"progressive_floor"`
	PendingTimeout      time.Duration `yaml:"pending_timeout"`
}

// UndoConfig controls undo record lifetime.
type UndoConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// TelemetryConfig identifies this instance in exported metrics and traces.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`

	// Environment is reported as deployment.environment, e.g. "production".
	Environment string `yaml:"environment"`

	// InstanceID is reported as service.instance.id. Empty means the hostname.
	InstanceID string `yaml:"instance_id"`

	// TraceSampleRatio is the fraction of new root traces that are recorded.
	// Child spans follow their parent's decision.
	TraceSampleRatio float64 `yaml:"trace_sample_ratio"`

	// LogSpans writes every finished span to the log at debug level.
	LogSpans bool `yaml:"log_spans"`
}

// Defaults returns a Config with every tunable set to its default value.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   LogInfo,
		},
		Storage: StorageConfig{
			EmbeddingDimensions: 1536,
		},
		Buffer: BufferConfig{
			SilenceTimeout: 1500 * time.Millisecond,
		},
		Session: SessionConfig{
			HistoryTurns:   20,
			HistoryMaxAge:  15 * time.Minute,
			RecentCommands: 10,
			IdleTimeout:    30 * time.Minute,
			RecentTTL:      24 * time.Hour,
		},
		Resolver: ResolverConfig{
			TopK:            5,
			AcceptThreshold: 0.6,
			EmbeddingWeight: 0.7,
		},
		Confirm: ConfirmConfig{
			LowConfidence:       0.5,
			HighConfidence:      0.8,
			LargeChangeRatio:    0.40,
			LargeChangeAbsolute: 100,
			LexicalThreshold:    0.75,
			AccuracyThreshold:   0.7,
			AccuracyMinSamples:  5,
			ProgressiveFloor:    0.65,
			PendingTimeout:      30 * time.Second,
		},
		Undo: UndoConfig{
			TTL:           24 * time.Hour,
			SweepInterval: time.Minute,
		},
		Telemetry: TelemetryConfig{
			ServiceName:      "larder",
			Environment:      "development",
			TraceSampleRatio: 1,
		},
	}
}
