package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// needs a restart and is reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// ConfirmChanged is set when any confirmation threshold changed.
	ConfirmChanged bool

	// BufferChanged is set when the silence timeout changed. New sessions
	// pick it up; live ones keep their value.
	BufferChanged bool

	// RestartRequired lists the top-level sections whose changes only take
	// effect after a restart.
	RestartRequired []string
}

// Empty reports whether the diff contains no changes at all.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.ConfirmChanged && !d.BufferChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.ConfirmChanged = old.Confirm != new.Confirm
	d.BufferChanged = old.Buffer != new.Buffer

	if !sameServer(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameEntries(old.Providers.LLM, new.Providers.LLM) || !sameEntries(old.Providers.Embeddings, new.Providers.Embeddings) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Storage != new.Storage {
		d.RestartRequired = append(d.RestartRequired, "storage")
	}
	if old.Session != new.Session {
		d.RestartRequired = append(d.RestartRequired, "session")
	}
	if old.Resolver != new.Resolver {
		d.RestartRequired = append(d.RestartRequired, "resolver")
	}
	if old.Undo != new.Undo {
		d.RestartRequired = append(d.RestartRequired, "undo")
	}
	if old.Telemetry != new.Telemetry {
		d.RestartRequired = append(d.RestartRequired, "telemetry")
	}
	return d
}

// sameServer compares everything except the hot-reloadable log level.
func sameServer(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.JWTSecret != b.JWTSecret {
		return false
	}
	if (a.LogFile == nil) != (b.LogFile == nil) || (a.LogFile != nil && *a.LogFile != *b.LogFile) {
		return false
	}
	if (a.TLS == nil) != (b.TLS == nil) || (a.TLS != nil && *a.TLS != *b.TLS) {
		return false
	}
	return true
}

// sameEntries ignores Options; provider-specific options are opaque here.
func sameEntries(a, b []ProviderEntry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Name != y.Name || x.APIKey != y.APIKey || x.BaseURL != y.BaseURL || x.Model != y.Model || x.Timeout != y.Timeout {
			return false
		}
	}
	return true
}
