package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/MrWong99/larder/internal/app"
	"github.com/MrWong99/larder/internal/config"
	"github.com/MrWong99/larder/internal/observe"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Long: `Start the session API, the change stream and the background jobs.
The config file is watched; confirmation thresholds, the log level and the
silence timeout are applied without a restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// ── Logger ──────────────────────────────────────────────────────────────
	level, closeLog := setupLogger(cfg.Server)
	defer closeLog()

	slog.Info("larder starting",
		"version", version,
		"config", configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ──────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ───────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, telemetryConfig(cfg))
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		otelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(otelCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Providers ───────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	app.RegisterBuiltinProviders(reg)
	providers, err := app.BuildProviders(cfg, reg, observe.DefaultMetrics())
	if err != nil {
		return err
	}

	printStartupSummary(cfg)

	application, err := app.New(ctx, cfg, providers, app.WithLogLevel(level))
	if err != nil {
		return err
	}

	// ── Config hot reload ───────────────────────────────────────────────────
	watcher, err := config.NewWatcher(configPath, application.Reload)
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	} else {
		defer watcher.Stop()
	}

	slog.Info("server ready; press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ───────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("goodbye")

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return nil
}

func telemetryConfig(cfg *config.Config) observe.ProviderConfig {
	t := cfg.Telemetry
	pc := observe.ProviderConfig{
		ServiceName:    t.ServiceName,
		ServiceVersion: version,
		Environment:    t.Environment,
		InstanceID:     t.InstanceID,
		SampleRatio:    t.TraceSampleRatio,
		Backends: map[string]string{
			"catalog":  pick(cfg.Storage.PostgresDSN != "", "postgres", "memory"),
			"sessions": pick(cfg.Storage.RedisAddr != "", "redis", "memory"),
		},
	}
	if t.LogSpans {
		pc.TraceExporters = append(pc.TraceExporters, observe.NewLogExporter(nil))
	}
	return pc
}

// ── Startup summary ─────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║         larder: startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printProviders("LLM", cfg.Providers.LLM)
	printProviders("Embeddings", cfg.Providers.Embeddings)
	printRow("Catalog", pick(cfg.Storage.PostgresDSN != "", "postgres", "memory"))
	printRow("Sessions", pick(cfg.Storage.RedisAddr != "", "redis", "memory"))
	printRow("Auth", pick(cfg.Server.JWTSecret != "", "jwt", "(dev mode)"))
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

func printProviders(kind string, entries []config.ProviderEntry) {
	if len(entries) == 0 {
		printRow(kind, "(not configured)")
		return
	}
	for i, e := range entries {
		value := e.Name
		if e.Model != "" {
			value += " / " + e.Model
		}
		label := kind
		if i > 0 {
			label = "  fallback"
		}
		printRow(label, value)
	}
}

func printRow(label, value string) {
	if len([]rune(value)) > 19 {
		value = string([]rune(value)[:16]) + "…"
	}
	fmt.Printf("║  %-12s    : %-19s ║\n", label, value)
}

func pick(cond bool, a, b string) string {
	if cond {
		return a
	}
	return b
}
