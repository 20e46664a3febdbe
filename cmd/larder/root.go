package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/MrWong99/larder/internal/app"
	"github.com/MrWong99/larder/internal/config"
)

var (
	configPath string
	version    = "dev" // set via ldflags at build time
)

var rootCmd = &cobra.Command{
	Use:   "larder",
	Short: "Voice-driven inventory service",
	Long: `larder turns spoken or typed stock updates ("add two pounds of coffee")
into confirmed, undoable changes to an inventory catalog.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(tokenCmd)
}

// loadConfig reads the file named by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config file %q not found; copy configs/example.yaml to get started", configPath)
	}
	return cfg, err
}

// ── Logger ──────────────────────────────────────────────────────────────────

// setupLogger installs the default slog logger for cfg and returns its level
// so a config reload can change it. With a log file configured, output goes
// to a rotating file; otherwise to stderr.
func setupLogger(cfg config.ServerConfig) (lv *slog.LevelVar, closeLog func() error) {
	lv = new(slog.LevelVar)
	lv.Set(app.SlogLevel(cfg.LogLevel))

	var out io.Writer = os.Stderr
	closeLog = func() error { return nil }
	if lf := cfg.LogFile; lf != nil {
		rot := &lumberjack.Logger{
			Filename:   lf.Path,
			MaxSize:    lf.MaxSizeMB,
			MaxBackups: lf.MaxBackups,
			MaxAge:     lf.MaxAgeDays,
			Compress:   lf.Compress,
			LocalTime:  true,
		}
		out, closeLog = rot, rot.Close
	}

	var h slog.Handler
	if cfg.LogFile != nil {
		h = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: lv})
	} else {
		h = slog.NewTextHandler(out, &slog.HandlerOptions{Level: lv})
	}
	slog.SetDefault(slog.New(h))
	return lv, closeLog
}
