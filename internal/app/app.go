// Package app wires every larder subsystem into a running service.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves the HTTP API and the background jobs until the
// context is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject implementations via functional options (WithStore,
// WithSessionStore, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/larder/internal/api"
	"github.com/MrWong99/larder/internal/broadcast"
	"github.com/MrWong99/larder/internal/config"
	"github.com/MrWong99/larder/internal/confirm"
	"github.com/MrWong99/larder/internal/health"
	"github.com/MrWong99/larder/internal/interpret"
	"github.com/MrWong99/larder/internal/mutation"
	"github.com/MrWong99/larder/internal/observe"
	"github.com/MrWong99/larder/internal/resolve"
	"github.com/MrWong99/larder/internal/session"
	"github.com/MrWong99/larder/internal/voice"
	"github.com/MrWong99/larder/pkg/inventory"
	"github.com/MrWong99/larder/pkg/inventory/memstore"
	"github.com/MrWong99/larder/pkg/inventory/postgres"
)

// shutdownGrace bounds the HTTP server drain once Run's context is done.
const shutdownGrace = 10 * time.Second

// Store is the catalog plus the undo ledger. The postgres and in-memory
// stores both implement it.
type Store interface {
	inventory.Catalog
	inventory.Ledger
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	metrics        *observe.Metrics
	metricsHandler http.Handler
	logLevel       *slog.LevelVar

	// Subsystems, initialised in New and torn down in Shutdown.
	store        Store
	sessionStore session.Store
	checkers     []health.Checker
	resolver     *resolve.Resolver
	indexer      *resolve.Indexer
	engine       *confirm.Engine
	hub          *broadcast.Hub
	coord        *mutation.Coordinator
	pipeline     *voice.Pipeline
	server       *api.Server
	jobs         *cron.Cron

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithStore injects the catalog and ledger instead of creating one from
// config.
func WithStore(s Store) Option {
	return func(a *App) { a.store = s }
}

// WithSessionStore injects the session store instead of creating one from
// config.
func WithSessionStore(s session.Store) Option {
	return func(a *App) { a.sessionStore = s }
}

// WithMetrics sets the metric instruments. Default: [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler overrides the /metrics handler. Default: the Prometheus
// default registry, which the OTel exporter feeds.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogLevel lets [App.Reload] change the log level of the running
// process.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers come
// from the config registry (see [BuildProviders]); both slots are required.
//
// New performs all initialisation synchronously: store connection and
// migration, catalog seeding, session store connection and pipeline
// assembly. On error every resource opened so far is released.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (_ *App, err error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: llm provider not configured")
	}
	if providers.Embeddings == nil {
		return nil, errors.New("app: embeddings provider not configured")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.metricsHandler == nil {
		a.metricsHandler = promhttp.Handler()
	}
	defer func() {
		if err != nil {
			a.runClosers(context.Background())
		}
	}()

	// ── 1. Catalog + ledger ──────────────────────────────────────────────
	if err := a.initStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init store: %w", err)
	}

	// ── 2. Session store ─────────────────────────────────────────────────
	if err := a.initSessionStore(ctx); err != nil {
		return nil, fmt.Errorf("app: init session store: %w", err)
	}

	// ── 3. Resolver + indexer ────────────────────────────────────────────
	a.resolver = resolve.New(a.store, providers.Embeddings,
		resolve.WithTopK(cfg.Resolver.TopK),
		resolve.WithAcceptThreshold(cfg.Resolver.AcceptThreshold),
		resolve.WithEmbeddingWeight(cfg.Resolver.EmbeddingWeight),
		resolve.WithMetrics(a.metrics),
	)
	a.indexer = resolve.NewIndexer(a.store, providers.Embeddings, resolve.WithIndexerMetrics(a.metrics))

	// ── 4. Seed catalog ──────────────────────────────────────────────────
	if err := a.seed(ctx); err != nil {
		return nil, fmt.Errorf("app: seed catalog: %w", err)
	}

	// ── 5. Confirmation engine + change hub ──────────────────────────────
	a.engine = confirm.New(PolicyFromConfig(cfg.Confirm), confirm.WithMetrics(a.metrics))
	a.hub = broadcast.New(broadcast.WithMetrics(a.metrics))

	// ── 6. Mutation coordinator ──────────────────────────────────────────
	a.coord = mutation.New(a.resolver, a.store,
		mutation.WithUndoTTL(cfg.Undo.TTL),
		mutation.WithNotifier(a.hub),
		mutation.WithMetrics(a.metrics),
	)

	// ── 7. Voice pipeline ────────────────────────────────────────────────
	a.pipeline = voice.New(voice.Config{
		Sessions: session.Config{
			Limits: session.Limits{
				HistoryTurns:   cfg.Session.HistoryTurns,
				HistoryMaxAge:  cfg.Session.HistoryMaxAge,
				RecentCommands: cfg.Session.RecentCommands,
				RecentTTL:      cfg.Session.RecentTTL,
			},
			IdleTimeout: cfg.Session.IdleTimeout,
		},
		Store:          a.sessionStore,
		SilenceTimeout: cfg.Buffer.SilenceTimeout,
	},
		interpret.New(providers.LLM, interpret.WithMetrics(a.metrics)),
		a.resolver, a.engine, a.coord,
		voice.WithListener(a.publishOutcome),
		voice.WithMetrics(a.metrics),
	)
	// Sessions end before the hub closes, and both before the stores.
	a.closers = append([]func() error{
		func() error {
			a.pipeline.Shutdown(context.Background())
			return nil
		},
		func() error {
			a.hub.Close()
			return nil
		},
	}, a.closers...)

	// ── 8. HTTP API ──────────────────────────────────────────────────────
	a.server = api.New(api.Deps{
		Pipeline:       a.pipeline,
		Coordinator:    a.coord,
		Items:          indexedItems{Catalog: a.store, indexer: a.indexer},
		Hub:            a.hub,
		Health:         health.New(a.checkers...),
		Auth:           api.NewAuthenticator(cfg.Server.JWTSecret),
		Metrics:        a.metrics,
		MetricsHandler: a.metricsHandler,
	})

	// ── 9. Background jobs ───────────────────────────────────────────────
	if err := a.initJobs(); err != nil {
		return nil, fmt.Errorf("app: init jobs: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initStore connects to PostgreSQL when a DSN is configured and falls back
// to an in-memory catalog otherwise.
func (a *App) initStore(ctx context.Context) error {
	if a.store != nil {
		return nil
	}
	dsn := a.cfg.Storage.PostgresDSN
	if dsn == "" {
		a.store = memstore.New()
		slog.Info("catalog store", "kind", "memory")
		return nil
	}

	store, err := postgres.NewStore(ctx, dsn, a.cfg.Storage.EmbeddingDimensions)
	if err != nil {
		return err
	}
	a.store = store
	a.checkers = append(a.checkers, health.Ping("postgres", store))
	a.closers = append(a.closers, func() error {
		store.Close()
		return nil
	})
	slog.Info("catalog store", "kind", "postgres", "dimensions", a.cfg.Storage.EmbeddingDimensions)
	return nil
}

// initSessionStore connects to Redis when an address is configured. A Redis
// outage later on degrades sessions to process memory instead of failing
// them, so its health check is optional.
func (a *App) initSessionStore(ctx context.Context) error {
	if a.sessionStore != nil {
		return nil
	}
	addr := a.cfg.Storage.RedisAddr
	if addr == "" {
		a.sessionStore = session.NewMemoryStore()
		return nil
	}

	rs, err := session.DialRedis(ctx, addr, a.cfg.Storage.RedisPassword, a.cfg.Storage.RedisDB)
	if err != nil {
		return err
	}
	a.sessionStore = rs
	a.checkers = append(a.checkers, health.Checker{Name: "redis", Check: rs.Ping, Optional: true})
	a.closers = append(a.closers, rs.Close)
	slog.Info("session store", "kind", "redis", "addr", addr)
	return nil
}

// seed imports the configured seed file into an in-memory catalog. A
// persistent catalog is seeded explicitly with 'larder reindex --seed'.
func (a *App) seed(ctx context.Context) error {
	path := a.cfg.Storage.SeedFile
	if path == "" || a.cfg.Storage.PostgresDSN != "" {
		return nil
	}
	cf, err := LoadCatalogFile(path)
	if err != nil {
		return err
	}
	n, err := ImportCatalog(ctx, a.indexer, cf)
	if err != nil {
		return err
	}
	slog.Info("seeded catalog", "path", path, "items", n)
	return nil
}

// initJobs schedules the undo sweep and idle session eviction.
func (a *App) initJobs() error {
	a.jobs = cron.New()
	spec := "@every " + a.cfg.Undo.SweepInterval.String()
	if _, err := a.jobs.AddFunc(spec, a.sweepUndo); err != nil {
		return fmt.Errorf("schedule undo sweep: %w", err)
	}
	if a.cfg.Session.IdleTimeout > 0 {
		if _, err := a.jobs.AddFunc(spec, a.evictIdle); err != nil {
			return fmt.Errorf("schedule idle eviction: %w", err)
		}
	}
	return nil
}

func (a *App) sweepUndo() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Undo.SweepInterval)
	defer cancel()
	n, err := a.coord.Sweep(ctx)
	if err != nil {
		slog.Warn("undo sweep failed", "err", err)
		return
	}
	if n > 0 {
		slog.Debug("undo records swept", "count", n)
	}
}

func (a *App) evictIdle() {
	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.Undo.SweepInterval)
	defer cancel()
	if n := a.pipeline.Sessions().EvictIdle(ctx, time.Now()); n > 0 {
		slog.Info("idle sessions evicted", "count", n)
	}
}

// publishOutcome forwards pipeline outcomes to the session's stream topic.
func (a *App) publishOutcome(_ context.Context, o voice.Outcome) {
	a.hub.Publish(broadcast.SessionTopic(o.SessionID), "outcome", o)
}

// indexedItems routes item creation through the indexer so new items are
// embedded before they are stored.
type indexedItems struct {
	inventory.Catalog
	indexer *resolve.Indexer
}

func (i indexedItems) Create(ctx context.Context, item inventory.Item) (inventory.Item, error) {
	return i.indexer.Create(ctx, item)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Handler returns the HTTP handler serving the API, health and metrics.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Pipeline returns the voice pipeline.
func (a *App) Pipeline() *voice.Pipeline { return a.pipeline }

// Indexer returns the catalog indexer.
func (a *App) Indexer() *resolve.Indexer { return a.indexer }

// ─── Reload ──────────────────────────────────────────────────────────────────

// Reload applies the hot-reloadable parts of a config change: confirmation
// thresholds, the log level and the silence timeout for new sessions.
// Everything else is logged as requiring a restart. It matches the
// [config.Watcher] callback signature.
func (a *App) Reload(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.ConfirmChanged {
		a.engine.SetPolicy(PolicyFromConfig(new.Confirm))
		slog.Info("confirmation policy reloaded")
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.BufferChanged {
		a.pipeline.SetSilenceTimeout(new.Buffer.SilenceTimeout)
		slog.Info("silence timeout changed", "timeout", new.Buffer.SilenceTimeout)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "sections", d.RestartRequired)
	}
}

// PolicyFromConfig converts the confirm config section to an engine policy.
func PolicyFromConfig(c config.ConfirmConfig) confirm.Policy {
	return confirm.Policy{
		LowConfidence:       c.LowConfidence,
		HighConfidence:      c.HighConfidence,
		LargeChangeRatio:    c.LargeChangeRatio,
		LargeChangeAbsolute: c.LargeChangeAbsolute,
		LexicalThreshold:    c.LexicalThreshold,
		AccuracyThreshold:   c.AccuracyThreshold,
		AccuracyMinSamples:  c.AccuracyMinSamples,
		ProgressiveFloor:    c.ProgressiveFloor,
		PendingTimeout:      c.PendingTimeout,
	}
}

// SlogLevel maps a config log level to its slog equivalent. Unknown values
// map to info.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run serves the HTTP API and runs the background jobs until ctx is
// cancelled. The server is drained before Run returns. It returns ctx's
// error on a clean stop.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.jobs.Start()
	defer func() { <-a.jobs.Stop().Done() }()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", srv.Addr, "tls", a.cfg.Server.TLS != nil)
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = srv.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("http server shutdown", "err", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: live sessions first, then
// the change hub, then the stores. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))
		shutdownErr = a.runClosers(ctx)
		if shutdownErr == nil {
			slog.Info("shutdown complete")
		}
	})
	return shutdownErr
}

func (a *App) runClosers(ctx context.Context) error {
	for i, closer := range a.closers {
		select {
		case <-ctx.Done():
			slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
			return ctx.Err()
		default:
		}
		if err := closer(); err != nil {
			slog.Warn("closer error", "index", i, "err", err)
		}
	}
	return nil
}
