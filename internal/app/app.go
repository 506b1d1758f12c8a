// Package app wires the dispatch daemon together and owns its lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/foxzi/drip/internal/api"
	"github.com/foxzi/drip/internal/bounce"
	"github.com/foxzi/drip/internal/config"
	"github.com/foxzi/drip/internal/dispatch"
	"github.com/foxzi/drip/internal/dkim"
	"github.com/foxzi/drip/internal/metrics"
	"github.com/foxzi/drip/internal/ratelimit"
	"github.com/foxzi/drip/internal/rotation"
	"github.com/foxzi/drip/internal/store"
	"github.com/foxzi/drip/internal/transport"
)

// App is the main application
type App struct {
	config *config.Config
	logger *slog.Logger

	store      *store.BoltStore
	cleaner    *store.Cleaner
	supervisor *dispatch.Supervisor

	apiServer     *api.Server
	metricsServer *metrics.Server
	collector     *metrics.Collector
}

// New creates a new application
func New(cfg *config.Config) (*App, error) {
	logger := setupLogger(cfg.Logging)

	st, err := store.NewBoltStore(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	m := metrics.New()
	tracker := ratelimit.NewTracker(st, logger.With("component", "ratelimit"))

	// DKIM signing for every configured sending domain
	signers := dkim.NewProvider()
	for domain, d := range cfg.Transport.DKIM {
		if err := signers.Add(domain, d.Selector, d.KeyFile); err != nil {
			st.Close()
			return nil, fmt.Errorf("failed to load DKIM key for %s: %w", domain, err)
		}
	}
	if len(cfg.Transport.DKIM) > 0 {
		logger.Info("DKIM signing enabled", "domains", len(cfg.Transport.DKIM))
	}

	sender := transport.NewSMTPSender(cfg.Transport.Hostname, cfg.Transport.Timeout,
		signers, logger.With("component", "transport"))
	recorder := bounce.NewStoreRecorder(st, logger.With("component", "bounce"))

	strategy, err := rotation.ParseStrategy(cfg.Scheduler.Strategy)
	if err != nil {
		st.Close()
		return nil, err
	}

	engine := dispatch.NewEngine(st, tracker, sender, recorder, m,
		logger.With("component", "dispatch"), dispatch.Config{
			Strategy:               strategy,
			MaxConcurrentCampaigns: cfg.Scheduler.MaxConcurrentCampaigns,
		})

	supervisor := dispatch.NewSupervisor(engine, engine.State(), st, m,
		logger.With("component", "supervisor"), dispatch.SupervisorConfig{
			TickInterval:     cfg.Scheduler.TickInterval,
			StuckCeiling:     cfg.Scheduler.StuckCeiling,
			BackoffBase:      cfg.Scheduler.BackoffBase,
			BackoffMax:       cfg.Scheduler.BackoffMax,
			FailureThreshold: cfg.Scheduler.FailureThreshold,
			Cooldown:         cfg.Scheduler.Cooldown,
			DrainTimeout:     cfg.Scheduler.DrainTimeout,
		})

	a := &App{
		config:     cfg,
		logger:     logger,
		store:      st,
		supervisor: supervisor,
		cleaner: store.NewCleaner(st, store.CleanerConfig{
			MaxAge:   cfg.Storage.Retention,
			Interval: cfg.Storage.CleanupInterval,
		}, logger.With("component", "cleaner")),
	}

	if cfg.API.Enabled {
		a.apiServer = api.NewServer(st, supervisor, cfg.API.ListenAddr,
			logger.With("component", "api"))
	}
	if cfg.Metrics.Enabled {
		a.metricsServer = metrics.NewServer(m, cfg.Metrics.ListenAddr,
			cfg.Metrics.Path, logger.With("component", "metrics"))
		a.collector = metrics.NewCollector(m, st, 0)
	}

	return a, nil
}

// Logger returns the application logger
func (a *App) Logger() *slog.Logger {
	return a.logger
}

// Run starts all components and blocks until a termination signal
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("starting drip",
		"storage", a.config.Storage.Path,
		"tick", a.config.Scheduler.TickInterval,
		"strategy", a.config.Scheduler.Strategy,
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.supervisor.Start()
	a.cleaner.Start(ctx)
	if a.collector != nil {
		a.collector.Start()
	}

	errCh := make(chan error, 2)

	if a.apiServer != nil {
		go func() {
			if err := a.apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("api server: %w", err)
			}
		}()
	}
	if a.metricsServer != nil {
		go func() {
			if err := a.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		a.logger.Error("server error", "error", err)
		cancel()
	}

	return a.Shutdown(context.Background())
}

// Shutdown stops all components in dependency order
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 45*time.Second)
	defer cancel()

	// Supervisor first: stop scheduling new cycles, drain the in-flight one
	a.supervisor.Stop()
	a.cleaner.Stop()
	if a.collector != nil {
		a.collector.Stop()
	}

	if a.apiServer != nil {
		if err := a.apiServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api server shutdown error", "error", err)
		}
	}
	if a.metricsServer != nil {
		if err := a.metricsServer.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("metrics server shutdown error", "error", err)
		}
	}

	if err := a.store.Close(); err != nil {
		a.logger.Error("storage close error", "error", err)
	}

	a.logger.Info("shutdown complete")
	return nil
}

// setupLogger creates a logger based on configuration
func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	level := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
