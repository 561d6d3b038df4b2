// Package daemon assembles the long-running process: persistent and
// coordination stores, the provider registry, the resource acquirer,
// the extraction runtime and the orchestrator on top, plus the webhook
// and admin HTTP surfaces, the periodic sync scheduler and the config
// watcher around them.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/buildlens/buildlens/internal/ci"
	"github.com/buildlens/buildlens/internal/config"
	"github.com/buildlens/buildlens/internal/coord"
	"github.com/buildlens/buildlens/internal/eventstore"
	"github.com/buildlens/buildlens/internal/features"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/gitbackend"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/metrics"
	"github.com/buildlens/buildlens/internal/orchestrator"
	"github.com/buildlens/buildlens/internal/resources"
	"github.com/buildlens/buildlens/internal/store"
	"github.com/buildlens/buildlens/internal/tokenpool"
	"github.com/buildlens/buildlens/internal/webhook"
)

const shutdownGrace = 15 * time.Second

// Daemon owns every long-lived component of the service process.
type Daemon struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger

	store      *store.Store
	journal    eventstore.Store
	redis      *redis.Client
	pool       *tokenpool.Pool
	dispatcher *orchestrator.PoolDispatcher
	orch       *orchestrator.Orchestrator
	acquirer   *resources.Acquirer
	registry   *prom.Registry
	recorder   metrics.Recorder

	scheduler *SyncScheduler
	watcher   *ConfigWatcher

	webhookHandler http.Handler
	ready          chan struct{}
}

// New wires the full component graph from configuration. configPath
// may be empty; the config watcher is then disabled.
func New(ctx context.Context, cfg *config.Config, configPath string, logger *slog.Logger) (*Daemon, error) {
	if cfg.Daemon == nil {
		return nil, ferrors.ConfigError("daemon section is required to run the daemon").Build()
	}
	if logger == nil {
		logger = slog.Default()
	}

	registry := prom.NewRegistry()
	recorder := metrics.NewPrometheusRecorder(registry)

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	var journal eventstore.Store
	journal, err = eventstore.NewSQLiteStore(cfg.Database.EventJournalPath)
	if err != nil {
		st.Close()
		return nil, err
	}
	if cfg.Daemon.NATS != nil && cfg.Daemon.NATS.Enabled {
		journal, err = newNATSJournal(ctx, cfg.Daemon.NATS, journal, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	redisClient := coord.NewClient(cfg.Redis)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		st.Close()
		journal.Close()
		return nil, ferrors.NetworkError(
			fmt.Sprintf("coordination store unreachable at %s", cfg.Redis.Addr)).WithCause(err).Build()
	}

	pool := tokenpool.New(redisClient, logger, tokenpool.WithRecorder(recorder))
	if len(cfg.GitHub.Tokens) > 0 {
		n, err := pool.Seed(ctx, cfg.GitHub.Tokens)
		if err != nil {
			return nil, err
		}
		logger.Info("Token pool seeded", slog.Int("tokens", n))
	}

	providers, err := ci.NewRegistry(cfg, ci.Dependencies{
		TokenPool:               pool,
		Logger:                  logger,
		Recorder:                recorder,
		BotPatterns:             cfg.Ingestion.BotAuthorPatterns,
		LogUnavailableThreshold: cfg.Ingestion.LogUnavailableThreshold,
	})
	if err != nil {
		return nil, err
	}

	git := gitbackend.NewClient()
	locks := coord.NewLockManager(redisClient, logger)
	acquirer, err := resources.New(cfg, resources.Dependencies{
		Git:       git,
		Locks:     locks,
		Runs:      st,
		Providers: providers,
		TokenPool: pool,
		Logger:    logger,
		Recorder:  recorder,
	})
	if err != nil {
		return nil, err
	}

	set, err := features.NewNodeSet(features.NodeDeps{Git: git, Logger: logger})
	if err != nil {
		return nil, err
	}
	runtime := features.NewRuntime(set, features.Options{
		NodeParallel: cfg.Processing.NodeParallel,
		Logger:       logger,
		Recorder:     recorder,
	})

	chords := coord.NewChordCoordinator(redisClient)
	dispatcher, err := orchestrator.NewPoolDispatcher(ctx, cfg.Processing.Workers, chords, logger, recorder)
	if err != nil {
		return nil, err
	}

	progress := eventstore.NewImportProgressProjection(journal, 200)
	orch, err := orchestrator.New(cfg, orchestrator.Dependencies{
		Store:      st,
		Providers:  providers,
		Acquirer:   acquirer,
		Runtime:    runtime,
		Dispatcher: dispatcher,
		Journal:    journal,
		Progress:   progress,
		Logger:     logger,
		Recorder:   recorder,
	})
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		logger:     logger,
		store:      st,
		journal:    journal,
		redis:      redisClient,
		pool:       pool,
		dispatcher: dispatcher,
		orch:       orch,
		acquirer:   acquirer,
		registry:   registry,
		recorder:   recorder,
		ready:      make(chan struct{}),
	}

	if cfg.GitHub.WebhookSecret != "" {
		opts := webhook.Options{
			Secret:      cfg.GitHub.WebhookSecret,
			Store:       st,
			Ingestor:    orch,
			BotPatterns: cfg.Ingestion.BotAuthorPatterns,
			Logger:      logger,
		}
		if tokens := acquirer.AppTokens(); tokens != nil {
			opts.AppTokens = tokens
		}
		handler, err := webhook.NewHandler(opts)
		if err != nil {
			return nil, err
		}
		d.webhookHandler = handler
	} else {
		logger.Warn("No webhook secret configured, webhook endpoint disabled")
	}

	d.scheduler, err = NewSyncScheduler(cfg.Daemon.Sync, orch, st, logger)
	if err != nil {
		return nil, err
	}
	if configPath != "" {
		d.watcher, err = NewConfigWatcher(configPath, d.reloadConfig, logger)
		if err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Orchestrator exposes the pipeline operations to embedding callers.
func (d *Daemon) Orchestrator() *orchestrator.Orchestrator { return d.orch }

// Run serves until the context is cancelled, then shuts everything
// down in reverse dependency order.
func (d *Daemon) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	adminSrv := d.adminServer()
	g.Go(func() error { return serveHTTP(gctx, adminSrv, "admin", d.logger) })

	var webhookSrv *http.Server
	if d.webhookHandler != nil {
		webhookSrv = d.webhookServer()
		g.Go(func() error { return serveHTTP(gctx, webhookSrv, "webhook", d.logger) })
	}

	if err := d.scheduler.Start(gctx); err != nil {
		return err
	}
	if d.watcher != nil {
		if err := d.watcher.Start(gctx); err != nil {
			return err
		}
	}

	close(d.ready)
	d.logger.Info("Daemon running",
		slog.Int("admin_port", d.cfg.Daemon.HTTP.AdminPort),
		slog.Int("webhook_port", d.cfg.Daemon.HTTP.WebhookPort),
		slog.String("sync_schedule", d.cfg.Daemon.Sync.Schedule))

	<-gctx.Done()
	d.logger.Info("Daemon shutting down")

	if d.watcher != nil {
		d.watcher.Stop()
	}
	if err := d.scheduler.Stop(); err != nil {
		d.logger.Warn("Scheduler shutdown failed", logfields.Error(err))
	}
	err := g.Wait()
	d.Close()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// Close releases every held resource. Safe after a failed Run.
func (d *Daemon) Close() {
	d.dispatcher.Close()
	if err := d.journal.Close(); err != nil {
		d.logger.Warn("Journal close failed", logfields.Error(err))
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn("Store close failed", logfields.Error(err))
	}
	if err := d.redis.Close(); err != nil {
		d.logger.Warn("Redis close failed", logfields.Error(err))
	}
}

// reloadConfig is the watcher callback. Only settings that can change
// without restarting workers are applied: the token pool is reseeded
// so rotated credentials take effect.
func (d *Daemon) reloadConfig(path string) {
	cfg, err := config.Load(path)
	if err != nil {
		d.logger.Error("Config reload failed, keeping previous configuration",
			slog.String("path", path), logfields.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if len(cfg.GitHub.Tokens) > 0 {
		n, err := d.pool.Seed(ctx, cfg.GitHub.Tokens)
		if err != nil {
			d.logger.Error("Token pool reseed failed", logfields.Error(err))
		} else {
			d.logger.Info("Token pool reseeded after config change", slog.Int("tokens", n))
		}
	}
	d.logger.Info("Configuration reloaded", slog.String("path", path))
}

func (d *Daemon) webhookServer() *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/webhooks/github", d.webhookHandler)
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", d.cfg.Daemon.HTTP.WebhookPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// serveHTTP runs one HTTP server until the context ends, then drains
// it within the shutdown grace period.
func serveHTTP(ctx context.Context, srv *http.Server, name string, logger *slog.Logger) error {
	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", slog.String("server", name), slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown failed",
				slog.String("server", name), logfields.Error(err))
		}
		<-errCh
		return ctx.Err()
	}
}
