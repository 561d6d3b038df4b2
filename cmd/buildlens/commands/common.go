// Package commands holds the CLI surface. Long-running operation lives
// in the daemon; the one-shot commands here assemble an inline pipeline
// that runs chords synchronously and exits when the work settles.
package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/redis/go-redis/v9"

	"github.com/buildlens/buildlens/internal/ci"
	"github.com/buildlens/buildlens/internal/config"
	"github.com/buildlens/buildlens/internal/coord"
	"github.com/buildlens/buildlens/internal/eventstore"
	"github.com/buildlens/buildlens/internal/features"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/gitbackend"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/orchestrator"
	"github.com/buildlens/buildlens/internal/resources"
	"github.com/buildlens/buildlens/internal/store"
	"github.com/buildlens/buildlens/internal/tokenpool"
)

// Global carries state shared across subcommands.
type Global struct {
	Logger *slog.Logger
}

// CLI is the command tree.
type CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `name:"version" help:"Show version and exit"`

	Serve    ServeCmd    `cmd:"" help:"Run the daemon: webhook and admin endpoints, periodic sync, worker pool"`
	Init     InitCmd     `cmd:"" help:"Write an example configuration file"`
	Import   ImportCmd   `cmd:"" help:"Import a repository's build history and extract features"`
	Sync     SyncCmd     `cmd:"" help:"Fetch builds newer than the last sync for a config"`
	Process  ProcessCmd  `cmd:"" help:"Run or retry feature extraction for a config"`
	Export   ExportCmd   `cmd:"" help:"Export extracted feature vectors to CSV/JSON"`
	Tokens   TokensCmd   `cmd:"" help:"Inspect and manage the GitHub token pool"`
	Progress ProgressCmd `cmd:"" help:"Show where an import stands"`
	Delete   DeleteCmd   `cmd:"" help:"Delete a repo config and its derived data"`
}

// AfterApply runs after flag parsing; sets up logging once.
func (c *CLI) AfterApply() error {
	level := slog.LevelInfo
	if c.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return nil
}

// pipeline is the inline assembly one-shot commands run against.
// Chords execute synchronously, so every operation blocks until its
// aggregation callback has settled the config.
type pipeline struct {
	cfg     *config.Config
	store   *store.Store
	journal eventstore.Store
	redis   *redis.Client
	pool    *tokenpool.Pool
	orch    *orchestrator.Orchestrator
	logger  *slog.Logger
}

// openPipeline loads configuration and wires the synchronous pipeline.
func openPipeline(ctx context.Context, configPath string, manualProcessing bool) (*pipeline, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger := slog.Default()

	st, err := store.New(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	journal, err := eventstore.NewSQLiteStore(cfg.Database.EventJournalPath)
	if err != nil {
		st.Close()
		return nil, err
	}

	redisClient := coord.NewClient(cfg.Redis)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		st.Close()
		journal.Close()
		return nil, ferrors.NetworkError(
			fmt.Sprintf("coordination store unreachable at %s", cfg.Redis.Addr)).WithCause(err).Build()
	}

	p := &pipeline{cfg: cfg, store: st, journal: journal, redis: redisClient, logger: logger}

	p.pool = tokenpool.New(redisClient, logger)
	if len(cfg.GitHub.Tokens) > 0 {
		if _, err := p.pool.Seed(ctx, cfg.GitHub.Tokens); err != nil {
			p.Close()
			return nil, err
		}
	}

	providers, err := ci.NewRegistry(cfg, ci.Dependencies{
		TokenPool:               p.pool,
		Logger:                  logger,
		BotPatterns:             cfg.Ingestion.BotAuthorPatterns,
		LogUnavailableThreshold: cfg.Ingestion.LogUnavailableThreshold,
	})
	if err != nil {
		p.Close()
		return nil, err
	}

	git := gitbackend.NewClient()
	acquirer, err := resources.New(cfg, resources.Dependencies{
		Git:       git,
		Locks:     coord.NewLockManager(redisClient, logger),
		Runs:      st,
		Providers: providers,
		TokenPool: p.pool,
		Logger:    logger,
	})
	if err != nil {
		p.Close()
		return nil, err
	}

	set, err := features.NewNodeSet(features.NodeDeps{Git: git, Logger: logger})
	if err != nil {
		p.Close()
		return nil, err
	}
	runtime := features.NewRuntime(set, features.Options{
		NodeParallel: cfg.Processing.NodeParallel,
		Logger:       logger,
	})

	dispatcher := orchestrator.NewSyncDispatcher(ctx, coord.NewChordCoordinator(redisClient), logger, nil)
	p.orch, err = orchestrator.New(cfg, orchestrator.Dependencies{
		Store:            st,
		Providers:        providers,
		Acquirer:         acquirer,
		Runtime:          runtime,
		Dispatcher:       dispatcher,
		Journal:          journal,
		Logger:           logger,
		ManualProcessing: manualProcessing,
	})
	if err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

func (p *pipeline) Close() {
	if err := p.journal.Close(); err != nil {
		p.logger.Warn("Journal close failed", logfields.Error(err))
	}
	if err := p.store.Close(); err != nil {
		p.logger.Warn("Store close failed", logfields.Error(err))
	}
	if err := p.redis.Close(); err != nil {
		p.logger.Warn("Redis close failed", logfields.Error(err))
	}
}
