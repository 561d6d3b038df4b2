package daemon

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/sourcegraph/conc/pool"

	"github.com/buildlens/buildlens/internal/config"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/store"
)

// Syncer is the slice of the orchestrator the scheduler drives.
type Syncer interface {
	SyncRepository(ctx context.Context, configID int64) error
}

// ConfigLister enumerates the configs enrolled in automatic sync.
type ConfigLister interface {
	ListAutoSyncRepoConfigs(ctx context.Context) ([]store.RepoConfig, error)
}

// SyncScheduler periodically re-syncs every auto-sync config on a cron
// schedule, with bounded parallelism across repositories.
type SyncScheduler struct {
	scheduler gocron.Scheduler
	syncer    Syncer
	configs   ConfigLister
	logger    *slog.Logger
	parallel  int
	schedule  string
}

// NewSyncScheduler builds the scheduler; Start arms it.
func NewSyncScheduler(cfg config.SyncConfig, syncer Syncer, configs ConfigLister, logger *slog.Logger) (*SyncScheduler, error) {
	if syncer == nil || configs == nil {
		return nil, ferrors.ConfigError("sync scheduler requires a syncer and a config lister").Build()
	}
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, ferrors.ConfigError("create scheduler").WithCause(err).Build()
	}
	parallel := cfg.ConcurrentImports
	if parallel <= 0 {
		parallel = 2
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SyncScheduler{
		scheduler: s,
		syncer:    syncer,
		configs:   configs,
		logger:    logger,
		parallel:  parallel,
		schedule:  cfg.Schedule,
	}, nil
}

// Start registers the cron job and begins ticking.
func (s *SyncScheduler) Start(ctx context.Context) error {
	_, err := s.scheduler.NewJob(
		gocron.CronJob(s.schedule, false),
		gocron.NewTask(func() { s.tick(ctx) }),
		gocron.WithName("auto-sync"),
	)
	if err != nil {
		return ferrors.ConfigError("schedule auto-sync job").WithCause(err).Build()
	}
	s.logger.Info("Auto-sync scheduled", slog.String("schedule", s.schedule))
	s.scheduler.Start()
	return nil
}

// Stop shuts the scheduler down; a tick in progress finishes.
func (s *SyncScheduler) Stop() error {
	return s.scheduler.Shutdown()
}

// tick runs one sync round over every enrolled config.
func (s *SyncScheduler) tick(ctx context.Context) {
	started := time.Now()
	configs, err := s.configs.ListAutoSyncRepoConfigs(ctx)
	if err != nil {
		s.logger.Error("Auto-sync listing failed", logfields.Error(err))
		return
	}
	if len(configs) == 0 {
		s.logger.Debug("Auto-sync tick, nothing enrolled")
		return
	}
	s.logger.Info("Auto-sync tick", slog.Int("configs", len(configs)))

	p := pool.New().WithMaxGoroutines(s.parallel)
	for i := range configs {
		cfg := configs[i]
		p.Go(func() {
			if err := s.syncer.SyncRepository(ctx, cfg.ID); err != nil {
				s.logger.Error("Auto-sync failed",
					logfields.RepoID(cfg.ID), logfields.Error(err))
			}
		})
	}
	p.Wait()
	s.logger.Info("Auto-sync round finished",
		slog.Int("configs", len(configs)),
		logfields.DurationMS(float64(time.Since(started).Milliseconds())))
}
