// Package orchestrator turns import and sync requests into chords:
// parallel task groups whose aggregation callback runs exactly once,
// tracked through the coordination store. Workers are stateless; every
// step reloads what it needs from the store, so a crashed run is
// recoverable from persisted status alone.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/buildlens/buildlens/internal/ci"
	"github.com/buildlens/buildlens/internal/config"
	"github.com/buildlens/buildlens/internal/eventstore"
	"github.com/buildlens/buildlens/internal/features"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/metrics"
	"github.com/buildlens/buildlens/internal/resources"
	"github.com/buildlens/buildlens/internal/retry"
	"github.com/buildlens/buildlens/internal/store"
)

// Dependencies carries the orchestrator's collaborators. Store,
// Providers, Acquirer, Runtime and Dispatcher are required; the journal
// and projection degrade to no-ops when absent.
type Dependencies struct {
	Store      *store.Store
	Providers  *ci.Registry
	Acquirer   *resources.Acquirer
	Runtime    *features.Runtime
	Dispatcher TaskDispatcher
	Journal    eventstore.Store
	Progress   *eventstore.ImportProgressProjection
	Logger     *slog.Logger
	Recorder   metrics.Recorder

	// ManualProcessing disables the automatic processing dispatch after
	// ingestion settles; StartProcessing must then be called explicitly.
	ManualProcessing bool
}

// Orchestrator owns the import pipeline's control flow: fetch fan-out,
// per-build ingestion, batched feature extraction, and the status
// machine on RepoConfig.
type Orchestrator struct {
	store      *store.Store
	providers  *ci.Registry
	acquirer   *resources.Acquirer
	runtime    *features.Runtime
	dispatcher TaskDispatcher
	journal    eventstore.Store
	progress   *eventstore.ImportProgressProjection
	logger     *slog.Logger
	recorder   metrics.Recorder

	buildsPerPage int
	maxPages      int
	fetchRetry    retry.Policy
	ingestRetry   retry.Policy
	batchSize     int
	softDeadline  time.Duration
	hardDeadline  time.Duration
	autoProcess   bool

	scanPageSize int
	scanBatch    int
	scanDelay    time.Duration
}

// New builds an orchestrator from configuration.
func New(cfg *config.Config, deps Dependencies) (*Orchestrator, error) {
	switch {
	case deps.Store == nil:
		return nil, ferrors.ConfigError("orchestrator requires a store").Build()
	case deps.Providers == nil:
		return nil, ferrors.ConfigError("orchestrator requires a provider registry").Build()
	case deps.Acquirer == nil:
		return nil, ferrors.ConfigError("orchestrator requires a resource acquirer").Build()
	case deps.Runtime == nil:
		return nil, ferrors.ConfigError("orchestrator requires a feature runtime").Build()
	case deps.Dispatcher == nil:
		return nil, ferrors.ConfigError("orchestrator requires a task dispatcher").Build()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}

	// Validation guarantees parseable values in loaded configs; direct
	// construction in tests falls back to the defaults.
	attempts := cfg.Ingestion.MaxRetries
	if attempts < 1 {
		attempts = 3
	}
	policy := retry.NewPolicy(
		cfg.Ingestion.RetryBackoff,
		parseDurationOr(cfg.Ingestion.RetryInitialDelay, time.Second),
		parseDurationOr(cfg.Ingestion.RetryMaxDelay, 30*time.Second),
		attempts-1)

	buildsPerPage := cfg.Ingestion.BuildsPerPage
	if buildsPerPage <= 0 {
		buildsPerPage = 30
	}
	maxPages := cfg.Ingestion.MaxPages
	if maxPages <= 0 {
		maxPages = 10
	}
	batchSize := cfg.Processing.BuildsPerBatch
	if batchSize <= 0 {
		batchSize = 50
	}
	scanPageSize := cfg.Scan.BuildsPerQuery
	if scanPageSize <= 0 {
		scanPageSize = 100
	}
	scanBatch := cfg.Scan.CommitsPerBatch
	if scanBatch <= 0 {
		scanBatch = 50
	}

	return &Orchestrator{
		store:         deps.Store,
		providers:     deps.Providers,
		acquirer:      deps.Acquirer,
		runtime:       deps.Runtime,
		dispatcher:    deps.Dispatcher,
		journal:       deps.Journal,
		progress:      deps.Progress,
		logger:        logger,
		recorder:      recorder,
		buildsPerPage: buildsPerPage,
		maxPages:      maxPages,
		fetchRetry:    policy,
		ingestRetry:   policy,
		batchSize:     batchSize,
		softDeadline:  parseDurationOr(cfg.Processing.SoftDeadline, 30*time.Minute),
		hardDeadline:  parseDurationOr(cfg.Processing.HardDeadline, 35*time.Minute),
		autoProcess:   !deps.ManualProcessing,
		scanPageSize:  scanPageSize,
		scanBatch:     scanBatch,
		scanDelay:     parseDurationOr(cfg.Scan.BatchDelay, 0),
	}, nil
}

// ImportRequest describes a new repository import.
type ImportRequest struct {
	RepoFullName string
	Provider     config.ProviderType
	Branch       string
	MaxBuilds    int
	SinceDays    int
	OnlyWithLogs bool
	ExcludeBots  bool
	Features     []string
	SyncEnabled  bool
}

func (r *ImportRequest) validate() error {
	if r.RepoFullName == "" {
		return ferrors.ValidationError("repository full name is required").Build()
	}
	if !strings.Contains(r.RepoFullName, "/") {
		return ferrors.ValidationError(
			fmt.Sprintf("repository %q is not in owner/name form", r.RepoFullName)).Build()
	}
	if r.MaxBuilds < 0 {
		return ferrors.ValidationError("max builds must be non-negative").Build()
	}
	if r.SinceDays < 0 {
		return ferrors.ValidationError("since days must be non-negative").Build()
	}
	return nil
}

// ImportRepository registers the repository, creates its config in
// Queued status and dispatches the fetch chord. The returned config
// carries the assigned id; progress is trackable through
// GetImportProgress while the pipeline runs.
func (o *Orchestrator) ImportRepository(ctx context.Context, req ImportRequest) (*store.RepoConfig, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}
	if _, err := o.providers.Get(req.Provider); err != nil {
		return nil, err
	}
	// Fails early on unknown feature names; an empty selection means
	// the full registry.
	if _, err := features.BuildPlan(req.Features); err != nil {
		return nil, err
	}

	repo := &store.RawRepository{FullName: req.RepoFullName, Provider: string(req.Provider)}
	repoID, err := o.store.UpsertRawRepository(ctx, repo)
	if err != nil {
		return nil, err
	}

	cfg := &store.RepoConfig{
		RawRepositoryID: repoID,
		Provider:        string(req.Provider),
		Branch:          req.Branch,
		MaxBuilds:       req.MaxBuilds,
		SinceDays:       req.SinceDays,
		OnlyWithLogs:    req.OnlyWithLogs,
		ExcludeBots:     req.ExcludeBots,
		Features:        req.Features,
		SyncEnabled:     req.SyncEnabled,
	}
	if _, err := o.store.CreateRepoConfig(ctx, cfg); err != nil {
		return nil, err
	}

	ev, evErr := eventstore.NewImportQueued(cfg.ID, repo.FullName, cfg.Provider, cfg.MaxBuilds)
	o.emit(ctx, ev, evErr)
	o.logger.Info("Import queued",
		logfields.RepoID(cfg.ID),
		logfields.Repository(repo.FullName),
		logfields.Provider(cfg.Provider))

	if err := o.dispatchFetch(ctx, cfg, repo, false); err != nil {
		return nil, err
	}
	return cfg, nil
}

// SyncRepository re-enters the pipeline in sync-until-existing mode:
// newest pages are walked sequentially and the walk stops on the first
// page containing an already-stored build.
func (o *Orchestrator) SyncRepository(ctx context.Context, configID int64) error {
	cfg, err := o.store.GetRepoConfig(ctx, configID)
	if err != nil {
		return err
	}
	repo, err := o.store.GetRawRepository(ctx, cfg.RawRepositoryID)
	if err != nil {
		return err
	}
	o.logger.Info("Sync requested",
		logfields.RepoID(cfg.ID), logfields.Repository(repo.FullName))
	return o.dispatchFetch(ctx, cfg, repo, true)
}

// StartProcessing dispatches feature extraction over every ingested
// build past the config's checkpoint. Called automatically after
// ingestion settles unless manual processing was configured.
func (o *Orchestrator) StartProcessing(ctx context.Context, configID int64) error {
	cfg, err := o.store.GetRepoConfig(ctx, configID)
	if err != nil {
		return err
	}
	if err := o.store.UpdateRepoConfigStatus(ctx, cfg.ID, store.ConfigProcessing); err != nil {
		return err
	}

	// The checkpoint scan is paged so a config with a deep backlog never
	// materializes one unbounded query result.
	var builds []store.IngestionBuild
	after := cfg.LastProcessedIngestionBuildID
	for {
		page, err := o.store.ListIngestionBuildsAfter(ctx, cfg.ID, after, o.scanPageSize,
			store.IngestionIngested, store.IngestionMissingResource)
		if err != nil {
			return err
		}
		builds = append(builds, page...)
		if len(page) < o.scanPageSize {
			break
		}
		after = page[len(page)-1].ID
	}
	if len(builds) == 0 {
		// Nothing past the checkpoint; settle immediately so a sync
		// with no new builds ends where it started.
		if err := o.store.UpdateRepoConfigStatus(ctx, cfg.ID, store.ConfigProcessed); err != nil {
			return err
		}
		if err := o.store.MarkSynced(ctx, cfg.ID); err != nil {
			return err
		}
		ev, evErr := eventstore.NewProcessingCompleted(cfg.ID, 0, 0, 0, 0)
		o.emit(ctx, ev, evErr)
		return nil
	}

	// Result rows exist before any batch runs, so a chord failure can
	// flip them instead of leaving nothing to mark.
	for i := range builds {
		_, _, err := o.store.UpsertTrainingBuild(ctx, &store.TrainingBuild{
			RepoConfigID:     cfg.ID,
			RawBuildRunID:    builds[i].RawBuildRunID,
			IngestionBuildID: builds[i].ID,
			ExtractionStatus: store.ExtractionPending,
		})
		if err != nil {
			return err
		}
	}

	ids := make([]int64, len(builds))
	for i := range builds {
		ids[i] = builds[i].ID
	}
	ev, evErr := eventstore.NewProcessingStarted(cfg.ID, len(ids), cfg.LastProcessedIngestionBuildID)
	o.emit(ctx, ev, evErr)
	return o.dispatchProcessing(ctx, cfg, ids, false)
}

// RetryFailedIngestion resets Failed ingestion builds to Pending and
// redispatches their ingestion chord. MissingResource builds are left
// untouched; retrying them cannot change the outcome. Returns the
// number of builds redispatched.
func (o *Orchestrator) RetryFailedIngestion(ctx context.Context, configID int64) (int64, error) {
	cfg, err := o.store.GetRepoConfig(ctx, configID)
	if err != nil {
		return 0, err
	}
	n, err := o.store.ResetIngestionBuilds(ctx, cfg.ID, store.IngestionFailed)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	pending, err := o.store.ListIngestionBuilds(ctx, cfg.ID, store.IngestionPending)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, len(pending))
	for i := range pending {
		ids[i] = pending[i].ID
	}

	if err := o.reenter(ctx, cfg); err != nil {
		return 0, err
	}
	o.logger.Info("Retrying failed ingestion",
		logfields.RepoID(cfg.ID), slog.Int64("builds", n))
	if err := o.dispatchIngestion(ctx, cfg, ids); err != nil {
		return 0, err
	}
	return n, nil
}

// RetryFailedProcessing resets Failed training builds to Pending and
// redispatches their extraction batches. The config's status and the
// checkpoint are left alone; only the affected rows change. Returns the
// number of builds redispatched.
func (o *Orchestrator) RetryFailedProcessing(ctx context.Context, configID int64) (int64, error) {
	cfg, err := o.store.GetRepoConfig(ctx, configID)
	if err != nil {
		return 0, err
	}
	n, err := o.store.ResetFailedTrainingBuilds(ctx, cfg.ID)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	pending, err := o.store.ListTrainingBuilds(ctx, cfg.ID, store.ExtractionPending)
	if err != nil {
		return 0, err
	}
	ids := make([]int64, 0, len(pending))
	for i := range pending {
		if pending[i].IngestionBuildID > 0 {
			ids = append(ids, pending[i].IngestionBuildID)
		}
	}
	if len(ids) == 0 {
		return 0, nil
	}

	o.logger.Info("Reprocessing failed builds",
		logfields.RepoID(cfg.ID), slog.Int64("builds", n))
	if err := o.dispatchProcessing(ctx, cfg, ids, true); err != nil {
		return 0, err
	}
	return n, nil
}

// DeleteRepository removes the config and every ingestion build,
// training build and audit log it owns. The raw repository, its build
// runs and the on-disk clone are shared with other configs and stay.
func (o *Orchestrator) DeleteRepository(ctx context.Context, configID int64) error {
	if err := o.store.DeleteRepoConfig(ctx, configID); err != nil {
		return err
	}
	o.logger.Info("Repository config deleted", logfields.RepoID(configID))
	return nil
}

// Progress is the combined live view over one config: persisted truth
// from the store plus journal-derived timing when a projection is
// wired.
type Progress struct {
	Config    *store.RepoConfig
	Ingestion map[store.IngestionStatus]int64
	Training  map[store.ExtractionStatus]int64
	Journal   *eventstore.ImportProgress
}

// GetImportProgress reports where an import stands.
func (o *Orchestrator) GetImportProgress(ctx context.Context, configID int64) (*Progress, error) {
	cfg, err := o.store.GetRepoConfig(ctx, configID)
	if err != nil {
		return nil, err
	}
	ingestion, err := o.store.CountIngestionBuilds(ctx, configID)
	if err != nil {
		return nil, err
	}
	training, err := o.store.CountTrainingBuilds(ctx, configID)
	if err != nil {
		return nil, err
	}
	p := &Progress{Config: cfg, Ingestion: ingestion, Training: training}
	if o.progress != nil {
		if jp, ok := o.progress.GetProgress(configID); ok {
			p.Journal = jp
		}
	}
	return p, nil
}

// reenter moves a settled config back through Queued into Ingesting.
func (o *Orchestrator) reenter(ctx context.Context, cfg *store.RepoConfig) error {
	if cfg.Status != store.ConfigQueued {
		if err := o.store.UpdateRepoConfigStatus(ctx, cfg.ID, store.ConfigQueued); err != nil {
			return err
		}
	}
	return o.store.UpdateRepoConfigStatus(ctx, cfg.ID, store.ConfigIngesting)
}

// failImport is the fetch/ingestion chords' error callback: no build
// may stay in flight after a catastrophic failure.
func (o *Orchestrator) failImport(ctx context.Context, configID int64, phase string, cause error) {
	msg := fmt.Sprintf("Ingestion chord failed: %v", cause)
	flipped, err := o.store.FailInFlightIngestion(ctx, configID, msg)
	if err != nil {
		o.logger.Error("Failed to flip in-flight ingestion builds",
			logfields.RepoID(configID), logfields.Error(err))
	}
	if err := o.store.UpdateRepoConfigStatus(ctx, configID, store.ConfigFailed); err != nil &&
		!errors.Is(err, store.ErrInvalidTransition) {
		o.logger.Error("Failed to mark config failed",
			logfields.RepoID(configID), logfields.Error(err))
	}
	if err := o.store.SetRepoConfigError(ctx, configID, msg); err != nil {
		o.logger.Error("Failed to record config error",
			logfields.RepoID(configID), logfields.Error(err))
	}
	ev, evErr := eventstore.NewChordFailed(configID, phase, cause.Error())
	o.emit(ctx, ev, evErr)
	o.logger.Error("Import failed",
		logfields.RepoID(configID),
		logfields.Stage(phase),
		slog.Int64("builds_flipped", flipped),
		logfields.Error(cause))
}

// failProcessing is the processing chord's error callback: pending
// result rows become Partial so nothing reads as still running.
func (o *Orchestrator) failProcessing(ctx context.Context, configID int64, cause error) {
	msg := fmt.Sprintf("Processing chord failed: %v", cause)
	flipped, err := o.store.MarkInFlightProcessingPartial(ctx, configID, msg)
	if err != nil {
		o.logger.Error("Failed to flip in-flight training builds",
			logfields.RepoID(configID), logfields.Error(err))
	}
	if err := o.store.UpdateRepoConfigStatus(ctx, configID, store.ConfigFailed); err != nil &&
		!errors.Is(err, store.ErrInvalidTransition) {
		o.logger.Error("Failed to mark config failed",
			logfields.RepoID(configID), logfields.Error(err))
	}
	if err := o.store.SetRepoConfigError(ctx, configID, msg); err != nil {
		o.logger.Error("Failed to record config error",
			logfields.RepoID(configID), logfields.Error(err))
	}
	ev, evErr := eventstore.NewChordFailed(configID, "processing", cause.Error())
	o.emit(ctx, ev, evErr)
	o.logger.Error("Processing failed",
		logfields.RepoID(configID),
		slog.Int64("builds_flipped", flipped),
		logfields.Error(cause))
}

// emit appends a lifecycle event to the journal and feeds the live
// projection. Journal trouble is logged, never propagated; the journal
// is an observability surface, not pipeline state.
func (o *Orchestrator) emit(ctx context.Context, ev eventstore.Event, buildErr error) {
	if buildErr != nil {
		o.logger.Warn("Skipping journal event", logfields.Error(buildErr))
		return
	}
	if o.journal != nil {
		if err := o.journal.Append(ctx, ev.ConfigID(), ev.Scope(), ev.Type(), ev.Payload(), ev.Metadata()); err != nil {
			o.logger.Warn("Journal append failed",
				slog.String("event", ev.Type()), logfields.Error(err))
		}
	}
	if o.progress != nil {
		o.progress.Apply(ev)
	}
}

// correlationID names one chord instance. The random suffix keeps a
// retried phase from colliding with leftover state of an earlier run.
func correlationID(configID int64) string {
	return fmt.Sprintf("%d-%s", configID, uuid.NewString()[:8])
}

func parseDurationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return d
	}
	return fallback
}
