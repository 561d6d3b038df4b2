package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildlens/buildlens/internal/coord"
	"github.com/buildlens/buildlens/internal/eventstore"
	"github.com/buildlens/buildlens/internal/features"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/resources"
	"github.com/buildlens/buildlens/internal/store"
)

// dispatchIngestion opens the ingestion chord: one member per staged
// build, the aggregation callback settling the config's status.
func (o *Orchestrator) dispatchIngestion(ctx context.Context, cfg *store.RepoConfig, buildIDs []int64) error {
	if len(buildIDs) == 0 {
		return ferrors.OrchestrationError("ingestion dispatch requires at least one build").Build()
	}
	ev, evErr := eventstore.NewIngestionStarted(cfg.ID, len(buildIDs))
	o.emit(ctx, ev, evErr)
	o.logger.Info("Ingestion dispatched",
		logfields.RepoID(cfg.ID), slog.Int("builds", len(buildIDs)))

	// Members are released in waves of scanBatch, scanDelay apart, so
	// provider fetches and clone traffic ramp instead of bursting. The
	// release times are anchored at dispatch; a member that comes up
	// after its wave's time runs immediately.
	started := time.Now()
	group := make([]Member, len(buildIDs))
	for i, id := range buildIDs {
		buildID := id
		releaseAt := started.Add(time.Duration(i/o.scanBatch) * o.scanDelay)
		group[i] = Member{
			Type: TaskIngestBuild,
			Run: func(ctx context.Context) ([]byte, error) {
				if wait := time.Until(releaseAt); wait > 0 {
					select {
					case <-ctx.Done():
						return nil, ctx.Err()
					case <-time.After(wait):
					}
				}
				return o.ingestBuild(ctx, cfg, buildID)
			},
		}
	}

	return o.dispatcher.DispatchChord(Chord{
		Kind:          coord.ChordIngestion,
		CorrelationID: correlationID(cfg.ID),
		Group:         group,
		Callback: func(ctx context.Context, results [][]byte) {
			o.aggregateIngestion(ctx, cfg.ID, started, results)
		},
		OnError: func(ctx context.Context, err error) {
			o.failImport(ctx, cfg.ID, "ingestion", err)
		},
	})
}

// ingestBuild is the chord member for one build: derive the resource
// set from the config's feature selection, acquire everything, persist
// per-resource progress as it happens, and settle the tracking row on a
// terminal status. Acquisition is retried as a whole when it ends in an
// actual error; expected unavailability never retries.
func (o *Orchestrator) ingestBuild(ctx context.Context, cfg *store.RepoConfig, ingestionBuildID int64) ([]byte, error) {
	ib, err := o.store.GetIngestionBuild(ctx, ingestionBuildID)
	if err != nil {
		return nil, err
	}
	run, err := o.store.GetRawBuildRun(ctx, ib.RawBuildRunID)
	if err != nil {
		return nil, err
	}
	repo, err := o.store.GetRawRepository(ctx, run.RawRepositoryID)
	if err != nil {
		return nil, err
	}

	res := ingestResult{IngestionBuildID: ib.ID, RawBuildRunID: run.ID}

	plan, err := features.BuildPlan(cfg.Features)
	if err != nil {
		return o.settleIngestion(ctx, cfg, run, &res, store.IngestionFailed, err.Error())
	}
	if err := o.store.SetRequiredResources(ctx, ib.ID, plan.Resources); err != nil {
		return nil, err
	}
	if err := o.store.UpdateIngestionBuildStatus(ctx, ib.ID, store.IngestionIngesting, ""); err != nil {
		return nil, err
	}

	req := resources.Request{
		Resources: plan.Resources,
		Repo:      repo,
		Config:    cfg,
		Run:       run,
		OnUpdate: func(resource string, status store.ResourceStatus) {
			if err := o.store.UpdateResourceStatus(ctx, ib.ID, resource, status); err != nil {
				o.logger.Warn("Failed to persist resource progress",
					logfields.BuildID(ib.ID),
					slog.String("resource", resource),
					logfields.Error(err))
			}
		},
	}

	var (
		bundle  *resources.Bundle
		status  store.IngestionStatus
		message string
	)
	for attempt := 0; attempt <= o.ingestRetry.MaxRetries; attempt++ {
		if attempt > 0 {
			o.recorder.IncTaskRetry(TaskIngestBuild)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.ingestRetry.Delay(attempt)):
			}
		}
		res.Attempts = attempt + 1

		bundle, err = o.acquirer.Acquire(ctx, req)
		if err != nil {
			return nil, err
		}
		status, message = bundle.Outcome()
		if status != store.IngestionFailed {
			break
		}
		o.logger.Warn("Resource acquisition failed",
			logfields.BuildID(ib.ID),
			logfields.RepoID(cfg.ID),
			slog.Int("attempt", attempt+1),
			slog.String("reason", message))
	}
	if status == store.IngestionFailed && res.Attempts > o.ingestRetry.MaxRetries {
		o.recorder.IncTaskRetryExhausted(TaskIngestBuild)
	}

	for _, name := range bundle.Failed() {
		ev, evErr := eventstore.NewResourceIngestionFailed(
			cfg.ID, run.ProviderBuildID, name, bundle.Statuses[name].Error)
		o.emit(ctx, ev, evErr)
	}
	for _, name := range bundle.Missing() {
		ev, evErr := eventstore.NewResourceIngestionFailed(
			cfg.ID, run.ProviderBuildID, name, bundle.Statuses[name].Error)
		o.emit(ctx, ev, evErr)
	}

	return o.settleIngestion(ctx, cfg, run, &res, status, message)
}

// settleIngestion writes the terminal status and renders the member
// payload. A failed status write is catastrophic; the row would
// otherwise stay Ingesting forever.
func (o *Orchestrator) settleIngestion(ctx context.Context, cfg *store.RepoConfig, run *store.RawBuildRun, res *ingestResult, status store.IngestionStatus, message string) ([]byte, error) {
	if err := o.store.UpdateIngestionBuildStatus(ctx, res.IngestionBuildID, status, message); err != nil {
		return nil, err
	}
	res.Status = string(status)
	res.Error = message

	logger := o.logger.With(
		logfields.RepoID(cfg.ID),
		logfields.BuildID(run.ProviderBuildID))
	switch status {
	case store.IngestionIngested:
		logger.Debug("Build ingested")
	case store.IngestionMissingResource:
		logger.Info("Build ingested with missing resources", slog.String("reason", message))
	default:
		logger.Warn("Build ingestion failed", slog.String("reason", message))
	}
	return json.Marshal(res)
}

// IngestSingleBuild stages one already-stored raw run for a config and
// runs a one-member ingestion chord over it. Webhook deliveries land
// here after persisting the run. A replayed delivery is a no-op, and a
// config with a phase currently in flight is skipped; the next sync
// picks the build up instead.
func (o *Orchestrator) IngestSingleBuild(ctx context.Context, configID, rawBuildRunID int64) error {
	cfg, err := o.store.GetRepoConfig(ctx, configID)
	if err != nil {
		return err
	}
	run, err := o.store.GetRawBuildRun(ctx, rawBuildRunID)
	if err != nil {
		return err
	}

	ibID, created, err := o.store.UpsertIngestionBuild(ctx, &store.IngestionBuild{
		RepoConfigID:  cfg.ID,
		RawBuildRunID: run.ID,
		CIRunID:       run.ProviderBuildID,
		CommitSHA:     run.CommitSHA,
		Status:        store.IngestionPending,
	})
	if err != nil {
		return err
	}
	if !created {
		o.logger.Debug("Build already tracked, skipping",
			logfields.RepoID(cfg.ID), logfields.BuildID(run.ProviderBuildID))
		return nil
	}

	if err := o.reenter(ctx, cfg); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			o.logger.Info("Import in flight, build deferred to next sync",
				logfields.RepoID(cfg.ID), logfields.BuildID(run.ProviderBuildID))
			return nil
		}
		return err
	}
	return o.dispatchIngestion(ctx, cfg, []int64{ibID})
}

// aggregateIngestion is the ingestion chord's callback: fold member
// results into the config status. All members failing fails the import;
// any failure or expected gap settles as partial; a clean sweep is
// complete. Builds with missing resources still flow to processing.
func (o *Orchestrator) aggregateIngestion(ctx context.Context, configID int64, started time.Time, results [][]byte) {
	members, dropped := decodeResults[ingestResult](results)

	var ingested, missing, failed int64
	for i := range members {
		switch store.IngestionStatus(members[i].Status) {
		case store.IngestionIngested:
			ingested++
		case store.IngestionMissingResource:
			missing++
		default:
			failed++
		}
	}
	failed += int64(dropped)
	total := ingested + missing + failed

	if failed > 0 {
		if err := o.store.IncrementRepoConfigCounters(ctx, configID, 0, 0, failed); err != nil {
			o.logger.Error("Failed to count failed builds",
				logfields.RepoID(configID), logfields.Error(err))
		}
	}
	ev, evErr := eventstore.NewIngestionCompleted(configID, ingested, missing, failed, time.Since(started))
	o.emit(ctx, ev, evErr)
	o.logger.Info("Ingestion completed",
		logfields.RepoID(configID),
		slog.Int64("ingested", ingested),
		slog.Int64("missing", missing),
		slog.Int64("failed", failed))

	if total > 0 && failed == total {
		msg := fmt.Sprintf("all %d ingestion tasks failed", total)
		if err := o.store.UpdateRepoConfigStatus(ctx, configID, store.ConfigFailed); err != nil {
			o.logger.Error("Failed to mark config failed",
				logfields.RepoID(configID), logfields.Error(err))
		}
		if err := o.store.SetRepoConfigError(ctx, configID, msg); err != nil {
			o.logger.Error("Failed to record config error",
				logfields.RepoID(configID), logfields.Error(err))
		}
		return
	}

	next := store.ConfigIngestionComplete
	if failed > 0 || missing > 0 {
		next = store.ConfigIngestionPartial
	}
	if err := o.store.UpdateRepoConfigStatus(ctx, configID, next); err != nil {
		o.logger.Error("Failed to settle ingestion status",
			logfields.RepoID(configID), logfields.Error(err))
		return
	}

	if !o.autoProcess {
		return
	}
	if err := o.StartProcessing(ctx, configID); err != nil {
		o.logger.Error("Failed to start processing",
			logfields.RepoID(configID), logfields.Error(err))
	}
}
