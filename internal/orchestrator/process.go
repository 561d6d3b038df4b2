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
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/resources"
	"github.com/buildlens/buildlens/internal/store"
)

// dispatchProcessing opens the processing chord: ingestion builds split
// into batches, one member per batch. Reprocess mode redispatches
// builds behind the checkpoint without moving the config's status.
func (o *Orchestrator) dispatchProcessing(ctx context.Context, cfg *store.RepoConfig, buildIDs []int64, reprocess bool) error {
	started := time.Now()

	var group []Member
	for start := 0; start < len(buildIDs); start += o.batchSize {
		end := start + o.batchSize
		if end > len(buildIDs) {
			end = len(buildIDs)
		}
		batch := len(group) + 1
		ids := buildIDs[start:end]
		group = append(group, Member{
			Type: TaskProcessBatch,
			Run: func(ctx context.Context) ([]byte, error) {
				return o.processBatch(ctx, cfg, ids, batch)
			},
		})
	}

	o.logger.Info("Processing dispatched",
		logfields.RepoID(cfg.ID),
		slog.Int("builds", len(buildIDs)),
		slog.Int("batches", len(group)),
		slog.Bool("reprocess", reprocess))

	return o.dispatcher.DispatchChord(Chord{
		Kind:          coord.ChordProcessing,
		CorrelationID: correlationID(cfg.ID),
		Group:         group,
		Callback: func(ctx context.Context, results [][]byte) {
			o.finalizeProcessing(ctx, cfg.ID, reprocess, started, results)
		},
		OnError: func(ctx context.Context, err error) {
			o.failProcessing(ctx, cfg.ID, err)
		},
	})
}

// processBatch extracts features for one batch of ingestion builds.
// The soft deadline marks every not-yet-started build as timed out and
// returns normally; the hard deadline additionally cancels the build in
// progress. Store writes for the timeout marking use the member's own
// context, which outlives the expired extraction context.
func (o *Orchestrator) processBatch(ctx context.Context, cfg *store.RepoConfig, buildIDs []int64, batch int) ([]byte, error) {
	res := processBatchResult{Batch: batch}

	plan, err := features.BuildPlan(cfg.Features)
	if err != nil {
		return nil, err
	}

	workCtx, cancel := context.WithTimeout(ctx, o.hardDeadline)
	defer cancel()
	softDeadline := time.Now().Add(o.softDeadline)

	for i, id := range buildIDs {
		if workCtx.Err() != nil || time.Now().After(softDeadline) {
			reason := "processing soft deadline exceeded"
			if workCtx.Err() != nil {
				reason = "processing hard deadline exceeded"
			}
			o.logger.Warn("Batch deadline hit",
				logfields.RepoID(cfg.ID),
				slog.Int("batch", batch),
				slog.Int("remaining", len(buildIDs)-i),
				slog.String("reason", reason))
			for _, rest := range buildIDs[i:] {
				if err := o.markTimedOut(ctx, cfg, rest, reason); err != nil {
					return nil, err
				}
				res.Failed++
				res.TimedOut++
			}
			break
		}

		status, err := o.processOneBuild(workCtx, cfg, plan, id)
		if err != nil {
			// Extraction died on the deadline; the next loop pass marks
			// this and the remaining builds.
			if workCtx.Err() != nil && ctx.Err() == nil {
				if err := o.markTimedOut(ctx, cfg, id, "processing hard deadline exceeded"); err != nil {
					return nil, err
				}
				res.Failed++
				res.TimedOut++
				continue
			}
			return nil, err
		}
		switch status {
		case store.ExtractionCompleted:
			res.Completed++
		case store.ExtractionPartial:
			res.Partial++
		default:
			res.Failed++
		}
	}
	return json.Marshal(res)
}

// processOneBuild re-acquires the build's resources, runs the
// extraction plan and persists result, audit log, prediction and
// checkpoint. Resource acquisition is cheap here; clones and logs are
// already on disk from ingestion.
func (o *Orchestrator) processOneBuild(ctx context.Context, cfg *store.RepoConfig, plan *features.Plan, ingestionBuildID int64) (store.ExtractionStatus, error) {
	ib, err := o.store.GetIngestionBuild(ctx, ingestionBuildID)
	if err != nil {
		return "", err
	}
	run, err := o.store.GetRawBuildRun(ctx, ib.RawBuildRunID)
	if err != nil {
		return "", err
	}
	repo, err := o.store.GetRawRepository(ctx, run.RawRepositoryID)
	if err != nil {
		return "", err
	}
	tb, err := o.trainingRow(ctx, cfg, ib)
	if err != nil {
		return "", err
	}

	bundle, err := o.acquirer.Acquire(ctx, resources.Request{
		Resources: plan.Resources,
		Repo:      repo,
		Config:    cfg,
		Run:       run,
	})
	if err != nil {
		return "", err
	}

	result, err := o.runtime.Extract(ctx, plan, &features.Input{
		Repo:   repo,
		Config: cfg,
		Run:    run,
		Bundle: bundle,
	})
	if err != nil {
		return "", err
	}

	if err := o.store.RecordExtractionResult(ctx, tb.ID, result.ExtractionResult()); err != nil {
		return "", err
	}
	if _, err := o.store.InsertFeatureAuditLog(ctx, result.AuditLog(cfg.ID, run.ID)); err != nil {
		return "", err
	}
	o.applyPrediction(ctx, tb.ID, result.Features)
	if err := o.store.AdvanceCheckpoint(ctx, cfg.ID, ib.ID); err != nil {
		return "", err
	}
	return result.Status, nil
}

// trainingRow finds the result record staged at dispatch, creating it
// when a webhook-initiated ingestion skipped the staging pass.
func (o *Orchestrator) trainingRow(ctx context.Context, cfg *store.RepoConfig, ib *store.IngestionBuild) (*store.TrainingBuild, error) {
	tb, err := o.store.GetTrainingBuildByKey(ctx, cfg.ID, ib.RawBuildRunID)
	if err == nil {
		return tb, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}
	created := &store.TrainingBuild{
		RepoConfigID:     cfg.ID,
		RawBuildRunID:    ib.RawBuildRunID,
		IngestionBuildID: ib.ID,
		ExtractionStatus: store.ExtractionPending,
	}
	if _, _, err := o.store.UpsertTrainingBuild(ctx, created); err != nil {
		return nil, err
	}
	return created, nil
}

// markTimedOut settles one never-started build as failed with the given
// reason.
func (o *Orchestrator) markTimedOut(ctx context.Context, cfg *store.RepoConfig, ingestionBuildID int64, reason string) error {
	ib, err := o.store.GetIngestionBuild(ctx, ingestionBuildID)
	if err != nil {
		return err
	}
	tb, err := o.trainingRow(ctx, cfg, ib)
	if err != nil {
		return err
	}
	return o.store.RecordExtractionResult(ctx, tb.ID, store.ExtractionResult{
		Status: store.ExtractionFailed,
		Error:  reason,
	})
}

// applyPrediction derives the stored prediction from the risk_score
// feature when extraction produced one. Scores at the extremes are
// confident; 0.5 is a coin toss.
func (o *Orchestrator) applyPrediction(ctx context.Context, trainingBuildID int64, featureMap map[string]any) {
	v, ok := featureMap["risk_score"]
	if !ok || v == nil {
		return
	}
	score, ok := v.(float64)
	if !ok {
		return
	}

	label := "success"
	confidence := 1 - score
	if score >= 0.5 {
		label = "failure"
		confidence = score
	}
	uncertainty := 1 - (confidence-0.5)*2
	if err := o.store.UpdatePrediction(ctx, trainingBuildID, label, confidence, uncertainty); err != nil {
		o.logger.Warn("Failed to persist prediction",
			slog.Int64("training_build_id", trainingBuildID),
			logfields.Error(err))
	}
}

// finalizeProcessing is the processing chord's callback: settle the
// config, move counters and stamp the sync time. In reprocess mode the
// config already sits in a terminal status, so the transition and the
// failure counter are left alone; counters only ever grow.
func (o *Orchestrator) finalizeProcessing(ctx context.Context, configID int64, reprocess bool, started time.Time, results [][]byte) {
	batches, dropped := decodeResults[processBatchResult](results)
	if dropped > 0 {
		o.logger.Error("Dropped undecodable batch results",
			logfields.RepoID(configID), slog.Int("batches", dropped))
	}

	var completed, partial, failed, timedOut int64
	for i := range batches {
		completed += batches[i].Completed
		partial += batches[i].Partial
		failed += batches[i].Failed
		timedOut += batches[i].TimedOut
	}

	succeeded := completed + partial
	failedDelta := failed
	if reprocess {
		failedDelta = 0
	}
	if succeeded > 0 || failedDelta > 0 {
		if err := o.store.IncrementRepoConfigCounters(ctx, configID, 0, succeeded, failedDelta); err != nil {
			o.logger.Error("Failed to count processed builds",
				logfields.RepoID(configID), logfields.Error(err))
		}
	}

	ev, evErr := eventstore.NewProcessingCompleted(configID, completed, partial, failed, time.Since(started))
	o.emit(ctx, ev, evErr)
	o.logger.Info("Processing completed",
		logfields.RepoID(configID),
		slog.Int64("completed", completed),
		slog.Int64("partial", partial),
		slog.Int64("failed", failed),
		slog.Int64("timed_out", timedOut),
		slog.Bool("reprocess", reprocess))

	if succeeded == 0 && failed > 0 && !reprocess {
		msg := fmt.Sprintf("all %d processed builds failed", failed)
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

	if err := o.store.UpdateRepoConfigStatus(ctx, configID, store.ConfigProcessed); err != nil &&
		!errors.Is(err, store.ErrInvalidTransition) {
		o.logger.Error("Failed to settle processing status",
			logfields.RepoID(configID), logfields.Error(err))
		return
	}
	if err := o.store.MarkSynced(ctx, configID); err != nil {
		o.logger.Error("Failed to stamp sync time",
			logfields.RepoID(configID), logfields.Error(err))
	}
}
