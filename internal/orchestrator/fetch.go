package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/buildlens/buildlens/internal/ci"
	"github.com/buildlens/buildlens/internal/config"
	"github.com/buildlens/buildlens/internal/coord"
	"github.com/buildlens/buildlens/internal/eventstore"
	"github.com/buildlens/buildlens/internal/foundation"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/store"
	"github.com/buildlens/buildlens/internal/tokenpool"
)

// dispatchFetch moves the config into Ingesting and opens the fetch
// chord: one member per page for a full import, a single sequential
// walker for sync-until-existing.
func (o *Orchestrator) dispatchFetch(ctx context.Context, cfg *store.RepoConfig, repo *store.RawRepository, syncMode bool) error {
	provider, err := o.providers.Get(config.ProviderType(cfg.Provider))
	if err != nil {
		return err
	}
	if syncMode {
		if err := o.reenter(ctx, cfg); err != nil {
			return err
		}
	} else if err := o.store.UpdateRepoConfigStatus(ctx, cfg.ID, store.ConfigIngesting); err != nil {
		return err
	}

	started := time.Now()
	var group []Member
	if syncMode {
		group = []Member{{
			Type: TaskSyncWalk,
			Run: func(ctx context.Context) ([]byte, error) {
				return o.syncWalk(ctx, provider, cfg, repo)
			},
		}}
	} else {
		pages := o.importPages(cfg)
		group = make([]Member, pages)
		for i := 0; i < pages; i++ {
			page := i + 1
			group[i] = Member{
				Type: TaskFetchPage,
				Run: func(ctx context.Context) ([]byte, error) {
					return o.fetchPage(ctx, provider, cfg, repo, page)
				},
			}
		}
	}

	return o.dispatcher.DispatchChord(Chord{
		Kind:          coord.ChordFetch,
		CorrelationID: correlationID(cfg.ID),
		Group:         group,
		Callback: func(ctx context.Context, results [][]byte) {
			o.aggregateFetch(ctx, cfg.ID, syncMode, started, results)
		},
		OnError: func(ctx context.Context, err error) {
			o.failImport(ctx, cfg.ID, "fetch", err)
		},
	})
}

// importPages caps the page fan-out by both the configured page limit
// and the requested build window.
func (o *Orchestrator) importPages(cfg *store.RepoConfig) int {
	pages := o.maxPages
	if cfg.MaxBuilds > 0 {
		wanted := (cfg.MaxBuilds + o.buildsPerPage - 1) / o.buildsPerPage
		if wanted < pages {
			pages = wanted
		}
	}
	if pages < 1 {
		pages = 1
	}
	return pages
}

func (o *Orchestrator) pageOptions(cfg *store.RepoConfig, page int) ci.FetchOptions {
	opts := ci.FetchOptions{
		Page:          page,
		Limit:         o.buildsPerPage,
		Branch:        cfg.Branch,
		OnlyWithLogs:  cfg.OnlyWithLogs,
		ExcludeBots:   cfg.ExcludeBots,
		OnlyCompleted: true,
	}
	if cfg.SinceDays > 0 {
		opts.Since = time.Now().AddDate(0, 0, -cfg.SinceDays)
	}
	return opts
}

// fetchPage is the chord member for one page of a full import. Domain
// failures land in the payload so the chord still aggregates; only
// storage trouble is returned as an error.
func (o *Orchestrator) fetchPage(ctx context.Context, provider ci.Provider, cfg *store.RepoConfig, repo *store.RawRepository, page int) ([]byte, error) {
	res := fetchPageResult{Page: page, PagesWalked: 1}

	builds, err := o.fetchBuildsWithRetry(ctx, provider, repo.FullName, o.pageOptions(cfg, page))
	if errors.Is(err, ci.ErrLogProbeAborted) {
		res.LogsExhausted = true
		err = nil
	}
	if err != nil {
		res.Error = err.Error()
		o.logger.Warn("Fetch page failed",
			logfields.RepoID(cfg.ID),
			slog.Int("page", page),
			logfields.Error(err))
		return json.Marshal(res)
	}

	if err := o.storeFetchedBuilds(ctx, cfg, repo, builds, &res); err != nil {
		return nil, err
	}
	return json.Marshal(res)
}

// syncWalk is the single chord member for sync-until-existing: newest
// pages sequentially, stopping on the first page that contained a build
// already present as a RawBuildRun.
func (o *Orchestrator) syncWalk(ctx context.Context, provider ci.Provider, cfg *store.RepoConfig, repo *store.RawRepository) ([]byte, error) {
	res := fetchPageResult{Page: 1}

	for page := 1; page <= o.maxPages; page++ {
		// Pace the sequential walk; the parallel import path throttles
		// at ingestion dispatch instead.
		if page > 1 && o.scanDelay > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(o.scanDelay):
			}
		}
		builds, err := o.fetchBuildsWithRetry(ctx, provider, repo.FullName, o.pageOptions(cfg, page))
		probeAborted := errors.Is(err, ci.ErrLogProbeAborted)
		if err != nil && !probeAborted {
			res.Error = err.Error()
			break
		}
		res.PagesWalked++

		if err := o.storeFetchedBuilds(ctx, cfg, repo, builds, &res); err != nil {
			return nil, err
		}
		if res.SawExisting || probeAborted || len(builds) < o.buildsPerPage {
			if probeAborted {
				res.LogsExhausted = true
			}
			break
		}
	}
	return json.Marshal(res)
}

// fetchBuildsWithRetry runs one provider page fetch under the
// ingestion retry policy. Rate-limit errors wait for the advertised
// reset instead of the backoff schedule.
func (o *Orchestrator) fetchBuildsWithRetry(ctx context.Context, provider ci.Provider, repo string, opts ci.FetchOptions) ([]ci.Build, error) {
	var lastErr error
	for attempt := 0; attempt <= o.fetchRetry.MaxRetries; attempt++ {
		if attempt > 0 {
			o.recorder.IncTaskRetry(TaskFetchPage)
			delay := o.fetchRetry.Delay(attempt)
			if resetAt, ok := rateLimitReset(lastErr); ok {
				if wait := time.Until(resetAt); wait > delay {
					delay = wait
				}
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
		}

		builds, err := provider.FetchBuilds(ctx, repo, opts)
		if err == nil || errors.Is(err, ci.ErrLogProbeAborted) {
			return builds, err
		}
		lastErr = err
		if !retryableFetch(err) {
			return nil, lastErr
		}
	}
	o.recorder.IncTaskRetryExhausted(TaskFetchPage)
	return nil, lastErr
}

// retryableFetch treats pool-wide rate limiting as retryable even
// though it is not a classified error.
func retryableFetch(err error) bool {
	if _, ok := tokenpool.IsAllRateLimited(err); ok {
		return true
	}
	return ferrors.IsRetryable(err)
}

// rateLimitReset extracts the advertised reset time from either a
// pool-wide cooldown or a classified rate-limit error.
func rateLimitReset(err error) (time.Time, bool) {
	if all, ok := tokenpool.IsAllRateLimited(err); ok {
		return all.ResetAt, true
	}
	if cerr, ok := ferrors.AsClassified(err); ok && ferrors.IsRateLimited(err) {
		if resetAt, ok := cerr.ResetAt(); ok {
			return resetAt, true
		}
	}
	return time.Time{}, false
}

// storeFetchedBuilds persists one page worth of builds and stages their
// ingestion tracking rows. Existing provider ids are checked before any
// write so the sync walker can see a page that was partly known.
func (o *Orchestrator) storeFetchedBuilds(ctx context.Context, cfg *store.RepoConfig, repo *store.RawRepository, builds []ci.Build, res *fetchPageResult) error {
	if len(builds) == 0 {
		return nil
	}
	res.BuildsSeen += len(builds)

	ids := make([]int64, len(builds))
	for i := range builds {
		ids[i] = builds[i].ProviderBuildID
	}
	existing, err := o.store.ExistingProviderBuildIDs(ctx, repo.ID, repo.Provider, ids)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		res.SawExisting = true
	}

	// The budget counts builds staged for THIS config, not new raw
	// runs; a second config over an already-imported repository still
	// gets its own window.
	budget := -1
	if cfg.MaxBuilds > 0 {
		budget = cfg.MaxBuilds - len(res.IngestionBuilds)
	}
	for i := range builds {
		if budget == 0 {
			break
		}
		run := rawRunFromBuild(repo, &builds[i])
		runID, created, err := o.store.UpsertRawBuildRun(ctx, run)
		if err != nil {
			return err
		}
		if created {
			res.NewRuns++
		}

		ibID, staged, err := o.store.UpsertIngestionBuild(ctx, &store.IngestionBuild{
			RepoConfigID:  cfg.ID,
			RawBuildRunID: runID,
			CIRunID:       builds[i].ProviderBuildID,
			CommitSHA:     builds[i].CommitSHA,
			Status:        store.IngestionPending,
		})
		if err != nil {
			return err
		}
		if staged {
			res.IngestionBuilds = append(res.IngestionBuilds, ibID)
			if budget > 0 {
				budget--
			}
		}
	}
	return nil
}

// rawRunFromBuild maps a normalized provider build onto the immutable
// storage row.
func rawRunFromBuild(repo *store.RawRepository, b *ci.Build) *store.RawBuildRun {
	run := &store.RawBuildRun{
		RawRepositoryID: repo.ID,
		Provider:        repo.Provider,
		ProviderBuildID: b.ProviderBuildID,
		Number:          b.Number,
		CommitSHA:       b.CommitSHA,
		Branch:          b.Branch,
		Status:          string(b.Status),
		Conclusion:      string(b.Conclusion),
		Event:           b.Event,
		AuthorName:      b.AuthorName,
		IsBotCommit:     b.IsBotCommit,
		IsFork:          b.IsFork,
		HeadRepoSlug:    b.HeadRepoSlug,
		WebURL:          b.WebURL,
		RawPayload:      b.RawPayload,
	}
	if !b.CreatedAt.IsZero() {
		run.RunCreatedAt = foundation.Some(b.CreatedAt)
	}
	if !b.StartedAt.IsZero() {
		run.RunStartedAt = foundation.Some(b.StartedAt)
	}
	if !b.FinishedAt.IsZero() {
		run.RunFinishedAt = foundation.Some(b.FinishedAt)
	}
	return run
}

// aggregateFetch is the fetch chord's callback. It rolls the page
// results up, records counters, and either hands the staged builds to
// the ingestion chord or settles the config when there is nothing to
// ingest.
func (o *Orchestrator) aggregateFetch(ctx context.Context, configID int64, syncMode bool, started time.Time, results [][]byte) {
	pages, dropped := decodeResults[fetchPageResult](results)

	var (
		seen       int64
		newRuns    int64
		buildIDs   []int64
		pageErrors int
		sawKnown   bool
	)
	for i := range pages {
		seen += int64(pages[i].BuildsSeen)
		newRuns += int64(pages[i].NewRuns)
		buildIDs = append(buildIDs, pages[i].IngestionBuilds...)
		if pages[i].Error != "" {
			pageErrors++
		}
		if pages[i].SawExisting {
			sawKnown = true
		}
	}
	pageErrors += dropped

	// The config's fetched counter tracks builds staged for it, so a
	// repository whose raw runs another config already imported still
	// reports what this pass picked up.
	if staged := int64(len(buildIDs)); staged > 0 {
		if err := o.store.IncrementRepoConfigCounters(ctx, configID, staged, 0, 0); err != nil {
			o.logger.Error("Failed to count fetched builds",
				logfields.RepoID(configID), logfields.Error(err))
		}
	}
	ev, evErr := eventstore.NewFetchCompleted(configID, seen, newRuns, time.Since(started))
	o.emit(ctx, ev, evErr)
	if syncMode {
		sev, sevErr := eventstore.NewSyncCompleted(configID, newRuns, sawKnown)
		o.emit(ctx, sev, sevErr)
	}
	o.logger.Info("Fetch completed",
		logfields.RepoID(configID),
		slog.Int64("builds_seen", seen),
		slog.Int64("new_builds", newRuns),
		slog.Int("page_errors", pageErrors),
		slog.Bool("sync", syncMode))

	if len(buildIDs) == 0 {
		if pageErrors > 0 && seen == 0 {
			o.failImport(ctx, configID, "fetch",
				ferrors.OrchestrationError(
					fmt.Sprintf("all %d fetch tasks failed", pageErrors)).Build())
			return
		}
		o.settleEmptyIngestion(ctx, configID)
		return
	}

	cfg, err := o.store.GetRepoConfig(ctx, configID)
	if err != nil {
		o.failImport(ctx, configID, "fetch", err)
		return
	}
	if err := o.dispatchIngestion(ctx, cfg, buildIDs); err != nil {
		o.failImport(ctx, configID, "ingestion", err)
	}
}

// settleEmptyIngestion closes out a fetch pass that staged nothing new.
// A sync with no unseen builds ends exactly where it started.
func (o *Orchestrator) settleEmptyIngestion(ctx context.Context, configID int64) {
	if err := o.store.UpdateRepoConfigStatus(ctx, configID, store.ConfigIngestionComplete); err != nil {
		o.logger.Error("Failed to settle empty ingestion",
			logfields.RepoID(configID), logfields.Error(err))
		return
	}
	ev, evErr := eventstore.NewIngestionCompleted(configID, 0, 0, 0, 0)
	o.emit(ctx, ev, evErr)
	if !o.autoProcess {
		return
	}
	if err := o.StartProcessing(ctx, configID); err != nil {
		o.logger.Error("Failed to start processing",
			logfields.RepoID(configID), logfields.Error(err))
	}
}
