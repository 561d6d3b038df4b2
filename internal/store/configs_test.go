package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestCreateRepoConfigDefaultsToQueued(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	repoID := seedRepository(t, s, "acme/widget")

	id, err := s.CreateRepoConfig(ctx, &RepoConfig{
		RawRepositoryID: repoID,
		Provider:        "github",
		Branch:          "main",
		Features:        []string{"build_log_metrics", "commit_stats"},
		SyncEnabled:     true,
	})
	if err != nil {
		t.Fatalf("failed to create config: %v", err)
	}

	cfg, err := s.GetRepoConfig(ctx, id)
	if err != nil {
		t.Fatalf("failed to get config: %v", err)
	}
	if cfg.Status != ConfigQueued {
		t.Errorf("expected status %s, got %s", ConfigQueued, cfg.Status)
	}
	if len(cfg.Features) != 2 || cfg.Features[0] != "build_log_metrics" {
		t.Errorf("features not stored correctly: %v", cfg.Features)
	}
	if !cfg.SyncEnabled {
		t.Error("expected sync to be enabled")
	}
}

func TestCreateRepoConfigValidation(t *testing.T) {
	s := newTestStore(t)

	_, err := s.CreateRepoConfig(t.Context(), &RepoConfig{Provider: "github", MaxBuilds: -1})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRepoConfigStatusLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	repoID := seedRepository(t, s, "acme/widget")
	id := seedConfig(t, s, repoID)

	steps := []ConfigStatus{ConfigIngesting, ConfigIngestionComplete, ConfigProcessing, ConfigProcessed}
	for _, next := range steps {
		if err := s.UpdateRepoConfigStatus(ctx, id, next); err != nil {
			t.Fatalf("transition to %s failed: %v", next, err)
		}
	}

	// Processed re-enters through Queued for the next sync.
	if err := s.UpdateRepoConfigStatus(ctx, id, ConfigQueued); err != nil {
		t.Fatalf("requeue after processed failed: %v", err)
	}

	// Queued cannot jump straight to Processed.
	err := s.UpdateRepoConfigStatus(ctx, id, ConfigProcessed)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	cfg, err := s.GetRepoConfig(ctx, id)
	if err != nil {
		t.Fatalf("failed to reload config: %v", err)
	}
	if cfg.Status != ConfigQueued {
		t.Errorf("rejected transition must not change status, got %s", cfg.Status)
	}
}

func TestIncrementRepoConfigCounters(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	repoID := seedRepository(t, s, "acme/widget")
	id := seedConfig(t, s, repoID)

	if err := s.IncrementRepoConfigCounters(ctx, id, 10, 0, 0); err != nil {
		t.Fatalf("failed to increment counters: %v", err)
	}
	if err := s.IncrementRepoConfigCounters(ctx, id, 0, 7, 3); err != nil {
		t.Fatalf("failed to increment counters: %v", err)
	}

	cfg, err := s.GetRepoConfig(ctx, id)
	if err != nil {
		t.Fatalf("failed to get config: %v", err)
	}
	if cfg.BuildsFetched != 10 || cfg.BuildsCompleted != 7 || cfg.BuildsFailed != 3 {
		t.Errorf("unexpected counters: fetched=%d completed=%d failed=%d",
			cfg.BuildsFetched, cfg.BuildsCompleted, cfg.BuildsFailed)
	}
}

func TestAdvanceCheckpointMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	repoID := seedRepository(t, s, "acme/widget")
	id := seedConfig(t, s, repoID)

	if err := s.AdvanceCheckpoint(ctx, id, 50); err != nil {
		t.Fatalf("failed to advance checkpoint: %v", err)
	}

	// Out-of-order batch completion must not move the checkpoint back.
	if err := s.AdvanceCheckpoint(ctx, id, 20); err != nil {
		t.Fatalf("stale checkpoint advance returned error: %v", err)
	}

	cfg, err := s.GetRepoConfig(ctx, id)
	if err != nil {
		t.Fatalf("failed to get config: %v", err)
	}
	if cfg.LastProcessedIngestionBuildID != 50 {
		t.Errorf("expected checkpoint 50, got %d", cfg.LastProcessedIngestionBuildID)
	}

	if err := s.AdvanceCheckpoint(ctx, id, 80); err != nil {
		t.Fatalf("failed to advance checkpoint: %v", err)
	}
	cfg, _ = s.GetRepoConfig(ctx, id)
	if cfg.LastProcessedIngestionBuildID != 80 {
		t.Errorf("expected checkpoint 80, got %d", cfg.LastProcessedIngestionBuildID)
	}
}

func TestSetRepoConfigError(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	repoID := seedRepository(t, s, "acme/widget")
	id := seedConfig(t, s, repoID)

	if err := s.SetRepoConfigError(ctx, id, "rate limited by provider"); err != nil {
		t.Fatalf("failed to set error: %v", err)
	}
	cfg, _ := s.GetRepoConfig(ctx, id)
	if cfg.LastError != "rate limited by provider" {
		t.Errorf("expected stored error, got %q", cfg.LastError)
	}

	if err := s.SetRepoConfigError(ctx, id, ""); err != nil {
		t.Fatalf("failed to clear error: %v", err)
	}
	cfg, _ = s.GetRepoConfig(ctx, id)
	if cfg.LastError != "" {
		t.Errorf("expected cleared error, got %q", cfg.LastError)
	}
}

func TestMarkSynced(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	repoID := seedRepository(t, s, "acme/widget")
	id := seedConfig(t, s, repoID)

	if err := s.MarkSynced(ctx, id); err != nil {
		t.Fatalf("failed to mark synced: %v", err)
	}
	cfg, _ := s.GetRepoConfig(ctx, id)
	if cfg.LastSyncedAt.IsNone() {
		t.Error("expected last synced timestamp to be set")
	}
}

func TestListAutoSyncRepoConfigs(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	repoID := seedRepository(t, s, "acme/widget")

	seedConfig(t, s, repoID)
	syncedID, err := s.CreateRepoConfig(ctx, &RepoConfig{
		RawRepositoryID: repoID,
		Provider:        "github",
		SyncEnabled:     true,
	})
	if err != nil {
		t.Fatalf("failed to create synced config: %v", err)
	}

	configs, err := s.ListAutoSyncRepoConfigs(ctx)
	if err != nil {
		t.Fatalf("failed to list auto-sync configs: %v", err)
	}
	if len(configs) != 1 {
		t.Fatalf("expected 1 auto-sync config, got %d", len(configs))
	}
	if configs[0].ID != syncedID {
		t.Errorf("expected config %d, got %d", syncedID, configs[0].ID)
	}
}

// Deleting a config removes everything it owns but never the shared raw
// layer, so a second config importing the same repository is unaffected.
func TestDeleteRepoConfigCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()
	repoID := seedRepository(t, s, "acme/widget")
	runID := seedBuildRun(t, s, repoID, 9001)

	victim := seedConfig(t, s, repoID)
	survivor := seedConfig(t, s, repoID)

	for _, cfgID := range []int64{victim, survivor} {
		if _, _, err := s.UpsertIngestionBuild(ctx, &IngestionBuild{
			RepoConfigID: cfgID, RawBuildRunID: runID, CIRunID: 9001, CommitSHA: "abc123",
		}); err != nil {
			t.Fatalf("failed to seed ingestion build: %v", err)
		}
		if _, _, err := s.UpsertTrainingBuild(ctx, &TrainingBuild{
			RepoConfigID: cfgID, RawBuildRunID: runID,
		}); err != nil {
			t.Fatalf("failed to seed training build: %v", err)
		}
		if _, err := s.InsertFeatureAuditLog(ctx, &FeatureAuditLog{
			CorrelationID: fmt.Sprintf("corr-%d", cfgID), RepoConfigID: cfgID,
			RawBuildRunID: runID, FinalStatus: ExtractionCompleted,
		}); err != nil {
			t.Fatalf("failed to seed audit log: %v", err)
		}
	}

	if err := s.DeleteRepoConfig(ctx, victim); err != nil {
		t.Fatalf("failed to delete config: %v", err)
	}

	if _, err := s.GetRepoConfig(ctx, victim); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected deleted config to be gone, got %v", err)
	}

	// Owned rows are gone.
	if builds, _ := s.ListIngestionBuilds(ctx, victim); len(builds) != 0 {
		t.Errorf("expected victim ingestion builds deleted, got %d", len(builds))
	}
	if builds, _ := s.ListTrainingBuilds(ctx, victim); len(builds) != 0 {
		t.Errorf("expected victim training builds deleted, got %d", len(builds))
	}

	// The surviving config and the raw layer are untouched.
	if builds, _ := s.ListIngestionBuilds(ctx, survivor); len(builds) != 1 {
		t.Errorf("expected survivor ingestion builds intact, got %d", len(builds))
	}
	if _, err := s.GetRawBuildRun(ctx, runID); err != nil {
		t.Errorf("expected raw build run to survive, got %v", err)
	}
	if _, err := s.GetRawRepository(ctx, repoID); err != nil {
		t.Errorf("expected raw repository to survive, got %v", err)
	}

	logs, err := s.ListFeatureAuditLogsByBuild(ctx, runID)
	if err != nil {
		t.Fatalf("failed to list audit logs: %v", err)
	}
	if len(logs) != 1 || logs[0].RepoConfigID != survivor {
		t.Errorf("expected only survivor audit log, got %d entries", len(logs))
	}

	if err := s.DeleteRepoConfig(ctx, victim); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound on double delete, got %v", err)
	}
}
