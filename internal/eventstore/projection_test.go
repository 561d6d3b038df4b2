package eventstore

import (
	"errors"
	"testing"
	"time"
)

func TestImportProgressProjection_ApplyEvents(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	projection := NewImportProgressProjection(store, 10)

	configID := int64(1)
	queuedEvent, err := NewImportQueued(configID, "acme/widget", "github", 500)
	if err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}
	projection.Apply(queuedEvent)

	progress, exists := projection.GetProgress(configID)
	if !exists {
		t.Fatal("Expected import to be tracked")
	}
	if progress.Phase != "queued" {
		t.Errorf("Expected phase 'queued', got %q", progress.Phase)
	}
	if progress.RepoFullName != "acme/widget" {
		t.Errorf("Expected repo 'acme/widget', got %q", progress.RepoFullName)
	}

	fetchEvent, err := NewFetchCompleted(configID, 120, 120, 30*time.Second)
	if err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}
	projection.Apply(fetchEvent)

	progress, _ = projection.GetProgress(configID)
	if progress.Phase != "fetched" {
		t.Errorf("Expected phase 'fetched', got %q", progress.Phase)
	}
	if progress.BuildsFetched != 120 {
		t.Errorf("Expected 120 builds fetched, got %d", progress.BuildsFetched)
	}

	ingestDone, err := NewIngestionCompleted(configID, 110, 8, 2, 4*time.Minute)
	if err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}
	projection.Apply(ingestDone)

	progress, _ = projection.GetProgress(configID)
	if progress.Ingested != 110 || progress.MissingResources != 8 || progress.IngestionFailed != 2 {
		t.Errorf("Unexpected ingestion counts: %+v", progress)
	}

	processDone, err := NewProcessingCompleted(configID, 100, 10, 8, 10*time.Minute)
	if err != nil {
		t.Fatalf("Failed to create event: %v", err)
	}
	projection.Apply(processDone)

	progress, _ = projection.GetProgress(configID)
	if progress.Phase != "processed" {
		t.Errorf("Expected phase 'processed', got %q", progress.Phase)
	}
	if progress.CompletedAt == nil {
		t.Error("Expected completed_at to be set")
	}
	if progress.TrainingCompleted != 100 || progress.TrainingPartial != 10 {
		t.Errorf("Unexpected training counts: %+v", progress)
	}

	// Check history
	history := projection.GetHistory()
	if len(history) != 1 {
		t.Fatalf("Expected 1 history entry, got %d", len(history))
	}
	if history[0].ConfigID != configID {
		t.Errorf("Expected config %d, got %d", configID, history[0].ConfigID)
	}
}

func TestImportProgressProjection_ChordFailed(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	projection := NewImportProgressProjection(store, 10)

	configID := int64(7)
	queuedEvent, _ := NewImportQueued(configID, "acme/widget", "github", 500)
	projection.Apply(queuedEvent)

	failEvent, _ := NewChordFailed(configID, "ingestion", "clone task panicked")
	projection.Apply(failEvent)

	progress, exists := projection.GetProgress(configID)
	if !exists {
		t.Fatal("Expected import to be tracked")
	}
	if progress.Phase != "failed" {
		t.Errorf("Expected phase 'failed', got %q", progress.Phase)
	}
	if progress.FailedPhase != "ingestion" {
		t.Errorf("Expected failed phase 'ingestion', got %q", progress.FailedPhase)
	}
	if progress.LastError != "clone task panicked" {
		t.Errorf("Expected error message stored, got %q", progress.LastError)
	}
}

func TestImportProgressProjection_Rebuild(t *testing.T) {
	ctx := t.Context()
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	// Store some events directly
	configID := int64(42)
	queuedEvent, _ := NewImportQueued(configID, "acme/widget", "github", 500)
	if err := store.Append(ctx, configID, "", queuedEvent.Type(), queuedEvent.Payload(), nil); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	fetchEvent, _ := NewFetchCompleted(configID, 60, 60, time.Minute)
	if err := store.Append(ctx, configID, "", fetchEvent.Type(), fetchEvent.Payload(), nil); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	processDone, _ := NewProcessingCompleted(configID, 55, 5, 0, 3*time.Minute)
	if err := store.Append(ctx, configID, "", processDone.Type(), processDone.Payload(), nil); err != nil {
		t.Fatalf("Failed to append: %v", err)
	}

	// Create a fresh projection and rebuild from the journal
	projection := NewImportProgressProjection(store, 10)
	if err := projection.Rebuild(ctx); err != nil {
		t.Fatalf("Failed to rebuild: %v", err)
	}

	progress, exists := projection.GetProgress(configID)
	if !exists {
		t.Fatal("Expected import to exist after rebuild")
	}
	if progress.Phase != "processed" {
		t.Errorf("Expected phase 'processed', got %q", progress.Phase)
	}
	if progress.BuildsFetched != 60 {
		t.Errorf("Expected 60 builds fetched, got %d", progress.BuildsFetched)
	}

	history := projection.GetHistory()
	if len(history) != 1 {
		t.Fatalf("Expected 1 history entry, got %d", len(history))
	}
}

func TestImportProgressProjection_RebuildFailure(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	_ = store.Close()

	projection := NewImportProgressProjection(store, 10)
	err = projection.Rebuild(t.Context())
	if !errors.Is(err, ErrProjectionRebuildFailed) {
		t.Fatalf("Expected ErrProjectionRebuildFailed, got %v", err)
	}
}

func TestImportProgressProjection_HistoryLimit(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	// Create projection with small max size
	projection := NewImportProgressProjection(store, 3)

	// Add 5 settled imports
	for i := int64(1); i <= 5; i++ {
		queuedEvent, _ := NewImportQueued(i, "acme/widget", "github", 10)
		projection.Apply(queuedEvent)

		processDone, _ := NewProcessingCompleted(i, 10, 0, 0, time.Second)
		projection.Apply(processDone)
	}

	// History should be limited to 3
	history := projection.GetHistory()
	if len(history) != 3 {
		t.Errorf("Expected history length 3, got %d", len(history))
	}
}

func TestImportProgressProjection_GetActiveImports(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	defer func() { _ = store.Close() }()

	projection := NewImportProgressProjection(store, 10)

	// No active imports initially
	if active := projection.GetActiveImports(); len(active) != 0 {
		t.Errorf("Expected no active imports initially, got %d", len(active))
	}

	// Queue two imports, settle one
	first, _ := NewImportQueued(1, "acme/widget", "github", 10)
	projection.Apply(first)
	second, _ := NewImportQueued(2, "acme/gadget", "gitlab", 10)
	projection.Apply(second)

	processDone, _ := NewProcessingCompleted(1, 10, 0, 0, time.Second)
	projection.Apply(processDone)

	active := projection.GetActiveImports()
	if len(active) != 1 {
		t.Fatalf("Expected 1 active import, got %d", len(active))
	}
	if active[0].ConfigID != 2 {
		t.Errorf("Expected config 2 active, got %d", active[0].ConfigID)
	}
}
