// Package eventstore provides the append-only lifecycle journal for
// repo imports.
package eventstore

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/buildlens/buildlens/internal/foundation/errors"
)

const (
	phaseQueued    = "queued"
	phaseProcessed = "processed"
	phaseFailed    = "failed"
)

// ImportProgress is a read model summarizing one repo config's journey
// through the pipeline.
type ImportProgress struct {
	ConfigID     int64         `json:"config_id"`
	RepoFullName string        `json:"repo_full_name,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	Phase        string        `json:"phase"` // "queued", "fetched", "ingesting", ..., "processed", "failed"
	StartedAt    time.Time     `json:"started_at"`
	CompletedAt  *time.Time    `json:"completed_at,omitempty"`
	Duration     time.Duration `json:"duration,omitempty"`

	BuildsFetched     int64 `json:"builds_fetched"`
	NewBuilds         int64 `json:"new_builds"`
	Ingested          int64 `json:"ingested"`
	MissingResources  int64 `json:"missing_resources"`
	IngestionFailed   int64 `json:"ingestion_failed"`
	TrainingCompleted int64 `json:"training_completed"`
	TrainingPartial   int64 `json:"training_partial"`
	TrainingFailed    int64 `json:"training_failed"`
	Syncs             int   `json:"syncs"`

	FailedPhase string `json:"failed_phase,omitempty"`
	LastError   string `json:"last_error,omitempty"`
}

// ImportProgressProjection maintains an in-memory view of import
// progress, reconstructed from events stored in the journal.
type ImportProgressProjection struct {
	mu       sync.RWMutex
	store    Store
	imports  map[int64]*ImportProgress // configID -> progress
	history  []*ImportProgress         // settled imports, newest first
	maxSize  int
	lastSync time.Time
}

// NewImportProgressProjection creates a new projection backed by the
// given journal.
func NewImportProgressProjection(store Store, maxHistorySize int) *ImportProgressProjection {
	if maxHistorySize <= 0 {
		maxHistorySize = 100
	}
	return &ImportProgressProjection{
		store:   store,
		imports: make(map[int64]*ImportProgress),
		history: make([]*ImportProgress, 0, maxHistorySize),
		maxSize: maxHistorySize,
	}
}

// Rebuild reconstructs the projection from all events in the journal.
// This is typically called at startup.
func (p *ImportProgressProjection) Rebuild(ctx context.Context) error {
	events, err := p.store.GetRange(ctx, time.Time{}, time.Now().Add(time.Hour))
	if err != nil {
		return errors.EventStoreError("failed to rebuild progress projection").
			WithCause(err).
			Build()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.imports = make(map[int64]*ImportProgress)
	p.history = make([]*ImportProgress, 0, p.maxSize)

	for _, event := range events {
		p.applyEventLocked(event)
	}

	p.sortHistoryLocked()
	if len(p.history) > p.maxSize {
		p.history = p.history[:p.maxSize]
	}
	p.pruneImportsLocked()

	p.lastSync = time.Now()
	return nil
}

// Apply processes a single event and updates the projection.
// This is used for real-time updates when events are emitted.
func (p *ImportProgressProjection) Apply(event Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applyEventLocked(event)
}

func (p *ImportProgressProjection) applyEventLocked(event Event) {
	configID := event.ConfigID()
	if configID <= 0 {
		return
	}

	progress, exists := p.imports[configID]
	if !exists {
		progress = &ImportProgress{
			ConfigID:  configID,
			Phase:     phaseQueued,
			StartedAt: event.Timestamp(),
		}
		p.imports[configID] = progress
	}

	switch event.Type() {
	case "ImportQueued":
		progress.StartedAt = event.Timestamp()
		progress.Phase = phaseQueued
		var payload struct {
			RepoFullName string `json:"repo_full_name"`
			Provider     string `json:"provider"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			progress.RepoFullName = payload.RepoFullName
			progress.Provider = payload.Provider
		}

	case "FetchCompleted":
		progress.Phase = "fetched"
		var payload struct {
			BuildsFetched int64 `json:"builds_fetched"`
			NewBuilds     int64 `json:"new_builds"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			progress.BuildsFetched += payload.BuildsFetched
			progress.NewBuilds += payload.NewBuilds
		}

	case "IngestionStarted":
		progress.Phase = "ingesting"

	case "IngestionCompleted":
		progress.Phase = "ingested"
		var payload struct {
			Ingested int64 `json:"ingested"`
			Missing  int64 `json:"missing"`
			Failed   int64 `json:"failed"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			progress.Ingested += payload.Ingested
			progress.MissingResources += payload.Missing
			progress.IngestionFailed += payload.Failed
		}

	case "ProcessingStarted":
		progress.Phase = "processing"

	case "ProcessingCompleted":
		now := event.Timestamp()
		progress.CompletedAt = &now
		progress.Duration = now.Sub(progress.StartedAt)
		progress.Phase = phaseProcessed
		var payload struct {
			Completed int64 `json:"completed"`
			Partial   int64 `json:"partial"`
			Failed    int64 `json:"failed"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			progress.TrainingCompleted += payload.Completed
			progress.TrainingPartial += payload.Partial
			progress.TrainingFailed += payload.Failed
		}
		p.addToHistoryLocked(progress)

	case "ChordFailed":
		now := event.Timestamp()
		progress.CompletedAt = &now
		progress.Duration = now.Sub(progress.StartedAt)
		progress.Phase = phaseFailed
		var payload struct {
			Phase  string `json:"phase"`
			Reason string `json:"reason"`
		}
		if err := json.Unmarshal(event.Payload(), &payload); err == nil {
			progress.FailedPhase = payload.Phase
			progress.LastError = payload.Reason
		}
		p.addToHistoryLocked(progress)

	case "SyncCompleted":
		progress.Syncs++
	}
}

// addToHistoryLocked adds a settled import to history if not already
// present.
func (p *ImportProgressProjection) addToHistoryLocked(progress *ImportProgress) {
	for _, h := range p.history {
		if h.ConfigID == progress.ConfigID {
			return
		}
	}

	p.history = append([]*ImportProgress{progress}, p.history...)

	if len(p.history) > p.maxSize {
		p.history = p.history[:p.maxSize]
	}

	p.pruneImportsLocked()
}

// pruneImportsLocked removes settled imports not present in the bounded
// history. Imports still moving through the pipeline are kept.
// Caller must hold p.mu (write lock).
func (p *ImportProgressProjection) pruneImportsLocked() {
	keep := make(map[int64]struct{}, len(p.history))
	for _, h := range p.history {
		if h != nil {
			keep[h.ConfigID] = struct{}{}
		}
	}

	for id, progress := range p.imports {
		if progress != nil && progress.Phase != phaseProcessed && progress.Phase != phaseFailed {
			continue
		}
		if _, ok := keep[id]; !ok {
			delete(p.imports, id)
		}
	}
}

// sortHistoryLocked sorts history by start time, newest first.
func (p *ImportProgressProjection) sortHistoryLocked() {
	sort.SliceStable(p.history, func(i, j int) bool {
		return p.history[i].StartedAt.After(p.history[j].StartedAt)
	})
}

// GetHistory returns settled imports, newest first.
func (p *ImportProgressProjection) GetHistory() []*ImportProgress {
	p.mu.RLock()
	defer p.mu.RUnlock()

	result := make([]*ImportProgress, len(p.history))
	copy(result, p.history)
	return result
}

// GetProgress returns the progress summary for a repo config.
func (p *ImportProgressProjection) GetProgress(configID int64) (*ImportProgress, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	progress, exists := p.imports[configID]
	if !exists {
		return nil, false
	}

	// Return a copy
	cp := *progress
	return &cp, true
}

// GetActiveImports returns imports still moving through the pipeline,
// ordered by config id.
func (p *ImportProgressProjection) GetActiveImports() []*ImportProgress {
	p.mu.RLock()
	defer p.mu.RUnlock()

	var active []*ImportProgress
	for _, progress := range p.imports {
		if progress.Phase == phaseProcessed || progress.Phase == phaseFailed {
			continue
		}
		cp := *progress
		active = append(active, &cp)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ConfigID < active[j].ConfigID })
	return active
}

// LastSyncTime returns when the projection was last synchronized.
func (p *ImportProgressProjection) LastSyncTime() time.Time {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.lastSync
}
