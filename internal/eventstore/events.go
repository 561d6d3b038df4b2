package eventstore

import (
	"encoding/json"
	"time"

	"github.com/buildlens/buildlens/internal/foundation/errors"
)

// ImportQueued is emitted when a repo config enters the import queue.
type ImportQueued struct {
	BaseEvent
	RepoFullName string `json:"repo_full_name"`
	Provider     string `json:"provider"`
	MaxBuilds    int    `json:"max_builds"`
}

// NewImportQueued creates an ImportQueued event.
func NewImportQueued(configID int64, repoFullName, provider string, maxBuilds int) (*ImportQueued, error) {
	payload, err := marshalPayload(configID, "ImportQueued", map[string]any{
		"repo_full_name": repoFullName,
		"provider":       provider,
		"max_builds":     maxBuilds,
	})
	if err != nil {
		return nil, err
	}

	return &ImportQueued{
		BaseEvent: BaseEvent{
			EventConfigID:  configID,
			EventType:      "ImportQueued",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		RepoFullName: repoFullName,
		Provider:     provider,
		MaxBuilds:    maxBuilds,
	}, nil
}

// FetchCompleted is emitted when a fetch pass over the CI provider
// finishes.
type FetchCompleted struct {
	BaseEvent
	BuildsFetched int64         `json:"builds_fetched"`
	NewBuilds     int64         `json:"new_builds"`
	Duration      time.Duration `json:"duration_ms"`
}

// NewFetchCompleted creates a FetchCompleted event.
func NewFetchCompleted(configID, buildsFetched, newBuilds int64, duration time.Duration) (*FetchCompleted, error) {
	payload, err := marshalPayload(configID, "FetchCompleted", map[string]any{
		"builds_fetched": buildsFetched,
		"new_builds":     newBuilds,
		"duration_ms":    duration.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}

	return &FetchCompleted{
		BaseEvent: BaseEvent{
			EventConfigID:  configID,
			EventType:      "FetchCompleted",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		BuildsFetched: buildsFetched,
		NewBuilds:     newBuilds,
		Duration:      duration,
	}, nil
}

// IngestionStarted is emitted when the ingestion chord is dispatched.
type IngestionStarted struct {
	BaseEvent
	BuildCount int `json:"build_count"`
}

// NewIngestionStarted creates an IngestionStarted event.
func NewIngestionStarted(configID int64, buildCount int) (*IngestionStarted, error) {
	payload, err := marshalPayload(configID, "IngestionStarted", map[string]any{
		"build_count": buildCount,
	})
	if err != nil {
		return nil, err
	}

	return &IngestionStarted{
		BaseEvent: BaseEvent{
			EventConfigID:  configID,
			EventType:      "IngestionStarted",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		BuildCount: buildCount,
	}, nil
}

// IngestionCompleted is emitted when the ingestion chord's callback
// settles the config.
type IngestionCompleted struct {
	BaseEvent
	Ingested int64         `json:"ingested"`
	Missing  int64         `json:"missing"`
	Failed   int64         `json:"failed"`
	Duration time.Duration `json:"duration_ms"`
}

// NewIngestionCompleted creates an IngestionCompleted event.
func NewIngestionCompleted(configID, ingested, missing, failed int64, duration time.Duration) (*IngestionCompleted, error) {
	payload, err := marshalPayload(configID, "IngestionCompleted", map[string]any{
		"ingested":    ingested,
		"missing":     missing,
		"failed":      failed,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}

	return &IngestionCompleted{
		BaseEvent: BaseEvent{
			EventConfigID:  configID,
			EventType:      "IngestionCompleted",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Ingested: ingested,
		Missing:  missing,
		Failed:   failed,
		Duration: duration,
	}, nil
}

// ProcessingStarted is emitted when a feature extraction batch is
// dispatched.
type ProcessingStarted struct {
	BaseEvent
	BatchSize  int   `json:"batch_size"`
	Checkpoint int64 `json:"checkpoint"`
}

// NewProcessingStarted creates a ProcessingStarted event.
func NewProcessingStarted(configID int64, batchSize int, checkpoint int64) (*ProcessingStarted, error) {
	payload, err := marshalPayload(configID, "ProcessingStarted", map[string]any{
		"batch_size": batchSize,
		"checkpoint": checkpoint,
	})
	if err != nil {
		return nil, err
	}

	return &ProcessingStarted{
		BaseEvent: BaseEvent{
			EventConfigID:  configID,
			EventType:      "ProcessingStarted",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		BatchSize:  batchSize,
		Checkpoint: checkpoint,
	}, nil
}

// ProcessingCompleted is emitted when feature extraction over all
// batches settles the config.
type ProcessingCompleted struct {
	BaseEvent
	Completed int64         `json:"completed"`
	Partial   int64         `json:"partial"`
	Failed    int64         `json:"failed"`
	Duration  time.Duration `json:"duration_ms"`
}

// NewProcessingCompleted creates a ProcessingCompleted event.
func NewProcessingCompleted(configID, completed, partial, failed int64, duration time.Duration) (*ProcessingCompleted, error) {
	payload, err := marshalPayload(configID, "ProcessingCompleted", map[string]any{
		"completed":   completed,
		"partial":     partial,
		"failed":      failed,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		return nil, err
	}

	return &ProcessingCompleted{
		BaseEvent: BaseEvent{
			EventConfigID:  configID,
			EventType:      "ProcessingCompleted",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Completed: completed,
		Partial:   partial,
		Failed:    failed,
		Duration:  duration,
	}, nil
}

// ChordFailed is emitted by a chord error callback. It is the
// post-mortem record for imports that died mid-phase.
type ChordFailed struct {
	BaseEvent
	Phase  string `json:"phase"`
	Reason string `json:"reason"`
}

// NewChordFailed creates a ChordFailed event. Phase names the pipeline
// stage, "ingestion" or "processing".
func NewChordFailed(configID int64, phase, reason string) (*ChordFailed, error) {
	payload, err := marshalPayload(configID, "ChordFailed", map[string]any{
		"phase":  phase,
		"reason": reason,
	})
	if err != nil {
		return nil, err
	}

	return &ChordFailed{
		BaseEvent: BaseEvent{
			EventConfigID:  configID,
			EventType:      "ChordFailed",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Phase:  phase,
		Reason: reason,
	}, nil
}

// SyncCompleted is emitted when an incremental sync pass finishes.
type SyncCompleted struct {
	BaseEvent
	NewBuilds     int64 `json:"new_builds"`
	SawKnownBuild bool  `json:"saw_known_build"`
}

// NewSyncCompleted creates a SyncCompleted event.
func NewSyncCompleted(configID, newBuilds int64, sawKnownBuild bool) (*SyncCompleted, error) {
	payload, err := marshalPayload(configID, "SyncCompleted", map[string]any{
		"new_builds":      newBuilds,
		"saw_known_build": sawKnownBuild,
	})
	if err != nil {
		return nil, err
	}

	return &SyncCompleted{
		BaseEvent: BaseEvent{
			EventConfigID:  configID,
			EventType:      "SyncCompleted",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		NewBuilds:     newBuilds,
		SawKnownBuild: sawKnownBuild,
	}, nil
}

// ResourceIngestionFailed is emitted per build run when a required
// resource could not be acquired. Scoped to the run so post-mortems can
// slice the journal by build.
type ResourceIngestionFailed struct {
	BaseEvent
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}

// NewResourceIngestionFailed creates a ResourceIngestionFailed event
// scoped to one provider build id.
func NewResourceIngestionFailed(configID, providerBuildID int64, resource, reason string) (*ResourceIngestionFailed, error) {
	payload, err := marshalPayload(configID, "ResourceIngestionFailed", map[string]any{
		"resource": resource,
		"reason":   reason,
	})
	if err != nil {
		return nil, err
	}

	return &ResourceIngestionFailed{
		BaseEvent: BaseEvent{
			EventConfigID:  configID,
			EventScope:     RunScope(providerBuildID),
			EventType:      "ResourceIngestionFailed",
			EventTimestamp: time.Now(),
			EventPayload:   payload,
		},
		Resource: resource,
		Reason:   reason,
	}, nil
}

// marshalPayload serializes an event payload, classifying failures with
// the event name and config for the daemon's logs.
func marshalPayload(configID int64, eventType string, fields map[string]any) ([]byte, error) {
	payload, err := json.Marshal(fields)
	if err != nil {
		return nil, errors.EventStoreError("failed to marshal event payload").
			WithCause(err).
			WithContext("event", eventType).
			WithContext("config_id", configID).
			Build()
	}
	return payload, nil
}
