package eventstore

import (
	"context"
	"time"
)

// Store defines the interface for persisting and retrieving journal
// events.
type Store interface {
	// Append adds a new event to the journal.
	Append(ctx context.Context, configID int64, scope, eventType string, payload []byte, metadata map[string]string) error

	// GetByConfigID retrieves all events for a repo config, oldest
	// first.
	GetByConfigID(ctx context.Context, configID int64) ([]Event, error)

	// GetRange retrieves events within a time range.
	GetRange(ctx context.Context, start, end time.Time) ([]Event, error)

	// Close closes the store and releases resources.
	Close() error
}
