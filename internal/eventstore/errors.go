package eventstore

// Sentinel errors for journal operations. Failure sites build matching
// classified errors, so errors.Is can match on category and message.

import (
	"github.com/buildlens/buildlens/internal/foundation/errors"
)

var (
	// ErrMarshalPayloadFailed indicates JSON marshaling of an event
	// payload failed.
	ErrMarshalPayloadFailed = errors.EventStoreError("failed to marshal event payload").Build()

	// ErrProjectionRebuildFailed indicates the progress projection
	// could not be rebuilt from the journal.
	ErrProjectionRebuildFailed = errors.EventStoreError("failed to rebuild progress projection").Build()
)
