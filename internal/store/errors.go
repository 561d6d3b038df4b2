package store

import (
	"github.com/buildlens/buildlens/internal/foundation/errors"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.ResourceMissingError("record not found").Build()

	// ErrInvalidTransition indicates a status update that the
	// lifecycle DAG does not permit.
	ErrInvalidTransition = errors.StorageError("status transition not allowed").WithRetry(errors.RetryNever).Build()
)
