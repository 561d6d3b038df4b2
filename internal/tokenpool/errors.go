package tokenpool

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoTokens is returned by Acquire when the pool has no tokens at all.
// Distinct from AllRateLimitedError: an empty pool is a configuration
// problem, not a transient quota state.
var ErrNoTokens = errors.New("token pool is empty")

// AllRateLimitedError reports that every token in the pool is on cooldown.
// ResetAt is the earliest moment any token becomes eligible again; callers
// back off until then instead of holding a worker slot.
type AllRateLimitedError struct {
	ResetAt time.Time
}

func (e *AllRateLimitedError) Error() string {
	return fmt.Sprintf("all github tokens rate limited until %s", e.ResetAt.UTC().Format(time.RFC3339))
}

// IsAllRateLimited extracts an AllRateLimitedError from an error chain.
func IsAllRateLimited(err error) (*AllRateLimitedError, bool) {
	var arl *AllRateLimitedError
	if errors.As(err, &arl) {
		return arl, true
	}
	return nil, false
}
