package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrChordNotOpen is returned when completing a member of a chord whose
// group size was never registered (or whose state already expired).
var ErrChordNotOpen = errors.New("chord not open")

// defaultChordTTL bounds how long chord state survives an abandoned run.
const defaultChordTTL = 24 * time.Hour

// completeScript atomically records one member result and advances the done
// counter. Returns {done, total}; total is -1 when the chord was never opened.
var completeScript = redis.NewScript(`
local total = redis.call("GET", KEYS[3])
if not total then
	return {-1, -1}
end
redis.call("RPUSH", KEYS[1], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
local done = redis.call("INCR", KEYS[2])
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return {done, tonumber(total)}
`)

// ChordCoordinator tracks parallel task groups through the coordination
// store. A chord is opened with its group size; each member completion
// appends its result and bumps a shared counter. The member whose completion
// brings the counter to the group size is told to run the aggregation
// callback, which therefore runs exactly once per chord.
type ChordCoordinator struct {
	client *redis.Client
	ttl    time.Duration
}

// ChordOption customizes a ChordCoordinator.
type ChordOption func(*ChordCoordinator)

// WithChordTTL bounds the lifetime of chord state in the store.
func WithChordTTL(ttl time.Duration) ChordOption {
	return func(c *ChordCoordinator) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// NewChordCoordinator creates a coordinator over the given client.
func NewChordCoordinator(client *redis.Client, opts ...ChordOption) *ChordCoordinator {
	c := &ChordCoordinator{client: client, ttl: defaultChordTTL}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Open registers a chord group of the given size under the correlation id.
// Size must cover every member that will call Complete, including members
// that end in failure.
func (c *ChordCoordinator) Open(ctx context.Context, kind, correlationID string, size int) error {
	if size <= 0 {
		return fmt.Errorf("open chord %s: group size must be positive, got %d", correlationID, size)
	}
	if err := c.client.Set(ctx, chordTotalKey(correlationID), size, c.ttl).Err(); err != nil {
		return fmt.Errorf("open chord %s: %w", correlationID, err)
	}
	// Reset any stale state from a previous run under the same id.
	if err := c.client.Del(ctx, chordDoneKey(correlationID), resultsKey(kind, correlationID)).Err(); err != nil {
		return fmt.Errorf("open chord %s: %w", correlationID, err)
	}
	return nil
}

// Complete records one member result and reports whether the caller must run
// the aggregation callback. Exactly one completion per chord returns true.
func (c *ChordCoordinator) Complete(ctx context.Context, kind, correlationID string, result []byte) (bool, error) {
	keys := []string{resultsKey(kind, correlationID), chordDoneKey(correlationID), chordTotalKey(correlationID)}
	vals, err := completeScript.Run(ctx, c.client, keys, result, c.ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, fmt.Errorf("complete chord member %s: %w", correlationID, err)
	}
	if len(vals) != 2 {
		return false, fmt.Errorf("complete chord member %s: unexpected script reply %v", correlationID, vals)
	}
	done, total := vals[0], vals[1]
	if total < 0 {
		return false, fmt.Errorf("complete chord member %s: %w", correlationID, ErrChordNotOpen)
	}
	return done == total, nil
}

// Results returns all recorded member results in completion order.
func (c *ChordCoordinator) Results(ctx context.Context, kind, correlationID string) ([][]byte, error) {
	raw, err := c.client.LRange(ctx, resultsKey(kind, correlationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read chord results %s: %w", correlationID, err)
	}
	out := make([][]byte, len(raw))
	for i, r := range raw {
		out[i] = []byte(r)
	}
	return out, nil
}

// Discard removes all chord state for the correlation id.
func (c *ChordCoordinator) Discard(ctx context.Context, kind, correlationID string) error {
	err := c.client.Del(ctx, chordTotalKey(correlationID), chordDoneKey(correlationID), resultsKey(kind, correlationID)).Err()
	if err != nil {
		return fmt.Errorf("discard chord %s: %w", correlationID, err)
	}
	return nil
}
