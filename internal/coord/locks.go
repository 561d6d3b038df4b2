package coord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/buildlens/buildlens/internal/logfields"
)

// Lock TTLs match the longest expected hold time for each resource. A crashed
// holder is fenced out for at most the TTL before the lock self-expires.
const (
	CloneLockTTL    = 600 * time.Second
	WorktreeLockTTL = 120 * time.Second

	defaultRetryInterval = 100 * time.Millisecond
)

// ErrNotHeld is returned when releasing or extending a lock that has expired
// or was taken over by another owner.
var ErrNotHeld = errors.New("lock not held")

// releaseScript deletes the lock only when the caller still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only when the caller still owns the lock.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// Lock is a held distributed lock. Release it when done; the TTL bounds the
// hold time if the process dies first.
type Lock struct {
	client *redis.Client
	key    string
	token  string
}

// Key returns the Redis key the lock occupies.
func (l *Lock) Key() string { return l.key }

// Release frees the lock if this holder still owns it.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int()
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// Extend refreshes the lock TTL for long-running holders.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

// LockManager acquires distributed locks in the coordination store.
type LockManager struct {
	client        *redis.Client
	logger        *slog.Logger
	retryInterval time.Duration
}

// LockManagerOption customizes a LockManager.
type LockManagerOption func(*LockManager)

// WithRetryInterval sets the poll interval for blocking acquisition.
func WithRetryInterval(d time.Duration) LockManagerOption {
	return func(m *LockManager) {
		if d > 0 {
			m.retryInterval = d
		}
	}
}

// NewLockManager creates a lock manager over the given client.
func NewLockManager(client *redis.Client, logger *slog.Logger, opts ...LockManagerOption) *LockManager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &LockManager{
		client:        client,
		logger:        logger,
		retryInterval: defaultRetryInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TryAcquire attempts a single non-blocking acquisition.
func (m *LockManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lock, bool, error) {
	token := uuid.NewString()
	ok, err := m.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	if !ok {
		return nil, false, nil
	}
	return &Lock{client: m.client, key: key, token: token}, true, nil
}

// Acquire blocks until the lock is held or ctx is done. Callers bound the
// wait with a context deadline.
func (m *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	lock, ok, err := m.TryAcquire(ctx, key, ttl)
	if err != nil {
		return nil, err
	}
	if ok {
		return lock, nil
	}

	m.logger.Debug("Lock contended, waiting", slog.String("key", key))
	ticker := time.NewTicker(m.retryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("acquire lock %s: %w", key, ctx.Err())
		case <-ticker.C:
			lock, ok, err := m.TryAcquire(ctx, key, ttl)
			if err != nil {
				return nil, err
			}
			if ok {
				return lock, nil
			}
		}
	}
}

// WithLock runs fn while holding the lock and releases it afterwards.
func (m *LockManager) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lock, err := m.Acquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, ErrNotHeld) {
			m.logger.Warn("Failed to release lock", slog.String("key", key), logfields.Error(err))
		}
	}()
	return fn(ctx)
}
