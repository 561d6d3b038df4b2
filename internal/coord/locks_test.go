package coord

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestLockAcquireAndRelease(t *testing.T) {
	_, client := newTestClient(t)
	m := NewLockManager(client, nil)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, CloneLockKey(42), CloneLockTTL)
	require.NoError(t, err)
	assert.Equal(t, "clone:42", lock.Key())

	_, ok, err := m.TryAcquire(ctx, CloneLockKey(42), CloneLockTTL)
	require.NoError(t, err)
	assert.False(t, ok, "held lock should not be acquirable")

	require.NoError(t, lock.Release(ctx))

	_, ok, err = m.TryAcquire(ctx, CloneLockKey(42), CloneLockTTL)
	require.NoError(t, err)
	assert.True(t, ok, "released lock should be acquirable")
}

func TestLockReleaseAfterTakeover(t *testing.T) {
	mr, client := newTestClient(t)
	m := NewLockManager(client, nil)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, WorktreeLockKey(7, "abc1234"), 50*time.Millisecond)
	require.NoError(t, err)

	// Expire the lock and let another holder take it over.
	mr.FastForward(100 * time.Millisecond)
	_, ok, err := m.TryAcquire(ctx, WorktreeLockKey(7, "abc1234"), WorktreeLockTTL)
	require.NoError(t, err)
	require.True(t, ok)

	err = lock.Release(ctx)
	assert.ErrorIs(t, err, ErrNotHeld)

	// The new holder's lock must survive the stale release attempt.
	_, ok, err = m.TryAcquire(ctx, WorktreeLockKey(7, "abc1234"), WorktreeLockTTL)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockAcquireBlocksUntilReleased(t *testing.T) {
	_, client := newTestClient(t)
	m := NewLockManager(client, nil, WithRetryInterval(5*time.Millisecond))
	ctx := context.Background()

	lock, err := m.Acquire(ctx, CloneLockKey(1), CloneLockTTL)
	require.NoError(t, err)

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = lock.Release(context.Background())
	}()

	acquireCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	second, err := m.Acquire(acquireCtx, CloneLockKey(1), CloneLockTTL)
	require.NoError(t, err)
	require.NoError(t, second.Release(ctx))
}

func TestLockAcquireTimesOut(t *testing.T) {
	_, client := newTestClient(t)
	m := NewLockManager(client, nil, WithRetryInterval(5*time.Millisecond))
	ctx := context.Background()

	_, err := m.Acquire(ctx, CloneLockKey(2), CloneLockTTL)
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 40*time.Millisecond)
	defer cancel()
	_, err = m.Acquire(waitCtx, CloneLockKey(2), CloneLockTTL)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLockExtend(t *testing.T) {
	mr, client := newTestClient(t)
	m := NewLockManager(client, nil)
	ctx := context.Background()

	lock, err := m.Acquire(ctx, CloneLockKey(3), 100*time.Millisecond)
	require.NoError(t, err)

	require.NoError(t, lock.Extend(ctx, time.Minute))
	assert.Greater(t, mr.TTL("clone:3"), 30*time.Second)

	mr.FastForward(2 * time.Minute)
	assert.ErrorIs(t, lock.Extend(ctx, time.Minute), ErrNotHeld)
}

func TestWithLockReleasesOnReturn(t *testing.T) {
	_, client := newTestClient(t)
	m := NewLockManager(client, nil)
	ctx := context.Background()

	ran := false
	err := m.WithLock(ctx, CloneLockKey(9), CloneLockTTL, func(context.Context) error {
		ran = true
		_, ok, err := m.TryAcquire(ctx, CloneLockKey(9), CloneLockTTL)
		require.NoError(t, err)
		assert.False(t, ok, "lock must be held inside the critical section")
		return nil
	})
	require.NoError(t, err)
	assert.True(t, ran)

	_, ok, err := m.TryAcquire(ctx, CloneLockKey(9), CloneLockTTL)
	require.NoError(t, err)
	assert.True(t, ok, "lock must be free after WithLock returns")
}

func TestLockKeyFormats(t *testing.T) {
	assert.Equal(t, "clone:42", CloneLockKey(42))
	assert.Equal(t, "worktree:42:abc1234", WorktreeLockKey(42, "abc1234"))
}
