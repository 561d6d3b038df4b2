package coord

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChordFiresExactlyOnce(t *testing.T) {
	_, client := newTestClient(t)
	c := NewChordCoordinator(client)
	ctx := context.Background()

	require.NoError(t, c.Open(ctx, ChordIngestion, "corr-1", 3))

	var fired int
	for i := 0; i < 3; i++ {
		ok, err := c.Complete(ctx, ChordIngestion, "corr-1", fmt.Appendf(nil, `{"member":%d}`, i))
		require.NoError(t, err)
		if ok {
			fired++
		}
	}
	assert.Equal(t, 1, fired, "callback must be signaled exactly once")

	results, err := c.Results(ctx, ChordIngestion, "corr-1")
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.JSONEq(t, `{"member":0}`, string(results[0]))
	assert.JSONEq(t, `{"member":2}`, string(results[2]))
}

func TestChordConcurrentMembers(t *testing.T) {
	_, client := newTestClient(t)
	c := NewChordCoordinator(client)
	ctx := context.Background()

	const members = 16
	require.NoError(t, c.Open(ctx, ChordFetch, "corr-2", members))

	var fired atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < members; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			ok, err := c.Complete(ctx, ChordFetch, "corr-2", fmt.Appendf(nil, "%d", n))
			assert.NoError(t, err)
			if ok {
				fired.Add(1)
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), fired.Load())
	results, err := c.Results(ctx, ChordFetch, "corr-2")
	require.NoError(t, err)
	assert.Len(t, results, members)
}

func TestChordCompleteWithoutOpen(t *testing.T) {
	_, client := newTestClient(t)
	c := NewChordCoordinator(client)

	_, err := c.Complete(context.Background(), ChordIngestion, "missing", []byte("{}"))
	assert.ErrorIs(t, err, ErrChordNotOpen)
}

func TestChordOpenRejectsEmptyGroup(t *testing.T) {
	_, client := newTestClient(t)
	c := NewChordCoordinator(client)

	err := c.Open(context.Background(), ChordIngestion, "corr-3", 0)
	assert.Error(t, err)
}

func TestChordOpenResetsPriorState(t *testing.T) {
	_, client := newTestClient(t)
	c := NewChordCoordinator(client)
	ctx := context.Background()

	require.NoError(t, c.Open(ctx, ChordProcessing, "corr-4", 1))
	ok, err := c.Complete(ctx, ChordProcessing, "corr-4", []byte("a"))
	require.NoError(t, err)
	require.True(t, ok)

	// Reopening under the same correlation id starts a fresh group.
	require.NoError(t, c.Open(ctx, ChordProcessing, "corr-4", 2))
	ok, err = c.Complete(ctx, ChordProcessing, "corr-4", []byte("b"))
	require.NoError(t, err)
	assert.False(t, ok)

	results, err := c.Results(ctx, ChordProcessing, "corr-4")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("b")}, results)
}

func TestChordDiscard(t *testing.T) {
	_, client := newTestClient(t)
	c := NewChordCoordinator(client)
	ctx := context.Background()

	require.NoError(t, c.Open(ctx, ChordIngestion, "corr-5", 2))
	_, err := c.Complete(ctx, ChordIngestion, "corr-5", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, c.Discard(ctx, ChordIngestion, "corr-5"))

	_, err = c.Complete(ctx, ChordIngestion, "corr-5", []byte("y"))
	assert.ErrorIs(t, err, ErrChordNotOpen)

	results, err := c.Results(ctx, ChordIngestion, "corr-5")
	require.NoError(t, err)
	assert.Empty(t, results)
}
