package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildlens/buildlens/internal/coord"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
)

func newChordCoordinator(t *testing.T) *coord.ChordCoordinator {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return coord.NewChordCoordinator(client)
}

func TestPoolDispatcherChordCompleteness(t *testing.T) {
	chords := newChordCoordinator(t)
	d, err := NewPoolDispatcher(context.Background(), 4, chords, nil, nil)
	require.NoError(t, err)

	const members = 16
	var (
		callbacks atomic.Int32
		mu        sync.Mutex
		results   [][]byte
	)
	done := make(chan struct{})

	group := make([]Member, members)
	for i := 0; i < members; i++ {
		i := i
		group[i] = Member{
			Type: "member",
			Run: func(context.Context) ([]byte, error) {
				return []byte(fmt.Sprintf(`{"member":%d}`, i)), nil
			},
		}
	}
	require.NoError(t, d.DispatchChord(Chord{
		Kind:          "test",
		CorrelationID: "chord-1",
		Group:         group,
		Callback: func(_ context.Context, res [][]byte) {
			callbacks.Add(1)
			mu.Lock()
			results = res
			mu.Unlock()
			close(done)
		},
	}))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("chord callback never ran")
	}
	d.Close()

	// The callback ran exactly once, with one result per group member.
	assert.Equal(t, int32(1), callbacks.Load())
	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, results, members)
}

func TestPoolDispatcherChordErrorCallbackOnce(t *testing.T) {
	chords := newChordCoordinator(t)
	d, err := NewPoolDispatcher(context.Background(), 4, chords, nil, nil)
	require.NoError(t, err)

	var callbacks, errCallbacks atomic.Int32
	group := []Member{
		{Type: "ok", Run: func(context.Context) ([]byte, error) { return []byte(`{}`), nil }},
		{Type: "boom", Run: func(context.Context) ([]byte, error) {
			return nil, ferrors.OrchestrationError("storage gone").Build()
		}},
		{Type: "panic", Run: func(context.Context) ([]byte, error) { panic("broken member") }},
	}
	require.NoError(t, d.DispatchChord(Chord{
		Kind:          "test",
		CorrelationID: "chord-2",
		Group:         group,
		Callback:      func(context.Context, [][]byte) { callbacks.Add(1) },
		OnError:       func(context.Context, error) { errCallbacks.Add(1) },
	}))
	d.Close()

	assert.Equal(t, int32(0), callbacks.Load(), "aggregation must not run after a member error")
	assert.Equal(t, int32(1), errCallbacks.Load(), "error callback must run exactly once")
}

func TestPoolDispatcherRejectsEmptyChord(t *testing.T) {
	chords := newChordCoordinator(t)
	d, err := NewPoolDispatcher(context.Background(), 2, chords, nil, nil)
	require.NoError(t, err)
	defer d.Close()

	assert.Error(t, d.DispatchChord(Chord{Kind: "test", CorrelationID: "empty"}))
}

func TestPoolDispatcherRunsTasks(t *testing.T) {
	chords := newChordCoordinator(t)
	d, err := NewPoolDispatcher(context.Background(), 2, chords, nil, nil)
	require.NoError(t, err)

	var ran atomic.Bool
	require.NoError(t, d.Dispatch(Task{Type: "task", Run: func(context.Context) { ran.Store(true) }}))
	d.Close()
	assert.True(t, ran.Load())
}

func TestSyncDispatcherChordRunsInline(t *testing.T) {
	chords := newChordCoordinator(t)
	d := NewSyncDispatcher(context.Background(), chords, nil, nil)

	var order []string
	require.NoError(t, d.DispatchChord(Chord{
		Kind:          "test",
		CorrelationID: "inline",
		Group: []Member{
			{Type: "a", Run: func(context.Context) ([]byte, error) {
				order = append(order, "a")
				return []byte(`{}`), nil
			}},
			{Type: "b", Run: func(context.Context) ([]byte, error) {
				order = append(order, "b")
				return []byte(`{}`), nil
			}},
		},
		Callback: func(_ context.Context, res [][]byte) {
			order = append(order, fmt.Sprintf("callback:%d", len(res)))
		},
	}))

	assert.Equal(t, []string{"a", "b", "callback:2"}, order)
}
