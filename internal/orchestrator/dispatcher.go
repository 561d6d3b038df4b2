package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/buildlens/buildlens/internal/coord"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/metrics"
)

// Task type names, used for metrics labels and log fields.
const (
	TaskFetchPage    = "fetch_page"
	TaskSyncWalk     = "sync_walk"
	TaskIngestBuild  = "ingest_build"
	TaskProcessBatch = "process_batch"
)

// Task is one standalone unit of orchestration work. Tasks carry no
// state of their own; everything they need is reloaded from the store.
type Task struct {
	Type string
	Run  func(ctx context.Context)
}

// Member is one chord group member. The payload it returns is appended
// to the chord's result list; domain failures are encoded into the
// payload by the member itself so aggregation always sees one entry per
// member. A returned error is catastrophic: the chord's OnError runs
// and the aggregation callback never does.
type Member struct {
	Type string
	Run  func(ctx context.Context) ([]byte, error)
}

// Chord is a parallel task group followed by an aggregation callback.
// The callback runs exactly once, after every member completed, with
// the members' payloads in completion order.
type Chord struct {
	Kind          string
	CorrelationID string
	Group         []Member

	Callback func(ctx context.Context, results [][]byte)

	// OnError runs at most once, when the chord machinery fails: a
	// member returned an error or panicked, or the coordination store
	// rejected a completion. It must leave no build stuck in an
	// in-flight status.
	OnError func(ctx context.Context, err error)
}

// TaskDispatcher schedules orchestration work. Implementations decide
// where tasks run; the store carries all state between them, so a
// dispatcher backed by a real task runtime and the in-process pool are
// interchangeable.
type TaskDispatcher interface {
	Dispatch(task Task) error
	DispatchChord(ch Chord) error
}

// PoolDispatcher runs tasks on a shared ants pool. Tasks are detached
// from the caller's context; they run under the base context given at
// construction, which the daemon cancels on shutdown.
type PoolDispatcher struct {
	base     context.Context
	pool     *ants.Pool
	chords   *coord.ChordCoordinator
	logger   *slog.Logger
	recorder metrics.Recorder
	wg       sync.WaitGroup
}

// NewPoolDispatcher creates a dispatcher with the given worker count.
func NewPoolDispatcher(base context.Context, workers int, chords *coord.ChordCoordinator, logger *slog.Logger, recorder metrics.Recorder) (*PoolDispatcher, error) {
	if chords == nil {
		return nil, ferrors.ConfigError("pool dispatcher requires a chord coordinator").Build()
	}
	if workers <= 0 {
		workers = 8
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}

	d := &PoolDispatcher{
		base:     base,
		chords:   chords,
		logger:   logger,
		recorder: recorder,
	}
	pool, err := ants.NewPool(workers, ants.WithPanicHandler(func(v any) {
		logger.Error("Worker pool panic", slog.Any("panic", v))
	}))
	if err != nil {
		return nil, ferrors.OrchestrationError("create worker pool").WithCause(err).Build()
	}
	d.pool = pool
	recorder.SetWorkerCount(workers)
	return d, nil
}

// Dispatch schedules one standalone task.
func (d *PoolDispatcher) Dispatch(task Task) error {
	d.wg.Add(1)
	err := d.pool.Submit(func() {
		defer d.wg.Done()
		d.runTask(task)
	})
	if err != nil {
		d.wg.Done()
		return ferrors.OrchestrationError(fmt.Sprintf("submit task %s", task.Type)).WithCause(err).Build()
	}
	return nil
}

func (d *PoolDispatcher) runTask(task Task) {
	start := time.Now()
	defer func() {
		d.recorder.ObserveTaskDuration(task.Type, time.Since(start))
		if r := recover(); r != nil {
			d.recorder.IncTaskResult(task.Type, metrics.ResultFatal)
			d.logger.Error("Task panicked",
				logfields.TaskType(task.Type), slog.Any("panic", r))
			return
		}
		d.recorder.IncTaskResult(task.Type, metrics.ResultSuccess)
	}()
	task.Run(d.base)
}

// DispatchChord registers the chord with the coordinator and schedules
// every member. The member whose completion closes the group runs the
// aggregation callback on its own worker.
func (d *PoolDispatcher) DispatchChord(ch Chord) error {
	if len(ch.Group) == 0 {
		return ferrors.OrchestrationError("chord group is empty").
			WithContext("kind", ch.Kind).Build()
	}
	if err := d.chords.Open(d.base, ch.Kind, ch.CorrelationID, len(ch.Group)); err != nil {
		return ferrors.OrchestrationError("open chord").WithCause(err).Build()
	}

	failed := &atomic.Bool{}
	for _, m := range ch.Group {
		m := m
		d.wg.Add(1)
		err := d.pool.Submit(func() {
			defer d.wg.Done()
			executeMember(d.base, d.chords, ch, m, failed, d.logger, d.recorder)
		})
		if err != nil {
			d.wg.Done()
			submitErr := ferrors.OrchestrationError(fmt.Sprintf("submit chord member %s", m.Type)).
				WithCause(err).Build()
			failChord(d.base, ch, failed, d.logger, submitErr)
			return submitErr
		}
	}
	return nil
}

// Close waits for in-flight tasks and releases the pool. No new work
// may be dispatched afterwards.
func (d *PoolDispatcher) Close() {
	d.wg.Wait()
	d.pool.Release()
}

// SyncDispatcher runs every task inline on the caller's goroutine, so
// orchestration settles before the dispatching call returns. One-shot
// CLI commands and tests use it.
type SyncDispatcher struct {
	ctx      context.Context
	chords   *coord.ChordCoordinator
	logger   *slog.Logger
	recorder metrics.Recorder
}

// NewSyncDispatcher creates an inline dispatcher over the given context.
func NewSyncDispatcher(ctx context.Context, chords *coord.ChordCoordinator, logger *slog.Logger, recorder metrics.Recorder) *SyncDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &SyncDispatcher{ctx: ctx, chords: chords, logger: logger, recorder: recorder}
}

// Dispatch runs the task before returning.
func (d *SyncDispatcher) Dispatch(task Task) error {
	start := time.Now()
	task.Run(d.ctx)
	d.recorder.ObserveTaskDuration(task.Type, time.Since(start))
	d.recorder.IncTaskResult(task.Type, metrics.ResultSuccess)
	return nil
}

// DispatchChord runs the group in order and the callback last, all
// inline.
func (d *SyncDispatcher) DispatchChord(ch Chord) error {
	if len(ch.Group) == 0 {
		return ferrors.OrchestrationError("chord group is empty").
			WithContext("kind", ch.Kind).Build()
	}
	if err := d.chords.Open(d.ctx, ch.Kind, ch.CorrelationID, len(ch.Group)); err != nil {
		return ferrors.OrchestrationError("open chord").WithCause(err).Build()
	}
	failed := &atomic.Bool{}
	for _, m := range ch.Group {
		executeMember(d.ctx, d.chords, ch, m, failed, d.logger, d.recorder)
		if failed.Load() {
			break
		}
	}
	return nil
}

// executeMember runs one member body, records its completion, and runs
// the aggregation callback when this completion closed the group.
func executeMember(ctx context.Context, chords *coord.ChordCoordinator, ch Chord, m Member, failed *atomic.Bool, logger *slog.Logger, recorder metrics.Recorder) {
	start := time.Now()
	payload, err := runMemberBody(ctx, m)
	recorder.ObserveTaskDuration(m.Type, time.Since(start))
	if err != nil {
		recorder.IncTaskResult(m.Type, metrics.ResultFatal)
		failChord(ctx, ch, failed, logger, err)
		return
	}
	recorder.IncTaskResult(m.Type, metrics.ResultSuccess)

	last, err := chords.Complete(ctx, ch.Kind, ch.CorrelationID, payload)
	if err != nil {
		failChord(ctx, ch, failed, logger, err)
		return
	}
	if !last {
		return
	}

	results, err := chords.Results(ctx, ch.Kind, ch.CorrelationID)
	if err != nil {
		failChord(ctx, ch, failed, logger, err)
		return
	}
	recorder.IncChordCallback(ch.Kind)
	if err := runCallback(ctx, ch, results); err != nil {
		failChord(ctx, ch, failed, logger, err)
		return
	}
	if err := chords.Discard(ctx, ch.Kind, ch.CorrelationID); err != nil {
		logger.Warn("Chord state discard failed",
			logfields.CorrelationID(ch.CorrelationID), logfields.Error(err))
	}
}

// runMemberBody isolates member panics so one broken task cannot take
// down the worker or silently strand the chord.
func runMemberBody(ctx context.Context, m Member) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ferrors.OrchestrationError(fmt.Sprintf("chord member %s panicked: %v", m.Type, r)).
				Fatal().Build()
		}
	}()
	return m.Run(ctx)
}

func runCallback(ctx context.Context, ch Chord, results [][]byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = ferrors.OrchestrationError(fmt.Sprintf("chord %s callback panicked: %v", ch.Kind, r)).
				Fatal().Build()
		}
	}()
	ch.Callback(ctx, results)
	return nil
}

// failChord routes a catastrophic failure to the chord's error callback
// exactly once. Later members of an already-failed chord complete
// quietly; the callback will never run because the group stays short.
func failChord(ctx context.Context, ch Chord, failed *atomic.Bool, logger *slog.Logger, err error) {
	logger.Error("Chord failed",
		slog.String("kind", ch.Kind),
		logfields.CorrelationID(ch.CorrelationID),
		logfields.Error(err))
	if failed.Swap(true) {
		return
	}
	if ch.OnError != nil {
		ch.OnError(ctx, err)
	}
}
