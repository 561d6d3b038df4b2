package features

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/metrics"
	"github.com/buildlens/buildlens/internal/store"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"
)

const (
	defaultNodeParallel = 4
	defaultNodeRetries  = 2
	defaultRetryDelay   = 250 * time.Millisecond
)

// Options tune the extraction runtime.
type Options struct {
	// NodeParallel caps concurrent nodes within one level.
	NodeParallel int

	// NodeRetries is how often a retryable node failure is re-attempted.
	NodeRetries int

	RetryDelay time.Duration
	Logger     *slog.Logger
	Recorder   metrics.Recorder
}

// Runtime executes extraction plans level by level: nodes inside a level
// run concurrently, a level starts only when the previous one finished,
// and one node's failure never stops its siblings.
type Runtime struct {
	set      *NodeSet
	parallel int
	retries  int
	delay    time.Duration
	logger   *slog.Logger
	recorder metrics.Recorder
}

// NewRuntime builds a runtime over a node set.
func NewRuntime(set *NodeSet, opts Options) *Runtime {
	r := &Runtime{
		set:      set,
		parallel: opts.NodeParallel,
		retries:  opts.NodeRetries,
		delay:    opts.RetryDelay,
		logger:   opts.Logger,
		recorder: opts.Recorder,
	}
	if r.parallel <= 0 {
		r.parallel = defaultNodeParallel
	}
	if r.retries < 0 {
		r.retries = defaultNodeRetries
	}
	if r.delay <= 0 {
		r.delay = defaultRetryDelay
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.recorder == nil {
		r.recorder = metrics.NoopRecorder{}
	}
	return r
}

// Result is one extraction run end to end. Features holds exactly the
// plan's requested features that were produced, with explicit nils for
// declared nulls; everything requested but unproduced is listed in
// SkippedFeatures.
type Result struct {
	CorrelationID string
	Status        store.ExtractionStatus

	Features         map[string]any
	SkippedFeatures  []string
	MissingResources []string
	Error            string

	NodeResults    []store.NodeResult
	NodesSucceeded int
	NodesFailed    int
	NodesSkipped   int
	TotalRetries   int
}

// ExtractionResult converts to the persistence shape.
func (r *Result) ExtractionResult() store.ExtractionResult {
	return store.ExtractionResult{
		Status:           r.Status,
		Features:         r.Features,
		MissingResources: r.MissingResources,
		SkippedFeatures:  r.SkippedFeatures,
		Error:            r.Error,
	}
}

// AuditLog converts to the audit shape for one build.
func (r *Result) AuditLog(repoConfigID, rawBuildRunID int64) *store.FeatureAuditLog {
	return &store.FeatureAuditLog{
		CorrelationID:  r.CorrelationID,
		RepoConfigID:   repoConfigID,
		RawBuildRunID:  rawBuildRunID,
		NodeResults:    r.NodeResults,
		NodesSucceeded: r.NodesSucceeded,
		NodesFailed:    r.NodesFailed,
		NodesSkipped:   r.NodesSkipped,
		TotalRetries:   r.TotalRetries,
		FinalStatus:    r.Status,
	}
}

// Extract runs the plan against one build's input. It returns an error
// only for cancellation or a broken plan; node failures degrade the
// Result instead.
func (r *Runtime) Extract(ctx context.Context, plan *Plan, in *Input) (*Result, error) {
	res := &Result{CorrelationID: uuid.NewString()}
	if in.Features == nil {
		in.Features = make(map[string]any)
	}

	logger := r.logger.With(
		logfields.CorrelationID(res.CorrelationID),
		logfields.BuildID(in.Run.ProviderBuildID),
	)

	produced := make(map[string]any)
	missingResources := make(map[string]bool)

	for _, level := range plan.Levels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		levelResults, err := r.runLevel(ctx, logger, level, in)
		if err != nil {
			return nil, err
		}
		for i := range levelResults {
			nr := &levelResults[i]
			res.NodeResults = append(res.NodeResults, *nr)
			res.TotalRetries += nr.Retries
			switch nr.Status {
			case store.NodeSuccess:
				res.NodesSucceeded++
			case store.NodeFailed:
				res.NodesFailed++
			case store.NodeSkipped:
				res.NodesSkipped++
			}
			for _, missing := range nr.ResourcesMissing {
				missingResources[missing] = true
			}
			for name, v := range nr.Features {
				produced[name] = v
				in.Features[name] = v
			}
		}
	}

	res.Features = make(map[string]any, len(plan.Requested))
	for _, name := range plan.Requested {
		v, ok := produced[name]
		if !ok {
			res.SkippedFeatures = append(res.SkippedFeatures, name)
			continue
		}
		res.Features[name] = v
	}
	for m := range missingResources {
		res.MissingResources = append(res.MissingResources, m)
	}
	sort.Strings(res.MissingResources)

	switch {
	case len(res.Features) == 0:
		res.Status = store.ExtractionFailed
	case len(res.SkippedFeatures) > 0:
		res.Status = store.ExtractionPartial
	default:
		res.Status = store.ExtractionCompleted
	}
	res.Error = nodeErrors(res.NodeResults)
	r.recorder.IncExtractionOutcome(string(res.Status))

	logger.Info("Feature extraction finished",
		slog.String("status", string(res.Status)),
		slog.Int("features", len(res.Features)),
		slog.Int("skipped", len(res.SkippedFeatures)),
		slog.Int("nodes_failed", res.NodesFailed))
	return res, nil
}

// runLevel schedules one level's nodes. Nodes whose resources are absent
// are skipped up front; the rest run concurrently. Results come back in
// the level's planned order.
func (r *Runtime) runLevel(ctx context.Context, logger *slog.Logger, level []PlannedNode, in *Input) ([]store.NodeResult, error) {
	skipped := make(map[string]store.NodeResult)
	var runnable []PlannedNode
	for _, pn := range level {
		if _, ok := r.set.Get(pn.Name); !ok {
			return nil, ferrors.InternalError(fmt.Sprintf("no extractor for node %q", pn.Name)).Build()
		}
		var missing []string
		for _, resource := range pn.Resources {
			if !in.Bundle.Has(resource) {
				missing = append(missing, resource)
			}
		}
		if len(missing) > 0 {
			logger.Info("Skipping node, resources missing",
				slog.String("node", pn.Name),
				slog.String("missing", strings.Join(missing, ",")))
			r.recorder.IncNodeResult(pn.Name, metrics.ResultMissing)
			skipped[pn.Name] = store.NodeResult{
				Name:             pn.Name,
				Status:           store.NodeSkipped,
				ResourcesMissing: missing,
				SkipReason:       fmt.Sprintf("resources missing: %s", strings.Join(missing, ", ")),
			}
			continue
		}
		runnable = append(runnable, pn)
	}

	p := pool.NewWithResults[store.NodeResult]().WithContext(ctx).WithMaxGoroutines(r.parallel)
	for _, pn := range runnable {
		pn := pn
		node, _ := r.set.Get(pn.Name)
		p.Go(func(ctx context.Context) (store.NodeResult, error) {
			return r.runNode(ctx, logger, node, pn, in), nil
		})
	}
	// Results are collected in submission order; tasks never return
	// errors, so Wait only fails on cancellation.
	ran, err := p.Wait()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	byName := make(map[string]store.NodeResult, len(ran))
	for _, nr := range ran {
		byName[nr.Name] = nr
	}
	out := make([]store.NodeResult, 0, len(level))
	for _, pn := range level {
		if nr, ok := skipped[pn.Name]; ok {
			out = append(out, nr)
			continue
		}
		out = append(out, byName[pn.Name])
	}
	return out, nil
}

// runNode executes one node with retries. Only retryable failures are
// re-attempted; validation and fatal errors surface immediately.
func (r *Runtime) runNode(ctx context.Context, logger *slog.Logger, node Node, pn PlannedNode, in *Input) store.NodeResult {
	started := time.Now()
	nr := store.NodeResult{Name: pn.Name, ResourcesUsed: pn.Resources}

	var out map[string]any
	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr = err
			break
		}
		out, lastErr = node.Extract(ctx, in.forNode(pn.Features))
		if lastErr == nil || attempt >= r.retries || !ferrors.IsRetryable(lastErr) {
			break
		}
		nr.Retries++
		logger.Warn("Node failed, retrying",
			slog.String("node", pn.Name),
			slog.Int("attempt", attempt+1),
			logfields.Error(lastErr))
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
		case <-time.After(r.delay):
		}
		if lastErr != nil && ctx.Err() != nil {
			break
		}
	}

	elapsed := time.Since(started)
	nr.DurationMS = elapsed.Milliseconds()
	r.recorder.ObserveNodeDuration(pn.Name, elapsed)

	if lastErr != nil {
		nr.Status = store.NodeFailed
		nr.Error = lastErr.Error()
		label := metrics.ResultFatal
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			label = metrics.ResultCanceled
		}
		r.recorder.IncNodeResult(pn.Name, label)
		logger.Warn("Node failed",
			slog.String("node", pn.Name),
			slog.Int("retries", nr.Retries),
			logfields.Error(lastErr))
		return nr
	}

	features, warnings := validateOutput(pn, out)
	nr.Status = store.NodeSuccess
	nr.Features = features
	if len(warnings) > 0 {
		nr.Warning = strings.Join(warnings, "; ")
		logger.Warn("Node produced invalid values",
			slog.String("node", pn.Name),
			slog.String("dropped", nr.Warning))
		r.recorder.IncNodeResult(pn.Name, metrics.ResultWarning)
	} else {
		r.recorder.IncNodeResult(pn.Name, metrics.ResultSuccess)
	}
	return nr
}

// validateOutput checks a node's output against the registry: declared
// types, ranges, and enums. Invalid values are dropped with a warning
// rather than failing the node; unplanned extras are dropped silently.
func validateOutput(pn PlannedNode, out map[string]any) (map[string]any, []string) {
	valid := make(map[string]any, len(pn.Features))
	var warnings []string
	for _, name := range pn.Features {
		meta := metaByName[name]
		v, ok := out[name]
		if !ok {
			warnings = append(warnings, fmt.Sprintf("%s not produced", name))
			continue
		}
		if v == nil {
			if meta.Nullable {
				valid[name] = nil
			} else {
				warnings = append(warnings, fmt.Sprintf("%s is null but not nullable", name))
			}
			continue
		}
		if err := checkValue(meta, v); err != nil {
			warnings = append(warnings, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		valid[name] = v
	}
	return valid, warnings
}

func checkValue(meta Meta, v any) error {
	switch meta.Type {
	case TypeInteger:
		n, ok := asInt64(v)
		if !ok {
			return fmt.Errorf("want integer, got %T", v)
		}
		return checkRange(meta, float64(n))
	case TypeFloat:
		f, ok := asFloat64(v)
		if !ok {
			return fmt.Errorf("want float, got %T", v)
		}
		return checkRange(meta, f)
	case TypeBoolean:
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("want boolean, got %T", v)
		}
	case TypeString:
		s, ok := v.(string)
		if !ok {
			return fmt.Errorf("want string, got %T", v)
		}
		if len(meta.ValidValues) > 0 && !contains(meta.ValidValues, s) {
			return fmt.Errorf("%q not in valid values", s)
		}
	case TypeListString:
		switch l := v.(type) {
		case []string:
		case []any:
			for _, e := range l {
				if _, ok := e.(string); !ok {
					return fmt.Errorf("want list of strings, got element %T", e)
				}
			}
		default:
			return fmt.Errorf("want list of strings, got %T", v)
		}
	}
	return nil
}

func checkRange(meta Meta, f float64) error {
	if meta.Min != nil && f < *meta.Min {
		return fmt.Errorf("%v below minimum %v", f, *meta.Min)
	}
	if meta.Max != nil && f > *meta.Max {
		return fmt.Errorf("%v above maximum %v", f, *meta.Max)
	}
	return nil
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	}
	return 0, false
}

func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func contains(list []string, s string) bool {
	for _, e := range list {
		if e == s {
			return true
		}
	}
	return false
}

// nodeErrors joins failed-node messages for the persisted record.
func nodeErrors(results []store.NodeResult) string {
	var parts []string
	for _, nr := range results {
		if nr.Status == store.NodeFailed {
			parts = append(parts, fmt.Sprintf("%s: %s", nr.Name, nr.Error))
		}
	}
	return strings.Join(parts, "; ")
}
