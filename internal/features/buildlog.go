package features

import (
	"context"
	"log/slog"
	"sort"

	"github.com/buildlens/buildlens/internal/features/logparse"
)

type buildLogNode struct {
	parsers *logparse.Registry
	logger  *slog.Logger
}

func newBuildLogNode(deps NodeDeps) *buildLogNode {
	return &buildLogNode{parsers: deps.Logs, logger: deps.Logger}
}

func (n *buildLogNode) Name() string { return NodeBuildLog }

// Extract aggregates parsed test outcomes across the run's job logs. A
// run whose logs show no recognizable framework yields zero counts, not
// a failure: plenty of jobs legitimately run no tests.
func (n *buildLogNode) Extract(ctx context.Context, in *Input) (map[string]any, error) {
	var (
		run, ok, failed, skipped int
		duration                 float64
	)
	frameworks := make(map[string]bool)
	for _, lg := range in.Bundle.Logs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for _, sum := range n.parsers.Parse(lg.Text) {
			frameworks[sum.Framework] = true
			run += sum.TestsRun
			ok += sum.TestsOK
			failed += sum.TestsFailed
			skipped += sum.TestsSkipped
			duration += sum.Duration
		}
	}

	names := make([]string, 0, len(frameworks))
	for f := range frameworks {
		names = append(names, f)
	}
	sort.Strings(names)

	out := make(map[string]any)
	set := func(name string, v any) {
		if in.Wants(name) {
			out[name] = v
		}
	}
	set("tr_log_num_jobs", int64(len(in.Bundle.Logs)))
	set("tr_log_frameworks", names)
	set("tr_log_bool_tests_ran", run > 0)
	set("tr_log_bool_tests_failed", failed > 0)
	set("tr_log_tests_run_sum", int64(run))
	set("tr_log_tests_ok_sum", int64(ok))
	set("tr_log_tests_failed_sum", int64(failed))
	set("tr_log_tests_skipped_sum", int64(skipped))
	if in.Wants("tr_log_tests_fail_rate") {
		if run > 0 {
			out["tr_log_tests_fail_rate"] = float64(failed) / float64(run)
		} else {
			out["tr_log_tests_fail_rate"] = nil
		}
	}
	set("tr_log_testduration_sum", duration)
	return out, nil
}
