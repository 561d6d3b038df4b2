package features

import (
	"context"
	"log/slog"
)

// Risk heuristic parameters. The blend is deliberately simple: it feeds
// an external model, it is not one.
const (
	riskRecentRuns  = 20
	riskChurnNorm   = 500.0
	riskFailWeight  = 0.6
	riskChurnWeight = 0.4
)

type riskNode struct {
	logger *slog.Logger
}

func newRiskNode(deps NodeDeps) *riskNode {
	return &riskNode{logger: deps.Logger}
}

func (n *riskNode) Name() string { return NodeRisk }

// Extract derives failure-risk inputs from recent run history and the
// size of the change. Every output is null when its inputs are absent,
// so a repo's first build carries no fabricated risk.
func (n *riskNode) Extract(ctx context.Context, in *Input) (map[string]any, error) {
	out := make(map[string]any)

	var failRate any
	if in.Wants("risk_recent_failure_rate") || in.Wants("risk_score") {
		failRate = n.recentFailureRate(in)
	}
	if in.Wants("risk_recent_failure_rate") {
		out["risk_recent_failure_rate"] = failRate
	}

	var churnScore any
	if in.Wants("risk_churn_score") || in.Wants("risk_score") {
		src, okSrc := in.FeatureInt("git_diff_src_churn")
		test, okTest := in.FeatureInt("git_diff_test_churn")
		if okSrc && okTest {
			churn := float64(src + test)
			churnScore = churn / (churn + riskChurnNorm)
		}
	}
	if in.Wants("risk_churn_score") {
		out["risk_churn_score"] = churnScore
	}

	if in.Wants("risk_score") {
		fr, okFR := failRate.(float64)
		cs, okCS := churnScore.(float64)
		if okFR && okCS {
			out["risk_score"] = riskFailWeight*fr + riskChurnWeight*cs
		} else {
			out["risk_score"] = nil
		}
	}
	return out, nil
}

// recentFailureRate looks at the trailing window of completed earlier
// runs. Cancelled and skipped runs say nothing about the code, so they
// stay out of the denominator.
func (n *riskNode) recentFailureRate(in *Input) any {
	var outcomes []bool
	for _, ref := range in.Bundle.Refs {
		if ref.ID == in.Run.ID || !earlierRun(ref, in.Run) {
			continue
		}
		switch ref.Conclusion {
		case "success":
			outcomes = append(outcomes, false)
		case "failure", "timed_out":
			outcomes = append(outcomes, true)
		}
	}
	if len(outcomes) == 0 {
		return nil
	}
	if len(outcomes) > riskRecentRuns {
		outcomes = outcomes[len(outcomes)-riskRecentRuns:]
	}
	failed := 0
	for _, f := range outcomes {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(len(outcomes))
}
