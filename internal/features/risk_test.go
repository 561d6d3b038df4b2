package features

import (
	"context"
	"math"
	"testing"

	"github.com/buildlens/buildlens/internal/store"
)

func riskInput(refs []store.BuildRunRef) *Input {
	run := &store.RawBuildRun{ID: 100, Number: 100, CommitSHA: "deadbeef"}
	return nodeInput("", run, refs)
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestRiskBlendsFailureRateAndChurn(t *testing.T) {
	refs := make([]store.BuildRunRef, 0, 20)
	for i := 1; i <= 20; i++ {
		conclusion := "success"
		if i%2 == 0 {
			conclusion = "failure"
		}
		refs = append(refs, store.BuildRunRef{ID: int64(i), Number: i, Conclusion: conclusion})
	}
	in := riskInput(refs)
	in.Features["git_diff_src_churn"] = int64(250)
	in.Features["git_diff_test_churn"] = int64(250)

	node := newRiskNode(NodeDeps{Logger: testLogger()})
	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	rate, ok := out["risk_recent_failure_rate"].(float64)
	if !ok || !almostEqual(rate, 0.5) {
		t.Errorf("failure rate = %v", out["risk_recent_failure_rate"])
	}
	churn, ok := out["risk_churn_score"].(float64)
	if !ok || !almostEqual(churn, 0.5) {
		t.Errorf("churn score = %v", out["risk_churn_score"])
	}
	score, ok := out["risk_score"].(float64)
	if !ok || !almostEqual(score, 0.5) {
		t.Errorf("risk score = %v", out["risk_score"])
	}
}

func TestRiskWindowKeepsMostRecentRuns(t *testing.T) {
	var refs []store.BuildRunRef
	for i := 1; i <= 10; i++ {
		refs = append(refs, store.BuildRunRef{ID: int64(i), Number: i, Conclusion: "failure"})
	}
	for i := 11; i <= 30; i++ {
		refs = append(refs, store.BuildRunRef{ID: int64(i), Number: i, Conclusion: "success"})
	}
	in := riskInput(refs)

	node := newRiskNode(NodeDeps{Logger: testLogger()})
	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	rate, ok := out["risk_recent_failure_rate"].(float64)
	if !ok || rate != 0.0 {
		t.Errorf("failure rate = %v, want 0 over the trailing window", out["risk_recent_failure_rate"])
	}
}

func TestRiskIgnoresInconclusiveRuns(t *testing.T) {
	refs := []store.BuildRunRef{
		{ID: 1, Number: 1, Conclusion: "cancelled"},
		{ID: 2, Number: 2, Conclusion: "skipped"},
		{ID: 3, Number: 3, Conclusion: ""},
	}
	in := riskInput(refs)

	node := newRiskNode(NodeDeps{Logger: testLogger()})
	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out["risk_recent_failure_rate"] != nil {
		t.Errorf("failure rate = %v, want nil with no conclusive runs", out["risk_recent_failure_rate"])
	}
}

func TestRiskIgnoresLaterRuns(t *testing.T) {
	refs := []store.BuildRunRef{
		{ID: 1, Number: 1, Conclusion: "failure"},
		{ID: 200, Number: 200, Conclusion: "success"},
	}
	in := riskInput(refs)

	node := newRiskNode(NodeDeps{Logger: testLogger()})
	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	rate, ok := out["risk_recent_failure_rate"].(float64)
	if !ok || rate != 1.0 {
		t.Errorf("failure rate = %v, run 200 is in the future of run 100", out["risk_recent_failure_rate"])
	}
}

func TestRiskScoreNeedsBothInputs(t *testing.T) {
	// History without churn: the blend stays null.
	in := riskInput([]store.BuildRunRef{{ID: 1, Number: 1, Conclusion: "failure"}})
	node := newRiskNode(NodeDeps{Logger: testLogger()})
	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out["risk_churn_score"] != nil {
		t.Errorf("churn score = %v, want nil without churn features", out["risk_churn_score"])
	}
	if out["risk_score"] != nil {
		t.Errorf("risk score = %v, want nil without churn features", out["risk_score"])
	}

	// Churn without history: same story from the other side.
	in = riskInput(nil)
	in.Features["git_diff_src_churn"] = int64(100)
	in.Features["git_diff_test_churn"] = int64(0)
	out, err = node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out["risk_recent_failure_rate"] != nil {
		t.Errorf("failure rate = %v, want nil without history", out["risk_recent_failure_rate"])
	}
	churn, ok := out["risk_churn_score"].(float64)
	if !ok || !almostEqual(churn, 100.0/600.0) {
		t.Errorf("churn score = %v", out["risk_churn_score"])
	}
	if out["risk_score"] != nil {
		t.Errorf("risk score = %v, want nil without history", out["risk_score"])
	}
}
