package features

import (
	"context"
	"testing"

	"github.com/buildlens/buildlens/internal/ci"
	"github.com/buildlens/buildlens/internal/features/logparse"
	"github.com/buildlens/buildlens/internal/store"
)

const pytestLog = `============================= test session starts ==============================
platform linux -- Python 3.11
collected 4 items

test_app.py ...F                                                         [100%]

=========================== short test summary info ============================
FAILED test_app.py::test_sub
========================= 1 failed, 3 passed in 2.50s ==========================
`

func buildLogInput(logs []ci.LogObject) *Input {
	run := &store.RawBuildRun{ID: 1, Number: 1, CommitSHA: "deadbeef"}
	in := nodeInput("", run, nil)
	in.Bundle.Logs = logs
	return in
}

func TestBuildLogAggregatesAcrossJobs(t *testing.T) {
	in := buildLogInput([]ci.LogObject{
		{JobID: 1, JobName: "unit", Text: pytestLog},
		{JobID: 2, JobName: "lint", Text: "golangci-lint run\nno issues\n"},
	})
	node := newBuildLogNode(NodeDeps{Logs: logparse.NewRegistry(), Logger: testLogger()})

	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out["tr_log_num_jobs"] != int64(2) {
		t.Errorf("num jobs = %v", out["tr_log_num_jobs"])
	}
	frameworks, _ := out["tr_log_frameworks"].([]string)
	if len(frameworks) != 1 || frameworks[0] != "pytest" {
		t.Errorf("frameworks = %v", frameworks)
	}
	if out["tr_log_bool_tests_ran"] != true || out["tr_log_bool_tests_failed"] != true {
		t.Errorf("bools = %v / %v", out["tr_log_bool_tests_ran"], out["tr_log_bool_tests_failed"])
	}
	if out["tr_log_tests_run_sum"] != int64(4) {
		t.Errorf("run sum = %v", out["tr_log_tests_run_sum"])
	}
	if out["tr_log_tests_ok_sum"] != int64(3) {
		t.Errorf("ok sum = %v", out["tr_log_tests_ok_sum"])
	}
	if out["tr_log_tests_failed_sum"] != int64(1) {
		t.Errorf("failed sum = %v", out["tr_log_tests_failed_sum"])
	}
	if out["tr_log_tests_skipped_sum"] != int64(0) {
		t.Errorf("skipped sum = %v", out["tr_log_tests_skipped_sum"])
	}
	if out["tr_log_tests_fail_rate"] != 0.25 {
		t.Errorf("fail rate = %v", out["tr_log_tests_fail_rate"])
	}
	if out["tr_log_testduration_sum"] != 2.5 {
		t.Errorf("duration = %v", out["tr_log_testduration_sum"])
	}
}

func TestBuildLogNoTests(t *testing.T) {
	in := buildLogInput([]ci.LogObject{
		{JobID: 1, JobName: "lint", Text: "nothing to see\n"},
	})
	node := newBuildLogNode(NodeDeps{Logs: logparse.NewRegistry(), Logger: testLogger()})

	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out["tr_log_num_jobs"] != int64(1) {
		t.Errorf("num jobs = %v", out["tr_log_num_jobs"])
	}
	if out["tr_log_bool_tests_ran"] != false {
		t.Errorf("tests ran = %v", out["tr_log_bool_tests_ran"])
	}
	if out["tr_log_tests_fail_rate"] != nil {
		t.Errorf("fail rate = %v, want nil when nothing ran", out["tr_log_tests_fail_rate"])
	}
	frameworks, _ := out["tr_log_frameworks"].([]string)
	if len(frameworks) != 0 {
		t.Errorf("frameworks = %v", frameworks)
	}
}
