package logparse

import (
	"math"
	"testing"
)

func parseOne(t *testing.T, p Parser, text string) Summary {
	t.Helper()
	s, ok := p.Parse(text)
	if !ok {
		t.Fatalf("%s parser did not recognize log", p.Framework())
	}
	return s
}

func TestGotestVerboseOutput(t *testing.T) {
	log := `=== RUN   TestParse
--- PASS: TestParse (0.02s)
=== RUN   TestParseBad
--- FAIL: TestParseBad (0.10s)
=== RUN   TestWindowsOnly
--- SKIP: TestWindowsOnly (0.00s)
FAIL
FAIL	example.com/pkg	0.240s
`
	s := parseOne(t, &gotestParser{}, log)
	if s.TestsRun != 3 || s.TestsOK != 1 || s.TestsFailed != 1 || s.TestsSkipped != 1 {
		t.Errorf("counts = run %d ok %d failed %d skipped %d", s.TestsRun, s.TestsOK, s.TestsFailed, s.TestsSkipped)
	}
	if math.Abs(s.Duration-0.12) > 1e-9 {
		t.Errorf("duration = %v, want 0.12", s.Duration)
	}
}

func TestGotestPackageLinesOnly(t *testing.T) {
	log := "ok  \texample.com/a\t1.500s\nok  \texample.com/b\t0.250s\n"
	s := parseOne(t, &gotestParser{}, log)
	if s.TestsRun != 0 {
		t.Errorf("run = %d, want 0 without verbose lines", s.TestsRun)
	}
	if math.Abs(s.Duration-1.75) > 1e-9 {
		t.Errorf("duration = %v, want 1.75", s.Duration)
	}
}

func TestPytestSummaryLine(t *testing.T) {
	log := `============================= test session starts ==============================
collected 20 items

tests/test_api.py ..F...s............                                    [100%]
========================= 2 failed, 17 passed, 1 skipped in 3.42s =========================
`
	s := parseOne(t, &pytestParser{}, log)
	if s.TestsRun != 20 || s.TestsOK != 17 || s.TestsFailed != 2 || s.TestsSkipped != 1 {
		t.Errorf("counts = run %d ok %d failed %d skipped %d", s.TestsRun, s.TestsOK, s.TestsFailed, s.TestsSkipped)
	}
	if math.Abs(s.Duration-3.42) > 1e-9 {
		t.Errorf("duration = %v, want 3.42", s.Duration)
	}
}

func TestPytestSessionWithoutSummaryStillDetected(t *testing.T) {
	log := "============================= test session starts ==============================\ncollected 0 items\n"
	s := parseOne(t, &pytestParser{}, log)
	if s.TestsRun != 0 {
		t.Errorf("run = %d, want 0", s.TestsRun)
	}
}

func TestJunitPerClassLinesWin(t *testing.T) {
	log := `[INFO] Running com.acme.FooTest
[INFO] Tests run: 3, Failures: 0, Errors: 0, Skipped: 0, Time elapsed: 0.05 s - in com.acme.FooTest
[INFO] Running com.acme.BarTest
[INFO] Tests run: 7, Failures: 1, Errors: 1, Skipped: 2, Time elapsed: 1.20 s - in com.acme.BarTest
[INFO] Results:
[INFO] Tests run: 10, Failures: 1, Errors: 1, Skipped: 2
`
	s := parseOne(t, &junitParser{}, log)
	if s.TestsRun != 10 || s.TestsFailed != 2 || s.TestsSkipped != 2 || s.TestsOK != 6 {
		t.Errorf("counts = run %d ok %d failed %d skipped %d", s.TestsRun, s.TestsOK, s.TestsFailed, s.TestsSkipped)
	}
	if math.Abs(s.Duration-1.25) > 1e-9 {
		t.Errorf("duration = %v, want 1.25", s.Duration)
	}
}

func TestJunitTotalsOnly(t *testing.T) {
	log := "Tests run: 42, Failures: 3, Errors: 0, Skipped: 1\n"
	s := parseOne(t, &junitParser{}, log)
	if s.TestsRun != 42 || s.TestsFailed != 3 || s.TestsSkipped != 1 {
		t.Errorf("counts = run %d failed %d skipped %d", s.TestsRun, s.TestsFailed, s.TestsSkipped)
	}
}

func TestJunitCommaDecimal(t *testing.T) {
	log := "Tests run: 1, Failures: 0, Errors: 0, Skipped: 0, Time elapsed: 0,75 s - in de.acme.Test\n"
	s := parseOne(t, &junitParser{}, log)
	if math.Abs(s.Duration-0.75) > 1e-9 {
		t.Errorf("duration = %v, want 0.75", s.Duration)
	}
}

func TestGradleSummary(t *testing.T) {
	log := "> Task :test\n\n128 tests completed, 2 failed, 5 skipped\n"
	s := parseOne(t, &junitParser{}, log)
	if s.TestsRun != 128 || s.TestsFailed != 2 || s.TestsSkipped != 5 || s.TestsOK != 121 {
		t.Errorf("counts = run %d ok %d failed %d skipped %d", s.TestsRun, s.TestsOK, s.TestsFailed, s.TestsSkipped)
	}
}

func TestRspecSummary(t *testing.T) {
	log := "Finished in 2.5 seconds (files took 1.1 seconds to load)\n120 examples, 3 failures, 2 pending\n"
	s := parseOne(t, &rspecParser{}, log)
	if s.TestsRun != 120 || s.TestsFailed != 3 || s.TestsSkipped != 2 || s.TestsOK != 115 {
		t.Errorf("counts = run %d ok %d failed %d skipped %d", s.TestsRun, s.TestsOK, s.TestsFailed, s.TestsSkipped)
	}
	if math.Abs(s.Duration-2.5) > 1e-9 {
		t.Errorf("duration = %v, want 2.5", s.Duration)
	}
}

func TestRspecMinutes(t *testing.T) {
	log := "Finished in 2 minutes\n4 examples, 0 failures\n"
	s := parseOne(t, &rspecParser{}, log)
	if math.Abs(s.Duration-120) > 1e-9 {
		t.Errorf("duration = %v, want 120", s.Duration)
	}
}

func TestJestSummaryBlock(t *testing.T) {
	log := `Test Suites: 1 failed, 4 passed, 5 total
Tests:       2 failed, 1 skipped, 17 passed, 20 total
Snapshots:   0 total
Time:        4.5 s
`
	s := parseOne(t, &jestParser{}, log)
	if s.TestsRun != 20 || s.TestsOK != 17 || s.TestsFailed != 2 || s.TestsSkipped != 1 {
		t.Errorf("counts = run %d ok %d failed %d skipped %d", s.TestsRun, s.TestsOK, s.TestsFailed, s.TestsSkipped)
	}
	if math.Abs(s.Duration-4.5) > 1e-9 {
		t.Errorf("duration = %v, want 4.5", s.Duration)
	}
}

func TestMochaEpilogue(t *testing.T) {
	log := "  14 passing (230ms)\n  2 failing\n  1 pending\n"
	s := parseOne(t, &mochaParser{}, log)
	if s.TestsRun != 17 || s.TestsOK != 14 || s.TestsFailed != 2 || s.TestsSkipped != 1 {
		t.Errorf("counts = run %d ok %d failed %d skipped %d", s.TestsRun, s.TestsOK, s.TestsFailed, s.TestsSkipped)
	}
	if math.Abs(s.Duration-0.23) > 1e-9 {
		t.Errorf("duration = %v, want 0.23", s.Duration)
	}
}

func TestRegistryMatchesMultipleFrameworks(t *testing.T) {
	log := `============================= test session starts ==============================
========================= 5 passed in 1.00s =========================
Tests:       3 passed, 3 total
Time:        0.8 s
`
	sums := NewRegistry().Parse(log)
	if len(sums) != 2 {
		t.Fatalf("got %d summaries, want 2", len(sums))
	}
	if sums[0].Framework != "pytest" || sums[1].Framework != "jest" {
		t.Errorf("frameworks = %s, %s", sums[0].Framework, sums[1].Framework)
	}
}

func TestRegistryNoMatch(t *testing.T) {
	if sums := NewRegistry().Parse("Cloning into 'widget'...\nDone.\n"); len(sums) != 0 {
		t.Errorf("got %d summaries for a log without tests", len(sums))
	}
}
