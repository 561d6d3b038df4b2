package logparse

import (
	"regexp"
	"strconv"
)

var (
	gotestResult  = regexp.MustCompile(`(?m)^\s*--- (PASS|FAIL|SKIP): \S+ \(([0-9.]+)s\)`)
	gotestPackage = regexp.MustCompile(`(?m)^(ok|FAIL)\s+\S+\s+([0-9.]+)s`)
)

// gotestParser reads `go test -v` output. Per-test result lines carry
// the counts; package summary lines only contribute timing when no
// verbose lines exist.
type gotestParser struct{}

func (*gotestParser) Framework() string { return "gotest" }

func (*gotestParser) Parse(text string) (Summary, bool) {
	results := gotestResult.FindAllStringSubmatch(text, -1)
	packages := gotestPackage.FindAllStringSubmatch(text, -1)
	if len(results) == 0 && len(packages) == 0 {
		return Summary{}, false
	}

	var s Summary
	for _, m := range results {
		s.TestsRun++
		switch m[1] {
		case "PASS":
			s.TestsOK++
		case "FAIL":
			s.TestsFailed++
		case "SKIP":
			s.TestsSkipped++
		}
		if d, err := strconv.ParseFloat(m[2], 64); err == nil {
			s.Duration += d
		}
	}
	if len(results) == 0 {
		for _, m := range packages {
			if d, err := strconv.ParseFloat(m[2], 64); err == nil {
				s.Duration += d
			}
		}
	}
	return s, true
}
