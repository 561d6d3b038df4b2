package logparse

import (
	"regexp"
	"strconv"
)

var (
	// Per-class lines carry a Time elapsed suffix; module totals after
	// the Results: banner do not. Counting only one kind avoids double
	// counting multi-module builds.
	junitPerClass = regexp.MustCompile(`Tests run: (\d+), Failures: (\d+), Errors: (\d+)(?:, Skipped: (\d+))?, Time elapsed: ([0-9.,]+) s`)
	junitTotal    = regexp.MustCompile(`(?m)^(?:\[INFO\] )?Tests run: (\d+), Failures: (\d+), Errors: (\d+)(?:, Skipped: (\d+))?\s*$`)
	gradleSummary = regexp.MustCompile(`(\d+) tests completed(?:, (\d+) failed)?(?:, (\d+) skipped)?`)
)

// junitParser reads surefire/failsafe style `Tests run:` lines from
// Maven and Ant output plus Gradle's `N tests completed` summary.
type junitParser struct{}

func (*junitParser) Framework() string { return "junit" }

func (*junitParser) Parse(text string) (Summary, bool) {
	perClass := junitPerClass.FindAllStringSubmatch(text, -1)
	totals := junitTotal.FindAllStringSubmatch(text, -1)
	gradle := gradleSummary.FindAllStringSubmatch(text, -1)
	if len(perClass) == 0 && len(totals) == 0 && len(gradle) == 0 {
		return Summary{}, false
	}

	var s Summary
	switch {
	case len(perClass) > 0:
		for _, m := range perClass {
			s.TestsRun += atoi(m[1])
			s.TestsFailed += atoi(m[2]) + atoi(m[3])
			s.TestsSkipped += atoi(m[4])
			if d, err := strconv.ParseFloat(normalizeDecimal(m[5]), 64); err == nil {
				s.Duration += d
			}
		}
	case len(totals) > 0:
		for _, m := range totals {
			s.TestsRun += atoi(m[1])
			s.TestsFailed += atoi(m[2]) + atoi(m[3])
			s.TestsSkipped += atoi(m[4])
		}
	default:
		for _, m := range gradle {
			s.TestsRun += atoi(m[1])
			s.TestsFailed += atoi(m[2])
			s.TestsSkipped += atoi(m[3])
		}
	}
	fillOK(&s)
	return s, true
}

func atoi(s string) int {
	if s == "" {
		return 0
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0
	}
	return n
}

// normalizeDecimal handles surefire's locale-dependent comma decimals.
func normalizeDecimal(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out[i] = '.'
		} else {
			out[i] = s[i]
		}
	}
	return string(out)
}
