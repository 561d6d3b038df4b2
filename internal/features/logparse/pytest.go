package logparse

import (
	"regexp"
	"strconv"
)

var (
	pytestSession = regexp.MustCompile(`(?m)^=+ test session starts =+$`)
	pytestSummary = regexp.MustCompile(`(?m)^=+ (.*?) in ([0-9.]+)s(?: \([^)]*\))? =+$`)
	pytestCount   = regexp.MustCompile(`(\d+) (passed|failed|skipped|error|errors|xfailed|xpassed|deselected)`)
)

// pytestParser reads the pytest session banner and final summary line,
// e.g. `===== 2 failed, 17 passed, 1 skipped in 3.42s =====`.
type pytestParser struct{}

func (*pytestParser) Framework() string { return "pytest" }

func (*pytestParser) Parse(text string) (Summary, bool) {
	summaries := pytestSummary.FindAllStringSubmatch(text, -1)
	if len(summaries) == 0 && !pytestSession.MatchString(text) {
		return Summary{}, false
	}

	var s Summary
	for _, m := range summaries {
		for _, c := range pytestCount.FindAllStringSubmatch(m[1], -1) {
			n, err := strconv.Atoi(c[1])
			if err != nil {
				continue
			}
			switch c[2] {
			case "passed", "xpassed":
				s.TestsOK += n
				s.TestsRun += n
			case "failed", "error", "errors":
				s.TestsFailed += n
				s.TestsRun += n
			case "skipped", "xfailed":
				s.TestsSkipped += n
				s.TestsRun += n
			}
		}
		if d, err := strconv.ParseFloat(m[2], 64); err == nil {
			s.Duration += d
		}
	}
	return s, true
}
