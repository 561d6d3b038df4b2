package logparse

import (
	"regexp"
	"strconv"
)

var (
	jestTests = regexp.MustCompile(`(?m)^Tests:\s+(.+)$`)
	jestCount = regexp.MustCompile(`(\d+) (failed|skipped|passed|todo|total)`)
	jestTime  = regexp.MustCompile(`(?m)^Time:\s+([0-9.]+)\s*(m?s)`)
)

// jestParser reads Jest's `Tests: 1 failed, 17 passed, 18 total` block.
type jestParser struct{}

func (*jestParser) Framework() string { return "jest" }

func (*jestParser) Parse(text string) (Summary, bool) {
	lines := jestTests.FindAllStringSubmatch(text, -1)
	if len(lines) == 0 {
		return Summary{}, false
	}

	var s Summary
	for _, line := range lines {
		for _, c := range jestCount.FindAllStringSubmatch(line[1], -1) {
			n := atoi(c[1])
			switch c[2] {
			case "passed":
				s.TestsOK += n
			case "failed":
				s.TestsFailed += n
			case "skipped", "todo":
				s.TestsSkipped += n
			case "total":
				s.TestsRun += n
			}
		}
	}
	if s.TestsRun == 0 {
		s.TestsRun = s.TestsOK + s.TestsFailed + s.TestsSkipped
	}
	if m := jestTime.FindStringSubmatch(text); m != nil {
		if d, err := strconv.ParseFloat(m[1], 64); err == nil {
			if m[2] == "ms" {
				d /= 1000
			}
			s.Duration = d
		}
	}
	return s, true
}
