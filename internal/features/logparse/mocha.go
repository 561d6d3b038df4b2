package logparse

import (
	"regexp"
	"strconv"
)

var (
	mochaPassing = regexp.MustCompile(`(?m)^\s*(\d+) passing(?: \(([0-9.]+)(ms|s|m)\))?`)
	mochaFailing = regexp.MustCompile(`(?m)^\s*(\d+) failing`)
	mochaPending = regexp.MustCompile(`(?m)^\s*(\d+) pending`)
)

// mochaParser reads Mocha's epilogue, e.g. `14 passing (230ms)`.
type mochaParser struct{}

func (*mochaParser) Framework() string { return "mocha" }

func (*mochaParser) Parse(text string) (Summary, bool) {
	passing := mochaPassing.FindAllStringSubmatch(text, -1)
	if len(passing) == 0 {
		return Summary{}, false
	}

	var s Summary
	for _, m := range passing {
		s.TestsOK += atoi(m[1])
		if m[2] != "" {
			if d, err := strconv.ParseFloat(m[2], 64); err == nil {
				switch m[3] {
				case "ms":
					d /= 1000
				case "m":
					d *= 60
				}
				s.Duration += d
			}
		}
	}
	for _, m := range mochaFailing.FindAllStringSubmatch(text, -1) {
		s.TestsFailed += atoi(m[1])
	}
	for _, m := range mochaPending.FindAllStringSubmatch(text, -1) {
		s.TestsSkipped += atoi(m[1])
	}
	s.TestsRun = s.TestsOK + s.TestsFailed + s.TestsSkipped
	return s, true
}
