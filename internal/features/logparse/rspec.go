package logparse

import (
	"regexp"
	"strconv"
)

var (
	rspecSummary  = regexp.MustCompile(`(?m)^(\d+) examples?, (\d+) failures?(?:, (\d+) pending)?`)
	rspecFinished = regexp.MustCompile(`Finished in ([0-9.]+) (seconds?|minutes?)`)
)

// rspecParser reads RSpec's `N examples, M failures` summary line.
type rspecParser struct{}

func (*rspecParser) Framework() string { return "rspec" }

func (*rspecParser) Parse(text string) (Summary, bool) {
	matches := rspecSummary.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return Summary{}, false
	}

	var s Summary
	for _, m := range matches {
		s.TestsRun += atoi(m[1])
		s.TestsFailed += atoi(m[2])
		s.TestsSkipped += atoi(m[3])
	}
	fillOK(&s)
	for _, m := range rspecFinished.FindAllStringSubmatch(text, -1) {
		d, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if m[2] == "minute" || m[2] == "minutes" {
			d *= 60
		}
		s.Duration += d
	}
	return s, true
}
