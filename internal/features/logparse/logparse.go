// Package logparse extracts test outcomes from raw CI job logs. Each
// parser knows one framework's output format; the registry runs every
// parser over a log and returns whatever matched, since a single job can
// run more than one framework.
package logparse

// Summary is what one parser extracted from one log text.
type Summary struct {
	Framework string

	TestsRun     int
	TestsOK      int
	TestsFailed  int
	TestsSkipped int

	// Duration is the reported test time in seconds. Zero when the
	// framework's output carried no timing.
	Duration float64
}

// Parser recognizes one test framework's log output. ok is false when
// the text shows no trace of the framework; a Summary with zero counts
// and ok true means the framework ran but executed nothing.
type Parser interface {
	Framework() string
	Parse(text string) (Summary, bool)
}

// Registry holds the parsers to try against each log.
type Registry struct {
	parsers []Parser
}

// NewRegistry returns a registry with every built-in parser.
func NewRegistry() *Registry {
	return NewRegistryWith(
		&gotestParser{},
		&pytestParser{},
		&junitParser{},
		&rspecParser{},
		&jestParser{},
		&mochaParser{},
	)
}

// NewRegistryWith assembles a registry from explicit parsers.
func NewRegistryWith(parsers ...Parser) *Registry {
	return &Registry{parsers: parsers}
}

// Parse runs every parser over text and returns the summaries of those
// that recognized it, in registry order.
func (r *Registry) Parse(text string) []Summary {
	var out []Summary
	for _, p := range r.parsers {
		if sum, ok := p.Parse(text); ok {
			sum.Framework = p.Framework()
			out = append(out, sum)
		}
	}
	return out
}

// fillOK derives the passed count when a format only reports totals.
func fillOK(s *Summary) {
	if s.TestsOK == 0 && s.TestsRun > 0 {
		ok := s.TestsRun - s.TestsFailed - s.TestsSkipped
		if ok > 0 {
			s.TestsOK = ok
		}
	}
}
