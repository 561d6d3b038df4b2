package features

import (
	"github.com/buildlens/buildlens/internal/resources"
	"github.com/buildlens/buildlens/internal/store"
)

// Input is everything a node may read during extraction. Features holds
// the values produced by earlier levels; within a level it is read-only,
// so concurrent nodes never observe each other's output.
type Input struct {
	Repo   *store.RawRepository
	Config *store.RepoConfig
	Run    *store.RawBuildRun
	Bundle *resources.Bundle

	Features map[string]any

	// wanted restricts which of the node's features this invocation must
	// produce. Nil means all of them, which is what direct node tests use.
	wanted map[string]bool
}

// forNode returns a shallow copy scoped to one node invocation.
func (in *Input) forNode(wanted []string) *Input {
	cp := *in
	cp.wanted = make(map[string]bool, len(wanted))
	for _, name := range wanted {
		cp.wanted[name] = true
	}
	return &cp
}

// Wants reports whether this invocation should produce the named
// feature. Nodes consult it before touching the resources a feature
// needs, so a narrow plan never reads resources it did not reserve.
func (in *Input) Wants(name string) bool {
	if in.wanted == nil {
		return true
	}
	return in.wanted[name]
}

// FeatureString returns a string feature from an earlier level.
func (in *Input) FeatureString(name string) (string, bool) {
	v, ok := in.Features[name]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// FeatureInt returns an integer feature from an earlier level. Values
// that round-tripped through JSON come back as float64, so both
// representations are accepted.
func (in *Input) FeatureInt(name string) (int64, bool) {
	v, ok := in.Features[name]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}

// FeatureFloat returns a numeric feature from an earlier level.
func (in *Input) FeatureFloat(name string) (float64, bool) {
	v, ok := in.Features[name]
	if !ok || v == nil {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

// FeatureStrings returns a list feature from an earlier level.
func (in *Input) FeatureStrings(name string) ([]string, bool) {
	v, ok := in.Features[name]
	if !ok || v == nil {
		return nil, false
	}
	switch l := v.(type) {
	case []string:
		return l, true
	case []any:
		out := make([]string, 0, len(l))
		for _, e := range l {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	}
	return nil, false
}
