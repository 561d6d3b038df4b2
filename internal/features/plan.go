package features

import (
	"fmt"
	"sort"
	"strings"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
)

// PlannedNode is one extractor scheduled by a plan, with the features it
// must produce and the resources those features read.
type PlannedNode struct {
	Name string

	// Features this invocation must produce, in registry order. Contains
	// requested features plus any pulled in as dependencies of later
	// nodes.
	Features []string

	// Resources is the sorted union of RequiresResources over Features.
	Resources []string
}

// Plan is a leveled schedule over extractor nodes. Nodes within a level
// have no edges between them and may run concurrently; a level only
// starts once the previous one finished.
type Plan struct {
	// Requested holds the validated feature names the caller asked for,
	// in registry order. The final vector contains exactly these.
	Requested []string

	Levels [][]PlannedNode

	// Resources is the sorted union over all planned nodes, used to
	// declare what ingestion must acquire up front.
	Resources []string
}

// Nodes returns every planned node in execution order.
func (p *Plan) Nodes() []PlannedNode {
	var out []PlannedNode
	for _, level := range p.Levels {
		out = append(out, level...)
	}
	return out
}

// BuildPlan resolves a feature selection into a leveled node schedule.
// An empty selection means every feature in the registry. Unknown names
// fail validation; dependencies of selected features are scheduled even
// when not selected themselves, but only selected features end up in
// the final vector.
func BuildPlan(requested []string) (*Plan, error) {
	if len(requested) == 0 {
		requested = Names()
	}

	var unknown []string
	requestedSet := make(map[string]bool, len(requested))
	for _, name := range requested {
		if _, ok := Lookup(name); !ok {
			unknown = append(unknown, name)
			continue
		}
		requestedSet[name] = true
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, ferrors.ValidationError(fmt.Sprintf("unknown features: %s", strings.Join(unknown, ", "))).Build()
	}

	// Pull in transitive feature dependencies so producing nodes are
	// scheduled even when their output was not asked for.
	needed := make(map[string]bool, len(requestedSet))
	var addFeature func(name string)
	addFeature = func(name string) {
		if needed[name] {
			return
		}
		needed[name] = true
		meta := metaByName[name]
		for _, dep := range meta.RequiresFeatures {
			addFeature(dep)
		}
	}
	for name := range requestedSet {
		addFeature(name)
	}

	// Group needed features by producing node and derive node edges from
	// cross-node feature dependencies.
	nodeFeatures := make(map[string][]string)
	for _, meta := range registry {
		if needed[meta.Name] {
			nodeFeatures[meta.Node] = append(nodeFeatures[meta.Node], meta.Name)
		}
	}

	graph := make(map[string]map[string]bool)
	inDegree := make(map[string]int, len(nodeFeatures))
	for node := range nodeFeatures {
		inDegree[node] = 0
	}
	for node, names := range nodeFeatures {
		for _, name := range names {
			for _, dep := range metaByName[name].RequiresFeatures {
				from := metaByName[dep].Node
				if from == node {
					continue
				}
				if graph[from] == nil {
					graph[from] = make(map[string]bool)
				}
				if !graph[from][node] {
					graph[from][node] = true
					inDegree[node]++
				}
			}
		}
	}

	// Level-synchronous Kahn's algorithm: each wave of zero-degree nodes
	// becomes one level, sorted so plans are deterministic.
	var current []string
	for node, deg := range inDegree {
		if deg == 0 {
			current = append(current, node)
		}
	}
	sort.Strings(current)

	plan := &Plan{}
	scheduled := 0
	for len(current) > 0 {
		level := make([]PlannedNode, 0, len(current))
		var next []string
		for _, node := range current {
			level = append(level, plannedNode(node, nodeFeatures[node]))
			scheduled++
			for succ := range graph[node] {
				inDegree[succ]--
				if inDegree[succ] == 0 {
					next = append(next, succ)
				}
			}
		}
		plan.Levels = append(plan.Levels, level)
		sort.Strings(next)
		current = next
	}
	if scheduled != len(nodeFeatures) {
		return nil, ferrors.InternalError("feature registry contains a dependency cycle").Build()
	}

	for _, meta := range registry {
		if requestedSet[meta.Name] {
			plan.Requested = append(plan.Requested, meta.Name)
		}
	}
	plan.Resources = unionResources(plan.Nodes())
	return plan, nil
}

func plannedNode(name string, featureNames []string) PlannedNode {
	ordered := make([]string, 0, len(featureNames))
	resourceSet := make(map[string]bool)
	for _, meta := range registry {
		if meta.Node != name {
			continue
		}
		for _, fn := range featureNames {
			if fn == meta.Name {
				ordered = append(ordered, fn)
				for _, r := range meta.RequiresResources {
					resourceSet[r] = true
				}
			}
		}
	}
	resources := make([]string, 0, len(resourceSet))
	for r := range resourceSet {
		resources = append(resources, r)
	}
	sort.Strings(resources)
	return PlannedNode{Name: name, Features: ordered, Resources: resources}
}

func unionResources(nodes []PlannedNode) []string {
	set := make(map[string]bool)
	for _, n := range nodes {
		for _, r := range n.Resources {
			set[r] = true
		}
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
