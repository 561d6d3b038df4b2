package features

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/buildlens/buildlens/internal/features/logparse"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/gitbackend"
)

// Node is one extractor. Extract returns values for the features the
// invocation wants; a feature's declared null is an explicit nil entry,
// a missing key means the node could not produce it. Errors fail the
// node, not the whole extraction.
type Node interface {
	Name() string
	Extract(ctx context.Context, in *Input) (map[string]any, error)
}

// NodeDeps carries the shared collaborators nodes are built with.
type NodeDeps struct {
	Git    gitbackend.GitBackend
	Logs   *logparse.Registry
	Logger *slog.Logger
}

// NodeSet holds the constructed extractor for every node the registry
// names.
type NodeSet struct {
	nodes map[string]Node
}

// NewNodeSet validates the registry and constructs all extractors.
func NewNodeSet(deps NodeDeps) (*NodeSet, error) {
	if err := ValidateRegistry(); err != nil {
		return nil, err
	}
	if deps.Git == nil {
		return nil, ferrors.ValidationError("features: git backend is required").Build()
	}
	if deps.Logs == nil {
		deps.Logs = logparse.NewRegistry()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	set := &NodeSet{nodes: make(map[string]Node)}
	for _, n := range []Node{
		newCommitInfoNode(deps),
		newDiffNode(deps),
		newSnapshotNode(deps),
		newTeamNode(deps),
		newBuildLogNode(deps),
		newDiscussionNode(deps),
		newRiskNode(deps),
	} {
		set.nodes[n.Name()] = n
	}

	// Every node the table references must have a constructor above.
	for _, name := range NodeNames() {
		if _, ok := set.nodes[name]; !ok {
			return nil, ferrors.InternalError(fmt.Sprintf("features: no extractor registered for node %q", name)).Build()
		}
	}
	return set, nil
}

// Get returns the extractor for a node name.
func (s *NodeSet) Get(name string) (Node, bool) {
	n, ok := s.nodes[name]
	return n, ok
}
