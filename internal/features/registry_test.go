package features

import (
	"testing"

	"github.com/buildlens/buildlens/internal/resources"
)

func TestRegistryIsValid(t *testing.T) {
	if err := ValidateRegistry(); err != nil {
		t.Fatalf("ValidateRegistry: %v", err)
	}
}

func TestRegistryNodeNames(t *testing.T) {
	want := []string{
		NodeBuildLog,
		NodeCommitInfo,
		NodeDiff,
		NodeDiscussion,
		NodeSnapshot,
		NodeRisk,
		NodeTeam,
	}
	got := NodeNames()
	if len(got) != len(want) {
		t.Fatalf("NodeNames returned %d nodes, want %d: %v", len(got), len(want), got)
	}
	for i, name := range want {
		if got[i] != name {
			t.Errorf("NodeNames[%d] = %q, want %q", i, got[i], name)
		}
	}
}

func TestLookup(t *testing.T) {
	meta, ok := Lookup("git_branch")
	if !ok {
		t.Fatal("Lookup(git_branch) not found")
	}
	if meta.Node != NodeCommitInfo || meta.Type != TypeString {
		t.Errorf("git_branch meta = node %q type %q", meta.Node, meta.Type)
	}
	if _, ok := Lookup("no_such_feature"); ok {
		t.Error("Lookup(no_such_feature) unexpectedly found")
	}
}

func TestNamesMatchesTableOrder(t *testing.T) {
	names := Names()
	if len(names) != len(registry) {
		t.Fatalf("Names returned %d, registry has %d", len(names), len(registry))
	}
	if names[0] != "git_branch" {
		t.Errorf("first feature = %q, want git_branch", names[0])
	}
	for i, meta := range registry {
		if names[i] != meta.Name {
			t.Fatalf("Names[%d] = %q, table has %q", i, names[i], meta.Name)
		}
	}
}

func TestByNodePreservesTableOrder(t *testing.T) {
	metas := ByNode(NodeBuildLog)
	if len(metas) == 0 {
		t.Fatal("ByNode(build_log) empty")
	}
	if metas[0].Name != "tr_log_num_jobs" {
		t.Errorf("first build_log feature = %q, want tr_log_num_jobs", metas[0].Name)
	}
	for _, m := range metas {
		if m.Node != NodeBuildLog {
			t.Errorf("feature %q has node %q", m.Name, m.Node)
		}
	}
}

func TestListFeatureSeparators(t *testing.T) {
	cases := map[string]string{
		"git_all_built_commits": SeparatorHash,
		"tr_log_frameworks":     SeparatorComma,
	}
	for name, sep := range cases {
		meta, ok := Lookup(name)
		if !ok {
			t.Fatalf("Lookup(%s) not found", name)
		}
		if meta.Type != TypeListString {
			t.Errorf("%s type = %q, want list_string", name, meta.Type)
		}
		if meta.Separator != sep {
			t.Errorf("%s separator = %q, want %q", name, meta.Separator, sep)
		}
	}
}

func TestFeatureDependenciesCrossNodes(t *testing.T) {
	for _, m := range All() {
		for _, dep := range m.RequiresFeatures {
			depMeta, ok := Lookup(dep)
			if !ok {
				t.Fatalf("feature %q requires unknown %q", m.Name, dep)
			}
			if depMeta.Node == m.Node {
				t.Errorf("feature %q depends on %q from the same node", m.Name, dep)
			}
		}
	}
}

func TestEveryFeatureNeedsBuildRun(t *testing.T) {
	// Extractors always read the run row; the table must say so, or a
	// plan could schedule a node before its input exists.
	for _, m := range All() {
		found := false
		for _, r := range m.RequiresResources {
			if r == resources.BuildRun {
				found = true
			}
		}
		if !found {
			t.Errorf("feature %q does not require build_run", m.Name)
		}
	}
}
