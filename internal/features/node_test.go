package features

import (
	"context"
	"testing"

	"github.com/buildlens/buildlens/internal/foundation"
	"github.com/buildlens/buildlens/internal/gitbackend"
	"github.com/buildlens/buildlens/internal/resources"
	"github.com/buildlens/buildlens/internal/store"
	helpers "github.com/buildlens/buildlens/internal/testutil/testutils"
)

func TestNewNodeSetRequiresGit(t *testing.T) {
	if _, err := NewNodeSet(NodeDeps{}); err == nil {
		t.Fatal("expected error without git backend")
	}
}

func TestNewNodeSetCoversEveryNode(t *testing.T) {
	set, err := NewNodeSet(NodeDeps{Git: gitbackend.NewClient(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewNodeSet: %v", err)
	}
	for _, name := range NodeNames() {
		node, ok := set.Get(name)
		if !ok {
			t.Errorf("no extractor for %q", name)
			continue
		}
		if node.Name() != name {
			t.Errorf("extractor for %q names itself %q", name, node.Name())
		}
	}
}

// TestExtractionEndToEnd runs the full plan against a real repository
// with only the git-side resources acquired. Log, discussion, and team
// features degrade to skips; everything else comes out of the clone.
func TestExtractionEndToEnd(t *testing.T) {
	_, wt, dir := helpers.SetupTestGitRepo(t)
	c1 := commitFile(t, wt, dir, "a.go", "package a\n", "first", at(1))
	commitFile(t, wt, dir, "b.go", "package a\n", "second", at(2))
	c3 := commitFile(t, wt, dir, "c.go", "package a\n", "third", at(3))

	run := &store.RawBuildRun{
		ID:           2,
		Number:       2,
		CommitSHA:    c3,
		Branch:       "main",
		Event:        "push",
		RunCreatedAt: foundation.Some(at(10)),
	}
	bundle := resources.NewBundle(run)
	bundle.BareRepoPath = dir
	bundle.WorktreePath = dir
	bundle.Refs = []store.BuildRunRef{
		{ID: 1, Number: 1, CommitSHA: c1, Conclusion: "success"},
	}
	started := at(9)
	for _, name := range []string{resources.BuildRun, resources.RawBuildRuns, resources.BareRepo, resources.Worktree} {
		bundle.RecordCompleted(name, started)
	}

	set, err := NewNodeSet(NodeDeps{Git: gitbackend.NewClient(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewNodeSet: %v", err)
	}
	plan, err := BuildPlan(nil)
	if err != nil {
		t.Fatalf("BuildPlan: %v", err)
	}
	rt := NewRuntime(set, Options{Logger: testLogger()})

	res, err := rt.Extract(context.Background(), plan, &Input{
		Repo:   &store.RawRepository{FullName: "acme/widget"},
		Run:    run,
		Bundle: bundle,
	})
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	if res.Status != store.ExtractionPartial {
		t.Fatalf("status = %q, error = %q", res.Status, res.Error)
	}
	if res.NodesSucceeded != 4 || res.NodesSkipped != 3 || res.NodesFailed != 0 {
		t.Errorf("node counts = %d succeeded / %d skipped / %d failed",
			res.NodesSucceeded, res.NodesSkipped, res.NodesFailed)
	}
	wantMissing := []string{resources.BuildLogs, resources.GitHubClient}
	if len(res.MissingResources) != len(wantMissing) {
		t.Fatalf("missing = %v", res.MissingResources)
	}
	for i := range wantMissing {
		if res.MissingResources[i] != wantMissing[i] {
			t.Errorf("missing[%d] = %q, want %q", i, res.MissingResources[i], wantMissing[i])
		}
	}

	checks := map[string]any{
		"git_branch":                        "main",
		"gh_is_pr":                          false,
		"git_num_all_built_commits":         int64(2),
		"git_prev_built_commit":             c1,
		"git_prev_commit_resolution_status": ResolutionBuildFound,
		"tr_prev_build":                     int64(1),
		"gh_repo_num_commits":               int64(3),
		"gh_sloc":                           int64(3),
		"git_diff_src_churn":                int64(2),
		"risk_recent_failure_rate":          0.0,
	}
	for name, want := range checks {
		if got := res.Features[name]; got != want {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}

	// The two skipped API-facing nodes and the log node account for all
	// unproduced features.
	if len(res.SkippedFeatures) != 17 {
		t.Errorf("skipped features = %d: %v", len(res.SkippedFeatures), res.SkippedFeatures)
	}
	if len(res.Features)+len(res.SkippedFeatures) != len(plan.Requested) {
		t.Errorf("features %d + skipped %d != requested %d",
			len(res.Features), len(res.SkippedFeatures), len(plan.Requested))
	}
}
