package features

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/buildlens/buildlens/internal/foundation"
	"github.com/buildlens/buildlens/internal/gitbackend"
	"github.com/buildlens/buildlens/internal/resources"
	"github.com/buildlens/buildlens/internal/store"
	helpers "github.com/buildlens/buildlens/internal/testutil/testutils"
)

func TestTeamSizeExcludesBuiltAndBots(t *testing.T) {
	_, wt, dir := helpers.SetupTestGitRepo(t)
	stageFile(t, wt, dir, "a.go", "package a\n")
	commitAs(t, wt, "Alice", "alice@example.com", "first", at(1))
	stageFile(t, wt, dir, "b.go", "package a\n")
	commitAs(t, wt, "Bob", "bob@example.com", "second", at(2))
	stageFile(t, wt, dir, "c.go", "package a\n")
	commitAs(t, wt, "release-bot", "bot@example.com", "bump version", at(3))
	stageFile(t, wt, dir, "a.go", "package a\n\nvar v = 1\n")
	head := commitAs(t, wt, "Alice", "alice@example.com", "edit a", at(4))

	run := &store.RawBuildRun{
		ID:           4,
		Number:       4,
		CommitSHA:    head,
		RunCreatedAt: foundation.Some(at(5)),
	}
	in := nodeInput(dir, run, nil)
	in.Features["git_all_built_commits"] = []string{head}

	node := newTeamNode(NodeDeps{Git: gitbackend.NewClient(), Logger: testLogger()})
	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}

	// Alice and Bob count; the bot and the run's own commit do not.
	if out["gh_team_size"] != int64(2) {
		t.Errorf("team size = %v, want 2", out["gh_team_size"])
	}
	// Alice committed before this run, so she is core.
	if out["gh_by_core_team_member"] != true {
		t.Errorf("by core = %v", out["gh_by_core_team_member"])
	}
	// a.go was touched by the run and by Alice's first commit.
	if out["gh_num_commits_on_files_touched"] != int64(1) {
		t.Errorf("commits on touched files = %v", out["gh_num_commits_on_files_touched"])
	}
}

func TestTeamFirstTimeContributorIsNotCore(t *testing.T) {
	_, wt, dir := helpers.SetupTestGitRepo(t)
	stageFile(t, wt, dir, "a.go", "package a\n")
	commitAs(t, wt, "Alice", "alice@example.com", "first", at(1))
	stageFile(t, wt, dir, "b.go", "package a\n")
	head := commitAs(t, wt, "Carol", "carol@example.com", "drive-by fix", at(2))

	run := &store.RawBuildRun{
		ID:           2,
		Number:       2,
		CommitSHA:    head,
		RunCreatedAt: foundation.Some(at(3)),
	}
	in := nodeInput(dir, run, nil)
	in.Features["git_all_built_commits"] = []string{head}

	node := newTeamNode(NodeDeps{Git: gitbackend.NewClient(), Logger: testLogger()})
	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out["gh_team_size"] != int64(1) {
		t.Errorf("team size = %v, want 1", out["gh_team_size"])
	}
	if out["gh_by_core_team_member"] != false {
		t.Errorf("by core = %v, want false for a first-time author", out["gh_by_core_team_member"])
	}
}

func TestTeamResolvesAuthorThroughAPI(t *testing.T) {
	_, wt, dir := helpers.SetupTestGitRepo(t)
	stageFile(t, wt, dir, "a.go", "package a\n")
	commitAs(t, wt, "Alice", "alice@example.com", "first", at(1))
	// The head commit carries a git identity the team walk has never
	// seen; only the API ties it back to alice.
	stageFile(t, wt, dir, "b.go", "package a\n")
	head := commitAs(t, wt, "laptop", "local@nowhere", "fix from laptop", at(2))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"author": {"login": "alice-gh"}, "commit": {"author": {"email": "alice@example.com"}}}`))
	}))
	defer server.Close()

	run := &store.RawBuildRun{
		ID:           2,
		Number:       2,
		CommitSHA:    head,
		RunCreatedAt: foundation.Some(at(3)),
	}
	in := nodeInput(dir, run, nil).forNode([]string{"gh_team_size", "gh_by_core_team_member"})
	in.Features["git_all_built_commits"] = []string{head}
	in.Bundle.API = resources.NewAPIClient(server.URL, server.Client(), nil, nil, testLogger())

	node := newTeamNode(NodeDeps{Git: gitbackend.NewClient(), Logger: testLogger()})
	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out["gh_by_core_team_member"] != true {
		t.Errorf("by core = %v, want true via API identity", out["gh_by_core_team_member"])
	}
}
