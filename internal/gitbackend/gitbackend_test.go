package gitbackend

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	helpers "github.com/buildlens/buildlens/internal/testutil/testutils"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

var baseTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// at returns a deterministic commit time n minutes after the fixture epoch.
func at(n int) time.Time {
	return baseTime.Add(time.Duration(n) * time.Minute)
}

func stageFile(t *testing.T, wt *git.Worktree, dir, name, content string, perm os.FileMode) {
	t.Helper()
	full := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		t.Fatalf("mkdir for %s: %v", name, err)
	}
	if err := os.WriteFile(full, []byte(content), perm); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	if _, err := wt.Add(name); err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
}

func commitStaged(t *testing.T, wt *git.Worktree, msg string, when time.Time) string {
	t.Helper()
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author: &object.Signature{Name: "Dev One", Email: "dev@example.com", When: when},
	})
	if err != nil {
		t.Fatalf("commit %q: %v", msg, err)
	}
	return hash.String()
}

// commitFile stages a single file and commits it with a fixed author time.
func commitFile(t *testing.T, wt *git.Worktree, dir, name, content, msg string, when time.Time) string {
	t.Helper()
	stageFile(t, wt, dir, name, content, 0o644)
	return commitStaged(t, wt, msg, when)
}

func deleteFile(t *testing.T, wt *git.Worktree, name, msg string, when time.Time) string {
	t.Helper()
	if _, err := wt.Remove(name); err != nil {
		t.Fatalf("remove %s: %v", name, err)
	}
	return commitStaged(t, wt, msg, when)
}

func checkout(t *testing.T, wt *git.Worktree, sha string) {
	t.Helper()
	if err := wt.Checkout(&git.CheckoutOptions{Hash: plumbing.NewHash(sha), Force: true}); err != nil {
		t.Fatalf("checkout %s: %v", sha, err)
	}
}

func checkoutBranch(t *testing.T, wt *git.Worktree, name plumbing.ReferenceName) {
	t.Helper()
	if err := wt.Checkout(&git.CheckoutOptions{Branch: name, Force: true}); err != nil {
		t.Fatalf("checkout %s: %v", name, err)
	}
}

// mergeCommit creates a commit with explicit parents, simulating a merge.
func mergeCommit(t *testing.T, wt *git.Worktree, dir, name, content, msg string, when time.Time, parents ...string) string {
	t.Helper()
	stageFile(t, wt, dir, name, content, 0o644)
	hashes := make([]plumbing.Hash, 0, len(parents))
	for _, p := range parents {
		hashes = append(hashes, plumbing.NewHash(p))
	}
	hash, err := wt.Commit(msg, &git.CommitOptions{
		Author:  &object.Signature{Name: "Dev One", Email: "dev@example.com", When: when},
		Parents: hashes,
	})
	if err != nil {
		t.Fatalf("merge commit %q: %v", msg, err)
	}
	return hash.String()
}

func assertSHAs(t *testing.T, got []Commit, want ...string) {
	t.Helper()
	if len(got) != len(want) {
		shas := make([]string, 0, len(got))
		for _, c := range got {
			shas = append(shas, c.SHA[:8])
		}
		t.Fatalf("got %d commits %v, want %d", len(got), shas, len(want))
	}
	for i := range want {
		if got[i].SHA != want[i] {
			t.Errorf("commit[%d] = %s, want %s", i, got[i].SHA, want[i])
		}
	}
}

func TestCloneBareFromLocalPath(t *testing.T) {
	_, wt, src := helpers.SetupTestGitRepo(t)
	c1 := commitFile(t, wt, src, "a.txt", "hello\n", "initial import", at(1))
	c2 := commitFile(t, wt, src, "b.txt", "world\n", "add b", at(2))

	client := NewClient()
	dest := filepath.Join(t.TempDir(), "bare.git")
	if err := client.CloneBare(t.Context(), dest, src, nil); err != nil {
		t.Fatalf("clone bare: %v", err)
	}

	for _, sha := range []string{c1, c2} {
		ok, err := client.CommitExists(dest, sha)
		if err != nil {
			t.Fatalf("commit exists %s: %v", sha, err)
		}
		if !ok {
			t.Errorf("expected commit %s in bare clone", sha)
		}
	}

	repo, err := git.PlainOpen(dest)
	if err != nil {
		t.Fatalf("open clone: %v", err)
	}
	if _, err := repo.Worktree(); !errors.Is(err, git.ErrIsBareRepository) {
		t.Errorf("expected bare repository, worktree err = %v", err)
	}
}

func TestCloneBareReplacesStaleDirectory(t *testing.T) {
	_, wt, src := helpers.SetupTestGitRepo(t)
	c1 := commitFile(t, wt, src, "a.txt", "hello\n", "initial import", at(1))

	dest := filepath.Join(t.TempDir(), "bare.git")
	if err := os.MkdirAll(dest, 0o755); err != nil {
		t.Fatalf("mkdir dest: %v", err)
	}
	junk := filepath.Join(dest, "junk.txt")
	if err := os.WriteFile(junk, []byte("stale"), 0o644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	client := NewClient()
	if err := client.CloneBare(t.Context(), dest, src, nil); err != nil {
		t.Fatalf("clone bare: %v", err)
	}

	if _, err := os.Stat(junk); !os.IsNotExist(err) {
		t.Errorf("expected stale contents to be removed, stat err = %v", err)
	}
	ok, err := client.CommitExists(dest, c1)
	if err != nil || !ok {
		t.Errorf("expected commit %s after clone, ok=%v err=%v", c1, ok, err)
	}
}

func TestFetchBringsNewCommits(t *testing.T) {
	_, wt, src := helpers.SetupTestGitRepo(t)
	commitFile(t, wt, src, "a.txt", "hello\n", "initial import", at(1))

	client := NewClient()
	dest := filepath.Join(t.TempDir(), "bare.git")
	if err := client.CloneBare(t.Context(), dest, src, nil); err != nil {
		t.Fatalf("clone bare: %v", err)
	}

	c2 := commitFile(t, wt, src, "b.txt", "world\n", "add b", at(2))

	if err := client.Fetch(t.Context(), dest, nil, nil); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	ok, err := client.CommitExists(dest, c2)
	if err != nil {
		t.Fatalf("commit exists: %v", err)
	}
	if !ok {
		t.Errorf("expected fetched commit %s in clone", c2)
	}

	// A second fetch with nothing new must not error.
	if err := client.Fetch(t.Context(), dest, nil, nil); err != nil {
		t.Errorf("fetch up-to-date: %v", err)
	}
}

func TestFetchURLFromForkRemote(t *testing.T) {
	_, originWT, origin := helpers.SetupTestGitRepo(t)
	commitFile(t, originWT, origin, "a.txt", "hello\n", "initial import", at(1))

	_, forkWT, fork := helpers.SetupTestGitRepo(t)
	f1 := commitFile(t, forkWT, fork, "fork.txt", "fork change\n", "fork work", at(2))

	client := NewClient()
	dest := filepath.Join(t.TempDir(), "bare.git")
	if err := client.CloneBare(t.Context(), dest, origin, nil); err != nil {
		t.Fatalf("clone bare: %v", err)
	}

	refspecs := []string{"+refs/heads/*:refs/forks/contributor/*"}
	if err := client.FetchURL(t.Context(), dest, fork, refspecs, nil); err != nil {
		t.Fatalf("fetch fork: %v", err)
	}

	ok, err := client.CommitExists(dest, f1)
	if err != nil {
		t.Fatalf("commit exists: %v", err)
	}
	if !ok {
		t.Errorf("expected fork commit %s after anonymous fetch", f1)
	}
}

func TestCloneBareMissingSource(t *testing.T) {
	client := NewClient()
	dest := filepath.Join(t.TempDir(), "bare.git")
	err := client.CloneBare(t.Context(), dest, filepath.Join(t.TempDir(), "missing"), nil)
	if err == nil {
		t.Fatal("expected clone of missing source to fail")
	}
	if !ferrors.HasCategory(err, ferrors.CategoryNotFound) {
		t.Errorf("expected not_found classification, got %v", err)
	}
}
