package gitbackend

import (
	"errors"
	"strings"
	"testing"

	helpers "github.com/buildlens/buildlens/internal/testutil/testutils"
	"github.com/go-git/go-git/v5/plumbing"
)

func TestRevListFirstParentLinear(t *testing.T) {
	_, wt, dir := helpers.SetupTestGitRepo(t)
	c1 := commitFile(t, wt, dir, "a.txt", "l1\n", "initial import", at(1))
	c2 := commitFile(t, wt, dir, "b.txt", "l1\n", "add b", at(2))
	c3 := commitFile(t, wt, dir, "a.txt", "l1\nl2\n", "extend a", at(3))

	client := NewClient()
	commits, err := client.RevList(t.Context(), dir, c3, RevListOptions{FirstParent: true})
	if err != nil {
		t.Fatalf("rev-list: %v", err)
	}
	assertSHAs(t, commits, c3, c2, c1)

	capped, err := client.RevList(t.Context(), dir, c3, RevListOptions{FirstParent: true, MaxCount: 2})
	if err != nil {
		t.Fatalf("rev-list capped: %v", err)
	}
	assertSHAs(t, capped, c3, c2)
}

func TestRevListMergeHandling(t *testing.T) {
	_, wt, dir := helpers.SetupTestGitRepo(t)
	c1 := commitFile(t, wt, dir, "a.txt", "base\n", "initial import", at(1))
	c2 := commitFile(t, wt, dir, "b.txt", "main\n", "mainline work", at(2))

	checkout(t, wt, c1)
	side := commitFile(t, wt, dir, "side.txt", "branch\n", "side work", at(3))

	checkoutBranch(t, wt, plumbing.Master)
	merge := mergeCommit(t, wt, dir, "m.txt", "merged\n", "merge side work", at(4), c2, side)

	client := NewClient()

	mainline, err := client.RevList(t.Context(), dir, merge, RevListOptions{FirstParent: true})
	if err != nil {
		t.Fatalf("rev-list first-parent: %v", err)
	}
	assertSHAs(t, mainline, merge, c2, c1)

	noMerges, err := client.RevList(t.Context(), dir, merge, RevListOptions{FirstParent: true, NoMerges: true})
	if err != nil {
		t.Fatalf("rev-list no-merges: %v", err)
	}
	assertSHAs(t, noMerges, c2, c1)

	all, err := client.RevList(t.Context(), dir, merge, RevListOptions{})
	if err != nil {
		t.Fatalf("rev-list all: %v", err)
	}
	assertSHAs(t, all, merge, side, c2, c1)

	mc, err := client.LookupCommit(dir, merge)
	if err != nil {
		t.Fatalf("lookup merge: %v", err)
	}
	if !mc.IsMerge() {
		t.Error("expected merge commit to report IsMerge")
	}
	if len(mc.Parents) != 2 || mc.Parents[0] != c2 || mc.Parents[1] != side {
		t.Errorf("merge parents = %v, want [%s %s]", mc.Parents, c2, side)
	}
}

func TestRevListSinceCutoff(t *testing.T) {
	_, wt, dir := helpers.SetupTestGitRepo(t)
	commitFile(t, wt, dir, "a.txt", "l1\n", "old work", at(1))
	c2 := commitFile(t, wt, dir, "b.txt", "l1\n", "recent work", at(2))
	c3 := commitFile(t, wt, dir, "c.txt", "l1\n", "latest work", at(3))

	client := NewClient()
	commits, err := client.RevList(t.Context(), dir, c3, RevListOptions{FirstParent: true, Since: at(2)})
	if err != nil {
		t.Fatalf("rev-list since: %v", err)
	}
	assertSHAs(t, commits, c3, c2)
}

func TestRevListPathFilter(t *testing.T) {
	_, wt, dir := helpers.SetupTestGitRepo(t)
	c1 := commitFile(t, wt, dir, "src/app.go", "package app\n", "initial import", at(1))
	commitFile(t, wt, dir, "docs/readme.md", "docs\n", "add docs", at(2))
	c3 := commitFile(t, wt, dir, "src/app.go", "package app\n\nfunc main() {}\n", "extend app", at(3))

	client := NewClient()
	commits, err := client.RevList(t.Context(), dir, c3, RevListOptions{
		FirstParent: true,
		Paths:       []string{"src/app.go"},
	})
	if err != nil {
		t.Fatalf("rev-list paths: %v", err)
	}
	assertSHAs(t, commits, c3, c1)
}

func TestLookupCommitMetadata(t *testing.T) {
	_, wt, dir := helpers.SetupTestGitRepo(t)
	c1 := commitFile(t, wt, dir, "a.txt", "hello\n", "initial import", at(1))

	client := NewClient()
	info, err := client.LookupCommit(dir, c1)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if info.SHA != c1 {
		t.Errorf("SHA = %s, want %s", info.SHA, c1)
	}
	if info.Message != "initial import" {
		t.Errorf("Message = %q", info.Message)
	}
	if info.Author.Name != "Dev One" || info.Author.Email != "dev@example.com" {
		t.Errorf("Author = %+v", info.Author)
	}
	if !info.Author.When.Equal(at(1)) {
		t.Errorf("Author.When = %v, want %v", info.Author.When, at(1))
	}
	if len(info.Parents) != 0 {
		t.Errorf("root commit parents = %v", info.Parents)
	}
	if info.IsMerge() {
		t.Error("root commit reported as merge")
	}

	_, err = client.LookupCommit(dir, strings.Repeat("ab", 20))
	if !errors.Is(err, ErrCommitNotFound) {
		t.Errorf("expected ErrCommitNotFound, got %v", err)
	}
}

func TestCommitExists(t *testing.T) {
	_, wt, dir := helpers.SetupTestGitRepo(t)
	c1 := commitFile(t, wt, dir, "a.txt", "hello\n", "initial import", at(1))

	client := NewClient()
	ok, err := client.CommitExists(dir, c1)
	if err != nil {
		t.Fatalf("commit exists: %v", err)
	}
	if !ok {
		t.Error("expected known commit to exist")
	}

	ok, err = client.CommitExists(dir, strings.Repeat("ab", 20))
	if err != nil {
		t.Fatalf("commit exists unknown: %v", err)
	}
	if ok {
		t.Error("expected unknown commit to be absent")
	}
}

func TestFileContentAt(t *testing.T) {
	_, wt, dir := helpers.SetupTestGitRepo(t)
	c1 := commitFile(t, wt, dir, "a.txt", "hello\n", "initial import", at(1))
	c2 := commitFile(t, wt, dir, "a.txt", "goodbye\n", "rewrite a", at(2))

	client := NewClient()
	got, err := client.FileContentAt(dir, c1, "a.txt")
	if err != nil {
		t.Fatalf("content at c1: %v", err)
	}
	if string(got) != "hello\n" {
		t.Errorf("content at c1 = %q", got)
	}

	got, err = client.FileContentAt(dir, c2, "a.txt")
	if err != nil {
		t.Fatalf("content at c2: %v", err)
	}
	if string(got) != "goodbye\n" {
		t.Errorf("content at c2 = %q", got)
	}

	_, err = client.FileContentAt(dir, c2, "missing.txt")
	if !errors.Is(err, ErrFileNotFound) {
		t.Errorf("expected ErrFileNotFound, got %v", err)
	}
}
