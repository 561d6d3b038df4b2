package features

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/gitbackend"
)

// snapshotMaxFileBytes bounds how much of a single file the worktree
// scan reads. Anything larger is almost certainly generated or vendored.
const snapshotMaxFileBytes = 2 << 20

type snapshotNode struct {
	git    gitbackend.GitBackend
	logger *slog.Logger
}

func newSnapshotNode(deps NodeDeps) *snapshotNode {
	return &snapshotNode{git: deps.Git, logger: deps.Logger}
}

func (n *snapshotNode) Name() string { return NodeSnapshot }

// Extract measures the repository as it stood at the built commit:
// history depth and age from the bare clone, line counts from the
// materialized worktree.
func (n *snapshotNode) Extract(ctx context.Context, in *Input) (map[string]any, error) {
	out := make(map[string]any)

	if in.Wants("gh_repo_num_commits") || in.Wants("gh_repo_age_days") {
		if err := n.historyFeatures(ctx, in, out); err != nil {
			return out, err
		}
	}
	if in.Wants("gh_sloc") || in.Wants("gh_test_lines_per_kloc") ||
		in.Wants("gh_test_cases_per_kloc") || in.Wants("gh_asserts_cases_per_kloc") {
		if err := n.worktreeFeatures(in, out); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (n *snapshotNode) historyFeatures(ctx context.Context, in *Input, out map[string]any) error {
	start := in.Bundle.EffectiveSHA
	if start == "" {
		start = in.Run.CommitSHA
	}
	commits, err := n.git.RevList(ctx, in.Bundle.BareRepoPath, start, gitbackend.RevListOptions{})
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryGit, fmt.Sprintf("walk history from %s", start)).Build()
	}

	if in.Wants("gh_repo_num_commits") {
		out["gh_repo_num_commits"] = int64(len(commits))
	}
	if in.Wants("gh_repo_age_days") {
		var age int64
		if len(commits) > 0 {
			oldest := commits[0].Committer.When
			for i := range commits {
				if commits[i].Committer.When.Before(oldest) {
					oldest = commits[i].Committer.When
				}
			}
			ref := in.Run.RunCreatedAt.UnwrapOr(time.Now().UTC())
			if days := int64(ref.Sub(oldest).Hours() / 24); days > 0 {
				age = days
			}
		}
		out["gh_repo_age_days"] = age
	}
	return nil
}

func (n *snapshotNode) worktreeFeatures(in *Input, out map[string]any) error {
	var sloc, testLines, testCases, asserts int64

	root := in.Bundle.WorktreePath
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		kind := classifyPath(rel)
		if kind != kindSource && kind != kindTest {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.Size() > snapshotMaxFileBytes {
			return nil
		}
		content, err := os.ReadFile(path)
		if err != nil || looksBinary(content) {
			return nil
		}

		switch kind {
		case kindSource:
			lines, _, _ := countLines(content, nil)
			sloc += int64(lines)
		case kindTest:
			lines, cases, asrt := countLines(content, profileForPath(rel))
			testLines += int64(lines)
			testCases += int64(cases)
			asserts += int64(asrt)
		}
		return nil
	})
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryResource, "scan worktree").Build()
	}

	if in.Wants("gh_sloc") {
		out["gh_sloc"] = sloc
	}
	perKLOC := func(n int64) float64 {
		if sloc == 0 {
			return 0
		}
		return float64(n) * 1000 / float64(sloc)
	}
	if in.Wants("gh_test_lines_per_kloc") {
		out["gh_test_lines_per_kloc"] = perKLOC(testLines)
	}
	if in.Wants("gh_test_cases_per_kloc") {
		out["gh_test_cases_per_kloc"] = perKLOC(testCases)
	}
	if in.Wants("gh_asserts_cases_per_kloc") {
		out["gh_asserts_cases_per_kloc"] = perKLOC(asserts)
	}
	return nil
}

// looksBinary applies git's heuristic: a NUL byte near the start marks
// the file as binary.
func looksBinary(content []byte) bool {
	probe := content
	if len(probe) > 8000 {
		probe = probe[:8000]
	}
	for _, b := range probe {
		if b == 0 {
			return true
		}
	}
	return false
}
