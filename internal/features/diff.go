package features

import (
	"context"
	"fmt"
	"log/slog"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/gitbackend"
)

type diffNode struct {
	git    gitbackend.GitBackend
	logger *slog.Logger
}

func newDiffNode(deps NodeDeps) *diffNode {
	return &diffNode{git: deps.Git, logger: deps.Logger}
}

func (n *diffNode) Name() string { return NodeDiff }

// Extract sums first-parent churn over the commits this run built,
// bucketed by file kind. A rebuild of an already-built commit yields
// zeros across the board: nothing new changed.
func (n *diffNode) Extract(ctx context.Context, in *Input) (map[string]any, error) {
	built, ok := in.FeatureStrings("git_all_built_commits")
	if !ok {
		return nil, ferrors.NewError(ferrors.CategoryExtraction, "git_all_built_commits unavailable").Build()
	}

	var (
		churn   [4]int64 // indexed by fileKind
		files   [4]int64
		added   int64
		deleted int64
		changed int64

		testsAdded   int64
		testsDeleted int64
	)
	seen := make(map[string]bool)
	for _, sha := range built {
		changes, err := n.git.CommitStats(ctx, in.Bundle.BareRepoPath, sha)
		if err != nil {
			return nil, ferrors.WrapError(err, ferrors.CategoryGit, fmt.Sprintf("stats of %s", sha)).Build()
		}
		for _, ch := range changes {
			kind := classifyPath(ch.Path)
			churn[kind] += int64(ch.Additions + ch.Deletions)
			if !seen[ch.Path] {
				seen[ch.Path] = true
				files[kind]++
			}
			switch ch.Action {
			case gitbackend.ChangeAdded:
				added++
			case gitbackend.ChangeDeleted:
				deleted++
			default:
				changed++
			}
			if kind == kindTest {
				cases, err := n.testCaseDelta(ctx, in, sha, ch)
				if err != nil {
					return nil, err
				}
				if cases > 0 {
					testsAdded += cases
				} else {
					testsDeleted += -cases
				}
			}
		}
	}

	out := make(map[string]any)
	set := func(name string, v int64) {
		if in.Wants(name) {
			out[name] = v
		}
	}
	set("git_diff_src_churn", churn[kindSource])
	set("git_diff_test_churn", churn[kindTest])
	set("git_diff_doc_churn", churn[kindDoc])
	set("git_diff_other_churn", churn[kindOther])
	set("gh_diff_files_added", added)
	set("gh_diff_files_deleted", deleted)
	set("gh_diff_files_modified", changed)
	set("gh_diff_src_files", files[kindSource])
	set("gh_diff_doc_files", files[kindDoc])
	set("gh_diff_other_files", files[kindOther])
	set("gh_diff_tests_added", testsAdded)
	set("gh_diff_tests_deleted", testsDeleted)
	return out, nil
}

// testCaseDelta counts how many test case definitions one change added
// or removed, by comparing the file's count before and after the commit.
func (n *diffNode) testCaseDelta(ctx context.Context, in *Input, sha string, ch gitbackend.FileChange) (int64, error) {
	if !in.Wants("gh_diff_tests_added") && !in.Wants("gh_diff_tests_deleted") {
		return 0, nil
	}
	profile := profileForPath(ch.Path)
	if profile == nil {
		return 0, nil
	}

	var before, after int
	if ch.Action != gitbackend.ChangeAdded {
		commit, err := n.git.LookupCommit(in.Bundle.BareRepoPath, sha)
		if err != nil {
			return 0, ferrors.WrapError(err, ferrors.CategoryGit, fmt.Sprintf("lookup %s", sha)).Build()
		}
		if len(commit.Parents) > 0 {
			content, err := n.git.FileContentAt(in.Bundle.BareRepoPath, commit.Parents[0], ch.Path)
			if err == nil {
				_, before, _ = countLines(content, profile)
			}
		}
	}
	if ch.Action != gitbackend.ChangeDeleted {
		content, err := n.git.FileContentAt(in.Bundle.BareRepoPath, sha, ch.Path)
		if err == nil {
			_, after, _ = countLines(content, profile)
		}
	}
	return int64(after - before), nil
}
