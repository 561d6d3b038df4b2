package features

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/gitbackend"
	"github.com/buildlens/buildlens/internal/store"
)

// prevBuildWalkLimit caps the first-parent walk when relating a commit
// back to earlier builds, so repos with sparse build history do not walk
// their entire mainline.
const prevBuildWalkLimit = 1000

var botAuthorPattern = regexp.MustCompile(`(?i)(\[bot\]$|-bot$|^bot$|\bdependabot\b|\brenovate\b|\bgreenkeeper\b)`)

type commitInfoNode struct {
	git    gitbackend.GitBackend
	logger *slog.Logger
}

func newCommitInfoNode(deps NodeDeps) *commitInfoNode {
	return &commitInfoNode{git: deps.Git, logger: deps.Logger}
}

func (n *commitInfoNode) Name() string { return NodeCommitInfo }

// Extract relates the built commit to the runs observed before it. The
// walk follows first parents from the built commit until it reaches a
// commit an earlier run built, a merge commit, or the root.
func (n *commitInfoNode) Extract(ctx context.Context, in *Input) (map[string]any, error) {
	out := make(map[string]any)
	run := in.Run

	if in.Wants("git_branch") {
		out["git_branch"] = run.Branch
	}
	if in.Wants("gh_is_pr") {
		out["gh_is_pr"] = isPullRequestEvent(run.Event)
	}
	if in.Wants("gh_by_bot") {
		out["gh_by_bot"] = run.IsBotCommit || botAuthorPattern.MatchString(run.AuthorName)
	}

	if !in.Wants("git_all_built_commits") && !in.Wants("git_num_all_built_commits") &&
		!in.Wants("git_prev_built_commit") && !in.Wants("git_prev_commit_resolution_status") &&
		!in.Wants("tr_prev_build") {
		return out, nil
	}

	start := in.Bundle.EffectiveSHA
	if start == "" {
		start = run.CommitSHA
	}
	commits, err := n.git.RevList(ctx, in.Bundle.BareRepoPath, start, gitbackend.RevListOptions{
		FirstParent: true,
		MaxCount:    prevBuildWalkLimit,
	})
	if err != nil {
		return out, ferrors.WrapError(err, ferrors.CategoryGit, fmt.Sprintf("walk history from %s", start)).Build()
	}

	earlier := earlierRunsBySHA(in.Bundle.Refs, run)

	var built []string
	status := ResolutionNoPreviousBuild
	var prevCommit, prevBuild any
	for i := range commits {
		c := &commits[i]
		if ref, ok := earlier[c.SHA]; ok {
			status = ResolutionBuildFound
			prevCommit = c.SHA
			prevBuild = int64(ref.Number)
			break
		}
		built = append(built, c.SHA)
		if c.IsMerge() {
			status = ResolutionMergeFound
			break
		}
	}

	if in.Wants("git_all_built_commits") {
		out["git_all_built_commits"] = built
	}
	if in.Wants("git_num_all_built_commits") {
		out["git_num_all_built_commits"] = int64(len(built))
	}
	if in.Wants("git_prev_built_commit") {
		out["git_prev_built_commit"] = prevCommit
	}
	if in.Wants("git_prev_commit_resolution_status") {
		out["git_prev_commit_resolution_status"] = status
	}
	if in.Wants("tr_prev_build") {
		out["tr_prev_build"] = prevBuild
	}
	return out, nil
}

func isPullRequestEvent(event string) bool {
	return strings.Contains(event, "pull_request") || strings.Contains(event, "merge_request")
}

// earlierRunsBySHA indexes runs observed before the current one by
// commit. When several earlier runs built the same commit the earliest
// wins, matching how history reads.
func earlierRunsBySHA(refs []store.BuildRunRef, run *store.RawBuildRun) map[string]store.BuildRunRef {
	out := make(map[string]store.BuildRunRef, len(refs))
	for _, ref := range refs {
		if ref.ID == run.ID || !earlierRun(ref, run) {
			continue
		}
		existing, ok := out[ref.CommitSHA]
		if !ok || ref.Number < existing.Number {
			out[ref.CommitSHA] = ref
		}
	}
	return out
}

// earlierRun orders runs by build number when both sides have one, and
// by insertion order otherwise.
func earlierRun(ref store.BuildRunRef, run *store.RawBuildRun) bool {
	if ref.Number != 0 && run.Number != 0 {
		return ref.Number < run.Number
	}
	return ref.ID < run.ID
}
