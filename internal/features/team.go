package features

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/gitbackend"
	"github.com/buildlens/buildlens/internal/logfields"
)

// teamWindow is how far back the active-team view reaches from the run.
const teamWindow = 90 * 24 * time.Hour

type teamNode struct {
	git    gitbackend.GitBackend
	logger *slog.Logger
}

func newTeamNode(deps NodeDeps) *teamNode {
	return &teamNode{git: deps.Git, logger: deps.Logger}
}

func (n *teamNode) Name() string { return NodeTeam }

// Extract looks at who was active around this run. The commits the run
// itself introduced are excluded, otherwise every author would be a core
// team member of their own build.
func (n *teamNode) Extract(ctx context.Context, in *Input) (map[string]any, error) {
	built, ok := in.FeatureStrings("git_all_built_commits")
	if !ok {
		return nil, ferrors.NewError(ferrors.CategoryExtraction, "git_all_built_commits unavailable").Build()
	}
	builtSet := make(map[string]bool, len(built))
	for _, sha := range built {
		builtSet[sha] = true
	}

	start := in.Bundle.EffectiveSHA
	if start == "" {
		start = in.Run.CommitSHA
	}
	head, err := n.git.LookupCommit(in.Bundle.BareRepoPath, start)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryGit, fmt.Sprintf("lookup %s", start)).Build()
	}
	ref := in.Run.RunCreatedAt.UnwrapOr(head.Committer.When)

	commits, err := n.git.RevList(ctx, in.Bundle.BareRepoPath, start, gitbackend.RevListOptions{
		Since: ref.Add(-teamWindow),
	})
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryGit, "walk team window").Build()
	}

	emails := make(map[string]bool)
	names := make(map[string]bool)
	identities := make(map[string]bool)
	for i := range commits {
		c := &commits[i]
		if builtSet[c.SHA] || botAuthorPattern.MatchString(c.Author.Name) {
			continue
		}
		email := strings.ToLower(c.Author.Email)
		name := strings.ToLower(c.Author.Name)
		if email != "" {
			emails[email] = true
		}
		if name != "" {
			names[name] = true
		}
		key := email
		if key == "" {
			key = name
		}
		if key != "" {
			identities[key] = true
		}
	}

	out := make(map[string]any)
	if in.Wants("gh_team_size") {
		out["gh_team_size"] = int64(len(identities))
	}
	if in.Wants("gh_by_core_team_member") {
		authorEmail := strings.ToLower(head.Author.Email)
		authorName := strings.ToLower(head.Author.Name)
		core := emails[authorEmail] || names[authorName]
		if !core && in.Bundle.API != nil {
			// The git identity may differ from the account that pushed;
			// the API view of the commit carries both.
			res, err := in.Bundle.API.GetJSON(ctx, fmt.Sprintf("/repos/%s/commits/%s", in.Repo.FullName, start))
			if err != nil {
				n.logger.Debug("Commit author lookup failed", logfields.CommitSHA(start), logfields.Error(err))
			} else {
				core = emails[strings.ToLower(res.Get("commit.author.email").String())] ||
					names[strings.ToLower(res.Get("author.login").String())]
			}
		}
		out["gh_by_core_team_member"] = core
	}

	if in.Wants("gh_num_commits_on_files_touched") {
		count, err := n.commitsOnTouchedFiles(ctx, in, built, builtSet, start, ref)
		if err != nil {
			return out, err
		}
		out["gh_num_commits_on_files_touched"] = count
	}
	return out, nil
}

// commitsOnTouchedFiles counts how many earlier commits in the window
// changed the same files this run's commits changed.
func (n *teamNode) commitsOnTouchedFiles(ctx context.Context, in *Input, built []string, builtSet map[string]bool, start string, ref time.Time) (int64, error) {
	fileSet := make(map[string]bool)
	for _, sha := range built {
		changes, err := n.git.CommitStats(ctx, in.Bundle.BareRepoPath, sha)
		if err != nil {
			return 0, ferrors.WrapError(err, ferrors.CategoryGit, fmt.Sprintf("stats of %s", sha)).Build()
		}
		for _, ch := range changes {
			fileSet[ch.Path] = true
		}
	}
	if len(fileSet) == 0 {
		return 0, nil
	}
	files := make([]string, 0, len(fileSet))
	for f := range fileSet {
		files = append(files, f)
	}
	sort.Strings(files)

	commits, err := n.git.RevList(ctx, in.Bundle.BareRepoPath, start, gitbackend.RevListOptions{
		Since: ref.Add(-teamWindow),
		Paths: files,
	})
	if err != nil {
		return 0, ferrors.WrapError(err, ferrors.CategoryGit, "walk touched files").Build()
	}
	var count int64
	for i := range commits {
		if !builtSet[commits[i].SHA] {
			count++
		}
	}
	return count, nil
}
