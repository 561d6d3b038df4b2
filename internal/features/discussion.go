package features

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/tidwall/gjson"
)

type discussionNode struct {
	logger *slog.Logger
}

func newDiscussionNode(deps NodeDeps) *discussionNode {
	return &discussionNode{logger: deps.Logger}
}

func (n *discussionNode) Name() string { return NodeDiscussion }

// Extract measures conversation volume around the change. The pull
// request object carries exact comment totals, so one lookup covers all
// PR-scoped counts. Runs without a pull request report null for those,
// not zero: absent is not the same as silent.
func (n *discussionNode) Extract(ctx context.Context, in *Input) (map[string]any, error) {
	api := in.Bundle.API
	if api == nil {
		return nil, ferrors.NewError(ferrors.CategoryExtraction, "github api client unavailable").Build()
	}
	slug := in.Repo.FullName
	out := make(map[string]any)

	wantsPR := in.Wants("gh_num_issue_comments") || in.Wants("gh_num_pr_comments") || in.Wants("gh_description_complexity")
	if wantsPR {
		issueComments, prComments, complexity, err := n.pullRequestCounts(ctx, in, slug)
		if err != nil {
			return out, err
		}
		if in.Wants("gh_num_issue_comments") {
			out["gh_num_issue_comments"] = issueComments
		}
		if in.Wants("gh_num_pr_comments") {
			out["gh_num_pr_comments"] = prComments
		}
		if in.Wants("gh_description_complexity") {
			out["gh_description_complexity"] = complexity
		}
	}

	if in.Wants("gh_num_commit_comments") {
		res, err := api.GetJSON(ctx, fmt.Sprintf("/repos/%s/commits/%s", slug, in.Run.CommitSHA))
		switch {
		case err == nil:
			out["gh_num_commit_comments"] = res.Get("commit.comment_count").Int()
		case ferrors.IsResourceMissing(err):
			// Replayed fork commits do not exist upstream.
			out["gh_num_commit_comments"] = int64(0)
		default:
			return out, err
		}
	}
	return out, nil
}

// pullRequestCounts resolves the run's pull request and reads its
// comment totals and description size. All three are null without a PR.
func (n *discussionNode) pullRequestCounts(ctx context.Context, in *Input, slug string) (issueComments, prComments, complexity any, err error) {
	prNumber := pullRequestNumber(in.Run.RawPayload)
	if prNumber == 0 {
		return nil, nil, nil, nil
	}
	res, err := in.Bundle.API.GetJSON(ctx, fmt.Sprintf("/repos/%s/pulls/%d", slug, prNumber))
	if err != nil {
		if ferrors.IsResourceMissing(err) {
			return nil, nil, nil, nil
		}
		return nil, nil, nil, err
	}
	words := wordCount(res.Get("title").String()) + wordCount(res.Get("body").String())
	return res.Get("comments").Int(), res.Get("review_comments").Int(), int64(words), nil
}

// pullRequestNumber digs the PR number out of the stored provider
// payload. GitHub workflow runs carry it under pull_requests.
func pullRequestNumber(payload []byte) int64 {
	if len(payload) == 0 {
		return 0
	}
	doc := gjson.ParseBytes(payload)
	if n := doc.Get("pull_requests.0.number").Int(); n > 0 {
		return n
	}
	return doc.Get("pull_request.number").Int()
}

func wordCount(s string) int {
	return len(strings.Fields(s))
}
