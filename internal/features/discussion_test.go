package features

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/buildlens/buildlens/internal/resources"
	"github.com/buildlens/buildlens/internal/store"
)

func discussionServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasPrefix(r.URL.Path, "/repos/acme/widget/pulls/"):
			w.Write([]byte(`{
				"number": 12,
				"title": "Fix the gadget",
				"body": "Two words here indeed",
				"comments": 5,
				"review_comments": 3
			}`))
		case strings.HasPrefix(r.URL.Path, "/repos/acme/widget/commits/"):
			w.Write([]byte(`{"sha": "deadbeef", "commit": {"comment_count": 2}}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func discussionInput(t *testing.T, server *httptest.Server, payload string) *Input {
	t.Helper()
	run := &store.RawBuildRun{
		ID:         1,
		Number:     1,
		CommitSHA:  "deadbeef",
		RawPayload: []byte(payload),
	}
	in := nodeInput("", run, nil)
	if server != nil {
		in.Bundle.API = resources.NewAPIClient(server.URL, server.Client(), nil, nil, testLogger())
	}
	return in
}

func TestDiscussionWithPullRequest(t *testing.T) {
	server := discussionServer(t)
	defer server.Close()
	in := discussionInput(t, server, `{"pull_requests": [{"number": 12}]}`)

	node := newDiscussionNode(NodeDeps{Logger: testLogger()})
	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if out["gh_num_issue_comments"] != int64(5) {
		t.Errorf("issue comments = %v", out["gh_num_issue_comments"])
	}
	if out["gh_num_pr_comments"] != int64(3) {
		t.Errorf("pr comments = %v", out["gh_num_pr_comments"])
	}
	// 3 title words plus 4 body words.
	if out["gh_description_complexity"] != int64(7) {
		t.Errorf("description complexity = %v", out["gh_description_complexity"])
	}
	if out["gh_num_commit_comments"] != int64(2) {
		t.Errorf("commit comments = %v", out["gh_num_commit_comments"])
	}
}

func TestDiscussionWithoutPullRequest(t *testing.T) {
	server := discussionServer(t)
	defer server.Close()
	in := discussionInput(t, server, `{"pull_requests": []}`)

	node := newDiscussionNode(NodeDeps{Logger: testLogger()})
	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	for _, name := range []string{"gh_num_issue_comments", "gh_num_pr_comments", "gh_description_complexity"} {
		v, ok := out[name]
		if !ok || v != nil {
			t.Errorf("%s = %v present=%v, want explicit nil", name, v, ok)
		}
	}
	if out["gh_num_commit_comments"] != int64(2) {
		t.Errorf("commit comments = %v", out["gh_num_commit_comments"])
	}
}

func TestDiscussionUnknownCommitCountsZero(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer server.Close()
	in := discussionInput(t, server, "").forNode([]string{"gh_num_commit_comments"})

	node := newDiscussionNode(NodeDeps{Logger: testLogger()})
	out, err := node.Extract(context.Background(), in)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	// Replayed fork commits do not exist upstream; that is not an error.
	if out["gh_num_commit_comments"] != int64(0) {
		t.Errorf("commit comments = %v", out["gh_num_commit_comments"])
	}
}

func TestDiscussionWithoutAPIClient(t *testing.T) {
	in := discussionInput(t, nil, "")
	node := newDiscussionNode(NodeDeps{Logger: testLogger()})
	if _, err := node.Extract(context.Background(), in); err == nil {
		t.Fatal("expected error without api client")
	}
}

func TestPullRequestNumber(t *testing.T) {
	cases := []struct {
		payload string
		want    int64
	}{
		{`{"pull_requests": [{"number": 12}]}`, 12},
		{`{"pull_request": {"number": 7}}`, 7},
		{`{"pull_requests": []}`, 0},
		{`{}`, 0},
		{``, 0},
	}
	for _, tc := range cases {
		if got := pullRequestNumber([]byte(tc.payload)); got != tc.want {
			t.Errorf("pullRequestNumber(%s) = %d, want %d", tc.payload, got, tc.want)
		}
	}
}
