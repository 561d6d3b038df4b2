package ci

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/buildlens/buildlens/internal/config"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/tokenpool"
)

const githubRunsPage = `{
  "total_count": 2,
  "workflow_runs": [
    {
      "id": 3001, "run_number": 42, "status": "completed", "conclusion": "success",
      "head_branch": "main", "head_sha": "abc123", "event": "push",
      "html_url": "https://github.com/acme/widget/actions/runs/3001",
      "created_at": "2024-05-01T10:00:00Z", "updated_at": "2024-05-01T10:05:00Z",
      "run_started_at": "2024-05-01T10:00:30Z",
      "head_commit": {"id": "abc123", "message": "Fix flaky retry", "author": {"name": "Dev One", "email": "dev1@acme.io"}},
      "repository": {"full_name": "acme/widget"},
      "head_repository": {"full_name": "acme/widget"},
      "actor": {"login": "dev1"}
    },
    {
      "id": 3000, "run_number": 41, "status": "in_progress", "conclusion": null,
      "head_branch": "feat", "head_sha": "def456", "event": "pull_request",
      "html_url": "https://github.com/acme/widget/actions/runs/3000",
      "created_at": "2024-05-01T09:00:00Z", "updated_at": "2024-05-01T09:01:00Z",
      "run_started_at": "2024-05-01T09:00:10Z",
      "head_commit": {"id": "def456", "message": "WIP", "author": {"name": "renovate[bot]", "email": ""}},
      "repository": {"full_name": "acme/widget"},
      "head_repository": {"full_name": "fork/widget"},
      "actor": {"login": "renovate[bot]"}
    }
  ]
}`

const githubSingleRun = `{
  "id": 3001, "run_number": 42, "status": "completed", "conclusion": "failure",
  "head_branch": "main", "head_sha": "abc123", "event": "push",
  "html_url": "https://github.com/acme/widget/actions/runs/3001",
  "created_at": "2024-05-01T10:00:00Z", "updated_at": "2024-05-01T10:05:00Z",
  "run_started_at": "2024-05-01T10:00:30Z",
  "head_commit": {"id": "abc123", "message": "Fix flaky retry", "author": {"name": "Dev One", "email": "dev1@acme.io"}},
  "repository": {"full_name": "acme/widget"},
  "head_repository": {"full_name": "acme/widget"},
  "actor": {"login": "dev1"}
}`

const githubJobsPage = `{
  "total_count": 2,
  "jobs": [
    {"id": 11, "name": "unit tests", "status": "completed", "conclusion": "success",
     "started_at": "2024-05-01T10:00:40Z", "completed_at": "2024-05-01T10:03:00Z"},
    {"id": 12, "name": "lint", "status": "completed", "conclusion": "failure",
     "started_at": "2024-05-01T10:00:45Z", "completed_at": "2024-05-01T10:02:00Z"}
  ]
}`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newGitHubTestProvider wires a provider against the handler with a single
// seeded token.
func newGitHubTestProvider(t *testing.T, handler http.Handler) (*GitHubProvider, *tokenpool.Pool) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	pool := tokenpool.New(client, testLogger())
	if _, err := pool.Seed(context.Background(), []string{"ghp_testtoken"}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	provider, err := NewGitHubProvider(&config.ProviderConfig{
		Name:   "github",
		Type:   config.ProviderGitHub,
		APIURL: server.URL,
	}, Dependencies{
		TokenPool:               pool,
		Logger:                  testLogger(),
		BotPatterns:             []string{"[bot]", "renovate"},
		LogUnavailableThreshold: 2,
	})
	if err != nil {
		t.Fatalf("NewGitHubProvider() error = %v", err)
	}
	return provider, pool
}

func writeRateLimitHeaders(w http.ResponseWriter, remaining string) {
	w.Header().Set("X-RateLimit-Remaining", remaining)
	w.Header().Set("X-RateLimit-Limit", "5000")
	w.Header().Set("X-RateLimit-Reset", "1900000000")
}

func TestGitHubProviderRequiresPool(t *testing.T) {
	_, err := NewGitHubProvider(&config.ProviderConfig{Type: config.ProviderGitHub}, Dependencies{})
	if err == nil {
		t.Fatal("NewGitHubProvider() without pool expected error, got nil")
	}
}

func TestGitHubFetchBuilds(t *testing.T) {
	var sawAuth, sawAPIVersion bool
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widget/actions/runs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		sawAuth = r.Header.Get("Authorization") == "Bearer ghp_testtoken"
		sawAPIVersion = r.Header.Get("X-GitHub-Api-Version") != ""
		if got := r.URL.Query().Get("per_page"); got != "50" {
			t.Errorf("per_page = %v, want 50", got)
		}
		writeRateLimitHeaders(w, "4999")
		_, _ = w.Write([]byte(githubRunsPage))
	})
	provider, pool := newGitHubTestProvider(t, handler)

	builds, err := provider.FetchBuilds(context.Background(), "acme/widget", FetchOptions{Limit: 50})
	if err != nil {
		t.Fatalf("FetchBuilds() error = %v", err)
	}
	if !sawAuth {
		t.Error("request did not carry the pool token")
	}
	if !sawAPIVersion {
		t.Error("request did not carry the API version header")
	}
	if len(builds) != 2 {
		t.Fatalf("FetchBuilds() returned %d builds, want 2", len(builds))
	}

	first := builds[0]
	if first.ProviderBuildID != 3001 || first.Number != 42 {
		t.Errorf("first build identity = (%d, %d), want (3001, 42)", first.ProviderBuildID, first.Number)
	}
	if first.Status != StatusCompleted || first.Conclusion != ConclusionSuccess {
		t.Errorf("first build state = (%s, %s), want (completed, success)", first.Status, first.Conclusion)
	}
	if first.Branch != "main" || first.CommitSHA != "abc123" {
		t.Errorf("first build ref = (%s, %s)", first.Branch, first.CommitSHA)
	}
	if first.IsFork {
		t.Error("first build should not be a fork")
	}
	if first.IsBotCommit {
		t.Error("first build should not be a bot commit")
	}
	if len(first.RawPayload) == 0 {
		t.Error("first build should keep the raw payload")
	}

	second := builds[1]
	if second.Status != StatusRunning {
		t.Errorf("second build status = %s, want running", second.Status)
	}
	if !second.IsFork || second.HeadRepoSlug != "fork/widget" {
		t.Errorf("second build fork = (%v, %s), want (true, fork/widget)", second.IsFork, second.HeadRepoSlug)
	}
	if !second.IsBotCommit {
		t.Error("second build should be a bot commit")
	}

	// The rate limit headers must land in the pool.
	statuses, err := pool.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(statuses) != 1 || statuses[0].Remaining != 4999 {
		t.Errorf("pool snapshot = %+v, want remaining 4999", statuses)
	}
}

func TestGitHubFetchBuildsExcludesBots(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeRateLimitHeaders(w, "4999")
		_, _ = w.Write([]byte(githubRunsPage))
	})
	provider, _ := newGitHubTestProvider(t, handler)

	builds, err := provider.FetchBuilds(context.Background(), "acme/widget", FetchOptions{ExcludeBots: true})
	if err != nil {
		t.Fatalf("FetchBuilds() error = %v", err)
	}
	if len(builds) != 1 {
		t.Fatalf("FetchBuilds() returned %d builds, want 1", len(builds))
	}
	if builds[0].ProviderBuildID != 3001 {
		t.Errorf("kept build = %d, want 3001", builds[0].ProviderBuildID)
	}
}

func TestGitHubTokenRejectedMarksInvalid(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"message": "Bad credentials"}`))
	})
	provider, pool := newGitHubTestProvider(t, handler)

	_, err := provider.FetchBuilds(context.Background(), "acme/widget", FetchOptions{})
	if err == nil {
		t.Fatal("FetchBuilds() expected error, got nil")
	}
	if !ferrors.HasCategory(err, ferrors.CategoryAuth) {
		t.Errorf("error category = %v, want auth", err)
	}

	statuses, err := pool.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(statuses) != 1 || statuses[0].State != tokenpool.StateInvalid {
		t.Errorf("token state = %+v, want invalid", statuses)
	}
}

func TestGitHubSecondaryLimitMarksCooldown(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message": "You have exceeded a secondary rate limit. Please wait a few minutes."}`))
	})
	provider, pool := newGitHubTestProvider(t, handler)

	_, err := provider.FetchBuilds(context.Background(), "acme/widget", FetchOptions{})
	if err == nil {
		t.Fatal("FetchBuilds() expected error, got nil")
	}
	if !ferrors.IsRateLimited(err) {
		t.Errorf("error = %v, want rate limited", err)
	}

	statuses, err := pool.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(statuses) != 1 || statuses[0].State != tokenpool.StateCooldown {
		t.Errorf("token state = %+v, want cooldown", statuses)
	}
}

func TestGitHubPrimaryLimitCarriesReset(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeRateLimitHeaders(w, "0")
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"message": "API rate limit exceeded"}`))
	})
	provider, _ := newGitHubTestProvider(t, handler)

	_, err := provider.FetchBuilds(context.Background(), "acme/widget", FetchOptions{})
	if err == nil {
		t.Fatal("FetchBuilds() expected error, got nil")
	}
	if !ferrors.IsRateLimited(err) {
		t.Errorf("error = %v, want rate limited", err)
	}
	var classified *ferrors.ClassifiedError
	if !errors.As(err, &classified) {
		t.Fatalf("error = %v, want classified", err)
	}
	resetAt, ok := classified.ResetAt()
	if !ok {
		t.Fatal("error carries no reset time")
	}
	if want := time.Unix(1900000000, 0); !resetAt.Equal(want) {
		t.Errorf("reset at = %v, want %v", resetAt, want)
	}
}

func TestGitHubFetchBuildDetails(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/widget/actions/runs/3001":
			writeRateLimitHeaders(w, "4998")
			_, _ = w.Write([]byte(githubSingleRun))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"message": "Not Found"}`))
		}
	})
	provider, _ := newGitHubTestProvider(t, handler)

	build, err := provider.FetchBuildDetails(context.Background(), "acme/widget", 3001)
	if err != nil {
		t.Fatalf("FetchBuildDetails() error = %v", err)
	}
	if build.Conclusion != ConclusionFailure {
		t.Errorf("conclusion = %s, want failure", build.Conclusion)
	}

	_, err = provider.FetchBuildDetails(context.Background(), "acme/widget", 9999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("missing build error = %v, want ErrNotFound", err)
	}
}

func TestGitHubFetchBuildJobs(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/repos/acme/widget/actions/runs/3001/jobs" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		writeRateLimitHeaders(w, "4997")
		_, _ = w.Write([]byte(githubJobsPage))
	})
	provider, _ := newGitHubTestProvider(t, handler)

	jobs, err := provider.FetchBuildJobs(context.Background(), "acme/widget", 3001)
	if err != nil {
		t.Fatalf("FetchBuildJobs() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("FetchBuildJobs() returned %d jobs, want 2", len(jobs))
	}
	if jobs[0].Name != "unit tests" || jobs[0].Status != StatusCompleted || jobs[0].Conclusion != ConclusionSuccess {
		t.Errorf("first job = %+v", jobs[0])
	}
	if jobs[1].Conclusion != ConclusionFailure {
		t.Errorf("second job conclusion = %s, want failure", jobs[1].Conclusion)
	}
}

func TestGitHubFetchBuildLogsSkipsExpired(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/widget/actions/runs/3001/jobs":
			writeRateLimitHeaders(w, "4996")
			_, _ = w.Write([]byte(githubJobsPage))
		case "/repos/acme/widget/actions/jobs/11/logs":
			writeRateLimitHeaders(w, "4995")
			_, _ = w.Write([]byte("2024-05-01T10:00:41Z ok: all tests passed"))
		case "/repos/acme/widget/actions/jobs/12/logs":
			w.WriteHeader(http.StatusGone)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	})
	provider, _ := newGitHubTestProvider(t, handler)

	logs, err := provider.FetchBuildLogs(context.Background(), "acme/widget", 3001, 0)
	if err != nil {
		t.Fatalf("FetchBuildLogs() error = %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("FetchBuildLogs() returned %d logs, want 1", len(logs))
	}
	if logs[0].JobID != 11 || logs[0].JobName != "unit tests" {
		t.Errorf("log identity = (%d, %s)", logs[0].JobID, logs[0].JobName)
	}
	if logs[0].SizeBytes == 0 || logs[0].Text == "" {
		t.Error("log should carry text")
	}
	if logs[0].Path != "11/unit_tests.txt" {
		t.Errorf("log path = %s, want 11/unit_tests.txt", logs[0].Path)
	}
}

func TestGitHubFetchBuildLogsAllExpired(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/acme/widget/actions/runs/3001/jobs" {
			writeRateLimitHeaders(w, "4996")
			_, _ = w.Write([]byte(githubJobsPage))
			return
		}
		w.WriteHeader(http.StatusGone)
	})
	provider, _ := newGitHubTestProvider(t, handler)

	_, err := provider.FetchBuildLogs(context.Background(), "acme/widget", 3001, 0)
	if !errors.Is(err, ErrLogsUnavailable) {
		t.Errorf("error = %v, want ErrLogsUnavailable", err)
	}
}

func TestGitHubOnlyWithLogsProbesRedirect(t *testing.T) {
	probed := map[string]int{}
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/acme/widget/actions/runs":
			writeRateLimitHeaders(w, "4999")
			_, _ = w.Write([]byte(githubRunsPage))
		case "/repos/acme/widget/actions/runs/3001/logs":
			probed[r.URL.Path]++
			w.Header().Set("Location", "https://archive.example.com/logs.zip")
			w.WriteHeader(http.StatusFound)
		case "/repos/acme/widget/actions/runs/3000/logs":
			probed[r.URL.Path]++
			w.WriteHeader(http.StatusNotFound)
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	})
	provider, _ := newGitHubTestProvider(t, handler)

	builds, err := provider.FetchBuilds(context.Background(), "acme/widget", FetchOptions{OnlyWithLogs: true})
	if err != nil {
		t.Fatalf("FetchBuilds() error = %v", err)
	}
	if len(builds) != 1 || builds[0].ProviderBuildID != 3001 {
		t.Fatalf("FetchBuilds() = %+v, want only run 3001", builds)
	}
	if !builds[0].HasLogs {
		t.Error("kept build should report logs available")
	}
	if len(probed) != 2 {
		t.Errorf("probed %d endpoints, want 2", len(probed))
	}
}

func TestGitHubOnlyWithLogsAbortsAfterMisses(t *testing.T) {
	// Three runs, all without logs; threshold is 2, so the page aborts early.
	runs := `{
  "total_count": 3,
  "workflow_runs": [
    {"id": 1, "run_number": 1, "status": "completed", "conclusion": "success",
     "head_branch": "main", "head_sha": "a", "event": "push",
     "created_at": "2024-05-01T10:00:00Z", "updated_at": "2024-05-01T10:05:00Z",
     "repository": {"full_name": "acme/widget"}, "head_repository": {"full_name": "acme/widget"},
     "head_commit": {"id": "a", "message": "m", "author": {"name": "d", "email": "d@x"}},
     "actor": {"login": "d"}},
    {"id": 2, "run_number": 2, "status": "completed", "conclusion": "success",
     "head_branch": "main", "head_sha": "b", "event": "push",
     "created_at": "2024-05-01T10:00:00Z", "updated_at": "2024-05-01T10:05:00Z",
     "repository": {"full_name": "acme/widget"}, "head_repository": {"full_name": "acme/widget"},
     "head_commit": {"id": "b", "message": "m", "author": {"name": "d", "email": "d@x"}},
     "actor": {"login": "d"}},
    {"id": 3, "run_number": 3, "status": "completed", "conclusion": "success",
     "head_branch": "main", "head_sha": "c", "event": "push",
     "created_at": "2024-05-01T10:00:00Z", "updated_at": "2024-05-01T10:05:00Z",
     "repository": {"full_name": "acme/widget"}, "head_repository": {"full_name": "acme/widget"},
     "head_commit": {"id": "c", "message": "m", "author": {"name": "d", "email": "d@x"}},
     "actor": {"login": "d"}}
  ]
}`
	probes := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/acme/widget/actions/runs" {
			writeRateLimitHeaders(w, "4999")
			_, _ = w.Write([]byte(runs))
			return
		}
		probes++
		w.WriteHeader(http.StatusNotFound)
	})
	provider, _ := newGitHubTestProvider(t, handler)

	builds, err := provider.FetchBuilds(context.Background(), "acme/widget", FetchOptions{OnlyWithLogs: true})
	if !errors.Is(err, ErrLogProbeAborted) {
		t.Fatalf("error = %v, want ErrLogProbeAborted", err)
	}
	if len(builds) != 0 {
		t.Errorf("builds = %d, want 0", len(builds))
	}
	if probes != 2 {
		t.Errorf("probes = %d, want 2 (abort at threshold)", probes)
	}
}
