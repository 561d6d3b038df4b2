package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/buildlens/buildlens/internal/config"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/metrics"
	"github.com/buildlens/buildlens/internal/tokenpool"
)

// GitHubProvider adapts the GitHub Actions API. Authentication flows through
// the shared token pool: every request acquires the best available token and
// feeds the observed X-RateLimit headers back into the pool.
type GitHubProvider struct {
	apiURL       string
	httpClient   *http.Client
	probeClient  *http.Client
	pool         *tokenpool.Pool
	logger       *slog.Logger
	recorder     metrics.Recorder
	botPatterns  []string
	logThreshold int
}

// NewGitHubProvider creates a GitHub Actions adapter.
func NewGitHubProvider(pc *config.ProviderConfig, deps Dependencies) (*GitHubProvider, error) {
	if deps.TokenPool == nil {
		return nil, ferrors.ConfigError("github provider requires a token pool").Build()
	}
	apiURL := pc.APIURL
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	// The probe client must not follow the log redirect; a 302 already
	// proves the logs exist.
	probeClient := &http.Client{
		Timeout:   httpClient.Timeout,
		Transport: httpClient.Transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	return &GitHubProvider{
		apiURL:       apiURL,
		httpClient:   httpClient,
		probeClient:  probeClient,
		pool:         deps.TokenPool,
		logger:       logger,
		recorder:     recorder,
		botPatterns:  deps.BotPatterns,
		logThreshold: deps.LogUnavailableThreshold,
	}, nil
}

// Type returns the provider type.
func (c *GitHubProvider) Type() config.ProviderType { return config.ProviderGitHub }

// NormalizeStatus maps a GitHub Actions status string into the shared enum.
func (c *GitHubProvider) NormalizeStatus(providerStatus string) BuildStatus {
	return githubStatuses.Normalize(providerStatus)
}

// WaitRateLimit is a no-op: pacing is enforced by the token pool.
func (c *GitHubProvider) WaitRateLimit(ctx context.Context) error { return nil }

type githubWorkflowRun struct {
	ID           int64     `json:"id"`
	RunNumber    int       `json:"run_number"`
	Status       string    `json:"status"`
	Conclusion   string    `json:"conclusion"`
	HeadBranch   string    `json:"head_branch"`
	HeadSHA      string    `json:"head_sha"`
	Event        string    `json:"event"`
	HTMLURL      string    `json:"html_url"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	RunStartedAt time.Time `json:"run_started_at"`
	HeadCommit   struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Author  struct {
			Name  string `json:"name"`
			Email string `json:"email"`
		} `json:"author"`
	} `json:"head_commit"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	HeadRepository struct {
		FullName string `json:"full_name"`
	} `json:"head_repository"`
	Actor struct {
		Login string `json:"login"`
	} `json:"actor"`
}

type githubWorkflowRunsResponse struct {
	TotalCount   int               `json:"total_count"`
	WorkflowRuns []json.RawMessage `json:"workflow_runs"`
}

type githubJob struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	Conclusion  string `json:"conclusion"`
	StartedAt   string `json:"started_at"`
	CompletedAt string `json:"completed_at"`
}

type githubJobsResponse struct {
	TotalCount int         `json:"total_count"`
	Jobs       []githubJob `json:"jobs"`
}

// FetchBuilds returns one page of workflow runs, newest first.
func (c *GitHubProvider) FetchBuilds(ctx context.Context, repo string, opts FetchOptions) ([]Build, error) {
	owner, name := splitRepoSlug(repo)
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(clampPageSize(opts.Limit)))
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Branch != "" {
		q.Set("branch", opts.Branch)
	}
	if opts.OnlyCompleted {
		q.Set("status", "completed")
	}
	if !opts.Since.IsZero() {
		q.Set("created", ">="+opts.Since.UTC().Format("2006-01-02"))
	}
	endpoint := fmt.Sprintf("/repos/%s/%s/actions/runs?%s", owner, name, q.Encode())

	start := time.Now()
	var page githubWorkflowRunsResponse
	if err := c.doRequest(ctx, http.MethodGet, endpoint, &page); err != nil {
		return nil, err
	}
	c.recorder.ObserveFetchPage("github", time.Since(start))

	builds := make([]Build, 0, len(page.WorkflowRuns))
	probe := newLogProbe(c.logThreshold)
	for _, raw := range page.WorkflowRuns {
		var run githubWorkflowRun
		if err := json.Unmarshal(raw, &run); err != nil {
			return builds, ferrors.WrapError(err, ferrors.CategoryProvider, "github: decode workflow run").Build()
		}
		b := c.convertRun(&run, raw)
		if opts.OnlyCompleted && b.Status != StatusCompleted {
			continue
		}
		if opts.ExcludeBots && b.IsBotCommit {
			continue
		}
		if opts.OnlyWithLogs {
			available, err := c.probeRunLogs(ctx, owner, name, run.ID)
			if err != nil {
				return builds, err
			}
			b.HasLogs = available
			if !available {
				if probe.observe(false) {
					c.logger.Warn("Aborting page, too many consecutive log misses",
						logfields.Repository(repo), slog.Int("threshold", c.logThreshold))
					return builds, ErrLogProbeAborted
				}
				continue
			}
			probe.observe(true)
		}
		builds = append(builds, b)
	}
	c.recorder.AddBuildsFetched("github", len(builds))
	return builds, nil
}

// FetchBuildDetails returns one workflow run or ErrNotFound.
func (c *GitHubProvider) FetchBuildDetails(ctx context.Context, repo string, buildID int64) (*Build, error) {
	owner, name := splitRepoSlug(repo)
	endpoint := fmt.Sprintf("/repos/%s/%s/actions/runs/%d", owner, name, buildID)

	var raw json.RawMessage
	if err := c.doRequest(ctx, http.MethodGet, endpoint, &raw); err != nil {
		return nil, err
	}
	var run githubWorkflowRun
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryProvider, "github: decode workflow run").Build()
	}
	b := c.convertRun(&run, raw)
	return &b, nil
}

// FetchBuildJobs lists the jobs of one workflow run.
func (c *GitHubProvider) FetchBuildJobs(ctx context.Context, repo string, buildID int64) ([]Job, error) {
	owner, name := splitRepoSlug(repo)
	endpoint := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs?per_page=100", owner, name, buildID)

	var page githubJobsResponse
	if err := c.doRequest(ctx, http.MethodGet, endpoint, &page); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(page.Jobs))
	for _, j := range page.Jobs {
		jobs = append(jobs, Job{
			ID:         j.ID,
			Name:       j.Name,
			Status:     githubStatuses.Normalize(j.Status),
			Conclusion: githubConclusions.Normalize(j.Conclusion),
			StartedAt:  parseTimeRFC3339(j.StartedAt),
			FinishedAt: parseTimeRFC3339(j.CompletedAt),
		})
	}
	return jobs, nil
}

// FetchBuildLogs downloads per-job log text. Jobs whose logs have expired
// are skipped; when no requested log remains the call reports
// ErrLogsUnavailable.
func (c *GitHubProvider) FetchBuildLogs(ctx context.Context, repo string, buildID, jobID int64) ([]LogObject, error) {
	jobs, err := c.FetchBuildJobs(ctx, repo, buildID)
	if err != nil {
		return nil, err
	}
	owner, name := splitRepoSlug(repo)

	var logs []LogObject
	attempted := 0
	for _, job := range jobs {
		if jobID != 0 && job.ID != jobID {
			continue
		}
		attempted++
		text, err := c.fetchJobLog(ctx, owner, name, job.ID)
		if err != nil {
			if ferrors.IsResourceMissing(err) {
				c.logger.Debug("Job log unavailable",
					logfields.Repository(repo), logfields.BuildID(buildID), slog.Int64("job_id", job.ID))
				continue
			}
			return nil, err
		}
		logs = append(logs, LogObject{
			JobID:     job.ID,
			JobName:   job.Name,
			Path:      fmt.Sprintf("%d/%s.txt", job.ID, sanitizeLogName(job.Name)),
			Text:      text,
			SizeBytes: int64(len(text)),
		})
	}
	if attempted > 0 && len(logs) == 0 {
		return nil, ErrLogsUnavailable
	}
	return logs, nil
}

func (c *GitHubProvider) fetchJobLog(ctx context.Context, owner, name string, jobID int64) (string, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/actions/jobs/%d/logs", owner, name, jobID)
	req, err := c.newRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return "", err
	}
	tok, err := c.pool.Acquire(ctx)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryNetwork, "github: fetch job log").Retryable().Build()
	}
	defer resp.Body.Close()
	c.recordRateLimit(ctx, tok.Hash, resp)

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return "", ErrLogsUnavailable
	}
	if resp.StatusCode >= 400 {
		return "", c.handleErrorResponse(ctx, tok.Hash, resp)
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryNetwork, "github: read job log").Retryable().Build()
	}
	return string(b), nil
}

// probeRunLogs checks log availability without downloading. GitHub answers
// the run-logs endpoint with a redirect when an archive exists.
func (c *GitHubProvider) probeRunLogs(ctx context.Context, owner, name string, runID int64) (bool, error) {
	endpoint := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/logs", owner, name, runID)
	req, err := c.newRequest(ctx, http.MethodGet, endpoint)
	if err != nil {
		return false, err
	}
	tok, err := c.pool.Acquire(ctx)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Secret)

	resp, err := c.probeClient.Do(req)
	if err != nil {
		return false, ferrors.WrapError(err, ferrors.CategoryNetwork, "github: probe run logs").Retryable().Build()
	}
	defer resp.Body.Close()
	c.recordRateLimit(ctx, tok.Hash, resp)

	switch {
	case resp.StatusCode == http.StatusFound || resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return false, nil
	default:
		return false, c.handleErrorResponse(ctx, tok.Hash, resp)
	}
}

func (c *GitHubProvider) convertRun(run *githubWorkflowRun, raw json.RawMessage) Build {
	startedAt := run.RunStartedAt
	if startedAt.IsZero() {
		startedAt = run.CreatedAt
	}
	var finishedAt time.Time
	if githubStatuses.Normalize(run.Status) == StatusCompleted {
		finishedAt = run.UpdatedAt
	}
	author := run.HeadCommit.Author.Name
	if author == "" {
		author = run.Actor.Login
	}
	return Build{
		ProviderBuildID: run.ID,
		Number:          run.RunNumber,
		Status:          githubStatuses.Normalize(run.Status),
		Conclusion:      githubConclusions.Normalize(run.Conclusion),
		Branch:          run.HeadBranch,
		CommitSHA:       run.HeadSHA,
		CommitMessage:   run.HeadCommit.Message,
		AuthorName:      author,
		AuthorEmail:     run.HeadCommit.Author.Email,
		IsBotCommit:     IsBotAuthor(author, c.botPatterns) || IsBotAuthor(run.Actor.Login, c.botPatterns),
		Event:           run.Event,
		IsFork:          run.HeadRepository.FullName != "" && run.HeadRepository.FullName != run.Repository.FullName,
		HeadRepoSlug:    run.HeadRepository.FullName,
		WebURL:          run.HTMLURL,
		CreatedAt:       run.CreatedAt,
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
		RawPayload:      raw,
	}
}

func (c *GitHubProvider) newRequest(ctx context.Context, method, endpoint string) (*http.Request, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryConfig, "github: parse api url").Build()
	}
	parts := strings.SplitN(endpoint, "?", 2)
	u.Path = path.Join(u.Path, parts[0])
	if len(parts) == 2 {
		u.RawQuery = parts[1]
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), nil)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "github: build request").Build()
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "BuildLens/1.0")
	return req, nil
}

func (c *GitHubProvider) doRequest(ctx context.Context, method, endpoint string, result any) error {
	req, err := c.newRequest(ctx, method, endpoint)
	if err != nil {
		return err
	}
	tok, err := c.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+tok.Secret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryNetwork, "github: request failed").Retryable().Build()
	}
	defer resp.Body.Close()
	c.recordRateLimit(ctx, tok.Hash, resp)

	if resp.StatusCode >= 400 {
		return c.handleErrorResponse(ctx, tok.Hash, resp)
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryProvider, "github: decode response").Build()
		}
	}
	return nil
}

// recordRateLimit feeds X-RateLimit headers back into the pool. Header
// parsing problems are logged, never surfaced: the response itself matters
// more than the bookkeeping.
func (c *GitHubProvider) recordRateLimit(ctx context.Context, tokenHash string, resp *http.Response) {
	remaining, err1 := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	limit, err2 := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	reset, err3 := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	if err := c.pool.Update(ctx, tokenHash, remaining, limit, time.Unix(reset, 0)); err != nil {
		c.logger.Warn("Failed to record rate limit", logfields.TokenHash(tokenHash), logfields.Error(err))
	}
}

func (c *GitHubProvider) handleErrorResponse(ctx context.Context, tokenHash string, resp *http.Response) error {
	body := readErrorBody(resp)
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		if err := c.pool.MarkInvalid(ctx, tokenHash); err != nil {
			c.logger.Warn("Failed to mark token invalid", logfields.TokenHash(tokenHash), logfields.Error(err))
		}
		return ferrors.AuthError("github: token rejected").
			WithContext(ferrors.ContextKeyTokenHash, tokenHash).Build()
	case http.StatusForbidden, http.StatusTooManyRequests:
		if isSecondaryLimitBody(body) {
			retryAfter := secondaryRetryAfter(resp)
			if err := c.pool.MarkSecondaryLimited(ctx, tokenHash, retryAfter); err != nil {
				c.logger.Warn("Failed to mark secondary limit", logfields.TokenHash(tokenHash), logfields.Error(err))
			}
			return ferrors.SecondaryRateLimitedError("github: secondary rate limit", time.Now().Add(retryAfter)).
				WithContext(ferrors.ContextKeyTokenHash, tokenHash).Build()
		}
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			reset, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
			return ferrors.RateLimitedError("github: primary rate limit exhausted", time.Unix(reset, 0)).
				WithContext(ferrors.ContextKeyTokenHash, tokenHash).Build()
		}
		return classifyStatus("github", resp, body)
	default:
		return classifyStatus("github", resp, body)
	}
}

func secondaryRetryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 60 * time.Second
}

func clampPageSize(limit int) int {
	if limit <= 0 {
		return 30
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func sanitizeLogName(name string) string {
	replacer := strings.NewReplacer("/", "_", " ", "_", "\\", "_")
	return replacer.Replace(strings.ToLower(name))
}
