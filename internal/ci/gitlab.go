package ci

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/buildlens/buildlens/internal/config"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/metrics"
)

// GitLabProvider adapts the GitLab pipelines API (v4). Pipeline listings are
// thin, so commit author and message are enriched through the repository
// commits endpoint.
type GitLabProvider struct {
	apiURL       string
	token        string
	httpClient   *http.Client
	pace         *pacer
	logger       *slog.Logger
	recorder     metrics.Recorder
	botPatterns  []string
	logThreshold int
}

// NewGitLabProvider creates a GitLab CI adapter.
func NewGitLabProvider(pc *config.ProviderConfig, deps Dependencies) (*GitLabProvider, error) {
	apiURL := pc.APIURL
	if apiURL == "" {
		apiURL = "https://gitlab.com"
	}
	httpClient := deps.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}
	var token string
	if pc.Auth != nil {
		token = pc.Auth.Token
	}
	return &GitLabProvider{
		apiURL:       apiURL,
		token:        token,
		httpClient:   httpClient,
		pace:         newPacer(providerDelay(pc)),
		logger:       logger,
		recorder:     recorder,
		botPatterns:  deps.BotPatterns,
		logThreshold: deps.LogUnavailableThreshold,
	}, nil
}

// Type returns the provider type.
func (c *GitLabProvider) Type() config.ProviderType { return config.ProviderGitLab }

// NormalizeStatus maps a GitLab pipeline status into the shared enum.
func (c *GitLabProvider) NormalizeStatus(providerStatus string) BuildStatus {
	return gitlabStatuses.Normalize(providerStatus)
}

// WaitRateLimit enforces the configured per-request delay.
func (c *GitLabProvider) WaitRateLimit(ctx context.Context) error {
	return c.pace.Wait(ctx)
}

type gitlabPipeline struct {
	ID         int64  `json:"id"`
	IID        int    `json:"iid"`
	Status     string `json:"status"`
	Source     string `json:"source"`
	Ref        string `json:"ref"`
	SHA        string `json:"sha"`
	WebURL     string `json:"web_url"`
	CreatedAt  string `json:"created_at"`
	UpdatedAt  string `json:"updated_at"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	User       struct {
		Name     string `json:"name"`
		Username string `json:"username"`
	} `json:"user"`
}

type gitlabCommit struct {
	ID          string `json:"id"`
	Message     string `json:"message"`
	AuthorName  string `json:"author_name"`
	AuthorEmail string `json:"author_email"`
}

type gitlabJob struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	ErasedAt   string `json:"erased_at"`
}

// FetchBuilds returns one page of pipelines, newest first.
func (c *GitLabProvider) FetchBuilds(ctx context.Context, repo string, opts FetchOptions) ([]Build, error) {
	q := url.Values{}
	q.Set("per_page", strconv.Itoa(clampPageSize(opts.Limit)))
	q.Set("order_by", "id")
	q.Set("sort", "desc")
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Branch != "" {
		q.Set("ref", opts.Branch)
	}
	if !opts.Since.IsZero() {
		q.Set("updated_after", opts.Since.UTC().Format(time.RFC3339))
	}
	if opts.OnlyCompleted {
		q.Set("scope", "finished")
	}
	endpoint := fmt.Sprintf("/api/v4/projects/%s/pipelines?%s", url.PathEscape(repo), q.Encode())

	start := time.Now()
	var raws []json.RawMessage
	if err := c.doRequest(ctx, endpoint, &raws); err != nil {
		return nil, err
	}
	c.recorder.ObserveFetchPage("gitlab", time.Since(start))

	commits := make(map[string]*gitlabCommit)
	builds := make([]Build, 0, len(raws))
	probe := newLogProbe(c.logThreshold)
	for _, raw := range raws {
		var p gitlabPipeline
		if err := json.Unmarshal(raw, &p); err != nil {
			return builds, ferrors.WrapError(err, ferrors.CategoryProvider, "gitlab: decode pipeline").Build()
		}
		commit, ok := commits[p.SHA]
		if !ok {
			var err error
			commit, err = c.fetchCommit(ctx, repo, p.SHA)
			if err != nil {
				return builds, err
			}
			commits[p.SHA] = commit
		}
		b := c.convertPipeline(&p, commit, raw)
		if opts.OnlyCompleted && b.Status != StatusCompleted {
			continue
		}
		if opts.ExcludeBots && b.IsBotCommit {
			continue
		}
		if opts.OnlyWithLogs {
			available, err := c.probePipelineLogs(ctx, repo, p.ID)
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
	c.recorder.AddBuildsFetched("gitlab", len(builds))
	return builds, nil
}

// FetchBuildDetails returns one pipeline or ErrNotFound.
func (c *GitLabProvider) FetchBuildDetails(ctx context.Context, repo string, buildID int64) (*Build, error) {
	endpoint := fmt.Sprintf("/api/v4/projects/%s/pipelines/%d", url.PathEscape(repo), buildID)

	var raw json.RawMessage
	if err := c.doRequest(ctx, endpoint, &raw); err != nil {
		return nil, err
	}
	var p gitlabPipeline
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryProvider, "gitlab: decode pipeline").Build()
	}
	commit, err := c.fetchCommit(ctx, repo, p.SHA)
	if err != nil {
		return nil, err
	}
	b := c.convertPipeline(&p, commit, raw)
	return &b, nil
}

// FetchBuildJobs lists the jobs of one pipeline.
func (c *GitLabProvider) FetchBuildJobs(ctx context.Context, repo string, buildID int64) ([]Job, error) {
	jobs, err := c.fetchPipelineJobs(ctx, repo, buildID)
	if err != nil {
		return nil, err
	}
	out := make([]Job, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, Job{
			ID:         j.ID,
			Name:       j.Name,
			Status:     gitlabStatuses.Normalize(j.Status),
			Conclusion: gitlabConclusions.Normalize(j.Status),
			StartedAt:  parseTimeRFC3339(j.StartedAt),
			FinishedAt: parseTimeRFC3339(j.FinishedAt),
		})
	}
	return out, nil
}

// FetchBuildLogs downloads per-job traces. Erased traces are skipped; when
// nothing remains the call reports ErrLogsUnavailable.
func (c *GitLabProvider) FetchBuildLogs(ctx context.Context, repo string, buildID, jobID int64) ([]LogObject, error) {
	jobs, err := c.fetchPipelineJobs(ctx, repo, buildID)
	if err != nil {
		return nil, err
	}

	var logs []LogObject
	attempted := 0
	for _, job := range jobs {
		if jobID != 0 && job.ID != jobID {
			continue
		}
		attempted++
		endpoint := fmt.Sprintf("/api/v4/projects/%s/jobs/%d/trace", url.PathEscape(repo), job.ID)
		text, err := c.fetchText(ctx, endpoint)
		if err != nil {
			if stderrors.Is(err, ErrLogsUnavailable) || ferrors.IsResourceMissing(err) {
				c.logger.Debug("Job trace unavailable",
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

func (c *GitLabProvider) fetchPipelineJobs(ctx context.Context, repo string, pipelineID int64) ([]gitlabJob, error) {
	endpoint := fmt.Sprintf("/api/v4/projects/%s/pipelines/%d/jobs?per_page=100", url.PathEscape(repo), pipelineID)
	var jobs []gitlabJob
	if err := c.doRequest(ctx, endpoint, &jobs); err != nil {
		return nil, err
	}
	return jobs, nil
}

// probePipelineLogs reports whether any job of the pipeline still carries a
// trace. GitLab marks erased traces with erased_at on the job.
func (c *GitLabProvider) probePipelineLogs(ctx context.Context, repo string, pipelineID int64) (bool, error) {
	jobs, err := c.fetchPipelineJobs(ctx, repo, pipelineID)
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	for _, j := range jobs {
		if j.ErasedAt == "" {
			return true, nil
		}
	}
	return false, nil
}

func (c *GitLabProvider) fetchCommit(ctx context.Context, repo, sha string) (*gitlabCommit, error) {
	if sha == "" {
		return nil, nil
	}
	endpoint := fmt.Sprintf("/api/v4/projects/%s/repository/commits/%s", url.PathEscape(repo), url.PathEscape(sha))
	var commit gitlabCommit
	if err := c.doRequest(ctx, endpoint, &commit); err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &commit, nil
}

func (c *GitLabProvider) convertPipeline(p *gitlabPipeline, commit *gitlabCommit, raw json.RawMessage) Build {
	b := Build{
		ProviderBuildID: p.ID,
		Number:          p.IID,
		Status:          gitlabStatuses.Normalize(p.Status),
		Conclusion:      gitlabConclusions.Normalize(p.Status),
		Branch:          p.Ref,
		CommitSHA:       p.SHA,
		Event:           p.Source,
		WebURL:          p.WebURL,
		CreatedAt:       parseTimeRFC3339(p.CreatedAt),
		StartedAt:       parseTimeRFC3339(p.StartedAt),
		FinishedAt:      parseTimeRFC3339(p.FinishedAt),
		RawPayload:      raw,
	}
	if b.StartedAt.IsZero() {
		b.StartedAt = b.CreatedAt
	}
	if commit != nil {
		b.CommitMessage = commit.Message
		b.AuthorName = commit.AuthorName
		b.AuthorEmail = commit.AuthorEmail
	}
	if b.AuthorName == "" {
		b.AuthorName = p.User.Name
	}
	b.IsBotCommit = IsBotAuthor(b.AuthorName, c.botPatterns) || IsBotAuthor(p.User.Username, c.botPatterns)
	return b
}

func (c *GitLabProvider) newRequest(ctx context.Context, endpoint string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+endpoint, nil)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "gitlab: build request").Build()
	}
	if c.token != "" {
		req.Header.Set("PRIVATE-TOKEN", c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "BuildLens/1.0")
	return req, nil
}

func (c *GitLabProvider) doRequest(ctx context.Context, endpoint string, result any) error {
	if err := c.pace.Wait(ctx); err != nil {
		return err
	}
	req, err := c.newRequest(ctx, endpoint)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryNetwork, "gitlab: request failed").Retryable().Build()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return classifyStatus("gitlab", resp, readErrorBody(resp))
	}
	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryProvider, "gitlab: decode response").Build()
		}
	}
	return nil
}

func (c *GitLabProvider) fetchText(ctx context.Context, endpoint string) (string, error) {
	if err := c.pace.Wait(ctx); err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, endpoint)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryNetwork, "gitlab: request failed").Retryable().Build()
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		return "", ErrLogsUnavailable
	}
	if resp.StatusCode >= 400 {
		return "", classifyStatus("gitlab", resp, readErrorBody(resp))
	}
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", ferrors.WrapError(err, ferrors.CategoryNetwork, "gitlab: read response").Retryable().Build()
	}
	return string(b), nil
}
