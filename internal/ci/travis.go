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

// TravisProvider adapts the Travis CI API (v3). Travis removes old job logs
// from its archive, so OnlyWithLogs probes the first job's log before a
// build is accepted.
type TravisProvider struct {
	apiURL       string
	token        string
	httpClient   *http.Client
	pace         *pacer
	logger       *slog.Logger
	recorder     metrics.Recorder
	botPatterns  []string
	logThreshold int
}

// NewTravisProvider creates a Travis CI adapter.
func NewTravisProvider(pc *config.ProviderConfig, deps Dependencies) (*TravisProvider, error) {
	apiURL := pc.APIURL
	if apiURL == "" {
		apiURL = "https://api.travis-ci.com"
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
	return &TravisProvider{
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
func (c *TravisProvider) Type() config.ProviderType { return config.ProviderTravis }

// NormalizeStatus maps a Travis build state into the shared enum.
func (c *TravisProvider) NormalizeStatus(providerStatus string) BuildStatus {
	return travisStatuses.Normalize(providerStatus)
}

// WaitRateLimit enforces the configured per-request delay.
func (c *TravisProvider) WaitRateLimit(ctx context.Context) error {
	return c.pace.Wait(ctx)
}

type travisBuild struct {
	ID         int64  `json:"id"`
	Number     string `json:"number"`
	State      string `json:"state"`
	EventType  string `json:"event_type"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
	Branch     struct {
		Name string `json:"name"`
	} `json:"branch"`
	Commit struct {
		SHA         string `json:"sha"`
		Message     string `json:"message"`
		CommittedAt string `json:"committed_at"`
		Author      struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"commit"`
	Jobs []struct {
		ID int64 `json:"id"`
	} `json:"jobs"`
	Repository struct {
		Slug string `json:"slug"`
	} `json:"repository"`
	CreatedBy struct {
		Login string `json:"login"`
	} `json:"created_by"`
}

type travisBuildsResponse struct {
	Builds []json.RawMessage `json:"builds"`
}

type travisJob struct {
	ID         int64  `json:"id"`
	Number     string `json:"number"`
	State      string `json:"state"`
	StartedAt  string `json:"started_at"`
	FinishedAt string `json:"finished_at"`
}

type travisJobsResponse struct {
	Jobs []travisJob `json:"jobs"`
}

type travisLog struct {
	Content   string `json:"content"`
	RemovedAt string `json:"removed_at"`
}

// FetchBuilds returns one page of builds, newest first.
func (c *TravisProvider) FetchBuilds(ctx context.Context, repo string, opts FetchOptions) ([]Build, error) {
	limit := clampPageSize(opts.Limit)
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	q.Set("sort_by", "id:desc")
	if opts.Page > 1 {
		q.Set("offset", strconv.Itoa((opts.Page-1)*limit))
	}
	if opts.Branch != "" {
		q.Set("branch.name", opts.Branch)
	}
	if opts.OnlyCompleted {
		q.Set("state", "passed,failed,errored,canceled")
	}
	endpoint := fmt.Sprintf("/repo/%s/builds?%s", url.PathEscape(repo), q.Encode())

	start := time.Now()
	var page travisBuildsResponse
	if err := c.doRequest(ctx, endpoint, &page); err != nil {
		return nil, err
	}
	c.recorder.ObserveFetchPage("travis", time.Since(start))

	builds := make([]Build, 0, len(page.Builds))
	probe := newLogProbe(c.logThreshold)
	for _, raw := range page.Builds {
		var tb travisBuild
		if err := json.Unmarshal(raw, &tb); err != nil {
			return builds, ferrors.WrapError(err, ferrors.CategoryProvider, "travis: decode build").Build()
		}
		b := c.convertBuild(&tb, raw)
		if !opts.Since.IsZero() && !b.CreatedAt.IsZero() && b.CreatedAt.Before(opts.Since) {
			continue
		}
		if opts.OnlyCompleted && b.Status != StatusCompleted {
			continue
		}
		if opts.ExcludeBots && b.IsBotCommit {
			continue
		}
		if opts.OnlyWithLogs {
			available, err := c.probeBuildLogs(ctx, &tb)
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
	c.recorder.AddBuildsFetched("travis", len(builds))
	return builds, nil
}

// FetchBuildDetails returns one build or ErrNotFound.
func (c *TravisProvider) FetchBuildDetails(ctx context.Context, repo string, buildID int64) (*Build, error) {
	endpoint := fmt.Sprintf("/build/%d", buildID)
	var raw json.RawMessage
	if err := c.doRequest(ctx, endpoint, &raw); err != nil {
		return nil, err
	}
	var tb travisBuild
	if err := json.Unmarshal(raw, &tb); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryProvider, "travis: decode build").Build()
	}
	b := c.convertBuild(&tb, raw)
	return &b, nil
}

// FetchBuildJobs lists the jobs of one build.
func (c *TravisProvider) FetchBuildJobs(ctx context.Context, repo string, buildID int64) ([]Job, error) {
	endpoint := fmt.Sprintf("/build/%d/jobs", buildID)
	var page travisJobsResponse
	if err := c.doRequest(ctx, endpoint, &page); err != nil {
		return nil, err
	}
	jobs := make([]Job, 0, len(page.Jobs))
	for _, j := range page.Jobs {
		jobs = append(jobs, Job{
			ID:         j.ID,
			Name:       j.Number,
			Status:     travisStatuses.Normalize(j.State),
			Conclusion: travisConclusions.Normalize(j.State),
			StartedAt:  parseTimeRFC3339(j.StartedAt),
			FinishedAt: parseTimeRFC3339(j.FinishedAt),
		})
	}
	return jobs, nil
}

// FetchBuildLogs downloads per-job logs. Removed logs are skipped; when
// nothing remains the call reports ErrLogsUnavailable.
func (c *TravisProvider) FetchBuildLogs(ctx context.Context, repo string, buildID, jobID int64) ([]LogObject, error) {
	jobs, err := c.FetchBuildJobs(ctx, repo, buildID)
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
		text, err := c.fetchJobLog(ctx, job.ID)
		if err != nil {
			if stderrors.Is(err, ErrLogsUnavailable) {
				c.logger.Debug("Job log removed",
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

func (c *TravisProvider) fetchJobLog(ctx context.Context, jobID int64) (string, error) {
	var lg travisLog
	if err := c.doRequest(ctx, fmt.Sprintf("/job/%d/log", jobID), &lg); err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return "", ErrLogsUnavailable
		}
		return "", err
	}
	if lg.RemovedAt != "" || lg.Content == "" {
		return "", ErrLogsUnavailable
	}
	return lg.Content, nil
}

// probeBuildLogs checks the first job's log. Travis removes whole-build
// archives at once, so one job answers for the build.
func (c *TravisProvider) probeBuildLogs(ctx context.Context, tb *travisBuild) (bool, error) {
	if len(tb.Jobs) == 0 {
		return false, nil
	}
	_, err := c.fetchJobLog(ctx, tb.Jobs[0].ID)
	if err != nil {
		if stderrors.Is(err, ErrLogsUnavailable) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (c *TravisProvider) convertBuild(tb *travisBuild, raw json.RawMessage) Build {
	number, _ := strconv.Atoi(tb.Number)
	createdAt := parseTimeRFC3339(tb.Commit.CommittedAt)
	startedAt := parseTimeRFC3339(tb.StartedAt)
	if createdAt.IsZero() {
		createdAt = startedAt
	}
	author := tb.Commit.Author.Name
	if author == "" {
		author = tb.CreatedBy.Login
	}
	return Build{
		ProviderBuildID: tb.ID,
		Number:          number,
		Status:          travisStatuses.Normalize(tb.State),
		Conclusion:      travisConclusions.Normalize(tb.State),
		Branch:          tb.Branch.Name,
		CommitSHA:       tb.Commit.SHA,
		CommitMessage:   tb.Commit.Message,
		AuthorName:      author,
		IsBotCommit:     IsBotAuthor(author, c.botPatterns) || IsBotAuthor(tb.CreatedBy.Login, c.botPatterns),
		Event:           tb.EventType,
		WebURL:          fmt.Sprintf("https://app.travis-ci.com/%s/builds/%d", tb.Repository.Slug, tb.ID),
		CreatedAt:       createdAt,
		StartedAt:       startedAt,
		FinishedAt:      parseTimeRFC3339(tb.FinishedAt),
		RawPayload:      raw,
	}
}

func (c *TravisProvider) doRequest(ctx context.Context, endpoint string, result any) error {
	if err := c.pace.Wait(ctx); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiURL+endpoint, nil)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryInternal, "travis: build request").Build()
	}
	req.Header.Set("Travis-API-Version", "3")
	req.Header.Set("User-Agent", "BuildLens/1.0")
	if c.token != "" {
		req.Header.Set("Authorization", "token "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ferrors.WrapError(err, ferrors.CategoryNetwork, "travis: request failed").Retryable().Build()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return classifyStatus("travis", resp, readErrorBody(resp))
	}
	if result != nil {
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return ferrors.WrapError(err, ferrors.CategoryNetwork, "travis: read response").Retryable().Build()
		}
		if err := json.Unmarshal(body, result); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryProvider, "travis: decode response").Build()
		}
	}
	return nil
}
