package ci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/buildlens/buildlens/internal/config"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/metrics"
)

// CircleCIProvider adapts the CircleCI API. Builds map to v2 pipelines with
// the status aggregated over their workflows; job step output comes from the
// v1.1 endpoint because v2 exposes no log access.
type CircleCIProvider struct {
	apiURL      string
	token       string
	vcsPrefix   string
	httpClient  *http.Client
	pace        *pacer
	logger      *slog.Logger
	recorder    metrics.Recorder
	botPatterns []string

	// The v2 pipeline list pages with opaque tokens. Remembering the token
	// that starts each page keeps sequential paging at one request per page.
	mu         sync.Mutex
	pageTokens map[string]string
}

// NewCircleCIProvider creates a CircleCI adapter.
func NewCircleCIProvider(pc *config.ProviderConfig, deps Dependencies) (*CircleCIProvider, error) {
	apiURL := pc.APIURL
	if apiURL == "" {
		apiURL = "https://circleci.com"
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
	vcsPrefix := "gh"
	if v, ok := pc.Options["vcs"].(string); ok && v != "" {
		vcsPrefix = v
	}
	return &CircleCIProvider{
		apiURL:      strings.TrimRight(apiURL, "/"),
		token:       token,
		vcsPrefix:   vcsPrefix,
		httpClient:  httpClient,
		pace:        newPacer(providerDelay(pc)),
		logger:      logger,
		recorder:    recorder,
		botPatterns: deps.BotPatterns,
		pageTokens:  make(map[string]string),
	}, nil
}

// Type returns the provider type.
func (c *CircleCIProvider) Type() config.ProviderType { return config.ProviderCircleCI }

// NormalizeStatus maps a CircleCI workflow or job status into the shared enum.
func (c *CircleCIProvider) NormalizeStatus(providerStatus string) BuildStatus {
	return circleStatuses.Normalize(providerStatus)
}

// WaitRateLimit enforces the configured per-request delay.
func (c *CircleCIProvider) WaitRateLimit(ctx context.Context) error {
	return c.pace.Wait(ctx)
}

func (c *CircleCIProvider) projectSlug(repo string) string {
	return c.vcsPrefix + "/" + repo
}

type circlePipeline struct {
	ID        string `json:"id"`
	Number    int64  `json:"number"`
	State     string `json:"state"`
	CreatedAt string `json:"created_at"`
	Trigger   struct {
		Type  string `json:"type"`
		Actor struct {
			Login string `json:"login"`
		} `json:"actor"`
	} `json:"trigger"`
	Vcs struct {
		Revision            string `json:"revision"`
		Branch              string `json:"branch"`
		OriginRepositoryURL string `json:"origin_repository_url"`
		TargetRepositoryURL string `json:"target_repository_url"`
		Commit              struct {
			Subject string `json:"subject"`
			Body    string `json:"body"`
		} `json:"commit"`
	} `json:"vcs"`
}

type circlePipelinePage struct {
	Items         []json.RawMessage `json:"items"`
	NextPageToken string            `json:"next_page_token"`
}

type circleWorkflow struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
	StoppedAt string `json:"stopped_at"`
}

type circleJob struct {
	JobNumber int64  `json:"job_number"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	StartedAt string `json:"started_at"`
	StoppedAt string `json:"stopped_at"`
}

type circleItemsPage[T any] struct {
	Items []T `json:"items"`
}

// FetchBuilds returns one page of pipelines, newest first. Every pipeline
// costs one extra request for its workflows; CircleCI keeps build status
// there. Logs persist with the build, so OnlyWithLogs needs no probing.
func (c *CircleCIProvider) FetchBuilds(ctx context.Context, repo string, opts FetchOptions) ([]Build, error) {
	pageToken, err := c.tokenForPage(ctx, repo, opts)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	if opts.Branch != "" {
		q.Set("branch", opts.Branch)
	}
	if pageToken != "" {
		q.Set("page-token", pageToken)
	}
	endpoint := fmt.Sprintf("/api/v2/project/%s/pipeline", c.projectSlug(repo))
	if enc := q.Encode(); enc != "" {
		endpoint += "?" + enc
	}

	start := time.Now()
	var page circlePipelinePage
	if err := c.doRequest(ctx, endpoint, &page); err != nil {
		return nil, err
	}
	c.recorder.ObserveFetchPage("circleci", time.Since(start))
	c.rememberToken(repo, opts, page.NextPageToken)

	limit := clampPageSize(opts.Limit)
	builds := make([]Build, 0, len(page.Items))
	for _, raw := range page.Items {
		if len(builds) >= limit {
			break
		}
		var p circlePipeline
		if err := json.Unmarshal(raw, &p); err != nil {
			return builds, ferrors.WrapError(err, ferrors.CategoryProvider, "circleci: decode pipeline").Build()
		}
		createdAt := parseTimeRFC3339(p.CreatedAt)
		if !opts.Since.IsZero() && createdAt.Before(opts.Since) {
			continue
		}
		wfs, err := c.fetchWorkflows(ctx, p.ID)
		if err != nil {
			return builds, err
		}
		b := c.convertPipeline(repo, &p, wfs, raw)
		if opts.OnlyCompleted && b.Status != StatusCompleted {
			continue
		}
		if opts.ExcludeBots && b.IsBotCommit {
			continue
		}
		builds = append(builds, b)
	}
	c.recorder.AddBuildsFetched("circleci", len(builds))
	return builds, nil
}

// FetchBuildDetails returns one pipeline by number or ErrNotFound.
func (c *CircleCIProvider) FetchBuildDetails(ctx context.Context, repo string, buildID int64) (*Build, error) {
	endpoint := fmt.Sprintf("/api/v2/project/%s/pipeline/%d", c.projectSlug(repo), buildID)
	var raw json.RawMessage
	if err := c.doRequest(ctx, endpoint, &raw); err != nil {
		return nil, err
	}
	var p circlePipeline
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryProvider, "circleci: decode pipeline").Build()
	}
	wfs, err := c.fetchWorkflows(ctx, p.ID)
	if err != nil {
		return nil, err
	}
	b := c.convertPipeline(repo, &p, wfs, raw)
	return &b, nil
}

// FetchBuildJobs lists the jobs across all workflows of the pipeline.
func (c *CircleCIProvider) FetchBuildJobs(ctx context.Context, repo string, buildID int64) ([]Job, error) {
	pipelineID, err := c.pipelineUUID(ctx, repo, buildID)
	if err != nil {
		return nil, err
	}
	wfs, err := c.fetchWorkflows(ctx, pipelineID)
	if err != nil {
		return nil, err
	}
	var jobs []Job
	for _, wf := range wfs {
		var page circleItemsPage[circleJob]
		if err := c.doRequest(ctx, fmt.Sprintf("/api/v2/workflow/%s/job", wf.ID), &page); err != nil {
			return nil, err
		}
		for _, j := range page.Items {
			if j.JobNumber == 0 {
				continue // not dispatched (blocked or approval gate)
			}
			jobs = append(jobs, Job{
				ID:         j.JobNumber,
				Name:       wf.Name + "/" + j.Name,
				Status:     circleStatuses.Normalize(j.Status),
				Conclusion: circleConclusions.Normalize(j.Status),
				StartedAt:  parseTimeRFC3339(j.StartedAt),
				FinishedAt: parseTimeRFC3339(j.StoppedAt),
			})
		}
	}
	return jobs, nil
}

// FetchBuildLogs downloads step output for the pipeline's jobs through the
// v1.1 job endpoint and its presigned output URLs.
func (c *CircleCIProvider) FetchBuildLogs(ctx context.Context, repo string, buildID, jobID int64) ([]LogObject, error) {
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
		text, err := c.fetchJobOutput(ctx, repo, job.ID)
		if err != nil {
			if ferrors.IsResourceMissing(err) {
				c.logger.Debug("Job output unavailable",
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

// fetchJobOutput walks the v1.1 step actions and concatenates their output.
func (c *CircleCIProvider) fetchJobOutput(ctx context.Context, repo string, jobNumber int64) (string, error) {
	endpoint := fmt.Sprintf("/api/v1.1/project/%s/%d", c.projectSlug(repo), jobNumber)
	body, err := c.fetchBytes(ctx, c.apiURL+endpoint, true)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	var outErr error
	gjson.GetBytes(body, "steps").ForEach(func(_, step gjson.Result) bool {
		step.Get("actions").ForEach(func(_, action gjson.Result) bool {
			if !action.Get("has_output").Bool() {
				return true
			}
			outputURL := action.Get("output_url").String()
			if outputURL == "" {
				return true
			}
			// Presigned URL, no auth header wanted.
			out, err := c.fetchBytes(ctx, outputURL, false)
			if err != nil {
				outErr = err
				return false
			}
			if sb.Len() > 0 {
				sb.WriteByte('\n')
			}
			sb.WriteString(step.Get("name").String())
			sb.WriteByte('\n')
			gjson.ParseBytes(out).ForEach(func(_, entry gjson.Result) bool {
				sb.WriteString(entry.Get("message").String())
				return true
			})
			return true
		})
		return outErr == nil
	})
	if outErr != nil {
		return "", outErr
	}
	return sb.String(), nil
}

func (c *CircleCIProvider) fetchWorkflows(ctx context.Context, pipelineID string) ([]circleWorkflow, error) {
	var page circleItemsPage[circleWorkflow]
	if err := c.doRequest(ctx, fmt.Sprintf("/api/v2/pipeline/%s/workflow", pipelineID), &page); err != nil {
		return nil, err
	}
	return page.Items, nil
}

func (c *CircleCIProvider) pipelineUUID(ctx context.Context, repo string, number int64) (string, error) {
	endpoint := fmt.Sprintf("/api/v2/project/%s/pipeline/%d", c.projectSlug(repo), number)
	var p circlePipeline
	if err := c.doRequest(ctx, endpoint, &p); err != nil {
		return "", err
	}
	return p.ID, nil
}

func (c *CircleCIProvider) convertPipeline(repo string, p *circlePipeline, wfs []circleWorkflow, raw json.RawMessage) Build {
	status, conclusion := aggregateCircleWorkflows(p.State, wfs)

	createdAt := parseTimeRFC3339(p.CreatedAt)
	startedAt := createdAt
	var finishedAt time.Time
	for _, wf := range wfs {
		if t := parseTimeRFC3339(wf.CreatedAt); !t.IsZero() && (startedAt.IsZero() || t.Before(startedAt)) {
			startedAt = t
		}
		if t := parseTimeRFC3339(wf.StoppedAt); t.After(finishedAt) {
			finishedAt = t
		}
	}
	if status != StatusCompleted {
		finishedAt = time.Time{}
	}

	author := p.Trigger.Actor.Login
	isFork := p.Vcs.OriginRepositoryURL != "" && p.Vcs.OriginRepositoryURL != p.Vcs.TargetRepositoryURL

	return Build{
		ProviderBuildID: p.Number,
		Number:          int(p.Number),
		Status:          status,
		Conclusion:      conclusion,
		Branch:          p.Vcs.Branch,
		CommitSHA:       p.Vcs.Revision,
		CommitMessage:   p.Vcs.Commit.Subject,
		AuthorName:      author,
		IsBotCommit:     IsBotAuthor(author, c.botPatterns),
		Event:           circleTriggerEvent(p.Trigger.Type),
		IsFork:          isFork,
		HeadRepoSlug:    repoSlugFromURL(p.Vcs.OriginRepositoryURL),
		WebURL:          fmt.Sprintf("https://app.circleci.com/pipelines/%s/%d", c.projectSlug(repo), p.Number),
		CreatedAt:       createdAt,
		StartedAt:       startedAt,
		FinishedAt:      finishedAt,
		RawPayload:      raw,
		HasLogs:         true,
	}
}

// tokenForPage resolves the page token for the requested page, walking from
// the first page when the sequence was broken.
func (c *CircleCIProvider) tokenForPage(ctx context.Context, repo string, opts FetchOptions) (string, error) {
	if opts.Page <= 1 {
		return "", nil
	}
	key := c.pageKey(repo, opts, opts.Page)
	c.mu.Lock()
	token, ok := c.pageTokens[key]
	c.mu.Unlock()
	if ok {
		return token, nil
	}

	// Walk forward from page 1 rebuilding the chain.
	token = ""
	for page := 1; page < opts.Page; page++ {
		q := url.Values{}
		if opts.Branch != "" {
			q.Set("branch", opts.Branch)
		}
		if token != "" {
			q.Set("page-token", token)
		}
		endpoint := fmt.Sprintf("/api/v2/project/%s/pipeline", c.projectSlug(repo))
		if enc := q.Encode(); enc != "" {
			endpoint += "?" + enc
		}
		var pg circlePipelinePage
		if err := c.doRequest(ctx, endpoint, &pg); err != nil {
			return "", err
		}
		if pg.NextPageToken == "" {
			return "", ErrNotFound
		}
		token = pg.NextPageToken
	}
	c.mu.Lock()
	c.pageTokens[key] = token
	c.mu.Unlock()
	return token, nil
}

func (c *CircleCIProvider) rememberToken(repo string, opts FetchOptions, nextToken string) {
	if nextToken == "" {
		return
	}
	key := c.pageKey(repo, opts, opts.Page+1)
	if opts.Page == 0 {
		key = c.pageKey(repo, opts, 2)
	}
	c.mu.Lock()
	c.pageTokens[key] = nextToken
	c.mu.Unlock()
}

func (c *CircleCIProvider) pageKey(repo string, opts FetchOptions, page int) string {
	return fmt.Sprintf("%s|%s|%d", repo, opts.Branch, page)
}

func (c *CircleCIProvider) doRequest(ctx context.Context, endpoint string, result any) error {
	body, err := c.fetchBytes(ctx, c.apiURL+endpoint, true)
	if err != nil {
		return err
	}
	if result != nil {
		if err := json.Unmarshal(body, result); err != nil {
			return ferrors.WrapError(err, ferrors.CategoryProvider, "circleci: decode response").Build()
		}
	}
	return nil
}

func (c *CircleCIProvider) fetchBytes(ctx context.Context, fullURL string, authed bool) ([]byte, error) {
	if err := c.pace.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "circleci: build request").Build()
	}
	if authed && c.token != "" {
		req.Header.Set("Circle-Token", c.token)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "BuildLens/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryNetwork, "circleci: request failed").Retryable().Build()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, classifyStatus("circleci", resp, readErrorBody(resp))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryNetwork, "circleci: read response").Retryable().Build()
	}
	return body, nil
}

// aggregateCircleWorkflows folds workflow states into one pipeline status.
// A pipeline with no workflows is either still materializing or died in
// config processing.
func aggregateCircleWorkflows(pipelineState string, wfs []circleWorkflow) (BuildStatus, Conclusion) {
	if len(wfs) == 0 {
		switch pipelineState {
		case "errored":
			return StatusCompleted, ConclusionFailure
		case "created", "setup", "setup-pending", "pending":
			return StatusQueued, ConclusionNone
		default:
			return StatusUnknown, ConclusionNone
		}
	}
	var anyRunning, anyWaiting, anyFailed, anyCanceled bool
	for _, wf := range wfs {
		switch circleStatuses.Normalize(wf.Status) {
		case StatusRunning:
			anyRunning = true
		case StatusQueued, StatusPending:
			anyWaiting = true
		}
		switch wf.Status {
		case "failed", "error", "unauthorized":
			anyFailed = true
		case "canceled":
			anyCanceled = true
		}
	}
	switch {
	case anyRunning:
		return StatusRunning, ConclusionNone
	case anyWaiting:
		return StatusQueued, ConclusionNone
	case anyFailed:
		return StatusCompleted, ConclusionFailure
	case anyCanceled:
		return StatusCompleted, ConclusionCancelled
	default:
		return StatusCompleted, ConclusionSuccess
	}
}

func circleTriggerEvent(triggerType string) string {
	switch triggerType {
	case "webhook":
		return "push"
	case "schedule", "scheduled_pipeline":
		return "schedule"
	case "api":
		return "api"
	case "":
		return ""
	default:
		return triggerType
	}
}

// repoSlugFromURL extracts "owner/name" from a VCS web URL.
func repoSlugFromURL(repoURL string) string {
	if repoURL == "" {
		return ""
	}
	u, err := url.Parse(repoURL)
	if err != nil {
		return ""
	}
	return strings.Trim(strings.TrimSuffix(u.Path, ".git"), "/")
}
