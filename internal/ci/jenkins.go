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
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/buildlens/buildlens/internal/config"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/metrics"
)

// jenkinsBuildTree selects the build fields we read. Keeping the tree tight
// matters on instances with years of history.
const jenkinsBuildTree = "number,url,result,building,timestamp,duration," +
	"actions[_class,causes[shortDescription],lastBuiltRevision[SHA1,branch[name]]]," +
	"changeSets[items[commitId,msg,authorEmail,author[fullName]]]"

// JenkinsProvider adapts the Jenkins remote access API. A repository maps to
// a job path ("folder/name" becomes /job/folder/job/name) and each build
// carries a single synthetic "console" job because Jenkins exposes one
// console log per build.
type JenkinsProvider struct {
	baseURL     string
	username    string
	secret      string
	httpClient  *http.Client
	pace        *pacer
	logger      *slog.Logger
	recorder    metrics.Recorder
	botPatterns []string
}

// NewJenkinsProvider creates a Jenkins adapter.
func NewJenkinsProvider(pc *config.ProviderConfig, deps Dependencies) (*JenkinsProvider, error) {
	if pc.APIURL == "" {
		return nil, ferrors.ConfigError("jenkins provider requires api_url").Build()
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
	var username, secret string
	if pc.Auth != nil {
		username = pc.Auth.Username
		secret = pc.Auth.Token
		if secret == "" {
			secret = pc.Auth.Password
		}
	}
	return &JenkinsProvider{
		baseURL:     strings.TrimRight(pc.APIURL, "/"),
		username:    username,
		secret:      secret,
		httpClient:  httpClient,
		pace:        newPacer(providerDelay(pc)),
		logger:      logger,
		recorder:    recorder,
		botPatterns: deps.BotPatterns,
	}, nil
}

// Type returns the provider type.
func (c *JenkinsProvider) Type() config.ProviderType { return config.ProviderJenkins }

// NormalizeStatus maps a Jenkins build state into the shared enum.
func (c *JenkinsProvider) NormalizeStatus(providerStatus string) BuildStatus {
	return jenkinsStatuses.Normalize(providerStatus)
}

// WaitRateLimit enforces the configured per-request delay.
func (c *JenkinsProvider) WaitRateLimit(ctx context.Context) error {
	return c.pace.Wait(ctx)
}

// FetchBuilds returns one page of builds, newest first. Jenkins rotates old
// builds out of the list entirely, so every listed build still has its
// console log and OnlyWithLogs needs no probing.
func (c *JenkinsProvider) FetchBuilds(ctx context.Context, repo string, opts FetchOptions) ([]Build, error) {
	limit := clampPageSize(opts.Limit)
	offset := 0
	if opts.Page > 1 {
		offset = (opts.Page - 1) * limit
	}
	q := url.Values{}
	q.Set("tree", fmt.Sprintf("builds[%s]{%d,%d}", jenkinsBuildTree, offset, offset+limit))
	endpoint := fmt.Sprintf("%s/api/json?%s", jenkinsJobPath(repo), q.Encode())

	start := time.Now()
	body, err := c.fetchBytes(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	c.recorder.ObserveFetchPage("jenkins", time.Since(start))

	var builds []Build
	for _, res := range gjson.GetBytes(body, "builds").Array() {
		b := c.convertBuild(res)
		if b.CommitSHA == "" {
			c.logger.Debug("Build carries no SCM revision",
				logfields.Repository(repo), logfields.BuildNumber(b.Number))
		}
		if opts.OnlyCompleted && b.Status != StatusCompleted {
			continue
		}
		if opts.ExcludeBots && b.IsBotCommit {
			continue
		}
		if !opts.Since.IsZero() && b.CreatedAt.Before(opts.Since) {
			continue
		}
		if opts.Branch != "" && b.Branch != opts.Branch {
			continue
		}
		builds = append(builds, b)
	}
	c.recorder.AddBuildsFetched("jenkins", len(builds))
	return builds, nil
}

// FetchBuildDetails returns one build or ErrNotFound.
func (c *JenkinsProvider) FetchBuildDetails(ctx context.Context, repo string, buildID int64) (*Build, error) {
	q := url.Values{}
	q.Set("tree", jenkinsBuildTree)
	endpoint := fmt.Sprintf("%s/%d/api/json?%s", jenkinsJobPath(repo), buildID, q.Encode())

	body, err := c.fetchBytes(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	b := c.convertBuild(gjson.ParseBytes(body))
	return &b, nil
}

// FetchBuildJobs returns the synthetic console job for the build.
func (c *JenkinsProvider) FetchBuildJobs(ctx context.Context, repo string, buildID int64) ([]Job, error) {
	b, err := c.FetchBuildDetails(ctx, repo, buildID)
	if err != nil {
		return nil, err
	}
	return []Job{{
		ID:         buildID,
		Name:       "console",
		Status:     b.Status,
		Conclusion: b.Conclusion,
		StartedAt:  b.StartedAt,
		FinishedAt: b.FinishedAt,
	}}, nil
}

// FetchBuildLogs downloads the console text of the build.
func (c *JenkinsProvider) FetchBuildLogs(ctx context.Context, repo string, buildID, jobID int64) ([]LogObject, error) {
	if jobID != 0 && jobID != buildID {
		return nil, ErrLogsUnavailable
	}
	endpoint := fmt.Sprintf("%s/%d/consoleText", jenkinsJobPath(repo), buildID)
	body, err := c.fetchBytes(ctx, endpoint)
	if err != nil {
		if stderrors.Is(err, ErrNotFound) {
			return nil, ErrLogsUnavailable
		}
		return nil, err
	}
	text := string(body)
	return []LogObject{{
		JobID:     buildID,
		JobName:   "console",
		Path:      fmt.Sprintf("%d/console.txt", buildID),
		Text:      text,
		SizeBytes: int64(len(text)),
	}}, nil
}

func (c *JenkinsProvider) convertBuild(res gjson.Result) Build {
	building := res.Get("building").Bool()
	result := strings.ToLower(res.Get("result").String())
	rawStatus := result
	if building {
		rawStatus = "building"
	} else if result == "" {
		rawStatus = "pending"
	}

	createdAt := time.UnixMilli(res.Get("timestamp").Int()).UTC()
	duration := time.Duration(res.Get("duration").Int()) * time.Millisecond

	var sha, branch, cause string
	for _, action := range res.Get("actions").Array() {
		class := action.Get("_class").String()
		switch {
		case strings.Contains(class, "BuildData"):
			if sha == "" {
				sha = action.Get("lastBuiltRevision.SHA1").String()
			}
			if branch == "" {
				branch = action.Get("lastBuiltRevision.branch.0.name").String()
			}
		case strings.Contains(class, "CauseAction"):
			if cause == "" {
				cause = action.Get("causes.0.shortDescription").String()
			}
		}
	}
	branch = strings.TrimPrefix(branch, "origin/")

	var message, author, email string
	items := res.Get("changeSets.0.items").Array()
	if len(items) > 0 {
		last := items[len(items)-1]
		message = last.Get("msg").String()
		author = last.Get("author.fullName").String()
		email = last.Get("authorEmail").String()
		if sha == "" {
			sha = last.Get("commitId").String()
		}
	}

	b := Build{
		ProviderBuildID: res.Get("number").Int(),
		Number:          int(res.Get("number").Int()),
		Status:          jenkinsStatuses.Normalize(rawStatus),
		Conclusion:      jenkinsConclusions.Normalize(result),
		Branch:          branch,
		CommitSHA:       sha,
		CommitMessage:   message,
		AuthorName:      author,
		AuthorEmail:     email,
		IsBotCommit:     IsBotAuthor(author, c.botPatterns),
		Event:           jenkinsCauseEvent(cause),
		WebURL:          res.Get("url").String(),
		CreatedAt:       createdAt,
		StartedAt:       createdAt,
		RawPayload:      json.RawMessage(res.Raw),
		HasLogs:         true,
	}
	if b.Status == StatusCompleted {
		b.FinishedAt = createdAt.Add(duration)
	}
	return b
}

func (c *JenkinsProvider) fetchBytes(ctx context.Context, endpoint string) ([]byte, error) {
	if err := c.pace.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryInternal, "jenkins: build request").Build()
	}
	if c.username != "" && c.secret != "" {
		req.SetBasicAuth(c.username, c.secret)
	}
	req.Header.Set("User-Agent", "BuildLens/1.0")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryNetwork, "jenkins: request failed").Retryable().Build()
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, classifyStatus("jenkins", resp, readErrorBody(resp))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryNetwork, "jenkins: read response").Retryable().Build()
	}
	return body, nil
}

// jenkinsJobPath expands "folder/name" into the /job/folder/job/name form.
func jenkinsJobPath(job string) string {
	var b strings.Builder
	for _, seg := range strings.Split(strings.Trim(job, "/"), "/") {
		if seg == "" {
			continue
		}
		b.WriteString("/job/")
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}

// jenkinsCauseEvent compresses a cause description into an event keyword.
func jenkinsCauseEvent(cause string) string {
	lower := strings.ToLower(cause)
	switch {
	case cause == "":
		return ""
	case strings.Contains(lower, "push") || strings.Contains(lower, "scm change"):
		return "push"
	case strings.Contains(lower, "timer"):
		return "schedule"
	case strings.Contains(lower, "pull request") || strings.Contains(lower, "merge request"):
		return "pull_request"
	case strings.Contains(lower, "started by user"):
		return "manual"
	case strings.Contains(lower, "upstream"):
		return "upstream"
	default:
		return "other"
	}
}
