// Package ci presents a uniform interface over dissimilar CI provider APIs.
// Each adapter fetches build pages, build details, jobs and logs, and
// normalizes provider-native status strings into a shared five-value enum.
package ci

import (
	"context"
	"encoding/json"
	"time"

	"github.com/buildlens/buildlens/internal/config"
)

// BuildStatus is the normalized execution state of a CI run.
type BuildStatus string

const (
	StatusPending   BuildStatus = "pending"
	StatusQueued    BuildStatus = "queued"
	StatusRunning   BuildStatus = "running"
	StatusCompleted BuildStatus = "completed"
	StatusUnknown   BuildStatus = "unknown"
)

// Conclusion is the normalized outcome of a completed run. Empty when the
// run has not finished or the provider reported nothing recognizable.
type Conclusion string

const (
	ConclusionSuccess        Conclusion = "success"
	ConclusionFailure        Conclusion = "failure"
	ConclusionCancelled      Conclusion = "cancelled"
	ConclusionSkipped        Conclusion = "skipped"
	ConclusionTimedOut       Conclusion = "timed_out"
	ConclusionActionRequired Conclusion = "action_required"
	ConclusionNeutral        Conclusion = "neutral"
	ConclusionNone           Conclusion = ""
)

// Build is one normalized CI run.
type Build struct {
	// ProviderBuildID is the provider-internal id, unique within the repo.
	ProviderBuildID int64
	Number          int
	Status          BuildStatus
	Conclusion      Conclusion
	Branch          string
	CommitSHA       string
	CommitMessage   string
	AuthorName      string
	AuthorEmail     string
	IsBotCommit     bool
	Event           string
	// IsFork marks runs whose head commit lives in a fork of the repo.
	IsFork       bool
	HeadRepoSlug string
	WebURL       string
	CreatedAt    time.Time
	StartedAt    time.Time
	FinishedAt   time.Time
	// RawPayload preserves the provider response for storage and replay.
	RawPayload json.RawMessage
	// HasLogs is set during only-with-logs probing.
	HasLogs bool
}

// Duration returns the run duration when both timestamps are known.
func (b *Build) Duration() time.Duration {
	if b.StartedAt.IsZero() || b.FinishedAt.IsZero() {
		return 0
	}
	return b.FinishedAt.Sub(b.StartedAt)
}

// Job is one execution unit inside a build.
type Job struct {
	ID         int64
	Name       string
	Status     BuildStatus
	Conclusion Conclusion
	StartedAt  time.Time
	FinishedAt time.Time
}

// LogObject is one retrieved log stream.
type LogObject struct {
	JobID     int64
	JobName   string
	Path      string
	Text      string
	SizeBytes int64
}

// FetchOptions constrain a FetchBuilds page.
type FetchOptions struct {
	Since         time.Time
	Limit         int
	Page          int
	Branch        string
	OnlyWithLogs  bool
	ExcludeBots   bool
	OnlyCompleted bool
}

// Provider is the uniform adapter interface. A page returned by FetchBuilds
// holds at most opts.Limit builds; the caller paginates.
type Provider interface {
	Type() config.ProviderType
	FetchBuilds(ctx context.Context, repo string, opts FetchOptions) ([]Build, error)
	FetchBuildDetails(ctx context.Context, repo string, buildID int64) (*Build, error)
	FetchBuildJobs(ctx context.Context, repo string, buildID int64) ([]Job, error)
	// FetchBuildLogs retrieves logs for one job, or for every job of the
	// build when jobID is zero.
	FetchBuildLogs(ctx context.Context, repo string, buildID, jobID int64) ([]LogObject, error)
	NormalizeStatus(providerStatus string) BuildStatus
	// WaitRateLimit blocks until the adapter may issue the next request.
	// GitHub relies on the token pool instead and returns immediately.
	WaitRateLimit(ctx context.Context) error
}
