package ci

import (
	"testing"

	"github.com/buildlens/buildlens/internal/config"
)

func TestNormalizeStatusFor(t *testing.T) {
	tests := []struct {
		provider config.ProviderType
		raw      string
		want     BuildStatus
	}{
		{config.ProviderGitHub, "queued", StatusQueued},
		{config.ProviderGitHub, "in_progress", StatusRunning},
		{config.ProviderGitHub, "completed", StatusCompleted},
		{config.ProviderGitHub, "requested", StatusPending},
		{config.ProviderGitHub, "waiting", StatusPending},
		{config.ProviderGitHub, "something-new", StatusUnknown},

		{config.ProviderGitLab, "created", StatusPending},
		{config.ProviderGitLab, "waiting_for_resource", StatusQueued},
		{config.ProviderGitLab, "running", StatusRunning},
		{config.ProviderGitLab, "success", StatusCompleted},
		{config.ProviderGitLab, "failed", StatusCompleted},
		{config.ProviderGitLab, "canceled", StatusCompleted},

		{config.ProviderJenkins, "building", StatusRunning},
		{config.ProviderJenkins, "success", StatusCompleted},
		{config.ProviderJenkins, "unstable", StatusCompleted},
		{config.ProviderJenkins, "not_built", StatusCompleted},

		{config.ProviderCircleCI, "running", StatusRunning},
		{config.ProviderCircleCI, "failing", StatusRunning},
		{config.ProviderCircleCI, "on_hold", StatusQueued},
		{config.ProviderCircleCI, "success", StatusCompleted},

		{config.ProviderTravis, "created", StatusQueued},
		{config.ProviderTravis, "started", StatusRunning},
		{config.ProviderTravis, "passed", StatusCompleted},
		{config.ProviderTravis, "errored", StatusCompleted},
	}
	for _, tt := range tests {
		if got := NormalizeStatusFor(tt.provider, tt.raw); got != tt.want {
			t.Errorf("NormalizeStatusFor(%s, %q) = %s, want %s", tt.provider, tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeConclusionFor(t *testing.T) {
	tests := []struct {
		provider config.ProviderType
		raw      string
		want     Conclusion
	}{
		{config.ProviderGitHub, "success", ConclusionSuccess},
		{config.ProviderGitHub, "failure", ConclusionFailure},
		{config.ProviderGitHub, "startup_failure", ConclusionFailure},
		{config.ProviderGitHub, "stale", ConclusionFailure},
		{config.ProviderGitHub, "cancelled", ConclusionCancelled},
		{config.ProviderGitHub, "timed_out", ConclusionTimedOut},
		{config.ProviderGitHub, "action_required", ConclusionActionRequired},

		{config.ProviderGitLab, "success", ConclusionSuccess},
		{config.ProviderGitLab, "failed", ConclusionFailure},
		{config.ProviderGitLab, "canceled", ConclusionCancelled},
		{config.ProviderGitLab, "skipped", ConclusionSkipped},

		{config.ProviderJenkins, "unstable", ConclusionFailure},
		{config.ProviderJenkins, "aborted", ConclusionCancelled},
		{config.ProviderJenkins, "not_built", ConclusionSkipped},

		{config.ProviderCircleCI, "failed", ConclusionFailure},
		{config.ProviderCircleCI, "canceled", ConclusionCancelled},

		{config.ProviderTravis, "passed", ConclusionSuccess},
		{config.ProviderTravis, "errored", ConclusionFailure},
		{config.ProviderTravis, "canceled", ConclusionCancelled},
	}
	for _, tt := range tests {
		if got := NormalizeConclusionFor(tt.provider, tt.raw); got != tt.want {
			t.Errorf("NormalizeConclusionFor(%s, %q) = %s, want %s", tt.provider, tt.raw, got, tt.want)
		}
	}
}

func TestNormalizeUnknownProvider(t *testing.T) {
	if got := NormalizeStatusFor("buildkite", "passed"); got != StatusUnknown {
		t.Errorf("NormalizeStatusFor(unknown provider) = %s, want unknown", got)
	}
	if got := NormalizeConclusionFor("buildkite", "passed"); got != ConclusionNone {
		t.Errorf("NormalizeConclusionFor(unknown provider) = %s, want none", got)
	}
}
