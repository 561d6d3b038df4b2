package ci

import (
	"github.com/buildlens/buildlens/internal/config"
	"github.com/buildlens/buildlens/internal/foundation/normalization"
)

// Per-provider status tables. Every native string maps into the five-value
// enum; unrecognized strings normalize to StatusUnknown rather than failing.

var githubStatuses = normalization.NewNormalizer(map[string]BuildStatus{
	"requested":   StatusPending,
	"waiting":     StatusPending,
	"pending":     StatusPending,
	"queued":      StatusQueued,
	"in_progress": StatusRunning,
	"completed":   StatusCompleted,
}, StatusUnknown)

var githubConclusions = normalization.NewNormalizer(map[string]Conclusion{
	"success":         ConclusionSuccess,
	"failure":         ConclusionFailure,
	"startup_failure": ConclusionFailure,
	"stale":           ConclusionFailure,
	"cancelled":       ConclusionCancelled,
	"skipped":         ConclusionSkipped,
	"timed_out":       ConclusionTimedOut,
	"action_required": ConclusionActionRequired,
	"neutral":         ConclusionNeutral,
}, ConclusionNone)

var gitlabStatuses = normalization.NewNormalizer(map[string]BuildStatus{
	"created":              StatusPending,
	"manual":               StatusPending,
	"scheduled":            StatusPending,
	"waiting_for_resource": StatusQueued,
	"preparing":            StatusQueued,
	"pending":              StatusQueued,
	"running":              StatusRunning,
	"success":              StatusCompleted,
	"failed":               StatusCompleted,
	"canceled":             StatusCompleted,
	"skipped":              StatusCompleted,
}, StatusUnknown)

var gitlabConclusions = normalization.NewNormalizer(map[string]Conclusion{
	"success":  ConclusionSuccess,
	"failed":   ConclusionFailure,
	"canceled": ConclusionCancelled,
	"skipped":  ConclusionSkipped,
}, ConclusionNone)

var jenkinsStatuses = normalization.NewNormalizer(map[string]BuildStatus{
	"pending":   StatusPending,
	"queued":    StatusQueued,
	"building":  StatusRunning,
	"success":   StatusCompleted,
	"failure":   StatusCompleted,
	"unstable":  StatusCompleted,
	"aborted":   StatusCompleted,
	"not_built": StatusCompleted,
}, StatusUnknown)

var jenkinsConclusions = normalization.NewNormalizer(map[string]Conclusion{
	"success":   ConclusionSuccess,
	"failure":   ConclusionFailure,
	"unstable":  ConclusionFailure,
	"aborted":   ConclusionCancelled,
	"not_built": ConclusionSkipped,
}, ConclusionNone)

var circleStatuses = normalization.NewNormalizer(map[string]BuildStatus{
	"created":       StatusPending,
	"setup-pending": StatusQueued,
	"setup":         StatusQueued,
	"pending":       StatusQueued,
	"on_hold":       StatusQueued,
	"running":       StatusRunning,
	"failing":       StatusRunning,
	"success":       StatusCompleted,
	"failed":        StatusCompleted,
	"error":         StatusCompleted,
	"errored":       StatusCompleted,
	"canceled":      StatusCompleted,
	"not_run":       StatusCompleted,
	"unauthorized":  StatusCompleted,
}, StatusUnknown)

var circleConclusions = normalization.NewNormalizer(map[string]Conclusion{
	"success":      ConclusionSuccess,
	"failed":       ConclusionFailure,
	"error":        ConclusionFailure,
	"errored":      ConclusionFailure,
	"unauthorized": ConclusionFailure,
	"canceled":     ConclusionCancelled,
	"not_run":      ConclusionSkipped,
}, ConclusionNone)

var travisStatuses = normalization.NewNormalizer(map[string]BuildStatus{
	"created":  StatusQueued,
	"received": StatusQueued,
	"queued":   StatusQueued,
	"started":  StatusRunning,
	"passed":   StatusCompleted,
	"failed":   StatusCompleted,
	"errored":  StatusCompleted,
	"canceled": StatusCompleted,
}, StatusUnknown)

var travisConclusions = normalization.NewNormalizer(map[string]Conclusion{
	"passed":   ConclusionSuccess,
	"failed":   ConclusionFailure,
	"errored":  ConclusionFailure,
	"canceled": ConclusionCancelled,
}, ConclusionNone)

var statusTables = map[config.ProviderType]*normalization.Normalizer[BuildStatus]{
	config.ProviderGitHub:   githubStatuses,
	config.ProviderGitLab:   gitlabStatuses,
	config.ProviderJenkins:  jenkinsStatuses,
	config.ProviderCircleCI: circleStatuses,
	config.ProviderTravis:   travisStatuses,
}

var conclusionTables = map[config.ProviderType]*normalization.Normalizer[Conclusion]{
	config.ProviderGitHub:   githubConclusions,
	config.ProviderGitLab:   gitlabConclusions,
	config.ProviderJenkins:  jenkinsConclusions,
	config.ProviderCircleCI: circleConclusions,
	config.ProviderTravis:   travisConclusions,
}

// NormalizeStatusFor maps a provider-native status string into the shared enum.
func NormalizeStatusFor(pt config.ProviderType, raw string) BuildStatus {
	if n, ok := statusTables[pt]; ok {
		return n.Normalize(raw)
	}
	return StatusUnknown
}

// NormalizeConclusionFor maps a provider-native outcome string into the
// shared conclusion enum.
func NormalizeConclusionFor(pt config.ProviderType, raw string) Conclusion {
	if n, ok := conclusionTables[pt]; ok {
		return n.Normalize(raw)
	}
	return ConclusionNone
}
