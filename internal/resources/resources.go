// Package resources acquires the inputs feature extraction consumes:
// shared bare clones, per-build worktrees, downloaded build logs, an
// authenticated API surface, and slim projections of stored build runs.
// Acquisition is fault-isolated per resource; one missing log archive
// never blocks the git side of the same build.
package resources

import (
	"sort"
	"time"

	"github.com/buildlens/buildlens/internal/ci"
	"github.com/buildlens/buildlens/internal/store"
)

// Resource names as persisted in ingestion_builds.required_resources.
const (
	BareRepo     = "bare_repo"
	Worktree     = "worktree"
	BuildLogs    = "build_logs"
	GitHubClient = "github_api_client"
	BuildRun     = "build_run"
	RawBuildRuns = "raw_build_runs"
)

// acquireOrder fixes the acquisition sequence so prerequisites always
// resolve before their dependents (worktree needs the bare clone).
var acquireOrder = []string{BuildRun, RawBuildRuns, GitHubClient, BareRepo, Worktree, BuildLogs}

// Known reports whether name is a recognized resource.
func Known(name string) bool {
	for _, r := range acquireOrder {
		if r == name {
			return true
		}
	}
	return false
}

// All returns every known resource name in acquisition order.
func All() []string {
	out := make([]string, len(acquireOrder))
	copy(out, acquireOrder)
	return out
}

// Request names the resources to acquire for one build run.
type Request struct {
	Resources []string
	Repo      *store.RawRepository
	Config    *store.RepoConfig
	Run       *store.RawBuildRun

	// OnUpdate, when set, observes every resource status change as it
	// happens so callers can persist live progress.
	OnUpdate func(resource string, status store.ResourceStatus)
}

// Bundle is the acquisition result handed to extractors. Per-resource
// outcomes live in Statuses; consumers gate on Has before touching a
// resource so a failed acquisition degrades instead of panicking.
type Bundle struct {
	Run  *store.RawBuildRun
	Refs []store.BuildRunRef

	BareRepoPath string
	WorktreePath string

	// EffectiveSHA is the commit extractors walk from. It differs from
	// Run.CommitSHA only when an unreachable fork commit was replayed.
	EffectiveSHA string

	Logs []ci.LogObject
	API  *APIClient

	Statuses map[string]store.ResourceStatus

	// missing marks failures that were expected unavailability rather
	// than actual errors; it decides Outcome, not retry behavior.
	missing map[string]bool
}

// NewBundle creates an empty bundle for the given run.
func NewBundle(run *store.RawBuildRun) *Bundle {
	b := &Bundle{
		Run:      run,
		Statuses: make(map[string]store.ResourceStatus),
		missing:  make(map[string]bool),
	}
	if run != nil {
		b.EffectiveSHA = run.CommitSHA
	}
	return b
}

// RecordCompleted marks a resource as acquired.
func (b *Bundle) RecordCompleted(resource string, started time.Time) {
	done := time.Now()
	b.Statuses[resource] = store.ResourceStatus{
		Status:      store.ResourceCompleted,
		StartedAt:   &started,
		CompletedAt: &done,
	}
}

// RecordMissing marks a resource as unavailable for an expected reason.
// Missing resources are never retried.
func (b *Bundle) RecordMissing(resource, reason string, started time.Time) {
	done := time.Now()
	b.Statuses[resource] = store.ResourceStatus{
		Status:      store.ResourceFailed,
		Error:       reason,
		StartedAt:   &started,
		CompletedAt: &done,
	}
	b.missing[resource] = true
}

// RecordFailed marks a resource as lost to an actual error.
func (b *Bundle) RecordFailed(resource, reason string, started time.Time) {
	done := time.Now()
	b.Statuses[resource] = store.ResourceStatus{
		Status:      store.ResourceFailed,
		Error:       reason,
		StartedAt:   &started,
		CompletedAt: &done,
	}
}

// RecordSkipped marks a resource that was never attempted, usually
// because a prerequisite already failed.
func (b *Bundle) RecordSkipped(resource, reason string) {
	b.Statuses[resource] = store.ResourceStatus{
		Status: store.ResourceSkipped,
		Error:  reason,
	}
}

// Has reports whether the resource was acquired successfully.
func (b *Bundle) Has(resource string) bool {
	return b.Statuses[resource].Status == store.ResourceCompleted
}

// Missing returns resources whose absence was expected (expired logs,
// unreachable commits), sorted by name.
func (b *Bundle) Missing() []string {
	return b.failures(true)
}

// Failed returns resources lost to actual errors, sorted by name.
func (b *Bundle) Failed() []string {
	return b.failures(false)
}

func (b *Bundle) failures(missing bool) []string {
	var out []string
	for name, st := range b.Statuses {
		if st.Status != store.ResourceFailed {
			continue
		}
		if b.missing[name] != missing {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Outcome folds the per-resource results into the ingestion status for
// the whole build. An actual error anywhere wins over expected
// unavailability; a fully clean bundle is Ingested.
func (b *Bundle) Outcome() (store.IngestionStatus, string) {
	if failed := b.Failed(); len(failed) > 0 {
		return store.IngestionFailed, b.reasonFor(failed)
	}
	if missing := b.Missing(); len(missing) > 0 {
		return store.IngestionMissingResource, b.reasonFor(missing)
	}
	return store.IngestionIngested, ""
}

func (b *Bundle) reasonFor(names []string) string {
	msg := ""
	for _, name := range names {
		if msg != "" {
			msg += "; "
		}
		msg += name + ": " + b.Statuses[name].Error
	}
	return msg
}
