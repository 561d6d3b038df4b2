package store

import (
	"time"

	"github.com/buildlens/buildlens/internal/foundation"
)

// ConfigStatus tracks a RepoConfig through the import lifecycle.
type ConfigStatus string

const (
	ConfigQueued            ConfigStatus = "queued"
	ConfigIngesting         ConfigStatus = "ingesting"
	ConfigIngestionComplete ConfigStatus = "ingestion_complete"
	ConfigIngestionPartial  ConfigStatus = "ingestion_partial"
	ConfigProcessing        ConfigStatus = "processing"
	ConfigProcessed         ConfigStatus = "processed"
	ConfigFailed            ConfigStatus = "failed"
)

// configTransitions lists the allowed forward edges of the config
// lifecycle. Queued is reachable again from every settled status so
// syncs and retries re-enter through the same gate imports use.
var configTransitions = map[ConfigStatus][]ConfigStatus{
	ConfigQueued:            {ConfigIngesting},
	ConfigIngesting:         {ConfigIngestionComplete, ConfigIngestionPartial, ConfigFailed},
	ConfigIngestionComplete: {ConfigProcessing, ConfigQueued},
	ConfigIngestionPartial:  {ConfigProcessing, ConfigQueued},
	ConfigProcessing:        {ConfigProcessed, ConfigFailed},
	ConfigProcessed:         {ConfigQueued},
	ConfigFailed:            {ConfigQueued},
}

// CanTransitionTo reports whether the lifecycle permits moving to next.
func (s ConfigStatus) CanTransitionTo(next ConfigStatus) bool {
	for _, allowed := range configTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IngestionStatus tracks one build through resource ingestion.
type IngestionStatus string

const (
	IngestionPending         IngestionStatus = "pending"
	IngestionFetched         IngestionStatus = "fetched"
	IngestionIngesting       IngestionStatus = "ingesting"
	IngestionIngested        IngestionStatus = "ingested"
	IngestionMissingResource IngestionStatus = "missing_resource"
	IngestionFailed          IngestionStatus = "failed"
)

// ingestionTransitions is the status DAG. Terminal statuses have no
// outgoing edges here; resets back to Pending go through
// ResetIngestionBuilds only.
var ingestionTransitions = map[IngestionStatus][]IngestionStatus{
	IngestionPending:   {IngestionFetched, IngestionIngesting, IngestionFailed},
	IngestionFetched:   {IngestionIngesting, IngestionFailed},
	IngestionIngesting: {IngestionIngested, IngestionMissingResource, IngestionFailed},
}

// CanTransitionTo reports whether the status DAG permits moving to next.
func (s IngestionStatus) CanTransitionTo(next IngestionStatus) bool {
	for _, allowed := range ingestionTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status ends the ingestion lifecycle.
func (s IngestionStatus) IsTerminal() bool {
	switch s {
	case IngestionIngested, IngestionMissingResource, IngestionFailed:
		return true
	}
	return false
}

// ExtractionStatus tracks feature extraction per training build.
type ExtractionStatus string

const (
	ExtractionPending   ExtractionStatus = "pending"
	ExtractionCompleted ExtractionStatus = "completed"
	ExtractionPartial   ExtractionStatus = "partial"
	ExtractionFailed    ExtractionStatus = "failed"
)

// ResourceState tracks one required resource inside an ingestion build.
type ResourceState string

const (
	ResourcePending    ResourceState = "pending"
	ResourceInProgress ResourceState = "in_progress"
	ResourceCompleted  ResourceState = "completed"
	ResourceFailed     ResourceState = "failed"
	ResourceSkipped    ResourceState = "skipped"
)

// ResourceStatus is one entry of an ingestion build's resource map.
// It is persisted as JSON inside the ingestion_builds row.
type ResourceStatus struct {
	Status      ResourceState `json:"status"`
	Error       string        `json:"error,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// RawRepository is the immutable identity of a VCS repository, shared
// across every RepoConfig that imports it.
type RawRepository struct {
	ID              int64
	FullName        string
	Provider        string
	ProviderRepoID  int64
	DefaultBranch   string
	Private         bool
	PrimaryLanguage string
	LanguageBytes   map[string]int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Validate checks the fields required before persisting.
func (r *RawRepository) Validate() foundation.ValidationResult {
	var errs []foundation.FieldError
	if r.FullName == "" {
		errs = append(errs, foundation.NewValidationError("full_name", "required", "full name is required"))
	}
	if r.Provider == "" {
		errs = append(errs, foundation.NewValidationError("provider", "required", "provider is required"))
	}
	if len(errs) > 0 {
		return foundation.Invalid(errs...)
	}
	return foundation.Valid()
}

// RawBuildRun is one observed CI run. Rows become immutable once their
// status reaches completed.
type RawBuildRun struct {
	ID              int64
	RawRepositoryID int64
	Provider        string
	ProviderBuildID int64
	Number          int
	CommitSHA       string
	Branch          string
	Status          string
	Conclusion      string
	Event           string
	AuthorName      string
	IsBotCommit     bool
	IsFork          bool
	HeadRepoSlug    string
	WebURL          string
	RunCreatedAt    foundation.Option[time.Time]
	RunStartedAt    foundation.Option[time.Time]
	RunFinishedAt   foundation.Option[time.Time]
	RawPayload      []byte
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// BuildRunRef is the slim projection extractors use to relate commits
// back to previously observed builds.
type BuildRunRef struct {
	ID              int64
	ProviderBuildID int64
	Number          int
	CommitSHA       string
	Conclusion      string
	RunCreatedAt    foundation.Option[time.Time]
}

// RepoConfig is a user's import configuration over one repository. It
// owns all downstream orchestration state for that repo.
type RepoConfig struct {
	ID              int64
	RawRepositoryID int64
	Provider        string
	Status          ConfigStatus
	Branch          string
	MaxBuilds       int
	SinceDays       int
	OnlyWithLogs    bool
	ExcludeBots     bool
	Features        []string
	SyncEnabled     bool

	BuildsFetched   int64
	BuildsCompleted int64
	BuildsFailed    int64

	// LastProcessedIngestionBuildID is the processing checkpoint;
	// it only moves forward.
	LastProcessedIngestionBuildID int64

	LastError    string
	LastSyncedAt foundation.Option[time.Time]
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate checks the fields required before persisting.
func (c *RepoConfig) Validate() foundation.ValidationResult {
	var errs []foundation.FieldError
	if c.RawRepositoryID == 0 {
		errs = append(errs, foundation.NewValidationError("raw_repository_id", "required", "repository reference is required"))
	}
	if c.Provider == "" {
		errs = append(errs, foundation.NewValidationError("provider", "required", "provider is required"))
	}
	if c.MaxBuilds < 0 {
		errs = append(errs, foundation.NewValidationError("max_builds", "non_negative", "max builds must be non-negative"))
	}
	if c.SinceDays < 0 {
		errs = append(errs, foundation.NewValidationError("since_days", "non_negative", "since days must be non-negative"))
	}
	if len(errs) > 0 {
		return foundation.Invalid(errs...)
	}
	return foundation.Valid()
}

// IngestionBuild tracks one (RepoConfig, RawBuildRun) pair through
// resource ingestion. The pair is the business key; upserts are
// idempotent.
type IngestionBuild struct {
	ID            int64
	RepoConfigID  int64
	RawBuildRunID int64

	// CIRunID and CommitSHA are denormalized from the raw run so
	// workers never join back for them.
	CIRunID   int64
	CommitSHA string

	Status            IngestionStatus
	RequiredResources []string
	ResourceStatus    map[string]ResourceStatus
	IngestionError    string

	FetchedAt  foundation.Option[time.Time]
	StartedAt  foundation.Option[time.Time]
	FinishedAt foundation.Option[time.Time]
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// TrainingBuild is the extraction result record per ingested build.
type TrainingBuild struct {
	ID               int64
	RepoConfigID     int64
	RawBuildRunID    int64
	IngestionBuildID int64

	ExtractionStatus ExtractionStatus
	Features         map[string]any
	FeatureCount     int
	MissingResources []string
	SkippedFeatures  []string
	ExtractionError  string

	PredictedLabel        foundation.Option[string]
	PredictionConfidence  foundation.Option[float64]
	PredictionUncertainty foundation.Option[float64]

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NodeStatus is the outcome of one extractor node inside an audit log.
type NodeStatus string

const (
	NodeSuccess NodeStatus = "success"
	NodeFailed  NodeStatus = "failed"
	NodeSkipped NodeStatus = "skipped"
)

// NodeResult is one extractor node's audit entry, persisted as JSON in
// order of execution.
type NodeResult struct {
	Name             string         `json:"name"`
	Status           NodeStatus     `json:"status"`
	DurationMS       int64          `json:"duration_ms"`
	Features         map[string]any `json:"features,omitempty"`
	ResourcesUsed    []string       `json:"resources_used,omitempty"`
	ResourcesMissing []string       `json:"resources_missing,omitempty"`
	Error            string         `json:"error,omitempty"`
	Warning          string         `json:"warning,omitempty"`
	SkipReason       string         `json:"skip_reason,omitempty"`
	Retries          int            `json:"retries"`
}

// FeatureAuditLog records one extraction run end to end.
type FeatureAuditLog struct {
	ID             int64
	CorrelationID  string
	RepoConfigID   int64
	RawBuildRunID  int64
	NodeResults    []NodeResult
	NodesSucceeded int
	NodesFailed    int
	NodesSkipped   int
	TotalRetries   int
	FinalStatus    ExtractionStatus
	CreatedAt      time.Time
}
