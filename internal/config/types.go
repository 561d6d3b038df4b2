package config

// AuthType enumerates supported authentication methods (stringly for YAML compatibility)
type AuthType string

const (
	AuthTypeNone  AuthType = "none"
	AuthTypeToken AuthType = "token"
	AuthTypeBasic AuthType = "basic"
)

// AuthConfig represents authentication configuration for a provider endpoint
type AuthConfig struct {
	Type     AuthType `yaml:"type"` // token|basic|none
	Username string   `yaml:"username,omitempty"`
	Password string   `yaml:"password,omitempty"`
	Token    string   `yaml:"token,omitempty"`
}

// IsZero reports whether no auth method specified.
func (a *AuthConfig) IsZero() bool { return a == nil || a.Type == "" || a.Type == AuthTypeNone }

// ProviderConfig represents configuration for a specific CI provider endpoint
type ProviderConfig struct {
	Name         string         `yaml:"name"`          // Friendly name for this provider instance
	Type         ProviderType   `yaml:"type"`          // Typed provider kind
	APIURL       string         `yaml:"api_url"`       // API base URL
	BaseURL      string         `yaml:"base_url"`      // Web base URL
	Auth         *AuthConfig    `yaml:"auth"`          // Authentication config
	RequestDelay string         `yaml:"request_delay"` // Per-request self-pacing delay (non-GitHub)
	Options      map[string]any `yaml:"options"`       // Provider-specific options
}

// GitHubAppConfig holds GitHub App credentials for installation-token clones.
type GitHubAppConfig struct {
	AppID          int64  `yaml:"app_id"`
	InstallationID int64  `yaml:"installation_id"`
	PrivateKeyPath string `yaml:"private_key_path"`
}

// GitHubConfig groups everything GitHub-specific: the token pool seed, the
// webhook secret, and optional App credentials.
type GitHubConfig struct {
	APIURL        string           `yaml:"api_url"`
	Tokens        []string         `yaml:"tokens"`
	WebhookSecret string           `yaml:"webhook_secret"`
	App           *GitHubAppConfig `yaml:"app,omitempty"`
}

// RedisConfig is the coordination store connection.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password,omitempty"`
	DB       int    `yaml:"db"`
}

// DatabaseConfig holds SQLite paths for the main store and the event journal.
type DatabaseConfig struct {
	Path             string `yaml:"path"`
	EventJournalPath string `yaml:"event_journal_path"`
}

// IngestionConfig controls build fetching and resource ingestion.
type IngestionConfig struct {
	BuildsPerPage           int              `yaml:"builds_per_page"`
	MaxPages                int              `yaml:"max_pages"`
	LogUnavailableThreshold int              `yaml:"log_unavailable_threshold"`
	MaxRetries              int              `yaml:"max_retries"`
	RetryBackoff            RetryBackoffMode `yaml:"retry_backoff"`
	RetryInitialDelay       string           `yaml:"retry_initial_delay"`
	RetryMaxDelay           string           `yaml:"retry_max_delay"`
	BotAuthorPatterns       []string         `yaml:"bot_author_patterns"`
}

// ProcessingConfig controls the feature extraction phase.
type ProcessingConfig struct {
	BuildsPerBatch int    `yaml:"builds_per_batch"`
	Workers        int    `yaml:"workers"`
	NodeParallel   int    `yaml:"node_parallel"`
	SoftDeadline   string `yaml:"soft_deadline"`
	HardDeadline   string `yaml:"hard_deadline"`
}

// ScanConfig throttles commit/build scan dispatching.
type ScanConfig struct {
	BuildsPerQuery  int    `yaml:"builds_per_query"`
	CommitsPerBatch int    `yaml:"commits_per_batch"`
	BatchDelay      string `yaml:"batch_delay"`
}

// PathsConfig holds on-disk roots for acquired resources and exports.
type PathsConfig struct {
	ReposDir     string `yaml:"repos_dir"`
	WorktreesDir string `yaml:"worktrees_dir"`
	LogsDir      string `yaml:"logs_dir"`
	ExportDir    string `yaml:"export_dir"`
}

// DaemonConfig represents daemon-specific configuration
type DaemonConfig struct {
	HTTP HTTPConfig  `yaml:"http"`
	Sync SyncConfig  `yaml:"sync"`
	NATS *NATSConfig `yaml:"nats,omitempty"`
}

// HTTPConfig represents HTTP server configuration
type HTTPConfig struct {
	WebhookPort int `yaml:"webhook_port"` // Webhook reception port
	AdminPort   int `yaml:"admin_port"`   // Admin/status endpoints port
}

// SyncConfig represents periodic synchronization configuration
type SyncConfig struct {
	Schedule          string `yaml:"schedule"`           // Cron expression for auto-sync
	ConcurrentImports int    `yaml:"concurrent_imports"` // Max parallel repository imports
	QueueSize         int    `yaml:"queue_size"`         // Max queued orchestration tasks
}

// NATSConfig enables mirroring lifecycle events onto a JetStream subject.
type NATSConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
	Stream        string `yaml:"stream"`
}

// MonitoringConfig represents monitoring and observability configuration
type MonitoringConfig struct {
	Metrics MonitoringMetrics `yaml:"metrics"`
	Health  MonitoringHealth  `yaml:"health"`
	Logging MonitoringLogging `yaml:"logging"`
}

// MonitoringMetrics represents metrics configuration
type MonitoringMetrics struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// MonitoringHealth represents health check configuration
type MonitoringHealth struct {
	Path string `yaml:"path"`
}

// MonitoringLogging represents logging configuration
type MonitoringLogging struct {
	Level  LogLevel  `yaml:"level"`
	Format LogFormat `yaml:"format"`
}
