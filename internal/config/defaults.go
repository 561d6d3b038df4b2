package config

// ConfigDefaultApplier applies defaults for a specific configuration domain.
type ConfigDefaultApplier interface {
	ApplyDefaults(cfg *Config) error
	Domain() string
}

// IngestionDefaultApplier handles ingestion configuration defaults.
type IngestionDefaultApplier struct{}

func (i *IngestionDefaultApplier) Domain() string { return "ingestion" }

func (i *IngestionDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Ingestion.BuildsPerPage <= 0 {
		cfg.Ingestion.BuildsPerPage = 30
	}
	if cfg.Ingestion.MaxPages <= 0 {
		cfg.Ingestion.MaxPages = 10
	}
	if cfg.Ingestion.LogUnavailableThreshold <= 0 {
		cfg.Ingestion.LogUnavailableThreshold = 5
	}

	if cfg.Ingestion.MaxRetries < 0 {
		cfg.Ingestion.MaxRetries = 0
	}
	if cfg.Ingestion.MaxRetries == 0 { // default 3 attempts total unless explicitly set >0
		cfg.Ingestion.MaxRetries = 3
	}

	if cfg.Ingestion.RetryBackoff == "" {
		cfg.Ingestion.RetryBackoff = RetryBackoffExponential
	} else {
		// normalize any user-provided raw string
		cfg.Ingestion.RetryBackoff = NormalizeRetryBackoff(string(cfg.Ingestion.RetryBackoff))
		if cfg.Ingestion.RetryBackoff == "" { // fallback to default if unknown
			cfg.Ingestion.RetryBackoff = RetryBackoffExponential
		}
	}

	if cfg.Ingestion.RetryInitialDelay == "" {
		cfg.Ingestion.RetryInitialDelay = "1s"
	}
	if cfg.Ingestion.RetryMaxDelay == "" {
		cfg.Ingestion.RetryMaxDelay = "30s"
	}

	if len(cfg.Ingestion.BotAuthorPatterns) == 0 {
		cfg.Ingestion.BotAuthorPatterns = []string{
			"[bot]", "dependabot", "renovate", "github-actions", "greenkeeper", "snyk-bot",
		}
	}

	return nil
}

// ProcessingDefaultApplier handles processing configuration defaults.
type ProcessingDefaultApplier struct{}

func (p *ProcessingDefaultApplier) Domain() string { return "processing" }

func (p *ProcessingDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Processing.BuildsPerBatch <= 0 {
		cfg.Processing.BuildsPerBatch = 50
	}
	if cfg.Processing.Workers <= 0 {
		cfg.Processing.Workers = 8
	}
	if cfg.Processing.NodeParallel <= 0 {
		cfg.Processing.NodeParallel = 4
	}
	if cfg.Processing.SoftDeadline == "" {
		cfg.Processing.SoftDeadline = "30m"
	}
	if cfg.Processing.HardDeadline == "" {
		cfg.Processing.HardDeadline = "35m"
	}
	return nil
}

// ScanDefaultApplier handles scan throttle defaults.
type ScanDefaultApplier struct{}

func (s *ScanDefaultApplier) Domain() string { return "scan" }

func (s *ScanDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Scan.BuildsPerQuery <= 0 {
		cfg.Scan.BuildsPerQuery = 100
	}
	if cfg.Scan.CommitsPerBatch <= 0 {
		cfg.Scan.CommitsPerBatch = 50
	}
	if cfg.Scan.BatchDelay == "" {
		cfg.Scan.BatchDelay = "2s"
	}
	return nil
}

// PathsDefaultApplier handles on-disk path defaults.
type PathsDefaultApplier struct{}

func (p *PathsDefaultApplier) Domain() string { return "paths" }

func (p *PathsDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Paths.ReposDir == "" {
		cfg.Paths.ReposDir = "./data/repos"
	}
	if cfg.Paths.WorktreesDir == "" {
		cfg.Paths.WorktreesDir = "./data/worktrees"
	}
	if cfg.Paths.LogsDir == "" {
		cfg.Paths.LogsDir = "./data/logs"
	}
	if cfg.Paths.ExportDir == "" {
		cfg.Paths.ExportDir = "./data/exports"
	}
	return nil
}

// StorageDefaultApplier handles redis and database defaults.
type StorageDefaultApplier struct{}

func (s *StorageDefaultApplier) Domain() string { return "storage" }

func (s *StorageDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./buildlens.db"
	}
	if cfg.Database.EventJournalPath == "" {
		cfg.Database.EventJournalPath = "./buildlens-events.db"
	}
	return nil
}

// GitHubDefaultApplier handles GitHub endpoint defaults.
type GitHubDefaultApplier struct{}

func (g *GitHubDefaultApplier) Domain() string { return "github" }

func (g *GitHubDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.GitHub.APIURL == "" {
		cfg.GitHub.APIURL = "https://api.github.com"
	}
	return nil
}

// ProviderDefaultApplier normalizes provider entries.
type ProviderDefaultApplier struct{}

func (p *ProviderDefaultApplier) Domain() string { return "providers" }

func (p *ProviderDefaultApplier) ApplyDefaults(cfg *Config) error {
	for _, prov := range cfg.Providers {
		if prov == nil {
			continue
		}
		if t := NormalizeProviderType(string(prov.Type)); t != "" {
			prov.Type = t
		}
		if prov.RequestDelay == "" {
			prov.RequestDelay = "500ms"
		}
	}
	return nil
}

// DaemonDefaultApplier handles Daemon configuration defaults.
type DaemonDefaultApplier struct{}

func (d *DaemonDefaultApplier) Domain() string { return "daemon" }

func (d *DaemonDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Daemon == nil {
		return nil // No daemon config to apply defaults to
	}

	if cfg.Daemon.HTTP.WebhookPort == 0 {
		cfg.Daemon.HTTP.WebhookPort = 8081
	}
	if cfg.Daemon.HTTP.AdminPort == 0 {
		cfg.Daemon.HTTP.AdminPort = 8082
	}
	if cfg.Daemon.Sync.Schedule == "" {
		cfg.Daemon.Sync.Schedule = "0 */6 * * *" // Every 6 hours
	}
	if cfg.Daemon.Sync.ConcurrentImports == 0 {
		cfg.Daemon.Sync.ConcurrentImports = 3
	}
	if cfg.Daemon.Sync.QueueSize == 0 {
		cfg.Daemon.Sync.QueueSize = 100
	}

	if cfg.Daemon.NATS != nil && cfg.Daemon.NATS.Enabled {
		n := cfg.Daemon.NATS
		if n.URL == "" {
			n.URL = "nats://localhost:4222"
		}
		if n.SubjectPrefix == "" {
			n.SubjectPrefix = "buildlens.events"
		}
		if n.Stream == "" {
			n.Stream = "BUILDLENS"
		}
	}

	return nil
}

// MonitoringDefaultApplier handles Monitoring configuration defaults.
type MonitoringDefaultApplier struct{}

func (m *MonitoringDefaultApplier) Domain() string { return "monitoring" }

func (m *MonitoringDefaultApplier) ApplyDefaults(cfg *Config) error {
	if cfg.Monitoring == nil {
		cfg.Monitoring = &MonitoringConfig{}
	}

	if cfg.Monitoring.Metrics.Path == "" {
		cfg.Monitoring.Metrics.Path = "/metrics"
	}
	if cfg.Monitoring.Health.Path == "" {
		cfg.Monitoring.Health.Path = "/health"
	}
	if cfg.Monitoring.Logging.Level == "" {
		cfg.Monitoring.Logging.Level = LogLevelInfo
	} else {
		lvl := NormalizeLogLevel(string(cfg.Monitoring.Logging.Level))
		if lvl != "" {
			cfg.Monitoring.Logging.Level = lvl
		}
	}
	if cfg.Monitoring.Logging.Format == "" {
		cfg.Monitoring.Logging.Format = LogFormatJSON
	} else {
		fmtVal := NormalizeLogFormat(string(cfg.Monitoring.Logging.Format))
		if fmtVal != "" {
			cfg.Monitoring.Logging.Format = fmtVal
		}
	}

	return nil
}
