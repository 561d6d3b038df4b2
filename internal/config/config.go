package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the unified configuration for daemon and direct modes.
type Config struct {
	Version    string            `yaml:"version"`
	Daemon     *DaemonConfig     `yaml:"daemon,omitempty"`
	Redis      RedisConfig       `yaml:"redis"`
	Database   DatabaseConfig    `yaml:"database"`
	GitHub     GitHubConfig      `yaml:"github"`
	Providers  []*ProviderConfig `yaml:"providers,omitempty"`
	Ingestion  IngestionConfig   `yaml:"ingestion"`
	Processing ProcessingConfig  `yaml:"processing"`
	Scan       ScanConfig        `yaml:"scan"`
	Paths      PathsConfig       `yaml:"paths"`
	Monitoring *MonitoringConfig `yaml:"monitoring,omitempty"`
}

// Load loads a configuration file (version 1.x).
func Load(configPath string) (*Config, error) {
	// Load .env file if it exists
	if err := loadEnvFile(); err != nil {
		// Don't fail if .env doesn't exist, just log it
		fmt.Fprintf(os.Stderr, "Note: .env file not found or couldn't be loaded: %v\n", err)
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found: %s", configPath)
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))

	var config Config
	if err := yaml.Unmarshal([]byte(expandedData), &config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate version
	if !strings.HasPrefix(config.Version, "1.") {
		return nil, fmt.Errorf("unsupported configuration version: %s (expected 1.x)", config.Version)
	}

	// Process-level env vars override file values (spec'd operational knobs)
	applyEnvOverrides(&config)

	// Apply defaults (after env overrides so canonical values drive defaults)
	if err := applyDefaults(&config); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	// Validate configuration
	if err := ValidateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

// applyDefaults applies default values to configuration
func applyDefaults(config *Config) error {
	applier := NewDefaultApplier()
	return applier.ApplyDefaults(config)
}

// Init writes an example configuration file (version 1.0).
func Init(configPath string, force bool) error {
	if _, err := os.Stat(configPath); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", configPath)
	}

	exampleConfig := Config{
		Version: "1.0",
		Daemon: &DaemonConfig{
			HTTP: HTTPConfig{
				WebhookPort: 8081,
				AdminPort:   8082,
			},
			Sync: SyncConfig{
				Schedule:          "0 */6 * * *",
				ConcurrentImports: 3,
				QueueSize:         100,
			},
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
			DB:   0,
		},
		Database: DatabaseConfig{
			Path:             "./buildlens.db",
			EventJournalPath: "./buildlens-events.db",
		},
		GitHub: GitHubConfig{
			APIURL:        "https://api.github.com",
			Tokens:        []string{"${GITHUB_TOKEN}"},
			WebhookSecret: "${GITHUB_WEBHOOK_SECRET}",
		},
		Providers: []*ProviderConfig{
			{
				Name:   "company-gitlab",
				Type:   ProviderGitLab,
				APIURL: "https://gitlab.com/api/v4",
				Auth: &AuthConfig{
					Type:  AuthTypeToken,
					Token: "${GITLAB_TOKEN}",
				},
				RequestDelay: "500ms",
			},
		},
		Ingestion: IngestionConfig{
			BuildsPerPage:           30,
			MaxPages:                10,
			LogUnavailableThreshold: 5,
			MaxRetries:              3,
			RetryBackoff:            RetryBackoffExponential,
			RetryInitialDelay:       "1s",
			RetryMaxDelay:           "30s",
		},
		Processing: ProcessingConfig{
			BuildsPerBatch: 50,
			Workers:        8,
			NodeParallel:   4,
			SoftDeadline:   "30m",
			HardDeadline:   "35m",
		},
		Scan: ScanConfig{
			BuildsPerQuery:  100,
			CommitsPerBatch: 50,
			BatchDelay:      "2s",
		},
		Paths: PathsConfig{
			ReposDir:     "./data/repos",
			WorktreesDir: "./data/worktrees",
			LogsDir:      "./data/logs",
			ExportDir:    "./data/exports",
		},
		Monitoring: &MonitoringConfig{
			Metrics: MonitoringMetrics{
				Enabled: true,
				Path:    "/metrics",
			},
			Health: MonitoringHealth{
				Path: "/health",
			},
			Logging: MonitoringLogging{
				Level:  "info",
				Format: "json",
			},
		},
	}

	data, err := yaml.Marshal(&exampleConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
