package config

import (
	"errors"
	"fmt"
	"time"
)

// ValidateConfig validates the complete configuration structure.
func ValidateConfig(cfg *Config) error {
	validator := newConfigurationValidator(cfg)
	return validator.validate()
}

// configurationValidator coordinates validation across all configuration domains.
type configurationValidator struct {
	config *Config
}

// newConfigurationValidator creates a comprehensive configuration validator.
func newConfigurationValidator(config *Config) *configurationValidator {
	return &configurationValidator{config: config}
}

// validate performs comprehensive configuration validation using domain-specific methods.
func (cv *configurationValidator) validate() error {
	// Validate in order of dependencies
	if err := cv.validateProviders(); err != nil {
		return err
	}
	if err := cv.validateGitHub(); err != nil {
		return err
	}
	if err := cv.validateIngestion(); err != nil {
		return err
	}
	if err := cv.validateProcessing(); err != nil {
		return err
	}
	if err := cv.validatePaths(); err != nil {
		return err
	}
	if err := cv.validateDaemon(); err != nil {
		return err
	}
	return nil
}

// validateProviders validates provider endpoint configuration.
func (cv *configurationValidator) validateProviders() error {
	// Track provider names for duplicates
	providerNames := make(map[string]bool)

	for _, prov := range cv.config.Providers {
		if prov == nil {
			continue
		}
		if prov.Name == "" {
			return errors.New("provider name cannot be empty")
		}
		if providerNames[prov.Name] {
			return fmt.Errorf("duplicate provider name: %s", prov.Name)
		}
		providerNames[prov.Name] = true

		if prov.Type == "" || NormalizeProviderType(string(prov.Type)) == "" {
			return fmt.Errorf("unsupported provider type: %s", prov.Type)
		}
		if prov.APIURL == "" {
			return fmt.Errorf("provider %s: api_url is required", prov.Name)
		}
		if prov.RequestDelay != "" {
			if _, err := time.ParseDuration(prov.RequestDelay); err != nil {
				return fmt.Errorf("provider %s: invalid request_delay %q: %w", prov.Name, prov.RequestDelay, err)
			}
		}
		if prov.Auth != nil && !prov.Auth.IsZero() {
			switch prov.Auth.Type {
			case AuthTypeToken:
				if prov.Auth.Token == "" {
					return fmt.Errorf("provider %s: token auth requires a token", prov.Name)
				}
			case AuthTypeBasic:
				if prov.Auth.Username == "" || prov.Auth.Password == "" {
					return fmt.Errorf("provider %s: basic auth requires username and password", prov.Name)
				}
			default:
				return fmt.Errorf("provider %s: unsupported auth type: %s", prov.Name, prov.Auth.Type)
			}
		}
	}

	return nil
}

// validateGitHub validates GitHub token pool and App configuration.
func (cv *configurationValidator) validateGitHub() error {
	gh := cv.config.GitHub
	if gh.App != nil {
		if gh.App.AppID <= 0 {
			return errors.New("github.app: app_id must be positive")
		}
		if gh.App.InstallationID <= 0 {
			return errors.New("github.app: installation_id must be positive")
		}
		if gh.App.PrivateKeyPath == "" {
			return errors.New("github.app: private_key_path is required")
		}
	}
	// Tokens may legitimately be empty (public repos, App-only deployments);
	// the pool reports exhaustion at runtime instead.
	return nil
}

// validateIngestion validates ingestion tuning.
func (cv *configurationValidator) validateIngestion() error {
	ing := cv.config.Ingestion
	if ing.BuildsPerPage > 100 {
		return fmt.Errorf("ingestion.builds_per_page must be <= 100 (provider page cap), got %d", ing.BuildsPerPage)
	}
	if _, err := time.ParseDuration(ing.RetryInitialDelay); err != nil {
		return fmt.Errorf("ingestion.retry_initial_delay invalid: %w", err)
	}
	if _, err := time.ParseDuration(ing.RetryMaxDelay); err != nil {
		return fmt.Errorf("ingestion.retry_max_delay invalid: %w", err)
	}
	return nil
}

// validateProcessing validates processing deadlines and batch sizes.
func (cv *configurationValidator) validateProcessing() error {
	proc := cv.config.Processing
	soft, err := time.ParseDuration(proc.SoftDeadline)
	if err != nil {
		return fmt.Errorf("processing.soft_deadline invalid: %w", err)
	}
	hard, err := time.ParseDuration(proc.HardDeadline)
	if err != nil {
		return fmt.Errorf("processing.hard_deadline invalid: %w", err)
	}
	if hard <= soft {
		return fmt.Errorf("processing.hard_deadline (%s) must exceed soft_deadline (%s)", proc.HardDeadline, proc.SoftDeadline)
	}
	return nil
}

// validatePaths validates on-disk roots are distinct.
func (cv *configurationValidator) validatePaths() error {
	p := cv.config.Paths
	if p.ReposDir == p.WorktreesDir {
		return errors.New("paths.repos_dir and paths.worktrees_dir must differ")
	}
	return nil
}

// validateDaemon validates daemon mode settings.
func (cv *configurationValidator) validateDaemon() error {
	d := cv.config.Daemon
	if d == nil {
		return nil
	}
	if d.HTTP.WebhookPort == d.HTTP.AdminPort {
		return fmt.Errorf("daemon webhook_port and admin_port must differ (both %d)", d.HTTP.AdminPort)
	}
	if d.Sync.ConcurrentImports < 0 {
		return errors.New("daemon.sync.concurrent_imports cannot be negative")
	}
	return nil
}
