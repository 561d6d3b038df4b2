package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// loadEnvFile loads environment variables from .env/.env.local files.
// It attempts each supported filename in order and stops at the first successfully parsed file.
// Existing process environment variables are never overwritten.
func loadEnvFile() error {
	envPaths := []string{".env", ".env.local"}
	var lastErr error
	for _, envPath := range envPaths {
		if _, err := os.Stat(envPath); err != nil {
			lastErr = err
			continue
		}
		if err := godotenv.Load(envPath); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return lastErr
}

// applyEnvOverrides lets the documented process-level env vars override file
// values. These are operational knobs tuned per deployment without editing
// the config file.
func applyEnvOverrides(cfg *Config) {
	if v, ok := envInt("INGESTION_BUILDS_PER_PAGE"); ok {
		cfg.Ingestion.BuildsPerPage = v
	}
	if v, ok := envInt("PROCESSING_BUILDS_PER_BATCH"); ok {
		cfg.Processing.BuildsPerBatch = v
	}
	if v, ok := envInt("LOG_UNAVAILABLE_THRESHOLD"); ok {
		cfg.Ingestion.LogUnavailableThreshold = v
	}
	if v := os.Getenv("GITHUB_TOKENS"); v != "" {
		tokens := make([]string, 0, 4)
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				tokens = append(tokens, t)
			}
		}
		if len(tokens) > 0 {
			cfg.GitHub.Tokens = tokens
		}
	}
	if v := os.Getenv("GITHUB_WEBHOOK_SECRET"); v != "" {
		cfg.GitHub.WebhookSecret = v
	}
	if v := os.Getenv("REPOS_DIR"); v != "" {
		cfg.Paths.ReposDir = v
	}
	if v := os.Getenv("WORKTREES_DIR"); v != "" {
		cfg.Paths.WorktreesDir = v
	}
	if v, ok := envInt("SCAN_BUILDS_PER_QUERY"); ok {
		cfg.Scan.BuildsPerQuery = v
	}
	if v, ok := envInt("SCAN_COMMITS_PER_BATCH"); ok {
		cfg.Scan.CommitsPerBatch = v
	}
	if v, ok := envInt("SCAN_BATCH_DELAY_SECONDS"); ok {
		cfg.Scan.BatchDelay = strconv.Itoa(v) + "s"
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, false
	}
	return v, true
}
