package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfigFile(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "buildlens.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

const minimalConfig = `
version: "1.0"
github:
  tokens: ["ghp_test1", "ghp_test2"]
  webhook_secret: "hush"
`

func TestLoadMinimalConfigAppliesDefaults(t *testing.T) {
	t.Setenv("GITHUB_TOKENS", "") // keep host environment from bleeding in
	path := writeConfigFile(t, minimalConfig)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Ingestion.BuildsPerPage != 30 {
		t.Errorf("expected default builds_per_page 30, got %d", cfg.Ingestion.BuildsPerPage)
	}
	if cfg.Ingestion.LogUnavailableThreshold != 5 {
		t.Errorf("expected default log_unavailable_threshold 5, got %d", cfg.Ingestion.LogUnavailableThreshold)
	}
	if cfg.Ingestion.RetryBackoff != RetryBackoffExponential {
		t.Errorf("expected default exponential backoff, got %s", cfg.Ingestion.RetryBackoff)
	}
	if cfg.Processing.BuildsPerBatch != 50 {
		t.Errorf("expected default builds_per_batch 50, got %d", cfg.Processing.BuildsPerBatch)
	}
	if cfg.Scan.BuildsPerQuery != 100 {
		t.Errorf("expected default builds_per_query 100, got %d", cfg.Scan.BuildsPerQuery)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("expected default redis addr, got %s", cfg.Redis.Addr)
	}
	if cfg.GitHub.APIURL != "https://api.github.com" {
		t.Errorf("expected default github api url, got %s", cfg.GitHub.APIURL)
	}
	if len(cfg.GitHub.Tokens) != 2 {
		t.Errorf("expected 2 tokens, got %d", len(cfg.GitHub.Tokens))
	}
	if len(cfg.Ingestion.BotAuthorPatterns) == 0 {
		t.Error("expected default bot author patterns")
	}
	if cfg.Monitoring == nil || cfg.Monitoring.Metrics.Path != "/metrics" {
		t.Error("expected monitoring defaults applied")
	}
}

func TestLoadRejectsUnsupportedVersion(t *testing.T) {
	path := writeConfigFile(t, `version: "9.0"`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected version error")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected missing file error")
	}
}

func TestLoadExpandsEnvironment(t *testing.T) {
	t.Setenv("BL_TEST_TOKEN", "ghp_from_env")
	path := writeConfigFile(t, `
version: "1.0"
github:
  tokens: ["${BL_TEST_TOKEN}"]
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.GitHub.Tokens[0] != "ghp_from_env" {
		t.Errorf("expected env-expanded token, got %s", cfg.GitHub.Tokens[0])
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	t.Setenv("INGESTION_BUILDS_PER_PAGE", "77")
	t.Setenv("LOG_UNAVAILABLE_THRESHOLD", "9")
	t.Setenv("REPOS_DIR", "/srv/repos")
	t.Setenv("SCAN_BATCH_DELAY_SECONDS", "7")
	path := writeConfigFile(t, `
version: "1.0"
ingestion:
  builds_per_page: 10
paths:
  repos_dir: ./ignored
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Ingestion.BuildsPerPage != 77 {
		t.Errorf("expected env override 77, got %d", cfg.Ingestion.BuildsPerPage)
	}
	if cfg.Ingestion.LogUnavailableThreshold != 9 {
		t.Errorf("expected env override 9, got %d", cfg.Ingestion.LogUnavailableThreshold)
	}
	if cfg.Paths.ReposDir != "/srv/repos" {
		t.Errorf("expected env override repos dir, got %s", cfg.Paths.ReposDir)
	}
	if cfg.Scan.BatchDelay != "7s" {
		t.Errorf("expected env override batch delay 7s, got %s", cfg.Scan.BatchDelay)
	}
}

func TestValidationRejectsBadProvider(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "unknown provider type",
			yaml: `
version: "1.0"
providers:
  - name: weird
    type: bamboo
    api_url: https://example.com
`,
		},
		{
			name: "missing api url",
			yaml: `
version: "1.0"
providers:
  - name: gl
    type: gitlab
`,
		},
		{
			name: "duplicate names",
			yaml: `
version: "1.0"
providers:
  - name: ci
    type: gitlab
    api_url: https://a.example.com
  - name: ci
    type: jenkins
    api_url: https://b.example.com
`,
		},
		{
			name: "token auth without token",
			yaml: `
version: "1.0"
providers:
  - name: gl
    type: gitlab
    api_url: https://gitlab.example.com
    auth:
      type: token
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfigFile(t, tt.yaml)
			if _, err := Load(path); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestValidationRejectsDeadlineInversion(t *testing.T) {
	path := writeConfigFile(t, `
version: "1.0"
processing:
  soft_deadline: "40m"
  hard_deadline: "35m"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected deadline validation error")
	}
}

func TestNormalizeProviderType(t *testing.T) {
	cases := map[string]ProviderType{
		"GitHub":         ProviderGitHub,
		"github_actions": ProviderGitHub,
		"GITLAB":         ProviderGitLab,
		"gitlab-ci":      ProviderGitLab,
		"Jenkins":        ProviderJenkins,
		"circle-ci":      ProviderCircleCI,
		"travis_ci":      ProviderTravis,
		"bamboo":         "",
	}
	for raw, want := range cases {
		if got := NormalizeProviderType(raw); got != want {
			t.Errorf("NormalizeProviderType(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestSnapshotStability(t *testing.T) {
	path := writeConfigFile(t, minimalConfig)
	cfg1, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	cfg2, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg1.Snapshot() != cfg2.Snapshot() {
		t.Error("expected identical snapshots for identical configs")
	}

	cfg2.Ingestion.BuildsPerPage = 99
	if cfg1.Snapshot() == cfg2.Snapshot() {
		t.Error("expected snapshot to change when ingestion tuning changes")
	}
}

func TestSnapshotIgnoresSliceOrder(t *testing.T) {
	a := &Config{Ingestion: IngestionConfig{BotAuthorPatterns: []string{"renovate", "[bot]"}}}
	b := &Config{Ingestion: IngestionConfig{BotAuthorPatterns: []string{"[bot]", "renovate"}}}
	if a.Snapshot() != b.Snapshot() {
		t.Error("expected snapshot to sort slice fields")
	}
}

func TestInitWritesLoadableConfig(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_example")
	t.Setenv("GITHUB_WEBHOOK_SECRET", "hush")
	t.Setenv("GITLAB_TOKEN", "glpat_example")
	dir := t.TempDir()
	path := filepath.Join(dir, "example.yaml")

	if err := Init(path, false); err != nil {
		t.Fatalf("Init: %v", err)
	}
	// Second init without force must refuse
	if err := Init(path, false); err == nil {
		t.Fatal("expected error on existing file without force")
	}
	if err := Init(path, true); err != nil {
		t.Fatalf("Init force: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load generated config: %v", err)
	}
	if cfg.Daemon == nil || cfg.Daemon.HTTP.WebhookPort != 8081 {
		t.Error("expected daemon section in generated config")
	}
	if len(cfg.Providers) == 0 || cfg.Providers[0].Type != ProviderGitLab {
		t.Error("expected example provider in generated config")
	}
}
