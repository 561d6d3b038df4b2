package ci

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/buildlens/buildlens/internal/config"
	"github.com/buildlens/buildlens/internal/tokenpool"
)

func newTestPool(t *testing.T) *tokenpool.Pool {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	pool := tokenpool.New(client, testLogger())
	if _, err := pool.Seed(context.Background(), []string{"ghp_seed"}); err != nil {
		t.Fatalf("seed pool: %v", err)
	}
	return pool
}

func TestNewProvider(t *testing.T) {
	pool := newTestPool(t)
	deps := Dependencies{TokenPool: pool, Logger: testLogger()}

	tests := []struct {
		name      string
		config    *config.ProviderConfig
		wantType  config.ProviderType
		wantError bool
	}{
		{
			name: "GitHub adapter",
			config: &config.ProviderConfig{
				Name: "gh-main",
				Type: config.ProviderGitHub,
			},
			wantType: config.ProviderGitHub,
		},
		{
			name: "GitLab adapter",
			config: &config.ProviderConfig{
				Name:   "gitlab-internal",
				Type:   config.ProviderGitLab,
				APIURL: "https://gitlab.example.com",
				Auth:   &config.AuthConfig{Type: config.AuthTypeToken, Token: "glpat-x"},
			},
			wantType: config.ProviderGitLab,
		},
		{
			name: "Jenkins adapter",
			config: &config.ProviderConfig{
				Name:   "jenkins-legacy",
				Type:   config.ProviderJenkins,
				APIURL: "https://jenkins.example.com",
				Auth:   &config.AuthConfig{Type: config.AuthTypeBasic, Username: "ci", Password: "secret"},
			},
			wantType: config.ProviderJenkins,
		},
		{
			name: "CircleCI adapter",
			config: &config.ProviderConfig{
				Name: "circle",
				Type: config.ProviderCircleCI,
				Auth: &config.AuthConfig{Type: config.AuthTypeToken, Token: "circle-token"},
			},
			wantType: config.ProviderCircleCI,
		},
		{
			name: "Travis adapter",
			config: &config.ProviderConfig{
				Name: "travis",
				Type: config.ProviderTravis,
				Auth: &config.AuthConfig{Type: config.AuthTypeToken, Token: "travis-token"},
			},
			wantType: config.ProviderTravis,
		},
		{
			name: "Unsupported provider type",
			config: &config.ProviderConfig{
				Name: "bamboo",
				Type: "bamboo",
			},
			wantError: true,
		},
		{
			name:      "Nil config",
			config:    nil,
			wantError: true,
		},
		{
			name: "Jenkins without api_url",
			config: &config.ProviderConfig{
				Name: "jenkins-broken",
				Type: config.ProviderJenkins,
			},
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			provider, err := NewProvider(tt.config, deps)

			if tt.wantError {
				if err == nil {
					t.Errorf("NewProvider() expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Errorf("NewProvider() unexpected error: %v", err)
				return
			}
			if provider == nil {
				t.Fatal("NewProvider() returned nil provider")
			}
			if provider.Type() != tt.wantType {
				t.Errorf("NewProvider() type = %v, want %v", provider.Type(), tt.wantType)
			}
		})
	}
}

func TestNewProviderGitHubRequiresPool(t *testing.T) {
	_, err := NewProvider(&config.ProviderConfig{Type: config.ProviderGitHub}, Dependencies{})
	if err == nil {
		t.Fatal("NewProvider() for github without pool expected error, got nil")
	}
}

func TestNewRegistry(t *testing.T) {
	pool := newTestPool(t)
	cfg := &config.Config{
		GitHub: config.GitHubConfig{APIURL: "https://api.github.com"},
		Providers: []*config.ProviderConfig{
			{
				Name:   "gitlab-internal",
				Type:   config.ProviderGitLab,
				APIURL: "https://gitlab.example.com",
			},
			{
				Name:   "travis",
				Type:   config.ProviderTravis,
				APIURL: "https://api.travis-ci.com",
			},
		},
	}

	reg, err := NewRegistry(cfg, Dependencies{TokenPool: pool, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	types := reg.Types()
	if len(types) != 3 {
		t.Fatalf("Types() = %v, want 3 entries", types)
	}

	for _, pt := range []config.ProviderType{config.ProviderGitHub, config.ProviderGitLab, config.ProviderTravis} {
		p, err := reg.Get(pt)
		if err != nil {
			t.Errorf("Get(%s) error = %v", pt, err)
			continue
		}
		if p.Type() != pt {
			t.Errorf("Get(%s) type = %v", pt, p.Type())
		}
	}

	if _, err := reg.Get(config.ProviderJenkins); err == nil {
		t.Error("Get() for unregistered type expected error, got nil")
	}
}

func TestNewRegistryWithoutPoolSkipsGitHub(t *testing.T) {
	cfg := &config.Config{
		Providers: []*config.ProviderConfig{
			{Name: "gitlab", Type: config.ProviderGitLab, APIURL: "https://gitlab.example.com"},
		},
	}
	reg, err := NewRegistry(cfg, Dependencies{Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if _, err := reg.Get(config.ProviderGitHub); err == nil {
		t.Error("Get(github) without pool expected error, got nil")
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	cfg := &config.Config{
		Providers: []*config.ProviderConfig{
			{Name: "gitlab-a", Type: config.ProviderGitLab, APIURL: "https://a.example.com"},
			{Name: "gitlab-b", Type: config.ProviderGitLab, APIURL: "https://b.example.com"},
		},
	}
	if _, err := NewRegistry(cfg, Dependencies{Logger: testLogger()}); err == nil {
		t.Fatal("NewRegistry() with duplicate types expected error, got nil")
	}
}
