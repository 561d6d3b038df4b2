package ci

import (
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/buildlens/buildlens/internal/config"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/metrics"
	"github.com/buildlens/buildlens/internal/tokenpool"
)

// Dependencies carries the collaborators shared by every adapter. Only the
// GitHub adapter requires the token pool; the rest authenticate with the
// static credentials from their provider config.
type Dependencies struct {
	TokenPool               *tokenpool.Pool
	Logger                  *slog.Logger
	Recorder                metrics.Recorder
	HTTPClient              *http.Client
	BotPatterns             []string
	LogUnavailableThreshold int
}

// NewProvider builds the adapter for a single configured provider endpoint.
func NewProvider(pc *config.ProviderConfig, deps Dependencies) (Provider, error) {
	if pc == nil {
		return nil, ferrors.ConfigError("provider config is nil").Build()
	}
	switch pc.Type {
	case config.ProviderGitHub:
		return NewGitHubProvider(pc, deps)
	case config.ProviderGitLab:
		return NewGitLabProvider(pc, deps)
	case config.ProviderJenkins:
		return NewJenkinsProvider(pc, deps)
	case config.ProviderCircleCI:
		return NewCircleCIProvider(pc, deps)
	case config.ProviderTravis:
		return NewTravisProvider(pc, deps)
	default:
		return nil, ferrors.ConfigError(fmt.Sprintf("unsupported provider type: %q", pc.Type)).Build()
	}
}

// Registry resolves adapters by provider type. It is populated once from
// configuration; lookups after that are read-only and safe for concurrent use.
type Registry struct {
	providers map[config.ProviderType]Provider
}

// NewRegistry builds one adapter per configured endpoint. The GitHub adapter
// is synthesized from the dedicated github section whenever a token pool is
// available, independent of the providers list.
func NewRegistry(cfg *config.Config, deps Dependencies) (*Registry, error) {
	reg := &Registry{providers: make(map[config.ProviderType]Provider)}
	if deps.TokenPool != nil {
		gh, err := NewGitHubProvider(&config.ProviderConfig{
			Name:   "github",
			Type:   config.ProviderGitHub,
			APIURL: cfg.GitHub.APIURL,
		}, deps)
		if err != nil {
			return nil, err
		}
		reg.providers[config.ProviderGitHub] = gh
	}
	for _, pc := range cfg.Providers {
		p, err := NewProvider(pc, deps)
		if err != nil {
			return nil, err
		}
		if _, dup := reg.providers[p.Type()]; dup {
			return nil, ferrors.ConfigError(fmt.Sprintf("duplicate provider type: %q", p.Type())).Build()
		}
		reg.providers[p.Type()] = p
	}
	return reg, nil
}

// NewRegistryWith assembles a registry from prebuilt adapters, keyed by
// their reported type. Later adapters replace earlier ones of the same type.
func NewRegistryWith(providers ...Provider) *Registry {
	reg := &Registry{providers: make(map[config.ProviderType]Provider, len(providers))}
	for _, p := range providers {
		reg.providers[p.Type()] = p
	}
	return reg
}

// Get returns the adapter for the given type or a config error when none is
// registered.
func (r *Registry) Get(pt config.ProviderType) (Provider, error) {
	p, ok := r.providers[pt]
	if !ok {
		return nil, ferrors.ConfigError(fmt.Sprintf("no provider configured for type %q", pt)).Build()
	}
	return p, nil
}

// Types lists the registered provider types in stable order.
func (r *Registry) Types() []config.ProviderType {
	types := make([]config.ProviderType, 0, len(r.providers))
	for pt := range r.providers {
		types = append(types, pt)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// providerDelay returns the per-request delay for self-paced providers.
// Validation guarantees a parseable value when set.
func providerDelay(pc *config.ProviderConfig) time.Duration {
	if pc.RequestDelay != "" {
		if d, err := time.ParseDuration(pc.RequestDelay); err == nil && d >= 0 {
			return d
		}
	}
	return 500 * time.Millisecond
}
