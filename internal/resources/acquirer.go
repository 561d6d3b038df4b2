package resources

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/buildlens/buildlens/internal/ci"
	"github.com/buildlens/buildlens/internal/config"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/coord"
	"github.com/buildlens/buildlens/internal/gitbackend"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/metrics"
	"github.com/buildlens/buildlens/internal/store"
	"github.com/buildlens/buildlens/internal/tokenpool"
	"github.com/buildlens/buildlens/internal/util/sets"
)

// RunSource is the slice of the store the acquirer reads: the slim
// build-run projections extractors relate commits against.
type RunSource interface {
	ListBuildRunRefs(ctx context.Context, rawRepositoryID int64, provider string) ([]store.BuildRunRef, error)
}

// Dependencies carries the acquirer's collaborators. Git, Locks and Runs
// are required; the rest degrade gracefully when absent.
type Dependencies struct {
	Git       gitbackend.GitBackend
	Locks     *coord.LockManager
	Runs      RunSource
	Providers *ci.Registry
	TokenPool *tokenpool.Pool
	Logger    *slog.Logger
	Recorder  metrics.Recorder
	// HTTPClient is shared by the app token source and the API client.
	HTTPClient *http.Client
}

// Acquirer prepares resource bundles for builds. It is safe for
// concurrent use; cross-worker exclusion happens through the
// coordination store, not in-process locking.
type Acquirer struct {
	paths     config.PathsConfig
	git       gitbackend.GitBackend
	locks     *coord.LockManager
	runs      RunSource
	providers *ci.Registry
	pool      *tokenpool.Pool
	appTokens *AppTokenSource
	logger     *slog.Logger
	recorder   metrics.Recorder
	apiURL     string
	httpClient *http.Client

	// providerAuth and providerBase index the static provider endpoints
	// for clone credentials and clone URL construction.
	providerAuth map[config.ProviderType]*config.AuthConfig
	providerBase map[config.ProviderType]string
}

// New builds an acquirer from configuration. A configured GitHub App is
// loaded eagerly so a bad key path fails startup, not the first clone.
func New(cfg *config.Config, deps Dependencies) (*Acquirer, error) {
	if deps.Git == nil {
		return nil, ferrors.ConfigError("resource acquirer requires a git backend").Build()
	}
	if deps.Locks == nil {
		return nil, ferrors.ConfigError("resource acquirer requires a lock manager").Build()
	}
	if deps.Runs == nil {
		return nil, ferrors.ConfigError("resource acquirer requires a run source").Build()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := deps.Recorder
	if recorder == nil {
		recorder = metrics.NoopRecorder{}
	}

	a := &Acquirer{
		paths:        cfg.Paths,
		git:          deps.Git,
		locks:        deps.Locks,
		runs:         deps.Runs,
		providers:    deps.Providers,
		pool:         deps.TokenPool,
		logger:       logger,
		recorder:     recorder,
		apiURL:       cfg.GitHub.APIURL,
		httpClient:   deps.HTTPClient,
		providerAuth: make(map[config.ProviderType]*config.AuthConfig),
		providerBase: make(map[config.ProviderType]string),
	}
	for _, pc := range cfg.Providers {
		if pc == nil {
			continue
		}
		a.providerAuth[pc.Type] = pc.Auth
		a.providerBase[pc.Type] = pc.BaseURL
	}
	if cfg.GitHub.App != nil {
		src, err := NewAppTokenSource(cfg.GitHub.App, cfg.GitHub.APIURL, deps.HTTPClient, logger)
		if err != nil {
			return nil, err
		}
		a.appTokens = src
	}
	return a, nil
}

// AppTokens exposes the installation token source so webhook handlers
// can invalidate it. Nil when no app is configured.
func (a *Acquirer) AppTokens() *AppTokenSource { return a.appTokens }

// Acquire prepares every requested resource and returns the bundle.
// Per-resource failures are recorded in the bundle, never returned; the
// error is reserved for invalid requests and context cancellation.
func (a *Acquirer) Acquire(ctx context.Context, req Request) (*Bundle, error) {
	if req.Repo == nil || req.Run == nil {
		return nil, ferrors.ValidationError("resource request requires repo and run").Build()
	}
	requested := sets.New(req.Resources...)
	for name := range requested {
		if !Known(name) {
			return nil, ferrors.ValidationError(fmt.Sprintf("unknown resource %q", name)).Build()
		}
	}
	// A worktree is materialized from the shared clone, so its request
	// implies the clone even when no feature asked for it directly.
	if requested.Has(Worktree) {
		requested.Add(BareRepo)
	}

	bundle := NewBundle(req.Run)
	for _, name := range acquireOrder {
		if !requested.Has(name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			return bundle, err
		}
		a.acquireOne(ctx, bundle, req, name)
	}
	return bundle, nil
}

func (a *Acquirer) acquireOne(ctx context.Context, bundle *Bundle, req Request, name string) {
	if reason, blocked := a.prerequisiteFailure(bundle, name); blocked {
		bundle.RecordSkipped(name, reason)
		a.notify(req, name, bundle.Statuses[name])
		a.logger.Debug("Resource skipped",
			slog.String("resource", name),
			slog.String("reason", reason),
			logfields.BuildID(req.Run.ProviderBuildID))
		return
	}

	started := time.Now()
	bundle.Statuses[name] = store.ResourceStatus{Status: store.ResourceInProgress, StartedAt: &started}
	a.notify(req, name, bundle.Statuses[name])

	err := a.dispatch(ctx, bundle, req, name)
	a.recorder.ObserveResourceAcquire(name, time.Since(started), err == nil)

	switch {
	case err == nil:
		bundle.RecordCompleted(name, started)
	case ferrors.IsResourceMissing(err):
		bundle.RecordMissing(name, err.Error(), started)
		a.logger.Info("Resource unavailable",
			slog.String("resource", name),
			logfields.Repository(req.Repo.FullName),
			logfields.BuildID(req.Run.ProviderBuildID),
			logfields.Error(err))
	default:
		bundle.RecordFailed(name, err.Error(), started)
		a.logger.Warn("Resource acquisition failed",
			slog.String("resource", name),
			logfields.Repository(req.Repo.FullName),
			logfields.BuildID(req.Run.ProviderBuildID),
			logfields.Error(err))
	}
	a.notify(req, name, bundle.Statuses[name])
}

func (a *Acquirer) dispatch(ctx context.Context, bundle *Bundle, req Request, name string) error {
	switch name {
	case BuildRun:
		// The run row itself; it was loaded to build the request.
		return nil
	case RawBuildRuns:
		refs, err := a.runs.ListBuildRunRefs(ctx, req.Repo.ID, req.Repo.Provider)
		if err != nil {
			return err
		}
		bundle.Refs = refs
		return nil
	case GitHubClient:
		return a.ensureAPIClient(bundle, req)
	case BareRepo:
		return a.ensureBareRepo(ctx, bundle, req)
	case Worktree:
		return a.ensureWorktree(ctx, bundle, req)
	case BuildLogs:
		return a.ensureBuildLogs(ctx, bundle, req)
	default:
		return ferrors.InternalError(fmt.Sprintf("no acquisition path for resource %q", name)).Build()
	}
}

// prerequisiteFailure reports whether name cannot be attempted because a
// resource it builds on already failed.
func (a *Acquirer) prerequisiteFailure(bundle *Bundle, name string) (string, bool) {
	if name == Worktree && !bundle.Has(BareRepo) {
		return "bare repository unavailable", true
	}
	return "", false
}

// ensureAPIClient constructs the authenticated REST surface. Only
// GitHub-backed repositories carry one; for other providers the
// dependent features are expected to be absent.
func (a *Acquirer) ensureAPIClient(bundle *Bundle, req Request) error {
	if config.ProviderType(req.Repo.Provider) != config.ProviderGitHub {
		return ferrors.ResourceMissingError(
			fmt.Sprintf("github api client unavailable for provider %q", req.Repo.Provider)).Build()
	}
	bundle.API = NewAPIClient(a.apiURL, a.httpClient, a.pool, a.appTokens, a.logger)
	return nil
}

func (a *Acquirer) notify(req Request, name string, status store.ResourceStatus) {
	if req.OnUpdate != nil {
		req.OnUpdate(name, status)
	}
}
