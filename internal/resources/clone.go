package resources

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/buildlens/buildlens/internal/config"
	"github.com/buildlens/buildlens/internal/coord"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/gitbackend"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/store"
)

// replayMaxFiles bounds how many changed files an API replay will pull.
// Commits beyond this are treated as unreachable rather than hammering
// the contents endpoint hundreds of times.
const replayMaxFiles = 300

// ShortSHA returns the abbreviated commit id used in worktree paths and
// lock keys.
func ShortSHA(sha string) string {
	if len(sha) > 12 {
		return sha[:12]
	}
	return sha
}

// BareClonePath returns the shared on-disk location of a repository's
// bare clone.
func (a *Acquirer) BareClonePath(repoID int64) string {
	return filepath.Join(a.paths.ReposDir, strconv.FormatInt(repoID, 10)+".git")
}

// ensureBareRepo makes the build commit reachable in the shared bare
// clone, cloning or fetching under the per-repository lock. Fork commits
// that no fetch can reach are replayed locally, moving EffectiveSHA.
func (a *Acquirer) ensureBareRepo(ctx context.Context, bundle *Bundle, req Request) error {
	path := a.BareClonePath(req.Repo.ID)
	sha := req.Run.CommitSHA
	if sha == "" {
		return ferrors.ResourceMissingError("build run has no commit sha").Build()
	}

	// Fast path outside the lock: another worker already made the
	// commit reachable.
	if ok, err := a.git.CommitExists(path, sha); err == nil && ok {
		bundle.BareRepoPath = path
		return nil
	}

	lock, err := a.locks.Acquire(ctx, coord.CloneLockKey(req.Repo.ID), coord.CloneLockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil && rerr != coord.ErrNotHeld {
			a.logger.Warn("Failed to release clone lock", logfields.RepoID(req.Repo.ID), logfields.Error(rerr))
		}
	}()

	// Re-check under the lock; the contender we waited on may have done
	// the work.
	if ok, err := a.git.CommitExists(path, sha); err == nil && ok {
		bundle.BareRepoPath = path
		return nil
	}

	auth := a.cloneAuth(ctx, req.Repo.Provider)
	if err := a.cloneOrFetch(ctx, path, req.Repo, auth); err != nil {
		return err
	}
	bundle.BareRepoPath = path

	if ok, err := a.git.CommitExists(path, sha); err != nil {
		return err
	} else if ok {
		return nil
	}

	effective, err := a.recoverCommit(ctx, path, req, auth)
	if err != nil {
		return err
	}
	bundle.EffectiveSHA = effective
	if effective != sha {
		a.logger.Info("Replayed fork commit",
			logfields.Repository(req.Repo.FullName),
			logfields.CommitSHA(sha),
			slog.String("effective_sha", effective))
	}
	return nil
}

func (a *Acquirer) cloneOrFetch(ctx context.Context, path string, repo *store.RawRepository, auth *gitbackend.Auth) error {
	if dirExists(path) {
		return a.git.Fetch(ctx, path, nil, auth)
	}
	url, err := a.cloneURL(repo)
	if err != nil {
		return err
	}
	a.logger.Info("Cloning repository", logfields.Repository(repo.FullName), logfields.RepoID(repo.ID))
	return a.git.CloneBare(ctx, path, url, auth)
}

// recoverCommit runs the escalation ladder for a commit the default
// fetch cannot see: pull-request refs, a direct SHA fetch from the fork,
// and finally an API replay that synthesizes an equivalent commit.
// Returns the SHA extraction should use.
func (a *Acquirer) recoverCommit(ctx context.Context, path string, req Request, auth *gitbackend.Auth) (string, error) {
	sha := req.Run.CommitSHA
	isGitHub := config.ProviderType(req.Repo.Provider) == config.ProviderGitHub

	if isGitHub {
		refspec := "+refs/pull/*/head:refs/remotes/origin/pr/*"
		if err := a.git.Fetch(ctx, path, []string{refspec}, auth); err != nil {
			a.logger.Debug("Pull ref fetch failed", logfields.Repository(req.Repo.FullName), logfields.Error(err))
		} else if ok, _ := a.git.CommitExists(path, sha); ok {
			return sha, nil
		}
	}

	if req.Run.IsFork && req.Run.HeadRepoSlug != "" {
		forkURL, err := a.slugCloneURL(req.Repo.Provider, req.Run.HeadRepoSlug)
		if err == nil {
			refspec := fmt.Sprintf("+%s:refs/replay/fetched/%s", sha, sha)
			if ferr := a.git.FetchURL(ctx, path, forkURL, []string{refspec}, auth); ferr != nil {
				a.logger.Debug("Fork fetch failed",
					logfields.Repository(req.Repo.FullName),
					slog.String("fork", req.Run.HeadRepoSlug),
					logfields.Error(ferr))
			} else if ok, _ := a.git.CommitExists(path, sha); ok {
				return sha, nil
			}
		}
	}

	if isGitHub && req.Run.HeadRepoSlug != "" {
		effective, err := a.replayFromAPI(ctx, path, req)
		if err == nil {
			return effective, nil
		}
		if !ferrors.IsResourceMissing(err) {
			return "", err
		}
	}

	return "", ferrors.ResourceMissingError(
		fmt.Sprintf("commit %s not reachable from any remote", ShortSHA(sha))).
		WithContext("commit", sha).
		Build()
}

// replayFromAPI reconstructs a fork commit from the REST API: commit
// metadata plus the post-image of every changed file, committed on top
// of the local parent. The replayed SHA necessarily differs from the
// original; callers record it as the effective SHA.
func (a *Acquirer) replayFromAPI(ctx context.Context, path string, req Request) (string, error) {
	api := NewAPIClient(a.apiURL, a.httpClient, a.pool, a.appTokens, a.logger)
	slug := req.Run.HeadRepoSlug
	sha := req.Run.CommitSHA

	commit, err := api.GetJSON(ctx, fmt.Sprintf("/repos/%s/commits/%s", slug, sha))
	if err != nil {
		return "", err
	}
	parent := commit.Get("parents.0.sha").String()
	if parent == "" {
		return "", ferrors.ResourceMissingError("fork commit has no parent to replay onto").Build()
	}
	if ok, err := a.git.CommitExists(path, parent); err != nil || !ok {
		return "", ferrors.ResourceMissingError("fork commit parent not present locally").
			WithContext("parent", parent).
			Build()
	}

	files := commit.Get("files").Array()
	if len(files) > replayMaxFiles {
		return "", ferrors.ResourceMissingError(
			fmt.Sprintf("fork commit touches %d files, beyond replay limit", len(files))).Build()
	}

	spec := gitbackend.ReplaySpec{
		OriginalSHA: sha,
		ParentSHA:   parent,
		Message:     commit.Get("commit.message").String(),
		Author: gitbackend.Signature{
			Name:  commit.Get("commit.author.name").String(),
			Email: commit.Get("commit.author.email").String(),
			When:  commit.Get("commit.author.date").Time(),
		},
	}
	for _, f := range files {
		name := f.Get("filename").String()
		switch f.Get("status").String() {
		case "removed":
			spec.Deleted = append(spec.Deleted, name)
		case "renamed":
			if prev := f.Get("previous_filename").String(); prev != "" {
				spec.Deleted = append(spec.Deleted, prev)
			}
			if err := appendReplayFile(ctx, api, &spec, slug, sha, name); err != nil {
				return "", err
			}
		default:
			if err := appendReplayFile(ctx, api, &spec, slug, sha, name); err != nil {
				return "", err
			}
		}
	}
	return a.git.ReplayCommit(ctx, path, spec)
}

func appendReplayFile(ctx context.Context, api *APIClient, spec *gitbackend.ReplaySpec, slug, ref, name string) error {
	content, err := api.GetRaw(ctx, fmt.Sprintf("/repos/%s/contents/%s?ref=%s", slug, name, ref))
	if err != nil {
		return err
	}
	spec.Files = append(spec.Files, gitbackend.ReplayFile{Path: name, Content: content})
	return nil
}

// cloneAuth picks credentials for git transport: installation token,
// then a pool token, then the provider endpoint's static auth, then
// anonymous.
func (a *Acquirer) cloneAuth(ctx context.Context, provider string) *gitbackend.Auth {
	if config.ProviderType(provider) == config.ProviderGitHub {
		if a.appTokens != nil {
			tok, err := a.appTokens.Token(ctx)
			if err == nil {
				return &gitbackend.Auth{Token: tok}
			}
			a.logger.Warn("Installation token unavailable, falling back", logfields.Error(err))
		}
		if a.pool != nil {
			tok, err := a.pool.Acquire(ctx)
			if err == nil {
				return &gitbackend.Auth{Token: tok.Secret}
			}
			a.logger.Warn("Pool token unavailable, cloning anonymously", logfields.Error(err))
		}
		return nil
	}
	if auth := a.providerAuth[config.ProviderType(provider)]; !auth.IsZero() {
		switch auth.Type {
		case config.AuthTypeToken:
			return &gitbackend.Auth{Token: auth.Token}
		case config.AuthTypeBasic:
			return &gitbackend.Auth{Username: auth.Username, Token: auth.Password}
		}
	}
	return nil
}

func (a *Acquirer) cloneURL(repo *store.RawRepository) (string, error) {
	return a.slugCloneURL(repo.Provider, repo.FullName)
}

func (a *Acquirer) slugCloneURL(provider, slug string) (string, error) {
	base := a.providerBase[config.ProviderType(provider)]
	if base == "" {
		base = defaultWebBase(config.ProviderType(provider))
	}
	if base == "" {
		return "", ferrors.ConfigError(
			fmt.Sprintf("provider %q has no base_url for clones", provider)).Build()
	}
	return strings.TrimRight(base, "/") + "/" + slug + ".git", nil
}

// defaultWebBase maps providers to the hosting site their repositories
// ordinarily live on. CircleCI and Travis build GitHub repositories;
// Jenkins is self-hosted and must be configured explicitly.
func defaultWebBase(pt config.ProviderType) string {
	switch pt {
	case config.ProviderGitHub, config.ProviderCircleCI, config.ProviderTravis:
		return "https://github.com"
	case config.ProviderGitLab:
		return "https://gitlab.com"
	default:
		return ""
	}
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
