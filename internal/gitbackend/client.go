package gitbackend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	git "github.com/go-git/go-git/v5"
	gitcfg "github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
)

// Client implements GitBackend with go-git. It is stateless and safe for
// concurrent use; callers serialize writes to the same repository path with
// the coordination-store locks.
type Client struct{}

// NewClient creates a go-git backed client.
func NewClient() *Client {
	return &Client{}
}

var _ GitBackend = (*Client)(nil)

// transportAuth converts token credentials into a go-git auth method.
func (a *Auth) transportAuth() transport.AuthMethod {
	if a == nil || a.Token == "" {
		return nil
	}
	username := a.Username
	if username == "" {
		username = "x-access-token"
	}
	return &githttp.BasicAuth{
		Username: username,
		Password: a.Token,
	}
}

// CloneBare clones url into path as a bare repository. A stale directory at
// path is removed first so failed clones never leave half-written repos
// behind.
func (c *Client) CloneBare(ctx context.Context, path, url string, auth *Auth) error {
	slog.Debug("Cloning bare repository", slog.String("url", url), slog.String("path", path))

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove stale clone directory: %w", err)
	}

	_, err := git.PlainCloneContext(ctx, path, true, &git.CloneOptions{
		URL:  url,
		Auth: auth.transportAuth(),
		Tags: git.NoTags,
	})
	if err != nil {
		return ClassifyGitError(err, "clone", url)
	}

	slog.Info("Bare repository cloned", slog.String("url", url), slog.String("path", path))
	return nil
}

// Fetch updates the origin remote of the repository at path. Refspecs are
// optional; without them the remote's configured refspec applies. Already
// up to date is not an error.
func (c *Client) Fetch(ctx context.Context, path string, refspecs []string, auth *Auth) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	opts := &git.FetchOptions{
		RemoteName: "origin",
		Auth:       auth.transportAuth(),
		Tags:       git.NoTags,
	}
	for _, rs := range refspecs {
		opts.RefSpecs = append(opts.RefSpecs, gitcfg.RefSpec(rs))
	}

	err = repo.FetchContext(ctx, opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return ClassifyGitError(err, "fetch", path)
	}
	return nil
}

// FetchURL fetches refspecs from url into the repository at path without
// registering the remote. This is how fork branches are pulled into the
// origin clone during commit replay.
func (c *Client) FetchURL(ctx context.Context, path, url string, refspecs []string, auth *Auth) error {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return fmt.Errorf("open repository: %w", err)
	}

	remote, err := repo.CreateRemoteAnonymous(&gitcfg.RemoteConfig{
		Name: "anonymous",
		URLs: []string{url},
	})
	if err != nil {
		return fmt.Errorf("create anonymous remote: %w", err)
	}

	opts := &git.FetchOptions{
		Auth: auth.transportAuth(),
		Tags: git.NoTags,
	}
	for _, rs := range refspecs {
		opts.RefSpecs = append(opts.RefSpecs, gitcfg.RefSpec(rs))
	}

	err = remote.FetchContext(ctx, opts)
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		return ClassifyGitError(err, "fetch-url", url)
	}

	slog.Debug("Fetched from anonymous remote", slog.String("url", url), slog.String("path", path))
	return nil
}
