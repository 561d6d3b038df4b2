package resources

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"context"

	"github.com/buildlens/buildlens/internal/coord"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
)

// WorktreePath returns where the tree of one commit is materialized.
// Paths are keyed by repository and short SHA so concurrent builds of
// different commits never collide.
func (a *Acquirer) WorktreePath(repoID int64, sha string) string {
	return filepath.Join(a.paths.WorktreesDir, strconv.FormatInt(repoID, 10)+"-"+ShortSHA(sha))
}

// ensureWorktree materializes the effective commit's tree under the
// per-worktree lock. An existing non-empty directory is reused as-is;
// worktrees are immutable once written.
func (a *Acquirer) ensureWorktree(ctx context.Context, bundle *Bundle, req Request) error {
	sha := bundle.EffectiveSHA
	if sha == "" {
		sha = req.Run.CommitSHA
	}
	dir := a.WorktreePath(req.Repo.ID, sha)

	lock, err := a.locks.Acquire(ctx, coord.WorktreeLockKey(req.Repo.ID, ShortSHA(sha)), coord.WorktreeLockTTL)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := lock.Release(ctx); rerr != nil && rerr != coord.ErrNotHeld {
			a.logger.Warn("Failed to release worktree lock", logfields.RepoID(req.Repo.ID), logfields.Error(rerr))
		}
	}()

	if populated, err := dirPopulated(dir); err != nil {
		return ferrors.ResourceError("failed to inspect worktree directory").
			WithCause(err).
			WithContext("dir", dir).
			Build()
	} else if populated {
		bundle.WorktreePath = dir
		return nil
	}

	if err := a.git.AddWorktree(ctx, bundle.BareRepoPath, dir, sha); err != nil {
		// A half-written tree must not be mistaken for a complete one
		// by the next worker.
		if rmErr := a.git.RemoveWorktree(dir); rmErr != nil {
			a.logger.Warn("Failed to clean up partial worktree",
				logfields.RepoID(req.Repo.ID),
				logfields.Error(rmErr))
		}
		return err
	}
	bundle.WorktreePath = dir
	a.logger.Debug("Materialized worktree",
		logfields.RepoID(req.Repo.ID),
		logfields.CommitSHA(sha),
		logfields.Repository(req.Repo.FullName))
	return nil
}

// dirPopulated reports whether dir exists and holds at least one entry.
func dirPopulated(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read %s: %w", dir, err)
	}
	return len(entries) > 0, nil
}
