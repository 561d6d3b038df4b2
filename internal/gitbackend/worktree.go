package gitbackend

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// AddWorktree materializes the tree of sha as plain files under dir. The
// result is a detached snapshot for extractors that count lines and test
// cases; it carries no .git directory and is removed with RemoveWorktree.
func (c *Client) AddWorktree(ctx context.Context, repoPath, dir, sha string) error {
	_, commit, err := openCommit(repoPath, sha)
	if err != nil {
		return err
	}
	tree, err := commit.Tree()
	if err != nil {
		return fmt.Errorf("tree of %s: %w", sha, err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create worktree directory: %w", err)
	}

	if err := exportTree(ctx, osfs.New(dir), tree); err != nil {
		return fmt.Errorf("materialize worktree at %s: %w", sha, err)
	}

	slog.Debug("Worktree materialized", slog.String("path", dir), slog.String("sha", sha))
	return nil
}

// exportTree writes every blob in the tree into fs, preserving executable
// bits and symlinks. Submodule entries are skipped; there is no nested
// repository to place there.
func exportTree(ctx context.Context, fs billy.Filesystem, tree *object.Tree) error {
	return tree.Files().ForEach(func(f *object.File) error {
		if err := ctx.Err(); err != nil {
			return err
		}

		if parent := path.Dir(f.Name); parent != "." {
			if err := fs.MkdirAll(parent, 0o755); err != nil {
				return fmt.Errorf("create directory %s: %w", parent, err)
			}
		}

		switch f.Mode {
		case filemode.Submodule:
			return nil
		case filemode.Symlink:
			target, err := f.Contents()
			if err != nil {
				return fmt.Errorf("read symlink %s: %w", f.Name, err)
			}
			return fs.Symlink(target, f.Name)
		}

		perm := os.FileMode(0o644)
		if f.Mode == filemode.Executable {
			perm = 0o755
		}
		return writeBlobFile(fs, f, perm)
	})
}

func writeBlobFile(fs billy.Filesystem, f *object.File, perm os.FileMode) error {
	reader, err := f.Reader()
	if err != nil {
		return fmt.Errorf("open blob %s: %w", f.Name, err)
	}
	defer reader.Close()

	dst, err := fs.OpenFile(f.Name, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("create %s: %w", f.Name, err)
	}
	if _, err := io.Copy(dst, reader); err != nil {
		dst.Close()
		return fmt.Errorf("write %s: %w", f.Name, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("close %s: %w", f.Name, err)
	}
	return nil
}

// RemoveWorktree deletes a worktree directory created by AddWorktree.
func (c *Client) RemoveWorktree(dir string) error {
	if dir == "" || dir == string(os.PathSeparator) {
		return fmt.Errorf("refusing to remove worktree path %q", dir)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove worktree: %w", err)
	}
	return nil
}
