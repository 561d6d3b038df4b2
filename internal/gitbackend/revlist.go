package gitbackend

import (
	"context"
	"errors"
	"fmt"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// openCommit resolves sha to a commit object in the repository at path.
func openCommit(path, sha string) (*git.Repository, *object.Commit, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open repository: %w", err)
	}
	commit, err := resolveCommit(repo, sha)
	if err != nil {
		return nil, nil, err
	}
	return repo, commit, nil
}

// resolveCommit looks up sha in an already opened repository.
func resolveCommit(repo *git.Repository, sha string) (*object.Commit, error) {
	commit, err := repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrCommitNotFound, sha)
		}
		return nil, fmt.Errorf("resolve commit %s: %w", sha, err)
	}
	return commit, nil
}

func commitFromObject(c *object.Commit) *Commit {
	parents := make([]string, 0, len(c.ParentHashes))
	for _, p := range c.ParentHashes {
		parents = append(parents, p.String())
	}
	return &Commit{
		SHA:     c.Hash.String(),
		TreeSHA: c.TreeHash.String(),
		Parents: parents,
		Author: Signature{
			Name:  c.Author.Name,
			Email: c.Author.Email,
			When:  c.Author.When.UTC(),
		},
		Committer: Signature{
			Name:  c.Committer.Name,
			Email: c.Committer.Email,
			When:  c.Committer.When.UTC(),
		},
		Message: c.Message,
	}
}

// CommitExists reports whether sha resolves to a commit object at path.
// This is the go-git equivalent of `git cat-file -e <sha>^{commit}`.
func (c *Client) CommitExists(path, sha string) (bool, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return false, fmt.Errorf("open repository: %w", err)
	}
	_, err = repo.CommitObject(plumbing.NewHash(sha))
	if err != nil {
		if errors.Is(err, plumbing.ErrObjectNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("resolve commit %s: %w", sha, err)
	}
	return true, nil
}

// LookupCommit returns the metadata of a single commit.
func (c *Client) LookupCommit(path, sha string) (*Commit, error) {
	_, commit, err := openCommit(path, sha)
	if err != nil {
		return nil, err
	}
	return commitFromObject(commit), nil
}

// RevList walks history backward from startSHA, newest first. FirstParent
// follows the mainline only; otherwise the walk visits all reachable
// commits in committer-time order, which is also why the Since cutoff can
// terminate the walk early.
func (c *Client) RevList(ctx context.Context, path, startSHA string, opts RevListOptions) ([]Commit, error) {
	_, start, err := openCommit(path, startSHA)
	if err != nil {
		return nil, err
	}

	if opts.FirstParent {
		return c.revListFirstParent(ctx, start, opts)
	}
	return c.revListCTime(ctx, start, opts)
}

func (c *Client) revListFirstParent(ctx context.Context, start *object.Commit, opts RevListOptions) ([]Commit, error) {
	var out []Commit
	for cur := start; ; {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !opts.Since.IsZero() && cur.Committer.When.Before(opts.Since) {
			break
		}

		keep := !(opts.NoMerges && cur.NumParents() > 1)
		if keep && len(opts.Paths) > 0 {
			touched, err := commitTouches(ctx, cur, opts.Paths)
			if err != nil {
				return nil, err
			}
			keep = touched
		}
		if keep {
			out = append(out, *commitFromObject(cur))
			if opts.MaxCount > 0 && len(out) >= opts.MaxCount {
				break
			}
		}

		if cur.NumParents() == 0 {
			break
		}
		parent, err := cur.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("resolve first parent of %s: %w", cur.Hash, err)
		}
		cur = parent
	}
	return out, nil
}

func (c *Client) revListCTime(ctx context.Context, start *object.Commit, opts RevListOptions) ([]Commit, error) {
	var out []Commit
	iter := object.NewCommitIterCTime(start, nil, nil)
	defer iter.Close()

	err := iter.ForEach(func(cm *object.Commit) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !opts.Since.IsZero() && cm.Committer.When.Before(opts.Since) {
			return storer.ErrStop
		}
		if opts.NoMerges && cm.NumParents() > 1 {
			return nil
		}
		if len(opts.Paths) > 0 {
			touched, err := commitTouches(ctx, cm, opts.Paths)
			if err != nil {
				return err
			}
			if !touched {
				return nil
			}
		}
		out = append(out, *commitFromObject(cm))
		if opts.MaxCount > 0 && len(out) >= opts.MaxCount {
			return storer.ErrStop
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk commits: %w", err)
	}
	return out, nil
}

// commitTouches reports whether the commit's first-parent diff changes any
// of the given paths. Root commits count a path as touched when it exists
// in their tree.
func commitTouches(ctx context.Context, cm *object.Commit, paths []string) (bool, error) {
	tree, err := cm.Tree()
	if err != nil {
		return false, fmt.Errorf("tree of %s: %w", cm.Hash, err)
	}

	if cm.NumParents() == 0 {
		for _, p := range paths {
			if _, err := tree.FindEntry(p); err == nil {
				return true, nil
			}
		}
		return false, nil
	}

	parent, err := cm.Parent(0)
	if err != nil {
		return false, fmt.Errorf("resolve first parent of %s: %w", cm.Hash, err)
	}
	parentTree, err := parent.Tree()
	if err != nil {
		return false, fmt.Errorf("tree of %s: %w", parent.Hash, err)
	}

	changes, err := object.DiffTreeWithOptions(ctx, parentTree, tree, object.DefaultDiffTreeOptions)
	if err != nil {
		return false, fmt.Errorf("diff trees: %w", err)
	}

	want := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		want[p] = struct{}{}
	}
	for _, ch := range changes {
		if _, ok := want[ch.From.Name]; ok {
			return true, nil
		}
		if _, ok := want[ch.To.Name]; ok {
			return true, nil
		}
	}
	return false, nil
}

// FileContentAt returns the blob content of filePath at sha.
func (c *Client) FileContentAt(path, sha, filePath string) ([]byte, error) {
	_, commit, err := openCommit(path, sha)
	if err != nil {
		return nil, err
	}
	file, err := commit.File(filePath)
	if err != nil {
		if errors.Is(err, object.ErrFileNotFound) {
			return nil, fmt.Errorf("%w: %s at %s", ErrFileNotFound, filePath, sha)
		}
		return nil, fmt.Errorf("lookup %s at %s: %w", filePath, sha, err)
	}
	content, err := file.Contents()
	if err != nil {
		return nil, fmt.Errorf("read %s at %s: %w", filePath, sha, err)
	}
	return []byte(content), nil
}
