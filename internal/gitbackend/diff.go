package gitbackend

import (
	"context"
	"fmt"
	"strings"

	fdiff "github.com/go-git/go-git/v5/plumbing/format/diff"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// CommitStats returns per-file changes between sha and its first parent.
// Root commits diff against the empty tree, so every line counts as an
// addition.
func (c *Client) CommitStats(ctx context.Context, path, sha string) ([]FileChange, error) {
	_, commit, err := openCommit(path, sha)
	if err != nil {
		return nil, err
	}
	toTree, err := commit.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", sha, err)
	}
	fromTree := &object.Tree{}
	if commit.NumParents() > 0 {
		parent, err := commit.Parent(0)
		if err != nil {
			return nil, fmt.Errorf("first parent of %s: %w", sha, err)
		}
		fromTree, err = parent.Tree()
		if err != nil {
			return nil, fmt.Errorf("tree of parent %s: %w", parent.Hash, err)
		}
	}
	return treeStats(ctx, fromTree, toTree)
}

// DiffStats returns per-file changes between two arbitrary commits.
func (c *Client) DiffStats(ctx context.Context, path, fromSHA, toSHA string) ([]FileChange, error) {
	repo, from, err := openCommit(path, fromSHA)
	if err != nil {
		return nil, err
	}
	to, err := resolveCommit(repo, toSHA)
	if err != nil {
		return nil, err
	}

	fromTree, err := from.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", fromSHA, err)
	}
	toTree, err := to.Tree()
	if err != nil {
		return nil, fmt.Errorf("tree of %s: %w", toSHA, err)
	}
	return treeStats(ctx, fromTree, toTree)
}

// treeStats diffs two trees into action-tagged numstat rows. Renames are
// reported as modifications under the new path.
func treeStats(ctx context.Context, from, to *object.Tree) ([]FileChange, error) {
	changes, err := object.DiffTreeWithOptions(ctx, from, to, object.DefaultDiffTreeOptions)
	if err != nil {
		return nil, fmt.Errorf("diff trees: %w", err)
	}
	patch, err := changes.PatchContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("compute patch: %w", err)
	}

	out := make([]FileChange, 0, len(patch.FilePatches()))
	for _, fp := range patch.FilePatches() {
		fromFile, toFile := fp.Files()
		var ch FileChange
		switch {
		case fromFile == nil && toFile == nil:
			continue
		case fromFile == nil:
			ch.Path, ch.Action = toFile.Path(), ChangeAdded
		case toFile == nil:
			ch.Path, ch.Action = fromFile.Path(), ChangeDeleted
		default:
			ch.Path, ch.Action = toFile.Path(), ChangeModified
		}
		for _, chunk := range fp.Chunks() {
			n := chunkLines(chunk.Content())
			switch chunk.Type() {
			case fdiff.Add:
				ch.Additions += n
			case fdiff.Delete:
				ch.Deletions += n
			}
		}
		out = append(out, ch)
	}
	return out, nil
}

// chunkLines counts chunk lines the way numstat does: a trailing newline
// does not start another line.
func chunkLines(content string) int {
	if content == "" {
		return 0
	}
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}
