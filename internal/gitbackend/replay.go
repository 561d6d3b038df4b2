package gitbackend

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/storer"
)

// ReplayCommit recreates a fork commit that origin cannot serve. The caller
// supplies the changed file contents (fetched through the provider API) and
// a parent that exists locally; the synthetic commit applies those changes
// on the parent's tree and reuses the original message and author. The
// returned SHA necessarily differs from the original because the committer
// and parents are local.
func (c *Client) ReplayCommit(ctx context.Context, path string, spec ReplaySpec) (string, error) {
	if spec.ParentSHA == "" {
		return "", fmt.Errorf("replay requires a parent commit")
	}
	for _, f := range spec.Files {
		if !validTreePath(f.Path) {
			return "", fmt.Errorf("invalid replay path %q", f.Path)
		}
	}
	for _, p := range spec.Deleted {
		if !validTreePath(p) {
			return "", fmt.Errorf("invalid replay path %q", p)
		}
	}

	repo, parent, err := openCommit(path, spec.ParentSHA)
	if err != nil {
		return "", err
	}
	baseTree, err := parent.Tree()
	if err != nil {
		return "", fmt.Errorf("tree of %s: %w", spec.ParentSHA, err)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	upserts := make(map[string]treeUpdate, len(spec.Files))
	for _, f := range spec.Files {
		blob, err := storeBlob(repo.Storer, f.Content)
		if err != nil {
			return "", fmt.Errorf("store blob %s: %w", f.Path, err)
		}
		mode := filemode.Regular
		if f.Executable {
			mode = filemode.Executable
		}
		upserts[f.Path] = treeUpdate{blob: blob, mode: mode}
	}
	deletes := make(map[string]struct{}, len(spec.Deleted))
	for _, p := range spec.Deleted {
		deletes[p] = struct{}{}
	}

	treeHash, _, err := rewriteTree(repo.Storer, baseTree, upserts, deletes)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	sig := object.Signature{
		Name:  spec.Author.Name,
		Email: spec.Author.Email,
		When:  spec.Author.When,
	}
	if sig.When.IsZero() {
		sig.When = time.Now().UTC()
	}

	commit := &object.Commit{
		Author:       sig,
		Committer:    sig,
		Message:      spec.Message,
		TreeHash:     treeHash,
		ParentHashes: []plumbing.Hash{parent.Hash},
	}
	obj := repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", fmt.Errorf("encode replay commit: %w", err)
	}
	hash, err := repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", fmt.Errorf("store replay commit: %w", err)
	}

	if spec.OriginalSHA != "" {
		// Pin the synthetic commit so it stays reachable.
		ref := plumbing.NewHashReference(replayRefName(spec.OriginalSHA), hash)
		if err := repo.Storer.SetReference(ref); err != nil {
			return "", fmt.Errorf("pin replay ref: %w", err)
		}
	}

	slog.Info("Replayed fork commit",
		slog.String("original", spec.OriginalSHA),
		slog.String("effective", hash.String()),
		slog.String("parent", spec.ParentSHA))
	return hash.String(), nil
}

func replayRefName(originalSHA string) plumbing.ReferenceName {
	return plumbing.ReferenceName("refs/replay/" + originalSHA)
}

// ReplayedSHA returns the effective SHA of a previously replayed commit, or
// "" when no replay ref exists for the original.
func (c *Client) ReplayedSHA(path, originalSHA string) (string, error) {
	repo, err := git.PlainOpen(path)
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	ref, err := repo.Reference(replayRefName(originalSHA), true)
	if err != nil {
		if err == plumbing.ErrReferenceNotFound {
			return "", nil
		}
		return "", fmt.Errorf("resolve replay ref: %w", err)
	}
	return ref.Hash().String(), nil
}

type treeUpdate struct {
	blob plumbing.Hash
	mode filemode.FileMode
}

func validTreePath(p string) bool {
	if p == "" {
		return false
	}
	for _, seg := range strings.Split(p, "/") {
		switch seg {
		case "", ".", "..":
			return false
		}
	}
	return true
}

func storeBlob(st storer.EncodedObjectStorer, content []byte) (plumbing.Hash, error) {
	obj := st.NewEncodedObject()
	obj.SetType(plumbing.BlobObject)
	w, err := obj.Writer()
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if _, err := w.Write(content); err != nil {
		w.Close()
		return plumbing.ZeroHash, err
	}
	if err := w.Close(); err != nil {
		return plumbing.ZeroHash, err
	}
	return st.SetEncodedObject(obj)
}

// rewriteTree produces a new tree from base with upserts applied and
// deletes removed, recursing into subdirectories. It returns the stored
// tree hash and its entry count so callers can prune directories that end
// up empty.
func rewriteTree(st storer.EncodedObjectStorer, base *object.Tree, upserts map[string]treeUpdate, deletes map[string]struct{}) (plumbing.Hash, int, error) {
	entries := make(map[string]object.TreeEntry)
	if base != nil {
		for _, e := range base.Entries {
			entries[e.Name] = e
		}
	}

	childUpserts := make(map[string]map[string]treeUpdate)
	childDeletes := make(map[string]map[string]struct{})

	for p, up := range upserts {
		head, rest, nested := strings.Cut(p, "/")
		if !nested {
			entries[head] = object.TreeEntry{Name: head, Mode: up.mode, Hash: up.blob}
			continue
		}
		if childUpserts[head] == nil {
			childUpserts[head] = make(map[string]treeUpdate)
		}
		childUpserts[head][rest] = up
	}
	for p := range deletes {
		head, rest, nested := strings.Cut(p, "/")
		if !nested {
			delete(entries, head)
			continue
		}
		if childDeletes[head] == nil {
			childDeletes[head] = make(map[string]struct{})
		}
		childDeletes[head][rest] = struct{}{}
	}

	children := make(map[string]struct{})
	for name := range childUpserts {
		children[name] = struct{}{}
	}
	for name := range childDeletes {
		children[name] = struct{}{}
	}

	for name := range children {
		var sub *object.Tree
		if e, ok := entries[name]; ok && e.Mode == filemode.Dir {
			t, err := object.GetTree(st, e.Hash)
			if err != nil {
				return plumbing.ZeroHash, 0, fmt.Errorf("load subtree %s: %w", name, err)
			}
			sub = t
		}
		subHash, n, err := rewriteTree(st, sub, childUpserts[name], childDeletes[name])
		if err != nil {
			return plumbing.ZeroHash, 0, err
		}
		if n == 0 {
			delete(entries, name)
			continue
		}
		entries[name] = object.TreeEntry{Name: name, Mode: filemode.Dir, Hash: subHash}
	}

	sorted := make([]object.TreeEntry, 0, len(entries))
	for _, e := range entries {
		sorted = append(sorted, e)
	}
	// Git orders tree entries bytewise with directory names compared as
	// name plus a trailing slash.
	sort.Slice(sorted, func(i, j int) bool {
		return treeEntrySortKey(sorted[i]) < treeEntrySortKey(sorted[j])
	})

	tree := &object.Tree{Entries: sorted}
	obj := st.NewEncodedObject()
	if err := tree.Encode(obj); err != nil {
		return plumbing.ZeroHash, 0, fmt.Errorf("encode tree: %w", err)
	}
	hash, err := st.SetEncodedObject(obj)
	if err != nil {
		return plumbing.ZeroHash, 0, fmt.Errorf("store tree: %w", err)
	}
	return hash, len(sorted), nil
}

func treeEntrySortKey(e object.TreeEntry) string {
	if e.Mode == filemode.Dir {
		return e.Name + "/"
	}
	return e.Name
}
