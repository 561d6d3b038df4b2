package gitbackend

import (
	"context"
	"time"
)

// GitBackend is the full surface the pipeline needs from git. The resource
// acquirer drives clones, fetches, worktrees, and replay; feature extractors
// use the read-only half (lookups, walks, diffs, file contents).
type GitBackend interface {
	// CloneBare clones url into path as a bare repository, replacing
	// whatever was at path before.
	CloneBare(ctx context.Context, path, url string, auth *Auth) error

	// Fetch updates the origin remote of the repository at path. With no
	// refspecs the remote's configured refspec is used.
	Fetch(ctx context.Context, path string, refspecs []string, auth *Auth) error

	// FetchURL fetches refspecs from an arbitrary remote URL without
	// registering it, used to pull fork branches into a local clone.
	FetchURL(ctx context.Context, path, url string, refspecs []string, auth *Auth) error

	// CommitExists reports whether sha resolves to a commit object at path.
	CommitExists(path, sha string) (bool, error)

	// LookupCommit returns commit metadata, or ErrCommitNotFound.
	LookupCommit(path, sha string) (*Commit, error)

	// RevList walks history backward from startSHA and returns matching
	// commits, newest first.
	RevList(ctx context.Context, path, startSHA string, opts RevListOptions) ([]Commit, error)

	// CommitStats returns per-file addition/deletion counts between a
	// commit and its first parent (the empty tree for root commits).
	CommitStats(ctx context.Context, path, sha string) ([]FileChange, error)

	// DiffStats returns per-file addition/deletion counts between two
	// arbitrary commits.
	DiffStats(ctx context.Context, path, fromSHA, toSHA string) ([]FileChange, error)

	// FileContentAt returns the blob content of filePath at sha, or
	// ErrFileNotFound when the commit's tree has no such path.
	FileContentAt(path, sha, filePath string) ([]byte, error)

	// AddWorktree materializes the tree of sha as plain files under dir.
	AddWorktree(ctx context.Context, path, dir, sha string) error

	// RemoveWorktree deletes a worktree directory created by AddWorktree.
	RemoveWorktree(dir string) error

	// ReplayCommit synthesizes a commit from spec on top of a local parent
	// and returns the new SHA, which differs from spec.OriginalSHA.
	ReplayCommit(ctx context.Context, path string, spec ReplaySpec) (string, error)
}

// Auth carries token credentials for HTTPS remotes. A nil Auth or empty
// token means unauthenticated access.
type Auth struct {
	// Username defaults to "x-access-token", the login GitHub expects for
	// app installation tokens. Classic PATs accept any non-empty value.
	Username string
	Token    string
}

// Signature identifies the author or committer of a commit.
type Signature struct {
	Name  string
	Email string
	When  time.Time
}

// Commit is the metadata extractors consume. Parents preserve git's
// ordering, so Parents[0] is the first parent.
type Commit struct {
	SHA       string
	TreeSHA   string
	Parents   []string
	Author    Signature
	Committer Signature
	Message   string
}

// IsMerge reports whether the commit has more than one parent.
func (c *Commit) IsMerge() bool {
	return len(c.Parents) > 1
}

// RevListOptions bound a history walk. The zero value walks everything
// reachable from the start commit in commit-time order.
type RevListOptions struct {
	// MaxCount caps the number of returned commits. Zero means unbounded.
	MaxCount int

	// FirstParent follows only the first parent of each commit, matching
	// the mainline view of a branch.
	FirstParent bool

	// NoMerges drops merge commits from the result. The walk still
	// continues through them.
	NoMerges bool

	// Since stops the walk at commits older than this committer time.
	Since time.Time

	// Paths, when non-empty, keeps only commits whose first-parent diff
	// touches at least one of these exact paths.
	Paths []string
}

// ChangeAction says what happened to a path between two trees. Renames
// are reported as modifications under the new path.
type ChangeAction string

const (
	ChangeAdded    ChangeAction = "added"
	ChangeDeleted  ChangeAction = "deleted"
	ChangeModified ChangeAction = "modified"
)

// FileChange is one numstat row: additions and deletions for a single file
// between two trees. Binary files report zero for both.
type FileChange struct {
	Path      string
	Action    ChangeAction
	Additions int
	Deletions int
}

// ReplayFile is the post-image of one file changed by a replayed commit.
type ReplayFile struct {
	Path       string
	Content    []byte
	Executable bool
}

// ReplaySpec describes a fork commit to recreate locally. The synthetic
// commit reuses the original tree content and message, so everything except
// the SHA matches what CI actually built.
type ReplaySpec struct {
	// OriginalSHA is the unreachable commit being replayed. When set, the
	// synthetic commit is pinned under refs/replay/<OriginalSHA>.
	OriginalSHA string

	// ParentSHA must resolve to a local commit; the replayed tree is built
	// by applying Files and Deleted on top of its tree.
	ParentSHA string

	Message string
	Author  Signature

	// Files holds full contents for every path the original commit added
	// or modified.
	Files []ReplayFile

	// Deleted lists paths the original commit removed.
	Deleted []string
}
