// Package gitbackend wraps all git plumbing behind a single interface so
// the resource acquirer and feature extractors never touch go-git directly.
//
// This package handles git operations including:
//   - Bare clones with token authentication
//   - Incremental fetches, including anonymous fetches from fork remotes
//   - Commit existence checks, lookups, and bounded history walks
//   - Numstat-style diff summaries between commits
//   - Detached worktree materialization for snapshot extractors
//   - Synthetic commit replay for fork commits missing from origin
//
// All operations work against an on-disk repository path; path layout and
// locking are owned by the caller.
package gitbackend
