package gitbackend

import (
	"errors"
	"strings"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

// ErrCommitNotFound is returned when a SHA does not resolve to a commit
// object in the local repository.
var ErrCommitNotFound = errors.New("commit not found")

// ErrFileNotFound is returned when a commit's tree has no entry for the
// requested path.
var ErrFileNotFound = errors.New("file not found in commit")

// ClassifyGitError translates go-git failures into ClassifiedErrors so the
// task layer can decide between retry, user action, and permanent failure.
func ClassifyGitError(err error, op, target string) error {
	if err == nil {
		return nil
	}
	if _, ok := ferrors.AsClassified(err); ok {
		return err
	}

	builder := ferrors.GitError("git operation failed").
		WithCause(err).
		WithContext("op", op).
		WithContext("target", target)

	switch {
	case errors.Is(err, transport.ErrAuthenticationRequired),
		errors.Is(err, transport.ErrAuthorizationFailed):
		builder.WithCategory(ferrors.CategoryAuth).UserAction()
	case errors.Is(err, transport.ErrRepositoryNotFound):
		builder.WithCategory(ferrors.CategoryNotFound).WithRetry(ferrors.RetryNever)
	default:
		classifyByMessage(builder, err)
	}

	return builder.Build()
}

// classifyByMessage falls back to substring matching for transports and
// wrapped causes that do not surface typed sentinels.
func classifyByMessage(builder *ferrors.ErrorBuilder, err error) {
	l := strings.ToLower(err.Error())
	switch {
	case strings.Contains(l, "authentication failed"),
		strings.Contains(l, "authorization failed"),
		strings.Contains(l, "invalid credentials"),
		strings.Contains(l, "could not read username"):
		builder.WithCategory(ferrors.CategoryAuth).UserAction()
	case strings.Contains(l, "repository not found"),
		strings.Contains(l, "does not exist"):
		builder.WithCategory(ferrors.CategoryNotFound).WithRetry(ferrors.RetryNever)
	case strings.Contains(l, "rate limit"),
		strings.Contains(l, "too many requests"):
		builder.WithCategory(ferrors.CategoryNetwork).RateLimit()
	case strings.Contains(l, "remote hung up"),
		strings.Contains(l, "connection reset"),
		strings.Contains(l, "connection refused"),
		strings.Contains(l, "timeout"),
		strings.Contains(l, "i/o timeout"),
		strings.Contains(l, "no route to host"),
		strings.Contains(l, "temporary failure"):
		builder.WithCategory(ferrors.CategoryNetwork).Retryable()
	case strings.Contains(l, "unsupported protocol"),
		strings.Contains(l, "protocol not supported"):
		builder.WithCategory(ferrors.CategoryConfig).WithRetry(ferrors.RetryNever)
	}
}
