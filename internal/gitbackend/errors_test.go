package gitbackend

import (
	"errors"
	"testing"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/go-git/go-git/v5/plumbing/transport"
)

func TestClassifyGitError(t *testing.T) {
	cases := []struct {
		name     string
		err      error
		category ferrors.ErrorCategory
		retry    ferrors.RetryStrategy
	}{
		{
			name:     "auth sentinel",
			err:      transport.ErrAuthenticationRequired,
			category: ferrors.CategoryAuth,
			retry:    ferrors.RetryUserAction,
		},
		{
			name:     "repository not found sentinel",
			err:      transport.ErrRepositoryNotFound,
			category: ferrors.CategoryNotFound,
			retry:    ferrors.RetryNever,
		},
		{
			name:     "network by message",
			err:      errors.New("dial tcp 10.0.0.1:443: i/o timeout"),
			category: ferrors.CategoryNetwork,
			retry:    ferrors.RetryBackoff,
		},
		{
			name:     "rate limit by message",
			err:      errors.New("you have exceeded a secondary rate limit"),
			category: ferrors.CategoryNetwork,
			retry:    ferrors.RetryRateLimit,
		},
		{
			name:     "unknown stays git and retryable",
			err:      errors.New("object parse failure"),
			category: ferrors.CategoryGit,
			retry:    ferrors.RetryBackoff,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ClassifyGitError(tc.err, "clone", "https://example.com/repo.git")
			classified, ok := ferrors.AsClassified(err)
			if !ok {
				t.Fatalf("expected classified error, got %T", err)
			}
			if classified.Category() != tc.category {
				t.Errorf("category = %s, want %s", classified.Category(), tc.category)
			}
			if classified.RetryStrategy() != tc.retry {
				t.Errorf("retry = %s, want %s", classified.RetryStrategy(), tc.retry)
			}
			if !errors.Is(err, tc.err) {
				t.Error("cause not preserved in unwrap chain")
			}
		})
	}
}

func TestClassifyGitErrorPassthrough(t *testing.T) {
	if got := ClassifyGitError(nil, "clone", "url"); got != nil {
		t.Errorf("expected nil for nil error, got %v", got)
	}

	already := ferrors.ResourceError("logs unavailable").Build()
	got := ClassifyGitError(already, "fetch", "url")
	if got != error(already) {
		t.Errorf("expected classified errors to pass through unchanged, got %v", got)
	}
}
