package ci

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/buildlens/buildlens/internal/foundation/errors"
)

var (
	// ErrNotFound signals that the requested build does not exist.
	ErrNotFound = errors.ResourceMissingError("build not found").Build()

	// ErrLogsUnavailable signals logs that expired or were never stored.
	ErrLogsUnavailable = errors.ResourceMissingError("build logs unavailable").Build()

	// ErrLogProbeAborted signals that log-availability probing hit the
	// consecutive-miss threshold and the rest of the page was abandoned.
	ErrLogProbeAborted = errors.ProviderError("log availability probing aborted").
				WithRetry(errors.RetryNever).Build()

	// ErrProviderUnsupported signals an unknown provider type.
	ErrProviderUnsupported = errors.ConfigError("unsupported provider type").Build()
)

// maxErrorBodyBytes bounds how much of an error response is read for
// diagnostics and secondary-limit sniffing.
const maxErrorBodyBytes = 4096

// readErrorBody drains up to maxErrorBodyBytes of the response for messages.
func readErrorBody(resp *http.Response) string {
	if resp.Body == nil {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
	return string(b)
}

// isSecondaryLimitBody reports whether a 403 body mentions the GitHub
// abuse-detection ("secondary rate limit") response.
func isSecondaryLimitBody(body string) bool {
	lower := strings.ToLower(body)
	return strings.Contains(lower, "secondary rate limit") || strings.Contains(lower, "abuse detection")
}

// classifyStatus converts a non-2xx response into the error taxonomy shared
// by all adapters. Provider-specific handling (GitHub token bookkeeping)
// happens before this is consulted.
func classifyStatus(provider string, resp *http.Response, body string) error {
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return ErrNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		return errors.AuthError(fmt.Sprintf("%s: invalid credentials", provider)).
			WithContext(errors.ContextKeyStatus, resp.StatusCode).Build()
	case resp.StatusCode >= 500:
		return errors.ProviderError(fmt.Sprintf("%s: server error %s", provider, resp.Status)).
			WithContext(errors.ContextKeyStatus, resp.StatusCode).Build()
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.ProviderError(fmt.Sprintf("%s: throttled", provider)).
			RateLimit().
			WithContext(errors.ContextKeyStatus, resp.StatusCode).Build()
	default:
		msg := fmt.Sprintf("%s: request failed with %s", provider, resp.Status)
		if body != "" {
			msg = fmt.Sprintf("%s: %s", msg, strings.TrimSpace(body))
		}
		return errors.NewError(errors.CategoryProvider, msg).
			WithContext(errors.ContextKeyStatus, resp.StatusCode).Build()
	}
}
