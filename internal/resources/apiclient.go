package resources

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/tokenpool"
)

// maxAPIBodyBytes bounds a single REST response. Commit listings and
// comment pages are far below this; anything larger is misuse.
const maxAPIBodyBytes = 8 << 20

// APIClient is the authenticated GitHub REST surface handed to
// extractors as the github_api_client resource. Requests prefer pool
// tokens and feed observed rate-limit headers back, mirroring the fetch
// adapter; an installation token is the fallback when no pool exists.
type APIClient struct {
	apiURL     string
	httpClient *http.Client
	pool       *tokenpool.Pool
	appTokens  *AppTokenSource
	logger     *slog.Logger
}

// NewAPIClient builds the REST surface. Either pool or appTokens may be
// nil; with both nil the client works unauthenticated at public-API
// rate limits.
func NewAPIClient(apiURL string, httpClient *http.Client, pool *tokenpool.Pool, appTokens *AppTokenSource, logger *slog.Logger) *APIClient {
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &APIClient{
		apiURL:     apiURL,
		httpClient: httpClient,
		pool:       pool,
		appTokens:  appTokens,
		logger:     logger,
	}
}

// GetJSON issues a GET against the REST endpoint and returns the parsed
// body for path probing. 404 and 410 come back as resource-missing.
func (c *APIClient) GetJSON(ctx context.Context, endpoint string) (gjson.Result, error) {
	body, err := c.get(ctx, endpoint, "application/vnd.github+json")
	if err != nil {
		return gjson.Result{}, err
	}
	return gjson.ParseBytes(body), nil
}

// GetRaw issues a GET with the raw media type, used to pull file
// contents at a ref without base64 decoding.
func (c *APIClient) GetRaw(ctx context.Context, endpoint string) ([]byte, error) {
	return c.get(ctx, endpoint, "application/vnd.github.raw+json")
}

func (c *APIClient) get(ctx context.Context, endpoint, accept string) ([]byte, error) {
	u, err := url.Parse(c.apiURL)
	if err != nil {
		return nil, ferrors.ConfigError("api client: parse api url").WithCause(err).Build()
	}
	parts := strings.SplitN(endpoint, "?", 2)
	u.Path = path.Join(u.Path, parts[0])
	if len(parts) == 2 {
		u.RawQuery = parts[1]
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, ferrors.InternalError("api client: build request").WithCause(err).Build()
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "BuildLens/1.0")

	tokenHash, err := c.authorize(ctx, req)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, ferrors.NetworkError("api client: request failed").
			WithCause(err).
			Retryable().
			Build()
	}
	defer resp.Body.Close()
	c.recordRateLimit(ctx, tokenHash, resp)

	if resp.StatusCode >= 400 {
		return nil, c.classify(ctx, tokenHash, resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIBodyBytes))
	if err != nil {
		return nil, ferrors.NetworkError("api client: read response").
			WithCause(err).
			Retryable().
			Build()
	}
	return body, nil
}

// authorize attaches the best available credential and returns the pool
// token hash when one was used.
func (c *APIClient) authorize(ctx context.Context, req *http.Request) (string, error) {
	if c.pool != nil {
		tok, err := c.pool.Acquire(ctx)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+tok.Secret)
		return tok.Hash, nil
	}
	if c.appTokens != nil {
		tok, err := c.appTokens.Token(ctx)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	return "", nil
}

func (c *APIClient) recordRateLimit(ctx context.Context, tokenHash string, resp *http.Response) {
	if c.pool == nil || tokenHash == "" {
		return
	}
	remaining, err1 := strconv.Atoi(resp.Header.Get("X-RateLimit-Remaining"))
	limit, err2 := strconv.Atoi(resp.Header.Get("X-RateLimit-Limit"))
	reset, err3 := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return
	}
	if err := c.pool.Update(ctx, tokenHash, remaining, limit, time.Unix(reset, 0)); err != nil {
		c.logger.Warn("Failed to record rate limit", logfields.TokenHash(tokenHash), logfields.Error(err))
	}
}

func (c *APIClient) classify(ctx context.Context, tokenHash string, resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return ferrors.ResourceMissingError("api client: resource not found").
			WithContext(ferrors.ContextKeyStatus, resp.StatusCode).
			Build()
	case http.StatusUnauthorized:
		if c.pool != nil && tokenHash != "" {
			if err := c.pool.MarkInvalid(ctx, tokenHash); err != nil {
				c.logger.Warn("Failed to mark token invalid", logfields.TokenHash(tokenHash), logfields.Error(err))
			}
		}
		return ferrors.AuthError("api client: credentials rejected").Build()
	case http.StatusForbidden, http.StatusTooManyRequests:
		if resp.Header.Get("X-RateLimit-Remaining") == "0" {
			reset, _ := strconv.ParseInt(resp.Header.Get("X-RateLimit-Reset"), 10, 64)
			return ferrors.RateLimitedError("api client: rate limit exhausted", time.Unix(reset, 0)).Build()
		}
		return ferrors.ProviderError("api client: request forbidden").
			WithContext(ferrors.ContextKeyStatus, resp.StatusCode).
			Build()
	default:
		if resp.StatusCode >= 500 {
			return ferrors.ProviderError("api client: server error").
				WithContext(ferrors.ContextKeyStatus, resp.StatusCode).
				Build()
		}
		return ferrors.NewError(ferrors.CategoryProvider, "api client: request failed").
			WithContext(ferrors.ContextKeyStatus, resp.StatusCode).
			Build()
	}
}
