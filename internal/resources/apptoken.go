package resources

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/buildlens/buildlens/internal/config"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
)

// tokenExpiryMargin refreshes installation tokens before GitHub does.
// Tokens live one hour; minting five minutes early keeps a long clone
// from straddling the expiry.
const tokenExpiryMargin = 5 * time.Minute

// appJWTLifetime bounds the signed app JWT. GitHub caps it at ten
// minutes; nine leaves room for clock skew on their side.
const appJWTLifetime = 9 * time.Minute

// AppTokenSource mints and caches GitHub App installation tokens.
// Installation tokens outrank pool tokens for clones because they see
// private repositories the pool's PATs may not.
type AppTokenSource struct {
	appID          int64
	installationID int64
	key            *rsa.PrivateKey
	apiURL         string
	httpClient     *http.Client
	logger         *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

// NewAppTokenSource loads the app's private key and returns a source for
// installation tokens against the given API base URL.
func NewAppTokenSource(cfg *config.GitHubAppConfig, apiURL string, httpClient *http.Client, logger *slog.Logger) (*AppTokenSource, error) {
	if cfg == nil {
		return nil, ferrors.ConfigError("github app config is nil").Build()
	}
	if cfg.AppID == 0 || cfg.InstallationID == 0 {
		return nil, ferrors.ConfigError("github app requires app_id and installation_id").Build()
	}
	pem, err := os.ReadFile(cfg.PrivateKeyPath)
	if err != nil {
		return nil, ferrors.ConfigError("github app private key unreadable").
			WithCause(err).
			WithContext("path", cfg.PrivateKeyPath).
			Build()
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(pem)
	if err != nil {
		return nil, ferrors.ConfigError("github app private key is not valid RSA PEM").
			WithCause(err).
			Build()
	}
	if apiURL == "" {
		apiURL = "https://api.github.com"
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AppTokenSource{
		appID:          cfg.AppID,
		installationID: cfg.InstallationID,
		key:            key,
		apiURL:         apiURL,
		httpClient:     httpClient,
		logger:         logger,
	}, nil
}

// Token returns a valid installation token, minting a fresh one when the
// cached token is gone or within the expiry margin.
func (s *AppTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Until(s.expiresAt) > tokenExpiryMargin {
		return s.token, nil
	}
	token, expiresAt, err := s.mint(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	s.expiresAt = expiresAt
	s.logger.Debug("Minted installation token", slog.Time("expires_at", expiresAt))
	return token, nil
}

// Invalidate drops the cached token. Webhook installation events call
// this so permission changes take effect on the next acquisition.
func (s *AppTokenSource) Invalidate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.expiresAt = time.Time{}
}

func (s *AppTokenSource) mint(ctx context.Context) (string, time.Time, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", s.appID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(appJWTLifetime)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, ferrors.AuthError("failed to sign app jwt").WithCause(err).Build()
	}

	endpoint := fmt.Sprintf("%s/app/installations/%d/access_tokens", s.apiURL, s.installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", time.Time{}, ferrors.InternalError("failed to build token request").WithCause(err).Build()
	}
	req.Header.Set("Authorization", "Bearer "+signed)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, ferrors.NetworkError("installation token request failed").
			WithCause(err).
			Retryable().
			Build()
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return "", time.Time{}, ferrors.AuthError("installation token request rejected").
			WithContext(ferrors.ContextKeyStatus, resp.StatusCode).
			Build()
	}
	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, ferrors.ProviderError("failed to decode installation token").
			WithCause(err).
			Build()
	}
	if payload.Token == "" {
		return "", time.Time{}, ferrors.ProviderError("installation token response missing token").Build()
	}
	return payload.Token, payload.ExpiresAt, nil
}
