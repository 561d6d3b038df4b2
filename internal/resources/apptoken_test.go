package resources

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/buildlens/buildlens/internal/config"
)

func writeTestKey(t *testing.T) (string, *rsa.PublicKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}
	path := filepath.Join(t.TempDir(), "app.pem")
	require.NoError(t, os.WriteFile(path, pem.EncodeToMemory(block), 0o600))
	return path, &key.PublicKey
}

func TestAppTokenSourceMintsAndCaches(t *testing.T) {
	keyPath, pubKey := writeTestKey(t)

	var mints int
	var lastJWT string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/app/installations/42/access_tokens", r.URL.Path)
		lastJWT = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		mints++
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_installation_token",
			"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	src, err := NewAppTokenSource(&config.GitHubAppConfig{
		AppID:          1234,
		InstallationID: 42,
		PrivateKeyPath: keyPath,
	}, srv.URL, srv.Client(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	tok, err := src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ghs_installation_token", tok)
	assert.Equal(t, 1, mints)

	// The signed JWT must verify against the app key and carry the app
	// id as issuer.
	parsed, err := jwt.Parse(lastJWT, func(*jwt.Token) (any, error) { return pubKey, nil },
		jwt.WithValidMethods([]string{"RS256"}))
	require.NoError(t, err)
	issuer, err := parsed.Claims.GetIssuer()
	require.NoError(t, err)
	assert.Equal(t, "1234", issuer)

	// A second call inside the validity window reuses the cache.
	_, err = src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, mints)

	// Invalidation forces a fresh mint.
	src.Invalidate()
	_, err = src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, mints)
}

func TestAppTokenSourceRefreshesNearExpiry(t *testing.T) {
	keyPath, _ := writeTestKey(t)

	var mints int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mints++
		w.WriteHeader(http.StatusCreated)
		// Expires inside the refresh margin, so every call re-mints.
		_ = json.NewEncoder(w).Encode(map[string]any{
			"token":      "ghs_short_lived",
			"expires_at": time.Now().Add(time.Minute).Format(time.RFC3339),
		})
	}))
	defer srv.Close()

	src, err := NewAppTokenSource(&config.GitHubAppConfig{
		AppID:          1,
		InstallationID: 2,
		PrivateKeyPath: keyPath,
	}, srv.URL, srv.Client(), nil)
	require.NoError(t, err)

	ctx := context.Background()
	_, err = src.Token(ctx)
	require.NoError(t, err)
	_, err = src.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, mints)
}

func TestAppTokenSourceRejectsBadKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bogus.pem")
	require.NoError(t, os.WriteFile(path, []byte("not a key"), 0o600))

	_, err := NewAppTokenSource(&config.GitHubAppConfig{
		AppID:          1,
		InstallationID: 2,
		PrivateKeyPath: path,
	}, "", nil, nil)
	require.Error(t, err)
}

func TestAppTokenSourceSurfacesRejection(t *testing.T) {
	keyPath, _ := writeTestKey(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	src, err := NewAppTokenSource(&config.GitHubAppConfig{
		AppID:          1,
		InstallationID: 2,
		PrivateKeyPath: keyPath,
	}, srv.URL, srv.Client(), nil)
	require.NoError(t, err)

	_, err = src.Token(context.Background())
	require.Error(t, err)
}
