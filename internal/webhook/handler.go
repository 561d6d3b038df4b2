// Package webhook receives GitHub event deliveries for the daemon:
// completed workflow runs are stored and handed to the orchestrator for
// single-build ingestion, installation lifecycle events invalidate
// cached app tokens. Every delivery is verified against the shared
// webhook secret before any payload field is read.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/buildlens/buildlens/internal/ci"
	"github.com/buildlens/buildlens/internal/config"
	"github.com/buildlens/buildlens/internal/foundation"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/store"
)

// maxPayloadBytes bounds how much of a delivery body is read. GitHub
// caps payloads at 25 MB; anything larger is hostile.
const maxPayloadBytes = 25 << 20

// Ingestor dispatches one stored run into the pipeline.
type Ingestor interface {
	IngestSingleBuild(ctx context.Context, configID, rawBuildRunID int64) error
}

// TokenInvalidator drops cached GitHub App installation tokens.
type TokenInvalidator interface {
	Invalidate()
}

// RunStore is the slice of the store the handler writes through.
type RunStore interface {
	GetRawRepositoryByFullName(ctx context.Context, fullName string) (*store.RawRepository, error)
	UpsertRawBuildRun(ctx context.Context, run *store.RawBuildRun) (int64, bool, error)
	FindRepoConfigsByRepository(ctx context.Context, rawRepositoryID int64) ([]store.RepoConfig, error)
}

// Handler is the GitHub webhook endpoint. Mount it on the daemon's
// webhook mux; it answers only POST.
type Handler struct {
	secret      []byte
	store       RunStore
	ingestor    Ingestor
	appTokens   TokenInvalidator
	botPatterns []string
	logger      *slog.Logger
}

// Options carries the handler's collaborators. AppTokens may be nil
// when no GitHub App is configured.
type Options struct {
	Secret      string
	Store       RunStore
	Ingestor    Ingestor
	AppTokens   TokenInvalidator
	BotPatterns []string
	Logger      *slog.Logger
}

// NewHandler validates the options and builds the endpoint.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Secret == "" {
		return nil, ferrors.ConfigError("webhook handler requires a secret").Build()
	}
	if opts.Store == nil {
		return nil, ferrors.ConfigError("webhook handler requires a store").Build()
	}
	if opts.Ingestor == nil {
		return nil, ferrors.ConfigError("webhook handler requires an ingestor").Build()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		secret:      []byte(opts.Secret),
		store:       opts.Store,
		ingestor:    opts.Ingestor,
		appTokens:   opts.AppTokens,
		botPatterns: opts.BotPatterns,
		logger:      logger,
	}, nil
}

// ServeHTTP verifies and routes one delivery. Events the pipeline does
// not consume are acknowledged and dropped; GitHub retries anything
// answered outside 2xx.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "unreadable body"})
		return
	}
	if !h.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		h.logger.Warn("Webhook signature rejected",
			slog.String("delivery", r.Header.Get("X-GitHub-Delivery")))
		writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid signature"})
		return
	}

	event := r.Header.Get("X-GitHub-Event")
	logger := h.logger.With(
		slog.String("event", event),
		slog.String("delivery", r.Header.Get("X-GitHub-Delivery")))

	switch event {
	case "ping":
		writeJSON(w, http.StatusOK, map[string]any{"status": "pong"})
	case "workflow_run":
		h.handleWorkflowRun(r.Context(), logger, w, body)
	case "installation", "installation_repositories":
		h.handleInstallation(logger, w, body)
	default:
		logger.Debug("Webhook event ignored")
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "ignored"})
	}
}

// verifySignature checks the sha256 HMAC GitHub sends with every
// delivery. Comparison is constant-time.
func (h *Handler) verifySignature(body []byte, signature string) bool {
	const prefix = "sha256="
	if !strings.HasPrefix(signature, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature[len(prefix):]))
}

// handleWorkflowRun upserts a completed run and dispatches single-build
// ingestion for every config importing the repository. Runs for unknown
// repositories are acknowledged and dropped; nothing imports them yet.
func (h *Handler) handleWorkflowRun(ctx context.Context, logger *slog.Logger, w http.ResponseWriter, body []byte) {
	payload := gjson.ParseBytes(body)
	action := payload.Get("action").String()
	status := payload.Get("workflow_run.status").String()
	if action != "completed" || status != "completed" {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "ignored"})
		return
	}

	fullName := payload.Get("repository.full_name").String()
	runID := payload.Get("workflow_run.id").Int()
	if fullName == "" || runID == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "payload missing repository or run id"})
		return
	}

	repo, err := h.store.GetRawRepositoryByFullName(ctx, fullName)
	if err != nil {
		logger.Debug("Run for untracked repository dropped",
			logfields.Repository(fullName), logfields.BuildID(runID))
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "untracked"})
		return
	}

	run := h.runFromPayload(repo, payload)
	storedID, created, err := h.store.UpsertRawBuildRun(ctx, run)
	if err != nil {
		logger.Error("Failed to store delivered run",
			logfields.Repository(fullName), logfields.BuildID(runID), logfields.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage failure"})
		return
	}

	configs, err := h.store.FindRepoConfigsByRepository(ctx, repo.ID)
	if err != nil {
		logger.Error("Failed to look up repo configs",
			logfields.Repository(fullName), logfields.Error(err))
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "storage failure"})
		return
	}

	dispatched := 0
	for i := range configs {
		if config.ProviderType(configs[i].Provider) != config.ProviderGitHub {
			continue
		}
		if err := h.ingestor.IngestSingleBuild(ctx, configs[i].ID, storedID); err != nil {
			logger.Error("Failed to dispatch delivered run",
				logfields.RepoID(configs[i].ID), logfields.BuildID(runID), logfields.Error(err))
			continue
		}
		dispatched++
	}

	logger.Info("Workflow run delivery handled",
		logfields.Repository(fullName),
		logfields.BuildID(runID),
		slog.Bool("created", created),
		slog.Bool("bot", run.IsBotCommit),
		slog.Int("dispatched", dispatched))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":     "accepted",
		"created":    created,
		"dispatched": dispatched,
	})
}

// runFromPayload maps the delivery onto the immutable storage row, the
// same shape the fetch adapter produces. Bot-triggered runs are flagged
// but stored all the same.
func (h *Handler) runFromPayload(repo *store.RawRepository, payload gjson.Result) *store.RawBuildRun {
	wr := payload.Get("workflow_run")
	author := wr.Get("head_commit.author.name").String()
	if author == "" {
		author = wr.Get("actor.login").String()
	}
	headRepo := wr.Get("head_repository.full_name").String()

	run := &store.RawBuildRun{
		RawRepositoryID: repo.ID,
		Provider:        string(config.ProviderGitHub),
		ProviderBuildID: wr.Get("id").Int(),
		Number:          int(wr.Get("run_number").Int()),
		CommitSHA:       wr.Get("head_sha").String(),
		Branch:          wr.Get("head_branch").String(),
		Status:          string(ci.NormalizeStatusFor(config.ProviderGitHub, wr.Get("status").String())),
		Conclusion:      string(ci.NormalizeConclusionFor(config.ProviderGitHub, wr.Get("conclusion").String())),
		Event:           wr.Get("event").String(),
		AuthorName:      author,
		IsBotCommit:     ci.IsBotAuthor(author, h.botPatterns),
		IsFork:          headRepo != "" && headRepo != repo.FullName,
		HeadRepoSlug:    headRepo,
		WebURL:          wr.Get("html_url").String(),
		RawPayload:      json.RawMessage(wr.Raw),
	}
	if t, err := time.Parse(time.RFC3339, wr.Get("created_at").String()); err == nil {
		run.RunCreatedAt = foundation.Some(t)
	}
	if t, err := time.Parse(time.RFC3339, wr.Get("run_started_at").String()); err == nil {
		run.RunStartedAt = foundation.Some(t)
	}
	if t, err := time.Parse(time.RFC3339, wr.Get("updated_at").String()); err == nil {
		run.RunFinishedAt = foundation.Some(t)
	}
	return run
}

// handleInstallation reacts to app installation lifecycle changes. Any
// of them can rotate or revoke the installation token, so the cache is
// dropped unconditionally.
func (h *Handler) handleInstallation(logger *slog.Logger, w http.ResponseWriter, body []byte) {
	payload := gjson.ParseBytes(body)
	action := payload.Get("action").String()
	installation := payload.Get("installation.id").Int()

	if h.appTokens != nil {
		h.appTokens.Invalidate()
	}
	logger.Info("Installation event handled",
		slog.String("action", action),
		slog.Int64("installation_id", installation))
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "accepted"})
}

func writeJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
