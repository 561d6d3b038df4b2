package daemon

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/buildlens/buildlens/internal/logfields"
	"github.com/buildlens/buildlens/internal/metrics"
)

// adminServer exposes health, readiness, metrics and a small
// operational API on the admin port.
func (d *Daemon) adminServer() *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", d.handleHealthz)
	mux.HandleFunc("GET /readyz", d.handleReadyz)
	mux.Handle("GET /metrics", metrics.HTTPHandler(d.registry))
	mux.HandleFunc("GET /api/v1/tokens", d.handleTokens)
	mux.HandleFunc("GET /api/v1/configs/{id}/progress", d.handleProgress)
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", d.cfg.Daemon.HTTP.AdminPort),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeAdminJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

// handleReadyz answers ok once startup finished and the coordination
// store responds.
func (d *Daemon) handleReadyz(w http.ResponseWriter, r *http.Request) {
	select {
	case <-d.ready:
	default:
		writeAdminJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "starting"})
		return
	}
	if err := d.redis.Ping(r.Context()).Err(); err != nil {
		writeAdminJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"reason": "coordination store unreachable",
		})
		return
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

// tokenView is the wire shape of one pool entry. Secrets never leave
// the pool; only hashes appear here.
type tokenView struct {
	Hash             string    `json:"hash"`
	State            string    `json:"state"`
	Remaining        int       `json:"remaining"`
	Limit            int       `json:"limit"`
	CooldownUntil    time.Time `json:"cooldown_until,omitzero"`
	Requests         int64     `json:"requests"`
	RateLimited      int64     `json:"rate_limited"`
	SecondaryLimited int64     `json:"secondary_limited"`
}

func (d *Daemon) handleTokens(w http.ResponseWriter, r *http.Request) {
	statuses, err := d.pool.Snapshot(r.Context())
	if err != nil {
		d.logger.Error("Token snapshot failed", logfields.Error(err))
		writeAdminJSON(w, http.StatusInternalServerError, map[string]any{"error": "snapshot failed"})
		return
	}
	views := make([]tokenView, 0, len(statuses))
	for _, s := range statuses {
		views = append(views, tokenView{
			Hash:             s.Hash,
			State:            s.State,
			Remaining:        s.Remaining,
			Limit:            s.Limit,
			CooldownUntil:    s.CooldownUntil,
			Requests:         s.Requests,
			RateLimited:      s.RateLimited,
			SecondaryLimited: s.SecondaryLimited,
		})
	}
	writeAdminJSON(w, http.StatusOK, map[string]any{"tokens": views})
}

func (d *Daemon) handleProgress(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeAdminJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid config id"})
		return
	}
	progress, err := d.orch.GetImportProgress(r.Context(), id)
	if err != nil {
		writeAdminJSON(w, http.StatusNotFound, map[string]any{"error": err.Error()})
		return
	}
	view := map[string]any{
		"config_id":        progress.Config.ID,
		"status":           progress.Config.Status,
		"builds_fetched":   progress.Config.BuildsFetched,
		"builds_completed": progress.Config.BuildsCompleted,
		"builds_failed":    progress.Config.BuildsFailed,
		"last_error":       progress.Config.LastError,
		"ingestion":        progress.Ingestion,
		"training":         progress.Training,
	}
	if progress.Journal != nil {
		view["journal"] = progress.Journal
	}
	writeAdminJSON(w, http.StatusOK, view)
}

func writeAdminJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
