package resources

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/buildlens/buildlens/internal/ci"
	"github.com/buildlens/buildlens/internal/config"
	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
	"github.com/buildlens/buildlens/internal/logfields"
)

// logIndexFile names the manifest written next to downloaded logs. Its
// presence marks the download as complete; partial downloads never
// write it.
const logIndexFile = "index.json"

type logIndexEntry struct {
	JobID     int64  `json:"job_id"`
	JobName   string `json:"job_name"`
	File      string `json:"file"`
	SizeBytes int64  `json:"size_bytes"`
}

// LogDir returns where one build's logs are cached on disk.
func (a *Acquirer) LogDir(repoID, providerBuildID int64) string {
	return filepath.Join(a.paths.LogsDir,
		strconv.FormatInt(repoID, 10),
		strconv.FormatInt(providerBuildID, 10))
}

// ensureBuildLogs downloads every job log for the build, or reloads a
// prior download from disk. Providers report expired or never-stored
// logs as resource-missing, which the caller records without retrying.
func (a *Acquirer) ensureBuildLogs(ctx context.Context, bundle *Bundle, req Request) error {
	dir := a.LogDir(req.Repo.ID, req.Run.ProviderBuildID)
	if logs, ok := a.readCachedLogs(dir); ok {
		bundle.Logs = logs
		return nil
	}

	if a.providers == nil {
		return ferrors.ConfigError("no provider registry configured for log download").Build()
	}
	provider, err := a.providers.Get(config.ProviderType(req.Run.Provider))
	if err != nil {
		return err
	}
	if err := provider.WaitRateLimit(ctx); err != nil {
		return err
	}
	logs, err := provider.FetchBuildLogs(ctx, req.Repo.FullName, req.Run.ProviderBuildID, 0)
	if err != nil {
		return err
	}
	if len(logs) == 0 {
		return ci.ErrLogsUnavailable
	}
	if err := a.writeCachedLogs(dir, logs); err != nil {
		// The cache is an optimization; extraction proceeds with the
		// in-memory logs.
		a.logger.Warn("Failed to cache build logs",
			logfields.BuildID(req.Run.ProviderBuildID),
			logfields.Error(err))
	}
	bundle.Logs = logs
	return nil
}

// readCachedLogs loads a completed prior download. Any inconsistency
// invalidates the cache and triggers a fresh download.
func (a *Acquirer) readCachedLogs(dir string) ([]ci.LogObject, bool) {
	data, err := os.ReadFile(filepath.Join(dir, logIndexFile))
	if err != nil {
		return nil, false
	}
	var entries []logIndexEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, false
	}
	logs := make([]ci.LogObject, 0, len(entries))
	for _, e := range entries {
		text, err := os.ReadFile(filepath.Join(dir, e.File))
		if err != nil {
			return nil, false
		}
		logs = append(logs, ci.LogObject{
			JobID:     e.JobID,
			JobName:   e.JobName,
			Path:      filepath.Join(dir, e.File),
			Text:      string(text),
			SizeBytes: e.SizeBytes,
		})
	}
	return logs, true
}

func (a *Acquirer) writeCachedLogs(dir string, logs []ci.LogObject) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	entries := make([]logIndexEntry, 0, len(logs))
	for i, log := range logs {
		name := fmt.Sprintf("%03d_%d.log", i, log.JobID)
		if err := os.WriteFile(filepath.Join(dir, name), []byte(log.Text), 0o644); err != nil {
			return err
		}
		entries = append(entries, logIndexEntry{
			JobID:     log.JobID,
			JobName:   log.JobName,
			File:      name,
			SizeBytes: int64(len(log.Text)),
		})
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, logIndexFile), data, 0o644)
}
