package config

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Snapshot computes a stable hash of ingestion-affecting normalized configuration fields.
// It is intentionally narrower than full serialization to avoid noisy change detection
// when unrelated config fields change. Slice fields are order-insensitive (sorted prior
// to hashing). Callers SHOULD run applyDefaults before computing a snapshot so canonical
// field values drive the hash.
func (c *Config) Snapshot() string {
	if c == nil {
		return ""
	}
	h := sha256.New()
	w := func(parts ...string) { h.Write([]byte(strings.Join(parts, "="))); h.Write([]byte{0}) }
	// Ingestion knobs
	w("ingestion.builds_per_page", intToString(c.Ingestion.BuildsPerPage))
	w("ingestion.max_pages", intToString(c.Ingestion.MaxPages))
	w("ingestion.log_unavailable_threshold", intToString(c.Ingestion.LogUnavailableThreshold))
	w("ingestion.retry_backoff", string(c.Ingestion.RetryBackoff))
	if len(c.Ingestion.BotAuthorPatterns) > 0 {
		bp := append([]string{}, c.Ingestion.BotAuthorPatterns...)
		sort.Strings(bp)
		w("ingestion.bot_author_patterns", strings.Join(bp, ","))
	}
	// Processing knobs
	w("processing.builds_per_batch", intToString(c.Processing.BuildsPerBatch))
	w("processing.workers", intToString(c.Processing.Workers))
	// Provider endpoints
	if len(c.Providers) > 0 {
		entries := make([]string, 0, len(c.Providers))
		for _, p := range c.Providers {
			if p == nil {
				continue
			}
			entries = append(entries, string(p.Type)+"@"+p.APIURL)
		}
		sort.Strings(entries)
		w("providers", strings.Join(entries, ","))
	}
	w("github.api_url", c.GitHub.APIURL)
	// Paths
	w("paths.repos_dir", c.Paths.ReposDir)
	w("paths.worktrees_dir", c.Paths.WorktreesDir)
	// Monitoring logging (affects runtime logging only; included for completeness)
	if c.Monitoring != nil {
		w("monitoring.logging.level", string(c.Monitoring.Logging.Level))
		w("monitoring.logging.format", string(c.Monitoring.Logging.Format))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func intToString(i int) string { return strconv.Itoa(i) }
