package orchestrator

import "encoding/json"

// fetchPageResult is one fetch member's payload. A page that exhausted
// its retries reports the error and contributes no builds; the chord
// still aggregates.
type fetchPageResult struct {
	Page            int     `json:"page"`
	BuildsSeen      int     `json:"builds_seen"`
	NewRuns         int     `json:"new_runs"`
	IngestionBuilds []int64 `json:"ingestion_builds,omitempty"`

	// SawExisting marks a page on which at least one build was already
	// stored. The sync walker stops below such a page.
	SawExisting bool `json:"saw_existing,omitempty"`

	// LogsExhausted marks a page abandoned by log-availability probing.
	LogsExhausted bool `json:"logs_exhausted,omitempty"`

	// PagesWalked is set by the sync walker, which covers several pages
	// in one member.
	PagesWalked int `json:"pages_walked,omitempty"`

	Error string `json:"error,omitempty"`
}

// ingestResult is one ingestion member's payload.
type ingestResult struct {
	IngestionBuildID int64  `json:"ingestion_build_id"`
	RawBuildRunID    int64  `json:"raw_build_run_id"`
	Status           string `json:"status"`
	Attempts         int    `json:"attempts,omitempty"`
	Error            string `json:"error,omitempty"`
}

// processBatchResult is one processing member's payload.
type processBatchResult struct {
	Batch     int   `json:"batch"`
	Completed int64 `json:"completed"`
	Partial   int64 `json:"partial"`
	Failed    int64 `json:"failed"`

	// TimedOut counts builds abandoned at the soft deadline; they are
	// included in Failed.
	TimedOut int64 `json:"timed_out,omitempty"`

	Error string `json:"error,omitempty"`
}

// decodeResults unmarshals chord payloads, dropping entries that do not
// parse. The second return value is the dropped count; aggregation
// treats those members as failed.
func decodeResults[T any](results [][]byte) ([]T, int) {
	out := make([]T, 0, len(results))
	bad := 0
	for _, raw := range results {
		var v T
		if err := json.Unmarshal(raw, &v); err != nil {
			bad++
			continue
		}
		out = append(out, v)
	}
	return out, bad
}
