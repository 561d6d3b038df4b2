package coord

import "fmt"

// Chord kinds name the pipeline phase a chord coordinates. They prefix the
// per-correlation results list, e.g. "ingestion:results:<correlation_id>".
const (
	ChordFetch      = "fetch"
	ChordIngestion  = "ingestion"
	ChordProcessing = "processing"
)

// CloneLockKey is the lock guarding a repository's shared bare clone.
func CloneLockKey(repoID int64) string {
	return fmt.Sprintf("clone:%d", repoID)
}

// WorktreeLockKey is the lock guarding one materialized worktree.
func WorktreeLockKey(repoID int64, shortSHA string) string {
	return fmt.Sprintf("worktree:%d:%s", repoID, shortSHA)
}

func resultsKey(kind, correlationID string) string {
	return kind + ":results:" + correlationID
}

func chordTotalKey(correlationID string) string {
	return "chord:total:" + correlationID
}

func chordDoneKey(correlationID string) string {
	return "chord:done:" + correlationID
}
