package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyTaskID        = "task_id"
	KeyTaskType      = "task_type"
	KeyTaskStatus    = "task_status"
	KeyCorrelationID = "correlation_id"
	KeyRepoID        = "repo_id"
	KeyRepo          = "repository"
	KeyProvider      = "provider"
	KeyBuildID       = "build_id"
	KeyBuildNumber   = "build_number"
	KeyCommitSHA     = "commit_sha"
	KeyFeature       = "feature"
	KeyStage         = "stage"
	KeyDurationMS    = "duration_ms"
	KeyScheduleID    = "schedule_id"
	KeySchedule      = "schedule_name"
	KeyTokenHash     = "token_hash"
	KeyError         = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func TaskID(id string) slog.Attr         { return slog.String(KeyTaskID, id) }
func TaskType(t string) slog.Attr        { return slog.String(KeyTaskType, t) }
func TaskStatus(s string) slog.Attr      { return slog.String(KeyTaskStatus, s) }
func CorrelationID(id string) slog.Attr  { return slog.String(KeyCorrelationID, id) }
func RepoID(id int64) slog.Attr          { return slog.Int64(KeyRepoID, id) }
func Repository(r string) slog.Attr      { return slog.String(KeyRepo, r) }
func Provider(p string) slog.Attr        { return slog.String(KeyProvider, p) }
func BuildID(id int64) slog.Attr         { return slog.Int64(KeyBuildID, id) }
func BuildNumber(n int) slog.Attr        { return slog.Int(KeyBuildNumber, n) }
func CommitSHA(sha string) slog.Attr     { return slog.String(KeyCommitSHA, sha) }
func Feature(name string) slog.Attr      { return slog.String(KeyFeature, name) }
func Stage(name string) slog.Attr        { return slog.String(KeyStage, name) }
func DurationMS(ms float64) slog.Attr    { return slog.Float64(KeyDurationMS, ms) }
func ScheduleID(id string) slog.Attr     { return slog.String(KeyScheduleID, id) }
func ScheduleName(n string) slog.Attr    { return slog.String(KeySchedule, n) }
func TokenHash(h string) slog.Attr       { return slog.String(KeyTokenHash, h) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
