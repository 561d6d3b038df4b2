// Package store persists the ingestion pipeline's entities in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/buildlens/buildlens/internal/foundation"
)

// Store is the SQLite-backed persistence layer. All lifecycle state the
// orchestrator recovers from lives here; workers keep nothing in memory
// between tasks.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New opens (or creates) the database at dbPath and initializes the
// schema. Use ":memory:" for tests.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	// A single connection serializes writers; SQLite cannot interleave
	// write transactions anyway and :memory: databases are per-connection.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *Store) initialize() error {
	if _, err := s.db.Exec("PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;"); err != nil {
		return err
	}

	schema := `
	CREATE TABLE IF NOT EXISTS raw_repositories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		full_name TEXT NOT NULL UNIQUE,
		provider TEXT NOT NULL,
		provider_repo_id INTEGER NOT NULL DEFAULT 0,
		default_branch TEXT NOT NULL DEFAULT '',
		private INTEGER NOT NULL DEFAULT 0,
		primary_language TEXT NOT NULL DEFAULT '',
		language_bytes TEXT,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS raw_build_runs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		raw_repository_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		provider_build_id INTEGER NOT NULL,
		number INTEGER NOT NULL DEFAULT 0,
		commit_sha TEXT NOT NULL DEFAULT '',
		branch TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT '',
		conclusion TEXT NOT NULL DEFAULT '',
		event TEXT NOT NULL DEFAULT '',
		author_name TEXT NOT NULL DEFAULT '',
		is_bot_commit INTEGER NOT NULL DEFAULT 0,
		is_fork INTEGER NOT NULL DEFAULT 0,
		head_repo_slug TEXT NOT NULL DEFAULT '',
		web_url TEXT NOT NULL DEFAULT '',
		run_created_at INTEGER,
		run_started_at INTEGER,
		run_finished_at INTEGER,
		raw_payload BLOB,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (raw_repository_id, provider, provider_build_id)
	);
	CREATE INDEX IF NOT EXISTS idx_build_runs_repo ON raw_build_runs(raw_repository_id, provider);
	CREATE INDEX IF NOT EXISTS idx_build_runs_sha ON raw_build_runs(raw_repository_id, commit_sha);

	CREATE TABLE IF NOT EXISTS repo_configs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		raw_repository_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		status TEXT NOT NULL,
		branch TEXT NOT NULL DEFAULT '',
		max_builds INTEGER NOT NULL DEFAULT 0,
		since_days INTEGER NOT NULL DEFAULT 0,
		only_with_logs INTEGER NOT NULL DEFAULT 0,
		exclude_bots INTEGER NOT NULL DEFAULT 0,
		features TEXT,
		sync_enabled INTEGER NOT NULL DEFAULT 0,
		builds_fetched INTEGER NOT NULL DEFAULT 0,
		builds_completed INTEGER NOT NULL DEFAULT 0,
		builds_failed INTEGER NOT NULL DEFAULT 0,
		last_processed_ingestion_build_id INTEGER NOT NULL DEFAULT 0,
		last_error TEXT NOT NULL DEFAULT '',
		last_synced_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_repo_configs_repo ON repo_configs(raw_repository_id);

	CREATE TABLE IF NOT EXISTS ingestion_builds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_config_id INTEGER NOT NULL,
		raw_build_run_id INTEGER NOT NULL,
		ci_run_id INTEGER NOT NULL DEFAULT 0,
		commit_sha TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		required_resources TEXT,
		resource_status TEXT,
		ingestion_error TEXT NOT NULL DEFAULT '',
		fetched_at INTEGER,
		started_at INTEGER,
		finished_at INTEGER,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (repo_config_id, raw_build_run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_ingestion_config_status ON ingestion_builds(repo_config_id, status);

	CREATE TABLE IF NOT EXISTS training_builds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		repo_config_id INTEGER NOT NULL,
		raw_build_run_id INTEGER NOT NULL,
		ingestion_build_id INTEGER NOT NULL DEFAULT 0,
		extraction_status TEXT NOT NULL,
		features TEXT,
		feature_count INTEGER NOT NULL DEFAULT 0,
		missing_resources TEXT,
		skipped_features TEXT,
		extraction_error TEXT NOT NULL DEFAULT '',
		predicted_label TEXT,
		prediction_confidence REAL,
		prediction_uncertainty REAL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE (repo_config_id, raw_build_run_id)
	);
	CREATE INDEX IF NOT EXISTS idx_training_config_status ON training_builds(repo_config_id, extraction_status);

	CREATE TABLE IF NOT EXISTS feature_audit_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		correlation_id TEXT NOT NULL,
		repo_config_id INTEGER NOT NULL,
		raw_build_run_id INTEGER NOT NULL,
		node_results TEXT,
		nodes_succeeded INTEGER NOT NULL DEFAULT 0,
		nodes_failed INTEGER NOT NULL DEFAULT 0,
		nodes_skipped INTEGER NOT NULL DEFAULT 0,
		total_retries INTEGER NOT NULL DEFAULT 0,
		final_status TEXT NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_correlation ON feature_audit_logs(correlation_id);
	CREATE INDEX IF NOT EXISTS idx_audit_build ON feature_audit_logs(raw_build_run_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func now() time.Time {
	return time.Now().UTC().Truncate(time.Second)
}

// marshalJSON serializes a JSON column value, mapping nil and empty
// containers to NULL so the column stays compact.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t := v.(type) {
	case []string:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]any:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]int64:
		if len(t) == 0 {
			return nil, nil
		}
	case map[string]ResourceStatus:
		if len(t) == 0 {
			return nil, nil
		}
	case []NodeResult:
		if len(t) == 0 {
			return nil, nil
		}
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json column: %w", err)
	}
	return data, nil
}

// unmarshalJSON fills v from a JSON column, leaving it zero for NULL.
func unmarshalJSON(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal json column: %w", err)
	}
	return nil
}

func unixTime(sec int64) time.Time {
	return time.Unix(sec, 0).UTC()
}

// optUnix converts a nullable unix-seconds column to an Option.
func optUnix(v sql.NullInt64) foundation.Option[time.Time] {
	if !v.Valid {
		return foundation.None[time.Time]()
	}
	return foundation.Some(time.Unix(v.Int64, 0).UTC())
}

// unixOrNil converts an Option timestamp to a nullable column value.
func unixOrNil(t foundation.Option[time.Time]) any {
	if t.IsNone() {
		return nil
	}
	return t.Unwrap().Unix()
}

func optString(v sql.NullString) foundation.Option[string] {
	if !v.Valid {
		return foundation.None[string]()
	}
	return foundation.Some(v.String)
}

func optFloat(v sql.NullFloat64) foundation.Option[float64] {
	if !v.Valid {
		return foundation.None[float64]()
	}
	return foundation.Some(v.Float64)
}

// statusPlaceholders renders "?, ?, ..." for an IN clause and collects
// the matching args.
func statusPlaceholders[T ~string](statuses []T) (string, []any) {
	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}
	return placeholders, args
}
