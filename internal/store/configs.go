package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
)

// CreateRepoConfig validates and inserts a new configuration in Queued
// status. Returns the row id.
func (s *Store) CreateRepoConfig(ctx context.Context, cfg *RepoConfig) (int64, error) {
	if cfg.Status == "" {
		cfg.Status = ConfigQueued
	}
	if err := cfg.Validate().ToError(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	features, err := marshalJSON(cfg.Features)
	if err != nil {
		return 0, err
	}

	ts := now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO repo_configs
			(raw_repository_id, provider, status, branch, max_builds, since_days,
			 only_with_logs, exclude_bots, features, sync_enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cfg.RawRepositoryID, cfg.Provider, string(cfg.Status), cfg.Branch,
		cfg.MaxBuilds, cfg.SinceDays, cfg.OnlyWithLogs, cfg.ExcludeBots,
		features, cfg.SyncEnabled, ts, ts)
	if err != nil {
		return 0, fmt.Errorf("insert repo config: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert repo config id: %w", err)
	}
	cfg.ID = id
	return id, nil
}

// GetRepoConfig returns the configuration by id.
func (s *Store) GetRepoConfig(ctx context.Context, id int64) (*RepoConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanRepoConfig(s.db.QueryRowContext(ctx,
		repoConfigColumns+" WHERE id = ?", id))
}

// ListRepoConfigs returns every configuration, oldest first.
func (s *Store) ListRepoConfigs(ctx context.Context) ([]RepoConfig, error) {
	return s.listRepoConfigs(ctx, repoConfigColumns+" ORDER BY id")
}

// ListAutoSyncRepoConfigs returns configurations with periodic sync
// enabled, oldest first.
func (s *Store) ListAutoSyncRepoConfigs(ctx context.Context) ([]RepoConfig, error) {
	return s.listRepoConfigs(ctx, repoConfigColumns+" WHERE sync_enabled = 1 ORDER BY id")
}

// FindRepoConfigsByRepository returns configurations over the given
// repository. The webhook uses it to route single-build ingestion.
func (s *Store) FindRepoConfigsByRepository(ctx context.Context, rawRepositoryID int64) ([]RepoConfig, error) {
	return s.listRepoConfigs(ctx,
		repoConfigColumns+" WHERE raw_repository_id = ? ORDER BY id", rawRepositoryID)
}

func (s *Store) listRepoConfigs(ctx context.Context, query string, args ...any) ([]RepoConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query repo configs: %w", err)
	}
	defer rows.Close()

	var configs []RepoConfig
	for rows.Next() {
		cfg, err := scanRepoConfigRow(rows)
		if err != nil {
			return nil, err
		}
		configs = append(configs, *cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate repo configs: %w", err)
	}
	return configs, nil
}

// UpdateRepoConfigStatus moves the configuration to the next lifecycle
// status. Transitions outside the lifecycle DAG return
// ErrInvalidTransition.
func (s *Store) UpdateRepoConfigStatus(ctx context.Context, id int64, next ConfigStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT status FROM repo_configs WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup repo config status: %w", err)
		}
		if !ConfigStatus(current).CanTransitionTo(next) {
			return ferrors.WrapError(ErrInvalidTransition, ferrors.CategoryStorage,
				fmt.Sprintf("repo config %d: %s -> %s", id, current, next)).Build()
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE repo_configs SET status = ?, updated_at = ? WHERE id = ?",
			string(next), now().Unix(), id); err != nil {
			return fmt.Errorf("update repo config status: %w", err)
		}
		return nil
	})
}

// SetRepoConfigError records the last user-visible sync error. An empty
// message clears it.
func (s *Store) SetRepoConfigError(ctx context.Context, id int64, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE repo_configs SET last_error = ?, updated_at = ? WHERE id = ?",
		message, now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set repo config error: %w", err)
	}
	return requireRow(res)
}

// IncrementRepoConfigCounters applies atomic deltas to the progress
// counters. Counters only ever grow.
func (s *Store) IncrementRepoConfigCounters(ctx context.Context, id int64, fetched, completed, failed int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE repo_configs SET
			builds_fetched = builds_fetched + ?,
			builds_completed = builds_completed + ?,
			builds_failed = builds_failed + ?,
			updated_at = ?
		WHERE id = ?`,
		fetched, completed, failed, now().Unix(), id)
	if err != nil {
		return fmt.Errorf("increment repo config counters: %w", err)
	}
	return requireRow(res)
}

// AdvanceCheckpoint moves the processing checkpoint forward to buildID.
// Calls with a smaller or equal id are no-ops, keeping the checkpoint
// monotonic under concurrent batches.
func (s *Store) AdvanceCheckpoint(ctx context.Context, id, buildID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE repo_configs SET
			last_processed_ingestion_build_id = ?,
			updated_at = ?
		WHERE id = ? AND last_processed_ingestion_build_id < ?`,
		buildID, now().Unix(), id, buildID)
	if err != nil {
		return fmt.Errorf("advance checkpoint: %w", err)
	}
	return nil
}

// MarkSynced stamps the last successful sync time.
func (s *Store) MarkSynced(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		"UPDATE repo_configs SET last_synced_at = ?, updated_at = ? WHERE id = ?",
		now().Unix(), now().Unix(), id)
	if err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	return requireRow(res)
}

// DeleteRepoConfig removes the configuration and all orchestration
// state it owns in one transaction. Raw repositories and raw build runs
// are shared across configs and stay.
func (s *Store) DeleteRepoConfig(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			"DELETE FROM feature_audit_logs WHERE repo_config_id = ?",
			"DELETE FROM training_builds WHERE repo_config_id = ?",
			"DELETE FROM ingestion_builds WHERE repo_config_id = ?",
		} {
			if _, err := tx.ExecContext(ctx, stmt, id); err != nil {
				return fmt.Errorf("cascade delete repo config: %w", err)
			}
		}
		res, err := tx.ExecContext(ctx, "DELETE FROM repo_configs WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("delete repo config: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("delete repo config rows: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

const repoConfigColumns = `
	SELECT id, raw_repository_id, provider, status, branch, max_builds, since_days,
	       only_with_logs, exclude_bots, features, sync_enabled, builds_fetched,
	       builds_completed, builds_failed, last_processed_ingestion_build_id,
	       last_error, last_synced_at, created_at, updated_at
	FROM repo_configs`

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanRepoConfig(row *sql.Row) (*RepoConfig, error) {
	cfg, err := scanRepoConfigRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return cfg, err
}

func scanRepoConfigRow(row rowScanner) (*RepoConfig, error) {
	var (
		cfg          RepoConfig
		status       string
		features     []byte
		lastSyncedAt sql.NullInt64
		createdAt    int64
		updatedAt    int64
	)
	err := row.Scan(&cfg.ID, &cfg.RawRepositoryID, &cfg.Provider, &status, &cfg.Branch,
		&cfg.MaxBuilds, &cfg.SinceDays, &cfg.OnlyWithLogs, &cfg.ExcludeBots, &features,
		&cfg.SyncEnabled, &cfg.BuildsFetched, &cfg.BuildsCompleted, &cfg.BuildsFailed,
		&cfg.LastProcessedIngestionBuildID, &cfg.LastError, &lastSyncedAt,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan repo config: %w", err)
	}
	if err := unmarshalJSON(features, &cfg.Features); err != nil {
		return nil, err
	}
	cfg.Status = ConfigStatus(status)
	cfg.LastSyncedAt = optUnix(lastSyncedAt)
	cfg.CreatedAt = unixTime(createdAt)
	cfg.UpdatedAt = unixTime(updatedAt)
	return &cfg, nil
}

// requireRow converts a zero-row update into ErrNotFound.
func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
