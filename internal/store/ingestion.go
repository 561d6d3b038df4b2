package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	ferrors "github.com/buildlens/buildlens/internal/foundation/errors"
)

// UpsertIngestionBuild inserts the tracking record for one
// (RepoConfig, RawBuildRun) pair. Re-upserting an existing pair returns
// the stored row untouched, so replayed fetch pages never reset
// progress. The second return value reports whether a row was created.
func (s *Store) UpsertIngestionBuild(ctx context.Context, b *IngestionBuild) (int64, bool, error) {
	if b.Status == "" {
		b.Status = IngestionPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		id      int64
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM ingestion_builds WHERE repo_config_id = ? AND raw_build_run_id = ?",
			b.RepoConfigID, b.RawBuildRunID,
		).Scan(&id)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			required, err := marshalJSON(b.RequiredResources)
			if err != nil {
				return err
			}
			resources, err := marshalJSON(b.ResourceStatus)
			if err != nil {
				return err
			}
			ts := now().Unix()
			res, err := tx.ExecContext(ctx, `
				INSERT INTO ingestion_builds
					(repo_config_id, raw_build_run_id, ci_run_id, commit_sha, status,
					 required_resources, resource_status, ingestion_error, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				b.RepoConfigID, b.RawBuildRunID, b.CIRunID, b.CommitSHA,
				string(b.Status), required, resources, b.IngestionError, ts, ts)
			if err != nil {
				return fmt.Errorf("insert ingestion build: %w", err)
			}
			id, err = res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert ingestion build id: %w", err)
			}
			created = true
			return nil

		case err != nil:
			return fmt.Errorf("lookup ingestion build: %w", err)

		default:
			return nil
		}
	})
	if err != nil {
		return 0, false, err
	}
	b.ID = id
	return id, created, nil
}

// GetIngestionBuild returns one tracking record by id.
func (s *Store) GetIngestionBuild(ctx context.Context, id int64) (*IngestionBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanIngestionBuild(s.db.QueryRowContext(ctx,
		ingestionBuildColumns+" WHERE id = ?", id))
}

// GetIngestionBuildByKey returns the record for a business key.
func (s *Store) GetIngestionBuildByKey(ctx context.Context, repoConfigID, rawBuildRunID int64) (*IngestionBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanIngestionBuild(s.db.QueryRowContext(ctx,
		ingestionBuildColumns+" WHERE repo_config_id = ? AND raw_build_run_id = ?",
		repoConfigID, rawBuildRunID))
}

// ListIngestionBuilds returns a config's tracking records in insertion
// order, optionally filtered to the given statuses.
func (s *Store) ListIngestionBuilds(ctx context.Context, repoConfigID int64, statuses ...IngestionStatus) ([]IngestionBuild, error) {
	query := ingestionBuildColumns + " WHERE repo_config_id = ?"
	args := []any{repoConfigID}
	if len(statuses) > 0 {
		placeholders, statusArgs := statusPlaceholders(statuses)
		query += " AND status IN (" + placeholders + ")"
		args = append(args, statusArgs...)
	}
	query += " ORDER BY id"
	return s.listIngestionBuilds(ctx, query, args...)
}

// ListIngestionBuildsAfter returns up to limit records with id greater
// than afterID, in insertion order. Batch processing walks the
// checkpoint through this.
func (s *Store) ListIngestionBuildsAfter(ctx context.Context, repoConfigID, afterID int64, limit int, statuses ...IngestionStatus) ([]IngestionBuild, error) {
	query := ingestionBuildColumns + " WHERE repo_config_id = ? AND id > ?"
	args := []any{repoConfigID, afterID}
	if len(statuses) > 0 {
		placeholders, statusArgs := statusPlaceholders(statuses)
		query += " AND status IN (" + placeholders + ")"
		args = append(args, statusArgs...)
	}
	query += " ORDER BY id"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.listIngestionBuilds(ctx, query, args...)
}

func (s *Store) listIngestionBuilds(ctx context.Context, query string, args ...any) ([]IngestionBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ingestion builds: %w", err)
	}
	defer rows.Close()

	var builds []IngestionBuild
	for rows.Next() {
		b, err := scanIngestionBuildRow(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion builds: %w", err)
	}
	return builds, nil
}

// UpdateIngestionBuildStatus moves one record along the status DAG and
// stamps the matching transition timestamp. Moves the DAG does not
// permit return ErrInvalidTransition; resets to Pending go through
// ResetIngestionBuilds instead.
func (s *Store) UpdateIngestionBuildStatus(ctx context.Context, id int64, next IngestionStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var current string
		err := tx.QueryRowContext(ctx, "SELECT status FROM ingestion_builds WHERE id = ?", id).Scan(&current)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup ingestion build status: %w", err)
		}
		if !IngestionStatus(current).CanTransitionTo(next) {
			return ferrors.WrapError(ErrInvalidTransition, ferrors.CategoryStorage,
				fmt.Sprintf("ingestion build %d: %s -> %s", id, current, next)).Build()
		}

		ts := now().Unix()
		query := "UPDATE ingestion_builds SET status = ?, ingestion_error = ?, updated_at = ?"
		args := []any{string(next), message, ts}
		switch {
		case next == IngestionFetched:
			query += ", fetched_at = ?"
			args = append(args, ts)
		case next == IngestionIngesting:
			query += ", started_at = ?"
			args = append(args, ts)
		case next.IsTerminal():
			query += ", finished_at = ?"
			args = append(args, ts)
		}
		query += " WHERE id = ?"
		args = append(args, id)

		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("update ingestion build status: %w", err)
		}
		return nil
	})
}

// SetRequiredResources records the resource set the feature schedule
// derived for this build and seeds each entry as Pending.
func (s *Store) SetRequiredResources(ctx context.Context, id int64, resources []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	seeded := make(map[string]ResourceStatus, len(resources))
	for _, name := range resources {
		seeded[name] = ResourceStatus{Status: ResourcePending}
	}
	required, err := marshalJSON(resources)
	if err != nil {
		return err
	}
	status, err := marshalJSON(seeded)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx,
		"UPDATE ingestion_builds SET required_resources = ?, resource_status = ?, updated_at = ? WHERE id = ?",
		required, status, now().Unix(), id)
	if err != nil {
		return fmt.Errorf("set required resources: %w", err)
	}
	return requireRow(res)
}

// UpdateResourceStatus replaces one entry of the build's resource map.
func (s *Store) UpdateResourceStatus(ctx context.Context, id int64, resource string, status ResourceStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		var raw []byte
		err := tx.QueryRowContext(ctx, "SELECT resource_status FROM ingestion_builds WHERE id = ?", id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("lookup resource status: %w", err)
		}

		resources := make(map[string]ResourceStatus)
		if err := unmarshalJSON(raw, &resources); err != nil {
			return err
		}
		resources[resource] = status

		updated, err := marshalJSON(resources)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			"UPDATE ingestion_builds SET resource_status = ?, updated_at = ? WHERE id = ?",
			updated, now().Unix(), id); err != nil {
			return fmt.Errorf("update resource status: %w", err)
		}
		return nil
	})
}

// ResetIngestionBuilds flips a config's records in the given statuses
// back to Pending, clearing errors, resource progress and transition
// timestamps. Returns the number of records reset.
func (s *Store) ResetIngestionBuilds(ctx context.Context, repoConfigID int64, from ...IngestionStatus) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	placeholders, statusArgs := statusPlaceholders(from)
	args := []any{string(IngestionPending), now().Unix(), repoConfigID}
	args = append(args, statusArgs...)

	res, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_builds SET
			status = ?, ingestion_error = '', resource_status = NULL,
			fetched_at = NULL, started_at = NULL, finished_at = NULL, updated_at = ?
		WHERE repo_config_id = ? AND status IN (`+placeholders+`)`,
		args...)
	if err != nil {
		return 0, fmt.Errorf("reset ingestion builds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset ingestion builds rows: %w", err)
	}
	return n, nil
}

// FailInFlightIngestion marks every non-terminal record of a config as
// Failed with the given message. Chord error callbacks use this so no
// build stays stuck in Ingesting.
func (s *Store) FailInFlightIngestion(ctx context.Context, repoConfigID int64, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := now().Unix()
	res, err := s.db.ExecContext(ctx, `
		UPDATE ingestion_builds SET
			status = ?, ingestion_error = ?, finished_at = ?, updated_at = ?
		WHERE repo_config_id = ? AND status IN (?, ?, ?)`,
		string(IngestionFailed), message, ts, ts, repoConfigID,
		string(IngestionPending), string(IngestionFetched), string(IngestionIngesting))
	if err != nil {
		return 0, fmt.Errorf("fail in-flight ingestion: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("fail in-flight ingestion rows: %w", err)
	}
	return n, nil
}

// CountIngestionBuilds returns the per-status record counts for a
// config.
func (s *Store) CountIngestionBuilds(ctx context.Context, repoConfigID int64) (map[IngestionStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT status, COUNT(*) FROM ingestion_builds WHERE repo_config_id = ? GROUP BY status",
		repoConfigID)
	if err != nil {
		return nil, fmt.Errorf("count ingestion builds: %w", err)
	}
	defer rows.Close()

	counts := make(map[IngestionStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan ingestion count: %w", err)
		}
		counts[IngestionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ingestion counts: %w", err)
	}
	return counts, nil
}

const ingestionBuildColumns = `
	SELECT id, repo_config_id, raw_build_run_id, ci_run_id, commit_sha, status,
	       required_resources, resource_status, ingestion_error,
	       fetched_at, started_at, finished_at, created_at, updated_at
	FROM ingestion_builds`

func scanIngestionBuild(row *sql.Row) (*IngestionBuild, error) {
	b, err := scanIngestionBuildRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func scanIngestionBuildRow(row rowScanner) (*IngestionBuild, error) {
	var (
		b          IngestionBuild
		status     string
		required   []byte
		resources  []byte
		fetchedAt  sql.NullInt64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)
	err := row.Scan(&b.ID, &b.RepoConfigID, &b.RawBuildRunID, &b.CIRunID, &b.CommitSHA,
		&status, &required, &resources, &b.IngestionError,
		&fetchedAt, &startedAt, &finishedAt, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan ingestion build: %w", err)
	}
	if err := unmarshalJSON(required, &b.RequiredResources); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(resources, &b.ResourceStatus); err != nil {
		return nil, err
	}
	b.Status = IngestionStatus(status)
	b.FetchedAt = optUnix(fetchedAt)
	b.StartedAt = optUnix(startedAt)
	b.FinishedAt = optUnix(finishedAt)
	b.CreatedAt = unixTime(createdAt)
	b.UpdatedAt = unixTime(updatedAt)
	return &b, nil
}
