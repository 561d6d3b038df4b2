package store

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ExtractionResult is the persisted outcome of one feature extraction
// run over a single build.
type ExtractionResult struct {
	Status           ExtractionStatus
	Features         map[string]any
	MissingResources []string
	SkippedFeatures  []string
	Error            string
}

// UpsertTrainingBuild inserts the result record for one
// (RepoConfig, RawBuildRun) pair. An existing pair is returned
// untouched so redispatched processing never clobbers recorded
// results. The second return value reports whether a row was created.
func (s *Store) UpsertTrainingBuild(ctx context.Context, b *TrainingBuild) (int64, bool, error) {
	if b.ExtractionStatus == "" {
		b.ExtractionStatus = ExtractionPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		id      int64
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx,
			"SELECT id FROM training_builds WHERE repo_config_id = ? AND raw_build_run_id = ?",
			b.RepoConfigID, b.RawBuildRunID,
		).Scan(&id)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			features, err := marshalJSON(b.Features)
			if err != nil {
				return err
			}
			missing, err := marshalJSON(b.MissingResources)
			if err != nil {
				return err
			}
			skipped, err := marshalJSON(b.SkippedFeatures)
			if err != nil {
				return err
			}
			ts := now().Unix()
			res, err := tx.ExecContext(ctx, `
				INSERT INTO training_builds
					(repo_config_id, raw_build_run_id, ingestion_build_id, extraction_status,
					 features, feature_count, missing_resources, skipped_features,
					 extraction_error, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				b.RepoConfigID, b.RawBuildRunID, b.IngestionBuildID, string(b.ExtractionStatus),
				features, countFeatures(b.Features), missing, skipped,
				b.ExtractionError, ts, ts)
			if err != nil {
				return fmt.Errorf("insert training build: %w", err)
			}
			id, err = res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert training build id: %w", err)
			}
			created = true
			return nil

		case err != nil:
			return fmt.Errorf("lookup training build: %w", err)

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

// GetTrainingBuild returns one result record by id.
func (s *Store) GetTrainingBuild(ctx context.Context, id int64) (*TrainingBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanTrainingBuild(s.db.QueryRowContext(ctx,
		trainingBuildColumns+" WHERE id = ?", id))
}

// GetTrainingBuildByKey returns the record for a business key.
func (s *Store) GetTrainingBuildByKey(ctx context.Context, repoConfigID, rawBuildRunID int64) (*TrainingBuild, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return scanTrainingBuild(s.db.QueryRowContext(ctx,
		trainingBuildColumns+" WHERE repo_config_id = ? AND raw_build_run_id = ?",
		repoConfigID, rawBuildRunID))
}

// ListTrainingBuilds returns a config's result records in insertion
// order, optionally filtered to the given extraction statuses.
func (s *Store) ListTrainingBuilds(ctx context.Context, repoConfigID int64, statuses ...ExtractionStatus) ([]TrainingBuild, error) {
	query := trainingBuildColumns + " WHERE repo_config_id = ?"
	args := []any{repoConfigID}
	if len(statuses) > 0 {
		placeholders, statusArgs := statusPlaceholders(statuses)
		query += " AND extraction_status IN (" + placeholders + ")"
		args = append(args, statusArgs...)
	}
	query += " ORDER BY id"

	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query training builds: %w", err)
	}
	defer rows.Close()

	var builds []TrainingBuild
	for rows.Next() {
		b, err := scanTrainingBuildRow(rows)
		if err != nil {
			return nil, err
		}
		builds = append(builds, *b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate training builds: %w", err)
	}
	return builds, nil
}

// RecordExtractionResult writes the outcome of a feature run onto the
// record. The stored feature count is the number of non-null entries
// in the feature map.
func (s *Store) RecordExtractionResult(ctx context.Context, id int64, result ExtractionResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	features, err := marshalJSON(result.Features)
	if err != nil {
		return err
	}
	missing, err := marshalJSON(result.MissingResources)
	if err != nil {
		return err
	}
	skipped, err := marshalJSON(result.SkippedFeatures)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE training_builds SET
			extraction_status = ?, features = ?, feature_count = ?,
			missing_resources = ?, skipped_features = ?, extraction_error = ?, updated_at = ?
		WHERE id = ?`,
		string(result.Status), features, countFeatures(result.Features),
		missing, skipped, result.Error, now().Unix(), id)
	if err != nil {
		return fmt.Errorf("record extraction result: %w", err)
	}
	return requireRow(res)
}

// UpdatePrediction attaches a model prediction to the record.
func (s *Store) UpdatePrediction(ctx context.Context, id int64, label string, confidence, uncertainty float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE training_builds SET
			predicted_label = ?, prediction_confidence = ?, prediction_uncertainty = ?, updated_at = ?
		WHERE id = ?`,
		label, confidence, uncertainty, now().Unix(), id)
	if err != nil {
		return fmt.Errorf("update prediction: %w", err)
	}
	return requireRow(res)
}

// ResetFailedTrainingBuilds flips a config's Failed records back to
// Pending and clears prior results so reprocessing starts clean.
// Returns the number of records reset.
func (s *Store) ResetFailedTrainingBuilds(ctx context.Context, repoConfigID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE training_builds SET
			extraction_status = ?, features = NULL, feature_count = 0,
			missing_resources = NULL, skipped_features = NULL, extraction_error = '', updated_at = ?
		WHERE repo_config_id = ? AND extraction_status = ?`,
		string(ExtractionPending), now().Unix(), repoConfigID, string(ExtractionFailed))
	if err != nil {
		return 0, fmt.Errorf("reset failed training builds: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reset failed training builds rows: %w", err)
	}
	return n, nil
}

// MarkInFlightProcessingPartial marks a config's Pending records as
// Partial with the given message. Chord error callbacks use this so no
// build stays stuck in Processing.
func (s *Store) MarkInFlightProcessingPartial(ctx context.Context, repoConfigID int64, message string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx, `
		UPDATE training_builds SET extraction_status = ?, extraction_error = ?, updated_at = ?
		WHERE repo_config_id = ? AND extraction_status = ?`,
		string(ExtractionPartial), message, now().Unix(),
		repoConfigID, string(ExtractionPending))
	if err != nil {
		return 0, fmt.Errorf("mark in-flight processing partial: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("mark in-flight processing rows: %w", err)
	}
	return n, nil
}

// CountTrainingBuilds returns the per-status record counts for a
// config.
func (s *Store) CountTrainingBuilds(ctx context.Context, repoConfigID int64) (map[ExtractionStatus]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx,
		"SELECT extraction_status, COUNT(*) FROM training_builds WHERE repo_config_id = ? GROUP BY extraction_status",
		repoConfigID)
	if err != nil {
		return nil, fmt.Errorf("count training builds: %w", err)
	}
	defer rows.Close()

	counts := make(map[ExtractionStatus]int64)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan training count: %w", err)
		}
		counts[ExtractionStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate training counts: %w", err)
	}
	return counts, nil
}

// unmarshalFeatures restores a stored feature map. Plain decoding would
// hand every number back as float64; values written as int64 keep that
// representation across the round trip.
func unmarshalFeatures(data []byte, out *map[string]any) error {
	if len(data) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var m map[string]any
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("unmarshal feature column: %w", err)
	}
	for k, v := range m {
		m[k] = restoreNumbers(v)
	}
	*out = m
	return nil
}

func restoreNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return i
		}
		f, _ := t.Float64()
		return f
	case []any:
		for i := range t {
			t[i] = restoreNumbers(t[i])
		}
	case map[string]any:
		for k := range t {
			t[k] = restoreNumbers(t[k])
		}
	}
	return v
}

// countFeatures returns the number of non-null entries in a feature
// map.
func countFeatures(features map[string]any) int64 {
	var n int64
	for _, v := range features {
		if v != nil {
			n++
		}
	}
	return n
}

const trainingBuildColumns = `
	SELECT id, repo_config_id, raw_build_run_id, ingestion_build_id, extraction_status,
	       features, feature_count, missing_resources, skipped_features, extraction_error,
	       predicted_label, prediction_confidence, prediction_uncertainty,
	       created_at, updated_at
	FROM training_builds`

func scanTrainingBuild(row *sql.Row) (*TrainingBuild, error) {
	b, err := scanTrainingBuildRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return b, err
}

func scanTrainingBuildRow(row rowScanner) (*TrainingBuild, error) {
	var (
		b           TrainingBuild
		status      string
		features    []byte
		missing     []byte
		skipped     []byte
		label       sql.NullString
		confidence  sql.NullFloat64
		uncertainty sql.NullFloat64
		createdAt   int64
		updatedAt   int64
	)
	err := row.Scan(&b.ID, &b.RepoConfigID, &b.RawBuildRunID, &b.IngestionBuildID, &status,
		&features, &b.FeatureCount, &missing, &skipped, &b.ExtractionError,
		&label, &confidence, &uncertainty, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan training build: %w", err)
	}
	if err := unmarshalFeatures(features, &b.Features); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(missing, &b.MissingResources); err != nil {
		return nil, err
	}
	if err := unmarshalJSON(skipped, &b.SkippedFeatures); err != nil {
		return nil, err
	}
	b.ExtractionStatus = ExtractionStatus(status)
	b.PredictedLabel = optString(label)
	b.PredictionConfidence = optFloat(confidence)
	b.PredictionUncertainty = optFloat(uncertainty)
	b.CreatedAt = unixTime(createdAt)
	b.UpdatedAt = unixTime(updatedAt)
	return &b, nil
}

// InsertFeatureAuditLog stores the node-level trace of one extraction
// run.
func (s *Store) InsertFeatureAuditLog(ctx context.Context, log *FeatureAuditLog) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results, err := marshalJSON(log.NodeResults)
	if err != nil {
		return 0, err
	}
	ts := now().Unix()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO feature_audit_logs
			(correlation_id, repo_config_id, raw_build_run_id, node_results,
			 nodes_succeeded, nodes_failed, nodes_skipped, total_retries, final_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.CorrelationID, log.RepoConfigID, log.RawBuildRunID, results,
		log.NodesSucceeded, log.NodesFailed, log.NodesSkipped, log.TotalRetries,
		string(log.FinalStatus), ts)
	if err != nil {
		return 0, fmt.Errorf("insert feature audit log: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("insert feature audit log id: %w", err)
	}
	log.ID = id
	log.CreatedAt = unixTime(ts)
	return id, nil
}

// ListFeatureAuditLogsByBuild returns every audit trace recorded for a
// raw build run, oldest first.
func (s *Store) ListFeatureAuditLogsByBuild(ctx context.Context, rawBuildRunID int64) ([]FeatureAuditLog, error) {
	return s.listFeatureAuditLogs(ctx,
		featureAuditLogColumns+" WHERE raw_build_run_id = ? ORDER BY id", rawBuildRunID)
}

// GetFeatureAuditLogByCorrelation returns the audit trace for one
// extraction run.
func (s *Store) GetFeatureAuditLogByCorrelation(ctx context.Context, correlationID string) (*FeatureAuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	l, err := scanFeatureAuditLogRow(s.db.QueryRowContext(ctx,
		featureAuditLogColumns+" WHERE correlation_id = ?", correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

func (s *Store) listFeatureAuditLogs(ctx context.Context, query string, args ...any) ([]FeatureAuditLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query feature audit logs: %w", err)
	}
	defer rows.Close()

	var logs []FeatureAuditLog
	for rows.Next() {
		l, err := scanFeatureAuditLogRow(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feature audit logs: %w", err)
	}
	return logs, nil
}

const featureAuditLogColumns = `
	SELECT id, correlation_id, repo_config_id, raw_build_run_id, node_results,
	       nodes_succeeded, nodes_failed, nodes_skipped, total_retries, final_status, created_at
	FROM feature_audit_logs`

func scanFeatureAuditLogRow(row rowScanner) (*FeatureAuditLog, error) {
	var (
		l         FeatureAuditLog
		results   []byte
		status    string
		createdAt int64
	)
	err := row.Scan(&l.ID, &l.CorrelationID, &l.RepoConfigID, &l.RawBuildRunID, &results,
		&l.NodesSucceeded, &l.NodesFailed, &l.NodesSkipped, &l.TotalRetries, &status, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan feature audit log: %w", err)
	}
	if err := unmarshalJSON(results, &l.NodeResults); err != nil {
		return nil, err
	}
	l.FinalStatus = ExtractionStatus(status)
	l.CreatedAt = unixTime(createdAt)
	return &l, nil
}
