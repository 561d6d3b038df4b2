package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// buildStatusCompleted matches ci.StatusCompleted; runs in this status
// are immutable.
const buildStatusCompleted = "completed"

// UpsertRawRepository inserts the repository or refreshes its metadata
// when the full name is already known. Returns the row id.
func (s *Store) UpsertRawRepository(ctx context.Context, repo *RawRepository) (int64, error) {
	if err := repo.Validate().ToError(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	languageBytes, err := marshalJSON(repo.LanguageBytes)
	if err != nil {
		return 0, err
	}

	ts := now().Unix()
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO raw_repositories
			(full_name, provider, provider_repo_id, default_branch, private, primary_language, language_bytes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(full_name) DO UPDATE SET
			provider_repo_id = excluded.provider_repo_id,
			default_branch = excluded.default_branch,
			private = excluded.private,
			primary_language = excluded.primary_language,
			language_bytes = excluded.language_bytes,
			updated_at = excluded.updated_at
		RETURNING id`,
		repo.FullName, repo.Provider, repo.ProviderRepoID, repo.DefaultBranch,
		repo.Private, repo.PrimaryLanguage, languageBytes, ts, ts,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert raw repository: %w", err)
	}
	repo.ID = id
	return id, nil
}

// GetRawRepository returns the repository by id.
func (s *Store) GetRawRepository(ctx context.Context, id int64) (*RawRepository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanRawRepository(s.db.QueryRowContext(ctx,
		rawRepositoryColumns+" WHERE id = ?", id))
}

// GetRawRepositoryByFullName returns the repository by its unique name.
func (s *Store) GetRawRepositoryByFullName(ctx context.Context, fullName string) (*RawRepository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanRawRepository(s.db.QueryRowContext(ctx,
		rawRepositoryColumns+" WHERE full_name = ?", fullName))
}

const rawRepositoryColumns = `
	SELECT id, full_name, provider, provider_repo_id, default_branch, private,
	       primary_language, language_bytes, created_at, updated_at
	FROM raw_repositories`

func (s *Store) scanRawRepository(row *sql.Row) (*RawRepository, error) {
	var (
		repo          RawRepository
		languageBytes []byte
		createdAt     int64
		updatedAt     int64
	)
	err := row.Scan(&repo.ID, &repo.FullName, &repo.Provider, &repo.ProviderRepoID,
		&repo.DefaultBranch, &repo.Private, &repo.PrimaryLanguage, &languageBytes,
		&createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan raw repository: %w", err)
	}
	if err := unmarshalJSON(languageBytes, &repo.LanguageBytes); err != nil {
		return nil, err
	}
	repo.CreatedAt = unixTime(createdAt)
	repo.UpdatedAt = unixTime(updatedAt)
	return &repo, nil
}

// UpsertRawBuildRun inserts or refreshes one observed CI run. Runs that
// already reached completed status are immutable and left untouched.
// The second return value reports whether a new row was created.
func (s *Store) UpsertRawBuildRun(ctx context.Context, run *RawBuildRun) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		id      int64
		created bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var existingStatus string
		err := tx.QueryRowContext(ctx,
			"SELECT id, status FROM raw_build_runs WHERE raw_repository_id = ? AND provider = ? AND provider_build_id = ?",
			run.RawRepositoryID, run.Provider, run.ProviderBuildID,
		).Scan(&id, &existingStatus)

		switch {
		case errors.Is(err, sql.ErrNoRows):
			ts := now().Unix()
			res, err := tx.ExecContext(ctx, `
				INSERT INTO raw_build_runs
					(raw_repository_id, provider, provider_build_id, number, commit_sha, branch,
					 status, conclusion, event, author_name, is_bot_commit, is_fork, head_repo_slug,
					 web_url, run_created_at, run_started_at, run_finished_at, raw_payload,
					 created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				run.RawRepositoryID, run.Provider, run.ProviderBuildID, run.Number,
				run.CommitSHA, run.Branch, run.Status, run.Conclusion, run.Event,
				run.AuthorName, run.IsBotCommit, run.IsFork, run.HeadRepoSlug, run.WebURL,
				unixOrNil(run.RunCreatedAt), unixOrNil(run.RunStartedAt), unixOrNil(run.RunFinishedAt),
				run.RawPayload, ts, ts)
			if err != nil {
				return fmt.Errorf("insert raw build run: %w", err)
			}
			id, err = res.LastInsertId()
			if err != nil {
				return fmt.Errorf("insert raw build run id: %w", err)
			}
			created = true
			return nil

		case err != nil:
			return fmt.Errorf("lookup raw build run: %w", err)

		case existingStatus == buildStatusCompleted:
			// Completed runs never change.
			return nil

		default:
			_, err := tx.ExecContext(ctx, `
				UPDATE raw_build_runs SET
					number = ?, commit_sha = ?, branch = ?, status = ?, conclusion = ?,
					event = ?, author_name = ?, is_bot_commit = ?, is_fork = ?,
					head_repo_slug = ?, web_url = ?, run_created_at = ?, run_started_at = ?,
					run_finished_at = ?, raw_payload = ?, updated_at = ?
				WHERE id = ?`,
				run.Number, run.CommitSHA, run.Branch, run.Status, run.Conclusion,
				run.Event, run.AuthorName, run.IsBotCommit, run.IsFork,
				run.HeadRepoSlug, run.WebURL, unixOrNil(run.RunCreatedAt),
				unixOrNil(run.RunStartedAt), unixOrNil(run.RunFinishedAt),
				run.RawPayload, now().Unix(), id)
			if err != nil {
				return fmt.Errorf("update raw build run: %w", err)
			}
			return nil
		}
	})
	if err != nil {
		return 0, false, err
	}
	run.ID = id
	return id, created, nil
}

// GetRawBuildRun returns one run by id.
func (s *Store) GetRawBuildRun(ctx context.Context, id int64) (*RawBuildRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanRawBuildRun(s.db.QueryRowContext(ctx,
		rawBuildRunColumns+" WHERE id = ?", id))
}

// GetRawBuildRunByProviderID returns one run by its provider identity.
func (s *Store) GetRawBuildRunByProviderID(ctx context.Context, rawRepositoryID int64, provider string, providerBuildID int64) (*RawBuildRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scanRawBuildRun(s.db.QueryRowContext(ctx,
		rawBuildRunColumns+" WHERE raw_repository_id = ? AND provider = ? AND provider_build_id = ?",
		rawRepositoryID, provider, providerBuildID))
}

// ExistingProviderBuildIDs reports which of the given provider build ids
// are already stored for the repo. Sync-until-existing stops on a page
// where every id is present.
func (s *Store) ExistingProviderBuildIDs(ctx context.Context, rawRepositoryID int64, provider string, ids []int64) (map[int64]bool, error) {
	existing := make(map[int64]bool, len(ids))
	if len(ids) == 0 {
		return existing, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(ids)), ", ")
	args := make([]any, 0, len(ids)+2)
	args = append(args, rawRepositoryID, provider)
	for _, id := range ids {
		args = append(args, id)
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT provider_build_id FROM raw_build_runs WHERE raw_repository_id = ? AND provider = ? AND provider_build_id IN ("+placeholders+")",
		args...)
	if err != nil {
		return nil, fmt.Errorf("query existing build ids: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan build id: %w", err)
		}
		existing[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate build ids: %w", err)
	}
	return existing, nil
}

// ListBuildRunRefs returns the slim commit/build projection for a repo,
// oldest first. Extractors use it to find previously built commits.
func (s *Store) ListBuildRunRefs(ctx context.Context, rawRepositoryID int64, provider string) ([]BuildRunRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, provider_build_id, number, commit_sha, conclusion, run_created_at
		FROM raw_build_runs
		WHERE raw_repository_id = ? AND provider = ?
		ORDER BY id`,
		rawRepositoryID, provider)
	if err != nil {
		return nil, fmt.Errorf("query build run refs: %w", err)
	}
	defer rows.Close()

	var refs []BuildRunRef
	for rows.Next() {
		var (
			ref       BuildRunRef
			createdAt sql.NullInt64
		)
		if err := rows.Scan(&ref.ID, &ref.ProviderBuildID, &ref.Number, &ref.CommitSHA, &ref.Conclusion, &createdAt); err != nil {
			return nil, fmt.Errorf("scan build run ref: %w", err)
		}
		ref.RunCreatedAt = optUnix(createdAt)
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate build run refs: %w", err)
	}
	return refs, nil
}

const rawBuildRunColumns = `
	SELECT id, raw_repository_id, provider, provider_build_id, number, commit_sha,
	       branch, status, conclusion, event, author_name, is_bot_commit, is_fork,
	       head_repo_slug, web_url, run_created_at, run_started_at, run_finished_at,
	       raw_payload, created_at, updated_at
	FROM raw_build_runs`

func (s *Store) scanRawBuildRun(row *sql.Row) (*RawBuildRun, error) {
	var (
		run        RawBuildRun
		createdAt  sql.NullInt64
		startedAt  sql.NullInt64
		finishedAt sql.NullInt64
		insertedAt int64
		updatedAt  int64
	)
	err := row.Scan(&run.ID, &run.RawRepositoryID, &run.Provider, &run.ProviderBuildID,
		&run.Number, &run.CommitSHA, &run.Branch, &run.Status, &run.Conclusion,
		&run.Event, &run.AuthorName, &run.IsBotCommit, &run.IsFork, &run.HeadRepoSlug,
		&run.WebURL, &createdAt, &startedAt, &finishedAt, &run.RawPayload,
		&insertedAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan raw build run: %w", err)
	}
	run.RunCreatedAt = optUnix(createdAt)
	run.RunStartedAt = optUnix(startedAt)
	run.RunFinishedAt = optUnix(finishedAt)
	run.CreatedAt = unixTime(insertedAt)
	run.UpdatedAt = unixTime(updatedAt)
	return &run, nil
}
