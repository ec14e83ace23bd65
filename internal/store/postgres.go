package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/podcleaner/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// querier is satisfied by both the pool and a transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// --- Jobs ---

const jobColumns = `id, fingerprint, source_url, stage, retry_counts, artifacts, error_message,
	deadline_at, next_attempt_at, created_at, updated_at`

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.Job) error {
	retryCounts, artifacts, err := marshalJobMaps(job)
	if err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO jobs (id, fingerprint, source_url, stage, version, retry_counts, artifacts, error_message,
		                   deadline_at, next_attempt_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.Fingerprint, job.SourceURL, job.Stage, job.Version(), retryCounts, artifacts,
		job.ErrorMessage, job.DeadlineAt, job.NextAttemptAt, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}

	for i, e := range job.StageHistory {
		if err := insertEntry(ctx, tx, job.ID, i+1, e); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	return getJob(ctx, s.pool, id, false)
}

// AppendTransition locks the job row, checks the caller's expectation and
// writes the new row and its history entry in one transaction.
func (s *PostgresStore) AppendTransition(ctx context.Context, id uuid.UUID, expectedStage models.Stage, expectedVersion int, t Transition) (*models.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin append transition: %w", err)
	}
	defer tx.Rollback(ctx)

	job, err := getJob(ctx, tx, id, true)
	if err != nil {
		return nil, err
	}
	if job.Stage != expectedStage || job.Version() != expectedVersion {
		return nil, ErrConflict
	}
	if err := t.apply(job); err != nil {
		return nil, err
	}

	retryCounts, artifacts, err := marshalJobMaps(job)
	if err != nil {
		return nil, err
	}
	tag, err := tx.Exec(ctx,
		`UPDATE jobs SET stage = $2, version = $3, retry_counts = $4, artifacts = $5, error_message = $6,
		                 deadline_at = $7, next_attempt_at = $8, updated_at = $9
		 WHERE id = $1 AND version = $10`,
		job.ID, job.Stage, job.Version(), retryCounts, artifacts, job.ErrorMessage,
		job.DeadlineAt, job.NextAttemptAt, job.UpdatedAt, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrConflict
	}

	if err := insertEntry(ctx, tx, job.ID, job.Version(), job.StageHistory[len(job.StageHistory)-1]); err != nil {
		if isDuplicateKeyError(err) {
			return nil, ErrConflict
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit append transition: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ListDueJobs(ctx context.Context, f DueFilter) ([]*models.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	rest := make([]string, len(f.RestStages))
	for i, st := range f.RestStages {
		rest[i] = string(st)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM jobs
		 WHERE deadline_at <= $1
		    OR next_attempt_at <= $1
		    OR (stage = ANY($2) AND updated_at < $3)
		 ORDER BY updated_at
		 LIMIT $4`,
		f.Now, rest, f.StalledBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("scan due jobs: %w", err)
	}

	jobs := make([]*models.Job, 0, len(ids))
	for _, id := range ids {
		job, err := s.GetJob(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func getJob(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*models.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}

	var (
		job                    models.Job
		retryCounts, artifacts []byte
	)
	err := q.QueryRow(ctx, query, id).Scan(&job.ID, &job.Fingerprint, &job.SourceURL, &job.Stage,
		&retryCounts, &artifacts, &job.ErrorMessage, &job.DeadlineAt, &job.NextAttemptAt,
		&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if err := json.Unmarshal(retryCounts, &job.RetryCounts); err != nil {
		return nil, fmt.Errorf("decode retry counts: %w", err)
	}
	if err := json.Unmarshal(artifacts, &job.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts: %w", err)
	}

	rows, err := q.Query(ctx,
		`SELECT stage, outcome, subject, attempt, artifact_ref, error_message, recorded_at
		 FROM job_stage_history WHERE job_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, fmt.Errorf("get stage history: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var e models.StageEntry
		if err := rows.Scan(&e.Stage, &e.Outcome, &e.Subject, &e.Attempt, &e.ArtifactRef, &e.Error, &e.At); err != nil {
			return nil, fmt.Errorf("scan stage entry: %w", err)
		}
		job.StageHistory = append(job.StageHistory, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read stage history: %w", err)
	}
	return &job, nil
}

func insertEntry(ctx context.Context, q querier, jobID uuid.UUID, seq int, e models.StageEntry) error {
	_, err := q.Exec(ctx,
		`INSERT INTO job_stage_history (job_id, seq, stage, outcome, subject, attempt, artifact_ref, error_message, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		jobID, seq, e.Stage, e.Outcome, e.Subject, e.Attempt, e.ArtifactRef, e.Error, e.At)
	if err != nil {
		return fmt.Errorf("insert stage entry: %w", err)
	}
	return nil
}

func marshalJobMaps(job *models.Job) (retryCounts, artifacts []byte, err error) {
	counts := job.RetryCounts
	if counts == nil {
		counts = map[models.Stage]int{}
	}
	arts := job.Artifacts
	if arts == nil {
		arts = map[models.Stage]string{}
	}
	if retryCounts, err = json.Marshal(counts); err != nil {
		return nil, nil, fmt.Errorf("encode retry counts: %w", err)
	}
	if artifacts, err = json.Marshal(arts); err != nil {
		return nil, nil, fmt.Errorf("encode artifacts: %w", err)
	}
	return retryCounts, artifacts, nil
}

// --- API Keys ---

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		key.ID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at
		 FROM api_keys WHERE deleted_at IS NULL ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND deleted_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()

	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
