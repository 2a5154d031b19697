package store

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/livability/internal/model"
)

// Pool is the subset of pgxpool.Pool the store uses; pgxmock satisfies it.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore implements Store using pgxpool. It supports multiple worker
// processes sharing one database; claims use FOR UPDATE SKIP LOCKED.
type PostgresStore struct {
	pool Pool
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}
	pgxCfg.MaxConns = 10
	pgxCfg.MinConns = 2
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	address       TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'queued',
	current_stage TEXT NOT NULL DEFAULT '',
	result_ref    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	started_at    TIMESTAMPTZ,
	updated_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS evaluation_results (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_results_job_id ON evaluation_results(job_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, address string) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, address, status, created_at) VALUES ($1, $2, $3, $4)`,
		id, address, string(model.JobStatusQueued), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	return &model.Job{
		ID:        id,
		Address:   address,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
	}, nil
}

const jobColumns = `id, address, status, current_stage, result_ref, error, created_at, started_at, completed_at`

func (s *PostgresStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`,
		jobID,
	)
	j, err := scanPgJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("postgres: get job: job not found: %s", jobID)
	}
	return j, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs`
	var args []any

	if filter.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += ` LIMIT $` + strconv.Itoa(len(args))

	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += ` OFFSET $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

// ClaimNextJob claims the oldest queued job inside a transaction. SKIP LOCKED
// lets concurrent workers each grab a different row without blocking.
func (s *PostgresStore) ClaimNextJob(ctx context.Context) (*model.Job, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: begin claim tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	err = tx.QueryRow(ctx,
		`SELECT id FROM jobs WHERE status = $1 ORDER BY created_at LIMIT 1 FOR UPDATE SKIP LOCKED`,
		string(model.JobStatusQueued),
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: select claim candidate")
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE jobs SET status = $1, started_at = $2, updated_at = $2, current_stage = '', error = ''
		 WHERE id = $3 AND status = $4`,
		string(model.JobStatusRunning), now, id, string(model.JobStatusQueued),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: claim job %s", id)
	}
	if tag.RowsAffected() == 0 {
		return nil, nil
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, eris.Wrap(err, "postgres: commit claim")
	}

	return s.GetJob(ctx, id)
}

func (s *PostgresStore) UpdateStage(ctx context.Context, jobID, stage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET current_stage = $1, updated_at = $2 WHERE id = $3`,
		stage, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update stage %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("job not found: %s", jobID)
	}
	return nil
}

func (s *PostgresStore) CompleteJob(ctx context.Context, jobID, resultRef string) error {
	return s.finishJob(ctx, jobID, model.JobStatusDone, resultRef, "")
}

func (s *PostgresStore) FailJob(ctx context.Context, jobID, errMsg string) error {
	return s.finishJob(ctx, jobID, model.JobStatusFailed, "", errMsg)
}

func (s *PostgresStore) finishJob(ctx context.Context, jobID string, status model.JobStatus, resultRef, errMsg string) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, result_ref = $2, error = $3, current_stage = '', completed_at = $4
		 WHERE id = $5 AND status = $6`,
		string(status), resultRef, errMsg, now, jobID, string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish job %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return ErrInvalidTransition
	}
	return nil
}

// RequeueStaleJobs keys staleness on updated_at (bumped by claims and stage
// transitions), so a job that is still reporting progress is never requeued.
func (s *PostgresStore) RequeueStaleJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $1, started_at = NULL, updated_at = NULL, current_stage = ''
		 WHERE status = $2 AND COALESCE(updated_at, started_at) <= $3`,
		string(model.JobStatusQueued), string(model.JobStatusRunning), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "postgres: requeue stale jobs")
	}
	return int(tag.RowsAffected()), nil
}

func (s *PostgresStore) SaveResult(ctx context.Context, result *model.EvaluationResult) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	result.CreatedAt = now

	payload, err := json.Marshal(result)
	if err != nil {
		return "", eris.Wrap(err, "postgres: marshal result")
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO evaluation_results (id, job_id, payload, created_at) VALUES ($1, $2, $3, $4)`,
		id, result.JobID, payload, now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "postgres: insert result for job %s", result.JobID)
	}
	return id, nil
}

func (s *PostgresStore) GetResult(ctx context.Context, resultRef string) (*model.EvaluationResult, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM evaluation_results WHERE id = $1`,
		resultRef,
	).Scan(&payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Errorf("result not found: %s", resultRef)
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: get result")
	}

	var result model.EvaluationResult
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal result")
	}
	return &result, nil
}

func scanPgJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var started, completed *time.Time

	err := row.Scan(&j.ID, &j.Address, &j.Status, &j.CurrentStage, &j.ResultRef, &j.Error,
		&j.CreatedAt, &started, &completed)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan job")
	}

	j.StartedAt = started
	j.CompletedAt = completed
	return &j, nil
}
