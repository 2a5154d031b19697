package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/livability/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS jobs (
	id            TEXT PRIMARY KEY,
	address       TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'queued',
	current_stage TEXT NOT NULL DEFAULT '',
	result_ref    TEXT NOT NULL DEFAULT '',
	error         TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL,
	started_at    DATETIME,
	updated_at    DATETIME,
	completed_at  DATETIME
);

CREATE TABLE IF NOT EXISTS evaluation_results (
	id         TEXT PRIMARY KEY,
	job_id     TEXT NOT NULL REFERENCES jobs(id),
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at);
CREATE INDEX IF NOT EXISTS idx_results_job_id ON evaluation_results(job_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateJob(ctx context.Context, address string) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, address, status, created_at) VALUES (?, ?, ?, ?)`,
		id, address, string(model.JobStatusQueued), now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
	}

	return &model.Job{
		ID:        id,
		Address:   address,
		Status:    model.JobStatusQueued,
		CreatedAt: now,
	}, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, address, status, current_stage, result_ref, error, created_at, started_at, completed_at
		 FROM jobs WHERE id = ?`,
		jobID,
	)
	return scanJob(row)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, address, status, current_stage, result_ref, error, created_at, started_at, completed_at
	          FROM jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

// ClaimNextJob selects the oldest queued job and transitions it to running
// with a conditional update. If another worker wins the race on a candidate,
// the next candidate is tried; (nil, nil) means no queued job exists.
func (s *SQLiteStore) ClaimNextJob(ctx context.Context) (*model.Job, error) {
	for {
		var id string
		err := s.db.QueryRowContext(ctx,
			`SELECT id FROM jobs WHERE status = ? ORDER BY created_at LIMIT 1`,
			string(model.JobStatusQueued),
		).Scan(&id)
		if err == sql.ErrNoRows {
			return nil, nil
		}
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: select claim candidate")
		}

		now := time.Now().UTC()
		res, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET status = ?, started_at = ?, updated_at = ?, current_stage = '', error = ''
			 WHERE id = ? AND status = ?`,
			string(model.JobStatusRunning), now, now, id, string(model.JobStatusQueued),
		)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: claim job %s", id)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: claim rows affected")
		}
		if n == 0 {
			// Lost the race on this candidate; try the next one.
			continue
		}
		return s.GetJob(ctx, id)
	}
}

func (s *SQLiteStore) UpdateStage(ctx context.Context, jobID, stage string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET current_stage = ?, updated_at = ? WHERE id = ?`,
		stage, time.Now().UTC(), jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update stage %s", jobID)
	}
	return checkRowsAffected(res, "job", jobID)
}

func (s *SQLiteStore) CompleteJob(ctx context.Context, jobID, resultRef string) error {
	return s.finishJob(ctx, jobID, model.JobStatusDone, resultRef, "")
}

func (s *SQLiteStore) FailJob(ctx context.Context, jobID, errMsg string) error {
	return s.finishJob(ctx, jobID, model.JobStatusFailed, "", errMsg)
}

// finishJob transitions running -> done|failed with a conditional update,
// returning ErrInvalidTransition if the job is not currently running.
func (s *SQLiteStore) finishJob(ctx context.Context, jobID string, status model.JobStatus, resultRef, errMsg string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, result_ref = ?, error = ?, current_stage = '', completed_at = ?
		 WHERE id = ? AND status = ?`,
		string(status), resultRef, errMsg, now, jobID, string(model.JobStatusRunning),
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish job %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: finish rows affected")
	}
	if n == 0 {
		if _, getErr := s.GetJob(ctx, jobID); getErr != nil {
			return getErr
		}
		return ErrInvalidTransition
	}
	return nil
}

// RequeueStaleJobs resets running jobs that have made no progress since the
// threshold back to queued. Staleness keys on updated_at, which claims and
// stage transitions bump, so a long-running job that is still reporting
// stages is never taken away from its worker. The conditional update uses
// the same discipline as claims, so a job can only be requeued once per
// staleness window.
func (s *SQLiteStore) RequeueStaleJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, started_at = NULL, updated_at = NULL, current_stage = ''
		 WHERE status = ? AND COALESCE(updated_at, started_at) <= ?`,
		string(model.JobStatusQueued), string(model.JobStatusRunning), cutoff,
	)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: requeue stale jobs")
	}
	n, err := res.RowsAffected()
	return int(n), eris.Wrap(err, "sqlite: requeue rows affected")
}

func (s *SQLiteStore) SaveResult(ctx context.Context, result *model.EvaluationResult) (string, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	result.CreatedAt = now

	payload, err := json.Marshal(result)
	if err != nil {
		return "", eris.Wrap(err, "sqlite: marshal result")
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO evaluation_results (id, job_id, payload, created_at) VALUES (?, ?, ?, ?)`,
		id, result.JobID, string(payload), now,
	)
	if err != nil {
		return "", eris.Wrapf(err, "sqlite: insert result for job %s", result.JobID)
	}
	return id, nil
}

func (s *SQLiteStore) GetResult(ctx context.Context, resultRef string) (*model.EvaluationResult, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM evaluation_results WHERE id = ?`,
		resultRef,
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, eris.Errorf("result not found: %s", resultRef)
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: get result")
	}

	var result model.EvaluationResult
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal result")
	}
	return &result, nil
}

// helpers

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Errorf("%s not found: %s", entity, id)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanJob(row scannable) (*model.Job, error) {
	var j model.Job
	var started, completed sql.NullTime

	err := row.Scan(&j.ID, &j.Address, &j.Status, &j.CurrentStage, &j.ResultRef, &j.Error,
		&j.CreatedAt, &started, &completed)
	if err == sql.ErrNoRows {
		return nil, eris.New("job not found")
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan job")
	}

	if started.Valid {
		t := started.Time
		j.StartedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	return &j, nil
}
