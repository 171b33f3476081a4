// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package postgres is the Postgres-backed Store implementation, using
// database/sql and lib/pq the way src/main.go and
// src/processor/task-processing.go use them in the teacher, extended
// with the jobs/telemetry/audit_records schema from
// original_source/orchestrator/database.py.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"icarus/internal/model"
	"icarus/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS jobs (
	job_id             TEXT PRIMARY KEY,
	task               TEXT NOT NULL,
	project_path       TEXT NOT NULL,
	phase              TEXT NOT NULL DEFAULT '',
	project_id         TEXT NOT NULL DEFAULT '',
	status             TEXT NOT NULL,
	builder_sandbox_id TEXT NOT NULL DEFAULT '',
	checker_sandbox_id TEXT NOT NULL DEFAULT '',
	created_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	error_message      TEXT NOT NULL DEFAULT '',
	review_comment     TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS telemetry_samples (
	id           BIGSERIAL PRIMARY KEY,
	job_id       TEXT NOT NULL,
	timestamp    TIMESTAMPTZ NOT NULL,
	cpu_percent  DOUBLE PRECISION NOT NULL,
	ram_mb       DOUBLE PRECISION NOT NULL,
	current_tool TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_telemetry_job_id_ts ON telemetry_samples(job_id, timestamp DESC);

CREATE TABLE IF NOT EXISTS audit_records (
	job_id     TEXT PRIMARY KEY,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE OR REPLACE FUNCTION icarus_notify_job_change() RETURNS trigger AS $$
BEGIN
	PERFORM pg_notify('jobs_updated', NEW.job_id);
	RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS icarus_jobs_notify ON jobs;
CREATE TRIGGER icarus_jobs_notify
	AFTER INSERT OR UPDATE ON jobs
	FOR EACH ROW EXECUTE FUNCTION icarus_notify_job_change();
`

// Store is the Postgres-backed store.Store implementation.
type Store struct {
	db *sql.DB
}

// Open connects to databaseURL, runs the schema migration, and returns
// a ready Store. It mirrors sql.Open("postgres", ...) in src/main.go.
func Open(databaseURL string) (*Store, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) CreateJob(ctx context.Context, job *model.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (job_id, task, project_path, phase, project_id, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		job.ID, job.Task, job.ProjectPath, job.Phase, job.ProjectID, job.Status, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("creating job %s: %w", job.ID, err)
	}
	return nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, task, project_path, phase, project_id, status,
		       builder_sandbox_id, checker_sandbox_id, created_at, completed_at,
		       error_message, review_comment
		FROM jobs WHERE job_id = $1`, id)
	return scanJob(row)
}

func (s *Store) ListJobs(ctx context.Context, f store.JobFilter) ([]*model.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if f.Status != "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT job_id, task, project_path, phase, project_id, status,
			       builder_sandbox_id, checker_sandbox_id, created_at, completed_at,
			       error_message, review_comment
			FROM jobs WHERE status = $1 ORDER BY created_at DESC LIMIT $2`, f.Status, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT job_id, task, project_path, phase, project_id, status,
			       builder_sandbox_id, checker_sandbox_id, created_at, completed_at,
			       error_message, review_comment
			FROM jobs ORDER BY created_at DESC LIMIT $1`, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

func (s *Store) UpdateJob(ctx context.Context, job *model.Job) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = $2, builder_sandbox_id = $3, checker_sandbox_id = $4,
			completed_at = $5, error_message = $6, review_comment = $7
		WHERE job_id = $1`,
		job.ID, job.Status, job.BuilderSandboxID, job.CheckerSandboxID,
		job.CompletedAt, job.ErrorMessage, job.ReviewComment)
	if err != nil {
		return fmt.Errorf("updating job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) AppendTelemetry(ctx context.Context, sample *model.TelemetrySample) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO telemetry_samples (job_id, timestamp, cpu_percent, ram_mb, current_tool)
		VALUES ($1, $2, $3, $4, $5)`,
		sample.JobID, sample.Timestamp, sample.CPUPercent, sample.RAMMB, sample.CurrentTool)
	if err != nil {
		return fmt.Errorf("appending telemetry for %s: %w", sample.JobID, err)
	}
	return nil
}

func (s *Store) LatestTelemetry(ctx context.Context, jobID string) (*model.TelemetrySample, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, timestamp, cpu_percent, ram_mb, current_tool
		FROM telemetry_samples WHERE job_id = $1
		ORDER BY timestamp DESC LIMIT 1`, jobID)

	var t model.TelemetrySample
	err := row.Scan(&t.JobID, &t.Timestamp, &t.CPUPercent, &t.RAMMB, &t.CurrentTool)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching latest telemetry for %s: %w", jobID, err)
	}
	return &t, nil
}

func (s *Store) PutAuditRecord(ctx context.Context, rec *model.AuditRecord) error {
	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshaling audit payload for %s: %w", rec.JobID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (job_id, payload, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (job_id) DO NOTHING`,
		rec.JobID, payload, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("storing audit record for %s: %w", rec.JobID, err)
	}
	return nil
}

func (s *Store) GetAuditRecord(ctx context.Context, jobID string) (*model.AuditRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT job_id, payload, created_at FROM audit_records WHERE job_id = $1`, jobID)

	var rec model.AuditRecord
	var payload []byte
	err := row.Scan(&rec.JobID, &payload, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching audit record for %s: %w", jobID, err)
	}
	if err := json.Unmarshal(payload, &rec.Payload); err != nil {
		return nil, fmt.Errorf("decoding audit payload for %s: %w", jobID, err)
	}
	return &rec, nil
}

func (s *Store) Stats(ctx context.Context) (store.Stats, error) {
	var st store.Stats
	err := s.db.QueryRowContext(ctx, `
		WITH counts AS (
			SELECT
				COUNT(*) AS total,
				COUNT(*) FILTER (WHERE status = 'pending') AS pending,
				COUNT(*) FILTER (WHERE status IN ('building','checking','approved')) AS active,
				COUNT(*) FILTER (WHERE status = 'completed') AS completed,
				COUNT(*) FILTER (WHERE status = 'failed') AS failed
			FROM jobs
		),
		performance AS (
			SELECT
				COALESCE(AVG(EXTRACT(EPOCH FROM (completed_at - created_at))), 0) AS avg_exec,
				COALESCE(COUNT(*) FILTER (WHERE completed_at > NOW() - INTERVAL '1 hour'), 0) AS throughput
			FROM jobs
			WHERE status = 'completed' AND completed_at IS NOT NULL
		)
		SELECT * FROM counts, performance`).Scan(
		&st.Total, &st.Pending, &st.Active, &st.Completed, &st.Failed,
		&st.AvgExecutionSeconds, &st.ThroughputPerHour,
	)
	if err != nil {
		return store.Stats{}, fmt.Errorf("querying stats: %w", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var job model.Job
	var builderSandbox, checkerSandbox, errMsg, comment sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(&job.ID, &job.Task, &job.ProjectPath, &job.Phase, &job.ProjectID, &job.Status,
		&builderSandbox, &checkerSandbox, &job.CreatedAt, &completedAt, &errMsg, &comment)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning job row: %w", err)
	}

	job.BuilderSandboxID = builderSandbox.String
	job.CheckerSandboxID = checkerSandbox.String
	job.ErrorMessage = errMsg.String
	job.ReviewComment = comment.String
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return &job, nil
}

// Notifier wraps pq.Listener to wake the Engine's admission scheduler on
// any jobs_updated notification, mirroring the teacher's LISTEN/NOTIFY
// wake-up with a fallback poll ticker in src/main.go.
type Notifier struct {
	listener *pq.Listener
}

// NewNotifier opens a LISTEN connection on the jobs_updated channel. The
// returned channel receives a value (best-effort, non-blocking) whenever
// any job row is inserted or updated; callers should still poll on a
// ticker in case a notification is ever missed.
func NewNotifier(databaseURL string) (*Notifier, <-chan struct{}, error) {
	ch := make(chan struct{}, 1)

	l := pq.NewListener(databaseURL, 10*time.Second, time.Minute, func(_ pq.ListenerEventType, err error) {
		if err != nil {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	})
	if err := l.Listen("jobs_updated"); err != nil {
		l.Close()
		return nil, nil, fmt.Errorf("listening on jobs_updated: %w", err)
	}

	go func() {
		for range l.Notify {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()

	return &Notifier{listener: l}, ch, nil
}

// Close stops the LISTEN connection.
func (n *Notifier) Close() error {
	if n == nil || n.listener == nil {
		return nil
	}
	return n.listener.Close()
}
