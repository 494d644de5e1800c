package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Job kinds.
const (
	JobProcess    = "process"
	JobRegenerate = "regenerate"
)

// Job statuses.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobSucceeded = "succeeded"
	JobFailed    = "failed"
)

// Job represents a row in the jobs table.
type Job struct {
	ID        string `json:"id"`
	UploadID  int64  `json:"upload_id"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	Attempts  int    `json:"attempts"`
	Error     string `json:"error,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Done reports whether the job reached a terminal status.
func (j *Job) Done() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed
}

const jobColumns = "id, upload_id, kind, status, attempts, error, created_at, updated_at"

func scanJob(sc interface{ Scan(...any) error }) (*Job, error) {
	j := &Job{}
	var errMsg sql.NullString
	if err := sc.Scan(&j.ID, &j.UploadID, &j.Kind, &j.Status, &j.Attempts,
		&errMsg, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return nil, err
	}
	j.Error = errMsg.String
	return j, nil
}

// CreateJobIfIdle inserts a queued job unless the upload already has a
// queued or running one. It returns the job that is active after the call
// and whether it was newly created.
func (s *Store) CreateJobIfIdle(ctx context.Context, id string, uploadID int64, kind string) (*Job, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, upload_id, kind, status)
		SELECT ?, ?, ?, 'queued'
		WHERE NOT EXISTS (
			SELECT 1 FROM jobs WHERE upload_id = ? AND status IN ('queued', 'running')
		)
	`, id, uploadID, kind, uploadID)
	if err != nil {
		return nil, false, fmt.Errorf("inserting job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}

	if n == 0 {
		j, err := s.ActiveJob(ctx, uploadID)
		return j, false, err
	}
	j, err := s.GetJob(ctx, id)
	return j, true, err
}

// GetJob retrieves a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+jobColumns+" FROM jobs WHERE id = ?", id)
	j, err := scanJob(row)
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

// ActiveJob returns the queued or running job for an upload.
func (s *Store) ActiveJob(ctx context.Context, uploadID int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE upload_id = ? AND status IN ('queued', 'running')
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, uploadID)
	j, err := scanJob(row)
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

// LatestJob returns the most recently created job for an upload.
func (s *Store) LatestJob(ctx context.Context, uploadID int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE upload_id = ?
		ORDER BY created_at DESC, rowid DESC LIMIT 1
	`, uploadID)
	j, err := scanJob(row)
	if err != nil {
		return nil, notFound(err)
	}
	return j, nil
}

// MarkJobRunning sets a job to running and counts the attempt.
func (s *Store) MarkJobRunning(ctx context.Context, id string) error {
	return s.updateJob(ctx, `
		UPDATE jobs SET status = 'running', attempts = attempts + 1, error = NULL,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, id)
}

// FinishJob records a terminal status. errMsg is stored only for failures.
func (s *Store) FinishJob(ctx context.Context, id string, status, errMsg string) error {
	var msg sql.NullString
	if status == JobFailed {
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	return s.updateJob(ctx, `
		UPDATE jobs SET status = ?, error = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, status, msg, id)
}

func (s *Store) updateJob(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingJobs returns jobs left queued or running, oldest first.
func (s *Store) PendingJobs(ctx context.Context) ([]Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status IN ('queued', 'running')
		ORDER BY created_at, rowid
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

// RequeueJob resets a job to queued so it can be picked up again.
func (s *Store) RequeueJob(ctx context.Context, id string) error {
	return s.updateJob(ctx, `
		UPDATE jobs SET status = 'queued', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, id)
}
