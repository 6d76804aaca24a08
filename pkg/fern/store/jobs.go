package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/fernhq/fern/pkg/fern/ferr"
)

// JobType distinguishes one-shot from recurring jobs.
type JobType string

const (
	JobOneShot   JobType = "one_shot"
	JobRecurring JobType = "recurring"
)

// JobStatus is the scheduled-job lifecycle state. "running" is strictly
// transient: a restart reclaims such rows back to pending.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Job is one scheduled job row.
type Job struct {
	ID          string            `json:"id"`
	Type        JobType           `json:"type"`
	Status      JobStatus         `json:"status"`
	Prompt      string            `json:"prompt"`
	ScheduledAt time.Time         `json:"scheduledAt"`
	CronExpr    string            `json:"cronExpr,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
	LastFiredAt *time.Time        `json:"lastFiredAt,omitempty"`
	LastError   string            `json:"lastError,omitempty"`
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	meta, err := json.Marshal(orEmpty(job.Metadata))
	if err != nil {
		return fmt.Errorf("encoding job metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scheduled_jobs
			(id, type, status, prompt, scheduled_at, cron_expr, metadata_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Type, job.Status, job.Prompt,
		job.ScheduledAt.UTC(), nullString(job.CronExpr), string(meta),
		job.CreatedAt.UTC(), job.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob returns a job by id, or a NotFound error.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, type, status, prompt, scheduled_at, cron_expr, metadata_json,
		       created_at, updated_at, last_fired_at, last_error
		FROM scheduled_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ferr.NotFound("job", id)
	}
	return job, err
}

// ListJobs returns jobs, optionally filtered by status, newest first.
func (s *Store) ListJobs(ctx context.Context, status JobStatus, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, type, status, prompt, scheduled_at, cron_expr, metadata_json,
		       created_at, updated_at, last_fired_at, last_error
		FROM scheduled_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DueJobs returns pending jobs whose fire time has passed, oldest first.
func (s *Store) DueJobs(ctx context.Context, now time.Time) ([]*Job, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, status, prompt, scheduled_at, cron_expr, metadata_json,
		       created_at, updated_at, last_fired_at, last_error
		FROM scheduled_jobs
		WHERE status = ? AND scheduled_at <= ?
		ORDER BY scheduled_at ASC`,
		JobPending, now.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("querying due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ClaimJob atomically transitions pending → running. Returns false when
// another claimer won or the job is no longer pending.
func (s *Store) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobRunning, time.Now().UTC(), id, JobPending,
	)
	if err != nil {
		return false, fmt.Errorf("claiming job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CompleteJob finishes a one-shot job.
func (s *Store) CompleteJob(ctx context.Context, id string, firedAt time.Time) error {
	return s.finishJob(ctx, id, JobCompleted, firedAt, "")
}

// FailJob marks a job failed with its error message.
func (s *Store) FailJob(ctx context.Context, id, msg string) error {
	return s.finishJob(ctx, id, JobFailed, time.Now(), msg)
}

func (s *Store) finishJob(ctx context.Context, id string, status JobStatus, firedAt time.Time, msg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET status = ?, last_fired_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		status, firedAt.UTC(), nullString(msg), time.Now().UTC(), id, JobRunning,
	)
	if err != nil {
		return fmt.Errorf("finishing job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferr.Conflict("job %s is not running", id)
	}
	return nil
}

// RescheduleJob rolls a recurring job back to pending at its next fire
// time. lastErr records a failed run; empty on success.
func (s *Store) RescheduleJob(ctx context.Context, id string, next, firedAt time.Time, lastErr string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET status = ?, scheduled_at = ?, last_fired_at = ?, last_error = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobPending, next.UTC(), firedAt.UTC(), nullString(lastErr), time.Now().UTC(), id, JobRunning,
	)
	if err != nil {
		return fmt.Errorf("rescheduling job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ferr.Conflict("job %s is not running", id)
	}
	return nil
}

// CancelJob cancels a pending job. Running jobs cannot be cancelled.
func (s *Store) CancelJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		JobCancelled, time.Now().UTC(), id, JobPending,
	)
	if err != nil {
		return fmt.Errorf("cancelling job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	// Distinguish a missing job from an illegal transition.
	if _, err := s.GetJob(ctx, id); err != nil {
		return err
	}
	return ferr.Conflict("only pending jobs can be cancelled")
}

// ResetRunningJobs reclaims rows stranded in running by a previous
// process. Jobs are idempotent and retryable, so they go back to
// pending.
func (s *Store) ResetRunningJobs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET status = ?, updated_at = ?
		WHERE status = ?`,
		JobPending, time.Now().UTC(), JobRunning,
	)
	if err != nil {
		return 0, fmt.Errorf("resetting running jobs: %w", err)
	}
	return res.RowsAffected()
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanJob(sc scanner) (*Job, error) {
	var (
		job       Job
		cronExpr  sql.NullString
		meta      string
		lastFired sql.NullTime
		lastError sql.NullString
	)
	err := sc.Scan(
		&job.ID, &job.Type, &job.Status, &job.Prompt, &job.ScheduledAt,
		&cronExpr, &meta, &job.CreatedAt, &job.UpdatedAt, &lastFired, &lastError,
	)
	if err != nil {
		return nil, err
	}
	job.CronExpr = cronExpr.String
	job.LastError = lastError.String
	if lastFired.Valid {
		t := lastFired.Time
		job.LastFiredAt = &t
	}
	if err := json.Unmarshal([]byte(meta), &job.Metadata); err != nil {
		return nil, fmt.Errorf("decoding job metadata: %w", err)
	}
	return &job, nil
}

func orEmpty(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
