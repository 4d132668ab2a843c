package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/italolelis/fetchqueue/internal/storage"
)

const jobColumns = `queue, id, type, payload, state, attempts_made, max_attempts, backoff_type, backoff_delay_ms,
	progress, progress_data, result, failed_reason, run_at, lease_owner, lease_expires_at, created_at, updated_at, finished_at`

// JobRepository is the SQLite queue backend.
type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

// AddIfAbsent inserts the job, or re-arms a failed job with the same key. The
// conflict clause makes check and insert a single statement.
func (r *JobRepository) AddIfAbsent(ctx context.Context, job *storage.Job) (bool, error) {
	now := toMillis(job.CreatedAt)

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO jobs (queue, id, type, payload, state, attempts_made, max_attempts, backoff_type, backoff_delay_ms,
			run_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'waiting', 0, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(queue, id) DO UPDATE SET
			type = excluded.type,
			payload = excluded.payload,
			state = 'waiting',
			attempts_made = 0,
			max_attempts = excluded.max_attempts,
			backoff_type = excluded.backoff_type,
			backoff_delay_ms = excluded.backoff_delay_ms,
			progress = 0,
			progress_data = NULL,
			result = NULL,
			failed_reason = '',
			run_at = excluded.run_at,
			lease_owner = '',
			lease_expires_at = 0,
			updated_at = excluded.updated_at,
			finished_at = 0
		WHERE jobs.state = 'failed'
	`, job.Queue, job.ID, job.Type, []byte(job.Payload), job.MaxAttempts, job.BackoffType, job.BackoffDelay.Milliseconds(),
		toMillis(job.RunAt), now, now)
	if err != nil {
		return false, fmt.Errorf("failed to add job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (r *JobRepository) Get(ctx context.Context, queue, id string) (*storage.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE queue = ? AND id = ?`, queue, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrJobNotFound
	}

	return job, err
}

func (r *JobRepository) List(ctx context.Context, filter storage.ListFilter) ([]*storage.Job, error) {
	var (
		where []string
		args  []any
	)

	if filter.Queue != "" {
		where = append(where, "queue = ?")
		args = append(args, filter.Queue)
	}

	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}

	query := `SELECT ` + jobColumns + ` FROM jobs`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*storage.Job

	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}

		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// Claim leases the oldest runnable job of queue in one UPDATE .. RETURNING.
func (r *JobRepository) Claim(ctx context.Context, queue, owner string, lease time.Duration, now time.Time) (*storage.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			state = 'active',
			attempts_made = attempts_made + 1,
			lease_owner = ?,
			lease_expires_at = ?,
			updated_at = ?
		WHERE queue = ? AND id = (
			SELECT id FROM jobs
			WHERE queue = ? AND state IN ('waiting', 'delayed') AND run_at <= ?
			ORDER BY run_at, created_at
			LIMIT 1
		)
		RETURNING `+jobColumns,
		owner, toMillis(now.Add(lease)), toMillis(now), queue, queue, toMillis(now))

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}

	return job, nil
}

func (r *JobRepository) RenewLease(ctx context.Context, queue, id, owner string, until time.Time) error {
	return r.updateLeased(ctx, queue, id, owner,
		`lease_expires_at = ?`, toMillis(until))
}

func (r *JobRepository) UpdateProgress(ctx context.Context, queue, id, owner string, progress int, data json.RawMessage) error {
	return r.updateLeased(ctx, queue, id, owner,
		`progress = ?, progress_data = COALESCE(?, progress_data), updated_at = ?`,
		progress, nullableJSON(data), toMillis(time.Now()))
}

func (r *JobRepository) Complete(ctx context.Context, queue, id, owner string, result json.RawMessage, now time.Time) error {
	return r.updateLeased(ctx, queue, id, owner,
		`state = 'completed', progress = 100, result = ?, failed_reason = '', lease_owner = '', lease_expires_at = 0,
		updated_at = ?, finished_at = ?`,
		nullableJSON(result), toMillis(now), toMillis(now))
}

func (r *JobRepository) Fail(ctx context.Context, queue, id, owner, reason string, retryAt *time.Time, now time.Time) error {
	if retryAt != nil {
		return r.updateLeased(ctx, queue, id, owner,
			`state = 'delayed', failed_reason = ?, run_at = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?`,
			reason, toMillis(*retryAt), toMillis(now))
	}

	return r.updateLeased(ctx, queue, id, owner,
		`state = 'failed', failed_reason = ?, lease_owner = '', lease_expires_at = 0, updated_at = ?, finished_at = ?`,
		reason, toMillis(now), toMillis(now))
}

func (r *JobRepository) Release(ctx context.Context, queue, id, owner string, now time.Time) error {
	return r.updateLeased(ctx, queue, id, owner,
		`state = 'waiting', attempts_made = MAX(attempts_made - 1, 0), run_at = ?, lease_owner = '', lease_expires_at = 0,
		updated_at = ?`,
		toMillis(now), toMillis(now))
}

func (r *JobRepository) Remove(ctx context.Context, queue, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM jobs WHERE queue = ? AND id = ?`, queue, id)
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}

	if affected, _ := res.RowsAffected(); affected == 0 {
		return storage.ErrJobNotFound
	}

	return nil
}

func (r *JobRepository) RequeueExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE jobs SET state = 'waiting', lease_owner = '', lease_expires_at = 0, run_at = ?, updated_at = ?
		WHERE state = 'active' AND lease_expires_at < ?
	`, toMillis(now), toMillis(now), toMillis(now))
	if err != nil {
		return 0, fmt.Errorf("failed to requeue expired jobs: %w", err)
	}

	affected, err := res.RowsAffected()

	return int(affected), err
}

func (r *JobRepository) Prune(ctx context.Context, queue string, state storage.State, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}

	res, err := r.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE queue = ? AND state = ? AND id NOT IN (
			SELECT id FROM jobs WHERE queue = ? AND state = ?
			ORDER BY finished_at DESC, updated_at DESC
			LIMIT ?
		)
	`, queue, string(state), queue, string(state), keep)
	if err != nil {
		return 0, fmt.Errorf("failed to prune jobs: %w", err)
	}

	affected, err := res.RowsAffected()

	return int(affected), err
}

// updateLeased applies set to an active job held by owner.
func (r *JobRepository) updateLeased(ctx context.Context, queue, id, owner, set string, args ...any) error {
	args = append(args, queue, id, owner)

	res, err := r.db.ExecContext(ctx,
		`UPDATE jobs SET `+set+` WHERE queue = ? AND id = ? AND state = 'active' AND lease_owner = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrLeaseLost
	}

	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(s scanner) (*storage.Job, error) {
	var (
		job                                           storage.Job
		state                                         string
		payload, progressData, result                 []byte
		backoffMs                                     int64
		runAt, leaseExpires, created, updated, finish int64
	)

	err := s.Scan(
		&job.Queue, &job.ID, &job.Type, &payload, &state, &job.AttemptsMade, &job.MaxAttempts, &job.BackoffType,
		&backoffMs, &job.Progress, &progressData, &result, &job.FailedReason, &runAt, &job.LeaseOwner, &leaseExpires,
		&created, &updated, &finish,
	)
	if err != nil {
		return nil, err
	}

	job.State = storage.State(state)
	job.Payload = payload
	job.ProgressData = progressData
	job.Result = result
	job.BackoffDelay = time.Duration(backoffMs) * time.Millisecond
	job.RunAt = fromMillis(runAt)
	job.LeaseExpires = fromMillis(leaseExpires)
	job.CreatedAt = fromMillis(created)
	job.UpdatedAt = fromMillis(updated)
	job.FinishedAt = fromMillis(finish)

	return &job, nil
}

func nullableJSON(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}

	return []byte(b)
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}

	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}

	return time.UnixMilli(ms).UTC()
}
