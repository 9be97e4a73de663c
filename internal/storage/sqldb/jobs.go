package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

const jobCols = `id, report_id, stage, dedupe_key, payload, status, attempts, max_attempts, lease_owner, lease_expires_at, next_run_at, last_error, input_hash, created_at, updated_at`

// EnqueueJob inserts a job with live=1. The UNIQUE(dedupe_key, live)
// index makes a second live job with the same key a duplicate error,
// surfaced as storage.ErrDuplicateJob.
func (s *Store) EnqueueJob(ctx context.Context, job *types.Job) error {
	now := time.Now().UTC()
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = types.JobQueued
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 5
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = now
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, report_id, stage, dedupe_key, live, payload, status, attempts, max_attempts, lease_owner, lease_expires_at, next_run_at, last_error, input_hash, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.ReportID, job.Stage, job.DedupeKey, encodePayload(job.Payload),
		job.Status, job.Attempts, job.MaxAttempts, job.LeaseOwner,
		nullMS(job.LeaseExpiresAt), ms(job.NextRunAt), job.LastError,
		job.InputHash, ms(job.CreatedAt), ms(job.UpdatedAt))
	if err != nil {
		if s.d.isDuplicate(err) {
			return fmt.Errorf("dedupe key %s: %w", job.DedupeKey, storage.ErrDuplicateJob)
		}
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func scanJob(row interface{ Scan(...any) error }) (*types.Job, error) {
	var (
		j         types.Job
		payload   []byte
		leaseExp  sql.NullInt64
		nextRunAt int64
		createdAt int64
		updatedAt int64
	)
	err := row.Scan(&j.ID, &j.ReportID, &j.Stage, &j.DedupeKey, &payload,
		&j.Status, &j.Attempts, &j.MaxAttempts, &j.LeaseOwner, &leaseExp,
		&nextRunAt, &j.LastError, &j.InputHash, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	j.Payload, err = decodePayload(payload)
	if err != nil {
		return nil, err
	}
	j.LeaseExpiresAt = msPtr(leaseExp)
	j.NextRunAt = fromMS(nextRunAt)
	j.CreatedAt = fromMS(createdAt)
	j.UpdatedAt = fromMS(updatedAt)
	return &j, nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(ctx context.Context, id string) (*types.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ClaimJobs leases up to limit runnable jobs to owner. A job is runnable
// when it is queued and due, or leased with an expired lease (its worker
// died). Each claim is a guarded per-row update inside one transaction;
// rows another claimer wins are simply skipped, so concurrent workers
// never double-lease.
func (s *Store) ClaimJobs(ctx context.Context, owner string, limit int, lease time.Duration) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	nowMS := ms(now)
	leaseMS := ms(now.Add(lease))

	var claimed []*types.Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id, status FROM jobs
			  WHERE (status = ? AND next_run_at <= ?)
			     OR (status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?)
			  ORDER BY next_run_at, created_at
			  LIMIT ?`,
			types.JobQueued, nowMS, types.JobLeased, nowMS, limit)
		if err != nil {
			return fmt.Errorf("failed to select runnable jobs: %w", err)
		}
		type candidate struct {
			id     string
			status types.JobStatus
		}
		var candidates []candidate
		for rows.Next() {
			var c candidate
			if err := rows.Scan(&c.id, &c.status); err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan candidate: %w", err)
			}
			candidates = append(candidates, c)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("failed to iterate candidates: %w", err)
		}

		for _, c := range candidates {
			var res sql.Result
			if c.status == types.JobQueued {
				res, err = tx.ExecContext(ctx,
					`UPDATE jobs SET status = ?, lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
					  WHERE id = ? AND status = ? AND next_run_at <= ?`,
					types.JobLeased, owner, leaseMS, nowMS, c.id, types.JobQueued, nowMS)
			} else {
				res, err = tx.ExecContext(ctx,
					`UPDATE jobs SET lease_owner = ?, lease_expires_at = ?, attempts = attempts + 1, updated_at = ?
					  WHERE id = ? AND status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
					owner, leaseMS, nowMS, c.id, types.JobLeased, nowMS)
			}
			if err != nil {
				return fmt.Errorf("failed to lease job %s: %w", c.id, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("failed to read lease result: %w", err)
			}
			if n != 1 {
				continue // lost the race for this row
			}
			row := tx.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id = ?`, c.id)
			j, err := scanJob(row)
			if err != nil {
				return fmt.Errorf("failed to load claimed job: %w", err)
			}
			claimed = append(claimed, j)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// leaseGuarded runs an update that must only apply while owner holds the
// lease, translating "no rows" into ErrLeaseLost.
func (s *Store) leaseGuarded(ctx context.Context, jobID, owner, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("job %s owner %s: %w", jobID, owner, storage.ErrLeaseLost)
	}
	return nil
}

// RenewLease extends the caller's lease on a job.
func (s *Store) RenewLease(ctx context.Context, jobID, owner string, lease time.Duration) error {
	now := time.Now().UTC()
	return s.leaseGuarded(ctx, jobID, owner,
		`UPDATE jobs SET lease_expires_at = ?, updated_at = ? WHERE id = ? AND status = ? AND lease_owner = ?`,
		ms(now.Add(lease)), ms(now), jobID, types.JobLeased, owner)
}

// CompleteJob marks a leased job completed and frees its dedupe slot.
func (s *Store) CompleteJob(ctx context.Context, jobID, owner string) error {
	now := ms(time.Now().UTC())
	return s.leaseGuarded(ctx, jobID, owner,
		`UPDATE jobs SET status = ?, live = NULL, lease_owner = '', lease_expires_at = NULL, updated_at = ?
		  WHERE id = ? AND status = ? AND lease_owner = ?`,
		types.JobCompleted, now, jobID, types.JobLeased, owner)
}

// FailJob returns a leased job to the queue for a later attempt.
func (s *Store) FailJob(ctx context.Context, jobID, owner, lastError string, nextRunAt time.Time) error {
	now := ms(time.Now().UTC())
	return s.leaseGuarded(ctx, jobID, owner,
		`UPDATE jobs SET status = ?, lease_owner = '', lease_expires_at = NULL, next_run_at = ?, last_error = ?, updated_at = ?
		  WHERE id = ? AND status = ? AND lease_owner = ?`,
		types.JobQueued, ms(nextRunAt), lastError, now, jobID, types.JobLeased, owner)
}

// BuryJob terminally fails a leased job and frees its dedupe slot.
func (s *Store) BuryJob(ctx context.Context, jobID, owner, lastError string) error {
	now := ms(time.Now().UTC())
	return s.leaseGuarded(ctx, jobID, owner,
		`UPDATE jobs SET status = ?, live = NULL, lease_owner = '', lease_expires_at = NULL, last_error = ?, updated_at = ?
		  WHERE id = ? AND status = ? AND lease_owner = ?`,
		types.JobDead, lastError, now, jobID, types.JobLeased, owner)
}

// CancelJobs kills every live job for a report, regardless of lease.
// A worker still running one of them will get ErrLeaseLost on completion
// and discard its result.
func (s *Store) CancelJobs(ctx context.Context, reportID string) (int, error) {
	now := ms(time.Now().UTC())
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, live = NULL, lease_owner = '', lease_expires_at = NULL, last_error = 'cancelled', updated_at = ?
		  WHERE report_id = ? AND status IN (?, ?)`,
		types.JobDead, now, reportID, types.JobQueued, types.JobLeased)
	if err != nil {
		return 0, fmt.Errorf("failed to cancel jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read cancel result: %w", err)
	}
	return int(n), nil
}

// ListJobs returns every job for a report, oldest first.
func (s *Store) ListJobs(ctx context.Context, reportID string) ([]*types.Job, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+jobCols+` FROM jobs WHERE report_id = ? ORDER BY created_at`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer rows.Close()

	var out []*types.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
