// Package queue layers pipeline semantics over the storage job table:
// dedupe-tolerant enqueue, lease claims, and the retry-versus-bury
// decision with exponential backoff.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

// Options tune queue behavior. Zero values take the defaults.
type Options struct {
	// LeaseFor is how long a claim holds a job before other workers may
	// steal it. It must exceed the longest stage timeout plus persist
	// overhead.
	LeaseFor time.Duration
	// MaxAttempts is the per-job attempt budget for retryable failures.
	MaxAttempts int
}

const (
	defaultLeaseFor    = 3 * time.Minute
	defaultMaxAttempts = 5
)

// Queue wraps a storage backend with pipeline job semantics.
type Queue struct {
	store storage.Storage
	log   *zap.Logger
	opts  Options
}

// New builds a queue over the given store.
func New(store storage.Storage, log *zap.Logger, opts Options) *Queue {
	if opts.LeaseFor <= 0 {
		opts.LeaseFor = defaultLeaseFor
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	return &Queue{store: store, log: log, opts: opts}
}

// EnqueueStage schedules one stage for one report. Returns false without
// error when an identical live job already exists; submitting work that
// is already scheduled is a no-op by contract.
func (q *Queue) EnqueueStage(ctx context.Context, reportID string, stage types.Stage, provider string, payload types.JobPayload) (bool, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("failed to marshal job payload: %w", err)
	}
	job := &types.Job{
		ReportID:    reportID,
		Stage:       stage,
		DedupeKey:   types.DedupeKey(stage, provider, reportID),
		Payload:     raw,
		MaxAttempts: q.opts.MaxAttempts,
	}
	if err := q.store.EnqueueJob(ctx, job); err != nil {
		if errors.Is(err, storage.ErrDuplicateJob) {
			q.log.Debug("enqueue suppressed, live job exists",
				zap.String("dedupe_key", job.DedupeKey))
			return false, nil
		}
		return false, err
	}
	q.log.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("report_id", reportID),
		zap.String("stage", string(stage)),
		zap.String("provider", provider))
	return true, nil
}

// Claim leases up to n runnable jobs to owner.
func (q *Queue) Claim(ctx context.Context, owner string, n int) ([]*types.Job, error) {
	return q.store.ClaimJobs(ctx, owner, n, q.opts.LeaseFor)
}

// Heartbeat extends the lease on a job mid-execution.
func (q *Queue) Heartbeat(ctx context.Context, jobID, owner string) error {
	return q.store.RenewLease(ctx, jobID, owner, q.opts.LeaseFor)
}

// Complete marks a job done and frees its dedupe slot.
func (q *Queue) Complete(ctx context.Context, jobID, owner string) error {
	return q.store.CompleteJob(ctx, jobID, owner)
}

// Fail settles a failed attempt: retryable causes reschedule with
// backoff until the attempt budget runs out, everything else is buried
// immediately. Returns whether the job will run again.
func (q *Queue) Fail(ctx context.Context, job *types.Job, owner string, cause error) (bool, error) {
	msg := truncate(cause.Error(), 500)
	category := types.CategoryOf(cause)

	if !category.Retryable() {
		q.log.Warn("burying job, failure not retryable",
			zap.String("job_id", job.ID),
			zap.String("stage", string(job.Stage)),
			zap.String("category", string(category)),
			zap.Error(cause))
		return false, q.store.BuryJob(ctx, job.ID, owner, msg)
	}
	if job.Attempts >= job.MaxAttempts {
		q.log.Warn("burying job, attempts exhausted",
			zap.String("job_id", job.ID),
			zap.String("stage", string(job.Stage)),
			zap.Int("attempts", job.Attempts),
			zap.Error(cause))
		return false, q.store.BuryJob(ctx, job.ID, owner, msg)
	}

	delay := BackoffDelay(job.Attempts, job.ID)
	nextRunAt := time.Now().UTC().Add(delay)
	q.log.Info("rescheduling job",
		zap.String("job_id", job.ID),
		zap.String("stage", string(job.Stage)),
		zap.Int("attempt", job.Attempts),
		zap.Duration("delay", delay),
		zap.Error(cause))
	return true, q.store.FailJob(ctx, job.ID, owner, msg, nextRunAt)
}

// Cancel kills every live job for a report.
func (q *Queue) Cancel(ctx context.Context, reportID string) (int, error) {
	return q.store.CancelJobs(ctx, reportID)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
