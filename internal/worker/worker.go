// Package worker drains the job queue and drives pipeline stages.
//
// A worker is a thin loop around three collaborators: the queue hands it
// leased jobs, the pipeline executes them, and the store records the
// report-level consequences of a job that has exhausted its retries. The
// same DrainOnce path backs the long-running `magpie worker` process, the
// embedded worker inside `magpie serve`, the one-shot `magpie search`
// command, and the POST /jobs/drain endpoint, so all four settle jobs
// with identical semantics.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/pipeline"
	"github.com/magpielab/magpie/internal/queue"
	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/telemetry"
	"github.com/magpielab/magpie/internal/types"
)

const (
	defaultBatchSize    = 8
	defaultPollInterval = 2 * time.Second

	// heartbeatEvery renews leases well inside the queue's 3m default so
	// a slow stage (augment can run 90s) never loses its job mid-flight.
	heartbeatEvery = 45 * time.Second

	// failReasonLimit bounds the error text copied onto a failed report.
	failReasonLimit = 500
)

// Options configures a Worker. Zero values take the defaults above.
type Options struct {
	// ID names this worker in leases and logs. Defaults to hostname-pid.
	ID string
	// BatchSize is how many jobs one drain pass claims.
	BatchSize int
	// PollInterval is the idle sleep between drain passes in Run.
	PollInterval time.Duration
}

// Worker claims jobs, runs them through the pipeline, and settles the
// outcome back into the queue.
type Worker struct {
	store storage.Storage
	queue *queue.Queue
	pipe  *pipeline.Pipeline
	log   *zap.Logger

	id    string
	batch int
	poll  time.Duration

	completed metric.Int64Counter
	retried   metric.Int64Counter
	dead      metric.Int64Counter
}

// New builds a Worker over an already-wired queue and pipeline.
func New(store storage.Storage, q *queue.Queue, pipe *pipeline.Pipeline, log *zap.Logger, opts Options) (*Worker, error) {
	if store == nil || q == nil || pipe == nil {
		return nil, errors.New("worker: store, queue, and pipeline are required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	if opts.ID == "" {
		opts.ID = defaultWorkerID()
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	meter := telemetry.Meter("magpie/worker")
	completed, err := meter.Int64Counter("magpie.worker.jobs_completed",
		metric.WithDescription("Jobs finished successfully"))
	if err != nil {
		return nil, err
	}
	retried, err := meter.Int64Counter("magpie.worker.jobs_retried",
		metric.WithDescription("Jobs requeued with backoff after a retryable failure"))
	if err != nil {
		return nil, err
	}
	dead, err := meter.Int64Counter("magpie.worker.jobs_dead",
		metric.WithDescription("Jobs buried after a non-retryable failure or attempt exhaustion"))
	if err != nil {
		return nil, err
	}

	return &Worker{
		store:     store,
		queue:     q,
		pipe:      pipe,
		log:       log.Named("worker").With(zap.String("worker_id", opts.ID)),
		id:        opts.ID,
		batch:     opts.BatchSize,
		poll:      opts.PollInterval,
		completed: completed,
		retried:   retried,
		dead:      dead,
	}, nil
}

// ID returns the lease owner string this worker claims under.
func (w *Worker) ID() string { return w.id }

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "worker-" + uuid.NewString()[:8]
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// DrainResult summarizes one drain pass. Claimed = Completed + Retried +
// Dead unless the pass was cut short by context cancellation or a lost
// lease (the missing jobs are simply redelivered later).
type DrainResult struct {
	Claimed   int       `json:"claimed"`
	Completed int       `json:"completed"`
	Retried   int       `json:"retried"`
	Dead      int       `json:"dead"`
	Failures  []Failure `json:"failures,omitempty"`
}

// Failure describes one job that was buried during a drain pass.
type Failure struct {
	JobID    string              `json:"job_id"`
	ReportID string              `json:"report_id"`
	Stage    types.Stage         `json:"stage"`
	Category types.ErrorCategory `json:"category"`
	Error    string              `json:"error"`
}

// Add folds another result into r.
func (r *DrainResult) Add(other *DrainResult) {
	if other == nil {
		return
	}
	r.Claimed += other.Claimed
	r.Completed += other.Completed
	r.Retried += other.Retried
	r.Dead += other.Dead
	r.Failures = append(r.Failures, other.Failures...)
}

// DrainOnce claims up to batch jobs (the worker default when batch <= 0)
// and runs each to a settled state. It returns early if ctx is canceled;
// unprocessed leases expire and are re-claimed by a later pass.
func (w *Worker) DrainOnce(ctx context.Context, batch int) (*DrainResult, error) {
	if batch <= 0 {
		batch = w.batch
	}
	jobs, err := w.queue.Claim(ctx, w.id, batch)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	res := &DrainResult{Claimed: len(jobs)}
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		w.runJob(ctx, job, res)
	}
	return res, nil
}

// Run polls the queue until ctx is canceled. While work keeps arriving it
// drains back-to-back; once the queue is empty it sleeps PollInterval
// between passes.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started",
		zap.Int("batch_size", w.batch),
		zap.Duration("poll_interval", w.poll))

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		res, err := w.DrainOnce(ctx, 0)
		switch {
		case err == nil:
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			w.log.Info("worker stopped")
			return ctx.Err()
		default:
			w.log.Warn("drain pass failed", zap.Error(err))
		}
		if res != nil && res.Claimed > 0 {
			// Work is flowing; go straight back for more.
			continue
		}
		select {
		case <-ctx.Done():
			w.log.Info("worker stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// runJob executes one claimed job and settles it: complete on success,
// requeue with backoff on a retryable failure, bury and fail the report
// once retries are exhausted.
func (w *Worker) runJob(ctx context.Context, job *types.Job, res *DrainResult) {
	log := w.log.With(
		zap.String("job_id", job.ID),
		zap.String("report_id", job.ReportID),
		zap.String("stage", string(job.Stage)))

	jobCtx, cancel := context.WithCancel(ctx)
	stop := w.keepAlive(jobCtx, job.ID, cancel)
	start := time.Now()
	err := w.pipe.ProcessJob(jobCtx, job)
	stop()
	cancel()

	if err == nil {
		if cerr := w.queue.Complete(ctx, job.ID, w.id); cerr != nil {
			if errors.Is(cerr, storage.ErrLeaseLost) {
				log.Warn("lease lost before completion, job will be redelivered")
				return
			}
			log.Error("complete job", zap.Error(cerr))
			return
		}
		res.Completed++
		w.completed.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(job.Stage))))
		log.Debug("job completed", zap.Duration("took", time.Since(start)))
		return
	}

	retrying, ferr := w.queue.Fail(ctx, job, w.id, err)
	if ferr != nil {
		if errors.Is(ferr, storage.ErrLeaseLost) {
			log.Warn("lease lost before failure bookkeeping, job will be redelivered")
			return
		}
		log.Error("fail job", zap.Error(ferr))
		return
	}
	if retrying {
		res.Retried++
		w.retried.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(job.Stage))))
		return
	}

	res.Dead++
	w.dead.Add(ctx, 1, metric.WithAttributes(attribute.String("stage", string(job.Stage))))
	res.Failures = append(res.Failures, Failure{
		JobID:    job.ID,
		ReportID: job.ReportID,
		Stage:    job.Stage,
		Category: types.CategoryOf(err),
		Error:    err.Error(),
	})
	w.failReport(ctx, job, err)
}

// failReport moves a report to failed after its job is buried, then
// cancels any stragglers still queued for it. A report that already
// reached a terminal state is left alone.
func (w *Worker) failReport(ctx context.Context, job *types.Job, cause error) {
	msg := fmt.Sprintf("%s: %v", job.Stage, cause)
	if len(msg) > failReasonLimit {
		msg = msg[:failReasonLimit]
	}
	err := w.store.SetReportStatus(ctx, job.ReportID, "", types.ReportFailed, msg)
	switch {
	case err == nil:
		w.log.Info("report failed",
			zap.String("report_id", job.ReportID),
			zap.String("stage", string(job.Stage)),
			zap.String("category", string(types.CategoryOf(cause))))
	case errors.Is(err, storage.ErrConflict):
		// Already terminal; nothing to do.
		return
	case errors.Is(err, storage.ErrNotFound):
		w.log.Warn("buried job for unknown report", zap.String("report_id", job.ReportID))
		return
	default:
		w.log.Error("mark report failed", zap.String("report_id", job.ReportID), zap.Error(err))
		return
	}
	if n, cerr := w.queue.Cancel(ctx, job.ReportID); cerr != nil {
		w.log.Warn("cancel sibling jobs", zap.String("report_id", job.ReportID), zap.Error(cerr))
	} else if n > 0 {
		w.log.Info("canceled sibling jobs", zap.String("report_id", job.ReportID), zap.Int("count", n))
	}
}

// keepAlive renews the job lease in the background while a stage runs.
// Losing the lease cancels the stage so two workers never both finish the
// same job. The returned stop func blocks until the goroutine exits.
func (w *Worker) keepAlive(ctx context.Context, jobID string, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(heartbeatEvery)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := w.queue.Heartbeat(ctx, jobID, w.id)
				if err == nil {
					continue
				}
				if errors.Is(err, storage.ErrLeaseLost) || errors.Is(err, storage.ErrNotFound) {
					w.log.Warn("job lease lost mid-flight", zap.String("job_id", jobID))
					cancel()
					return
				}
				w.log.Debug("heartbeat failed", zap.String("job_id", jobID), zap.Error(err))
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}
