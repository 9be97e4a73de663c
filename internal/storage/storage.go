// Package storage defines the persistence interface for reports, jobs,
// stage outputs, extraction runs, and stage events.
//
// Concrete implementations live in the sqldb sub-package (SQLite and
// MySQL behind one codebase) and the memory sub-package (tests, ephemeral
// mode). Consumers depend on this interface rather than on a concrete
// type so backends can be swapped by connection string alone.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/magpielab/magpie/internal/types"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateJob is returned by EnqueueJob when a live job with the same
// dedupe key already exists. Callers treat it as a successful no-op.
var ErrDuplicateJob = errors.New("live job with same dedupe key exists")

// ErrLeaseLost is returned when a lease-scoped mutation (complete, fail,
// bury, renew) finds the job no longer leased to the caller. The worker
// must discard its local result; another claim owns the job now.
var ErrLeaseLost = errors.New("job lease lost")

// ErrConflict is returned when a guarded status transition matches no row,
// meaning another writer got there first.
var ErrConflict = errors.New("conflicting concurrent update")

// ReportFilter narrows ListReports. Zero fields are ignored.
type ReportFilter struct {
	Status types.ReportStatus
	Owner  string
	Before time.Time          // only reports created strictly before this instant
	Limit  int                // 0 means the backend default (50)
}

// Stats is a point-in-time census of the store, used by the stats CLI
// command and the readiness probe.
type Stats struct {
	Reports      map[types.ReportStatus]int `json:"reports"`
	Jobs         map[types.JobStatus]int    `json:"jobs"`
	QueueReady   int                        `json:"queue_ready"`   // queued jobs runnable now
	LeaseExpired int                        `json:"lease_expired"` // leased jobs past expiry
	StageOutputs int                        `json:"stage_outputs"`
	Runs         int                        `json:"runs"`
}

// QueueDepth is the live backlog for one stage. OldestAge is how long the
// oldest still-queued job has been waiting; zero when the stage is empty.
type QueueDepth struct {
	Stage     types.Stage   `json:"stage"`
	Queued    int           `json:"queued"`
	Leased    int           `json:"leased"`
	OldestAge time.Duration `json:"oldest_age"`
}

// Storage is the persistence contract for the pipeline.
//
// All mutations are safe under concurrent workers: job transitions are
// guarded by lease ownership, stage outputs are idempotent on their input
// hash, and report status changes are compare-and-set.
type Storage interface {
	// Reports
	CreateReport(ctx context.Context, r *types.Report) error
	GetReport(ctx context.Context, id string) (*types.Report, error)
	UpdateReport(ctx context.Context, r *types.Report) error
	// SetReportStatus transitions id from one status to another. An empty
	// from matches any non-terminal status. Returns ErrConflict when the
	// guard matches no row.
	SetReportStatus(ctx context.Context, id string, from, to types.ReportStatus, errMsg string) error
	ListReports(ctx context.Context, f ReportFilter) ([]*types.Report, error)

	// Pipeline versions
	EnsurePipelineVersion(ctx context.Context, v *types.PipelineVersion) error
	GetPipelineVersion(ctx context.Context, id string) (*types.PipelineVersion, error)

	// Stage outputs. PutStageOutput is idempotent on (report_id, stage,
	// input_hash): when a row already exists the stored row is returned
	// with created=false and the new payload is discarded.
	PutStageOutput(ctx context.Context, out *types.StageOutput) (*types.StageOutput, bool, error)
	GetStageOutput(ctx context.Context, reportID string, stage types.Stage, inputHash string) (*types.StageOutput, error)
	GetStageOutputByID(ctx context.Context, id string) (*types.StageOutput, error)
	LatestStageOutput(ctx context.Context, reportID string, stage types.Stage) (*types.StageOutput, error)

	// Jobs. EnqueueJob returns ErrDuplicateJob when a live job with the
	// same dedupe key exists. ClaimJobs leases up to limit runnable jobs
	// (queued and due, or leased past lease expiry) to owner and
	// increments their attempt counts. Lease-scoped mutations return
	// ErrLeaseLost when owner no longer holds the lease.
	EnqueueJob(ctx context.Context, job *types.Job) error
	GetJob(ctx context.Context, id string) (*types.Job, error)
	ClaimJobs(ctx context.Context, owner string, limit int, lease time.Duration) ([]*types.Job, error)
	RenewLease(ctx context.Context, jobID, owner string, lease time.Duration) error
	CompleteJob(ctx context.Context, jobID, owner string) error
	FailJob(ctx context.Context, jobID, owner, lastError string, nextRunAt time.Time) error
	BuryJob(ctx context.Context, jobID, owner, lastError string) error
	// CancelJobs kills every live job for a report and returns how many
	// were cancelled.
	CancelJobs(ctx context.Context, reportID string) (int, error)
	ListJobs(ctx context.Context, reportID string) ([]*types.Job, error)

	// Extraction runs
	CreateRun(ctx context.Context, run *types.ExtractionRun) error
	GetRun(ctx context.Context, id string) (*types.ExtractionRun, error)
	ListRuns(ctx context.Context, reportID string) ([]*types.ExtractionRun, error)
	NextRunIndex(ctx context.Context, reportID string) (int, error)
	FailRun(ctx context.Context, runID string) error
	// PersistCompiledReport atomically stores the finished report
	// document, marks the run completed, flips it to the active run, and
	// deactivates every other run of the report.
	PersistCompiledReport(ctx context.Context, r *types.Report, run *types.ExtractionRun) error

	// Stage events (append-only trace)
	AppendStageEvent(ctx context.Context, ev *types.StageEvent) error
	ListStageEvents(ctx context.Context, reportID string, limit int) ([]*types.StageEvent, error)

	// Maintenance
	PurgeTerminalJobs(ctx context.Context, olderThan time.Duration) (int64, error)
	PurgeStageEvents(ctx context.Context, olderThan time.Duration) (int64, error)
	PurgeStageOutputs(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (*Stats, error)
	// QueueDepths reports per-stage backlog for the queue gauges. Stages
	// with no live jobs are omitted.
	QueueDepths(ctx context.Context) ([]QueueDepth, error)

	Close() error
}
