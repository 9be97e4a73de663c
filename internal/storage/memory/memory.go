// Package memory implements the storage interface with in-process maps.
// It backs unit tests and the memory:// connection string (ephemeral
// single-process mode). Semantics mirror the sqldb backend exactly,
// including live-job dedupe and lease guards.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

// Store implements storage.Storage in memory.
type Store struct {
	mu       sync.RWMutex
	reports  map[string]*types.Report
	versions map[string]*types.PipelineVersion
	outputs  map[string]*types.StageOutput     // by id
	outIdx   map[string]string                 // report|stage|inputHash -> id
	jobs     map[string]*types.Job
	liveKeys map[string]string                 // dedupeKey -> live job id
	runs     map[string]*types.ExtractionRun
	events   []*types.StageEvent
}

var _ storage.Storage = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		reports:  make(map[string]*types.Report),
		versions: make(map[string]*types.PipelineVersion),
		outputs:  make(map[string]*types.StageOutput),
		outIdx:   make(map[string]string),
		jobs:     make(map[string]*types.Job),
		liveKeys: make(map[string]string),
		runs:     make(map[string]*types.ExtractionRun),
	}
}

// Close is a no-op.
func (s *Store) Close() error { return nil }

func outKey(reportID string, stage types.Stage, inputHash string) string {
	return reportID + "|" + string(stage) + "|" + inputHash
}

func copyReport(r *types.Report) *types.Report {
	c := *r
	return &c
}

func copyJob(j *types.Job) *types.Job {
	c := *j
	if j.LeaseExpiresAt != nil {
		t := *j.LeaseExpiresAt
		c.LeaseExpiresAt = &t
	}
	return &c
}

func copyRun(r *types.ExtractionRun) *types.ExtractionRun {
	c := *r
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// CreateReport inserts a new report.
func (s *Store) CreateReport(_ context.Context, r *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.reports[r.ID]; ok {
		return fmt.Errorf("report %s: %w", r.ID, storage.ErrConflict)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = types.ReportQueued
	}
	s.reports[r.ID] = copyReport(r)
	return nil
}

// GetReport fetches one report by id.
func (s *Store) GetReport(_ context.Context, id string) (*types.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.reports[id]
	if !ok {
		return nil, fmt.Errorf("report %s: %w", id, storage.ErrNotFound)
	}
	return copyReport(r), nil
}

// UpdateReport replaces a stored report.
func (s *Store) UpdateReport(_ context.Context, r *types.Report) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.reports[r.ID]
	if !ok {
		return fmt.Errorf("report %s: %w", r.ID, storage.ErrNotFound)
	}
	c := copyReport(r)
	c.CreatedAt = stored.CreatedAt
	s.reports[r.ID] = c
	return nil
}

// SetReportStatus transitions a report with a compare-and-set guard.
func (s *Store) SetReportStatus(_ context.Context, id string, from, to types.ReportStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reports[id]
	if !ok {
		return fmt.Errorf("report %s %s->%s: %w", id, from, to, storage.ErrConflict)
	}
	if from == "" {
		if r.Status.Terminal() {
			return fmt.Errorf("report %s %s->%s: %w", id, from, to, storage.ErrConflict)
		}
	} else if r.Status != from {
		return fmt.Errorf("report %s %s->%s: %w", id, from, to, storage.ErrConflict)
	}
	r.Status = to
	r.LastError = errMsg
	if to.Terminal() {
		now := time.Now().UTC()
		r.CompletedAt = &now
	}
	return nil
}

// ListReports returns reports matching the filter, newest first.
func (s *Store) ListReports(_ context.Context, f storage.ReportFilter) ([]*types.Report, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Report
	for _, r := range s.reports {
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Owner != "" && r.Owner != f.Owner {
			continue
		}
		if !f.Before.IsZero() && !r.CreatedAt.Before(f.Before) {
			continue
		}
		out = append(out, copyReport(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// EnsurePipelineVersion records a version if unknown.
func (s *Store) EnsurePipelineVersion(_ context.Context, v *types.PipelineVersion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.versions[v.ID]; ok {
		return nil
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	c := *v
	s.versions[v.ID] = &c
	return nil
}

// GetPipelineVersion fetches one version by id.
func (s *Store) GetPipelineVersion(_ context.Context, id string) (*types.PipelineVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, fmt.Errorf("pipeline version %s: %w", id, storage.ErrNotFound)
	}
	c := *v
	return &c, nil
}

// PutStageOutput stores an output; the first writer at an address wins.
func (s *Store) PutStageOutput(_ context.Context, out *types.StageOutput) (*types.StageOutput, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := outKey(out.ReportID, out.Stage, out.InputHash)
	if id, ok := s.outIdx[key]; ok {
		c := *s.outputs[id]
		return &c, false, nil
	}
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}
	c := *out
	s.outputs[out.ID] = &c
	s.outIdx[key] = out.ID
	return out, true, nil
}

// GetStageOutput fetches the output at one content address.
func (s *Store) GetStageOutput(_ context.Context, reportID string, stage types.Stage, inputHash string) (*types.StageOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.outIdx[outKey(reportID, stage, inputHash)]
	if !ok {
		return nil, fmt.Errorf("stage output %s/%s/%s: %w", reportID, stage, inputHash, storage.ErrNotFound)
	}
	c := *s.outputs[id]
	return &c, nil
}

// GetStageOutputByID fetches one output by id.
func (s *Store) GetStageOutputByID(_ context.Context, id string) (*types.StageOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.outputs[id]
	if !ok {
		return nil, fmt.Errorf("stage output %s: %w", id, storage.ErrNotFound)
	}
	c := *o
	return &c, nil
}

// LatestStageOutput fetches the newest output for (report, stage).
func (s *Store) LatestStageOutput(_ context.Context, reportID string, stage types.Stage) (*types.StageOutput, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *types.StageOutput
	for _, o := range s.outputs {
		if o.ReportID != reportID || o.Stage != stage {
			continue
		}
		if latest == nil || o.CreatedAt.After(latest.CreatedAt) {
			latest = o
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("stage output %s/%s: %w", reportID, stage, storage.ErrNotFound)
	}
	c := *latest
	return &c, nil
}

// EnqueueJob inserts a job, enforcing at most one live job per dedupe key.
func (s *Store) EnqueueJob(_ context.Context, job *types.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.liveKeys[job.DedupeKey]; ok {
		return fmt.Errorf("dedupe key %s: %w", job.DedupeKey, storage.ErrDuplicateJob)
	}
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
	s.jobs[job.ID] = copyJob(job)
	s.liveKeys[job.DedupeKey] = job.ID
	return nil
}

// GetJob fetches one job by id.
func (s *Store) GetJob(_ context.Context, id string) (*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, storage.ErrNotFound)
	}
	return copyJob(j), nil
}

// ClaimJobs leases up to limit runnable jobs to owner, FIFO.
func (s *Store) ClaimJobs(_ context.Context, owner string, limit int, lease time.Duration) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 1
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()

	var runnable []*types.Job
	for _, j := range s.jobs {
		switch {
		case j.Status == types.JobQueued && !j.NextRunAt.After(now):
			runnable = append(runnable, j)
		case j.Status == types.JobLeased && j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.After(now):
			runnable = append(runnable, j)
		}
	}
	sort.Slice(runnable, func(i, k int) bool {
		if !runnable[i].NextRunAt.Equal(runnable[k].NextRunAt) {
			return runnable[i].NextRunAt.Before(runnable[k].NextRunAt)
		}
		return runnable[i].CreatedAt.Before(runnable[k].CreatedAt)
	})
	if len(runnable) > limit {
		runnable = runnable[:limit]
	}

	expiry := now.Add(lease)
	var claimed []*types.Job
	for _, j := range runnable {
		j.Status = types.JobLeased
		j.LeaseOwner = owner
		t := expiry
		j.LeaseExpiresAt = &t
		j.Attempts++
		j.UpdatedAt = now
		claimed = append(claimed, copyJob(j))
	}
	return claimed, nil
}

func (s *Store) leased(jobID, owner string) (*types.Job, error) {
	j, ok := s.jobs[jobID]
	if !ok || j.Status != types.JobLeased || j.LeaseOwner != owner {
		return nil, fmt.Errorf("job %s owner %s: %w", jobID, owner, storage.ErrLeaseLost)
	}
	return j, nil
}

// RenewLease extends the caller's lease on a job.
func (s *Store) RenewLease(_ context.Context, jobID, owner string, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.leased(jobID, owner)
	if err != nil {
		return err
	}
	t := time.Now().UTC().Add(lease)
	j.LeaseExpiresAt = &t
	j.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) terminate(j *types.Job, status types.JobStatus, lastError string) {
	j.Status = status
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	if lastError != "" {
		j.LastError = lastError
	}
	j.UpdatedAt = time.Now().UTC()
	if id, ok := s.liveKeys[j.DedupeKey]; ok && id == j.ID {
		delete(s.liveKeys, j.DedupeKey)
	}
}

// CompleteJob marks a leased job completed.
func (s *Store) CompleteJob(_ context.Context, jobID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.leased(jobID, owner)
	if err != nil {
		return err
	}
	s.terminate(j, types.JobCompleted, "")
	return nil
}

// FailJob returns a leased job to the queue for a later attempt.
func (s *Store) FailJob(_ context.Context, jobID, owner, lastError string, nextRunAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.leased(jobID, owner)
	if err != nil {
		return err
	}
	j.Status = types.JobQueued
	j.LeaseOwner = ""
	j.LeaseExpiresAt = nil
	j.NextRunAt = nextRunAt
	j.LastError = lastError
	j.UpdatedAt = time.Now().UTC()
	return nil
}

// BuryJob terminally fails a leased job.
func (s *Store) BuryJob(_ context.Context, jobID, owner, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, err := s.leased(jobID, owner)
	if err != nil {
		return err
	}
	s.terminate(j, types.JobDead, lastError)
	return nil
}

// CancelJobs kills every live job for a report.
func (s *Store) CancelJobs(_ context.Context, reportID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, j := range s.jobs {
		if j.ReportID != reportID || j.Status.Terminal() {
			continue
		}
		s.terminate(j, types.JobDead, "cancelled")
		n++
	}
	return n, nil
}

// ListJobs returns every job for a report, oldest first.
func (s *Store) ListJobs(_ context.Context, reportID string) ([]*types.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Job
	for _, j := range s.jobs {
		if j.ReportID == reportID {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out, nil
}

// CreateRun inserts a new extraction run.
func (s *Store) CreateRun(_ context.Context, run *types.ExtractionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.runs {
		if r.ReportID == run.ReportID && r.RunIndex == run.RunIndex {
			return fmt.Errorf("run index %d for report %s: %w", run.RunIndex, run.ReportID, storage.ErrConflict)
		}
	}
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = types.RunRunning
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

// GetRun fetches one run by id.
func (s *Store) GetRun(_ context.Context, id string) (*types.ExtractionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return copyRun(r), nil
}

// ListRuns returns a report's runs ordered by run index.
func (s *Store) ListRuns(_ context.Context, reportID string) ([]*types.ExtractionRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.ExtractionRun
	for _, r := range s.runs {
		if r.ReportID == reportID {
			out = append(out, copyRun(r))
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].RunIndex < out[k].RunIndex })
	return out, nil
}

// NextRunIndex returns the next free run index for a report.
func (s *Store) NextRunIndex(_ context.Context, reportID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, r := range s.runs {
		if r.ReportID == reportID && r.RunIndex > max {
			max = r.RunIndex
		}
	}
	return max + 1, nil
}

// FailRun marks a running run as failed.
func (s *Store) FailRun(_ context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runID]
	if !ok || r.Status != types.RunRunning {
		return fmt.Errorf("run %s: %w", runID, storage.ErrConflict)
	}
	r.Status = types.RunFailed
	now := time.Now().UTC()
	r.CompletedAt = &now
	return nil
}

// PersistCompiledReport atomically stores the report document and
// activates the producing run.
func (s *Store) PersistCompiledReport(_ context.Context, r *types.Report, run *types.ExtractionRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.reports[r.ID]
	if !ok {
		return fmt.Errorf("report %s: %w", r.ID, storage.ErrNotFound)
	}
	target, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %s: %w", run.ID, storage.ErrNotFound)
	}

	c := copyReport(r)
	c.CreatedAt = stored.CreatedAt
	s.reports[r.ID] = c

	for _, other := range s.runs {
		if other.ReportID == r.ID && other.ID != run.ID {
			other.IsActive = false
		}
	}
	now := time.Now().UTC()
	if run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	run.Status = types.RunCompleted
	run.IsActive = true
	target.Status = types.RunCompleted
	target.IsActive = true
	target.OutputHash = run.OutputHash
	target.Stats = run.Stats
	target.CompletedAt = run.CompletedAt
	return nil
}

// AppendStageEvent records one stage transition.
func (s *Store) AppendStageEvent(_ context.Context, ev *types.StageEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	c := *ev
	s.events = append(s.events, &c)
	return nil
}

// ListStageEvents returns a report's trace, oldest first.
func (s *Store) ListStageEvents(_ context.Context, reportID string, limit int) ([]*types.StageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 {
		limit = 200
	}
	var out []*types.StageEvent
	for _, ev := range s.events {
		if ev.ReportID != reportID {
			continue
		}
		c := *ev
		out = append(out, &c)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].At.Before(out[k].At) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PurgeTerminalJobs deletes old terminal jobs.
func (s *Store) PurgeTerminalJobs(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var n int64
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.UpdatedAt.Before(cutoff) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

// PurgeStageEvents deletes old trace events.
func (s *Store) PurgeStageEvents(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	kept := s.events[:0]
	var n int64
	for _, ev := range s.events {
		if ev.At.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	s.events = kept
	return n, nil
}

// PurgeStageOutputs deletes old outputs of terminal reports.
func (s *Store) PurgeStageOutputs(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var n int64
	for id, o := range s.outputs {
		r, ok := s.reports[o.ReportID]
		if !ok || !r.Status.Terminal() || !o.CreatedAt.Before(cutoff) {
			continue
		}
		delete(s.outIdx, outKey(o.ReportID, o.Stage, o.InputHash))
		delete(s.outputs, id)
		n++
	}
	return n, nil
}

// Stats counts stored entities.
func (s *Store) Stats(_ context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := &storage.Stats{
		Reports: make(map[types.ReportStatus]int),
		Jobs:    make(map[types.JobStatus]int),
	}
	for _, r := range s.reports {
		st.Reports[r.Status]++
	}
	now := time.Now().UTC()
	for _, j := range s.jobs {
		st.Jobs[j.Status]++
		if j.Status == types.JobQueued && !j.NextRunAt.After(now) {
			st.QueueReady++
		}
		if j.Status == types.JobLeased && j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.After(now) {
			st.LeaseExpired++
		}
	}
	st.StageOutputs = len(s.outputs)
	st.Runs = len(s.runs)
	return st, nil
}

// QueueDepths reports per-stage backlog in stage order.
func (s *Store) QueueDepths(_ context.Context) ([]storage.QueueDepth, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	byStage := make(map[types.Stage]*storage.QueueDepth)
	oldest := make(map[types.Stage]time.Time)
	for _, j := range s.jobs {
		switch j.Status {
		case types.JobQueued, types.JobLeased:
		default:
			continue
		}
		d, ok := byStage[j.Stage]
		if !ok {
			d = &storage.QueueDepth{Stage: j.Stage}
			byStage[j.Stage] = d
		}
		if j.Status == types.JobQueued {
			d.Queued++
			if t, ok := oldest[j.Stage]; !ok || j.CreatedAt.Before(t) {
				oldest[j.Stage] = j.CreatedAt
			}
		} else {
			d.Leased++
		}
	}
	now := time.Now().UTC()
	var out []storage.QueueDepth
	for _, stage := range types.StageOrder {
		d, ok := byStage[stage]
		if !ok {
			continue
		}
		if t, ok := oldest[stage]; ok {
			d.OldestAge = now.Sub(t)
		}
		out = append(out, *d)
	}
	return out, nil
}
