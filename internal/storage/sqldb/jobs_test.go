package sqldb

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

func enqueue(t *testing.T, s *Store, reportID string, stage types.Stage, provider string) *types.Job {
	t.Helper()
	job := &types.Job{
		ReportID:  reportID,
		Stage:     stage,
		DedupeKey: types.DedupeKey(stage, provider, reportID),
		Payload:   []byte(`{"parent_output_id":"out-0"}`),
	}
	if err := s.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("enqueue %s: %v", job.DedupeKey, err)
	}
	return job
}

func TestEnqueueClaimComplete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := enqueue(t, s, "rep-1", types.StageIngestProvider, "openalex")

	claimed, err := s.ClaimJobs(ctx, "worker-a", 10, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 {
		t.Fatalf("claimed = %d, want 1", len(claimed))
	}
	got := claimed[0]
	if got.ID != job.ID {
		t.Errorf("claimed id = %s, want %s", got.ID, job.ID)
	}
	if got.Status != types.JobLeased || got.LeaseOwner != "worker-a" {
		t.Errorf("job = %s/%s, want leased/worker-a", got.Status, got.LeaseOwner)
	}
	if got.Attempts != 1 {
		t.Errorf("attempts = %d, want 1 after first claim", got.Attempts)
	}
	if got.LeaseExpiresAt == nil || !got.LeaseExpiresAt.After(time.Now()) {
		t.Error("lease expiry not in the future")
	}

	// Nothing else to claim while the lease holds.
	again, err := s.ClaimJobs(ctx, "worker-b", 10, time.Minute)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(again) != 0 {
		t.Errorf("second claim = %d jobs, want 0", len(again))
	}

	if err := s.CompleteJob(ctx, got.ID, "worker-a"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	final, err := s.GetJob(ctx, got.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Status != types.JobCompleted {
		t.Errorf("status = %s, want completed", final.Status)
	}
}

func TestDuplicateLiveJobSuppressed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "rep-1", types.StageNormalize, "")

	dup := &types.Job{
		ReportID:  "rep-1",
		Stage:     types.StageNormalize,
		DedupeKey: types.DedupeKey(types.StageNormalize, "", "rep-1"),
	}
	err := s.EnqueueJob(ctx, dup)
	if !errors.Is(err, storage.ErrDuplicateJob) {
		t.Fatalf("duplicate enqueue error = %v, want ErrDuplicateJob", err)
	}

	// A different report is a different key.
	other := &types.Job{
		ReportID:  "rep-2",
		Stage:     types.StageNormalize,
		DedupeKey: types.DedupeKey(types.StageNormalize, "", "rep-2"),
	}
	if err := s.EnqueueJob(ctx, other); err != nil {
		t.Fatalf("other report enqueue: %v", err)
	}
}

func TestDedupeSlotFreedAfterTerminal(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "rep-1", types.StageDedupe, "")
	claimed, err := s.ClaimJobs(ctx, "w", 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	if err := s.CompleteJob(ctx, claimed[0].ID, "w"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	// Same dedupe key can be enqueued again now that the first is
	// terminal; both rows coexist because live is NULL on the old one.
	enqueue(t, s, "rep-1", types.StageDedupe, "")
}

func TestFailJobReschedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "rep-1", types.StageIngestProvider, "pubmed")
	claimed, err := s.ClaimJobs(ctx, "w", 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	job := claimed[0]

	retryAt := time.Now().UTC().Add(30 * time.Second)
	if err := s.FailJob(ctx, job.ID, "w", "provider 503", retryAt); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.JobQueued || got.LastError != "provider 503" {
		t.Errorf("job = %s/%q, want queued/provider 503", got.Status, got.LastError)
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Error("lease not cleared on fail")
	}

	// Not yet due, so not claimable.
	again, err := s.ClaimJobs(ctx, "w2", 1, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(again) != 0 {
		t.Error("rescheduled job claimed before next_run_at")
	}
}

func TestExpiredLeaseIsReclaimable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "rep-1", types.StageQualityFilter, "")
	first, err := s.ClaimJobs(ctx, "worker-a", 1, 10*time.Millisecond)
	if err != nil || len(first) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(first))
	}

	time.Sleep(25 * time.Millisecond)

	second, err := s.ClaimJobs(ctx, "worker-b", 1, time.Minute)
	if err != nil {
		t.Fatalf("reclaim: %v", err)
	}
	if len(second) != 1 {
		t.Fatalf("reclaim = %d jobs, want 1", len(second))
	}
	if second[0].LeaseOwner != "worker-b" {
		t.Errorf("owner = %s, want worker-b", second[0].LeaseOwner)
	}
	if second[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2 after reclaim", second[0].Attempts)
	}

	// The original worker's completion must now fail.
	err = s.CompleteJob(ctx, first[0].ID, "worker-a")
	if !errors.Is(err, storage.ErrLeaseLost) {
		t.Errorf("stale complete error = %v, want ErrLeaseLost", err)
	}
}

func TestRenewLease(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "rep-1", types.StageLLMAugment, "")
	claimed, err := s.ClaimJobs(ctx, "w", 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	before := *claimed[0].LeaseExpiresAt

	if err := s.RenewLease(ctx, claimed[0].ID, "w", 5*time.Minute); err != nil {
		t.Fatalf("renew: %v", err)
	}
	got, _ := s.GetJob(ctx, claimed[0].ID)
	if !got.LeaseExpiresAt.After(before) {
		t.Error("renew did not extend the lease")
	}

	if err := s.RenewLease(ctx, claimed[0].ID, "impostor", time.Minute); !errors.Is(err, storage.ErrLeaseLost) {
		t.Errorf("impostor renew error = %v, want ErrLeaseLost", err)
	}
}

func TestBuryJob(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	enqueue(t, s, "rep-1", types.StageCompileReport, "")
	claimed, err := s.ClaimJobs(ctx, "w", 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	if err := s.BuryJob(ctx, claimed[0].ID, "w", "attempts exhausted"); err != nil {
		t.Fatalf("bury: %v", err)
	}
	got, _ := s.GetJob(ctx, claimed[0].ID)
	if got.Status != types.JobDead || got.LastError != "attempts exhausted" {
		t.Errorf("job = %s/%q, want dead/attempts exhausted", got.Status, got.LastError)
	}
}

func TestCancelJobsKillsLiveOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// One job finishes before the cancel; it must stay completed.
	enqueue(t, s, "rep-1", types.StageIngestProvider, "openalex")
	claimed, err := s.ClaimJobs(ctx, "w", 1, time.Minute)
	if err != nil || len(claimed) != 1 {
		t.Fatalf("claim: %v (%d)", err, len(claimed))
	}
	if err := s.CompleteJob(ctx, claimed[0].ID, "w"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	enqueue(t, s, "rep-1", types.StageIngestProvider, "pubmed")
	enqueue(t, s, "rep-1", types.StageNormalize, "")

	n, err := s.CancelJobs(ctx, "rep-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if n != 2 {
		t.Errorf("cancelled = %d, want 2", n)
	}

	jobs, err := s.ListJobs(ctx, "rep-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var completed, dead int
	for _, j := range jobs {
		switch j.Status {
		case types.JobCompleted:
			completed++
		case types.JobDead:
			dead++
		}
	}
	if completed != 1 || dead != 2 {
		t.Errorf("completed=%d dead=%d, want 1/2", completed, dead)
	}
}

func TestClaimOrderIsFIFO(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC()
	early := &types.Job{
		ReportID:  "rep-1",
		Stage:     types.StageNormalize,
		DedupeKey: types.DedupeKey(types.StageNormalize, "", "rep-1"),
		NextRunAt: now.Add(-2 * time.Minute),
		CreatedAt: now.Add(-2 * time.Minute),
	}
	late := &types.Job{
		ReportID:  "rep-2",
		Stage:     types.StageNormalize,
		DedupeKey: types.DedupeKey(types.StageNormalize, "", "rep-2"),
		NextRunAt: now.Add(-1 * time.Minute),
		CreatedAt: now.Add(-1 * time.Minute),
	}
	if err := s.EnqueueJob(ctx, late); err != nil {
		t.Fatalf("enqueue late: %v", err)
	}
	if err := s.EnqueueJob(ctx, early); err != nil {
		t.Fatalf("enqueue early: %v", err)
	}

	claimed, err := s.ClaimJobs(ctx, "w", 2, time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 2 {
		t.Fatalf("claimed = %d, want 2", len(claimed))
	}
	if claimed[0].ID != early.ID {
		t.Errorf("first claim = %s, want the earliest next_run_at", claimed[0].ID)
	}
}
