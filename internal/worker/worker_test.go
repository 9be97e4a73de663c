package worker

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/config"
	"github.com/magpielab/magpie/internal/events"
	"github.com/magpielab/magpie/internal/pipeline"
	"github.com/magpielab/magpie/internal/providers"
	"github.com/magpielab/magpie/internal/queue"
	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/storage/memory"
	"github.com/magpielab/magpie/internal/types"
)

// fakeAdapter satisfies providers.Adapter with canned results.
type fakeAdapter struct {
	name   string
	papers []types.UnifiedPaper
	err    error
	calls  int
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Search(_ context.Context, _ providers.PreparedQuery) ([]types.UnifiedPaper, providers.CallStats, error) {
	f.calls++
	if f.err != nil {
		return nil, providers.CallStats{}, f.err
	}
	return f.papers, providers.CallStats{StatusCode: 200}, nil
}

func intp(v int) *int { return &v }

func rctPaper() types.UnifiedPaper {
	return types.UnifiedPaper{
		ID:    "W1001",
		Title: "Mindfulness-based stress reduction for chronic low back pain: a randomized controlled trial",
		Year:  2021,
		Abstract: "Background: Chronic low back pain is a leading cause of disability. " +
			"Methods: We randomly assigned 120 adults (n=120) with chronic low back pain to " +
			"mindfulness-based stress reduction or usual care for 26 weeks. " +
			"Results: Pain intensity decreased by 1.8 points (95% CI 1.2 to 2.4, p=0.01) versus control. " +
			"Conclusions: Mindfulness-based stress reduction produced clinically meaningful improvement.",
		Authors:          []string{"Cherkin DC", "Sherman KJ", "Balderson BH"},
		Venue:            "JAMA",
		Source:           "openalex",
		DOI:              "10.1001/jama.2021.1234",
		CitationCount:    intp(245),
		PublicationTypes: []string{"randomized controlled trial"},
	}
}

func testConfig() *config.Config {
	return &config.Config{
		Seed:  1,
		Query: config.QueryConfig{PipelineMode: config.QueryModeV1},
		Extraction: config.ExtractionConfig{
			Engine:            config.EngineScripted,
			MaxCandidates:     45,
			PDFParseTimeoutMS: 12000,
		},
		Enrichment: config.EnrichmentConfig{
			Mode:         config.EnrichOfflineShadow,
			MaxLatencyMS: 5000,
			RetryMax:     4,
		},
		Worker: config.WorkerConfig{
			BatchSize:    4,
			PollInterval: 10 * time.Millisecond,
			Lease:        time.Minute,
		},
	}
}

type harness struct {
	store storage.Storage
	queue *queue.Queue
	pipe  *pipeline.Pipeline
	w     *Worker
}

func newHarness(t *testing.T, maxAttempts int, adapters ...providers.Adapter) *harness {
	t.Helper()
	log := zap.NewNop()
	store := memory.New()
	q := queue.New(store, log, queue.Options{LeaseFor: time.Minute, MaxAttempts: maxAttempts})

	bundle, err := config.LoadBundle("", "test")
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	bus := events.NewBus(log)
	bus.Register(&events.StoreHandler{Store: store})

	pipe, err := pipeline.New(pipeline.Deps{
		Store:    store,
		Queue:    q,
		Bus:      bus,
		Adapters: adapters,
		Config:   testConfig(),
		Bundle:   bundle,
		Log:      log,
	})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	if err := pipe.EnsureVersion(context.Background()); err != nil {
		t.Fatalf("EnsureVersion: %v", err)
	}

	w, err := New(store, q, pipe, log, Options{ID: "w-test", BatchSize: 4})
	if err != nil {
		t.Fatalf("worker.New: %v", err)
	}
	return &harness{store: store, queue: q, pipe: pipe, w: w}
}

// startReport creates a queued report and its ingest job.
func (h *harness) startReport(t *testing.T, id string) *types.Report {
	t.Helper()
	ctx := context.Background()
	req := types.SearchRequest{
		Query:           "does mindfulness reduce chronic low back pain",
		MaxCandidates:   20,
		MaxEvidenceRows: 10,
		ProviderProfile: []string{types.ProviderOpenAlex},
	}
	r := &types.Report{
		ID:                id,
		Question:          req.Query,
		Status:            types.ReportQueued,
		PipelineVersionID: h.pipe.Version().ID,
		Request:           req,
	}
	if err := h.store.CreateReport(ctx, r); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	enq, err := h.queue.EnqueueStage(ctx, r.ID, types.StageIngestProvider, "", types.JobPayload{
		Request: &req,
		Trigger: types.TriggerInitial,
	})
	if err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}
	if !enq {
		t.Fatalf("ingest job deduplicated unexpectedly")
	}
	return r
}

// drainAll runs drain passes until the queue is empty, folding the results.
func drainAll(t *testing.T, w *Worker) *DrainResult {
	t.Helper()
	total := &DrainResult{}
	for i := 0; i < 24; i++ {
		res, err := w.DrainOnce(context.Background(), 0)
		if err != nil {
			t.Fatalf("DrainOnce: %v", err)
		}
		if res.Claimed == 0 {
			return total
		}
		total.Add(res)
	}
	t.Fatalf("queue did not drain after 24 passes: %+v", total)
	return nil
}

func TestDrainCompletesReport(t *testing.T) {
	adapter := &fakeAdapter{name: types.ProviderOpenAlex, papers: []types.UnifiedPaper{rctPaper()}}
	h := newHarness(t, 5, adapter)
	r := h.startReport(t, "rep-ok")

	res := drainAll(t, h.w)

	if want := len(types.StageOrder); res.Completed != want {
		t.Fatalf("completed = %d, want %d (one per stage)", res.Completed, want)
	}
	if res.Retried != 0 || res.Dead != 0 {
		t.Fatalf("unexpected retries/deaths: %+v", res)
	}
	if adapter.calls != 1 {
		t.Fatalf("adapter called %d times, want 1", adapter.calls)
	}

	got, err := h.store.GetReport(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Status != types.ReportCompleted {
		t.Fatalf("report status = %s, want completed (error: %q)", got.Status, got.LastError)
	}
	if got.RunCount != 1 || got.ActiveRunID == "" {
		t.Fatalf("run bookkeeping: count=%d active=%q", got.RunCount, got.ActiveRunID)
	}
	if got.Stats == nil || got.Coverage == nil {
		t.Fatalf("completed report missing stats or coverage")
	}
	if got.CompletedAt == nil {
		t.Fatalf("completed report missing completed_at")
	}
	if len(got.Results)+len(got.PartialResults) == 0 {
		t.Fatalf("completed report has no study results")
	}

	runs, err := h.store.ListRuns(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("ListRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Status != types.RunCompleted || !runs[0].IsActive {
		t.Fatalf("runs = %+v, want one active completed run", runs)
	}
}

func TestDrainBuriesNonRetryableAndFailsReport(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	r := &types.Report{ID: "rep-dead", Question: "q", Status: types.ReportQueued}
	if err := h.store.CreateReport(ctx, r); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	// A chained job whose parent output does not exist is an internal
	// error: no retry can fix it.
	if _, err := h.queue.EnqueueStage(ctx, r.ID, types.StageNormalize, "", types.JobPayload{
		ParentOutputID: "so-missing",
	}); err != nil {
		t.Fatalf("EnqueueStage: %v", err)
	}

	res, err := h.w.DrainOnce(ctx, 0)
	if err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if res.Claimed != 1 || res.Dead != 1 || res.Completed != 0 || res.Retried != 0 {
		t.Fatalf("result = %+v, want exactly one dead job", res)
	}
	if len(res.Failures) != 1 {
		t.Fatalf("failures = %+v, want one entry", res.Failures)
	}
	f := res.Failures[0]
	if f.ReportID != r.ID || f.Stage != types.StageNormalize || f.Category != types.ErrInternal {
		t.Fatalf("failure = %+v", f)
	}

	got, err := h.store.GetReport(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Status != types.ReportFailed {
		t.Fatalf("report status = %s, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, string(types.StageNormalize)) {
		t.Fatalf("report error %q does not name the stage", got.LastError)
	}

	jobs, err := h.store.ListJobs(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != types.JobDead || jobs[0].Attempts != 1 {
		t.Fatalf("job = %+v, want dead after exactly one attempt", jobs[0])
	}
}

func TestDrainRetriesTransientFailure(t *testing.T) {
	adapter := &fakeAdapter{
		name: types.ProviderOpenAlex,
		err:  errors.New("upstream 503"),
	}
	h := newHarness(t, 5, adapter)
	r := h.startReport(t, "rep-retry")
	ctx := context.Background()

	res, err := h.w.DrainOnce(ctx, 0)
	if err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if res.Claimed != 1 || res.Retried != 1 || res.Dead != 0 {
		t.Fatalf("result = %+v, want one retried job", res)
	}

	got, err := h.store.GetReport(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Status.Terminal() {
		t.Fatalf("report reached %s on a retryable failure", got.Status)
	}

	jobs, err := h.store.ListJobs(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) != 1 {
		t.Fatalf("jobs = %d, want 1", len(jobs))
	}
	j := jobs[0]
	if j.Status != types.JobQueued || j.Attempts != 1 {
		t.Fatalf("job = status=%s attempts=%d, want queued after first attempt", j.Status, j.Attempts)
	}
	if !j.NextRunAt.After(time.Now()) {
		t.Fatalf("retried job has no backoff: next_run_at=%v", j.NextRunAt)
	}
}

func TestDrainExhaustionBuriesAndFailsReport(t *testing.T) {
	adapter := &fakeAdapter{
		name: types.ProviderOpenAlex,
		err:  errors.New("upstream down"),
	}
	h := newHarness(t, 1, adapter) // single attempt: first failure buries
	r := h.startReport(t, "rep-exhaust")
	ctx := context.Background()

	res, err := h.w.DrainOnce(ctx, 0)
	if err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if res.Dead != 1 {
		t.Fatalf("result = %+v, want one dead job", res)
	}
	if res.Failures[0].Category != types.ErrExternal {
		t.Fatalf("failure category = %s, want external", res.Failures[0].Category)
	}

	got, err := h.store.GetReport(ctx, r.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Status != types.ReportFailed {
		t.Fatalf("report status = %s, want failed", got.Status)
	}
}

func TestDrainSkipsJobsForTerminalReports(t *testing.T) {
	adapter := &fakeAdapter{name: types.ProviderOpenAlex, papers: []types.UnifiedPaper{rctPaper()}}
	h := newHarness(t, 5, adapter)
	r := h.startReport(t, "rep-term")
	ctx := context.Background()

	// Fail the report out from under its queued job.
	if err := h.store.SetReportStatus(ctx, r.ID, "", types.ReportFailed, "canceled by test"); err != nil {
		t.Fatalf("SetReportStatus: %v", err)
	}

	res, err := h.w.DrainOnce(ctx, 0)
	if err != nil {
		t.Fatalf("DrainOnce: %v", err)
	}
	if res.Claimed != 1 || res.Completed != 1 {
		t.Fatalf("result = %+v, want the stale job completed as a no-op", res)
	}
	if adapter.calls != 0 {
		t.Fatalf("adapter ran for a terminal report")
	}
}

func TestDrainResultAdd(t *testing.T) {
	total := &DrainResult{}
	total.Add(&DrainResult{Claimed: 2, Completed: 1, Retried: 1})
	total.Add(&DrainResult{Claimed: 1, Dead: 1, Failures: []Failure{{JobID: "j1"}}})
	total.Add(nil)
	if total.Claimed != 3 || total.Completed != 1 || total.Retried != 1 || total.Dead != 1 {
		t.Fatalf("total = %+v", total)
	}
	if len(total.Failures) != 1 {
		t.Fatalf("failures = %+v", total.Failures)
	}
}

func TestWorkerDefaultID(t *testing.T) {
	h := newHarness(t, 5)
	w, err := New(h.store, h.queue, h.pipe, zap.NewNop(), Options{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if w.ID() == "" {
		t.Fatalf("default worker id is empty")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	h := newHarness(t, 5)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- h.w.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop after cancel")
	}
}

func TestMaintenanceStallDetector(t *testing.T) {
	h := newHarness(t, 5)
	ctx := context.Background()

	m, err := NewMaintenance(h.store, h.queue, zap.NewNop(), MaintenanceOptions{
		StallAfter: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewMaintenance: %v", err)
	}

	stalled := &types.Report{ID: "rep-stalled", Question: "q", Status: types.ReportQueued}
	if err := h.store.CreateReport(ctx, stalled); err != nil {
		t.Fatalf("CreateReport: %v", err)
	}
	if err := h.store.SetReportStatus(ctx, stalled.ID, types.ReportQueued, types.ReportProcessing, ""); err != nil {
		t.Fatalf("SetReportStatus: %v", err)
	}

	healthy := h.startReport(t, "rep-healthy")
	if err := h.store.SetReportStatus(ctx, healthy.ID, types.ReportQueued, types.ReportProcessing, ""); err != nil {
		t.Fatalf("SetReportStatus: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	m.detectStalled()

	got, err := h.store.GetReport(ctx, stalled.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Status != types.ReportFailed || !strings.Contains(got.LastError, "stalled") {
		t.Fatalf("stalled report = %s %q, want failed/stalled", got.Status, got.LastError)
	}

	got, err = h.store.GetReport(ctx, healthy.ID)
	if err != nil {
		t.Fatalf("GetReport: %v", err)
	}
	if got.Status != types.ReportProcessing {
		t.Fatalf("report with a live job moved to %s", got.Status)
	}
}

func TestMaintenanceSweepPurgesTerminalJobs(t *testing.T) {
	adapter := &fakeAdapter{name: types.ProviderOpenAlex, papers: []types.UnifiedPaper{rctPaper()}}
	h := newHarness(t, 5, adapter)
	r := h.startReport(t, "rep-sweep")
	drainAll(t, h.w)

	ctx := context.Background()
	jobs, err := h.store.ListJobs(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(jobs) == 0 {
		t.Fatalf("expected terminal jobs before sweep")
	}

	m, err := NewMaintenance(h.store, h.queue, zap.NewNop(), MaintenanceOptions{
		JobRetention:    time.Nanosecond,
		EventRetention:  time.Nanosecond,
		OutputRetention: 24 * time.Hour, // keep outputs; only jobs and events age out
	})
	if err != nil {
		t.Fatalf("NewMaintenance: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	m.sweep()

	jobs, err = h.store.ListJobs(ctx, r.ID)
	if err != nil {
		t.Fatalf("ListJobs after sweep: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("terminal jobs survived the sweep: %d", len(jobs))
	}

	// Stage outputs were inside their retention window and must survive.
	out, err := h.store.LatestStageOutput(ctx, r.ID, types.StageCompileReport)
	if err != nil || out == nil {
		t.Fatalf("compile output purged: %v", err)
	}
}
