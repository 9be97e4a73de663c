package sqldb

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := storage.SQLiteDSN(filepath.Join(t.TempDir(), "magpie.db"))
	s, err := Open(context.Background(), storage.BackendSQLite, dsn)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestReportRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &types.Report{
		ID:       "rep-1",
		Owner:    "alice",
		Question: "does creatine improve cognition?",
		Request:  types.SearchRequest{Query: "creatine cognition", MaxCandidates: 45},
	}
	if err := s.CreateReport(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	got, err := s.GetReport(ctx, "rep-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != types.ReportQueued {
		t.Errorf("status = %s, want queued default", got.Status)
	}
	if got.Request.Query != "creatine cognition" {
		t.Errorf("request query = %q", got.Request.Query)
	}
	if got.CreatedAt.IsZero() {
		t.Error("created_at not set")
	}

	got.Status = types.ReportProcessing
	got.NormalizedQuery = "creatine cognition adults"
	got.Stats = &types.ReportStats{CandidatesTotal: 80}
	got.SourceCounts = map[string]int{"openalex": 25, "pubmed": 20}
	if err := s.UpdateReport(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}

	got2, err := s.GetReport(ctx, "rep-1")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if got2.Stats == nil || got2.Stats.CandidatesTotal != 80 {
		t.Error("stats did not round-trip")
	}
	if got2.SourceCounts["openalex"] != 25 {
		t.Error("source counts did not round-trip")
	}

	if _, err := s.GetReport(ctx, "nope"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("missing report error = %v, want ErrNotFound", err)
	}
}

func TestSetReportStatusGuard(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &types.Report{ID: "rep-1", Question: "q", Request: types.SearchRequest{Query: "q"}}
	if err := s.CreateReport(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}

	if err := s.SetReportStatus(ctx, "rep-1", types.ReportQueued, types.ReportProcessing, ""); err != nil {
		t.Fatalf("queued->processing: %v", err)
	}
	// Same transition again must fail the guard.
	err := s.SetReportStatus(ctx, "rep-1", types.ReportQueued, types.ReportProcessing, "")
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("stale transition error = %v, want ErrConflict", err)
	}

	// Empty from matches any non-terminal status.
	if err := s.SetReportStatus(ctx, "rep-1", "", types.ReportFailed, "provider down"); err != nil {
		t.Fatalf("any->failed: %v", err)
	}
	got, _ := s.GetReport(ctx, "rep-1")
	if got.Status != types.ReportFailed || got.LastError != "provider down" {
		t.Errorf("report = %s/%q, want failed/provider down", got.Status, got.LastError)
	}
	if got.CompletedAt == nil {
		t.Error("terminal transition must set completed_at")
	}

	// Terminal reports are no longer matched by the empty-from guard.
	err = s.SetReportStatus(ctx, "rep-1", "", types.ReportProcessing, "")
	if !errors.Is(err, storage.ErrConflict) {
		t.Errorf("terminal transition error = %v, want ErrConflict", err)
	}
}

func TestListReportsFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, status := range []types.ReportStatus{types.ReportQueued, types.ReportCompleted, types.ReportCompleted} {
		r := &types.Report{
			ID:        fmt.Sprintf("rep-%d", i),
			Question:  "q",
			Status:    status,
			Request:   types.SearchRequest{Query: "q"},
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.CreateReport(ctx, r); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	completed, err := s.ListReports(ctx, storage.ReportFilter{Status: types.ReportCompleted})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(completed) != 2 {
		t.Fatalf("completed count = %d, want 2", len(completed))
	}
	// Newest first.
	if !completed[0].CreatedAt.After(completed[1].CreatedAt) {
		t.Error("list not ordered newest first")
	}

	limited, err := s.ListReports(ctx, storage.ReportFilter{Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("limited count = %d, want 1", len(limited))
	}
}

func TestPipelineVersionEnsureIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v := &types.PipelineVersion{ID: "pv-1", PromptManifestHash: "aaaa", ExtractorBundleHash: "bbbb", ConfigHash: "cccc", Seed: 7}
	if err := s.EnsurePipelineVersion(ctx, v); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := s.EnsurePipelineVersion(ctx, v); err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	got, err := s.GetPipelineVersion(ctx, "pv-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Seed != 7 || got.PromptManifestHash != "aaaa" {
		t.Errorf("version did not round-trip: %+v", got)
	}
}

func TestStageOutputIdempotency(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := &types.StageOutput{
		ReportID:   "rep-1",
		Stage:      types.StageNormalize,
		InputHash:  "aabbccdd00112233",
		OutputHash: "1111111111111111",
		Payload:    []byte(`{"papers":[{"id":"p1"}]}`),
	}
	stored, created, err := s.PutStageOutput(ctx, first)
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if !created {
		t.Fatal("first put should create")
	}

	// Same address, different payload: the stored row wins.
	second := &types.StageOutput{
		ReportID:   "rep-1",
		Stage:      types.StageNormalize,
		InputHash:  "aabbccdd00112233",
		OutputHash: "2222222222222222",
		Payload:    []byte(`{"papers":[]}`),
	}
	stored2, created2, err := s.PutStageOutput(ctx, second)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if created2 {
		t.Error("second put must not create")
	}
	if stored2.ID != stored.ID {
		t.Errorf("stored id = %s, want %s", stored2.ID, stored.ID)
	}
	if stored2.OutputHash != "1111111111111111" {
		t.Errorf("output hash = %s, want the first writer's", stored2.OutputHash)
	}
	if !bytes.Equal(stored2.Payload, first.Payload) {
		t.Error("payload must be the first writer's")
	}

	// A different input hash is a fresh address.
	third := &types.StageOutput{
		ReportID:   "rep-1",
		Stage:      types.StageNormalize,
		InputHash:  "ffffffff00112233",
		OutputHash: "3333333333333333",
		Payload:    []byte(`{}`),
	}
	if _, created3, err := s.PutStageOutput(ctx, third); err != nil || !created3 {
		t.Fatalf("third put created=%v err=%v, want true/nil", created3, err)
	}

	latest, err := s.LatestStageOutput(ctx, "rep-1", types.StageNormalize)
	if err != nil {
		t.Fatalf("latest: %v", err)
	}
	if latest.InputHash != "ffffffff00112233" {
		t.Errorf("latest input hash = %s, want the newest row", latest.InputHash)
	}
}

func TestStageOutputLargePayloadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Big enough to take the compressed path.
	payload := []byte(`{"abstract":"` + strings.Repeat("creatine improves cognition ", 200) + `"}`)
	out := &types.StageOutput{
		ReportID:   "rep-1",
		Stage:      types.StageIngestProvider,
		InputHash:  "0011223344556677",
		OutputHash: "8899aabbccddeeff",
		Payload:    payload,
	}
	if _, _, err := s.PutStageOutput(ctx, out); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := s.GetStageOutput(ctx, "rep-1", types.StageIngestProvider, "0011223344556677")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !bytes.Equal(got.Payload, payload) {
		t.Error("compressed payload did not round-trip")
	}
}

func TestRunLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &types.Report{ID: "rep-1", Question: "q", Request: types.SearchRequest{Query: "q"}}
	if err := s.CreateReport(ctx, r); err != nil {
		t.Fatalf("create report: %v", err)
	}

	idx, err := s.NextRunIndex(ctx, "rep-1")
	if err != nil {
		t.Fatalf("next index: %v", err)
	}
	if idx != 1 {
		t.Errorf("first index = %d, want 1", idx)
	}

	run1 := &types.ExtractionRun{ID: "run-1", ReportID: "rep-1", RunIndex: 1, Trigger: types.TriggerInitial, Engine: "deterministic"}
	if err := s.CreateRun(ctx, run1); err != nil {
		t.Fatalf("create run: %v", err)
	}

	// Same index again must conflict.
	dup := &types.ExtractionRun{ID: "run-dup", ReportID: "rep-1", RunIndex: 1, Trigger: types.TriggerInitial}
	if err := s.CreateRun(ctx, dup); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("duplicate index error = %v, want ErrConflict", err)
	}

	r.Status = types.ReportCompleted
	r.ActiveRunID = "run-1"
	r.RunCount = 1
	run1.OutputHash = "feedfeedfeedfeed"
	run1.Stats = &types.ReportStats{StrictCompleteTotal: 4}
	if err := s.PersistCompiledReport(ctx, r, run1); err != nil {
		t.Fatalf("persist: %v", err)
	}

	got1, err := s.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if got1.Status != types.RunCompleted || !got1.IsActive {
		t.Errorf("run1 = %s/active=%v, want completed/active", got1.Status, got1.IsActive)
	}
	if got1.Stats == nil || got1.Stats.StrictCompleteTotal != 4 {
		t.Error("run stats did not persist")
	}

	// Second run becomes active; the first is deactivated.
	run2 := &types.ExtractionRun{ID: "run-2", ReportID: "rep-1", RunIndex: 2, Trigger: types.TriggerRegenerate, Engine: "deterministic"}
	if err := s.CreateRun(ctx, run2); err != nil {
		t.Fatalf("create run2: %v", err)
	}
	r.ActiveRunID = "run-2"
	r.RunCount = 2
	if err := s.PersistCompiledReport(ctx, r, run2); err != nil {
		t.Fatalf("persist run2: %v", err)
	}

	runs, err := s.ListRuns(ctx, "rep-1")
	if err != nil {
		t.Fatalf("list runs: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("run count = %d, want 2", len(runs))
	}
	if runs[0].IsActive || !runs[1].IsActive {
		t.Errorf("active flags = %v/%v, want false/true", runs[0].IsActive, runs[1].IsActive)
	}

	// Failing a completed run must conflict.
	if err := s.FailRun(ctx, "run-1"); !errors.Is(err, storage.ErrConflict) {
		t.Errorf("fail completed run error = %v, want ErrConflict", err)
	}
}

func TestStageEventsAppendAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	events := []*types.StageEvent{
		{ReportID: "rep-1", JobID: "j1", Stage: types.StageIngestProvider, Kind: types.EventStart},
		{ReportID: "rep-1", JobID: "j1", Stage: types.StageIngestProvider, Kind: types.EventSuccess, OutputHash: "aa", Duration: 1200 * time.Millisecond},
		{ReportID: "rep-2", JobID: "j9", Stage: types.StageNormalize, Kind: types.EventFailure, Category: types.ErrExternal, Code: "provider_http_503"},
	}
	for i, ev := range events {
		ev.At = time.Now().UTC().Add(time.Duration(i) * time.Millisecond)
		if err := s.AppendStageEvent(ctx, ev); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	got, err := s.ListStageEvents(ctx, "rep-1", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("event count = %d, want 2", len(got))
	}
	if got[0].Kind != types.EventStart || got[1].Kind != types.EventSuccess {
		t.Errorf("order = %s,%s, want START,SUCCESS", got[0].Kind, got[1].Kind)
	}
	if got[1].Duration != 1200*time.Millisecond {
		t.Errorf("duration = %v, want 1.2s", got[1].Duration)
	}
}

func TestPurges(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// An old completed report with an old output, plus an old event.
	old := time.Now().UTC().Add(-48 * time.Hour)
	r := &types.Report{ID: "rep-old", Question: "q", Status: types.ReportCompleted, Request: types.SearchRequest{Query: "q"}, CreatedAt: old}
	if err := s.CreateReport(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	out := &types.StageOutput{ReportID: "rep-old", Stage: types.StageDedupe, InputHash: "aa", OutputHash: "bb", CreatedAt: old}
	if _, _, err := s.PutStageOutput(ctx, out); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.AppendStageEvent(ctx, &types.StageEvent{ReportID: "rep-old", Stage: types.StageDedupe, Kind: types.EventSuccess, At: old}); err != nil {
		t.Fatalf("append: %v", err)
	}

	n, err := s.PurgeStageOutputs(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge outputs: %v", err)
	}
	if n != 1 {
		t.Errorf("purged outputs = %d, want 1", n)
	}
	n, err = s.PurgeStageEvents(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("purge events: %v", err)
	}
	if n != 1 {
		t.Errorf("purged events = %d, want 1", n)
	}
}

func TestStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := &types.Report{ID: "rep-1", Question: "q", Request: types.SearchRequest{Query: "q"}}
	if err := s.CreateReport(ctx, r); err != nil {
		t.Fatalf("create: %v", err)
	}
	job := &types.Job{ReportID: "rep-1", Stage: types.StageIngestProvider, DedupeKey: types.DedupeKey(types.StageIngestProvider, "", "rep-1")}
	if err := s.EnqueueJob(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Reports[types.ReportQueued] != 1 {
		t.Errorf("queued reports = %d, want 1", st.Reports[types.ReportQueued])
	}
	if st.Jobs[types.JobQueued] != 1 || st.QueueReady != 1 {
		t.Errorf("jobs = %v ready = %d, want one ready job", st.Jobs, st.QueueReady)
	}
}
