package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

const storageScopeName = "github.com/magpielab/magpie/storage"

// InstrumentedStorage wraps storage.Storage with OTel tracing and metrics.
// Every method gets a span and is counted in magpie.storage.* metrics.
// Use WrapStorage to create one; it returns the original store unchanged
// when telemetry is disabled.
type InstrumentedStorage struct {
	inner      storage.Storage
	tracer     trace.Tracer
	ops        metric.Int64Counter
	dur        metric.Float64Histogram
	errs       metric.Int64Counter
	queueReady metric.Int64Gauge
}

// WrapStorage returns s decorated with OTel instrumentation.
// When telemetry is disabled, s is returned as-is with zero overhead.
func WrapStorage(s storage.Storage) storage.Storage {
	if !Enabled() {
		return s
	}
	m := Meter(storageScopeName)
	ops, _ := m.Int64Counter("magpie.storage.operations",
		metric.WithDescription("Total storage operations executed"),
	)
	dur, _ := m.Float64Histogram("magpie.storage.operation.duration",
		metric.WithDescription("Storage operation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("magpie.storage.errors",
		metric.WithDescription("Total storage operation errors"),
	)
	queueReady, _ := m.Int64Gauge("magpie.queue.ready",
		metric.WithDescription("Runnable queued jobs (snapshot from Stats)"),
	)
	return &InstrumentedStorage{
		inner:      s,
		tracer:     Tracer(storageScopeName),
		ops:        ops,
		dur:        dur,
		errs:       errs,
		queueReady: queueReady,
	}
}

// op starts a span and records a metric for the named storage operation.
func (s *InstrumentedStorage) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{attribute.String("db.operation", name)}, attrs...)
	ctx, span := s.tracer.Start(ctx, "storage."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all...))
	return ctx, span, time.Now()
}

// done ends the span, records duration and optional error.
func (s *InstrumentedStorage) done(ctx context.Context, span trace.Span, start time.Time, err error, attrs ...attribute.KeyValue) {
	ms := float64(time.Since(start).Milliseconds())
	s.dur.Record(ctx, ms, metric.WithAttributes(attrs...))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	span.End()
}

// ── Reports ─────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateReport(ctx context.Context, r *types.Report) error {
	ctx, span, t := s.op(ctx, "CreateReport")
	err := s.inner.CreateReport(ctx, r)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) GetReport(ctx context.Context, id string) (*types.Report, error) {
	attrs := []attribute.KeyValue{attribute.String("magpie.report.id", id)}
	ctx, span, t := s.op(ctx, "GetReport", attrs...)
	v, err := s.inner.GetReport(ctx, id)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) UpdateReport(ctx context.Context, r *types.Report) error {
	attrs := []attribute.KeyValue{attribute.String("magpie.report.id", r.ID)}
	ctx, span, t := s.op(ctx, "UpdateReport", attrs...)
	err := s.inner.UpdateReport(ctx, r)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) SetReportStatus(ctx context.Context, id string, from, to types.ReportStatus, errMsg string) error {
	attrs := []attribute.KeyValue{
		attribute.String("magpie.report.id", id),
		attribute.String("magpie.report.status", string(to)),
	}
	ctx, span, t := s.op(ctx, "SetReportStatus", attrs...)
	err := s.inner.SetReportStatus(ctx, id, from, to, errMsg)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) ListReports(ctx context.Context, f storage.ReportFilter) ([]*types.Report, error) {
	ctx, span, t := s.op(ctx, "ListReports")
	v, err := s.inner.ListReports(ctx, f)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Pipeline versions ───────────────────────────────────────────────────────

func (s *InstrumentedStorage) EnsurePipelineVersion(ctx context.Context, v *types.PipelineVersion) error {
	ctx, span, t := s.op(ctx, "EnsurePipelineVersion")
	err := s.inner.EnsurePipelineVersion(ctx, v)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) GetPipelineVersion(ctx context.Context, id string) (*types.PipelineVersion, error) {
	ctx, span, t := s.op(ctx, "GetPipelineVersion")
	v, err := s.inner.GetPipelineVersion(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Stage outputs ───────────────────────────────────────────────────────────

func (s *InstrumentedStorage) PutStageOutput(ctx context.Context, out *types.StageOutput) (*types.StageOutput, bool, error) {
	attrs := []attribute.KeyValue{attribute.String("magpie.stage", string(out.Stage))}
	ctx, span, t := s.op(ctx, "PutStageOutput", attrs...)
	v, created, err := s.inner.PutStageOutput(ctx, out)
	if err == nil {
		span.SetAttributes(attribute.Bool("magpie.stage_output.created", created))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, created, err
}

func (s *InstrumentedStorage) GetStageOutput(ctx context.Context, reportID string, stage types.Stage, inputHash string) (*types.StageOutput, error) {
	attrs := []attribute.KeyValue{attribute.String("magpie.stage", string(stage))}
	ctx, span, t := s.op(ctx, "GetStageOutput", attrs...)
	v, err := s.inner.GetStageOutput(ctx, reportID, stage, inputHash)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) GetStageOutputByID(ctx context.Context, id string) (*types.StageOutput, error) {
	ctx, span, t := s.op(ctx, "GetStageOutputByID")
	v, err := s.inner.GetStageOutputByID(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) LatestStageOutput(ctx context.Context, reportID string, stage types.Stage) (*types.StageOutput, error) {
	attrs := []attribute.KeyValue{attribute.String("magpie.stage", string(stage))}
	ctx, span, t := s.op(ctx, "LatestStageOutput", attrs...)
	v, err := s.inner.LatestStageOutput(ctx, reportID, stage)
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

// ── Jobs ────────────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) EnqueueJob(ctx context.Context, job *types.Job) error {
	attrs := []attribute.KeyValue{attribute.String("magpie.stage", string(job.Stage))}
	ctx, span, t := s.op(ctx, "EnqueueJob", attrs...)
	err := s.inner.EnqueueJob(ctx, job)
	s.done(ctx, span, t, err, attrs...)
	return err
}

func (s *InstrumentedStorage) GetJob(ctx context.Context, id string) (*types.Job, error) {
	ctx, span, t := s.op(ctx, "GetJob")
	v, err := s.inner.GetJob(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ClaimJobs(ctx context.Context, owner string, limit int, lease time.Duration) ([]*types.Job, error) {
	attrs := []attribute.KeyValue{attribute.Int("magpie.claim.limit", limit)}
	ctx, span, t := s.op(ctx, "ClaimJobs", attrs...)
	v, err := s.inner.ClaimJobs(ctx, owner, limit, lease)
	if err == nil {
		span.SetAttributes(attribute.Int("magpie.claim.count", len(v)))
	}
	s.done(ctx, span, t, err, attrs...)
	return v, err
}

func (s *InstrumentedStorage) RenewLease(ctx context.Context, jobID, owner string, lease time.Duration) error {
	ctx, span, t := s.op(ctx, "RenewLease")
	err := s.inner.RenewLease(ctx, jobID, owner, lease)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) CompleteJob(ctx context.Context, jobID, owner string) error {
	ctx, span, t := s.op(ctx, "CompleteJob")
	err := s.inner.CompleteJob(ctx, jobID, owner)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) FailJob(ctx context.Context, jobID, owner, lastError string, nextRunAt time.Time) error {
	ctx, span, t := s.op(ctx, "FailJob")
	err := s.inner.FailJob(ctx, jobID, owner, lastError, nextRunAt)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) BuryJob(ctx context.Context, jobID, owner, lastError string) error {
	ctx, span, t := s.op(ctx, "BuryJob")
	err := s.inner.BuryJob(ctx, jobID, owner, lastError)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) CancelJobs(ctx context.Context, reportID string) (int, error) {
	attrs := []attribute.KeyValue{attribute.String("magpie.report.id", reportID)}
	ctx, span, t := s.op(ctx, "CancelJobs", attrs...)
	n, err := s.inner.CancelJobs(ctx, reportID)
	s.done(ctx, span, t, err, attrs...)
	return n, err
}

func (s *InstrumentedStorage) ListJobs(ctx context.Context, reportID string) ([]*types.Job, error) {
	ctx, span, t := s.op(ctx, "ListJobs")
	v, err := s.inner.ListJobs(ctx, reportID)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Extraction runs ─────────────────────────────────────────────────────────

func (s *InstrumentedStorage) CreateRun(ctx context.Context, run *types.ExtractionRun) error {
	ctx, span, t := s.op(ctx, "CreateRun")
	err := s.inner.CreateRun(ctx, run)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) GetRun(ctx context.Context, id string) (*types.ExtractionRun, error) {
	ctx, span, t := s.op(ctx, "GetRun")
	v, err := s.inner.GetRun(ctx, id)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) ListRuns(ctx context.Context, reportID string) ([]*types.ExtractionRun, error) {
	ctx, span, t := s.op(ctx, "ListRuns")
	v, err := s.inner.ListRuns(ctx, reportID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) NextRunIndex(ctx context.Context, reportID string) (int, error) {
	ctx, span, t := s.op(ctx, "NextRunIndex")
	v, err := s.inner.NextRunIndex(ctx, reportID)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) FailRun(ctx context.Context, runID string) error {
	ctx, span, t := s.op(ctx, "FailRun")
	err := s.inner.FailRun(ctx, runID)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) PersistCompiledReport(ctx context.Context, r *types.Report, run *types.ExtractionRun) error {
	attrs := []attribute.KeyValue{attribute.String("magpie.report.id", r.ID)}
	ctx, span, t := s.op(ctx, "PersistCompiledReport", attrs...)
	err := s.inner.PersistCompiledReport(ctx, r, run)
	s.done(ctx, span, t, err, attrs...)
	return err
}

// ── Stage events ────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) AppendStageEvent(ctx context.Context, ev *types.StageEvent) error {
	ctx, span, t := s.op(ctx, "AppendStageEvent")
	err := s.inner.AppendStageEvent(ctx, ev)
	s.done(ctx, span, t, err)
	return err
}

func (s *InstrumentedStorage) ListStageEvents(ctx context.Context, reportID string, limit int) ([]*types.StageEvent, error) {
	ctx, span, t := s.op(ctx, "ListStageEvents")
	v, err := s.inner.ListStageEvents(ctx, reportID, limit)
	s.done(ctx, span, t, err)
	return v, err
}

// ── Maintenance ─────────────────────────────────────────────────────────────

func (s *InstrumentedStorage) PurgeTerminalJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span, t := s.op(ctx, "PurgeTerminalJobs")
	n, err := s.inner.PurgeTerminalJobs(ctx, olderThan)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) PurgeStageEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span, t := s.op(ctx, "PurgeStageEvents")
	n, err := s.inner.PurgeStageEvents(ctx, olderThan)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) PurgeStageOutputs(ctx context.Context, olderThan time.Duration) (int64, error) {
	ctx, span, t := s.op(ctx, "PurgeStageOutputs")
	n, err := s.inner.PurgeStageOutputs(ctx, olderThan)
	s.done(ctx, span, t, err)
	return n, err
}

func (s *InstrumentedStorage) Stats(ctx context.Context) (*storage.Stats, error) {
	ctx, span, t := s.op(ctx, "Stats")
	v, err := s.inner.Stats(ctx)
	if err == nil && v != nil {
		s.queueReady.Record(ctx, int64(v.QueueReady))
	}
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) QueueDepths(ctx context.Context) ([]storage.QueueDepth, error) {
	ctx, span, t := s.op(ctx, "QueueDepths")
	v, err := s.inner.QueueDepths(ctx)
	s.done(ctx, span, t, err)
	return v, err
}

func (s *InstrumentedStorage) Close() error {
	return s.inner.Close()
}
