package worker

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/queue"
	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/telemetry"
	"github.com/magpielab/magpie/internal/types"
)

// Retention and stall defaults. Terminal jobs are short-lived bookkeeping;
// stage events feed debugging for a month; superseded stage outputs stay
// longer because re-runs diff against them.
const (
	defaultJobRetention    = 7 * 24 * time.Hour
	defaultEventRetention  = 30 * 24 * time.Hour
	defaultOutputRetention = 90 * 24 * time.Hour
	defaultStallAfter      = time.Hour
)

// MaintenanceOptions tunes the housekeeping schedule. Zero durations take
// the defaults above.
type MaintenanceOptions struct {
	JobRetention    time.Duration // purge terminal jobs older than this
	EventRetention  time.Duration // purge stage events older than this
	OutputRetention time.Duration // purge superseded stage outputs older than this
	StallAfter      time.Duration // fail processing reports with no live jobs after this
}

func (o *MaintenanceOptions) setDefaults() {
	if o.JobRetention <= 0 {
		o.JobRetention = defaultJobRetention
	}
	if o.EventRetention <= 0 {
		o.EventRetention = defaultEventRetention
	}
	if o.OutputRetention <= 0 {
		o.OutputRetention = defaultOutputRetention
	}
	if o.StallAfter <= 0 {
		o.StallAfter = defaultStallAfter
	}
}

// Maintenance runs periodic housekeeping for a deployment: queue depth
// gauges every 30s, retention sweeps every 10m, and a stalled-report
// detector every 5m. One instance per deployment is enough; running more
// is harmless because every task is idempotent.
type Maintenance struct {
	store storage.Storage
	queue *queue.Queue
	log   *zap.Logger
	cron  *cron.Cron
	opts  MaintenanceOptions

	depth  metric.Int64Gauge
	leased metric.Int64Gauge
	oldest metric.Float64Gauge
}

// NewMaintenance builds the housekeeping scheduler. Call Start to begin
// and Stop to wind down.
func NewMaintenance(store storage.Storage, q *queue.Queue, log *zap.Logger, opts MaintenanceOptions) (*Maintenance, error) {
	if store == nil {
		return nil, errors.New("worker: maintenance requires a store")
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts.setDefaults()

	meter := telemetry.Meter("magpie/worker")
	depth, err := meter.Int64Gauge("magpie.queue.depth",
		metric.WithDescription("Queued jobs per stage"))
	if err != nil {
		return nil, err
	}
	leased, err := meter.Int64Gauge("magpie.queue.leased",
		metric.WithDescription("Leased jobs per stage"))
	if err != nil {
		return nil, err
	}
	oldest, err := meter.Float64Gauge("magpie.queue.oldest_age_seconds",
		metric.WithDescription("Age of the oldest queued job per stage"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	m := &Maintenance{
		store:  store,
		queue:  q,
		log:    log.Named("maintenance"),
		opts:   opts,
		depth:  depth,
		leased: leased,
		oldest: oldest,
	}

	clog := cronLogger{log: m.log.Sugar()}
	m.cron = cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(clog)), cron.WithLogger(clog))
	if _, err := m.cron.AddFunc("*/30 * * * * *", m.sampleQueues); err != nil {
		return nil, err
	}
	if _, err := m.cron.AddFunc("0 */10 * * * *", m.sweep); err != nil {
		return nil, err
	}
	if _, err := m.cron.AddFunc("0 */5 * * * *", m.detectStalled); err != nil {
		return nil, err
	}
	return m, nil
}

// Start begins the schedule in a background goroutine.
func (m *Maintenance) Start() {
	m.cron.Start()
	m.log.Info("maintenance started",
		zap.Duration("job_retention", m.opts.JobRetention),
		zap.Duration("event_retention", m.opts.EventRetention),
		zap.Duration("output_retention", m.opts.OutputRetention),
		zap.Duration("stall_after", m.opts.StallAfter))
}

// Stop halts the schedule and blocks until in-flight tasks finish.
func (m *Maintenance) Stop() {
	<-m.cron.Stop().Done()
	m.log.Info("maintenance stopped")
}

// sampleQueues records per-stage backlog gauges.
func (m *Maintenance) sampleQueues() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	depths, err := m.store.QueueDepths(ctx)
	if err != nil {
		m.log.Warn("queue depth sample failed", zap.Error(err))
		return
	}
	for _, d := range depths {
		attrs := metric.WithAttributes(attribute.String("stage", string(d.Stage)))
		m.depth.Record(ctx, int64(d.Queued), attrs)
		m.leased.Record(ctx, int64(d.Leased), attrs)
		m.oldest.Record(ctx, d.OldestAge.Seconds(), attrs)
	}
}

// sweep applies the retention windows.
func (m *Maintenance) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	jobs, err := m.store.PurgeTerminalJobs(ctx, m.opts.JobRetention)
	if err != nil {
		m.log.Warn("purge terminal jobs failed", zap.Error(err))
	}
	events, err := m.store.PurgeStageEvents(ctx, m.opts.EventRetention)
	if err != nil {
		m.log.Warn("purge stage events failed", zap.Error(err))
	}
	outputs, err := m.store.PurgeStageOutputs(ctx, m.opts.OutputRetention)
	if err != nil {
		m.log.Warn("purge stage outputs failed", zap.Error(err))
	}
	if jobs+events+outputs > 0 {
		m.log.Info("retention sweep",
			zap.Int64("jobs", jobs),
			zap.Int64("events", events),
			zap.Int64("outputs", outputs))
	}
}

// detectStalled fails reports stuck in processing with no live jobs.
// That state can only arise from operator intervention (purged jobs,
// manual cancellation) since the pipeline enqueues the successor before
// completing the current job, but once a report is in it nothing will
// ever move it again.
func (m *Maintenance) detectStalled() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().Add(-m.opts.StallAfter)
	reports, err := m.store.ListReports(ctx, storage.ReportFilter{
		Status: types.ReportProcessing,
		Before: cutoff,
		Limit:  100,
	})
	if err != nil {
		m.log.Warn("stall scan failed", zap.Error(err))
		return
	}
	for _, r := range reports {
		jobs, err := m.store.ListJobs(ctx, r.ID)
		if err != nil {
			m.log.Warn("stall scan: list jobs failed", zap.String("report_id", r.ID), zap.Error(err))
			continue
		}
		live := 0
		for _, j := range jobs {
			if !j.Status.Terminal() {
				live++
			}
		}
		if live > 0 {
			continue
		}
		err = m.store.SetReportStatus(ctx, r.ID, types.ReportProcessing, types.ReportFailed,
			"stalled: no live jobs remain")
		switch {
		case err == nil:
			m.log.Warn("failed stalled report", zap.String("report_id", r.ID))
		case errors.Is(err, storage.ErrConflict):
			// Moved on while we were scanning.
		default:
			m.log.Warn("stall scan: set status failed", zap.String("report_id", r.ID), zap.Error(err))
		}
	}
}

// cronLogger adapts zap to the cron logger contract. Schedule chatter
// logs at debug; panics recovered by the chain log at error.
type cronLogger struct {
	log *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Errorw(msg, append(keysAndValues, "error", err)...)
}
