package events

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

// LogHandler writes one structured log line per event.
// Priority 10 (runs first so a later handler failure is still preceded by
// the log record).
type LogHandler struct {
	Log *zap.Logger
}

func (h *LogHandler) ID() string      { return "log" }
func (h *LogHandler) Handles() []Type { return []Type{TypeStage, TypeCache} }
func (h *LogHandler) Priority() int   { return 10 }

func (h *LogHandler) Handle(_ context.Context, event *Event) error {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}
	switch event.Type {
	case TypeStage:
		ev := event.Stage
		fields := []zap.Field{
			zap.String("report_id", ev.ReportID),
			zap.String("job_id", ev.JobID),
			zap.String("stage", string(ev.Stage)),
			zap.String("kind", string(ev.Kind)),
		}
		if ev.InputHash != "" {
			fields = append(fields, zap.String("input_hash", ev.InputHash))
		}
		if ev.OutputHash != "" {
			fields = append(fields, zap.String("output_hash", ev.OutputHash))
		}
		if ev.Duration > 0 {
			fields = append(fields, zap.Int64("duration_ms", ev.Duration.Milliseconds()))
		}
		switch ev.Kind {
		case types.EventFailure:
			fields = append(fields,
				zap.String("error_category", string(ev.Category)),
				zap.String("error_code", ev.Code),
				zap.String("error", ev.Message))
			log.Warn("stage event", fields...)
		default:
			log.Info("stage event", fields...)
		}
	case TypeCache:
		ev := event.Cache
		log.Debug("cache event",
			zap.String("cache", ev.Cache),
			zap.String("key", ev.Key),
			zap.String("kind", string(ev.Kind)))
	}
	return nil
}

// StoreHandler persists stage events so report timelines survive restarts.
// Cache events are high volume and stay in logs and metrics only.
// Priority 20.
type StoreHandler struct {
	Store storage.Storage
}

func (h *StoreHandler) ID() string      { return "store" }
func (h *StoreHandler) Handles() []Type { return []Type{TypeStage} }
func (h *StoreHandler) Priority() int   { return 20 }

func (h *StoreHandler) Handle(ctx context.Context, event *Event) error {
	return h.Store.AppendStageEvent(ctx, event.Stage)
}

// MetricsHandler feeds events into OTel instruments. Priority 30.
type MetricsHandler struct {
	stageTotal metric.Int64Counter
	stageDur   metric.Float64Histogram
	cacheTotal metric.Int64Counter
}

// NewMetricsHandler builds the handler's instruments on the given meter.
func NewMetricsHandler(m metric.Meter) (*MetricsHandler, error) {
	stageTotal, err := m.Int64Counter("magpie.stage.events",
		metric.WithDescription("Stage lifecycle events by stage and kind"))
	if err != nil {
		return nil, err
	}
	stageDur, err := m.Float64Histogram("magpie.stage.duration",
		metric.WithDescription("Stage execution duration in milliseconds"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}
	cacheTotal, err := m.Int64Counter("magpie.cache.accesses",
		metric.WithDescription("Cache accesses by cache name and outcome"))
	if err != nil {
		return nil, err
	}
	return &MetricsHandler{stageTotal: stageTotal, stageDur: stageDur, cacheTotal: cacheTotal}, nil
}

func (h *MetricsHandler) ID() string      { return "metrics" }
func (h *MetricsHandler) Handles() []Type { return []Type{TypeStage, TypeCache} }
func (h *MetricsHandler) Priority() int   { return 30 }

func (h *MetricsHandler) Handle(ctx context.Context, event *Event) error {
	switch event.Type {
	case TypeStage:
		ev := event.Stage
		attrs := []attribute.KeyValue{
			attribute.String("stage", string(ev.Stage)),
			attribute.String("kind", string(ev.Kind)),
		}
		if ev.Kind == types.EventFailure {
			attrs = append(attrs, attribute.String("category", string(ev.Category)))
		}
		h.stageTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
		if ev.Kind == types.EventSuccess || ev.Kind == types.EventFailure {
			h.stageDur.Record(ctx, float64(ev.Duration.Milliseconds()),
				metric.WithAttributes(attribute.String("stage", string(ev.Stage))))
		}
	case TypeCache:
		ev := event.Cache
		h.cacheTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("cache", ev.Cache),
			attribute.String("kind", string(ev.Kind))))
	}
	return nil
}
