package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

// Per-stage wall-clock budgets. Ingest folds its three phases into one
// deadline (validate 2s, query preparation 5s, provider fan-out 45s);
// the sub-phases carry their own contexts inside the stage body.
const (
	prepareTimeout = 5 * time.Second
	fanoutTimeout  = 45 * time.Second
	persistTimeout = 4 * time.Second
)

var stageTimeouts = map[types.Stage]time.Duration{
	types.StageIngestProvider:       52 * time.Second,
	types.StageNormalize:            8 * time.Second,
	types.StageDedupe:               8 * time.Second,
	types.StageQualityFilter:        8 * time.Second,
	types.StageDeterministicExtract: 90 * time.Second,
	types.StageLLMAugment:           90 * time.Second,
	types.StageCompileReport:        4 * time.Second,
}

// runStage executes one stage invocation under its deadline with full
// event emission: START going in, then exactly one of SUCCESS (computed),
// IDEMPOTENT (stored output reused), or FAILURE. The returned output is
// the stored row either way.
func (p *Pipeline) runStage(ctx context.Context, job *types.Job, addr storage.StageAddress, fn storage.ComputeFunc) (*types.StageOutput, error) {
	timeout := stageTimeouts[job.Stage]
	if timeout <= 0 {
		timeout = time.Minute
	}

	ctx, span := p.tracer.Start(ctx, "stage."+string(job.Stage), trace.WithAttributes(
		attribute.String("report_id", addr.ReportID),
		attribute.String("job_id", job.ID),
		attribute.String("input_hash", addr.InputHash),
		attribute.Int("attempt", job.Attempts),
	))
	defer span.End()

	p.bus.StageEvent(ctx, types.StageEvent{
		ReportID:  addr.ReportID,
		JobID:     job.ID,
		Stage:     job.Stage,
		Kind:      types.EventStart,
		InputHash: addr.InputHash,
	})

	sctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, computed, err := p.outputs.ComputeOrLoad(sctx, addr, fn)
	elapsed := time.Since(start)

	if err != nil {
		if sctx.Err() != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			var pe *types.PipelineError
			if !errors.As(err, &pe) {
				err = types.WrapError(types.ErrTimeout, "stage_timeout",
					fmt.Sprintf("%s exceeded %s", job.Stage, timeout), err)
			}
		}
		p.bus.StageEvent(ctx, types.StageEvent{
			ReportID:  addr.ReportID,
			JobID:     job.ID,
			Stage:     job.Stage,
			Kind:      types.EventFailure,
			InputHash: addr.InputHash,
			Duration:  elapsed,
			Category:  types.CategoryOf(err),
			Code:      types.CodeOf(err),
			Message:   clip(err.Error(), 500),
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, types.CodeOf(err))
		return nil, err
	}

	kind := types.EventSuccess
	if !computed {
		kind = types.EventIdempotent
	}
	p.bus.StageEvent(ctx, types.StageEvent{
		ReportID:   addr.ReportID,
		JobID:      job.ID,
		Stage:      job.Stage,
		Kind:       kind,
		InputHash:  addr.InputHash,
		OutputHash: out.OutputHash,
		Duration:   elapsed,
	})
	span.SetAttributes(
		attribute.String("output_hash", out.OutputHash),
		attribute.Bool("computed", computed),
	)
	return out, nil
}

func msDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
