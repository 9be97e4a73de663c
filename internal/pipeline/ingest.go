package pipeline

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/magpielab/magpie/internal/providers"
	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

// runIngest executes the first stage. The input identity is the
// sanitized request under the active pipeline version, so a redelivered
// ingest job reuses the stored candidate set instead of hitting the
// providers again.
func (p *Pipeline) runIngest(ctx context.Context, job *types.Job, report *types.Report, payload types.JobPayload) error {
	req := report.Request
	if payload.Request != nil {
		req = *payload.Request
	}
	SanitizeRequest(&req)

	trigger := payload.Trigger
	if trigger == "" {
		trigger = types.TriggerInitial
	}

	snap := p.current()
	input := IngestInput{
		ReportID:          report.ID,
		Request:           req,
		PipelineVersionID: snap.version.ID,
		Trigger:           trigger,
	}
	inputHash, err := storage.HashInput(input)
	if err != nil {
		return types.WrapError(types.ErrInternal, "input_hash", "failed to hash ingest input", err)
	}

	if err := p.store.SetReportStatus(ctx, report.ID, "", types.ReportProcessing, ""); err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return types.WrapError(types.ErrExternal, "report_status",
				"failed to mark report processing", err)
		}
		// Terminal between claim and here: the top-of-job check on the
		// next delivery drains it.
		return nil
	}

	addr := storage.StageAddress{
		ReportID:          report.ID,
		Stage:             types.StageIngestProvider,
		InputHash:         inputHash,
		PipelineVersionID: snap.version.ID,
		ProducerJobID:     job.ID,
	}
	out, err := p.runStage(ctx, job, addr, func(sctx context.Context) (any, error) {
		return p.ingest(sctx, report, req, trigger, snap)
	})
	if err != nil {
		return err
	}

	if _, err := p.queue.EnqueueStage(ctx, report.ID, types.StageNormalize, "", types.JobPayload{ParentOutputID: out.ID}); err != nil {
		return types.WrapError(types.ErrExternal, "enqueue_failed", "failed to enqueue NORMALIZE", err)
	}
	return nil
}

// ingest validates the request, prepares the query, fans out to the
// provider profile in parallel, and runs metadata enrichment over the
// combined candidate set.
func (p *Pipeline) ingest(ctx context.Context, report *types.Report, req types.SearchRequest, trigger types.RunTrigger, snap *snapshot) (*IngestOutput, error) {
	if err := ValidateRequest(&req); err != nil {
		return nil, err
	}

	pctx, cancel := context.WithTimeout(ctx, prepareTimeout)
	prepared := snap.preparer.Prepare(pctx, req.Query)
	cancel()

	profile := req.Providers()
	pq := providers.PreparedQuery{
		OriginalKeywordQuery: prepared.Original,
		ExpandedKeywordQuery: prepared.Expanded,
		APIQuery:             prepared.APIQuery,
		Filters:              req.Filters,
		MaxResults:           req.MaxCandidates,
	}

	fctx, cancel := context.WithTimeout(ctx, fanoutTimeout)
	defer cancel()

	calls := make([]ProviderCall, len(profile))
	results := make([][]types.UnifiedPaper, len(profile))
	g, gctx := errgroup.WithContext(fctx)
	for i, name := range profile {
		i, name := i, name
		g.Go(func() error {
			calls[i], results[i] = p.searchProvider(gctx, name, pq)
			return nil
		})
	}
	_ = g.Wait()

	var candidates []types.UnifiedPaper
	counts := make(map[string]int, len(profile))
	var failed []string
	retrieved := 0
	for i, name := range profile {
		if calls[i].Status != CallOK {
			failed = append(failed, name)
			continue
		}
		candidates = append(candidates, results[i]...)
		counts[name] = len(results[i])
		retrieved += len(results[i])
	}
	if len(failed) == len(profile) {
		return nil, types.NewError(types.ErrExternal, "all_providers_failed",
			fmt.Sprintf("all %d providers failed", len(profile)))
	}

	coverage := types.Coverage{
		ProvidersQueried: profile,
		ProvidersFailed:  failed,
		Degraded:         len(failed) > 0,
	}

	enriched, enr := p.enricher.Enrich(ctx, candidates)
	p.log.Debug("ingest enrichment pass",
		zap.String("report_id", report.ID),
		zap.String("mode", string(enr.Mode)),
		zap.Int("accepted", enr.Accepted),
		zap.Int("scheduled", enr.Scheduled),
		zap.Int("cache_hits", enr.CacheHits))

	abstracts := 0
	for i := range enriched {
		if enriched[i].HasAbstract() {
			abstracts++
		}
	}

	rc := RunContext{
		ReportID:          report.ID,
		Question:          report.Question,
		Request:           req,
		Prepared:          prepared,
		Providers:         profile,
		PipelineVersionID: snap.version.ID,
		Seed:              snap.version.Seed,
		Trigger:           trigger,
		Year:              report.CreatedAt.UTC().Year(),
		Coverage:          coverage,
		SourceCounts:      counts,
		Funnel: Funnel{
			RetrievedTotal:   retrieved,
			CandidatesTotal:  len(enriched),
			AbstractEligible: abstracts,
		},
	}
	return &IngestOutput{Run: rc, Calls: calls, Candidates: enriched}, nil
}

// searchProvider runs one adapter under a span. Failures never abort the
// fan-out; they become coverage entries.
func (p *Pipeline) searchProvider(ctx context.Context, name string, pq providers.PreparedQuery) (ProviderCall, []types.UnifiedPaper) {
	ctx, span := p.tracer.Start(ctx, "provider.search",
		trace.WithAttributes(attribute.String("provider", name)))
	defer span.End()

	adapter, ok := p.adapters[name]
	if !ok {
		span.SetStatus(codes.Error, "no_adapter")
		return ProviderCall{Provider: name, Status: CallFailed, Error: "no adapter configured"}, nil
	}

	papers, stats, err := adapter.Search(ctx, pq)
	span.SetAttributes(
		attribute.Int("retry_count", stats.RetryCount),
		attribute.Int("status_code", stats.StatusCode),
		attribute.Int64("latency_ms", stats.LatencyMS),
	)
	p.metrics.recordProviderCall(ctx, name, err == nil, stats.LatencyMS)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search_failed")
		p.log.Warn("provider search failed",
			zap.String("provider", name),
			zap.Int("retries", stats.RetryCount),
			zap.Int("status_code", stats.StatusCode),
			zap.Error(err))
		return ProviderCall{Provider: name, Status: CallFailed, Retries: stats.RetryCount, Error: clip(err.Error(), 300)}, nil
	}
	span.SetAttributes(attribute.Int("papers", len(papers)))
	return ProviderCall{Provider: name, Status: CallOK, Papers: len(papers), Retries: stats.RetryCount}, papers
}
