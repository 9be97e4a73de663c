package pipeline

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/cache"
	"github.com/magpielab/magpie/internal/canon"
	"github.com/magpielab/magpie/internal/types"
)

// compile composes the final report document from the augmented studies
// and the artifacts carried through the chain. It is pure: latency
// fields stay zero and are derived from stage events at persist time.
func (p *Pipeline) compile(_ context.Context, in *AugmentOutput) (*CompileOutput, error) {
	stats := types.ReportStats{
		CandidatesTotal:       in.Run.Funnel.CandidatesTotal,
		CandidatesFiltered:    in.Run.Funnel.CandidatesFiltered,
		RetrievedTotal:        in.Run.Funnel.RetrievedTotal,
		AbstractEligibleTotal: in.Run.Funnel.AbstractEligible,
		QualityKeptTotal:      in.Run.Funnel.QualityKeptTotal,
		ExtractionInputTotal:  in.Run.Funnel.ExtractionInputTotal,
		StrictCompleteTotal:   len(in.Strict),
		PartialTotal:          len(in.Partial),
	}
	ext := types.ExtractionStats{
		Engine:             p.engine(),
		UsedPDF:            in.UsedPDF,
		LLMFallbackApplied: in.Applied,
		FallbackReasons:    mergeReasons(in.ExtractReasons, in.AugmentReasons),
		StrictCount:        len(in.Strict),
		PartialCount:       len(in.Partial),
		DroppedCount:       in.DroppedCount,
		CostUSD:            in.CostUSD,
		InputTokens:        in.InputTokens,
		OutputTokens:       in.OutputTokens,
	}

	return &CompileOutput{
		Run:             in.Run,
		Results:         in.Strict,
		PartialResults:  in.Partial,
		EvidenceTable:   in.EvidenceTable,
		Brief:           in.Brief,
		Coverage:        in.Run.Coverage,
		Stats:           stats,
		ExtractionStats: ext,
		SourceCounts:    in.Run.SourceCounts,
		NormalizedQuery: in.Run.Prepared.Normalized,
		CanonicalPapers: in.Kept,
	}, nil
}

// persistCompiled writes the finished report: run snapshot, report row,
// cache warm-up, final metrics, and the out-of-band PDF backfill. Every
// step is an idempotent upsert, so a redelivered compile job that finds
// its output already stored simply persists again.
func (p *Pipeline) persistCompiled(ctx context.Context, report *types.Report, out *types.StageOutput) error {
	var doc CompileOutput
	if err := decodeOutput(out, &doc); err != nil {
		return err
	}

	pctx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	idx, err := p.store.NextRunIndex(pctx, report.ID)
	if err != nil {
		return types.WrapError(types.ErrExternal, "run_index", "failed to allocate run index", err)
	}

	stats := doc.Stats
	ext := doc.ExtractionStats
	stats.LatencyMS, ext.LatencyMS = p.runLatencies(pctx, report)

	run := &types.ExtractionRun{
		ID:             uuid.NewString(),
		ReportID:       report.ID,
		RunIndex:       idx,
		ParentRunID:    report.ActiveRunID,
		Trigger:        doc.Run.Trigger,
		Status:         types.RunRunning,
		Engine:         p.engine(),
		ConfigSnapshot: p.current().configSnapshot,
		InputHash:      out.InputHash,
		OutputHash:     out.OutputHash,
		Stats:          &stats,
	}
	if err := p.store.CreateRun(pctx, run); err != nil {
		return types.WrapError(types.ErrExternal, "run_create", "failed to create extraction run", err)
	}

	now := time.Now().UTC()
	report.Status = types.ReportCompleted
	report.PipelineVersionID = doc.Run.PipelineVersionID
	report.ActiveRunID = run.ID
	report.RunCount = idx
	report.Request = doc.Run.Request
	report.Results = doc.Results
	report.PartialResults = doc.PartialResults
	report.EvidenceTable = doc.EvidenceTable
	report.Brief = nil
	if len(doc.Brief.Sentences) > 0 {
		brief := doc.Brief
		report.Brief = &brief
	}
	coverage := doc.Coverage
	report.Coverage = &coverage
	report.Stats = &stats
	report.ExtractionStats = &ext
	report.SourceCounts = doc.SourceCounts
	report.NormalizedQuery = doc.NormalizedQuery
	report.LastError = ""
	report.CompletedAt = &now

	if err := p.store.PersistCompiledReport(pctx, report, run); err != nil {
		return types.WrapError(types.ErrExternal, "persist_failed", "failed to persist compiled report", err)
	}

	p.warmCaches(pctx, &doc, report)
	p.metrics.recordRun(pctx, &ext)
	p.backfillPDFs(&doc)

	p.log.Info("report completed",
		zap.String("report_id", report.ID),
		zap.String("run_id", run.ID),
		zap.Int("run_index", idx),
		zap.String("trigger", string(run.Trigger)),
		zap.Int("results", len(report.Results)),
		zap.Int("partial_results", len(report.PartialResults)),
		zap.Bool("degraded", coverage.Degraded),
		zap.Int64("latency_ms", stats.LatencyMS))
	return nil
}

// runLatencies derives the report and extraction latencies from what
// actually happened: wall time since the report was created, and the sum
// of successful extraction-stage durations from the persisted trace.
func (p *Pipeline) runLatencies(ctx context.Context, report *types.Report) (totalMS, extractMS int64) {
	totalMS = time.Since(report.CreatedAt).Milliseconds()
	if totalMS < 0 {
		totalMS = 0
	}
	evs, err := p.store.ListStageEvents(ctx, report.ID, 500)
	if err != nil {
		p.log.Debug("stage trace unavailable for latency derivation",
			zap.String("report_id", report.ID), zap.Error(err))
		return totalMS, 0
	}
	for _, ev := range evs {
		if ev.Kind != types.EventSuccess {
			continue
		}
		if ev.Stage == types.StageDeterministicExtract || ev.Stage == types.StageLLMAugment {
			extractMS += ev.Duration.Milliseconds()
		}
	}
	return totalMS, extractMS
}

// warmCaches populates the query, DOI, and canonical-record caches from
// a completed run. Failures degrade to log lines; the report is already
// persisted.
func (p *Pipeline) warmCaches(ctx context.Context, doc *CompileOutput, report *types.Report) {
	if p.cache == nil {
		return
	}
	key := cache.QueryKey(doc.NormalizedQuery, doc.Run.Providers, doc.Run.Request.Filters)
	if err := p.cache.Set(ctx, cache.Query, key, types.ResponseFromReport(report)); err != nil {
		p.log.Warn("query cache write failed",
			zap.String("report_id", report.ID), zap.Error(err))
	}
	for _, cp := range doc.CanonicalPapers {
		if doi := canon.NormalizeDOI(cp.DOI); doi != "" {
			if err := p.cache.Set(ctx, cache.DOI, doi, cp); err != nil {
				p.log.Debug("doi cache write failed", zap.String("doi", doi), zap.Error(err))
				continue
			}
		}
		fp := canon.Fingerprint(cp.Title, cp.Year, canon.NormalizeDOI(cp.DOI))
		if err := p.cache.PutCanonical(ctx, fp, cp); err != nil {
			p.log.Debug("canonical cache write failed",
				zap.String("paper_id", cp.PaperID), zap.Error(err))
		}
	}
}

// backfillPDFs posts the run's DOIs to the PDF downloader without
// blocking completion on its answer.
func (p *Pipeline) backfillPDFs(doc *CompileOutput) {
	if p.pdf == nil {
		return
	}
	var dois []string
	for _, cp := range doc.CanonicalPapers {
		if cp.DOI != "" {
			dois = append(dois, cp.DOI)
		}
	}
	if len(dois) == 0 {
		return
	}
	reportID := doc.Run.ReportID
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := p.pdf.Backfill(ctx, dois); err != nil {
			p.log.Debug("pdf backfill failed",
				zap.String("report_id", reportID),
				zap.Int("dois", len(dois)),
				zap.Error(err))
		}
	}()
}

// mergeReasons unions two reason lists into one sorted, deduplicated
// list.
func mergeReasons(a, b []string) []string {
	if len(a) == 0 && len(b) == 0 {
		return nil
	}
	set := make(map[string]bool, len(a)+len(b))
	for _, r := range a {
		set[r] = true
	}
	for _, r := range b {
		set[r] = true
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
