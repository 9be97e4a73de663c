// Package pipeline runs the seven research stages over claimed jobs:
// provider ingest, DOI hydration, canonical dedupe, quality filtering,
// deterministic extraction, model augmentation, and report compilation.
//
// Each stage is a pure function of its single parent output. The runner
// owns the per-stage deadline, event emission, and the compute-or-load
// discipline, so a redelivered job converges on the already-stored
// output instead of repeating work.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/augment"
	"github.com/magpielab/magpie/internal/cache"
	"github.com/magpielab/magpie/internal/canon"
	"github.com/magpielab/magpie/internal/config"
	"github.com/magpielab/magpie/internal/enrich"
	"github.com/magpielab/magpie/internal/events"
	"github.com/magpielab/magpie/internal/extract"
	"github.com/magpielab/magpie/internal/providers"
	"github.com/magpielab/magpie/internal/query"
	"github.com/magpielab/magpie/internal/queue"
	"github.com/magpielab/magpie/internal/stablejson"
	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/telemetry"
	"github.com/magpielab/magpie/internal/types"
)

// DefaultMaxEvidenceRows caps the evidence table when the request does
// not name its own bound.
const DefaultMaxEvidenceRows = 20

// snapshot is the bundle-derived state swapped atomically on hot reload.
// Jobs read one snapshot for their whole run, so a reload mid-flight
// never mixes two bundle generations inside one stage.
type snapshot struct {
	version        *types.PipelineVersion
	preparer       *query.Preparer
	trust          canon.TrustFunc
	configSnapshot []byte
}

// Deps wires a Pipeline. Store, Queue, Bus, Config, and Bundle are
// required; everything else degrades gracefully when absent (no cache,
// no model, no PDF service, no providers).
type Deps struct {
	Store     storage.Storage
	Queue     *queue.Queue
	Bus       *events.Bus
	Cache     *cache.Client
	Adapters  []providers.Adapter
	Resolvers []providers.Resolver
	Model     augment.Model
	Rewriter  query.Rewriter
	PDF       *extract.PDFClient
	Config    *config.Config
	Bundle    *config.Bundle
	Log       *zap.Logger
}

// Pipeline executes stages for claimed jobs and persists their outputs.
type Pipeline struct {
	store    storage.Storage
	outputs  *storage.OutputStore
	queue    *queue.Queue
	bus      *events.Bus
	cache    *cache.Client
	enricher *enrich.Enricher
	adapters map[string]providers.Adapter
	model    augment.Model
	rewriter query.Rewriter
	pdf      *extract.PDFClient
	cfg      *config.Config
	log      *zap.Logger
	tracer   trace.Tracer
	metrics  *Metrics
	snap     atomic.Pointer[snapshot]
}

// New builds a Pipeline and activates the given bundle.
func New(d Deps) (*Pipeline, error) {
	switch {
	case d.Store == nil:
		return nil, errors.New("pipeline: store is required")
	case d.Queue == nil:
		return nil, errors.New("pipeline: queue is required")
	case d.Bus == nil:
		return nil, errors.New("pipeline: event bus is required")
	case d.Config == nil:
		return nil, errors.New("pipeline: config is required")
	case d.Bundle == nil:
		return nil, errors.New("pipeline: bundle is required")
	}
	if d.Log == nil {
		d.Log = zap.NewNop()
	}

	outputs, err := storage.NewOutputStore(d.Store, 0)
	if err != nil {
		return nil, err
	}
	metrics, err := newMetrics(telemetry.Meter("magpie/pipeline"))
	if err != nil {
		return nil, err
	}

	adapters := make(map[string]providers.Adapter, len(d.Adapters))
	for _, a := range d.Adapters {
		adapters[a.Name()] = a
	}

	p := &Pipeline{
		store:    d.Store,
		outputs:  outputs,
		queue:    d.Queue,
		bus:      d.Bus,
		cache:    d.Cache,
		adapters: adapters,
		model:    d.Model,
		rewriter: d.Rewriter,
		pdf:      d.PDF,
		cfg:      d.Config,
		log:      d.Log,
		tracer:   telemetry.Tracer("magpie/pipeline"),
		metrics:  metrics,
	}

	emode, err := enrich.ParseMode(d.Config.Enrichment.Mode)
	if err != nil {
		return nil, err
	}
	p.enricher = enrich.New(d.Cache, d.Resolvers, func(name string) float64 {
		return p.current().trust(name)
	}, d.Log)
	p.enricher.Mode = emode
	p.enricher.InlinePercent = d.Config.Enrichment.InlinePercent
	p.enricher.MaxLatency = msDuration(d.Config.Enrichment.MaxLatencyMS)
	p.enricher.RetryMax = d.Config.Enrichment.RetryMax

	p.Reload(d.Bundle)
	return p, nil
}

// Reload activates a freshly parsed rule bundle: new concept table, new
// trust weights, new pipeline version identity. Jobs already past their
// snapshot read finish on the old generation.
func (p *Pipeline) Reload(b *config.Bundle) {
	mode, err := query.ParseMode(p.cfg.Query.PipelineMode)
	if err != nil {
		mode = query.ModeV1
	}
	prep := query.NewPreparer(b.Concepts, mode, p.log)
	prep.Rewriter = p.rewriter

	version := config.Identity(p.cfg, b)
	cs, err := stablejson.Marshal(configSnapshot{
		Engine:            p.cfg.Extraction.Engine,
		MaxCandidates:     p.cfg.Extraction.MaxCandidates,
		QueryMode:         p.cfg.Query.PipelineMode,
		EnrichMode:        p.cfg.Enrichment.Mode,
		Model:             p.cfg.Model.Name,
		PipelineVersionID: version.ID,
		Seed:              version.Seed,
	})
	if err != nil {
		p.log.Warn("config snapshot serialization failed", zap.Error(err))
	}

	p.snap.Store(&snapshot{
		version:        version,
		preparer:       prep,
		trust:          canon.TrustFunc(b.TrustFunc()),
		configSnapshot: cs,
	})
	p.log.Info("pipeline version active",
		zap.String("pipeline_version_id", version.ID),
		zap.String("prompt_manifest_hash", version.PromptManifestHash),
		zap.String("extractor_bundle_hash", version.ExtractorBundleHash),
		zap.String("config_hash", version.ConfigHash),
		zap.Int64("seed", version.Seed))
}

// configSnapshot is the forward-compatible run snapshot: the analytical
// knobs an operator needs to reproduce a run.
type configSnapshot struct {
	Engine            string `json:"engine"`
	MaxCandidates     int    `json:"max_candidates"`
	QueryMode         string `json:"query_mode"`
	EnrichMode        string `json:"enrichment_mode"`
	Model             string `json:"model"`
	PipelineVersionID string `json:"pipeline_version_id"`
	Seed              int64  `json:"seed"`
}

func (p *Pipeline) current() *snapshot {
	return p.snap.Load()
}

// Version returns the active pipeline version. New reports are stamped
// with it at creation time.
func (p *Pipeline) Version() *types.PipelineVersion {
	return p.current().version
}

// EnsureVersion upserts the active version row so stage outputs have a
// valid reference before the first job runs.
func (p *Pipeline) EnsureVersion(ctx context.Context) error {
	if err := p.store.EnsurePipelineVersion(ctx, p.current().version); err != nil {
		return fmt.Errorf("failed to ensure pipeline version: %w", err)
	}
	return nil
}

// Prepare normalizes and expands a question against the active bundle
// without touching storage. The API uses it to probe the query cache
// before committing to a fresh report.
func (p *Pipeline) Prepare(ctx context.Context, question string) query.Prepared {
	return p.current().preparer.Prepare(ctx, question)
}

// engine is the extraction engine tag stamped on runs and stats.
func (p *Pipeline) engine() string {
	return p.cfg.Extraction.Engine
}

// modelEnabled reports whether the augment stage may call the model.
func (p *Pipeline) modelEnabled() bool {
	return p.model != nil && p.cfg.Extraction.Engine != config.EngineScripted
}

// ProcessJob runs one claimed job to completion: execute the stage,
// store its output, and enqueue the successor (or persist the report for
// the final stage). A nil return means the job may be completed; an
// error carries the retry category for the queue's fail decision.
//
// Jobs for terminal reports are silent no-ops, which is how late
// redeliveries and post-failure stragglers drain out.
func (p *Pipeline) ProcessJob(ctx context.Context, job *types.Job) error {
	report, err := p.store.GetReport(ctx, job.ReportID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.WrapError(types.ErrInternal, "report_missing",
				fmt.Sprintf("job %s references report %s", job.ID, job.ReportID), err)
		}
		return types.WrapError(types.ErrExternal, "report_load", "failed to load report", err)
	}
	if report.Status.Terminal() {
		p.log.Info("skipping job, report already terminal",
			zap.String("job_id", job.ID),
			zap.String("report_id", report.ID),
			zap.String("status", string(report.Status)))
		return nil
	}

	var payload types.JobPayload
	if len(job.Payload) > 0 {
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return types.WrapError(types.ErrInternal, "job_payload_malformed",
				fmt.Sprintf("job %s payload is not valid JSON", job.ID), err)
		}
	}

	if job.Stage == types.StageIngestProvider {
		return p.runIngest(ctx, job, report, payload)
	}
	return p.runChained(ctx, job, report, payload)
}

// runChained executes any stage after ingest: load the parent output the
// job references, assert stage order, address the computation by the
// parent's content, and hand the successor on.
func (p *Pipeline) runChained(ctx context.Context, job *types.Job, report *types.Report, payload types.JobPayload) error {
	if payload.ParentOutputID == "" {
		return types.NewError(types.ErrInternal, "parent_output_missing",
			fmt.Sprintf("%s job %s has no parent output reference", job.Stage, job.ID))
	}
	parent, err := p.store.GetStageOutputByID(ctx, payload.ParentOutputID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return types.WrapError(types.ErrInternal, "parent_output_missing",
				fmt.Sprintf("parent output %s not found", payload.ParentOutputID), err)
		}
		return types.WrapError(types.ErrExternal, "parent_output_load", "failed to load parent output", err)
	}
	if want := types.PrevStage(job.Stage); parent.Stage != want {
		return types.NewError(types.ErrInternal, "stage_order_violation",
			fmt.Sprintf("%s expects a %s parent, got %s", job.Stage, want, parent.Stage))
	}

	input := ChainInput{
		Stage:             job.Stage,
		ParentStage:       parent.Stage,
		ParentOutputHash:  parent.OutputHash,
		PipelineVersionID: parent.PipelineVersionID,
	}
	inputHash, err := storage.HashInput(input)
	if err != nil {
		return types.WrapError(types.ErrInternal, "input_hash", "failed to hash stage input", err)
	}
	addr := storage.StageAddress{
		ReportID:          report.ID,
		Stage:             job.Stage,
		InputHash:         inputHash,
		PipelineVersionID: parent.PipelineVersionID,
		ProducerJobID:     job.ID,
	}

	out, err := p.runStage(ctx, job, addr, func(sctx context.Context) (any, error) {
		return p.dispatch(sctx, job.Stage, parent)
	})
	if err != nil {
		return err
	}

	if job.Stage == types.StageCompileReport {
		return p.persistCompiled(ctx, report, out)
	}
	next := types.NextStage(job.Stage)
	if _, err := p.queue.EnqueueStage(ctx, report.ID, next, "", types.JobPayload{ParentOutputID: out.ID}); err != nil {
		return types.WrapError(types.ErrExternal, "enqueue_failed",
			fmt.Sprintf("failed to enqueue %s", next), err)
	}
	return nil
}

// dispatch decodes the parent payload into the stage's input type and
// runs the stage body.
func (p *Pipeline) dispatch(ctx context.Context, stage types.Stage, parent *types.StageOutput) (any, error) {
	switch stage {
	case types.StageNormalize:
		var in IngestOutput
		if err := decodeOutput(parent, &in); err != nil {
			return nil, err
		}
		return p.normalize(ctx, &in)
	case types.StageDedupe:
		var in NormalizeOutput
		if err := decodeOutput(parent, &in); err != nil {
			return nil, err
		}
		return p.dedupe(ctx, &in)
	case types.StageQualityFilter:
		var in DedupeOutput
		if err := decodeOutput(parent, &in); err != nil {
			return nil, err
		}
		return p.quality(ctx, &in)
	case types.StageDeterministicExtract:
		var in QualityOutput
		if err := decodeOutput(parent, &in); err != nil {
			return nil, err
		}
		return p.deterministic(ctx, &in)
	case types.StageLLMAugment:
		var in ExtractOutput
		if err := decodeOutput(parent, &in); err != nil {
			return nil, err
		}
		return p.augment(ctx, &in)
	case types.StageCompileReport:
		var in AugmentOutput
		if err := decodeOutput(parent, &in); err != nil {
			return nil, err
		}
		return p.compile(ctx, &in)
	}
	return nil, types.NewError(types.ErrInternal, "unknown_stage", fmt.Sprintf("no handler for stage %q", stage))
}

// decodeOutput unmarshals a stored stage payload into dest.
func decodeOutput(out *types.StageOutput, dest any) error {
	if err := json.Unmarshal(out.Payload, dest); err != nil {
		return types.WrapError(types.ErrInternal, "payload_malformed",
			fmt.Sprintf("failed to decode %s output %s", out.Stage, out.ID), err)
	}
	return nil
}

// SanitizeRequest applies defaults in place: bounds, evidence rows, the
// provider profile, and whitespace. Both the API edge and the ingest
// stage run it so the hashed request identity is the same on each side.
func SanitizeRequest(req *types.SearchRequest) {
	req.Query = strings.TrimSpace(req.Query)
	req.Domain = strings.TrimSpace(req.Domain)
	if req.MaxCandidates == 0 {
		req.MaxCandidates = 45
	}
	if req.MaxEvidenceRows == 0 {
		req.MaxEvidenceRows = DefaultMaxEvidenceRows
	}
	for i, name := range req.ProviderProfile {
		req.ProviderProfile[i] = strings.ToLower(strings.TrimSpace(name))
	}
}

// ValidateRequest checks a sanitized request. Violations are VALIDATION
// errors: surfaced as 400 at the API, buried without retry in a worker.
func ValidateRequest(req *types.SearchRequest) error {
	if req.Query == "" {
		return types.NewError(types.ErrValidation, "query_required", "query must not be empty")
	}
	if len(req.Query) > 2000 {
		return types.NewError(types.ErrValidation, "query_too_long", "query exceeds 2000 characters")
	}
	if req.MaxCandidates < 5 || req.MaxCandidates > 60 {
		return types.NewError(types.ErrValidation, "max_candidates_out_of_range",
			"max_candidates must be between 5 and 60")
	}
	if req.MaxEvidenceRows < 1 {
		return types.NewError(types.ErrValidation, "max_evidence_rows_out_of_range",
			"max_evidence_rows must be at least 1")
	}
	if f := req.Filters; f.FromYear != 0 && f.ToYear != 0 && f.FromYear > f.ToYear {
		return types.NewError(types.ErrValidation, "timeframe_inverted",
			"filters.from_year is after filters.to_year")
	}
	for _, name := range req.ProviderProfile {
		if !types.KnownProvider(name) {
			return types.NewError(types.ErrValidation, "unknown_provider",
				strconv.Quote(name)+" is not a supported provider")
		}
	}
	return nil
}
