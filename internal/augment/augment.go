// Package augment fills the gaps deterministic extraction leaves
// behind. The model receives the deterministic baseline and may only
// fill fields that are null or empty; identity fields and outcome
// alignment are locked, and any reply that fails schema or
// locked-field validation keeps the deterministic result untouched.
package augment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/cache"
	"github.com/magpielab/magpie/internal/canon"
	"github.com/magpielab/magpie/internal/extract"
	"github.com/magpielab/magpie/internal/stablejson"
	"github.com/magpielab/magpie/internal/types"
)

const (
	defaultBatchSize   = 15
	defaultMaxFallback = 50

	// Per-million-token prices for the default model, used for the
	// cost_per_report metric. Override per deployment when the model
	// changes.
	defaultInputCostPerMTok  = 0.80
	defaultOutputCostPerMTok = 4.00
)

const augmentPromptTemplate = `You are completing metadata for research studies extracted from paper abstracts by deterministic rules. For each study below, fill ONLY the fields that are null or empty, using the abstract excerpt and widely known bibliographic facts.

Rules you must follow exactly:
- Return a JSON array with one object per study, in the same order as the input.
- Never change study_id, title, year, or study_design.
- Never add, remove, or reorder entries in outcomes; only fill empty fields inside each outcome.
- Fields you may fill when null or empty: sample_size, population, citationCount, pdf_url, landing_page_url, citation.doi, citation.pubmed_id, citation.openalex_id, and inside each outcome: key_result, intervention, comparator, effect_size, p_value.
- effect_size and p_value are verbatim text from the study, never recomputed numbers.
- If you do not know a value, leave it null or empty. Do not guess.
- Reply with the JSON array only. No prose, no markdown.

Studies:
{{.StudiesJSON}}`

var augmentTemplate = template.Must(template.New("augment").Parse(augmentPromptTemplate))

// PromptHash identifies the augmentation prompt in extraction cache
// keys. Editing the prompt text invalidates prior cached merges.
func PromptHash() string {
	return stablejson.HashBytes([]byte(augmentPromptTemplate))
}

// Result is one augmentation pass over the deterministic studies.
// Studies is the merged list in input order; Strict and Partial are
// the recomputed tiers, including any synthesized fallback entries.
type Result struct {
	Studies         []types.StudyResult
	Strict          []types.StudyResult
	Partial         []types.StudyResult
	DroppedCount    int
	Attempted       bool
	Applied         bool
	GapStudies      int
	CacheHits       int
	ModelCalls      int
	MergedStudies   int
	FallbackStudies int
	FailureReasons  []string
	CacheWrites     int
	Usage           Usage
	CostUSD         float64
	ElapsedMS       int64
}

// Augmenter merges model output into deterministic extractions.
// Fields may be adjusted after New and before the first Augment call.
type Augmenter struct {
	// Model performs the completions. Nil disables model calls; the
	// pass then only recomputes tiers and synthesizes fallbacks.
	Model Model

	// ModelName goes into the extraction cache key so entries from
	// different models never collide.
	ModelName string

	// BatchSize bounds how many studies share one prompt.
	BatchSize int

	// MaxFallback caps how many studies are synthesized when both
	// tiers come back empty.
	MaxFallback int

	InputCostPerMTok  float64
	OutputCostPerMTok float64

	cache *cache.Client
	log   *zap.Logger
}

// New builds an augmenter. The cache may be nil, in which case
// hydration and upserts are skipped.
func New(model Model, modelName string, c *cache.Client, log *zap.Logger) *Augmenter {
	if modelName == "" {
		modelName = defaultModelName
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Augmenter{
		Model:             model,
		ModelName:         modelName,
		BatchSize:         defaultBatchSize,
		MaxFallback:       defaultMaxFallback,
		InputCostPerMTok:  defaultInputCostPerMTok,
		OutputCostPerMTok: defaultOutputCostPerMTok,
		cache:             c,
		log:               log,
	}
}

func (a *Augmenter) cacheKey(studyID string) string {
	return cache.ExtractionKey(studyID, extract.ExtractorVersion, PromptHash(), a.ModelName)
}

// Augment fills nullable gaps in the deterministic studies, recomputes
// the completeness tiers, and synthesizes fallback entries when both
// tiers come back empty while quality-kept papers exist. The input
// slice is not modified.
func (a *Augmenter) Augment(ctx context.Context, studies []types.StudyResult, kept []*types.CanonicalPaper) *Result {
	start := time.Now()
	res := &Result{Studies: make([]types.StudyResult, len(studies))}
	copy(res.Studies, studies)
	reasons := map[string]bool{}

	var gaps []int
	for i := range res.Studies {
		if hasGaps(&res.Studies[i]) {
			gaps = append(gaps, i)
		}
	}
	res.GapStudies = len(gaps)

	var touched []int
	switch {
	case len(gaps) == 0:
		// Nothing for the model to fill.
	case a.Model == nil:
		reasons["augment_disabled"] = true
	default:
		res.Attempted = true
		var pending []int
		for _, i := range gaps {
			if a.hydrate(ctx, &res.Studies[i]) {
				res.CacheHits++
				continue
			}
			pending = append(pending, i)
		}

		merged, degraded := a.runBatches(ctx, res, pending, reasons)
		touched = merged
		res.MergedStudies = len(merged)
		res.Applied = !degraded
		if degraded {
			reasons["augment_degraded"] = true
		}
	}

	res.Strict, res.Partial, res.DroppedCount = extract.Partition(res.Studies)

	if len(res.Strict) == 0 && len(res.Partial) == 0 && len(kept) > 0 {
		fallback := a.synthesizeFallback(kept)
		if len(fallback) > 0 {
			res.Partial = fallback
			res.FallbackStudies = len(fallback)
			reasons["fallback_synthesized"] = true
		}
	}

	res.CacheWrites = a.upsert(ctx, res.Studies, touched)
	res.FailureReasons = sortedReasons(reasons)
	res.CostUSD = a.cost(res.Usage)
	res.ElapsedMS = time.Since(start).Milliseconds()

	a.log.Info("augmentation finished",
		zap.Bool("attempted", res.Attempted),
		zap.Bool("applied", res.Applied),
		zap.Int("gap_studies", res.GapStudies),
		zap.Int("cache_hits", res.CacheHits),
		zap.Int("model_calls", res.ModelCalls),
		zap.Int("merged", res.MergedStudies),
		zap.Int("strict", len(res.Strict)),
		zap.Int("partial", len(res.Partial)),
		zap.Int("dropped", res.DroppedCount),
		zap.Int("fallback_studies", res.FallbackStudies),
		zap.Strings("failure_reasons", res.FailureReasons),
		zap.Float64("cost_usd", res.CostUSD),
		zap.Int64("elapsed_ms", res.ElapsedMS))
	return res
}

// hasGaps reports whether the model could still add anything: a null
// top-level field, a missing identifier, or an empty optional field
// inside any outcome.
func hasGaps(s *types.StudyResult) bool {
	if s.SampleSize == nil || s.Population == nil || s.CitationCount == nil ||
		s.PDFURL == nil || s.LandingPageURL == nil {
		return true
	}
	if s.Citation.DOI == "" || s.Citation.PubmedID == "" || s.Citation.OpenAlexID == "" {
		return true
	}
	for i := range s.Outcomes {
		o := &s.Outcomes[i]
		if o.KeyResult == "" || o.Intervention == "" || o.Comparator == "" ||
			o.EffectSize == "" || o.PValue == "" {
			return true
		}
	}
	return false
}

// NeedsAugmentation reports whether any study still has gaps worth a
// model call. The pipeline uses it to decide whether the stage runs.
func NeedsAugmentation(studies []types.StudyResult) bool {
	for i := range studies {
		if hasGaps(&studies[i]) {
			return true
		}
	}
	return false
}

// hydrate merges a fresh cached augmentation for this study if one
// exists. The cached entry passed the locked-field checks when it was
// written, so only the nullable merge is repeated against today's
// baseline.
func (a *Augmenter) hydrate(ctx context.Context, s *types.StudyResult) bool {
	if a.cache == nil {
		return false
	}
	var cached types.StudyResult
	found, stale, err := a.cache.Get(ctx, cache.Extraction, a.cacheKey(s.StudyID), &cached)
	if err != nil {
		a.log.Warn("extraction cache read failed",
			zap.String("study_id", s.StudyID), zap.Error(err))
		return false
	}
	if !found || stale {
		return false
	}
	mergeStudy(s, &cached)
	return true
}

// runBatches sends the pending studies to the model in fixed-size
// batches and merges validated replies. A failed batch leaves its
// studies deterministic and marks the pass degraded; later batches
// still run.
func (a *Augmenter) runBatches(ctx context.Context, res *Result, pending []int, reasons map[string]bool) (merged []int, degraded bool) {
	size := a.BatchSize
	if size <= 0 {
		size = defaultBatchSize
	}

	for lo := 0; lo < len(pending); lo += size {
		hi := lo + size
		if hi > len(pending) {
			hi = len(pending)
		}
		batch := pending[lo:hi]

		out, usage, err := a.callModel(ctx, res.Studies, batch)
		res.Usage.add(usage)
		res.ModelCalls++
		if err != nil {
			if errors.Is(err, errSchemaInvalid) {
				reasons["augment_schema_invalid"] = true
			} else {
				reasons["augment_model_error"] = true
			}
			degraded = true
			a.log.Warn("augmentation batch failed",
				zap.Int("batch_size", len(batch)), zap.Error(err))
			continue
		}
		if len(out) != len(batch) {
			reasons["augment_batch_misaligned"] = true
			degraded = true
			a.log.Warn("augmentation batch misaligned",
				zap.Int("sent", len(batch)), zap.Int("returned", len(out)))
			continue
		}

		for j, idx := range batch {
			base := &res.Studies[idx]
			if err := verifyLocked(base, &out[j]); err != nil {
				reasons["augment_locked_field_changed"] = true
				degraded = true
				a.log.Warn("model changed a locked field",
					zap.String("study_id", base.StudyID), zap.Error(err))
				continue
			}
			mergeStudy(base, &out[j])
			merged = append(merged, idx)
		}
	}
	return merged, degraded
}

// callModel prompts the model with one batch of baselines and decodes
// the schema-validated reply.
func (a *Augmenter) callModel(ctx context.Context, studies []types.StudyResult, batch []int) ([]types.StudyResult, Usage, error) {
	baselines := make([]types.StudyResult, len(batch))
	for j, idx := range batch {
		baselines[j] = studies[idx]
	}
	blob, err := json.Marshal(baselines)
	if err != nil {
		return nil, Usage{}, fmt.Errorf("encode batch: %w", err)
	}

	var buf bytes.Buffer
	if err := augmentTemplate.Execute(&buf, struct{ StudiesJSON string }{StudiesJSON: string(blob)}); err != nil {
		return nil, Usage{}, fmt.Errorf("render prompt: %w", err)
	}

	raw, usage, err := a.Model.Complete(ctx, buf.String())
	if err != nil {
		return nil, usage, err
	}
	out, err := decodeStudies(raw)
	if err != nil {
		return nil, usage, err
	}
	return out, usage, nil
}

// verifyLocked checks the fields the prompt forbids the model from
// changing. The outcome count doubles as the alignment check: merges
// fall back to positional pairing, so a changed count would
// misattribute results.
func verifyLocked(base, model *types.StudyResult) error {
	if model.StudyID != base.StudyID {
		return fmt.Errorf("study_id changed: %q to %q", base.StudyID, model.StudyID)
	}
	if !strings.EqualFold(strings.TrimSpace(model.Title), strings.TrimSpace(base.Title)) {
		return fmt.Errorf("title changed")
	}
	if model.Year != base.Year {
		return fmt.Errorf("year changed: %d to %d", base.Year, model.Year)
	}
	if model.StudyDesign != base.StudyDesign {
		return fmt.Errorf("study_design changed: %s to %s", base.StudyDesign, model.StudyDesign)
	}
	if len(model.Outcomes) != len(base.Outcomes) {
		return fmt.Errorf("outcome count changed: %d to %d", len(base.Outcomes), len(model.Outcomes))
	}
	return nil
}

// mergeStudy copies model values into base for every nullable field
// that base left empty. Everything else is ignored.
func mergeStudy(base, model *types.StudyResult) {
	if base.SampleSize == nil && model.SampleSize != nil && *model.SampleSize > 0 {
		v := *model.SampleSize
		base.SampleSize = &v
	}
	if base.Population == nil && model.Population != nil && strings.TrimSpace(*model.Population) != "" {
		v := strings.TrimSpace(*model.Population)
		base.Population = &v
	}
	if base.CitationCount == nil && model.CitationCount != nil && *model.CitationCount >= 0 {
		v := *model.CitationCount
		base.CitationCount = &v
	}
	if base.PDFURL == nil && model.PDFURL != nil && *model.PDFURL != "" {
		v := *model.PDFURL
		base.PDFURL = &v
	}
	if base.LandingPageURL == nil && model.LandingPageURL != nil && *model.LandingPageURL != "" {
		v := *model.LandingPageURL
		base.LandingPageURL = &v
	}
	if base.Citation.DOI == "" && model.Citation.DOI != "" {
		base.Citation.DOI = canon.NormalizeDOI(model.Citation.DOI)
	}
	if base.Citation.PubmedID == "" && model.Citation.PubmedID != "" {
		base.Citation.PubmedID = canon.NormalizePMID(model.Citation.PubmedID)
	}
	if base.Citation.OpenAlexID == "" && model.Citation.OpenAlexID != "" {
		base.Citation.OpenAlexID = model.Citation.OpenAlexID
	}
	mergeOutcomes(base, model)
}

func outcomeKey(o *types.Outcome) string {
	return strings.ToLower(strings.TrimSpace(o.OutcomeMeasured)) + "\x1f" +
		strings.ToLower(strings.TrimSpace(o.CitationSnippet))
}

// mergeOutcomes pairs base outcomes with model outcomes by the
// (outcome_measured, citation_snippet) key, falling back to position
// when the key finds nothing, and fills empty optional fields.
func mergeOutcomes(base, model *types.StudyResult) {
	byKey := make(map[string]*types.Outcome, len(model.Outcomes))
	for i := range model.Outcomes {
		byKey[outcomeKey(&model.Outcomes[i])] = &model.Outcomes[i]
	}
	for i := range base.Outcomes {
		b := &base.Outcomes[i]
		m := byKey[outcomeKey(b)]
		if m == nil && i < len(model.Outcomes) {
			m = &model.Outcomes[i]
		}
		if m == nil {
			continue
		}
		if b.KeyResult == "" {
			b.KeyResult = strings.TrimSpace(m.KeyResult)
		}
		if b.Intervention == "" {
			b.Intervention = strings.TrimSpace(m.Intervention)
		}
		if b.Comparator == "" {
			b.Comparator = strings.TrimSpace(m.Comparator)
		}
		if b.EffectSize == "" {
			b.EffectSize = strings.TrimSpace(m.EffectSize)
		}
		if b.PValue == "" {
			b.PValue = strings.TrimSpace(m.PValue)
		}
	}
}

// synthesizeFallback builds minimal studies from quality-kept papers
// so an otherwise empty report still lists its evidence. They go
// straight into the partial list; the tier gate stays with the real
// extraction paths.
func (a *Augmenter) synthesizeFallback(kept []*types.CanonicalPaper) []types.StudyResult {
	limit := a.MaxFallback
	if limit <= 0 {
		limit = defaultMaxFallback
	}
	out := make([]types.StudyResult, 0, limit)
	for _, cp := range kept {
		if len(out) >= limit {
			break
		}
		s := extract.FallbackStudy(cp)
		if len(s.Outcomes) == 0 {
			continue
		}
		out = append(out, *s)
	}
	return out
}

// upsert writes the model-merged studies back to the extraction cache
// under the active (extractor_version, prompt_hash, model) key so a
// rerun hydrates instead of paying for the model again.
func (a *Augmenter) upsert(ctx context.Context, studies []types.StudyResult, touched []int) int {
	if a.cache == nil {
		return 0
	}
	writes := 0
	for _, i := range touched {
		s := &studies[i]
		if err := a.cache.Set(ctx, cache.Extraction, a.cacheKey(s.StudyID), s); err != nil {
			a.log.Warn("extraction cache write failed",
				zap.String("study_id", s.StudyID), zap.Error(err))
			continue
		}
		writes++
	}
	return writes
}

func (a *Augmenter) cost(u Usage) float64 {
	return float64(u.InputTokens)/1e6*a.InputCostPerMTok +
		float64(u.OutputTokens)/1e6*a.OutputCostPerMTok
}

func sortedReasons(reasons map[string]bool) []string {
	if len(reasons) == 0 {
		return nil
	}
	out := make([]string, 0, len(reasons))
	for r := range reasons {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
