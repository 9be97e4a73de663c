// Package extract turns ranked canonical papers into structured study
// results using deterministic rules only:
//
//   - study design from the shared keyword classifier
//   - sample size, population, and per-sentence outcomes from bounded
//     pattern rules over the abstract
//   - optionally, full-text extraction through an external PDF service,
//     falling back to the abstract rules on any error
//
// Every value the rules emit is verbatim text from the source. Model
// augmentation happens downstream and may only fill fields the rules
// left empty.
package extract

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/cache"
	"github.com/magpielab/magpie/internal/canon"
	"github.com/magpielab/magpie/internal/types"
)

const (
	minCandidates     = 5
	maxCandidatesCap  = 60
	defaultCandidates = 45
)

// ExtractorVersion tags deterministic output in the extraction cache.
// Bump it when a rule change should invalidate cached extractions.
const ExtractorVersion = "deterministic_first_v1"

const deterministicTag = "deterministic"

// DeterministicCacheKey addresses one study's rule-based extraction.
func DeterministicCacheKey(studyID string) string {
	return cache.ExtractionKey(studyID, ExtractorVersion, deterministicTag, deterministicTag)
}

// Result is one deterministic extraction pass over the ranked
// candidates. Studies holds every extracted study in input order;
// Strict and Partial are the tier partition of the same studies.
type Result struct {
	Studies         []types.StudyResult
	Strict          []types.StudyResult
	Partial         []types.StudyResult
	DroppedCount    int
	UsedPDF         bool
	PDFStudies      int
	FallbackReasons []string
	CacheWrites     int
	ElapsedMS       int64
}

// Extractor runs the deterministic rules over the top-ranked papers.
// Fields may be adjusted after New and before the first Extract call.
type Extractor struct {
	// MaxCandidates bounds how many ranked papers are extracted.
	// Zero means the default; out-of-range values are clamped.
	MaxCandidates int

	// PDF enables full-text extraction when set. Studies without a
	// PDF or landing page URL skip it.
	PDF *PDFClient

	cache *cache.Client
	log   *zap.Logger
}

// New builds an extractor. The cache may be nil, in which case
// per-study results are not persisted.
func New(c *cache.Client, log *zap.Logger) *Extractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Extractor{
		MaxCandidates: defaultCandidates,
		cache:         c,
		log:           log,
	}
}

// Extract runs the rules over the top candidates and partitions the
// results into completeness tiers. papers must already be ranked; only
// the first MaxCandidates are considered.
func (e *Extractor) Extract(ctx context.Context, papers []*types.CanonicalPaper) Result {
	start := time.Now()
	n := clampCandidates(e.MaxCandidates)
	if len(papers) > n {
		papers = papers[:n]
	}

	var res Result
	reasons := map[string]bool{}

	fromPDF := map[string]*types.StudyResult{}
	if e.PDF != nil {
		fromPDF = e.pdfPass(ctx, papers, reasons)
	}

	res.Studies = make([]types.StudyResult, 0, len(papers))
	for _, cp := range papers {
		study := FromAbstract(cp)
		if pdf := fromPDF[cp.PaperID]; pdf != nil {
			overlayPDF(study, pdf)
			res.UsedPDF = true
			res.PDFStudies++
		}
		res.Studies = append(res.Studies, *study)
	}

	res.Strict, res.Partial, res.DroppedCount = Partition(res.Studies)
	res.CacheWrites = e.writeCache(ctx, res.Studies)
	res.FallbackReasons = sortedReasons(reasons)
	res.ElapsedMS = time.Since(start).Milliseconds()

	e.log.Info("deterministic extraction finished",
		zap.Int("candidates", len(papers)),
		zap.Int("strict", len(res.Strict)),
		zap.Int("partial", len(res.Partial)),
		zap.Int("dropped", res.DroppedCount),
		zap.Bool("used_pdf", res.UsedPDF),
		zap.Int("pdf_studies", res.PDFStudies),
		zap.Strings("fallback_reasons", res.FallbackReasons),
		zap.Int64("elapsed_ms", res.ElapsedMS))
	return res
}

// Skeleton builds the identity and citation fields every extraction
// path starts from. The fallback synthesis in the augment stage uses
// it too, so identity handling stays in one place.
func Skeleton(cp *types.CanonicalPaper) *types.StudyResult {
	s := &types.StudyResult{
		StudyID:     cp.PaperID,
		Title:       cp.Title,
		Year:        cp.Year,
		StudyDesign: types.DesignUnknown,
		ReviewType:  types.ReviewNone,
		Citation: types.Citation{
			DOI:        cp.DOI,
			PubmedID:   cp.PubmedID,
			OpenAlexID: cp.OpenAlexID,
			Formatted:  formatCitation(cp),
		},
	}
	if len(cp.Provenance) > 0 {
		s.Source = cp.Provenance[0].Provider
	}
	if cp.CitationCount > 0 {
		n := cp.CitationCount
		s.CitationCount = &n
	}
	if cp.PDFURL != "" {
		u := cp.PDFURL
		s.PDFURL = &u
	}
	if cp.LandingPageURL != "" {
		u := cp.LandingPageURL
		s.LandingPageURL = &u
	}
	if cp.IsPreprint {
		s.PreprintStatus = types.PreprintYes
	}
	return s
}

// FromAbstract runs the full rule set over one canonical paper's
// abstract.
func FromAbstract(cp *types.CanonicalPaper) *types.StudyResult {
	s := Skeleton(cp)

	design, review := canon.ClassifyDesign(cp.Title, cp.Abstract, nil)
	if design == types.DesignUnknown && cp.StudyDesignHint != "" && cp.StudyDesignHint != types.DesignUnknown {
		design = cp.StudyDesignHint
	}
	s.StudyDesign = design
	s.ReviewType = review

	if cp.Abstract == "" {
		return s
	}
	s.AbstractExcerpt = canon.Snippet(cp.Abstract, abstractExcerptMax)
	s.SampleSize = extractSampleSize(cp.Abstract)

	sentences := canon.SplitSentences(cp.Abstract)
	s.Population = extractPopulation(sentences)
	s.Outcomes = extractOutcomes(sentences)
	return s
}

// FallbackStudy synthesizes a minimal study from a canonical record
// when the rules produced nothing usable for an entire run. The first
// abstract sentence stands in for a key result so the report still
// carries the paper. Records without an abstract return no outcome.
func FallbackStudy(cp *types.CanonicalPaper) *types.StudyResult {
	s := Skeleton(cp)

	design, review := canon.ClassifyDesign(cp.Title, cp.Abstract, nil)
	if design == types.DesignUnknown && cp.StudyDesignHint != "" && cp.StudyDesignHint != types.DesignUnknown {
		design = cp.StudyDesignHint
	}
	s.StudyDesign = design
	s.ReviewType = review

	if cp.Abstract == "" {
		return s
	}
	s.AbstractExcerpt = canon.Snippet(cp.Abstract, abstractExcerptMax)

	sentences := canon.SplitSentences(cp.Abstract)
	if len(sentences) == 0 {
		return s
	}
	first := strings.TrimSpace(sentences[0].Text)
	s.Outcomes = []types.Outcome{{
		OutcomeMeasured: "summary",
		KeyResult:       first,
		CitationSnippet: first,
	}}
	return s
}

// overlayPDF merges a full-text extraction onto the abstract-derived
// study. Identity fields stay canonical; extracted fields prefer the
// PDF because it saw the whole paper.
func overlayPDF(base, pdf *types.StudyResult) {
	if pdf.StudyDesign != "" && pdf.StudyDesign != types.DesignUnknown {
		base.StudyDesign = pdf.StudyDesign
	}
	if pdf.ReviewType != "" && pdf.ReviewType != types.ReviewNone {
		base.ReviewType = pdf.ReviewType
	}
	if pdf.SampleSize != nil {
		base.SampleSize = pdf.SampleSize
	}
	if pdf.Population != nil && *pdf.Population != "" {
		base.Population = pdf.Population
	}
	if len(pdf.Outcomes) > 0 {
		base.Outcomes = pdf.Outcomes
	}
	if base.AbstractExcerpt == "" && pdf.AbstractExcerpt != "" {
		base.AbstractExcerpt = pdf.AbstractExcerpt
	}
	if base.Citation.DOI == "" && pdf.Citation.DOI != "" {
		base.Citation.DOI = canon.NormalizeDOI(pdf.Citation.DOI)
	}
	if base.Citation.PubmedID == "" {
		base.Citation.PubmedID = pdf.Citation.PubmedID
	}
}

// pdfPass sends eligible candidates to the PDF service in batches and
// collects per-study successes. Any batch or per-study failure records
// a fallback reason; those studies use the abstract rules instead.
func (e *Extractor) pdfPass(ctx context.Context, papers []*types.CanonicalPaper, reasons map[string]bool) map[string]*types.StudyResult {
	out := map[string]*types.StudyResult{}
	var eligible []*types.CanonicalPaper
	for _, cp := range papers {
		if cp.PDFURL == "" && cp.LandingPageURL == "" {
			reasons["no_pdf_source"] = true
			continue
		}
		eligible = append(eligible, cp)
	}

	size := e.PDF.batchSize()
	for startIdx := 0; startIdx < len(eligible); startIdx += size {
		end := startIdx + size
		if end > len(eligible) {
			end = len(eligible)
		}
		batch := eligible[startIdx:end]

		results, err := e.PDF.extractBatch(ctx, batch)
		if err != nil {
			reasons[pdfErrorReason(err)] = true
			e.log.Warn("pdf extraction batch failed, using abstract rules",
				zap.Int("batch_size", len(batch)),
				zap.Error(err))
			continue
		}

		byID := map[string]pdfStudyResult{}
		for _, r := range results {
			byID[r.StudyID] = r
		}
		for _, cp := range batch {
			r, ok := byID[cp.PaperID]
			switch {
			case !ok:
				reasons["pdf_study_missing"] = true
			case r.Study == nil || !r.Diagnostics.Parsed:
				reasons["pdf_parse_failed"] = true
				e.log.Debug("pdf parse failed for study",
					zap.String("study_id", cp.PaperID),
					zap.String("failure_stage", r.Diagnostics.FailureStage),
					zap.String("error", r.Diagnostics.Error))
			default:
				out[cp.PaperID] = r.Study
			}
		}
	}
	return out
}

// pdfErrorReason folds a transport error into a short fallback token.
func pdfErrorReason(err error) string {
	if pe, ok := err.(*types.PipelineError); ok {
		switch pe.Category {
		case types.ErrTimeout:
			return "pdf_timeout"
		default:
			return "pdf_" + pe.Code
		}
	}
	return "pdf_endpoint_error"
}

// Partition splits studies into completeness tiers. The augment stage
// calls it again after its merge, so tier rules live in one place.
func Partition(studies []types.StudyResult) (strict, partial []types.StudyResult, dropped int) {
	for i := range studies {
		switch studies[i].Completeness() {
		case types.TierStrict:
			strict = append(strict, studies[i])
		case types.TierPartial:
			partial = append(partial, studies[i])
		default:
			dropped++
		}
	}
	return strict, partial, dropped
}

// writeCache persists every non-dropped study under the deterministic
// extractor identity. Write failures are logged and skipped; the run
// does not depend on the cache.
func (e *Extractor) writeCache(ctx context.Context, studies []types.StudyResult) int {
	if e.cache == nil {
		return 0
	}
	n := 0
	for i := range studies {
		s := &studies[i]
		if s.Completeness() == types.TierDropped {
			continue
		}
		if err := e.cache.Set(ctx, cache.Extraction, DeterministicCacheKey(s.StudyID), s); err != nil {
			e.log.Warn("extraction cache write failed",
				zap.String("study_id", s.StudyID),
				zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func clampCandidates(n int) int {
	switch {
	case n == 0:
		return defaultCandidates
	case n < minCandidates:
		return minCandidates
	case n > maxCandidatesCap:
		return maxCandidatesCap
	}
	return n
}

// formatCitation renders "First Author et al. (Year). Title. Venue."
// from whatever fields the canonical record has.
func formatCitation(cp *types.CanonicalPaper) string {
	var parts []string
	switch {
	case len(cp.Authors) > 1:
		parts = append(parts, cp.Authors[0]+" et al.")
	case len(cp.Authors) == 1:
		parts = append(parts, cp.Authors[0])
	}
	if cp.Year != 0 {
		parts = append(parts, fmt.Sprintf("(%d).", cp.Year))
	}
	if cp.Title != "" {
		parts = append(parts, strings.TrimSuffix(cp.Title, ".")+".")
	}
	if cp.Venue != "" {
		parts = append(parts, strings.TrimSuffix(cp.Venue, ".")+".")
	}
	return strings.Join(parts, " ")
}

func sortedReasons(set map[string]bool) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}
