package pipeline

import (
	"github.com/magpielab/magpie/internal/query"
	"github.com/magpielab/magpie/internal/types"
)

// RunContext is the request identity every stage payload carries forward.
// It is fixed at ingest and flows through the chain unchanged except for
// the funnel counters, which later stages fill in as they learn them.
// Nothing here may depend on the wall clock: latencies live in stage
// events, never in hashed payloads.
type RunContext struct {
	ReportID          string              `json:"report_id"`
	Question          string              `json:"question"`
	Request           types.SearchRequest `json:"request"`
	Prepared          query.Prepared      `json:"prepared"`
	Providers         []string            `json:"providers"`
	PipelineVersionID string              `json:"pipeline_version_id"`
	Seed              int64               `json:"seed"`
	Trigger           types.RunTrigger    `json:"trigger"`

	// Year anchors recency scoring to the report's creation year so a
	// replay months later ranks papers identically.
	Year int `json:"year"`

	Coverage     types.Coverage `json:"coverage"`
	SourceCounts map[string]int `json:"source_counts,omitempty"`
	Funnel       Funnel         `json:"funnel"`
}

// Funnel is the per-run candidate accounting, filled stage by stage.
type Funnel struct {
	RetrievedTotal       int `json:"retrieved_total"`
	CandidatesTotal      int `json:"candidates_total"`
	AbstractEligible     int `json:"abstract_eligible_total"`
	CandidatesFiltered   int `json:"candidates_filtered"`
	QualityKeptTotal     int `json:"quality_kept_total"`
	ExtractionInputTotal int `json:"extraction_input_total"`
}

// Provider call statuses.
const (
	CallOK     = "ok"
	CallFailed = "failed"
)

// ProviderCall is one provider's outcome during the ingest fan-out.
// Latency is deliberately absent; it belongs to spans and stage events.
type ProviderCall struct {
	Provider string `json:"provider"`
	Status   string `json:"status"`
	Papers   int    `json:"papers"`
	Retries  int    `json:"retries,omitempty"`
	Error    string `json:"error,omitempty"`
}

// IngestInput is the hashed input of the first stage: the sanitized
// request plus the pipeline version and trigger. The same request under
// the same version addresses the same stored output, which is what makes
// redelivered ingest jobs free.
type IngestInput struct {
	ReportID          string              `json:"report_id"`
	Request           types.SearchRequest `json:"request"`
	PipelineVersionID string              `json:"pipeline_version_id"`
	Trigger           types.RunTrigger    `json:"trigger"`
}

// ChainInput is the hashed input of every stage after ingest. Stages are
// addressed by their parent's content (output hash), not its row id, so
// two jobs fed by identical parents land on one output.
type ChainInput struct {
	Stage             types.Stage `json:"stage"`
	ParentStage       types.Stage `json:"parent_stage"`
	ParentOutputHash  string      `json:"parent_output_hash"`
	PipelineVersionID string      `json:"pipeline_version_id"`
}

// IngestOutput is the candidate set with the provider breakdown.
type IngestOutput struct {
	Run        RunContext           `json:"run"`
	Calls      []ProviderCall       `json:"calls"`
	Candidates []types.UnifiedPaper `json:"candidates,omitempty"`
}

// NormalizeOutput is the candidate set after DOI-cache hydration.
type NormalizeOutput struct {
	Run        RunContext           `json:"run"`
	Candidates []types.UnifiedPaper `json:"candidates,omitempty"`
}

// DedupeOutput is the canonicalized paper set.
type DedupeOutput struct {
	Run    RunContext              `json:"run"`
	Papers []*types.CanonicalPaper `json:"papers,omitempty"`
}

// QualityOutput is the scored, filtered, ranked paper set plus the brief
// and evidence table, which are derived here and carried through to the
// compile stage untouched.
type QualityOutput struct {
	Run           RunContext              `json:"run"`
	Kept          []*types.CanonicalPaper `json:"kept,omitempty"`
	Brief         types.Brief             `json:"brief"`
	EvidenceTable []types.EvidenceRow     `json:"evidence_table,omitempty"`
}

// ExtractOutput is the deterministic extraction baseline.
type ExtractOutput struct {
	Run           RunContext              `json:"run"`
	Kept          []*types.CanonicalPaper `json:"kept,omitempty"`
	Brief         types.Brief             `json:"brief"`
	EvidenceTable []types.EvidenceRow     `json:"evidence_table,omitempty"`

	Studies         []types.StudyResult `json:"studies,omitempty"`
	StrictCount     int                 `json:"strict_count"`
	PartialCount    int                 `json:"partial_count"`
	DroppedCount    int                 `json:"dropped_count"`
	UsedPDF         bool                `json:"used_pdf,omitempty"`
	PDFStudies      int                 `json:"pdf_studies,omitempty"`
	FallbackReasons []string            `json:"fallback_reasons,omitempty"`
}

// AugmentOutput is the merged study set with recomputed tiers.
type AugmentOutput struct {
	Run           RunContext              `json:"run"`
	Kept          []*types.CanonicalPaper `json:"kept,omitempty"`
	Brief         types.Brief             `json:"brief"`
	EvidenceTable []types.EvidenceRow     `json:"evidence_table,omitempty"`

	Studies      []types.StudyResult `json:"studies,omitempty"`
	Strict       []types.StudyResult `json:"strict,omitempty"`
	Partial      []types.StudyResult `json:"partial,omitempty"`
	DroppedCount int                 `json:"dropped_count"`

	Attempted       bool     `json:"attempted"`
	Applied         bool     `json:"applied"`
	GapStudies      int      `json:"gap_studies"`
	FallbackStudies int      `json:"fallback_studies,omitempty"`
	UsedPDF         bool     `json:"used_pdf,omitempty"`
	PDFStudies      int      `json:"pdf_studies,omitempty"`
	ExtractReasons  []string `json:"extract_reasons,omitempty"`
	AugmentReasons  []string `json:"augment_reasons,omitempty"`

	CostUSD      float64 `json:"cost_usd,omitempty"`
	InputTokens  int64   `json:"input_tokens,omitempty"`
	OutputTokens int64   `json:"output_tokens,omitempty"`
}

// CompileOutput is the finished report document. Latency fields inside
// Stats and ExtractionStats stay zero here; the persist step derives them
// from stage events so the stored payload is replay-stable.
type CompileOutput struct {
	Run             RunContext              `json:"run"`
	Results         []types.StudyResult     `json:"results,omitempty"`
	PartialResults  []types.StudyResult     `json:"partial_results,omitempty"`
	EvidenceTable   []types.EvidenceRow     `json:"evidence_table,omitempty"`
	Brief           types.Brief             `json:"brief"`
	Coverage        types.Coverage          `json:"coverage"`
	Stats           types.ReportStats       `json:"stats"`
	ExtractionStats types.ExtractionStats   `json:"extraction_stats"`
	SourceCounts    map[string]int          `json:"source_counts,omitempty"`
	NormalizedQuery string                  `json:"normalized_query"`
	CanonicalPapers []*types.CanonicalPaper `json:"canonical_papers,omitempty"`
}
