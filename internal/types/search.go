package types

// SearchFilters bound the candidate set before quality scoring.
type SearchFilters struct {
	FromYear         int      `json:"from_year,omitempty"`
	ToYear           int      `json:"to_year,omitempty"`
	Languages        []string `json:"languages,omitempty"`
	ExcludePreprints bool     `json:"exclude_preprints,omitempty"`
}

// InTimeframe reports whether year falls inside the requested window.
// An unset bound is open.
func (f SearchFilters) InTimeframe(year int) bool {
	if year == 0 {
		return f.FromYear == 0 && f.ToYear == 0
	}
	if f.FromYear != 0 && year < f.FromYear {
		return false
	}
	if f.ToYear != 0 && year > f.ToYear {
		return false
	}
	return true
}

// SearchRequest is the sanitized body of POST /search. Field bounds are
// enforced at validation time: MaxCandidates 5–60, MaxEvidenceRows ≥ 1.
type SearchRequest struct {
	Query           string        `json:"query"`
	Domain          string        `json:"domain,omitempty"`
	Filters         SearchFilters `json:"filters"`
	MaxCandidates   int           `json:"max_candidates,omitempty"`
	MaxEvidenceRows int           `json:"max_evidence_rows,omitempty"`
	ResponseMode    string        `json:"response_mode,omitempty"`
	ProviderProfile []string      `json:"provider_profile,omitempty"`
	Seed            int64         `json:"seed,omitempty"`
	Experiment      string        `json:"experiment,omitempty"`
}

// Providers returns the effective provider profile: the request's own, or
// the default set.
func (r *SearchRequest) Providers() []string {
	if len(r.ProviderProfile) > 0 {
		return r.ProviderProfile
	}
	return DefaultProviderProfile
}

// Coverage summarizes which providers answered for one run.
// Degraded is true exactly when at least one provider failed.
type Coverage struct {
	ProvidersQueried []string `json:"providers_queried"`
	ProvidersFailed  []string `json:"providers_failed,omitempty"`
	Degraded         bool     `json:"degraded"`
}

// ReportStats is the run-level funnel accounting persisted with the report.
type ReportStats struct {
	LatencyMS             int64 `json:"latency_ms"`
	CandidatesTotal       int   `json:"candidates_total"`
	CandidatesFiltered    int   `json:"candidates_filtered"`
	RetrievedTotal        int   `json:"retrieved_total"`
	AbstractEligibleTotal int   `json:"abstract_eligible_total"`
	QualityKeptTotal      int   `json:"quality_kept_total"`
	ExtractionInputTotal  int   `json:"extraction_input_total"`
	StrictCompleteTotal   int   `json:"strict_complete_total"`
	PartialTotal          int   `json:"partial_total"`
}

// ExtractionStats describes how the extraction stages behaved for one run.
type ExtractionStats struct {
	Engine             string   `json:"engine"`
	UsedPDF            bool     `json:"used_pdf"`
	LLMFallbackApplied bool     `json:"llm_fallback_applied"`
	FallbackReasons    []string `json:"fallback_reasons,omitempty"`
	LatencyMS          int64    `json:"latency_ms"`
	StrictCount        int      `json:"strict_count"`
	PartialCount       int      `json:"partial_count"`
	DroppedCount       int      `json:"dropped_count"`
	CostUSD            float64  `json:"cost_usd,omitempty"`
	InputTokens        int64    `json:"input_tokens,omitempty"`
	OutputTokens       int64    `json:"output_tokens,omitempty"`
}

// SearchResponse is the payload of GET /search/{id} and of a completed
// POST /search replay.
type SearchResponse struct {
	SearchID        string           `json:"search_id"`
	Status          ReportStatus     `json:"status"`
	Question        string           `json:"question,omitempty"`
	Results         []StudyResult    `json:"results,omitempty"`
	PartialResults  []StudyResult    `json:"partial_results,omitempty"`
	EvidenceTable   []EvidenceRow    `json:"evidence_table,omitempty"`
	Brief           *Brief           `json:"brief,omitempty"`
	Coverage        *Coverage        `json:"coverage,omitempty"`
	Stats           *ReportStats     `json:"stats,omitempty"`
	ExtractionStats *ExtractionStats `json:"extraction_stats,omitempty"`
	SourceCounts    map[string]int   `json:"source_counts,omitempty"`
	NormalizedQuery string           `json:"normalized_query,omitempty"`
	ActiveRunID     string           `json:"active_run_id,omitempty"`
	RunVersion      int              `json:"run_version"`
	Error           string           `json:"error,omitempty"`
}

// ResponseFromReport projects a stored report into its API shape.
func ResponseFromReport(r *Report) *SearchResponse {
	return &SearchResponse{
		SearchID:        r.ID,
		Status:          r.Status,
		Question:        r.Question,
		Results:         r.Results,
		PartialResults:  r.PartialResults,
		EvidenceTable:   r.EvidenceTable,
		Brief:           r.Brief,
		Coverage:        r.Coverage,
		Stats:           r.Stats,
		ExtractionStats: r.ExtractionStats,
		SourceCounts:    r.SourceCounts,
		NormalizedQuery: r.NormalizedQuery,
		ActiveRunID:     r.ActiveRunID,
		RunVersion:      r.RunCount,
		Error:           r.LastError,
	}
}
