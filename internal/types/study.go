package types

// StudyDesign classifies how a study was conducted.
type StudyDesign string

// Study designs recognized by the extractor.
const (
	DesignRCT            StudyDesign = "RCT"
	DesignCohort         StudyDesign = "cohort"
	DesignCrossSectional StudyDesign = "cross-sectional"
	DesignReview         StudyDesign = "review"
	DesignUnknown        StudyDesign = "unknown"
)

// ReviewType distinguishes review papers for the result table.
type ReviewType string

// Review types.
const (
	ReviewNone       ReviewType = "None"
	ReviewSystematic ReviewType = "Systematic review"
	ReviewMeta       ReviewType = "Meta-analysis"
)

// Outcome is one extracted result-bearing finding from a study.
// EffectSize and PValue are verbatim text, never re-parsed numerics; the
// citation snippet is the verbatim sentence the finding came from.
type Outcome struct {
	OutcomeMeasured string `json:"outcome_measured"`
	KeyResult       string `json:"key_result,omitempty"`
	CitationSnippet string `json:"citation_snippet"`
	Intervention    string `json:"intervention,omitempty"`
	Comparator      string `json:"comparator,omitempty"`
	EffectSize      string `json:"effect_size,omitempty"`
	PValue          string `json:"p_value,omitempty"`
}

// Citation carries the resolvable identifiers for a study plus a formatted
// human-readable string.
type Citation struct {
	DOI        string `json:"doi,omitempty"`
	PubmedID   string `json:"pubmed_id,omitempty"`
	OpenAlexID string `json:"openalex_id,omitempty"`
	Formatted  string `json:"formatted,omitempty"`
}

// StudyResult is the extracted payload for one study, shaped for the
// downstream table UI. CitationCount keeps its historical camelCase wire
// name; the rest of the fields are snake_case.
type StudyResult struct {
	StudyID         string         `json:"study_id"`
	Title           string         `json:"title"`
	Year            int            `json:"year"`
	StudyDesign     StudyDesign    `json:"study_design"`
	SampleSize      *int           `json:"sample_size"`
	Population      *string        `json:"population"`
	Outcomes        []Outcome      `json:"outcomes"`
	Citation        Citation       `json:"citation"`
	AbstractExcerpt string         `json:"abstract_excerpt,omitempty"`
	PreprintStatus  PreprintStatus `json:"preprint_status,omitempty"`
	ReviewType      ReviewType     `json:"review_type"`
	Source          string         `json:"source,omitempty"`
	CitationCount   *int           `json:"citationCount"`
	PDFURL          *string        `json:"pdf_url"`
	LandingPageURL  *string        `json:"landing_page_url"`
}

// CompletenessTier is the strict/partial split of extraction results.
type CompletenessTier string

// Completeness tiers. Dropped studies appear in neither list.
const (
	TierStrict  CompletenessTier = "strict"
	TierPartial CompletenessTier = "partial"
	TierDropped CompletenessTier = "dropped"
)

// Completeness classifies a study into its tier.
//
// Strict requires: title, year, design ≠ unknown, abstract excerpt ≥ 50
// chars, and at least one outcome carrying outcome_measured together with one
// of effect_size / p_value / intervention / comparator. Partial requires:
// title, year, design ≠ unknown, and at least one outcome carrying
// outcome_measured and a citation snippet. Everything else is dropped.
func (s *StudyResult) Completeness() CompletenessTier {
	if s.Title == "" || s.Year == 0 || s.StudyDesign == DesignUnknown || s.StudyDesign == "" {
		return TierDropped
	}

	strictOutcome := false
	partialOutcome := false
	for _, o := range s.Outcomes {
		if o.OutcomeMeasured == "" {
			continue
		}
		if o.CitationSnippet != "" {
			partialOutcome = true
		}
		if o.EffectSize != "" || o.PValue != "" || o.Intervention != "" || o.Comparator != "" {
			strictOutcome = true
		}
	}

	if strictOutcome && len(s.AbstractExcerpt) >= 50 {
		return TierStrict
	}
	if partialOutcome {
		return TierPartial
	}
	return TierDropped
}
