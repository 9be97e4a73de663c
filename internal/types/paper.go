package types

// Provider names for the bibliographic sources magpie fans out to.
const (
	ProviderOpenAlex        = "openalex"
	ProviderSemanticScholar = "semantic_scholar"
	ProviderArxiv           = "arxiv"
	ProviderPubMed          = "pubmed"
)

// DefaultProviderProfile is the provider set queried when a request does not
// name its own profile.
var DefaultProviderProfile = []string{
	ProviderOpenAlex,
	ProviderSemanticScholar,
	ProviderArxiv,
	ProviderPubMed,
}

// KnownProvider reports whether name is one of the supported providers.
func KnownProvider(name string) bool {
	switch name {
	case ProviderOpenAlex, ProviderSemanticScholar, ProviderArxiv, ProviderPubMed:
		return true
	}
	return false
}

// PreprintStatus marks whether a record is known to be a preprint.
type PreprintStatus string

// Preprint statuses. Empty means unknown.
const (
	PreprintUnknown   PreprintStatus = ""
	PreprintYes       PreprintStatus = "preprint"
	PreprintPublished PreprintStatus = "published"
)

// UnifiedPaper is one raw candidate as returned by a single provider,
// mapped into the shared shape before canonicalization.
type UnifiedPaper struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Year             int            `json:"year"`
	Abstract         string         `json:"abstract,omitempty"`
	Authors          []string       `json:"authors,omitempty"`
	Venue            string         `json:"venue,omitempty"`
	Source           string         `json:"source"`
	DOI              string         `json:"doi,omitempty"`
	PubmedID         string         `json:"pubmed_id,omitempty"`
	OpenAlexID       string         `json:"openalex_id,omitempty"`
	ArxivID          string         `json:"arxiv_id,omitempty"`
	CitationCount    *int           `json:"citation_count,omitempty"`
	PublicationTypes []string       `json:"publication_types,omitempty"`
	References       []string       `json:"references,omitempty"`        // outgoing reference ids
	IsRetracted      bool           `json:"is_retracted,omitempty"`
	PreprintStatus   PreprintStatus `json:"preprint_status,omitempty"`
	RankSignal       float64        `json:"rank_signal,omitempty"`
	PDFURL           string         `json:"pdf_url,omitempty"`
	LandingPageURL   string         `json:"landing_page_url,omitempty"`
}

// HasAbstract reports whether the candidate carries a usable abstract.
func (p *UnifiedPaper) HasAbstract() bool {
	return len(p.Abstract) >= 50
}

// Provenance records one provider's contribution to a canonical paper.
type Provenance struct {
	Provider           string  `json:"provider"`
	ProviderPaperID    string  `json:"provider_paper_id,omitempty"`
	RankSignal         float64 `json:"rank_signal"`
	MetadataConfidence float64 `json:"metadata_confidence"`
}

// QualityScoreBreakdown carries the five weighted quality axes plus the
// hard-rejection verdict for one canonical paper.
type QualityScoreBreakdown struct {
	SourceAuthority     float64 `json:"source_authority"`
	StudyDesignStrength float64 `json:"study_design_strength"`
	MethodsTransparency float64 `json:"methods_transparency"`
	CitationImpact      float64 `json:"citation_impact"`
	RecencyFit          float64 `json:"recency_fit"`
	QTotal              float64 `json:"q_total"`
	HardRejected        bool    `json:"hard_rejected"`
	HardRejectReason    string  `json:"hard_reject_reason,omitempty"`
}

// CanonicalPaper is the deduplicated union of per-provider records for one
// bibliographic item. PaperID is stable under provenance reordering.
type CanonicalPaper struct {
	PaperID          string                 `json:"paper_id"`
	Title            string                 `json:"title"`
	Year             int                    `json:"year"`
	Abstract         string                 `json:"abstract,omitempty"`
	Authors          []string               `json:"authors,omitempty"`
	Venue            string                 `json:"venue,omitempty"`
	DOI              string                 `json:"doi,omitempty"`
	PubmedID         string                 `json:"pubmed_id,omitempty"`
	OpenAlexID       string                 `json:"openalex_id,omitempty"`
	ArxivID          string                 `json:"arxiv_id,omitempty"`
	CitationCount    int                    `json:"citation_count"`
	ReferencedIDs    []string               `json:"referenced_ids,omitempty"`
	IsPreprint       bool                   `json:"is_preprint"`
	IsRetracted      bool                   `json:"is_retracted"`
	MethodsPresent   bool                   `json:"methods_present"`
	StudyDesignHint  StudyDesign            `json:"study_design_hint,omitempty"`
	SourceConfidence float64                `json:"source_confidence"`
	RelevanceScore   float64                `json:"relevance_score"`
	Provenance       []Provenance           `json:"provenance"`
	Quality          *QualityScoreBreakdown `json:"quality,omitempty"`
	PDFURL           string                 `json:"pdf_url,omitempty"`
	LandingPageURL   string                 `json:"landing_page_url,omitempty"`
}

// ProvenanceFor returns the provenance entry for the named provider, or nil.
func (c *CanonicalPaper) ProvenanceFor(provider string) *Provenance {
	for i := range c.Provenance {
		if c.Provenance[i].Provider == provider {
			return &c.Provenance[i]
		}
	}
	return nil
}
