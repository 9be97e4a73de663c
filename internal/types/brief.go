package types

// PropositionLabel is the disposition of one claim cluster.
type PropositionLabel string

// Proposition labels derived from claim clustering.
const (
	PropConsensusPositive PropositionLabel = "consensus_positive"
	PropConsensusNegative PropositionLabel = "consensus_negative"
	PropMixed             PropositionLabel = "mixed"
	PropConflicting       PropositionLabel = "conflicting"
)

// Stance is the direction of one claim sentence.
type Stance string

// Claim stances.
const (
	StancePositive    Stance = "positive"
	StanceNegative    Stance = "negative"
	StanceNeutral     Stance = "neutral"
	StanceMixed       Stance = "mixed"
	StanceConflicting Stance = "conflicting"
)

// EvidenceRow is one ranked paper in the final report.
type EvidenceRow struct {
	Rank             int              `json:"rank"`
	PaperID          string           `json:"paper_id"`
	Title            string           `json:"title"`
	Year             int              `json:"year"`
	AbstractSnippet  string           `json:"abstract_snippet"`
	PropositionLabel PropositionLabel `json:"proposition_label,omitempty"`
	Quality          float64          `json:"quality"`
	Provenance       []string         `json:"provenance"`
}

// CitationAnchor points a claim at the exact abstract span it came from.
// SnippetHash guards against drift between the anchor and the cached text.
type CitationAnchor struct {
	PaperID     string `json:"paper_id"`
	Section     string `json:"section"`      // always "abstract"
	Page        int    `json:"page"`
	CharStart   int    `json:"char_start"`
	CharEnd     int    `json:"char_end"`
	SnippetHash string `json:"snippet_hash"`
}

// ClaimSentence is one synthesized sentence of the brief with its anchors.
type ClaimSentence struct {
	Text      string           `json:"text"`
	Stance    Stance           `json:"stance"`
	Citations []CitationAnchor `json:"citations"`
}

// Brief is the claim-level summary: 1–4 sentences mined from abstract
// evidence, each anchored back to verbatim spans.
type Brief struct {
	Sentences []ClaimSentence `json:"sentences"`
}
