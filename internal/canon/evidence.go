package canon

import (
	"github.com/magpielab/magpie/internal/types"
)

const (
	defaultEvidenceRows = 10
	snippetMaxLen       = 240
)

// BuildEvidenceTable ranks the kept papers into the report's evidence
// rows, annotated with each paper's claim-cluster label where one
// exists. Papers must already be sorted by FilterAndRank.
func BuildEvidenceTable(kept []*types.CanonicalPaper, labels map[string]types.PropositionLabel, maxRows int) []types.EvidenceRow {
	if maxRows <= 0 {
		maxRows = defaultEvidenceRows
	}
	if maxRows > len(kept) {
		maxRows = len(kept)
	}

	rows := make([]types.EvidenceRow, 0, maxRows)
	for i, cp := range kept[:maxRows] {
		row := types.EvidenceRow{
			Rank:            i + 1,
			PaperID:         cp.PaperID,
			Title:           cp.Title,
			Year:            cp.Year,
			AbstractSnippet: Snippet(cp.Abstract, snippetMaxLen),
			Provenance:      providerNames(cp.Provenance),
		}
		if cp.Quality != nil {
			row.Quality = cp.Quality.QTotal
		}
		if label, ok := labels[cp.PaperID]; ok {
			row.PropositionLabel = label
		}
		rows = append(rows, row)
	}
	return rows
}

// Snippet truncates text at a word boundary within limit bytes.
func Snippet(text string, limit int) string {
	if len(text) <= limit {
		return text
	}
	cut := limit
	for cut > 0 && text[cut] != ' ' {
		cut--
	}
	if cut == 0 {
		cut = limit
	}
	return text[:cut] + "..."
}

func providerNames(prov []types.Provenance) []string {
	names := make([]string, 0, len(prov))
	seen := map[string]bool{}
	for _, p := range prov {
		if !seen[p.Provider] {
			seen[p.Provider] = true
			names = append(names, p.Provider)
		}
	}
	return names
}
