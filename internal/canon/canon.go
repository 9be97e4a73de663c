// Package canon merges per-provider paper records into canonical
// papers, scores their quality, and derives the evidence table and the
// claim-level brief.
//
// Merging keys on normalized identifiers in order (DOI, then PMID,
// then arXiv id), with a title/author similarity fallback for records
// that share no identifier. The resulting paper_id is stable under
// input reordering.
package canon

import (
	"sort"
	"strconv"
	"strings"

	"github.com/magpielab/magpie/internal/stablejson"
	"github.com/magpielab/magpie/internal/types"
)

// TrustFunc resolves a provider name to its source trust weight.
type TrustFunc func(provider string) float64

// Jaccard thresholds for the identifier-free merge fallback.
const (
	titleMergeThreshold  = 0.78
	authorMergeThreshold = 0.2
	yearMergeSlack       = 1
)

// Canonicalizer merges unified papers. A zero trust function treats
// every provider as weight 0.5.
type Canonicalizer struct {
	Trust TrustFunc
}

// Seed starts a canonical record from a single provider record.
func (c *Canonicalizer) Seed(u types.UnifiedPaper) *types.CanonicalPaper {
	trust := c.trustFor(u.Source)
	cp := &types.CanonicalPaper{
		Title:          u.Title,
		Year:           u.Year,
		Abstract:       u.Abstract,
		Authors:        append([]string(nil), u.Authors...),
		Venue:          u.Venue,
		DOI:            NormalizeDOI(u.DOI),
		PubmedID:       NormalizePMID(u.PubmedID),
		ArxivID:        NormalizeArxivID(u.ArxivID),
		OpenAlexID:     u.OpenAlexID,
		ReferencedIDs:  append([]string(nil), u.References...),
		IsPreprint:     u.PreprintStatus == types.PreprintYes,
		IsRetracted:    u.IsRetracted,
		MethodsPresent: MethodsPresent(u.Abstract),
		PDFURL:         u.PDFURL,
		LandingPageURL: u.LandingPageURL,

		SourceConfidence: trust,
		RelevanceScore:   u.RankSignal * trust,
		Provenance: []types.Provenance{{
			Provider:           u.Source,
			ProviderPaperID:    u.ID,
			RankSignal:         u.RankSignal,
			MetadataConfidence: trust,
		}},
	}
	if u.CitationCount != nil {
		cp.CitationCount = *u.CitationCount
	}
	design, _ := ClassifyDesign(u.Title, u.Abstract, u.PublicationTypes)
	cp.StudyDesignHint = design
	return cp
}

// absorb merges one more provider record into an existing canonical
// paper: max trust, accumulated relevance, max citations, id/text
// fill-if-empty, OR-merged flags, unioned references, appended
// provenance.
func (c *Canonicalizer) absorb(cp *types.CanonicalPaper, u types.UnifiedPaper) {
	trust := c.trustFor(u.Source)
	if trust > cp.SourceConfidence {
		cp.SourceConfidence = trust
	}
	cp.RelevanceScore += u.RankSignal * trust

	if u.CitationCount != nil && *u.CitationCount > cp.CitationCount {
		cp.CitationCount = *u.CitationCount
	}
	if cp.Title == "" {
		cp.Title = u.Title
	}
	if cp.Year == 0 {
		cp.Year = u.Year
	}
	if cp.Abstract == "" {
		cp.Abstract = u.Abstract
	}
	if len(cp.Authors) == 0 {
		cp.Authors = append([]string(nil), u.Authors...)
	}
	if cp.Venue == "" {
		cp.Venue = u.Venue
	}
	if cp.DOI == "" {
		cp.DOI = NormalizeDOI(u.DOI)
	}
	if cp.PubmedID == "" {
		cp.PubmedID = NormalizePMID(u.PubmedID)
	}
	if cp.ArxivID == "" {
		cp.ArxivID = NormalizeArxivID(u.ArxivID)
	}
	if cp.OpenAlexID == "" {
		cp.OpenAlexID = u.OpenAlexID
	}
	if cp.PDFURL == "" {
		cp.PDFURL = u.PDFURL
	}
	if cp.LandingPageURL == "" {
		cp.LandingPageURL = u.LandingPageURL
	}
	cp.IsPreprint = cp.IsPreprint || u.PreprintStatus == types.PreprintYes
	cp.IsRetracted = cp.IsRetracted || u.IsRetracted
	if !cp.MethodsPresent {
		cp.MethodsPresent = MethodsPresent(u.Abstract)
	}
	if cp.StudyDesignHint == types.DesignUnknown || cp.StudyDesignHint == "" {
		design, _ := ClassifyDesign(u.Title, u.Abstract, u.PublicationTypes)
		cp.StudyDesignHint = design
	}

	cp.ReferencedIDs = unionStrings(cp.ReferencedIDs, u.References)
	cp.Provenance = append(cp.Provenance, types.Provenance{
		Provider:           u.Source,
		ProviderPaperID:    u.ID,
		RankSignal:         u.RankSignal,
		MetadataConfidence: trust,
	})
}

// Canonicalize merges the candidate set into canonical papers and
// assigns stable paper ids. Inputs are visited in a deterministic
// order (trust desc, then provider, then provider id), so the result
// does not depend on provider arrival order.
func (c *Canonicalizer) Canonicalize(papers []types.UnifiedPaper) []*types.CanonicalPaper {
	ordered := append([]types.UnifiedPaper(nil), papers...)
	sort.SliceStable(ordered, func(i, j int) bool {
		ti, tj := c.trustFor(ordered[i].Source), c.trustFor(ordered[j].Source)
		if ti != tj {
			return ti > tj
		}
		if ordered[i].Source != ordered[j].Source {
			return ordered[i].Source < ordered[j].Source
		}
		return ordered[i].ID < ordered[j].ID
	})

	var out []*types.CanonicalPaper
	byDOI := map[string]*types.CanonicalPaper{}
	byPMID := map[string]*types.CanonicalPaper{}
	byArxiv := map[string]*types.CanonicalPaper{}

	for _, u := range ordered {
		target := lookup(byDOI, NormalizeDOI(u.DOI))
		if target == nil {
			target = lookup(byPMID, NormalizePMID(u.PubmedID))
		}
		if target == nil {
			target = lookup(byArxiv, NormalizeArxivID(u.ArxivID))
		}
		if target == nil {
			target = c.fuzzyMatch(out, u)
		}

		if target == nil {
			target = c.Seed(u)
			out = append(out, target)
		} else {
			c.absorb(target, u)
		}
		index(byDOI, target.DOI, target)
		index(byPMID, target.PubmedID, target)
		index(byArxiv, target.ArxivID, target)
	}

	for _, cp := range out {
		cp.PaperID = PaperID(cp)
	}
	return out
}

// fuzzyMatch finds an existing canonical paper close enough to merge
// despite sharing no identifier.
func (c *Canonicalizer) fuzzyMatch(existing []*types.CanonicalPaper, u types.UnifiedPaper) *types.CanonicalPaper {
	uTitle := tokenSet(normalizeTitle(u.Title))
	if len(uTitle) == 0 {
		return nil
	}
	uAuthors := authorTokens(u.Authors)
	for _, cp := range existing {
		if cp.Year != 0 && u.Year != 0 && abs(cp.Year-u.Year) > yearMergeSlack {
			continue
		}
		if jaccard(uTitle, tokenSet(normalizeTitle(cp.Title))) < titleMergeThreshold {
			continue
		}
		if jaccard(uAuthors, authorTokens(cp.Authors)) < authorMergeThreshold {
			continue
		}
		return cp
	}
	return nil
}

// PaperID derives the stable id from the merged identifiers and the
// normalized title, year, and leading authors.
func PaperID(cp *types.CanonicalPaper) string {
	authors := cp.Authors
	if len(authors) > 2 {
		authors = authors[:2]
	}
	lowered := make([]string, len(authors))
	for i, a := range authors {
		lowered[i] = strings.ToLower(a)
	}
	tail := normalizeTitle(cp.Title) + "|" + strconv.Itoa(cp.Year) + "|" + strings.Join(lowered, ",")
	return "paper_" + stablejson.HashFields(cp.DOI, cp.PubmedID, cp.ArxivID, tail)
}

func (c *Canonicalizer) trustFor(provider string) float64 {
	if c.Trust == nil {
		return 0.5
	}
	if t := c.Trust(provider); t > 0 {
		return t
	}
	return 0.5
}

func lookup(m map[string]*types.CanonicalPaper, key string) *types.CanonicalPaper {
	if key == "" {
		return nil
	}
	return m[key]
}

func index(m map[string]*types.CanonicalPaper, key string, cp *types.CanonicalPaper) {
	if key != "" {
		m[key] = cp
	}
}

func unionStrings(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]bool, len(a))
	for _, s := range a {
		seen[s] = true
	}
	for _, s := range b {
		if s != "" && !seen[s] {
			seen[s] = true
			a = append(a, s)
		}
	}
	return a
}

func tokenSet(s string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(s) {
		set[tok] = true
	}
	return set
}

// authorTokens splits author names into lowercase tokens; initials and
// punctuation are dropped so "J. Smith" and "Jane Smith" still share
// "smith".
func authorTokens(authors []string) map[string]bool {
	set := map[string]bool{}
	for _, a := range authors {
		for _, tok := range strings.Fields(normalizeTitle(a)) {
			if len(tok) > 1 {
				set[tok] = true
			}
		}
	}
	return set
}

// TitleSimilarity is the Jaccard overlap of two titles' normalized
// token sets. Enrichment uses it to verify resolved metadata against
// the candidate before trusting it.
func TitleSimilarity(a, b string) float64 {
	return jaccard(tokenSet(normalizeTitle(a)), tokenSet(normalizeTitle(b)))
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for tok := range a {
		if b[tok] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
