package canon

import (
	"math"
	"sort"
	"strings"

	"github.com/magpielab/magpie/internal/types"
)

// Axis weights for the total quality score.
const (
	weightAuthority = 0.30
	weightDesign    = 0.25
	weightMethods   = 0.20
	weightCitations = 0.15
	weightRecency   = 0.10

	qualityFloor = 0.6
)

// Hard-rejection reasons recorded on the breakdown.
const (
	RejectRetracted      = "retracted"
	RejectPreprint       = "preprint_excluded"
	RejectTimeframe      = "outside_timeframe"
	RejectMethodsOpaque  = "methods_opaque"
	RejectBelowThreshold = "quality_below_threshold"
)

// empiricalTerms signal that a paper claims empirical work, which makes
// an opaque methods section disqualifying.
var empiricalTerms = []string{"trial", "cohort", "experiment", "randomized", "randomised", "intervention"}

// ScoreOptions parameterizes quality scoring for one request.
type ScoreOptions struct {
	Now              int                 // current year
	Filters          types.SearchFilters
	ExcludePreprints bool
}

// Score computes the five-axis breakdown and the hard-rejection
// verdict for one canonical paper, and attaches it to the record.
func Score(cp *types.CanonicalPaper, opts ScoreOptions) *types.QualityScoreBreakdown {
	b := &types.QualityScoreBreakdown{}

	b.SourceAuthority = 0.25
	for _, p := range cp.Provenance {
		if p.MetadataConfidence > b.SourceAuthority {
			b.SourceAuthority = p.MetadataConfidence
		}
	}

	_, review := ClassifyDesign(cp.Title, cp.Abstract, nil)
	b.StudyDesignStrength = DesignStrength(cp.StudyDesignHint, review, cp.IsPreprint)
	b.MethodsTransparency = methodsTransparency(cp.Abstract)
	b.CitationImpact = citationImpact(cp.CitationCount, ageYears(cp.Year, opts.Now))
	b.RecencyFit = recencyFit(cp.Year, opts.Now, opts.Filters)

	b.QTotal = weightAuthority*b.SourceAuthority +
		weightDesign*b.StudyDesignStrength +
		weightMethods*b.MethodsTransparency +
		weightCitations*b.CitationImpact +
		weightRecency*b.RecencyFit

	if reason := hardReject(cp, b, opts); reason != "" {
		b.HardRejected = true
		b.HardRejectReason = reason
	}
	cp.Quality = b
	return b
}

func hardReject(cp *types.CanonicalPaper, b *types.QualityScoreBreakdown, opts ScoreOptions) string {
	switch {
	case cp.IsRetracted:
		return RejectRetracted
	case opts.ExcludePreprints && cp.IsPreprint:
		return RejectPreprint
	case cp.Year != 0 && !opts.Filters.InTimeframe(cp.Year):
		return RejectTimeframe
	case expectsEmpirical(cp) && !cp.MethodsPresent && b.MethodsTransparency < 0.35:
		return RejectMethodsOpaque
	case b.QTotal < qualityFloor:
		return RejectBelowThreshold
	}
	return ""
}

// expectsEmpirical reports whether the paper presents itself as
// empirical work (by design hint or vocabulary).
func expectsEmpirical(cp *types.CanonicalPaper) bool {
	switch cp.StudyDesignHint {
	case types.DesignRCT, types.DesignCohort, types.DesignCrossSectional:
		return true
	}
	text := strings.ToLower(cp.Title + " " + cp.Abstract)
	return containsAny(text, empiricalTerms)
}

// methodsTransparency scores the share of methods vocabulary present,
// plus a bonus for any multi-digit number (sample sizes, dosages).
func methodsTransparency(abstract string) float64 {
	if abstract == "" {
		return 0
	}
	text := strings.ToLower(abstract)
	hits := 0
	for _, tok := range methodsTokens {
		if containsWord(text, tok) {
			hits++
		}
	}
	score := float64(hits) / float64(len(methodsTokens)) * 0.75
	if hasMultiDigitNumber(text) {
		score += 0.25
	}
	return score
}

func hasMultiDigitNumber(s string) bool {
	run := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			run++
			if run >= 2 {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

// citationImpact normalizes citations per decade of age against a
// saturation point of 20.
func citationImpact(citations, age int) float64 {
	if citations <= 0 {
		return 0
	}
	if age < 1 {
		age = 1
	}
	v := math.Log1p(float64(citations)/(float64(age)*10)) / math.Log1p(20)
	return clamp01(v)
}

// recencyFit decays with age and rewards papers inside the requested
// timeframe.
func recencyFit(year, now int, filters types.SearchFilters) float64 {
	v := math.Exp(-float64(ageYears(year, now)) / 8)
	if year != 0 && filters.InTimeframe(year) && (filters.FromYear > 0 || filters.ToYear > 0) {
		v += 0.15
	}
	return clamp01(v)
}

// ageYears treats unknown years as a decade old rather than brand new.
func ageYears(year, now int) int {
	if year == 0 {
		return 10
	}
	age := now - year
	if age < 0 {
		return 0
	}
	return age
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// FilterAndRank scores every paper, splits kept from hard-rejected,
// and sorts kept papers by quality, relevance, then citations.
func FilterAndRank(papers []*types.CanonicalPaper, opts ScoreOptions) (kept, rejected []*types.CanonicalPaper) {
	for _, cp := range papers {
		b := Score(cp, opts)
		if b.HardRejected {
			rejected = append(rejected, cp)
		} else {
			kept = append(kept, cp)
		}
	}
	sort.SliceStable(kept, func(i, j int) bool {
		qi, qj := kept[i].Quality.QTotal, kept[j].Quality.QTotal
		if qi != qj {
			return qi > qj
		}
		if kept[i].RelevanceScore != kept[j].RelevanceScore {
			return kept[i].RelevanceScore > kept[j].RelevanceScore
		}
		return kept[i].CitationCount > kept[j].CitationCount
	})
	return kept, rejected
}
