package canon

import (
	"strings"

	"github.com/magpielab/magpie/internal/types"
)

// Keyword families for design classification, checked in order of
// evidentiary strength. Publication types from the providers win over
// title text, which wins over abstract text.
var (
	metaTerms       = []string{"meta-analysis", "meta analysis", "metaanalysis", "pooled analysis"}
	systematicTerms = []string{"systematic review", "systematic literature review"}
	rctTerms        = []string{
		"randomized controlled trial", "randomised controlled trial",
		"randomized clinical trial", "randomised clinical trial",
		"randomized, double-blind", "double-blind", "placebo-controlled",
		"randomly assigned", "randomly allocated", " rct",
	}
	cohortTerms = []string{
		"cohort", "prospective study", "longitudinal study",
		"follow-up study", "followed for",
	}
	crossSectionalTerms = []string{"cross-sectional", "cross sectional"}
	reviewTerms         = []string{"review", "overview of"}
)

// ClassifyDesign assigns a study design and review type from provider
// publication types, the title, and the abstract, in that priority.
func ClassifyDesign(title, abstract string, pubTypes []string) (types.StudyDesign, types.ReviewType) {
	pt := strings.ToLower(strings.Join(pubTypes, " "))
	if containsAny(pt, metaTerms) {
		return types.DesignReview, types.ReviewMeta
	}
	if containsAny(pt, systematicTerms) {
		return types.DesignReview, types.ReviewSystematic
	}
	if containsAny(pt, rctTerms) || strings.Contains(pt, "clinical trial") {
		return types.DesignRCT, types.ReviewNone
	}

	for _, text := range []string{strings.ToLower(title), strings.ToLower(abstract)} {
		if text == "" {
			continue
		}
		switch {
		case containsAny(text, metaTerms):
			return types.DesignReview, types.ReviewMeta
		case containsAny(text, systematicTerms):
			return types.DesignReview, types.ReviewSystematic
		case containsAny(text, rctTerms):
			return types.DesignRCT, types.ReviewNone
		case containsAny(text, cohortTerms):
			return types.DesignCohort, types.ReviewNone
		case containsAny(text, crossSectionalTerms):
			return types.DesignCrossSectional, types.ReviewNone
		}
	}

	if containsAny(strings.ToLower(title), reviewTerms) || containsAny(pt, reviewTerms) {
		return types.DesignReview, types.ReviewNone
	}
	return types.DesignUnknown, types.ReviewNone
}

// DesignStrength scores the evidentiary weight of a design for the
// quality breakdown. Preprint status only matters when the design is
// unknown.
func DesignStrength(design types.StudyDesign, review types.ReviewType, isPreprint bool) float64 {
	switch {
	case review == types.ReviewMeta || review == types.ReviewSystematic:
		return 0.9
	case design == types.DesignRCT:
		return 0.86
	case design == types.DesignCohort:
		return 0.72
	case design == types.DesignCrossSectional:
		return 0.64
	case design == types.DesignReview:
		return 0.62
	case isPreprint:
		return 0.45
	}
	return 0.55
}

// methodsTokens is the transparency vocabulary shared by the quality
// scorer and the methods-present flag.
var methodsTokens = []string{"method", "methods", "participants", "sample", "dataset", "randomized", "protocol"}

// MethodsPresent reports whether an abstract carries any methods
// vocabulary at all.
func MethodsPresent(abstract string) bool {
	text := strings.ToLower(abstract)
	for _, tok := range methodsTokens {
		if containsWord(text, tok) {
			return true
		}
	}
	return false
}

func containsAny(text string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}

// containsWord matches tok at word boundaries only; "method" must not
// fire inside "methodology".
func containsWord(text, tok string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], tok)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(tok)
		leftOK := start == 0 || !isWordRune(text[start-1])
		rightOK := end == len(text) || !isWordRune(text[end])
		if leftOK && rightOK {
			return true
		}
		idx = end
	}
}

func isWordRune(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= '0' && b <= '9' || b == '_'
}
