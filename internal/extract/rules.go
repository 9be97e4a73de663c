package extract

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/magpielab/magpie/internal/canon"
	"github.com/magpielab/magpie/internal/types"
)

const (
	minSampleSize = 2
	maxSampleSize = 10_000_000

	populationChars     = 220
	abstractExcerptMax  = 480
	outcomeLabelMax     = 80
	maxOutcomesPerStudy = 6
	maxPhraseWords      = 4
)

var (
	// Sample size comes from "n=..." or a count in front of an
	// enrollment noun, with at most one adjective between ("120 healthy
	// adults"). Earliest match in the abstract wins.
	sampleEqRe   = regexp.MustCompile(`(?i)\bn\s*=\s*([0-9][0-9,]*)`)
	sampleNounRe = regexp.MustCompile(`(?i)\b([0-9][0-9,]*)\s+(?:[a-z-]+\s+)?(?:participants|patients|subjects|adults|children)\b`)

	// Effect sizes are captured verbatim, marker plus number. The
	// abbreviation alternatives are case sensitive on purpose: a lowercase
	// "or" is a conjunction, not an odds ratio.
	effectRe = regexp.MustCompile(`(?:\b(?:aOR|aRR|aHR|OR|RR|HR|SMD|MD|IRR)\b|β|\bbeta\b|\bCohen'?s\s+d\b)\s*[=:]?\s*[−-]?[0-9]+(?:\.[0-9]+)?`)

	pValueRe = regexp.MustCompile(`(?i)\bp\s*[=<>≤≥]\s*(?:0?\.[0-9]+|[0-9](?:\.[0-9]+)?(?:e-?[0-9]+)?)`)
	ciRe     = regexp.MustCompile(`(?i)\b95%\s*CI[:,]?\s*[−-]?[0-9]+(?:\.[0-9]+)?\s*(?:to|–|,|-)\s*[−-]?[0-9]+(?:\.[0-9]+)?`)

	// Trial arms: "randomized to X or Y" is tried before the generic
	// "X vs Y" because its captures are anchored on the allocation verb.
	randomizedToRe = regexp.MustCompile(`(?i)\brandom(?:ized|ised|ly)\s+(?:(?:assigned|allocated)\s+)?to\s+(?:receive\s+)?(?:either\s+)?([a-z0-9][a-z0-9 %/.+-]{0,60}?)\s+or\s+([a-z0-9][a-z0-9 %/.+-]{0,60}?)(?:\s*[.,;:()]|$)`)
	versusRe       = regexp.MustCompile(`(?i)\b([a-z0-9][a-z0-9 %/.+-]{0,50}?)\s+(?:vs\.?|versus)\s+([a-z0-9][a-z0-9 %/.+-]{0,50}?)(?:\s*[.,;:()]|$)`)
)

// resultWords qualify a sentence as result-bearing when present in any
// case. The uppercase statistics abbreviations are checked separately.
var resultWords = []string{
	"significant", "associated", "association", "improved", "improvement",
	"increased", "decreased", "reduced", "reduction", "no difference",
	"no effect", "odds ratio", "risk ratio", "hazard ratio",
	"confidence interval", "versus", " vs ",
}

var resultAbbrevs = []string{"OR", "RR", "HR", "CI", "SMD", "IRR"}

// populationTerms pick the sentence describing who was studied.
var populationTerms = []string{
	"participants", "patients", "subjects", "adults", "children",
	"men", "women", "volunteers", "individuals", "infants", "adolescents",
	"older adults", "pregnant", "athletes", "aged", "years old",
}

// reportingLeads are stripped from the front of a sentence before the
// outcome label is cut, so "we found that memory improved" labels the
// outcome "memory", not "we found that memory".
var reportingLeads = []string{
	"we found that ", "we observed that ", "we report that ",
	"results showed that ", "results showed ", "the results showed that ",
	"our results indicate that ", "this study found that ",
	"overall, ", "in conclusion, ", "compared with the control group, ",
	"there was a ", "there was ", "there were ",
}

// labelCuts end the outcome label: the span before the first cut is what
// the sentence measured.
var labelCuts = []string{
	" was ", " were ", " improved", " increased", " decreased",
	" reduced", " did not", " showed", " remained", " significantly",
	" vs ", " versus ", " (", ",",
}

var phraseStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "of": true, "with": true,
	"to": true, "between": true, "either": true, "receive": true,
}

// phraseCuts end an extracted arm phrase before trailing qualifiers or
// verbs, so "placebo for 12 weeks" and "placebo improved memory" both
// become "placebo".
var phraseCuts = map[string]bool{
	"for": true, "during": true, "over": true, "at": true, "in": true,
	"was": true, "were": true, "improved": true, "increased": true,
	"decreased": true, "reduced": true, "showed": true, "did": true,
	"had": true, "group": true, "groups": true,
}

// extractSampleSize returns the first in-bounds enrollment count in the
// abstract, or nil when no pattern matches.
func extractSampleSize(abstract string) *int {
	type hit struct{ pos, val int }
	var hits []hit
	for _, re := range []*regexp.Regexp{sampleEqRe, sampleNounRe} {
		for _, m := range re.FindAllStringSubmatchIndex(abstract, -1) {
			if v, ok := parseCount(abstract[m[2]:m[3]]); ok {
				hits = append(hits, hit{pos: m[0], val: v})
			}
		}
	}
	if len(hits) == 0 {
		return nil
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].pos < hits[j].pos })
	v := hits[0].val
	return &v
}

func parseCount(s string) (int, bool) {
	v, err := strconv.Atoi(strings.ReplaceAll(s, ",", ""))
	if err != nil || v < minSampleSize || v > maxSampleSize {
		return 0, false
	}
	return v, true
}

// extractPopulation returns the first sentence naming who was studied,
// truncated to a bounded snippet.
func extractPopulation(sentences []canon.Sentence) *string {
	for _, s := range sentences {
		if hasAnyTerm(strings.ToLower(s.Text), populationTerms) {
			p := canon.Snippet(s.Text, populationChars)
			return &p
		}
	}
	return nil
}

// resultBearing reports whether a sentence carries a finding worth
// turning into an outcome.
func resultBearing(sentence string) bool {
	lower := strings.ToLower(sentence)
	for _, w := range resultWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	for _, a := range resultAbbrevs {
		if hasTerm(sentence, a) {
			return true
		}
	}
	return pValueRe.MatchString(sentence)
}

// outcomeFromSentence runs every field rule over one result-bearing
// sentence. The snippet keeps the sentence verbatim.
func outcomeFromSentence(sentence string) types.Outcome {
	o := types.Outcome{
		OutcomeMeasured: outcomeLabel(sentence),
		CitationSnippet: strings.TrimSpace(sentence),
	}
	if m := effectRe.FindString(sentence); m != "" {
		o.EffectSize = strings.TrimSpace(m)
	}
	if m := pValueRe.FindString(sentence); m != "" {
		o.PValue = strings.TrimSpace(m)
	} else if m := ciRe.FindString(sentence); m != "" {
		o.PValue = strings.TrimSpace(m)
	}
	o.Intervention, o.Comparator = extractArms(sentence)
	return o
}

// outcomeLabel derives what the sentence measured: strip reporting
// leads, then cut before the first verb-like marker.
func outcomeLabel(sentence string) string {
	lower := strings.ToLower(strings.TrimSpace(sentence))
	for stripped := true; stripped; {
		stripped = false
		for _, lead := range reportingLeads {
			if strings.HasPrefix(lower, lead) {
				lower = lower[len(lead):]
				stripped = true
			}
		}
	}
	label := lower
	if cut := earliestCut(lower, labelCuts); cut > 0 {
		label = lower[:cut]
	}
	label = strings.TrimSpace(strings.TrimPrefix(strings.TrimPrefix(strings.TrimPrefix(label, "the "), "a "), "an "))
	if len(label) < 3 {
		label = firstWords(lower, 6)
	}
	if len(label) > outcomeLabelMax {
		label = canon.Snippet(label, outcomeLabelMax)
	}
	return strings.Trim(label, " .;:")
}

func earliestCut(s string, cuts []string) int {
	best := -1
	for _, c := range cuts {
		if i := strings.Index(s, c); i > 0 && (best == -1 || i < best) {
			best = i
		}
	}
	if best == -1 {
		return 0
	}
	return best
}

func firstWords(s string, n int) string {
	words := strings.Fields(s)
	if len(words) > n {
		words = words[:n]
	}
	return strings.Join(words, " ")
}

// extractArms pulls intervention and comparator phrases from explicit
// allocation or comparison wording. Both come back lowercased.
func extractArms(sentence string) (intervention, comparator string) {
	if m := randomizedToRe.FindStringSubmatch(sentence); m != nil {
		return armPhrase(m[1], false), armPhrase(m[2], false)
	}
	if m := versusRe.FindStringSubmatch(sentence); m != nil {
		return armPhrase(m[1], true), armPhrase(m[2], false)
	}
	return "", ""
}

// armPhrase tidies a captured arm. tail keeps the last words of the
// capture instead of the first, which suits the left side of "X vs Y"
// where the arm name sits right before the marker.
func armPhrase(s string, tail bool) string {
	s = strings.TrimSpace(strings.Trim(strings.ToLower(s), " .,;:()"))
	words := strings.Fields(s)
	for i, w := range words {
		if i > 0 && phraseCuts[w] {
			words = words[:i]
			break
		}
	}
	if tail && len(words) > maxPhraseWords {
		words = words[len(words)-maxPhraseWords:]
	}
	for len(words) > 0 && phraseStopwords[words[0]] {
		words = words[1:]
	}
	if len(words) > maxPhraseWords {
		words = words[:maxPhraseWords]
	}
	return strings.Join(words, " ")
}

// outcomeScore weights an outcome by how many of its fields the rules
// managed to fill. Used only to rank outcomes within a study.
func outcomeScore(o types.Outcome) float64 {
	score := 0.2
	if o.OutcomeMeasured != "" {
		score += 0.2
	}
	if o.EffectSize != "" {
		score += 0.2
	}
	if o.PValue != "" {
		score += 0.2
	}
	if o.Intervention != "" {
		score += 0.1
	}
	if o.Comparator != "" {
		score += 0.1
	}
	return score
}

// extractOutcomes mines every result-bearing sentence, deduplicates on
// the full field tuple, and keeps the best-filled outcomes in abstract
// order. The allocation sentence ("randomized to X or Y") usually
// precedes the result sentences that need its arms, so arms found
// anywhere in the abstract fill outcomes that found none of their own.
func extractOutcomes(sentences []canon.Sentence) []types.Outcome {
	var studyIntervention, studyComparator string
	for _, s := range sentences {
		if m := randomizedToRe.FindStringSubmatch(s.Text); m != nil {
			studyIntervention = armPhrase(m[1], false)
			studyComparator = armPhrase(m[2], false)
			break
		}
	}

	type scored struct {
		outcome types.Outcome
		score   float64
		order   int
	}
	var outs []scored
	seen := map[string]bool{}
	for i, s := range sentences {
		if !resultBearing(s.Text) {
			continue
		}
		o := outcomeFromSentence(s.Text)
		key := o.OutcomeMeasured + "\x1f" + o.EffectSize + "\x1f" + o.PValue + "\x1f" + o.CitationSnippet
		if seen[key] {
			continue
		}
		seen[key] = true
		outs = append(outs, scored{outcome: o, score: outcomeScore(o), order: i})
	}
	if len(outs) > maxOutcomesPerStudy {
		sort.SliceStable(outs, func(i, j int) bool { return outs[i].score > outs[j].score })
		outs = outs[:maxOutcomesPerStudy]
		sort.SliceStable(outs, func(i, j int) bool { return outs[i].order < outs[j].order })
	}
	result := make([]types.Outcome, 0, len(outs))
	for _, s := range outs {
		o := s.outcome
		if o.Intervention == "" && o.Comparator == "" && studyIntervention != "" {
			o.Intervention = studyIntervention
			o.Comparator = studyComparator
		}
		result = append(result, o)
	}
	return result
}

// hasAnyTerm reports whether any term occurs with word boundaries.
// text must already be lowercased.
func hasAnyTerm(text string, terms []string) bool {
	for _, t := range terms {
		if hasTerm(text, t) {
			return true
		}
	}
	return false
}

// hasTerm is a boundary-checked Contains: "men" does not match inside
// "women", "aged" does not match inside "managed".
func hasTerm(text, term string) bool {
	for i := 0; ; {
		j := strings.Index(text[i:], term)
		if j < 0 {
			return false
		}
		j += i
		before := j == 0 || !isWordByte(text[j-1])
		after := j+len(term) == len(text) || !isWordByte(text[j+len(term)])
		if before && after {
			return true
		}
		i = j + 1
	}
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}
