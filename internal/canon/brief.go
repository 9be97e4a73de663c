package canon

import (
	"fmt"
	"sort"
	"strings"

	"github.com/magpielab/magpie/internal/stablejson"
	"github.com/magpielab/magpie/internal/types"
)

const (
	clusterThreshold   = 0.42
	maxClusters        = 3
	maxClaimSentences  = 4
	maxAnchorsPerClaim = 3
	maxMinedPerPaper   = 4
	minSentenceLen     = 25
)

// effectTerms qualify a sentence as result-bearing for claim mining.
var effectTerms = []string{
	"significant", "improved", "improvement", "increased", "decreased",
	"reduced", "reduction", "associated", "association", "no difference",
	"no effect", "risk", "benefit", "odds ratio", "hazard ratio",
	"confidence interval", "p <", "p<", "p =", "p=", " ci ", " vs ",
}

// negativeMarkers are checked before positive ones: "no significant"
// must not read as a positive finding.
var negativeMarkers = []string{
	"no significant", "no difference", "no effect", "not significant",
	"no association", "did not", "failed to", "no evidence",
}

var positiveMarkers = []string{
	"significant", "improved", "increased", "reduced", "decreased",
	"associated with", "benefit", "effective",
}

var briefStopwords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "in": true,
	"on": true, "to": true, "with": true, "and": true, "or": true,
	"for": true, "was": true, "were": true, "is": true, "are": true,
	"we": true, "this": true, "that": true, "these": true, "there": true,
	"between": true, "among": true, "from": true, "by": true, "at": true,
	"as": true, "than": true, "not": true, "no": true, "be": true,
	"been": true, "had": true, "has": true, "have": true, "after": true,
	"but": true, "our": true, "their": true, "its": true, "may": true,
}

type minedSentence struct {
	paperID string
	text    string
	start   int
	end     int
	stance  types.Stance
	tokens  map[string]bool
}

type claimCluster struct {
	tokens  map[string]bool // representative (first sentence) tokens
	members []minedSentence
	counts  map[string]int
	papers  map[string]bool
}

// BuildBrief mines result-bearing abstract sentences from the ranked
// papers, clusters them by outcome-token overlap, and synthesizes one
// anchored claim sentence per cluster (plus a lead sentence when
// multiple clusters emerge). The second return maps paper ids to the
// label of their best cluster, for evidence-table annotation.
func BuildBrief(kept []*types.CanonicalPaper) (types.Brief, map[string]types.PropositionLabel) {
	mined := mineClaims(kept)
	if len(mined) == 0 {
		return types.Brief{}, nil
	}

	var clusters []*claimCluster
	for _, s := range mined {
		best := -1
		bestSim := 0.0
		for i, cl := range clusters {
			if sim := jaccard(s.tokens, cl.tokens); sim >= clusterThreshold && sim > bestSim {
				best, bestSim = i, sim
			}
		}
		if best < 0 {
			clusters = append(clusters, &claimCluster{
				tokens:  s.tokens,
				members: []minedSentence{s},
				counts:  countTokens(nil, s.tokens),
				papers:  map[string]bool{s.paperID: true},
			})
			continue
		}
		cl := clusters[best]
		cl.members = append(cl.members, s)
		cl.counts = countTokens(cl.counts, s.tokens)
		cl.papers[s.paperID] = true
	}

	sort.SliceStable(clusters, func(i, j int) bool {
		return len(clusters[i].members) > len(clusters[j].members)
	})
	if len(clusters) > maxClusters {
		clusters = clusters[:maxClusters]
	}

	labels := make(map[string]types.PropositionLabel)
	var brief types.Brief
	if len(clusters) > 1 {
		brief.Sentences = append(brief.Sentences, leadSentence(clusters))
	}
	for _, cl := range clusters {
		label := cl.label()
		for pid := range cl.papers {
			if _, seen := labels[pid]; !seen {
				labels[pid] = label
			}
		}
		brief.Sentences = append(brief.Sentences, cl.claim(label))
		if len(brief.Sentences) >= maxClaimSentences {
			break
		}
	}
	return brief, labels
}

// mineClaims walks papers in rank order and collects result-bearing
// sentences with their abstract offsets.
func mineClaims(kept []*types.CanonicalPaper) []minedSentence {
	var out []minedSentence
	for _, cp := range kept {
		if cp.Abstract == "" {
			continue
		}
		taken := 0
		for _, sp := range splitSentences(cp.Abstract) {
			if taken >= maxMinedPerPaper {
				break
			}
			text := cp.Abstract[sp.start:sp.end]
			lower := strings.ToLower(text)
			if !containsAny(lower, effectTerms) {
				continue
			}
			out = append(out, minedSentence{
				paperID: cp.PaperID,
				text:    text,
				start:   sp.start,
				end:     sp.end,
				stance:  stanceOf(lower),
				tokens:  outcomeTokens(lower),
			})
			taken++
		}
	}
	return out
}

type span struct{ start, end int }

// Sentence is one abstract sentence with its byte offsets into the
// original text.
type Sentence struct {
	Text  string
	Start int
	End   int
}

// SplitSentences exposes the boundary rules used for claim mining so
// the extractor sees the same sentences the brief does.
func SplitSentences(text string) []Sentence {
	spans := splitSentences(text)
	out := make([]Sentence, 0, len(spans))
	for _, sp := range spans {
		out = append(out, Sentence{Text: text[sp.start:sp.end], Start: sp.start, End: sp.end})
	}
	return out
}

// splitSentences finds sentence boundaries without copying, so spans
// index directly into the abstract. A boundary is . ! or ? followed by
// whitespace and an uppercase letter or digit; short fragments are
// dropped.
func splitSentences(text string) []span {
	var spans []span
	start := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if i+1 < len(text) && !isBoundaryAfter(text, i+1) {
			continue
		}
		s := trimSpan(text, start, i+1)
		if s.end-s.start >= minSentenceLen {
			spans = append(spans, s)
		}
		start = i + 1
	}
	if s := trimSpan(text, start, len(text)); s.end-s.start >= minSentenceLen {
		spans = append(spans, s)
	}
	return spans
}

// isBoundaryAfter requires whitespace after the punctuation, so the
// decimal point in "p=0.05" never splits a sentence.
func isBoundaryAfter(text string, i int) bool {
	if i >= len(text) {
		return true
	}
	if !isSpaceByte(text[i]) {
		return false
	}
	for i < len(text) && isSpaceByte(text[i]) {
		i++
	}
	if i == len(text) {
		return true
	}
	c := text[i]
	return c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func isSpaceByte(b byte) bool {
	return b == ' ' || b == '\n' || b == '\t' || b == '\r'
}

func trimSpan(text string, start, end int) span {
	for start < end && isSpaceByte(text[start]) {
		start++
	}
	for end > start && isSpaceByte(text[end-1]) {
		end--
	}
	return span{start, end}
}

func stanceOf(lower string) types.Stance {
	if containsAny(lower, negativeMarkers) {
		return types.StanceNegative
	}
	if containsAny(lower, positiveMarkers) {
		return types.StancePositive
	}
	return types.StanceNeutral
}

// outcomeTokens reduces a sentence to its content words.
func outcomeTokens(lower string) map[string]bool {
	set := map[string]bool{}
	for _, tok := range strings.Fields(normalizeTitle(lower)) {
		if briefStopwords[tok] || len(tok) < 3 || isNumeric(tok) {
			continue
		}
		set[tok] = true
	}
	return set
}

func isNumeric(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return len(s) > 0
}

func countTokens(counts map[string]int, tokens map[string]bool) map[string]int {
	if counts == nil {
		counts = map[string]int{}
	}
	for tok := range tokens {
		counts[tok]++
	}
	return counts
}

// label applies the disposition rules over member stances.
func (cl *claimCluster) label() types.PropositionLabel {
	hasPos, hasNeg := false, false
	for _, m := range cl.members {
		switch m.stance {
		case types.StancePositive:
			hasPos = true
		case types.StanceNegative:
			hasNeg = true
		}
	}
	switch {
	case hasPos && hasNeg:
		return types.PropConflicting
	case hasPos:
		return types.PropConsensusPositive
	case hasNeg:
		return types.PropConsensusNegative
	}
	return types.PropMixed
}

// topic picks the three most shared outcome tokens, ties alphabetical.
func (cl *claimCluster) topic() string {
	type tc struct {
		tok string
		n   int
	}
	ranked := make([]tc, 0, len(cl.counts))
	for tok, n := range cl.counts {
		ranked = append(ranked, tc{tok, n})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].n != ranked[j].n {
			return ranked[i].n > ranked[j].n
		}
		return ranked[i].tok < ranked[j].tok
	})
	if len(ranked) > 3 {
		ranked = ranked[:3]
	}
	words := make([]string, len(ranked))
	for i, t := range ranked {
		words[i] = t.tok
	}
	return strings.Join(words, " ")
}

func (cl *claimCluster) claim(label types.PropositionLabel) types.ClaimSentence {
	topic := cl.topic()
	n := len(cl.papers)
	var text string
	var stance types.Stance
	switch label {
	case types.PropConsensusPositive:
		text = fmt.Sprintf("Evidence from %d %s consistently supports an effect on %s.", n, pluralStudies(n), topic)
		stance = types.StancePositive
	case types.PropConsensusNegative:
		text = fmt.Sprintf("Evidence from %d %s points against an effect on %s.", n, pluralStudies(n), topic)
		stance = types.StanceNegative
	case types.PropConflicting:
		text = fmt.Sprintf("Findings conflict on %s across %d %s.", topic, n, pluralStudies(n))
		stance = types.StanceConflicting
	default:
		text = fmt.Sprintf("Evidence on %s is mixed across %d %s.", topic, n, pluralStudies(n))
		stance = types.StanceMixed
	}
	return types.ClaimSentence{Text: text, Stance: stance, Citations: cl.anchors()}
}

// anchors cites up to three member snippets from distinct papers.
func (cl *claimCluster) anchors() []types.CitationAnchor {
	var out []types.CitationAnchor
	seen := map[string]bool{}
	for _, m := range cl.members {
		if seen[m.paperID] {
			continue
		}
		seen[m.paperID] = true
		out = append(out, types.CitationAnchor{
			PaperID:     m.paperID,
			Section:     "abstract",
			CharStart:   m.start,
			CharEnd:     m.end,
			SnippetHash: stablejson.SnippetHash(m.text),
		})
		if len(out) >= maxAnchorsPerClaim {
			break
		}
	}
	return out
}

func leadSentence(clusters []*claimCluster) types.ClaimSentence {
	papers := map[string]bool{}
	topics := make([]string, 0, len(clusters))
	for _, cl := range clusters {
		for pid := range cl.papers {
			papers[pid] = true
		}
		topics = append(topics, cl.topic())
	}
	text := fmt.Sprintf("Across %d %s, the evidence addresses %s.",
		len(papers), pluralStudies(len(papers)), strings.Join(topics, "; "))
	return types.ClaimSentence{
		Text:      text,
		Stance:    types.StanceNeutral,
		Citations: clusters[0].anchors(),
	}
}

func pluralStudies(n int) string {
	if n == 1 {
		return "study"
	}
	return "studies"
}
