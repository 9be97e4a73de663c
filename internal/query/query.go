// Package query turns research questions into provider-ready keyword
// queries.
//
// Preparation has three modes:
//   - v1: deterministic rewrite (comparative phrasing to neutral verbs,
//     filler words dropped) plus concept-table expansion, 3 synonyms per
//     concept.
//   - v2: a model-aided rewrite with a hard 350ms budget and the
//     deterministic path as fallback, 6 synonyms per concept.
//   - shadow: serves the v1 query while computing the v2-style query in
//     the background for comparison, never changing the served result.
//
// Example: "Is creatine better than caffeine for memory?" prepares to
// "creatine versus caffeine memory" before expansion.
package query

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/lithammer/fuzzysearch/fuzzy"
	"go.uber.org/zap"
)

// Mode selects the preparation strategy.
type Mode string

const (
	ModeV1     Mode = "v1"
	ModeV2     Mode = "v2"
	ModeShadow Mode = "shadow"
)

// ParseMode validates a mode string from config or environment.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeV1, ModeV2, ModeShadow:
		return Mode(s), nil
	case "":
		return ModeV1, nil
	}
	return "", fmt.Errorf("unknown query pipeline mode %q", s)
}

// rewriteBudget bounds the model-aided rewrite in v2 mode. Past it the
// deterministic query is served.
const rewriteBudget = 350 * time.Millisecond

// ConceptTable maps a lowercase concept term to its synonyms, e.g.
// "memory" -> {"cognition", "recall", "working memory"}.
type ConceptTable map[string][]string

// Rewriter produces a model-aided normalization of a question. The
// augment package provides the production implementation.
type Rewriter interface {
	Rewrite(ctx context.Context, question string) (string, error)
}

// Prepared is the outcome of query preparation. APIQuery is what
// providers receive; Shadow is only reported through the OnShadow hook.
type Prepared struct {
	Original   string   `json:"original_keyword_query"`
	Normalized string   `json:"normalized_query"`
	Expanded   string   `json:"expanded_keyword_query"`
	APIQuery   string   `json:"api_query"`
	Mode       Mode     `json:"mode"`
	ModelAided bool     `json:"model_aided"`
	Concepts   []string `json:"concepts,omitempty"`
}

// Preparer holds the concept table and mode. A nil Rewriter downgrades
// v2 to the deterministic path.
type Preparer struct {
	Table    ConceptTable
	Mode     Mode
	Rewriter Rewriter
	Log      *zap.Logger

	// OnShadow receives the background comparison query in shadow
	// mode, after Prepare has returned.
	OnShadow func(served, shadow string)
}

// NewPreparer builds a Preparer with lowercased concept keys.
func NewPreparer(table ConceptTable, mode Mode, log *zap.Logger) *Preparer {
	clean := make(ConceptTable, len(table))
	for k, v := range table {
		clean[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &Preparer{Table: clean, Mode: mode, Log: log}
}

// Prepare normalizes and expands one question. It never fails: every
// degradation falls back to the deterministic v1 result.
func (p *Preparer) Prepare(ctx context.Context, question string) Prepared {
	out := Prepared{Original: question, Mode: p.Mode}

	switch p.Mode {
	case ModeV2:
		out.Normalized, out.ModelAided = p.rewrite(ctx, question)
	case ModeShadow:
		out.Normalized = Normalize(question)
		p.spawnShadow(question, out.Normalized)
	default:
		out.Normalized = Normalize(question)
	}

	out.Expanded, out.Concepts = p.expand(out.Normalized, maxSynonyms(p.Mode))
	out.APIQuery = out.Expanded
	return out
}

// rewrite runs the model-aided path under the budget and sanity-checks
// the result before trusting it.
func (p *Preparer) rewrite(ctx context.Context, question string) (string, bool) {
	deterministic := Normalize(question)
	if p.Rewriter == nil {
		return deterministic, false
	}

	rctx, cancel := context.WithTimeout(ctx, rewriteBudget)
	defer cancel()
	raw, err := p.Rewriter.Rewrite(rctx, question)
	if err != nil {
		p.log().Debug("model rewrite fell back", zap.Error(err))
		return deterministic, false
	}
	cleaned := Normalize(raw)
	if !plausibleRewrite(cleaned) {
		p.log().Debug("model rewrite rejected", zap.String("rewrite", raw))
		return deterministic, false
	}
	return cleaned, true
}

// spawnShadow computes the comparison query off the request path. The
// served query is already fixed when this runs.
func (p *Preparer) spawnShadow(question, served string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*rewriteBudget)
		defer cancel()
		normalized, aided := p.rewrite(ctx, question)
		shadow, _ := p.expand(normalized, maxSynonyms(ModeV2))
		p.log().Info("shadow query computed",
			zap.String("served", served),
			zap.String("shadow", shadow),
			zap.Bool("model_aided", aided))
		if p.OnShadow != nil {
			p.OnShadow(served, shadow)
		}
	}()
}

func (p *Preparer) log() *zap.Logger {
	if p.Log == nil {
		return zap.NewNop()
	}
	return p.Log
}

func maxSynonyms(m Mode) int {
	if m == ModeV2 {
		return 6
	}
	return 3
}

func plausibleRewrite(q string) bool {
	if q == "" || len(q) > 300 {
		return false
	}
	return len(strings.Fields(q)) <= 32
}

// rewriteRules replace comparative phrasing with neutral terms. Order
// matters: longer phrases first so their prefixes never shadow them.
var rewriteRules = []struct {
	from, to string
}{
	{"more effective than", "versus"},
	{"less effective than", "versus"},
	{"better than", "versus"},
	{"worse than", "versus"},
	{"superior to", "versus"},
	{"inferior to", "versus"},
	{"effects of", "effect"},
	{"effect of", "effect"},
	{"impact of", "effect"},
	{"influence of", "effect"},
}

// fillerWords are dropped after phrase rewriting. Kept small: content
// terms like "versus" and single-letter nutrient names must survive.
var fillerWords = map[string]bool{
	"a": true, "an": true, "the": true, "of": true, "for": true,
	"in": true, "on": true, "to": true, "with": true, "and": true,
	"is": true, "are": true, "was": true, "were": true, "does": true,
	"do": true, "what": true, "which": true, "how": true, "why": true,
	"can": true, "should": true, "there": true, "between": true,
	"among": true,
}

// Normalize applies the deterministic v1 rewrite: lowercase, strip
// question punctuation, neutralize comparatives, drop filler words.
// Normalize(Normalize(q)) == Normalize(q).
func Normalize(q string) string {
	s := strings.ToLower(strings.TrimSpace(q))
	s = strings.Map(func(r rune) rune {
		switch r {
		case '?', '!', '.', ',', ';', ':', '"', '\'':
			return ' '
		}
		return r
	}, s)
	// Collapse whitespace before phrase matching so wrapped or oddly
	// spaced questions still hit the rewrite rules.
	s = strings.Join(strings.Fields(s), " ")
	for _, rule := range rewriteRules {
		s = strings.ReplaceAll(s, rule.from, rule.to)
	}

	fields := strings.Fields(s)
	kept := fields[:0]
	for _, w := range fields {
		if fillerWords[w] {
			continue
		}
		kept = append(kept, w)
	}
	return strings.Join(kept, " ")
}

// expand appends concept-table synonyms to the normalized query, up to
// limit per matched concept, skipping terms already present. Concepts
// are visited in sorted order so expansion is deterministic.
func (p *Preparer) expand(normalized string, limit int) (string, []string) {
	if normalized == "" || len(p.Table) == 0 {
		return normalized, nil
	}
	padded := " " + normalized + " "
	tokens := strings.Fields(normalized)
	present := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		present[tok] = true
	}

	keys := make([]string, 0, len(p.Table))
	for k := range p.Table {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var matched []string
	var extra []string
	for _, key := range keys {
		if !conceptMatches(key, padded, tokens) {
			continue
		}
		matched = append(matched, key)
		added := 0
		for _, syn := range p.Table[key] {
			if added >= limit {
				break
			}
			syn = strings.ToLower(strings.TrimSpace(syn))
			if syn == "" || present[syn] || strings.Contains(padded, " "+syn+" ") {
				continue
			}
			present[syn] = true
			extra = append(extra, syn)
			added++
		}
	}
	if len(extra) == 0 {
		return normalized, matched
	}
	return normalized + " " + strings.Join(extra, " "), matched
}

// conceptMatches accepts an exact word-boundary hit, or a close fuzzy
// hit for single-word concepts (dropped-letter typos).
func conceptMatches(key, padded string, tokens []string) bool {
	if strings.Contains(padded, " "+key+" ") {
		return true
	}
	if strings.Contains(key, " ") {
		return false
	}
	for _, tok := range tokens {
		if len(tok) < 4 || tok == key {
			continue
		}
		if rank := fuzzy.RankMatchFold(tok, key); rank >= 0 && rank <= 2 {
			return true
		}
	}
	return false
}
