// Package enrich fills metadata gaps in provider candidates from the
// DOI and canonical-record caches, resolving cold DOIs against
// Crossref and OpenAlex. Every resolution is scored for confidence
// before anything is trusted, and a mode decides what happens with the
// decision:
//
//   - offline_shadow: compute and log decisions, mutate nothing
//   - offline_apply: warm the DOI cache asynchronously; the current
//     run is served as-is
//   - inline_apply: fill the current run's candidates under a latency
//     budget, serving stale cache entries when the upstream is cold
//
// Filling is strictly fill-if-empty. A resolved record never
// overwrites a field some provider already populated.
package enrich

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/cache"
	"github.com/magpielab/magpie/internal/canon"
	"github.com/magpielab/magpie/internal/providers"
	"github.com/magpielab/magpie/internal/stablejson"
	"github.com/magpielab/magpie/internal/types"
)

// Mode selects how enrichment decisions are applied.
type Mode string

// Enrichment modes.
const (
	ModeOfflineShadow Mode = "offline_shadow"
	ModeOfflineApply  Mode = "offline_apply"
	ModeInlineApply   Mode = "inline_apply"
)

// ParseMode validates a mode string. Empty selects offline_shadow.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeOfflineShadow, nil
	case ModeOfflineShadow, ModeOfflineApply, ModeInlineApply:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown enrichment mode %q", s)
}

// Confidence thresholds for applying a resolution.
const (
	acceptThreshold = 0.9
	deferThreshold  = 0.75
)

// Budget for one asynchronous enrichment pass. Inline passes use the
// configured latency budget instead.
const offlineBudget = 2 * time.Minute

// Outcome is the verdict on one resolution.
type Outcome string

// Decision outcomes.
const (
	OutcomeAccept Outcome = "accept"
	OutcomeDefer  Outcome = "defer"
	OutcomeReject Outcome = "reject"
)

// Decision records what enrichment concluded for one candidate.
type Decision struct {
	CandidateID string   `json:"candidate_id"`
	Provider    string   `json:"provider"`
	DOI         string   `json:"doi,omitempty"`
	Fingerprint string   `json:"fingerprint,omitempty"`
	Resolver    string   `json:"resolver,omitempty"`
	Confidence  float64  `json:"confidence"`
	Outcome     Outcome  `json:"outcome"`
	Reason      string   `json:"reason,omitempty"`
	Filled      []string `json:"filled,omitempty"`
	CacheHit    bool     `json:"cache_hit,omitempty"`
	StaleServed bool     `json:"stale_served,omitempty"`
}

// Result summarizes one enrichment pass.
type Result struct {
	Mode            Mode       `json:"mode"`
	Decisions       []Decision `json:"decisions,omitempty"`
	Accepted        int        `json:"accepted"`
	Deferred        int        `json:"deferred"`
	Rejected        int        `json:"rejected"`
	Skipped         int        `json:"skipped"`
	CacheHits       int        `json:"cache_hits"`
	StaleServed     int        `json:"stale_served,omitempty"`
	Scheduled       int        `json:"scheduled,omitempty"`
	BudgetExhausted bool       `json:"budget_exhausted,omitempty"`
	ElapsedMS       int64      `json:"elapsed_ms"`
}

// passKind separates what a pass may touch.
type passKind int

const (
	passShadow passKind = iota // read caches, resolve, write nothing
	passApply                  // resolve and warm the DOI cache
	passInline                 // passApply plus candidate fills and stale serving
)

// Enricher runs metadata enrichment over a candidate set. The
// exported knobs mirror the METADATA_ENRICHMENT_* configuration and
// may be set between New and the first Enrich call.
type Enricher struct {
	Mode          Mode
	InlinePercent int           // share of candidates enriched inline
	MaxLatency    time.Duration // inline budget
	RetryMax      int           // resolver attempts per candidate
	OnResult      func(Result)  // offline passes report here

	cache     *cache.Client
	resolvers []providers.Resolver
	trust     func(string) float64
	seeder    *canon.Canonicalizer
	log       *zap.Logger
}

// New builds an Enricher with the mode defaults. A nil cache client
// disables cache consultation and warming; resolution still works.
func New(c *cache.Client, resolvers []providers.Resolver, trust func(string) float64, log *zap.Logger) *Enricher {
	if log == nil {
		log = zap.NewNop()
	}
	if trust == nil {
		trust = func(string) float64 { return 0.5 }
	}
	return &Enricher{
		Mode:          ModeOfflineShadow,
		InlinePercent: 100,
		MaxLatency:    5 * time.Second,
		RetryMax:      4,

		cache:     c,
		resolvers: resolvers,
		trust:     trust,
		seeder:    &canon.Canonicalizer{Trust: canon.TrustFunc(trust)},
		log:       log,
	}
}

// Enrich runs one pass over the candidates. Inline mode returns a
// filled copy; offline modes return the input untouched and finish in
// the background, reporting through OnResult and the log.
func (e *Enricher) Enrich(ctx context.Context, candidates []types.UnifiedPaper) ([]types.UnifiedPaper, Result) {
	switch e.Mode {
	case ModeInlineApply:
		out := append([]types.UnifiedPaper(nil), candidates...)
		budget := e.MaxLatency
		if budget <= 0 {
			budget = 5 * time.Second
		}
		cctx, cancel := context.WithTimeout(ctx, budget)
		defer cancel()
		res := e.pass(cctx, out, passInline)
		e.logResult(res)
		return out, res
	case ModeOfflineApply, ModeOfflineShadow:
		kind := passShadow
		if e.Mode == ModeOfflineApply {
			kind = passApply
		}
		snapshot := append([]types.UnifiedPaper(nil), candidates...)
		go func() {
			octx, cancel := context.WithTimeout(context.Background(), offlineBudget)
			defer cancel()
			res := e.pass(octx, snapshot, kind)
			e.logResult(res)
			if e.OnResult != nil {
				e.OnResult(res)
			}
		}()
		return candidates, Result{Mode: e.Mode, Scheduled: len(candidates)}
	}
	return candidates, Result{Mode: e.Mode, Skipped: len(candidates)}
}

func (e *Enricher) pass(ctx context.Context, cands []types.UnifiedPaper, kind passKind) Result {
	start := time.Now()
	res := Result{Mode: e.Mode}
	for i := range cands {
		if ctx.Err() != nil {
			res.BudgetExhausted = true
			e.deferRemainder(&res, cands[i:])
			break
		}
		d := e.examine(ctx, &cands[i], kind)
		if d == nil {
			res.Skipped++
			continue
		}
		res.Decisions = append(res.Decisions, *d)
		switch d.Outcome {
		case OutcomeAccept:
			res.Accepted++
		case OutcomeDefer:
			res.Deferred++
		case OutcomeReject:
			res.Rejected++
		}
		if d.CacheHit {
			res.CacheHits++
		}
		if d.StaleServed {
			res.StaleServed++
		}
	}
	res.ElapsedMS = time.Since(start).Milliseconds()
	return res
}

// deferRemainder records candidates the budget never reached.
func (e *Enricher) deferRemainder(res *Result, rest []types.UnifiedPaper) {
	for _, u := range rest {
		doi := canon.NormalizeDOI(u.DOI)
		if doi == "" && u.Title == "" {
			res.Skipped++
			continue
		}
		res.Decisions = append(res.Decisions, Decision{
			CandidateID: u.ID,
			Provider:    u.Source,
			DOI:         doi,
			Outcome:     OutcomeDefer,
			Reason:      "latency_budget",
		})
		res.Deferred++
	}
}

// examine resolves one candidate and decides. A nil return means the
// candidate was skipped: no usable key, or not in the inline sample.
func (e *Enricher) examine(ctx context.Context, u *types.UnifiedPaper, kind passKind) *Decision {
	doi := canon.NormalizeDOI(u.DOI)
	if doi == "" {
		return e.examineFingerprint(ctx, u, kind)
	}
	if kind == passInline && !e.sampled(doi) {
		return nil
	}

	d := &Decision{CandidateID: u.ID, Provider: u.Source, DOI: doi}
	rec, err := e.lookupDOI(ctx, doi, kind, d)
	if err != nil {
		if types.Retryable(err) {
			d.Outcome, d.Reason = OutcomeDefer, "resolver_unavailable"
		} else {
			d.Outcome, d.Reason = OutcomeReject, "unresolvable"
		}
		return d
	}
	if rec == nil {
		d.Outcome, d.Reason = OutcomeReject, "unresolvable"
		return d
	}

	e.decide(d, u, rec, kind)
	return d
}

// examineFingerprint enriches DOI-less candidates from the
// canonical-record cache keyed by the title fingerprint. There is no
// upstream to resolve against without a DOI, so a cache miss skips.
func (e *Enricher) examineFingerprint(ctx context.Context, u *types.UnifiedPaper, kind passKind) *Decision {
	if u.Title == "" || e.cache == nil {
		return nil
	}
	fp := canon.Fingerprint(u.Title, u.Year, "")
	if kind == passInline && !e.sampled(fp) {
		return nil
	}
	rec, found, err := e.cache.GetCanonical(ctx, fp)
	if err != nil {
		e.log.Debug("fingerprint lookup failed", zap.String("fingerprint", fp), zap.Error(err))
		return nil
	}
	if !found {
		return nil
	}
	d := &Decision{
		CandidateID: u.ID,
		Provider:    u.Source,
		Fingerprint: fp,
		Resolver:    "cache",
		CacheHit:    true,
	}
	e.decide(d, u, rec, kind)
	return d
}

// lookupDOI consults the DOI cache per the pass kind, resolving
// upstream on a miss. Shadow passes never write the cache; inline
// passes may serve a stale entry, flagged on the decision.
func (e *Enricher) lookupDOI(ctx context.Context, doi string, kind passKind, d *Decision) (*types.CanonicalPaper, error) {
	if e.cache == nil {
		rec, name, err := e.resolve(ctx, doi)
		d.Resolver = name
		return rec, err
	}

	if kind == passShadow || kind == passInline {
		var cached types.CanonicalPaper
		found, stale, err := e.cache.Get(ctx, cache.DOI, doi, &cached)
		if err != nil {
			return nil, err
		}
		if found && !stale {
			d.Resolver, d.CacheHit = "cache", true
			return &cached, nil
		}
		if found && stale && kind == passInline {
			e.cache.MarkStaleServed(cache.DOI, doi)
			d.Resolver, d.CacheHit, d.StaleServed = "cache", true, true
			return &cached, nil
		}
		if kind == passShadow {
			rec, name, err := e.resolve(ctx, doi)
			d.Resolver = name
			return rec, err
		}
	}

	var resolver string
	rec, cached, err := e.cache.GetOrFillDOI(ctx, doi, func(ctx context.Context) (*types.CanonicalPaper, error) {
		fresh, name, err := e.resolve(ctx, doi)
		resolver = name
		return fresh, err
	})
	if err != nil {
		return nil, err
	}
	if cached {
		d.Resolver, d.CacheHit = "cache", true
	} else {
		d.Resolver = resolver
	}
	return rec, nil
}

// resolve tries the resolvers in order until one returns a record,
// capped at RetryMax attempts.
func (e *Enricher) resolve(ctx context.Context, doi string) (*types.CanonicalPaper, string, error) {
	max := e.RetryMax
	if max <= 0 {
		max = 4
	}
	var lastErr error
	attempts := 0
	for _, r := range e.resolvers {
		if attempts >= max || ctx.Err() != nil {
			break
		}
		attempts++
		u, _, err := r.Resolve(ctx, doi)
		if err != nil {
			lastErr = err
			continue
		}
		if u == nil {
			continue
		}
		return e.seeder.Seed(*u), r.Name(), nil
	}
	if lastErr == nil {
		lastErr = types.NewError(types.ErrInternal, "doi_unresolvable", "no resolver returned a record for "+doi)
	}
	return nil, "", lastErr
}

// decide scores the resolution and, on an inline accept, fills the
// candidate's empty fields.
func (e *Enricher) decide(d *Decision, u *types.UnifiedPaper, rec *types.CanonicalPaper, kind passKind) {
	sourceTrust := rec.SourceConfidence
	if !d.CacheHit {
		sourceTrust = e.trustOf(d.Resolver)
	}
	d.Confidence = confidence(*u, rec.Title, rec.Year, sourceTrust)
	switch {
	case d.Confidence >= acceptThreshold:
		d.Outcome = OutcomeAccept
		if kind == passInline {
			d.Filled = FillFromRecord(u, rec)
		}
	case d.Confidence >= deferThreshold:
		d.Outcome, d.Reason = OutcomeDefer, "below_accept_threshold"
	default:
		d.Outcome, d.Reason = OutcomeReject, "low_confidence"
	}
}

func (e *Enricher) trustOf(resolver string) float64 {
	if t := e.trust(resolver); t > 0 {
		return t
	}
	return 0.5
}

// confidence weighs title agreement (0.6), year agreement (0.2), and
// the trust of whatever produced the record (0.2). A candidate with
// no title to check scores a neutral 0.75 similarity, which lands in
// the defer band rather than auto-accepting.
func confidence(u types.UnifiedPaper, title string, year int, sourceTrust float64) float64 {
	sim := 0.75
	if u.Title != "" && title != "" {
		sim = canon.TitleSimilarity(u.Title, title)
	}
	yearScore := 0.0
	switch {
	case u.Year != 0 && year != 0 && absInt(u.Year-year) <= 1:
		yearScore = 0.2
	case u.Year == 0 || year == 0:
		yearScore = 0.15
	}
	return 0.6*sim + yearScore + 0.2*sourceTrust
}

// FillFromRecord copies resolved fields into the candidate's empty
// slots and reports what changed. Populated fields are never touched;
// retraction is OR-merged because it only ever flips toward true. The
// normalize stage uses the same fill when hydrating from the DOI cache.
func FillFromRecord(u *types.UnifiedPaper, rec *types.CanonicalPaper) []string {
	var filled []string
	set := func(name string) { filled = append(filled, name) }

	if u.Title == "" && rec.Title != "" {
		u.Title = rec.Title
		set("title")
	}
	if u.Abstract == "" && rec.Abstract != "" {
		u.Abstract = rec.Abstract
		set("abstract")
	}
	if u.Year == 0 && rec.Year != 0 {
		u.Year = rec.Year
		set("year")
	}
	if len(u.Authors) == 0 && len(rec.Authors) > 0 {
		u.Authors = append([]string(nil), rec.Authors...)
		set("authors")
	}
	if u.Venue == "" && rec.Venue != "" {
		u.Venue = rec.Venue
		set("venue")
	}
	if canon.NormalizeDOI(u.DOI) == "" && rec.DOI != "" {
		u.DOI = rec.DOI
		set("doi")
	}
	if u.PubmedID == "" && rec.PubmedID != "" {
		u.PubmedID = rec.PubmedID
		set("pubmed_id")
	}
	if u.ArxivID == "" && rec.ArxivID != "" {
		u.ArxivID = rec.ArxivID
		set("arxiv_id")
	}
	if u.OpenAlexID == "" && rec.OpenAlexID != "" {
		u.OpenAlexID = rec.OpenAlexID
		set("openalex_id")
	}
	if u.PDFURL == "" && rec.PDFURL != "" {
		u.PDFURL = rec.PDFURL
		set("pdf_url")
	}
	if u.LandingPageURL == "" && rec.LandingPageURL != "" {
		u.LandingPageURL = rec.LandingPageURL
		set("landing_page_url")
	}
	if u.CitationCount == nil && rec.CitationCount > 0 {
		n := rec.CitationCount
		u.CitationCount = &n
		set("citation_count")
	}
	if u.PreprintStatus == types.PreprintUnknown && rec.IsPreprint {
		u.PreprintStatus = types.PreprintYes
		set("preprint_status")
	}
	if rec.IsRetracted && !u.IsRetracted {
		u.IsRetracted = true
		set("is_retracted")
	}
	return filled
}

// sampled buckets a key into the inline percentage deterministically,
// so the same candidate is either always or never enriched inline.
func (e *Enricher) sampled(key string) bool {
	p := e.InlinePercent
	if p >= 100 {
		return true
	}
	if p <= 0 {
		return false
	}
	n, err := strconv.ParseUint(stablejson.HashBytes([]byte(key))[:4], 16, 32)
	if err != nil {
		return true
	}
	return int(n%100) < p
}

func (e *Enricher) logResult(res Result) {
	e.log.Info("metadata enrichment pass",
		zap.String("mode", string(res.Mode)),
		zap.Int("accepted", res.Accepted),
		zap.Int("deferred", res.Deferred),
		zap.Int("rejected", res.Rejected),
		zap.Int("skipped", res.Skipped),
		zap.Int("cache_hits", res.CacheHits),
		zap.Int("stale_served", res.StaleServed),
		zap.Bool("budget_exhausted", res.BudgetExhausted),
		zap.Int64("elapsed_ms", res.ElapsedMS))
}

func absInt(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
