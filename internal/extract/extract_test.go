package extract

import (
	"context"
	"strings"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/cache"
	"github.com/magpielab/magpie/internal/types"
)

func newTestCache(t *testing.T) (*cache.Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := cache.New("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("cache.New() error = %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, mr
}

// trialPaper is rich enough to extract a strict-complete study.
func trialPaper() *types.CanonicalPaper {
	return &types.CanonicalPaper{
		PaperID:  "paper_trial1",
		Title:    "A randomized controlled trial of creatine for memory",
		Year:     2021,
		Abstract: "Participants were 120 healthy adults recruited from community centres. " +
			"Subjects were randomized to receive creatine monohydrate or placebo for 12 weeks. " +
			"Working memory was significantly improved in the creatine arm (OR 1.52, 95% CI 1.10 to 2.08, p=0.01).",
		Authors:        []string{"J. Smith", "A. Jones"},
		Venue:          "J Nutr",
		DOI:            "10.1000/trial.2021",
		PubmedID:       "33333333",
		CitationCount:  64,
		PDFURL:         "https://example.org/trial.pdf",
		LandingPageURL: "https://example.org/trial",
		Provenance: []types.Provenance{
			{Provider: "pubmed", MetadataConfidence: 0.9},
			{Provider: "openalex", MetadataConfidence: 0.85},
		},
	}
}

func TestFromAbstractStrictStudy(t *testing.T) {
	cp := trialPaper()
	s := FromAbstract(cp)

	if s.StudyID != "paper_trial1" {
		t.Errorf("StudyID = %q", s.StudyID)
	}
	if s.Title != cp.Title || s.Year != 2021 {
		t.Errorf("identity = %q / %d", s.Title, s.Year)
	}
	if s.StudyDesign != types.DesignRCT {
		t.Errorf("StudyDesign = %q, want RCT", s.StudyDesign)
	}
	if s.SampleSize == nil || *s.SampleSize != 120 {
		t.Errorf("SampleSize = %v, want 120", s.SampleSize)
	}
	if s.Population == nil || !strings.HasPrefix(*s.Population, "Participants were 120") {
		t.Errorf("Population = %v", s.Population)
	}
	if len(s.Outcomes) == 0 {
		t.Fatal("no outcomes extracted")
	}
	var memory *types.Outcome
	for i := range s.Outcomes {
		if strings.Contains(s.Outcomes[i].OutcomeMeasured, "working memory") {
			memory = &s.Outcomes[i]
		}
	}
	if memory == nil {
		t.Fatalf("no working memory outcome in %+v", s.Outcomes)
	}
	if memory.EffectSize != "OR 1.52" {
		t.Errorf("EffectSize = %q", memory.EffectSize)
	}
	if memory.PValue != "p=0.01" {
		t.Errorf("PValue = %q", memory.PValue)
	}
	// Arms come from the allocation sentence, not the result sentence.
	if memory.Intervention != "creatine monohydrate" || memory.Comparator != "placebo" {
		t.Errorf("arms = %q / %q", memory.Intervention, memory.Comparator)
	}
	if s.AbstractExcerpt == "" {
		t.Error("AbstractExcerpt empty")
	}
	if s.Citation.DOI != "10.1000/trial.2021" || s.Citation.PubmedID != "33333333" {
		t.Errorf("Citation = %+v", s.Citation)
	}
	if want := "J. Smith et al. (2021). A randomized controlled trial of creatine for memory. J Nutr."; s.Citation.Formatted != want {
		t.Errorf("Formatted = %q\nwant        %q", s.Citation.Formatted, want)
	}
	if s.Source != "pubmed" {
		t.Errorf("Source = %q", s.Source)
	}
	if s.CitationCount == nil || *s.CitationCount != 64 {
		t.Errorf("CitationCount = %v", s.CitationCount)
	}
	if s.PDFURL == nil || *s.PDFURL != "https://example.org/trial.pdf" {
		t.Errorf("PDFURL = %v", s.PDFURL)
	}
	if got := s.Completeness(); got != types.TierStrict {
		t.Errorf("Completeness() = %q, want strict", got)
	}
}

func TestFromAbstractUsesDesignHint(t *testing.T) {
	// Nothing in the text names a design; the hint from provider
	// publication types must carry through.
	cp := &types.CanonicalPaper{
		PaperID:         "paper_hint",
		Title:           "Creatine and cognition",
		Year:            2020,
		Abstract:        "Creatine intake was associated with better recall scores (p=0.04) in the full sample of participants.",
		StudyDesignHint: types.DesignCohort,
	}
	s := FromAbstract(cp)
	if s.StudyDesign != types.DesignCohort {
		t.Errorf("StudyDesign = %q, want cohort from hint", s.StudyDesign)
	}
}

func TestSkeletonLeavesUnknownsNil(t *testing.T) {
	cp := &types.CanonicalPaper{
		PaperID:    "paper_min",
		Title:      "Minimal record",
		Year:       2019,
		IsPreprint: true,
	}
	s := Skeleton(cp)
	if s.SampleSize != nil || s.Population != nil || s.CitationCount != nil {
		t.Errorf("unknown fields not nil: %+v", s)
	}
	if s.PDFURL != nil || s.LandingPageURL != nil {
		t.Error("URL pointers set without URLs")
	}
	if s.PreprintStatus != types.PreprintYes {
		t.Errorf("PreprintStatus = %q", s.PreprintStatus)
	}
	if s.Source != "" {
		t.Errorf("Source = %q, want empty without provenance", s.Source)
	}
	if s.StudyDesign != types.DesignUnknown || s.ReviewType != types.ReviewNone {
		t.Errorf("design defaults = %q / %q", s.StudyDesign, s.ReviewType)
	}
}

func TestExtractPartitionsAndCaches(t *testing.T) {
	c, _ := newTestCache(t)
	e := New(c, zap.NewNop())

	partial := &types.CanonicalPaper{
		PaperID:  "paper_partial",
		Title:    "A prospective cohort study of creatine intake",
		Year:     2018,
		Abstract: "Depressive symptoms were significantly reduced among exposed participants over follow-up years.",
	}
	dropped := &types.CanonicalPaper{
		PaperID:  "paper_dropped",
		Title:    "Notes on supplementation",
		Year:     2017,
		Abstract: "These notes summarize practical dosing experience without findings.",
	}
	res := e.Extract(context.Background(), []*types.CanonicalPaper{trialPaper(), partial, dropped})

	if len(res.Studies) != 3 {
		t.Fatalf("len(Studies) = %d, want 3", len(res.Studies))
	}
	if len(res.Strict) != 1 || res.Strict[0].StudyID != "paper_trial1" {
		t.Errorf("Strict = %+v", tierIDs(res.Strict))
	}
	if len(res.Partial) != 1 || res.Partial[0].StudyID != "paper_partial" {
		t.Errorf("Partial = %+v", tierIDs(res.Partial))
	}
	if res.DroppedCount != 1 {
		t.Errorf("DroppedCount = %d, want 1", res.DroppedCount)
	}
	if res.CacheWrites != 2 {
		t.Errorf("CacheWrites = %d, want 2", res.CacheWrites)
	}
	if res.UsedPDF {
		t.Error("UsedPDF = true without a PDF client")
	}

	var cached types.StudyResult
	found, _, err := c.Get(context.Background(), cache.Extraction, DeterministicCacheKey("paper_trial1"), &cached)
	if err != nil || !found {
		t.Fatalf("cached strict study: found=%v err=%v", found, err)
	}
	if cached.StudyID != "paper_trial1" || len(cached.Outcomes) == 0 {
		t.Errorf("cached study = %+v", cached)
	}
	found, _, err = c.Get(context.Background(), cache.Extraction, DeterministicCacheKey("paper_dropped"), &cached)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if found {
		t.Error("dropped study was written to the extraction cache")
	}
}

func TestExtractHonorsCandidateCap(t *testing.T) {
	e := New(nil, zap.NewNop())
	e.MaxCandidates = 7

	papers := make([]*types.CanonicalPaper, 0, 10)
	for i := 0; i < 10; i++ {
		cp := trialPaper()
		cp.PaperID = cp.PaperID + string(rune('a'+i))
		papers = append(papers, cp)
	}
	res := e.Extract(context.Background(), papers)
	if len(res.Studies) != 7 {
		t.Errorf("len(Studies) = %d, want 7", len(res.Studies))
	}
}

func TestClampCandidates(t *testing.T) {
	tests := []struct {
		in, want int
	}{
		{0, 45},
		{1, 5},
		{5, 5},
		{45, 45},
		{60, 60},
		{100, 60},
	}
	for _, tt := range tests {
		if got := clampCandidates(tt.in); got != tt.want {
			t.Errorf("clampCandidates(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFromAbstractWithoutAbstract(t *testing.T) {
	cp := &types.CanonicalPaper{
		PaperID: "paper_bare",
		Title:   "A randomized controlled trial with no abstract on record",
		Year:    2022,
	}
	s := FromAbstract(cp)
	if s.StudyDesign != types.DesignRCT {
		t.Errorf("StudyDesign = %q, want RCT from title", s.StudyDesign)
	}
	if s.AbstractExcerpt != "" || len(s.Outcomes) != 0 {
		t.Errorf("abstract-derived fields set without abstract: %+v", s)
	}
	if got := s.Completeness(); got != types.TierDropped {
		t.Errorf("Completeness() = %q, want dropped", got)
	}
}

func tierIDs(studies []types.StudyResult) []string {
	ids := make([]string, 0, len(studies))
	for _, s := range studies {
		ids = append(ids, s.StudyID)
	}
	return ids
}
