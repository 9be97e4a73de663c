package types

import (
	"errors"
	"testing"
)

var errPlain = errors.New("disk on fire")

func TestStageOrder(t *testing.T) {
	if len(StageOrder) != 7 {
		t.Fatalf("expected 7 stages, got %d", len(StageOrder))
	}
	if StageOrder[0] != StageIngestProvider {
		t.Errorf("first stage = %s, want %s", StageOrder[0], StageIngestProvider)
	}
	if StageOrder[len(StageOrder)-1] != StageCompileReport {
		t.Errorf("last stage = %s, want %s", StageOrder[len(StageOrder)-1], StageCompileReport)
	}
}

func TestNextStage(t *testing.T) {
	tests := []struct {
		stage Stage
		next  Stage
	}{
		{StageIngestProvider, StageNormalize},
		{StageNormalize, StageDedupe},
		{StageDedupe, StageQualityFilter},
		{StageQualityFilter, StageDeterministicExtract},
		{StageDeterministicExtract, StageLLMAugment},
		{StageLLMAugment, StageCompileReport},
		{StageCompileReport, ""},
		{Stage("bogus"), ""},
	}
	for _, tt := range tests {
		if next := NextStage(tt.stage); next != tt.next {
			t.Errorf("NextStage(%s) = %q, want %q", tt.stage, next, tt.next)
		}
	}
}

func TestPrevStage(t *testing.T) {
	if prev := PrevStage(StageNormalize); prev != StageIngestProvider {
		t.Errorf("PrevStage(NORMALIZE) = %q, want INGEST_PROVIDER", prev)
	}
	if prev := PrevStage(StageIngestProvider); prev != "" {
		t.Errorf("PrevStage(INGEST_PROVIDER) = %q, want empty", prev)
	}
}

func TestValidStage(t *testing.T) {
	for _, s := range StageOrder {
		if !ValidStage(s) {
			t.Errorf("ValidStage(%s) = false, want true", s)
		}
	}
	if ValidStage(Stage("SHIP_IT")) {
		t.Error("ValidStage(SHIP_IT) = true, want false")
	}
}

func TestDedupeKey(t *testing.T) {
	tests := []struct {
		name     string
		stage    Stage
		provider string
		reportID string
		want     string
	}{
		{"provider scoped", StageIngestProvider, "openalex", "r1", "INGEST_PROVIDER:openalex:r1"},
		{"no provider defaults all", StageNormalize, "", "r1", "NORMALIZE:all:r1"},
		{"compile", StageCompileReport, "", "r2", "COMPILE_REPORT:all:r2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DedupeKey(tt.stage, tt.provider, tt.reportID); got != tt.want {
				t.Errorf("DedupeKey = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestReportStatusTerminal(t *testing.T) {
	tests := []struct {
		status   ReportStatus
		terminal bool
	}{
		{ReportQueued, false},
		{ReportProcessing, false},
		{ReportCompleted, true},
		{ReportFailed, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	tests := []struct {
		status   JobStatus
		terminal bool
	}{
		{JobQueued, false},
		{JobLeased, false},
		{JobCompleted, true},
		{JobDead, true},
	}
	for _, tt := range tests {
		if got := tt.status.Terminal(); got != tt.terminal {
			t.Errorf("%s.Terminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestErrorCategoryRetryable(t *testing.T) {
	tests := []struct {
		cat       ErrorCategory
		retryable bool
	}{
		{ErrValidation, false},
		{ErrTimeout, true},
		{ErrTransient, true},
		{ErrExternal, true},
		{ErrInternal, false},
	}
	for _, tt := range tests {
		if got := tt.cat.Retryable(); got != tt.retryable {
			t.Errorf("%s.Retryable() = %v, want %v", tt.cat, got, tt.retryable)
		}
	}
}

func TestPipelineErrorWrapping(t *testing.T) {
	inner := NewError(ErrExternal, "provider_http_503", "openalex returned 503")
	wrapped := WrapError(ErrExternal, "ingest_failed", "ingest openalex", inner)

	if CategoryOf(wrapped) != ErrExternal {
		t.Errorf("CategoryOf = %s, want EXTERNAL", CategoryOf(wrapped))
	}
	if CodeOf(wrapped) != "ingest_failed" {
		t.Errorf("CodeOf = %s, want ingest_failed", CodeOf(wrapped))
	}
	if !Retryable(wrapped) {
		t.Error("wrapped EXTERNAL error should be retryable")
	}
}

func TestUncategorizedErrorDefaults(t *testing.T) {
	if Retryable(NewError(ErrValidation, "bad_query", "query too short")) {
		t.Error("VALIDATION errors must not be retryable")
	}
	if CategoryOf(errPlain) != ErrInternal {
		t.Errorf("plain error category = %s, want INTERNAL", CategoryOf(errPlain))
	}
	if CodeOf(errPlain) != "uncategorized" {
		t.Errorf("plain error code = %s, want uncategorized", CodeOf(errPlain))
	}
	if Retryable(errPlain) {
		t.Error("uncategorized errors must not be retryable")
	}
}

func TestCompletenessTiers(t *testing.T) {
	strict := &StudyResult{
		StudyID:         "s1",
		Title:           "Creatine and cognition",
		Year:            2021,
		StudyDesign:     DesignRCT,
		AbstractExcerpt: "This randomized controlled trial examined the effect of creatine supplementation on working memory in 120 adults.",
		Outcomes: []Outcome{{
			OutcomeMeasured: "working memory",
			EffectSize:      "d=0.42",
			CitationSnippet: "creatine improved working memory (d=0.42)",
		}},
	}
	if got := strict.Completeness(); got != TierStrict {
		t.Errorf("strict study tier = %s, want strict", got)
	}

	partial := &StudyResult{
		StudyID:     "s2",
		Title:       "Creatine observational",
		Year:        2019,
		StudyDesign: DesignCohort,
		Outcomes: []Outcome{{
			OutcomeMeasured: "processing speed",
			CitationSnippet: "processing speed improved in the supplemented group",
		}},
	}
	if got := partial.Completeness(); got != TierPartial {
		t.Errorf("partial study tier = %s, want partial", got)
	}

	dropped := &StudyResult{
		StudyID: "s3",
		Title:   "No outcomes extracted",
		Year:    2020,
	}
	if got := dropped.Completeness(); got != TierDropped {
		t.Errorf("empty-design study tier = %s, want dropped", got)
	}
}

func TestCompletenessDetailMustShareOutcomeWithMeasured(t *testing.T) {
	// The effect size sits on an outcome with no outcome_measured, so it
	// cannot promote the study to strict.
	s := &StudyResult{
		StudyID:         "s4",
		Title:           "Magnesium and sleep quality",
		Year:            2020,
		StudyDesign:     DesignCohort,
		AbstractExcerpt: "A prospective cohort of 310 adults tracked sleep quality against dietary magnesium intake over two years.",
		Outcomes: []Outcome{
			{OutcomeMeasured: "sleep quality", CitationSnippet: "sleep quality was tracked against intake"},
			{EffectSize: "OR=1.3"},
		},
	}
	if got := s.Completeness(); got != TierPartial {
		t.Errorf("tier = %s, want partial when detail is on an unmeasured outcome", got)
	}
}

func TestCompletenessShortExcerptDemotesToPartial(t *testing.T) {
	s := &StudyResult{
		StudyID:         "s5",
		Title:           "Zinc and colds",
		Year:            2018,
		StudyDesign:     DesignRCT,
		AbstractExcerpt: "Too short.",
		Outcomes: []Outcome{{
			OutcomeMeasured: "cold duration",
			EffectSize:      "-1.2 days",
			CitationSnippet: "cold duration decreased by 1.2 days",
		}},
	}
	if got := s.Completeness(); got != TierPartial {
		t.Errorf("tier = %s, want partial when excerpt is under 50 chars", got)
	}
}

func TestSearchFiltersInTimeframe(t *testing.T) {
	f := SearchFilters{FromYear: 2015, ToYear: 2020}
	tests := []struct {
		year int
		want bool
	}{
		{2015, true},
		{2020, true},
		{2014, false},
		{2021, false},
		{0, false},
	}
	for _, tt := range tests {
		if got := f.InTimeframe(tt.year); got != tt.want {
			t.Errorf("InTimeframe(%d) = %v, want %v", tt.year, got, tt.want)
		}
	}

	open := SearchFilters{}
	if !open.InTimeframe(0) {
		t.Error("unknown year must pass when no bounds are set")
	}
	if !open.InTimeframe(1990) {
		t.Error("any year must pass when no bounds are set")
	}
}

func TestSearchRequestProviders(t *testing.T) {
	req := SearchRequest{}
	if got := req.Providers(); len(got) != len(DefaultProviderProfile) {
		t.Fatalf("default profile length = %d, want %d", len(got), len(DefaultProviderProfile))
	}
	req.ProviderProfile = []string{ProviderArxiv}
	if got := req.Providers(); len(got) != 1 || got[0] != ProviderArxiv {
		t.Errorf("explicit profile = %v, want [arxiv]", got)
	}
}

func TestResponseFromReport(t *testing.T) {
	r := &Report{
		ID:       "rep-1",
		Status:   ReportProcessing,
		Question: "does creatine improve cognition?",
		RunCount: 3,
		Stats:    &ReportStats{LatencyMS: 1200},
	}
	resp := ResponseFromReport(r)
	if resp.SearchID != "rep-1" {
		t.Errorf("SearchID = %s, want rep-1", resp.SearchID)
	}
	if resp.Status != ReportProcessing {
		t.Errorf("Status = %s, want processing", resp.Status)
	}
	if resp.RunVersion != 3 {
		t.Errorf("RunVersion = %d, want 3", resp.RunVersion)
	}
	if resp.Stats == nil || resp.Stats.LatencyMS != 1200 {
		t.Error("stats not carried through")
	}
}

func TestProvenanceFor(t *testing.T) {
	c := &CanonicalPaper{
		Provenance: []Provenance{
			{Provider: ProviderOpenAlex, RankSignal: 0.9},
			{Provider: ProviderPubMed, RankSignal: 0.4},
		},
	}
	if p := c.ProvenanceFor(ProviderPubMed); p == nil || p.RankSignal != 0.4 {
		t.Error("ProvenanceFor(pubmed) should return the pubmed entry")
	}
	if p := c.ProvenanceFor(ProviderArxiv); p != nil {
		t.Error("ProvenanceFor(arxiv) should be nil when absent")
	}
}
