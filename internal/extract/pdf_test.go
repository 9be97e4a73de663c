package extract

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/types"
)

func pdfExtractor(t *testing.T, handler http.HandlerFunc) (*Extractor, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	e := New(nil, zap.NewNop())
	e.PDF = NewPDFClient(srv.URL, zap.NewNop())
	return e, srv
}

func TestPDFOverlayReplacesExtractedFields(t *testing.T) {
	var gotReq pdfRequest
	e, _ := pdfExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotReq); err != nil {
			t.Errorf("decode request: %v", err)
		}
		pop := "Adults aged 60 to 80 recruited from twelve outpatient clinics."
		n := 240
		resp := pdfResponse{Results: []pdfStudyResult{{
			StudyID: "paper_trial1",
			Study: &types.StudyResult{
				StudyID:     "paper_trial1",
				StudyDesign: types.DesignRCT,
				SampleSize:  &n,
				Population:  &pop,
				Outcomes: []types.Outcome{{
					OutcomeMeasured: "composite memory score",
					CitationSnippet: "The composite memory score improved by 0.4 SD (p=0.002).",
					PValue:          "p=0.002",
					Intervention:    "creatine",
					Comparator:      "placebo",
				}},
			},
			Diagnostics: pdfDiagnostics{Parsed: true, Pages: 14, TextChars: 48211},
		}}}
		json.NewEncoder(w).Encode(resp)
	})

	res := e.Extract(context.Background(), []*types.CanonicalPaper{trialPaper()})

	if len(gotReq.Studies) != 1 {
		t.Fatalf("request studies = %d, want 1", len(gotReq.Studies))
	}
	if gotReq.Studies[0].StudyID != "paper_trial1" || gotReq.Studies[0].PDFURL == "" {
		t.Errorf("request study = %+v", gotReq.Studies[0])
	}
	if gotReq.Studies[0].TimeoutMS != 12000 {
		t.Errorf("timeout_ms = %d, want default 12000", gotReq.Studies[0].TimeoutMS)
	}

	if !res.UsedPDF || res.PDFStudies != 1 {
		t.Fatalf("UsedPDF = %v, PDFStudies = %d", res.UsedPDF, res.PDFStudies)
	}
	if len(res.FallbackReasons) != 0 {
		t.Errorf("FallbackReasons = %v, want none", res.FallbackReasons)
	}

	s := res.Studies[0]
	if s.SampleSize == nil || *s.SampleSize != 240 {
		t.Errorf("SampleSize = %v, want the full-text value 240", s.SampleSize)
	}
	if len(s.Outcomes) != 1 || s.Outcomes[0].OutcomeMeasured != "composite memory score" {
		t.Errorf("Outcomes = %+v", s.Outcomes)
	}
	// Identity stays canonical even though the service echoed a sparse
	// study payload.
	if s.Title != trialPaper().Title || s.Year != 2021 {
		t.Errorf("identity overwritten: %q / %d", s.Title, s.Year)
	}
	if s.Citation.DOI != "10.1000/trial.2021" {
		t.Errorf("Citation.DOI = %q", s.Citation.DOI)
	}
}

func TestPDFServerErrorFallsBackToAbstract(t *testing.T) {
	e, _ := pdfExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "parser crashed", http.StatusInternalServerError)
	})

	res := e.Extract(context.Background(), []*types.CanonicalPaper{trialPaper()})

	if res.UsedPDF {
		t.Error("UsedPDF = true after a failed batch")
	}
	if !hasReason(res.FallbackReasons, "pdf_http_500") {
		t.Errorf("FallbackReasons = %v, want pdf_http_500", res.FallbackReasons)
	}
	s := res.Studies[0]
	if s.SampleSize == nil || *s.SampleSize != 120 {
		t.Errorf("SampleSize = %v, want abstract value 120", s.SampleSize)
	}
	if got := s.Completeness(); got != types.TierStrict {
		t.Errorf("Completeness() = %q, abstract fallback should still be strict", got)
	}
}

func TestPDFParseFailureFallsBackPerStudy(t *testing.T) {
	e, _ := pdfExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		resp := pdfResponse{Results: []pdfStudyResult{{
			StudyID:     "paper_trial1",
			Diagnostics: pdfDiagnostics{Parsed: false, FailureStage: "download", Error: "403 from publisher"},
		}}}
		json.NewEncoder(w).Encode(resp)
	})

	res := e.Extract(context.Background(), []*types.CanonicalPaper{trialPaper()})

	if res.UsedPDF {
		t.Error("UsedPDF = true for an unparsed study")
	}
	if !hasReason(res.FallbackReasons, "pdf_parse_failed") {
		t.Errorf("FallbackReasons = %v, want pdf_parse_failed", res.FallbackReasons)
	}
	if res.Studies[0].SampleSize == nil {
		t.Error("abstract fallback did not run")
	}
}

func TestPDFMissingStudyRecorded(t *testing.T) {
	e, _ := pdfExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(pdfResponse{})
	})

	res := e.Extract(context.Background(), []*types.CanonicalPaper{trialPaper()})
	if !hasReason(res.FallbackReasons, "pdf_study_missing") {
		t.Errorf("FallbackReasons = %v, want pdf_study_missing", res.FallbackReasons)
	}
}

func TestPDFSkipsStudiesWithoutSource(t *testing.T) {
	var calls atomic.Int32
	e, _ := pdfExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(pdfResponse{})
	})

	cp := trialPaper()
	cp.PDFURL = ""
	cp.LandingPageURL = ""
	res := e.Extract(context.Background(), []*types.CanonicalPaper{cp})

	if got := calls.Load(); got != 0 {
		t.Errorf("endpoint called %d times for a study with no PDF source", got)
	}
	if !hasReason(res.FallbackReasons, "no_pdf_source") {
		t.Errorf("FallbackReasons = %v, want no_pdf_source", res.FallbackReasons)
	}
}

func TestPDFBatchesRequests(t *testing.T) {
	var sizes []int
	e, _ := pdfExtractor(t, func(w http.ResponseWriter, r *http.Request) {
		var req pdfRequest
		json.NewDecoder(r.Body).Decode(&req)
		sizes = append(sizes, len(req.Studies))
		json.NewEncoder(w).Encode(pdfResponse{})
	})
	e.PDF.BatchSize = 2

	papers := make([]*types.CanonicalPaper, 0, 3)
	for i := 0; i < 3; i++ {
		cp := trialPaper()
		cp.PaperID = cp.PaperID + string(rune('a'+i))
		papers = append(papers, cp)
	}
	e.Extract(context.Background(), papers)

	if len(sizes) != 2 || sizes[0] != 2 || sizes[1] != 1 {
		t.Errorf("batch sizes = %v, want [2 1]", sizes)
	}
}

func TestParseTimeoutClamps(t *testing.T) {
	tests := []struct {
		in   time.Duration
		want time.Duration
	}{
		{0, 12 * time.Second},
		{500 * time.Millisecond, time.Second},
		{30 * time.Second, 30 * time.Second},
		{2 * time.Minute, 60 * time.Second},
	}
	p := NewPDFClient("http://localhost:0", zap.NewNop())
	for _, tt := range tests {
		p.ParseTimeout = tt.in
		if got := p.parseTimeout(); got != tt.want {
			t.Errorf("parseTimeout(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPDFErrorReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"timeout", types.NewError(types.ErrTimeout, "timeout", "pdf"), "pdf_timeout"},
		{"http status", types.NewError(types.ErrExternal, "http_502", "bad gateway"), "pdf_http_502"},
		{"network", types.NewError(types.ErrExternal, "network", "refused"), "pdf_network"},
		{"uncategorized", context.Canceled, "pdf_endpoint_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := pdfErrorReason(tt.err); got != tt.want {
				t.Errorf("pdfErrorReason() = %q, want %q", got, tt.want)
			}
		})
	}
}

func hasReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
