package augment

import (
	"encoding/json"
	"errors"
	"testing"
)

func validStudyJSON() map[string]any {
	return map[string]any{
		"study_id":     "paper_1",
		"title":        "A randomized controlled trial of creatine for memory",
		"year":         2021,
		"study_design": "RCT",
		"outcomes": []map[string]any{
			{"outcome_measured": "working memory", "citation_snippet": "Working memory improved."},
		},
	}
}

func arrayJSON(t *testing.T, studies ...map[string]any) string {
	t.Helper()
	blob, err := json.Marshal(studies)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return string(blob)
}

func TestDecodeStudiesAcceptsCompleteStudy(t *testing.T) {
	s := validStudyJSON()
	s["sample_size"] = 120
	s["population"] = "healthy adults"
	s["citation"] = map[string]any{
		"doi":         "10.1000/trial.2021",
		"pubmed_id":   "33333333",
		"openalex_id": "W123",
		"formatted":   "J. Smith et al. (2021).",
	}
	s["abstract_excerpt"] = "Participants were 120 healthy adults."
	s["preprint_status"] = ""
	s["review_type"] = "None"
	s["source"] = "pubmed"
	s["citationCount"] = 64
	s["pdf_url"] = nil
	s["landing_page_url"] = "https://example.org/trial"

	studies, err := decodeStudies(arrayJSON(t, s))
	if err != nil {
		t.Fatalf("decodeStudies() error = %v", err)
	}
	if len(studies) != 1 {
		t.Fatalf("len(studies) = %d, want 1", len(studies))
	}
	got := studies[0]
	if got.StudyID != "paper_1" || got.Year != 2021 {
		t.Errorf("identity = %q / %d", got.StudyID, got.Year)
	}
	if got.SampleSize == nil || *got.SampleSize != 120 {
		t.Errorf("SampleSize = %v, want 120", got.SampleSize)
	}
	if got.Population == nil || *got.Population != "healthy adults" {
		t.Errorf("Population = %v", got.Population)
	}
	if got.PDFURL != nil {
		t.Errorf("PDFURL = %v, want nil", *got.PDFURL)
	}
	if got.LandingPageURL == nil || *got.LandingPageURL != "https://example.org/trial" {
		t.Errorf("LandingPageURL = %v", got.LandingPageURL)
	}
	if got.Citation.DOI != "10.1000/trial.2021" {
		t.Errorf("DOI = %q", got.Citation.DOI)
	}
	if len(got.Outcomes) != 1 || got.Outcomes[0].OutcomeMeasured != "working memory" {
		t.Errorf("Outcomes = %+v", got.Outcomes)
	}
}

func TestDecodeStudiesStripsCodeFence(t *testing.T) {
	body := arrayJSON(t, validStudyJSON())
	fenced := "```json\n" + body + "\n```"

	studies, err := decodeStudies(fenced)
	if err != nil {
		t.Fatalf("decodeStudies() error = %v", err)
	}
	if len(studies) != 1 || studies[0].StudyID != "paper_1" {
		t.Errorf("studies = %+v", studies)
	}
}

func TestDecodeStudiesRejectsViolations(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{"extra study property", func(s map[string]any) { s["rank"] = 1 }},
		{"unknown design", func(s map[string]any) { s["study_design"] = "case-control" }},
		{"string year", func(s map[string]any) { s["year"] = "2021" }},
		{"zero sample size", func(s map[string]any) { s["sample_size"] = 0 }},
		{"negative citation count", func(s map[string]any) { s["citationCount"] = -3 }},
		{"missing title", func(s map[string]any) { delete(s, "title") }},
		{"unknown source", func(s map[string]any) { s["source"] = "google_scholar" }},
		{"bad preprint status", func(s map[string]any) { s["preprint_status"] = "maybe" }},
		{"outcome missing measured", func(s map[string]any) {
			s["outcomes"] = []map[string]any{{"citation_snippet": "x"}}
		}},
		{"extra outcome property", func(s map[string]any) {
			s["outcomes"] = []map[string]any{{"outcome_measured": "m", "confidence": 0.9}}
		}},
		{"extra citation property", func(s map[string]any) {
			s["citation"] = map[string]any{"doi": "10.1/x", "issn": "1234-5678"}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := validStudyJSON()
			tc.mutate(s)
			_, err := decodeStudies(arrayJSON(t, s))
			if err == nil {
				t.Fatal("decodeStudies() accepted an invalid study")
			}
			if !errors.Is(err, errSchemaInvalid) {
				t.Errorf("error = %v, want errSchemaInvalid", err)
			}
		})
	}
}

func TestDecodeStudiesRejectsNonArrays(t *testing.T) {
	for _, raw := range []string{
		"",
		`{"study_id": "paper_1"}`,
		"Here are the studies you asked for.",
	} {
		if _, err := decodeStudies(raw); !errors.Is(err, errSchemaInvalid) {
			t.Errorf("decodeStudies(%q) error = %v, want errSchemaInvalid", raw, err)
		}
	}
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`[]`, `[]`},
		{"```json\n[]\n```", `[]`},
		{"```\n[]\n```", `[]`},
		{"  [1]  ", `[1]`},
	}
	for _, tc := range cases {
		if got := stripCodeFence(tc.in); got != tc.want {
			t.Errorf("stripCodeFence(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
