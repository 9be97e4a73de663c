package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"github.com/magpielab/magpie/internal/types"
)

const crossrefWorkPayload = `{
  "message": {
    "DOI": "10.1234/example.7",
    "title": ["Mediterranean diet and cardiovascular outcomes"],
    "container-title": ["The Lancet"],
    "author": [
      {"given": "Maria", "family": "Rossi"},
      {"given": "", "family": "Nguyen"}
    ],
    "issued": {"date-parts": [[2020, 5, 14]]},
    "is-referenced-by-count": 87,
    "type": "%s",
    "URL": "https://doi.org/10.1234/example.7",
    "abstract": "<jats:p>A <jats:italic>large</jats:italic> trial.</jats:p>",
    "link": [
      {"URL": "https://example.org/fulltext.xml", "content-type": "application/xml"},
      {"URL": "https://example.org/fulltext.pdf", "content-type": "application/pdf"}
    ]
  }
}`

func TestCrossrefResolveMapsWork(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, crossrefWorkPayload, "journal-article")
	}))
	defer srv.Close()

	cr := NewCrossref(testFetcher(t, ProviderCrossref))
	cr.BaseURL = srv.URL
	p, _, err := cr.Resolve(context.Background(), "10.1234/example.7")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.DOI != "10.1234/example.7" {
		t.Errorf("doi = %q", p.DOI)
	}
	if p.Title != "Mediterranean diet and cardiovascular outcomes" {
		t.Errorf("title = %q", p.Title)
	}
	if p.Venue != "The Lancet" {
		t.Errorf("venue = %q", p.Venue)
	}
	if p.Year != 2020 {
		t.Errorf("year = %d", p.Year)
	}
	if !reflect.DeepEqual(p.Authors, []string{"Maria Rossi", "Nguyen"}) {
		t.Errorf("authors = %v", p.Authors)
	}
	if p.CitationCount == nil || *p.CitationCount != 87 {
		t.Errorf("citation count = %v", p.CitationCount)
	}
	if p.Abstract != "A large trial." {
		t.Errorf("abstract = %q, want JATS markup stripped", p.Abstract)
	}
	if p.PDFURL != "https://example.org/fulltext.pdf" {
		t.Errorf("pdf url = %q", p.PDFURL)
	}
	if p.PreprintStatus != types.PreprintPublished {
		t.Errorf("preprint status = %q", p.PreprintStatus)
	}
}

func TestCrossrefResolvePostedContentIsPreprint(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, crossrefWorkPayload, "posted-content")
	}))
	defer srv.Close()

	cr := NewCrossref(testFetcher(t, ProviderCrossref))
	cr.BaseURL = srv.URL
	p, _, err := cr.Resolve(context.Background(), "10.1234/example.7")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if p.PreprintStatus != types.PreprintYes {
		t.Errorf("preprint status = %q", p.PreprintStatus)
	}
}

func TestProviderHelpers(t *testing.T) {
	if got := pageSize(0); got != 25 {
		t.Errorf("pageSize(0) = %d, want 25", got)
	}
	if got := pageSize(500); got != 100 {
		t.Errorf("pageSize(500) = %d, want 100", got)
	}
	if got := pageSize(7); got != 7 {
		t.Errorf("pageSize(7) = %d", got)
	}
	if got := positionRank(0); got != 1.0 {
		t.Errorf("positionRank(0) = %v", got)
	}
	if got := positionRank(3); got != 0.25 {
		t.Errorf("positionRank(3) = %v", got)
	}

	configs := WithPubMedKey(DefaultConfigs(), "key")
	pm := configs[types.ProviderPubMed]
	if pm.APIKey != "key" || pm.RefillPerSec != 10 {
		t.Errorf("keyed pubmed config = %+v", pm)
	}
	if pm.MinInterval.Milliseconds() != 120 {
		t.Errorf("keyed pubmed spacing = %v, want 120ms", pm.MinInterval)
	}
}
