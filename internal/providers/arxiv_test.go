package providers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/magpielab/magpie/internal/types"
)

const arxivFeedPayload = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom" xmlns:arxiv="http://arxiv.org/schemas/atom">
  <entry>
    <id>http://arxiv.org/abs/2101.00001v2</id>
    <title>Deep   learning for
 protein folding</title>
    <summary>  We present a model.
  It folds proteins.  </summary>
    <published>2021-01-01T00:00:00Z</published>
    <arxiv:doi>10.5281/zenodo.555</arxiv:doi>
    <author><name>Grace Hopper</name></author>
    <author><name>Alan Turing</name></author>
    <link href="http://arxiv.org/abs/2101.00001v2" rel="alternate" type="text/html"/>
    <link title="pdf" href="http://arxiv.org/pdf/2101.00001v2" rel="related" type="application/pdf"/>
    <arxiv:primary_category term="q-bio.BM"/>
  </entry>
  <entry>
    <id>http://arxiv.org/abs/1701.99999v1</id>
    <title>An older result</title>
    <summary>Out of window.</summary>
    <published>2017-03-01T00:00:00Z</published>
  </entry>
</feed>`

func TestArxivSearchParsesAtom(t *testing.T) {
	var gotSearch string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotSearch = r.URL.Query().Get("search_query")
		w.Write([]byte(arxivFeedPayload))
	}))
	defer srv.Close()

	ax := NewArxiv(testFetcher(t, types.ProviderArxiv))
	ax.BaseURL = srv.URL
	papers, _, err := ax.Search(context.Background(), PreparedQuery{
		APIQuery:   "protein folding",
		MaxResults: 5,
		Filters:    types.SearchFilters{FromYear: 2020},
	})
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if gotSearch != "all:protein folding" {
		t.Errorf("search_query param = %q", gotSearch)
	}
	if len(papers) != 1 {
		t.Fatalf("got %d papers, want 1 after the local year filter", len(papers))
	}

	p := papers[0]
	if p.ID != "2101.00001" || p.ArxivID != "2101.00001" {
		t.Errorf("id = %q / %q, want the version suffix stripped", p.ID, p.ArxivID)
	}
	if p.Title != "Deep learning for protein folding" {
		t.Errorf("title = %q", p.Title)
	}
	if p.Abstract != "We present a model. It folds proteins." {
		t.Errorf("abstract = %q", p.Abstract)
	}
	if p.Year != 2021 {
		t.Errorf("year = %d", p.Year)
	}
	if p.DOI != "10.5281/zenodo.555" {
		t.Errorf("doi = %q", p.DOI)
	}
	if len(p.Authors) != 2 || p.Authors[0] != "Grace Hopper" {
		t.Errorf("authors = %v", p.Authors)
	}
	if p.PDFURL != "http://arxiv.org/pdf/2101.00001v2" {
		t.Errorf("pdf url = %q", p.PDFURL)
	}
	if p.LandingPageURL != "http://arxiv.org/abs/2101.00001v2" {
		t.Errorf("landing url = %q", p.LandingPageURL)
	}
	if p.PreprintStatus != types.PreprintYes {
		t.Errorf("preprint status = %q", p.PreprintStatus)
	}
	if len(p.PublicationTypes) != 1 || p.PublicationTypes[0] != "preprint/q-bio.BM" {
		t.Errorf("publication types = %v", p.PublicationTypes)
	}
}

func TestArxivSearchRejectsBrokenFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("<feed><entry>"))
	}))
	defer srv.Close()

	ax := NewArxiv(testFetcher(t, types.ProviderArxiv))
	ax.BaseURL = srv.URL
	_, _, err := ax.Search(context.Background(), PreparedQuery{APIQuery: "x"})
	if err == nil {
		t.Fatal("expected a decode error")
	}
	if got := types.CodeOf(err); got != "provider_decode" {
		t.Errorf("code = %s", got)
	}
}

func TestCollapseSpace(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"  a  b ", "a b"},
		{"line\n  wrapped\ttext", "line wrapped text"},
	}
	for _, tt := range tests {
		if got := collapseSpace(tt.in); got != tt.want {
			t.Errorf("collapseSpace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
