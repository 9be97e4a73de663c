package providers

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/magpielab/magpie/internal/types"
)

const openAlexBaseURL = "https://api.openalex.org"

// OpenAlex queries the works endpoint. Abstracts come back as an
// inverted index and are reconstructed locally. It also serves
// metadata enrichment through Resolve.
type OpenAlex struct {
	BaseURL string
	Fetcher *Fetcher
	Mailto  string
}

// NewOpenAlex builds the adapter against the public API.
func NewOpenAlex(f *Fetcher) *OpenAlex {
	return &OpenAlex{BaseURL: openAlexBaseURL, Fetcher: f}
}

func (o *OpenAlex) Name() string { return types.ProviderOpenAlex }

type openAlexWork struct {
	ID                    string           `json:"id"`
	DOI                   string           `json:"doi"`
	Title                 string           `json:"title"`
	DisplayName           string           `json:"display_name"`
	PublicationYear       int              `json:"publication_year"`
	Type                  string           `json:"type"`
	IsRetracted           bool             `json:"is_retracted"`
	CitedByCount          int              `json:"cited_by_count"`
	RelevanceScore        float64          `json:"relevance_score"`
	AbstractInvertedIndex map[string][]int `json:"abstract_inverted_index"`
	Authorships           []struct {
		Author struct {
			DisplayName string `json:"display_name"`
		} `json:"author"`
	} `json:"authorships"`
	PrimaryLocation *struct {
		LandingPageURL string `json:"landing_page_url"`
		PDFURL         string `json:"pdf_url"`
		Source         *struct {
			DisplayName string `json:"display_name"`
		} `json:"source"`
	} `json:"primary_location"`
	OpenAccess *struct {
		OAURL string `json:"oa_url"`
	} `json:"open_access"`
	IDs struct {
		PMID string `json:"pmid"`
	} `json:"ids"`
	ReferencedWorks []string `json:"referenced_works"`
}

type openAlexResponse struct {
	Results []openAlexWork `json:"results"`
}

// Search runs one works query with year, language, and preprint
// filters pushed down to the API.
func (o *OpenAlex) Search(ctx context.Context, q PreparedQuery) ([]types.UnifiedPaper, CallStats, error) {
	v := url.Values{}
	v.Set("search", q.APIQuery)
	v.Set("per-page", strconv.Itoa(pageSize(q.MaxResults)))
	if f := openAlexFilter(q.Filters); f != "" {
		v.Set("filter", f)
	}
	if o.Mailto != "" {
		v.Set("mailto", o.Mailto)
	}

	var payload openAlexResponse
	stats, err := o.Fetcher.GetJSON(ctx, o.Name(), o.BaseURL+"/works?"+v.Encode(), nil, &payload)
	if err != nil {
		return nil, stats, err
	}

	papers := make([]types.UnifiedPaper, 0, len(payload.Results))
	for i, w := range payload.Results {
		papers = append(papers, o.toUnified(i, w))
	}
	return papers, stats, nil
}

// Resolve fetches one work by DOI for metadata enrichment.
func (o *OpenAlex) Resolve(ctx context.Context, doi string) (*types.UnifiedPaper, CallStats, error) {
	u := o.BaseURL + "/works/doi:" + url.PathEscape(doi)
	if o.Mailto != "" {
		u += "?mailto=" + url.QueryEscape(o.Mailto)
	}
	var w openAlexWork
	stats, err := o.Fetcher.GetJSON(ctx, o.Name(), u, nil, &w)
	if err != nil {
		return nil, stats, err
	}
	p := o.toUnified(0, w)
	return &p, stats, nil
}

func (o *OpenAlex) toUnified(i int, w openAlexWork) types.UnifiedPaper {
	title := w.Title
	if title == "" {
		title = w.DisplayName
	}
	p := types.UnifiedPaper{
		ID:            strings.TrimPrefix(w.ID, "https://openalex.org/"),
		Title:         title,
		Year:          w.PublicationYear,
		Abstract:      reconstructAbstract(w.AbstractInvertedIndex),
		Source:        o.Name(),
		OpenAlexID:    strings.TrimPrefix(w.ID, "https://openalex.org/"),
		DOI:           strings.TrimPrefix(w.DOI, "https://doi.org/"),
		PubmedID:      strings.TrimPrefix(w.IDs.PMID, "https://pubmed.ncbi.nlm.nih.gov/"),
		IsRetracted:   w.IsRetracted,
		CitationCount: &w.CitedByCount,
		RankSignal:    w.RelevanceScore,
	}
	if p.RankSignal == 0 {
		p.RankSignal = positionRank(i)
	}
	if w.Type != "" {
		p.PublicationTypes = []string{w.Type}
	}
	switch w.Type {
	case "preprint":
		p.PreprintStatus = types.PreprintYes
	case "article", "review", "book-chapter":
		p.PreprintStatus = types.PreprintPublished
	}
	for _, a := range w.Authorships {
		if a.Author.DisplayName != "" {
			p.Authors = append(p.Authors, a.Author.DisplayName)
		}
	}
	if loc := w.PrimaryLocation; loc != nil {
		p.PDFURL = loc.PDFURL
		p.LandingPageURL = loc.LandingPageURL
		if loc.Source != nil {
			p.Venue = loc.Source.DisplayName
		}
	}
	if p.PDFURL == "" && w.OpenAccess != nil {
		p.PDFURL = w.OpenAccess.OAURL
	}
	for _, ref := range w.ReferencedWorks {
		p.References = append(p.References, strings.TrimPrefix(ref, "https://openalex.org/"))
	}
	return p
}

func openAlexFilter(f types.SearchFilters) string {
	var parts []string
	if f.FromYear > 0 {
		parts = append(parts, fmt.Sprintf("from_publication_date:%d-01-01", f.FromYear))
	}
	if f.ToYear > 0 {
		parts = append(parts, fmt.Sprintf("to_publication_date:%d-12-31", f.ToYear))
	}
	if len(f.Languages) > 0 {
		parts = append(parts, "language:"+strings.Join(f.Languages, "|"))
	}
	if f.ExcludePreprints {
		parts = append(parts, "type:!preprint")
	}
	return strings.Join(parts, ",")
}

// reconstructAbstract rebuilds plain text from the inverted index
// (word -> positions).
func reconstructAbstract(inv map[string][]int) string {
	if len(inv) == 0 {
		return ""
	}
	type wordPos struct {
		pos  int
		word string
	}
	ordered := make([]wordPos, 0, len(inv))
	for word, positions := range inv {
		for _, p := range positions {
			ordered = append(ordered, wordPos{p, word})
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].pos < ordered[j].pos })
	words := make([]string, len(ordered))
	for i, wp := range ordered {
		words[i] = wp.word
	}
	return strings.Join(words, " ")
}
