package providers

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/magpielab/magpie/internal/types"
)

const semanticScholarBaseURL = "https://api.semanticscholar.org/graph/v1"

var s2Fields = "title,abstract,venue,year,citationCount,publicationTypes,externalIds,authors,openAccessPdf"

// SemanticScholar queries the Graph API paper search.
type SemanticScholar struct {
	BaseURL string
	Fetcher *Fetcher
	APIKey  string
}

// NewSemanticScholar builds the adapter against the public API.
func NewSemanticScholar(f *Fetcher) *SemanticScholar {
	return &SemanticScholar{BaseURL: semanticScholarBaseURL, Fetcher: f}
}

func (s *SemanticScholar) Name() string { return types.ProviderSemanticScholar }

type s2Paper struct {
	PaperID          string         `json:"paperId"`
	Title            string         `json:"title"`
	Abstract         string         `json:"abstract"`
	Venue            string         `json:"venue"`
	Year             int            `json:"year"`
	CitationCount    int            `json:"citationCount"`
	PublicationTypes []string       `json:"publicationTypes"`
	ExternalIDs      map[string]any `json:"externalIds"`      // values are strings except CorpusId
	Authors          []struct {
		Name string `json:"name"`
	} `json:"authors"`
	OpenAccessPDF *struct {
		URL string `json:"url"`
	} `json:"openAccessPdf"`
}

type s2SearchResponse struct {
	Total int       `json:"total"`
	Data  []s2Paper `json:"data"`
}

// Search runs one paper search with the year window pushed down.
func (s *SemanticScholar) Search(ctx context.Context, q PreparedQuery) ([]types.UnifiedPaper, CallStats, error) {
	v := url.Values{}
	v.Set("query", q.APIQuery)
	v.Set("limit", strconv.Itoa(pageSize(q.MaxResults)))
	v.Set("fields", s2Fields)
	if w := s2YearWindow(q.Filters); w != "" {
		v.Set("year", w)
	}

	var header http.Header
	if s.APIKey != "" {
		header = http.Header{"X-Api-Key": []string{s.APIKey}}
	}

	var payload s2SearchResponse
	stats, err := s.Fetcher.GetJSON(ctx, s.Name(), s.BaseURL+"/paper/search?"+v.Encode(), header, &payload)
	if err != nil {
		return nil, stats, err
	}

	papers := make([]types.UnifiedPaper, 0, len(payload.Data))
	for i, raw := range payload.Data {
		papers = append(papers, s.toUnified(i, raw))
	}
	return papers, stats, nil
}

func (s *SemanticScholar) toUnified(i int, raw s2Paper) types.UnifiedPaper {
	p := types.UnifiedPaper{
		ID:               raw.PaperID,
		Title:            raw.Title,
		Year:             raw.Year,
		Abstract:         raw.Abstract,
		Venue:            raw.Venue,
		Source:           s.Name(),
		DOI:              s2ExternalID(raw.ExternalIDs, "DOI"),
		PubmedID:         s2ExternalID(raw.ExternalIDs, "PubMed"),
		ArxivID:          s2ExternalID(raw.ExternalIDs, "ArXiv"),
		CitationCount:    &raw.CitationCount,
		PublicationTypes: raw.PublicationTypes,
		RankSignal:       positionRank(i),
	}
	for _, a := range raw.Authors {
		if a.Name != "" {
			p.Authors = append(p.Authors, a.Name)
		}
	}
	if raw.OpenAccessPDF != nil {
		p.PDFURL = raw.OpenAccessPDF.URL
	}
	if p.ArxivID != "" && p.Venue == "" {
		p.PreprintStatus = types.PreprintYes
	} else if p.Venue != "" {
		p.PreprintStatus = types.PreprintPublished
	}
	return p
}

func s2ExternalID(ids map[string]any, key string) string {
	if v, ok := ids[key]; ok {
		if str, ok := v.(string); ok {
			return str
		}
	}
	return ""
}

func s2YearWindow(f types.SearchFilters) string {
	switch {
	case f.FromYear > 0 && f.ToYear > 0:
		return fmt.Sprintf("%d-%d", f.FromYear, f.ToYear)
	case f.FromYear > 0:
		return fmt.Sprintf("%d-", f.FromYear)
	case f.ToYear > 0:
		return fmt.Sprintf("-%d", f.ToYear)
	}
	return ""
}
