package providers

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/magpielab/magpie/internal/types"
)

const crossrefBaseURL = "https://api.crossref.org"

// Crossref resolves DOIs for metadata enrichment. It is not part of
// the search fan-out.
type Crossref struct {
	BaseURL string
	Fetcher *Fetcher
	Mailto  string
}

// NewCrossref builds the resolver against the public API.
func NewCrossref(f *Fetcher) *Crossref {
	return &Crossref{BaseURL: crossrefBaseURL, Fetcher: f}
}

func (c *Crossref) Name() string { return ProviderCrossref }

type crossrefWork struct {
	Message struct {
		DOI            string   `json:"DOI"`
		Title          []string `json:"title"`
		ContainerTitle []string `json:"container-title"`
		Author         []struct {
			Given  string `json:"given"`
			Family string `json:"family"`
		} `json:"author"`
		Issued struct {
			DateParts [][]int `json:"date-parts"`
		} `json:"issued"`
		IsReferencedByCount int    `json:"is-referenced-by-count"`
		Type                string `json:"type"`
		URL                 string `json:"URL"`
		Abstract            string `json:"abstract"`
		Link                []struct {
			URL         string `json:"URL"`
			ContentType string `json:"content-type"`
		} `json:"link"`
	} `json:"message"`
}

// jatsTags strips the JATS markup Crossref abstracts arrive in.
var jatsTags = regexp.MustCompile(`<[^>]+>`)

// Resolve fetches one work record by DOI.
func (c *Crossref) Resolve(ctx context.Context, doi string) (*types.UnifiedPaper, CallStats, error) {
	u := c.BaseURL + "/works/" + url.PathEscape(doi)
	if c.Mailto != "" {
		u += "?mailto=" + url.QueryEscape(c.Mailto)
	}

	var payload crossrefWork
	stats, err := c.Fetcher.GetJSON(ctx, c.Name(), u, nil, &payload)
	if err != nil {
		return nil, stats, err
	}
	m := payload.Message

	p := &types.UnifiedPaper{
		ID:             m.DOI,
		DOI:            m.DOI,
		Source:         c.Name(),
		CitationCount:  &m.IsReferencedByCount,
		LandingPageURL: m.URL,
	}
	if len(m.Title) > 0 {
		p.Title = collapseSpace(m.Title[0])
	}
	if len(m.ContainerTitle) > 0 {
		p.Venue = m.ContainerTitle[0]
	}
	if len(m.Issued.DateParts) > 0 && len(m.Issued.DateParts[0]) > 0 {
		p.Year = m.Issued.DateParts[0][0]
	}
	for _, a := range m.Author {
		name := strings.TrimSpace(a.Given + " " + a.Family)
		if name != "" {
			p.Authors = append(p.Authors, name)
		}
	}
	if m.Abstract != "" {
		p.Abstract = collapseSpace(jatsTags.ReplaceAllString(m.Abstract, " "))
	}
	if m.Type != "" {
		p.PublicationTypes = []string{m.Type}
		if m.Type == "posted-content" {
			p.PreprintStatus = types.PreprintYes
		} else {
			p.PreprintStatus = types.PreprintPublished
		}
	}
	for _, l := range m.Link {
		if l.ContentType == "application/pdf" {
			p.PDFURL = l.URL
			break
		}
	}
	return p, stats, nil
}
