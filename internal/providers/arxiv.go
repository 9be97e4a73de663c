package providers

import (
	"context"
	"encoding/xml"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/magpielab/magpie/internal/types"
)

const arxivBaseURL = "https://export.arxiv.org/api"

// Arxiv queries the Atom export API. Everything it returns is a
// preprint by definition.
type Arxiv struct {
	BaseURL string
	Fetcher *Fetcher
}

// NewArxiv builds the adapter against the public API.
func NewArxiv(f *Fetcher) *Arxiv {
	return &Arxiv{BaseURL: arxivBaseURL, Fetcher: f}
}

func (a *Arxiv) Name() string { return types.ProviderArxiv }

type arxivFeed struct {
	XMLName xml.Name     `xml:"feed"`
	Entries []arxivEntry `xml:"entry"`
}

type arxivEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	DOI       string `xml:"doi"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Links []struct {
		Href  string `xml:"href,attr"`
		Title string `xml:"title,attr"`
	} `xml:"link"`
	PrimaryCategory struct {
		Term string `xml:"term,attr"`
	} `xml:"primary_category"`
}

var arxivVersionSuffix = regexp.MustCompile(`v\d+$`)

// Search runs one Atom query sorted by relevance. The year window is
// applied locally; the export API cannot filter on publication date.
func (a *Arxiv) Search(ctx context.Context, q PreparedQuery) ([]types.UnifiedPaper, CallStats, error) {
	v := url.Values{}
	v.Set("search_query", "all:"+q.APIQuery)
	v.Set("start", "0")
	v.Set("max_results", strconv.Itoa(pageSize(q.MaxResults)))
	v.Set("sortBy", "relevance")
	v.Set("sortOrder", "descending")

	body, stats, err := a.Fetcher.GetBytes(ctx, a.Name(), a.BaseURL+"/query?"+v.Encode(), nil)
	if err != nil {
		return nil, stats, err
	}
	var feed arxivFeed
	if err := xml.Unmarshal(body, &feed); err != nil {
		return nil, stats, types.WrapError(types.ErrExternal, "provider_decode", "arxiv feed is not parseable Atom", err)
	}

	papers := make([]types.UnifiedPaper, 0, len(feed.Entries))
	for i, e := range feed.Entries {
		p := a.toUnified(i, e)
		if !q.Filters.InTimeframe(p.Year) && p.Year != 0 {
			continue
		}
		papers = append(papers, p)
	}
	return papers, stats, nil
}

func (a *Arxiv) toUnified(i int, e arxivEntry) types.UnifiedPaper {
	id := strings.TrimPrefix(e.ID, "http://arxiv.org/abs/")
	id = strings.TrimPrefix(id, "https://arxiv.org/abs/")
	id = arxivVersionSuffix.ReplaceAllString(id, "")

	p := types.UnifiedPaper{
		ID:             id,
		ArxivID:        id,
		Title:          collapseSpace(e.Title),
		Abstract:       collapseSpace(e.Summary),
		DOI:            e.DOI,
		Source:         a.Name(),
		LandingPageURL: e.ID,
		PreprintStatus: types.PreprintYes,
		RankSignal:     positionRank(i),
	}
	if len(e.Published) >= 4 {
		if y, err := strconv.Atoi(e.Published[:4]); err == nil {
			p.Year = y
		}
	}
	for _, au := range e.Authors {
		if au.Name != "" {
			p.Authors = append(p.Authors, au.Name)
		}
	}
	for _, l := range e.Links {
		if l.Title == "pdf" {
			p.PDFURL = l.Href
			break
		}
	}
	if e.PrimaryCategory.Term != "" {
		p.PublicationTypes = []string{"preprint/" + e.PrimaryCategory.Term}
	} else {
		p.PublicationTypes = []string{"preprint"}
	}
	return p
}

// collapseSpace folds the newline-wrapped text arXiv feeds carry into
// single-spaced prose.
func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
