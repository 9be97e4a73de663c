package providers

import (
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/magpielab/magpie/internal/types"
)

const pubmedBaseURL = "https://eutils.ncbi.nlm.nih.gov/entrez/eutils"

// PubMed queries E-utilities in two steps: esearch for PMIDs, efetch
// for the article XML. Both steps go through the same gate, so keyed
// and unkeyed spacing rules hold across the pair.
type PubMed struct {
	BaseURL string
	Fetcher *Fetcher
	APIKey  string
}

// NewPubMed builds the adapter against the public E-utilities API.
func NewPubMed(f *Fetcher) *PubMed {
	return &PubMed{BaseURL: pubmedBaseURL, Fetcher: f}
}

func (p *PubMed) Name() string { return types.ProviderPubMed }

type pubmedSearchResult struct {
	ESearchResult struct {
		IDList []string `json:"idlist"`
	} `json:"esearchresult"`
}

type pubmedArticleSet struct {
	XMLName  xml.Name        `xml:"PubmedArticleSet"`
	Articles []pubmedArticle `xml:"PubmedArticle"`
}

type pubmedArticle struct {
	MedlineCitation struct {
		PMID    string `xml:"PMID"`
		Article struct {
			ArticleTitle string `xml:"ArticleTitle"`
			Abstract     struct {
				Sections []struct {
					Label string `xml:"Label,attr"`
					Text  string `xml:",chardata"`
				} `xml:"AbstractText"`
			} `xml:"Abstract"`
			AuthorList struct {
				Authors []struct {
					LastName       string `xml:"LastName"`
					ForeName       string `xml:"ForeName"`
					CollectiveName string `xml:"CollectiveName"`
				} `xml:"Author"`
			} `xml:"AuthorList"`
			Journal struct {
				Title        string `xml:"Title"`
				JournalIssue struct {
					PubDate struct {
						Year        string `xml:"Year"`
						MedlineDate string `xml:"MedlineDate"`
					} `xml:"PubDate"`
				} `xml:"JournalIssue"`
			} `xml:"Journal"`
			PublicationTypeList struct {
				Types []string `xml:"PublicationType"`
			} `xml:"PublicationTypeList"`
			ELocationIDs []struct {
				EIdType string `xml:"EIdType,attr"`
				Value   string `xml:",chardata"`
			} `xml:"ELocationID"`
		} `xml:"Article"`
	} `xml:"MedlineCitation"`
}

// Search finds PMIDs, then fetches and maps the article records.
func (p *PubMed) Search(ctx context.Context, q PreparedQuery) ([]types.UnifiedPaper, CallStats, error) {
	ids, stats, err := p.esearch(ctx, q)
	if err != nil || len(ids) == 0 {
		return nil, stats, err
	}

	papers, fetchStats, err := p.efetch(ctx, ids)
	stats.RetryCount += fetchStats.RetryCount
	stats.LatencyMS += fetchStats.LatencyMS
	if fetchStats.StatusCode != 0 {
		stats.StatusCode = fetchStats.StatusCode
	}
	if fetchStats.RetryAfterSeconds > 0 {
		stats.RetryAfterSeconds = fetchStats.RetryAfterSeconds
	}
	return papers, stats, err
}

func (p *PubMed) esearch(ctx context.Context, q PreparedQuery) ([]string, CallStats, error) {
	v := url.Values{}
	v.Set("db", "pubmed")
	v.Set("retmode", "json")
	v.Set("retmax", strconv.Itoa(pageSize(q.MaxResults)))
	v.Set("sort", "relevance")
	v.Set("term", q.APIQuery)
	if q.Filters.FromYear > 0 || q.Filters.ToYear > 0 {
		v.Set("datetype", "pdat")
		if q.Filters.FromYear > 0 {
			v.Set("mindate", strconv.Itoa(q.Filters.FromYear))
		}
		if q.Filters.ToYear > 0 {
			v.Set("maxdate", strconv.Itoa(q.Filters.ToYear))
		}
	}
	if p.APIKey != "" {
		v.Set("api_key", p.APIKey)
	}

	var payload pubmedSearchResult
	stats, err := p.Fetcher.GetJSON(ctx, p.Name(), p.BaseURL+"/esearch.fcgi?"+v.Encode(), nil, &payload)
	if err != nil {
		return nil, stats, err
	}
	return payload.ESearchResult.IDList, stats, nil
}

func (p *PubMed) efetch(ctx context.Context, ids []string) ([]types.UnifiedPaper, CallStats, error) {
	v := url.Values{}
	v.Set("db", "pubmed")
	v.Set("retmode", "xml")
	v.Set("id", strings.Join(ids, ","))
	if p.APIKey != "" {
		v.Set("api_key", p.APIKey)
	}

	body, stats, err := p.Fetcher.GetBytes(ctx, p.Name(), p.BaseURL+"/efetch.fcgi?"+v.Encode(), nil)
	if err != nil {
		return nil, stats, err
	}
	var set pubmedArticleSet
	if err := xml.Unmarshal(body, &set); err != nil {
		return nil, stats, types.WrapError(types.ErrExternal, "provider_decode", "efetch response is not parseable XML", err)
	}

	papers := make([]types.UnifiedPaper, 0, len(set.Articles))
	for i, art := range set.Articles {
		papers = append(papers, p.toUnified(i, art))
	}
	return papers, stats, nil
}

func (p *PubMed) toUnified(i int, art pubmedArticle) types.UnifiedPaper {
	cit := art.MedlineCitation
	u := types.UnifiedPaper{
		ID:               cit.PMID,
		PubmedID:         cit.PMID,
		Title:            collapseSpace(cit.Article.ArticleTitle),
		Venue:            cit.Article.Journal.Title,
		Source:           p.Name(),
		PublicationTypes: cit.Article.PublicationTypeList.Types,
		LandingPageURL:   fmt.Sprintf("https://pubmed.ncbi.nlm.nih.gov/%s/", cit.PMID),
		PreprintStatus:   types.PreprintPublished,
		RankSignal:       positionRank(i),
	}

	pd := cit.Article.Journal.JournalIssue.PubDate
	if y, err := strconv.Atoi(pd.Year); err == nil {
		u.Year = y
	} else if len(pd.MedlineDate) >= 4 {
		if y, err := strconv.Atoi(pd.MedlineDate[:4]); err == nil {
			u.Year = y
		}
	}

	var parts []string
	for _, s := range cit.Article.Abstract.Sections {
		text := collapseSpace(s.Text)
		if text == "" {
			continue
		}
		if s.Label != "" {
			text = s.Label + ": " + text
		}
		parts = append(parts, text)
	}
	u.Abstract = strings.Join(parts, " ")

	for _, a := range cit.Article.AuthorList.Authors {
		switch {
		case a.CollectiveName != "":
			u.Authors = append(u.Authors, a.CollectiveName)
		case a.LastName != "":
			name := strings.TrimSpace(a.ForeName + " " + a.LastName)
			u.Authors = append(u.Authors, name)
		}
	}

	for _, loc := range cit.Article.ELocationIDs {
		if strings.EqualFold(loc.EIdType, "doi") {
			u.DOI = strings.TrimSpace(loc.Value)
			break
		}
	}
	return u
}
