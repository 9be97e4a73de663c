// Package providers talks to the upstream bibliographic APIs. Each
// adapter maps one source into UnifiedPaper records; the shared
// runtime meters every call with a token bucket, a minimum request
// interval, and a circuit breaker, and the fetch wrapper retries
// transient HTTP failures with bounded exponential backoff.
package providers

import (
	"context"
	"time"

	"github.com/magpielab/magpie/internal/types"
)

// PreparedQuery is what the query stage hands each adapter.
type PreparedQuery struct {
	OriginalKeywordQuery string              `json:"originalKeywordQuery"`
	ExpandedKeywordQuery string              `json:"expandedKeywordQuery"`
	APIQuery             string              `json:"apiQuery"`
	Filters              types.SearchFilters `json:"filters"`
	MaxResults           int                 `json:"max_results"`
}

// CallStats describes one adapter invocation, retries included.
type CallStats struct {
	RetryCount        int   `json:"retry_count"`
	StatusCode        int   `json:"status_code"`
	RetryAfterSeconds int   `json:"retry_after_seconds,omitempty"`
	LatencyMS         int64 `json:"latency_ms"`
}

// Adapter fetches search candidates from one upstream source.
type Adapter interface {
	Name() string
	Search(ctx context.Context, q PreparedQuery) ([]types.UnifiedPaper, CallStats, error)
}

// Resolver looks up metadata for one DOI. Crossref and OpenAlex serve
// metadata enrichment through this.
type Resolver interface {
	Name() string
	Resolve(ctx context.Context, doi string) (*types.UnifiedPaper, CallStats, error)
}

// Config tunes one provider's gate.
type Config struct {
	Name         string
	Capacity     int           // token bucket burst size
	RefillPerSec float64       // tokens added per second
	MinInterval  time.Duration // spacing between consecutive requests
	Trust        float64       // source trust, feeds source_confidence
	APIKey       string
}

// Trust levels feed canonical source_confidence and decide which
// source may overwrite which during enrichment.
const (
	TrustPubMed          = 0.90
	TrustCrossref        = 0.88
	TrustOpenAlex        = 0.85
	TrustSemanticScholar = 0.80
	TrustArxiv           = 0.75
)

// ProviderCrossref joins the four search providers for enrichment
// lookups only.
const ProviderCrossref = "crossref"

// DefaultConfigs returns the per-provider gate defaults. PubMed runs
// at a 350ms spacing without an API key; WithPubMedKey tightens it.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		types.ProviderOpenAlex: {
			Name:         types.ProviderOpenAlex,
			Capacity:     10,
			RefillPerSec: 10,
			Trust:        TrustOpenAlex,
		},
		types.ProviderSemanticScholar: {
			Name:         types.ProviderSemanticScholar,
			Capacity:     1,
			RefillPerSec: 1,
			MinInterval:  time.Second,
			Trust:        TrustSemanticScholar,
		},
		types.ProviderArxiv: {
			Name:         types.ProviderArxiv,
			Capacity:     1,
			RefillPerSec: 0.34,
			MinInterval:  3 * time.Second,
			Trust:        TrustArxiv,
		},
		types.ProviderPubMed: {
			Name:         types.ProviderPubMed,
			Capacity:     3,
			RefillPerSec: 3,
			MinInterval:  350 * time.Millisecond,
			Trust:        TrustPubMed,
		},
		ProviderCrossref: {
			Name:         ProviderCrossref,
			Capacity:     5,
			RefillPerSec: 5,
			MinInterval:  100 * time.Millisecond,
			Trust:        TrustCrossref,
		},
	}
}

// WithPubMedKey applies an NCBI API key to a config set: keyed
// clients are allowed a 120ms spacing and 10 rps.
func WithPubMedKey(configs map[string]Config, key string) map[string]Config {
	if key == "" {
		return configs
	}
	c := configs[types.ProviderPubMed]
	c.APIKey = key
	c.MinInterval = 120 * time.Millisecond
	c.Capacity = 10
	c.RefillPerSec = 10
	configs[types.ProviderPubMed] = c
	return configs
}

// pageSize clamps the requested result count to what the upstream
// APIs accept per page.
func pageSize(n int) int {
	if n <= 0 {
		return 25
	}
	if n > 100 {
		return 100
	}
	return n
}

// positionRank is the fallback rank signal for providers that return
// ordered results without a relevance score.
func positionRank(i int) float64 {
	return 1.0 / float64(1+i)
}
