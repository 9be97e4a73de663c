package cache

import (
	"github.com/magpielab/magpie/internal/stablejson"
	"github.com/magpielab/magpie/internal/types"
)

// QueryKey addresses a full search response by what produced it: the
// normalized query text, the provider profile, and the filter set.
func QueryKey(normalizedQuery string, providers []string, filters types.SearchFilters) string {
	k := struct {
		Query     string              `json:"query"`
		Providers []string            `json:"providers"`
		Filters   types.SearchFilters `json:"filters"`
	}{normalizedQuery, providers, filters}
	return stablejson.HashBytes(stablejson.MustMarshal(k))
}

// ExtractionKey addresses one study's extraction output under a
// specific extractor identity. Deterministic runs use
// extractorVersion "deterministic_first_v1" with promptHash and model
// both "deterministic".
func ExtractionKey(studyID, extractorVersion, promptHash, model string) string {
	return stablejson.HashFields(studyID, extractorVersion, promptHash, model)
}
