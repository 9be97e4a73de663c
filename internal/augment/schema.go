package augment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"

	"github.com/magpielab/magpie/internal/types"
)

// errSchemaInvalid marks replies rejected before the merge: malformed
// JSON, schema violations, or undecodable studies. Callers keep the
// deterministic baseline when they see it.
var errSchemaInvalid = errors.New("model reply rejected")

// studyArraySchema is the contract the model's reply must satisfy: a
// JSON array of study objects in the exact result-table shape, no
// extra properties anywhere. Anything outside it is rejected and the
// deterministic baseline kept.
const studyArraySchema = `{
  "$schema": "http://json-schema.org/draft-04/schema#",
  "type": "array",
  "items": {
    "type": "object",
    "additionalProperties": false,
    "required": ["study_id", "title", "year", "study_design", "outcomes"],
    "properties": {
      "study_id":         {"type": "string", "minLength": 1},
      "title":            {"type": "string", "minLength": 1},
      "year":             {"type": "integer"},
      "study_design":     {"enum": ["RCT", "cohort", "cross-sectional", "review", "unknown"]},
      "sample_size":      {"type": ["integer", "null"], "minimum": 1},
      "population":       {"type": ["string", "null"]},
      "outcomes":         {"type": "array", "items": {"$ref": "#/definitions/outcome"}},
      "citation":         {"$ref": "#/definitions/citation"},
      "abstract_excerpt": {"type": "string"},
      "preprint_status":  {"enum": ["", "preprint", "published"]},
      "review_type":      {"enum": ["None", "Systematic review", "Meta-analysis"]},
      "source":           {"enum": ["", "openalex", "semantic_scholar", "arxiv", "pubmed"]},
      "citationCount":    {"type": ["integer", "null"], "minimum": 0},
      "pdf_url":          {"type": ["string", "null"]},
      "landing_page_url": {"type": ["string", "null"]}
    }
  },
  "definitions": {
    "outcome": {
      "type": "object",
      "additionalProperties": false,
      "required": ["outcome_measured"],
      "properties": {
        "outcome_measured": {"type": "string"},
        "key_result":       {"type": "string"},
        "citation_snippet": {"type": "string"},
        "intervention":     {"type": "string"},
        "comparator":       {"type": "string"},
        "effect_size":      {"type": "string"},
        "p_value":          {"type": "string"}
      }
    },
    "citation": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "doi":         {"type": "string"},
        "pubmed_id":   {"type": "string"},
        "openalex_id": {"type": "string"},
        "formatted":   {"type": "string"}
      }
    }
  }
}`

// decodeStudies validates a model reply against the study schema and
// unmarshals it. The reply may arrive wrapped in a markdown code fence.
func decodeStudies(raw string) ([]types.StudyResult, error) {
	body := stripCodeFence(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: empty response", errSchemaInvalid)
	}

	schemaLoader := gojsonschema.NewStringLoader(studyArraySchema)
	inputLoader := gojsonschema.NewStringLoader(body)
	result, err := gojsonschema.Validate(schemaLoader, inputLoader)
	if err != nil {
		return nil, fmt.Errorf("%w: not valid JSON: %v", errSchemaInvalid, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: %s", errSchemaInvalid, strings.Join(msgs, "; "))
	}

	var studies []types.StudyResult
	if err := json.Unmarshal([]byte(body), &studies); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", errSchemaInvalid, err)
	}
	return studies, nil
}

// stripCodeFence removes a surrounding markdown fence if the model
// added one despite the instructions.
func stripCodeFence(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
