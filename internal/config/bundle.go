package config

import (
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/magpielab/magpie/internal/query"
	"github.com/magpielab/magpie/internal/stablejson"
)

//go:embed defaults/concepts.toml defaults/trust.toml defaults/prompts.yaml
var defaultBundle embed.FS

// Override file patterns, matched against paths relative to the bundle dir.
const (
	conceptsPattern = "**/concepts.toml"
	trustPattern    = "**/trust.toml"
	promptsPattern  = "**/prompts.{yaml,yml}"
)

// Bundle is the analysis rule bundle: the concept expansion table, the
// source trust table, and the prompt manifest. Its hashes feed the
// pipeline version identity, so editing any bundle file produces new
// stage-output chains instead of corrupting replay against old ones.
type Bundle struct {
	Concepts query.ConceptTable
	Trust    map[string]float64
	Prompts  PromptManifest

	PromptManifestHash  string
	ExtractorBundleHash string
}

// PromptManifest versions the model prompts in use. The manifest is data
// about prompts, not the prompt text itself; built-in templates live with
// their stage code and are versioned here.
type PromptManifest struct {
	Version int          `yaml:"version"`
	Prompts []PromptSpec `yaml:"prompts"`
}

// PromptSpec names one prompt and its revision.
type PromptSpec struct {
	Name    string `yaml:"name"`
	Version int    `yaml:"version"`
	Purpose string `yaml:"purpose"`
}

type conceptsFile struct {
	Concepts map[string][]string `toml:"concepts"`
}

type trustFile struct {
	Trust map[string]float64 `toml:"trust"`
}

// LoadBundle reads the rule bundle. Files found under dir override the
// embedded defaults file-by-file; an empty dir loads defaults only.
// extractorVersion is folded into the bundle hash so a deterministic
// extractor change rolls the pipeline version even with untouched tables.
func LoadBundle(dir, extractorVersion string) (*Bundle, error) {
	conceptsRaw, err := bundleFile(dir, conceptsPattern, "defaults/concepts.toml")
	if err != nil {
		return nil, err
	}
	trustRaw, err := bundleFile(dir, trustPattern, "defaults/trust.toml")
	if err != nil {
		return nil, err
	}
	promptsRaw, err := bundleFile(dir, promptsPattern, "defaults/prompts.yaml")
	if err != nil {
		return nil, err
	}

	var cf conceptsFile
	if err := toml.Unmarshal(conceptsRaw, &cf); err != nil {
		return nil, fmt.Errorf("parse concepts table: %w", err)
	}
	var tf trustFile
	if err := toml.Unmarshal(trustRaw, &tf); err != nil {
		return nil, fmt.Errorf("parse trust table: %w", err)
	}
	var pm PromptManifest
	if err := yaml.Unmarshal(promptsRaw, &pm); err != nil {
		return nil, fmt.Errorf("parse prompt manifest: %w", err)
	}

	b := &Bundle{
		Concepts: make(query.ConceptTable, len(cf.Concepts)),
		Trust:    make(map[string]float64, len(tf.Trust)),
		Prompts:  pm,
		PromptManifestHash: stablejson.HashBytes(promptsRaw),
		ExtractorBundleHash: stablejson.HashFields(
			stablejson.HashBytes(conceptsRaw),
			stablejson.HashBytes(trustRaw),
			extractorVersion,
		),
	}
	for term, syns := range cf.Concepts {
		b.Concepts[strings.ToLower(strings.TrimSpace(term))] = syns
	}
	for provider, trust := range tf.Trust {
		if trust <= 0 || trust > 1 {
			return nil, fmt.Errorf("trust table: %s: %v out of range (0, 1]", provider, trust)
		}
		b.Trust[strings.ToLower(strings.TrimSpace(provider))] = trust
	}
	return b, nil
}

// TrustFunc adapts the trust table for canonicalization scoring. Unknown
// providers resolve to 0.
func (b *Bundle) TrustFunc() func(provider string) float64 {
	return func(provider string) float64 {
		return b.Trust[strings.ToLower(provider)]
	}
}

// bundleFile returns the override matching pattern under dir, or the
// embedded default. With several matches the lexicographically first
// relative path wins, so loads stay deterministic.
func bundleFile(dir, pattern, defaultPath string) ([]byte, error) {
	if dir != "" {
		matches, err := doublestar.Glob(os.DirFS(dir), pattern)
		if err != nil {
			return nil, fmt.Errorf("glob %s: %w", pattern, err)
		}
		if len(matches) > 0 {
			sort.Strings(matches)
			p := filepath.Join(dir, filepath.FromSlash(matches[0]))
			raw, err := os.ReadFile(p) // #nosec G304 - path from configured bundle dir
			if err != nil {
				return nil, fmt.Errorf("read bundle file %s: %w", p, err)
			}
			return raw, nil
		}
	}
	raw, err := defaultBundle.ReadFile(defaultPath)
	if err != nil {
		return nil, fmt.Errorf("embedded bundle %s: %w", defaultPath, err)
	}
	return raw, nil
}
