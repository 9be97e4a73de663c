// Package config loads runtime configuration and the analysis rule bundle.
//
// Configuration comes from three layers, highest precedence first:
// environment variables (MAGPIE_ prefix, plus the legacy unprefixed names
// the pipeline has always recognized), an optional config file, and
// defaults. The rule bundle (concept table, trust table, prompt manifest)
// ships embedded and can be overridden from a bundle directory; together
// with the analysis config it defines the pipeline version identity.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/magpielab/magpie/internal/stablejson"
	"github.com/magpielab/magpie/internal/types"
)

// configName is the config file name without extension.
const configName = "magpie"

// configType is the config file format.
const configType = "yaml"

// envPrefix is the environment variable prefix for magpie settings.
const envPrefix = "MAGPIE"

// Query pipeline modes.
const (
	QueryModeV1     = "v1"
	QueryModeV2     = "v2"
	QueryModeShadow = "shadow"
)

// Extraction engines.
const (
	EngineLLM      = "llm"
	EngineScripted = "scripted"
	EngineHybrid   = "hybrid"
)

// Metadata enrichment modes.
const (
	EnrichOfflineShadow = "offline_shadow"
	EnrichOfflineApply  = "offline_apply"
	EnrichInlineApply   = "inline_apply"
)

// Validation errors.
var (
	ErrInvalidQueryMode        = errors.New("query.pipeline_mode must be v1, v2, or shadow")
	ErrInvalidEngine           = errors.New("extraction.engine must be llm, scripted, or hybrid")
	ErrInvalidMaxCandidates    = errors.New("extraction.max_candidates must be between 5 and 60")
	ErrInvalidPDFTimeout       = errors.New("extraction.pdf_parse_timeout_ms must be between 1000 and 60000")
	ErrInvalidEnrichMode       = errors.New("enrichment.mode must be offline_shadow, offline_apply, or inline_apply")
	ErrInvalidInlinePercent    = errors.New("enrichment.inline_percent must be between 0 and 100")
	ErrInvalidEnrichMaxLatency = errors.New("enrichment.max_latency_ms must be at least 200")
	ErrInvalidEnrichRetryMax   = errors.New("enrichment.retry_max must be between 1 and 8")
)

// Config is the loaded, validated runtime configuration.
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	WorkerToken string `mapstructure:"worker_token"`
	BundleDir   string `mapstructure:"bundle_dir"`
	Seed        int64  `mapstructure:"seed"`

	Log        LogConfig        `mapstructure:"log"`
	Query      QueryConfig      `mapstructure:"query"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Providers  ProvidersConfig  `mapstructure:"providers"`
	Model      ModelConfig      `mapstructure:"model"`
	Worker     WorkerConfig     `mapstructure:"worker"`
}

// LogConfig controls the zap logger built in cmd wiring.
type LogConfig struct {
	Level string `mapstructure:"level"`
	// File enables rotated file output (lumberjack) alongside stderr.
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// QueryConfig tunes query preparation.
type QueryConfig struct {
	PipelineMode string `mapstructure:"pipeline_mode"`
}

// ExtractionConfig tunes the deterministic extractor and PDF parsing.
type ExtractionConfig struct {
	Engine            string `mapstructure:"engine"`
	MaxCandidates     int    `mapstructure:"max_candidates"`
	PDFParseTimeoutMS int    `mapstructure:"pdf_parse_timeout_ms"`
	PDFServiceURL     string `mapstructure:"pdf_service_url"`
}

// EnrichmentConfig tunes metadata enrichment.
type EnrichmentConfig struct {
	Mode          string `mapstructure:"mode"`
	InlinePercent int    `mapstructure:"inline_percent"`
	MaxLatencyMS  int    `mapstructure:"max_latency_ms"`
	RetryMax      int    `mapstructure:"retry_max"`
}

// ProvidersConfig carries per-provider API credentials.
type ProvidersConfig struct {
	PubMedAPIKey          string `mapstructure:"pubmed_api_key"`
	SemanticScholarAPIKey string `mapstructure:"semantic_scholar_api_key"`
	OpenAlexMailto        string `mapstructure:"openalex_mailto"`
}

// ModelConfig selects the augmentation model.
type ModelConfig struct {
	AnthropicAPIKey string `mapstructure:"anthropic_api_key"`
	Name            string `mapstructure:"name"`
}

// WorkerConfig tunes the drain loop.
type WorkerConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Lease        time.Duration `mapstructure:"lease"`
}

// Load reads configuration from file, env vars, and defaults. If configPath
// is non-empty it is used as the explicit config file path; otherwise
// magpie.yaml is searched in CWD and $HOME. A missing config file is not an
// error; defaults apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	applyDefaults(v)

	v.SetConfigType(configType)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindLegacyEnv(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configPath != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(v *viper.Viper) {
	v.SetDefault("listen_addr", ":8787")
	v.SetDefault("database_url", "sqlite://magpie.db")
	v.SetDefault("redis_url", "")
	v.SetDefault("bundle_dir", "")
	v.SetDefault("seed", int64(1))

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 14)

	v.SetDefault("query.pipeline_mode", QueryModeV1)

	v.SetDefault("extraction.engine", EngineHybrid)
	v.SetDefault("extraction.max_candidates", 45)
	v.SetDefault("extraction.pdf_parse_timeout_ms", 12000)

	v.SetDefault("enrichment.mode", EnrichOfflineShadow)
	v.SetDefault("enrichment.inline_percent", 0)
	v.SetDefault("enrichment.max_latency_ms", 5000)
	v.SetDefault("enrichment.retry_max", 4)

	v.SetDefault("model.name", "claude-sonnet-4-5")

	v.SetDefault("worker.batch_size", 8)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.lease", 3*time.Minute)
}

// bindLegacyEnv keeps the historically recognized unprefixed variable names
// working alongside the MAGPIE_ forms. Later names win only when earlier
// ones are unset, so MAGPIE_EXTRACTION_ENGINE beats EXTRACTION_ENGINE.
func bindLegacyEnv(v *viper.Viper) {
	bind := func(key string, envs ...string) {
		_ = v.BindEnv(append([]string{key}, envs...)...)
	}
	bind("query.pipeline_mode", "MAGPIE_QUERY_PIPELINE_MODE", "QUERY_PIPELINE_MODE")
	bind("extraction.engine", "MAGPIE_EXTRACTION_ENGINE", "EXTRACTION_ENGINE")
	bind("extraction.max_candidates", "MAGPIE_EXTRACTION_MAX_CANDIDATES", "EXTRACTION_MAX_CANDIDATES")
	bind("extraction.pdf_parse_timeout_ms", "MAGPIE_PDF_PARSE_TIMEOUT_MS", "PDF_PARSE_TIMEOUT_MS")
	bind("enrichment.mode", "MAGPIE_METADATA_ENRICHMENT_MODE", "METADATA_ENRICHMENT_MODE")
	bind("enrichment.inline_percent", "MAGPIE_METADATA_ENRICHMENT_INLINE_PERCENT", "METADATA_ENRICHMENT_INLINE_PERCENT")
	bind("enrichment.max_latency_ms", "MAGPIE_METADATA_ENRICHMENT_MAX_LATENCY_MS", "METADATA_ENRICHMENT_MAX_LATENCY_MS")
	bind("enrichment.retry_max", "MAGPIE_METADATA_ENRICHMENT_RETRY_MAX", "METADATA_ENRICHMENT_RETRY_MAX")
	bind("worker_token", "MAGPIE_WORKER_TOKEN")
	bind("providers.pubmed_api_key", "MAGPIE_PUBMED_API_KEY", "PUBMED_API_KEY")
	bind("providers.semantic_scholar_api_key", "MAGPIE_SEMANTIC_SCHOLAR_API_KEY", "SEMANTIC_SCHOLAR_API_KEY")
	bind("providers.openalex_mailto", "MAGPIE_OPENALEX_MAILTO", "OPENALEX_MAILTO")
	bind("model.anthropic_api_key", "MAGPIE_ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY")
}

// Validate checks every bounded knob against its allowed range.
func (c *Config) Validate() error {
	switch c.Query.PipelineMode {
	case QueryModeV1, QueryModeV2, QueryModeShadow:
	default:
		return ErrInvalidQueryMode
	}

	switch c.Extraction.Engine {
	case EngineLLM, EngineScripted, EngineHybrid:
	default:
		return ErrInvalidEngine
	}
	if c.Extraction.MaxCandidates < 5 || c.Extraction.MaxCandidates > 60 {
		return ErrInvalidMaxCandidates
	}
	if c.Extraction.PDFParseTimeoutMS < 1000 || c.Extraction.PDFParseTimeoutMS > 60000 {
		return ErrInvalidPDFTimeout
	}

	switch c.Enrichment.Mode {
	case EnrichOfflineShadow, EnrichOfflineApply, EnrichInlineApply:
	default:
		return ErrInvalidEnrichMode
	}
	if c.Enrichment.InlinePercent < 0 || c.Enrichment.InlinePercent > 100 {
		return ErrInvalidInlinePercent
	}
	if c.Enrichment.MaxLatencyMS < 200 {
		return ErrInvalidEnrichMaxLatency
	}
	if c.Enrichment.RetryMax < 1 || c.Enrichment.RetryMax > 8 {
		return ErrInvalidEnrichRetryMax
	}

	return nil
}

// AnalysisHash fingerprints the knobs that change analytical results.
// Credentials, addresses, and worker tuning deliberately stay out: rotating
// an API key must not create a new pipeline version.
func (c *Config) AnalysisHash() string {
	return stablejson.HashFields(
		c.Query.PipelineMode,
		c.Extraction.Engine,
		strconv.Itoa(c.Extraction.MaxCandidates),
		strconv.Itoa(c.Extraction.PDFParseTimeoutMS),
		c.Enrichment.Mode,
		strconv.Itoa(c.Enrichment.InlinePercent),
		strconv.Itoa(c.Enrichment.MaxLatencyMS),
		strconv.Itoa(c.Enrichment.RetryMax),
		c.Model.Name,
	)
}

// Identity computes the pipeline version for this config and bundle. The
// same 4-tuple always yields the same id, so EnsurePipelineVersion inserts
// are natural no-ops on restart.
func Identity(c *Config, b *Bundle) *types.PipelineVersion {
	pv := &types.PipelineVersion{
		PromptManifestHash:  b.PromptManifestHash,
		ExtractorBundleHash: b.ExtractorBundleHash,
		ConfigHash:          c.AnalysisHash(),
		Seed:                c.Seed,
	}
	pv.ID = "pv_" + stablejson.HashFields(
		pv.PromptManifestHash,
		pv.ExtractorBundleHash,
		pv.ConfigHash,
		strconv.FormatInt(pv.Seed, 10),
	)
	return pv
}
