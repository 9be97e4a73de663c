// Package types defines the core data structures shared across the magpie
// research pipeline: reports, jobs, stage outputs, pipeline versions, and the
// paper/study payloads that flow between stages.
//
// Types here are value types. Cross-stage references are by id string, never
// by pointer; stage payloads own their data outright so they can be hashed
// and persisted as immutable records.
package types

import "time"

// Stage identifies one of the seven pipeline stages.
type Stage string

// Pipeline stages, in execution order.
const (
	StageIngestProvider       Stage = "INGEST_PROVIDER"
	StageNormalize            Stage = "NORMALIZE"
	StageDedupe               Stage = "DEDUPE"
	StageQualityFilter        Stage = "QUALITY_FILTER"
	StageDeterministicExtract Stage = "DETERMINISTIC_EXTRACT"
	StageLLMAugment           Stage = "LLM_AUGMENT"
	StageCompileReport        Stage = "COMPILE_REPORT"
)

// StageOrder lists the stages in their fixed execution order.
var StageOrder = []Stage{
	StageIngestProvider,
	StageNormalize,
	StageDedupe,
	StageQualityFilter,
	StageDeterministicExtract,
	StageLLMAugment,
	StageCompileReport,
}

// NextStage returns the stage that follows s, or "" if s is the final stage
// or unknown.
func NextStage(s Stage) Stage {
	for i, cur := range StageOrder {
		if cur == s && i+1 < len(StageOrder) {
			return StageOrder[i+1]
		}
	}
	return ""
}

// PrevStage returns the stage that precedes s, or "" if s is the first stage
// or unknown.
func PrevStage(s Stage) Stage {
	for i, cur := range StageOrder {
		if cur == s && i > 0 {
			return StageOrder[i-1]
		}
	}
	return ""
}

// ValidStage reports whether s names a known pipeline stage.
func ValidStage(s Stage) bool {
	for _, cur := range StageOrder {
		if cur == s {
			return true
		}
	}
	return false
}

// ReportStatus is the lifecycle state of a report.
type ReportStatus string

// Report statuses.
const (
	ReportQueued     ReportStatus = "queued"
	ReportProcessing ReportStatus = "processing"
	ReportCompleted  ReportStatus = "completed"
	ReportFailed     ReportStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ReportStatus) Terminal() bool {
	return s == ReportCompleted || s == ReportFailed
}

// Report is the user-facing entity produced by one research question. The
// pipeline mutates it; once completed it is immutable to the user except via
// explicit re-runs that allocate a new extraction run.
type Report struct {
	ID                string           `json:"id"`
	Owner             string           `json:"owner,omitempty"`
	Question          string           `json:"question"`
	Status            ReportStatus     `json:"status"`
	PipelineVersionID string           `json:"pipeline_version_id,omitempty"`
	ActiveRunID       string           `json:"active_run_id,omitempty"`
	RunCount          int              `json:"run_count"`
	Request           SearchRequest    `json:"request"`
	Results           []StudyResult    `json:"results,omitempty"`
	PartialResults    []StudyResult    `json:"partial_results,omitempty"`
	EvidenceTable     []EvidenceRow    `json:"evidence_table,omitempty"`
	Brief             *Brief           `json:"brief,omitempty"`
	Coverage          *Coverage        `json:"coverage,omitempty"`
	Stats             *ReportStats     `json:"stats,omitempty"`
	ExtractionStats   *ExtractionStats `json:"extraction_stats,omitempty"`
	SourceCounts      map[string]int   `json:"source_counts,omitempty"`
	NormalizedQuery   string           `json:"normalized_query,omitempty"`
	LastError         string           `json:"error,omitempty"`
	CreatedAt         time.Time        `json:"created_at"`
	CompletedAt       *time.Time       `json:"completed_at,omitempty"`
}

// PipelineVersion is the identity of one analytical configuration. Stage
// outputs are stamped with the version that produced them; the same version
// and input-hash chain must yield the same output chain.
type PipelineVersion struct {
	ID                  string    `json:"id"`
	PromptManifestHash  string    `json:"prompt_manifest_hash"`
	ExtractorBundleHash string    `json:"extractor_bundle_hash"`
	ConfigHash          string    `json:"config_hash"`
	Seed                int64     `json:"seed"`
	CreatedAt           time.Time `json:"created_at"`
}

// StageOutput is one immutable, content-addressed stage result.
// (report_id, stage, input_hash) is unique for the lifetime of the report.
type StageOutput struct {
	ID                string    `json:"id"`
	ReportID          string    `json:"report_id"`
	Stage             Stage     `json:"stage"`
	InputHash         string    `json:"input_hash"`
	OutputHash        string    `json:"output_hash"`
	Payload           []byte    `json:"payload,omitempty"`   // canonical JSON, decompressed
	PipelineVersionID string    `json:"pipeline_version_id"`
	ProducerJobID     string    `json:"producer_job_id"`
	CreatedAt         time.Time `json:"created_at"`
}

// JobStatus is the lifecycle state of a queued pipeline job.
type JobStatus string

// Job statuses. A job is "live" while queued or leased.
const (
	JobQueued    JobStatus = "queued"
	JobLeased    JobStatus = "leased"
	JobCompleted JobStatus = "completed"
	JobDead      JobStatus = "dead"
)

// Terminal reports whether the job can no longer be claimed.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobDead
}

// Job is one unit of scheduled pipeline work: run a single stage for a
// single report. The dedupe key (stage:provider:report) enforces at most one
// live job per stage per report.
type Job struct {
	ID             string     `json:"id"`
	ReportID       string     `json:"report_id"`
	Stage          Stage      `json:"stage"`
	DedupeKey      string     `json:"dedupe_key"`
	Payload        []byte     `json:"payload,omitempty"`          // JSON stage input reference
	Status         JobStatus  `json:"status"`
	Attempts       int        `json:"attempts"`
	MaxAttempts    int        `json:"max_attempts"`
	LeaseOwner     string     `json:"lease_owner,omitempty"`
	LeaseExpiresAt *time.Time `json:"lease_expires_at,omitempty"`
	NextRunAt      time.Time  `json:"next_run_at"`
	LastError      string     `json:"last_error,omitempty"`
	InputHash      string     `json:"input_hash,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// JobPayload is the persisted body of a Job: a reference to the parent stage
// output plus the original request context needed by the first stage.
type JobPayload struct {
	ParentOutputID string         `json:"parent_output_id,omitempty"`
	Request        *SearchRequest `json:"request,omitempty"`
	Trigger        RunTrigger     `json:"trigger,omitempty"`
}

// DedupeKey builds the canonical dedupe key for a (stage, provider, report)
// triple. Provider is "all" for the single fan-out ingest job and for every
// non-ingest stage.
func DedupeKey(stage Stage, provider, reportID string) string {
	if provider == "" {
		provider = "all"
	}
	return string(stage) + ":" + provider + ":" + reportID
}
