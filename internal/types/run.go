package types

import "time"

// RunTrigger records why an extraction run was created.
type RunTrigger string

// Run triggers.
const (
	TriggerInitial      RunTrigger = "initial"
	TriggerCacheReplay  RunTrigger = "cache_replay"
	TriggerAddStudy     RunTrigger = "add_study"
	TriggerPDFReextract RunTrigger = "pdf_reextract"
	TriggerRegenerate   RunTrigger = "regenerate"
)

// RunStatus is the lifecycle state of an extraction run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ExtractionRun is one immutable snapshot of a completed (or attempted)
// pipeline pass over a report. RunIndex is monotonic per report; the active
// run is the one the report's denormalized fields reflect.
type ExtractionRun struct {
	ID             string       `json:"id"`
	ReportID       string       `json:"report_id"`
	RunIndex       int          `json:"run_index"`
	ParentRunID    string       `json:"parent_run_id,omitempty"`
	Trigger        RunTrigger   `json:"trigger"`
	Status         RunStatus    `json:"status"`
	Engine         string       `json:"engine"`
	ConfigSnapshot []byte       `json:"config_snapshot,omitempty"` // canonical JSON
	InputHash      string       `json:"input_hash,omitempty"`
	OutputHash     string       `json:"output_hash,omitempty"`
	Stats          *ReportStats `json:"stats,omitempty"`
	IsActive       bool         `json:"is_active"`
	CreatedAt      time.Time    `json:"created_at"`
	CompletedAt    *time.Time   `json:"completed_at,omitempty"`
}

// RunSummary is the list-item projection of an extraction run.
type RunSummary struct {
	ID          string     `json:"run_id"`
	RunIndex    int        `json:"run_index"`
	ParentRunID string     `json:"parent_run_id,omitempty"`
	Trigger     RunTrigger `json:"trigger"`
	Status      RunStatus  `json:"status"`
	Engine      string     `json:"engine"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Summary projects a run into its list shape.
func (r *ExtractionRun) Summary() RunSummary {
	return RunSummary{
		ID:          r.ID,
		RunIndex:    r.RunIndex,
		ParentRunID: r.ParentRunID,
		Trigger:     r.Trigger,
		Status:      r.Status,
		Engine:      r.Engine,
		IsActive:    r.IsActive,
		CreatedAt:   r.CreatedAt,
		CompletedAt: r.CompletedAt,
	}
}

// RunColumn describes one column of the run-detail table view.
type RunColumn struct {
	Key   string `json:"key"`
	Label string `json:"label"`
	Kind  string `json:"kind"` // text, number, list
}

// RunRow is one study rendered as table cells keyed by column.
type RunRow struct {
	StudyID string            `json:"study_id"`
	Cells   map[string]string `json:"cells"`
}

// RunDetail is the payload of GET /search/{id}/runs/{run_id}.
type RunDetail struct {
	Run     ExtractionRun `json:"run"`
	Columns []RunColumn   `json:"columns"`
	Rows    []RunRow      `json:"rows"`
}
