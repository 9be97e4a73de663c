package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

// reportDoc is the JSON document column holding the compiled result
// fields. Keeping them in one blob means a report row write is atomic
// without a dozen nullable columns.
type reportDoc struct {
	Results         []types.StudyResult    `json:"results,omitempty"`
	PartialResults  []types.StudyResult    `json:"partial_results,omitempty"`
	EvidenceTable   []types.EvidenceRow    `json:"evidence_table,omitempty"`
	Brief           *types.Brief           `json:"brief,omitempty"`
	Coverage        *types.Coverage        `json:"coverage,omitempty"`
	Stats           *types.ReportStats     `json:"stats,omitempty"`
	ExtractionStats *types.ExtractionStats `json:"extraction_stats,omitempty"`
	SourceCounts    map[string]int         `json:"source_counts,omitempty"`
}

func encodeReportDoc(r *types.Report) ([]byte, error) {
	doc := reportDoc{
		Results:         r.Results,
		PartialResults:  r.PartialResults,
		EvidenceTable:   r.EvidenceTable,
		Brief:           r.Brief,
		Coverage:        r.Coverage,
		Stats:           r.Stats,
		ExtractionStats: r.ExtractionStats,
		SourceCounts:    r.SourceCounts,
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal report document: %w", err)
	}
	return encodePayload(raw), nil
}

func decodeReportDoc(r *types.Report, stored []byte) error {
	if len(stored) == 0 {
		return nil
	}
	raw, err := decodePayload(stored)
	if err != nil {
		return err
	}
	var doc reportDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal report document: %w", err)
	}
	r.Results = doc.Results
	r.PartialResults = doc.PartialResults
	r.EvidenceTable = doc.EvidenceTable
	r.Brief = doc.Brief
	r.Coverage = doc.Coverage
	r.Stats = doc.Stats
	r.ExtractionStats = doc.ExtractionStats
	r.SourceCounts = doc.SourceCounts
	return nil
}

const reportCols = `id, owner, question, status, pipeline_version_id, active_run_id, run_count, request, doc, normalized_query, last_error, created_at, completed_at`

// CreateReport inserts a new report row.
func (s *Store) CreateReport(ctx context.Context, r *types.Report) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = types.ReportQueued
	}
	request, err := json.Marshal(r.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	doc, err := encodeReportDoc(r)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO reports (`+reportCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Owner, r.Question, r.Status, r.PipelineVersionID, r.ActiveRunID,
		r.RunCount, request, doc, r.NormalizedQuery, r.LastError,
		ms(r.CreatedAt), nullMS(r.CompletedAt))
	if err != nil {
		if s.d.isDuplicate(err) {
			return fmt.Errorf("report %s: %w", r.ID, storage.ErrConflict)
		}
		return fmt.Errorf("failed to create report: %w", err)
	}
	return nil
}

func scanReport(row interface{ Scan(...any) error }) (*types.Report, error) {
	var (
		r           types.Report
		request     []byte
		doc         []byte
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.Owner, &r.Question, &r.Status, &r.PipelineVersionID,
		&r.ActiveRunID, &r.RunCount, &request, &doc, &r.NormalizedQuery,
		&r.LastError, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	if len(request) > 0 {
		if err := json.Unmarshal(request, &r.Request); err != nil {
			return nil, fmt.Errorf("failed to unmarshal request: %w", err)
		}
	}
	if err := decodeReportDoc(&r, doc); err != nil {
		return nil, err
	}
	r.CreatedAt = fromMS(createdAt)
	r.CompletedAt = msPtr(completedAt)
	return &r, nil
}

// GetReport fetches one report by id.
func (s *Store) GetReport(ctx context.Context, id string) (*types.Report, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+reportCols+` FROM reports WHERE id = ?`, id)
	r, err := scanReport(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("report %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	return r, nil
}

// UpdateReport rewrites every mutable column of the report row.
func (s *Store) UpdateReport(ctx context.Context, r *types.Report) error {
	return s.updateReport(ctx, s.db, r)
}

func (s *Store) updateReport(ctx context.Context, q dbtx, r *types.Report) error {
	request, err := json.Marshal(r.Request)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	doc, err := encodeReportDoc(r)
	if err != nil {
		return err
	}

	res, err := q.ExecContext(ctx,
		`UPDATE reports
		    SET owner = ?, question = ?, status = ?, pipeline_version_id = ?,
		        active_run_id = ?, run_count = ?, request = ?, doc = ?,
		        normalized_query = ?, last_error = ?, completed_at = ?
		  WHERE id = ?`,
		r.Owner, r.Question, r.Status, r.PipelineVersionID, r.ActiveRunID,
		r.RunCount, request, doc, r.NormalizedQuery, r.LastError,
		nullMS(r.CompletedAt), r.ID)
	if err != nil {
		return fmt.Errorf("failed to update report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("report %s: %w", r.ID, storage.ErrNotFound)
	}
	return nil
}

// SetReportStatus transitions a report between statuses with a guard on
// the current status. An empty from matches any non-terminal status.
func (s *Store) SetReportStatus(ctx context.Context, id string, from, to types.ReportStatus, errMsg string) error {
	var completedAt any
	if to.Terminal() {
		completedAt = ms(time.Now().UTC())
	}

	var (
		res sql.Result
		err error
	)
	if from == "" {
		res, err = s.db.ExecContext(ctx,
			`UPDATE reports SET status = ?, last_error = ?, completed_at = ? WHERE id = ? AND status IN (?, ?)`,
			to, errMsg, completedAt, id, types.ReportQueued, types.ReportProcessing)
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE reports SET status = ?, last_error = ?, completed_at = ? WHERE id = ? AND status = ?`,
			to, errMsg, completedAt, id, from)
	}
	if err != nil {
		return fmt.Errorf("failed to set report status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("report %s %s->%s: %w", id, from, to, storage.ErrConflict)
	}
	return nil
}

// ListReports returns reports matching the filter, newest first.
func (s *Store) ListReports(ctx context.Context, f storage.ReportFilter) ([]*types.Report, error) {
	query := `SELECT ` + reportCols + ` FROM reports`
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, f.Owner)
	}
	if !f.Before.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, ms(f.Before))
	}
	for i, w := range where {
		if i == 0 {
			query += " WHERE " + w
		} else {
			query += " AND " + w
		}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var out []*types.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// EnsurePipelineVersion records a pipeline version if it is not already
// known. Versions are content-addressed, so inserts never update.
func (s *Store) EnsurePipelineVersion(ctx context.Context, v *types.PipelineVersion) error {
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		s.d.insertIgnore+` INTO pipeline_versions (id, prompt_manifest_hash, extractor_bundle_hash, config_hash, seed, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		v.ID, v.PromptManifestHash, v.ExtractorBundleHash, v.ConfigHash, v.Seed, ms(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to ensure pipeline version: %w", err)
	}
	return nil
}

// GetPipelineVersion fetches one pipeline version by id.
func (s *Store) GetPipelineVersion(ctx context.Context, id string) (*types.PipelineVersion, error) {
	var (
		v         types.PipelineVersion
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, prompt_manifest_hash, extractor_bundle_hash, config_hash, seed, created_at FROM pipeline_versions WHERE id = ?`, id).
		Scan(&v.ID, &v.PromptManifestHash, &v.ExtractorBundleHash, &v.ConfigHash, &v.Seed, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pipeline version %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline version: %w", err)
	}
	v.CreatedAt = fromMS(createdAt)
	return &v, nil
}
