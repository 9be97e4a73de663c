package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

const outputCols = `id, report_id, stage, input_hash, output_hash, payload, pipeline_version_id, producer_job_id, created_at`

// PutStageOutput stores a stage output keyed by (report_id, stage,
// input_hash). When a row for that address already exists the insert is
// ignored and the stored row wins; the caller learns it was beaten via
// created=false and must treat the stored payload as the truth.
func (s *Store) PutStageOutput(ctx context.Context, out *types.StageOutput) (*types.StageOutput, bool, error) {
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		s.d.insertIgnore+` INTO stage_outputs (`+outputCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		out.ID, out.ReportID, out.Stage, out.InputHash, out.OutputHash,
		encodePayload(out.Payload), out.PipelineVersionID, out.ProducerJobID,
		ms(out.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("failed to put stage output: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read insert result: %w", err)
	}
	if n == 1 {
		return out, true, nil
	}

	stored, err := s.GetStageOutput(ctx, out.ReportID, out.Stage, out.InputHash)
	if err != nil {
		return nil, false, err
	}
	return stored, false, nil
}

func scanOutput(row interface{ Scan(...any) error }) (*types.StageOutput, error) {
	var (
		o         types.StageOutput
		payload   []byte
		createdAt int64
	)
	err := row.Scan(&o.ID, &o.ReportID, &o.Stage, &o.InputHash, &o.OutputHash,
		&payload, &o.PipelineVersionID, &o.ProducerJobID, &createdAt)
	if err != nil {
		return nil, err
	}
	o.Payload, err = decodePayload(payload)
	if err != nil {
		return nil, err
	}
	o.CreatedAt = fromMS(createdAt)
	return &o, nil
}

// GetStageOutput fetches the output at one content address.
func (s *Store) GetStageOutput(ctx context.Context, reportID string, stage types.Stage, inputHash string) (*types.StageOutput, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outputCols+` FROM stage_outputs WHERE report_id = ? AND stage = ? AND input_hash = ?`,
		reportID, stage, inputHash)
	o, err := scanOutput(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage output %s/%s/%s: %w", reportID, stage, inputHash, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage output: %w", err)
	}
	return o, nil
}

// GetStageOutputByID fetches one output by row id.
func (s *Store) GetStageOutputByID(ctx context.Context, id string) (*types.StageOutput, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outputCols+` FROM stage_outputs WHERE id = ?`, id)
	o, err := scanOutput(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage output %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stage output: %w", err)
	}
	return o, nil
}

// LatestStageOutput fetches the newest output a report has for a stage.
func (s *Store) LatestStageOutput(ctx context.Context, reportID string, stage types.Stage) (*types.StageOutput, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+outputCols+` FROM stage_outputs WHERE report_id = ? AND stage = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		reportID, stage)
	o, err := scanOutput(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("stage output %s/%s: %w", reportID, stage, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest stage output: %w", err)
	}
	return o, nil
}
