package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

const runCols = `id, report_id, run_index, parent_run_id, run_trigger, status, engine, config_snapshot, input_hash, output_hash, stats, is_active, created_at, completed_at`

// CreateRun inserts a new extraction run. A duplicate (report_id,
// run_index) means two writers allocated the same index; the caller
// re-reads NextRunIndex and retries.
func (s *Store) CreateRun(ctx context.Context, run *types.ExtractionRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.Status == "" {
		run.Status = types.RunRunning
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	stats, err := marshalRunStats(run.Stats)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO extraction_runs (`+runCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.ReportID, run.RunIndex, run.ParentRunID, run.Trigger,
		run.Status, run.Engine, encodePayload(run.ConfigSnapshot),
		run.InputHash, run.OutputHash, stats, boolInt(run.IsActive),
		ms(run.CreatedAt), nullMS(run.CompletedAt))
	if err != nil {
		if s.d.isDuplicate(err) {
			return fmt.Errorf("run index %d for report %s: %w", run.RunIndex, run.ReportID, storage.ErrConflict)
		}
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

func marshalRunStats(stats *types.ReportStats) ([]byte, error) {
	if stats == nil {
		return nil, nil
	}
	raw, err := json.Marshal(stats)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal run stats: %w", err)
	}
	return raw, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanRun(row interface{ Scan(...any) error }) (*types.ExtractionRun, error) {
	var (
		r           types.ExtractionRun
		snapshot    []byte
		stats       []byte
		isActive    int
		createdAt   int64
		completedAt sql.NullInt64
	)
	err := row.Scan(&r.ID, &r.ReportID, &r.RunIndex, &r.ParentRunID, &r.Trigger,
		&r.Status, &r.Engine, &snapshot, &r.InputHash, &r.OutputHash, &stats,
		&isActive, &createdAt, &completedAt)
	if err != nil {
		return nil, err
	}
	r.ConfigSnapshot, err = decodePayload(snapshot)
	if err != nil {
		return nil, err
	}
	if len(stats) > 0 {
		r.Stats = &types.ReportStats{}
		if err := json.Unmarshal(stats, r.Stats); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run stats: %w", err)
		}
	}
	r.IsActive = isActive == 1
	r.CreatedAt = fromMS(createdAt)
	r.CompletedAt = msPtr(completedAt)
	return &r, nil
}

// GetRun fetches one extraction run by id.
func (s *Store) GetRun(ctx context.Context, id string) (*types.ExtractionRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runCols+` FROM extraction_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return r, nil
}

// ListRuns returns every extraction run for a report, oldest first.
func (s *Store) ListRuns(ctx context.Context, reportID string) ([]*types.ExtractionRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runCols+` FROM extraction_runs WHERE report_id = ? ORDER BY run_index`, reportID)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var out []*types.ExtractionRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// NextRunIndex returns the next free run index for a report, starting
// at 1.
func (s *Store) NextRunIndex(ctx context.Context, reportID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(run_index) FROM extraction_runs WHERE report_id = ?`, reportID).Scan(&max)
	if err != nil {
		return 0, fmt.Errorf("failed to read max run index: %w", err)
	}
	return int(max.Int64) + 1, nil
}

// FailRun marks a running run as failed.
func (s *Store) FailRun(ctx context.Context, runID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE extraction_runs SET status = ?, completed_at = ? WHERE id = ? AND status = ?`,
		types.RunFailed, ms(time.Now().UTC()), runID, types.RunRunning)
	if err != nil {
		return fmt.Errorf("failed to fail run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read update result: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("run %s: %w", runID, storage.ErrConflict)
	}
	return nil
}

// PersistCompiledReport atomically stores the compiled report document,
// completes the producing run, and makes it the report's active run.
func (s *Store) PersistCompiledReport(ctx context.Context, r *types.Report, run *types.ExtractionRun) error {
	now := time.Now().UTC()
	if run.CompletedAt == nil {
		run.CompletedAt = &now
	}
	run.Status = types.RunCompleted
	run.IsActive = true
	stats, err := marshalRunStats(run.Stats)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateReport(ctx, tx, r); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE extraction_runs SET is_active = 0 WHERE report_id = ? AND id <> ?`,
			r.ID, run.ID); err != nil {
			return fmt.Errorf("failed to deactivate runs: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE extraction_runs SET status = ?, is_active = 1, output_hash = ?, stats = ?, completed_at = ? WHERE id = ?`,
			types.RunCompleted, run.OutputHash, stats, nullMS(run.CompletedAt), run.ID)
		if err != nil {
			return fmt.Errorf("failed to complete run: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read update result: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("run %s: %w", run.ID, storage.ErrNotFound)
		}
		return nil
	})
}
