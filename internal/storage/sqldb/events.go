package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/magpielab/magpie/internal/types"
)

// AppendStageEvent records one stage transition in the append-only trace.
func (s *Store) AppendStageEvent(ctx context.Context, ev *types.StageEvent) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stage_events (id, report_id, job_id, stage, kind, input_hash, output_hash, duration_ms, category, code, message, at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), ev.ReportID, ev.JobID, ev.Stage, ev.Kind,
		ev.InputHash, ev.OutputHash, ev.Duration.Milliseconds(),
		ev.Category, ev.Code, ev.Message, ms(ev.At))
	if err != nil {
		return fmt.Errorf("failed to append stage event: %w", err)
	}
	return nil
}

// ListStageEvents returns a report's trace, oldest first.
func (s *Store) ListStageEvents(ctx context.Context, reportID string, limit int) ([]*types.StageEvent, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT report_id, job_id, stage, kind, input_hash, output_hash, duration_ms, category, code, message, at
		   FROM stage_events WHERE report_id = ? ORDER BY at LIMIT ?`,
		reportID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list stage events: %w", err)
	}
	defer rows.Close()

	var out []*types.StageEvent
	for rows.Next() {
		var (
			ev         types.StageEvent
			durationMS int64
			at         int64
		)
		err := rows.Scan(&ev.ReportID, &ev.JobID, &ev.Stage, &ev.Kind,
			&ev.InputHash, &ev.OutputHash, &durationMS, &ev.Category,
			&ev.Code, &ev.Message, &at)
		if err != nil {
			return nil, fmt.Errorf("failed to scan stage event: %w", err)
		}
		ev.Duration = time.Duration(durationMS) * time.Millisecond
		ev.At = fromMS(at)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
