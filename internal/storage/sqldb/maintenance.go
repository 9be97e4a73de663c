package sqldb

import (
	"context"
	"fmt"
	"time"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
)

func (s *Store) purge(ctx context.Context, what, query string, args ...any) (int64, error) {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to purge %s: %w", what, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read purge result: %w", err)
	}
	return n, nil
}

// PurgeTerminalJobs deletes completed and dead jobs whose last update is
// older than the cutoff.
func (s *Store) PurgeTerminalJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := ms(time.Now().UTC().Add(-olderThan))
	return s.purge(ctx, "terminal jobs",
		`DELETE FROM jobs WHERE status IN (?, ?) AND updated_at < ?`,
		types.JobCompleted, types.JobDead, cutoff)
}

// PurgeStageEvents deletes trace events older than the cutoff.
func (s *Store) PurgeStageEvents(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := ms(time.Now().UTC().Add(-olderThan))
	return s.purge(ctx, "stage events", `DELETE FROM stage_events WHERE at < ?`, cutoff)
}

// PurgeStageOutputs deletes old stage outputs belonging to terminal
// reports. Outputs of live reports are never purged; replay depends on
// them.
func (s *Store) PurgeStageOutputs(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := ms(time.Now().UTC().Add(-olderThan))
	return s.purge(ctx, "stage outputs",
		`DELETE FROM stage_outputs
		  WHERE created_at < ?
		    AND report_id IN (SELECT id FROM reports WHERE status IN (?, ?))`,
		cutoff, types.ReportCompleted, types.ReportFailed)
}

// Stats counts reports and jobs by status plus queue readiness.
func (s *Store) Stats(ctx context.Context) (*storage.Stats, error) {
	st := &storage.Stats{
		Reports: make(map[types.ReportStatus]int),
		Jobs:    make(map[types.JobStatus]int),
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM reports GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count reports: %w", err)
	}
	for rows.Next() {
		var (
			status types.ReportStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan report count: %w", err)
		}
		st.Reports[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	for rows.Next() {
		var (
			status types.JobStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		st.Jobs[status] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	now := ms(time.Now().UTC())
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ? AND next_run_at <= ?`,
		types.JobQueued, now).Scan(&st.QueueReady)
	if err != nil {
		return nil, fmt.Errorf("failed to count ready jobs: %w", err)
	}
	err = s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE status = ? AND lease_expires_at IS NOT NULL AND lease_expires_at <= ?`,
		types.JobLeased, now).Scan(&st.LeaseExpired)
	if err != nil {
		return nil, fmt.Errorf("failed to count expired leases: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM stage_outputs`).Scan(&st.StageOutputs)
	if err != nil {
		return nil, fmt.Errorf("failed to count stage outputs: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM extraction_runs`).Scan(&st.Runs)
	if err != nil {
		return nil, fmt.Errorf("failed to count runs: %w", err)
	}
	return st, nil
}

// QueueDepths reports live backlog per stage, in stage order.
func (s *Store) QueueDepths(ctx context.Context) ([]storage.QueueDepth, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT stage,
		        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		        SUM(CASE WHEN status = ? THEN 1 ELSE 0 END),
		        MIN(CASE WHEN status = ? THEN created_at ELSE NULL END)
		   FROM jobs
		  WHERE status IN (?, ?)
		  GROUP BY stage`,
		types.JobQueued, types.JobLeased, types.JobQueued,
		types.JobQueued, types.JobLeased)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue depths: %w", err)
	}
	defer rows.Close()

	now := time.Now().UTC()
	byStage := make(map[types.Stage]storage.QueueDepth)
	for rows.Next() {
		var (
			d      storage.QueueDepth
			oldest *int64
		)
		if err := rows.Scan(&d.Stage, &d.Queued, &d.Leased, &oldest); err != nil {
			return nil, fmt.Errorf("failed to scan queue depth: %w", err)
		}
		if oldest != nil {
			d.OldestAge = now.Sub(fromMS(*oldest))
		}
		byStage[d.Stage] = d
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []storage.QueueDepth
	for _, stage := range types.StageOrder {
		if d, ok := byStage[stage]; ok {
			out = append(out, d)
		}
	}
	return out, nil
}
