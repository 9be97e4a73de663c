package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/lockfile"
	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/worker"
)

var workerID string

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run a pipeline worker",
	Long: `Claim and execute stage jobs until interrupted. The worker also runs
the maintenance schedule: queue depth sampling, retention sweeps, and
stall detection. On sqlite only one worker may run per database; the
lock next to the database file enforces that.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if dir := workerLockDir(); dir != "" {
			lock, err := lockfile.Acquire(dir, cfg.DatabaseURL, Version)
			if err != nil {
				if errors.Is(err, lockfile.ErrLockBusy) {
					if holder, ok := lockfile.Running(dir); ok {
						logger.Error("another worker holds the lock",
							zap.Int("pid", holder.PID),
							zap.Time("started_at", holder.StartedAt))
					}
				}
				return err
			}
			defer func() { _ = lock.Release() }()
		}

		stopWatch := svc.watchBundle(ctx)
		defer stopWatch()

		w, err := worker.New(svc.store, svc.queue, svc.pipe, logger, worker.Options{
			ID:           workerID,
			BatchSize:    cfg.Worker.BatchSize,
			PollInterval: cfg.Worker.PollInterval,
		})
		if err != nil {
			return err
		}

		maint, err := worker.NewMaintenance(svc.store, svc.queue, logger, worker.MaintenanceOptions{})
		if err != nil {
			return err
		}
		maint.Start()
		defer maint.Stop()

		logger.Info("worker running", zap.String("worker_id", w.ID()))
		if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

// workerLockDir returns where the single-worker lock lives for the
// configured database, or "" when locking does not apply. Only sqlite
// needs it: server deployments on MySQL coordinate through leases.
func workerLockDir() string {
	backend, dsn, err := storage.ParseConnString(cfg.DatabaseURL)
	if err != nil || backend != storage.BackendSQLite {
		return ""
	}
	path := dsn
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if path == "" || strings.Contains(path, ":memory:") {
		return ""
	}
	return filepath.Dir(path)
}

func init() {
	workerCmd.Flags().StringVar(&workerID, "id", "", "worker id for lease ownership (default: hostname-pid)")
	rootCmd.AddCommand(workerCmd)
}
