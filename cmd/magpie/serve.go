package main

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/api"
	"github.com/magpielab/magpie/internal/lockfile"
	"github.com/magpielab/magpie/internal/worker"
)

var (
	serveAddr       string
	serveWithWorker bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	Long: `Start the magpie API: POST /search accepts questions, GET /search/{id}
polls them, and GET /metrics serves Prometheus scrapes. With
--with-worker a drain loop and the maintenance schedule run in the
same process, which is the single-binary deployment for sqlite.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		stopWatch := svc.watchBundle(ctx)
		defer stopWatch()

		// The drainer is wired even without the loop so operators can
		// push jobs through POST /jobs/drain with the worker token.
		w, err := worker.New(svc.store, svc.queue, svc.pipe, logger, worker.Options{
			BatchSize:    cfg.Worker.BatchSize,
			PollInterval: cfg.Worker.PollInterval,
		})
		if err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		var wg sync.WaitGroup

		if serveWithWorker {
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

			maint, err := worker.NewMaintenance(svc.store, svc.queue, logger, worker.MaintenanceOptions{})
			if err != nil {
				return err
			}
			maint.Start()
			defer maint.Stop()

			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = w.Run(runCtx)
			}()
			logger.Info("embedded worker started", zap.String("worker_id", w.ID()))
		}

		apiServer, err := api.New(api.Deps{
			Store:       svc.store,
			Queue:       svc.queue,
			Cache:       svc.cache,
			Pipeline:    svc.pipe,
			Drainer:     w,
			WorkerToken: cfg.WorkerToken,
			Log:         logger,
		})
		if err != nil {
			return err
		}

		addr := serveAddr
		if addr == "" {
			addr = cfg.ListenAddr
		}
		httpServer := &http.Server{
			Addr:              addr,
			Handler:           apiServer.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Info("http server listening", zap.String("addr", addr))
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		logger.Info("shutting down")
		cancel()
		shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutCancel()
		if err := httpServer.Shutdown(shutCtx); err != nil {
			logger.Warn("http shutdown incomplete", zap.Error(err))
		}
		wg.Wait()
		return nil
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config, :8787)")
	serveCmd.Flags().BoolVar(&serveWithWorker, "with-worker", false, "run a drain loop and maintenance in-process")
	rootCmd.AddCommand(serveCmd)
}
