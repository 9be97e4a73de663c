package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/magpielab/magpie/internal/ui"
	"github.com/magpielab/magpie/internal/worker"
)

var (
	drainServer string
	drainBatch  int
)

var drainCmd = &cobra.Command{
	Use:   "drain",
	Short: "Ask a running server to drain queued jobs",
	Long: `Run one synchronous drain pass on a magpie server. Authenticates with
the deployment's worker token (worker_token / MAGPIE_WORKER_TOKEN); a
server configured without one keeps the endpoint closed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.WorkerToken == "" {
			return errors.New("no worker token configured")
		}

		body, err := json.Marshal(map[string]int{"batch_size": drainBatch})
		if err != nil {
			return err
		}
		url := strings.TrimRight(drainServer, "/") + "/jobs/drain"
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Worker-Token", cfg.WorkerToken)

		client := &http.Client{Timeout: 5 * time.Minute}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("drain: %s: %s", resp.Status, strings.TrimSpace(string(raw)))
		}

		var res worker.DrainResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return fmt.Errorf("drain: decode response: %w", err)
		}
		if jsonOutput {
			outputJSON(res)
			return nil
		}

		fmt.Printf("claimed %d: %s completed, %d retried, %d dead\n",
			res.Claimed, ui.RenderGood(fmt.Sprintf("%d", res.Completed)), res.Retried, res.Dead)
		for _, f := range res.Failures {
			fmt.Println(ui.RenderBad(fmt.Sprintf("  %s %s/%s: [%s] %s",
				f.JobID, f.ReportID, f.Stage, f.Category, f.Error)))
		}
		return nil
	},
}

func init() {
	drainCmd.Flags().StringVar(&drainServer, "server", "http://localhost:8787", "server base URL")
	drainCmd.Flags().IntVar(&drainBatch, "batch", 0, "jobs per pass (0 = server default)")
	rootCmd.AddCommand(drainCmd)
}
