package main

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/guptarohit/asciigraph"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/magpielab/magpie/internal/lockfile"
	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
	"github.com/magpielab/magpie/internal/ui"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Store and queue statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		stats, err := svc.store.Stats(ctx)
		if err != nil {
			return err
		}
		depths, err := svc.store.QueueDepths(ctx)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(map[string]any{"stats": stats, "queue_depths": depths})
			return nil
		}

		fmt.Println(ui.RenderHeader("Reports"))
		fmt.Println(statusCounts(stats.Reports))
		fmt.Println()

		fmt.Println(ui.RenderHeader("Jobs"))
		tbl := table.NewWriter()
		tbl.SetStyle(table.StyleLight)
		tbl.Style().Options.SeparateRows = false
		tbl.AppendHeader(table.Row{"Status", "Count"})
		for _, js := range []types.JobStatus{types.JobQueued, types.JobLeased, types.JobCompleted, types.JobDead} {
			tbl.AppendRow(table.Row{string(js), stats.Jobs[js]})
		}
		fmt.Println(tbl.Render())
		fmt.Printf("ready now: %d  expired leases: %d  stage outputs: %d  runs: %d\n",
			stats.QueueReady, stats.LeaseExpired, stats.StageOutputs, stats.Runs)
		fmt.Println()

		if line := depthGraph(depths); line != "" {
			fmt.Println(ui.RenderHeader("Queue depth by stage"))
			fmt.Println(line)
			fmt.Println()
		}

		if dir := workerLockDir(); dir != "" {
			if info, running := lockfile.Running(dir); running {
				fmt.Println(ui.RenderMuted(fmt.Sprintf("worker pid %d holds the lock (since %s)",
					info.PID, humanize.Time(info.StartedAt))))
			}
		}
		return nil
	},
}

func statusCounts(counts map[types.ReportStatus]int) string {
	parts := make([]string, 0, 4)
	for _, st := range []types.ReportStatus{types.ReportQueued, types.ReportProcessing, types.ReportCompleted, types.ReportFailed} {
		parts = append(parts, fmt.Sprintf("%s %d", st, counts[st]))
	}
	return strings.Join(parts, "  ")
}

// depthGraph plots live backlog across the stage order. Empty when the
// queue is idle.
func depthGraph(depths []storage.QueueDepth) string {
	byStage := make(map[types.Stage]storage.QueueDepth, len(depths))
	total := 0
	for _, d := range depths {
		byStage[d.Stage] = d
		total += d.Queued + d.Leased
	}
	if total == 0 {
		return ""
	}

	data := make([]float64, len(types.StageOrder))
	labels := make([]string, len(types.StageOrder))
	for i, st := range types.StageOrder {
		d := byStage[st]
		data[i] = float64(d.Queued + d.Leased)
		labels[i] = shortStage(st)
	}
	graph := asciigraph.Plot(data, asciigraph.Height(6))
	return graph + "\n" + strings.Join(labels, " → ")
}

func shortStage(s types.Stage) string {
	switch s {
	case types.StageIngestProvider:
		return "ingest"
	case types.StageNormalize:
		return "normalize"
	case types.StageDedupe:
		return "dedupe"
	case types.StageQualityFilter:
		return "quality"
	case types.StageDeterministicExtract:
		return "extract"
	case types.StageLLMAugment:
		return "augment"
	case types.StageCompileReport:
		return "compile"
	}
	return strings.ToLower(string(s))
}

func init() {
	rootCmd.AddCommand(statsCmd)
}
