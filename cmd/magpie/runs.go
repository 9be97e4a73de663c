package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/magpielab/magpie/internal/types"
	"github.com/magpielab/magpie/internal/ui"
)

var runsCmd = &cobra.Command{
	Use:   "runs <report-id>",
	Short: "List extraction runs of a report",
	Long: `Every pipeline pass over a report leaves an immutable extraction run.
The active run is the one the report's results reflect; older runs stay
queryable for comparison.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		runs, err := svc.store.ListRuns(ctx, args[0])
		if err != nil {
			return err
		}
		summaries := make([]types.RunSummary, 0, len(runs))
		for _, r := range runs {
			summaries = append(summaries, r.Summary())
		}
		if jsonOutput {
			outputJSON(summaries)
			return nil
		}
		if len(summaries) == 0 {
			fmt.Println("no runs")
			return nil
		}

		tbl := table.NewWriter()
		tbl.SetStyle(table.StyleLight)
		tbl.Style().Options.SeparateRows = false
		tbl.AppendHeader(table.Row{"Run", "#", "Trigger", "Engine", "Status", "Active", "Created"})
		for _, s := range summaries {
			active := ""
			if s.IsActive {
				active = ui.RenderGood("●")
			}
			tbl.AppendRow(table.Row{
				s.ID,
				s.RunIndex,
				string(s.Trigger),
				s.Engine,
				string(s.Status),
				active,
				humanize.Time(s.CreatedAt),
			})
		}
		fmt.Println(tbl.Render())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
}
