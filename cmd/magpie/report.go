package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/magpielab/magpie/internal/storage"
	"github.com/magpielab/magpie/internal/types"
	"github.com/magpielab/magpie/internal/ui"
)

var (
	reportListStatus string
	reportListOwner  string
	reportListLimit  int
)

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Inspect stored reports",
}

var reportListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		reports, err := svc.store.ListReports(ctx, storage.ReportFilter{
			Status: types.ReportStatus(reportListStatus),
			Owner:  reportListOwner,
			Limit:  reportListLimit,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(reports)
			return nil
		}
		if len(reports) == 0 {
			fmt.Println("no reports")
			return nil
		}

		tbl := table.NewWriter()
		tbl.SetStyle(table.StyleLight)
		tbl.Style().Options.SeparateRows = false
		tbl.AppendHeader(table.Row{"ID", "Status", "Question", "Rows", "Created"})
		for _, r := range reports {
			tbl.AppendRow(table.Row{
				r.ID,
				ui.RenderStatus(r.Status),
				ui.Ellipsize(r.Question, 48),
				len(r.EvidenceTable),
				humanize.Time(r.CreatedAt),
			})
		}
		fmt.Println(tbl.Render())
		return nil
	},
}

var reportShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one report in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		r, err := svc.store.GetReport(ctx, args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(types.ResponseFromReport(r))
			return nil
		}
		renderReport(r)
		return nil
	},
}

func init() {
	reportListCmd.Flags().StringVar(&reportListStatus, "status", "", "filter by status (queued|processing|completed|failed)")
	reportListCmd.Flags().StringVar(&reportListOwner, "owner", "", "filter by owner")
	reportListCmd.Flags().IntVar(&reportListLimit, "limit", 20, "maximum rows")
	reportCmd.AddCommand(reportListCmd)
	reportCmd.AddCommand(reportShowCmd)
	rootCmd.AddCommand(reportCmd)
}
