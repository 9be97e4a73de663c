package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/pipeline"
	"github.com/magpielab/magpie/internal/timeparsing"
	"github.com/magpielab/magpie/internal/types"
	"github.com/magpielab/magpie/internal/ui"
	"github.com/magpielab/magpie/internal/worker"
)

var (
	searchProviders []string
	searchMaxCand   int
	searchMaxRows   int
	searchFrom      string
	searchTo        string
	searchDomain    string
	searchTimeout   time.Duration
	searchDetach    bool
)

var searchCmd = &cobra.Command{
	Use:   "search [question]",
	Short: "Run a research question through the pipeline",
	Long: `Submit a question, drain its stage jobs in-process, and render the
compiled report. With --detach the search is only enqueued; a running
worker picks it up and 'magpie report show' fetches the result later.

Run without arguments in a terminal for an interactive form.

Timeframe bounds accept a year ("2019"), a date ("2019-05-01"), or
natural language ("3 years ago").`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		req := types.SearchRequest{
			Domain:          searchDomain,
			MaxCandidates:   searchMaxCand,
			MaxEvidenceRows: searchMaxRows,
			ProviderProfile: searchProviders,
		}
		if len(args) == 1 {
			req.Query = args[0]
		} else {
			if !ui.IsInteractive() {
				return errors.New("question required (pass it as an argument, or run in a terminal for the form)")
			}
			if err := promptSearch(&req); err != nil {
				return err
			}
		}

		now := time.Now()
		if searchFrom != "" {
			y, err := timeparsing.YearBound(searchFrom, now)
			if err != nil {
				return fmt.Errorf("--from: %w", err)
			}
			req.Filters.FromYear = y
		}
		if searchTo != "" {
			y, err := timeparsing.YearBound(searchTo, now)
			if err != nil {
				return fmt.Errorf("--to: %w", err)
			}
			req.Filters.ToYear = y
		}

		pipeline.SanitizeRequest(&req)
		if err := pipeline.ValidateRequest(&req); err != nil {
			return err
		}

		ctx := cmd.Context()
		if !searchDetach && searchTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, searchTimeout)
			defer cancel()
		}

		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		report := &types.Report{
			ID:                uuid.NewString(),
			Question:          req.Query,
			Status:            types.ReportQueued,
			PipelineVersionID: svc.pipe.Version().ID,
			Request:           req,
		}
		if err := svc.store.CreateReport(ctx, report); err != nil {
			return err
		}
		if _, err := svc.queue.EnqueueStage(ctx, report.ID, types.StageIngestProvider, "", types.JobPayload{
			Request: &req,
			Trigger: types.TriggerInitial,
		}); err != nil {
			return err
		}
		logger.Info("search submitted", zap.String("search_id", report.ID))

		if searchDetach {
			if jsonOutput {
				outputJSON(map[string]string{"search_id": report.ID, "status": "running"})
			} else {
				fmt.Printf("%s %s\n", ui.RenderAccent("queued"), report.ID)
			}
			return nil
		}

		final, err := drainToCompletion(ctx, svc, report.ID)
		if err != nil {
			return err
		}
		if jsonOutput {
			outputJSON(types.ResponseFromReport(final))
			return nil
		}
		renderReport(final)
		if final.Status == types.ReportFailed {
			return fmt.Errorf("search failed: %s", final.LastError)
		}
		return nil
	},
}

// drainToCompletion runs stage jobs in-process until the report goes
// terminal. Idle passes happen while a retry backoff counts down.
func drainToCompletion(ctx context.Context, svc *services, reportID string) (*types.Report, error) {
	w, err := worker.New(svc.store, svc.queue, svc.pipe, logger, worker.Options{
		BatchSize: cfg.Worker.BatchSize,
	})
	if err != nil {
		return nil, err
	}
	for {
		res, err := w.DrainOnce(ctx, cfg.Worker.BatchSize)
		if err != nil {
			return nil, err
		}
		r, err := svc.store.GetReport(ctx, reportID)
		if err != nil {
			return nil, err
		}
		if r.Status.Terminal() {
			return r, nil
		}
		if res.Claimed == 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(250 * time.Millisecond):
			}
		}
	}
}

// promptSearch gathers the request interactively.
func promptSearch(req *types.SearchRequest) error {
	providerOptions := []huh.Option[string]{
		huh.NewOption("OpenAlex", types.ProviderOpenAlex).Selected(true),
		huh.NewOption("Semantic Scholar", types.ProviderSemanticScholar).Selected(true),
		huh.NewOption("arXiv", types.ProviderArxiv).Selected(true),
		huh.NewOption("PubMed", types.ProviderPubMed).Selected(true),
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Research question").
				Placeholder("e.g., does mindfulness reduce chronic low back pain").
				Value(&req.Query).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("a question is required")
					}
					if len(s) > 2000 {
						return fmt.Errorf("keep it under 2000 characters")
					}
					return nil
				}),

			huh.NewMultiSelect[string]().
				Title("Providers").
				Description("Sources to query").
				Options(providerOptions...).
				Value(&req.ProviderProfile),

			huh.NewInput().
				Title("Domain hint (optional)").
				Description("e.g., medicine, economics").
				Value(&req.Domain),
		),
	)
	return form.Run()
}

func init() {
	searchCmd.Flags().StringSliceVar(&searchProviders, "providers", nil, "provider profile (default: all four)")
	searchCmd.Flags().IntVar(&searchMaxCand, "max-candidates", 0, "extraction candidate cap, 5-60 (default 45)")
	searchCmd.Flags().IntVar(&searchMaxRows, "max-rows", 0, "evidence table row cap (default 20)")
	searchCmd.Flags().StringVar(&searchFrom, "from", "", "earliest publication bound (year, date, or natural language)")
	searchCmd.Flags().StringVar(&searchTo, "to", "", "latest publication bound")
	searchCmd.Flags().StringVar(&searchDomain, "domain", "", "domain hint for query expansion")
	searchCmd.Flags().DurationVar(&searchTimeout, "timeout", 5*time.Minute, "inline run budget")
	searchCmd.Flags().BoolVar(&searchDetach, "detach", false, "enqueue only; let a worker run it")
	rootCmd.AddCommand(searchCmd)
}
