package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/magpielab/magpie/internal/ui"
)

var paperCmd = &cobra.Command{
	Use:   "paper <paper-id>",
	Short: "Look up a canonical paper in the cache",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		svc, err := openServices(ctx)
		if err != nil {
			return err
		}
		defer svc.Close()

		if svc.cache == nil {
			return errors.New("paper lookup needs the canonical cache; set redis_url (MAGPIE_REDIS_URL)")
		}
		paper, found, err := svc.cache.GetCanonicalByPaperID(ctx, args[0])
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("paper %s not in cache (entries expire after the canonical TTL)", args[0])
		}
		if jsonOutput {
			outputJSON(paper)
			return nil
		}

		fmt.Println(ui.RenderHeader(paper.Title))
		if len(paper.Authors) > 0 {
			fmt.Println(ui.RenderMuted(strings.Join(paper.Authors, ", ")))
		}
		year := ""
		if paper.Year > 0 {
			year = strconv.Itoa(paper.Year)
		}
		if line := ui.JoinNonEmpty(", ", paper.Venue, year); line != "" {
			fmt.Println(line)
		}
		fmt.Println()

		if paper.DOI != "" {
			fmt.Printf("doi:      %s\n", paper.DOI)
		}
		if paper.PubmedID != "" {
			fmt.Printf("pubmed:   %s\n", paper.PubmedID)
		}
		if paper.OpenAlexID != "" {
			fmt.Printf("openalex: %s\n", paper.OpenAlexID)
		}
		if paper.ArxivID != "" {
			fmt.Printf("arxiv:    %s\n", paper.ArxivID)
		}
		fmt.Printf("cited by: %d\n", paper.CitationCount)

		var flags []string
		if paper.IsPreprint {
			flags = append(flags, "preprint")
		}
		if paper.IsRetracted {
			flags = append(flags, ui.RenderBad("RETRACTED"))
		}
		if len(flags) > 0 {
			fmt.Println(strings.Join(flags, ", "))
		}

		if q := paper.Quality; q != nil {
			fmt.Println()
			fmt.Printf("quality %.3f  (authority %.2f, design %.2f, methods %.2f, impact %.2f, recency %.2f)\n",
				q.QTotal, q.SourceAuthority, q.StudyDesignStrength, q.MethodsTransparency, q.CitationImpact, q.RecencyFit)
			if q.HardRejected {
				fmt.Println(ui.RenderBad("hard-rejected: " + q.HardRejectReason))
			}
		}

		if len(paper.Provenance) > 0 {
			names := make([]string, 0, len(paper.Provenance))
			for _, p := range paper.Provenance {
				names = append(names, p.Provider)
			}
			fmt.Println()
			fmt.Println(ui.RenderMuted("seen by " + strings.Join(names, ", ")))
		}

		if paper.Abstract != "" {
			fmt.Println()
			fmt.Println(ui.Ellipsize(paper.Abstract, 400))
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(paperCmd)
}
