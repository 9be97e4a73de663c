package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/magpielab/magpie/internal/types"
	"github.com/magpielab/magpie/internal/ui"
)

// renderReport writes the human-readable view of a report to stdout:
// header, coverage, funnel, evidence table, brief, timing.
func renderReport(r *types.Report) {
	fmt.Println(ui.RenderHeader(ui.Ellipsize(r.Question, 96)))
	fmt.Printf("%s  %s\n", ui.RenderStatus(r.Status), ui.RenderMuted(r.ID))

	if r.Coverage != nil && r.Coverage.Degraded {
		fmt.Println(ui.RenderWarn("degraded coverage: no answer from " + strings.Join(r.Coverage.ProvidersFailed, ", ")))
	}
	if r.Stats != nil {
		fmt.Println(ui.RenderMuted(funnelLine(r.Stats)))
	}
	if r.LastError != "" {
		fmt.Println(ui.RenderBad(r.LastError))
	}
	fmt.Println()

	if len(r.EvidenceTable) > 0 {
		fmt.Println(renderEvidenceTable(r))
		fmt.Println()
	}

	if r.Brief != nil && len(r.Brief.Sentences) > 0 {
		fmt.Print(ui.RenderMarkdown(briefMarkdown(r)))
		fmt.Println()
	}

	fmt.Println(ui.RenderMuted(timingLine(r)))
}

func funnelLine(s *types.ReportStats) string {
	return fmt.Sprintf("%d retrieved, %d unique, %d quality-kept, %d strict + %d partial extractions",
		s.RetrievedTotal, s.CandidatesTotal, s.QualityKeptTotal, s.StrictCompleteTotal, s.PartialTotal)
}

// renderEvidenceTable joins the ranked rows with per-study extraction
// detail (design, sample size) where a matching result exists.
func renderEvidenceTable(r *types.Report) string {
	studies := make(map[string]types.StudyResult, len(r.Results)+len(r.PartialResults))
	for _, s := range r.Results {
		studies[s.StudyID] = s
	}
	for _, s := range r.PartialResults {
		if _, ok := studies[s.StudyID]; !ok {
			studies[s.StudyID] = s
		}
	}

	tbl := table.NewWriter()
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.AppendHeader(table.Row{"#", "Title", "Year", "Design", "N", "Quality", "Sources"})
	for _, row := range r.EvidenceTable {
		design, n := "", ""
		if s, ok := studies[row.PaperID]; ok {
			design = string(s.StudyDesign)
			if s.SampleSize != nil {
				n = strconv.Itoa(*s.SampleSize)
			}
		}
		year := ""
		if row.Year > 0 {
			year = strconv.Itoa(row.Year)
		}
		tbl.AppendRow(table.Row{
			row.Rank,
			ui.Ellipsize(row.Title, 58),
			year,
			design,
			n,
			fmt.Sprintf("%.2f", row.Quality),
			strings.Join(row.Provenance, ","),
		})
	}
	return tbl.Render()
}

// briefMarkdown renders the claim sentences as markdown with numbered
// citations. Reference numbers follow first appearance, not table rank.
func briefMarkdown(r *types.Report) string {
	titleByPaper := make(map[string]string, len(r.EvidenceTable))
	for _, row := range r.EvidenceTable {
		titleByPaper[row.PaperID] = row.Title
	}

	refNum := make(map[string]int)
	var refs []string

	var b strings.Builder
	b.WriteString("## Brief\n\n")
	for _, sent := range r.Brief.Sentences {
		b.WriteString(sent.Text)
		cited := make(map[int]bool)
		for _, c := range sent.Citations {
			num, ok := refNum[c.PaperID]
			if !ok {
				num = len(refs) + 1
				refNum[c.PaperID] = num
				title := titleByPaper[c.PaperID]
				if title == "" {
					title = c.PaperID
				}
				refs = append(refs, fmt.Sprintf("%d. %s", num, title))
			}
			if !cited[num] {
				fmt.Fprintf(&b, " [%d]", num)
				cited[num] = true
			}
		}
		b.WriteString("\n\n")
	}
	if len(refs) > 0 {
		b.WriteString("### Sources\n\n")
		for _, ref := range refs {
			b.WriteString(ref + "\n")
		}
	}
	return b.String()
}

func timingLine(r *types.Report) string {
	line := "started " + humanize.Time(r.CreatedAt)
	if r.CompletedAt != nil {
		line += ", finished " + humanize.Time(*r.CompletedAt)
	}
	if r.Stats != nil && r.Stats.LatencyMS > 0 {
		line += fmt.Sprintf(" (%.1fs pipeline)", float64(r.Stats.LatencyMS)/1000)
	}
	return line
}
