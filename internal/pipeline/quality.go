package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/canon"
)

// quality scores every canonical paper, drops the hard-rejected, ranks
// the keepers, and derives the brief and evidence table from them. The
// brief is built here, not at compile, so the later extraction stages
// cannot perturb it.
func (p *Pipeline) quality(_ context.Context, in *DedupeOutput) (*QualityOutput, error) {
	req := in.Run.Request
	opts := canon.ScoreOptions{
		Now:              in.Run.Year,
		Filters:          req.Filters,
		ExcludePreprints: req.Filters.ExcludePreprints,
	}
	kept, rejected := canon.FilterAndRank(in.Papers, opts)

	brief, labels := canon.BuildBrief(kept)
	rows := canon.BuildEvidenceTable(kept, labels, req.MaxEvidenceRows)

	out := &QualityOutput{
		Run:           in.Run,
		Kept:          kept,
		Brief:         brief,
		EvidenceTable: rows,
	}
	out.Run.Funnel.QualityKeptTotal = len(kept)
	out.Run.Funnel.CandidatesFiltered = len(rejected)
	out.Run.Funnel.ExtractionInputTotal = min(len(kept), req.MaxCandidates)

	p.log.Info("quality filter applied",
		zap.String("report_id", in.Run.ReportID),
		zap.Int("canonical", len(in.Papers)),
		zap.Int("kept", len(kept)),
		zap.Int("rejected", len(rejected)),
		zap.Int("evidence_rows", len(rows)),
		zap.Int("claims", len(brief.Sentences)))
	return out, nil
}
