package pipeline

import (
	"context"

	"github.com/magpielab/magpie/internal/extract"
)

// deterministic runs the rule-based extractor over the ranked keepers.
// The extractor is assembled per job: its candidate bound comes from the
// request and the PDF client from service configuration.
func (p *Pipeline) deterministic(ctx context.Context, in *QualityOutput) (*ExtractOutput, error) {
	ex := extract.New(p.cache, p.log)
	ex.MaxCandidates = in.Run.Request.MaxCandidates
	ex.PDF = p.pdf

	res := ex.Extract(ctx, in.Kept)

	return &ExtractOutput{
		Run:             in.Run,
		Kept:            in.Kept,
		Brief:           in.Brief,
		EvidenceTable:   in.EvidenceTable,
		Studies:         res.Studies,
		StrictCount:     len(res.Strict),
		PartialCount:    len(res.Partial),
		DroppedCount:    res.DroppedCount,
		UsedPDF:         res.UsedPDF,
		PDFStudies:      res.PDFStudies,
		FallbackReasons: res.FallbackReasons,
	}, nil
}
