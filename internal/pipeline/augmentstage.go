package pipeline

import (
	"context"

	"github.com/magpielab/magpie/internal/augment"
)

// augmentStage fills nullable gaps with the model and recomputes the
// completeness tiers. With the model disabled (scripted engine, no
// credentials) the pass still recomputes tiers and synthesizes fallback
// studies, so the stage always runs.
func (p *Pipeline) augment(ctx context.Context, in *ExtractOutput) (*AugmentOutput, error) {
	var model augment.Model
	if p.modelEnabled() {
		model = p.model
	}
	aug := augment.New(model, p.cfg.Model.Name, p.cache, p.log)

	res := aug.Augment(ctx, in.Studies, in.Kept)

	return &AugmentOutput{
		Run:             in.Run,
		Kept:            in.Kept,
		Brief:           in.Brief,
		EvidenceTable:   in.EvidenceTable,
		Studies:         res.Studies,
		Strict:          res.Strict,
		Partial:         res.Partial,
		DroppedCount:    res.DroppedCount,
		Attempted:       res.Attempted,
		Applied:         res.Applied,
		GapStudies:      res.GapStudies,
		FallbackStudies: res.FallbackStudies,
		UsedPDF:         in.UsedPDF,
		PDFStudies:      in.PDFStudies,
		ExtractReasons:  in.FallbackReasons,
		AugmentReasons:  res.FailureReasons,
		CostUSD:         res.CostUSD,
		InputTokens:     res.Usage.InputTokens,
		OutputTokens:    res.Usage.OutputTokens,
	}, nil
}
