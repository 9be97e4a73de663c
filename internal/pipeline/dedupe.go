package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/magpielab/magpie/internal/canon"
)

// dedupe merges the per-provider candidates into canonical papers. The
// canonical-record cache is probed by fingerprint before the merge and
// warmed with every merged record after; paper ids are content-derived,
// so the merge itself never depends on cache state.
func (p *Pipeline) dedupe(ctx context.Context, in *NormalizeOutput) (*DedupeOutput, error) {
	hits := 0
	if p.cache != nil {
		seen := map[string]bool{}
		for i := range in.Candidates {
			fp := canon.Fingerprint(in.Candidates[i].Title, in.Candidates[i].Year,
				canon.NormalizeDOI(in.Candidates[i].DOI))
			if fp == "" || seen[fp] {
				continue
			}
			seen[fp] = true
			if _, ok, err := p.cache.GetCanonical(ctx, fp); err == nil && ok {
				hits++
			}
		}
	}

	c := &canon.Canonicalizer{Trust: p.current().trust}
	papers := c.Canonicalize(in.Candidates)

	if p.cache != nil {
		for _, cp := range papers {
			fp := canon.Fingerprint(cp.Title, cp.Year, canon.NormalizeDOI(cp.DOI))
			if err := p.cache.PutCanonical(ctx, fp, cp); err != nil {
				p.log.Debug("canonical cache write failed",
					zap.String("paper_id", cp.PaperID), zap.Error(err))
			}
		}
	}

	p.log.Info("candidates canonicalized",
		zap.String("report_id", in.Run.ReportID),
		zap.Int("candidates", len(in.Candidates)),
		zap.Int("canonical", len(papers)),
		zap.Int("fingerprint_hits", hits))
	return &DedupeOutput{Run: in.Run, Papers: papers}, nil
}
