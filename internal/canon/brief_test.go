package canon

import (
	"strings"
	"testing"

	"github.com/magpielab/magpie/internal/stablejson"
	"github.com/magpielab/magpie/internal/types"
)

func TestSplitSentencesKeepsOffsets(t *testing.T) {
	text := "Muscle mass declines with age. Strength improved by 30% (p=0.04). No difference was seen in mood."
	want := []string{
		"Muscle mass declines with age.",
		"Strength improved by 30% (p=0.04).",
		"No difference was seen in mood.",
	}
	spans := splitSentences(text)
	if len(spans) != len(want) {
		t.Fatalf("got %d sentences, want %d", len(spans), len(want))
	}
	for i, sp := range spans {
		if got := text[sp.start:sp.end]; got != want[i] {
			t.Errorf("sentence %d = %q, want %q", i, got, want[i])
		}
	}
}

func TestSplitSentencesDropsFragments(t *testing.T) {
	text := "Yes. This longer sentence survives the minimum length check."
	spans := splitSentences(text)
	if len(spans) != 1 {
		t.Fatalf("got %d sentences, want 1", len(spans))
	}
	if got := text[spans[0].start:spans[0].end]; !strings.HasPrefix(got, "This longer") {
		t.Errorf("kept the wrong sentence: %q", got)
	}
}

func TestStanceOf(t *testing.T) {
	tests := []struct {
		in   string
		want types.Stance
	}{
		{"no significant difference was observed", types.StanceNegative},
		{"memory improved significantly after treatment", types.StancePositive},
		{"supplementation failed to change outcomes", types.StanceNegative},
		{"the study describes baseline characteristics", types.StanceNeutral},
	}
	for _, tt := range tests {
		if got := stanceOf(tt.in); got != tt.want {
			t.Errorf("stanceOf(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBuildBriefConsensusPositive(t *testing.T) {
	sentA := "Creatine significantly improved memory recall scores."
	abstractA := "Background on supplementation. " + sentA
	sentB := "Creatine supplementation significantly improved memory recall."
	papers := []*types.CanonicalPaper{
		{PaperID: "paper_a", Abstract: abstractA},
		{PaperID: "paper_b", Abstract: sentB},
	}

	brief, labels := BuildBrief(papers)
	if len(brief.Sentences) != 1 {
		t.Fatalf("got %d sentences, want 1 for a single cluster", len(brief.Sentences))
	}
	claim := brief.Sentences[0]
	if claim.Stance != types.StancePositive {
		t.Errorf("stance = %q, want positive", claim.Stance)
	}
	if !strings.Contains(claim.Text, "2 studies") || !strings.Contains(claim.Text, "consistently supports") {
		t.Errorf("claim text = %q", claim.Text)
	}
	if len(claim.Citations) != 2 {
		t.Fatalf("got %d anchors, want 2", len(claim.Citations))
	}

	anchor := claim.Citations[0]
	if anchor.PaperID != "paper_a" || anchor.Section != "abstract" {
		t.Errorf("anchor = %+v, want paper_a abstract", anchor)
	}
	wantStart := strings.Index(abstractA, sentA)
	if anchor.CharStart != wantStart || anchor.CharEnd != wantStart+len(sentA) {
		t.Errorf("anchor span = [%d, %d), want [%d, %d)", anchor.CharStart, anchor.CharEnd, wantStart, wantStart+len(sentA))
	}
	if snippet := abstractA[anchor.CharStart:anchor.CharEnd]; snippet != sentA {
		t.Errorf("anchor does not cover the mined sentence: %q", snippet)
	}
	if anchor.SnippetHash != stablejson.SnippetHash(sentA) {
		t.Errorf("SnippetHash mismatch for %q", sentA)
	}

	if labels["paper_a"] != types.PropConsensusPositive || labels["paper_b"] != types.PropConsensusPositive {
		t.Errorf("labels = %v, want consensus_positive for both papers", labels)
	}
}

func TestBuildBriefConflictingStances(t *testing.T) {
	papers := []*types.CanonicalPaper{
		{PaperID: "paper_a", Abstract: "Creatine significantly improved memory recall scores."},
		{PaperID: "paper_b", Abstract: "Creatine did not significantly improve memory recall scores."},
	}
	brief, labels := BuildBrief(papers)
	if len(brief.Sentences) != 1 {
		t.Fatalf("got %d sentences, want 1", len(brief.Sentences))
	}
	claim := brief.Sentences[0]
	if claim.Stance != types.StanceConflicting {
		t.Errorf("stance = %q, want conflicting", claim.Stance)
	}
	if !strings.Contains(claim.Text, "Findings conflict") {
		t.Errorf("claim text = %q", claim.Text)
	}
	if labels["paper_a"] != types.PropConflicting || labels["paper_b"] != types.PropConflicting {
		t.Errorf("labels = %v, want conflicting", labels)
	}
}

func TestBuildBriefLeadSentenceForMultipleClusters(t *testing.T) {
	papers := []*types.CanonicalPaper{
		{PaperID: "paper_a", Abstract: "Creatine significantly improved memory recall scores."},
		{PaperID: "paper_b", Abstract: "Creatine supplementation significantly improved memory recall."},
		{PaperID: "paper_c", Abstract: "Supplementation significantly reduced systolic blood pressure."},
	}
	brief, labels := BuildBrief(papers)
	if len(brief.Sentences) != 3 {
		t.Fatalf("got %d sentences, want lead plus two claims", len(brief.Sentences))
	}
	lead := brief.Sentences[0]
	if lead.Stance != types.StanceNeutral {
		t.Errorf("lead stance = %q, want neutral", lead.Stance)
	}
	if !strings.Contains(lead.Text, "3 studies") {
		t.Errorf("lead text = %q, want a three-study overview", lead.Text)
	}
	if len(lead.Citations) == 0 {
		t.Errorf("lead sentence carries no anchors")
	}
	if labels["paper_c"] != types.PropConsensusPositive {
		t.Errorf("labels[paper_c] = %q, want its own cluster's label", labels["paper_c"])
	}
}

func TestBuildBriefCapsSentences(t *testing.T) {
	papers := []*types.CanonicalPaper{
		{PaperID: "p1", Abstract: "Creatine significantly improved episodic memory scores."},
		{PaperID: "p2", Abstract: "Supplementation significantly reduced systolic blood pressure."},
		{PaperID: "p3", Abstract: "Treatment increased lean muscle mass substantially."},
		{PaperID: "p4", Abstract: "Participants reported reduced joint pain levels."},
	}
	brief, _ := BuildBrief(papers)
	if len(brief.Sentences) != maxClaimSentences {
		t.Fatalf("got %d sentences, want the cap of %d", len(brief.Sentences), maxClaimSentences)
	}
	if brief.Sentences[0].Stance != types.StanceNeutral {
		t.Errorf("first sentence should be the neutral lead")
	}
}

func TestBuildBriefEmptyInput(t *testing.T) {
	brief, labels := BuildBrief(nil)
	if len(brief.Sentences) != 0 || labels != nil {
		t.Errorf("BuildBrief(nil) = %+v, %v, want empty", brief, labels)
	}
	brief, labels = BuildBrief([]*types.CanonicalPaper{{PaperID: "p1"}})
	if len(brief.Sentences) != 0 || labels != nil {
		t.Errorf("papers without abstracts should produce an empty brief")
	}
}
