package extract

import (
	"strings"
	"testing"

	"github.com/magpielab/magpie/internal/canon"
)

func TestExtractSampleSize(t *testing.T) {
	tests := []struct {
		name     string
		abstract string
		want     int // 0 means nil
	}{
		{
			name:     "n equals form",
			abstract: "A double-blind trial (n=120) of creatine supplementation.",
			want:     120,
		},
		{
			name:     "count before enrollment noun",
			abstract: "A total of 1,284 participants were enrolled across nine sites.",
			want:     1284,
		},
		{
			name:     "patients noun",
			abstract: "We randomized 56 patients with mild cognitive impairment.",
			want:     56,
		},
		{
			name:     "earliest match wins",
			abstract: "Methods: n=480 adults were screened. Of these, 312 participants completed the protocol.",
			want:     480,
		},
		{
			name:     "below lower bound skipped",
			abstract: "A case study (n=1) of an elite athlete.",
			want:     0,
		},
		{
			name:     "above upper bound skipped",
			abstract: "Registry data covering 12,000,001 patients were excluded from pooling.",
			want:     0,
		},
		{
			name:     "out of bounds skipped but later match kept",
			abstract: "One index case (n=1) prompted follow-up in 98 participants.",
			want:     98,
		},
		{
			name:     "children noun with separators",
			abstract: "The cohort followed 3,200 children aged five to nine.",
			want:     3200,
		},
		{
			name:     "one adjective between count and noun",
			abstract: "The study enrolled 84 healthy adults across two sites.",
			want:     84,
		},
		{
			name:     "no pattern",
			abstract: "This narrative review surveys the creatine literature.",
			want:     0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := extractSampleSize(tt.abstract)
			if tt.want == 0 {
				if got != nil {
					t.Fatalf("extractSampleSize() = %d, want nil", *got)
				}
				return
			}
			if got == nil {
				t.Fatalf("extractSampleSize() = nil, want %d", tt.want)
			}
			if *got != tt.want {
				t.Errorf("extractSampleSize() = %d, want %d", *got, tt.want)
			}
		})
	}
}

func TestExtractPopulation(t *testing.T) {
	abstract := "The trial design was managed centrally over two years. " +
		"Participants were 60 community-dwelling adults aged 65 to 80. " +
		"Memory improved significantly in the intervention group."
	sentences := canon.SplitSentences(abstract)

	pop := extractPopulation(sentences)
	if pop == nil {
		t.Fatal("extractPopulation() = nil, want the participants sentence")
	}
	if !strings.HasPrefix(*pop, "Participants were 60") {
		t.Errorf("population = %q, want the second sentence", *pop)
	}
}

func TestExtractPopulationWordBoundaries(t *testing.T) {
	// "managed" must not satisfy "aged", "women" must not satisfy "men".
	abstract := "Recruitment of women was managed by the coordinating centre. " +
		"No population terms appear in this second sentence at all."
	sentences := canon.SplitSentences(abstract)

	pop := extractPopulation(sentences)
	if pop == nil {
		t.Fatal("extractPopulation() = nil, want the women sentence")
	}
	if !strings.HasPrefix(*pop, "Recruitment of women") {
		t.Errorf("population = %q", *pop)
	}

	none := extractPopulation(canon.SplitSentences(
		"The protocol was managed centrally and acumen was required throughout."))
	if none != nil {
		t.Errorf("population = %q, want nil for boundary-only hits", *none)
	}
}

func TestExtractPopulationTruncates(t *testing.T) {
	long := "Participants were " + strings.Repeat("very ", 60) + "carefully selected adults."
	pop := extractPopulation(canon.SplitSentences(long))
	if pop == nil {
		t.Fatal("extractPopulation() = nil")
	}
	if len(*pop) > populationChars+3 {
		t.Errorf("population length = %d, want <= %d", len(*pop), populationChars+3)
	}
	if !strings.HasSuffix(*pop, "...") {
		t.Errorf("population = %q, want truncation marker", *pop)
	}
}

func TestResultBearing(t *testing.T) {
	tests := []struct {
		name     string
		sentence string
		want     bool
	}{
		{"significance word", "Memory improved significantly in the creatine group.", true},
		{"uppercase odds ratio", "Hypertension was more likely (OR 1.52).", true},
		{"bare p value", "The difference reached p=0.03 at week twelve.", true},
		{"lowercase or is a conjunction", "Either the morning or the evening dose may be taken.", false},
		{"protocol description", "We describe the recruitment strategy and study protocol.", false},
		{"versus comparison", "Creatine versus placebo for strength outcomes.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resultBearing(tt.sentence); got != tt.want {
				t.Errorf("resultBearing(%q) = %v, want %v", tt.sentence, got, tt.want)
			}
		})
	}
}

func TestOutcomeFromSentenceEffectAndP(t *testing.T) {
	tests := []struct {
		name       string
		sentence   string
		wantEffect string
		wantP      string
	}{
		{
			name:       "odds ratio with p",
			sentence:   "The odds of recovery were higher (OR 1.52, 95% CI 1.10 to 2.08, p=0.01).",
			wantEffect: "OR 1.52",
			wantP:      "p=0.01",
		},
		{
			name:       "hazard ratio with equals",
			sentence:   "Mortality was lower with treatment, HR = 0.81, p < 0.001.",
			wantEffect: "HR = 0.81",
			wantP:      "p < 0.001",
		},
		{
			name:       "cohens d",
			sentence:   "Recall improved with a moderate effect, Cohen's d = 0.42.",
			wantEffect: "Cohen's d = 0.42",
			wantP:      "",
		},
		{
			name:       "beta coefficient",
			sentence:   "Dose was associated with gains, β = 0.12, p = 0.04.",
			wantEffect: "β = 0.12",
			wantP:      "p = 0.04",
		},
		{
			name:       "ci stands in for missing p",
			sentence:   "Risk was reduced (RR 0.88, 95% CI 0.79-0.98).",
			wantEffect: "RR 0.88",
			wantP:      "95% CI 0.79-0.98",
		},
		{
			name:       "lowercase or not an effect size",
			sentence:   "Improvement was significant in one group or the other.",
			wantEffect: "",
			wantP:      "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := outcomeFromSentence(tt.sentence)
			if o.EffectSize != tt.wantEffect {
				t.Errorf("EffectSize = %q, want %q", o.EffectSize, tt.wantEffect)
			}
			if o.PValue != tt.wantP {
				t.Errorf("PValue = %q, want %q", o.PValue, tt.wantP)
			}
			if o.CitationSnippet != strings.TrimSpace(tt.sentence) {
				t.Errorf("CitationSnippet = %q, want the verbatim sentence", o.CitationSnippet)
			}
		})
	}
}

func TestExtractArms(t *testing.T) {
	tests := []struct {
		name             string
		sentence         string
		wantIntervention string
		wantComparator   string
	}{
		{
			name:             "randomized to receive",
			sentence:         "Patients were randomized to receive creatine monohydrate or placebo.",
			wantIntervention: "creatine monohydrate",
			wantComparator:   "placebo",
		},
		{
			name:             "randomly assigned to either",
			sentence:         "Participants were randomly assigned to either high-dose vitamin D or standard care.",
			wantIntervention: "high-dose vitamin d",
			wantComparator:   "standard care",
		},
		{
			name:             "versus comparison",
			sentence:         "Creatine vs placebo improved recall (p=0.04).",
			wantIntervention: "creatine",
			wantComparator:   "placebo",
		},
		{
			name:             "arm phrases shed group suffix",
			sentence:         "The intervention group vs the control group showed gains.",
			wantIntervention: "intervention",
			wantComparator:   "control",
		},
		{
			name:             "no comparison wording",
			sentence:         "Memory improved significantly after supplementation.",
			wantIntervention: "",
			wantComparator:   "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotI, gotC := extractArms(tt.sentence)
			if gotI != tt.wantIntervention {
				t.Errorf("intervention = %q, want %q", gotI, tt.wantIntervention)
			}
			if gotC != tt.wantComparator {
				t.Errorf("comparator = %q, want %q", gotC, tt.wantComparator)
			}
		})
	}
}

func TestOutcomeLabel(t *testing.T) {
	tests := []struct {
		name     string
		sentence string
		want     string
	}{
		{
			name:     "cut before was",
			sentence: "Working memory was significantly improved in the creatine group.",
			want:     "working memory",
		},
		{
			name:     "reporting lead stripped",
			sentence: "We found that sleep quality improved after 8 weeks.",
			want:     "sleep quality",
		},
		{
			name:     "cut at comma",
			sentence: "Blood pressure, measured at rest, decreased under treatment.",
			want:     "blood pressure",
		},
		{
			name:     "there was lead",
			sentence: "There was a significant reduction in systolic blood pressure",
			want:     "significant reduction in systolic blood pressure",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := outcomeLabel(tt.sentence); got != tt.want {
				t.Errorf("outcomeLabel() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractOutcomesDedupes(t *testing.T) {
	// The same finding twice must yield one outcome.
	abstract := "Working memory was significantly improved (p=0.02) in treated adults. " +
		"Working memory was significantly improved (p=0.02) in treated adults."
	outs := extractOutcomes(canon.SplitSentences(abstract))
	if len(outs) != 1 {
		t.Fatalf("len(outcomes) = %d, want 1", len(outs))
	}
	if outs[0].PValue != "p=0.02" {
		t.Errorf("PValue = %q", outs[0].PValue)
	}
}

func TestExtractOutcomesCapsAndOrders(t *testing.T) {
	var b strings.Builder
	topics := []string{"Alpha", "Beta", "Gamma", "Delta", "Epsilon", "Zeta", "Eta", "Theta"}
	for i, topic := range topics {
		// Vary field richness so the cap has something to rank on.
		if i%2 == 0 {
			b.WriteString(topic + " scores were significantly improved (OR 1.2, p=0.0" + string(rune('1'+i)) + "). ")
		} else {
			b.WriteString(topic + " scores were significantly improved under treatment conditions. ")
		}
	}
	outs := extractOutcomes(canon.SplitSentences(b.String()))
	if len(outs) != maxOutcomesPerStudy {
		t.Fatalf("len(outcomes) = %d, want %d", len(outs), maxOutcomesPerStudy)
	}
	// The four fully-filled outcomes all survive the cap, still in
	// abstract order.
	var full []string
	for _, o := range outs {
		if o.EffectSize != "" {
			full = append(full, o.OutcomeMeasured)
		}
	}
	want := []string{"alpha scores", "gamma scores", "epsilon scores", "eta scores"}
	if len(full) != len(want) {
		t.Fatalf("fully-filled outcomes = %v, want %v", full, want)
	}
	for i := range want {
		if full[i] != want[i] {
			t.Errorf("full[%d] = %q, want %q", i, full[i], want[i])
		}
	}
}
