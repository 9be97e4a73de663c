package query

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testTable() ConceptTable {
	return ConceptTable{
		"memory":   {"cognition", "recall", "memory function", "episodic memory"},
		"creatine": {"creatine monohydrate", "cr supplementation"},
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Is creatine better than caffeine for memory?", "creatine versus caffeine memory"},
		{"What are the effects of vitamin D on falls in the elderly?", "effect vitamin d falls elderly"},
		{"Statins superior to placebo?", "statins versus placebo"},
		{"sleep   quality\tand mood", "sleep quality mood"},
		{"Impact of exercise on depression", "effect exercise depression"},
		{"", ""},
	}
	for _, tt := range tests {
		got := Normalize(tt.in)
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
		if again := Normalize(got); again != got {
			t.Errorf("Normalize not idempotent: %q -> %q", got, again)
		}
	}
}

func TestPrepareExpandsConcepts(t *testing.T) {
	p := NewPreparer(testTable(), ModeV1, zap.NewNop())
	out := p.Prepare(context.Background(), "Is creatine better than caffeine for memory?")

	if out.Normalized != "creatine versus caffeine memory" {
		t.Errorf("normalized = %q", out.Normalized)
	}
	if len(out.Concepts) != 2 || out.Concepts[0] != "creatine" || out.Concepts[1] != "memory" {
		t.Errorf("concepts = %v", out.Concepts)
	}
	want := "creatine versus caffeine memory creatine monohydrate cr supplementation cognition recall memory function"
	if out.Expanded != want {
		t.Errorf("expanded = %q, want %q", out.Expanded, want)
	}
	if out.APIQuery != out.Expanded {
		t.Errorf("api query = %q, want the expanded query", out.APIQuery)
	}
	if out.ModelAided {
		t.Error("v1 must not be model aided")
	}

	// The fourth memory synonym only fits the v2 budget.
	if strings.Contains(out.Expanded, "episodic memory") {
		t.Error("v1 expansion exceeded 3 synonyms per concept")
	}
}

func TestPrepareSynonymBudgetByMode(t *testing.T) {
	p := NewPreparer(testTable(), ModeV2, zap.NewNop())
	out := p.Prepare(context.Background(), "memory training in adults")
	if !strings.Contains(out.Expanded, "episodic memory") {
		t.Errorf("v2 expansion missing fourth synonym: %q", out.Expanded)
	}
}

func TestExpandMatchesFuzzyTypos(t *testing.T) {
	p := NewPreparer(testTable(), ModeV1, zap.NewNop())
	out := p.Prepare(context.Background(), "cretine and strength")
	if len(out.Concepts) != 1 || out.Concepts[0] != "creatine" {
		t.Errorf("concepts = %v, want the dropped-letter typo matched", out.Concepts)
	}
}

func TestExpandSkipsPresentTerms(t *testing.T) {
	p := NewPreparer(ConceptTable{"memory": {"recall", "memory"}}, ModeV1, zap.NewNop())
	out := p.Prepare(context.Background(), "memory recall tasks")
	if out.Expanded != "memory recall tasks" {
		t.Errorf("expanded = %q, want no duplicate terms", out.Expanded)
	}
}

type stubRewriter struct {
	out   string
	err   error
	delay time.Duration
}

func (s *stubRewriter) Rewrite(ctx context.Context, question string) (string, error) {
	if s.delay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.out, s.err
}

func TestPrepareV2UsesRewriter(t *testing.T) {
	p := NewPreparer(testTable(), ModeV2, zap.NewNop())
	p.Rewriter = &stubRewriter{out: "Creatine versus caffeine adults memory"}
	out := p.Prepare(context.Background(), "is creatine better than caffeine?")
	if !out.ModelAided {
		t.Fatal("expected the model rewrite to be used")
	}
	if out.Normalized != "creatine versus caffeine adults memory" {
		t.Errorf("normalized = %q", out.Normalized)
	}
}

func TestPrepareV2FallsBack(t *testing.T) {
	tests := []struct {
		name     string
		rewriter Rewriter
	}{
		{"nil rewriter", nil},
		{"error", &stubRewriter{err: errors.New("model unavailable")}},
		{"over budget", &stubRewriter{out: "x", delay: 2 * time.Second}},
		{"empty rewrite", &stubRewriter{out: "???"}},
		{"runaway rewrite", &stubRewriter{out: strings.Repeat("term ", 40)}},
	}
	for _, tt := range tests {
		p := NewPreparer(testTable(), ModeV2, zap.NewNop())
		p.Rewriter = tt.rewriter
		out := p.Prepare(context.Background(), "is creatine better than caffeine for memory?")
		if out.ModelAided {
			t.Errorf("%s: rewrite should have fallen back", tt.name)
		}
		if out.Normalized != "creatine versus caffeine memory" {
			t.Errorf("%s: normalized = %q, want the deterministic query", tt.name, out.Normalized)
		}
	}
}

func TestPrepareShadowServesV1(t *testing.T) {
	p := NewPreparer(testTable(), ModeShadow, zap.NewNop())
	type pair struct{ served, shadow string }
	got := make(chan pair, 1)
	p.OnShadow = func(served, shadow string) { got <- pair{served, shadow} }

	out := p.Prepare(context.Background(), "memory training in adults")
	if !strings.Contains(out.Expanded, "memory function") || strings.Contains(out.Expanded, "episodic memory") {
		t.Errorf("served query should use the v1 budget: %q", out.Expanded)
	}

	select {
	case sh := <-got:
		if sh.served != out.Normalized {
			t.Errorf("hook served = %q, want %q", sh.served, out.Normalized)
		}
		if !strings.Contains(sh.shadow, "episodic memory") {
			t.Errorf("shadow query should use the v2 budget: %q", sh.shadow)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shadow query never reported")
	}
}

func TestParseMode(t *testing.T) {
	for _, ok := range []string{"", "v1", "v2", "shadow"} {
		if _, err := ParseMode(ok); err != nil {
			t.Errorf("ParseMode(%q) error = %v", ok, err)
		}
	}
	if _, err := ParseMode("v3"); err == nil {
		t.Error("ParseMode(v3) should fail")
	}
	if m, _ := ParseMode(""); m != ModeV1 {
		t.Errorf("empty mode = %q, want v1", m)
	}
}
