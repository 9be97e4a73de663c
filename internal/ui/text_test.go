package ui

import "testing"

func TestEllipsize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want string
	}{
		{"short unchanged", "mindfulness", 20, "mindfulness"},
		{"exact unchanged", "abcde", 5, "abcde"},
		{"cuts on word boundary", "mindfulness reduces chronic pain", 24, "mindfulness reduces…"},
		{"no boundary falls back", "supercalifragilistic", 10, "supercali…"},
		{"tiny max", "abc", 1, "abc"},
		{"empty", "", 10, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Ellipsize(tt.in, tt.max); got != tt.want {
				t.Errorf("Ellipsize(%q, %d) = %q, want %q", tt.in, tt.max, got, tt.want)
			}
		})
	}
}

func TestJoinNonEmpty(t *testing.T) {
	if got := JoinNonEmpty(", ", "a", "", "b", ""); got != "a, b" {
		t.Errorf("JoinNonEmpty = %q", got)
	}
	if got := JoinNonEmpty(" ", "", ""); got != "" {
		t.Errorf("JoinNonEmpty empty = %q", got)
	}
}
