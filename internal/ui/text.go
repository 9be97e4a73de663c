package ui

import (
	"strings"
	"unicode/utf8"
)

// Ellipsize truncates s to max runes on a word boundary, appending an
// ellipsis. Strings at or under the limit come back unchanged.
func Ellipsize(s string, max int) string {
	if max <= 1 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	cut := max - 1
	// Back up to the last space so words stay whole; give up if that
	// would drop more than half the budget.
	for i := cut; i > max/2; i-- {
		if runes[i] == ' ' {
			cut = i
			break
		}
	}
	return strings.TrimRight(string(runes[:cut]), " ") + "…"
}

// JoinNonEmpty joins the non-empty parts with sep.
func JoinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
