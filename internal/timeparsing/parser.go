// Package timeparsing resolves publication-timeframe bounds given as bare
// years, calendar dates, or natural language.
//
// Parsing is layered:
//  1. Bare year (2019)
//  2. Date-only (2019-05-01)
//  3. Natural language via when (3 years ago, last friday)
package timeparsing

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
)

// minYear is the floor for bare-year bounds. Years below it are treated
// as typos rather than requests for pre-modern literature.
const minYear = 1500

// YearBound resolves one timeframe bound to a publication year.
func YearBound(s string, now time.Time) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timeframe bound")
	}
	if y, err := strconv.Atoi(s); err == nil {
		if y < minYear || y > now.Year()+1 {
			return 0, fmt.Errorf("year %d out of range (%d-%d)", y, minYear, now.Year()+1)
		}
		return y, nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t.Year(), nil
	}
	t, err := ParseNaturalLanguage(s, now)
	if err != nil {
		return 0, err
	}
	return t.Year(), nil
}

// ParseNaturalLanguage parses a natural-language time expression relative
// to now using the when parser with English and common rules.
func ParseNaturalLanguage(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty time expression")
	}

	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)

	result, err := w.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", s, err)
	}
	if result == nil {
		return time.Time{}, fmt.Errorf("cannot parse %q as a time expression", s)
	}
	return result.Time, nil
}
