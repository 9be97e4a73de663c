package canon

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/magpielab/magpie/internal/stablejson"
)

var (
	doiPrefixes = []string{
		"https://doi.org/",
		"http://doi.org/",
		"https://dx.doi.org/",
		"http://dx.doi.org/",
		"doi.org/",
		"doi:",
		"doi ",
	}
	pmidDigits    = regexp.MustCompile(`\d+`)
	arxivVersion  = regexp.MustCompile(`v\d+$`)
	titleDropRune = regexp.MustCompile(`[^a-z0-9 ]+`)
)

// NormalizeDOI lowercases and strips resolver prefixes, so
// "https://doi.org/10.X/Y", "10.X/Y", and "DOI: 10.X/Y" all come out
// identical. Normalization is idempotent.
func NormalizeDOI(doi string) string {
	s := strings.ToLower(strings.TrimSpace(doi))
	for changed := true; changed; {
		changed = false
		for _, p := range doiPrefixes {
			if strings.HasPrefix(s, p) {
				s = strings.TrimSpace(strings.TrimPrefix(s, p))
				changed = true
			}
		}
	}
	if !strings.HasPrefix(s, "10.") {
		return ""
	}
	return s
}

// NormalizePMID reduces a PubMed id to its digits, tolerating "PMID:"
// prefixes and pubmed.ncbi.nlm.nih.gov URLs.
func NormalizePMID(pmid string) string {
	return pmidDigits.FindString(pmid)
}

// NormalizeArxivID lowercases, strips the "arXiv:" prefix and abs/pdf
// URL forms, and drops the version suffix.
func NormalizeArxivID(id string) string {
	s := strings.ToLower(strings.TrimSpace(id))
	for _, p := range []string{"https://arxiv.org/abs/", "http://arxiv.org/abs/", "https://arxiv.org/pdf/", "http://arxiv.org/pdf/", "arxiv:"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimSuffix(s, ".pdf")
	return arxivVersion.ReplaceAllString(s, "")
}

// normalizeTitle reduces a title to lowercase alphanumeric words for
// fingerprinting and fuzzy comparison.
func normalizeTitle(title string) string {
	s := strings.ToLower(title)
	s = titleDropRune.ReplaceAllString(s, " ")
	return strings.Join(strings.Fields(s), " ")
}

// Fingerprint keys the canonical-record cache: normalized title, year,
// normalized DOI.
func Fingerprint(title string, year int, doi string) string {
	return stablejson.HashFields(normalizeTitle(title), strconv.Itoa(year), NormalizeDOI(doi))
}
