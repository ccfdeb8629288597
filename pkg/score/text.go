package score

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/unicode/norm"
)

const quoteChars = "\"'`“”‘’"

// Normalize folds s for fuzzy comparison: NFKC, lower case, collapsed
// whitespace and surrounding quotes removed.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ToLower(s)
	s = strings.Join(strings.Fields(s), " ")
	s = strings.Trim(s, quoteChars)
	return strings.TrimSpace(s)
}

// Similarity returns the normalized Levenshtein similarity of a and b in
// [0,1]. Two empty strings are identical.
func Similarity(a, b string) float64 {
	a, b = Normalize(a), Normalize(b)
	if a == b {
		return 1
	}

	maxLen := max(utf8.RuneCountInString(a), utf8.RuneCountInString(b))
	if maxLen == 0 {
		return 1
	}

	dist := levenshtein.ComputeDistance(a, b)
	return clip(1 - float64(dist)/float64(maxLen))
}

var (
	numberPattern   = regexp.MustCompile(`[-+]?(?:\d+\.?\d*|\.\d+)(?:[eE][-+]?\d+)?`)
	// NFKC leaves these dashes alone
	minusReplace    = strings.NewReplacer("\u2212", "-", "\u2012", "-")
	currencyReplace = strings.NewReplacer(
		"$", "", "€", "", "£", "", "¥", "", "₹", "", "￥", "",
		",", "", "_", "",
	)
)

// ParseNumber extracts the number of s after removing currency symbols and
// thousands separators. When s holds several numbers the last one not glued
// to a preceding letter wins, so "FY2023 revenue was 42" gives 42. pct
// reports whether a percent sign was present.
func ParseNumber(s string) (v float64, pct bool, ok bool) {
	s = norm.NFKC.String(strings.TrimSpace(s))
	s = minusReplace.Replace(s)
	pct = strings.Contains(s, "%")
	s = currencyReplace.Replace(s)

	var fallback, candidate string
	for _, loc := range numberPattern.FindAllStringIndex(s, -1) {
		start, end := loc[0], loc[1]
		fallback = s[start:end]
		if start > 0 {
			prev, _ := utf8.DecodeLastRuneInString(s[:start])
			if unicode.IsLetter(prev) {
				continue
			}
			// "3-5" is a range, not a negative five
			if unicode.IsDigit(prev) && (s[start] == '-' || s[start] == '+') {
				start++
			}
		}
		candidate = s[start:end]
	}
	if candidate == "" {
		candidate = fallback
	}
	if candidate == "" {
		return 0, pct, false
	}

	v, err := strconv.ParseFloat(candidate, 64)
	if err != nil {
		return 0, pct, false
	}
	return v, pct, true
}
