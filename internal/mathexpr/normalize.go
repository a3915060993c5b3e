// Package mathexpr canonicalizes free-form math answers and decides
// whether two of them are equivalent. All entry points are total: bad
// input degrades to "not equivalent", never to an error or a panic.
package mathexpr

import (
	"regexp"
	"strings"
)

var (
	slashSpaceRegex = regexp.MustCompile(`\s*/\s*`)
	decimalRegex    = regexp.MustCompile(`^[-+]?\d+,\d+$`)
	// Longer unit tokens first so "mm" is not read as a trailing "m".
	unitRegex = regexp.MustCompile(`(?i)\s*(mm|cm|km|kg|ml|min|°|€|\$|m|g|l|h|s)$`)
)

var glyphReplacer = strings.NewReplacer(
	"×", "*",
	"÷", "/",
	"−", "-",
	"–", "-",
	"²", "**2",
	"³", "**3",
	"π", "pi",
)

// Normalize canonicalizes a raw answer string for comparison. It trims
// whitespace, collapses spacing around fraction slashes, substitutes
// locale and Unicode math glyphs, converts a decimal comma to a dot when
// the whole string is a single comma-decimal number, and strips trailing
// unit tokens. Pure and idempotent.
func Normalize(raw string) string {
	s := strings.TrimSpace(raw)
	s = glyphReplacer.Replace(s)
	// After glyph substitution so slashes produced by "÷" collapse too.
	s = slashSpaceRegex.ReplaceAllString(s, "/")

	// Strip trailing units to a fixed point so stacked suffixes cannot
	// survive a second pass. Units go before the decimal-comma check so
	// "3,5 kg" reduces to a bare comma-decimal.
	for {
		stripped := unitRegex.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = stripped
	}
	s = strings.TrimSpace(s)

	// "3,14" is a European decimal; "1, 2" or "1,2,3" are lists and must
	// stay untouched.
	if decimalRegex.MatchString(s) {
		s = strings.Replace(s, ",", ".", 1)
	}

	return s
}
