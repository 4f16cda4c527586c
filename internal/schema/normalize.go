package schema

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// maxFieldNameLen caps normalized field names so they remain usable as SQL
// identifiers on every backend (PostgreSQL truncates at 63 bytes).
const maxFieldNameLen = 63

// NormalizeFieldName converts arbitrary source header text into a lowercase
// ASCII identifier: diacritics are folded away, runs of separators collapse
// to a single underscore, and anything else is dropped.
func NormalizeFieldName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	// Decompose, remove nonspacing marks (accents), recompose.
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		norm.NFC,
	)
	ascii, _, _ := transform.String(t, s)

	var b strings.Builder
	prevUnderscore := false
	for _, r := range ascii {
		switch {
		case r >= 'a' && r <= 'z':
			b.WriteRune(r)
			prevUnderscore = false
		case r >= '0' && r <= '9':
			b.WriteRune(r)
			prevUnderscore = false
		case r == '_' || r == ' ' || r == '-' || r == '.':
			if !prevUnderscore {
				b.WriteRune('_')
				prevUnderscore = true
			}
		default:
			// drop anything else
		}
	}
	name := strings.Trim(b.String(), "_")
	if name == "" {
		return "field"
	}
	if len(name) > maxFieldNameLen {
		name = strings.Trim(name[:maxFieldNameLen], "_")
	}
	return name
}
