package infer

import "regexp"

// Cheap pattern tests used for format hints. These run on every string value,
// so they stay anchored and simple; anything fancier belongs downstream.
var (
	emailRe = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	urlRe   = regexp.MustCompile(`^https?://\S+$`)

	// ISO 8601 date, optionally with a time and zone component.
	isoDateRe = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}([T ]\d{2}:\d{2}(:\d{2}(\.\d+)?)?(Z|[+-]\d{2}:?\d{2})?)?$`)

	numericRe = regexp.MustCompile(`^[+-]?(\d+(\.\d+)?|\.\d+)([eE][+-]?\d+)?$`)
)

// observeFormats updates the format counters for one string value.
func (f *FormatCounts) observe(s string) {
	f.Strings++
	switch {
	case numericRe.MatchString(s):
		f.Numeric++
	case isoDateRe.MatchString(s):
		f.Date++
	case emailRe.MatchString(s):
		f.Email++
	case urlRe.MatchString(s):
		f.URL++
	}
}

// isNumericString reports whether s parses as a number by the same pattern
// the format counter uses.
func isNumericString(s string) bool { return numericRe.MatchString(s) }
