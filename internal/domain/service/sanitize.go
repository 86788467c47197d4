package service

import "strings"

// SanitizeText strips control characters from inbound text, keeping
// newlines and tabs. Runs before message validation so pasted content with
// stray terminal bytes does not poison the store.
func SanitizeText(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
}
