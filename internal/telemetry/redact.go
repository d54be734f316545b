package telemetry

import (
	"regexp"
	"unicode/utf8"
)

// PreviewLimit caps the stored prompt preview, in runes.
const PreviewLimit = 200

const redactedMark = "[REDACTED]"

// Patterns that must never reach the analytics store. Card numbers allow the
// usual space/dash grouping; the email pattern is deliberately loose — over-
// redacting a preview is harmless, leaking is not.
var (
	reCardNumber = regexp.MustCompile(`\b(?:\d[ -]?){13,16}\b`)
	reSSN        = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	reEmail      = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
)

// Redact masks card numbers, SSNs and email addresses in s.
func Redact(s string) string {
	s = reCardNumber.ReplaceAllString(s, redactedMark)
	s = reSSN.ReplaceAllString(s, redactedMark)
	s = reEmail.ReplaceAllString(s, redactedMark)
	return s
}

// Preview redacts s and truncates it to PreviewLimit runes.
func Preview(s string) string {
	s = Redact(s)
	if utf8.RuneCountInString(s) <= PreviewLimit {
		return s
	}
	runes := []rune(s)
	return string(runes[:PreviewLimit])
}
