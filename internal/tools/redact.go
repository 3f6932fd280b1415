package tools

import (
	"regexp"
	"unicode/utf8"
)

const (
	redactedMarker  = `"[redacted]"`
	truncatedMarker = "\n[truncated]"
)

// sensitiveFieldPattern matches JSON members whose key looks like a
// credential. The value alternatives cover strings (with escapes), numbers,
// booleans and null, so redaction never breaks surrounding JSON.
var sensitiveFieldPattern = regexp.MustCompile(
	`(?i)("[^"]*(?:password|passwd|secret|token|api_key|apikey|credential|authorization|private_key)[^"]*")\s*:\s*("(?:[^"\\]|\\.)*"|-?\d+(?:\.\d+)?|true|false|null)`)

// RedactSensitive replaces the values of credential-looking JSON fields
// before tool output reaches the model. Keys are preserved so the model
// still sees the field exists.
func RedactSensitive(s string) string {
	return sensitiveFieldPattern.ReplaceAllString(s, "$1: "+redactedMarker)
}

// Truncate caps s at max bytes, cutting on a rune boundary and appending a
// marker so the model knows output was dropped.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncatedMarker
}
