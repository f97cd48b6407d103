// Package util holds helpers shared by the storage layer and its tools.
package util

import (
	"regexp"
)

// MaxSanitizeLength bounds the input inspected by the sanitizers; longer
// input is truncated first.
const MaxSanitizeLength = 64 * 1024

type redaction struct {
	pattern     *regexp.Regexp
	replacement string
}

// Secrets that show up in driver errors and statement text
var secretPatterns = []redaction{
	{regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api[_-]?key)(\s*[:=]\s*)('[^']*'|"[^"]*"|[^\s,)]+)`), "$1${2}REDACTED"},
	{regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`), "bearer REDACTED"},
	{regexp.MustCompile(`AKIA[0-9A-Z]{16}`), "REDACTED_AWS_KEY"},
	{regexp.MustCompile(`eyJ[a-zA-Z0-9_\-]+\.eyJ[a-zA-Z0-9_\-]+\.[a-zA-Z0-9_\-]+`), "REDACTED_JWT"},
	{regexp.MustCompile(`(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), "REDACTED_PRIVATE_KEY"},
}

// sqlLiteral matches a single-quoted SQL string with '' escapes, or an X'..' blob
var sqlLiteral = regexp.MustCompile(`(?i)x?'(?:[^']|'')*'`)

// SanitizeError renders err with secrets redacted, for logs and metrics records
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeString(err.Error())
}

// SanitizeString redacts credentials, tokens and keys from s
func SanitizeString(s string) string {
	if s == "" {
		return ""
	}
	if len(s) > MaxSanitizeLength {
		s = s[:MaxSanitizeLength] + "... [truncated]"
	}

	for _, p := range secretPatterns {
		s = p.pattern.ReplaceAllString(s, p.replacement)
	}
	return s
}

// RedactSQL replaces string and blob literals in a statement with '?' so
// statement text can be logged without the values inlined into it
func RedactSQL(statement string) string {
	if len(statement) > MaxSanitizeLength {
		statement = statement[:MaxSanitizeLength] + "... [truncated]"
	}
	return sqlLiteral.ReplaceAllString(statement, "'?'")
}
