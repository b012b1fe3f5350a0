// Package utils holds text helpers for command output shown to the user.
package utils

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

var ansiRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]`)

// StripANSI removes ANSI escape codes from a string.
func StripANSI(s string) string {
	return ansiRegex.ReplaceAllString(s, "")
}

// CleanOutput prepares captured command output for an alert or log line.
// Escape codes and control characters other than newline and tab are
// dropped, CRLF becomes LF, and the result is trimmed. When max > 0 the text
// is cut to max runes and ends with an ellipsis.
func CleanOutput(s string, max int) string {
	s = strings.ReplaceAll(StripANSI(s), "\r\n", "\n")
	s = strings.Map(func(r rune) rune {
		if (r < 0x20 && r != '\n' && r != '\t') || r == 0x7f {
			return -1
		}
		return r
	}, s)
	s = strings.TrimSpace(s)

	if max > 0 && utf8.RuneCountInString(s) > max {
		runes := []rune(s)
		s = strings.TrimRight(string(runes[:max]), " \n\t") + "…"
	}
	return s
}
