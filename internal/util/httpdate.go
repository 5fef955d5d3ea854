package util

import (
	"net/http"
	"strings"
	"time"
)

// ParseHTTPDate parses an HTTP-date header value (RFC 9110 section 5.6.7
// grammar, via net/http's parser). The second return value reports whether
// the input was a valid date; callers must ignore the timestamp otherwise.
func ParseHTTPDate(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := http.ParseTime(s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ParseTokenList splits a comma-separated header value into its trimmed
// tokens. Interior empty tokens (from "a,,b") are kept, matching how
// validator lists are compared member by member.
func ParseTokenList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	for i, p := range parts {
		parts[i] = strings.Trim(p, " ")
	}
	return parts
}
