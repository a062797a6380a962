package observability

import (
	"strings"
	"unicode"
)

const defaultStringLimit = 256

// sanitizeString strips control characters (keeping common whitespace) and
// caps the string length before it reaches a log line.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = defaultStringLimit
	}

	var b strings.Builder
	b.Grow(len(value))
	count := 0
	for _, r := range value {
		switch {
		case r == '\n', r == '\r', r == '\t':
		case unicode.IsControl(r):
			continue
		}
		b.WriteRune(r)
		if count++; count >= limit {
			break
		}
	}
	return b.String()
}

// SanitizeRoute bounds route labels so a hostile path cannot blow up log cardinality.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeMethod bounds HTTP method strings.
func SanitizeMethod(method string) string {
	return sanitizeString(method, 10)
}

// SanitizeUserID truncates identifiers to limit what ends up in logs.
func SanitizeUserID(uid string) string {
	if uid == "" {
		return ""
	}
	return sanitizeString(uid, 64)
}
