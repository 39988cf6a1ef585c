package observability

import (
	"strings"
	"unicode"
)

const defaultFieldLimit = 256

// clampField strips control characters (newlines included) and truncates, so
// request-derived values cannot inject log lines or bloat entries.
func clampField(value string, limit int) string {
	if limit <= 0 {
		limit = defaultFieldLimit
	}
	var b strings.Builder
	b.Grow(len(value))
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= limit {
			break
		}
	}
	return b.String()
}

// SanitizeRoute bounds a route pattern for use as a log field or span
// attribute.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return clampField(route, 180)
}

// SanitizeMethod bounds an HTTP method string.
func SanitizeMethod(method string) string {
	return clampField(method, 10)
}

// SanitizeUserID bounds identifiers before logging.
func SanitizeUserID(uid string) string {
	return clampField(uid, 64)
}
