package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue is the canonical placeholder used for sensitive fields in logs.
const RedactedValue = "[REDACTED]"

// MaskValue returns the canonical redacted placeholder for non-empty values. Empty values
// are returned unchanged to avoid introducing noise in logs.
func MaskValue(value string) string {
	if strings.TrimSpace(value) == "" {
		return value
	}
	return RedactedValue
}

// RedactURL strips credentials and query strings from a URL before it is logged.
// Unparseable input is masked entirely.
func RedactURL(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return RedactedValue
	}
	if u.User != nil {
		u.User = url.User(RedactedValue)
	}
	if u.RawQuery != "" {
		u.RawQuery = RedactedValue
	}
	return u.String()
}

// URLField returns a slog.Attr carrying a redacted URL.
func URLField(key, raw string) slog.Attr {
	return slog.String(key, RedactURL(raw))
}
