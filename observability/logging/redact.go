package logging

import (
	"log/slog"
	"strings"
	"sync/atomic"
)

// RedactedValue replaces sensitive values in logs.
const RedactedValue = "[REDACTED]"

var reveal atomic.Bool

func setReveal(v bool) { reveal.Store(v) }

var allowlist = map[string]struct{}{
	"service":   {},
	"env":       {},
	"component": {},
	"error":     {},
	"reason":    {},
}

// IsAllowlisted reports whether key is never masked.
func IsAllowlisted(key string) bool {
	_, ok := allowlist[strings.ToLower(strings.TrimSpace(key))]
	return ok
}

// MaskField returns an attribute whose value is redacted unless the key is
// allowlisted or the logger was configured to reveal identifiers. Peer IDs are
// shortened rather than hidden so log lines stay correlatable.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || IsAllowlisted(key) || reveal.Load() {
		return slog.String(key, value)
	}
	if strings.HasSuffix(key, "_id") && len(value) > 10 {
		return slog.String(key, value[:6]+"…"+value[len(value)-4:])
	}
	return slog.String(key, RedactedValue)
}
