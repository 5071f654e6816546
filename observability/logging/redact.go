package logging

import (
	"log/slog"
	"net/url"
	"strings"
)

// RedactedValue replaces secrets in log output.
const RedactedValue = "[REDACTED]"

// Keys that carry public data and are never masked.
var publicKeys = map[string]bool{
	"addr":     true,
	"event":    true,
	"index":    true,
	"network":  true,
	"op":       true,
	"token_id": true,
	"tx":       true,
	"variant":  true,
	"view":     true,
	"wallet":   true,
}

// MaskField logs value under key, replacing it with RedactedValue unless key
// names public data. Empty values are kept so "not configured" stays visible.
func MaskField(key, value string) slog.Attr {
	if strings.TrimSpace(value) == "" || publicKeys[strings.ToLower(strings.TrimSpace(key))] {
		return slog.String(key, value)
	}
	return slog.String(key, RedactedValue)
}

// MaskURL logs the scheme and host of raw and masks everything that can
// carry a credential: user info, path (provider API keys live there) and
// query. Unparseable values are masked whole.
func MaskURL(key, raw string) slog.Attr {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return slog.String(key, raw)
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return slog.String(key, RedactedValue)
	}
	masked := u.Scheme + "://"
	if u.User != nil {
		masked += RedactedValue + "@"
	}
	masked += u.Host
	if strings.Trim(u.Path, "/") != "" {
		masked += "/" + RedactedValue
	}
	if u.RawQuery != "" {
		masked += "?" + RedactedValue
	}
	return slog.String(key, masked)
}
