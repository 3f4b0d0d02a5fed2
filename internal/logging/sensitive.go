// Package logging configures slog and masks sensitive attributes.
package logging

import (
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// SensitiveFields contains attribute keys whose values are never logged.
var SensitiveFields = map[string]bool{
	"password":      true,
	"passwd":        true,
	"secret":        true,
	"token":         true,
	"api_key":       true,
	"apikey":        true,
	"access_key":    true,
	"private_key":   true,
	"credentials":   true,
	"authorization": true,
	"sasl_password": true,
	"x-api-key":     true,
}

// MaskedValue replaces sensitive values.
const MaskedValue = "[REDACTED]"

// IsSensitiveField checks if an attribute key is sensitive. Matching is
// case-insensitive on the full key or any underscore-separated suffix.
func IsSensitiveField(fieldName string) bool {
	lower := strings.ToLower(fieldName)
	if SensitiveFields[lower] {
		return true
	}
	for i := 0; i < len(lower); i++ {
		if lower[i] == '_' && SensitiveFields[lower[i+1:]] {
			return true
		}
	}
	return false
}

// MaskAPIKey keeps the first and last four characters of a key.
func MaskAPIKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 8 {
		return MaskedValue
	}
	return key[:4] + "****" + key[len(key)-4:]
}

var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret|passwd|password)\s*[=:]\s*['"]?[a-zA-Z0-9_\-\.]+['"]?`),
	regexp.MustCompile(`(?i)bearer\s+[a-zA-Z0-9_\-\.]+`),
	regexp.MustCompile(`(AKIA|ASIA)[A-Z0-9]{16}`),
}

// MaskSensitivePatterns masks credentials embedded in free text, such as
// error messages. "Failed password for root" is left intact.
func MaskSensitivePatterns(s string) string {
	for _, p := range sensitivePatterns {
		s = p.ReplaceAllString(s, MaskedValue)
	}
	return s
}

// ReplaceAttr is a slog.HandlerOptions.ReplaceAttr that masks sensitive
// attributes and scrubs credentials out of error values.
func ReplaceAttr(_ []string, a slog.Attr) slog.Attr {
	if IsSensitiveField(a.Key) {
		return slog.String(a.Key, MaskedValue)
	}
	if a.Key == "error" {
		if err, ok := a.Value.Any().(error); ok {
			return slog.String(a.Key, MaskSensitivePatterns(err.Error()))
		}
	}
	return a
}

// ParseLevel maps a config level name to a slog level, defaulting to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds the process logger. format is "json" or "text".
func New(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: ReplaceAttr,
	}

	var handler slog.Handler
	if format == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	return slog.New(handler)
}
