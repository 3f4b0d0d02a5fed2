// Package errors maps internal failures to client-safe API errors.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"regexp"
	"strings"
	"sync/atomic"
)

var (
	filePathPattern = regexp.MustCompile(`(/[a-zA-Z0-9_\-./]+)|([A-Z]:\\[a-zA-Z0-9_\-\\ ./]+)`)

	// host:port of backing services (ClickHouse, Redis, Kafka brokers)
	endpointPattern = regexp.MustCompile(`\b[a-zA-Z0-9.\-]+:\d{2,5}\b`)

	dsnPattern = regexp.MustCompile(`(?i)(clickhouse|redis|rediss|tcp|https?)://\S+`)

	internalErrorPattern = regexp.MustCompile(`(?i)(sql:|code: \d+, message:|password=|secret=|token=|api[_-]?key=|WRONGTYPE|NOAUTH)`)
)

var production atomic.Bool

// SetProductionMode toggles sanitization of messages returned to clients.
func SetProductionMode(on bool) {
	production.Store(on)
}

// IsProduction reports whether sanitization is enabled.
func IsProduction() bool {
	return production.Load()
}

// Kind classifies an API error.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalid
	KindNotFound
	KindUnavailable
)

// Error is an error whose message is safe to return to API clients.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Invalid reports a malformed client request.
func Invalid(format string, args ...any) error {
	return &Error{Kind: KindInvalid, Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports a missing resource.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Msg: fmt.Sprintf(format, args...)}
}

// Unavailable reports a backend that could not serve the request.
func Unavailable(msg string, err error) error {
	return &Error{Kind: KindUnavailable, Msg: msg, Err: err}
}

// HTTPStatus maps err to a response status code.
func HTTPStatus(err error) int {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return http.StatusInternalServerError
	}
	switch apiErr.Kind {
	case KindInvalid:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// SafeMessage returns a message for err that is safe to show a client.
// Typed API errors expose only their Msg; everything else is sanitized.
func SafeMessage(err error) string {
	if err == nil {
		return ""
	}

	var apiErr *Error
	if errors.As(err, &apiErr) {
		if apiErr.Kind == KindInternal {
			return SanitizeString(apiErr.Error())
		}
		return apiErr.Msg
	}

	return SanitizeString(err.Error())
}

// SanitizeString strips paths, endpoints and backend details from s when
// production mode is on.
func SanitizeString(s string) string {
	if !IsProduction() {
		return s
	}

	if internalErrorPattern.MatchString(s) {
		return "storage operation failed"
	}

	if strings.Contains(s, "goroutine") || strings.Count(s, "\n") > 3 {
		return "internal server error"
	}

	s = dsnPattern.ReplaceAllString(s, "[endpoint]")
	s = endpointPattern.ReplaceAllString(s, "[endpoint]")
	s = filePathPattern.ReplaceAllStringFunc(s, func(match string) string {
		return filepath.Base(match)
	})

	return s
}
