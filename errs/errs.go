// Package errs provides structured error types and helpers for pricefeed services.
package errs

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Code identifies a price pipeline error category.
type Code string

const (
	// CodeUpstreamUnavailable indicates a transport failure, timeout or 5xx from a price source.
	CodeUpstreamUnavailable Code = "upstream_unavailable"
	// CodeRateLimited indicates that the source rejected the request due to rate limits.
	CodeRateLimited Code = "rate_limited"
	// CodeMalformedResponse indicates a payload that could not be normalized.
	CodeMalformedResponse Code = "malformed_response"
	// CodeNotYetAvailable indicates that no price has been observed for the symbol yet.
	CodeNotYetAvailable Code = "not_yet_available"
	// CodeAllSourcesDown indicates that every configured source is backing off.
	CodeAllSourcesDown Code = "all_sources_down"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeNotFound indicates a missing resource.
	CodeNotFound Code = "not_found"
	// CodeUnavailable indicates the service is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// maxRawMessage bounds payload excerpts attached to errors.
const maxRawMessage = 256

// E captures structured error information produced across the pricefeed stack.
type E struct {
	Source     string
	Code       Code
	HTTP       int
	RawMsg     string
	Message    string
	RetryAfter time.Duration
	Metadata   map[string]string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the source and error code.
func New(source string, code Code, opts ...Option) *E {
	e := &E{
		Source:     strings.TrimSpace(source),
		Code:       code,
		HTTP:       0,
		RawMsg:     "",
		Message:    "",
		RetryAfter: 0,
		Metadata:   nil,
		cause:      nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithHTTP records the associated HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithRawMessage captures an excerpt of the raw upstream payload.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = Excerpt(msg)
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

// WithRetryAfter records the pause requested by the upstream provider.
func WithRetryAfter(d time.Duration) Option {
	return func(e *E) {
		if d > 0 {
			e.RetryAfter = d
		}
	}
}

// WithField appends a single metadata key/value pair.
func WithField(key, value string) Option {
	return func(e *E) {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			return
		}
		if e.Metadata == nil {
			e.Metadata = make(map[string]string, 1)
		}
		e.Metadata[trimmedKey] = strings.TrimSpace(value)
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	source := strings.TrimSpace(e.Source)
	if source == "" {
		source = "unknown"
	}
	parts = append(parts, "source="+source)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.RetryAfter > 0 {
		parts = append(parts, "retry_after="+e.RetryAfter.String())
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if len(e.Metadata) > 0 {
		keys := make([]string, 0, len(e.Metadata))
		for k := range e.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+strconv.Quote(e.Metadata[k]))
		}
		parts = append(parts, "meta="+strings.Join(pairs, ","))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf returns the code of the first envelope in err's chain, or "" when none is present.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return ""
}

// Is reports whether err carries an envelope with the given code.
func Is(err error, code Code) bool {
	return err != nil && CodeOf(err) == code
}

// RetryAfterOf returns the provider requested pause carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.RetryAfter
	}
	return 0
}

// Excerpt truncates raw payloads to a loggable size.
func Excerpt(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) <= maxRawMessage {
		return raw
	}
	return raw[:maxRawMessage] + "..."
}
