package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestErrorFormattingIncludesSourceAndMetadata(t *testing.T) {
	err := New(
		"coingecko",
		CodeRateLimited,
		WithHTTP(429),
		WithMessage("too many requests"),
		WithRawMessage(`{"status":{"error_code":429}}`),
		WithRetryAfter(12*time.Second),
		WithField("endpoint", "/simple/price"),
		WithField("symbols", "BTC,ETH"),
		WithCause(errors.New("coingecko http 429")),
	)

	out := err.Error()
	if !strings.Contains(out, "source=coingecko") {
		t.Fatalf("expected source marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=rate_limited") {
		t.Fatalf("expected code in error string: %s", out)
	}
	if !strings.Contains(out, "retry_after=12s") {
		t.Fatalf("expected retry_after in error string: %s", out)
	}
	expectedMeta := "meta=endpoint=\"/simple/price\",symbols=\"BTC,ETH\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"coingecko http 429\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestHelpersWalkWrappedChain(t *testing.T) {
	base := New("binance", CodeMalformedResponse, WithRetryAfter(3*time.Second))
	wrapped := fmt.Errorf("read frame: %w", base)

	if got := CodeOf(wrapped); got != CodeMalformedResponse {
		t.Fatalf("expected malformed_response, got %q", got)
	}
	if !Is(wrapped, CodeMalformedResponse) {
		t.Fatal("expected Is to match wrapped code")
	}
	if Is(wrapped, CodeRateLimited) {
		t.Fatal("unexpected match for rate_limited")
	}
	if got := RetryAfterOf(wrapped); got != 3*time.Second {
		t.Fatalf("expected retry-after 3s, got %v", got)
	}
	if CodeOf(errors.New("plain")) != "" {
		t.Fatal("expected empty code for plain error")
	}
	if Is(nil, CodeUnavailable) {
		t.Fatal("nil error must not match")
	}
}

func TestRawMessageIsTruncated(t *testing.T) {
	err := New("coincap", CodeMalformedResponse, WithRawMessage(strings.Repeat("x", 1000)))
	if len(err.RawMsg) != maxRawMessage+3 {
		t.Fatalf("expected excerpt of %d bytes, got %d", maxRawMessage+3, len(err.RawMsg))
	}
	if !strings.HasSuffix(err.RawMsg, "...") {
		t.Fatalf("expected ellipsis suffix, got %q", err.RawMsg[len(err.RawMsg)-5:])
	}
}

func TestUnwrapReturnsCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	err := New("binance", CodeUpstreamUnavailable, WithCause(cause))
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach cause")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}
