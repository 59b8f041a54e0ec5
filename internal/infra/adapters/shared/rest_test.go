package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/pricefeed/errs"
)

func TestGetJSONPreservesNumbers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Key") != "secret" {
			t.Errorf("expected api key header, got %q", r.Header.Get("X-Key"))
		}
		_, _ = w.Write([]byte(`{"bitcoin":{"usd":64000.123456789012345}}`))
	}))
	defer srv.Close()

	client := NewRESTClient(RESTConfig{Source: "coingecko", Headers: map[string]string{"X-Key": "secret"}})
	var out map[string]map[string]json.Number
	if err := client.GetJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("get json: %v", err)
	}
	d, err := PriceFromNumber(out["bitcoin"]["usd"])
	if err != nil {
		t.Fatalf("parse number: %v", err)
	}
	if d.String() != "64000.123456789012345" {
		t.Fatalf("expected exact decimal, got %s", d)
	}
}

func TestGetJSONClassifiesFailures(t *testing.T) {
	cases := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		code       errs.Code
		wantPause  time.Duration
	}{
		{"rate limited", http.StatusTooManyRequests, `{"error":"slow down"}`, "7", errs.CodeRateLimited, 7 * time.Second},
		{"server error", http.StatusBadGateway, "bad gateway", "", errs.CodeUpstreamUnavailable, 0},
		{"malformed", http.StatusOK, "<html>", "", errs.CodeMalformedResponse, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				if tc.retryAfter != "" {
					w.Header().Set("Retry-After", tc.retryAfter)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewRESTClient(RESTConfig{Source: "coincap"})
			var out map[string]any
			err := client.GetJSON(context.Background(), srv.URL, &out)
			if !errs.Is(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if got := errs.RetryAfterOf(err); got != tc.wantPause {
				t.Fatalf("expected retry-after %v, got %v", tc.wantPause, got)
			}
		})
	}
}

func TestGetJSONTimeoutIsUpstreamUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	client := NewRESTClient(RESTConfig{Source: "coingecko", Timeout: 50 * time.Millisecond})
	var out map[string]any
	err := client.GetJSON(context.Background(), srv.URL, &out)
	if !errs.Is(err, errs.CodeUpstreamUnavailable) {
		t.Fatalf("expected upstream_unavailable on timeout, got %v", err)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if got := ParseRetryAfter("30", now); got != 30*time.Second {
		t.Fatalf("expected 30s, got %v", got)
	}
	date := now.Add(90 * time.Second).Format(http.TimeFormat)
	if got := ParseRetryAfter(date, now); got != 90*time.Second {
		t.Fatalf("expected 90s, got %v", got)
	}
	if got := ParseRetryAfter("soon", now); got != 0 {
		t.Fatalf("expected 0 for garbage, got %v", got)
	}

	capped := []string{
		"86400",
		"9223372036854775807",
		"99999999999999999999999",
		now.Add(48 * time.Hour).Format(http.TimeFormat),
	}
	for _, value := range capped {
		if got := ParseRetryAfter(value, now); got != MaxRetryAfter {
			t.Fatalf("expected %q capped at %v, got %v", value, MaxRetryAfter, got)
		}
	}
	if got := ParseRetryAfter("-99999999999999999999999", now); got != 0 {
		t.Fatalf("expected 0 for negative overflow, got %v", got)
	}
}

func TestParsePriceRejectsNonPositive(t *testing.T) {
	for _, raw := range []string{"", "0", "-1", "abc"} {
		if _, err := ParsePrice(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
