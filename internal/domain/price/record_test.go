package price

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestRecordStaleBoundary(t *testing.T) {
	observed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	rec := NewRecord(Tick{Symbol: " btc ", Value: decimal.RequireFromString("64000.10"), SourceID: "binance", ObservedAt: observed}, 10*time.Second)

	if rec.Symbol != "BTC" {
		t.Fatalf("expected normalized symbol BTC, got %q", rec.Symbol)
	}
	if !rec.ExpiresAt.Equal(observed.Add(10 * time.Second)) {
		t.Fatalf("unexpected expiry %v", rec.ExpiresAt)
	}
	if rec.Stale(rec.ExpiresAt) {
		t.Fatal("record must still be fresh exactly at expiresAt")
	}
	if !rec.Stale(rec.ExpiresAt.Add(time.Nanosecond)) {
		t.Fatal("record must be stale after expiresAt")
	}
}

func TestNormalizeSymbolsDeduplicates(t *testing.T) {
	got := NormalizeSymbols([]string{"btc", "ETH", " BTC", "", "eth"})
	if len(got) != 2 || got[0] != "BTC" || got[1] != "ETH" {
		t.Fatalf("unexpected symbols %v", got)
	}
}

func TestDescriptorEligibility(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		name string
		desc SourceDescriptor
		want bool
	}{
		{"connected", SourceDescriptor{State: StateConnected}, true},
		{"backoff pending", SourceDescriptor{State: StateBackoff, NextRetryAt: now.Add(time.Second)}, false},
		{"backoff elapsed", SourceDescriptor{State: StateBackoff, NextRetryAt: now}, true},
		{"stopped", SourceDescriptor{State: StateStopped}, false},
	}
	for _, tc := range cases {
		if got := tc.desc.Eligible(now); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
	if StateBackoff.String() != "backoff" {
		t.Fatalf("unexpected state name %q", StateBackoff.String())
	}
}
