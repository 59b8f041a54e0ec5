// Package price defines the canonical price records and source descriptors shared by
// the cache, the coordinator and the read surfaces.
package price

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Tick is a single normalized observation emitted by a source adapter.
type Tick struct {
	Symbol     string
	Value      decimal.Decimal
	SourceID   string
	ObservedAt time.Time
}

// PriceRecord is the cached current price of one symbol.
type PriceRecord struct {
	Symbol     string
	Value      decimal.Decimal
	SourceID   string
	ObservedAt time.Time
	ExpiresAt  time.Time
}

// NewRecord derives a cache record from a tick using the freshness ttl.
func NewRecord(tick Tick, ttl time.Duration) PriceRecord {
	observed := tick.ObservedAt.UTC()
	return PriceRecord{
		Symbol:     NormalizeSymbol(tick.Symbol),
		Value:      tick.Value,
		SourceID:   tick.SourceID,
		ObservedAt: observed,
		ExpiresAt:  observed.Add(ttl),
	}
}

// Stale reports whether the record is past its freshness window at now.
func (r PriceRecord) Stale(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// IsZero reports whether the record was never populated.
func (r PriceRecord) IsZero() bool {
	return r.Symbol == "" && r.ObservedAt.IsZero()
}

// NormalizeSymbol returns the canonical uppercase ticker.
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// NormalizeSymbols canonicalizes and de-duplicates symbols, preserving order.
func NormalizeSymbols(symbols []string) []string {
	out := make([]string, 0, len(symbols))
	seen := make(map[string]struct{}, len(symbols))
	for _, s := range symbols {
		n := NormalizeSymbol(s)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out
}
