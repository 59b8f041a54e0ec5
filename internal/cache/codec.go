package cache

import (
	"fmt"
	"strconv"
	"time"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"github.com/coachpo/pricefeed/internal/domain/price"
)

// wireRecord is the shared-cache encoding. Values keep their scale and timestamps
// keep nanosecond precision so a round trip is exact.
type wireRecord struct {
	Symbol     string `json:"symbol"`
	Value      string `json:"value"`
	SourceID   string `json:"sourceId"`
	ObservedAt string `json:"observedAt"`
	ExpiresAt  string `json:"expiresAt"`
}

// EncodeRecord serialises a record for the distributed layer.
func EncodeRecord(rec price.PriceRecord) ([]byte, error) {
	data, err := json.Marshal(wireRecord{
		Symbol:     rec.Symbol,
		Value:      formatDecimal(rec.Value),
		SourceID:   rec.SourceID,
		ObservedAt: rec.ObservedAt.UTC().Format(time.RFC3339Nano),
		ExpiresAt:  rec.ExpiresAt.UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("encode price record: %w", err)
	}
	return data, nil
}

// DecodeRecord parses a record produced by EncodeRecord.
func DecodeRecord(data []byte) (price.PriceRecord, error) {
	var wire wireRecord
	if err := json.Unmarshal(data, &wire); err != nil {
		return price.PriceRecord{}, fmt.Errorf("decode price record: %w", err)
	}
	value, err := decimal.NewFromString(wire.Value)
	if err != nil {
		return price.PriceRecord{}, fmt.Errorf("decode price value %q: %w", wire.Value, err)
	}
	observed, err := time.Parse(time.RFC3339Nano, wire.ObservedAt)
	if err != nil {
		return price.PriceRecord{}, fmt.Errorf("decode observedAt: %w", err)
	}
	expires, err := time.Parse(time.RFC3339Nano, wire.ExpiresAt)
	if err != nil {
		return price.PriceRecord{}, fmt.Errorf("decode expiresAt: %w", err)
	}
	return price.PriceRecord{
		Symbol:     wire.Symbol,
		Value:      value,
		SourceID:   wire.SourceID,
		ObservedAt: observed.UTC(),
		ExpiresAt:  expires.UTC(),
	}, nil
}

// formatDecimal keeps trailing zeros of the fractional part so the scale survives parsing.
// Positive exponents are written in scientific form for the same reason.
func formatDecimal(d decimal.Decimal) string {
	switch exp := d.Exponent(); {
	case exp < 0:
		return d.StringFixed(-exp)
	case exp > 0:
		return d.Coefficient().String() + "e" + strconv.Itoa(int(exp))
	}
	return d.String()
}
