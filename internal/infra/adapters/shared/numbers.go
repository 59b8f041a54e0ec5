package shared

import (
	"fmt"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/shopspring/decimal"
)

// ParsePrice parses an upstream price into a positive decimal.
func ParsePrice(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Decimal{}, fmt.Errorf("empty price")
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse price %q: %w", raw, err)
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, fmt.Errorf("non-positive price %q", raw)
	}
	return d, nil
}

// PriceFromNumber parses a json.Number without going through float64.
func PriceFromNumber(n json.Number) (decimal.Decimal, error) {
	return ParsePrice(n.String())
}
