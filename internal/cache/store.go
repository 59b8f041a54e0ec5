// Package cache holds the single source of truth for current prices: a lock-free
// in-process layer, an optional Redis layer and the tiered combination of both.
package cache

import (
	"github.com/coachpo/pricefeed/internal/domain/price"
)

// Entry is a record together with its freshness at read time.
type Entry struct {
	Record price.PriceRecord
	Fresh  bool
}

// Store defines the price cache contract. Implementations never perform network I/O
// on the read path.
type Store interface {
	Get(symbol string) (record price.PriceRecord, fresh bool, found bool)
	GetMany(symbols []string) map[string]Entry
	Put(record price.PriceRecord) bool
}
