package fake

import (
	"math/rand/v2"
	"sync"

	"github.com/shopspring/decimal"
)

const pricePlaces = 8

type walk struct {
	mu     sync.Mutex
	rng    *rand.Rand
	cfg    Config
	prices map[string]decimal.Decimal
}

func newWalk(cfg Config) *walk {
	prices := make(map[string]decimal.Decimal, len(cfg.BasePrices))
	for symbol, base := range cfg.BasePrices {
		prices[symbol] = decimal.NewFromFloat(base).Round(pricePlaces)
	}
	return &walk{
		rng:    rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
		cfg:    cfg,
		prices: prices,
	}
}

// step moves symbol by drift plus bounded noise, occasionally applying a shock.
func (w *walk) step(symbol string) (decimal.Decimal, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	current, ok := w.prices[symbol]
	if !ok {
		return decimal.Decimal{}, false
	}
	change := w.cfg.Drift + (w.rng.Float64()*2-1)*w.cfg.Volatility
	if w.cfg.ShockProbability > 0 && w.rng.Float64() < w.cfg.ShockProbability {
		if w.rng.IntN(2) == 0 {
			change -= w.cfg.ShockMagnitude
		} else {
			change += w.cfg.ShockMagnitude
		}
	}
	next := current.Mul(decimal.NewFromFloat(1 + change)).Round(pricePlaces)
	if !next.IsPositive() {
		next = current
	}
	w.prices[symbol] = next
	return next, true
}
