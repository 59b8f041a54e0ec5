// Package fake implements the last-resort mock price tier: a deterministic seeded
// random walk around configured base prices.
package fake

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/source"
)

// Name is the registry key of this adapter.
const Name = "fake"

var defaultBasePrices = map[string]float64{
	"BTC":  60000,
	"ETH":  3000,
	"SOL":  150,
	"BNB":  550,
	"XRP":  0.5,
	"ADA":  0.45,
	"DOGE": 0.15,
	"USDT": 1,
	"USDC": 1,
}

// Config tunes the price model.
type Config struct {
	Seed             uint64
	BasePrices       map[string]float64
	Drift            float64
	Volatility       float64
	ShockProbability float64
	ShockMagnitude   float64
	// FailEvery makes every Nth poll fail with upstream_unavailable; zero disables it.
	FailEvery int
}

func withDefaults(cfg Config) Config {
	if cfg.Seed == 0 {
		cfg.Seed = 42
	}
	if cfg.Volatility <= 0 {
		cfg.Volatility = 0.001
	}
	if cfg.ShockMagnitude <= 0 {
		cfg.ShockMagnitude = 0.02
	}
	bases := make(map[string]float64, len(defaultBasePrices)+len(cfg.BasePrices))
	for k, v := range defaultBasePrices {
		bases[k] = v
	}
	for k, v := range cfg.BasePrices {
		if v > 0 {
			bases[price.NormalizeSymbol(k)] = v
		}
	}
	cfg.BasePrices = bases
	return cfg
}

// Adapter serves synthetic prices.
type Adapter struct {
	id      string
	cfg     Config
	symbols []string
	now     func() time.Time
	model   *walk
	polls   atomic.Int64
	stopped atomic.Bool
}

// New constructs the adapter.
func New(id string, cfg Config, opts source.Options) *Adapter {
	cfg = withDefaults(cfg)
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Adapter{
		id:      id,
		cfg:     cfg,
		symbols: price.NormalizeSymbols(opts.Symbols),
		now:     now,
		model:   newWalk(cfg),
	}
}

// Factory builds the adapter from a source spec.
func Factory(_ context.Context, spec source.Spec, opts source.Options) (source.Adapter, error) {
	cfg := Config{BasePrices: map[string]float64{}}
	seed, err := source.FloatValue(spec.Config, "seed", 0)
	if err != nil {
		return nil, err
	}
	cfg.Seed = uint64(seed)
	if cfg.Drift, err = source.FloatValue(spec.Config, "drift", 0); err != nil {
		return nil, err
	}
	if cfg.Volatility, err = source.FloatValue(spec.Config, "volatility", 0); err != nil {
		return nil, err
	}
	if cfg.ShockProbability, err = source.FloatValue(spec.Config, "shockProbability", 0); err != nil {
		return nil, err
	}
	if cfg.ShockMagnitude, err = source.FloatValue(spec.Config, "shockMagnitude", 0); err != nil {
		return nil, err
	}
	failEvery, err := source.FloatValue(spec.Config, "failEvery", 0)
	if err != nil {
		return nil, err
	}
	cfg.FailEvery = int(failEvery)
	if raw, ok := spec.Config["basePrices"].(map[string]any); ok {
		for symbol := range raw {
			v, err := source.FloatValue(raw, symbol, 0)
			if err != nil {
				return nil, err
			}
			cfg.BasePrices[strings.ToUpper(symbol)] = v
		}
	}
	return New(spec.ID, cfg, opts), nil
}

func (a *Adapter) ID() string       { return a.id }
func (a *Adapter) Kind() price.Kind { return price.KindPolled }

func (a *Adapter) Start(ctx context.Context, sink source.Sink) error {
	if a.stopped.Load() {
		return errs.New(a.id, errs.CodeUnavailable, errs.WithMessage("adapter stopped"))
	}
	return source.PollOnce(ctx, a.id, a, a.symbols, a.now, sink)
}

func (a *Adapter) Stop() error {
	a.stopped.Store(true)
	return nil
}

// Poll advances the walk one step for each known symbol.
func (a *Adapter) Poll(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.New(a.id, errs.CodeUpstreamUnavailable, errs.WithCause(err))
	}
	n := a.polls.Add(1)
	if a.cfg.FailEvery > 0 && n%int64(a.cfg.FailEvery) == 0 {
		return nil, errs.New(a.id, errs.CodeUpstreamUnavailable, errs.WithMessage("simulated outage"))
	}
	out := make(map[string]decimal.Decimal, len(symbols))
	for _, symbol := range price.NormalizeSymbols(symbols) {
		if value, ok := a.model.step(symbol); ok {
			out[symbol] = value
		}
	}
	return out, nil
}
