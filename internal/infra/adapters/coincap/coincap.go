// Package coincap implements the polled CoinCap assets source.
package coincap

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coachpo/pricefeed/errs"
	"github.com/coachpo/pricefeed/internal/domain/price"
	"github.com/coachpo/pricefeed/internal/infra/adapters/shared"
	"github.com/coachpo/pricefeed/internal/observability"
	"github.com/coachpo/pricefeed/internal/source"
)

// Name is the registry key of this adapter.
const Name = "coincap"

const (
	defaultBaseURL = "https://api.coincap.io/v2"
	defaultTimeout = 10 * time.Second
	defaultRate    = 0.5
	assetsPath     = "/assets"
)

var defaultAssetIDs = map[string]string{
	"BTC":  "bitcoin",
	"ETH":  "ethereum",
	"SOL":  "solana",
	"BNB":  "binance-coin",
	"XRP":  "xrp",
	"ADA":  "cardano",
	"DOGE": "dogecoin",
	"DOT":  "polkadot",
	"LTC":  "litecoin",
	"AVAX": "avalanche",
	"USDT": "tether",
	"USDC": "usd-coin",
}

type assetsResponse struct {
	Data      []asset `json:"data"`
	Timestamp int64   `json:"timestamp"`
	Error     string  `json:"error"`
}

type asset struct {
	ID       string  `json:"id"`
	Symbol   string  `json:"symbol"`
	PriceUSD *string `json:"priceUsd"`
}

// Config captures user-overridable CoinCap settings.
type Config struct {
	BaseURL           string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond float64
	AssetIDs          map[string]string
}

func withDefaults(cfg Config) Config {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRate
	}
	ids := make(map[string]string, len(defaultAssetIDs)+len(cfg.AssetIDs))
	for k, v := range defaultAssetIDs {
		ids[k] = v
	}
	for k, v := range cfg.AssetIDs {
		ids[price.NormalizeSymbol(k)] = strings.TrimSpace(v)
	}
	cfg.AssetIDs = ids
	return cfg
}

// Adapter polls CoinCap for USD asset prices.
type Adapter struct {
	id      string
	cfg     Config
	symbols []string
	client  *shared.RESTClient
	now     func() time.Time
	logger  observability.Logger
	stopped atomic.Bool
}

// New constructs the adapter.
func New(id string, cfg Config, opts source.Options) *Adapter {
	cfg = withDefaults(cfg)
	if opts.Now == nil {
		opts.Now = time.Now
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	return &Adapter{
		id:      id,
		cfg:     cfg,
		symbols: price.NormalizeSymbols(opts.Symbols),
		client: shared.NewRESTClient(shared.RESTConfig{
			Source:            id,
			Client:            opts.HTTPClient,
			Timeout:           cfg.Timeout,
			RequestsPerSecond: cfg.RequestsPerSecond,
			Headers:           headers,
			Now:               opts.Now,
		}),
		now:    opts.Now,
		logger: observability.OrNop(opts.Logger),
	}
}

// Factory builds the adapter from a source spec.
func Factory(_ context.Context, spec source.Spec, opts source.Options) (source.Adapter, error) {
	timeout, err := source.DurationValue(spec.Config, "timeout", 0)
	if err != nil {
		return nil, err
	}
	rps, err := source.FloatValue(spec.Config, "requestsPerSecond", 0)
	if err != nil {
		return nil, err
	}
	return New(spec.ID, Config{
		BaseURL:           source.StringValue(spec.Config, "baseUrl", ""),
		APIKey:            source.StringValue(spec.Config, "apiKey", ""),
		Timeout:           timeout,
		RequestsPerSecond: rps,
		AssetIDs:          source.StringMap(spec.Config, "assetIds"),
	}, opts), nil
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

// Poll fetches USD prices for symbols.
func (a *Adapter) Poll(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	idToSymbol := make(map[string]string, len(symbols))
	for _, symbol := range price.NormalizeSymbols(symbols) {
		if id := a.cfg.AssetIDs[symbol]; id != "" {
			idToSymbol[id] = symbol
		}
	}
	if len(idToSymbol) == 0 {
		return map[string]decimal.Decimal{}, nil
	}
	ids := make([]string, 0, len(idToSymbol))
	for id := range idToSymbol {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	params := url.Values{}
	params.Set("ids", strings.Join(ids, ","))
	endpoint := a.cfg.BaseURL + assetsPath + "?" + params.Encode()

	var payload assetsResponse
	if err := a.client.GetJSON(ctx, endpoint, &payload); err != nil {
		return nil, err
	}
	if payload.Error != "" {
		return nil, errs.New(a.id, errs.CodeUpstreamUnavailable, errs.WithMessage(payload.Error))
	}

	out := make(map[string]decimal.Decimal, len(payload.Data))
	for _, item := range payload.Data {
		symbol, ok := idToSymbol[item.ID]
		if !ok {
			continue
		}
		if item.PriceUSD == nil {
			a.logger.Debug("coincap: asset without price", observability.F("asset", item.ID))
			continue
		}
		value, err := shared.ParsePrice(*item.PriceUSD)
		if err != nil {
			return nil, shared.Malformed(a.id, fmt.Sprintf("priceUsd for %s", item.ID), []byte(*item.PriceUSD), err)
		}
		out[symbol] = value
	}
	if len(out) == 0 {
		return nil, shared.Malformed(a.id, "no requested assets in response", nil, nil)
	}
	return out, nil
}
